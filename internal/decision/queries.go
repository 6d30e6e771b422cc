package decision

import (
	"fmt"
	"strings"
	"time"

	"github.com/fentz26/kaiba/internal/models"
)

// BuildQueries derives up to limit search queries from a persona's manifest:
// interests, then learning topics, then curiosities. A persona with none of
// them learns about its role. The starting point rotates hourly so that
// successive sessions cover different topics.
func BuildQueries(p models.Persona, now time.Time, limit int) []string {
	var all []string
	seen := make(map[string]struct{})
	add := func(q string) {
		q = strings.TrimSpace(q)
		if q == "" {
			return
		}
		key := strings.ToLower(q)
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		all = append(all, q)
	}
	for _, interest := range p.Manifest.Interests {
		if strings.TrimSpace(interest) != "" {
			add(interest + " latest developments")
		}
	}
	for _, topic := range p.Manifest.LearningTopics {
		add(topic)
	}
	for _, c := range p.Manifest.Curiosities {
		add(c)
	}
	if len(all) == 0 && strings.TrimSpace(p.Role) != "" {
		add("latest trends for a " + p.Role)
	}
	if len(all) == 0 || limit <= 0 {
		return nil
	}

	n := min(limit, len(all))
	start := int(now.Unix()/3600) % len(all)
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, all[(start+i)%len(all)])
	}
	return out
}

func learnPrompt(p models.Persona, query string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s", p.Name)
	if p.Role != "" {
		fmt.Fprintf(&b, ", a %s", p.Role)
	}
	b.WriteString(".\n")
	if p.Manifest.Personality != "" {
		b.WriteString(p.Manifest.Personality)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Research %q and write down the key facts worth remembering, in a few short paragraphs.", query)
	return b.String()
}

func digestPrompt(p models.Persona, memories []models.Memory) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s", p.Name)
	if p.Role != "" {
		fmt.Fprintf(&b, ", a %s", p.Role)
	}
	b.WriteString(".\nConsolidate these notes into one concise summary of what you now know:\n")
	for i, m := range memories {
		fmt.Fprintf(&b, "\n%d. %s", i+1, m.Content)
	}
	return b.String()
}

func callPrompt(p models.Persona, prompt string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s", p.Name)
	if p.Role != "" {
		fmt.Fprintf(&b, ", a %s", p.Role)
	}
	b.WriteString(".\n")
	if p.Manifest.Personality != "" {
		b.WriteString(p.Manifest.Personality)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(prompt)
	return b.String()
}
