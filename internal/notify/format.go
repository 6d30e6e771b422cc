package notify

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Payload formats a subscription may ask for.
const (
	FormatRaw         = ""
	FormatGitHubIssue = "github_issue"
	FormatDiscord     = "discord"
	FormatSlack       = "slack"
)

// ValidFormat reports whether f is a known payload format.
func ValidFormat(f string) bool {
	switch f {
	case FormatRaw, "raw", FormatGitHubIssue, FormatDiscord, FormatSlack:
		return true
	}
	return false
}

// Payload is the canonical body of a delivery.
type Payload struct {
	DeliveryID string         `json:"deliveryId"`
	Event      string         `json:"event"`
	PersonaID  string         `json:"personaId"`
	Timestamp  time.Time      `json:"timestamp"`
	Data       map[string]any `json:"data"`
}

// Format serialises p in the requested shape. The returned bytes are what
// gets signed and sent.
func Format(format string, p Payload) ([]byte, error) {
	var v any
	switch format {
	case FormatGitHubIssue:
		v = githubIssue(p)
	case FormatDiscord:
		v = discordMessage(p)
	case FormatSlack:
		v = slackMessage(p)
	case FormatRaw, "raw":
		v = p
	default:
		return nil, fmt.Errorf("unknown payload format %q", format)
	}
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", formatName(format), err)
	}
	return body, nil
}

func formatName(f string) string {
	if f == "" {
		return "raw"
	}
	return f
}

func title(p Payload) string {
	return fmt.Sprintf("[Kaiba] %s for persona %s", p.Event, p.PersonaID)
}

// dataLines renders the top-level data fields sorted by key.
func dataLines(data map[string]any) []string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s: %s", k, renderValue(data[k])))
	}
	return lines
}

func renderValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return "-"
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

func githubIssue(p Payload) map[string]any {
	pretty, _ := json.MarshalIndent(p.Data, "", "  ")
	var body strings.Builder
	fmt.Fprintf(&body, "**Event:** `%s`\n", p.Event)
	fmt.Fprintf(&body, "**Persona:** `%s`\n", p.PersonaID)
	fmt.Fprintf(&body, "**Time:** %s\n", p.Timestamp.UTC().Format(time.RFC3339))
	fmt.Fprintf(&body, "**Delivery:** `%s`\n\n", p.DeliveryID)
	body.WriteString("```json\n")
	body.Write(pretty)
	body.WriteString("\n```\n")
	return map[string]any{
		"title":  title(p),
		"body":   body.String(),
		"labels": []string{"kaiba", p.Event},
	}
}

func discordMessage(p Payload) map[string]any {
	fields := make([]map[string]any, 0, len(p.Data))
	for _, line := range dataLines(p.Data) {
		name, value, _ := strings.Cut(line, ": ")
		if len(value) > 1024 {
			value = value[:1021] + "..."
		}
		fields = append(fields, map[string]any{"name": name, "value": value, "inline": len(value) < 40})
	}
	return map[string]any{
		"content": title(p),
		"embeds": []map[string]any{{
			"title":     p.Event,
			"timestamp": p.Timestamp.UTC().Format(time.RFC3339),
			"fields":    fields,
			"footer":    map[string]any{"text": "delivery " + p.DeliveryID},
		}},
	}
}

func slackMessage(p Payload) map[string]any {
	text := "*" + title(p) + "*"
	if lines := dataLines(p.Data); len(lines) > 0 {
		text += "\n" + strings.Join(lines, "\n")
	}
	return map[string]any{
		"text": title(p),
		"blocks": []map[string]any{
			{"type": "section", "text": map[string]any{"type": "mrkdwn", "text": text}},
			{"type": "context", "elements": []map[string]any{
				{"type": "mrkdwn", "text": "delivery " + p.DeliveryID + " at " + p.Timestamp.UTC().Format(time.RFC3339)},
			}},
		},
	}
}
