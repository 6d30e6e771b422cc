package main

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fentz26/kaiba/internal/controlplane"
	"github.com/fentz26/kaiba/internal/models"
	"github.com/spf13/cobra"
)

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Add to and search a persona's memory",
}

var memoryAddCmd = &cobra.Command{
	Use:   "add [persona-id] [content]",
	Short: "Store a memory",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runMemoryAdd,
}

var memorySearchCmd = &cobra.Command{
	Use:   "search [persona-id] [query]",
	Short: "Search memories by similarity",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runMemorySearch,
}

var (
	memoryType       string
	memoryImportance float64
	memoryTags       []string
	memoryTypes      []string
	memoryLimit      int
)

func init() {
	memoryCmd.AddCommand(memoryAddCmd, memorySearchCmd)

	memoryAddCmd.Flags().StringVar(&memoryType, "type", "", "conversation, learning, fact, expertise or reflection (default conversation)")
	memoryAddCmd.Flags().Float64Var(&memoryImportance, "importance", 0.5, "Importance in [0,1]")
	memoryAddCmd.Flags().StringSliceVar(&memoryTags, "tag", nil, "Tag (repeatable)")

	memorySearchCmd.Flags().StringSliceVar(&memoryTypes, "type", nil, "Only search these memory types")
	memorySearchCmd.Flags().IntVar(&memoryLimit, "limit", 5, "Maximum number of results")
}

func runMemoryAdd(cmd *cobra.Command, args []string) error {
	in := controlplane.MemoryInput{
		Content:    strings.Join(args[1:], " "),
		Type:       memoryType,
		Importance: memoryImportance,
		Tags:       memoryTags,
	}
	var m models.Memory
	if err := apiPost("/personas/"+args[0]+"/memory", in, &m); err != nil {
		return err
	}
	fmt.Printf("Stored %s memory %s\n", m.Type, m.ID)
	return nil
}

func runMemorySearch(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	q.Set("q", strings.Join(args[1:], " "))
	q.Set("limit", fmt.Sprint(memoryLimit))
	if len(memoryTypes) > 0 {
		q.Set("type", strings.Join(memoryTypes, ","))
	}

	var hits []models.ScoredMemory
	if err := apiGet("/personas/"+args[0]+"/memory?"+q.Encode(), &hits); err != nil {
		return err
	}
	if len(hits) == 0 {
		fmt.Println("No matching memories")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SCORE\tTYPE\tIMPORTANCE\tCONTENT")
	for _, h := range hits {
		fmt.Fprintf(w, "%.2f\t%s\t%.1f\t%s\n", h.Score, h.Type, h.Importance, truncate(h.Content, 60))
	}
	return w.Flush()
}
