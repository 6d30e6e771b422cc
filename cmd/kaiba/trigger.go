package main

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fentz26/kaiba/internal/decision"
	"github.com/fentz26/kaiba/internal/models"
	"github.com/spf13/cobra"
)

var triggerCmd = &cobra.Command{
	Use:   "trigger [persona-id]",
	Short: "Run one decision tick for a persona, or for every persona with --all",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runTrigger,
}

var callCmd = &cobra.Command{
	Use:   "call [persona-id] [prompt]",
	Short: "Ask a persona something through its selected backend",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runCall,
}

var triggerAll bool

func init() {
	triggerCmd.Flags().BoolVar(&triggerAll, "all", false, "Trigger every persona")
}

// longClient waits for execution backends.
var longClient = &http.Client{Timeout: callTimeout}

func runTrigger(cmd *cobra.Command, args []string) error {
	switch {
	case triggerAll && len(args) > 0:
		return fmt.Errorf("give a persona ID or --all, not both")
	case triggerAll:
		var summary decision.Summary
		if err := apiDo(longClient, http.MethodPost, "/trigger", nil, &summary); err != nil {
			return err
		}
		fmt.Printf("Processed %d personas: %d learn, %d digest, %d rest, %d skipped, %d errors\n",
			summary.Processed, summary.Learns, summary.Digests, summary.Rests, summary.Skipped, summary.Errors)
		if len(summary.Outcomes) == 0 {
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "PERSONA\tENERGY\tTOKENS\tACTION\tREASON")
		for _, o := range summary.Outcomes {
			fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\n", o.PersonaID, o.Snapshot.Energy, o.Snapshot.TokensRemaining,
				actionStyle(o.Action).Render(string(o.Action)), truncate(o.Reason, 50))
		}
		return w.Flush()
	case len(args) == 0:
		return fmt.Errorf("persona ID required (or use --all)")
	}

	var out models.Outcome
	if err := apiDo(longClient, http.MethodPost, "/personas/"+args[0]+"/trigger", nil, &out); err != nil {
		return err
	}
	printOutcome(out)
	return nil
}

func printOutcome(o models.Outcome) {
	field("Action", actionStyle(o.Action).Render(string(o.Action)))
	field("Reason", o.Reason)
	if o.Skipped {
		field("Skipped", warningStyle.Render("state changed concurrently"))
	}
	if o.BackendID != "" {
		field("Backend", o.BackendID)
	}
	field("Energy", energyBar(o.Snapshot.Energy))
	field("Tokens left", o.Snapshot.TokensRemaining)
	field("Mood", o.Snapshot.Mood)
	if v, ok := o.Details["tokens_used"]; ok {
		field("Tokens used", v)
	}
	if v, ok := o.Details["error"]; ok {
		field("Error", errorStyle.Render(fmt.Sprint(v)))
	}
}

func runCall(cmd *cobra.Command, args []string) error {
	prompt := strings.Join(args[1:], " ")
	var res decision.CallResult
	if err := apiDo(longClient, http.MethodPost, "/personas/"+args[0]+"/call", map[string]string{"prompt": prompt}, &res); err != nil {
		return err
	}

	fmt.Println(res.Response)
	fmt.Println()
	backend := res.BackendID
	if res.Model != "" {
		backend += " (" + res.Model + ")"
	}
	fmt.Println(mutedStyle.Render(fmt.Sprintf("%s · %d tokens · energy %d → %d",
		backend, res.TokensConsumed, res.Energy, res.EnergyAfter)))
	if res.BudgetExhausted {
		fmt.Println(warningStyle.Render("token budget exhausted: nothing was debited"))
	}
	return nil
}
