package main

import (
	"fmt"

	"github.com/fentz26/kaiba/internal/controlplane"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon health, scheduler and delivery statistics",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	health, err := CheckHealth()
	if health == nil {
		return err
	}

	fmt.Println(titleStyle.Render("Kaiba daemon"))
	if health.OK {
		field("Status", okStyle.Render("healthy"))
	} else {
		field("Status", errorStyle.Render("unhealthy"))
	}
	field("Database", health.DB)
	field("Version", health.Version)
	field("Server time", health.Time)
	if err != nil {
		return err
	}

	var stats controlplane.Stats
	if err := apiGet("/stats", &stats); err != nil {
		return err
	}

	fmt.Println()
	fmt.Println(titleStyle.Render("Scheduler"))
	if sch := stats.Scheduler; sch == nil {
		field("State", mutedStyle.Render("not configured"))
	} else {
		if sch.Running {
			field("State", okStyle.Render("running"))
		} else {
			field("State", mutedStyle.Render("stopped"))
		}
		field("Interval", sch.Interval)
		field("Runs", sch.Runs)
		field("Last run", timeOrNever(sch.LastRun))
		if sch.LastErr != "" {
			field("Last error", errorStyle.Render(sch.LastErr))
		}
		if s := sch.Last; s != nil {
			field("Last summary", fmt.Sprintf("%d processed: %d learn, %d digest, %d rest, %d skipped, %d errors",
				s.Processed, s.Learns, s.Digests, s.Rests, s.Skipped, s.Errors))
		}
	}

	d := stats.Dispatcher
	fmt.Println()
	fmt.Println(titleStyle.Render("Webhook deliveries"))
	field("Published", d.Published)
	field("Enqueued", d.Enqueued)
	field("Attempts", d.Attempts)
	field("Succeeded", okStyle.Render(fmt.Sprint(d.Succeeded)))
	field("Failed", errorStyle.Render(fmt.Sprint(d.Failed)))
	field("Cancelled", d.Cancelled)
	field("In flight", d.InFlight)
	field("Scheduled", d.Scheduled)
	return nil
}
