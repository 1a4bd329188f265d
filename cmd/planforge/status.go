package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/planforge/planforge/internal/attempts"
)

var statusCmd = &cobra.Command{
	Use:   "status [plan-id]",
	Short: "Show queue depth or a plan's generation history",
	Long: `Show job queue depth, or a specific plan's state and attempt history.

Examples:
  planforge status                                        # Queue overview
  planforge status 1b4e28ba-2fa1-11d2-883f-0016d3cca427   # One plan`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		mgr, err := loadConfig()
		if err != nil {
			return err
		}
		cfg := mgr.Get()

		pool, jobStore, attemptStore, err := openStores(ctx, cfg)
		if err != nil {
			return err
		}
		defer pool.Close()

		if len(args) == 0 {
			stats, err := jobStore.Stats(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Pending jobs:    %d\n", stats.Pending)
			fmt.Printf("Processing jobs: %d\n", stats.Processing)
			if stats.Processing > 0 {
				fmt.Printf("Oldest in flight: %s\n", stats.OldestProcessingAge.Round(time.Second))
			}
			return nil
		}

		p, err := attemptStore.GetPlan(ctx, args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Plan:   %s\n", p.ID)
		fmt.Printf("Owner:  %s\n", p.OwnerID)
		fmt.Printf("Title:  %s\n", p.Title)
		fmt.Printf("Topic:  %s\n", p.Topic)
		fmt.Printf("Status: %s\n", p.Status)

		history, err := attemptStore.ListByParent(ctx, p.ID)
		if err != nil {
			return err
		}
		if len(history) > 0 {
			fmt.Printf("\nAttempts (%d/%d):\n", len(history), cfg.Generate.AttemptCap)
			for i, a := range history {
				line := fmt.Sprintf("  %d. %s", i+1, a.Status)
				if a.Classification != nil {
					line += fmt.Sprintf(" (%s)", *a.Classification)
				}
				if a.TimedOut {
					line += " [timed out]"
				}
				line += fmt.Sprintf(" %dms", a.DurationMs)
				if a.Status == attempts.StatusSuccess {
					line += fmt.Sprintf(", %d modules / %d tasks", a.ModuleCount, a.TaskCount)
				}
				fmt.Println(line)
			}
		}

		modules, err := attemptStore.ListModules(ctx, p.ID)
		if err != nil {
			return err
		}
		if len(modules) > 0 {
			fmt.Println("\nModules:")
			for _, m := range modules {
				fmt.Printf("  %d. %s (%d tasks)\n", m.Position, m.Title, len(m.Tasks))
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
