package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect queued jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list <plan-id>",
	Short: "List a plan's jobs, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		mgr, err := loadConfig()
		if err != nil {
			return err
		}

		pool, jobStore, _, err := openStores(ctx, mgr.Get())
		if err != nil {
			return err
		}
		defer pool.Close()

		jobs, err := jobStore.ListByParent(ctx, args[0])
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			fmt.Println("No jobs for plan", args[0])
			return nil
		}
		for _, j := range jobs {
			line := fmt.Sprintf("%s  %-16s %-10s attempts %d/%d prio %d  %s",
				j.ID, j.Type, j.Status, j.Attempts, j.MaxAttempts, j.Priority,
				j.CreatedAt.Local().Format(time.RFC3339))
			if j.Error != "" {
				line += "\n    error: " + j.Error
			}
			fmt.Println(line)
		}
		return nil
	},
}

var jobsGetCmd = &cobra.Command{
	Use:   "get <job-id>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		mgr, err := loadConfig()
		if err != nil {
			return err
		}

		pool, jobStore, _, err := openStores(ctx, mgr.Get())
		if err != nil {
			return err
		}
		defer pool.Close()

		j, err := jobStore.Get(ctx, args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Job:      %s\n", j.ID)
		fmt.Printf("Type:     %s\n", j.Type)
		fmt.Printf("Status:   %s\n", j.Status)
		fmt.Printf("Plan:     %s\n", j.ParentID)
		fmt.Printf("Owner:    %s\n", j.OwnerID)
		fmt.Printf("Priority: %d\n", j.Priority)
		fmt.Printf("Attempts: %d/%d\n", j.Attempts, j.MaxAttempts)
		if j.Error != "" {
			fmt.Printf("Error:    %s\n", j.Error)
		}
		if len(j.Result) > 0 {
			fmt.Printf("Result:   %s\n", j.Result)
		}
		if len(j.Payload) > 0 {
			fmt.Printf("Payload:  %s\n", j.Payload)
		}
		return nil
	},
}

func init() {
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsGetCmd)
	rootCmd.AddCommand(jobsCmd)
}
