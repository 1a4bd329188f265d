package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/planforge/planforge/internal/home"
	"github.com/planforge/planforge/internal/store"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the local Postgres container",
	Long: `Manage the local Postgres container lifecycle.

Postgres holds all service state: plans, jobs, attempts, and generated
modules. The database runs in a Docker container with data persisted
to ~/.planforge/postgres/.

Examples:
  planforge db start    # Start the Postgres container
  planforge db stop     # Stop the container (data preserved)
  planforge db status   # Check container status
  planforge db logs     # View container logs
  planforge db migrate  # Apply the schema`,
}

var dbStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Postgres container",
	Long: `Start the Postgres container.

If the container doesn't exist, it will be created and started.
If it exists but is stopped, it will be started.
If it's already running, this is a no-op.

Data is persisted to ~/.planforge/postgres/.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		h, err := getHome()
		if err != nil {
			return err
		}

		mgr, err := getDockerManager(h)
		if err != nil {
			return err
		}
		defer mgr.Close()

		fmt.Println("Starting Postgres...")
		if err := mgr.Start(ctx); err != nil {
			return fmt.Errorf("failed to start Postgres: %w", err)
		}

		fmt.Printf("Postgres is running at %s\n", mgr.DSN())
		return nil
	},
}

var dbStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the Postgres container",
	Long: `Stop the Postgres container.

This stops the container but preserves data. Use 'planforge db start'
to restart it later.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		h, err := getHome()
		if err != nil {
			return err
		}

		mgr, err := getDockerManager(h)
		if err != nil {
			return err
		}
		defer mgr.Close()

		fmt.Println("Stopping Postgres...")
		if err := mgr.Stop(ctx); err != nil {
			return fmt.Errorf("failed to stop Postgres: %w", err)
		}

		fmt.Println("Postgres stopped")
		return nil
	},
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show Postgres container status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		h, err := getHome()
		if err != nil {
			return err
		}

		mgr, err := getDockerManager(h)
		if err != nil {
			return err
		}
		defer mgr.Close()

		status, err := mgr.Status(ctx)
		if err != nil {
			return fmt.Errorf("failed to get status: %w", err)
		}

		switch status {
		case store.StatusRunning:
			fmt.Printf("Status: %s\n", status)
			fmt.Printf("DSN: %s\n", mgr.DSN())
			if err := mgr.WaitReady(ctx, 5*time.Second); err != nil {
				fmt.Printf("Health: unhealthy (%v)\n", err)
			} else {
				fmt.Println("Health: healthy")
			}
		case store.StatusStopped:
			fmt.Printf("Status: %s (use 'planforge db start' to start)\n", status)
		case store.StatusNotFound:
			fmt.Printf("Status: %s (use 'planforge db start' to create)\n", status)
		default:
			fmt.Printf("Status: %s\n", status)
		}

		return nil
	},
}

var dbLogsTail string

var dbLogsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show Postgres container logs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		h, err := getHome()
		if err != nil {
			return err
		}

		mgr, err := getDockerManager(h)
		if err != nil {
			return err
		}
		defer mgr.Close()

		logs, err := mgr.Logs(ctx, dbLogsTail)
		if err != nil {
			return fmt.Errorf("failed to get logs: %w", err)
		}

		fmt.Print(logs)
		return nil
	},
}

var dbRemoveCmd = &cobra.Command{
	Use:   "remove",
	Short: "Remove the Postgres container",
	Long: `Remove the Postgres container.

This stops and removes the container. Data in ~/.planforge/postgres/
is NOT deleted - only the container is removed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		h, err := getHome()
		if err != nil {
			return err
		}

		mgr, err := getDockerManager(h)
		if err != nil {
			return err
		}
		defer mgr.Close()

		fmt.Println("Removing Postgres container...")
		if err := mgr.Remove(ctx); err != nil {
			return fmt.Errorf("failed to remove container: %w", err)
		}

		fmt.Println("Postgres container removed (data preserved)")
		return nil
	},
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		mgr, err := loadConfig()
		if err != nil {
			return err
		}
		cfg := mgr.Get()

		pool, err := store.Connect(ctx, store.Config{
			DSN:            cfg.ResolvedDSN(),
			MaxConns:       cfg.Database.MaxConns,
			ConnectTimeout: time.Duration(cfg.Database.ConnectTimeoutSeconds) * time.Second,
		})
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := store.Migrate(ctx, pool); err != nil {
			return err
		}

		fmt.Println("Schema applied")
		return nil
	},
}

func init() {
	dbCmd.AddCommand(dbStartCmd)
	dbCmd.AddCommand(dbStopCmd)
	dbCmd.AddCommand(dbStatusCmd)
	dbCmd.AddCommand(dbLogsCmd)
	dbCmd.AddCommand(dbRemoveCmd)
	dbCmd.AddCommand(dbMigrateCmd)

	dbLogsCmd.Flags().StringVar(&dbLogsTail, "tail", "100", "Number of lines to show from the end")

	rootCmd.AddCommand(dbCmd)
}

// getDockerManager creates a DockerManager with the standard config.
func getDockerManager(h *home.Dir) (*store.DockerManager, error) {
	mgr, err := loadConfig()
	if err != nil {
		return nil, err
	}
	cfg := mgr.Get()

	dataPath := cfg.Docker.DataPath
	if dataPath == "" {
		dataPath = h.PostgresDataPath()
	}

	return store.NewDockerManager(store.DockerConfig{
		ContainerName: cfg.Docker.ContainerName,
		Image:         cfg.Docker.Image,
		HostPort:      cfg.Docker.Port,
		DataPath:      dataPath,
	})
}
