package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/planforge/planforge/internal/config"
	"github.com/planforge/planforge/internal/home"
	"github.com/planforge/planforge/version"
)

var (
	cfgFile string
	homeDir string
)

var rootCmd = &cobra.Command{
	Use:   "planforge",
	Short: "Learning plan generation service",
	Long: `Planforge generates structured learning plans with an LLM backend.

Plan requests flow through a durable priority job queue backed by
Postgres. Workers lease jobs, reserve a generation attempt for the
plan, and invoke the provider under a deadline. Failed attempts are
classified and retried within per-job and per-plan budgets.

The service includes:
  - Priority scoring by subscription tier and category preference
  - Atomic job leasing with retry budgets and dedup
  - Per-plan attempt reservation with an attempt cap
  - Prometheus metrics and health reporting`,
	Version: version.GitRelease,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./config.yaml or ~/.planforge/config.yaml)",
	)
	rootCmd.PersistentFlags().StringVar(
		&homeDir, "home", "", "planforge home directory (default: ~/.planforge)",
	)
}

// getHome returns the home directory manager.
func getHome() (*home.Dir, error) {
	h, err := home.New(homeDir)
	if err != nil {
		return nil, err
	}
	if err := h.EnsureExists(); err != nil {
		return nil, fmt.Errorf("failed to create home directory: %w", err)
	}
	return h, nil
}

// loadConfig builds the config manager, preferring the --config flag,
// then the home config file if present.
func loadConfig() (*config.Manager, error) {
	if cfgFile != "" {
		return config.NewManager(cfgFile)
	}

	h, err := getHome()
	if err != nil {
		return nil, err
	}
	if h.ConfigExists() {
		return config.NewManager(h.ConfigPath())
	}
	return config.NewManager("")
}
