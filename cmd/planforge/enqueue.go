package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/planforge/planforge/internal/attempts"
	"github.com/planforge/planforge/internal/config"
	"github.com/planforge/planforge/internal/plan"
	"github.com/planforge/planforge/internal/priority"
	"github.com/planforge/planforge/internal/queue"
	"github.com/planforge/planforge/internal/store"
)

var (
	enqueueOwner     string
	enqueueTitle     string
	enqueueTier      string
	enqueueWeeks     int
	enqueuePreferred bool

	regenerateFeedback string
	regenerateWeeks    int
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <topic>",
	Short: "Create a plan and queue its generation",
	Long: `Create a draft learning plan and queue a generation job for it.

The job's priority is derived from the owner's tier (pro > plus > free)
plus a small bump for preferred-category topics. A running serve process
picks the job up and drives the generation attempt.

Examples:
  planforge enqueue "Learn Rust" --owner user-1
  planforge enqueue "Kubernetes operators" --owner user-2 --tier pro --weeks 6`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		topic := args[0]

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

		if err := checkOwnerLimit(ctx, jobStore, enqueueOwner, queue.TypePlanGenerate, cfg.Queue.OwnerHourlyLimit); err != nil {
			return err
		}

		title := enqueueTitle
		if title == "" {
			title = topic
		}
		p := plan.New(enqueueOwner, title, topic)
		if err := attemptStore.CreatePlan(ctx, p); err != nil {
			return fmt.Errorf("creating plan: %w", err)
		}

		tier := priority.ParseTier(enqueueTier)
		payload, err := json.Marshal(queue.GeneratePayload{
			Topic:             topic,
			Title:             title,
			Tier:              string(tier),
			PreferredCategory: enqueuePreferred,
			Weeks:             enqueueWeeks,
		})
		if err != nil {
			return err
		}
		if err := queue.ValidatePayload(queue.TypePlanGenerate, payload); err != nil {
			return err
		}

		res, err := jobStore.Enqueue(ctx, queue.EnqueueRequest{
			Type:        queue.TypePlanGenerate,
			ParentID:    p.ID,
			OwnerID:     enqueueOwner,
			Payload:     payload,
			Priority:    priority.Compute(tier, enqueuePreferred),
			MaxAttempts: cfg.Queue.MaxAttempts,
		})
		if err != nil {
			return fmt.Errorf("enqueueing job: %w", err)
		}

		fmt.Printf("Plan created: %s\n", p.ID)
		fmt.Printf("Job queued:   %s (priority %d, tier %s)\n", res.Job.ID, res.Job.Priority, tier)
		return nil
	},
}

var regenerateCmd = &cobra.Command{
	Use:   "regenerate <plan-id>",
	Short: "Queue a regeneration of an existing plan",
	Long: `Queue a regeneration job for an existing plan.

Regeneration jobs are deduplicated: if a regeneration for this plan is
already pending or processing, the new request's payload supersedes the
queued one instead of creating a second job.

Examples:
  planforge regenerate 1b4e28ba-2fa1-11d2-883f-0016d3cca427 --feedback "More hands-on tasks"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		planID := args[0]

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

		p, err := attemptStore.GetPlan(ctx, planID)
		if err != nil {
			return err
		}

		if err := checkOwnerLimit(ctx, jobStore, p.OwnerID, queue.TypePlanRegenerate, cfg.Queue.OwnerHourlyLimit); err != nil {
			return err
		}

		payload, err := json.Marshal(queue.GeneratePayload{
			Topic:    p.Topic,
			Feedback: regenerateFeedback,
			Weeks:    regenerateWeeks,
		})
		if err != nil {
			return err
		}
		if err := queue.ValidatePayload(queue.TypePlanRegenerate, payload); err != nil {
			return err
		}

		res, err := jobStore.Enqueue(ctx, queue.EnqueueRequest{
			Type:        queue.TypePlanRegenerate,
			ParentID:    p.ID,
			OwnerID:     p.OwnerID,
			Payload:     payload,
			MaxAttempts: cfg.Queue.MaxAttempts,
		})
		if err != nil {
			return fmt.Errorf("enqueueing job: %w", err)
		}

		if res.Deduplicated {
			fmt.Printf("Job %s already queued for plan %s; payload updated\n", res.Job.ID, p.ID)
		} else {
			fmt.Printf("Job queued: %s for plan %s\n", res.Job.ID, p.ID)
		}
		return nil
	},
}

func init() {
	enqueueCmd.Flags().StringVar(&enqueueOwner, "owner", "", "owner ID the plan belongs to (required)")
	enqueueCmd.Flags().StringVar(&enqueueTitle, "title", "", "plan title (defaults to the topic)")
	enqueueCmd.Flags().StringVar(&enqueueTier, "tier", "free", "owner tier: free, plus, or pro")
	enqueueCmd.Flags().IntVar(&enqueueWeeks, "weeks", 0, "target plan length in weeks")
	enqueueCmd.Flags().BoolVar(&enqueuePreferred, "preferred-category", false, "topic is in the owner's preferred category")
	_ = enqueueCmd.MarkFlagRequired("owner")

	regenerateCmd.Flags().StringVar(&regenerateFeedback, "feedback", "", "feedback to steer the regeneration")
	regenerateCmd.Flags().IntVar(&regenerateWeeks, "weeks", 0, "target plan length in weeks")

	rootCmd.AddCommand(enqueueCmd)
	rootCmd.AddCommand(regenerateCmd)
}

// openStores connects to Postgres and wraps the pool in the job and
// attempt stores.
func openStores(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, queue.Store, attempts.Store, error) {
	pool, err := store.Connect(ctx, store.Config{
		DSN:            cfg.ResolvedDSN(),
		MaxConns:       cfg.Database.MaxConns,
		ConnectTimeout: time.Duration(cfg.Database.ConnectTimeoutSeconds) * time.Second,
		Logger:         slog.Default(),
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return pool, queue.NewPostgresStore(pool, slog.Default()), attempts.NewPostgresStore(pool, cfg.Generate.AttemptCap), nil
}

// checkOwnerLimit enforces the per-owner hourly enqueue budget.
func checkOwnerLimit(ctx context.Context, s queue.Store, ownerID string, t queue.Type, limit int) error {
	if limit <= 0 || ownerID == "" {
		return nil
	}
	n, err := s.CountForOwner(ctx, ownerID, t, time.Now().UTC().Add(-time.Hour))
	if err != nil {
		return fmt.Errorf("checking rate limit: %w", err)
	}
	if n >= limit {
		return &queue.RateLimitExceededError{OwnerID: ownerID, Type: t, Limit: limit}
	}
	return nil
}
