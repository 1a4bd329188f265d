// Package generate runs single generation attempts end to end: reserve
// an attempt slot, invoke the provider under a deadline, classify the
// result, and finalize the attempt. Provider failures never surface as
// errors from Run; they become classified failure outcomes. Only
// storage failures return errors.
package generate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/planforge/planforge/internal/attempts"
	"github.com/planforge/planforge/internal/plan"
	"github.com/planforge/planforge/internal/providers"
)

const (
	// DefaultBaseTimeout bounds a single provider invocation.
	DefaultBaseTimeout = 60 * time.Second

	// DefaultExtension is granted once when the provider heartbeats
	// near the deadline.
	DefaultExtension = 30 * time.Second
)

// Config holds configuration for the Orchestrator.
type Config struct {
	// Store persists attempts and plan artifacts.
	Store attempts.Store
	// Generator produces plan modules.
	Generator providers.Generator
	// BaseTimeout bounds the provider call (default 60s).
	BaseTimeout time.Duration
	// Extension is the one-time deadline extension granted on a
	// provider heartbeat (default 30s).
	Extension time.Duration
	// Logger is the structured logger to use.
	Logger *slog.Logger
}

// Orchestrator coordinates one generation attempt at a time for a plan.
type Orchestrator struct {
	store       attempts.Store
	generator   providers.Generator
	baseTimeout time.Duration
	extension   time.Duration
	logger      *slog.Logger
}

// New creates an Orchestrator with the given configuration.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("generate: store is required")
	}
	if cfg.Generator == nil {
		return nil, fmt.Errorf("generate: generator is required")
	}
	if cfg.BaseTimeout <= 0 {
		cfg.BaseTimeout = DefaultBaseTimeout
	}
	if cfg.Extension <= 0 {
		cfg.Extension = DefaultExtension
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Orchestrator{
		store:       cfg.Store,
		generator:   cfg.Generator,
		baseTimeout: cfg.BaseTimeout,
		extension:   cfg.Extension,
		logger:      cfg.Logger,
	}, nil
}

// Request describes one generation attempt for a plan.
type Request struct {
	PlanID  string
	OwnerID string
	// Topic is the raw user input; the attempt store sanitizes it
	// during reservation.
	Topic    string
	Title    string
	Weeks    int
	Feedback string
}

// Outcome is the result of Run. Reserved is false when no attempt was
// started (another attempt in flight, or the cap reached).
type Outcome struct {
	Reserved      bool
	Reason        attempts.ReservationReason
	AttemptID     string
	AttemptNumber int

	Status         attempts.Status
	Classification attempts.Classification
	TimedOut       bool
	Extended       bool
	DurationMs     int64

	ModuleCount int
	TaskCount   int
	Model       string
}

// Run executes one generation attempt for the plan. It returns an error
// only on storage failures; provider failures are finalized and
// reported through the Outcome.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Outcome, error) {
	res, err := o.store.Reserve(ctx, req.PlanID, req.OwnerID, req.Topic)
	if err != nil {
		return nil, fmt.Errorf("reserve attempt: %w", err)
	}
	if !res.Reserved {
		o.logger.Info("attempt not reserved",
			"plan_id", req.PlanID,
			"reason", res.Reason)
		return &Outcome{Reserved: false, Reason: res.Reason}, nil
	}

	outcome := &Outcome{
		Reserved:      true,
		AttemptID:     res.AttemptID,
		AttemptNumber: res.AttemptNumber,
	}

	input := &providers.GenerationInput{
		PlanID:   req.PlanID,
		Topic:    res.Input.Text,
		Title:    req.Title,
		Weeks:    req.Weeks,
		Feedback: req.Feedback,
	}

	start := time.Now()
	result, timedOut, extended, genErr := o.invoke(ctx, input)
	durationMs := time.Since(start).Milliseconds()
	outcome.TimedOut = timedOut
	outcome.Extended = extended
	outcome.DurationMs = durationMs

	class, ok := classify(result, genErr, timedOut)
	if !ok {
		return o.finalizeSuccess(ctx, outcome, req.PlanID, result, durationMs)
	}
	return o.finalizeFailure(ctx, outcome, req.PlanID, class, genErr, durationMs)
}

// invoke runs the generator with a base deadline that can be extended
// exactly once when the generator heartbeats.
func (o *Orchestrator) invoke(ctx context.Context, input *providers.GenerationInput) (result *providers.GenerationResult, timedOut, extended bool, err error) {
	genCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	heartbeat := make(chan struct{}, 1)
	input.Heartbeat = heartbeat

	type genReturn struct {
		result *providers.GenerationResult
		err    error
	}
	done := make(chan genReturn, 1)
	go func() {
		r, e := o.generator.Generate(genCtx, input)
		done <- genReturn{result: r, err: e}
	}()

	timer := time.NewTimer(o.baseTimeout)
	defer timer.Stop()

	for {
		select {
		case ret := <-done:
			return ret.result, false, extended, ret.err

		case <-heartbeat:
			if !extended {
				extended = true
				timer.Reset(o.extension)
				o.logger.Debug("attempt deadline extended",
					"plan_id", input.PlanID,
					"extension", o.extension)
			}

		case <-timer.C:
			cancel()
			ret := <-done
			return ret.result, true, extended, ret.err

		case <-ctx.Done():
			cancel()
			ret := <-done
			return ret.result, false, extended, ret.err
		}
	}
}

// classify maps a provider result to a failure classification. ok is
// false when the attempt succeeded.
func classify(result *providers.GenerationResult, err error, timedOut bool) (attempts.Classification, bool) {
	switch {
	case timedOut,
		errors.Is(err, context.DeadlineExceeded):
		return attempts.ClassTimeout, true
	case errors.Is(err, providers.ErrThrottled):
		return attempts.ClassRateLimit, true
	case errors.Is(err, context.Canceled):
		// External cancellation, not the provider's fault and not a
		// deadline. Retryable.
		return attempts.ClassUnknown, true
	case err != nil:
		return attempts.ClassProviderError, true
	case result == nil || len(result.Modules) == 0:
		// An empty plan is useless and retrying will not fix the
		// input, treat as a validation failure.
		return attempts.ClassValidation, true
	default:
		return "", false
	}
}

func (o *Orchestrator) finalizeSuccess(ctx context.Context, outcome *Outcome, planID string, result *providers.GenerationResult, durationMs int64) (*Outcome, error) {
	if _, err := o.store.FinalizeSuccess(ctx, outcome.AttemptID, planID, result.Modules, durationMs); err != nil {
		return nil, fmt.Errorf("finalize success: %w", err)
	}
	outcome.Status = attempts.StatusSuccess
	outcome.ModuleCount = len(result.Modules)
	outcome.TaskCount = plan.TaskCount(result.Modules)
	outcome.Model = result.Model
	o.logger.Info("generation attempt succeeded",
		"plan_id", planID,
		"attempt", outcome.AttemptNumber,
		"modules", outcome.ModuleCount,
		"tasks", outcome.TaskCount,
		"duration_ms", durationMs)
	return outcome, nil
}

func (o *Orchestrator) finalizeFailure(ctx context.Context, outcome *Outcome, planID string, class attempts.Classification, genErr error, durationMs int64) (*Outcome, error) {
	if _, err := o.store.FinalizeFailure(ctx, outcome.AttemptID, planID, class, durationMs, outcome.TimedOut); err != nil {
		return nil, fmt.Errorf("finalize failure: %w", err)
	}
	outcome.Status = attempts.StatusFailure
	outcome.Classification = class
	o.logger.Warn("generation attempt failed",
		"plan_id", planID,
		"attempt", outcome.AttemptNumber,
		"classification", class,
		"timed_out", outcome.TimedOut,
		"duration_ms", durationMs,
		"error", genErr)
	return outcome, nil
}
