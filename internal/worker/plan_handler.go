package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/planforge/planforge/internal/attempts"
	"github.com/planforge/planforge/internal/generate"
	"github.com/planforge/planforge/internal/queue"
	"github.com/planforge/planforge/internal/svcctx"
)

// PlanHandler runs plan generation jobs through the orchestrator. It
// serves both the generate and regenerate job types; the payload shape
// is the only difference.
type PlanHandler struct {
	orchestrator *generate.Orchestrator
	logger       *slog.Logger
}

// NewPlanHandler creates a handler backed by the given orchestrator.
func NewPlanHandler(o *generate.Orchestrator, logger *slog.Logger) *PlanHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PlanHandler{orchestrator: o, logger: logger}
}

// RegisterPlanHandlers binds the handler to both plan job types.
func RegisterPlanHandlers(r *Registry, h *PlanHandler) {
	r.Register(queue.TypePlanGenerate, h)
	r.Register(queue.TypePlanRegenerate, h)
}

// planResult is the job result document recorded on completion.
type planResult struct {
	Status        string `json:"status"`
	AttemptNumber int    `json:"attempt_number,omitempty"`
	ModuleCount   int    `json:"module_count,omitempty"`
	TaskCount     int    `json:"task_count,omitempty"`
	Model         string `json:"model,omitempty"`
	DurationMs    int64  `json:"duration_ms,omitempty"`
}

// Handle validates the payload and runs one generation attempt.
//
// Retryable attempt failures return plain errors so the queue's retry
// budget applies. Terminal plan outcomes (validation failure, attempt
// cap) return TerminalError: the plan row carries the authoritative
// failure and re-dispatching would change nothing, so the job fails
// immediately regardless of remaining budget.
func (h *PlanHandler) Handle(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
	payload, err := queue.DecodePayload(job.Type, job.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	outcome, err := h.orchestrator.Run(ctx, generate.Request{
		PlanID:   job.ParentID,
		OwnerID:  job.OwnerID,
		Topic:    payload.Topic,
		Title:    payload.Title,
		Weeks:    payload.Weeks,
		Feedback: payload.Feedback,
	})
	if err != nil {
		return nil, err
	}

	if outcome.Reserved {
		if m := svcctx.MetricsFrom(ctx); m != nil {
			m.AttemptFinalized(string(outcome.Status), string(outcome.Classification),
				time.Duration(outcome.DurationMs)*time.Millisecond)
		}
	}

	if !outcome.Reserved {
		switch outcome.Reason {
		case attempts.ReasonCapped:
			h.logger.Warn("plan out of attempts, failing job",
				"job_id", job.ID, "plan_id", job.ParentID)
			return nil, &TerminalError{Err: fmt.Errorf("plan %s out of generation attempts", job.ParentID)}
		default:
			return nil, fmt.Errorf("generation slot busy for plan %s", job.ParentID)
		}
	}

	if outcome.Status == attempts.StatusSuccess {
		return marshalResult(planResult{
			Status:        string(outcome.Status),
			AttemptNumber: outcome.AttemptNumber,
			ModuleCount:   outcome.ModuleCount,
			TaskCount:     outcome.TaskCount,
			Model:         outcome.Model,
			DurationMs:    outcome.DurationMs,
		})
	}

	if !outcome.Classification.Retryable() {
		return nil, &TerminalError{Err: fmt.Errorf("attempt %d failed terminally (%s) for plan %s",
			outcome.AttemptNumber, outcome.Classification, job.ParentID)}
	}

	return nil, fmt.Errorf("attempt %d failed (%s) for plan %s",
		outcome.AttemptNumber, outcome.Classification, job.ParentID)
}

func marshalResult(r planResult) (json.RawMessage, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal job result: %w", err)
	}
	return data, nil
}

// Verify interface
var _ Handler = (*PlanHandler)(nil)
