// Package providers holds plan generators: the pluggable backends the
// orchestrator invokes to produce learning-plan modules. The OpenAI
// generator is the production backend; MockGenerator serves tests.
package providers

import (
	"context"
	"errors"

	"github.com/planforge/planforge/internal/plan"
)

// ErrThrottled signals explicit provider throttling. The orchestrator
// classifies it as rate_limit, which is retryable.
var ErrThrottled = errors.New("provider throttled")

// Generator produces plan modules from sanitized input. Implementations
// must respect context cancellation: the orchestrator enforces the
// attempt deadline through ctx.
type Generator interface {
	// Name returns the generator identifier (e.g. "openai", "mock").
	Name() string

	// Generate produces the plan's modules. A nil error with zero
	// modules is treated as a validation failure by the caller.
	Generate(ctx context.Context, input *GenerationInput) (*GenerationResult, error)
}

// GenerationInput is one generation request.
type GenerationInput struct {
	PlanID   string
	Topic    string // sanitized
	Title    string
	Weeks    int
	Feedback string // prior-attempt feedback, set on regeneration

	// Heartbeat, when non-nil, lets the generator signal that work is
	// progressing but needs more time. The orchestrator grants at most
	// one deadline extension per attempt on this signal.
	Heartbeat chan<- struct{}
}

// GenerationResult is a successful provider response.
type GenerationResult struct {
	Modules []plan.Module

	// Provider info
	Model string

	// Token counts, zero when the backend does not report usage.
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}
