package providers

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/planforge/planforge/internal/plan"
)

const MockName = "mock"

// MockGenerator is a Generator for testing.
type MockGenerator struct {
	// Configurable behavior
	Latency     time.Duration
	ShouldFail  bool
	FailTimes   int  // Fail the first N requests (0 = never)
	Throttle    bool // Return ErrThrottled
	EmptyResult bool // Succeed with zero modules
	Modules     []plan.Module

	// SignalHeartbeat, when set, sends one heartbeat before the
	// latency sleep so deadline-extension paths can be exercised.
	SignalHeartbeat bool

	// State
	requestCount atomic.Int64
}

// NewMockGenerator creates a new mock generator with sensible defaults.
func NewMockGenerator() *MockGenerator {
	return &MockGenerator{
		Latency: 5 * time.Millisecond,
		Modules: []plan.Module{
			{
				Position: 0,
				Title:    "Getting Started",
				Summary:  "Orientation and setup",
				Tasks: []plan.Task{
					{Position: 0, Title: "Install the toolchain", EstimatedMinutes: 30},
					{Position: 1, Title: "Work through the tutorial", EstimatedMinutes: 90},
				},
			},
			{
				Position: 1,
				Title:    "Core Concepts",
				Tasks: []plan.Task{
					{Position: 0, Title: "Read the language reference", EstimatedMinutes: 60},
				},
			},
		},
	}
}

// Name returns the generator identifier.
func (g *MockGenerator) Name() string {
	return MockName
}

// Generate produces the configured mock response.
func (g *MockGenerator) Generate(ctx context.Context, input *GenerationInput) (*GenerationResult, error) {
	count := g.requestCount.Add(1)

	if g.Throttle {
		return nil, fmt.Errorf("%w: mock generator configured to throttle", ErrThrottled)
	}
	if g.ShouldFail {
		return nil, fmt.Errorf("mock generator configured to fail")
	}
	if g.FailTimes > 0 && int(count) <= g.FailTimes {
		return nil, fmt.Errorf("mock generator failing request %d of %d", count, g.FailTimes)
	}

	if g.SignalHeartbeat && input.Heartbeat != nil {
		select {
		case input.Heartbeat <- struct{}{}:
		default:
		}
	}

	// Simulate latency
	select {
	case <-time.After(g.Latency):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	result := &GenerationResult{
		Model:            "mock-model",
		PromptTokens:     len(input.Topic) / 4,
		CompletionTokens: 128,
	}
	result.TotalTokens = result.PromptTokens + result.CompletionTokens
	if !g.EmptyResult {
		result.Modules = g.Modules
	}
	return result, nil
}

// RequestCount returns the number of requests made.
func (g *MockGenerator) RequestCount() int64 {
	return g.requestCount.Load()
}

// Reset resets the request counter.
func (g *MockGenerator) Reset() {
	g.requestCount.Store(0)
}

// Verify interface
var _ Generator = (*MockGenerator)(nil)
