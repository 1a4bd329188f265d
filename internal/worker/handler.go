// Package worker polls the job queue and dispatches leased jobs to
// registered handlers under a bounded concurrency limit.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/planforge/planforge/internal/queue"
)

// Handler processes one leased job. Returning an error fails the
// dispatch; the queue decides whether the job retries, unless the
// error is a TerminalError.
type Handler interface {
	Handle(ctx context.Context, job *queue.Job) (json.RawMessage, error)
}

// TerminalError tells the pool that re-dispatching this job cannot
// change the outcome: the job is failed immediately, bypassing any
// remaining retry budget.
type TerminalError struct {
	Err error
}

func (e *TerminalError) Error() string { return e.Err.Error() }

func (e *TerminalError) Unwrap() error { return e.Err }

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, job *queue.Job) (json.RawMessage, error)

func (f HandlerFunc) Handle(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
	return f(ctx, job)
}

// Registry maps job types to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[queue.Type]Handler
	logger   *slog.Logger
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[queue.Type]Handler),
		logger:   slog.Default(),
	}
}

// SetLogger overrides the registry's logger.
func (r *Registry) SetLogger(logger *slog.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if logger != nil {
		r.logger = logger
	}
}

// Register binds a handler to a job type. Must be called before the
// pool starts.
func (r *Registry) Register(t queue.Type, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = h
	r.logger.Debug("registered job handler", "type", t)
}

// Get returns the handler for a job type.
func (r *Registry) Get(t queue.Type) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[t]
	return h, ok
}

// Types returns the registered job types.
func (r *Registry) Types() []queue.Type {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]queue.Type, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}
