// Package svcctx provides service context for dependency injection via
// context. This package is separate from the command layer to avoid
// import cycles.
package svcctx

import (
	"context"
	"log/slog"

	"github.com/planforge/planforge/internal/attempts"
	"github.com/planforge/planforge/internal/config"
	"github.com/planforge/planforge/internal/generate"
	"github.com/planforge/planforge/internal/metrics"
	"github.com/planforge/planforge/internal/providers"
	"github.com/planforge/planforge/internal/queue"
)

// Services holds all core services that flow through context.
// Components extract what they need via the individual extractors.
type Services struct {
	Jobs         queue.Store
	Attempts     attempts.Store
	Generator    providers.Generator
	Orchestrator *generate.Orchestrator
	ConfigMgr    *config.Manager
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
}

type servicesKey struct{}

// WithServices returns a new context with services attached.
func WithServices(ctx context.Context, s *Services) context.Context {
	return context.WithValue(ctx, servicesKey{}, s)
}

// ServicesFrom extracts the full Services struct from context.
// Returns nil if not present.
func ServicesFrom(ctx context.Context) *Services {
	s, _ := ctx.Value(servicesKey{}).(*Services)
	return s
}

// JobsFrom extracts the job queue store from context.
func JobsFrom(ctx context.Context) queue.Store {
	if s := ServicesFrom(ctx); s != nil {
		return s.Jobs
	}
	return nil
}

// AttemptsFrom extracts the attempt store from context.
func AttemptsFrom(ctx context.Context) attempts.Store {
	if s := ServicesFrom(ctx); s != nil {
		return s.Attempts
	}
	return nil
}

// GeneratorFrom extracts the plan generator from context.
func GeneratorFrom(ctx context.Context) providers.Generator {
	if s := ServicesFrom(ctx); s != nil {
		return s.Generator
	}
	return nil
}

// OrchestratorFrom extracts the generation orchestrator from context.
func OrchestratorFrom(ctx context.Context) *generate.Orchestrator {
	if s := ServicesFrom(ctx); s != nil {
		return s.Orchestrator
	}
	return nil
}

// ConfigMgrFrom extracts the config manager from context.
func ConfigMgrFrom(ctx context.Context) *config.Manager {
	if s := ServicesFrom(ctx); s != nil {
		return s.ConfigMgr
	}
	return nil
}

// MetricsFrom extracts the metrics collectors from context.
func MetricsFrom(ctx context.Context) *metrics.Metrics {
	if s := ServicesFrom(ctx); s != nil {
		return s.Metrics
	}
	return nil
}

// LoggerFrom extracts the logger from context.
func LoggerFrom(ctx context.Context) *slog.Logger {
	if s := ServicesFrom(ctx); s != nil {
		return s.Logger
	}
	return nil
}
