package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/planforge/planforge/internal/queue"
)

const DefaultStatsInterval = 15 * time.Second

// ServerConfig holds configuration for the metrics HTTP server.
type ServerConfig struct {
	// Addr is the listen address (default ":9090").
	Addr string
	// Metrics is the registry to expose on /metrics.
	Metrics *Metrics
	// Store, when set, backs /healthz and the queue depth gauges.
	Store queue.Store
	// StatsInterval is the gauge refresh cadence (default 15s).
	StatsInterval time.Duration
	// Logger is the structured logger to use.
	Logger *slog.Logger
}

// Server exposes /metrics and /healthz and keeps the queue depth
// gauges refreshed while running.
type Server struct {
	httpServer    *http.Server
	metrics       *Metrics
	store         queue.Store
	statsInterval time.Duration
	logger        *slog.Logger
}

// NewServer creates the metrics server.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Metrics == nil {
		return nil, fmt.Errorf("metrics: collectors are required")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9090"
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = DefaultStatsInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		metrics:       cfg.Metrics,
		store:         cfg.Store,
		statsInterval: cfg.StatsInterval,
		logger:        cfg.Logger.With("component", "metrics"),
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(cfg.Metrics.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// Start serves until ctx is cancelled, refreshing queue gauges in the
// background. It blocks.
func (s *Server) Start(ctx context.Context) error {
	if s.store != nil {
		go s.refreshLoop(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("metrics server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(s.statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := s.store.Stats(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Warn("queue stats refresh failed", "error", err)
				}
				continue
			}
			s.metrics.SetQueueDepth(stats.Pending, stats.Processing, stats.OldestProcessingAge)
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}

	if s.store != nil {
		stats, err := s.store.Stats(r.Context())
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]any{"status": "degraded", "error": err.Error()})
			return
		}
		body["pending"] = stats.Pending
		body["processing"] = stats.Processing
		body["oldest_processing_age_seconds"] = stats.OldestProcessingAge.Seconds()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}
