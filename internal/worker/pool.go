package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/planforge/planforge/internal/metrics"
	"github.com/planforge/planforge/internal/queue"
)

const (
	DefaultPollInterval = time.Second
	DefaultConcurrency  = 4
)

// Config holds configuration for a Pool.
type Config struct {
	// Store is the job queue to poll.
	Store queue.Store
	// Registry supplies handlers; its registered types are the types
	// the pool leases.
	Registry *Registry
	// PollInterval is the idle polling cadence (default 1s).
	PollInterval time.Duration
	// Concurrency bounds simultaneous dispatches (default 4).
	Concurrency int
	// Logger is the structured logger to use.
	Logger *slog.Logger
	// Metrics is optional instrumentation.
	Metrics *metrics.Metrics
}

// Pool polls the queue on an interval and dispatches leased jobs. On
// each tick it drains eligible work until the queue is empty or all
// concurrency slots are busy.
type Pool struct {
	store        queue.Store
	registry     *Registry
	pollInterval time.Duration
	logger       *slog.Logger
	metrics      *metrics.Metrics

	// slots bounds concurrent dispatches
	slots chan struct{}

	cancel  context.CancelFunc
	stopped chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	running bool

	polls         atomic.Int64
	idlePolls     atomic.Int64
	jobsStarted   atomic.Int64
	jobsCompleted atomic.Int64
	jobsFailed    atomic.Int64
}

// New creates a Pool with the given configuration.
func New(cfg Config) (*Pool, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("worker: store is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("worker: registry is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pool{
		store:        cfg.Store,
		registry:     cfg.Registry,
		pollInterval: cfg.PollInterval,
		logger:       cfg.Logger.With("component", "worker"),
		metrics:      cfg.Metrics,
		slots:        make(chan struct{}, cfg.Concurrency),
	}, nil
}

// Start launches the polling loop. Returns an error if the pool is
// already running or no handlers are registered.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return fmt.Errorf("worker: pool already running")
	}
	types := p.registry.Types()
	if len(types) == 0 {
		return fmt.Errorf("worker: no handlers registered")
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.stopped = make(chan struct{})
	p.running = true

	p.logger.Info("worker pool starting",
		"types", fmt.Sprint(types),
		"concurrency", cap(p.slots),
		"poll_interval", p.pollInterval)

	go p.run(runCtx, types)
	return nil
}

// Stop halts polling and waits for in-flight dispatches to finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel, stopped := p.cancel, p.stopped
	p.mu.Unlock()

	cancel()
	<-stopped
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) run(ctx context.Context, types []queue.Type) {
	defer close(p.stopped)

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	// Poll immediately rather than waiting a full interval.
	p.poll(ctx, types)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx, types)
		}
	}
}

// poll drains eligible jobs until the queue is empty or slots run out.
func (p *Pool) poll(ctx context.Context, types []queue.Type) {
	p.polls.Add(1)
	leased := 0
	for {
		select {
		case <-ctx.Done():
			return
		case p.slots <- struct{}{}:
		default:
			// All slots busy, try again next tick.
			return
		}

		job, err := p.store.LeaseNext(ctx, types)
		if err != nil {
			<-p.slots
			if ctx.Err() == nil {
				p.logger.Error("lease failed", "error", err)
			}
			return
		}
		if job == nil {
			<-p.slots
			if leased == 0 {
				p.idlePolls.Add(1)
			}
			return
		}

		leased++
		p.jobsStarted.Add(1)
		p.wg.Add(1)
		go p.dispatch(ctx, job)
	}
}

func (p *Pool) dispatch(ctx context.Context, job *queue.Job) {
	defer p.wg.Done()
	defer func() { <-p.slots }()

	// Shutdown stops polling but lets leased jobs run to completion.
	// The generation deadline bounds how long that can take.
	ctx = context.WithoutCancel(ctx)

	logger := p.logger.With("job_id", job.ID, "type", job.Type, "attempt", job.Attempts+1)
	logger.Info("dispatching job", "priority", job.Priority, "plan_id", job.ParentID)

	start := time.Now()
	handler, ok := p.registry.Get(job.Type)
	if !ok {
		p.fail(ctx, logger, job, fmt.Sprintf("no handler for type %s", job.Type), false)
		return
	}

	result, err := handler.Handle(ctx, job)
	duration := time.Since(start)
	if err != nil {
		logger.Warn("job dispatch failed", "error", err, "duration", duration)
		var term *TerminalError
		p.fail(ctx, logger, job, err.Error(), errors.As(err, &term))
		return
	}

	if _, err := p.store.Complete(ctx, job.ID, result); err != nil {
		logger.Error("complete failed", "error", err)
		return
	}
	p.jobsCompleted.Add(1)
	if p.metrics != nil {
		p.metrics.JobCompleted(string(job.Type), duration)
	}
	logger.Info("job completed", "duration", duration)
}

func (p *Pool) fail(ctx context.Context, logger *slog.Logger, job *queue.Job, errMsg string, terminal bool) {
	p.jobsFailed.Add(1)
	if p.metrics != nil {
		p.metrics.JobFailed(string(job.Type))
	}

	var failed *queue.Job
	var err error
	if terminal {
		failed, err = p.store.FailTerminal(ctx, job.ID, errMsg)
	} else {
		failed, err = p.store.Fail(ctx, job.ID, errMsg)
	}
	if err != nil {
		logger.Error("fail record failed", "error", err)
		return
	}
	if failed.Status == queue.StatusFailed {
		logger.Warn("job closed as failed", "attempts", failed.Attempts, "terminal", terminal)
	}
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Polls         int64
	IdlePolls     int64
	JobsStarted   int64
	JobsCompleted int64
	JobsFailed    int64
	BusySlots     int
}

// Stats returns a snapshot of the pool's counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Polls:         p.polls.Load(),
		IdlePolls:     p.idlePolls.Load(),
		JobsStarted:   p.jobsStarted.Load(),
		JobsCompleted: p.jobsCompleted.Load(),
		JobsFailed:    p.jobsFailed.Load(),
		BusySlots:     len(p.slots),
	}
}
