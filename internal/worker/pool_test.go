package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planforge/planforge/internal/attempts"
	"github.com/planforge/planforge/internal/generate"
	"github.com/planforge/planforge/internal/metrics"
	"github.com/planforge/planforge/internal/plan"
	"github.com/planforge/planforge/internal/providers"
	"github.com/planforge/planforge/internal/queue"
)

type testEnv struct {
	jobs     *queue.MemoryStore
	attempts *attempts.MemoryStore
	gen      *providers.MockGenerator
	pool     *Pool
}

func newTestEnv(t *testing.T, attemptCap int) *testEnv {
	t.Helper()

	jobs := queue.NewMemoryStore(nil)
	attemptStore := attempts.NewMemoryStore(attemptCap)
	gen := providers.NewMockGenerator()
	gen.Latency = time.Millisecond

	orch, err := generate.New(generate.Config{
		Store:       attemptStore,
		Generator:   gen,
		BaseTimeout: time.Second,
		Extension:   time.Second,
	})
	require.NoError(t, err)

	registry := NewRegistry()
	RegisterPlanHandlers(registry, NewPlanHandler(orch, nil))

	pool, err := New(Config{
		Store:        jobs,
		Registry:     registry,
		PollInterval: 10 * time.Millisecond,
		Concurrency:  2,
		Metrics:      metrics.New(),
	})
	require.NoError(t, err)

	return &testEnv{jobs: jobs, attempts: attemptStore, gen: gen, pool: pool}
}

func (e *testEnv) createPlan(t *testing.T) *plan.Plan {
	t.Helper()
	p := plan.New("owner-1", "Learn Go", "go programming")
	require.NoError(t, e.attempts.CreatePlan(context.Background(), p))
	return p
}

func (e *testEnv) enqueue(t *testing.T, p *plan.Plan) *queue.Job {
	t.Helper()
	res, err := e.jobs.Enqueue(context.Background(), queue.EnqueueRequest{
		Type:     queue.TypePlanGenerate,
		ParentID: p.ID,
		OwnerID:  p.OwnerID,
		Payload:  json.RawMessage(`{"topic":"go programming","title":"Learn Go"}`),
		Priority: 10,
	})
	require.NoError(t, err)
	return res.Job
}

func waitForJob(t *testing.T, store queue.Store, jobID string, status queue.Status) *queue.Job {
	t.Helper()
	var got *queue.Job
	require.Eventually(t, func() bool {
		j, err := store.Get(context.Background(), jobID)
		if err != nil {
			return false
		}
		got = j
		return j.Status == status
	}, 3*time.Second, 5*time.Millisecond, "job never reached %s", status)
	return got
}

func TestPool_EndToEndSuccess(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 0)
	p := env.createPlan(t)
	job := env.enqueue(t, p)

	require.NoError(t, env.pool.Start(ctx))
	defer env.pool.Stop()

	done := waitForJob(t, env.jobs, job.ID, queue.StatusCompleted)
	assert.Equal(t, 0, done.Attempts)

	var result struct {
		Status      string `json:"status"`
		ModuleCount int    `json:"module_count"`
	}
	require.NoError(t, json.Unmarshal(done.Result, &result))
	assert.Equal(t, "success", result.Status)
	assert.Equal(t, 2, result.ModuleCount)

	got, err := env.attempts.GetPlan(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.StatusReady, got.Status)

	stats := env.pool.Stats()
	assert.Equal(t, int64(1), stats.JobsStarted)
	assert.Equal(t, int64(1), stats.JobsCompleted)
	assert.Equal(t, int64(0), stats.JobsFailed)
}

func TestPool_RetryThenSucceed(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 0)
	env.gen.FailTimes = 2
	p := env.createPlan(t)
	job := env.enqueue(t, p)

	require.NoError(t, env.pool.Start(ctx))
	defer env.pool.Stop()

	done := waitForJob(t, env.jobs, job.ID, queue.StatusCompleted)
	assert.Equal(t, 2, done.Attempts)

	// Every dispatch reserved its own attempt.
	rows, err := env.attempts.ListByParent(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, attempts.StatusFailure, rows[0].Status)
	assert.Equal(t, attempts.StatusFailure, rows[1].Status)
	assert.Equal(t, attempts.StatusSuccess, rows[2].Status)

	got, err := env.attempts.GetPlan(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.StatusReady, got.Status)
}

func TestPool_JobFailsTerminallyAfterBudget(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 0)
	env.gen.ShouldFail = true
	p := env.createPlan(t)
	job := env.enqueue(t, p)

	require.NoError(t, env.pool.Start(ctx))
	defer env.pool.Stop()

	done := waitForJob(t, env.jobs, job.ID, queue.StatusFailed)
	assert.Equal(t, queue.DefaultMaxAttempts, done.Attempts)
	assert.Contains(t, done.Error, "provider_error")

	// Provider errors are retryable, the plan stays open.
	got, err := env.attempts.GetPlan(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.StatusGenerating, got.Status)
}

func TestPool_ValidationClosesJob(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 0)
	env.gen.EmptyResult = true
	p := env.createPlan(t)
	job := env.enqueue(t, p)

	require.NoError(t, env.pool.Start(ctx))
	defer env.pool.Stop()

	// A terminal attempt outcome fails the job on the first dispatch,
	// no queue retries even with budget left.
	done := waitForJob(t, env.jobs, job.ID, queue.StatusFailed)
	assert.Equal(t, 1, done.Attempts)
	assert.Contains(t, done.Error, "validation")

	got, err := env.attempts.GetPlan(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.StatusFailed, got.Status)
}

func TestPool_CappedPlanClosesJob(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 1)
	p := env.createPlan(t)

	// Burn the plan's only attempt.
	res, err := env.attempts.Reserve(ctx, p.ID, p.OwnerID, p.Topic)
	require.NoError(t, err)
	_, err = env.attempts.FinalizeFailure(ctx, res.AttemptID, p.ID, attempts.ClassProviderError, 10, false)
	require.NoError(t, err)

	job := env.enqueue(t, p)
	require.NoError(t, env.pool.Start(ctx))
	defer env.pool.Stop()

	done := waitForJob(t, env.jobs, job.ID, queue.StatusFailed)
	assert.Equal(t, 1, done.Attempts)
	assert.Contains(t, done.Error, "out of generation attempts")
}

func TestPool_BadPayloadBurnsRetryBudget(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 0)
	p := env.createPlan(t)

	res, err := env.jobs.Enqueue(ctx, queue.EnqueueRequest{
		Type:     queue.TypePlanGenerate,
		ParentID: p.ID,
		OwnerID:  p.OwnerID,
		Payload:  json.RawMessage(`{"title":"missing topic"}`),
	})
	require.NoError(t, err)

	require.NoError(t, env.pool.Start(ctx))
	defer env.pool.Stop()

	done := waitForJob(t, env.jobs, res.Job.ID, queue.StatusFailed)
	assert.Contains(t, done.Error, "decode payload")

	// The provider was never invoked.
	assert.Equal(t, int64(0), env.gen.RequestCount())
}

func TestPool_StopDrainsInFlight(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 0)
	env.gen.Latency = 100 * time.Millisecond
	p := env.createPlan(t)
	job := env.enqueue(t, p)

	require.NoError(t, env.pool.Start(ctx))

	// Wait for the dispatch to begin, then stop mid-flight.
	require.Eventually(t, func() bool {
		return env.pool.Stats().JobsStarted == 1
	}, 3*time.Second, 5*time.Millisecond)
	env.pool.Stop()

	done, err := env.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, done.Status, "stop must drain the leased job")
}

func TestPool_ConcurrencyBound(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 0)
	env.gen.Latency = 50 * time.Millisecond

	var jobs []*queue.Job
	for i := 0; i < 5; i++ {
		p := env.createPlan(t)
		jobs = append(jobs, env.enqueue(t, p))
	}

	require.NoError(t, env.pool.Start(ctx))
	defer env.pool.Stop()

	require.Eventually(t, func() bool {
		return env.pool.Stats().JobsCompleted == 5
	}, 5*time.Second, 5*time.Millisecond)

	for _, j := range jobs {
		waitForJob(t, env.jobs, j.ID, queue.StatusCompleted)
	}
	// Slots, not jobs, bound concurrency.
	assert.LessOrEqual(t, env.pool.Stats().BusySlots, 2)
}

func TestPool_StartTwiceFails(t *testing.T) {
	env := newTestEnv(t, 0)
	require.NoError(t, env.pool.Start(context.Background()))
	defer env.pool.Stop()

	require.Error(t, env.pool.Start(context.Background()))
}

func TestPool_NoHandlers(t *testing.T) {
	pool, err := New(Config{Store: queue.NewMemoryStore(nil), Registry: NewRegistry()})
	require.NoError(t, err)
	require.Error(t, pool.Start(context.Background()))
}
