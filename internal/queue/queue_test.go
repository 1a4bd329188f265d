package queue

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func enqueue(t *testing.T, s Store, req EnqueueRequest) *Job {
	t.Helper()
	if req.Payload == nil {
		req.Payload = json.RawMessage(`{"topic":"go"}`)
	}
	res, err := s.Enqueue(context.Background(), req)
	require.NoError(t, err)
	return res.Job
}

func TestLeaseNext_PriorityOrder(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()

	// p1 > p2 = p3 > p4, enqueued out of priority order.
	j4 := enqueue(t, s, EnqueueRequest{Type: TypePlanGenerate, ParentID: "p4", OwnerID: "o", Priority: 0})
	j2 := enqueue(t, s, EnqueueRequest{Type: TypePlanGenerate, ParentID: "p2", OwnerID: "o", Priority: 10})
	j3 := enqueue(t, s, EnqueueRequest{Type: TypePlanGenerate, ParentID: "p3", OwnerID: "o", Priority: 10})
	j1 := enqueue(t, s, EnqueueRequest{Type: TypePlanGenerate, ParentID: "p1", OwnerID: "o", Priority: 25})

	want := []string{j1.ID, j2.ID, j3.ID, j4.ID}
	for i, id := range want {
		leased, err := s.LeaseNext(ctx, KnownTypes)
		require.NoError(t, err)
		require.NotNil(t, leased, "lease %d returned no job", i)
		assert.Equal(t, id, leased.ID, "lease %d out of order", i)
		assert.Equal(t, StatusProcessing, leased.Status)
		assert.NotNil(t, leased.StartedAt)
	}

	// Queue drained.
	leased, err := s.LeaseNext(ctx, KnownTypes)
	require.NoError(t, err)
	assert.Nil(t, leased)
}

func TestLeaseNext_ConcurrentExclusivity(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()
	enqueue(t, s, EnqueueRequest{Type: TypePlanGenerate, ParentID: "p", OwnerID: "o"})

	const callers = 8
	results := make([]*Job, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			j, err := s.LeaseNext(ctx, KnownTypes)
			require.NoError(t, err)
			results[i] = j
		}(i)
	}
	wg.Wait()

	won := 0
	for _, j := range results {
		if j != nil {
			won++
		}
	}
	assert.Equal(t, 1, won, "exactly one concurrent lease must win")
}

func TestLeaseNext_InvalidType(t *testing.T) {
	s := NewMemoryStore(nil)
	_, err := s.LeaseNext(context.Background(), []Type{"plan_teleport"})
	require.ErrorIs(t, err, ErrInvalidJobType)

	_, err = s.LeaseNext(context.Background(), nil)
	require.ErrorIs(t, err, ErrInvalidJobType)
}

func TestLeaseNext_RespectsScheduledFor(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()
	j := enqueue(t, s, EnqueueRequest{Type: TypePlanGenerate, ParentID: "p", OwnerID: "o"})

	// Push the job into the future directly.
	s.mu.Lock()
	s.jobs[j.ID].ScheduledFor = time.Now().Add(time.Hour)
	s.mu.Unlock()

	leased, err := s.LeaseNext(ctx, KnownTypes)
	require.NoError(t, err)
	assert.Nil(t, leased, "future-scheduled job must not be leased")
}

func TestFail_RetryThenTerminal(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()
	j := enqueue(t, s, EnqueueRequest{Type: TypePlanGenerate, ParentID: "p", OwnerID: "o"})
	require.Equal(t, DefaultMaxAttempts, j.MaxAttempts)

	// First N-1 failures reset to pending with error cleared.
	for i := 1; i < j.MaxAttempts; i++ {
		failed, err := s.Fail(ctx, j.ID, "generator blew up")
		require.NoError(t, err)
		assert.Equal(t, StatusPending, failed.Status, "attempt %d", i)
		assert.Equal(t, i, failed.Attempts)
		assert.Empty(t, failed.Error)
		assert.Nil(t, failed.CompletedAt)
	}

	// Nth failure is terminal.
	failed, err := s.Fail(ctx, j.ID, "generator blew up")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, j.MaxAttempts, failed.Attempts)
	assert.Equal(t, "generator blew up", failed.Error)
	require.NotNil(t, failed.CompletedAt)

	// Terminal rows are immutable.
	again, err := s.Fail(ctx, j.ID, "late failure")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, again.Status)
	assert.Equal(t, j.MaxAttempts, again.Attempts)
	assert.Equal(t, "generator blew up", again.Error)
}

func TestFailTerminal_BypassesBudget(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()
	j := enqueue(t, s, EnqueueRequest{Type: TypePlanGenerate, ParentID: "p", OwnerID: "o"})
	require.Equal(t, DefaultMaxAttempts, j.MaxAttempts)

	failed, err := s.FailTerminal(ctx, j.ID, "plan validation failed")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, 1, failed.Attempts, "budget must not matter")
	assert.Equal(t, "plan validation failed", failed.Error)
	require.NotNil(t, failed.CompletedAt)

	// Terminal rows are immutable.
	again, err := s.FailTerminal(ctx, j.ID, "late failure")
	require.NoError(t, err)
	assert.Equal(t, 1, again.Attempts)
	assert.Equal(t, "plan validation failed", again.Error)
}

func TestComplete_FirstSuccessAuthoritative(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()
	j := enqueue(t, s, EnqueueRequest{Type: TypePlanGenerate, ParentID: "p", OwnerID: "o"})

	first, err := s.Complete(ctx, j.ID, json.RawMessage(`{"modules":3}`))
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, first.Status)
	require.NotNil(t, first.CompletedAt)

	second, err := s.Complete(ctx, j.ID, json.RawMessage(`{"modules":99}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"modules":3}`, string(second.Result), "second completion must not win")
	assert.Equal(t, first.CompletedAt.Unix(), second.CompletedAt.Unix())
}

func TestEnqueue_Dedup(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()

	res1, err := s.Enqueue(ctx, EnqueueRequest{
		Type: TypePlanRegenerate, ParentID: "plan-1", OwnerID: "alice",
		Payload: json.RawMessage(`{"topic":"go"}`),
	})
	require.NoError(t, err)
	assert.False(t, res1.Deduplicated)

	// Same tuple while active: absorbed, payload superseded.
	res2, err := s.Enqueue(ctx, EnqueueRequest{
		Type: TypePlanRegenerate, ParentID: "plan-1", OwnerID: "alice",
		Payload: json.RawMessage(`{"topic":"rust"}`),
	})
	require.NoError(t, err)
	assert.True(t, res2.Deduplicated)
	assert.Equal(t, res1.Job.ID, res2.Job.ID)
	assert.JSONEq(t, `{"topic":"rust"}`, string(res2.Job.Payload))

	// Different owner on the same parent gets its own job.
	res3, err := s.Enqueue(ctx, EnqueueRequest{
		Type: TypePlanRegenerate, ParentID: "plan-1", OwnerID: "bob",
		Payload: json.RawMessage(`{"topic":"go"}`),
	})
	require.NoError(t, err)
	assert.False(t, res3.Deduplicated)
	assert.NotEqual(t, res1.Job.ID, res3.Job.ID)

	// Non-deduplicating types always insert.
	res4, err := s.Enqueue(ctx, EnqueueRequest{
		Type: TypePlanGenerate, ParentID: "plan-1", OwnerID: "alice",
		Payload: json.RawMessage(`{"topic":"go"}`),
	})
	require.NoError(t, err)
	assert.False(t, res4.Deduplicated)
}

func TestEnqueue_DedupClearsAfterTerminal(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()

	res1, err := s.Enqueue(ctx, EnqueueRequest{
		Type: TypePlanRegenerate, ParentID: "plan-1", OwnerID: "alice",
		Payload: json.RawMessage(`{"topic":"go"}`),
	})
	require.NoError(t, err)

	_, err = s.Complete(ctx, res1.Job.ID, json.RawMessage(`{}`))
	require.NoError(t, err)

	res2, err := s.Enqueue(ctx, EnqueueRequest{
		Type: TypePlanRegenerate, ParentID: "plan-1", OwnerID: "alice",
		Payload: json.RawMessage(`{"topic":"go"}`),
	})
	require.NoError(t, err)
	assert.False(t, res2.Deduplicated, "terminal jobs must not absorb new enqueues")
	assert.NotEqual(t, res1.Job.ID, res2.Job.ID)
}

func TestListByParent_NewestFirst(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()

	a := enqueue(t, s, EnqueueRequest{Type: TypePlanGenerate, ParentID: "plan-1", OwnerID: "o"})
	s.mu.Lock()
	s.jobs[a.ID].CreatedAt = s.jobs[a.ID].CreatedAt.Add(-time.Minute)
	s.mu.Unlock()
	b := enqueue(t, s, EnqueueRequest{Type: TypePlanGenerate, ParentID: "plan-1", OwnerID: "o"})
	enqueue(t, s, EnqueueRequest{Type: TypePlanGenerate, ParentID: "plan-2", OwnerID: "o"})

	jobs, err := s.ListByParent(ctx, "plan-1")
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, b.ID, jobs[0].ID)
	assert.Equal(t, a.ID, jobs[1].ID)
}

func TestCleanupOlderThan_OnlyTerminal(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()

	done := enqueue(t, s, EnqueueRequest{Type: TypePlanGenerate, ParentID: "p1", OwnerID: "o"})
	_, err := s.Complete(ctx, done.ID, json.RawMessage(`{}`))
	require.NoError(t, err)
	pending := enqueue(t, s, EnqueueRequest{Type: TypePlanGenerate, ParentID: "p2", OwnerID: "o"})

	// Age the completed job past the threshold.
	old := time.Now().Add(-48 * time.Hour)
	s.mu.Lock()
	s.jobs[done.ID].CompletedAt = &old
	s.mu.Unlock()

	deleted, err := s.CleanupOlderThan(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = s.Get(ctx, done.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = s.Get(ctx, pending.ID)
	assert.NoError(t, err, "pending jobs are never swept regardless of age")
}

func TestCountForOwner(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		enqueue(t, s, EnqueueRequest{Type: TypePlanGenerate, ParentID: "p", OwnerID: "alice"})
	}
	enqueue(t, s, EnqueueRequest{Type: TypePlanGenerate, ParentID: "p", OwnerID: "bob"})

	n, err := s.CountForOwner(ctx, "alice", TypePlanGenerate, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = s.CountForOwner(ctx, "alice", TypePlanGenerate, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestStats(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()

	enqueue(t, s, EnqueueRequest{Type: TypePlanGenerate, ParentID: "p1", OwnerID: "o"})
	enqueue(t, s, EnqueueRequest{Type: TypePlanGenerate, ParentID: "p2", OwnerID: "o"})
	_, err := s.LeaseNext(ctx, KnownTypes)
	require.NoError(t, err)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Pending)
	assert.Equal(t, 1, st.Processing)
	assert.GreaterOrEqual(t, st.OldestProcessingAge, time.Duration(0))
}
