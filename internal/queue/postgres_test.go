package queue

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planforge/planforge/internal/testutil"
)

// Integration coverage for the SQL paths: SKIP LOCKED leasing, the
// partial-unique dedup index, and CASE-based retry bookkeeping. The
// memory store covers the same semantics in unit tests.
func TestPostgresStore_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	pool := testutil.StartPostgres(t)
	s := NewPostgresStore(pool, nil)
	ctx := context.Background()

	t.Run("PriorityOrder", func(t *testing.T) {
		low := enqueue(t, s, EnqueueRequest{Type: TypePlanGenerate, ParentID: "ord-low", OwnerID: "ord", Priority: 0})
		high := enqueue(t, s, EnqueueRequest{Type: TypePlanGenerate, ParentID: "ord-high", OwnerID: "ord", Priority: 25})

		first, err := s.LeaseNext(ctx, KnownTypes)
		require.NoError(t, err)
		require.NotNil(t, first)
		assert.Equal(t, high.ID, first.ID)
		assert.Equal(t, StatusProcessing, first.Status)

		second, err := s.LeaseNext(ctx, KnownTypes)
		require.NoError(t, err)
		require.NotNil(t, second)
		assert.Equal(t, low.ID, second.ID)

		_, err = s.Complete(ctx, first.ID, nil)
		require.NoError(t, err)
		_, err = s.Complete(ctx, second.ID, nil)
		require.NoError(t, err)
	})

	t.Run("DedupSupersedesPayload", func(t *testing.T) {
		first, err := s.Enqueue(ctx, EnqueueRequest{
			Type: TypePlanRegenerate, ParentID: "dedup-p", OwnerID: "dedup-o",
			Payload: json.RawMessage(`{"topic":"go"}`),
		})
		require.NoError(t, err)
		assert.False(t, first.Deduplicated)

		second, err := s.Enqueue(ctx, EnqueueRequest{
			Type: TypePlanRegenerate, ParentID: "dedup-p", OwnerID: "dedup-o",
			Payload: json.RawMessage(`{"topic":"go","feedback":"shorter"}`),
		})
		require.NoError(t, err)
		assert.True(t, second.Deduplicated)
		assert.Equal(t, first.Job.ID, second.Job.ID)

		stored, err := s.Get(ctx, first.Job.ID)
		require.NoError(t, err)
		assert.JSONEq(t, `{"topic":"go","feedback":"shorter"}`, string(stored.Payload))

		// Different owner on the same parent gets its own job.
		other, err := s.Enqueue(ctx, EnqueueRequest{
			Type: TypePlanRegenerate, ParentID: "dedup-p", OwnerID: "dedup-other",
			Payload: json.RawMessage(`{"topic":"go"}`),
		})
		require.NoError(t, err)
		assert.False(t, other.Deduplicated)
		assert.NotEqual(t, first.Job.ID, other.Job.ID)
	})

	t.Run("FailRetriesThenTerminal", func(t *testing.T) {
		job := enqueue(t, s, EnqueueRequest{Type: TypePlanGenerate, ParentID: "retry-p", OwnerID: "retry-o", MaxAttempts: 2})

		leased, err := s.LeaseNext(ctx, []Type{TypePlanGenerate})
		require.NoError(t, err)
		require.NotNil(t, leased)
		require.Equal(t, job.ID, leased.ID)

		failed, err := s.Fail(ctx, job.ID, "provider blew up")
		require.NoError(t, err)
		assert.Equal(t, StatusPending, failed.Status)
		assert.Equal(t, 1, failed.Attempts)
		assert.Empty(t, failed.Error)

		leased, err = s.LeaseNext(ctx, []Type{TypePlanGenerate})
		require.NoError(t, err)
		require.NotNil(t, leased)

		failed, err = s.Fail(ctx, job.ID, "provider blew up again")
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, failed.Status)
		assert.Equal(t, 2, failed.Attempts)
		assert.Equal(t, "provider blew up again", failed.Error)
		assert.NotNil(t, failed.CompletedAt)
	})

	t.Run("FailTerminalBypassesBudget", func(t *testing.T) {
		job := enqueue(t, s, EnqueueRequest{Type: TypePlanGenerate, ParentID: "term-p", OwnerID: "term-o", MaxAttempts: 5})

		leased, err := s.LeaseNext(ctx, []Type{TypePlanGenerate})
		require.NoError(t, err)
		require.NotNil(t, leased)
		require.Equal(t, job.ID, leased.ID)

		failed, err := s.FailTerminal(ctx, job.ID, "plan validation failed")
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, failed.Status)
		assert.Equal(t, 1, failed.Attempts)
		assert.Equal(t, "plan validation failed", failed.Error)
		assert.NotNil(t, failed.CompletedAt)

		unchanged, err := s.FailTerminal(ctx, job.ID, "late failure")
		require.NoError(t, err)
		assert.Equal(t, "plan validation failed", unchanged.Error)
	})

	t.Run("CompleteIsIdempotent", func(t *testing.T) {
		job := enqueue(t, s, EnqueueRequest{Type: TypePlanGenerate, ParentID: "comp-p", OwnerID: "comp-o"})
		_, err := s.LeaseNext(ctx, []Type{TypePlanGenerate})
		require.NoError(t, err)

		first, err := s.Complete(ctx, job.ID, json.RawMessage(`{"winner":true}`))
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, first.Status)

		second, err := s.Complete(ctx, job.ID, json.RawMessage(`{"winner":false}`))
		require.NoError(t, err)
		assert.JSONEq(t, `{"winner":true}`, string(second.Result))

		// Fail after terminal is also a no-op.
		unchanged, err := s.Fail(ctx, job.ID, "late failure")
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, unchanged.Status)
	})

	t.Run("ConcurrentLeaseExclusivity", func(t *testing.T) {
		job := enqueue(t, s, EnqueueRequest{Type: TypePlanGenerate, ParentID: "race-p", OwnerID: "race-o"})

		const callers = 8
		results := make([]*Job, callers)
		var wg sync.WaitGroup
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				j, err := s.LeaseNext(ctx, []Type{TypePlanGenerate})
				assert.NoError(t, err)
				results[i] = j
			}(i)
		}
		wg.Wait()

		won := 0
		for _, j := range results {
			if j != nil {
				won++
				assert.Equal(t, job.ID, j.ID)
			}
		}
		assert.Equal(t, 1, won, "exactly one concurrent lease must win")

		_, err := s.Complete(ctx, job.ID, nil)
		require.NoError(t, err)
	})

	t.Run("CountForOwnerAndCleanup", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			enqueue(t, s, EnqueueRequest{Type: TypePlanGenerate, ParentID: "count-p", OwnerID: "count-o"})
		}

		n, err := s.CountForOwner(ctx, "count-o", TypePlanGenerate, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		n, err = s.CountForOwner(ctx, "count-o", TypePlanGenerate, time.Now().Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		// Terminal rows from earlier subtests are newer than the
		// threshold, so nothing sweeps.
		removed, err := s.CleanupOlderThan(ctx, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 0, removed)

		stats, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, stats.Pending, 3)
	})
}
