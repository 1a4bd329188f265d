package attempts

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planforge/planforge/internal/plan"
)

func seedPlan(t *testing.T, s *MemoryStore) *plan.Plan {
	t.Helper()
	p := plan.New("alice", "Learn Go", "go concurrency")
	require.NoError(t, s.CreatePlan(context.Background(), p))
	return p
}

func TestReserve_HappyPath(t *testing.T) {
	s := NewMemoryStore(0)
	p := seedPlan(t, s)
	ctx := context.Background()

	res, err := s.Reserve(ctx, p.ID, p.OwnerID, "go  concurrency\n")
	require.NoError(t, err)
	require.True(t, res.Reserved)
	assert.Equal(t, 1, res.AttemptNumber)
	assert.NotEmpty(t, res.AttemptID)
	assert.Equal(t, "go concurrency", res.Input.Text)
	assert.True(t, res.Input.Normalized)
	assert.NotEmpty(t, res.Input.Hash)

	got, err := s.GetPlan(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.StatusGenerating, got.Status)
}

func TestReserve_ExclusiveWhileInProgress(t *testing.T) {
	s := NewMemoryStore(0)
	p := seedPlan(t, s)
	ctx := context.Background()

	first, err := s.Reserve(ctx, p.ID, p.OwnerID, "topic")
	require.NoError(t, err)
	require.True(t, first.Reserved)

	second, err := s.Reserve(ctx, p.ID, p.OwnerID, "topic")
	require.NoError(t, err)
	assert.False(t, second.Reserved)
	assert.Equal(t, ReasonInProgress, second.Reason)
}

func TestReserve_ConcurrentOneWinner(t *testing.T) {
	s := NewMemoryStore(0)
	p := seedPlan(t, s)
	ctx := context.Background()

	const callers = 8
	results := make([]*Reservation, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := s.Reserve(ctx, p.ID, p.OwnerID, "topic")
			require.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	won := 0
	for _, r := range results {
		if r.Reserved {
			won++
		} else {
			assert.Equal(t, ReasonInProgress, r.Reason)
		}
	}
	assert.Equal(t, 1, won, "exactly one concurrent reserve must win")
}

func TestReserve_Capped(t *testing.T) {
	s := NewMemoryStore(2)
	p := seedPlan(t, s)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := s.Reserve(ctx, p.ID, p.OwnerID, "topic")
		require.NoError(t, err)
		require.True(t, res.Reserved, "reserve %d", i)
		_, err = s.FinalizeFailure(ctx, res.AttemptID, p.ID, ClassProviderError, 5, false)
		require.NoError(t, err)
	}

	res, err := s.Reserve(ctx, p.ID, p.OwnerID, "topic")
	require.NoError(t, err)
	assert.False(t, res.Reserved)
	assert.Equal(t, ReasonCapped, res.Reason)
}

func TestReserve_UnknownPlan(t *testing.T) {
	s := NewMemoryStore(0)
	_, err := s.Reserve(context.Background(), "nope", "alice", "topic")
	require.ErrorIs(t, err, ErrPlanNotFound)
}

func TestFinalizeSuccess(t *testing.T) {
	s := NewMemoryStore(0)
	p := seedPlan(t, s)
	ctx := context.Background()

	res, err := s.Reserve(ctx, p.ID, p.OwnerID, "topic")
	require.NoError(t, err)

	modules := []plan.Module{
		{Title: "Basics", Tasks: []plan.Task{{Title: "Read the tour"}, {Title: "Write hello world"}}},
		{Title: "Goroutines", Tasks: []plan.Task{{Title: "Build a pipeline"}}},
	}
	a, err := s.FinalizeSuccess(ctx, res.AttemptID, p.ID, modules, 1234)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, a.Status)
	assert.Nil(t, a.Classification)
	assert.Equal(t, 2, a.ModuleCount)
	assert.Equal(t, 3, a.TaskCount)
	assert.Equal(t, int64(1234), a.DurationMs)
	require.NotNil(t, a.CompletedAt)

	got, err := s.GetPlan(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.StatusReady, got.Status)

	stored, err := s.ListModules(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestFinalizeFailure_RetryableVsTerminal(t *testing.T) {
	tests := []struct {
		class      Classification
		wantStatus plan.GenerationStatus
	}{
		{ClassTimeout, plan.StatusGenerating},
		{ClassRateLimit, plan.StatusGenerating},
		{ClassProviderError, plan.StatusGenerating},
		{ClassUnknown, plan.StatusGenerating},
		{ClassValidation, plan.StatusFailed},
	}

	for _, tt := range tests {
		t.Run(string(tt.class), func(t *testing.T) {
			s := NewMemoryStore(0)
			p := seedPlan(t, s)
			ctx := context.Background()

			res, err := s.Reserve(ctx, p.ID, p.OwnerID, "topic")
			require.NoError(t, err)

			a, err := s.FinalizeFailure(ctx, res.AttemptID, p.ID, tt.class, 50, tt.class == ClassTimeout)
			require.NoError(t, err)
			assert.Equal(t, StatusFailure, a.Status)
			require.NotNil(t, a.Classification)
			assert.Equal(t, tt.class, *a.Classification)

			got, err := s.GetPlan(ctx, p.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, got.Status)

			// A retry can only be reserved after retryable failures.
			retry, err := s.Reserve(ctx, p.ID, p.OwnerID, "topic")
			require.NoError(t, err)
			assert.Equal(t, tt.class.Retryable(), retry.Reserved)
		})
	}
}

func TestFinalize_Immutable(t *testing.T) {
	s := NewMemoryStore(0)
	p := seedPlan(t, s)
	ctx := context.Background()

	res, err := s.Reserve(ctx, p.ID, p.OwnerID, "topic")
	require.NoError(t, err)
	_, err = s.FinalizeSuccess(ctx, res.AttemptID, p.ID, nil, 10)
	require.NoError(t, err)

	_, err = s.FinalizeFailure(ctx, res.AttemptID, p.ID, ClassTimeout, 10, true)
	require.ErrorIs(t, err, ErrAttemptFinalized)

	_, err = s.FinalizeSuccess(ctx, "missing", p.ID, nil, 10)
	require.ErrorIs(t, err, ErrAttemptNotFound)
}

func TestListByParent_OldestFirst(t *testing.T) {
	s := NewMemoryStore(0)
	p := seedPlan(t, s)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := s.Reserve(ctx, p.ID, p.OwnerID, "topic")
		require.NoError(t, err)
		_, err = s.FinalizeFailure(ctx, res.AttemptID, p.ID, ClassProviderError, 1, false)
		require.NoError(t, err)
	}

	list, err := s.ListByParent(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, list, 3)
	for i := 1; i < len(list); i++ {
		assert.False(t, list[i].CreatedAt.Before(list[i-1].CreatedAt))
	}
}
