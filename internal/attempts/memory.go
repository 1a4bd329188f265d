package attempts

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/planforge/planforge/internal/plan"
)

// MemoryStore is an in-memory Store for unit tests. A single mutex
// makes reserve's check-then-insert atomic, matching the transaction
// isolation of the Postgres implementation.
type MemoryStore struct {
	mu       sync.Mutex
	cap      int
	plans    map[string]*plan.Plan
	attempts map[string]*Attempt
	modules  map[string][]plan.Module // planID -> modules
}

// NewMemoryStore creates an empty store with the given attempt cap
// (DefaultAttemptCap when <= 0).
func NewMemoryStore(attemptCap int) *MemoryStore {
	if attemptCap <= 0 {
		attemptCap = DefaultAttemptCap
	}
	return &MemoryStore{
		cap:      attemptCap,
		plans:    make(map[string]*plan.Plan),
		attempts: make(map[string]*Attempt),
		modules:  make(map[string][]plan.Module),
	}
}

func (s *MemoryStore) Reserve(ctx context.Context, parentID, ownerID, rawInput string) (*Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.plans[parentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, parentID)
	}

	finalized := 0
	for _, a := range s.attempts {
		if a.ParentID != parentID {
			continue
		}
		if a.Status == StatusInProgress {
			return &Reservation{Reason: ReasonInProgress}, nil
		}
		finalized++
	}
	if finalized >= s.cap {
		return &Reservation{Reason: ReasonCapped}, nil
	}

	input := Sanitize(rawInput)
	a := &Attempt{
		ID:              uuid.New().String(),
		ParentID:        parentID,
		Status:          StatusInProgress,
		InputTruncated:  input.Truncated,
		InputNormalized: input.Normalized,
		InputHash:       input.Hash,
		CreatedAt:       time.Now().UTC(),
	}
	s.attempts[a.ID] = a
	p.Status = plan.StatusGenerating
	p.UpdatedAt = a.CreatedAt

	return &Reservation{
		Reserved:      true,
		AttemptID:     a.ID,
		AttemptNumber: finalized + 1,
		Input:         input,
	}, nil
}

func (s *MemoryStore) FinalizeSuccess(ctx context.Context, attemptID, parentID string, modules []plan.Module, durationMs int64) (*Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, p, err := s.openAttempt(attemptID, parentID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	a.Status = StatusSuccess
	a.DurationMs = durationMs
	a.ModuleCount = len(modules)
	a.TaskCount = plan.TaskCount(modules)
	a.CompletedAt = &now

	s.modules[parentID] = modules
	p.Status = plan.StatusReady
	p.UpdatedAt = now

	return copyAttempt(a), nil
}

func (s *MemoryStore) FinalizeFailure(ctx context.Context, attemptID, parentID string, class Classification, durationMs int64, timedOut bool) (*Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, p, err := s.openAttempt(attemptID, parentID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	a.Status = StatusFailure
	a.Classification = &class
	a.DurationMs = durationMs
	a.TimedOut = timedOut
	a.CompletedAt = &now

	if class.Retryable() {
		p.Status = plan.StatusGenerating
	} else {
		p.Status = plan.StatusFailed
	}
	p.UpdatedAt = now

	return copyAttempt(a), nil
}

// openAttempt looks up an in-progress attempt and its plan.
func (s *MemoryStore) openAttempt(attemptID, parentID string) (*Attempt, *plan.Plan, error) {
	a, ok := s.attempts[attemptID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrAttemptNotFound, attemptID)
	}
	if a.Status != StatusInProgress {
		return nil, nil, fmt.Errorf("%w: %s is %s", ErrAttemptFinalized, attemptID, a.Status)
	}
	p, ok := s.plans[parentID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrPlanNotFound, parentID)
	}
	return a, p, nil
}

func (s *MemoryStore) ListByParent(ctx context.Context, parentID string) ([]*Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Attempt
	for _, a := range s.attempts {
		if a.ParentID == parentID {
			out = append(out, copyAttempt(a))
		}
	}
	sort.Slice(out, func(i, k int) bool {
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) CreatePlan(ctx context.Context, p *plan.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *p
	s.plans[p.ID] = &cp
	return nil
}

func (s *MemoryStore) GetPlan(ctx context.Context, id string) (*plan.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.plans[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, id)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListModules(ctx context.Context, planID string) ([]plan.Module, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]plan.Module(nil), s.modules[planID]...), nil
}

func copyAttempt(a *Attempt) *Attempt {
	out := *a
	if a.Classification != nil {
		c := *a.Classification
		out.Classification = &c
	}
	if a.CompletedAt != nil {
		t := *a.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

// Verify interface
var _ Store = (*MemoryStore)(nil)
