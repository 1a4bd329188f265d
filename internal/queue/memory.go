package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store for unit tests. A single mutex
// stands in for the database's row locking: every operation is atomic
// with respect to every other, which preserves the lease and dedup
// exclusivity guarantees of the Postgres implementation.
type MemoryStore struct {
	mu     sync.Mutex
	jobs   map[string]*Job
	logger *slog.Logger
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(logger *slog.Logger) *MemoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryStore{
		jobs:   make(map[string]*Job),
		logger: logger,
	}
}

func (s *MemoryStore) Enqueue(ctx context.Context, req EnqueueRequest) (*EnqueueResult, error) {
	if !req.Type.Known() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidJobType, req.Type)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if req.Type.Deduplicating() {
		for _, j := range s.jobs {
			if j.Type == req.Type && j.ParentID == req.ParentID && j.OwnerID == req.OwnerID &&
				(j.Status == StatusPending || j.Status == StatusProcessing) {
				j.Payload = req.Payload
				j.UpdatedAt = time.Now().UTC()
				return &EnqueueResult{Job: copyJob(j), Deduplicated: true}, nil
			}
		}
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	now := time.Now().UTC()
	j := &Job{
		ID:           uuid.New().String(),
		Type:         req.Type,
		ParentID:     req.ParentID,
		OwnerID:      req.OwnerID,
		Payload:      req.Payload,
		Priority:     req.Priority,
		Status:       StatusPending,
		MaxAttempts:  maxAttempts,
		ScheduledFor: now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.jobs[j.ID] = j
	return &EnqueueResult{Job: copyJob(j)}, nil
}

func (s *MemoryStore) LeaseNext(ctx context.Context, types []Type) (*Job, error) {
	if err := validateTypes(types); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var best *Job
	for _, j := range s.jobs {
		if j.Status != StatusPending || j.ScheduledFor.After(now) || !typeIn(j.Type, types) {
			continue
		}
		if best == nil ||
			j.Priority > best.Priority ||
			(j.Priority == best.Priority && j.CreatedAt.Before(best.CreatedAt)) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}

	best.Status = StatusProcessing
	t := now
	best.StartedAt = &t
	best.UpdatedAt = now
	return copyJob(best), nil
}

func (s *MemoryStore) Complete(ctx context.Context, jobID string, result json.RawMessage) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	if j.Status.IsTerminal() {
		// First success is authoritative; the new result is discarded.
		s.logger.Warn("duplicate completion discarded",
			"job_id", jobID, "status", j.Status, "discarded_bytes", len(result))
		return copyJob(j), nil
	}

	now := time.Now().UTC()
	j.Status = StatusCompleted
	j.Result = result
	j.CompletedAt = &now
	j.UpdatedAt = now
	return copyJob(j), nil
}

func (s *MemoryStore) Fail(ctx context.Context, jobID string, errMsg string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	if j.Status.IsTerminal() {
		return copyJob(j), nil
	}

	now := time.Now().UTC()
	j.Attempts++
	if j.Attempts >= j.MaxAttempts {
		j.Status = StatusFailed
		j.Error = errMsg
		j.CompletedAt = &now
	} else {
		j.Status = StatusPending
		j.Error = ""
		j.CompletedAt = nil
		j.ScheduledFor = now
	}
	j.UpdatedAt = now
	return copyJob(j), nil
}

func (s *MemoryStore) FailTerminal(ctx context.Context, jobID string, errMsg string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	if j.Status.IsTerminal() {
		return copyJob(j), nil
	}

	now := time.Now().UTC()
	j.Attempts++
	j.Status = StatusFailed
	j.Error = errMsg
	j.CompletedAt = &now
	j.UpdatedAt = now
	return copyJob(j), nil
}

func (s *MemoryStore) Get(ctx context.Context, jobID string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	return copyJob(j), nil
}

func (s *MemoryStore) ListByParent(ctx context.Context, parentID string) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Job
	for _, j := range s.jobs {
		if j.ParentID == parentID {
			out = append(out, copyJob(j))
		}
	}
	sort.Slice(out, func(i, k int) bool {
		return out[i].CreatedAt.After(out[k].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) CountForOwner(ctx context.Context, ownerID string, t Type, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, j := range s.jobs {
		if j.OwnerID == ownerID && j.Type == t && !j.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) CleanupOlderThan(ctx context.Context, threshold time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for id, j := range s.jobs {
		if j.Status.IsTerminal() && j.CompletedAt != nil && j.CompletedAt.Before(threshold) {
			delete(s.jobs, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *MemoryStore) Stats(ctx context.Context) (*Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := &Stats{}
	now := time.Now().UTC()
	for _, j := range s.jobs {
		switch j.Status {
		case StatusPending:
			st.Pending++
		case StatusProcessing:
			st.Processing++
			if j.StartedAt != nil {
				if age := now.Sub(*j.StartedAt); age > st.OldestProcessingAge {
					st.OldestProcessingAge = age
				}
			}
		}
	}
	return st, nil
}

func typeIn(t Type, types []Type) bool {
	for _, x := range types {
		if t == x {
			return true
		}
	}
	return false
}

func copyJob(j *Job) *Job {
	out := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

// Verify interface
var _ Store = (*MemoryStore)(nil)
