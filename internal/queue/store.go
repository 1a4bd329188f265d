package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Store abstracts the durable job table.
//
// The default implementation (PostgresStore) relies on row locking with
// SKIP LOCKED for lease exclusivity. A MemoryStore is provided for unit
// tests; it preserves the same ordering and transition semantics.
type Store interface {
	// Enqueue inserts a pending job. For deduplicating types, an active
	// (pending or processing) job for the same (type, parent, owner)
	// absorbs the request: the existing job is returned with
	// Deduplicated=true and its payload superseded.
	Enqueue(ctx context.Context, req EnqueueRequest) (*EnqueueResult, error)

	// LeaseNext atomically leases the eligible job with the highest
	// (priority desc, created_at asc) rank among the given types.
	// Returns (nil, nil) when no job is eligible. Returns
	// ErrInvalidJobType before touching the store if any requested type
	// is unknown.
	LeaseNext(ctx context.Context, types []Type) (*Job, error)

	// Complete marks a job completed with its result. Idempotent: the
	// first success is authoritative; later calls return the stored row
	// unchanged and the conflict is logged.
	Complete(ctx context.Context, jobID string, result json.RawMessage) (*Job, error)

	// Fail records a failed dispatch. Attempts below the budget reset
	// the job to pending (immediately re-eligible); the final attempt
	// makes it terminal with errMsg recorded.
	Fail(ctx context.Context, jobID string, errMsg string) (*Job, error)

	// FailTerminal marks the job failed immediately, bypassing any
	// remaining retry budget. Used when re-dispatching cannot change
	// the outcome. Terminal rows are returned unchanged.
	FailTerminal(ctx context.Context, jobID string, errMsg string) (*Job, error)

	// Get returns a job by ID, or ErrJobNotFound.
	Get(ctx context.Context, jobID string) (*Job, error)

	// ListByParent returns a parent entity's jobs, newest first.
	ListByParent(ctx context.Context, parentID string) ([]*Job, error)

	// CountForOwner counts an owner's jobs of a type created since the
	// given time. Used for owner-scoped enqueue rate limiting.
	CountForOwner(ctx context.Context, ownerID string, t Type, since time.Time) (int, error)

	// CleanupOlderThan removes terminal jobs whose completed_at is
	// older than threshold. Pending/processing rows are never swept.
	CleanupOlderThan(ctx context.Context, threshold time.Time) (int, error)

	// Stats reports backlog depth and the age of the oldest processing
	// job for health reporting.
	Stats(ctx context.Context) (*Stats, error)
}

// validateTypes rejects unknown types before any store round-trip.
func validateTypes(types []Type) error {
	if len(types) == 0 {
		return fmt.Errorf("%w: empty type set", ErrInvalidJobType)
	}
	for _, t := range types {
		if !t.Known() {
			return fmt.Errorf("%w: %s", ErrInvalidJobType, t)
		}
	}
	return nil
}
