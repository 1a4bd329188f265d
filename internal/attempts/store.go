package attempts

import (
	"context"
	"errors"

	"github.com/planforge/planforge/internal/plan"
)

// ErrPlanNotFound is returned when the parent plan does not exist.
var ErrPlanNotFound = errors.New("plan not found")

// ErrAttemptNotFound is returned when an attempt ID does not exist.
var ErrAttemptNotFound = errors.New("attempt not found")

// ErrAttemptFinalized is returned when finalizing an attempt that is no
// longer in progress. This is an invariant violation by the caller, not
// a provider failure.
var ErrAttemptFinalized = errors.New("attempt already finalized")

// Store is the attempt-reservation gate backed by the relational store.
//
// Reserve's check-then-insert and both finalizers run inside a single
// transaction in the Postgres implementation so concurrent callers can
// never double-reserve or observe a half-finalized plan. The memory
// implementation serializes on a mutex with the same semantics.
type Store interface {
	// Reserve attempts to open a generation slot for the plan. Within
	// one transaction it checks the attempt cap, checks for an
	// in-progress attempt, inserts a new in_progress attempt, and flips
	// the plan to generating. Exactly one of two concurrent calls wins;
	// the loser observes ReasonInProgress.
	Reserve(ctx context.Context, parentID, ownerID, rawInput string) (*Reservation, error)

	// FinalizeSuccess writes the produced modules (with tasks) under
	// the plan, closes the attempt as success, and flips the plan to
	// ready, all atomically.
	FinalizeSuccess(ctx context.Context, attemptID, parentID string, modules []plan.Module, durationMs int64) (*Attempt, error)

	// FinalizeFailure closes the attempt as failure with its
	// classification and timing. Retryable classifications leave the
	// plan generating so a retry can reserve; validation marks the plan
	// failed terminally.
	FinalizeFailure(ctx context.Context, attemptID, parentID string, class Classification, durationMs int64, timedOut bool) (*Attempt, error)

	// ListByParent returns the plan's attempts, oldest first.
	ListByParent(ctx context.Context, parentID string) ([]*Attempt, error)

	// CreatePlan inserts a draft plan. Exposed here because the
	// reservation store owns all plan mutations.
	CreatePlan(ctx context.Context, p *plan.Plan) error

	// GetPlan returns a plan by ID, or ErrPlanNotFound.
	GetPlan(ctx context.Context, id string) (*plan.Plan, error)

	// ListModules returns a plan's generated modules with their tasks,
	// ordered by position.
	ListModules(ctx context.Context, planID string) ([]plan.Module, error)
}
