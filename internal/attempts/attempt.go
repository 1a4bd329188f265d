// Package attempts implements the attempt-reservation gate: at most one
// in-flight generation attempt per plan, a hard cap on total attempts,
// and an immutable audit trail of outcomes. The reservation store owns
// every transition of the parent plan's generation status.
package attempts

import (
	"time"
)

// Status is an attempt's lifecycle state.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusSuccess    Status = "success"
	StatusFailure    Status = "failure"
)

// Classification explains why an attempt failed. Advisory for logging
// and metrics, and decisive only for the parent plan's terminal-vs-
// retryable status; the job queue's retry counter is independent.
type Classification string

const (
	ClassTimeout       Classification = "timeout"
	ClassRateLimit     Classification = "rate_limit"
	ClassValidation    Classification = "validation"
	ClassProviderError Classification = "provider_error"
	ClassUnknown       Classification = "unknown"
)

// Retryable reports whether another attempt may be reserved after this
// failure. Validation failures are terminal: the same input against the
// same provider is expected to reproduce the same invalid result.
func (c Classification) Retryable() bool {
	return c != ClassValidation
}

// DefaultAttemptCap bounds finalized attempts per plan when the
// configuration does not override it.
const DefaultAttemptCap = 5

// Attempt is one execution record of a generation cycle for a plan.
// Finalized attempts are immutable.
type Attempt struct {
	ID             string          `json:"id"`
	ParentID       string          `json:"parent_id"`
	Status         Status          `json:"status"`
	Classification *Classification `json:"classification,omitempty"`
	DurationMs     int64           `json:"duration_ms"`
	ModuleCount    int             `json:"module_count"`
	TaskCount      int             `json:"task_count"`
	InputTruncated bool            `json:"input_truncated"`
	InputNormalized bool           `json:"input_normalized"`
	InputHash      string          `json:"input_hash"`
	TimedOut       bool            `json:"timed_out"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// ReservationReason says why a reservation was refused.
type ReservationReason string

const (
	// ReasonInProgress: another attempt holds the slot right now.
	ReasonInProgress ReservationReason = "in_progress"

	// ReasonCapped: the plan has exhausted its attempt budget.
	ReasonCapped ReservationReason = "capped"
)

// Reservation is the result of a Reserve call. When Reserved is false,
// Reason explains the refusal and the other fields are zero.
type Reservation struct {
	Reserved      bool
	Reason        ReservationReason
	AttemptID     string
	AttemptNumber int
	Input         SanitizedInput
}
