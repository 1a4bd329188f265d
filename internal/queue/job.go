// Package queue implements the durable, priority-ordered job queue.
//
// Jobs live in a relational store. Leasing is atomic: the store selects
// the highest-priority eligible job, flips it to processing, and skips
// rows already locked by a concurrent lease, so two workers never
// receive the same job. Retry bookkeeping (attempts vs max attempts) is
// owned entirely by this package; handlers only report success/failure.
package queue

import (
	"encoding/json"
	"time"
)

// Status is a job's queue state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Type identifies a kind of queued work.
type Type string

const (
	// TypePlanGenerate produces the first generation of a plan.
	TypePlanGenerate Type = "plan_generate"

	// TypePlanRegenerate re-runs generation for an existing plan.
	// Deduplicating: one active job per (type, plan, owner).
	TypePlanRegenerate Type = "plan_regenerate"
)

// KnownTypes is the closed set of job types the queue accepts.
var KnownTypes = []Type{TypePlanGenerate, TypePlanRegenerate}

// Deduplicating reports whether enqueue suppresses duplicates of this
// type while an active job exists for the same (type, parent, owner).
func (t Type) Deduplicating() bool {
	return t == TypePlanRegenerate
}

// Known reports whether t is in the known type set.
func (t Type) Known() bool {
	for _, k := range KnownTypes {
		if t == k {
			return true
		}
	}
	return false
}

// DefaultMaxAttempts is the per-job retry budget when none is given.
const DefaultMaxAttempts = 3

// Job is a durable unit of queued work.
type Job struct {
	ID          string          `json:"id"`
	Type        Type            `json:"type"`
	ParentID    string          `json:"parent_id"`
	OwnerID     string          `json:"owner_id"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Priority    int             `json:"priority"`
	Status      Status          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	ScheduledFor time.Time      `json:"scheduled_for"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// EnqueueRequest describes a job to insert.
type EnqueueRequest struct {
	Type     Type
	ParentID string
	OwnerID  string
	Payload  json.RawMessage
	Priority int

	// MaxAttempts overrides DefaultMaxAttempts when > 0.
	MaxAttempts int
}

// EnqueueResult is the rich insert result. Deduplicated is true when an
// active job for the same (type, parent, owner) absorbed this request;
// Job is then the existing row, with its payload superseded.
type EnqueueResult struct {
	Job          *Job
	Deduplicated bool
}

// Stats reports queue depth for health checks.
type Stats struct {
	Pending             int           `json:"pending"`
	Processing          int           `json:"processing"`
	OldestProcessingAge time.Duration `json:"oldest_processing_age"`
}
