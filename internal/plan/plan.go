// Package plan defines the learning plan entity and its generated
// artifacts. Plans are the parent entity for generation attempts: the
// attempt store owns every transition of a plan's generation status.
package plan

import (
	"time"

	"github.com/google/uuid"
)

// GenerationStatus tracks where a plan is in its generation lifecycle.
type GenerationStatus string

const (
	// StatusDraft is the initial state before any attempt is reserved.
	StatusDraft GenerationStatus = "draft"

	// StatusGenerating means an attempt is in flight, or a retryable
	// failure left the door open for another attempt.
	StatusGenerating GenerationStatus = "generating"

	// StatusReady means the latest attempt succeeded and modules exist.
	StatusReady GenerationStatus = "ready"

	// StatusFailed is terminal: a validation failure or the attempt cap
	// ended generation for this plan.
	StatusFailed GenerationStatus = "failed"
)

// Plan is a learning plan owned by a single user.
type Plan struct {
	ID        string           `json:"id"`
	OwnerID   string           `json:"owner_id"`
	Title     string           `json:"title"`
	Topic     string           `json:"topic"`
	Status    GenerationStatus `json:"status"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// New creates a draft plan for the given owner.
func New(ownerID, title, topic string) *Plan {
	now := time.Now().UTC()
	return &Plan{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		Title:     title,
		Topic:     topic,
		Status:    StatusDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Module is one unit of a generated plan, ordered by Position.
type Module struct {
	ID       string `json:"id"`
	PlanID   string `json:"plan_id"`
	Position int    `json:"position"`
	Title    string `json:"title"`
	Summary  string `json:"summary,omitempty"`
	Tasks    []Task `json:"tasks,omitempty"`
}

// Task is a single actionable item within a module.
type Task struct {
	ID               string `json:"id"`
	ModuleID         string `json:"module_id"`
	Position         int    `json:"position"`
	Title            string `json:"title"`
	EstimatedMinutes int    `json:"estimated_minutes,omitempty"`
}

// TaskCount returns the total number of tasks across modules.
func TaskCount(modules []Module) int {
	n := 0
	for _, m := range modules {
		n += len(m.Tasks)
	}
	return n
}
