package queue

import (
	"errors"
	"fmt"
)

// ErrJobNotFound is returned when a job ID does not exist.
var ErrJobNotFound = errors.New("job not found")

// ErrInvalidJobType is returned before touching the store when a
// requested type is outside the known set.
var ErrInvalidJobType = errors.New("invalid job type")

// RateLimitExceededError is returned by owner-scoped enqueue limiting.
type RateLimitExceededError struct {
	OwnerID string
	Type    Type
	Limit   int
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for owner %s on %s: limit is %d", e.OwnerID, e.Type, e.Limit)
}

// PayloadError is an input error: the job payload does not match its
// type's schema. Handlers fail these immediately without invoking the
// generator, consuming one attempt.
type PayloadError struct {
	Type   Type
	Reason string
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("invalid %s payload: %s", e.Type, e.Reason)
}
