package jobmanager

import (
	"errors"
	"fmt"
)

// ============================================================================
// Error definitions
// ============================================================================

var (
	// ErrValidation is matched by every *ValidationError
	ErrValidation = errors.New("validation failed")
	// ErrIllegalTransition is matched by every *TransitionError
	ErrIllegalTransition = errors.New("illegal transition")
	// ErrJobNotFound job id absent from the container
	ErrJobNotFound = errors.New("job not found")
	// ErrItemNotFound idea id absent from the job
	ErrItemNotFound = errors.New("item not found")
	// ErrDuplicateJob job id already present in the container
	ErrDuplicateJob = errors.New("job already exists")
)

// ValidationError rejects malformed command input before anything is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// TransitionError is returned when a state machine refuses From -> To.
type TransitionError struct {
	Kind string // "job" or "item"
	From string
	To   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal %s transition %s -> %s", e.Kind, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrIllegalTransition }

// NotFoundError names the missing job or item.
type NotFoundError struct {
	Kind string // "job" or "item"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	if e.Kind == "item" {
		return ErrItemNotFound
	}
	return ErrJobNotFound
}

// JobNotFound builds a NotFoundError for a job id.
func JobNotFound(jobID string) error {
	return &NotFoundError{Kind: "job", ID: jobID}
}

// ItemNotFound builds a NotFoundError for an idea id.
func ItemNotFound(ideaID string) error {
	return &NotFoundError{Kind: "item", ID: ideaID}
}
