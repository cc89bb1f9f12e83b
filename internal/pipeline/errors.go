package pipeline

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by stores and the coordinator.
var (
	// ErrRunNotFound is returned for lookups of unknown run IDs.
	ErrRunNotFound = errors.New("run not found")
	// ErrArtifactNotFound is returned when no artifact exists for a run.
	ErrArtifactNotFound = errors.New("artifact not found")
	// ErrResultNotFound is returned when a run has no finalized result.
	ErrResultNotFound = errors.New("result not found")
	// ErrVersionConflict signals a lost optimistic-concurrency race; the
	// caller should re-read the run and decide again.
	ErrVersionConflict = errors.New("run version conflict")
	// ErrRunTerminal is returned when a mutation targets a finished run.
	ErrRunTerminal = errors.New("run already terminal")
)

// ValidationError rejects a malformed target at submit time. It is never
// retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid target: %s %s", e.Field, e.Reason)
}

// DependencyUnavailableError marks an upstream or text-service outage.
// It degrades the run with a warning rather than failing it.
type DependencyUnavailableError struct {
	Dependency string
	Err        error
}

func (e *DependencyUnavailableError) Error() string {
	return fmt.Sprintf("dependency %s unavailable: %v", e.Dependency, e.Err)
}

func (e *DependencyUnavailableError) Unwrap() error {
	return e.Err
}
