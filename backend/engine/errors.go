package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/andi/reelflow/backend/pipeline"
)

// ConfigurationError is fatal and never retried
type ConfigurationError = pipeline.ConfigurationError

var (
	// ErrNotRunning aborts an attempt chain after the project left the running state
	ErrNotRunning = errors.New("project is not running")
	// ErrProjectNotFound is returned by stores for unknown project ids
	ErrProjectNotFound = errors.New("project not found")
	// ErrStepNotFound is returned for step ids the pipeline does not define
	ErrStepNotFound = errors.New("step not found")
	// ErrInvalidState rejects a control call that does not fit the current status
	ErrInvalidState = errors.New("invalid state for this operation")
)

// ExecutionError wraps a failure of a step's business logic
type ExecutionError struct {
	StepID int
	Err    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("step %d failed: %v", e.StepID, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// TimeoutError is retried like ExecutionError but logged distinctly
type TimeoutError struct {
	StepID  int
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("step %d timed out after %v", e.StepID, e.Timeout)
}

// DependencyUnsatisfiableError means the ready set can never grow again.
// It indicates a broken graph or inconsistent skip predicates.
type DependencyUnsatisfiableError struct {
	Pending []int
}

func (e *DependencyUnsatisfiableError) Error() string {
	return fmt.Sprintf("dependencies can never be satisfied for steps %v", e.Pending)
}

// IsTimeout reports whether err is a step timeout
func IsTimeout(err error) bool {
	var timeoutErr *TimeoutError
	return errors.As(err, &timeoutErr)
}

func invalidStatef(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidState, fmt.Sprintf(format, args...))
}
