package session

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrPrecondition is wrapped by every caller error raised synchronously
	ErrPrecondition = errors.New("precondition failed")

	// ErrWaitTimeout is returned when a caller's wait elapses before the work settles
	ErrWaitTimeout = errors.New("wait timed out")

	// ErrPauseTimeout fails a session whose question was not answered in time
	ErrPauseTimeout = errors.New("timed out waiting for an answer")

	// ErrCancelled fails a session whose context was cancelled
	ErrCancelled = errors.New("execution cancelled")

	// ErrMaxIterations fails a session that keeps calling tools
	ErrMaxIterations = errors.New("maximum tool iterations exceeded")
)

// PreconditionError reports an operation attempted in the wrong state
type PreconditionError struct {
	Message string
}

func (e *PreconditionError) Error() string {
	return e.Message
}

// Unwrap makes errors.Is(err, ErrPrecondition) hold
func (e *PreconditionError) Unwrap() error {
	return ErrPrecondition
}

func preconditionf(format string, args ...interface{}) error {
	return &PreconditionError{Message: fmt.Sprintf(format, args...)}
}

// WaitTimeoutError is returned by WaitForCompletion when its timeout elapses.
// The underlying work keeps running.
type WaitTimeoutError struct {
	Timeout time.Duration
}

func (e *WaitTimeoutError) Error() string {
	return fmt.Sprintf("wait timed out after %v; processing continues", e.Timeout)
}

func (e *WaitTimeoutError) Unwrap() error {
	return ErrWaitTimeout
}

const noPendingQuestion = "No pending question to answer"
