package comments

import (
	"errors"
	"fmt"
	"time"
)

// ConflictError is the remote store's optimistic-concurrency rejection: the
// version token supplied with a write no longer matches the store's current
// one. It is the only retryable failure in the sync engine.
type ConflictError struct {
	CurrentVersion string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict: store is now at version %q", e.CurrentVersion)
}

// IsConflict reports whether err is (or wraps) a version conflict.
func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}

// MaxRetriesError is raised when an operation exhausts its attempt budget
// without winning a write.
type MaxRetriesError struct {
	Attempts int
}

func (e *MaxRetriesError) Error() string {
	return fmt.Sprintf("max retries exceeded after %d attempts", e.Attempts)
}

// TimeoutError is raised when the conflict-retry loop runs past its wall
// time ceiling. It applies to the loop as a whole, not to a single call.
type TimeoutError struct {
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("retry loop timed out after %s", e.Elapsed)
}

// NetworkError wraps any non-conflict remote failure. The engine never
// retries these; they propagate to the caller as-is.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("remote store request failed: %v", e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ValidationError rejects a malformed mutation before it enters the queue.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid submission: %s", e.Reason)
}

// ErrEmptyComposer rejects a submission whose composer content is empty or
// all whitespace.
var ErrEmptyComposer = &ValidationError{Reason: "comment is empty"}
