package worker

import "errors"

var (
	// ErrLockHeld means another job holds the user's lease.
	ErrLockHeld = errors.New("user lock held by another job")

	// ErrPostingTimeout means no agent reported a result within the job timeout.
	ErrPostingTimeout = errors.New("posting timed out waiting for completion")

	// ErrPostingNotFound means the job points at a posting that no longer exists.
	ErrPostingNotFound = errors.New("posting not found")
)

// RetryableError wraps transient errors that should send the job back to the queue.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// TerminalError ends the job: the posting has been finalized and the job is dead-lettered.
type TerminalError struct {
	Err error
}

func (e *TerminalError) Error() string {
	return "terminal error: " + e.Err.Error()
}

func (e *TerminalError) Unwrap() error {
	return e.Err
}

func NewTerminalError(err error) error {
	return &TerminalError{Err: err}
}
