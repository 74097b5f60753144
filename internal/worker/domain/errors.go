package domain

import "errors"

var (
	// ErrTrackNotFound is returned when a track cannot be found in the database
	ErrTrackNotFound = errors.New("track not found")

	// ErrTrackAlreadyClaimed is returned when attempting to claim a track that's not in QUEUED status
	ErrTrackAlreadyClaimed = errors.New("track already claimed or not in QUEUED status")

	// ErrTrackNotProcessing is returned when a terminal transition matches no
	// row because the track has left PROCESSING (finished elsewhere or requeued)
	ErrTrackNotProcessing = errors.New("track not in PROCESSING status")
)

// RetryableError wraps transient errors that should trigger a requeue
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
