package reliability

import "errors"

var (
	// ErrMaxRetriesExceeded wraps the last error once the policy gives up
	ErrMaxRetriesExceeded = errors.New("retry: maximum attempts exceeded")
	// ErrNonRetryable wraps errors marked permanent by the operation
	ErrNonRetryable = errors.New("retry: error is not retryable")
)

// RetryableError wraps an error to indicate whether it may be retried
type RetryableError struct {
	Err       error
	Retryable bool
}

// Error implements error interface
func (r RetryableError) Error() string {
	return r.Err.Error()
}

// IsRetryable indicates if the error is retryable
func (r RetryableError) IsRetryable() bool {
	return r.Retryable
}

// Unwrap returns the wrapped error
func (r RetryableError) Unwrap() error {
	return r.Err
}

// Permanent marks err as not retryable
func Permanent(err error) error {
	return RetryableError{Err: err, Retryable: false}
}
