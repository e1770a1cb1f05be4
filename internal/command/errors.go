package command

import "errors"

// errAttemptTimeout marks a per-attempt deadline overrun. Distinct from
// closure-reported errors so the terminal state becomes timed_out.
var errAttemptTimeout = errors.New("attempt deadline exceeded")

type nonRetryableError struct {
	err error
}

func (e *nonRetryableError) Error() string { return e.err.Error() }
func (e *nonRetryableError) Unwrap() error { return e.err }

// NonRetryable tags an error so the engine terminates immediately as
// failed instead of retrying. Validation and not-found errors must carry
// this tag.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryableError{err: err}
}

// IsNonRetryable reports whether err carries the non-retryable tag.
func IsNonRetryable(err error) bool {
	var nr *nonRetryableError
	return errors.As(err, &nr)
}
