package ingest

import (
	"github.com/pkg/errors"
)

type nonRetryableError struct {
	err error
}

func (e *nonRetryableError) Error() string {
	return e.err.Error()
}

func (e *nonRetryableError) Unwrap() error {
	return e.err
}

func (e *nonRetryableError) Cause() error {
	return e.err
}

// NonRetryable marks err as one that will fail again however many times the operation is retried,
// e.g. a constraint violation.  RetryPolicy gives up immediately on such errors.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryableError{err: err}
}

func IsNonRetryable(err error) bool {
	var target *nonRetryableError
	return errors.As(err, &target)
}
