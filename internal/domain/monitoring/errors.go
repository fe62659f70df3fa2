package monitoring

import (
	"errors"
	"fmt"
)

// ErrTaskAggregateNotFound is returned when no aggregate is held for a task.
var ErrTaskAggregateNotFound = errors.New("task aggregate not found")

// ErrSourceClosed is returned by a MessageSource that will never produce
// another message.
var ErrSourceClosed = errors.New("message source closed")

// DecodeError reports a payload that does not satisfy the event contract.
// Redelivering the same bytes can never succeed, so it is not retryable.
type DecodeError struct {
	Field  string
	Reason string
}

func (e *DecodeError) Error() string {
	if e.Field == "" {
		return "decode event: " + e.Reason
	}
	return fmt.Sprintf("decode event: field %s: %s", e.Field, e.Reason)
}

// TransientStoreError wraps a failure of a backing store that may succeed on a
// later attempt.
type TransientStoreError struct {
	Op  string
	Err error
}

// NewTransientStoreError wraps err, returning nil when err is nil.
func NewTransientStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientStoreError{Op: op, Err: err}
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("transient store error during %s: %v", e.Op, e.Err)
}

func (e *TransientStoreError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	var tse *TransientStoreError
	return errors.As(err, &tse)
}
