package gateway

import (
	"context"
	"errors"
	"fmt"
)

// TransientError is a failure worth retrying: network errors, timeouts,
// rate limiting and 5xx responses.
type TransientError struct {
	Op     string
	Status int
	Err    error
}

func (e *TransientError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: transient failure (status %d): %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: transient failure: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError is a failure that will not go away by retrying, such as a
// deleted account or an invalid action.
type PermanentError struct {
	Op     string
	Status int
	Err    error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("%s: permanent failure (status %d): %v", e.Op, e.Status, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError.
func Transient(op string, status int, err error) error {
	return &TransientError{Op: op, Status: status, Err: err}
}

// Permanent wraps err as a PermanentError.
func Permanent(op string, status int, err error) error {
	return &PermanentError{Op: op, Status: status, Err: err}
}

// FromStatus classifies a non-success HTTP status.
func FromStatus(op string, status int, err error) error {
	if status == 429 || status >= 500 || status == 0 {
		return Transient(op, status, err)
	}
	return Permanent(op, status, err)
}

// IsPermanent reports whether err carries a PermanentError.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// IsNotFound reports whether err is a permanent 404, such as a member who
// left the guild or a deleted account.
func IsNotFound(err error) bool {
	var p *PermanentError
	return errors.As(err, &p) && p.Status == 404
}

// IsTransient reports whether err should be retried. Errors of unknown
// kind count as transient so they trigger backoff instead of being dropped.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return !IsPermanent(err)
}
