package platform

import (
	"errors"
	"fmt"
)

// AuthError means the platform rejected our credentials. It is the only
// error fatal to a whole run.
type AuthError struct {
	Detail string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Detail)
}

// TransientError means a retryable failure (5xx, connection reset,
// timeout) exhausted its retry budget.
type TransientError struct {
	Attempts int
	Last     error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure after %d attempts: %v", e.Attempts, e.Last)
}

func (e *TransientError) Unwrap() error { return e.Last }

// DuplicateError means the platform already evaluated this expression set.
// It is a benign skip signal, not a failure.
type DuplicateError struct {
	Detail string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate submission: %s", e.Detail)
}

// MalformedError means the response body could not be decoded into the
// expected shape.
type MalformedError struct {
	Op  string
	Err error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed response from %s: %v", e.Op, e.Err)
}

func (e *MalformedError) Unwrap() error { return e.Err }

// FatalError covers any other non-success status that is not worth
// retrying for this request.
type FatalError struct {
	Op     string
	Status int
	Body   string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s failed: status=%d body=%s", e.Op, e.Status, e.Body)
}

// IsAuth reports whether err is (or wraps) an AuthError.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsDuplicate reports whether err is (or wraps) a DuplicateError.
func IsDuplicate(err error) bool {
	var de *DuplicateError
	return errors.As(err, &de)
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsMalformed reports whether err is (or wraps) a MalformedError.
func IsMalformed(err error) bool {
	var me *MalformedError
	return errors.As(err, &me)
}
