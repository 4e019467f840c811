package usecase

import "fmt"

type ErrorCode string

const (
	// ErrorInvalidInput marks a payload that can never succeed; the
	// dispatcher acknowledges it so the platform stops redelivering.
	ErrorInvalidInput ErrorCode = "INVALID_INPUT"
	// ErrorTransient marks a failure the platform's own retry can
	// recover: conflict retries exhausted, storage unavailable.
	ErrorTransient ErrorCode = "TRANSIENT"
	ErrorInternal  ErrorCode = "INTERNAL_ERROR"
)

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}
