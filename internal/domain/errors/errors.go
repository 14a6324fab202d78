package errors

import (
	"errors"
	"fmt"
)

var (
	// Delivery errors, normalized. Consumers branch on these kinds with
	// errors.Is rather than on message text.
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrRequestTimeout     = errors.New("request timeout")
	ErrInternal           = errors.New("internal error")

	// Circuit breaker errors. ErrCircuitOpen is a fail-fast rejection, not
	// a downstream failure.
	ErrCircuitOpen = errors.New("circuit open")

	// Outbox errors
	ErrMessageNotFound = errors.New("outbox message not found")
	ErrEmptyEventName  = errors.New("event name is required")

	// Lock errors
	ErrLockAcquisitionFailed = errors.New("failed to acquire lock")
	ErrLockNotHeld           = errors.New("lock not held")
)

// PublishError is returned by Publisher implementations that can attach a
// protocol status code and/or a transport error code to a failure. The retry
// policy classifies on these fields.
type PublishError struct {
	Code       string // transport-level code, e.g. "ECONNRESET"
	StatusCode int    // protocol status, e.g. 503; 0 if not applicable
	Err        error
}

func (e *PublishError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("publish failed with status %d: %v", e.StatusCode, e.Err)
	case e.Code != "" && e.Err != nil:
		return fmt.Sprintf("publish failed with code %s: %v", e.Code, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("publish failed: %v", e.Err)
	default:
		return "publish failed"
	}
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// NewPublishError wraps err with an optional status code and transport code.
func NewPublishError(statusCode int, code string, err error) *PublishError {
	return &PublishError{Code: code, StatusCode: statusCode, Err: err}
}

// StatusCode extracts the protocol status carried by err, or 0.
func StatusCode(err error) int {
	var pe *PublishError
	if errors.As(err, &pe) {
		return pe.StatusCode
	}
	return 0
}

// ErrorCode extracts the transport code carried by err, or "".
func ErrorCode(err error) string {
	var pe *PublishError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}
