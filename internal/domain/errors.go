package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotConnected is returned when a tenant has no live, authenticated session.
var ErrNotConnected = errors.New("WhatsApp not connected. Please connect first.")

// ErrMessageClaimed is returned when another delivery already owns the message.
var ErrMessageClaimed = errors.New("message is already being delivered")

// ErrInitAbandoned is returned by a creation that was revoked by a concurrent cleanup.
var ErrInitAbandoned = errors.New("instance initialization abandoned")

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("%s is required", e.Field)
}

func NewValidationError(field string) *ValidationError {
	return &ValidationError{Field: field}
}

// DriverTimeoutError reports a driver await that exceeded its bound.
type DriverTimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *DriverTimeoutError) Error() string {
	return fmt.Sprintf("driver %s timed out after %s", e.Op, e.Timeout)
}

// DriverSendError carries the user-facing reason of a failed send next to the raw driver error.
type DriverSendError struct {
	Reason string
	Err    error
}

func (e *DriverSendError) Error() string {
	return e.Reason
}

func (e *DriverSendError) Unwrap() error {
	return e.Err
}

// ResourceCleanupError is logged during teardown and never returned to callers.
type ResourceCleanupError struct {
	TenantID string
	Step     string
	Err      error
}

func (e *ResourceCleanupError) Error() string {
	return fmt.Sprintf("cleanup %s for tenant %s: %v", e.Step, e.TenantID, e.Err)
}

func (e *ResourceCleanupError) Unwrap() error {
	return e.Err
}
