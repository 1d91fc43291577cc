// Package errors provides centralized error definitions and error handling
// utilities for the agent pool. It defines the error taxonomy that the
// message-routing boundary depends on:
//
//   - ValidationError: malformed request, handled before any instance is touched
//   - CapacityError: pool admission rejected, not retried automatically
//   - SpawnError: the agent subprocess could not be started
//   - DeliveryError: a hook consumer exhausted its delivery retries
//   - NotFoundError: a referenced instance or session does not exist
//
// Checking errors:
//
//	if errors.Is(err, errors.ErrPoolFull) { ... }
//
//	var capErr *errors.CapacityError
//	if errors.As(err, &capErr) { ... }
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Sentinel errors
var (
	// ErrPoolFull indicates the pool has reached its instance limit.
	ErrPoolFull = New("instance pool is full")
	// ErrInstanceNotFound indicates that an instance could not be found.
	ErrInstanceNotFound = New("instance not found")
	// ErrSessionNotFound indicates that no instance exists for a session.
	ErrSessionNotFound = New("session not found")
	// ErrInvalidInput indicates that request validation failed.
	ErrInvalidInput = New("invalid input")
	// ErrDeliveryFailed indicates that all delivery attempts were exhausted.
	ErrDeliveryFailed = New("delivery failed")
	// ErrPoolShutDown indicates an operation on a pool after Shutdown.
	ErrPoolShutDown = New("pool is shut down")
)

// baseError provides common functionality for all typed errors.
type baseError struct {
	message    string
	cause      error
	retryable  bool
	userFacing bool
}

func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *baseError) Unwrap() error {
	return e.cause
}

func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// IsRetryable returns whether the error is transient.
func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// IsUserFacing returns whether the error is safe to show callers verbatim.
func (e *baseError) IsUserFacing() bool {
	return e.userFacing
}

// CapacityError is returned by the pool when admission control rejects a new
// session. It carries the configured limit so the caller can report it.
//
// Example:
//
//	err := errors.NewCapacityError(10)
//	fmt.Println(err) // "instance pool is full (limit: 10)"
type CapacityError struct {
	baseError
	Limit int
}

// NewCapacityError creates a new CapacityError naming the pool limit.
func NewCapacityError(limit int) *CapacityError {
	return &CapacityError{
		baseError: baseError{
			message:    fmt.Sprintf("instance pool is full (limit: %d)", limit),
			cause:      ErrPoolFull,
			retryable:  true, // A slot may free up after idle eviction
			userFacing: true,
		},
		Limit: limit,
	}
}

// Is checks if this error matches the target.
func (e *CapacityError) Is(target error) bool {
	if _, ok := target.(*CapacityError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ValidationError represents a malformed request. It never reaches the pool.
//
// Example:
//
//	err := errors.NewValidationError("message cannot be empty").WithField("message")
type ValidationError struct {
	baseError
	Field string
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:    message,
			cause:      ErrInvalidInput,
			retryable:  false,
			userFacing: true,
		},
	}
}

// WithField adds the offending field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error [field=%s]: %s", e.Field, e.message)
	}
	return fmt.Sprintf("validation error: %s", e.message)
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// SpawnError represents a failure to start the agent subprocess: binary
// missing, permission denied, or any other OS-level error. Execute converts
// it into a failed result rather than propagating it.
type SpawnError struct {
	baseError
	Command string
}

// NewSpawnError creates a new SpawnError wrapping the OS-level cause.
func NewSpawnError(command string, cause error) *SpawnError {
	return &SpawnError{
		baseError: baseError{
			message:    "failed to spawn agent process",
			cause:      cause,
			retryable:  false,
			userFacing: false,
		},
		Command: command,
	}
}

// Error returns the formatted error message.
func (e *SpawnError) Error() string {
	prefix := "spawn error"
	if e.Command != "" {
		prefix = fmt.Sprintf("spawn error [command=%s]", e.Command)
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *SpawnError) Is(target error) bool {
	if _, ok := target.(*SpawnError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// DeliveryError represents exhausted delivery retries in a hook consumer.
// Consumers catch it inside their own Handle wrapper; it never reaches the
// event producer.
type DeliveryError struct {
	baseError
	Target   string
	Attempts int
}

// NewDeliveryError creates a new DeliveryError.
func NewDeliveryError(target string, attempts int, cause error) *DeliveryError {
	return &DeliveryError{
		baseError: baseError{
			message:    fmt.Sprintf("delivery failed after %d attempts", attempts),
			cause:      cause,
			retryable:  true,
			userFacing: false,
		},
		Target:   target,
		Attempts: attempts,
	}
}

// Error returns the formatted error message.
func (e *DeliveryError) Error() string {
	var parts []string
	if e.Target != "" {
		parts = append(parts, fmt.Sprintf("target=%s", e.Target))
	}

	prefix := "delivery error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("delivery error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *DeliveryError) Is(target error) bool {
	if _, ok := target.(*DeliveryError); ok {
		return true
	}
	if errors.Is(target, ErrDeliveryFailed) {
		return true
	}
	return e.baseError.Is(target)
}

// NotFoundError represents a resource that could not be found.
//
// Example:
//
//	err := errors.NewNotFoundError("instance", "b2c3...")
//	fmt.Println(err) // "instance 'b2c3...' not found"
type NotFoundError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{
		baseError: baseError{
			message:    fmt.Sprintf("%s '%s' not found", resourceType, resourceID),
			retryable:  false,
			userFacing: true,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// Error returns the formatted error message.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s '%s' not found", e.ResourceType, e.ResourceID)
}

// Is checks if this error matches the target.
func (e *NotFoundError) Is(target error) bool {
	if _, ok := target.(*NotFoundError); ok {
		return true
	}
	if e.ResourceType == "instance" && errors.Is(target, ErrInstanceNotFound) {
		return true
	}
	if e.ResourceType == "session" && errors.Is(target, ErrSessionNotFound) {
		return true
	}
	return e.baseError.Is(target)
}

// classified is implemented by all typed errors in this package.
type classified interface {
	error
	IsRetryable() bool
	IsUserFacing() bool
}

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var c classified
	if As(err, &c) {
		return c.IsRetryable()
	}
	return false
}

// IsUserFacing returns true if the error message is safe to surface to
// external callers verbatim. Non-user-facing errors should be reported as
// generic internal errors.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}

	var c classified
	if As(err, &c) {
		return c.IsUserFacing()
	}
	return false
}

// Wrap wraps an error with additional context message.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
