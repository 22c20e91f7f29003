// Package errors carries the runtime's error taxonomy: transient failures
// that retry policies and circuit breakers act on, permanent failures that
// must surface immediately, and the policy-level failures (validation,
// permission, critical communication loss) that handlers translate into
// thought outcomes.
package errors

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// ErrorType classifies errors for retry logic.
type ErrorType int

const (
	// ErrorTypeTransient - retry-able errors
	ErrorTypeTransient ErrorType = iota
	// ErrorTypePermanent - non-retry-able errors
	ErrorTypePermanent
	// ErrorTypeDegraded - can continue with reduced functionality
	ErrorTypeDegraded
)

// TransientError represents an error that can be retried.
type TransientError struct {
	Err     error
	Message string
}

func (e *TransientError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("transient error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// PermanentError represents an error that should not be retried.
type PermanentError struct {
	Err     error
	Message string
}

func (e *PermanentError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("permanent error: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// DegradedError represents an error where the caller can continue with
// reduced functionality. Circuit breakers emit it while open.
type DegradedError struct {
	Err     error
	Message string
}

func (e *DegradedError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("degraded error: %v", e.Err)
}

func (e *DegradedError) Unwrap() error {
	return e.Err
}

// ValidationError marks malformed action parameters or payloads. Handlers
// respond with a FAILED thought and a descriptive follow-up, never a retry.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed on %q: %s", e.Field, e.Reason)
}

// NewValidationError builds a ValidationError for one offending field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is a parameter validation failure.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// PermissionError marks a policy denial, notably for forget operations on
// protected memory scopes. It is an outcome, not a fault.
type PermissionError struct {
	Operation string
	Subject   string
	Reason    string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("permission denied for %s on %s: %s", e.Operation, e.Subject, e.Reason)
}

// NewPermissionError builds a PermissionError.
func NewPermissionError(operation, subject, reason string) *PermissionError {
	return &PermissionError{Operation: operation, Subject: subject, Reason: reason}
}

// IsPermissionDenied reports whether err is a policy denial.
func IsPermissionDenied(err error) bool {
	var p *PermissionError
	return errors.As(err, &p)
}

// CriticalCommunicationError marks the loss of every communication provider
// while one is required to effect a speak action. The agent cannot serve its
// purpose without a contact channel, so handlers escalate this to a global
// shutdown request.
type CriticalCommunicationError struct {
	Reason string
}

func (e *CriticalCommunicationError) Error() string {
	return fmt.Sprintf("critical communication failure: %s", e.Reason)
}

// NewCriticalCommunicationError builds a CriticalCommunicationError.
func NewCriticalCommunicationError(reason string) *CriticalCommunicationError {
	return &CriticalCommunicationError{Reason: reason}
}

// IsCriticalCommunication reports whether err requires a global shutdown.
func IsCriticalCommunication(err error) bool {
	var c *CriticalCommunicationError
	return errors.As(err, &c)
}

// IsTransient checks if an error is retry-able.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var transientErr *TransientError
	if errors.As(err, &transientErr) {
		return true
	}

	var permanentErr *PermanentError
	if errors.As(err, &permanentErr) {
		return false
	}

	// Policy outcomes are never retried.
	if IsValidation(err) || IsPermissionDenied(err) || IsCriticalCommunication(err) {
		return false
	}

	if isNetworkError(err) {
		return true
	}

	if isSyscallError(err) {
		return true
	}

	return false
}

// IsPermanent checks if an error is non-retry-able.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}

	var permanentErr *PermanentError
	if errors.As(err, &permanentErr) {
		return true
	}

	var transientErr *TransientError
	if errors.As(err, &transientErr) {
		return false
	}

	errStr := strings.ToLower(err.Error())
	permanentPatterns := []string{
		"not found",
		"permission denied",
		"invalid",
		"unauthorized",
		"forbidden",
		"bad request",
		"unknown action",
	}
	for _, pattern := range permanentPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// IsDegraded checks if an error allows degraded service.
func IsDegraded(err error) bool {
	var degradedErr *DegradedError
	return errors.As(err, &degradedErr)
}

// GetErrorType classifies an error.
func GetErrorType(err error) ErrorType {
	if err == nil {
		return ErrorTypePermanent
	}
	if IsDegraded(err) {
		return ErrorTypeDegraded
	}
	if IsTransient(err) {
		return ErrorTypeTransient
	}
	// Default to permanent to avoid infinite retries.
	return ErrorTypePermanent
}

// Describe converts technical errors into the operator-readable sentence that
// handlers place in follow-up thought content.
func Describe(err error) string {
	if err == nil {
		return ""
	}

	var transientErr *TransientError
	if errors.As(err, &transientErr) && transientErr.Message != "" {
		return transientErr.Message
	}
	var permanentErr *PermanentError
	if errors.As(err, &permanentErr) && permanentErr.Message != "" {
		return permanentErr.Message
	}
	var degradedErr *DegradedError
	if errors.As(err, &degradedErr) && degradedErr.Message != "" {
		return degradedErr.Message
	}

	errStr := err.Error()
	lowerErr := strings.ToLower(errStr)

	switch {
	case strings.Contains(lowerErr, "circuit breaker open"):
		return "The provider is temporarily unavailable after repeated failures; it will be probed again after the cooldown."
	case strings.Contains(lowerErr, "connection refused"):
		return "A required service is not reachable. Check that the provider is running."
	case strings.Contains(lowerErr, "rate limit"):
		return "The provider rate limit was reached; the call will be retried with backoff."
	case strings.Contains(lowerErr, "timeout"), strings.Contains(lowerErr, "deadline exceeded"):
		return "The operation timed out before the provider answered."
	case strings.Contains(lowerErr, "permission denied"):
		return "The operation was denied by policy."
	case strings.Contains(lowerErr, "not found"):
		return "The requested resource does not exist."
	default:
		return errStr
	}
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary()
	}

	errStr := strings.ToLower(err.Error())
	networkPatterns := []string{
		"connection refused",
		"timeout",
		"deadline exceeded",
		"connection reset",
		"broken pipe",
		"rate limit",
		"temporarily unavailable",
	}
	for _, pattern := range networkPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

func isSyscallError(err error) bool {
	var syscallErr syscall.Errno
	if errors.As(err, &syscallErr) {
		switch syscallErr {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EPIPE,
			syscall.ETIMEDOUT, syscall.ENETUNREACH, syscall.EHOSTUNREACH:
			return true
		}
	}
	return false
}

// NewTransientError creates a transient error with a readable message.
func NewTransientError(err error, message string) *TransientError {
	return &TransientError{Err: err, Message: message}
}

// NewPermanentError creates a permanent error with a readable message.
func NewPermanentError(err error, message string) *PermanentError {
	return &PermanentError{Err: err, Message: message}
}

// NewDegradedError creates a degraded error with a readable message.
func NewDegradedError(err error, message string) *DegradedError {
	return &DegradedError{Err: err, Message: message}
}
