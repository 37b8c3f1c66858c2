package service

import (
	"errors"
	"fmt"
)

// ErrorKind classifies orchestration failures for callers that map them to
// transport-level responses.
type ErrorKind string

const (
	KindValidation            ErrorKind = "validation"
	KindNotFound              ErrorKind = "not_found"
	KindStateConflict         ErrorKind = "state_conflict"
	KindIdempotencyConflict   ErrorKind = "idempotency_conflict"
	KindIdempotencyInProgress ErrorKind = "idempotency_in_progress"
	KindProcessorDeclined     ErrorKind = "processor_declined"
	KindUnavailable           ErrorKind = "external_service_unavailable"
	KindInternal              ErrorKind = "internal"
)

// DomainError carries a stable machine-readable code. Messages never contain
// card data.
type DomainError struct {
	Kind    ErrorKind
	Code    string
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

func NewValidationError(code, format string, args ...interface{}) *DomainError {
	return &DomainError{Kind: KindValidation, Code: code, Message: fmt.Sprintf(format, args...)}
}

func NewStateConflictError(code, format string, args ...interface{}) *DomainError {
	return &DomainError{Kind: KindStateConflict, Code: code, Message: fmt.Sprintf(format, args...)}
}

var (
	ErrPaymentNotFound = &DomainError{Kind: KindNotFound, Code: "PAYMENT_NOT_FOUND", Message: "payment not found"}

	ErrIdempotencyConflict = &DomainError{
		Kind:    KindIdempotencyConflict,
		Code:    "IDEMPOTENCY_KEY_CONFLICT",
		Message: "idempotency key was already used with a different request body",
	}
	ErrIdempotencyInProgress = &DomainError{
		Kind:    KindIdempotencyInProgress,
		Code:    "IDEMPOTENCY_KEY_IN_PROGRESS",
		Message: "a request with this idempotency key is still being processed",
	}

	ErrPaymentCannotBeRefunded = &DomainError{
		Kind:    KindStateConflict,
		Code:    "PAYMENT_CANNOT_BE_REFUNDED",
		Message: "payment status does not allow refunds",
	}
	ErrPaymentCannotBeCancelled = &DomainError{
		Kind:    KindStateConflict,
		Code:    "PAYMENT_CANNOT_BE_CANCELLED",
		Message: "payment status does not allow cancellation",
	}
	ErrPaymentCannotBeCaptured = &DomainError{
		Kind:    KindStateConflict,
		Code:    "PAYMENT_CANNOT_BE_CAPTURED",
		Message: "payment status does not allow capture",
	}
)

// NewUnavailableError wraps processor-side exhaustion or an open breaker.
// The cause is preserved so operators can tell "processor is down" from
// "this call happened to fail".
func NewUnavailableError(err error) *DomainError {
	return &DomainError{
		Kind:    KindUnavailable,
		Code:    "EXTERNAL_SERVICE_UNAVAILABLE",
		Message: "card processor is unavailable, retry later",
		Err:     err,
	}
}

func NewProcessorDeclinedError(code, message string) *DomainError {
	if code == "" {
		code = "PROCESSOR_DECLINED"
	}
	return &DomainError{Kind: KindProcessorDeclined, Code: code, Message: message}
}

// KindOf extracts the ErrorKind from err, or KindInternal when err is not a
// DomainError.
func KindOf(err error) ErrorKind {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Kind
	}
	return KindInternal
}
