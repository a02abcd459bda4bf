package domain

import (
	"errors"
	"fmt"
)

// ErrorCode represents a machine-readable error code
type ErrorCode string

const (
	// Input / caller errors
	ErrorCodeValidation   ErrorCode = "VALIDATION"
	ErrorCodeUnauthorized ErrorCode = "UNAUTHORIZED"

	// Processor outcomes
	ErrorCodeProcessorDeclined    ErrorCode = "PROCESSOR_DECLINED"
	ErrorCodeProcessorUnavailable ErrorCode = "PROCESSOR_UNAVAILABLE"
	ErrorCodeDuplicate            ErrorCode = "DUPLICATE"
	ErrorCodeIndeterminate        ErrorCode = "INDETERMINATE"

	// Refund conflicts
	ErrorCodeAlreadyRefunded         ErrorCode = "ALREADY_REFUNDED"
	ErrorCodeRefundAlreadyPending    ErrorCode = "REFUND_ALREADY_PENDING"
	ErrorCodeAmountExceedsRefundable ErrorCode = "AMOUNT_EXCEEDS_REFUNDABLE"
	ErrorCodeAlreadyProcessed        ErrorCode = "ALREADY_PROCESSED"

	// Lookup failures
	ErrorCodePaymentNotFound ErrorCode = "PAYMENT_NOT_FOUND"
	ErrorCodeRefundNotFound  ErrorCode = "REFUND_NOT_FOUND"

	// Configuration registry
	ErrorCodeConfigurationError ErrorCode = "CONFIGURATION_ERROR"

	// Internal
	ErrorCodeInternal ErrorCode = "INTERNAL_ERROR"
)

// DomainError represents a structured error with a canonical code and context
type DomainError struct {
	Err     error
	Details map[string]interface{}
	Code    ErrorCode
	Message string
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *DomainError) Unwrap() error {
	return e.Err
}

// WithDetail returns a copy of the error with an added detail field. Copying
// keeps the shared sentinel instances immutable.
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	details := make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		details[k] = v
	}
	details[key] = value
	return &DomainError{
		Err:     e.Err,
		Details: details,
		Code:    e.Code,
		Message: e.Message,
	}
}

// Detail returns a string detail field, or "" when absent
func (e *DomainError) Detail(key string) string {
	if e.Details == nil {
		return ""
	}
	if v, ok := e.Details[key].(string); ok {
		return v
	}
	return ""
}

// NewDomainError creates a new domain error
func NewDomainError(code ErrorCode, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with a domain error code
func WrapError(code ErrorCode, message string, err error) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Err:     err,
	}
}

// IsDomainError checks if an error is a DomainError with the given code
func IsDomainError(err error, code ErrorCode) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Code == code
	}
	return false
}

// GetErrorCode extracts the error code from an error, returns empty string if not a DomainError
func GetErrorCode(err error) ErrorCode {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Code
	}
	return ""
}

// AsDomainError extracts the DomainError from an error chain, wrapping
// unclassified errors as INTERNAL_ERROR so handlers always see a code.
func AsDomainError(err error) *DomainError {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}
	return WrapError(ErrorCodeInternal, "internal error", err)
}

// IsNotFoundError checks if an error represents a "not found" condition
func IsNotFoundError(err error) bool {
	code := GetErrorCode(err)
	return code == ErrorCodePaymentNotFound || code == ErrorCodeRefundNotFound
}

// IsRefundConflict checks if an error is a refund state conflict
func IsRefundConflict(err error) bool {
	code := GetErrorCode(err)
	return code == ErrorCodeAlreadyRefunded ||
		code == ErrorCodeRefundAlreadyPending ||
		code == ErrorCodeAmountExceedsRefundable ||
		code == ErrorCodeAlreadyProcessed
}

// Structured error instances
var (
	ErrValidation   = NewDomainError(ErrorCodeValidation, "validation failed")
	ErrUnauthorized = NewDomainError(ErrorCodeUnauthorized, "caller is not allowed to perform this operation")

	ErrProcessorDeclined    = NewDomainError(ErrorCodeProcessorDeclined, "payment declined by processor")
	ErrProcessorUnavailable = NewDomainError(ErrorCodeProcessorUnavailable, "payment processor unavailable")
	ErrIndeterminate        = NewDomainError(ErrorCodeIndeterminate, "processor call outcome unknown, reconciliation required")

	ErrAlreadyRefunded         = NewDomainError(ErrorCodeAlreadyRefunded, "payment is already fully refunded")
	ErrRefundAlreadyPending    = NewDomainError(ErrorCodeRefundAlreadyPending, "a pending refund already covers the remaining balance")
	ErrAmountExceedsRefundable = NewDomainError(ErrorCodeAmountExceedsRefundable, "refund amount exceeds refundable balance")
	ErrAlreadyProcessed        = NewDomainError(ErrorCodeAlreadyProcessed, "refund was already processed")

	ErrPaymentNotFound = NewDomainError(ErrorCodePaymentNotFound, "payment not found")
	ErrRefundNotFound  = NewDomainError(ErrorCodeRefundNotFound, "refund not found")

	ErrConfigurationError = NewDomainError(ErrorCodeConfigurationError, "no usable processor configuration")
)
