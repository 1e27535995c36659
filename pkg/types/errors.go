package types

import (
	"errors"
	"fmt"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	ErrorTypeValidation     ErrorType = "validation"
	ErrorTypeAuthorization  ErrorType = "authorization"
	ErrorTypeAuthentication ErrorType = "authentication"
	ErrorTypeNotFound       ErrorType = "not_found"
	ErrorTypeIntegrity      ErrorType = "integrity"
	ErrorTypeInternal       ErrorType = "internal"
	ErrorTypeExternal       ErrorType = "external"
	ErrorTypeTimeout        ErrorType = "timeout"
)

// CustodyError represents a structured error in the custody service
type CustodyError struct {
	Type      ErrorType              `json:"type"`
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Retryable bool                   `json:"retryable"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Cause     error                  `json:"-"`
}

// Error implements the error interface
func (e *CustodyError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error
func (e *CustodyError) Unwrap() error {
	return e.Cause
}

// Is matches on error code so errors built with the constructors below
// compare equal to the package sentinels.
func (e *CustodyError) Is(target error) bool {
	t, ok := target.(*CustodyError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Error codes
const (
	ErrCodeInvalidInput        = "INVALID_INPUT"
	ErrCodeInvalidGrant        = "INVALID_OR_EXPIRED_GRANT"
	ErrCodeUnknownSection      = "UNKNOWN_SECTION"
	ErrCodeMalformedEntry      = "MALFORMED_ENTRY"
	ErrCodeCryptoIntegrity     = "CRYPTO_INTEGRITY_FAILURE"
	ErrCodeMalformedKey        = "MALFORMED_KEY"
	ErrCodeStorageUnavailable  = "STORAGE_UNAVAILABLE"
	ErrCodeDispatchFailed      = "DISPATCH_FAILED"
	ErrCodeForbidden           = "FORBIDDEN"
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeExternalUnavailable = "EXTERNAL_UNAVAILABLE"
	ErrCodeInternalError       = "INTERNAL_ERROR"
)

// Sentinels for errors.Is checks
var (
	ErrInvalidOrExpiredGrant = &CustodyError{Type: ErrorTypeAuthorization, Code: ErrCodeInvalidGrant, Message: "invalid or expired grant"}
	ErrUnknownSection        = &CustodyError{Type: ErrorTypeValidation, Code: ErrCodeUnknownSection, Message: "unknown section"}
	ErrMalformedEntry        = &CustodyError{Type: ErrorTypeValidation, Code: ErrCodeMalformedEntry, Message: "malformed entry"}
	ErrCryptoIntegrity       = &CustodyError{Type: ErrorTypeIntegrity, Code: ErrCodeCryptoIntegrity, Message: "envelope could not be opened"}
	ErrMalformedKey          = &CustodyError{Type: ErrorTypeValidation, Code: ErrCodeMalformedKey, Message: "malformed recipient key"}
	ErrStorageUnavailable    = &CustodyError{Type: ErrorTypeExternal, Code: ErrCodeStorageUnavailable, Message: "storage unavailable", Retryable: true}
	ErrDispatchFailed        = &CustodyError{Type: ErrorTypeExternal, Code: ErrCodeDispatchFailed, Message: "notification dispatch failed", Retryable: true}
	ErrForbidden             = &CustodyError{Type: ErrorTypeAuthorization, Code: ErrCodeForbidden, Message: "forbidden"}
	ErrNotFound              = &CustodyError{Type: ErrorTypeNotFound, Code: ErrCodeNotFound, Message: "not found"}
)

// NewValidationError creates a new validation error
func NewValidationError(code, message string, details map[string]interface{}) *CustodyError {
	return &CustodyError{
		Type:    ErrorTypeValidation,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// NewAuthorizationError creates a new authorization error
func NewAuthorizationError(code, message string) *CustodyError {
	return &CustodyError{
		Type:    ErrorTypeAuthorization,
		Code:    code,
		Message: message,
	}
}

// NewUnknownSectionError reports a section name outside the fixed enumeration
func NewUnknownSectionError(section string) *CustodyError {
	return &CustodyError{
		Type:    ErrorTypeValidation,
		Code:    ErrCodeUnknownSection,
		Message: fmt.Sprintf("section %q does not exist", section),
		Details: map[string]interface{}{"section": section},
	}
}

// NewStorageError wraps a failing persistence or grant-store call
func NewStorageError(message string, cause error) *CustodyError {
	return &CustodyError{
		Type:      ErrorTypeExternal,
		Code:      ErrCodeStorageUnavailable,
		Message:   message,
		Retryable: true,
		Cause:     cause,
	}
}

// NewExternalError wraps a failing call to a collaborator other than storage
func NewExternalError(code, message string, cause error) *CustodyError {
	return &CustodyError{
		Type:      ErrorTypeExternal,
		Code:      code,
		Message:   message,
		Retryable: true,
		Cause:     cause,
	}
}

// NewInternalError creates a new internal error
func NewInternalError(code, message string, cause error) *CustodyError {
	return &CustodyError{
		Type:    ErrorTypeInternal,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// Retryable reports whether the caller may retry the same request later.
func Retryable(err error) bool {
	var ce *CustodyError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}
