// Package errors provides structured error handling for v6ledger operations.
// It defines error codes, the typed errors that cross package boundaries, and
// helpers for classifying them into user-facing outcomes.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents different types of errors that can occur.
type ErrorCode string

const (
	// General errors.
	CodeUnknown       ErrorCode = "UNKNOWN"
	CodeValidation    ErrorCode = "VALIDATION"
	CodeConfiguration ErrorCode = "CONFIGURATION"
	CodeTimeout       ErrorCode = "TIMEOUT"
	CodeCanceled      ErrorCode = "CANCELED"
	CodeNotFound      ErrorCode = "NOT_FOUND"
	CodeConflict      ErrorCode = "CONFLICT"

	// Database errors.
	CodeDatabaseConnection ErrorCode = "DATABASE_CONNECTION"
	CodeDatabaseQuery      ErrorCode = "DATABASE_QUERY"
	CodeDatabaseMigration  ErrorCode = "DATABASE_MIGRATION"
	CodeDatabaseTimeout    ErrorCode = "DATABASE_TIMEOUT"

	// Reconciliation outcomes.
	CodeMissingFilterScope ErrorCode = "MISSING_FILTER_SCOPE"
	CodeEmptyCandidateSet  ErrorCode = "EMPTY_CANDIDATE_SET"
	CodeApplyRejected      ErrorCode = "APPLY_REJECTED"
	CodeResource           ErrorCode = "RESOURCE"
	CodeUnexpected         ErrorCode = "UNEXPECTED"
)

// DatabaseError represents database-related errors.
type DatabaseError struct {
	Code      ErrorCode
	Message   string
	Operation string
	Query     string
	Cause     error
	Context   map[string]interface{}
}

// Error implements the error interface.
func (e *DatabaseError) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("[%s] %s (operation: %s)", e.Code, e.Message, e.Operation)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *DatabaseError) Unwrap() error {
	return e.Cause
}

// WithQuery adds the SQL query that caused the error.
func (e *DatabaseError) WithQuery(query string) *DatabaseError {
	e.Query = query
	return e
}

// NewDatabaseError creates a new database error.
func NewDatabaseError(code ErrorCode, message string) *DatabaseError {
	return &DatabaseError{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// WrapDatabaseError wraps an existing error as a database error.
func WrapDatabaseError(code ErrorCode, message string, err error) *DatabaseError {
	return &DatabaseError{
		Code:    code,
		Message: message,
		Cause:   err,
		Context: make(map[string]interface{}),
	}
}

// ConfigError represents configuration-related errors.
type ConfigError struct {
	Code    ErrorCode
	Message string
	Field   string
	Value   interface{}
	Cause   error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("[%s] %s (field: %s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// NewConfigFieldError creates a configuration error for a specific field.
func NewConfigFieldError(code ErrorCode, message, field string, value interface{}) *ConfigError {
	return &ConfigError{
		Code:    code,
		Message: message,
		Field:   field,
		Value:   value,
	}
}

// ReconcileError is the only error type a reconciliation operation returns.
// Message is safe to show to API clients; Cause keeps the underlying storage
// error for logs.
type ReconcileError struct {
	Code      ErrorCode
	Message   string
	Operation string
	Stage     string
	Cause     error
}

// Error implements the error interface.
func (e *ReconcileError) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("[%s] %s (operation: %s)", e.Code, e.Message, e.Operation)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ReconcileError) Unwrap() error {
	return e.Cause
}

// WithOperation records which reconciliation kind failed.
func (e *ReconcileError) WithOperation(operation string) *ReconcileError {
	e.Operation = operation
	return e
}

// WithStage records the coordinator stage the failure happened in.
func (e *ReconcileError) WithStage(stage string) *ReconcileError {
	e.Stage = stage
	return e
}

// NewValidationError reports malformed input or an unknown target id.
func NewValidationError(message string) *ReconcileError {
	return &ReconcileError{Code: CodeValidation, Message: message}
}

// NewMissingFilterScope reports a request with neither country id nor ASN.
func NewMissingFilterScope() *ReconcileError {
	return &ReconcileError{
		Code:    CodeMissingFilterScope,
		Message: "at least one filter scope (countryId or asn) is required",
	}
}

// NewEmptyCandidateSet reports that staging produced no usable addresses.
func NewEmptyCandidateSet() *ReconcileError {
	return &ReconcileError{
		Code:    CodeEmptyCandidateSet,
		Message: "address list produced no usable candidates",
	}
}

// NewApplyRejected reports a business-rule violation raised while applying.
// The reason is returned to the caller verbatim.
func NewApplyRejected(reason string, cause error) *ReconcileError {
	return &ReconcileError{Code: CodeApplyRejected, Message: reason, Cause: cause}
}

// NewResourceError reports a connection, transaction or lock that could not be acquired.
func NewResourceError(message string, cause error) *ReconcileError {
	return &ReconcileError{Code: CodeResource, Message: message, Cause: cause}
}

// NewUnexpectedFault wraps anything else. The caller only sees a generic message.
func NewUnexpectedFault(cause error) *ReconcileError {
	return &ReconcileError{
		Code:    CodeUnexpected,
		Message: "internal error while reconciling addresses",
		Cause:   cause,
	}
}

// Utility functions for common error operations

// IsCode checks if an error has a specific error code.
func IsCode(err error, code ErrorCode) bool {
	return GetCode(err) == code
}

// GetCode extracts the error code from an error if it has one.
func GetCode(err error) ErrorCode {
	var reconcileErr *ReconcileError
	if stderrors.As(err, &reconcileErr) {
		return reconcileErr.Code
	}
	var dbErr *DatabaseError
	if stderrors.As(err, &dbErr) {
		return dbErr.Code
	}
	var cfgErr *ConfigError
	if stderrors.As(err, &cfgErr) {
		return cfgErr.Code
	}
	return CodeUnknown
}

// IsNotFound reports whether err denotes a missing resource.
func IsNotFound(err error) bool {
	return IsCode(err, CodeNotFound)
}

// IsConflict reports whether err denotes a uniqueness conflict.
func IsConflict(err error) bool {
	return IsCode(err, CodeConflict)
}

// IsRetryable determines if resubmitting the identical request may succeed.
func IsRetryable(err error) bool {
	switch GetCode(err) {
	case CodeTimeout, CodeResource, CodeDatabaseTimeout, CodeDatabaseConnection:
		return true
	default:
		return false
	}
}

// HTTPStatus maps an error to the status code returned by the API.
func HTTPStatus(err error) int {
	switch GetCode(err) {
	case CodeValidation, CodeMissingFilterScope, CodeEmptyCandidateSet:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeApplyRejected:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the message that may be shown to an API client.
func PublicMessage(err error) string {
	var reconcileErr *ReconcileError
	if stderrors.As(err, &reconcileErr) {
		return reconcileErr.Message
	}
	var dbErr *DatabaseError
	if stderrors.As(err, &dbErr) {
		return dbErr.Message
	}
	return "internal server error"
}

// Common error creation functions

// ErrDatabaseConnection creates an error for database connection failures.
func ErrDatabaseConnection(err error) *DatabaseError {
	return WrapDatabaseError(CodeDatabaseConnection, "Failed to connect to database", err)
}

// ErrConfigInvalid creates an error for invalid configuration.
func ErrConfigInvalid(field string, value interface{}) *ConfigError {
	return NewConfigFieldError(CodeValidation, "Invalid configuration value", field, value)
}

// ErrConfigMissing creates an error for missing required configuration.
func ErrConfigMissing(field string) *ConfigError {
	return NewConfigFieldError(CodeConfiguration, "Required configuration field missing", field, nil)
}
