// Package errors provides the unified error type for the authentication
// engine. It implements structured errors with machine-readable codes,
// HTTP status mapping, and constructors for the failure classes the
// engine distinguishes: validation, not-found, authentication, conflict,
// provider, configuration, and internal failures.
package errors

import (
	"fmt"
	"net/http"
)

// AppError is the unified application error type.
type AppError struct {
	// Code is a machine-readable error code.
	Code ErrorCode `json:"code"`
	// Message is a human-readable error message.
	Message string `json:"message"`
	// HTTPStatus is the recommended HTTP status code for this error.
	HTTPStatus int `json:"-"`
	// Details contains additional context for the error.
	Details map[string]any `json:"details,omitempty"`
	// Cause is the underlying error that caused this error.
	Cause error `json:"-"`
}

// Error returns the string representation of the error.
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause of the error.
func (e *AppError) Unwrap() error { return e.Cause }

// WithCause sets the underlying cause of the error and returns the receiver.
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// WithDetail sets a single detail key-value pair and returns the receiver.
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithDetails merges the provided details into the error and returns the receiver.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

// New creates a new AppError.
func New(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: httpStatus}
}

// --- Validation ---

// Validation creates a new AppError for invalid input.
func Validation(message string) *AppError {
	return &AppError{
		Code: ErrCodeInvalidInput, Message: message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// MissingField creates a new AppError for a missing required field.
func MissingField(field string) *AppError {
	return &AppError{
		Code: ErrCodeMissingField, Message: fmt.Sprintf("Missing required field: %s", field),
		HTTPStatus: http.StatusBadRequest,
		Details:    map[string]any{"field": field},
	}
}

// --- Resources ---

// NotFound creates a new AppError for a resource that was not found.
func NotFound(resource, id string) *AppError {
	details := map[string]any{"resource": resource}
	if id != "" {
		details["id"] = id
	}
	return &AppError{
		Code: ErrCodeNotFound, Message: fmt.Sprintf("The requested %s was not found.", resource),
		HTTPStatus: http.StatusNotFound, Details: details,
	}
}

// AlreadyExists creates a new AppError for a resource that already exists.
func AlreadyExists(resource string) *AppError {
	return &AppError{
		Code: ErrCodeAlreadyExists, Message: fmt.Sprintf("A %s with these details already exists.", resource),
		HTTPStatus: http.StatusConflict,
		Details:    map[string]any{"resource": resource},
	}
}

// Conflict creates a new AppError for a conflict with the current state of the resource.
func Conflict(reason string) *AppError {
	return &AppError{
		Code: ErrCodeConflict, Message: reason,
		HTTPStatus: http.StatusConflict,
	}
}

// --- Authentication ---

// Unauthorized creates a new AppError for a missing or invalid session.
func Unauthorized(reason string) *AppError {
	if reason == "" {
		reason = "Authentication required."
	}
	return &AppError{
		Code: ErrCodeUnauthorized, Message: reason,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// TokenExpired creates a new AppError for an expired token.
func TokenExpired() *AppError {
	return &AppError{
		Code: ErrCodeTokenExpired, Message: "Your session has expired. Please log in again.",
		HTTPStatus: http.StatusUnauthorized,
	}
}

// InvalidToken creates a new AppError for an invalid token.
func InvalidToken() *AppError {
	return &AppError{
		Code: ErrCodeInvalidToken, Message: "Invalid authentication token. Please log in again.",
		HTTPStatus: http.StatusUnauthorized,
	}
}

// --- Engine registry ---

// DuplicatePlugin creates a new AppError for a plugin name that is already registered.
func DuplicatePlugin(name string) *AppError {
	return &AppError{
		Code: ErrCodeDuplicatePlugin, Message: fmt.Sprintf("Plugin %q is already registered.", name),
		HTTPStatus: http.StatusConflict,
		Details:    map[string]any{"plugin": name},
	}
}

// PluginNotFound creates a new AppError for an unknown plugin name.
func PluginNotFound(name string) *AppError {
	return &AppError{
		Code: ErrCodePluginNotFound, Message: fmt.Sprintf("Plugin %q is not registered.", name),
		HTTPStatus: http.StatusNotFound,
		Details:    map[string]any{"plugin": name},
	}
}

// StepNotFound creates a new AppError for an unknown step within a plugin.
func StepNotFound(plugin, step string) *AppError {
	return &AppError{
		Code: ErrCodeStepNotFound, Message: fmt.Sprintf("Plugin %q has no step %q.", plugin, step),
		HTTPStatus: http.StatusNotFound,
		Details:    map[string]any{"plugin": plugin, "step": step},
	}
}

// ResolverAlreadyRegistered creates a new AppError for a duplicate session
// resolver registration for the same subject type.
func ResolverAlreadyRegistered(subjectType string) *AppError {
	return &AppError{
		Code: ErrCodeConfiguration, Message: fmt.Sprintf("A session resolver for subject type %q is already registered.", subjectType),
		HTTPStatus: http.StatusInternalServerError,
		Details:    map[string]any{"subject_type": subjectType},
	}
}

// --- Provider / configuration / internal ---

// Provider creates a new AppError for a failure against an external OAuth provider.
func Provider(provider, operation string, cause error) *AppError {
	return &AppError{
		Code: ErrCodeProvider, Message: fmt.Sprintf("The %s provider failed during %s.", provider, operation),
		HTTPStatus: http.StatusBadGateway,
		Details:    map[string]any{"provider": provider, "operation": operation},
		Cause:      cause,
	}
}

// Configuration creates a new AppError for a misconfigured plugin or provider.
// Configuration errors abort engine construction.
func Configuration(message string) *AppError {
	return &AppError{
		Code: ErrCodeConfiguration, Message: message,
		HTTPStatus: http.StatusInternalServerError,
	}
}

// Internal creates a new AppError for an unexpected failure during step execution.
func Internal(cause error) *AppError {
	return &AppError{
		Code: ErrCodeInternal, Message: "An unexpected error occurred. Please try again or contact support.",
		HTTPStatus: http.StatusInternalServerError, Cause: cause,
	}
}

// DatabaseError creates a new AppError for a data-access failure.
func DatabaseError(cause error) *AppError {
	return &AppError{
		Code: ErrCodeDatabase, Message: "A database error occurred. Please try again.",
		HTTPStatus: http.StatusInternalServerError, Cause: cause,
	}
}
