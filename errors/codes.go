package errors

// ErrorCode represents a machine-readable error code.
type ErrorCode string

// Validation errors
const (
	// ErrCodeInvalidInput indicates the input is invalid.
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	// ErrCodeMissingField indicates a required field is missing.
	ErrCodeMissingField ErrorCode = "MISSING_FIELD"
)

// Resource errors
const (
	// ErrCodeNotFound indicates the requested resource was not found.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"
	// ErrCodeAlreadyExists indicates the resource already exists.
	ErrCodeAlreadyExists ErrorCode = "ALREADY_EXISTS"
	// ErrCodeConflict indicates a conflict with the current state of the resource.
	ErrCodeConflict ErrorCode = "CONFLICT"
)

// Authentication errors
const (
	// ErrCodeUnauthorized indicates the request lacks a valid session.
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	// ErrCodeTokenExpired indicates the token has expired.
	ErrCodeTokenExpired ErrorCode = "TOKEN_EXPIRED"
	// ErrCodeInvalidToken indicates the token is invalid.
	ErrCodeInvalidToken ErrorCode = "INVALID_TOKEN"
)

// Engine registry errors
const (
	// ErrCodeDuplicatePlugin indicates a plugin name collision at registration.
	ErrCodeDuplicatePlugin ErrorCode = "DUPLICATE_PLUGIN"
	// ErrCodePluginNotFound indicates an unknown plugin name.
	ErrCodePluginNotFound ErrorCode = "PLUGIN_NOT_FOUND"
	// ErrCodeStepNotFound indicates an unknown step within a plugin.
	ErrCodeStepNotFound ErrorCode = "STEP_NOT_FOUND"
)

// Provider / configuration / internal errors
const (
	// ErrCodeProvider indicates a token exchange or profile fetch failed
	// against an external OAuth provider.
	ErrCodeProvider ErrorCode = "PROVIDER_ERROR"
	// ErrCodeConfiguration indicates a misconfigured plugin or provider.
	ErrCodeConfiguration ErrorCode = "CONFIGURATION_ERROR"
	// ErrCodeInternal indicates an unexpected internal failure.
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
	// ErrCodeDatabase indicates a data-access failure.
	ErrCodeDatabase ErrorCode = "DATABASE_ERROR"
)

// IsCode reports whether err is an *AppError with the given code.
func IsCode(err error, code ErrorCode) bool {
	appErr, ok := err.(*AppError)
	return ok && appErr.Code == code
}
