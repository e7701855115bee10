package oauth

import "fmt"

// Logical statuses for OAuth flow outcomes. Steps translate them to
// HTTP codes through their status maps.
const (
	StatusSuccess            = "su"
	StatusProviderNotFound   = "provider_not_found"
	StatusInvalidState       = "invalid_state"
	StatusSessionNotFound    = "session_not_found"
	StatusSessionExpired     = "session_expired"
	StatusConnectionNotFound = "connection_not_found"
	StatusExchangeFailed     = "token_exchange_failed"
	StatusConflict           = "conflict"
)

// FlowError is an expected OAuth flow failure carrying the logical
// status a step should report. It is distinct from infrastructure
// errors: a FlowError means the handshake went wrong in a way the
// protocol anticipates, not that the engine is broken.
type FlowError struct {
	Status  string
	Message string
	Cause   error
}

func (e *FlowError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("oauth: %s: %s (cause: %v)", e.Status, e.Message, e.Cause)
	}
	return fmt.Sprintf("oauth: %s: %s", e.Status, e.Message)
}

// Unwrap returns the underlying cause.
func (e *FlowError) Unwrap() error { return e.Cause }

func flowErr(status, message string) *FlowError {
	return &FlowError{Status: status, Message: message}
}

func flowErrCause(status, message string, cause error) *FlowError {
	return &FlowError{Status: status, Message: message, Cause: cause}
}
