package callflow

import "errors"

// ErrorCategory classifies user-visible call-flow errors. Categories drive
// the propagation policy: some are terminal for the connection, some only
// end the current call.
type ErrorCategory string

const (
	ErrorAuthenticationFailure ErrorCategory = "authentication_failure"
	ErrorNetworkFailure        ErrorCategory = "network_failure"
	ErrorInvalidConfiguration  ErrorCategory = "invalid_configuration"
	ErrorMicrophoneUnavailable ErrorCategory = "microphone_unavailable"
	ErrorInvalidNumber         ErrorCategory = "invalid_number"
	ErrorBusy                  ErrorCategory = "busy"
	ErrorNoAnswer              ErrorCategory = "no_answer"
	ErrorRejected              ErrorCategory = "rejected"
	ErrorTimeout               ErrorCategory = "timeout"
	ErrorProviderInternal      ErrorCategory = "provider_internal_error"
)

// RequiresUserAction reports whether the category is terminal for the
// connection and must not be auto-retried.
func (c ErrorCategory) RequiresUserAction() bool {
	return c == ErrorAuthenticationFailure || c == ErrorInvalidConfiguration
}

// PerCall reports whether the category terminates only the current call
// session and surfaces as a one-shot message rather than a persistent error.
func (c ErrorCategory) PerCall() bool {
	switch c {
	case ErrorInvalidNumber, ErrorBusy, ErrorNoAnswer, ErrorRejected, ErrorTimeout:
		return true
	}
	return false
}

// CallError is a categorized, user-visible call-flow error.
type CallError struct {
	Category ErrorCategory `json:"category"`
	Message  string        `json:"message"`
}

// NewCallError creates a categorized error.
func NewCallError(category ErrorCategory, message string) *CallError {
	return &CallError{Category: category, Message: message}
}

// Error implements the error interface.
func (e *CallError) Error() string {
	return string(e.Category) + ": " + e.Message
}

// ErrCallInProgress is returned when PlaceCall is invoked while a session is
// still active. Concurrent calls are rejected, not queued.
var ErrCallInProgress = errors.New("a call is already in progress")

// ErrNoActiveCall is returned by operations that need a live session, such
// as sending DTMF.
var ErrNoActiveCall = errors.New("no active call")
