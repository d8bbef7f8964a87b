package callflow

import (
	"context"
	"time"
)

// ProviderClient is the telephony provider connection the engine drives.
// Implementations own signaling; the engine only ever sees raw states.
type ProviderClient interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Connected() bool
	// CreateSession starts an outbound call attempt. The returned handle is
	// exclusively owned by the call session controller until released.
	CreateSession(ctx context.Context, number, callerID string) (SessionHandle, error)
}

// SessionHandle is a provider-owned call session. RawState is the stable,
// latest-known state source; Notify signals that it may have changed, so
// readers always re-read RawState rather than trusting event ordering.
type SessionHandle interface {
	ID() string
	RawState() RawState
	// Notify returns a channel that receives a tick whenever the session
	// state may have advanced. The channel is closed when the session is
	// destroyed on the provider side.
	Notify() <-chan struct{}
	// Signals returns the provider-reported voicemail indicators gathered
	// so far. Safe to call at any point in the session lifetime.
	Signals() VoicemailSignals
	Hangup() error
	SendDTMF(digit rune) error
	// Release frees provider-side resources. Idempotent.
	Release()
}

// OutcomeRecord is the immutable result of a finished call, produced exactly
// once per session.
type OutcomeRecord struct {
	SessionID     string
	UserID        int64
	Number        string
	StartedAt     time.Time
	Duration      int // seconds
	Outcome       Outcome
	FailureReason string
	DiagTag       string
}

// OutcomeRecorder persists finished calls. The engine calls it
// fire-and-forget; implementations must not block the call flow and do their
// own bounded retrying.
type OutcomeRecorder interface {
	RecordCallOutcome(ctx context.Context, rec OutcomeRecord) error
}

// StateListener receives UI-facing updates from the engine. Callbacks are
// invoked outside the engine lock and must return promptly.
type StateListener interface {
	OnCallState(state UIState)
	OnCallError(err *CallError)
}

// AudioGateway answers whether microphone capture is currently available.
type AudioGateway interface {
	RequestMicrophoneAccess() (granted bool, errorKind string)
}
