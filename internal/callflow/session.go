package callflow

import "time"

// CallSession represents one outbound call attempt. It is owned by the
// controller; all fields are mutated under the controller lock.
type CallSession struct {
	id          string
	number      string
	createdAt   time.Time
	connectedAt *time.Time
	rawState    RawState
	handle      SessionHandle

	// gen distinguishes this session from earlier ones so stale timer and
	// watcher callbacks become no-ops.
	gen uint64

	// finished marks that a terminal classification ran; recorded marks
	// that the outcome record was emitted. They diverge only when a late
	// early-signal recovery resurrects an ended session.
	finished bool
	recorded bool

	// done stops the provider watch goroutine.
	done chan struct{}
}

// elapsed is the time since the call attempt was created.
func (s *CallSession) elapsed(now time.Time) time.Duration {
	return now.Sub(s.createdAt)
}

// talkTime is the time since the call was answered, or zero if it never was.
func (s *CallSession) talkTime(now time.Time) time.Duration {
	if s.connectedAt == nil {
		return 0
	}
	return now.Sub(*s.connectedAt)
}

// Snapshot is the UI-facing view of the engine, served to the dialer client.
type Snapshot struct {
	State             UIState        `json:"state"`
	SessionID         string         `json:"session_id,omitempty"`
	Number            string         `json:"number,omitempty"`
	RawState          RawState       `json:"raw_state,omitempty"`
	Error             *CallError     `json:"error,omitempty"`
	Health            HealthSnapshot `json:"health"`
	ProviderConnected bool           `json:"provider_connected"`
	ReconnectAttempts int            `json:"reconnect_attempts"`
}
