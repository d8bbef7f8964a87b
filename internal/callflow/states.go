package callflow

// UIState is the call state the rest of the application observes. It is a
// deliberately small vocabulary compared to what the provider reports.
type UIState string

const (
	StateIdle      UIState = "idle"
	StateDialing   UIState = "dialing"
	StateRinging   UIState = "ringing"
	StateConnected UIState = "connected"
	StateVoicemail UIState = "voicemail"
	StateEnded     UIState = "ended"
)

// RawState is the provider's own vocabulary for session progress.
type RawState string

const (
	RawNew        RawState = "new"
	RawRequesting RawState = "requesting"
	RawTrying     RawState = "trying"
	RawEarly      RawState = "early"
	RawRinging    RawState = "ringing"
	RawAnswered   RawState = "answered"
	RawConnected  RawState = "connected"
	RawHangup     RawState = "hangup"
	RawDestroy    RawState = "destroy"
	RawFailed     RawState = "failed"
)

// Terminal reports whether the raw state ends the provider session.
func (r RawState) Terminal() bool {
	return r == RawHangup || r == RawDestroy || r == RawFailed
}

// rawToUI maps each provider raw state onto its UI-facing target state.
var rawToUI = map[RawState]UIState{
	RawNew:        StateDialing,
	RawRequesting: StateDialing,
	RawTrying:     StateDialing,
	RawEarly:      StateRinging,
	RawRinging:    StateRinging,
	RawAnswered:   StateConnected,
	RawConnected:  StateConnected,
	RawHangup:     StateEnded,
	RawDestroy:    StateEnded,
	RawFailed:     StateEnded,
}

// allowedTransitions is the legal UI state graph. The ended->ringing edge
// covers a late "early" signal from the provider racing a premature end.
var allowedTransitions = map[UIState][]UIState{
	StateIdle:      {StateDialing},
	StateDialing:   {StateRinging, StateEnded},
	StateRinging:   {StateConnected, StateVoicemail, StateEnded},
	StateConnected: {StateEnded},
	StateVoicemail: {StateEnded},
	StateEnded:     {StateIdle, StateRinging},
}

// IsValidTransition reports whether from -> to is an edge in the UI state graph.
func IsValidTransition(from, to UIState) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsConnecting reports whether the state is a pre-answer in-progress state.
func IsConnecting(s UIState) bool {
	return s == StateDialing || s == StateRinging
}

// MapProviderState maps a provider raw state onto a candidate UI transition
// given the current UI state. It returns shouldTransition=false with an
// explanatory reason for unknown raw states, no-op mappings, and mappings
// whose target would violate the transition graph. It never returns a target
// outside the graph.
func MapProviderState(raw RawState, current UIState) (shouldTransition bool, target UIState, reason string) {
	mapped, ok := rawToUI[raw]
	if !ok {
		return false, current, "unrecognized provider state " + string(raw)
	}
	if mapped == current {
		return false, current, "already in state " + string(current)
	}
	if !IsValidTransition(current, mapped) {
		return false, current, "transition " + string(current) + " -> " + string(mapped) + " not permitted"
	}
	return true, mapped, "provider reported " + string(raw)
}
