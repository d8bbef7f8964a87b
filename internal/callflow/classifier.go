package callflow

import "time"

// Outcome is the final classification of a finished call.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeVoicemail Outcome = "voicemail"
)

// Failure reason tags attached to classified failures. These are surfaced
// verbatim to the UI and stored on the call record.
const (
	ReasonNotReachable       = "not reachable"
	ReasonInvalidNumber      = "invalid or unreachable number"
	ReasonNumberNotReachable = "number not reachable"
	ReasonNoAnswer           = "no answer"
	ReasonRejected           = "rejected by remote party"
	ReasonCallFailed         = "call failed"
	ReasonFailedToReconnect  = "failed to reconnect"
)

// Diagnostic tags for voicemail outcomes. They never change the outcome.
const (
	DiagLeftMessage    = "left a message"
	DiagHungUpGreeting = "hung up during greeting"
)

// voicemailMessageMin separates a deposited message from a hang-up during
// the greeting, for diagnostics only.
const voicemailMessageMin = 15 * time.Second

// Classification is the result of terminal-state classification.
type Classification struct {
	Outcome Outcome
	Reason  string
	// Immediate is set when the failure must surface without waiting for
	// the ended-state settle delay.
	Immediate bool
	// DiagTag carries voicemail diagnostics (message vs. greeting hang-up).
	DiagTag string
}

// ClassifyTermination decides, from the terminal raw state, the UI state at
// termination and the elapsed call duration, whether the call succeeded or
// which failure it was. Rules are evaluated in order; the first match wins.
func ClassifyTermination(raw RawState, ui UIState, duration time.Duration) Classification {
	switch {
	case raw == RawFailed && ui == StateDialing && duration < 3*time.Second:
		// Provider rejected the attempt outright. Surface immediately,
		// skipping the settle delay.
		return Classification{Outcome: OutcomeFailed, Reason: ReasonNotReachable, Immediate: true}
	case duration < time.Second:
		return Classification{Outcome: OutcomeFailed, Reason: ReasonInvalidNumber}
	case ui == StateDialing && duration < 3*time.Second:
		return Classification{Outcome: OutcomeFailed, Reason: ReasonNumberNotReachable}
	case ui == StateRinging && duration < 3*time.Second:
		return Classification{Outcome: OutcomeFailed, Reason: ReasonNoAnswer}
	case ui == StateRinging && duration < 10*time.Second:
		return Classification{Outcome: OutcomeFailed, Reason: ReasonRejected}
	default:
		return Classification{Outcome: OutcomeCompleted}
	}
}

// ClassifyVoicemail builds the voicemail classification, which takes
// precedence over ClassifyTermination when the call ended from the voicemail
// state. Talk time only picks the diagnostic tag.
func ClassifyVoicemail(talkTime time.Duration) Classification {
	tag := DiagHungUpGreeting
	if talkTime >= voicemailMessageMin {
		tag = DiagLeftMessage
	}
	return Classification{Outcome: OutcomeVoicemail, DiagTag: tag}
}
