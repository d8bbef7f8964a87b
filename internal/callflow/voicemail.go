package callflow

import "time"

// Confidence points per signal. The threshold requires at least one
// high-confidence structural signal; short duration alone can never push a
// call over the line.
const (
	pointsProviderIndicated = 8
	pointsMachineAnswer     = 6
	pointsVoicemailHeader   = 7
	pointsMultipleLegs      = 2
	pointsShortAnswer       = 1

	// VoicemailThreshold is the minimum confidence for a voicemail verdict.
	VoicemailThreshold = 6
)

// shortAnswerWindow is the answer duration below which an extra point is
// added, but only when some other signal already contributed.
const shortAnswerWindow = 2 * time.Second

// VoicemailSignals are the provider-reported indicators evaluated when a
// session reaches the answered state.
type VoicemailSignals struct {
	// ProviderIndicated is the provider's explicit voicemail flag.
	ProviderIndicated bool
	// MachineAnswer is set when the provider ran machine-answer detection.
	MachineAnswer bool
	// VoicemailHeader is set when voicemail-related signaling headers or
	// metadata were present on the session.
	VoicemailHeader bool
	// Legs is the number of session legs the provider reported.
	Legs int
	// AnswerDelay is how quickly the call was answered.
	AnswerDelay time.Duration
}

// VoicemailDetector classifies an answered call as human-connected or
// voicemail using an additive confidence score.
type VoicemailDetector struct {
	threshold int
}

// NewVoicemailDetector creates a detector with the default threshold.
func NewVoicemailDetector() *VoicemailDetector {
	return &VoicemailDetector{threshold: VoicemailThreshold}
}

// Confidence computes the additive score for the given signals. Adding a
// signal never decreases the result.
func (d *VoicemailDetector) Confidence(s VoicemailSignals) int {
	score := 0
	if s.ProviderIndicated {
		score += pointsProviderIndicated
	}
	if s.MachineAnswer {
		score += pointsMachineAnswer
	}
	if s.VoicemailHeader {
		score += pointsVoicemailHeader
	}
	if s.Legs > 1 {
		score += pointsMultipleLegs
	}
	// Duration only ever corroborates an existing signal.
	if s.AnswerDelay > 0 && s.AnswerDelay < shortAnswerWindow && score > 0 {
		score += pointsShortAnswer
	}
	return score
}

// Detect returns true when the signals score at or above the threshold.
// With no signals at all the score is zero and the call is human-connected.
func (d *VoicemailDetector) Detect(s VoicemailSignals) bool {
	return d.Confidence(s) >= d.threshold
}
