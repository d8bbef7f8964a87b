package callflow

// HealthSnapshot is a diagnostic view of UI/provider state agreement. It is
// for development tooling and observability; nothing in the control flow
// depends on it.
type HealthSnapshot struct {
	Healthy bool     `json:"healthy"`
	Score   int      `json:"score"`
	Issues  []string `json:"issues"`
}

// healthyFloor is the minimum score considered healthy.
const healthyFloor = 70

// CallFlowHealthMonitor scores mismatches between the UI state, the
// provider's raw state and the connection machinery.
type CallFlowHealthMonitor struct{}

// NewHealthMonitor creates a health monitor.
func NewHealthMonitor() *CallFlowHealthMonitor {
	return &CallFlowHealthMonitor{}
}

// Evaluate scores the current engine state. 100 is perfect agreement; each
// detected mismatch deducts points and contributes an issue string.
func (m *CallFlowHealthMonitor) Evaluate(
	ui UIState,
	raw RawState,
	hasSession bool,
	reconnectAttempts int,
	reconnectExhausted bool,
) HealthSnapshot {
	score := 100
	issues := []string{}

	if ui != StateIdle && !hasSession {
		score -= 30
		issues = append(issues, "call state "+string(ui)+" with no active session")
	}
	if ui == StateIdle && hasSession {
		score -= 20
		issues = append(issues, "active session while call state is idle")
	}
	if hasSession && raw.Terminal() && ui != StateEnded && ui != StateIdle {
		score -= 25
		issues = append(issues, "provider session ended but call state is "+string(ui))
	}
	if hasSession && (ui == StateConnected || ui == StateVoicemail) &&
		raw != RawAnswered && raw != RawConnected && !raw.Terminal() {
		score -= 25
		issues = append(issues, "call state "+string(ui)+" but provider reports "+string(raw))
	}
	if reconnectAttempts > 0 {
		penalty := reconnectAttempts * 10
		if penalty > 30 {
			penalty = 30
		}
		score -= penalty
		issues = append(issues, "provider connection unstable")
	}
	if reconnectExhausted {
		score -= 50
		issues = append(issues, "reconnection attempts exhausted")
	}

	if score < 0 {
		score = 0
	}

	return HealthSnapshot{
		Healthy: score >= healthyFloor && len(issues) == 0,
		Score:   score,
		Issues:  issues,
	}
}
