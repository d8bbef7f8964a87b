package callflow

import "testing"

func TestHealthMonitor_Evaluate(t *testing.T) {
	m := NewHealthMonitor()

	tests := []struct {
		name      string
		ui        UIState
		raw       RawState
		session   bool
		attempts  int
		exhausted bool
		healthy   bool
		minScore  int
		maxScore  int
	}{
		{"idle and quiet", StateIdle, "", false, 0, false, true, 100, 100},
		{"normal connected call", StateConnected, RawConnected, true, 0, false, true, 100, 100},
		{"ui state without session", StateRinging, RawRinging, false, 0, false, false, 70, 70},
		{"session lingers while idle", StateIdle, RawHangup, true, 0, false, false, 80, 80},
		{"provider ended but ui lags", StateConnected, RawHangup, true, 0, false, false, 75, 75},
		{"connected before answer", StateConnected, RawRinging, true, 0, false, false, 75, 75},
		{"reconnect flapping", StateIdle, "", false, 2, false, false, 80, 80},
		{"reconnect penalty capped", StateIdle, "", false, 9, false, false, 70, 70},
		{"exhausted reconnect", StateIdle, "", false, 5, true, false, 20, 20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := m.Evaluate(tt.ui, tt.raw, tt.session, tt.attempts, tt.exhausted)
			if got.Healthy != tt.healthy {
				t.Errorf("Healthy = %v, want %v (issues %v)", got.Healthy, tt.healthy, got.Issues)
			}
			if got.Score < tt.minScore || got.Score > tt.maxScore {
				t.Errorf("Score = %d, want in [%d, %d]", got.Score, tt.minScore, tt.maxScore)
			}
			if tt.healthy && len(got.Issues) != 0 {
				t.Errorf("healthy snapshot carries issues: %v", got.Issues)
			}
			if !tt.healthy && len(got.Issues) == 0 {
				t.Error("unhealthy snapshot carries no issues")
			}
		})
	}
}

func TestHealthMonitor_ScoreNeverNegative(t *testing.T) {
	m := NewHealthMonitor()
	got := m.Evaluate(StateConnected, RawHangup, false, 10, true)
	if got.Score < 0 {
		t.Errorf("Score = %d, want >= 0", got.Score)
	}
}
