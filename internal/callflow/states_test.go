package callflow

import "testing"

func TestMapProviderState_Table(t *testing.T) {
	tests := []struct {
		name    string
		raw     RawState
		current UIState
		want    bool
		target  UIState
	}{
		{"new from idle", RawNew, StateIdle, true, StateDialing},
		{"requesting from idle", RawRequesting, StateIdle, true, StateDialing},
		{"trying while dialing is noop", RawTrying, StateDialing, false, StateDialing},
		{"early from dialing", RawEarly, StateDialing, true, StateRinging},
		{"ringing from dialing", RawRinging, StateDialing, true, StateRinging},
		{"answered from ringing", RawAnswered, StateRinging, true, StateConnected},
		{"connected while connected is noop", RawConnected, StateConnected, false, StateConnected},
		{"hangup from connected", RawHangup, StateConnected, true, StateEnded},
		{"destroy from ringing", RawDestroy, StateRinging, true, StateEnded},
		{"failed from dialing", RawFailed, StateDialing, true, StateEnded},
		{"late early during settle recovers ringing", RawEarly, StateEnded, true, StateRinging},
		// Skipping states is rejected even when the mapping table has a target.
		{"answered from idle rejected", RawAnswered, StateIdle, false, StateIdle},
		{"answered from dialing rejected", RawAnswered, StateDialing, false, StateDialing},
		{"hangup from idle rejected", RawHangup, StateIdle, false, StateIdle},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			should, target, reason := MapProviderState(tt.raw, tt.current)
			if should != tt.want {
				t.Errorf("shouldTransition = %v, want %v (reason %q)", should, tt.want, reason)
			}
			if target != tt.target {
				t.Errorf("target = %q, want %q", target, tt.target)
			}
			if reason == "" {
				t.Error("reason must never be empty")
			}
		})
	}
}

func TestMapProviderState_UnknownRawIsNoop(t *testing.T) {
	for _, current := range []UIState{StateIdle, StateDialing, StateRinging, StateConnected, StateVoicemail, StateEnded} {
		should, target, reason := MapProviderState(RawState("recovering"), current)
		if should {
			t.Errorf("unknown raw state must not transition (current %s)", current)
		}
		if target != current {
			t.Errorf("unknown raw state changed target: %s -> %s", current, target)
		}
		if reason == "" {
			t.Error("unknown raw state must carry a reason")
		}
	}
}

// Every (raw, current) pair must either stay put or move along a graph edge.
func TestMapProviderState_NeverViolatesGraph(t *testing.T) {
	raws := []RawState{
		RawNew, RawRequesting, RawTrying, RawEarly, RawRinging,
		RawAnswered, RawConnected, RawHangup, RawDestroy, RawFailed,
		RawState("bogus"),
	}
	states := []UIState{StateIdle, StateDialing, StateRinging, StateConnected, StateVoicemail, StateEnded}

	for _, raw := range raws {
		for _, current := range states {
			should, target, _ := MapProviderState(raw, current)
			if !should && target != current {
				t.Errorf("(%s, %s): no transition but target %s differs from current", raw, current, target)
			}
			if should && !IsValidTransition(current, target) {
				t.Errorf("(%s, %s): transition to %s violates the graph", raw, current, target)
			}
		}
	}
}

func TestIsValidTransition(t *testing.T) {
	valid := []struct{ from, to UIState }{
		{StateIdle, StateDialing},
		{StateDialing, StateRinging},
		{StateDialing, StateEnded},
		{StateRinging, StateConnected},
		{StateRinging, StateVoicemail},
		{StateRinging, StateEnded},
		{StateConnected, StateEnded},
		{StateVoicemail, StateEnded},
		{StateEnded, StateIdle},
		{StateEnded, StateRinging},
	}
	for _, tr := range valid {
		if !IsValidTransition(tr.from, tr.to) {
			t.Errorf("%s -> %s should be valid", tr.from, tr.to)
		}
	}

	invalid := []struct{ from, to UIState }{
		{StateIdle, StateConnected},
		{StateIdle, StateEnded},
		{StateDialing, StateConnected},
		{StateDialing, StateVoicemail},
		{StateConnected, StateRinging},
		{StateConnected, StateVoicemail},
		{StateVoicemail, StateConnected},
		{StateEnded, StateConnected},
		{StateIdle, StateIdle},
	}
	for _, tr := range invalid {
		if IsValidTransition(tr.from, tr.to) {
			t.Errorf("%s -> %s should be rejected", tr.from, tr.to)
		}
	}
}

func TestRawStateTerminal(t *testing.T) {
	for _, raw := range []RawState{RawHangup, RawDestroy, RawFailed} {
		if !raw.Terminal() {
			t.Errorf("%s should be terminal", raw)
		}
	}
	for _, raw := range []RawState{RawNew, RawRequesting, RawTrying, RawEarly, RawRinging, RawAnswered, RawConnected} {
		if raw.Terminal() {
			t.Errorf("%s should not be terminal", raw)
		}
	}
}
