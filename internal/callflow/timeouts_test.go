package callflow

import (
	"sync/atomic"
	"testing"
	"time"
)

func shortTimeouts() Timeouts {
	return Timeouts{
		SettleDelay:   10 * time.Millisecond,
		EarlyFailure:  20 * time.Millisecond,
		SafetyReset:   50 * time.Millisecond,
		Progression:   200 * time.Millisecond,
		ReconnectBase: 10 * time.Millisecond,
		ReconnectMax:  80 * time.Millisecond,
	}
}

func TestTimeoutManager_EarlyFailureFiresWhileStuckInTrying(t *testing.T) {
	tm := NewTimeoutManager(shortTimeouts())
	var early atomic.Int32

	tm.Start(TimeoutCallbacks{
		EarlyFailure: func() { early.Add(1) },
		SafetyReset:  func() {},
		Progression:  func() {},
	})
	defer tm.Cancel()

	tm.Observe(StateDialing, RawTrying)
	time.Sleep(60 * time.Millisecond)

	if early.Load() != 1 {
		t.Errorf("early-failure fired %d times, want 1", early.Load())
	}
}

func TestTimeoutManager_EarlyFailureCancelledWhenStateAdvances(t *testing.T) {
	tm := NewTimeoutManager(shortTimeouts())
	var early atomic.Int32

	tm.Start(TimeoutCallbacks{
		EarlyFailure: func() { early.Add(1) },
		SafetyReset:  func() {},
		Progression:  func() {},
	})
	defer tm.Cancel()

	tm.Observe(StateDialing, RawTrying)
	// Signaling advances before the early window elapses.
	tm.Observe(StateRinging, RawEarly)
	time.Sleep(60 * time.Millisecond)

	if early.Load() != 0 {
		t.Errorf("early-failure fired %d times after state advanced, want 0", early.Load())
	}
}

func TestTimeoutManager_SafetyWatchdogRearmsOnActivity(t *testing.T) {
	tm := NewTimeoutManager(shortTimeouts())
	var safety atomic.Int32

	tm.Start(TimeoutCallbacks{
		EarlyFailure: func() {},
		SafetyReset:  func() { safety.Add(1) },
		Progression:  func() {},
	})
	defer tm.Cancel()

	// Keep feeding provider activity faster than the watchdog window.
	for i := 0; i < 4; i++ {
		time.Sleep(20 * time.Millisecond)
		tm.Observe(StateRinging, RawRinging)
	}
	if safety.Load() != 0 {
		t.Errorf("watchdog fired %d times despite activity, want 0", safety.Load())
	}

	// Now go silent.
	time.Sleep(80 * time.Millisecond)
	if safety.Load() != 1 {
		t.Errorf("watchdog fired %d times after silence, want 1", safety.Load())
	}
}

func TestTimeoutManager_ProgressionRetiredOnceEarlyReached(t *testing.T) {
	cfg := shortTimeouts()
	cfg.Progression = 40 * time.Millisecond
	tm := NewTimeoutManager(cfg)
	var progression atomic.Int32

	tm.Start(TimeoutCallbacks{
		EarlyFailure: func() {},
		SafetyReset:  func() {},
		Progression:  func() { progression.Add(1) },
	})
	defer tm.Cancel()

	tm.Observe(StateRinging, RawEarly)
	time.Sleep(80 * time.Millisecond)

	if progression.Load() != 0 {
		t.Errorf("progression fired %d times after early was reached, want 0", progression.Load())
	}
}

func TestTimeoutManager_CancelReleasesAllTimers(t *testing.T) {
	tm := NewTimeoutManager(shortTimeouts())
	tm.Start(TimeoutCallbacks{
		EarlyFailure: func() {},
		SafetyReset:  func() {},
		Progression:  func() {},
	})
	tm.Observe(StateDialing, RawTrying)

	if tm.Active() == 0 {
		t.Fatal("expected armed timers before cancel")
	}

	tm.Cancel()
	if n := tm.Active(); n != 0 {
		t.Errorf("Active = %d after cancel, want 0", n)
	}

	// Double cancel is a safe no-op.
	tm.Cancel()
	if n := tm.Active(); n != 0 {
		t.Errorf("Active = %d after double cancel, want 0", n)
	}
}

// Property: however the session progresses, reaching a terminal state and
// cancelling leaves no armed timer behind.
func TestTimeoutManager_NoLeakAcrossLifecycles(t *testing.T) {
	tm := NewTimeoutManager(shortTimeouts())

	sequences := [][]struct {
		ui  UIState
		raw RawState
	}{
		{{StateDialing, RawNew}, {StateDialing, RawTrying}, {StateRinging, RawEarly}, {StateConnected, RawAnswered}, {StateEnded, RawHangup}},
		{{StateDialing, RawTrying}, {StateEnded, RawFailed}},
		{{StateDialing, RawNew}, {StateEnded, RawDestroy}},
		{{StateDialing, RawRequesting}, {StateRinging, RawRinging}, {StateEnded, RawHangup}},
	}

	for i, seq := range sequences {
		tm.Start(TimeoutCallbacks{
			EarlyFailure: func() {},
			SafetyReset:  func() {},
			Progression:  func() {},
		})
		for _, step := range seq {
			tm.Observe(step.ui, step.raw)
		}
		tm.Cancel()
		if n := tm.Active(); n != 0 {
			t.Errorf("sequence %d leaked %d timers", i, n)
		}
	}
}
