package callflow

import (
	"sync"
	"time"
)

// Timeouts holds the timing policy for the call-flow engine. The values are
// empirically tuned defaults, not hard contracts, so every one of them is
// configurable.
type Timeouts struct {
	// SettleDelay is how long the ended state stays visible before the
	// auto-reset to idle.
	SettleDelay time.Duration
	// EarlyFailure fires when the raw state sits in trying without the UI
	// leaving dialing.
	EarlyFailure time.Duration
	// SafetyReset fires when the provider goes silent while a call is
	// still connecting, so the UI never hangs indefinitely.
	SafetyReset time.Duration
	// Progression fires when the raw state has not reached early or
	// answered since call creation. Generous, to tolerate long-haul
	// international signaling.
	Progression time.Duration
	// ReconnectBase and ReconnectMax bound the reconnection backoff.
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
}

// DefaultTimeouts returns the tuned default timing policy.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		SettleDelay:   time.Second,
		EarlyFailure:  2 * time.Second,
		SafetyReset:   5 * time.Second,
		Progression:   45 * time.Second,
		ReconnectBase: time.Second,
		ReconnectMax:  30 * time.Second,
	}
}

// TimeoutCallbacks are invoked when a timer fires. Callbacks run on timer
// goroutines; receivers serialize through their own lock.
type TimeoutCallbacks struct {
	EarlyFailure func()
	SafetyReset  func()
	Progression  func()
}

// TimeoutManager owns the three per-session safety timers. All timers are
// bound to a single session: Start arms them, Observe retires or re-arms
// them as states move, and Cancel releases everything. Cancel is a safe
// no-op when called twice.
type TimeoutManager struct {
	cfg Timeouts

	mu          sync.Mutex
	cbs         TimeoutCallbacks
	early       *time.Timer
	safety      *time.Timer
	progression *time.Timer
}

// NewTimeoutManager creates a timeout manager with the given policy.
func NewTimeoutManager(cfg Timeouts) *TimeoutManager {
	return &TimeoutManager{cfg: cfg}
}

// Start arms the timers for a fresh session. The safety watchdog and the
// overall progression timer start immediately; the early-failure timer is
// armed by Observe once the raw state reaches trying.
func (tm *TimeoutManager) Start(cbs TimeoutCallbacks) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	tm.stopAllLocked()
	tm.cbs = cbs
	tm.safety = time.AfterFunc(tm.cfg.SafetyReset, cbs.SafetyReset)
	tm.progression = time.AfterFunc(tm.cfg.Progression, cbs.Progression)
}

// Observe updates timer state for a provider event. Every provider event
// re-arms the safety watchdog while the call is still connecting; the
// early-failure timer runs only while the session sits in trying/dialing;
// the progression timer is retired once signaling has demonstrably advanced.
func (tm *TimeoutManager) Observe(ui UIState, raw RawState) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if raw == RawTrying && ui == StateDialing {
		if tm.early == nil && tm.cbs.EarlyFailure != nil {
			tm.early = time.AfterFunc(tm.cfg.EarlyFailure, tm.cbs.EarlyFailure)
		}
	} else {
		stopTimer(&tm.early)
	}

	if IsConnecting(ui) {
		stopTimer(&tm.safety)
		if tm.cbs.SafetyReset != nil {
			tm.safety = time.AfterFunc(tm.cfg.SafetyReset, tm.cbs.SafetyReset)
		}
	} else {
		stopTimer(&tm.safety)
	}

	switch raw {
	case RawEarly, RawRinging, RawAnswered, RawConnected:
		stopTimer(&tm.progression)
	}
}

// Cancel stops and releases all timers. Idempotent.
func (tm *TimeoutManager) Cancel() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.stopAllLocked()
	tm.cbs = TimeoutCallbacks{}
}

// Active returns the number of armed timers. Used to verify that terminal
// states do not leak timers.
func (tm *TimeoutManager) Active() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	n := 0
	for _, t := range []*time.Timer{tm.early, tm.safety, tm.progression} {
		if t != nil {
			n++
		}
	}
	return n
}

func (tm *TimeoutManager) stopAllLocked() {
	stopTimer(&tm.early)
	stopTimer(&tm.safety)
	stopTimer(&tm.progression)
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
