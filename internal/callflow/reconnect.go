package callflow

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// maxReconnectAttempts is the number of consecutive failed attempts after
// which automatic reconnection stops and explicit user action is required.
const maxReconnectAttempts = 5

// BackoffDelay returns the reconnection delay for the given attempt number:
// base doubled per attempt, capped at max.
func BackoffDelay(attempt int, base, max time.Duration) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// ReconnectionManager drives exponential-backoff reconnection after the
// provider connection drops. Its backoff timers are independent of any call
// session and survive across calls.
type ReconnectionManager struct {
	connect    func(ctx context.Context) error
	onExhaust  func(err *CallError)
	onRestored func()
	logger     *slog.Logger

	base        time.Duration
	max         time.Duration
	maxAttempts int

	mu        sync.Mutex
	attempts  int
	lastErr   string
	exhausted bool
	pending   *time.Timer
	closed    bool
}

// NewReconnectionManager creates a reconnection controller. connect performs
// one connection attempt; onExhaust surfaces the terminal error after the
// attempt budget is spent; onRestored runs after any successful reconnect.
func NewReconnectionManager(
	connect func(ctx context.Context) error,
	onExhaust func(err *CallError),
	onRestored func(),
	cfg Timeouts,
	logger *slog.Logger,
) *ReconnectionManager {
	return &ReconnectionManager{
		connect:     connect,
		onExhaust:   onExhaust,
		onRestored:  onRestored,
		logger:      logger.With("subsystem", "reconnect"),
		base:        cfg.ReconnectBase,
		max:         cfg.ReconnectMax,
		maxAttempts: maxReconnectAttempts,
	}
}

// OnConnectionLost schedules a reconnection attempt. Redundant loss
// notifications while an attempt is already pending are ignored, as are
// notifications after the attempt budget is exhausted.
func (rm *ReconnectionManager) OnConnectionLost(cause error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.closed || rm.exhausted || rm.pending != nil {
		return
	}
	if cause != nil {
		rm.lastErr = cause.Error()
	}

	delay := BackoffDelay(rm.attempts, rm.base, rm.max)
	rm.logger.Warn("provider connection lost, scheduling reconnect",
		"attempt", rm.attempts+1,
		"delay", delay.String(),
		"cause", rm.lastErr,
	)
	rm.pending = time.AfterFunc(delay, rm.attempt)
}

// OnConnectionRestored resets the attempt counter and clears any
// reconnect-related error.
func (rm *ReconnectionManager) OnConnectionRestored() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.resetLocked()
}

// TriggerManualReconnect resets the counter and retries immediately,
// bypassing backoff. This is the explicit user action required after the
// automatic budget is exhausted.
func (rm *ReconnectionManager) TriggerManualReconnect() {
	rm.mu.Lock()
	if rm.closed {
		rm.mu.Unlock()
		return
	}
	if rm.pending != nil {
		rm.pending.Stop()
		rm.pending = nil
	}
	rm.attempts = 0
	rm.exhausted = false
	rm.lastErr = ""
	rm.mu.Unlock()

	rm.logger.Info("manual reconnect triggered")
	go rm.attempt()
}

// Attempts returns the current consecutive-failure count.
func (rm *ReconnectionManager) Attempts() int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.attempts
}

// Exhausted reports whether automatic reconnection has given up.
func (rm *ReconnectionManager) Exhausted() bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.exhausted
}

// Close stops any pending attempt. Further notifications are ignored.
func (rm *ReconnectionManager) Close() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.closed = true
	if rm.pending != nil {
		rm.pending.Stop()
		rm.pending = nil
	}
}

// attempt performs one reconnection try and schedules the next on failure.
func (rm *ReconnectionManager) attempt() {
	rm.mu.Lock()
	if rm.closed {
		rm.mu.Unlock()
		return
	}
	rm.pending = nil
	attempt := rm.attempts
	rm.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	err := rm.connect(ctx)
	cancel()

	rm.mu.Lock()
	if rm.closed {
		rm.mu.Unlock()
		return
	}

	if err == nil {
		rm.resetLocked()
		onRestored := rm.onRestored
		rm.mu.Unlock()
		rm.logger.Info("provider connection restored", "after_attempts", attempt)
		if onRestored != nil {
			onRestored()
		}
		return
	}

	rm.attempts++
	rm.lastErr = err.Error()

	if rm.attempts >= rm.maxAttempts {
		rm.exhausted = true
		onExhaust := rm.onExhaust
		rm.mu.Unlock()
		rm.logger.Error("reconnection attempts exhausted",
			"attempts", rm.maxAttempts,
			"error", err,
		)
		if onExhaust != nil {
			onExhaust(NewCallError(ErrorNetworkFailure, ReasonFailedToReconnect))
		}
		return
	}

	delay := BackoffDelay(rm.attempts, rm.base, rm.max)
	rm.logger.Warn("reconnect attempt failed",
		"attempt", rm.attempts,
		"retry_in", delay.String(),
		"error", err,
	)
	rm.pending = time.AfterFunc(delay, rm.attempt)
	rm.mu.Unlock()
}

func (rm *ReconnectionManager) resetLocked() {
	rm.attempts = 0
	rm.lastErr = ""
	rm.exhausted = false
	if rm.pending != nil {
		rm.pending.Stop()
		rm.pending = nil
	}
}
