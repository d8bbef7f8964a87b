package callflow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestBackoffDelay_Sequence(t *testing.T) {
	base := time.Second
	max := 30 * time.Second

	want := []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		16000 * time.Millisecond,
	}
	for attempt, expected := range want {
		if got := BackoffDelay(attempt, base, max); got != expected {
			t.Errorf("BackoffDelay(%d) = %v, want %v", attempt, got, expected)
		}
	}

	// Capped thereafter.
	for attempt := 5; attempt < 10; attempt++ {
		if got := BackoffDelay(attempt, base, max); got != max {
			t.Errorf("BackoffDelay(%d) = %v, want cap %v", attempt, got, max)
		}
	}
}

// flakyConnector fails a configured number of times before succeeding.
type flakyConnector struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyConnector) connect(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return errors.New("connection refused")
	}
	return nil
}

func (f *flakyConnector) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func fastReconnectTimeouts() Timeouts {
	cfg := DefaultTimeouts()
	cfg.ReconnectBase = 2 * time.Millisecond
	cfg.ReconnectMax = 16 * time.Millisecond
	return cfg
}

func TestReconnectionManager_RecoversAndResetsCounter(t *testing.T) {
	conn := &flakyConnector{failures: 2}
	restored := make(chan struct{}, 1)

	rm := NewReconnectionManager(
		conn.connect,
		func(err *CallError) { t.Errorf("unexpected exhaustion: %v", err) },
		func() { restored <- struct{}{} },
		fastReconnectTimeouts(),
		discardLogger(),
	)
	defer rm.Close()

	rm.OnConnectionLost(errors.New("socket closed"))

	select {
	case <-restored:
	case <-time.After(2 * time.Second):
		t.Fatal("connection was not restored")
	}

	if got := rm.Attempts(); got != 0 {
		t.Errorf("attempts = %d after success, want 0", got)
	}
	if rm.Exhausted() {
		t.Error("manager reports exhausted after successful reconnect")
	}
	if calls := conn.callCount(); calls != 3 {
		t.Errorf("connect called %d times, want 3", calls)
	}
}

func TestReconnectionManager_ExhaustsAfterFiveFailures(t *testing.T) {
	conn := &flakyConnector{failures: 100}
	exhausted := make(chan *CallError, 1)

	rm := NewReconnectionManager(
		conn.connect,
		func(err *CallError) { exhausted <- err },
		func() { t.Error("unexpected restoration") },
		fastReconnectTimeouts(),
		discardLogger(),
	)
	defer rm.Close()

	rm.OnConnectionLost(errors.New("socket closed"))

	var err *CallError
	select {
	case err = <-exhausted:
	case <-time.After(2 * time.Second):
		t.Fatal("manager never exhausted")
	}

	if err.Category != ErrorNetworkFailure {
		t.Errorf("category = %s, want %s", err.Category, ErrorNetworkFailure)
	}
	if err.Message != ReasonFailedToReconnect {
		t.Errorf("message = %q, want %q", err.Message, ReasonFailedToReconnect)
	}
	if !rm.Exhausted() {
		t.Error("Exhausted() = false after giving up")
	}
	if calls := conn.callCount(); calls != 5 {
		t.Errorf("connect called %d times, want 5", calls)
	}

	// Further loss notifications are ignored once exhausted.
	rm.OnConnectionLost(errors.New("still down"))
	time.Sleep(50 * time.Millisecond)
	if calls := conn.callCount(); calls != 5 {
		t.Errorf("connect called %d times after exhaustion, want 5", calls)
	}
}

func TestReconnectionManager_ManualTriggerResetsAndRetriesImmediately(t *testing.T) {
	// Fails exactly through the automatic budget; the manual retry succeeds.
	conn := &flakyConnector{failures: 5}
	exhausted := make(chan *CallError, 1)
	restored := make(chan struct{}, 1)

	rm := NewReconnectionManager(
		conn.connect,
		func(err *CallError) { exhausted <- err },
		func() { restored <- struct{}{} },
		fastReconnectTimeouts(),
		discardLogger(),
	)
	defer rm.Close()

	rm.OnConnectionLost(errors.New("socket closed"))
	select {
	case <-exhausted:
	case <-time.After(2 * time.Second):
		t.Fatal("manager never exhausted")
	}

	// Manual trigger resets the counter to zero and retries right away.
	rm.TriggerManualReconnect()

	select {
	case <-restored:
	case <-time.After(time.Second):
		t.Fatal("manual reconnect did not restore the connection")
	}

	if calls := conn.callCount(); calls != 6 {
		t.Errorf("connect called %d times, want 6 (5 automatic + 1 manual)", calls)
	}
	if got := rm.Attempts(); got != 0 {
		t.Errorf("attempts = %d after manual success, want 0", got)
	}
	if rm.Exhausted() {
		t.Error("Exhausted() = true after successful manual reconnect")
	}
}

func TestReconnectionManager_RedundantLossNotificationsCoalesce(t *testing.T) {
	conn := &flakyConnector{failures: 0}
	restored := make(chan struct{}, 4)

	rm := NewReconnectionManager(
		conn.connect,
		nil,
		func() { restored <- struct{}{} },
		fastReconnectTimeouts(),
		discardLogger(),
	)
	defer rm.Close()

	for i := 0; i < 4; i++ {
		rm.OnConnectionLost(errors.New("flap"))
	}

	select {
	case <-restored:
	case <-time.After(2 * time.Second):
		t.Fatal("connection was not restored")
	}
	time.Sleep(20 * time.Millisecond)

	if calls := conn.callCount(); calls != 1 {
		t.Errorf("connect called %d times for coalesced losses, want 1", calls)
	}
}
