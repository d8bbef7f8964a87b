package callflow

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// minNumberDigits is the minimum digit count for a dialable number.
const minNumberDigits = 7

// recordTimeout bounds the fire-and-forget outcome write.
const recordTimeout = 5 * time.Second

// CallSessionController owns the single active call session and reconciles
// the provider's session lifecycle with the UI-facing call state. It is a
// single-writer state machine: provider notifications, timer firings and
// user requests all serialize through its lock.
type CallSessionController struct {
	provider ProviderClient
	recorder OutcomeRecorder
	audio    AudioGateway
	listener StateListener
	detector *VoicemailDetector
	health   *CallFlowHealthMonitor
	reconn   *ReconnectionManager
	timeouts *TimeoutManager
	cfg      Timeouts
	callerID string
	userID   int64
	logger   *slog.Logger

	mu         sync.Mutex
	state      UIState
	session    *CallSession
	settle     *time.Timer
	gen        uint64
	placing    bool
	lastErr    *CallError
	lastErrMsg string

	notifyCh chan notification
	closed   chan struct{}
}

// notification is a queued listener callback. A single notifier goroutine
// drains the queue so state updates reach the listener in order.
type notification struct {
	state *UIState
	err   *CallError
}

// NewController creates the call session controller. callerID is presented
// to the provider on outbound sessions; userID is attached to call records.
func NewController(
	provider ProviderClient,
	recorder OutcomeRecorder,
	audio AudioGateway,
	listener StateListener,
	cfg Timeouts,
	callerID string,
	userID int64,
	logger *slog.Logger,
) *CallSessionController {
	c := &CallSessionController{
		provider: provider,
		recorder: recorder,
		audio:    audio,
		listener: listener,
		detector: NewVoicemailDetector(),
		health:   NewHealthMonitor(),
		timeouts: NewTimeoutManager(cfg),
		cfg:      cfg,
		callerID: callerID,
		userID:   userID,
		logger:   logger.With("subsystem", "callflow"),
		state:    StateIdle,
		notifyCh: make(chan notification, 64),
		closed:   make(chan struct{}),
	}
	c.reconn = NewReconnectionManager(
		provider.Connect,
		c.onReconnectExhausted,
		c.onConnectionRestored,
		cfg,
		logger,
	)
	go c.notifyLoop()
	return c
}

// Close releases the controller: pending reconnects stop, the active
// session (if any) is torn down, and the notifier drains.
func (c *CallSessionController) Close() {
	c.reconn.Close()

	c.mu.Lock()
	if s := c.session; s != nil {
		if !s.finished {
			c.finishLocked(s, RawDestroy, c.state, &Classification{Outcome: OutcomeFailed, Reason: ReasonCallFailed, Immediate: true})
		} else {
			c.resetToIdleLocked(s)
		}
	}
	c.timeouts.Cancel()
	c.mu.Unlock()

	close(c.closed)
}

// PlaceCall validates preconditions, creates a provider session and moves
// the UI state to dialing. A violation returns a typed error and performs
// no state change. Concurrent calls are rejected, not queued.
func (c *CallSessionController) PlaceCall(ctx context.Context, number string) error {
	normalized, err := NormalizeNumber(number)
	if err != nil {
		return err
	}
	if !c.provider.Connected() {
		return NewCallError(ErrorNetworkFailure, "provider connection not established")
	}
	if granted, kind := c.audio.RequestMicrophoneAccess(); !granted {
		msg := "microphone unavailable"
		if kind != "" {
			msg += ": " + kind
		}
		return NewCallError(ErrorMicrophoneUnavailable, msg)
	}

	c.mu.Lock()
	// A finished session still settling does not block a redial; the
	// takeover below clears it.
	if c.placing || (c.session != nil && !c.session.finished) {
		c.mu.Unlock()
		return ErrCallInProgress
	}
	c.placing = true
	c.mu.Unlock()

	// May block briefly while the provider allocates signaling resources.
	handle, err := c.provider.CreateSession(ctx, normalized, c.callerID)

	c.mu.Lock()
	c.placing = false
	if err != nil {
		c.mu.Unlock()
		return NewCallError(ErrorProviderInternal, "could not start call: "+err.Error())
	}
	if s := c.session; s != nil {
		// A stale session still settling: clear it before taking over.
		c.resetToIdleLocked(s)
	}

	c.gen++
	gen := c.gen
	s := &CallSession{
		id:        handle.ID(),
		number:    normalized,
		createdAt: time.Now(),
		rawState:  RawNew,
		handle:    handle,
		gen:       gen,
		done:      make(chan struct{}),
	}
	c.session = s
	// Per-call errors do not outlive the next attempt; connection-level
	// errors stay visible until the connection recovers. A fresh session
	// always re-arms duplicate suppression.
	if c.lastErr != nil && c.lastErr.Category.PerCall() {
		c.lastErr = nil
	}
	c.lastErrMsg = ""
	c.setStateLocked(StateDialing)
	c.timeouts.Start(TimeoutCallbacks{
		EarlyFailure: func() { c.onEarlyFailure(gen) },
		SafetyReset:  func() { c.onSafetyReset(gen) },
		Progression:  func() { c.onProgression(gen) },
	})
	c.mu.Unlock()

	c.logger.Info("call placed", "session_id", s.id, "number", normalized)
	go c.watch(handle, s.done, gen)
	return nil
}

// HangUp requests termination of the active call. It is idempotent: hanging
// up an already-terminal or absent session is a no-op, not an error.
func (c *CallSessionController) HangUp() error {
	c.mu.Lock()
	s := c.session
	if s == nil || s.finished {
		c.mu.Unlock()
		return nil
	}
	handle := s.handle
	raw := s.rawState
	c.mu.Unlock()

	// The provider call happens outside the lock and outside any provider
	// notification handler; "user hung up" and "terminal raw state" are two
	// distinct inputs routed to the same idempotent cleanup below.
	if !raw.Terminal() {
		if err := handle.Hangup(); err != nil {
			c.logger.Warn("provider hangup failed", "session_id", s.id, "error", err)
		}
	}

	c.mu.Lock()
	if c.session == s && !s.finished {
		c.finishLocked(s, RawHangup, c.state, nil)
	}
	c.mu.Unlock()
	return nil
}

// SendDTMF forwards a DTMF digit to the active session. The handle is never
// exposed to callers; all session operations go through the controller.
func (c *CallSessionController) SendDTMF(digit rune) error {
	c.mu.Lock()
	s := c.session
	if s == nil || s.finished || (c.state != StateConnected && c.state != StateVoicemail) {
		c.mu.Unlock()
		return ErrNoActiveCall
	}
	handle := s.handle
	c.mu.Unlock()

	return handle.SendDTMF(digit)
}

// OnConnectionLost is invoked by the transport wiring when the provider
// connection drops. Reconnection is automatic with backoff, unless the cause
// requires user action (rejected credentials, invalid configuration): those
// would fail every retry identically, so the error is surfaced instead.
func (c *CallSessionController) OnConnectionLost(cause error) {
	var ce *CallError
	if errors.As(cause, &ce) && ce.Category.RequiresUserAction() {
		c.logger.Error("provider connection lost, not retrying",
			"category", string(ce.Category),
			"error", ce.Message,
		)
		c.mu.Lock()
		c.surfaceErrorLocked(ce.Category, ce.Message)
		c.mu.Unlock()
		return
	}
	c.reconn.OnConnectionLost(cause)
}

// TriggerManualReconnect resets the backoff budget and retries immediately.
func (c *CallSessionController) TriggerManualReconnect() {
	c.reconn.TriggerManualReconnect()
}

// Snapshot returns the UI-facing view: call state, current error and the
// diagnostic health evaluation.
func (c *CallSessionController) Snapshot() Snapshot {
	attempts := c.reconn.Attempts()
	exhausted := c.reconn.Exhausted()
	connected := c.provider.Connected()

	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		State:             c.state,
		Error:             c.lastErr,
		ProviderConnected: connected,
		ReconnectAttempts: attempts,
	}
	var raw RawState
	if s := c.session; s != nil {
		snap.SessionID = s.id
		snap.Number = s.number
		snap.RawState = s.rawState
		raw = s.rawState
	}
	snap.Health = c.health.Evaluate(c.state, raw, c.session != nil, attempts, exhausted)
	return snap
}

// State returns the current UI call state.
func (c *CallSessionController) State() UIState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ActiveCall reports whether a session is currently held.
func (c *CallSessionController) ActiveCall() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil
}

// ReconnectAttempts returns the consecutive reconnect failure count.
func (c *CallSessionController) ReconnectAttempts() int {
	return c.reconn.Attempts()
}

// watch drains session notifications and re-reads the latest raw state for
// each one, so transitions are never applied out of order relative to what
// the provider currently reports.
func (c *CallSessionController) watch(h SessionHandle, done <-chan struct{}, gen uint64) {
	notify := h.Notify()
	for {
		select {
		case <-done:
			return
		case _, ok := <-notify:
			c.handleProviderState(gen, h.RawState())
			if !ok {
				// Provider destroyed the session; the final state was read.
				return
			}
		}
	}
}

// handleProviderState routes one provider state observation through the
// validator and applies the outcome. Stale generations are ignored.
func (c *CallSessionController) handleProviderState(gen uint64, raw RawState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.session
	if s == nil || s.gen != gen {
		return
	}
	s.rawState = raw
	c.timeouts.Observe(c.state, raw)

	if s.finished {
		// Only the late-early recovery is honored after finish, and only
		// while the settle delay is still pending.
		if raw == RawEarly && c.state == StateEnded && c.settle != nil {
			c.recoverFromPrematureEndLocked(s)
		}
		return
	}

	// Classification needs the state the call was in when the terminal
	// signal arrived, not the ended state applied below.
	uiAtSignal := c.state

	should, target, reason := MapProviderState(raw, c.state)
	if !should {
		c.logger.Debug("provider state ignored",
			"session_id", s.id,
			"raw", string(raw),
			"reason", reason,
		)
	} else {
		if target == StateConnected {
			target = c.answerTargetLocked(s)
		}
		if IsValidTransition(c.state, target) {
			c.setStateLocked(target)
		}
	}

	if raw.Terminal() {
		c.finishLocked(s, raw, uiAtSignal, nil)
	}
}

// answerTargetLocked decides between connected and voicemail when the
// provider reports the session answered. It runs on any raw state that maps
// to connected, so a provider skipping straight to connected still stamps
// the answer time and gets voicemail detection.
func (c *CallSessionController) answerTargetLocked(s *CallSession) UIState {
	if s.connectedAt == nil {
		now := time.Now()
		s.connectedAt = &now
	}

	signals := s.handle.Signals()
	signals.AnswerDelay = s.connectedAt.Sub(s.createdAt)
	confidence := c.detector.Confidence(signals)
	if c.detector.Detect(signals) {
		c.logger.Info("voicemail detected",
			"session_id", s.id,
			"confidence", confidence,
		)
		return StateVoicemail
	}
	c.logger.Debug("answered by human", "session_id", s.id, "confidence", confidence)
	return StateConnected
}

// recoverFromPrematureEndLocked handles a late "early" signal racing a
// premature end: the settle timer is stopped and the session resumes
// ringing. The already-emitted outcome record is not duplicated.
func (c *CallSessionController) recoverFromPrematureEndLocked(s *CallSession) {
	c.settle.Stop()
	c.settle = nil
	s.finished = false
	c.setStateLocked(StateRinging)
	gen := s.gen
	c.timeouts.Start(TimeoutCallbacks{
		EarlyFailure: func() { c.onEarlyFailure(gen) },
		SafetyReset:  func() { c.onSafetyReset(gen) },
		Progression:  func() { c.onProgression(gen) },
	})
	c.logger.Warn("late early signal recovered a prematurely ended call", "session_id", s.id)
}

// finishLocked runs the terminal classification exactly once per session,
// emits the outcome record, surfaces failures and schedules the idle reset.
// It is the single cleanup path for provider-terminal events, user hangup
// and forced timer classifications.
func (c *CallSessionController) finishLocked(s *CallSession, raw RawState, uiAtTermination UIState, forced *Classification) {
	if s.finished {
		return
	}
	s.finished = true

	now := time.Now()
	elapsed := s.elapsed(now)

	var cls Classification
	switch {
	case forced != nil:
		cls = *forced
	case uiAtTermination == StateVoicemail:
		cls = ClassifyVoicemail(s.talkTime(now))
	default:
		cls = ClassifyTermination(raw, uiAtTermination, elapsed)
	}

	if c.state != StateEnded && IsValidTransition(c.state, StateEnded) {
		c.setStateLocked(StateEnded)
	}
	c.timeouts.Cancel()

	if !s.recorded {
		s.recorded = true
		duration := elapsed
		if s.connectedAt != nil && cls.Outcome != OutcomeFailed {
			duration = s.talkTime(now)
		}
		rec := OutcomeRecord{
			SessionID:     s.id,
			UserID:        c.userID,
			Number:        s.number,
			StartedAt:     s.createdAt,
			Duration:      int(duration / time.Second),
			Outcome:       cls.Outcome,
			FailureReason: cls.Reason,
			DiagTag:       cls.DiagTag,
		}
		go c.emitRecord(rec)
	}

	if cls.Outcome == OutcomeFailed {
		c.surfaceErrorLocked(categoryForReason(cls.Reason), cls.Reason)
	}

	c.logger.Info("call finished",
		"session_id", s.id,
		"outcome", string(cls.Outcome),
		"reason", cls.Reason,
		"ui_state", string(uiAtTermination),
		"duration", elapsed.Round(time.Millisecond).String(),
	)

	if cls.Immediate {
		c.resetToIdleLocked(s)
		return
	}
	gen := s.gen
	c.settle = time.AfterFunc(c.cfg.SettleDelay, func() { c.settleExpired(gen) })
}

// settleExpired completes the ended -> idle auto-advance.
func (c *CallSessionController) settleExpired(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.session
	if s == nil || s.gen != gen || !s.finished {
		return
	}
	c.resetToIdleLocked(s)
}

// resetToIdleLocked destroys the session: timers cancelled, watcher
// stopped, provider handle released, fields cleared.
func (c *CallSessionController) resetToIdleLocked(s *CallSession) {
	if c.settle != nil {
		c.settle.Stop()
		c.settle = nil
	}
	c.timeouts.Cancel()

	select {
	case <-s.done:
	default:
		close(s.done)
	}

	handle := s.handle
	s.handle = nil
	if c.session == s {
		c.session = nil
	}
	if c.state != StateIdle {
		c.setStateLocked(StateIdle)
	}
	if handle != nil {
		go handle.Release()
	}
}

// onEarlyFailure fires when the raw state sat in trying too long.
func (c *CallSessionController) onEarlyFailure(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.session
	if s == nil || s.gen != gen || s.finished {
		return
	}
	if c.state != StateDialing || s.rawState != RawTrying {
		return
	}
	c.logger.Warn("early-failure timer fired", "session_id", s.id)
	c.hangupAsync(s)
	c.finishLocked(s, RawFailed, c.state, &Classification{Outcome: OutcomeFailed, Reason: ReasonNotReachable})
}

// onSafetyReset fires when the provider went silent mid-connect. The UI is
// forced back to idle rather than hanging indefinitely.
func (c *CallSessionController) onSafetyReset(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.session
	if s == nil || s.gen != gen || s.finished || !IsConnecting(c.state) {
		return
	}
	c.logger.Warn("safety reset: provider silent while connecting", "session_id", s.id)
	c.hangupAsync(s)
	c.finishLocked(s, RawDestroy, c.state, &Classification{
		Outcome:   OutcomeFailed,
		Reason:    ReasonCallFailed,
		Immediate: true,
	})
}

// onProgression fires when signaling never reached early/answered.
func (c *CallSessionController) onProgression(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.session
	if s == nil || s.gen != gen || s.finished {
		return
	}
	switch s.rawState {
	case RawEarly, RawRinging, RawAnswered, RawConnected:
		return
	}
	c.logger.Warn("call progression timeout", "session_id", s.id, "raw", string(s.rawState))
	c.hangupAsync(s)
	c.finishLocked(s, RawFailed, c.state, &Classification{Outcome: OutcomeFailed, Reason: ReasonCallFailed})
}

// hangupAsync asks the provider to end the session without holding the lock
// over the network call.
func (c *CallSessionController) hangupAsync(s *CallSession) {
	handle := s.handle
	if handle == nil || s.rawState.Terminal() {
		return
	}
	go func() {
		if err := handle.Hangup(); err != nil {
			c.logger.Debug("provider hangup failed", "session_id", s.id, "error", err)
		}
	}()
}

// emitRecord hands the outcome record to the persistence collaborator.
// Failures are logged, never propagated into the call flow.
func (c *CallSessionController) emitRecord(rec OutcomeRecord) {
	if c.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := c.recorder.RecordCallOutcome(ctx, rec); err != nil {
		c.logger.Error("failed to record call outcome",
			"session_id", rec.SessionID,
			"error", err,
		)
	}
}

// setStateLocked applies a UI state and queues the listener notification.
func (c *CallSessionController) setStateLocked(state UIState) {
	if c.state == state {
		return
	}
	c.logger.Debug("call state", "from", string(c.state), "to", string(state))
	c.state = state
	st := state
	c.enqueue(notification{state: &st})
}

// surfaceErrorLocked surfaces a one-shot user-visible error, suppressing
// repeats of the same message within a session.
func (c *CallSessionController) surfaceErrorLocked(category ErrorCategory, message string) {
	if message == c.lastErrMsg {
		return
	}
	c.lastErrMsg = message
	err := NewCallError(category, message)
	c.lastErr = err
	c.enqueue(notification{err: err})
}

// onReconnectExhausted surfaces the terminal reconnect error.
func (c *CallSessionController) onReconnectExhausted(err *CallError) {
	c.mu.Lock()
	c.surfaceErrorLocked(err.Category, err.Message)
	c.mu.Unlock()
}

// onConnectionRestored clears any reconnect-related error.
func (c *CallSessionController) onConnectionRestored() {
	c.mu.Lock()
	if c.lastErr != nil && c.lastErr.Category == ErrorNetworkFailure {
		c.lastErr = nil
		c.lastErrMsg = ""
	}
	c.mu.Unlock()
}

func (c *CallSessionController) enqueue(n notification) {
	select {
	case c.notifyCh <- n:
	default:
		c.logger.Warn("listener notification dropped")
	}
}

// notifyLoop delivers queued notifications to the listener in order,
// outside the controller lock.
func (c *CallSessionController) notifyLoop() {
	for {
		select {
		case <-c.closed:
			return
		case n := <-c.notifyCh:
			if c.listener == nil {
				continue
			}
			if n.state != nil {
				c.listener.OnCallState(*n.state)
			}
			if n.err != nil {
				c.listener.OnCallError(n.err)
			}
		}
	}
}

// categoryForReason maps classifier failure reasons onto the error taxonomy.
func categoryForReason(reason string) ErrorCategory {
	switch reason {
	case ReasonInvalidNumber, ReasonNumberNotReachable, ReasonNotReachable:
		return ErrorInvalidNumber
	case ReasonNoAnswer:
		return ErrorNoAnswer
	case ReasonRejected:
		return ErrorRejected
	case ReasonCallFailed:
		return ErrorTimeout
	default:
		return ErrorProviderInternal
	}
}

// NormalizeNumber strips formatting from a dialed number, keeping digits and
// a leading +. Numbers with fewer than seven digits are rejected.
func NormalizeNumber(number string) (string, error) {
	var b strings.Builder
	for i, r := range number {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		}
	}
	normalized := b.String()
	digits := len(strings.TrimPrefix(normalized, "+"))
	if digits < minNumberDigits {
		return "", NewCallError(ErrorInvalidNumber, "number must contain at least 7 digits")
	}
	return normalized, nil
}
