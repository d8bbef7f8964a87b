package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/softdial/softdial/internal/callflow"
)

// session is one outbound call leg to the provider. It drives the INVITE
// transaction in run and publishes raw state changes through the notify
// channel; the call flow engine re-reads RawState on every tick.
type session struct {
	id       string
	number   string
	callerID string
	client   *sipgo.Client
	registry interface {
		bind(callID string, s *session)
		unbind(callID string)
	}
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	raw       callflow.RawState
	signals   callflow.VoicemailSignals
	notify    chan struct{}
	destroyed bool
	answered  bool
	hangupReq bool
	callID    string
	legTags   map[string]struct{}

	inviteReq *sip.Request
	okRes     *sip.Response
	cseq      uint32

	cancelRun context.CancelFunc
}

func newSession(
	id, number, callerID string,
	client *sipgo.Client,
	registry *SIPProvider,
	cfg Config,
	logger *slog.Logger,
) *session {
	return &session{
		id:       id,
		number:   number,
		callerID: callerID,
		client:   client,
		registry: registry,
		cfg:      cfg,
		logger:   logger.With("session_id", id),
		raw:      callflow.RawNew,
		notify:   make(chan struct{}, 8),
		legTags:  make(map[string]struct{}),
	}
}

func (s *session) ID() string { return s.id }

func (s *session) RawState() callflow.RawState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.raw
}

func (s *session) Notify() <-chan struct{} { return s.notify }

func (s *session) Signals() callflow.VoicemailSignals {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig := s.signals
	sig.Legs = len(s.legTags)
	return sig
}

// Hangup ends the call: CANCEL before answer (via transaction teardown),
// BYE after.
func (s *session) Hangup() error {
	s.mu.Lock()
	if s.destroyed || s.hangupReq {
		s.mu.Unlock()
		return nil
	}
	s.hangupReq = true
	answered := s.answered
	cancelRun := s.cancelRun
	s.mu.Unlock()

	if !answered {
		// Cancelling the run context terminates the INVITE transaction,
		// which sends CANCEL upstream.
		if cancelRun != nil {
			cancelRun()
		}
		return nil
	}

	if err := s.sendBye(); err != nil {
		return fmt.Errorf("sending bye: %w", err)
	}
	s.setRaw(callflow.RawHangup)
	s.destroy()
	return nil
}

// SendDTMF forwards one digit over SIP INFO (dtmf-relay).
func (s *session) SendDTMF(digit rune) error {
	s.mu.Lock()
	if s.destroyed || !s.answered || s.okRes == nil {
		s.mu.Unlock()
		return fmt.Errorf("no established dialog")
	}
	req := s.inDialogRequestLocked(sip.INFO)
	s.mu.Unlock()

	body := []byte(fmt.Sprintf("Signal=%c\r\nDuration=160\r\n", digit))
	req.SetBody(body)
	req.AppendHeader(sip.NewHeader("Content-Type", "application/dtmf-relay"))

	ctx, cancel := context.WithTimeout(context.Background(), keepaliveTimeout)
	defer cancel()
	tx, err := s.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return fmt.Errorf("sending info: %w", err)
	}
	defer tx.Terminate()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-tx.Responses():
		if res.StatusCode >= 300 {
			return fmt.Errorf("info rejected: %d %s", res.StatusCode, res.Reason)
		}
		return nil
	}
}

// Release frees the session. Idempotent; safe to call at any point.
func (s *session) Release() {
	s.mu.Lock()
	cancelRun := s.cancelRun
	s.mu.Unlock()
	if cancelRun != nil {
		cancelRun()
	}
	s.destroy()
}

// remoteHangup is invoked when the provider sends BYE.
func (s *session) remoteHangup() {
	s.logger.Info("remote party hung up")
	s.setRaw(callflow.RawHangup)
	s.destroy()
}

// run drives the INVITE transaction to a final response and then parks
// until the dialog ends. It owns all transitions except remote BYE.
func (s *session) run(ctx context.Context) {
	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancelRun = cancel
	s.mu.Unlock()
	defer cancel()

	s.setRaw(callflow.RawRequesting)

	invite, err := s.buildInvite()
	if err != nil {
		s.logger.Error("building invite", "error", err)
		s.fail()
		return
	}

	tx, err := s.client.TransactionRequest(runCtx, invite, sipgo.ClientRequestBuild)
	if err != nil {
		s.logger.Error("sending invite", "error", err)
		s.fail()
		return
	}
	defer tx.Terminate()

	if cid := invite.CallID(); cid != nil {
		s.mu.Lock()
		s.callID = cid.Value()
		s.inviteReq = invite
		s.mu.Unlock()
		s.registry.bind(cid.Value(), s)
		defer s.registry.unbind(cid.Value())
	}

	authed := false
	for {
		var res *sip.Response
		select {
		case <-runCtx.Done():
			s.userCancelled()
			return
		case <-tx.Done():
			if txErr := tx.Err(); txErr != nil {
				s.logger.Warn("invite transaction error", "error", txErr)
			}
			s.fail()
			return
		case res = <-tx.Responses():
		}

		s.absorbHints(res)
		s.logger.Debug("provider response", "status", res.StatusCode, "reason", res.Reason)

		switch {
		case res.StatusCode < 200:
			if raw := rawForProvisional(res.StatusCode); raw != "" {
				s.setRaw(raw)
			}

		case res.StatusCode == sip.StatusUnauthorized || res.StatusCode == sip.StatusProxyAuthRequired:
			if authed {
				s.logger.Warn("provider rejected credentials")
				s.fail()
				return
			}
			authed = true
			tx.Terminate()
			authReq, err := withDigestAuth(invite, res, s.cfg.authUser(), s.cfg.Password)
			if err != nil {
				s.logger.Error("answering invite challenge", "error", err)
				s.fail()
				return
			}
			tx, err = s.client.TransactionRequest(runCtx, authReq,
				sipgo.ClientRequestIncreaseCSEQ,
				sipgo.ClientRequestAddVia,
			)
			if err != nil {
				s.logger.Error("sending authenticated invite", "error", err)
				s.fail()
				return
			}
			s.mu.Lock()
			s.inviteReq = authReq
			s.mu.Unlock()

		case res.StatusCode < 300:
			s.established(res)
			// Dialog lives until BYE from either side; remote BYE arrives
			// through the provider's server handler.
			<-runCtx.Done()
			s.userCancelled()
			return

		default:
			s.logger.Info("call rejected by provider",
				"status", res.StatusCode,
				"reason", res.Reason,
			)
			s.fail()
			return
		}
	}
}

// established acknowledges the 2xx and moves the session to connected.
func (s *session) established(res *sip.Response) {
	s.mu.Lock()
	s.answered = true
	s.okRes = res
	if cseq := s.inviteReq.CSeq(); cseq != nil {
		s.cseq = cseq.SeqNo
	}
	ack := buildACK(s.inviteReq, res)
	s.mu.Unlock()

	s.setRaw(callflow.RawAnswered)

	if err := s.client.WriteRequest(ack); err != nil {
		s.logger.Error("sending ack", "error", err)
		s.fail()
		return
	}
	s.setRaw(callflow.RawConnected)
}

// userCancelled finishes a session torn down from our side.
func (s *session) userCancelled() {
	s.mu.Lock()
	hangup := s.hangupReq
	answered := s.answered
	s.mu.Unlock()

	if hangup && answered {
		// Hangup already sent BYE and set the terminal state.
		return
	}
	if hangup {
		s.setRaw(callflow.RawHangup)
	} else {
		s.setRaw(callflow.RawDestroy)
	}
	s.destroy()
}

func (s *session) fail() {
	s.setRaw(callflow.RawFailed)
	s.destroy()
}

// setRaw publishes a state change. Ticks are best-effort; readers re-read
// RawState, so a full buffer loses nothing.
func (s *session) setRaw(raw callflow.RawState) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.raw = raw
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// destroy closes the notify channel exactly once.
func (s *session) destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	callID := s.callID
	s.mu.Unlock()

	if callID != "" {
		s.registry.unbind(callID)
	}
	close(s.notify)
}

// buildInvite constructs the outbound INVITE with a minimal audio offer.
func (s *session) buildInvite() (*sip.Request, error) {
	recipient, err := s.cfg.accountURI(s.number)
	if err != nil {
		return nil, err
	}

	req := sip.NewRequest(sip.INVITE, recipient)
	req.SetTransport(transportFor(s.cfg.Transport))

	if s.callerID != "" {
		from := fmt.Sprintf("\"%s\" <sip:%s@%s>", s.callerID, s.cfg.Username, s.cfg.Host)
		req.AppendHeader(sip.NewHeader("From", from+";tag="+s.id[:8]))
	}

	body := buildSDPOffer(s.id, s.cfg.MediaIP, s.cfg.MediaPort)
	req.SetBody(body)
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	return req, nil
}

// inDialogRequestLocked builds a request inside the established dialog.
// Caller holds s.mu.
func (s *session) inDialogRequestLocked(method sip.RequestMethod) *sip.Request {
	recipient := s.inviteReq.Recipient
	if contact := s.okRes.Contact(); contact != nil {
		recipient = *contact.Address.Clone()
	}

	req := sip.NewRequest(method, recipient)
	req.SetTransport(transportFor(s.cfg.Transport))
	req.AppendHeader(sip.NewHeader("Call-ID", s.callID))
	if from := s.inviteReq.From(); from != nil {
		req.AppendHeader(sip.NewHeader("From", from.Value()))
	}
	if to := s.okRes.To(); to != nil {
		req.AppendHeader(sip.NewHeader("To", to.Value()))
	}
	s.cseq++
	req.AppendHeader(sip.NewHeader("CSeq", fmt.Sprintf("%d %s", s.cseq, method)))
	return req
}

// sendBye terminates the established dialog.
func (s *session) sendBye() error {
	s.mu.Lock()
	req := s.inDialogRequestLocked(sip.BYE)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), keepaliveTimeout)
	defer cancel()

	tx, err := s.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return err
	}
	defer tx.Terminate()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tx.Done():
		return tx.Err()
	case res := <-tx.Responses():
		if res.StatusCode >= 300 {
			return fmt.Errorf("bye rejected: %d %s", res.StatusCode, res.Reason)
		}
		return nil
	}
}

// absorbHints harvests voicemail indicators and forked-leg tags from a
// provider response.
func (s *session) absorbHints(res *sip.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, name := range voicemailHintHeaders {
		for _, h := range res.GetHeaders(name) {
			applyVoicemailHint(&s.signals, name, h.Value())
		}
	}
	if to := res.To(); to != nil {
		if tag, ok := to.Params.Get("tag"); ok && tag != "" {
			s.legTags[tag] = struct{}{}
		}
	}
}

// buildACK constructs the ACK for a 2xx response.
func buildACK(invite *sip.Request, res *sip.Response) *sip.Request {
	recipient := invite.Recipient
	if contact := res.Contact(); contact != nil {
		recipient = *contact.Address.Clone()
	}

	ack := sip.NewRequest(sip.ACK, recipient)
	ack.SetTransport(invite.Transport())
	if via := invite.Via(); via != nil {
		ack.AppendHeader(via.Clone())
	}
	if from := invite.From(); from != nil {
		ack.AppendHeader(sip.NewHeader("From", from.Value()))
	}
	if to := res.To(); to != nil {
		ack.AppendHeader(sip.NewHeader("To", to.Value()))
	}
	if cid := invite.CallID(); cid != nil {
		ack.AppendHeader(sip.NewHeader("Call-ID", cid.Value()))
	}
	if cseq := invite.CSeq(); cseq != nil {
		ack.AppendHeader(sip.NewHeader("CSeq", fmt.Sprintf("%d ACK", cseq.SeqNo)))
	}
	return ack
}
