package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/icholy/digest"
	"github.com/softdial/softdial/internal/callflow"
)

const (
	// keepaliveInterval is how often OPTIONS pings probe the registrar.
	keepaliveInterval = 30 * time.Second
	// keepaliveTimeout is the max time to wait for an OPTIONS response.
	keepaliveTimeout = 5 * time.Second
	// defaultRegisterExpiry is the registration lifetime requested from the
	// provider when none is configured.
	defaultRegisterExpiry = 300
)

// Config holds the SIP provider account settings.
type Config struct {
	Host         string
	Port         int
	Transport    string
	Username     string
	AuthUsername string
	Password     string
	Expiry       int
	// ListenAddr receives in-dialog requests (BYE from the remote side).
	ListenAddr string
	// MediaIP and MediaPort are advertised in the SDP offer.
	MediaIP   string
	MediaPort int
}

// authUser returns the username used for digest authentication.
func (c Config) authUser() string {
	if c.AuthUsername != "" {
		return c.AuthUsername
	}
	return c.Username
}

// SIPProvider maintains a registration with an upstream SIP provider and
// creates outbound call sessions over it. It implements the provider client
// the call flow engine drives.
type SIPProvider struct {
	cfg    Config
	logger *slog.Logger

	// onLost is invoked when the keepalive loop detects a dead connection.
	onLost func(cause error)

	mu         sync.Mutex
	ua         *sipgo.UserAgent
	client     *sipgo.Client
	srv        *sipgo.Server
	sessions   map[string]*session // keyed by SIP Call-ID
	registered bool
	stopPing   context.CancelFunc
}

// New creates a SIP provider client. onLost is called when the registration
// is detected dead; it may be nil.
func New(cfg Config, onLost func(cause error), logger *slog.Logger) *SIPProvider {
	if cfg.Transport == "" {
		cfg.Transport = "udp"
	}
	if cfg.Port == 0 {
		cfg.Port = 5060
	}
	if cfg.Expiry == 0 {
		cfg.Expiry = defaultRegisterExpiry
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "0.0.0.0:5090"
	}
	if cfg.MediaPort == 0 {
		cfg.MediaPort = 10000
	}
	return &SIPProvider{
		cfg:      cfg,
		onLost:   onLost,
		sessions: make(map[string]*session),
		logger:   logger.With("subsystem", "sip-provider"),
	}
}

// Connect builds the SIP stack if needed and registers with the provider.
// It is safe to call repeatedly; the reconnection machinery does exactly
// that after a connection loss.
func (p *SIPProvider) Connect(ctx context.Context) error {
	p.mu.Lock()
	if p.ua == nil {
		ua, err := sipgo.NewUA(
			sipgo.WithUserAgent("softdial"),
		)
		if err != nil {
			p.mu.Unlock()
			return fmt.Errorf("creating sip user agent: %w", err)
		}
		client, err := sipgo.NewClient(ua,
			sipgo.WithClientLogger(p.logger),
		)
		if err != nil {
			ua.Close()
			p.mu.Unlock()
			return fmt.Errorf("creating sip client: %w", err)
		}
		srv, err := sipgo.NewServer(ua,
			sipgo.WithServerLogger(p.logger),
		)
		if err != nil {
			client.Close()
			ua.Close()
			p.mu.Unlock()
			return fmt.Errorf("creating sip server: %w", err)
		}
		srv.OnBye(p.handleBye)
		srv.OnOptions(p.handleOptions)
		p.ua = ua
		p.client = client
		p.srv = srv

		listenAddr := p.cfg.ListenAddr
		transport := p.cfg.Transport
		go func() {
			if err := srv.ListenAndServe(context.Background(), transport, listenAddr); err != nil {
				p.logger.Error("sip listener stopped", "addr", listenAddr, "error", err)
			}
		}()
	}
	client := p.client
	p.mu.Unlock()

	if err := p.register(ctx, client, p.cfg.Expiry); err != nil {
		return err
	}

	p.mu.Lock()
	p.registered = true
	if p.stopPing == nil {
		pingCtx, cancel := context.WithCancel(context.Background())
		p.stopPing = cancel
		go p.keepaliveLoop(pingCtx)
	}
	p.mu.Unlock()

	p.logger.Info("registered with provider",
		"host", p.cfg.Host,
		"port", p.cfg.Port,
		"transport", p.cfg.Transport,
	)
	return nil
}

// Disconnect un-registers and tears the SIP stack down.
func (p *SIPProvider) Disconnect() error {
	p.mu.Lock()
	client := p.client
	registered := p.registered
	p.registered = false
	if p.stopPing != nil {
		p.stopPing()
		p.stopPing = nil
	}
	p.mu.Unlock()

	if client == nil {
		return nil
	}

	if registered {
		// Best-effort un-register with a short timeout.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.register(ctx, client, 0); err != nil {
			p.logger.Warn("failed to un-register", "error", err)
		}
	}

	p.mu.Lock()
	if p.srv != nil {
		p.srv.Close()
		p.srv = nil
	}
	if p.client != nil {
		p.client.Close()
		p.client = nil
	}
	if p.ua != nil {
		p.ua.Close()
		p.ua = nil
	}
	p.sessions = make(map[string]*session)
	p.mu.Unlock()
	return nil
}

// Connected reports whether the provider registration is believed alive.
func (p *SIPProvider) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.registered
}

// CreateSession starts an outbound call attempt to number. The returned
// handle reports provider state transitions to its watcher.
func (p *SIPProvider) CreateSession(ctx context.Context, number, callerID string) (callflow.SessionHandle, error) {
	p.mu.Lock()
	client := p.client
	registered := p.registered
	p.mu.Unlock()

	if client == nil || !registered {
		return nil, fmt.Errorf("provider not connected")
	}

	s := newSession(uuid.NewString(), number, callerID, client, p, p.cfg, p.logger)
	go s.run(ctx)
	return s, nil
}

// bind associates a SIP Call-ID with a session so in-dialog requests from
// the provider reach it.
func (p *SIPProvider) bind(callID string, s *session) {
	p.mu.Lock()
	p.sessions[callID] = s
	p.mu.Unlock()
}

// unbind removes a Call-ID binding. Idempotent.
func (p *SIPProvider) unbind(callID string) {
	p.mu.Lock()
	delete(p.sessions, callID)
	p.mu.Unlock()
}

func (p *SIPProvider) lookup(callID string) *session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions[callID]
}

// handleBye routes a remote hangup to its session.
func (p *SIPProvider) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}

	if err := tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil)); err != nil {
		p.logger.Error("failed to respond to bye", "call_id", callID, "error", err)
	}

	s := p.lookup(callID)
	if s == nil {
		p.logger.Debug("bye for unknown call", "call_id", callID)
		return
	}
	s.remoteHangup()
}

// handleOptions answers keepalive pings from the provider.
func (p *SIPProvider) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, OPTIONS, INFO"))
	if err := tx.Respond(res); err != nil {
		p.logger.Error("failed to respond to options", "error", err)
	}
}

// register sends a REGISTER, answering one digest challenge if the provider
// issues one. expiry 0 un-registers.
func (p *SIPProvider) register(ctx context.Context, client *sipgo.Client, expiry int) error {
	recipient, err := p.cfg.accountURI(p.cfg.Username)
	if err != nil {
		return err
	}

	req := sip.NewRequest(sip.REGISTER, recipient)
	req.SetTransport(transportFor(p.cfg.Transport))
	req.AppendHeader(sip.NewHeader("Expires", fmt.Sprintf("%d", expiry)))

	res, err := p.transact(ctx, client, req)
	if err != nil {
		return fmt.Errorf("sending register: %w", err)
	}

	if res.StatusCode == sip.StatusUnauthorized || res.StatusCode == sip.StatusProxyAuthRequired {
		authReq, err := withDigestAuth(req, res, p.cfg.authUser(), p.cfg.Password)
		if err != nil {
			return err
		}
		res, err = p.transact(ctx, client, authReq)
		if err != nil {
			return fmt.Errorf("sending authenticated register: %w", err)
		}
	}

	switch res.StatusCode {
	case sip.StatusOK:
		return nil
	case sip.StatusUnauthorized, sip.StatusProxyAuthRequired, sip.StatusForbidden:
		// Credentials were already presented; retrying cannot succeed.
		return callflow.NewCallError(callflow.ErrorAuthenticationFailure,
			fmt.Sprintf("registration rejected: %d %s", res.StatusCode, res.Reason))
	default:
		return fmt.Errorf("register rejected: %d %s", res.StatusCode, res.Reason)
	}
}

// transact sends a request and waits for its final response.
func (p *SIPProvider) transact(ctx context.Context, client *sipgo.Client, req *sip.Request) (*sip.Response, error) {
	tx, err := client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return nil, err
	}
	defer tx.Terminate()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tx.Done():
			if txErr := tx.Err(); txErr != nil {
				return nil, txErr
			}
			return nil, fmt.Errorf("transaction ended without final response")
		case res := <-tx.Responses():
			if res.StatusCode >= 200 {
				return res, nil
			}
		}
	}
}

// keepaliveLoop probes the provider with OPTIONS pings and reports the
// connection lost when one fails.
func (p *SIPProvider) keepaliveLoop(ctx context.Context) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		p.mu.Lock()
		client := p.client
		registered := p.registered
		p.mu.Unlock()
		if client == nil || !registered {
			continue
		}

		if err := p.ping(ctx, client); err != nil {
			p.logger.Warn("provider keepalive failed", "error", err)
			p.mu.Lock()
			p.registered = false
			p.mu.Unlock()
			if p.onLost != nil {
				p.onLost(err)
			}
		}
	}
}

// ping sends one OPTIONS request to the provider.
func (p *SIPProvider) ping(ctx context.Context, client *sipgo.Client) error {
	recipient, err := p.cfg.accountURI("")
	if err != nil {
		return err
	}
	req := sip.NewRequest(sip.OPTIONS, recipient)
	req.SetTransport(transportFor(p.cfg.Transport))

	pingCtx, cancel := context.WithTimeout(ctx, keepaliveTimeout)
	defer cancel()

	res, err := p.transact(pingCtx, client, req)
	if err != nil {
		return err
	}
	if res.StatusCode >= 500 {
		return fmt.Errorf("options rejected: %d %s", res.StatusCode, res.Reason)
	}
	return nil
}

// accountURI builds sip:<user>@<host>:<port> for this account. An empty
// user yields the bare provider URI.
func (c Config) accountURI(user string) (sip.Uri, error) {
	var uri sip.Uri
	target := fmt.Sprintf("sip:%s:%d", c.Host, c.Port)
	if user != "" {
		target = fmt.Sprintf("sip:%s@%s:%d", user, c.Host, c.Port)
	}
	if err := sip.ParseUri(target, &uri); err != nil {
		return uri, fmt.Errorf("parsing provider uri: %w", err)
	}
	return uri, nil
}

// withDigestAuth clones req and attaches the digest credentials answering
// the challenge carried by res.
func withDigestAuth(req *sip.Request, res *sip.Response, username, password string) (*sip.Request, error) {
	challengeHeader := "WWW-Authenticate"
	authzHeader := "Authorization"
	if res.StatusCode == sip.StatusProxyAuthRequired {
		challengeHeader = "Proxy-Authenticate"
		authzHeader = "Proxy-Authorization"
	}

	h := res.GetHeader(challengeHeader)
	if h == nil {
		return nil, fmt.Errorf("provider sent %d but no %s header", res.StatusCode, challengeHeader)
	}
	chal, err := digest.ParseChallenge(h.Value())
	if err != nil {
		return nil, fmt.Errorf("parsing auth challenge: %w", err)
	}

	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: username,
		Password: password,
	})
	if err != nil {
		return nil, fmt.Errorf("computing digest: %w", err)
	}

	authReq := req.Clone()
	authReq.RemoveHeader("Via")
	authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))
	return authReq, nil
}
