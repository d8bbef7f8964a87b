package audio

import (
	"log/slog"
	"sync"
	"time"
)

// permissionTTL is how long a probe result is trusted before re-checking.
// Device availability changes when headsets are plugged or unplugged, so
// results go stale quickly.
const permissionTTL = 30 * time.Second

// DeviceProber checks whether an audio capture device is usable right now.
// The web client reports its getUserMedia outcome through the API; headless
// deployments plug in a probe that always grants.
type DeviceProber interface {
	ProbeMicrophone() (granted bool, errorKind string)
}

// Gateway caches microphone permission probes. Call setup must not pay the
// probe cost on every attempt, but a denial must not be cached forever.
type Gateway struct {
	prober DeviceProber
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger

	mu        sync.Mutex
	granted   bool
	errorKind string
	checkedAt time.Time
}

// NewGateway creates a microphone permission gateway around prober.
func NewGateway(prober DeviceProber, logger *slog.Logger) *Gateway {
	return &Gateway{
		prober: prober,
		ttl:    permissionTTL,
		now:    time.Now,
		logger: logger.With("subsystem", "audio"),
	}
}

// RequestMicrophoneAccess returns the cached probe result, refreshing it
// when stale. A denial carries the error kind for the user-facing message.
func (g *Gateway) RequestMicrophoneAccess() (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if !g.checkedAt.IsZero() && now.Sub(g.checkedAt) < g.ttl {
		return g.granted, g.errorKind
	}

	granted, kind := g.prober.ProbeMicrophone()
	g.granted = granted
	g.errorKind = kind
	g.checkedAt = now

	if !granted {
		g.logger.Warn("microphone unavailable", "kind", kind)
	}
	return granted, kind
}

// Invalidate drops the cached result so the next request probes again.
// The API calls this when the client reports a device change.
func (g *Gateway) Invalidate() {
	g.mu.Lock()
	g.checkedAt = time.Time{}
	g.mu.Unlock()
}

// Reporter accepts device status reports from the web client and keeps the
// permission gateway coherent: every report invalidates the cached probe so
// the next call setup sees the reported status immediately instead of a
// stale cached grant.
type Reporter struct {
	prober  *ReportedProber
	gateway *Gateway
}

// NewReporter ties a reported prober to the gateway caching its results.
func NewReporter(prober *ReportedProber, gateway *Gateway) *Reporter {
	return &Reporter{prober: prober, gateway: gateway}
}

// Report records the client's latest device status and drops the gateway's
// cached result.
func (r *Reporter) Report(granted bool, errorKind string) {
	r.prober.Report(granted, errorKind)
	r.gateway.Invalidate()
}

// ReportedProber holds the most recent device status reported by the web
// client. It implements DeviceProber for deployments where the browser owns
// the capture device.
type ReportedProber struct {
	mu        sync.Mutex
	granted   bool
	errorKind string
	reported  bool
}

// NewReportedProber starts with microphone access assumed available until
// the client reports otherwise.
func NewReportedProber() *ReportedProber {
	return &ReportedProber{granted: true}
}

// Report records the client's latest device status.
func (p *ReportedProber) Report(granted bool, errorKind string) {
	p.mu.Lock()
	p.granted = granted
	p.errorKind = errorKind
	p.reported = true
	p.mu.Unlock()
}

// ProbeMicrophone returns the last reported status.
func (p *ReportedProber) ProbeMicrophone() (bool, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.granted, p.errorKind
}
