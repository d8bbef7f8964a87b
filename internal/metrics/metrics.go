package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/softdial/softdial/internal/callflow"
)

// EngineStatus exposes the call flow engine's current state for scraping.
type EngineStatus interface {
	State() callflow.UIState
	ActiveCall() bool
	ReconnectAttempts() int
}

// OutcomeCounter returns finished-call counts grouped by outcome.
type OutcomeCounter interface {
	CountByOutcome(ctx context.Context) (map[string]int64, error)
}

// ConnectionStatus reports whether the telephony provider link is up.
type ConnectionStatus interface {
	Connected() bool
}

// uiStates is the fixed label set for the call state gauge.
var uiStates = []callflow.UIState{
	callflow.StateIdle,
	callflow.StateDialing,
	callflow.StateRinging,
	callflow.StateConnected,
	callflow.StateVoicemail,
	callflow.StateEnded,
}

// Collector is a prometheus.Collector that gathers engine metrics at scrape time.
type Collector struct {
	engine    EngineStatus
	outcomes  OutcomeCounter
	provider  ConnectionStatus
	startTime time.Time

	// Metric descriptors.
	callStateDesc         *prometheus.Desc
	activeCallDesc        *prometheus.Desc
	callsTotalDesc        *prometheus.Desc
	providerUpDesc        *prometheus.Desc
	reconnectAttemptsDesc *prometheus.Desc
	uptimeDesc            *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if unavailable.
func NewCollector(
	engine EngineStatus,
	outcomes OutcomeCounter,
	provider ConnectionStatus,
	startTime time.Time,
) *Collector {
	return &Collector{
		engine:    engine,
		outcomes:  outcomes,
		provider:  provider,
		startTime: startTime,

		callStateDesc: prometheus.NewDesc(
			"softdial_call_state",
			"Current call flow state (1 for the active state, 0 otherwise)",
			[]string{"state"}, nil,
		),
		activeCallDesc: prometheus.NewDesc(
			"softdial_active_call",
			"Whether a call session is currently active",
			nil, nil,
		),
		callsTotalDesc: prometheus.NewDesc(
			"softdial_calls_total",
			"Total number of finished calls by outcome",
			[]string{"outcome"}, nil,
		),
		providerUpDesc: prometheus.NewDesc(
			"softdial_provider_connected",
			"Whether the telephony provider connection is up",
			nil, nil,
		),
		reconnectAttemptsDesc: prometheus.NewDesc(
			"softdial_reconnect_attempts",
			"Consecutive failed reconnection attempts since the last successful connect",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"softdial_uptime_seconds",
			"Seconds since the process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.callStateDesc
	ch <- c.activeCallDesc
	ch <- c.callsTotalDesc
	ch <- c.providerUpDesc
	ch <- c.reconnectAttemptsDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Engine state gauges.
	if c.engine != nil {
		current := c.engine.State()
		for _, state := range uiStates {
			val := 0.0
			if state == current {
				val = 1.0
			}
			ch <- prometheus.MustNewConstMetric(
				c.callStateDesc, prometheus.GaugeValue, val, string(state),
			)
		}

		active := 0.0
		if c.engine.ActiveCall() {
			active = 1.0
		}
		ch <- prometheus.MustNewConstMetric(
			c.activeCallDesc, prometheus.GaugeValue, active,
		)

		ch <- prometheus.MustNewConstMetric(
			c.reconnectAttemptsDesc, prometheus.GaugeValue,
			float64(c.engine.ReconnectAttempts()),
		)
	}

	// Call volume counters by outcome.
	if c.outcomes != nil {
		counts, err := c.outcomes.CountByOutcome(ctx)
		if err != nil {
			slog.Error("metrics: failed to count calls by outcome", "error", err)
		} else {
			for _, outcome := range []string{"completed", "failed", "voicemail"} {
				ch <- prometheus.MustNewConstMetric(
					c.callsTotalDesc, prometheus.CounterValue,
					float64(counts[outcome]), outcome,
				)
			}
		}
	}

	// Provider link status.
	if c.provider != nil {
		up := 0.0
		if c.provider.Connected() {
			up = 1.0
		}
		ch <- prometheus.MustNewConstMetric(
			c.providerUpDesc, prometheus.GaugeValue, up,
		)
	}

	// Uptime.
	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
