package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes engine counters and gauges on a Prometheus registry.
type Metrics struct {
	Registry *prometheus.Registry

	SessionsLive      prometheus.Gauge
	ReconnectAttempts *prometheus.CounterVec
	FragmentsBuffered prometheus.Counter
	FragmentsDropped  *prometheus.CounterVec
	ResponderCalls    prometheus.Counter
	ResponderFailures *prometheus.CounterVec
	HandoffClaims     prometheus.Counter
	HandoffExpiries   prometheus.Counter
	SegmentsSent      prometheus.Counter
}

// NewMetrics creates a metrics set on its own registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		SessionsLive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "convopilot_sessions_live",
			Help: "Number of live transport sessions.",
		}),
		ReconnectAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "convopilot_reconnect_attempts_total",
			Help: "Reconnect attempts per outcome.",
		}, []string{"outcome"}),
		FragmentsBuffered: factory.NewCounter(prometheus.CounterOpts{
			Name: "convopilot_fragments_buffered_total",
			Help: "Inbound fragments accepted into debounce buffers.",
		}),
		FragmentsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "convopilot_fragments_dropped_total",
			Help: "Inbound fragments dropped before buffering, per reason.",
		}, []string{"reason"}),
		ResponderCalls: factory.NewCounter(prometheus.CounterOpts{
			Name: "convopilot_responder_calls_total",
			Help: "Composite responder invocations.",
		}),
		ResponderFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "convopilot_responder_failures_total",
			Help: "Responder failures per class.",
		}, []string{"class"}),
		HandoffClaims: factory.NewCounter(prometheus.CounterOpts{
			Name: "convopilot_handoff_claims_total",
			Help: "Conversations claimed by a human operator.",
		}),
		HandoffExpiries: factory.NewCounter(prometheus.CounterOpts{
			Name: "convopilot_handoff_expiries_total",
			Help: "Claims released automatically after inactivity.",
		}),
		SegmentsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "convopilot_segments_sent_total",
			Help: "Reply segments delivered through the transport.",
		}),
	}
}
