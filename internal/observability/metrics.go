package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions   prometheus.Gauge
	SessionEvents    *prometheus.CounterVec
	WSMessages       *prometheus.CounterVec
	OutboundMessages *prometheus.CounterVec
	ProxyRequests    *prometheus.CounterVec
	ProviderErrors   *prometheus.CounterVec
	UpstreamLatency  *prometheus.HistogramVec
	TurnEvents       *prometheus.CounterVec
	StageTransitions *prometheus.CounterVec
	latency          *latencyWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active enrollment conversations.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		OutboundMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_messages_total",
			Help:      "Outbound queue outcomes by message type.",
		}, []string{"type", "outcome"}),
		ProxyRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_requests_total",
			Help:      "TTS/S2S proxy requests by route and response status.",
		}, []string{"route", "status"}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider errors by provider and code.",
		}, []string{"provider", "code"}),
		UpstreamLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_latency_ms",
			Help:      "Latency of provider calls in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000, 4000},
		}, []string{"op"}),
		TurnEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_events_total",
			Help:      "Conversation turn outcomes.",
		}, []string{"event"}),
		StageTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_transitions_total",
			Help:      "Enrollment stage transitions by kind and target stage.",
		}, []string{"kind", "to"}),
		latency:    newLatencyWindow(1024),
	}
}

func (m *Metrics) ObserveUpstream(op string, d time.Duration) {
	m.UpstreamLatency.WithLabelValues(op).Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveOutboundMessage(msgType, outcome string) {
	m.OutboundMessages.WithLabelValues(msgType, outcome).Inc()
}

// ObserveTurnPhase records how long one phase of a turn took in the given
// enrollment stage.
func (m *Metrics) ObserveTurnPhase(phase string, stage int, d time.Duration) {
	if m == nil {
		return
	}
	m.latency.observe(phase, stage, float64(d.Microseconds())/1000)
}

func (m *Metrics) ObserveTurnIndicator(name string) {
	if m == nil {
		return
	}
	m.latency.count(name)
}

func (m *Metrics) LatencySnapshot() LatencySnapshot {
	return m.latency.snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
