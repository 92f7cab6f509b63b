package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Latency stage names recorded per turn.
const (
	StageConnect    = "session_connect"
	StageFirstEvent = "turn_first_event"
	StageFirstText  = "turn_first_text"
	StageFirstAudio = "turn_first_audio"
	StageTurnTotal  = "turn_total"
)

// Metrics groups all Prometheus instruments used by the service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	WireMessages      *prometheus.CounterVec
	ProviderErrors    *prometheus.CounterVec
	TurnOutcomes      *prometheus.CounterVec
	ToolCalls         *prometheus.CounterVec
	Reconnects        *prometheus.CounterVec
	FirstAudioLatency prometheus.Histogram
	StageLatency      *prometheus.HistogramVec

	stages *latencyWindow
}

// NewMetrics registers instruments on the default registry.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer, namespace)
}

// NewMetricsWith registers instruments on reg.
func NewMetricsWith(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of open realtime provider sessions.",
		}),
		SessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		WireMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wire_messages_total",
			Help:      "Provider wire operations and events by direction and type.",
		}, []string{"direction", "type"}),
		ProviderErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider errors by provider and code.",
		}, []string{"provider", "code"}),
		TurnOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Finalized turns by outcome.",
		}, []string{"outcome"}),
		ToolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool calls by tool name and result.",
		}, []string{"tool", "result"}),
		Reconnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Provider reconnect attempts by result.",
		}, []string{"result"}),
		FirstAudioLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_audio_latency_ms",
			Help:      "Latency from turn open to first assistant audio chunk in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000},
		}),
		StageLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_stage_latency_ms",
			Help:      "Turn stage latencies in milliseconds.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2000, 4000, 8000},
		}, []string{"stage"}),
		stages: newLatencyWindow(256),
	}
}

func (m *Metrics) SessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
	m.SessionEvents.WithLabelValues("opened").Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.SessionEvents.WithLabelValues("closed").Inc()
}

func (m *Metrics) WireMessage(direction, kind string) {
	if m == nil {
		return
	}
	m.WireMessages.WithLabelValues(direction, kind).Inc()
}

func (m *Metrics) ProviderError(provider, code string) {
	if m == nil {
		return
	}
	if code == "" {
		code = "unknown"
	}
	m.ProviderErrors.WithLabelValues(provider, code).Inc()
}

func (m *Metrics) TurnOutcome(outcome string) {
	if m == nil {
		return
	}
	m.TurnOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ToolCall(tool, result string) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(tool, result).Inc()
}

func (m *Metrics) Reconnect(result string) {
	if m == nil {
		return
	}
	m.Reconnects.WithLabelValues(result).Inc()
}

// ObserveStage records one stage latency in the histogram and the rolling window.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	ms := float64(d.Microseconds()) / 1000
	m.StageLatency.WithLabelValues(stage).Observe(ms)
	m.stages.Observe(stage, ms)
	if stage == StageFirstAudio {
		m.FirstAudioLatency.Observe(ms)
	}
}

// ObserveIndicator counts a named turn indicator in the rolling window.
func (m *Metrics) ObserveIndicator(name string) {
	if m == nil {
		return
	}
	m.stages.ObserveIndicator(name)
}

// SnapshotTurnStages returns rolling percentiles for every observed stage.
func (m *Metrics) SnapshotTurnStages() TurnStageSnapshot {
	if m == nil {
		return TurnStageSnapshot{GeneratedAt: time.Now().UTC(), Stages: []TurnStageStats{}}
	}
	return m.stages.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
