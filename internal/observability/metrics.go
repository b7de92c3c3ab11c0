package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. Each
// instance owns its registry so several can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry
	stages   *turnStageWindow

	ActiveSessions       prometheus.Gauge
	ActiveCaptures       prometheus.Gauge
	SessionEvents        *prometheus.CounterVec
	TurnOutcomes         *prometheus.CounterVec
	CaptureOutcomes      *prometheus.CounterVec
	WSMessages           *prometheus.CounterVec
	GenerationLatency    prometheus.Histogram
	TranscriptionLatency prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		stages:   newTurnStageWindow(256),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of conversation sessions tracked in memory.",
		}),
		ActiveCaptures: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_captures",
			Help:      "Number of voice capture sessions currently recording or finalizing.",
		}),
		SessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		TurnOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "User turns by input source and outcome kind.",
		}, []string{"source", "outcome"}),
		CaptureOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "captures_total",
			Help:      "Finished capture sessions by end reason and final state.",
		}, []string{"end_reason", "state"}),
		WSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		GenerationLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_latency_ms",
			Help:      "Generation backend call latency in milliseconds.",
			Buckets:   []float64{250, 500, 1000, 1500, 2500, 4000, 8000, 15000},
		}),
		TranscriptionLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transcription_latency_ms",
			Help:      "Transcription backend call latency in milliseconds.",
			Buckets:   []float64{100, 250, 500, 800, 1200, 2000, 4000},
		}),
	}
}

func (m *Metrics) ObserveGeneration(d time.Duration) {
	m.GenerationLatency.Observe(float64(d.Milliseconds()))
	m.stages.Observe("generation", float64(d.Milliseconds()))
}

func (m *Metrics) ObserveTranscription(d time.Duration) {
	m.TranscriptionLatency.Observe(float64(d.Milliseconds()))
	m.stages.Observe("transcription", float64(d.Milliseconds()))
}

func (m *Metrics) ObserveTurnStage(stage string, d time.Duration) {
	m.stages.Observe(stage, float64(d.Milliseconds()))
}

func (m *Metrics) ObserveTurnIndicator(name string) {
	m.stages.ObserveIndicator(name)
}

func (m *Metrics) TurnStageSnapshot() TurnStageSnapshot {
	return m.stages.Snapshot()
}

func (m *Metrics) ResetTurnStages() {
	m.stages.Reset()
}

// Handler serves this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Gatherer exposes the registry for tests and embedding.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}
