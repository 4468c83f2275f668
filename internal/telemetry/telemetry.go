package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const namespace = "vooli"

// Metrics groups the prometheus collectors reported by the pipeline.
type Metrics struct {
	registry *prometheus.Registry

	StageDuration    *prometheus.HistogramVec
	RunOutcomes      *prometheus.CounterVec
	EnrichOutcomes   *prometheus.CounterVec
	EnrichInFlight   prometheus.Gauge
	SwallowedErrors  *prometheus.CounterVec
	StreamTokens     prometheus.Counter
	ReapedRuns       prometheus.Counter
	ActiveSubscriber prometheus.Gauge
}

// NewMetrics registers collectors on a fresh registry together with the Go and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"stage", "ok"}),
		RunOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Runs by terminal outcome.",
		}, []string{"outcome"}),
		EnrichOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enrichment_total",
			Help:      "Per-URL enrichment outcomes.",
		}, []string{"result"}),
		EnrichInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "enrichment_in_flight",
			Help:      "Enrichment sub-tasks currently running.",
		}),
		SwallowedErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swallowed_errors_total",
			Help:      "Failures logged and dropped without failing the run.",
		}, []string{"kind"}),
		StreamTokens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_tokens_total",
			Help:      "Answer tokens forwarded to run channels.",
		}),
		ReapedRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaped_runs_total",
			Help:      "Stale runs marked failed by the reaper.",
		}),
		ActiveSubscriber: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_subscribers",
			Help:      "Open run progress subscriptions.",
		}),
	}
	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		m.StageDuration, m.RunOutcomes, m.EnrichOutcomes, m.EnrichInFlight,
		m.SwallowedErrors, m.StreamTokens, m.ReapedRuns, m.ActiveSubscriber,
	)
	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveStage records how long a stage took. Safe on a nil receiver.
func (m *Metrics) ObserveStage(stage string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	label := "false"
	if ok {
		label = "true"
	}
	m.StageDuration.WithLabelValues(stage, label).Observe(d.Seconds())
}

func (m *Metrics) RunFinished(outcome string) {
	if m == nil {
		return
	}
	m.RunOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Enriched(result string) {
	if m == nil {
		return
	}
	m.EnrichOutcomes.WithLabelValues(result).Inc()
}

func (m *Metrics) EnrichStarted() {
	if m != nil {
		m.EnrichInFlight.Inc()
	}
}

func (m *Metrics) EnrichDone() {
	if m != nil {
		m.EnrichInFlight.Dec()
	}
}

func (m *Metrics) Swallowed(kind string) {
	if m == nil {
		return
	}
	m.SwallowedErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) Token() {
	if m != nil {
		m.StreamTokens.Inc()
	}
}

func (m *Metrics) Reaped(n int) {
	if m != nil {
		m.ReapedRuns.Add(float64(n))
	}
}

func (m *Metrics) SubscriberOpened() {
	if m != nil {
		m.ActiveSubscriber.Inc()
	}
}

func (m *Metrics) SubscriberClosed() {
	if m != nil {
		m.ActiveSubscriber.Dec()
	}
}

// Tracer returns the named tracer from the global provider; a no-op unless one is installed.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
