// Package metrics holds the daemon's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flitsinc/watchtower/internal/events"
)

// Cycle outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	registry *prometheus.Registry

	cycles          *prometheus.CounterVec
	cycleDuration   prometheus.Histogram
	eventsAdded     prometheus.Counter
	geocodeLookups  *prometheus.CounterVec
	extractFallback *prometheus.CounterVec
	activeAgents    prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}
	m.cycles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "watchtower",
		Name:      "cycles_total",
		Help:      "Search cycles run by agents, by outcome",
	}, []string{"outcome"})
	m.cycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "watchtower",
		Name:      "cycle_duration_seconds",
		Help:      "Time spent in one search cycle",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300},
	})
	m.eventsAdded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "watchtower",
		Name:      "events_added_total",
		Help:      "Events appended to the store",
	})
	m.geocodeLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "watchtower",
		Name:      "geocode_lookups_total",
		Help:      "Location lookups, by the stage that answered",
	}, []string{"source"})
	m.extractFallback = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "watchtower",
		Name:      "extraction_fallbacks_total",
		Help:      "Placeholder events produced because model output was unusable",
	}, []string{"mode"})
	m.activeAgents = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "watchtower",
		Name:      "active_agents",
		Help:      "Search agents currently deployed",
	})
	m.registry.MustRegister(
		m.cycles,
		m.cycleDuration,
		m.eventsAdded,
		m.geocodeLookups,
		m.extractFallback,
		m.activeAgents,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveCycle(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(outcome).Inc()
	m.cycleDuration.Observe(took.Seconds())
}

func (m *Metrics) EventsAdded(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.eventsAdded.Add(float64(n))
}

func (m *Metrics) GeocodeLookup(source events.GeoSource) {
	if m == nil {
		return
	}
	m.geocodeLookups.WithLabelValues(string(source)).Inc()
}

func (m *Metrics) ExtractionFallback(mode string) {
	if m == nil {
		return
	}
	m.extractFallback.WithLabelValues(mode).Inc()
}

func (m *Metrics) SetActiveAgents(n int) {
	if m == nil {
		return
	}
	m.activeAgents.Set(float64(n))
}
