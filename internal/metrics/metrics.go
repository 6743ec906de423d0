// Package metrics exports run outcomes to prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mkoziy/vulnsync/internal/models"
)

const namespace = "vulnsync"

// Metrics records runs on its own registry. It satisfies pipeline.Recorder.
type Metrics struct {
	registry *prometheus.Registry

	runs        *prometheus.CounterVec
	records     *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	lastSuccess *prometheus.GaugeVec
	running     *prometheus.GaugeVec
}

// New creates the collectors and registers them with the Go and process
// collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.runs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "runs_total",
		Help:      "Finished sync runs by source and status",
	}, []string{"source", "status"})
	m.records = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_total",
		Help:      "Records processed by source and outcome",
	}, []string{"source", "outcome"})
	m.duration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "run_duration_seconds",
		Help:      "Wall time of finished sync runs",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	}, []string{"source"})
	m.lastSuccess = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_success_timestamp_seconds",
		Help:      "Unix time of the last successful run",
	}, []string{"source"})
	m.running = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "running",
		Help:      "Runs currently in progress",
	}, []string{"source"})

	m.registry.MustRegister(
		m.runs, m.records, m.duration, m.lastSuccess, m.running,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) RunStarted(source string) {
	m.running.WithLabelValues(source).Inc()
}

func (m *Metrics) RunFinished(run *models.SyncRun) {
	m.running.WithLabelValues(run.Source).Dec()
	m.runs.WithLabelValues(run.Source, string(run.Status)).Inc()

	c := run.Counts()
	for outcome, n := range map[string]int{
		"inserted":             c.Inserted,
		"updated":              c.Updated,
		"skipped_non_matching": c.SkippedNonMatching,
		"skipped_error":        c.SkippedError,
	} {
		if n > 0 {
			m.records.WithLabelValues(run.Source, outcome).Add(float64(n))
		}
	}

	if d := run.Duration(); d > 0 {
		m.duration.WithLabelValues(run.Source).Observe(d.Seconds())
	}
	if run.Status == models.StatusSuccess && run.EndedAt != nil {
		m.lastSuccess.WithLabelValues(run.Source).Set(float64(run.EndedAt.Unix()))
	}
}
