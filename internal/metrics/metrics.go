// Package metrics exposes sync counters on a private Prometheus registry.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const namespace = "sheets_etl"

// Job results.
const (
	ResultLoaded    = "loaded"
	ResultUnchanged = "unchanged"
	ResultFailed    = "failed"
)

// Metrics holds every collector of the process.
type Metrics struct {
	registry *prometheus.Registry

	documentsSeen         prometheus.Counter
	documentsInaccessible prometheus.Counter
	jobs                  *prometheus.CounterVec
	rowsInserted          prometheus.Counter
	loadDuration          prometheus.Histogram
	runs                  *prometheus.CounterVec
	lastSuccess           prometheus.Gauge
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		documentsSeen: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_seen_total",
			Help:      "Documents recorded as seen by discovery.",
		}),
		documentsInaccessible: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_inaccessible_total",
			Help:      "Liveness checks that found a document gone.",
		}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Job loads by result.",
		}, []string{"result"}),
		rowsInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_inserted_total",
			Help:      "Target rows written by committed loads.",
		}),
		loadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "load_duration_seconds",
			Help:      "Time to commit one job load.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Sync runs by outcome.",
		}, []string{"outcome"}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last run without failures.",
		}),
	}
	m.registry.MustRegister(
		m.documentsSeen,
		m.documentsInaccessible,
		m.jobs,
		m.rowsInserted,
		m.loadDuration,
		m.runs,
		m.lastSuccess,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) DocumentSeen() {
	if m != nil {
		m.documentsSeen.Inc()
	}
}

func (m *Metrics) DocumentInaccessible() {
	if m != nil {
		m.documentsInaccessible.Inc()
	}
}

// JobLoaded records a committed load that replaced rows.
func (m *Metrics) JobLoaded(rows int64, d time.Duration) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(ResultLoaded).Inc()
	m.rowsInserted.Add(float64(rows))
	m.loadDuration.Observe(d.Seconds())
}

// JobUnchanged records a load short-circuited by an equal fingerprint.
func (m *Metrics) JobUnchanged(d time.Duration) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(ResultUnchanged).Inc()
	m.loadDuration.Observe(d.Seconds())
}

func (m *Metrics) JobFailed() {
	if m != nil {
		m.jobs.WithLabelValues(ResultFailed).Inc()
	}
}

// RunFinished counts a run and, when err is nil, stamps the success gauge.
func (m *Metrics) RunFinished(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.runs.WithLabelValues("error").Inc()
		return
	}
	m.runs.WithLabelValues("ok").Inc()
	m.lastSuccess.SetToCurrentTime()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("starting metrics server")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
