package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry metrics
	WorkersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crank_workers_total",
			Help: "Total number of registered workers",
		},
	)

	WorkersHealthy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crank_workers_healthy_total",
			Help: "Total number of workers currently considered healthy",
		},
	)

	RegistrationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crank_registrations_total",
			Help: "Total number of worker registrations accepted",
		},
	)

	HeartbeatsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crank_heartbeats_total",
			Help: "Total number of heartbeats received by outcome",
		},
		[]string{"outcome"}, // "ok" | "unknown_worker"
	)

	DeregistrationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crank_deregistrations_total",
			Help: "Total number of worker deregistrations processed",
		},
	)

	JournalWriteDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crank_registry_journal_write_duration_seconds",
			Help:    "Time taken to append and fsync a journal entry",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Router metrics
	RouteRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crank_route_requests_total",
			Help: "Total number of route requests by outcome",
		},
		[]string{"outcome"}, // "hit" | "miss"
	)

	// Controller API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crank_api_requests_total",
			Help: "Total number of controller API requests by method, path and status",
		},
		[]string{"method", "path", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crank_api_request_duration_seconds",
			Help:    "Controller API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Certificate lifecycle metrics, one counter per CertificateEvent kind.
	CertificateEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crank_certificate_events_total",
			Help: "Total number of certificate lifecycle events emitted by kind",
		},
		[]string{"event"},
	)

	CSRGenerationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crank_csr_generation_duration_seconds",
			Help:    "Time taken to generate an RSA-4096 key pair and CSR",
			Buckets: []float64{0.5, 1, 2, 4, 8, 16, 32},
		},
	)
)

func init() {
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(WorkersHealthy)
	prometheus.MustRegister(RegistrationsTotal)
	prometheus.MustRegister(HeartbeatsTotal)
	prometheus.MustRegister(DeregistrationsTotal)
	prometheus.MustRegister(JournalWriteDuration)
	prometheus.MustRegister(RouteRequestsTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(CertificateEventsTotal)
	prometheus.MustRegister(CSRGenerationDuration)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
