package scraper

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for the fetcher and job controller.
type Metrics struct {
	Registry        *prometheus.Registry
	RequestsTotal   *prometheus.CounterVec
	RequestDuration prometheus.Histogram
	RetriesTotal    prometheus.Counter
	ErrorsTotal     *prometheus.CounterVec
	PagesTotal      prometheus.Counter
	ItemsTotal      *prometheus.CounterVec
	JobsTotal       *prometheus.CounterVec
	ActiveJobs      prometheus.Gauge
}

// NewMetrics constructs and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_requests_total",
			Help: "Total search page requests issued by the fetcher.",
		},
		[]string{"phase"},
	)
	requestDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scraper_request_duration_seconds",
			Help:    "HTTP request latency for search page requests.",
			Buckets: prometheus.DefBuckets,
		},
	)
	retries := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scraper_retries_total",
			Help: "Total number of fetch retry attempts.",
		},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_errors_total",
			Help: "Total number of fetch errors by type.",
		},
		[]string{"error_type"},
	)
	pages := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scraper_pages_processed_total",
			Help: "Total number of search pages fully processed.",
		},
	)
	items := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_items_total",
			Help: "Total number of extracted records by outcome.",
		},
		[]string{"outcome"},
	)
	jobs := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_jobs_total",
			Help: "Total number of finished scrape jobs by final status.",
		},
		[]string{"status"},
	)
	active := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scraper_active_jobs",
			Help: "Number of scrape jobs currently running.",
		},
	)

	registry.MustRegister(requests, requestDuration, retries, errorsTotal, pages, items, jobs, active)

	return &Metrics{
		Registry:        registry,
		RequestsTotal:   requests,
		RequestDuration: requestDuration,
		RetriesTotal:    retries,
		ErrorsTotal:     errorsTotal,
		PagesTotal:      pages,
		ItemsTotal:      items,
		JobsTotal:       jobs,
		ActiveJobs:      active,
	}
}

// IncRequest increments the requests total counter.
func (m *Metrics) IncRequest(phase string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(phase).Inc()
}

// ObserveDuration records an HTTP request duration.
func (m *Metrics) ObserveDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.Observe(d.Seconds())
}

// IncRetries increments the retries counter.
func (m *Metrics) IncRetries() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

// IncError increments the errors counter for a type label.
func (m *Metrics) IncError(errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}

// IncPages increments the processed pages counter.
func (m *Metrics) IncPages() {
	if m == nil {
		return
	}
	m.PagesTotal.Inc()
}

// IncItem counts one record outcome: inserted, duplicate or error.
func (m *Metrics) IncItem(outcome string) {
	if m == nil {
		return
	}
	m.ItemsTotal.WithLabelValues(outcome).Inc()
}

// JobStarted and JobFinished track running jobs and their final status.
func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.ActiveJobs.Inc()
}

func (m *Metrics) JobFinished(status string) {
	if m == nil {
		return
	}
	m.ActiveJobs.Dec()
	m.JobsTotal.WithLabelValues(status).Inc()
}
