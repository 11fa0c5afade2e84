// Package metrics provides Prometheus metrics collection for the pipeline:
// sync run outcomes, archive job transitions, transform batches and ingest
// requests. All methods are nil-receiver safe so instrumentation stays
// optional for every consumer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every Prometheus collector this pipeline registers, plus the
// service label curried into each Observe/Inc call below.
type Metrics struct {
	service string

	syncRunsTotal       *prometheus.CounterVec
	syncDuration        *prometheus.HistogramVec
	recordsWrittenTotal *prometheus.CounterVec

	archiveJobsTotal    *prometheus.CounterVec
	archiveRetriesTotal *prometheus.CounterVec
	archiveBytesTotal   *prometheus.CounterVec

	transformBatchesTotal *prometheus.CounterVec
	transformDuration     *prometheus.HistogramVec

	ingestRequestsTotal *prometheus.CounterVec

	rateLimitExceededTotal *prometheus.CounterVec
}

// New creates a Metrics instance registered against the default registerer.
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics instance registered against a custom
// registerer, letting tests isolate collectors per case.
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		service: serviceName,

		syncRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "elt_sync_runs_total",
				Help: "Total number of sync engine runs, by stream, mode and terminal status",
			},
			[]string{"service", "stream", "mode", "status"},
		),
		syncDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "elt_sync_duration_seconds",
				Help:    "Sync run duration in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"service", "stream"},
		),
		recordsWrittenTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "elt_records_written_total",
				Help: "Total number of records written into ontology tables",
			},
			[]string{"service", "provider", "stream"},
		),
		archiveJobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "elt_archive_jobs_total",
				Help: "Total number of archive jobs by terminal status",
			},
			[]string{"service", "status"},
		),
		archiveRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "elt_archive_retries_total",
				Help: "Total number of archive job retry transitions",
			},
			[]string{"service"},
		),
		archiveBytesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "elt_archive_bytes_total",
				Help: "Total bytes uploaded to blob storage by the archive pipeline",
			},
			[]string{"service"},
		),
		transformBatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "elt_transform_batches_total",
				Help: "Total number of transform batches by ontology table and status",
			},
			[]string{"service", "ontology", "status"},
		),
		transformDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "elt_transform_duration_seconds",
				Help:    "Transform batch duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"service", "ontology"},
		),
		ingestRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "elt_ingest_requests_total",
				Help: "Total number of device push-ingest HTTP requests by terminal status",
			},
			[]string{"service", "status"},
		),
		rateLimitExceededTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "elt_rate_limit_exceeded_total",
				Help: "Total number of operations rejected for exceeding a configured rate or daily cap",
			},
			[]string{"service", "key"},
		),
	}

	for _, c := range []prometheus.Collector{
		m.syncRunsTotal, m.syncDuration, m.recordsWrittenTotal,
		m.archiveJobsTotal, m.archiveRetriesTotal, m.archiveBytesTotal,
		m.transformBatchesTotal, m.transformDuration,
		m.ingestRequestsTotal, m.rateLimitExceededTotal,
	} {
		registerer.MustRegister(c)
	}

	return m
}

// SyncRun records one sync engine attempt's terminal status and duration.
func (m *Metrics) SyncRun(stream, mode, status string, seconds float64) {
	if m == nil {
		return
	}
	m.syncRunsTotal.WithLabelValues(m.service, stream, mode, status).Inc()
	m.syncDuration.WithLabelValues(m.service, stream).Observe(seconds)
}

// RecordsWritten adds n to the written-record counter for (provider, stream).
func (m *Metrics) RecordsWritten(provider, stream string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.recordsWrittenTotal.WithLabelValues(m.service, provider, stream).Add(float64(n))
}

// ArchiveJob records one archive job's terminal-for-this-attempt status
// ("completed", "pending" on retry, or "failed"), plus bytes uploaded on a
// successful upload.
func (m *Metrics) ArchiveJob(status string, bytesUploaded int64) {
	if m == nil {
		return
	}
	m.archiveJobsTotal.WithLabelValues(m.service, status).Inc()
	if status == "pending" {
		m.archiveRetriesTotal.WithLabelValues(m.service).Inc()
	}
	if bytesUploaded > 0 {
		m.archiveBytesTotal.WithLabelValues(m.service).Add(float64(bytesUploaded))
	}
}

// TransformBatch records one transform batch's outcome and duration.
func (m *Metrics) TransformBatch(ontology, status string, seconds float64) {
	if m == nil {
		return
	}
	m.transformBatchesTotal.WithLabelValues(m.service, ontology, status).Inc()
	m.transformDuration.WithLabelValues(m.service, ontology).Observe(seconds)
}

// IngestRequest records one push-ingest HTTP request's terminal status.
func (m *Metrics) IngestRequest(status string) {
	if m == nil {
		return
	}
	m.ingestRequestsTotal.WithLabelValues(m.service, status).Inc()
}

// RateLimitExceeded records one rejection by a RateLimiter or DailyCapLimiter
// keyed by whatever identifies the limited resource (provider name, job
// class, etc.).
func (m *Metrics) RateLimitExceeded(key string) {
	if m == nil {
		return
	}
	m.rateLimitExceededTotal.WithLabelValues(m.service, key).Inc()
}
