package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus collectors for the processing spine. Workspace labels always
// carry the bounded hash from WorkspaceHash, never the raw id.
var (
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "charla_http_request_duration_seconds",
		Help:    "HTTP request latency by endpoint and status code.",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint", "code"})

	WebhookReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "charla_webhook_messages_total",
		Help: "Inbound webhook messages by outcome (routed, duplicate, rate_limited, rejected).",
	}, []string{"outcome"})

	DebounceFlushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "charla_debounce_flushes_total",
		Help: "Debounce buffer flushes by trigger (threshold, timer).",
	}, []string{"trigger"})

	JobsRunning = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "charla_scheduler_jobs_running",
		Help: "Jobs currently executing by type.",
	}, []string{"job_type"})

	JobRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "charla_scheduler_job_retries_total",
		Help: "Job retries by type.",
	}, []string{"job_type"})

	JobsDLQ = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "charla_scheduler_jobs_dlq_total",
		Help: "Jobs moved to the dead letter queue by type.",
	}, []string{"job_type"})

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "charla_scheduler_job_duration_seconds",
		Help:    "Job execution time by type and outcome.",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
	}, []string{"job_type", "outcome"})

	CircuitBreakerOpens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "charla_circuit_breaker_opens_total",
		Help: "Circuit breaker open transitions by workspace hash.",
	}, []string{"workspace"})

	FilesUploaded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "charla_ingestion_files_total",
		Help: "Files by ingestion outcome (uploaded, duplicate, processed, failed).",
	}, []string{"outcome"})

	OCRRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "charla_ingestion_ocr_total",
		Help: "OCR attempts by outcome (attempted, success, fail).",
	}, []string{"outcome"})

	RetrievalRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "charla_retrieval_requests_total",
		Help: "Retrieval requests by endpoint, workspace hash and outcome.",
	}, []string{"endpoint", "workspace", "outcome"})

	RetrievalDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "charla_retrieval_duration_seconds",
		Help:    "Retrieval latency by endpoint.",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})

	EmbedCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "charla_embedding_cache_total",
		Help: "Embedding cache lookups by result (hit, miss).",
	}, []string{"result"})

	ActionRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "charla_action_requests_total",
		Help: "Action executions by action name and outcome.",
	}, []string{"action", "outcome"})

	ActionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "charla_action_duration_seconds",
		Help:    "Action execution latency by action name.",
		Buckets: prometheus.DefBuckets,
	}, []string{"action"})

	DBPoolInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "charla_db_pool_in_use",
		Help: "Database connections currently in use.",
	})

	DBPoolMax = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "charla_db_pool_max",
		Help: "Database pool upper bound.",
	})
)
