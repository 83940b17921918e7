package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RateLimitDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chirp",
			Name:      "ratelimit_decisions_total",
			Help:      "Rate limit checks by preset and outcome.",
		},
		[]string{"preset", "outcome"}, // outcome: allowed, denied, fail_open
	)

	JobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chirp",
			Name:      "jobs_enqueued_total",
			Help:      "Jobs added to the queue manager.",
		},
		[]string{"queue", "job"},
	)

	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chirp",
			Name:      "jobs_processed_total",
			Help:      "Jobs handled by workers.",
		},
		[]string{"job", "status"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "chirp",
			Name:      "job_duration_seconds",
			Help:      "Worker handler duration.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"job"},
	)

	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chirp",
			Name:      "whatsapp_messages_total",
			Help:      "Outbound WhatsApp messages by result.",
		},
		[]string{"status"},
	)

	WebhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chirp",
			Name:      "webhook_events_total",
			Help:      "Engagement events received from WhatsApp webhooks.",
		},
		[]string{"type"},
	)

	ImportedRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chirp",
			Name:      "import_rows_total",
			Help:      "CSV rows processed by outcome.",
		},
		[]string{"outcome"}, // valid, invalid, duplicate
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "chirp",
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status_code"},
	)
)
