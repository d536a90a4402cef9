package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WebhooksReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_webhooks_received_total",
		Help: "Total number of payment gateway callbacks by result",
	}, []string{"result"})

	WebhookProcessingLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "payment_webhook_processing_latency_seconds",
		Help:    "Latency of payment gateway callback processing",
		Buckets: prometheus.DefBuckets,
	})

	PaymentsInitiatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payments_initiated_total",
		Help: "Total number of payments initiated",
	})

	PaymentTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_transitions_total",
		Help: "Total number of applied payment status transitions",
	}, []string{"from", "to"})

	PaymentsExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payments_expired_total",
		Help: "Total number of pending payments expired by the sweep",
	})

	EnrollmentsActivatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "enrollments_activated_total",
		Help: "Total number of enrollment activations by kind",
	}, []string{"kind"})

	EnrollmentsExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "enrollments_expired_total",
		Help: "Total number of enrollments expired by the sweep",
	})

	ProgressEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "progress_events_total",
		Help: "Total number of recorded progress events",
	})

	ProgressConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "progress_conflicts_total",
		Help: "Total number of optimistic concurrency retries on course completion",
	})

	CourseCompletionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "course_completions_total",
		Help: "Total number of courses crossing the completion threshold",
	})

	CertificatesIssuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "certificates_issued_total",
		Help: "Total number of certificates issued",
	})

	CertificateRenderFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "certificate_render_failures_total",
		Help: "Total number of failed certificate renders",
	})

	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notifications_total",
		Help: "Total number of notifications by stage and result",
	}, []string{"stage", "result"})

	ScheduledJobRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduled_job_runs_total",
		Help: "Total number of scheduled job runs by result",
	}, []string{"job", "result"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
