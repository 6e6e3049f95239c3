package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	WebhooksReceived   = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_webhooks_received_total", Help: "Webhook deliveries accepted"})
	WebhooksDuplicate  = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_webhooks_duplicate_total", Help: "Webhook deliveries short-circuited as duplicates"})
	WebhooksUnverified = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_webhooks_unverified_total", Help: "Webhook deliveries stored without a valid signature"})
	PublishRequests    = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_publish_requests_total", Help: "Publish requests received"})
	PublishJobsCreated = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_publish_jobs_created_total", Help: "Publish jobs enqueued"})
	ApprovalsRequested = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_approvals_requested_total", Help: "Approval records created"})
	BudgetRejects      = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_budget_rejects_total", Help: "Requests denied by budget admission"})
	RateLimitRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_rate_limit_rejects_total", Help: "Requests rejected by the edge rate limiter"})
	JobsClaimed        = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_jobs_claimed_total", Help: "Jobs claimed by workers"})
	JobsCompleted      = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_jobs_completed_total", Help: "Jobs completed successfully"})
	JobsRetried        = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_jobs_retried_total", Help: "Jobs that failed and were rescheduled"})
	JobsFailed         = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_jobs_failed_total", Help: "Jobs that reached terminal failure"})
	JobsReclaimed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_jobs_reclaimed_total", Help: "Stale claims returned to pending by the lease sweep"})
	QueueDepthGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "sync_queue_depth", Help: "Jobs ready to claim"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			WebhooksReceived,
			WebhooksDuplicate,
			WebhooksUnverified,
			PublishRequests,
			PublishJobsCreated,
			ApprovalsRequested,
			BudgetRejects,
			RateLimitRejects,
			JobsClaimed,
			JobsCompleted,
			JobsRetried,
			JobsFailed,
			JobsReclaimed,
			QueueDepthGauge,
		)
	})
	return promhttp.Handler()
}
