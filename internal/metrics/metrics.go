package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "genforge_jobs_submitted_total",
		Help: "The total number of accepted job submissions",
	}, []string{"kind"})

	JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "genforge_jobs_finished_total",
		Help: "The total number of jobs reaching a terminal state",
	}, []string{"kind", "status"})

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "genforge_job_duration_seconds",
		Help:    "Time from submission to terminal state.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"kind", "status"})

	WebhooksReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "genforge_webhooks_received_total",
		Help: "Provider callbacks by outcome",
	}, []string{"outcome"}) // outcome: applied, duplicate, unknown, malformed, unauthorized

	ProviderRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "genforge_provider_requests_total",
		Help: "Calls made to the inference provider",
	}, []string{"operation", "result"})

	LedgerOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "genforge_ledger_operations_total",
		Help: "Ledger writes by kind and result",
	}, []string{"operation", "result"})

	TokensCharged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "genforge_tokens_charged_total",
		Help: "Tokens drawn from account balances",
	})

	TokensRefunded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "genforge_tokens_refunded_total",
		Help: "Tokens credited back to account balances",
	})

	StaleWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "genforge_stale_writes_total",
		Help: "Optimistic concurrency conflicts that forced a reload",
	}, []string{"entity"})
)
