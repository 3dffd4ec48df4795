package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var submissionCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "trust_submissions_total",
	Help: "Submissions handled by the pipeline, by outcome",
}, []string{"outcome"})

var moderationDecisionCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "trust_moderation_decisions_total",
	Help: "Moderation records written, by status",
}, []string{"status"})

var classifierFailureCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "trust_classifier_failures_total",
	Help: "External moderation calls that failed or timed out",
})

var classifierDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "trust_classifier_duration_sec",
	Help:    "Duration of external moderation calls",
	Buckets: prometheus.DefBuckets,
})

var rateLimitRejectCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "trust_rate_limit_rejections_total",
	Help: "Calls rejected by the rate limiter, by action",
}, []string{"action"})

var rateLimitDegradedCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "trust_rate_limit_degraded_total",
	Help: "Rate limit decisions made against local memory because the shared store failed",
}, []string{"action"})

var ledgerCreditCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "trust_ledger_credits_total",
	Help: "Reward ledger credit attempts, by event kind and whether points were applied",
}, []string{"kind", "credited"})

var identityIssuedCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "trust_identities_issued_total",
	Help: "Anonymous identities issued",
})
