package verifier

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the push-attestation negotiate/evidence/verify pipeline.
var (
	negotiationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attestctl_verifier_negotiations_total",
		Help: "Total number of negotiate requests, by result.",
	}, []string{"result"})

	verificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attestctl_verifier_verifications_total",
		Help: "Total number of completed evidence verifications, by outcome.",
	}, []string{"outcome"})

	quoteIntervalAdherence = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "attestctl_verifier_quote_interval_seconds",
		Help:    "Elapsed time between successive negotiate requests for the same agent.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	verificationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "attestctl_verifier_verification_latency_seconds",
		Help:    "Time spent authenticating and classifying a received attestation.",
		Buckets: prometheus.DefBuckets,
	})

	janitorSweptTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attestctl_verifier_janitor_swept_total",
		Help: "Total number of stale attestation records deleted by the periodic janitor.",
	})
)

const (
	resultSuccess = "success"
	resultError   = "error"
	resultPaced   = "paced"
	resultBlocked = "blocked"
)

const (
	outcomeVerified            = "verified"
	outcomeQuoteAuthentication = "quote_authentication"
	outcomeLogAuthentication   = "log_authentication"
	outcomePolicyViolation     = "policy_violation"
)
