package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ReferralsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "referrals_processed_total",
		Help: "Referral redemptions by resulting status.",
	}, []string{"status"})

	FraudScore = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "referral_fraud_score",
		Help:    "Distribution of computed referral fraud scores.",
		Buckets: prometheus.LinearBuckets(0, 0.1, 11),
	})

	Claims = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "claims_total",
		Help: "Claim attempts by result.",
	}, []string{"result"})

	RateLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rate_limit_rejections_total",
		Help: "Requests rejected by the rate limiter.",
	}, []string{"action"})

	Settlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlements_total",
		Help: "Settlement attempts by result.",
	}, []string{"result"})

	ActiveSessionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sessions_closed_total",
		Help: "Sessions closed, by reason.",
	}, []string{"reason"})
)
