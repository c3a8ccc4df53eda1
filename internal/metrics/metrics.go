package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// VerificationsTotal counts verification outcomes by rejection code,
	// with "ACCEPTED" for successes and "ERROR" for infrastructure failures.
	VerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "keygate_verifications_total",
		Help: "Total number of API key verifications by outcome",
	}, []string{"outcome"})

	// VerifyDuration tracks end-to-end verification latency, dominated by
	// the bcrypt comparisons and the failure-path delay.
	VerifyDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "keygate_verify_duration_seconds",
		Help:    "Histogram of verification duration",
		Buckets: prometheus.DefBuckets,
	})

	// CandidateCount tracks how many stored rows matched the lookup prefix
	// per verification. Values above 1 indicate start-prefix collisions.
	CandidateCount = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "keygate_candidate_rows",
		Help:    "Histogram of candidate rows fetched per verification",
		Buckets: []float64{0, 1, 2, 5, 10, 20},
	})

	// KeysIssued counts API keys created through the management API or CLI.
	KeysIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "keygate_keys_issued_total",
		Help: "Total number of API keys issued",
	})

	// ExpiredKeysDeleted counts rows removed by the expiry gate and the
	// background sweep.
	ExpiredKeysDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "keygate_expired_keys_deleted_total",
		Help: "Total number of expired API keys deleted",
	})
)
