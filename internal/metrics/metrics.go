package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JoinDuration tracks the latency of campaign join requests
	JoinDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "promo_join_duration_seconds",
			Help: "Duration of campaign join requests in seconds",
			Buckets: []float64{
				0.001, // 1ms
				0.005, // 5ms
				0.01,  // 10ms
				0.025, // 25ms
				0.05,  // 50ms
				0.1,   // 100ms
				0.25,  // 250ms
				0.5,   // 500ms
				1.0,   // 1s
				2.5,   // 2.5s
				5.0,   // 5s
				10.0,  // 10s
			},
		},
		[]string{"status"}, // success or failure
	)

	// CampaignsCompleted counts threshold-crossing completions
	CampaignsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promo_campaigns_completed_total",
			Help: "Campaigns completed by crossing their target count",
		},
		[]string{"mechanism"},
	)

	// CampaignsExpired counts sweeper expirations
	CampaignsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "promo_campaigns_expired_total",
			Help: "Campaigns expired by the sweeper",
		},
	)

	// RewardsIssued counts reward records created by the evaluator
	RewardsIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promo_rewards_issued_total",
			Help: "Reward records issued by the tiered reward evaluator",
		},
		[]string{"kind"},
	)

	// RefundAttempts counts sweeper refund gateway calls by outcome
	RefundAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promo_refund_attempts_total",
			Help: "Refund gateway attempts during expiry sweeps",
		},
		[]string{"outcome"}, // confirmed or failed
	)

	// SweepDuration tracks how long a full sweeper pass takes
	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "promo_sweep_duration_seconds",
			Help:    "Duration of expiry sweeper passes in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)
)

// RecordJoinDuration records the duration of a join request
func RecordJoinDuration(status string, duration float64) {
	JoinDuration.WithLabelValues(status).Observe(duration)
}
