package optimistic

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	prometheusOptimisticBlocksVerified          prometheus.Counter
	prometheusOptimisticJustificationsVerified  prometheus.Counter
	prometheusOptimisticResets                  prometheus.Counter
	prometheusOptimisticSourceBans              prometheus.Counter
	prometheusOptimisticGlobalUnbans            prometheus.Counter
	prometheusOptimisticBestHeight              prometheus.Gauge
)

var prometheusMetricsInitialized = false

func initPrometheusMetrics() {
	if prometheusMetricsInitialized {
		return
	}

	prometheusOptimisticBlocksVerified = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "optimistic",
			Name:      "blocks_verified",
			Help:      "Number of blocks successfully verified",
		},
	)

	prometheusOptimisticJustificationsVerified = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "optimistic",
			Name:      "justifications_verified",
			Help:      "Number of justifications that advanced the finalized block",
		},
	)

	prometheusOptimisticResets = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "optimistic",
			Name:      "resets",
			Help:      "Number of times verification failed and the download window was reset",
		},
	)

	prometheusOptimisticSourceBans = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "optimistic",
			Name:      "source_bans",
			Help:      "Number of times a source was banned after a failure",
		},
	)

	prometheusOptimisticGlobalUnbans = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "optimistic",
			Name:      "global_unbans",
			Help:      "Number of times all sources were unbanned at once to preserve liveness",
		},
	)

	prometheusOptimisticBestHeight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "optimistic",
			Name:      "best_height",
			Help:      "Height of the current best block",
		},
	)

	prometheusMetricsInitialized = true
}
