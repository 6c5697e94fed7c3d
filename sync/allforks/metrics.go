package allforks

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	prometheusAllForksBlockAnnounces          prometheus.Counter
	prometheusAllForksHeadersVerified         prometheus.Counter
	prometheusAllForksHeaderVerifyFailures    prometheus.Counter
	prometheusAllForksFinalityProofsVerified  prometheus.Counter
	prometheusAllForksFinalityProofsPending   prometheus.Counter
	prometheusAllForksDisjointEvictions       prometheus.Counter
	prometheusAllForksFinalizedHeight         prometheus.Gauge
)

var prometheusMetricsInitialized = false

func initPrometheusMetrics() {
	if prometheusMetricsInitialized {
		return
	}

	prometheusAllForksBlockAnnounces = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "allforks",
			Name:      "block_announces",
			Help:      "Number of block announces processed",
		},
	)

	prometheusAllForksHeadersVerified = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "allforks",
			Name:      "headers_verified",
			Help:      "Number of headers successfully verified and moved to the chain",
		},
	)

	prometheusAllForksHeaderVerifyFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "allforks",
			Name:      "header_verify_failures",
			Help:      "Number of headers that failed verification and were marked bad",
		},
	)

	prometheusAllForksFinalityProofsVerified = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "allforks",
			Name:      "finality_proofs_verified",
			Help:      "Number of finality proofs that advanced the finalized block",
		},
	)

	prometheusAllForksFinalityProofsPending = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "allforks",
			Name:      "finality_proofs_pending",
			Help:      "Number of finality proofs stored for later because they could not be verified yet",
		},
	)

	prometheusAllForksDisjointEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "allforks",
			Name:      "disjoint_evictions",
			Help:      "Number of unverified blocks evicted to keep the disjoint set bounded",
		},
	)

	prometheusAllForksFinalizedHeight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "allforks",
			Name:      "finalized_height",
			Help:      "Height of the latest finalized block",
		},
	)

	prometheusMetricsInitialized = true
}
