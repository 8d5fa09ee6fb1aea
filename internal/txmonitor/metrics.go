package txmonitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/provenance-labs/proofpipe/internal/chain"
)

var (
	trackedTransactions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "proofpipe_txmonitor_transactions",
		Help: "Tracked transactions by classification in the last monitor run.",
	}, []string{"status"})
	unclassifiedTransactions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "proofpipe_txmonitor_unclassified_transactions",
		Help: "Tracked transactions left unclassified because their address query failed.",
	})
	observedHeight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "proofpipe_txmonitor_chain_height",
		Help: "Chain height seen by the last monitor run.",
	})
	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "proofpipe_txmonitor_run_duration_seconds",
		Help:    "Duration of monitor runs.",
		Buckets: prometheus.DefBuckets,
	})
	addressFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proofpipe_txmonitor_address_failures_total",
		Help: "Archive queries that failed for a single address.",
	})
	runFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proofpipe_txmonitor_run_failures_total",
		Help: "Monitor runs aborted before classification.",
	})
)

func observeReport(rep Report) {
	for _, s := range []chain.TxStatus{chain.TxPending, chain.TxIncluded, chain.TxFinal, chain.TxAbandoned} {
		trackedTransactions.WithLabelValues(string(s)).Set(float64(rep.Counts[s]))
	}
	unclassifiedTransactions.Set(float64(rep.Unclassified))
	observedHeight.Set(float64(rep.Height))
	runDuration.Observe(rep.TotalLatency.Seconds())
}
