package jobqueue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeCompleted = "completed"
	outcomeRetry     = "retry"
	outcomeFailed    = "failed"
	outcomeExpired   = "expired"
	outcomeReleased  = "released"
	outcomeDeferred  = "deferred"
)

var (
	jobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proofpipe_jobs_processed_total",
		Help: "Jobs handled by queue workers, by queue and outcome",
	}, []string{"queue", "outcome"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "proofpipe_job_duration_seconds",
		Help:    "Handler duration per job",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"queue"})

	jobsInflight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "proofpipe_jobs_inflight",
		Help: "Jobs currently executing in this process",
	}, []string{"queue"})

	maintenanceActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proofpipe_job_maintenance_total",
		Help: "Rows touched by queue maintenance, by action",
	}, []string{"action"})
)

func observeMaintenance(res MaintenanceResult) {
	maintenanceActions.WithLabelValues("expired").Add(float64(res.Expired))
	maintenanceActions.WithLabelValues("reclaimed").Add(float64(res.Reclaimed))
	maintenanceActions.WithLabelValues("archived").Add(float64(res.Archived))
	maintenanceActions.WithLabelValues("deleted").Add(float64(res.Deleted))
}
