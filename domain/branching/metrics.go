package branching

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	branchOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "branch_operations_total",
		Help: "Total branch lifecycle operations by outcome",
	}, []string{"operation", "outcome"})

	branchOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "branch_operation_duration_seconds",
		Help:    "Duration of branch lifecycle operations",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"operation"})

	branchChangesReplayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "branch_changes_replayed_total",
		Help: "Change records replayed during sync and merge",
	}, []string{"operation"})
)

func observeOperation(operation, outcome string) {
	branchOperations.WithLabelValues(operation, outcome).Inc()
}

func observeDuration(operation string, d time.Duration) {
	branchOperationDuration.WithLabelValues(operation).Observe(d.Seconds())
}

func observeReplayed(operation string, n int) {
	branchChangesReplayed.WithLabelValues(operation).Add(float64(n))
}
