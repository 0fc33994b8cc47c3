package replication

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	changesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ouroboros_replication_changes_processed_total",
		Help: "Changes-feed entries handled by replicators",
	}, []string{"direction"})

	revisionsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ouroboros_replication_revisions_written_total",
		Help: "Revisions inserted into the target of a replication",
	}, []string{"direction"})

	requestRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ouroboros_replication_retries_total",
		Help: "Peer requests retried after a transient failure",
	}, []string{"operation"})

	replicationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ouroboros_replication_errors_total",
		Help: "Replications that ended in the error state",
	}, []string{"direction"})

	pageDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ouroboros_replication_page_duration_seconds",
		Help:    "Time to replicate and checkpoint one changes page",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	})

	replicatorsByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ouroboros_replicators",
		Help: "Replicators by state",
	}, []string{"state"})
)
