package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tailriver"

var (
	registry *prometheus.Registry
	initOnce sync.Once

	// DispatchedTotal counts sink calls by operation kind.
	DispatchedTotal *prometheus.CounterVec

	// CheckpointCommitsTotal counts durable checkpoint writes.
	CheckpointCommitsTotal prometheus.Counter

	// CheckpointLagSeconds is the log-time distance between the last observed
	// record and the last committed checkpoint.
	CheckpointLagSeconds prometheus.Gauge

	// LastProgressTimestamp is the log time of the last handled record.
	LastProgressTimestamp prometheus.Gauge

	// PipelineRestartsTotal counts restarts from checkpoint after transient errors.
	PipelineRestartsTotal prometheus.Counter
)

func init() {
	Init()
}

// Init registers the connector metrics. It is safe to call more than once.
func Init() {
	initOnce.Do(func() {
		registry = prometheus.NewRegistry()
		registry.MustRegister(prometheus.NewGoCollector())

		DispatchedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatched_total",
			Help:      "Sink calls by operation kind",
		}, []string{"op"})

		CheckpointCommitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_commits_total",
			Help:      "Checkpoints written to durable storage",
		})

		CheckpointLagSeconds = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "checkpoint_lag_seconds",
			Help:      "Log time between last observed record and last committed checkpoint",
		})

		LastProgressTimestamp = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_progress_timestamp_seconds",
			Help:      "Oplog time of the last handled record",
		})

		PipelineRestartsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_restarts_total",
			Help:      "Pipeline restarts from checkpoint",
		})

		registry.MustRegister(
			DispatchedTotal,
			CheckpointCommitsTotal,
			CheckpointLagSeconds,
			LastProgressTimestamp,
			PipelineRestartsTotal,
		)
	})
}

// Handler serves the metrics registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}
