// Package metrics exposes prometheus instrumentation for the sync core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	namespace = "nutrilog"
	subsystem = "sync"

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "queue_depth",
		Help:      "Number of operations waiting in the durable queue",
	})

	queueEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "queue_evictions_total",
		Help:      "Operations dropped because the queue was at capacity",
	})

	drainOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "queue_drained_total",
		Help:      "Drained operations by outcome",
	}, []string{"outcome"})

	retryAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "retry_attempts_total",
		Help:      "Retries scheduled by the retry controller",
	})

	retriesExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "retries_exhausted_total",
		Help:      "Operations that failed after the maximum number of retries",
	})

	conflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "conflicts_resolved_total",
		Help:      "Conflict resolutions by outcome",
	}, []string{"resolution"})

	remoteOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "remote_operations_total",
		Help:      "Remote store calls by operation and result",
	}, []string{"op", "result"})

	migrationRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "migration_records_total",
		Help:      "Records processed by the migration coordinator",
	}, []string{"result"})

	retentionDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "retention_deleted_total",
		Help:      "Daily logs removed by the retention policy",
	})

	online = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "online",
		Help:      "1 when the connectivity monitor reports the network as reachable",
	})
)

func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

func IncQueueEvictions() {
	queueEvictions.Inc()
}

// ObserveDrain records the outcome counts of one queue drain.
func ObserveDrain(succeeded, failed int) {
	drainOutcomes.WithLabelValues("succeeded").Add(float64(succeeded))
	drainOutcomes.WithLabelValues("failed").Add(float64(failed))
}

func IncRetryAttempts() {
	retryAttempts.Inc()
}

func IncRetriesExhausted() {
	retriesExhausted.Inc()
}

func IncConflict(resolution string) {
	conflicts.WithLabelValues(resolution).Inc()
}

// ObserveRemote records one remote store call.
func ObserveRemote(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	remoteOps.WithLabelValues(op, result).Inc()
}

func IncMigrationRecord(result string) {
	migrationRecords.WithLabelValues(result).Inc()
}

func AddRetentionDeleted(n int) {
	retentionDeleted.Add(float64(n))
}

func SetOnline(v bool) {
	if v {
		online.Set(1)
		return
	}
	online.Set(0)
}

// Handler serves the default registry in the prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
