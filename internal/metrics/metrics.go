// Package metrics provides Prometheus metrics for objrepo repositories.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry for all objrepo metrics.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

var (
	repoMetricsOnce     sync.Once
	repoMetricsInstance *RepoMetrics
)

// RepoMetrics holds the replication engine metrics.
type RepoMetrics struct {
	OperationsTotal   *prometheus.CounterVec   // objrepo_operations_total{type,operation,status}
	OperationDuration *prometheus.HistogramVec // objrepo_operation_duration_seconds{type,operation}
	QuorumFailures    *prometheus.CounterVec   // objrepo_quorum_failures_total{type,phase}
	ReadRepairs       *prometheus.CounterVec   // objrepo_read_repairs_total{type,result}
	PrunedVersions    *prometheus.CounterVec   // objrepo_pruned_versions_total{type}
	BackendErrors     *prometheus.CounterVec   // objrepo_backend_errors_total{backend,operation}
	IndexErrors       *prometheus.CounterVec   // objrepo_index_errors_total{type}
	BytesWritten      prometheus.Counter       // objrepo_bytes_written_total
}

// InitRepoMetrics registers the engine metrics with registry (Registry when
// nil). Metrics are registered once; later calls return the same instance.
func InitRepoMetrics(registry prometheus.Registerer) *RepoMetrics {
	repoMetricsOnce.Do(func() {
		if registry == nil {
			registry = Registry
		}
		f := promauto.With(registry)
		repoMetricsInstance = &RepoMetrics{
			OperationsTotal: f.NewCounterVec(prometheus.CounterOpts{
				Name: "objrepo_operations_total",
				Help: "Repository operations by type, operation and status",
			}, []string{"type", "operation", "status"}),

			OperationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "objrepo_operation_duration_seconds",
				Help:    "Repository operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			}, []string{"type", "operation"}),

			QuorumFailures: f.NewCounterVec(prometheus.CounterOpts{
				Name: "objrepo_quorum_failures_total",
				Help: "Writes rejected for missing quorum, by phase (write, confirm)",
			}, []string{"type", "phase"}),

			ReadRepairs: f.NewCounterVec(prometheus.CounterOpts{
				Name: "objrepo_read_repairs_total",
				Help: "Replica repairs issued by reads, by result",
			}, []string{"type", "result"}),

			PrunedVersions: f.NewCounterVec(prometheus.CounterOpts{
				Name: "objrepo_pruned_versions_total",
				Help: "Old version files removed beyond the retention limit",
			}, []string{"type"}),

			BackendErrors: f.NewCounterVec(prometheus.CounterOpts{
				Name: "objrepo_backend_errors_total",
				Help: "Backend operation failures absorbed by the engine",
			}, []string{"backend", "operation"}),

			IndexErrors: f.NewCounterVec(prometheus.CounterOpts{
				Name: "objrepo_index_errors_total",
				Help: "Index marker writes or removals that failed",
			}, []string{"type"}),

			BytesWritten: f.NewCounter(prometheus.CounterOpts{
				Name: "objrepo_bytes_written_total",
				Help: "Object bytes accepted by backends",
			}),
		}
	})
	return repoMetricsInstance
}

// RecordOperation records one repository call.
func (m *RepoMetrics) RecordOperation(typeName, operation, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.OperationsTotal.WithLabelValues(typeName, operation, status).Inc()
	m.OperationDuration.WithLabelValues(typeName, operation).Observe(durationSeconds)
}

// RecordQuorumFailure records a rejected write.
func (m *RepoMetrics) RecordQuorumFailure(typeName, phase string) {
	if m == nil {
		return
	}
	m.QuorumFailures.WithLabelValues(typeName, phase).Inc()
}

// RecordRepair records a read-repair outcome ("ok" or "failed").
func (m *RepoMetrics) RecordRepair(typeName, result string) {
	if m == nil {
		return
	}
	m.ReadRepairs.WithLabelValues(typeName, result).Inc()
}

// RecordPruned records removed version files.
func (m *RepoMetrics) RecordPruned(typeName string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.PrunedVersions.WithLabelValues(typeName).Add(float64(n))
}

// RecordBackendError records a failure absorbed from one backend.
func (m *RepoMetrics) RecordBackendError(backend, operation string) {
	if m == nil {
		return
	}
	m.BackendErrors.WithLabelValues(backend, operation).Inc()
}

// RecordIndexError records a failed marker write or removal.
func (m *RepoMetrics) RecordIndexError(typeName string) {
	if m == nil {
		return
	}
	m.IndexErrors.WithLabelValues(typeName).Inc()
}

// RecordBytesWritten records bytes accepted by backends.
func (m *RepoMetrics) RecordBytesWritten(n int) {
	if m == nil {
		return
	}
	m.BytesWritten.Add(float64(n))
}

// Handler serves Registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
