// Package metrics holds the Prometheus instrumentation for the document core.
//
// Collectors are created against an injected registerer so tests and
// multiple services in one process never collide on the default registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "livedoc"

	// Deployment outcomes.
	DeployChanged   = "changed"
	DeployUnchanged = "unchanged"
	DeployFailed    = "failed"

	// Archive outcomes.
	ArchiveOK     = "ok"
	ArchiveFailed = "failed"
	ArchiveLost   = "lost"
)

// Metrics is the set of collectors shared by the engine, the managed layer
// and the store.
type Metrics struct {
	InflightWrites       prometheus.Gauge
	QueuedRequests       prometheus.Gauge
	ResidentDocuments    *prometheus.GaugeVec
	Transactions         *prometheus.CounterVec
	CommitDuration       prometheus.Histogram
	CatastrophicFailures prometheus.Counter
	DocumentsCreated     prometheus.Counter
	DocumentsLoaded      prometheus.Counter
	DocumentsEvicted     prometheus.Counter
	Deployments          *prometheus.CounterVec
	Archives             *prometheus.CounterVec
	LocationTransitions  *prometheus.CounterVec
	StoreRetries         *prometheus.CounterVec
	TaskPanics           *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered, which is what tests and embedded uses want.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		InflightWrites: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "document",
			Name:      "inflight_writes",
			Help:      "Documents with a durability write in flight.",
		}),
		QueuedRequests: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "document",
			Name:      "queued_requests",
			Help:      "Requests waiting behind an in-flight write.",
		}),
		ResidentDocuments: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "shard",
			Name:      "resident_documents",
			Help:      "Documents held in memory per shard.",
		}, []string{"shard"}),
		Transactions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "document",
			Name:      "transactions_total",
			Help:      "Transactions applied to documents by command.",
		}, []string{"command"}),
		CommitDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "document",
			Name:      "commit_duration_seconds",
			Help:      "Time from transaction to durable acknowledgement.",
			Buckets:   prometheus.DefBuckets,
		}),
		CatastrophicFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "document",
			Name:      "catastrophic_failures_total",
			Help:      "Documents torn down after a failed durability write.",
		}),
		DocumentsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "document",
			Name:      "created_total",
			Help:      "Documents created.",
		}),
		DocumentsLoaded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "document",
			Name:      "loaded_total",
			Help:      "Documents loaded into memory from storage.",
		}),
		DocumentsEvicted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "document",
			Name:      "evicted_total",
			Help:      "Documents removed from memory.",
		}),
		Deployments: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "deploy",
			Name:      "documents_total",
			Help:      "Documents visited by deployment sweeps by outcome.",
		}, []string{"result"}),
		Archives: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "managed",
			Name:      "archives_total",
			Help:      "Archive attempts by outcome.",
		}, []string{"result"}),
		LocationTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "managed",
			Name:      "transitions_total",
			Help:      "Location state machine transitions.",
		}, []string{"from", "to"}),
		StoreRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "retries_total",
			Help:      "Store operations retried after lock contention.",
		}, []string{"op"}),
		TaskPanics: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "shard",
			Name:      "task_panics_total",
			Help:      "Shard tasks that panicked.",
		}, []string{"task"}),
	}
}

// ObserveTransaction counts one applied transaction.
func (m *Metrics) ObserveTransaction(command string) {
	m.Transactions.WithLabelValues(command).Inc()
}

// ObserveCommit records how long a write took to become durable.
func (m *Metrics) ObserveCommit(d time.Duration) {
	m.CommitDuration.Observe(d.Seconds())
}

// ObserveDeploy counts one document visited by a deployment sweep.
func (m *Metrics) ObserveDeploy(result string) {
	m.Deployments.WithLabelValues(result).Inc()
}

// ObserveArchive counts one archive attempt.
func (m *Metrics) ObserveArchive(result string) {
	m.Archives.WithLabelValues(result).Inc()
}

// ObserveTransition counts one location state change.
func (m *Metrics) ObserveTransition(from, to string) {
	m.LocationTransitions.WithLabelValues(from, to).Inc()
}

// ObserveRetry counts one store retry.
func (m *Metrics) ObserveRetry(op string) {
	m.StoreRetries.WithLabelValues(op).Inc()
}

// ObservePanic counts one recovered shard task panic.
func (m *Metrics) ObservePanic(task string) {
	m.TaskPanics.WithLabelValues(task).Inc()
}
