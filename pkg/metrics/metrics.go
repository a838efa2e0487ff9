// Package metrics wires github.com/prometheus/client_golang the way
// cuemby-warren/pkg/metrics does for Warren: named counters and gauges
// that the engine, WAL, checkpointer, and GC update directly, here
// scoped to a private Registry instead of the default global one so a
// process can run more than one Database.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds every metric Strata's internals update. Construct one
// per Database with New.
type Registry struct {
	reg *prometheus.Registry

	WALAppendsTotal      prometheus.Counter
	WALFsyncsTotal       prometheus.Counter
	CommitConflictsTotal prometheus.Counter
	CheckpointsTotal     prometheus.Counter
	GCPrunedTotal        prometheus.Counter
	SnapshotsOpen        prometheus.Gauge
}

// New builds a Registry with every metric registered against a fresh
// prometheus.Registry.
func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		WALAppendsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "strata_wal_appends_total",
			Help: "Total number of WAL records appended.",
		}),
		WALFsyncsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "strata_wal_fsyncs_total",
			Help: "Total number of WAL fsync calls, inline or background.",
		}),
		CommitConflictsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "strata_commit_conflicts_total",
			Help: "Total number of transactions aborted by OCC validation.",
		}),
		CheckpointsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "strata_checkpoints_total",
			Help: "Total number of checkpoint snapshots written.",
		}),
		GCPrunedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "strata_gc_pruned_total",
			Help: "Total number of version-chain entries pruned by retention GC.",
		}),
		SnapshotsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "strata_snapshots_open",
			Help: "Current number of outstanding, unclosed snapshots.",
		}),
	}
	reg.MustRegister(
		m.WALAppendsTotal,
		m.WALFsyncsTotal,
		m.CommitConflictsTotal,
		m.CheckpointsTotal,
		m.GCPrunedTotal,
		m.SnapshotsOpen,
	)
	return m
}

// Gatherer exposes the registry for a host process to mount behind its
// own HTTP exporter (command dispatch / HTTP surfaces are out of
// scope here).
func (m *Registry) Gatherer() prometheus.Gatherer { return m.reg }

// Timer times an operation for later observation into a histogram.
// Strata's metric set is all counters/gauges today; callers with their
// own histograms can feed Duration into them.
type Timer struct{ start time.Time }

// NewTimer starts a timer.
func NewTimer() Timer { return Timer{start: time.Now()} }

// Duration returns the elapsed time since the timer started.
func (t Timer) Duration() time.Duration { return time.Since(t.start) }
