// Package telemetry holds the Prometheus metrics registry and the optional
// HTTP monitor exposing it.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all collector metrics.
type Metrics struct {
	registry *prometheus.Registry

	// Stream ingestion.
	EventsTotal    prometheus.Counter
	EventsDropped  *prometheus.CounterVec
	SequenceGaps   *prometheus.CounterVec
	BookResets     *prometheus.CounterVec
	WSReconnects   prometheus.Counter
	SnapshotPolls  prometheus.Counter
	SnapshotErrors prometheus.Counter

	// Backup pipeline.
	BucketsShipped  prometheus.Counter
	BackupFailures  prometheus.Counter
	BackupSkipped   prometheus.Counter
	BackupDuration  prometheus.Histogram
	RotationsTotal  *prometheus.CounterVec
}

// NewMetrics builds the registry with all collector metrics registered.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		EventsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tickvault_events_total",
			Help: "Total number of websocket events received",
		}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tickvault_events_dropped_total",
			Help: "Events dropped before persistence, by reason",
		}, []string{"reason"}),
		SequenceGaps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tickvault_sequence_gaps_total",
			Help: "Detected per-pair sequence gaps",
		}, []string{"product_id"}),
		BookResets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tickvault_book_resets_total",
			Help: "REST order book re-initializations",
		}, []string{"product_id"}),
		WSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tickvault_ws_reconnects_total",
			Help: "Websocket reconnect attempts",
		}),
		SnapshotPolls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tickvault_snapshot_polls_total",
			Help: "Completed snapshot poll rounds",
		}),
		SnapshotErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tickvault_snapshot_errors_total",
			Help: "Snapshot poll rounds that failed",
		}),

		BucketsShipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tickvault_buckets_shipped_total",
			Help: "Buckets exported, compressed, uploaded and dropped",
		}),
		BackupFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tickvault_backup_failures_total",
			Help: "Per-bucket backup attempts that failed",
		}),
		BackupSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tickvault_backup_cycles_skipped_total",
			Help: "Backup cycles skipped because another cycle held the mutex",
		}),
		BackupDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tickvault_backup_cycle_duration_seconds",
			Help:    "Duration of full backup cycles in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}),
		RotationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tickvault_rotations_total",
			Help: "Bucket rotations per stream",
		}, []string{"stream"}),
	}

	m.registry.MustRegister(
		m.EventsTotal, m.EventsDropped, m.SequenceGaps, m.BookResets,
		m.WSReconnects, m.SnapshotPolls, m.SnapshotErrors,
		m.BucketsShipped, m.BackupFailures, m.BackupSkipped,
		m.BackupDuration, m.RotationsTotal,
	)
	return m
}

// Registry exposes the underlying registry for the HTTP monitor.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
