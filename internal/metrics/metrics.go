// Package metrics defines the Prometheus collectors duramqd exposes on its
// optional /metrics endpoint.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Keys for command counters, exported for documentation. The text-protocol
// "stats" command does not report these counters.
const (
	CmdGetTotalKey    = "duramq_cmd_get_total"
	CmdSetTotalKey    = "duramq_cmd_set_total"
	CmdPeekTotalKey   = "duramq_cmd_peek_total"
	CmdMonitorTotalKey = "duramq_cmd_monitor_total"
)

var (
	CmdGetTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: CmdGetTotalKey,
		Help: "Cumulative number of get/gets commands processed.",
	})
	CmdSetTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: CmdSetTotalKey,
		Help: "Cumulative number of set commands processed.",
	})
	CmdPeekTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: CmdPeekTotalKey,
		Help: "Cumulative number of peek reads processed.",
	})
	CmdMonitorTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: CmdMonitorTotalKey,
		Help: "Cumulative number of monitor streams opened.",
	})
)

// Keys for per-command and per-queue latency histograms.
const (
	SetLatencyUsecKey    = "duramq_set_latency_usec"
	QueueLatencyUsecKey  = "duramq_queue_latency_usec"
)

var (
	SetLatencyUsec = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    SetLatencyUsecKey,
		Help:    "Latency in microseconds of set operations end-to-end.",
		Buckets: prometheus.ExponentialBuckets(50, 2, 16),
	})
	QueueLatencyUsec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    QueueLatencyUsecKey,
		Help:    "Latency in microseconds of set operations, broken down per queue.",
		Buckets: prometheus.ExponentialBuckets(50, 2, 16),
	}, []string{"queue"})
)

// Keys for journal/fsync metrics, mapping directly onto PeriodicSyncStorage's
// contract: how far behind schedule a group commit ran, how long force()
// itself took, and how often it failed by error kind.
const (
	FsyncDurationSecondsKey = "duramq_fsync_duration_seconds"
	FsyncBehindSecondsKey   = "duramq_fsync_behind_seconds"
	FsyncErrorsTotalKey     = "duramq_fsync_errors_total"
)

var (
	FsyncDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    FsyncDurationSecondsKey,
		Help:    "Wall time spent inside a single fsync/force call.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
	})
	FsyncBehindSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    FsyncBehindSecondsKey,
		Help:    "How far a resolved write promise ran behind its configured fsync period.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
	})
	FsyncErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: FsyncErrorsTotalKey,
		Help: "Cumulative fsync failures, labeled by error kind.",
	}, []string{"kind"})
)

// Keys for the shared Pebble index's own read/write/commit observations.
const (
	IndexWriteBytesKey        = "duramq_index_write_bytes"
	IndexReadBytesKey         = "duramq_index_read_bytes"
	IndexBatchCommitUsecKey   = "duramq_index_batch_commit_usec"
)

var (
	IndexWriteBytes = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    IndexWriteBytesKey,
		Help:    "Size in bytes of single-key writes to the shared availability index.",
		Buckets: prometheus.ExponentialBuckets(16, 2, 12),
	})
	IndexReadBytes = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    IndexReadBytesKey,
		Help:    "Size in bytes of single-key reads from the shared availability index.",
		Buckets: prometheus.ExponentialBuckets(16, 2, 12),
	})
	IndexBatchCommitUsec = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    IndexBatchCommitUsecKey,
		Help:    "Latency in microseconds of a committed index batch (Add/Remove/Unremove/etc).",
		Buckets: prometheus.ExponentialBuckets(10, 2, 16),
	})
)

// Keys for session/queue gauges.
const (
	SessionsActiveKey     = "duramq_sessions_active"
	PendingReadsActiveKey = "duramq_pending_reads_active"
	QueueItemsKey         = "duramq_queue_items"
	QueueBytesKey         = "duramq_queue_bytes"
)

var (
	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: SessionsActiveKey,
		Help: "Number of currently connected sessions.",
	})
	PendingReadsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: PendingReadsActiveKey,
		Help: "Number of currently outstanding reliable-read reservations across all sessions.",
	})
	QueueItems = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: QueueItemsKey,
		Help: "Current item count, per queue.",
	}, []string{"queue"})
	QueueBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: QueueBytesKey,
		Help: "Current byte count, per queue.",
	}, []string{"queue"})
)

// Collectors returns every collector this package defines, for registration
// against a prometheus.Registerer at startup.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		CmdGetTotal,
		CmdSetTotal,
		CmdPeekTotal,
		CmdMonitorTotal,
		SetLatencyUsec,
		QueueLatencyUsec,
		FsyncDurationSeconds,
		FsyncBehindSeconds,
		FsyncErrorsTotal,
		IndexWriteBytes,
		IndexReadBytes,
		IndexBatchCommitUsec,
		SessionsActive,
		PendingReadsActive,
		QueueItems,
		QueueBytes,
	}
}
