package metrics

import "time"

// JournalHook adapts this package's Prometheus collectors to
// journal.MetricsHook without internal/journal needing to import
// internal/metrics (or prometheus) directly.
type JournalHook struct{}

func (JournalHook) ObserveFsyncDuration(d time.Duration) {
	FsyncDurationSeconds.Observe(d.Seconds())
}

func (JournalHook) ObserveFsyncBehind(d time.Duration) {
	FsyncBehindSeconds.Observe(d.Seconds())
}

func (JournalHook) ObserveFsyncError(kind string) {
	FsyncErrorsTotal.WithLabelValues(kind).Inc()
}

// PebbleHook adapts this package's Prometheus collectors to
// pebblestore.MetricsHook, so the shared availability index's own
// read/write/commit observations surface on /metrics the same way the
// journal's fsync observations do.
type PebbleHook struct{}

func (PebbleHook) ObserveWrite(d time.Duration, bytes int) {
	IndexWriteBytes.Observe(float64(bytes))
}

func (PebbleHook) ObserveRead(d time.Duration, bytes int) {
	IndexReadBytes.Observe(float64(bytes))
}

func (PebbleHook) ObserveBatchCommit(d time.Duration, numOps, bytes int) {
	IndexBatchCommitUsec.Observe(float64(d.Microseconds()))
}
