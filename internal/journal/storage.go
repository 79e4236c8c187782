// Package journal implements the durable append path shared by every queue:
// PeriodicSyncStorage, a file-backed writer with three fsync policies and
// per-write completion futures.
package journal

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"syscall"
	"time"

	logpkg "github.com/duramq/duramq/pkg/log"
)

// Mode selects PeriodicSyncStorage's durability policy, mirroring the shape
// of this codebase's pebblestore.FsyncMode enum.
type Mode int

const (
	ModeUnspecified Mode = iota
	// ModeSync fsyncs after every write; the returned future is already
	// resolved by the time Write returns.
	ModeSync
	// ModeNever never fsyncs from this path; writes resolve immediately with
	// no durability guarantee.
	ModeNever
	// ModePeriodic batches writes: a background task fsyncs no more often
	// than every Period, resolving every promise enqueued before that fsync
	// began.
	ModePeriodic
)

func (m Mode) String() string {
	switch m {
	case ModeSync:
		return "sync"
	case ModeNever:
		return "never"
	case ModePeriodic:
		return "periodic"
	default:
		return "unspecified"
	}
}

// ParseMode maps the CLI/config spelling onto a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "sync", "always":
		return ModeSync, nil
	case "never":
		return ModeNever, nil
	case "periodic", "interval":
		return ModePeriodic, nil
	default:
		return ModeUnspecified, fmt.Errorf("journal: unknown fsync mode %q", s)
	}
}

// MetricsHook observes fsync behavior. Optional; a nil hook is a no-op.
type MetricsHook interface {
	ObserveFsyncDuration(d time.Duration)
	ObserveFsyncBehind(d time.Duration)
	ObserveFsyncError(kind string)
}

// NoopMetrics implements MetricsHook by discarding every observation.
type NoopMetrics struct{}

func (NoopMetrics) ObserveFsyncDuration(time.Duration) {}
func (NoopMetrics) ObserveFsyncBehind(time.Duration)   {}
func (NoopMetrics) ObserveFsyncError(string)           {}

// Options configures a Storage.
type Options struct {
	Path    string
	Mode    Mode
	Period  time.Duration
	Metrics MetricsHook
	// Logger receives fsync failure warnings. Optional; defaults to a
	// discarding logger.
	Logger logpkg.Logger
}

type promise struct {
	done       chan error
	enqueuedAt time.Time
}

// Storage is the append-only, fsync-batching write path described by
// PeriodicSyncStorage: write() appends bytes and returns a future that
// resolves once those bytes are durable under the configured Mode.
type Storage struct {
	mode    Mode
	period  time.Duration
	metrics MetricsHook
	logger  logpkg.Logger

	fileMu sync.Mutex
	file   *os.File

	qMu     sync.Mutex
	queue   []*promise
	running bool

	// fsyncMu serializes fsync() itself: tickLoop's periodic round and
	// Close's final round can otherwise run concurrently and race on the
	// same snapshot-then-drain sequence over s.queue.
	fsyncMu sync.Mutex

	closeCh  chan struct{}
	closeErr error
	closeOne sync.Once
}

// Open opens (creating if needed) the file at opts.Path for appending and
// returns a Storage ready to accept writes.
func Open(opts Options) (*Storage, error) {
	if opts.Mode == ModePeriodic && opts.Period <= 0 {
		return nil, errors.New("journal: ModePeriodic requires a positive Period")
	}
	f, err := os.OpenFile(opts.Path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", opts.Path, err)
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewLogger(logpkg.WithOutput(logpkg.NullOutput{}))
	}
	return &Storage{
		mode:    opts.Mode,
		period:  opts.Period,
		metrics: metrics,
		logger:  logger.WithComponent(logpkg.ComponentJournal),
		file:    f,
		closeCh: make(chan struct{}),
	}, nil
}

// File exposes the underlying handle. Nothing in this repository calls it;
// callers must not write to it directly, as all durable appends go through Write.
func (s *Storage) File() *os.File { return s.file }

// Write appends buf to the file and returns a channel that receives exactly
// one value once the bytes are durable under the configured Mode (nil on
// success, an error otherwise).
func (s *Storage) Write(buf []byte) (<-chan error, error) {
	s.fileMu.Lock()
	_, err := writeFull(s.file, buf)
	s.fileMu.Unlock()
	if err != nil {
		ch := make(chan error, 1)
		ch <- err
		return ch, nil
	}

	switch s.mode {
	case ModeNever:
		ch := make(chan error, 1)
		ch <- nil
		return ch, nil

	case ModeSync:
		start := time.Now()
		err := s.file.Sync()
		s.metrics.ObserveFsyncDuration(time.Since(start))
		if err != nil {
			s.metrics.ObserveFsyncError(errorKind(err))
		}
		ch := make(chan error, 1)
		ch <- err
		return ch, nil

	default: // ModePeriodic
		p := &promise{done: make(chan error, 1), enqueuedAt: time.Now()}
		s.qMu.Lock()
		s.queue = append(s.queue, p)
		needsTick := !s.running
		if needsTick {
			s.running = true
		}
		s.qMu.Unlock()
		if needsTick {
			go s.tickLoop()
		}
		return p.done, nil
	}
}

func writeFull(f *os.File, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := f.Write(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (s *Storage) tickLoop() {
	t := time.NewTicker(s.period)
	defer t.Stop()
	for {
		select {
		case <-s.closeCh:
			return
		case <-t.C:
			if s.drainedAfterFsync() {
				return
			}
		}
	}
}

// drainedAfterFsync performs one round of PeriodicSyncStorage's grouped
// fsync: it snapshots the queue length before calling force, so writes
// enqueued after the snapshot are serviced by the next round rather than
// this one (under-counting is fine, over-counting would resolve a promise for
// bytes that were never forced). It reports whether the promise queue is
// empty afterwards.
func (s *Storage) drainedAfterFsync() bool {
	s.fsyncMu.Lock()
	defer s.fsyncMu.Unlock()

	s.qMu.Lock()
	n := len(s.queue)
	s.qMu.Unlock()

	start := time.Now()
	err := s.file.Sync()
	elapsed := time.Since(start)
	s.metrics.ObserveFsyncDuration(elapsed)

	if err != nil {
		s.metrics.ObserveFsyncError(errorKind(err))
		s.logger.Warn("fsync failed", logpkg.Err(err), logpkg.Str("kind", errorKind(err)))
		if errorKind(err) != "io" {
			// Non-I/O failure: leave every promise pending for the next tick.
			return false
		}
		s.qMu.Lock()
		failed := s.queue[:n]
		s.queue = s.queue[n:]
		empty := len(s.queue) == 0
		if empty {
			s.running = false
		}
		s.qMu.Unlock()
		for _, p := range failed {
			p.done <- err
		}
		return empty
	}

	s.qMu.Lock()
	resolved := s.queue[:n]
	s.queue = s.queue[n:]
	empty := len(s.queue) == 0
	if empty {
		s.running = false
	}
	s.qMu.Unlock()

	for _, p := range resolved {
		behind := start.Sub(p.enqueuedAt) - s.period
		if behind < 0 {
			behind = 0
		}
		s.metrics.ObserveFsyncBehind(behind)
		p.done <- nil
	}
	return empty
}

func errorKind(err error) string {
	if err == nil {
		return ""
	}
	var pe *fs.PathError
	if errors.As(err, &pe) {
		return "io"
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return "io"
	}
	return "other"
}

// Close stops the periodic task, performs a final fsync, and closes the
// underlying file. It is safe to call more than once. Writes concurrent
// with Close are not supported, matching the documented behavior of the
// storage layer this generalizes.
func (s *Storage) Close() error {
	s.closeOne.Do(func() {
		close(s.closeCh)
		s.drainedAfterFsync()
		s.closeErr = s.file.Close()
	})
	return s.closeErr
}
