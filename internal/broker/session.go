// Package broker implements the session handler core: the protocol-agnostic
// command state machine (Session), its per-session reliable-read bookkeeping
// (PendingReadSet), and the global admission policy (AvailabilityGate).
package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/duramq/duramq/internal/metrics"
	logpkg "github.com/duramq/duramq/pkg/log"
)

// Broker owns the process-wide state a Session needs: the shared queue
// collection, the availability gate, the session id generator, and the
// live session counter the gate's admission threshold reads.
type Broker struct {
	Queues QueueCollection
	Gate   *AvailabilityGate
	logger logpkg.Logger

	maxOpenReads  int
	shutdownGrace time.Duration

	sessionSeq    uint64
	sessionsCount int64
}

// NewBroker constructs a Broker. maxOpenReads bounds a session's total
// pending reliable reads across all queues; shutdownGrace is how long a
// `shutdown` response is held open before onShutdown fires.
func NewBroker(queues QueueCollection, logger logpkg.Logger, maxOpenReads int, maxSessions int64, shutdownGrace time.Duration) *Broker {
	b := &Broker{
		Queues:        queues,
		logger:        logger.WithComponent(logpkg.ComponentBroker),
		maxOpenReads:  maxOpenReads,
		shutdownGrace: shutdownGrace,
	}
	b.Gate = NewAvailabilityGate(maxSessions, &b.sessionsCount)
	return b
}

// SessionsCount returns the number of currently live sessions.
func (b *Broker) SessionsCount() int64 { return atomic.LoadInt64(&b.sessionsCount) }

// NewSession creates a Session bound to this broker's queues and gate.
func (b *Broker) NewSession(clientAddr string) *Session {
	id := atomic.AddUint64(&b.sessionSeq, 1)
	atomic.AddInt64(&b.sessionsCount, 1)
	metrics.SessionsActive.Inc()
	// The session-count admission threshold is derived once, here, at
	// connect time. A session admitted while under the threshold keeps
	// writing/reading even if the count later climbs past it; one that is
	// refused at connect stays refused for its lifetime regardless of later
	// churn. Only the operator-set ServerStatus is re-checked per operation.
	overThreshold := b.Gate.OverThreshold()
	return &Session{
		id:           id,
		clientAddr:   clientAddr,
		broker:       b,
		pending:      NewPendingReadSet(),
		waiters:      make(map[uint64]context.CancelFunc),
		maxOpenReads: b.maxOpenReads,
		refuseWrites: overThreshold,
		refuseReads:  overThreshold,
		logger:       b.logger.With(logpkg.Int("session", int(id)), logpkg.Str("client", clientAddr)),
	}
}

// Session is the per-connection command state machine described by the
// broker's SessionHandler contract. All exported methods are expected to be
// invoked strictly sequentially by the transport driving this session; the
// only concurrency Session itself defends against is finish() racing a
// waiter's resolution.
type Session struct {
	id         uint64
	clientAddr string
	broker     *Broker
	logger     logpkg.Logger

	maxOpenReads int

	// refuseWrites and refuseReads snapshot the AvailabilityGate's
	// session-count threshold at connect time; they never change afterward.
	refuseWrites bool
	refuseReads  bool

	mu       sync.Mutex
	pending  *PendingReadSet
	finished bool

	waitersMu    sync.Mutex
	waiters      map[uint64]context.CancelFunc
	nextWaiterID uint64

	clientErrLogged sync.Once
}

// ID returns the process-wide monotonic session identifier.
func (s *Session) ID() uint64 { return s.id }

// writesRefused combines this session's connect-time admission snapshot
// with the live, per-call ServerStatus check.
func (s *Session) writesRefused() bool {
	return s.refuseWrites || s.broker.Gate.StatusRefusesWrites()
}

// readsRefused combines this session's connect-time admission snapshot with
// the live, per-call ServerStatus check.
func (s *Session) readsRefused() bool {
	return s.refuseReads || s.broker.Gate.StatusRefusesReads()
}

func (s *Session) description() string {
	return fmt.Sprintf("session-%d@%s", s.id, s.clientAddr)
}

// LogClientError logs a client-induced protocol error at most once per
// session, so a client stuck retrying a malformed command cannot flood logs.
func (s *Session) LogClientError(op string, err error) {
	s.clientErrLogged.Do(func() {
		s.logger.Warn("client error", logpkg.Str("op", op), logpkg.Err(err))
	})
}

func (s *Session) registerWaiter(cancel context.CancelFunc) uint64 {
	s.waitersMu.Lock()
	defer s.waitersMu.Unlock()
	id := s.nextWaiterID
	s.nextWaiterID++
	s.waiters[id] = cancel
	return id
}

func (s *Session) deregisterWaiter(id uint64) {
	s.waitersMu.Lock()
	delete(s.waiters, id)
	s.waitersMu.Unlock()
}

func (s *Session) cancelAllWaiters() {
	s.waitersMu.Lock()
	waiters := s.waiters
	s.waiters = make(map[uint64]context.CancelFunc)
	s.waitersMu.Unlock()
	for _, cancel := range waiters {
		cancel()
	}
}

// SetItem stores data under queue, gated as a write.
func (s *Session) SetItem(ctx context.Context, queue string, flags uint32, expiry time.Time, data []byte) (bool, error) {
	if s.writesRefused() {
		return false, fmt.Errorf("set %s: %w", queue, ErrUnavailable)
	}
	start := time.Now()
	ok, err := s.broker.Queues.Add(ctx, queue, data, flags, expiry, s.description())
	if err != nil {
		return false, err
	}
	metrics.CmdSetTotal.Inc()
	elapsed := float64(time.Since(start).Microseconds())
	metrics.SetLatencyUsec.Observe(elapsed)
	metrics.QueueLatencyUsec.WithLabelValues(queue).Observe(elapsed)
	return ok, nil
}

// GetItem fetches (and, when opening, reserves) one item from queue, gated
// as a read. A nil, nil result means the fetch drained without an item
// (deadline elapsed, queue empty, or the session finished mid-flight).
func (s *Session) GetItem(ctx context.Context, queue string, timeout time.Duration, opening, peeking bool) (*Item, error) {
	if opening {
		s.mu.Lock()
		total := s.pending.Total()
		s.mu.Unlock()
		if total >= s.maxOpenReads {
			return nil, fmt.Errorf("get %s: %w", queue, ErrTooManyOpenReads)
		}
	}
	if s.readsRefused() {
		return nil, fmt.Errorf("get %s: %w", queue, ErrUnavailable)
	}
	if !opening && !peeking && s.HasPendingRead(queue) {
		return nil, fmt.Errorf("get %s: %w", queue, ErrTransaction)
	}

	if peeking {
		metrics.CmdPeekTotal.Inc()
	} else {
		metrics.CmdGetTotal.Inc()
	}

	wctx, cancel := context.WithCancel(ctx)
	waiterID := s.registerWaiter(cancel)
	defer func() {
		s.deregisterWaiter(waiterID)
		cancel()
	}()

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	item, err := s.broker.Queues.Remove(wctx, queue, deadline, opening, peeking, s.description())
	if err != nil {
		if wctx.Err() != nil {
			return nil, nil
		}
		return nil, err
	}
	if item == nil {
		return nil, nil
	}

	if opening {
		s.mu.Lock()
		s.pending.Add(queue, item.Xid)
		finished := s.finished
		s.mu.Unlock()
		metrics.PendingReadsActive.Inc()
		if finished {
			// The session finished while this fetch was in flight. Admit the
			// item into the pending set, then immediately abort it, so it is
			// never silently leaked from the queue's accounting.
			s.AbortRead(queue)
		}
	}
	return item, nil
}

// HasPendingRead reports whether this session currently holds a reserved
// read on queue. A plain, non-transactional get is a protocol error while
// one is outstanding.
func (s *Session) HasPendingRead(queue string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Size(queue) > 0
}

// AbortRead releases the oldest pending read on queue, if any.
func (s *Session) AbortRead(queue string) bool {
	xid, ok := s.pending.Pop(queue)
	if !ok {
		s.logger.Warn("abort with no pending read", logpkg.Str("queue", queue))
		return false
	}
	if err := s.broker.Queues.Unremove(queue, xid); err != nil {
		s.logger.Warn("unremove failed", logpkg.Str("queue", queue), logpkg.Err(err))
	}
	metrics.PendingReadsActive.Dec()
	return true
}

// CloseRead confirms the oldest pending read on queue, if any.
func (s *Session) CloseRead(queue string) bool {
	xid, ok := s.pending.Pop(queue)
	if !ok {
		return false
	}
	if err := s.broker.Queues.ConfirmRemove(queue, xid); err != nil {
		s.logger.Warn("confirm failed", logpkg.Str("queue", queue), logpkg.Err(err))
		return false
	}
	metrics.PendingReadsActive.Dec()
	return true
}

// CloseReads confirms up to n pending reads on queue, returning true if at
// least one was confirmed.
func (s *Session) CloseReads(queue string, n int) bool {
	xids := s.pending.PopN(queue, n)
	confirmed := false
	for _, xid := range xids {
		if err := s.broker.Queues.ConfirmRemove(queue, xid); err != nil {
			s.logger.Warn("confirm failed", logpkg.Str("queue", queue), logpkg.Err(err))
			continue
		}
		metrics.PendingReadsActive.Dec()
		confirmed = true
	}
	return confirmed
}

// MonitorUntil streams items from queue until one of: availability blocks
// mid-stream, maxItems items were delivered, deadline elapses, this
// session's pending budget is exhausted, or a fetch drains empty. cb is
// invoked once per item and finally once with nil to signal end of stream.
func (s *Session) MonitorUntil(ctx context.Context, queue string, deadline time.Time, maxItems int, opening bool, cb func(*Item)) error {
	if s.readsRefused() {
		return fmt.Errorf("monitor %s: %w", queue, ErrUnavailable)
	}
	metrics.CmdMonitorTotal.Inc()

	delivered := 0
	for {
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			break
		}
		if maxItems > 0 && delivered >= maxItems {
			break
		}
		s.mu.Lock()
		finished := s.finished
		total := s.pending.Total()
		s.mu.Unlock()
		if finished {
			break
		}
		if opening && total >= s.maxOpenReads {
			break
		}
		if s.readsRefused() {
			break
		}

		var remaining time.Duration
		if !deadline.IsZero() {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				break
			}
		}
		item, err := s.GetItem(ctx, queue, remaining, opening, false)
		if err != nil {
			return err
		}
		if item == nil {
			break
		}
		cb(item)
		delivered++
	}
	cb(nil)
	return nil
}

// Flush discards every item currently in queue.
func (s *Session) Flush(queue string) error {
	if s.writesRefused() {
		return fmt.Errorf("flush %s: %w", queue, ErrUnavailable)
	}
	return s.broker.Queues.Flush(queue, s.description())
}

// FlushExpired discards expired items in queue and returns the count removed.
func (s *Session) FlushExpired(queue string) (int, error) {
	if s.writesRefused() {
		return 0, fmt.Errorf("flush_expired %s: %w", queue, ErrUnavailable)
	}
	return s.broker.Queues.FlushExpired(queue, s.description())
}

// FlushAllExpired discards expired items across every queue.
func (s *Session) FlushAllExpired() (int, error) {
	if s.writesRefused() {
		return 0, fmt.Errorf("flush_all_expired: %w", ErrUnavailable)
	}
	return s.broker.Queues.FlushAllExpired()
}

// FlushAllQueues discards every item in every queue.
func (s *Session) FlushAllQueues() error {
	if s.writesRefused() {
		return fmt.Errorf("flush_all: %w", ErrUnavailable)
	}
	return s.broker.Queues.FlushAll(s.description())
}

// DeleteQueue removes a queue entirely.
func (s *Session) DeleteQueue(queue string) error {
	if s.writesRefused() {
		return fmt.Errorf("delete %s: %w", queue, ErrUnavailable)
	}
	return s.broker.Queues.Delete(queue, s.description())
}

// QueueNames lists every queue the collection currently knows about.
func (s *Session) QueueNames() []string { return s.broker.Queues.QueueNames() }

// QueueStats returns the collection's per-queue stat fields for queue.
func (s *Session) QueueStats(queue string) (map[string]string, error) {
	return s.broker.Queues.Stats(queue)
}

// CurrentItems and CurrentBytes report totals across every queue.
func (s *Session) CurrentItems() int64 { return s.broker.Queues.CurrentItems() }
func (s *Session) CurrentBytes() int64 { return s.broker.Queues.CurrentBytes() }

// CurrentStatus returns the operator-configured server status.
func (s *Session) CurrentStatus() (string, error) { return s.broker.Gate.CurrentStatus() }

// SessionsCount returns the number of currently live sessions across the
// whole broker, not just this one.
func (s *Session) SessionsCount() int64 { return s.broker.SessionsCount() }

// SetStatus applies an operator-configured server status change: up,
// readonly, or quiescent. Fails with ErrStatusNotConfigured unless
// EnableStatus has been called on the broker's gate.
func (s *Session) SetStatus(status string) error { return s.broker.Gate.SetStatus(status) }

// Shutdown schedules an asynchronous process shutdown after the broker's
// configured grace period, giving the caller time to flush its response
// before trigger tears the transport down.
func (s *Session) Shutdown(trigger func()) {
	go func() {
		time.Sleep(s.broker.shutdownGrace)
		trigger()
	}()
}

// Finish tears the session down: every waiter is cancelled and every
// pending read is aborted. It is safe to call more than once.
func (s *Session) Finish() {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	s.mu.Unlock()

	s.cancelAllWaiters()
	cancelled := s.pending.CancelAll(func(queue string, xid uint32) {
		if err := s.broker.Queues.Unremove(queue, xid); err != nil {
			s.logger.Warn("unremove during finish failed", logpkg.Str("queue", queue), logpkg.Err(err))
		}
	})
	metrics.PendingReadsActive.Sub(float64(cancelled))

	atomic.AddInt64(&s.broker.sessionsCount, -1)
	metrics.SessionsActive.Dec()
}
