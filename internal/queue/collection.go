// Package queue implements the durable, per-queue backing store that
// satisfies broker.QueueCollection: a strict FIFO availability index per
// queue, a single-reservation-per-xid model for reliable reads, and TTL
// based expiry. Every mutation is committed to a shared Pebble index before
// the call returns; Add additionally appends the item to a per-queue
// journal.Storage and waits for it to be durable before that commit, so a
// write is only acknowledged once both have succeeded.
package queue

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/duramq/duramq/internal/broker"
	"github.com/duramq/duramq/internal/journal"
	pebblestore "github.com/duramq/duramq/internal/storage/pebble"
	logpkg "github.com/duramq/duramq/pkg/log"
)

// ErrNoSuchQueue is returned by operations that require an existing queue.
var ErrNoSuchQueue = errors.New("queue: no such queue")

var _ broker.QueueCollection = (*Collection)(nil)

// Options configures a Collection.
type Options struct {
	DataDir       string
	JournalMode   journal.Mode
	JournalPeriod time.Duration
	PebbleFsync   pebblestore.FsyncMode
	Metrics       Metrics
	// IndexMetrics observes the shared Pebble index's own read/write/commit
	// behavior, independent of the per-queue journal metrics above.
	IndexMetrics pebblestore.MetricsHook
	Logger       logpkg.Logger
}

// Metrics is the subset of observations a Collection reports. Both
// journal.MetricsHook and pebblestore.MetricsHook are satisfied by wider
// hooks; Collection only needs the journal side directly, and forwards the
// pebble side to the shared DB.
type Metrics = journal.MetricsHook

// Collection is the concrete broker.QueueCollection implementation.
type Collection struct {
	db      *pebblestore.DB
	dataDir string
	mode    journal.Mode
	period  time.Duration
	metrics Metrics
	logger  logpkg.Logger

	popMu sync.Mutex

	jMu      sync.Mutex
	journals map[string]*journal.Storage

	notifyMu sync.Mutex
	notify   map[string]chan struct{}

	xidSeq uint32

	reservedBytes int64

	sweepStop chan struct{}
	sweepWG   sync.WaitGroup
}

// Open builds a Collection backed by a Pebble index rooted at
// opts.DataDir/index and one journal file per queue under
// opts.DataDir/journals/<queue>.log.
func Open(opts Options) (*Collection, error) {
	if opts.DataDir == "" {
		return nil, errors.New("queue: DataDir is required")
	}
	if opts.Logger == nil {
		opts.Logger = logpkg.NewLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = journal.NoopMetrics{}
	}
	if opts.IndexMetrics == nil {
		opts.IndexMetrics = pebblestore.NoopMetrics{}
	}
	indexDir := filepath.Join(opts.DataDir, "index")
	db, err := pebblestore.Open(pebblestore.Options{
		DataDir: indexDir,
		Fsync:   opts.PebbleFsync,
		Metrics: opts.IndexMetrics,
	})
	if err != nil {
		return nil, fmt.Errorf("queue: open index: %w", err)
	}
	journalDir := filepath.Join(opts.DataDir, "journals")
	if err := os.MkdirAll(journalDir, 0o755); err != nil {
		return nil, fmt.Errorf("queue: create journal dir: %w", err)
	}
	xidSeq, err := recoverXidSeq(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("queue: recover reservation sequence: %w", err)
	}
	c := &Collection{
		db:       db,
		dataDir:  opts.DataDir,
		mode:     opts.JournalMode,
		period:   opts.JournalPeriod,
		metrics:  opts.Metrics,
		logger:   opts.Logger.WithComponent(logpkg.ComponentQueue),
		journals: map[string]*journal.Storage{},
		notify:   map[string]chan struct{}{},
		xidSeq:   xidSeq,
	}
	if xidSeq > 0 {
		c.logger.Info("recovered reservation sequence from existing reservations", logpkg.Int("xid_seq", int(xidSeq)))
	}
	return c, nil
}

// recoverXidSeq scans every queue's reserved/ range for the highest xid still
// on disk, so a freshly opened Collection never mints a xid that collides
// with a reservation left outstanding by a prior process — one whose holder
// crashed before confirming or aborting it. Without this, xidSeq restarting
// at 0 on every Open could overwrite that reservation's record with an
// unrelated one sharing the same xid, permanently losing the original item.
func recoverXidSeq(db *pebblestore.DB) (uint32, error) {
	iter, err := db.NewPrefixIter([]byte(queueKeyPrefix))
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	marker := []byte("/" + prefixReserved)
	var maxXid uint32
	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		idx := bytes.LastIndex(key, marker)
		if idx < 0 {
			continue
		}
		suffix := key[idx+len(marker):]
		if len(suffix) != 4 {
			continue
		}
		if xid := binary.BigEndian.Uint32(suffix); xid > maxXid {
			maxXid = xid
		}
	}
	if err := iter.Error(); err != nil {
		return 0, err
	}
	return maxXid, nil
}

// Close closes every open journal and the shared index.
func (c *Collection) Close() error {
	c.StopSweeper()
	c.jMu.Lock()
	var firstErr error
	for _, j := range c.journals {
		if err := j.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.jMu.Unlock()
	if err := c.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (c *Collection) journalFor(queue string) (*journal.Storage, error) {
	c.jMu.Lock()
	defer c.jMu.Unlock()
	if j, ok := c.journals[queue]; ok {
		return j, nil
	}
	path := filepath.Join(c.dataDir, "journals", queue+".log")
	j, err := journal.Open(journal.Options{
		Path:    path,
		Mode:    c.mode,
		Period:  c.period,
		Metrics: c.metrics,
		Logger:  c.logger.With(logpkg.Str("queue", queue)),
	})
	if err != nil {
		return nil, fmt.Errorf("queue: open journal for %q: %w", queue, err)
	}
	c.journals[queue] = j
	return j, nil
}

func (c *Collection) notifyChan(queue string) chan struct{} {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	ch, ok := c.notify[queue]
	if !ok {
		ch = make(chan struct{})
		c.notify[queue] = ch
	}
	return ch
}

func (c *Collection) wake(queue string) {
	c.notifyMu.Lock()
	ch, ok := c.notify[queue]
	if ok {
		close(ch)
		delete(c.notify, queue)
	}
	c.notifyMu.Unlock()
}

// --- item record encoding ---

func encodeItem(flags uint32, expiryMs int64, data []byte) []byte {
	buf := make([]byte, 4+8+4+len(data))
	binary.BigEndian.PutUint32(buf[0:4], flags)
	binary.BigEndian.PutUint64(buf[4:12], uint64(expiryMs))
	binary.BigEndian.PutUint32(buf[12:16], uint32(len(data)))
	copy(buf[16:], data)
	return buf
}

func decodeItem(buf []byte) (flags uint32, expiryMs int64, data []byte, err error) {
	if len(buf) < 16 {
		return 0, 0, nil, errors.New("queue: truncated item record")
	}
	flags = binary.BigEndian.Uint32(buf[0:4])
	expiryMs = int64(binary.BigEndian.Uint64(buf[4:12]))
	n := binary.BigEndian.Uint32(buf[12:16])
	if uint32(len(buf)-16) < n {
		return 0, 0, nil, errors.New("queue: truncated item payload")
	}
	data = append([]byte(nil), buf[16:16+n]...)
	return flags, expiryMs, data, nil
}

func encodeReservation(seq uint64, flags uint32, expiryMs int64, data []byte) []byte {
	buf := make([]byte, 8+4+8+4+len(data))
	binary.BigEndian.PutUint64(buf[0:8], seq)
	binary.BigEndian.PutUint32(buf[8:12], flags)
	binary.BigEndian.PutUint64(buf[12:20], uint64(expiryMs))
	binary.BigEndian.PutUint32(buf[20:24], uint32(len(data)))
	copy(buf[24:], data)
	return buf
}

func decodeReservation(buf []byte) (seq uint64, flags uint32, expiryMs int64, data []byte, err error) {
	if len(buf) < 24 {
		return 0, 0, 0, nil, errors.New("queue: truncated reservation record")
	}
	seq = binary.BigEndian.Uint64(buf[0:8])
	flags = binary.BigEndian.Uint32(buf[8:12])
	expiryMs = int64(binary.BigEndian.Uint64(buf[12:20]))
	n := binary.BigEndian.Uint32(buf[20:24])
	if uint32(len(buf)-24) < n {
		return 0, 0, 0, nil, errors.New("queue: truncated reservation payload")
	}
	data = append([]byte(nil), buf[24:24+n]...)
	return seq, flags, expiryMs, data, nil
}

// --- queue metadata ---

type queueMeta struct {
	writeSeq      uint64
	itemCount     uint64
	byteCount     uint64
	reservedCount uint64
	reservedBytes uint64
}

func encodeMeta(m queueMeta) []byte {
	buf := make([]byte, 40)
	binary.BigEndian.PutUint64(buf[0:8], m.writeSeq)
	binary.BigEndian.PutUint64(buf[8:16], m.itemCount)
	binary.BigEndian.PutUint64(buf[16:24], m.byteCount)
	binary.BigEndian.PutUint64(buf[24:32], m.reservedCount)
	binary.BigEndian.PutUint64(buf[32:40], m.reservedBytes)
	return buf
}

func decodeMeta(buf []byte) queueMeta {
	if len(buf) < 40 {
		return queueMeta{}
	}
	return queueMeta{
		writeSeq:      binary.BigEndian.Uint64(buf[0:8]),
		itemCount:     binary.BigEndian.Uint64(buf[8:16]),
		byteCount:     binary.BigEndian.Uint64(buf[16:24]),
		reservedCount: binary.BigEndian.Uint64(buf[24:32]),
		reservedBytes: binary.BigEndian.Uint64(buf[32:40]),
	}
}

func (c *Collection) readMeta(queue string) (queueMeta, error) {
	val, err := c.db.Get(metaKey(queue))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return queueMeta{}, nil
		}
		return queueMeta{}, err
	}
	return decodeMeta(val), nil
}

// Add implements broker.QueueCollection.
func (c *Collection) Add(ctx context.Context, queue string, data []byte, flags uint32, expiry time.Time, who string) (bool, error) {
	j, err := c.journalFor(queue)
	if err != nil {
		return false, err
	}
	var expiryMs int64
	if !expiry.IsZero() {
		expiryMs = expiry.UnixMilli()
	}
	rec := encodeItem(flags, expiryMs, data)
	done, err := j.Write(rec)
	if err != nil {
		return false, err
	}
	select {
	case err := <-done:
		if err != nil {
			return false, fmt.Errorf("queue: durable append for %q failed: %w", queue, err)
		}
	case <-ctx.Done():
		return false, ctx.Err()
	}

	c.popMu.Lock()
	defer c.popMu.Unlock()

	meta, err := c.readMeta(queue)
	if err != nil {
		return false, err
	}
	meta.writeSeq++
	meta.itemCount++
	meta.byteCount += uint64(len(data))

	b := c.db.NewBatch()
	defer b.Close()
	if err := b.Set(availKey(queue, meta.writeSeq), rec, nil); err != nil {
		return false, err
	}
	if err := b.Set(metaKey(queue), encodeMeta(meta), nil); err != nil {
		return false, err
	}
	if err := b.Set(qnameKey(queue), []byte{}, nil); err != nil {
		return false, err
	}
	if err := c.db.CommitBatch(ctx, b); err != nil {
		return false, err
	}
	c.wake(queue)
	return true, nil
}

// Remove implements broker.QueueCollection. With a zero deadline it does not
// wait: an empty queue yields nil at once. Otherwise it blocks until an item
// is available, deadline elapses, or ctx is cancelled.
func (c *Collection) Remove(ctx context.Context, queue string, deadline time.Time, opening, peeking bool, who string) (*broker.Item, error) {
	for {
		item, err := c.tryRemove(ctx, queue, opening, peeking)
		if err != nil {
			return nil, err
		}
		if item != nil {
			return item, nil
		}
		if deadline.IsZero() {
			return nil, nil
		}

		wait := c.notifyChan(queue)
		var timer *time.Timer
		var timeoutCh <-chan time.Time
		if !deadline.IsZero() {
			d := time.Until(deadline)
			if d <= 0 {
				return nil, nil
			}
			timer = time.NewTimer(d)
			timeoutCh = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil, nil
		case <-timeoutCh:
			return nil, nil
		case <-wait:
			if timer != nil {
				timer.Stop()
			}
		}
	}
}

func (c *Collection) tryRemove(ctx context.Context, queue string, opening, peeking bool) (*broker.Item, error) {
	c.popMu.Lock()
	defer c.popMu.Unlock()

	iter, err := c.db.NewPrefixIter(availPrefix(queue))
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	if !iter.First() {
		return nil, nil
	}
	key := append([]byte(nil), iter.Key()...)
	val := append([]byte(nil), iter.Value()...)
	seq := binary.BigEndian.Uint64(key[len(key)-8:])
	flags, expiryMs, data, err := decodeItem(val)
	if err != nil {
		return nil, err
	}

	if peeking {
		return &broker.Item{Data: data, Flags: flags}, nil
	}

	meta, err := c.readMeta(queue)
	if err != nil {
		return nil, err
	}

	b := c.db.NewBatch()
	defer b.Close()
	if err := b.Delete(key, nil); err != nil {
		return nil, err
	}

	item := &broker.Item{Data: data, Flags: flags}
	if opening {
		c.xidSeq++
		xid := c.xidSeq
		res := encodeReservation(seq, flags, expiryMs, data)
		if err := b.Set(reservedKey(queue, xid), res, nil); err != nil {
			return nil, err
		}
		meta.reservedCount++
		meta.reservedBytes += uint64(len(data))
		atomic.AddInt64(&c.reservedBytes, int64(len(data)))
		item.Xid = xid
	} else {
		meta.itemCount--
		meta.byteCount -= uint64(len(data))
	}
	if err := b.Set(metaKey(queue), encodeMeta(meta), nil); err != nil {
		return nil, err
	}
	if err := c.db.CommitBatch(ctx, b); err != nil {
		return nil, err
	}
	return item, nil
}

// Unremove implements broker.QueueCollection: restores a reserved item to
// its original position in the FIFO order.
func (c *Collection) Unremove(queue string, xid uint32) error {
	c.popMu.Lock()
	defer c.popMu.Unlock()

	val, err := c.db.Get(reservedKey(queue, xid))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil
		}
		return err
	}
	seq, flags, expiryMs, data, err := decodeReservation(val)
	if err != nil {
		return err
	}
	meta, err := c.readMeta(queue)
	if err != nil {
		return err
	}
	meta.reservedCount--
	meta.reservedBytes -= uint64(len(data))
	atomic.AddInt64(&c.reservedBytes, -int64(len(data)))

	b := c.db.NewBatch()
	defer b.Close()
	if err := b.Delete(reservedKey(queue, xid), nil); err != nil {
		return err
	}
	if err := b.Set(availKey(queue, seq), encodeItem(flags, expiryMs, data), nil); err != nil {
		return err
	}
	if err := b.Set(metaKey(queue), encodeMeta(meta), nil); err != nil {
		return err
	}
	if err := c.db.CommitBatch(context.Background(), b); err != nil {
		return err
	}
	c.wake(queue)
	return nil
}

// ConfirmRemove implements broker.QueueCollection: permanently discards a
// reserved item.
func (c *Collection) ConfirmRemove(queue string, xid uint32) error {
	c.popMu.Lock()
	defer c.popMu.Unlock()

	val, err := c.db.Get(reservedKey(queue, xid))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil
		}
		return err
	}
	_, _, _, data, err := decodeReservation(val)
	if err != nil {
		return err
	}
	meta, err := c.readMeta(queue)
	if err != nil {
		return err
	}
	meta.reservedCount--
	meta.reservedBytes -= uint64(len(data))
	meta.itemCount--
	meta.byteCount -= uint64(len(data))
	atomic.AddInt64(&c.reservedBytes, -int64(len(data)))

	b := c.db.NewBatch()
	defer b.Close()
	if err := b.Delete(reservedKey(queue, xid), nil); err != nil {
		return err
	}
	if err := b.Set(metaKey(queue), encodeMeta(meta), nil); err != nil {
		return err
	}
	return c.db.CommitBatch(context.Background(), b)
}

// Flush implements broker.QueueCollection: drops every item currently
// available or reserved in queue, without deleting the queue itself.
func (c *Collection) Flush(queue string, who string) error {
	c.popMu.Lock()
	defer c.popMu.Unlock()
	return c.flushLocked(queue)
}

func (c *Collection) flushLocked(queue string) error {
	b := c.db.NewBatch()
	defer b.Close()
	if err := c.deleteRange(b, availPrefix(queue)); err != nil {
		return err
	}
	if err := c.deleteRange(b, reservedPrefix(queue)); err != nil {
		return err
	}
	if err := b.Set(metaKey(queue), encodeMeta(queueMeta{}), nil); err != nil {
		return err
	}
	if err := c.db.CommitBatch(context.Background(), b); err != nil {
		return err
	}
	c.wake(queue)
	return nil
}

func (c *Collection) deleteRange(b *pebble.Batch, prefix []byte) error {
	iter, err := c.db.NewPrefixIter(prefix)
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		if err := b.Delete(iter.Key(), nil); err != nil {
			return err
		}
	}
	return nil
}

// FlushExpired implements broker.QueueCollection: drops available items
// whose expiry has passed. Reserved items are left untouched; the holding
// session decides their fate.
func (c *Collection) FlushExpired(queue string, who string) (int, error) {
	c.popMu.Lock()
	defer c.popMu.Unlock()
	return c.flushExpiredLocked(queue, time.Now())
}

func (c *Collection) flushExpiredLocked(queue string, now time.Time) (int, error) {
	iter, err := c.db.NewPrefixIter(availPrefix(queue))
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	meta, err := c.readMeta(queue)
	if err != nil {
		return 0, err
	}

	b := c.db.NewBatch()
	defer b.Close()
	nowMs := now.UnixMilli()
	count := 0
	for iter.First(); iter.Valid(); iter.Next() {
		_, expiryMs, data, err := decodeItem(iter.Value())
		if err != nil {
			continue
		}
		if expiryMs == 0 || expiryMs > nowMs {
			continue
		}
		if err := b.Delete(iter.Key(), nil); err != nil {
			return count, err
		}
		meta.itemCount--
		meta.byteCount -= uint64(len(data))
		count++
	}
	if count == 0 {
		return 0, nil
	}
	if err := b.Set(metaKey(queue), encodeMeta(meta), nil); err != nil {
		return count, err
	}
	if err := c.db.CommitBatch(context.Background(), b); err != nil {
		return count, err
	}
	return count, nil
}

// FlushAllExpired implements broker.QueueCollection.
func (c *Collection) FlushAllExpired() (int, error) {
	total := 0
	for _, name := range c.QueueNames() {
		n, err := c.FlushExpired(name, "")
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// FlushAll implements broker.QueueCollection.
func (c *Collection) FlushAll(who string) error {
	for _, name := range c.QueueNames() {
		if err := c.Flush(name, who); err != nil {
			return err
		}
	}
	return nil
}

// Delete implements broker.QueueCollection: flushes the queue, removes its
// metadata and name, and closes its journal. The journal file itself is left
// on disk.
func (c *Collection) Delete(queue string, who string) error {
	c.popMu.Lock()
	if err := c.flushLocked(queue); err != nil {
		c.popMu.Unlock()
		return err
	}
	if err := c.db.Delete(metaKey(queue)); err != nil {
		c.popMu.Unlock()
		return err
	}
	if err := c.db.Delete(qnameKey(queue)); err != nil {
		c.popMu.Unlock()
		return err
	}
	c.popMu.Unlock()

	c.jMu.Lock()
	j, ok := c.journals[queue]
	delete(c.journals, queue)
	c.jMu.Unlock()
	if ok {
		return j.Close()
	}
	return nil
}

// QueueNames implements broker.QueueCollection.
func (c *Collection) QueueNames() []string {
	iter, err := c.db.NewPrefixIter(qnamesPrefixBytes())
	if err != nil {
		return nil
	}
	defer iter.Close()
	var names []string
	for iter.First(); iter.Valid(); iter.Next() {
		names = append(names, queueFromQnameKey(iter.Key()))
	}
	return names
}

// Stats implements broker.QueueCollection.
func (c *Collection) Stats(queue string) (map[string]string, error) {
	meta, err := c.readMeta(queue)
	if err != nil {
		return nil, err
	}
	var journalSize int64
	if fi, err := os.Stat(filepath.Join(c.dataDir, "journals", queue+".log")); err == nil {
		journalSize = fi.Size()
	}
	return map[string]string{
		"items":              fmt.Sprint(meta.itemCount),
		"bytes":              fmt.Sprint(meta.byteCount),
		"open_transactions":  fmt.Sprint(meta.reservedCount),
		"journal_size_bytes": fmt.Sprint(journalSize),
	}, nil
}

// CurrentItems implements broker.QueueCollection.
func (c *Collection) CurrentItems() int64 {
	var total int64
	for _, name := range c.QueueNames() {
		meta, err := c.readMeta(name)
		if err != nil {
			continue
		}
		total += int64(meta.itemCount)
	}
	return total
}

// CurrentBytes implements broker.QueueCollection.
func (c *Collection) CurrentBytes() int64 {
	var total int64
	for _, name := range c.QueueNames() {
		meta, err := c.readMeta(name)
		if err != nil {
			continue
		}
		total += int64(meta.byteCount)
	}
	return total
}

// ReservedMemoryRatio implements broker.QueueCollection.
func (c *Collection) ReservedMemoryRatio() float64 {
	total := c.CurrentBytes()
	if total == 0 {
		return 0
	}
	reserved := atomic.LoadInt64(&c.reservedBytes)
	return float64(reserved) / float64(total)
}
