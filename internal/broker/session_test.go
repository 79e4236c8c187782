package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	logpkg "github.com/duramq/duramq/pkg/log"
)

// fakeQueues is a minimal in-memory QueueCollection double: FIFO per queue,
// reservations tracked by an incrementing xid.
type fakeQueues struct {
	mu       sync.Mutex
	items    map[string][][]byte
	reserved map[uint32]reservation
	nextXid  uint32
}

type reservation struct {
	queue string
	data  []byte
}

func newFakeQueues() *fakeQueues {
	return &fakeQueues{items: map[string][][]byte{}, reserved: map[uint32]reservation{}}
}

func (f *fakeQueues) Add(_ context.Context, queue string, data []byte, _ uint32, _ time.Time, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[queue] = append(f.items[queue], data)
	return true, nil
}

func (f *fakeQueues) Remove(_ context.Context, queue string, _ time.Time, opening, _ bool, _ string) (*Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := f.items[queue]
	if len(q) == 0 {
		return nil, nil
	}
	data := q[0]
	f.items[queue] = q[1:]
	item := &Item{Data: data}
	if opening {
		f.nextXid++
		item.Xid = f.nextXid
		f.reserved[item.Xid] = reservation{queue: queue, data: data}
	}
	return item, nil
}

func (f *fakeQueues) Unremove(queue string, xid uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.reserved[xid]
	if !ok {
		return nil
	}
	delete(f.reserved, xid)
	f.items[queue] = append([][]byte{r.data}, f.items[queue]...)
	return nil
}

func (f *fakeQueues) ConfirmRemove(_ string, xid uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.reserved, xid)
	return nil
}

func (f *fakeQueues) Flush(queue string, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.items, queue)
	return nil
}
func (f *fakeQueues) FlushExpired(string, string) (int, error) { return 0, nil }
func (f *fakeQueues) FlushAllExpired() (int, error)            { return 0, nil }
func (f *fakeQueues) FlushAll(string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = map[string][][]byte{}
	return nil
}
func (f *fakeQueues) Delete(queue string, who string) error { return f.Flush(queue, who) }
func (f *fakeQueues) QueueNames() []string                  { return nil }
func (f *fakeQueues) Stats(string) (map[string]string, error) {
	return map[string]string{}, nil
}
func (f *fakeQueues) CurrentItems() int64            { return 0 }
func (f *fakeQueues) CurrentBytes() int64            { return 0 }
func (f *fakeQueues) ReservedMemoryRatio() float64   { return 0 }

func testLogger() logpkg.Logger {
	return logpkg.NewLogger(logpkg.WithLevel(logpkg.ErrorLevel), logpkg.WithOutput(logpkg.NullOutput{}))
}

func TestBasicFIFO(t *testing.T) {
	b := NewBroker(newFakeQueues(), testLogger(), 100, 0, time.Millisecond)
	s := b.NewSession("test")

	if _, err := s.SetItem(context.Background(), "q", 0, time.Time{}, []byte("hello")); err != nil {
		t.Fatalf("set: %v", err)
	}
	item, err := s.GetItem(context.Background(), "q", 0, false, false)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if item == nil || string(item.Data) != "hello" {
		t.Fatalf("unexpected item: %+v", item)
	}
	item2, err := s.GetItem(context.Background(), "q", 0, false, false)
	if err != nil {
		t.Fatalf("get2: %v", err)
	}
	if item2 != nil {
		t.Fatalf("expected drained queue, got %+v", item2)
	}
}

func TestReliableReadAbortReturnsItem(t *testing.T) {
	b := NewBroker(newFakeQueues(), testLogger(), 100, 0, time.Millisecond)
	s := b.NewSession("test")
	_, _ = s.SetItem(context.Background(), "q", 0, time.Time{}, []byte("X"))

	item, err := s.GetItem(context.Background(), "q", 0, true, false)
	if err != nil || item == nil {
		t.Fatalf("open get failed: %v %v", item, err)
	}
	if !s.AbortRead("q") {
		t.Fatalf("expected abort to find a pending read")
	}
	item2, err := s.GetItem(context.Background(), "q", 0, false, false)
	if err != nil || item2 == nil || string(item2.Data) != "X" {
		t.Fatalf("expected item back at head after abort, got %+v %v", item2, err)
	}
}

func TestReliableReadConfirmRemoves(t *testing.T) {
	b := NewBroker(newFakeQueues(), testLogger(), 100, 0, time.Millisecond)
	s := b.NewSession("test")
	_, _ = s.SetItem(context.Background(), "q", 0, time.Time{}, []byte("A"))
	_, _ = s.SetItem(context.Background(), "q", 0, time.Time{}, []byte("B"))

	item, _ := s.GetItem(context.Background(), "q", 0, true, false)
	if item == nil || string(item.Data) != "A" {
		t.Fatalf("expected A, got %+v", item)
	}
	if !s.CloseRead("q") {
		t.Fatalf("expected confirm to succeed")
	}
	item2, _ := s.GetItem(context.Background(), "q", 0, false, false)
	if item2 == nil || string(item2.Data) != "B" {
		t.Fatalf("expected B next, got %+v", item2)
	}
}

func TestTooManyOpenReads(t *testing.T) {
	b := NewBroker(newFakeQueues(), testLogger(), 1, 0, time.Millisecond)
	s := b.NewSession("test")
	_, _ = s.SetItem(context.Background(), "q", 0, time.Time{}, []byte("A"))
	_, _ = s.SetItem(context.Background(), "q", 0, time.Time{}, []byte("B"))

	if _, err := s.GetItem(context.Background(), "q", 0, true, false); err != nil {
		t.Fatalf("first open should succeed: %v", err)
	}
	if _, err := s.GetItem(context.Background(), "q", 0, true, false); err == nil {
		t.Fatalf("expected ErrTooManyOpenReads")
	}
}

func TestPlainGetDuringPendingReadIsTransactionViolation(t *testing.T) {
	b := NewBroker(newFakeQueues(), testLogger(), 100, 0, time.Millisecond)
	s := b.NewSession("test")
	_, _ = s.SetItem(context.Background(), "q", 0, time.Time{}, []byte("A"))

	if _, err := s.GetItem(context.Background(), "q", 0, true, false); err != nil {
		t.Fatalf("open: %v", err)
	}

	_, err := s.GetItem(context.Background(), "q", 0, false, false)
	if !errors.Is(err, ErrTransaction) {
		t.Fatalf("expected ErrTransaction for a plain get while a read is pending, got %v", err)
	}

	// A peek or another open request is unaffected by the pending read.
	if _, err := s.GetItem(context.Background(), "q", 0, false, true); err != nil {
		t.Fatalf("peek should be unaffected by a pending read: %v", err)
	}
}

func TestFinishAbortsAllPendingReads(t *testing.T) {
	fq := newFakeQueues()
	b := NewBroker(fq, testLogger(), 100, 0, time.Millisecond)
	s := b.NewSession("test")
	_, _ = s.SetItem(context.Background(), "q", 0, time.Time{}, []byte("A"))
	_, _ = s.SetItem(context.Background(), "q", 0, time.Time{}, []byte("B"))

	if _, err := s.GetItem(context.Background(), "q", 0, true, false); err != nil {
		t.Fatalf("open 1: %v", err)
	}
	if _, err := s.GetItem(context.Background(), "q", 0, true, false); err != nil {
		t.Fatalf("open 2: %v", err)
	}

	s.Finish()
	s.Finish() // idempotent

	fresh := b.NewSession("test2")
	item1, _ := fresh.GetItem(context.Background(), "q", 0, false, false)
	item2, _ := fresh.GetItem(context.Background(), "q", 0, false, false)
	if item1 == nil || item2 == nil {
		t.Fatalf("expected both items restored after finish, got %+v %+v", item1, item2)
	}
}

func TestAvailabilityGateRefusesOverThreshold(t *testing.T) {
	fq := newFakeQueues()
	b := NewBroker(fq, testLogger(), 100, 1, time.Millisecond)
	_ = b.NewSession("s1")
	s2 := b.NewSession("s2")

	if _, err := s2.SetItem(context.Background(), "q", 0, time.Time{}, []byte("x")); err == nil {
		t.Fatalf("expected write to be refused once session count exceeds threshold")
	}
}

func TestAvailabilityGateSnapshotHoldsForSessionLifetime(t *testing.T) {
	fq := newFakeQueues()
	b := NewBroker(fq, testLogger(), 100, 2, time.Millisecond)

	s1 := b.NewSession("s1")
	s2 := b.NewSession("s2")
	if _, err := s1.SetItem(context.Background(), "q", 0, time.Time{}, []byte("x")); err != nil {
		t.Fatalf("expected s1 admitted at threshold to write, got %v", err)
	}

	// A third session is admitted once the live count exceeds the threshold
	// and is refused for the rest of its lifetime.
	s3 := b.NewSession("s3")
	if _, err := s3.SetItem(context.Background(), "q", 0, time.Time{}, []byte("x")); err == nil {
		t.Fatalf("expected s3 to be refused, admitted over threshold")
	}

	// s2 finishes, dropping the live count back to (at most) the threshold.
	s2.Finish()

	// s1 was admitted under the threshold and keeps writing even though the
	// count briefly climbed past it while s3 was connected.
	if _, err := s1.SetItem(context.Background(), "q", 0, time.Time{}, []byte("y")); err != nil {
		t.Fatalf("expected s1 to remain admitted for its lifetime, got %v", err)
	}

	// s3 stays refused even after the count drops, since its snapshot was
	// taken while over threshold and never re-evaluated.
	if _, err := s3.SetItem(context.Background(), "q", 0, time.Time{}, []byte("z")); err == nil {
		t.Fatalf("expected s3 to remain refused for its lifetime")
	}
}

func TestStatusNotConfiguredByDefault(t *testing.T) {
	b := NewBroker(newFakeQueues(), testLogger(), 100, 0, time.Millisecond)
	s := b.NewSession("test")
	if _, err := s.CurrentStatus(); err == nil {
		t.Fatalf("expected ErrStatusNotConfigured")
	}
}
