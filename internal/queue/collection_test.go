package queue

import (
	"context"
	"testing"
	"time"

	"github.com/duramq/duramq/internal/journal"
)

func openTestCollection(t *testing.T) *Collection {
	t.Helper()
	c, err := Open(Options{
		DataDir:     t.TempDir(),
		JournalMode: journal.ModeSync,
	})
	if err != nil {
		t.Fatalf("open collection: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestAddRemoveFIFO(t *testing.T) {
	c := openTestCollection(t)
	ctx := context.Background()

	for _, v := range []string{"a", "b", "c"} {
		if _, err := c.Add(ctx, "q", []byte(v), 0, time.Time{}, "client"); err != nil {
			t.Fatalf("add %q: %v", v, err)
		}
	}

	for _, want := range []string{"a", "b", "c"} {
		item, err := c.Remove(ctx, "q", time.Time{}, false, false, "client")
		if err != nil {
			t.Fatalf("remove: %v", err)
		}
		if item == nil || string(item.Data) != want {
			t.Fatalf("expected %q, got %+v", want, item)
		}
	}

	item, err := c.Remove(ctx, "q", time.Now().Add(10*time.Millisecond), false, false, "client")
	if err != nil {
		t.Fatalf("remove on empty: %v", err)
	}
	if item != nil {
		t.Fatalf("expected nil on drained queue, got %+v", item)
	}
}

func TestReliableReadRoundTrip(t *testing.T) {
	c := openTestCollection(t)
	ctx := context.Background()
	if _, err := c.Add(ctx, "q", []byte("payload"), 7, time.Time{}, "client"); err != nil {
		t.Fatalf("add: %v", err)
	}

	item, err := c.Remove(ctx, "q", time.Time{}, true, false, "client")
	if err != nil || item == nil || item.Xid == 0 {
		t.Fatalf("expected reserved item with xid, got %+v %v", item, err)
	}
	if item.Flags != 7 {
		t.Fatalf("expected flags preserved, got %d", item.Flags)
	}

	stats, err := c.Stats("q")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats["open_transactions"] != "1" {
		t.Fatalf("expected 1 open transaction, got %+v", stats)
	}

	if err := c.ConfirmRemove("q", item.Xid); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if c.CurrentItems() != 0 {
		t.Fatalf("expected 0 items after confirm, got %d", c.CurrentItems())
	}
}

func TestUnremoveRestoresHeadPosition(t *testing.T) {
	c := openTestCollection(t)
	ctx := context.Background()
	_, _ = c.Add(ctx, "q", []byte("first"), 0, time.Time{}, "client")
	_, _ = c.Add(ctx, "q", []byte("second"), 0, time.Time{}, "client")

	item, err := c.Remove(ctx, "q", time.Time{}, true, false, "client")
	if err != nil || item == nil || string(item.Data) != "first" {
		t.Fatalf("expected first, got %+v %v", item, err)
	}
	if err := c.Unremove("q", item.Xid); err != nil {
		t.Fatalf("unremove: %v", err)
	}

	next, err := c.Remove(ctx, "q", time.Time{}, false, false, "client")
	if err != nil || next == nil || string(next.Data) != "first" {
		t.Fatalf("expected first back at head, got %+v %v", next, err)
	}
}

func TestBlockingRemoveWakesOnAdd(t *testing.T) {
	c := openTestCollection(t)
	ctx := context.Background()

	done := make(chan struct{}, 1)
	go func() {
		item, err := c.Remove(ctx, "q", time.Now().Add(2*time.Second), false, false, "client")
		if err != nil {
			t.Errorf("remove: %v", err)
		}
		if item == nil || string(item.Data) != "late" {
			t.Errorf("expected the item added while blocked, got %+v", item)
		}
		done <- struct{}{}
	}()

	time.Sleep(20 * time.Millisecond)
	if _, err := c.Add(ctx, "q", []byte("late"), 0, time.Time{}, "client"); err != nil {
		t.Fatalf("add: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("blocking remove did not wake up after add")
	}
}

func TestFlushExpiredDropsPastItemsOnly(t *testing.T) {
	c := openTestCollection(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	_, _ = c.Add(ctx, "q", []byte("stale"), 0, past, "client")
	_, _ = c.Add(ctx, "q", []byte("fresh"), 0, future, "client")
	_, _ = c.Add(ctx, "q", []byte("forever"), 0, time.Time{}, "client")

	n, err := c.FlushExpired("q", "client")
	if err != nil {
		t.Fatalf("flush expired: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired item reclaimed, got %d", n)
	}
	if c.CurrentItems() != 2 {
		t.Fatalf("expected 2 items remaining, got %d", c.CurrentItems())
	}
}

func TestQueueNamesAndDelete(t *testing.T) {
	c := openTestCollection(t)
	ctx := context.Background()
	_, _ = c.Add(ctx, "alpha", []byte("x"), 0, time.Time{}, "client")
	_, _ = c.Add(ctx, "beta", []byte("y"), 0, time.Time{}, "client")

	names := c.QueueNames()
	if len(names) != 2 {
		t.Fatalf("expected 2 queue names, got %v", names)
	}

	if err := c.Delete("alpha", "client"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	names = c.QueueNames()
	if len(names) != 1 || names[0] != "beta" {
		t.Fatalf("expected only beta to remain, got %v", names)
	}
}

// TestReopenRecoversXidSeqAfterOutstandingReservation covers a process
// restart with a reservation still outstanding on disk (its holder crashed
// before confirming or aborting it). A freshly opened Collection must not
// reissue that xid to a new reservation, or it would silently overwrite the
// orphaned reservation's record and lose the item underneath it.
func TestReopenRecoversXidSeqAfterOutstandingReservation(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	c, err := Open(Options{DataDir: dir, JournalMode: journal.ModeSync})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := c.Add(ctx, "q", []byte("orphaned"), 0, time.Time{}, "client"); err != nil {
		t.Fatalf("add: %v", err)
	}
	orphan, err := c.Remove(ctx, "q", time.Time{}, true, false, "client")
	if err != nil || orphan == nil || orphan.Xid == 0 {
		t.Fatalf("reserve: %+v %v", orphan, err)
	}
	// Simulate a crash: close without confirming or aborting the reservation.
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	c2, err := Open(Options{DataDir: dir, JournalMode: journal.ModeSync})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = c2.Close() })

	if _, err := c2.Add(ctx, "q", []byte("fresh"), 0, time.Time{}, "client"); err != nil {
		t.Fatalf("add after reopen: %v", err)
	}
	fresh, err := c2.Remove(ctx, "q", time.Time{}, true, false, "client")
	if err != nil || fresh == nil {
		t.Fatalf("reserve after reopen: %+v %v", fresh, err)
	}
	if fresh.Xid <= orphan.Xid {
		t.Fatalf("expected new xid greater than orphaned xid %d, got %d", orphan.Xid, fresh.Xid)
	}

	if err := c2.ConfirmRemove("q", orphan.Xid); err != nil {
		t.Fatalf("orphaned reservation should still be intact and confirmable: %v", err)
	}
}
