package memcache

import (
	"bufio"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/duramq/duramq/internal/broker"
	"github.com/duramq/duramq/internal/journal"
	"github.com/duramq/duramq/internal/queue"
	logpkg "github.com/duramq/duramq/pkg/log"
)

type harness struct {
	t      *testing.T
	broker *broker.Broker
	client *bufio.ReadWriter
	done   chan error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	col, err := queue.Open(queue.Options{DataDir: t.TempDir(), JournalMode: journal.ModeSync})
	if err != nil {
		t.Fatalf("open collection: %v", err)
	}
	t.Cleanup(func() { _ = col.Close() })

	logger := logpkg.NewLogger(logpkg.WithLevel(logpkg.ErrorLevel), logpkg.WithOutput(logpkg.NullOutput{}))
	b := broker.NewBroker(col, logger, 100, 0, time.Millisecond)
	session := b.NewSession("test-client")

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	adapter := New(session, inR, outW, logger, 0, nil, nil)

	h := &harness{
		t:      t,
		broker: b,
		client: bufio.NewReadWriter(bufio.NewReader(outR), bufio.NewWriter(inW)),
		done:   make(chan error, 1),
	}
	go func() { h.done <- adapter.Serve(context.Background()) }()
	t.Cleanup(func() { _ = inW.Close() })
	return h
}

// otherSession opens a second session against the same broker, so a test can
// push writes concurrently with a blocking command (monitor) on h's own
// connection.
func (h *harness) otherSession() *broker.Session {
	return h.broker.NewSession("other-client")
}

func (h *harness) send(line string) {
	h.t.Helper()
	if _, err := h.client.WriteString(line + "\r\n"); err != nil {
		h.t.Fatalf("write: %v", err)
	}
	if err := h.client.Flush(); err != nil {
		h.t.Fatalf("flush: %v", err)
	}
}

func (h *harness) recvLine() string {
	h.t.Helper()
	line, err := h.client.ReadString('\n')
	if err != nil {
		h.t.Fatalf("read: %v", err)
	}
	return line[:len(line)-2]
}

func TestSetAndGet(t *testing.T) {
	h := newHarness(t)
	h.send("set q 0 0 5")
	h.send("hello")
	if got := h.recvLine(); got != "STORED" {
		t.Fatalf("expected STORED, got %q", got)
	}

	h.send("get q")
	if got := h.recvLine(); got != "VALUE q 0 5" {
		t.Fatalf("unexpected value header: %q", got)
	}
	if got := h.recvLine(); got != "hello" {
		t.Fatalf("unexpected value body: %q", got)
	}
	if got := h.recvLine(); got != "END" {
		t.Fatalf("expected END, got %q", got)
	}
}

func TestReliableReadOverWire(t *testing.T) {
	h := newHarness(t)
	h.send("set q 0 0 1")
	h.send("X")
	_ = h.recvLine() // STORED

	h.send("get q/open")
	_ = h.recvLine() // VALUE q 0 1
	_ = h.recvLine() // X
	if got := h.recvLine(); got != "END" {
		t.Fatalf("expected END after value, got %q", got)
	}

	h.send("confirm q 1")
	if got := h.recvLine(); got != "END" {
		t.Fatalf("expected END on confirm, got %q", got)
	}

	h.send("get q")
	if got := h.recvLine(); got != "END" {
		t.Fatalf("expected drained queue, got %q", got)
	}
}

func TestUnknownCommandDisconnects(t *testing.T) {
	h := newHarness(t)
	h.send("bogus")
	if got := h.recvLine(); got == "" {
		t.Fatalf("expected a CLIENT_ERROR line")
	}
	select {
	case <-h.done:
	case <-time.After(time.Second):
		t.Fatalf("expected Serve to return after an unknown command")
	}
}

func TestPlainGetWhileReadOpenDisconnects(t *testing.T) {
	h := newHarness(t)
	h.send("set q 0 0 1")
	h.send("X")
	_ = h.recvLine() // STORED

	h.send("get q/open")
	_ = h.recvLine() // VALUE q 0 1
	_ = h.recvLine() // X
	_ = h.recvLine() // END

	h.send("get q")
	if got := h.recvLine(); got != "ERROR" {
		t.Fatalf("expected ERROR for a plain get against a queue with a pending read, got %q", got)
	}
	select {
	case <-h.done:
	case <-time.After(time.Second):
		t.Fatalf("expected Serve to disconnect after a transaction violation")
	}
}

func TestDeleteRefusedWhenUnavailable(t *testing.T) {
	h := newHarness(t)
	if err := h.otherSession().SetStatus("readonly"); err != nil {
		t.Fatalf("set status: %v", err)
	}

	h.send("delete q")
	if got := h.recvLine(); !strings.HasPrefix(got, "SERVER_ERROR") {
		t.Fatalf("expected SERVER_ERROR when unavailable, got %q", got)
	}
	select {
	case <-h.done:
	case <-time.After(time.Second):
		t.Fatalf("expected Serve to disconnect after SERVER_ERROR")
	}
}

func TestMonitorFlushesEachItemImmediately(t *testing.T) {
	h := newHarness(t)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = h.otherSession().SetItem(context.Background(), "q", 0, time.Time{}, []byte("x"))
	}()

	h.send("monitor q 5")

	lineCh := make(chan string, 1)
	go func() { lineCh <- h.recvLine() }()

	select {
	case got := <-lineCh:
		if got != "VALUE q 0 1" {
			t.Fatalf("unexpected value header: %q", got)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("expected the monitored item to be flushed promptly, not buffered until the window closes")
	}
}

func TestVersionAndQuit(t *testing.T) {
	h := newHarness(t)
	h.send("version")
	if got := h.recvLine(); got != "VERSION "+Version {
		t.Fatalf("unexpected version response: %q", got)
	}
	h.send("quit")
	select {
	case <-h.done:
	case <-time.After(time.Second):
		t.Fatalf("expected Serve to return after quit")
	}
}
