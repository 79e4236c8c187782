// Package memcache implements the MemcacheAdapter: the line-oriented wire
// protocol that sits between a transport connection and a broker.Session.
package memcache

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/duramq/duramq/internal/broker"
	logpkg "github.com/duramq/duramq/pkg/log"
)

// Version is reported by the `version` command.
const Version = "1.0.0"

// Adapter drives one connection's request/response cycle against a single
// broker.Session. It is not safe for concurrent use; the wire protocol is
// strictly one request in flight per connection.
type Adapter struct {
	session      *broker.Session
	logger       logpkg.Logger
	reader       *bufio.Reader
	resp         responseWriter
	maxItemBytes int

	onShutdown func()
	onReload   func() error
}

// New builds an Adapter reading from r and writing to w, bound to session.
// onShutdown is invoked (after the configured grace period) when a client
// issues `shutdown`; onReload backs the `reload` command. maxItemBytes caps
// a single `set` payload; 0 means no cap.
func New(session *broker.Session, r io.Reader, w io.Writer, logger logpkg.Logger, maxItemBytes int, onShutdown func(), onReload func() error) *Adapter {
	return &Adapter{
		session:      session,
		logger:       logger,
		reader:       bufio.NewReader(r),
		resp:         responseWriter{w: bufio.NewWriter(w)},
		maxItemBytes: maxItemBytes,
		onShutdown:   onShutdown,
		onReload:     onReload,
	}
}

// Serve runs the request loop until the client disconnects, a fatal I/O
// error occurs, or ctx is cancelled. It always finishes the session before
// returning.
func (a *Adapter) Serve(ctx context.Context) error {
	defer a.session.Finish()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		line, err := a.readLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		disconnect, err := a.dispatch(ctx, strings.ToLower(fields[0]), fields[1:])
		if err != nil {
			return err
		}
		if disconnect {
			return nil
		}
	}
}

func (a *Adapter) readLine() (string, error) {
	line, err := a.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// dispatch handles one command. The returned bool reports whether the
// connection should be closed; the returned error is a fatal transport
// failure (a write or read that failed), never a protocol-level rejection —
// those are written to the wire as CLIENT_ERROR/ERROR and handled inline.
func (a *Adapter) dispatch(ctx context.Context, cmd string, args []string) (bool, error) {
	switch cmd {
	case "get", "gets":
		return a.handleGet(ctx, args)
	case "monitor":
		return a.handleMonitor(ctx, args)
	case "confirm":
		return a.handleConfirm(args)
	case "set":
		return a.handleSet(ctx, args)
	case "delete":
		return a.handleDelete(args)
	case "flush":
		return a.handleFlush(args)
	case "flush_all":
		return a.handleFlushAll()
	case "flush_expired":
		return a.handleFlushExpired(args)
	case "flush_all_expired":
		return a.handleFlushAllExpired()
	case "stats":
		return a.handleStats()
	case "dump_stats":
		return a.handleDumpStats(args)
	case "status":
		return a.handleStatus(args)
	case "version":
		return false, a.resp.line("VERSION " + Version)
	case "reload":
		return a.handleReload()
	case "shutdown":
		if a.onShutdown != nil {
			a.session.Shutdown(a.onShutdown)
		}
		return true, nil
	case "quit":
		return true, nil
	default:
		a.session.LogClientError("dispatch", fmt.Errorf("%w: unknown command %q", ErrClientError, cmd))
		return true, a.resp.clientError(fmt.Sprintf("unknown command %q", cmd))
	}
}

func (a *Adapter) handleGet(ctx context.Context, args []string) (bool, error) {
	if len(args) == 0 {
		a.session.LogClientError("get", fmt.Errorf("%w: missing key", ErrClientError))
		return true, a.resp.clientError("missing key")
	}
	for _, raw := range args {
		req, err := parseGetKey(raw)
		if err != nil {
			a.session.LogClientError("get", err)
			return true, a.resp.clientError(err.Error())
		}
		if req.abort {
			a.session.AbortRead(req.queue)
			continue
		}
		if req.close {
			a.session.CloseRead(req.queue)
			if !req.open {
				continue
			}
		}

		item, err := a.session.GetItem(ctx, req.queue, req.timeout, req.open, req.peek)
		if err != nil {
			if errors.Is(err, broker.ErrTransaction) {
				a.session.LogClientError("get", err)
				return true, a.resp.genericError()
			}
			if errors.Is(err, broker.ErrTooManyOpenReads) {
				return true, a.resp.genericError()
			}
			if errors.Is(err, broker.ErrUnavailable) {
				return true, a.resp.serverError(err.Error())
			}
			return true, a.resp.genericError()
		}
		if item != nil {
			if err := a.resp.value(req.queue, item.Flags, item.Data); err != nil {
				return false, err
			}
		}
	}
	return false, a.resp.end()
}

func (a *Adapter) handleMonitor(ctx context.Context, args []string) (bool, error) {
	if len(args) < 2 {
		a.session.LogClientError("monitor", fmt.Errorf("%w: usage monitor <key> <secs> [max]", ErrClientError))
		return true, a.resp.clientError("usage: monitor <key> <secs> [max]")
	}
	queue := args[0]
	secs, err := parseInt(args[1])
	if err != nil {
		return true, a.resp.clientError(err.Error())
	}
	maxItems := 0
	if len(args) >= 3 {
		maxItems, err = parseInt(args[2])
		if err != nil {
			return true, a.resp.clientError(err.Error())
		}
	}
	deadline := time.Now().Add(time.Duration(secs) * time.Second)

	var writeErr error
	err = a.session.MonitorUntil(ctx, queue, deadline, maxItems, false, func(item *broker.Item) {
		if writeErr != nil {
			return
		}
		if item == nil {
			writeErr = a.resp.end()
			return
		}
		writeErr = a.resp.value(queue, item.Flags, item.Data)
	})
	if writeErr != nil {
		return false, writeErr
	}
	if err != nil {
		if errors.Is(err, broker.ErrUnavailable) {
			return true, a.resp.serverError(err.Error())
		}
		return true, a.resp.genericError()
	}
	return false, nil
}

func (a *Adapter) handleConfirm(args []string) (bool, error) {
	if len(args) != 2 {
		return false, a.resp.genericError()
	}
	count, err := parseInt(args[1])
	if err != nil || count <= 0 {
		return false, a.resp.genericError()
	}
	if !a.session.CloseReads(args[0], count) {
		return false, a.resp.genericError()
	}
	return false, a.resp.end()
}

func (a *Adapter) handleSet(ctx context.Context, args []string) (bool, error) {
	if len(args) != 4 {
		return false, a.resp.clientError("usage: set <key> <flags> <expiry> <bytes>")
	}
	queue := args[0]
	flags, err := parseUint32(args[1])
	if err != nil {
		return false, a.resp.clientError(err.Error())
	}
	expiryRaw, err := parseInt64(args[2])
	if err != nil {
		return false, a.resp.clientError(err.Error())
	}
	n, err := parseInt(args[3])
	if err != nil || n < 0 {
		return false, a.resp.clientError("bad byte count")
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(a.reader, data); err != nil {
		return true, err
	}
	trailer := make([]byte, 2)
	if _, err := io.ReadFull(a.reader, trailer); err != nil {
		return true, err
	}
	if a.maxItemBytes > 0 && n > a.maxItemBytes {
		return false, a.resp.clientError(fmt.Sprintf("item too large: %d > %d", n, a.maxItemBytes))
	}

	expiry := normalizeExpiry(expiryRaw, time.Now())
	ok, err := a.session.SetItem(ctx, queue, flags, expiry, data)
	if err != nil {
		if errors.Is(err, broker.ErrUnavailable) {
			return true, a.resp.serverError(err.Error())
		}
		return false, a.resp.notStored()
	}
	if !ok {
		return false, a.resp.notStored()
	}
	return false, a.resp.stored()
}

func (a *Adapter) handleDelete(args []string) (bool, error) {
	if len(args) != 1 {
		return true, a.resp.clientError("usage: delete <key>")
	}
	if err := a.session.DeleteQueue(args[0]); err != nil {
		if errors.Is(err, broker.ErrUnavailable) {
			return true, a.resp.serverError(err.Error())
		}
	}
	return false, a.resp.deleted()
}

func (a *Adapter) handleFlush(args []string) (bool, error) {
	if len(args) != 1 {
		return true, a.resp.clientError("usage: flush <key>")
	}
	if err := a.session.Flush(args[0]); err != nil {
		if errors.Is(err, broker.ErrUnavailable) {
			return true, a.resp.serverError(err.Error())
		}
	}
	return false, a.resp.end()
}

func (a *Adapter) handleFlushAll() (bool, error) {
	if err := a.session.FlushAllQueues(); err != nil {
		if errors.Is(err, broker.ErrUnavailable) {
			return true, a.resp.serverError(err.Error())
		}
	}
	return false, a.resp.line("Flushed all queues.")
}

func (a *Adapter) handleFlushExpired(args []string) (bool, error) {
	if len(args) != 1 {
		return true, a.resp.clientError("usage: flush_expired <key>")
	}
	n, err := a.session.FlushExpired(args[0])
	if err != nil {
		if errors.Is(err, broker.ErrUnavailable) {
			return true, a.resp.serverError(err.Error())
		}
		n = 0
	}
	return false, a.resp.line(fmt.Sprint(n))
}

func (a *Adapter) handleFlushAllExpired() (bool, error) {
	n, err := a.session.FlushAllExpired()
	if err != nil {
		if errors.Is(err, broker.ErrUnavailable) {
			return true, a.resp.serverError(err.Error())
		}
		n = 0
	}
	return false, a.resp.line(fmt.Sprint(n))
}

func (a *Adapter) handleStatus(args []string) (bool, error) {
	if len(args) == 0 {
		status, err := a.session.CurrentStatus()
		if err != nil {
			return true, a.resp.genericError()
		}
		return false, a.resp.line(status)
	}
	if err := a.session.SetStatus(args[0]); err != nil {
		if errors.Is(err, broker.ErrStatusNotConfigured) {
			return true, a.resp.genericError()
		}
		return true, a.resp.clientError(err.Error())
	}
	return false, a.resp.end()
}

func (a *Adapter) handleReload() (bool, error) {
	if a.onReload != nil {
		if err := a.onReload(); err != nil {
			return false, a.resp.serverError(err.Error())
		}
	}
	return false, a.resp.line("Reloaded config.")
}
