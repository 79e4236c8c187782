package memcache

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// getRequest is one decoded key from a get/gets line: the bare queue name
// plus the reliable-read options that followed a '/'.
type getRequest struct {
	queue   string
	timeout time.Duration
	open    bool
	close   bool
	abort   bool
	peek    bool
}

// parseGetKey splits "queue/opt1/opt2=val" into a getRequest, enforcing the
// forbidden option combinations named in the wire protocol: (peek|abort)
// with (open|close), peek with abort, and an empty queue name.
func parseGetKey(raw string) (getRequest, error) {
	parts := strings.Split(raw, "/")
	req := getRequest{queue: parts[0]}
	if req.queue == "" {
		return getRequest{}, fmt.Errorf("%w: empty key", ErrClientError)
	}
	for _, opt := range parts[1:] {
		switch {
		case opt == "open":
			req.open = true
		case opt == "close":
			req.close = true
		case opt == "abort":
			req.abort = true
		case opt == "peek":
			req.peek = true
		case strings.HasPrefix(opt, "t="):
			ms, err := strconv.Atoi(strings.TrimPrefix(opt, "t="))
			if err != nil {
				return getRequest{}, fmt.Errorf("%w: bad timeout option %q", ErrClientError, opt)
			}
			req.timeout = time.Duration(ms) * time.Millisecond
		case opt == "":
			// tolerate a trailing slash
		default:
			return getRequest{}, fmt.Errorf("%w: unknown option %q", ErrClientError, opt)
		}
	}
	if (req.peek || req.abort) && (req.open || req.close) {
		return getRequest{}, fmt.Errorf("%w: peek/abort cannot combine with open/close", ErrClientError)
	}
	if req.peek && req.abort {
		return getRequest{}, fmt.Errorf("%w: peek cannot combine with abort", ErrClientError)
	}
	return req, nil
}

// normalizeExpiry maps a `set` command's expiry field onto an absolute
// time: 0 means no expiry, a value below one million is a relative number
// of seconds from now, and anything larger is an absolute Unix timestamp.
func normalizeExpiry(raw int64, now time.Time) time.Time {
	switch {
	case raw == 0:
		return time.Time{}
	case raw < 1_000_000:
		return now.Add(time.Duration(raw) * time.Second)
	default:
		return time.Unix(raw, 0)
	}
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrClientError, err)
	}
	return uint32(v), nil
}

func parseInt64(s string) (int64, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrClientError, err)
	}
	return v, nil
}

func parseInt(s string) (int, error) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrClientError, err)
	}
	return v, nil
}
