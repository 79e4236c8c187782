package memcache

import "errors"

// ErrClientError marks a malformed request. The dispatch loop reports it on
// the wire as CLIENT_ERROR and, for most commands, closes the connection —
// see the per-command handling in adapter.go for the exact cases that don't.
var ErrClientError = errors.New("memcache: client error")
