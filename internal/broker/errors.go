package broker

import "errors"

// Sentinel errors matching the taxonomy the wire adapter maps onto
// CLIENT_ERROR / ERROR / SERVER_ERROR responses.
var (
	// ErrProtocol marks a malformed command. Maps to CLIENT_ERROR.
	ErrProtocol = errors.New("protocol error")
	// ErrTransaction marks a non-transactional get against a queue with an
	// existing pending read. Maps to ERROR + disconnect.
	ErrTransaction = errors.New("transaction violation")
	// ErrTooManyOpenReads marks an open request once a session is already at
	// its pending-read budget. Maps to ERROR + disconnect.
	ErrTooManyOpenReads = errors.New("too many open reads")
	// ErrUnavailable marks a read or write refused by the AvailabilityGate.
	// Maps to SERVER_ERROR + disconnect.
	ErrUnavailable = errors.New("unavailable")
	// ErrStatusNotConfigured marks a status command issued with no
	// ServerStatus configured. Maps to ERROR + disconnect.
	ErrStatusNotConfigured = errors.New("status not configured")
)
