package streaming

import "errors"

// Sentinel errors for the taxonomy in spec §7. Callers that need to
// distinguish terminal causes programmatically can compare against these
// with errors.Is; all other errors returned by this package are transient
// and absorbed internally (retried implicitly under RTO).
var (
	// ErrStreamReset is returned to application handlers when the stream
	// transitions to Reset (SYN timeout, max resend attempts exhausted, or
	// an explicit RESET from the peer).
	ErrStreamReset = errors.New("streaming: stream reset")

	// ErrStreamClosed is returned once a stream has fully terminated.
	ErrStreamClosed = errors.New("streaming: stream closed")

	// ErrBacklogFull names the pending-incoming backlog being at
	// MAX_PENDING_INCOMING_BACKLOG. StreamingDestination does not return it:
	// a new stream whose SYN finds the backlog full is closed instead.
	ErrBacklogFull = errors.New("streaming: pending incoming backlog full")

	// ErrDestinationMismatch indicates a first inbound packet's replay-
	// prevention NACK slots didn't match the local destination hash.
	ErrDestinationMismatch = errors.New("streaming: destination mismatch")

	// ErrProtocolViolation covers RSA remote identities, invalid offline
	// signatures, and acks beyond the local sequence number.
	ErrProtocolViolation = errors.New("streaming: protocol violation")

	// ErrNoRemoteLease indicates no usable, non-expired lease could be
	// found for the remote destination.
	ErrNoRemoteLease = errors.New("streaming: no usable remote lease")

	// ErrNoOutboundTunnel indicates the tunnel pool has no outbound tunnel
	// available to send on.
	ErrNoOutboundTunnel = errors.New("streaming: no outbound tunnel available")

	// ErrReceiveCanceled is handed to an AsyncReceive handler whose wait was
	// aborted by the cancel function AsyncReceive returns (spec §5).
	ErrReceiveCanceled = errors.New("streaming: async receive canceled")
)
