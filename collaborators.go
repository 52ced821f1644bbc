package streaming

import (
	"context"
	"time"
)

// Identity is the contract the Stream engine consumes for a destination's
// long-term identity. It is satisfied by the go-i2cp adapter in
// identity_i2cp.go, and is the only surface through which the engine ever
// touches a concrete identity type: lease-set lookup, tunnel construction,
// and garlic/ratchet session management stay out of scope per spec §1.
type Identity interface {
	// IsRSA reports whether the identity uses a legacy RSA signature type.
	// The engine rejects RSA remote identities (spec §4.3 ProcessOptions).
	IsRSA() bool
	// FullLen returns the encoded length of the identity, in bytes.
	FullLen() int
	// IdentHash returns the 32-byte SHA-256 hash of the identity.
	IdentHash() [32]byte
	// ToBuffer returns the identity's wire encoding.
	ToBuffer() []byte
	// SignatureLen returns the signature length this identity's key type produces.
	SignatureLen() int
}

// Signer signs data with a local identity's private signing key.
type Signer interface {
	Sign(data []byte) ([]byte, error)
}

// Verifier verifies a signature against a public key. Satisfied both by a
// remote Identity's own key and by a transient (offline-signed) key.
type Verifier interface {
	Verify(data, sig []byte) error
	SignatureLen() int
}

// Lease is one (gateway, tunnel, expiry) entry of a remote LeaseSet.
type Lease struct {
	Gateway   [32]byte
	TunnelID  uint32
	EndDate   time.Time
	Threshold bool // true if this lease is within the LeaseSet's threshold window
}

// LeaseSet enumerates a destination's current inbound gateways.
type LeaseSet interface {
	Leases() []Lease
	IsEncrypted() bool
}

// LeaseSetLookup resolves a destination hash to its published LeaseSet,
// optionally through an encrypted lookup when the set is published-encrypted.
type LeaseSetLookup interface {
	Lookup(ctx context.Context, destHash [32]byte) (LeaseSet, error)
	LookupEncrypted(ctx context.Context, destHash [32]byte) (LeaseSet, error)
}

// SharedRoutingPath is the {tunnel, lease, RTT} triple a Stream publishes on
// its first RTT sample (spec §4.5) so that sibling streams to the same peer
// can adopt it (spec §4.8 SendPackets).
type SharedRoutingPath struct {
	OutboundTunnel Tunnel
	RemoteLease    *Lease
	RTT            time.Duration
}

// RoutingSession is the per-peer garlic/ratchet session that wraps outbound
// messages. Construction, key agreement, and ratchet bookkeeping are out of
// scope (spec §1); only this contract is consumed.
type RoutingSession interface {
	IsRatchets() bool
	IsTerminated() bool
	IsReadyToSend() bool
	IsLeaseSetNonConfirmed() bool
	LeaseSetSubmissionTime() time.Time
	SetSharedRoutingPath(path *SharedRoutingPath)
	WrapSingleMessage(payload []byte) ([]byte, error)
}

// RoutingSessionFactory obtains or creates the RoutingSession for a remote
// identity.
type RoutingSessionFactory interface {
	SessionFor(remote Identity) (RoutingSession, error)
}

// TunnelDataMsg is one wrapped message handed to an outbound Tunnel,
// addressed to a specific lease (gateway + tunnel ID).
type TunnelDataMsg struct {
	Gateway  [32]byte
	TunnelID uint32
	Msg      []byte
}

// Tunnel is a locally owned anonymizing outbound path.
type Tunnel interface {
	SendTunnelDataMsgs(msgs []TunnelDataMsg) error
}

// TunnelPool supplies outbound tunnels, optionally excluding one (for
// rotation after a suspected path failure) and reporting freshness.
type TunnelPool interface {
	GetNextOutboundTunnel(exclude Tunnel) Tunnel
	GetNewOutboundTunnel(old Tunnel) (t Tunnel, fresh bool)
}

// Owner bundles the collaborators a StreamingDestination needs from its
// surrounding router/destination runtime (spec §6).
type Owner struct {
	Identity    Identity
	Signer      Signer
	LeaseSets   LeaseSetLookup
	Tunnels     TunnelPool
	Sessions    RoutingSessionFactory
	LocalHash   [32]byte
	AnswerPings bool

	// AckDelay overrides the ceiling scheduled acks are clamped to
	// (i2p.streaming.ackDelay). Zero means DefaultAckDelay.
	AckDelay time.Duration
}
