package streaming

// Fake collaborator implementations shared across this package's test files:
// the collaborator interfaces (collaborators.go) stand in for concrete
// go-i2cp types, so tests exercise Stream/StreamingDestination against
// hand-rolled fakes instead of a live router.

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// fakeIdentity is a minimal Identity backed by an Ed25519 public key.
type fakeIdentity struct {
	pub ed25519.PublicKey
	rsa bool
}

func newFakeIdentity(pub ed25519.PublicKey) *fakeIdentity {
	return &fakeIdentity{pub: pub}
}

func (f *fakeIdentity) IsRSA() bool       { return f.rsa }
func (f *fakeIdentity) FullLen() int      { return len(f.pub) }
func (f *fakeIdentity) ToBuffer() []byte  { return f.pub }
func (f *fakeIdentity) SignatureLen() int { return ed25519.SignatureSize }
func (f *fakeIdentity) IdentHash() [32]byte {
	return sha256.Sum256(f.pub)
}

// Verify lets a fakeIdentity double as a Verifier, mirroring i2cpIdentity's
// duck-typed Verify method that processOptionsLocked asserts against when no
// transient (offline-signed) verifier has been established.
func (f *fakeIdentity) Verify(data, sig []byte) error {
	if ed25519.Verify(f.pub, data, sig) {
		return nil
	}
	return errors.New("fake identity signature verification failed")
}

// fakeFromDecoder decodes the fixed-length Ed25519 public key fakeIdentity
// encodes itself as, matching the FullLen/ToBuffer contract above.
func fakeFromDecoder(data []byte) (Identity, int, error) {
	if len(data) < ed25519.PublicKeySize {
		return nil, 0, errors.New("short fake identity")
	}
	pub := append(ed25519.PublicKey(nil), data[:ed25519.PublicKeySize]...)
	return newFakeIdentity(pub), ed25519.PublicKeySize, nil
}

// edSigner signs with a raw Ed25519 private key.
type edSigner struct {
	priv ed25519.PrivateKey
}

func (s *edSigner) Sign(data []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, data), nil
}

// edVerifier verifies against a raw Ed25519 public key, satisfying Verifier.
type edVerifier struct {
	pub ed25519.PublicKey
}

func (v *edVerifier) Verify(data, sig []byte) error {
	if ed25519.Verify(v.pub, data, sig) {
		return nil
	}
	return errors.New("ed25519 signature verification failed")
}

func (v *edVerifier) SignatureLen() int { return ed25519.SignatureSize }

// newFakeKeyedIdentity generates an Ed25519 keypair and returns the identity,
// signer, and verifier views over it.
func newFakeKeyedIdentity() (*fakeIdentity, *edSigner, *edVerifier) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		panic(err)
	}
	return newFakeIdentity(pub), &edSigner{priv: priv}, &edVerifier{pub: pub}
}

// fakeLeaseSet is a static LeaseSet.
type fakeLeaseSet struct {
	leases    []Lease
	encrypted bool
}

func (l *fakeLeaseSet) Leases() []Lease  { return l.leases }
func (l *fakeLeaseSet) IsEncrypted() bool { return l.encrypted }

// fakeLeaseSetLookup always returns the same LeaseSet (or error).
type fakeLeaseSetLookup struct {
	set LeaseSet
	err error
}

func (l *fakeLeaseSetLookup) Lookup(ctx context.Context, destHash [32]byte) (LeaseSet, error) {
	return l.set, l.err
}

func (l *fakeLeaseSetLookup) LookupEncrypted(ctx context.Context, destHash [32]byte) (LeaseSet, error) {
	return l.set, l.err
}

// fakeRoutingSession is a no-op garlic/ratchet session stand-in.
type fakeRoutingSession struct {
	mu           sync.Mutex
	ratchets     bool
	terminated   bool
	readyToSend  bool
	nonConfirmed bool
	wrapErr      error
	lastPath     *SharedRoutingPath
}

func (s *fakeRoutingSession) IsRatchets() bool                   { return s.ratchets }
func (s *fakeRoutingSession) IsTerminated() bool                 { return s.terminated }
func (s *fakeRoutingSession) IsReadyToSend() bool                { return s.readyToSend }
func (s *fakeRoutingSession) IsLeaseSetNonConfirmed() bool       { return s.nonConfirmed }
func (s *fakeRoutingSession) LeaseSetSubmissionTime() time.Time  { return time.Time{} }
func (s *fakeRoutingSession) SetSharedRoutingPath(path *SharedRoutingPath) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPath = path
}
func (s *fakeRoutingSession) WrapSingleMessage(payload []byte) ([]byte, error) {
	if s.wrapErr != nil {
		return nil, s.wrapErr
	}
	wrapped := make([]byte, len(payload))
	copy(wrapped, payload)
	return wrapped, nil
}

// fakeSessionFactory always hands back the same session.
type fakeSessionFactory struct {
	session RoutingSession
	err     error
}

func (f *fakeSessionFactory) SessionFor(remote Identity) (RoutingSession, error) {
	return f.session, f.err
}

// fakeTunnel records every TunnelDataMsg it is asked to send.
type fakeTunnel struct {
	mu   sync.Mutex
	sent []TunnelDataMsg
	err  error
}

func (t *fakeTunnel) SendTunnelDataMsgs(msgs []TunnelDataMsg) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	t.sent = append(t.sent, msgs...)
	return nil
}

func (t *fakeTunnel) sentCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent)
}

// fakeTunnelPool always returns the same outbound tunnel.
type fakeTunnelPool struct {
	tunnel Tunnel
}

func (p *fakeTunnelPool) GetNextOutboundTunnel(exclude Tunnel) Tunnel { return p.tunnel }
func (p *fakeTunnelPool) GetNewOutboundTunnel(old Tunnel) (Tunnel, bool) {
	return p.tunnel, false
}

// loopbackTunnel delivers every marshaled packet it is handed to a peer
// StreamingDestination's HandleNextPacket, standing in for a real outbound
// I2P tunnel + inbound session callback pair in same-process tests. Delivery
// happens on its own goroutine per message: a real session callback never
// runs nested inside the sender's own call stack, and since Stream/
// StreamingDestination locking is not reentrant, delivering inline here would
// deadlock a round trip that replies while the sender still holds its lock.
type loopbackTunnel struct {
	peer *StreamingDestination
}

func (lt *loopbackTunnel) SendTunnelDataMsgs(msgs []TunnelDataMsg) error {
	for _, m := range msgs {
		data := append([]byte(nil), m.Msg...)
		go func(data []byte) {
			wire, err := unwrapDataMessage(data)
			if err != nil {
				return
			}
			var pkt Packet
			if err := pkt.Unmarshal(wire, fakeFromDecoder); err != nil {
				return
			}
			lt.peer.HandleNextPacket(&pkt)
		}(data)
	}
	return nil
}

// unwrapDataMessage reverses CreateDataMessage's framing (length prefix,
// ports, protocol byte, gzip body), standing in for the session callback a
// real I2CP router applies before a streaming destination ever sees a
// packet.
func unwrapDataMessage(data []byte) ([]byte, error) {
	if len(data) < 9 {
		return nil, fmt.Errorf("data message too short: %d bytes", len(data))
	}
	r, err := gzip.NewReader(bytes.NewReader(data[9:]))
	if err != nil {
		return nil, fmt.Errorf("open gzip body: %w", err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

// newTestOwner builds an Owner wired with fakes suitable for most Stream/
// StreamingDestination tests: a local signing identity, a tunnel pool with
// one always-available tunnel, and no lease-set/session collaborators
// (tests that need those set them explicitly on the returned Owner).
func newTestOwner() (*Owner, *fakeTunnel) {
	local, signer, _ := newFakeKeyedIdentity()
	tunnel := &fakeTunnel{}
	return &Owner{
		Identity:  local,
		Signer:    signer,
		Tunnels:   &fakeTunnelPool{tunnel: tunnel},
		LocalHash: local.IdentHash(),
	}, tunnel
}

// remoteLeaseFixture returns a single non-expired Lease for use as the sole
// entry of a fakeLeaseSet.
func remoteLeaseFixture() Lease {
	return Lease{
		Gateway:  [32]byte{1, 2, 3},
		TunnelID: 42,
		EndDate:  time.Now().Add(10 * time.Minute),
	}
}
