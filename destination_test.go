package streaming

import (
	"encoding/base64"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loopbackDestinations wires two StreamingDestinations so packets sent via
// either's outbound tunnel are delivered asynchronously to the other's
// HandleNextPacket, the same way CreateDataMessage/HandleNextPacket would be
// driven by a real I2CP session callback.
func loopbackDestinations() (*StreamingDestination, *Owner, *StreamingDestination, *Owner) {
	ownerA, _ := newTestOwner()
	ownerB, _ := newTestOwner()
	ownerA.LeaseSets = &fakeLeaseSetLookup{}
	ownerB.LeaseSets = &fakeLeaseSetLookup{}

	destA := NewStreamingDestination(ownerA)
	destB := NewStreamingDestination(ownerB)

	ownerA.Tunnels = &fakeTunnelPool{tunnel: &loopbackTunnel{peer: destB}}
	ownerB.Tunnels = &fakeTunnelPool{tunnel: &loopbackTunnel{peer: destA}}
	return destA, ownerA, destB, ownerB
}

func TestHandshakeAndDataTransferLoopback(t *testing.T) {
	destA, ownerA, destB, ownerB := loopbackDestinations()

	remoteLeaseForB := &fakeLeaseSet{leases: []Lease{remoteLeaseFixture()}}
	sA, err := destA.CreateNewOutgoingStream(ownerB.Identity, remoteLeaseForB, 1000, 80)
	require.NoError(t, err)

	_, err = sA.Send([]byte("hello over i2p"))
	require.NoError(t, err)

	sB, err := destB.AcceptStream(2 * time.Second)
	require.NoError(t, err, "destB should accept the incoming stream carried by the SYN")
	require.NotNil(t, sB)

	require.NotNil(t, sB.GetRemoteIdentity())
	assert.Equal(t, ownerA.Identity.IdentHash(), sB.GetRemoteIdentity().IdentHash())

	buf := make([]byte, 64)
	n, err := sB.Receive(buf, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hello over i2p", string(buf[:n]))

	require.NoError(t, sA.Close())
	assert.Eventually(t, func() bool {
		st := sB.GetStatus()
		return st == StatusClosed || st == StatusTerminated
	}, 2*time.Second, 10*time.Millisecond, "peer stream should observe the CLOSE")
}

func TestAccessListRejectsIncomingSYN(t *testing.T) {
	destA, ownerA, destB, ownerB := loopbackDestinations()

	hash := ownerA.Identity.IdentHash()
	destB.SetAccessList(&AccessListConfig{
		Mode:                 AccessListModeBlacklist,
		Hashes:               []string{base64.StdEncoding.EncodeToString(hash[:])},
		DisableRejectLogging: true,
	})

	remoteLeaseForB := &fakeLeaseSet{leases: []Lease{remoteLeaseFixture()}}
	sA, err := destA.CreateNewOutgoingStream(ownerB.Identity, remoteLeaseForB, 0, 0)
	require.NoError(t, err)
	_, err = sA.Send([]byte("blocked"))
	require.NoError(t, err)

	_, err = destB.AcceptStream(150 * time.Millisecond)
	assert.Error(t, err, "blacklisted peer's SYN must never surface an incoming stream")
}

func TestConnectionLimiterRejectsSecondIncomingSYN(t *testing.T) {
	owner, _ := newTestOwner()
	owner.LeaseSets = &fakeLeaseSetLookup{}
	destB := NewStreamingDestination(owner)
	destB.SetConnectionLimits(&ConnectionLimitsConfig{MaxConnsPerMinute: 1, DisableRejectLogging: true})

	peer, _, _ := newFakeKeyedIdentity()

	first := &Packet{RecvStreamID: 111, SequenceNum: 0, Flags: FlagSYN | FlagFromIncluded | FlagNoAck, From: peer}
	destB.HandleNextPacket(first)

	destB.mu.Lock()
	firstCount := len(destB.streams)
	destB.mu.Unlock()
	require.Equal(t, 1, firstCount, "first SYN from the peer should be admitted")

	second := &Packet{RecvStreamID: 222, SequenceNum: 0, Flags: FlagSYN | FlagFromIncluded | FlagNoAck, From: peer}
	destB.HandleNextPacket(second)

	destB.mu.Lock()
	secondCount := len(destB.streams)
	destB.mu.Unlock()
	assert.Equal(t, 1, secondCount, "second SYN within the rate window from the same peer should be rejected")
}

func TestHandleIncomingSYNSetsRemoteIdentityWithoutSignature(t *testing.T) {
	owner, _ := newTestOwner()
	owner.LeaseSets = &fakeLeaseSetLookup{}
	dest := NewStreamingDestination(owner)

	peer, _, _ := newFakeKeyedIdentity()
	syn := &Packet{RecvStreamID: 42, SequenceNum: 0, Flags: FlagSYN | FlagFromIncluded | FlagNoAck, From: peer}

	acceptedCh := make(chan *Stream, 1)
	dest.SetAcceptor(func(s *Stream) { acceptedCh <- s })
	dest.HandleNextPacket(syn)

	select {
	case s := <-acceptedCh:
		require.NotNil(t, s.GetRemoteIdentity())
		assert.Equal(t, peer.IdentHash(), s.GetRemoteIdentity().IdentHash())
	case <-time.After(time.Second):
		t.Fatal("acceptor was never invoked")
	}
}

func TestDuplicateSYNResetsRoutingPathInsteadOfNewStream(t *testing.T) {
	owner, _ := newTestOwner()
	owner.LeaseSets = &fakeLeaseSetLookup{}
	dest := NewStreamingDestination(owner)
	peer, _, _ := newFakeKeyedIdentity()

	syn := &Packet{RecvStreamID: 7, SequenceNum: 0, Flags: FlagSYN | FlagFromIncluded | FlagNoAck, From: peer}
	dest.HandleNextPacket(syn)

	dest.mu.Lock()
	count := len(dest.streams)
	dest.mu.Unlock()
	require.Equal(t, 1, count)

	dest.HandleNextPacket(syn)
	dest.mu.Lock()
	countAfterDup := len(dest.streams)
	dest.mu.Unlock()
	assert.Equal(t, 1, countAfterDup, "a duplicate SYN for the same peerSendID must not allocate a second stream")
}

func TestCreateDataMessageRoundTripHeader(t *testing.T) {
	msg, err := CreateDataMessage([]byte("payload"), 1000, 2000, 6, true)
	require.NoError(t, err)
	require.True(t, len(msg) > 9)

	assert.Equal(t, uint32(len(msg)), binary.BigEndian.Uint32(msg[0:4]))
	assert.Equal(t, uint16(1000), binary.BigEndian.Uint16(msg[4:6]))
	assert.Equal(t, uint16(2000), binary.BigEndian.Uint16(msg[6:8]))
	assert.Equal(t, byte(6), msg[8])

	body, err := unwrapDataMessage(msg)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(body))
}
