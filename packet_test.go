package streaming

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketMarshalUnmarshalRoundTrip(t *testing.T) {
	id, _, _ := newFakeKeyedIdentity()

	pkt := &Packet{
		SendStreamID: 111,
		RecvStreamID: 222,
		SequenceNum:  5,
		AckThrough:   4,
		NACKs:        []uint32{1, 2, 3},
		ResendDelay:  7,
		Flags:        FlagSYN | FlagFromIncluded | FlagMaxPacketSizeIncluded,
		MaxPacketSize: DefaultMTU,
		From:          id,
		Payload:       []byte("hello i2p"),
	}

	wire, err := pkt.Marshal()
	require.NoError(t, err)

	var got Packet
	err = got.Unmarshal(wire, fakeFromDecoder)
	require.NoError(t, err)

	assert.Equal(t, pkt.SendStreamID, got.SendStreamID)
	assert.Equal(t, pkt.RecvStreamID, got.RecvStreamID)
	assert.Equal(t, pkt.SequenceNum, got.SequenceNum)
	assert.Equal(t, pkt.AckThrough, got.AckThrough)
	assert.Equal(t, pkt.NACKs, got.NACKs)
	assert.Equal(t, pkt.ResendDelay, got.ResendDelay)
	assert.Equal(t, pkt.Flags, got.Flags)
	assert.Equal(t, pkt.MaxPacketSize, got.MaxPacketSize)
	assert.Equal(t, pkt.Payload, got.Payload)
	require.NotNil(t, got.From)
	assert.Equal(t, id.IdentHash(), got.From.IdentHash())
}

func TestPacketIsPureAck(t *testing.T) {
	pkt := &Packet{SequenceNum: 0, Flags: 0}
	assert.True(t, pkt.IsPureAck())

	pkt.Flags = FlagSYN
	assert.False(t, pkt.IsPureAck())
}

func TestPacketFlagHelpers(t *testing.T) {
	pkt := &Packet{Flags: FlagSYN | FlagEcho | FlagNoAck}
	assert.True(t, pkt.IsSYN())
	assert.True(t, pkt.IsEcho())
	assert.True(t, pkt.IsNoAck())

	pkt.Flags = 0
	assert.False(t, pkt.IsSYN())
	assert.False(t, pkt.IsEcho())
	assert.False(t, pkt.IsNoAck())
}

func TestPacketMarshalTooManyNACKs(t *testing.T) {
	pkt := &Packet{NACKs: make([]uint32, 256)}
	_, err := pkt.Marshal()
	assert.Error(t, err)
}

func TestPacketUnmarshalTooShort(t *testing.T) {
	var pkt Packet
	err := pkt.Unmarshal([]byte{1, 2, 3}, nil)
	assert.Error(t, err)
}

func TestPacketMarshalFromIncludedNilFrom(t *testing.T) {
	pkt := &Packet{Flags: FlagFromIncluded}
	_, err := pkt.Marshal()
	assert.Error(t, err)
}

func TestPacketOptionsOrderingWithSignature(t *testing.T) {
	id, signer, verifier := newFakeKeyedIdentity()

	pkt := &Packet{
		SendStreamID: 1,
		RecvStreamID: 2,
		Flags:        FlagSYN | FlagFromIncluded | FlagSignatureIncluded,
		From:         id,
	}
	require.NoError(t, SignPacket(pkt, signer))

	wire, err := pkt.Marshal()
	require.NoError(t, err)

	var got Packet
	require.NoError(t, got.Unmarshal(wire, fakeFromDecoder))

	err = VerifyPacketSignature(&got, verifier)
	assert.NoError(t, err)
}
