package streaming

import (
	"crypto/ed25519"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignPacketRequiresSignatureFlag(t *testing.T) {
	id, signer, _ := newFakeKeyedIdentity()
	pkt := &Packet{Flags: FlagSYN | FlagFromIncluded, From: id}
	err := SignPacket(pkt, signer)
	assert.Error(t, err)
}

func TestSignAndVerifyPacketRoundTrip(t *testing.T) {
	id, signer, verifier := newFakeKeyedIdentity()
	pkt := &Packet{
		SendStreamID: 9,
		RecvStreamID: 10,
		SequenceNum:  3,
		Flags:        FlagSYN | FlagFromIncluded | FlagSignatureIncluded,
		From:         id,
		Payload:      []byte("payload"),
	}
	require.NoError(t, SignPacket(pkt, signer))
	require.Len(t, pkt.Signature, ed25519.SignatureSize)

	assert.NoError(t, VerifyPacketSignature(pkt, verifier))

	// Tampering with the payload after signing must break verification.
	pkt.Payload = []byte("tampered")
	assert.Error(t, VerifyPacketSignature(pkt, verifier))
}

func TestVerifyPacketSignatureRequiresFlagAndSignature(t *testing.T) {
	_, _, verifier := newFakeKeyedIdentity()
	pkt := &Packet{Flags: 0}
	assert.Error(t, VerifyPacketSignature(pkt, verifier))

	pkt.Flags = FlagSignatureIncluded
	assert.Error(t, VerifyPacketSignature(pkt, verifier))
}

func TestTransientVerifierFallsBackToPreviousKey(t *testing.T) {
	curPub, curPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	prevPub, prevPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	v := NewTransientVerifier(curPub, prevPub)

	data := []byte("data signed under the rotated-away key")
	oldSig := ed25519.Sign(prevPriv, data)
	assert.NoError(t, v.Verify(data, oldSig), "should accept a signature from the previous transient key")

	newSig := ed25519.Sign(curPriv, data)
	assert.NoError(t, v.Verify(data, newSig), "should accept a signature from the current transient key")

	assert.Error(t, v.Verify(data, []byte("not a real signature padded to 64 bytes..........")))
}

func TestTransientVerifierRejectsUnrelatedKey(t *testing.T) {
	curPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	_, otherPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	v := NewTransientVerifier(curPub, nil)
	data := []byte("data")
	sig := ed25519.Sign(otherPriv, data)
	assert.Error(t, v.Verify(data, sig))
}

func TestBuildOfflineSignedDataLayout(t *testing.T) {
	sig := &OfflineSig{
		Expires:            1234567890,
		TransientSigType:   7,
		TransientPublicKey: []byte{0xAA, 0xBB, 0xCC},
	}
	data := buildOfflineSignedData(sig)
	require.Len(t, data, 4+2+3)
	assert.Equal(t, uint32(1234567890), binary.BigEndian.Uint32(data[0:4]))
	assert.Equal(t, uint16(7), binary.BigEndian.Uint16(data[4:6]))
	assert.Equal(t, []byte{0xAA, 0xBB, 0xCC}, data[6:])
}
