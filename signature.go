package streaming

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"time"

	go_i2cp "github.com/go-i2p/go-i2cp"
)

// transientVerifier verifies signatures against an offline-signed transient
// Ed25519 key, with an older-key fallback (spec §1/§9, Open Question
// resolved in DESIGN.md): if the current transient key fails, and a
// previous one is cached, verification retries against it before failing.
// This models a peer that rotated its transient key mid-conversation while
// the local side still has packets in flight signed under the prior one.
type transientVerifier struct {
	current  ed25519.PublicKey
	previous ed25519.PublicKey // may be nil
}

// NewTransientVerifier builds a Verifier for an offline-signed transient
// key, optionally retaining the previously cached key for the older-key
// fallback.
func NewTransientVerifier(current, previous []byte) Verifier {
	return &transientVerifier{
		current:  ed25519.PublicKey(current),
		previous: ed25519.PublicKey(previous),
	}
}

func (v *transientVerifier) SignatureLen() int { return ed25519SigLen }

func (v *transientVerifier) Verify(data, sig []byte) error {
	if len(v.current) == ed25519.PublicKeySize && ed25519.Verify(v.current, data, sig) {
		return nil
	}
	if len(v.previous) == ed25519.PublicKeySize && ed25519.Verify(v.previous, data, sig) {
		return nil
	}
	return fmt.Errorf("%w: transient signature verification failed", ErrProtocolViolation)
}

// VerifyOfflineSignature checks that a destination's long-term signing key
// authorized the offline (transient) key described by sig, per spec §6's
// Expires(4)+SigType(2)+PublicKey wire layout, and that the offline
// signature has not expired.
//
// On success, returns a Verifier for the transient key, carrying prev as
// the older-key fallback (pass the previously cached transient verifier's
// key, if any, so a key rotation mid-stream degrades gracefully rather than
// breaking packets already in flight signed under the old key).
func VerifyOfflineSignature(sig *OfflineSig, dest *go_i2cp.Destination, prevTransientKey []byte) (Verifier, error) {
	if sig == nil {
		return nil, fmt.Errorf("offline signature is nil")
	}
	if dest == nil {
		return nil, fmt.Errorf("destination is nil")
	}
	if time.Now().Unix() > int64(sig.Expires) {
		return nil, fmt.Errorf("offline signature expired at %d", sig.Expires)
	}
	if len(sig.TransientPublicKey) != ed25519PubKeyLen {
		return nil, fmt.Errorf("unexpected transient public key length: %d", len(sig.TransientPublicKey))
	}
	if len(sig.DestSignature) != ed25519SigLen {
		return nil, fmt.Errorf("unexpected dest signature length: %d", len(sig.DestSignature))
	}

	toSign := buildOfflineSignedData(sig)
	signingPubKey, err := extractEd25519SigningPubKey(dest)
	if err != nil {
		return nil, fmt.Errorf("extract destination signing key: %w", err)
	}
	if !ed25519.Verify(ed25519.PublicKey(signingPubKey), toSign, sig.DestSignature) {
		return nil, fmt.Errorf("%w: offline signature not authorized by destination", ErrProtocolViolation)
	}

	return NewTransientVerifier(sig.TransientPublicKey, prevTransientKey), nil
}

// buildOfflineSignedData reconstructs the byte sequence the destination's
// long-term key signed: Expires(4) + TransientSigType(2) + TransientPublicKey.
func buildOfflineSignedData(sig *OfflineSig) []byte {
	buf := make([]byte, 0, 6+len(sig.TransientPublicKey))
	var b4 [4]byte
	binary.BigEndian.PutUint32(b4[:], sig.Expires)
	buf = append(buf, b4[:]...)
	var b2 [2]byte
	binary.BigEndian.PutUint16(b2[:], sig.TransientSigType)
	buf = append(buf, b2[:]...)
	buf = append(buf, sig.TransientPublicKey...)
	return buf
}

// signingView marshals pkt with its signature field reserved-but-zeroed,
// returning the bytes to sign/verify and the offset of the signature
// within them. signingView restores pkt.Signature itself, via its own
// defer, on every exit path.
func signingView(pkt *Packet) (data []byte, sigOffset, sigLen int, err error) {
	saved := pkt.Signature
	defer func() { pkt.Signature = saved }()

	sigLen = pkt.signatureLen()
	pkt.Signature = make([]byte, sigLen)

	data, err = pkt.Marshal()
	if err != nil {
		return nil, 0, 0, fmt.Errorf("marshal for signing view: %w", err)
	}
	sigOffset = signatureOffset(pkt)
	if sigOffset+sigLen > len(data) {
		return nil, 0, 0, fmt.Errorf("signature offset+length exceeds packet length")
	}
	for i := 0; i < sigLen; i++ {
		data[sigOffset+i] = 0
	}
	return data, sigOffset, sigLen, nil
}

// signatureOffset returns the byte offset of the signature field in a
// marshaled packet: it is always the last option, after DELAY, FROM,
// MAX_PACKET_SIZE, and OFFLINE_SIGNATURE.
func signatureOffset(pkt *Packet) int {
	off := fixedHeaderLen + len(pkt.NACKs)*4 + 1 /*resendDelay*/ + 2 /*flags*/ + 2 /*optSize*/
	if pkt.Flags&FlagDelayRequested != 0 {
		off += 2
	}
	if pkt.Flags&FlagFromIncluded != 0 && pkt.From != nil {
		off += pkt.From.FullLen()
	}
	if pkt.Flags&FlagMaxPacketSizeIncluded != 0 {
		off += 2
	}
	if pkt.Flags&FlagOfflineSignature != 0 && pkt.OfflineSig != nil {
		off += offlineSigWireLen(pkt.OfflineSig)
	}
	return off
}

// SignPacket signs pkt with signer, requiring FlagSignatureIncluded to
// already be set. The signature is computed over the full marshaled packet
// with the signature field zeroed (spec §8 invariant 6, §9).
func SignPacket(pkt *Packet, signer Signer) error {
	if pkt.Flags&FlagSignatureIncluded == 0 {
		return fmt.Errorf("cannot sign: FlagSignatureIncluded not set")
	}
	data, _, sigLen, err := signingView(pkt)
	if err != nil {
		return err
	}
	sig, err := signer.Sign(data)
	if err != nil {
		return fmt.Errorf("sign packet: %w", err)
	}
	if len(sig) != sigLen {
		return fmt.Errorf("signer returned %d bytes, want %d", len(sig), sigLen)
	}
	pkt.Signature = sig
	return nil
}

// VerifyPacketSignature verifies pkt.Signature against v, zeroing the
// signature field for the duration of the check and restoring it
// afterward regardless of outcome (spec §9).
func VerifyPacketSignature(pkt *Packet, v Verifier) error {
	if pkt.Flags&FlagSignatureIncluded == 0 {
		return fmt.Errorf("cannot verify: FlagSignatureIncluded not set")
	}
	if len(pkt.Signature) == 0 {
		return fmt.Errorf("cannot verify: no signature present")
	}
	data, sigOffset, sigLen, err := signingView(pkt)
	if err != nil {
		return err
	}
	// signingView zeroed a scratch copy of the signature; overlay the real
	// signature bytes are not present in data (it built its own zeroed
	// placeholder), so nothing further to restore there. Verify against
	// the real signature value held in pkt.Signature.
	_ = sigOffset
	_ = sigLen
	return v.Verify(data, pkt.Signature)
}
