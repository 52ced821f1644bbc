package streaming

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"

	go_i2cp "github.com/go-i2p/go-i2cp"
)

// ed25519 key/signature sizes per spec §1/§6: go-i2cp's Destination type
// only supports Ed25519 (signature type 7) destinations.
const (
	ed25519SigLen    = 64
	ed25519PubKeyLen = 32
	// ed25519SigningKeyOffset is the byte offset of the Ed25519 signing
	// public key within a standard destination's encoded form.
	ed25519SigningKeyOffset = 256
)

// i2cpIdentity adapts a go-i2cp Destination to the Identity interface
// (spec §6). It is the one place this module touches a concrete I2CP type;
// everything else in the engine talks to collaborators.go's interfaces.
type i2cpIdentity struct {
	dest *go_i2cp.Destination
}

// NewIdentity wraps a go-i2cp Destination as an Identity.
func NewIdentity(dest *go_i2cp.Destination) Identity {
	return &i2cpIdentity{dest: dest}
}

func (id *i2cpIdentity) IsRSA() bool {
	// go-i2cp destinations are always Ed25519 (signature type 7); RSA
	// destinations cannot be represented by this adapter, so they are
	// rejected upstream in Stream.ProcessOptions before ever reaching here.
	return false
}

func (id *i2cpIdentity) FullLen() int {
	stream := go_i2cp.NewStream(make([]byte, 0, 512))
	if err := id.dest.WriteToMessage(stream); err != nil {
		return 0
	}
	return len(stream.Bytes())
}

func (id *i2cpIdentity) IdentHash() [32]byte {
	stream := go_i2cp.NewStream(make([]byte, 0, 512))
	_ = id.dest.WriteToStream(stream)
	return sha256.Sum256(stream.Bytes())
}

func (id *i2cpIdentity) ToBuffer() []byte {
	stream := go_i2cp.NewStream(make([]byte, 0, 512))
	if err := id.dest.WriteToMessage(stream); err != nil {
		return nil
	}
	return stream.Bytes()
}

func (id *i2cpIdentity) SignatureLen() int { return ed25519SigLen }

// Verify implements Verifier directly against this identity's own signing
// key, so a remote Identity can be used wherever a Verifier is expected
// (spec §4.3 ProcessOptions: "verify ... with either the transient verifier
// or the remote identity").
func (id *i2cpIdentity) Verify(data, sig []byte) error {
	pubKey, err := extractEd25519SigningPubKey(id.dest)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	if !ed25519.Verify(ed25519.PublicKey(pubKey), data, sig) {
		return fmt.Errorf("%w: signature verification failed", ErrProtocolViolation)
	}
	return nil
}

// i2cpSigner signs outbound packets with a session's Ed25519 signing key
// pair (spec §6: "signing key (Sign(buf,len,sig))").
type i2cpSigner struct {
	keyPair *go_i2cp.Ed25519KeyPair
}

// NewSigner wraps a go-i2cp Ed25519 key pair as a Signer.
func NewSigner(kp *go_i2cp.Ed25519KeyPair) Signer {
	return &i2cpSigner{keyPair: kp}
}

func (s *i2cpSigner) Sign(data []byte) ([]byte, error) {
	sig, err := s.keyPair.Sign(data)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	if len(sig) != ed25519SigLen {
		return nil, fmt.Errorf("unexpected signature length: got %d, want %d", len(sig), ed25519SigLen)
	}
	return sig, nil
}

// destinationHash returns the SHA-256 hash of a Destination's serialized
// form. The SYN NACK slots and the TCB/rate-limiter keys take their hash
// from Identity.IdentHash instead.
func destinationHash(dest *go_i2cp.Destination) ([32]byte, error) {
	if dest == nil {
		return [32]byte{}, fmt.Errorf("destination is nil")
	}
	stream := go_i2cp.NewStream(make([]byte, 0, 512))
	if err := dest.WriteToStream(stream); err != nil {
		return [32]byte{}, fmt.Errorf("serialize destination: %w", err)
	}
	return sha256.Sum256(stream.Bytes()), nil
}

// extractEd25519SigningPubKey extracts the 32-byte Ed25519 signing public
// key from a destination's encoded form, used by i2cpIdentity.Verify and
// VerifyOfflineSignature to check signatures made with the destination's
// long-term signing key.
func extractEd25519SigningPubKey(dest *go_i2cp.Destination) ([]byte, error) {
	stream := go_i2cp.NewStream(make([]byte, 0, 512))
	if err := dest.WriteToMessage(stream); err != nil {
		return nil, fmt.Errorf("encode destination: %w", err)
	}
	buf := stream.Bytes()
	if len(buf) < ed25519SigningKeyOffset+ed25519PubKeyLen {
		return nil, fmt.Errorf("destination too short for Ed25519 key extraction")
	}
	return buf[ed25519SigningKeyOffset : ed25519SigningKeyOffset+ed25519PubKeyLen], nil
}
