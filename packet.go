package streaming

import (
	"encoding/binary"
	"fmt"

	go_i2cp "github.com/go-i2p/go-i2cp"
)

// Packet flags, per the I2P streaming wire protocol (spec §3/§6).
const (
	FlagSYN                   uint16 = 0x01
	FlagClose                 uint16 = 0x02
	FlagReset                 uint16 = 0x04
	FlagSignatureIncluded     uint16 = 0x08
	FlagSignatureRequested    uint16 = 0x10
	FlagFromIncluded          uint16 = 0x20
	FlagDelayRequested        uint16 = 0x40
	FlagMaxPacketSizeIncluded uint16 = 0x80
	FlagProfileInteractive    uint16 = 0x100
	FlagEcho                  uint16 = 0x200
	FlagNoAck                 uint16 = 0x400
	FlagOfflineSignature      uint16 = 0x800
)

// fixedHeaderLen is the length, in bytes, of the fields preceding NACKs:
// sendStreamID + receiveStreamID + sequenceNumber + ackThrough + nackCount.
const fixedHeaderLen = 4 + 4 + 4 + 4 + 1

// minPacketLen is fixedHeaderLen plus resendDelay(1) + flags(2) + optionsSize(2),
// with zero NACKs and zero options.
const minPacketLen = fixedHeaderLen + 1 + 2 + 2

// OfflineSig carries a transient (offline-signed) public key and the
// long-term identity's signature over it, per spec §6's 6-byte header +
// public key + identity signature layout.
type OfflineSig struct {
	Expires            uint32 // seconds since epoch
	TransientSigType   uint16
	TransientPublicKey []byte
	DestSignature      []byte
}

// Packet is the in-memory form of one I2P streaming datagram (spec §3).
type Packet struct {
	SendStreamID uint32
	RecvStreamID uint32
	SequenceNum  uint32
	AckThrough   uint32
	NACKs        []uint32
	ResendDelay  uint8 // seconds
	Flags        uint16

	Delay         uint16 // milliseconds, valid iff FlagDelayRequested
	MaxPacketSize uint16 // bytes, valid iff FlagMaxPacketSizeIncluded
	From          Identity
	OfflineSig    *OfflineSig
	Signature     []byte

	Payload []byte
}

// IsSYN reports whether the SYN flag is set.
func (p *Packet) IsSYN() bool { return p.Flags&FlagSYN != 0 }

// IsEcho reports whether the ECHO flag is set.
func (p *Packet) IsEcho() bool { return p.Flags&FlagEcho != 0 }

// IsNoAck reports whether the NO_ACK flag is set.
func (p *Packet) IsNoAck() bool { return p.Flags&FlagNoAck != 0 }

// IsPureAck reports whether the packet is a pure ACK: sequenceNumber=0 and
// flags=0, carrying no payload (spec §3 invariant).
func (p *Packet) IsPureAck() bool {
	return p.SequenceNum == 0 && p.Flags == 0
}

// offlineSigWireLen returns the encoded length of an OfflineSig: 4 (expires)
// + 2 (sig type) + len(public key) + len(dest signature).
func offlineSigWireLen(o *OfflineSig) int {
	if o == nil {
		return 0
	}
	return 6 + len(o.TransientPublicKey) + len(o.DestSignature)
}

// fromWireLen returns the encoded length of the FROM_INCLUDED identity option.
func fromWireLen(id Identity) (int, error) {
	if id == nil {
		return 0, fmt.Errorf("FlagFromIncluded set but From identity is nil")
	}
	return id.FullLen(), nil
}

// optionsLen computes the total options-block size implied by p.Flags,
// in the fixed order the wire format requires: DELAY, FROM,
// MAX_PACKET_SIZE, OFFLINE_SIGNATURE, SIGNATURE (spec §4.3 ProcessOptions).
func (p *Packet) optionsLen() (int, error) {
	n := 0
	if p.Flags&FlagDelayRequested != 0 {
		n += 2
	}
	if p.Flags&FlagFromIncluded != 0 {
		fl, err := fromWireLen(p.From)
		if err != nil {
			return 0, err
		}
		n += fl
	}
	if p.Flags&FlagMaxPacketSizeIncluded != 0 {
		n += 2
	}
	if p.Flags&FlagOfflineSignature != 0 {
		if p.OfflineSig == nil {
			return 0, fmt.Errorf("FlagOfflineSignature set but OfflineSig is nil")
		}
		n += offlineSigWireLen(p.OfflineSig)
	}
	if p.Flags&FlagSignatureIncluded != 0 {
		sigLen := p.signatureLen()
		if sigLen == 0 {
			return 0, fmt.Errorf("FlagSignatureIncluded set but signature length is unknown")
		}
		n += sigLen
	}
	return n, nil
}

// signatureLen returns the expected signature length: from the FROM
// identity when present, else Ed25519's fixed 64 bytes (the only signature
// type this module's signature adapter supports, spec §1).
func (p *Packet) signatureLen() int {
	if p.From != nil {
		if l := p.From.SignatureLen(); l > 0 {
			return l
		}
	}
	return ed25519SigLen
}

// Marshal serializes p per spec §3/§6's wire format:
// sendStreamID(4) receiveStreamID(4) sequenceNumber(4) ackThrough(4)
// nackCount(1) NACKs(4×n) resendDelay(1) flags(2) optionsSize(2)
// options(optionsSize) payload.
func (p *Packet) Marshal() ([]byte, error) {
	needed := minPacketLen + len(p.NACKs)*4
	if o, err := p.optionsLen(); err == nil {
		needed += o
	}
	return p.MarshalInto(make([]byte, 0, needed+len(p.Payload)))
}

// MarshalInto serializes p the same way Marshal does, appending to dst
// rather than always allocating: callers on a hot path (sendPacketsLocked)
// pass a buffer drawn from wireBufPool so repeated marshaling of
// short-lived, per-call wire bytes doesn't churn the allocator.
func (p *Packet) MarshalInto(dst []byte) ([]byte, error) {
	if len(p.NACKs) > 255 {
		return nil, fmt.Errorf("too many NACKs: %d (max 255)", len(p.NACKs))
	}
	optSize, err := p.optionsLen()
	if err != nil {
		return nil, err
	}

	buf := dst
	var b4 [4]byte
	var b2 [2]byte

	binary.BigEndian.PutUint32(b4[:], p.SendStreamID)
	buf = append(buf, b4[:]...)
	binary.BigEndian.PutUint32(b4[:], p.RecvStreamID)
	buf = append(buf, b4[:]...)
	binary.BigEndian.PutUint32(b4[:], p.SequenceNum)
	buf = append(buf, b4[:]...)
	binary.BigEndian.PutUint32(b4[:], p.AckThrough)
	buf = append(buf, b4[:]...)

	buf = append(buf, byte(len(p.NACKs)))
	for _, n := range p.NACKs {
		binary.BigEndian.PutUint32(b4[:], n)
		buf = append(buf, b4[:]...)
	}

	buf = append(buf, p.ResendDelay)

	binary.BigEndian.PutUint16(b2[:], p.Flags)
	buf = append(buf, b2[:]...)
	binary.BigEndian.PutUint16(b2[:], uint16(optSize))
	buf = append(buf, b2[:]...)

	if p.Flags&FlagDelayRequested != 0 {
		binary.BigEndian.PutUint16(b2[:], p.Delay)
		buf = append(buf, b2[:]...)
	}
	if p.Flags&FlagFromIncluded != 0 {
		buf = append(buf, p.From.ToBuffer()...)
	}
	if p.Flags&FlagMaxPacketSizeIncluded != 0 {
		binary.BigEndian.PutUint16(b2[:], p.MaxPacketSize)
		buf = append(buf, b2[:]...)
	}
	if p.Flags&FlagOfflineSignature != 0 {
		o := p.OfflineSig
		binary.BigEndian.PutUint32(b4[:], o.Expires)
		buf = append(buf, b4[:]...)
		binary.BigEndian.PutUint16(b2[:], o.TransientSigType)
		buf = append(buf, b2[:]...)
		buf = append(buf, o.TransientPublicKey...)
		buf = append(buf, o.DestSignature...)
	}
	if p.Flags&FlagSignatureIncluded != 0 {
		sigLen := p.signatureLen()
		if len(p.Signature) == sigLen {
			buf = append(buf, p.Signature...)
		} else {
			buf = append(buf, make([]byte, sigLen)...)
		}
	}

	buf = append(buf, p.Payload...)
	return buf, nil
}

// Unmarshal parses data into p, the inverse of Marshal. fromDecoder, when
// non-nil, is used to decode a FROM_INCLUDED identity option (kept as a
// parameter rather than a package-level hook so tests can supply a fake).
func (p *Packet) Unmarshal(data []byte, fromDecoder func([]byte) (Identity, int, error)) error {
	if len(data) < minPacketLen {
		return fmt.Errorf("packet too short: %d bytes, need at least %d", len(data), minPacketLen)
	}
	off := 0
	p.SendStreamID = binary.BigEndian.Uint32(data[off:])
	off += 4
	p.RecvStreamID = binary.BigEndian.Uint32(data[off:])
	off += 4
	p.SequenceNum = binary.BigEndian.Uint32(data[off:])
	off += 4
	p.AckThrough = binary.BigEndian.Uint32(data[off:])
	off += 4

	nackCount := int(data[off])
	off++

	if len(data) < off+nackCount*4+1+2+2 {
		return fmt.Errorf("packet too short for NACKs/header tail")
	}
	if nackCount > 0 {
		p.NACKs = make([]uint32, nackCount)
		for i := 0; i < nackCount; i++ {
			p.NACKs[i] = binary.BigEndian.Uint32(data[off:])
			off += 4
		}
	} else {
		p.NACKs = nil
	}

	p.ResendDelay = data[off]
	off++

	p.Flags = binary.BigEndian.Uint16(data[off:])
	off += 2
	optSize := int(binary.BigEndian.Uint16(data[off:]))
	off += 2

	if len(data) < off+optSize {
		return fmt.Errorf("packet too short for options: need %d more bytes", off+optSize-len(data))
	}
	optEnd := off + optSize

	if p.Flags&FlagDelayRequested != 0 {
		if off+2 > optEnd {
			return fmt.Errorf("option data too short for delay")
		}
		p.Delay = binary.BigEndian.Uint16(data[off:])
		off += 2
	}
	if p.Flags&FlagFromIncluded != 0 {
		if off >= optEnd {
			return fmt.Errorf("option data too short for FROM identity")
		}
		if fromDecoder == nil {
			return fmt.Errorf("FlagFromIncluded set but no FROM decoder supplied")
		}
		id, n, err := fromDecoder(data[off:optEnd])
		if err != nil {
			return fmt.Errorf("decode FROM identity: %w", err)
		}
		p.From = id
		off += n
	}
	if p.Flags&FlagMaxPacketSizeIncluded != 0 {
		if off+2 > optEnd {
			return fmt.Errorf("option data too short for max packet size")
		}
		p.MaxPacketSize = binary.BigEndian.Uint16(data[off:])
		off += 2
	}
	if p.Flags&FlagOfflineSignature != 0 {
		if off+6 > optEnd {
			return fmt.Errorf("option data too short for offline signature header")
		}
		o := &OfflineSig{}
		o.Expires = binary.BigEndian.Uint32(data[off:])
		off += 4
		o.TransientSigType = binary.BigEndian.Uint16(data[off:])
		off += 2
		pkLen := ed25519PubKeyLen
		if off+pkLen > optEnd {
			return fmt.Errorf("option data too short for transient public key")
		}
		o.TransientPublicKey = append([]byte(nil), data[off:off+pkLen]...)
		off += pkLen
		sigLen := ed25519SigLen
		if off+sigLen > optEnd {
			return fmt.Errorf("option data too short for offline dest signature")
		}
		o.DestSignature = append([]byte(nil), data[off:off+sigLen]...)
		off += sigLen
		p.OfflineSig = o
	}
	if p.Flags&FlagSignatureIncluded != 0 {
		sigLen := p.signatureLen()
		if off+sigLen > optEnd {
			return fmt.Errorf("option data too short for signature: need %d, have %d", sigLen, optEnd-off)
		}
		p.Signature = append([]byte(nil), data[off:off+sigLen]...)
		off += sigLen
	}

	off = optEnd
	if off < len(data) {
		p.Payload = data[off:]
	} else {
		p.Payload = nil
	}
	return nil
}

// decodeI2CPIdentity adapts go-i2cp's Destination wire decoding to the
// fromDecoder signature Packet.Unmarshal expects.
func decodeI2CPIdentity(data []byte) (Identity, int, error) {
	stream := go_i2cp.NewStream(data)
	dest, err := go_i2cp.NewDestinationFromMessage(stream, nil)
	if err != nil {
		return nil, 0, err
	}
	id := &i2cpIdentity{dest: dest}
	tmp := go_i2cp.NewStream(make([]byte, 0, 512))
	if err := dest.WriteToMessage(tmp); err != nil {
		return nil, 0, fmt.Errorf("measure decoded identity length: %w", err)
	}
	return id, len(tmp.Bytes()), nil
}
