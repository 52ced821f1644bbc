package streaming

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
)

// packetPool recycles Packet structs to bound allocation under load (spec
// §4.6/§9). Packets obtained from the pool must be returned via
// releasePacket once no longer referenced (after delivery to the
// application or after the wire bytes have been produced).
var packetPool = sync.Pool{
	New: func() interface{} { return &Packet{} },
}

// acquirePacket returns a zeroed Packet from the pool.
func acquirePacket() *Packet {
	p := packetPool.Get().(*Packet)
	*p = Packet{}
	return p
}

// releasePacket returns a Packet to the pool. Callers must not retain any
// reference to p (or its slices) afterward.
func releasePacket(p *Packet) {
	if p == nil {
		return
	}
	packetPool.Put(p)
}

// wireBufPool recycles the []byte buffers sendPacketsLocked marshals each
// outbound packet into before handoff to the tunnel collaborator. Buffers
// are released once SendTunnelDataMsgs returns, on the same assumption
// net.Conn.Write callers rely on: the callee has finished with the bytes
// (copied or fully written) by the time the call returns.
var wireBufPool = sync.Pool{
	New: func() interface{} { b := make([]byte, 0, 2048); return &b },
}

func acquireWireBuf() []byte {
	b := *(wireBufPool.Get().(*[]byte))
	return b[:0]
}

func releaseWireBuf(b []byte) {
	wireBufPool.Put(&b)
}

// generateStreamID returns a cryptographically random, non-zero 32-bit
// stream id (spec §3: "recvStreamID is never zero").
func generateStreamID() (uint32, error) {
	for {
		var buf [4]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("generate stream id: %w", err)
		}
		id := binary.BigEndian.Uint32(buf[:])
		if id != 0 {
			return id, nil
		}
	}
}
