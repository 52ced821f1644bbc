package streaming

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// StreamingDestination multiplexes every Stream belonging to one local
// destination over a single cooperative event surface (spec §3/§4.9):
// streams keyed by our own recvStreamID, incomingStreams keyed by the
// peer's sendStreamID, savedPackets buffering follow-on datagrams that
// race ahead of their SYN, and a bounded pendingIncomingStreams backlog
// for connections not yet Accept()ed.
type StreamingDestination struct {
	mu sync.Mutex

	owner *Owner

	streams         map[uint32]*Stream // by our own recvStreamID
	incomingStreams map[uint32]*Stream // by peer's sendStreamID
	savedPackets    map[uint32][]*Packet
	savedTimers     map[uint32]*oneShotTimer
	lastStream      *Stream

	pendingIncoming []*Stream
	acceptor        func(*Stream)
	prevAcceptor    func(*Stream)

	// tcb caches both the shared routing path and the RTT/window estimate
	// for each remote destination, so a subsequent stream to a peer we've
	// already talked to skips the tunnel/lease race and slow-start (spec
	// §4.8, RFC 2140 control-block sharing).
	tcb *tcbCache

	// limiter enforces MAX_CONNS_PER_* and MAX_CONCURRENT_STREAMS admission
	// control on incoming SYNs.
	limiter *connectionLimiter

	// access filters incoming SYNs by remote identity hash
	// (i2cp.accessList/i2cp.enableAccessList/i2cp.enableBlackList).
	access *accessFilter

	stopped bool
}

// NewStreamingDestination constructs a destination owned by owner.
func NewStreamingDestination(owner *Owner) *StreamingDestination {
	return &StreamingDestination{
		owner:           owner,
		streams:         make(map[uint32]*Stream),
		incomingStreams: make(map[uint32]*Stream),
		savedPackets:    make(map[uint32][]*Packet),
		savedTimers:     make(map[uint32]*oneShotTimer),
		tcb:             newTCBCache(DefaultTCBCacheConfig()),
		limiter:         newConnectionLimiter(nil),
		access:          newAccessFilter(nil),
	}
}

// SetConnectionLimits replaces the destination's admission-control config.
func (d *StreamingDestination) SetConnectionLimits(config *ConnectionLimitsConfig) {
	d.limiter.SetConfig(config)
}

// SetAccessList replaces the destination's access-filter config.
func (d *StreamingDestination) SetAccessList(config *AccessListConfig) {
	d.access.SetConfig(config)
}

// Start is a no-op; the destination becomes live as soon as it is
// constructed (spec §3).
func (d *StreamingDestination) Start() {}

// Stop terminates every stream without removing itself from any external
// registry (spec §3).
func (d *StreamingDestination) Stop() {
	d.mu.Lock()
	d.stopped = true
	streams := make([]*Stream, 0, len(d.streams))
	for _, s := range d.streams {
		streams = append(streams, s)
	}
	d.mu.Unlock()

	for _, s := range streams {
		s.mu.Lock()
		s.status = StatusTerminated
		s.closeErr = ErrStreamClosed
		s.terminateLocked()
		s.mu.Unlock()
	}
}

// CreateNewOutgoingStream allocates a Stream to leaseSet's destination; the
// SYN is sent lazily on the first Send call (spec §4.4 SendBuffer).
func (d *StreamingDestination) CreateNewOutgoingStream(remote Identity, leaseSet LeaseSet, localPort, remotePort uint16) (*Stream, error) {
	id, err := generateStreamID()
	if err != nil {
		return nil, fmt.Errorf("create outgoing stream: %w", err)
	}
	s := newStream(d.owner, d, id, localPort, remotePort)
	s.remoteIdentity = remote
	s.remoteLeaseSet = leaseSet
	if d.owner != nil && d.owner.Sessions != nil && remote != nil {
		if sess, err := d.owner.Sessions.SessionFor(remote); err == nil {
			s.routingSession = sess
			if sess.IsRatchets() {
				s.mtu = ECIESMTU
			}
		}
	}
	if remote != nil {
		if path, ok := d.sharedPathFor(remote); ok {
			s.currentOutboundTunnel = path.OutboundTunnel
			s.currentRemoteLease = path.RemoteLease
			s.rtt = path.RTT
			s.sharedPathPublished = true
		}
		if rtt, rttVar, window, ok := d.tcb.Get(remote); ok {
			applyTCBDataToStream(s, TCBData{RTT: rtt, RTTVariance: rttVar, WindowSize: window, FromCache: true})
		}
	}
	s.doneFn = func() {
		if s.remoteIdentity != nil {
			data := saveTCBDataFromStream(s)
			d.tcb.Put(s.remoteIdentity, data.RTT, data.RTTVariance, data.WindowSize)
		}
		d.DeleteStream(s)
	}

	d.mu.Lock()
	d.streams[id] = s
	d.mu.Unlock()
	return s, nil
}

// SendPing fires an ECHO probe at remote using an ephemeral, unregistered
// Stream (spec §4.4/§4.9).
func (d *StreamingDestination) SendPing(remote Identity, leaseSet LeaseSet, payload []byte) error {
	id, err := generateStreamID()
	if err != nil {
		return fmt.Errorf("send ping: %w", err)
	}
	s := newStream(d.owner, d, id, 0, 0)
	s.remoteIdentity = remote
	s.remoteLeaseSet = leaseSet
	return s.SendPing(payload)
}

// DeleteStream removes s from both lookup maps.
func (d *StreamingDestination) DeleteStream(s *Stream) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.streams, s.recvStreamID)
	if d.lastStream == s {
		d.lastStream = nil
	}
	for sendID, is := range d.incomingStreams {
		if is == s {
			delete(d.incomingStreams, sendID)
		}
	}
}

func (d *StreamingDestination) lookupBySendStreamIDLocked(sendStreamID uint32) *Stream {
	if d.lastStream != nil && d.lastStream.recvStreamID == sendStreamID {
		return d.lastStream
	}
	if s, ok := d.streams[sendStreamID]; ok {
		d.lastStream = s
		return s
	}
	return nil
}

// HandleNextPacket routes one decoded inbound packet (spec §4.9).
func (d *StreamingDestination) HandleNextPacket(pkt *Packet) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}

	if pkt.SendStreamID != 0 {
		s := d.lookupBySendStreamIDLocked(pkt.SendStreamID)
		d.mu.Unlock()
		if s != nil {
			s.HandleNextPacket(pkt)
			return
		}
		if pkt.IsEcho() && d.owner != nil && d.owner.AnswerPings {
			d.answerPing(pkt)
			return
		}
		log.Debug().Uint32("sendStreamID", pkt.SendStreamID).Msg("no stream for inbound packet, dropping")
		return
	}

	if pkt.IsEcho() {
		d.mu.Unlock()
		return
	}

	if pkt.IsSYN() && pkt.SequenceNum == 0 {
		d.handleIncomingSYNLocked(pkt)
		return
	}

	// Follow-on packet that raced ahead of its SYN.
	recvID := pkt.RecvStreamID
	if existing, ok := d.incomingStreamBySendIDLocked(recvID); ok {
		d.mu.Unlock()
		existing.HandleNextPacket(pkt)
		return
	}
	d.savedPackets[recvID] = append(d.savedPackets[recvID], pkt)
	if _, armed := d.savedTimers[recvID]; !armed {
		t := &oneShotTimer{}
		d.savedTimers[recvID] = t
		t.Reset(PendingIncomingTimeout, func() {
			d.mu.Lock()
			delete(d.savedPackets, recvID)
			delete(d.savedTimers, recvID)
			d.mu.Unlock()
		})
	}
	d.mu.Unlock()
}

func (d *StreamingDestination) incomingStreamBySendIDLocked(sendStreamID uint32) (*Stream, bool) {
	s, ok := d.incomingStreams[sendStreamID]
	return s, ok
}

func (d *StreamingDestination) answerPing(pkt *Packet) {
	if !verifyPingSignature(pkt) {
		log.Warn().Msg("ping signature verification failed, dropping")
		return
	}
	s := newStream(d.owner, d, 0, 0, 0)
	s.HandlePing(pkt)
}

// verifyPingSignature checks a ping's signature before it elicits a pong
// (spec §8 round-trip (c): every ECHO with a valid signature gets a pong).
// Pings always carry FROM_INCLUDED|SIGNATURE_INCLUDED (spec §4.9).
func verifyPingSignature(pkt *Packet) bool {
	if pkt.Flags&FlagSignatureIncluded == 0 || pkt.Flags&FlagFromIncluded == 0 {
		return false
	}
	if pkt.From == nil || pkt.From.IsRSA() {
		return false
	}
	v, ok := pkt.From.(Verifier)
	if !ok {
		return false
	}
	return VerifyPacketSignature(pkt, v) == nil
}

func (d *StreamingDestination) handleIncomingSYNLocked(pkt *Packet) {
	peerSendID := pkt.RecvStreamID
	if existing, ok := d.incomingStreams[peerSendID]; ok {
		d.mu.Unlock()
		existing.mu.Lock()
		existing.resetRoutingPathLocked()
		existing.mu.Unlock()
		log.Debug().Uint32("peerSendID", peerSendID).Msg("duplicate SYN for existing incoming stream, previous SYN-ACK likely lost")
		return
	}

	if err := d.access.CheckAndLog(pkt.From); err != nil {
		d.mu.Unlock()
		return
	}

	if err := d.limiter.CheckAndRecordConnection(pkt.From); err != nil {
		d.mu.Unlock()
		logLimitExceeded(d.limiter.GetConfig(), pkt.From, err.Error())
		return
	}

	id, err := generateStreamID()
	if err != nil {
		d.limiter.ConnectionClosed()
		d.mu.Unlock()
		log.Error().Err(err).Msg("failed to generate incoming stream id")
		return
	}
	s := newStream(d.owner, d, id, 0, 0)
	s.doneFn = func() {
		d.limiter.ConnectionClosed()
		if s.remoteIdentity != nil {
			data := saveTCBDataFromStream(s)
			d.tcb.Put(s.remoteIdentity, data.RTT, data.RTTVariance, data.WindowSize)
		}
		d.DeleteStream(s)
	}
	d.streams[id] = s
	d.incomingStreams[peerSendID] = s

	saved := d.savedPackets[peerSendID]
	delete(d.savedPackets, peerSendID)
	if t, ok := d.savedTimers[peerSendID]; ok {
		t.Cancel()
		delete(d.savedTimers, peerSendID)
	}

	var acceptor func(*Stream)
	if d.acceptor != nil {
		acceptor = d.acceptor
		d.acceptor = d.prevAcceptor
		d.prevAcceptor = nil
	}
	overflowed := acceptor == nil && len(d.pendingIncoming) >= MaxPendingIncomingBacklog
	if acceptor == nil && !overflowed {
		d.pendingIncoming = append(d.pendingIncoming, s)
	}
	d.mu.Unlock()

	s.HandleNextPacket(pkt)
	for _, follow := range saved {
		s.HandleNextPacket(follow)
	}

	switch {
	case acceptor != nil:
		acceptor(s)
	case overflowed:
		s.Close()
	default:
		s.pendingIncomingTimer.Reset(PendingIncomingTimeout, func() {
			d.mu.Lock()
			for i, p := range d.pendingIncoming {
				if p == s {
					d.pendingIncoming = append(d.pendingIncoming[:i], d.pendingIncoming[i+1:]...)
					break
				}
			}
			d.mu.Unlock()
		})
	}
}

// SetAcceptor installs fn as the handler for the next incoming stream (or
// the first already queued in pendingIncomingStreams). Passing nil cancels
// any pending acceptor.
func (d *StreamingDestination) SetAcceptor(fn func(*Stream)) {
	d.mu.Lock()
	if fn != nil && len(d.pendingIncoming) > 0 {
		s := d.pendingIncoming[0]
		d.pendingIncoming = d.pendingIncoming[1:]
		d.mu.Unlock()
		fn(s)
		return
	}
	d.acceptor = fn
	d.mu.Unlock()
}

// ResetAcceptor clears any installed acceptor (from SetAcceptor or
// AcceptOnce), invoking it once with a sentinel nil Stream so a caller
// parked in AcceptStream unblocks instead of waiting out its timeout
// (spec §5 cancellation: acceptor replacement "invokes the previous
// acceptor once with a sentinel null stream to unblock waiters").
func (d *StreamingDestination) ResetAcceptor() {
	d.mu.Lock()
	fn := d.acceptor
	d.acceptor = nil
	d.prevAcceptor = nil
	d.mu.Unlock()
	if fn != nil {
		fn(nil)
	}
}

// AcceptOnce installs fn for exactly one delivery, restoring whatever
// acceptor was previously set once that delivery happens (spec §4.9).
func (d *StreamingDestination) AcceptOnce(fn func(*Stream)) {
	d.mu.Lock()
	if len(d.pendingIncoming) > 0 {
		s := d.pendingIncoming[0]
		d.pendingIncoming = d.pendingIncoming[1:]
		d.mu.Unlock()
		fn(s)
		return
	}
	d.prevAcceptor = d.acceptor
	d.acceptor = fn
	d.mu.Unlock()
}

// AcceptStream blocks up to timeout for the next incoming stream.
func (d *StreamingDestination) AcceptStream(timeout time.Duration) (*Stream, error) {
	result := make(chan *Stream, 1)
	d.AcceptOnce(func(s *Stream) { result <- s })
	if timeout <= 0 {
		return <-result, nil
	}
	select {
	case s := <-result:
		return s, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("accept timed out after %s", timeout)
	}
}

func (d *StreamingDestination) sharedPathFor(remote Identity) (*SharedRoutingPath, bool) {
	if remote == nil {
		return nil, false
	}
	return d.tcb.SharedRoutingPath(remote)
}

func (d *StreamingDestination) publishSharedRoutingPath(remote Identity, path *SharedRoutingPath) {
	if remote == nil {
		return
	}
	d.tcb.PutSharedRoutingPath(remote, path)
}

// CreateDataMessage wraps payload for delivery over a stream's underlying
// transport: a 4-byte length prefix, local/destination ports, a protocol
// byte, and a gzip envelope (spec §4.9). Real I2CP streaming datagrams are
// always gzip-framed even when no effective compression is wanted, in
// which case gzip.NoCompression is used instead of omitting the wrapper.
func CreateDataMessage(payload []byte, localPort, remotePort uint16, protocol byte, compress bool) ([]byte, error) {
	var gz bytes.Buffer
	level := gzip.NoCompression
	if compress {
		level = gzip.BestSpeed
	}
	w, err := gzip.NewWriterLevel(&gz, level)
	if err != nil {
		return nil, fmt.Errorf("create gzip writer: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return nil, fmt.Errorf("gzip payload: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalize gzip payload: %w", err)
	}

	body := gz.Bytes()
	buf := make([]byte, 4+2+2+1+len(body))
	binary.BigEndian.PutUint32(buf[0:4], uint32(4+2+2+1+len(body)))
	binary.BigEndian.PutUint16(buf[4:6], localPort)
	binary.BigEndian.PutUint16(buf[6:8], remotePort)
	buf[8] = protocol
	copy(buf[9:], body)
	return buf, nil
}
