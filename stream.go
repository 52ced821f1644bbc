// Package streaming implements the I2P streaming protocol: a TCP-like
// reliable, ordered, bidirectional byte stream carried over anonymizing
// I2P tunnels. A Stream is the per-connection state machine (reordering,
// ACK/NACK generation, dual congestion control, pacing, resend, and
// lease/tunnel rotation on loss); StreamingDestination multiplexes many
// Streams sharing one local destination.
//
// Out of scope: lease-set publication/lookup internals, tunnel build and
// selection, and garlic/ratchet session management; this package only
// consumes their interfaces (collaborators.go).
package streaming

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/armon/circbuf"
	"github.com/rs/zerolog/log"
)

// Status is a Stream's position in the connection lifecycle.
type Status int

const (
	StatusNew Status = iota
	StatusOpen
	StatusClosing
	StatusClosed
	StatusReset
	StatusTerminated
)

func (s Status) String() string {
	switch s {
	case StatusNew:
		return "NEW"
	case StatusOpen:
		return "OPEN"
	case StatusClosing:
		return "CLOSING"
	case StatusClosed:
		return "CLOSED"
	case StatusReset:
		return "RESET"
	case StatusTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// sentPacket tracks one packet awaiting acknowledgment, keyed implicitly
// by its position in Stream.sentPackets (kept sorted by seq).
type sentPacket struct {
	seq      uint32
	wire     []byte
	sendTime time.Time
	resent   bool
}

// Stream is one I2P streaming connection (spec §3/§4.3-4.8).
type Stream struct {
	mu      sync.Mutex
	readyCV *sync.Cond // signaled on anything a blocked Send/Receive should recheck

	owner  *Owner
	dest   *StreamingDestination
	doneFn func() // invoked once, when the stream terminates, to let the owner remove it

	localPort, remotePort uint16

	sendStreamID uint32 // peer's receive id; 0 until learned from peer's first packet
	recvStreamID uint32 // our own id, random at creation

	sequenceNumber int64 // next sequence number to send
	lastReceived   int64 // highest in-order delivered; -1 before SYN
	prevReceived   int64

	status Status

	remoteIdentity    Identity
	remoteLeaseSet    LeaseSet
	transientVerifier Verifier

	currentOutboundTunnel Tunnel
	currentRemoteLease    *Lease
	routingSession        RoutingSession
	sharedPathPublished   bool

	rtt           time.Duration
	prevRTTSample time.Duration
	prevRTT       time.Duration
	jitter        time.Duration
	rto           time.Duration
	windowSize    int
	minPacingTime time.Duration
	pacingTime    time.Duration
	ackDelay      time.Duration
	mtu           int
	profile       StreamProfile

	numResendAttempts           int
	isAckSendScheduled          bool
	isNAcked                    bool
	isSendTime                  bool
	isWinDropped                bool
	isTimeOutResend             bool
	tunnelsChangeSequenceNumber int64

	sentPackets  []*sentPacket // ordered ascending by seq
	savedPackets map[uint32]*Packet

	sendQueue *SendBufferQueue
	recvBuf   *circbuf.Buffer

	sendTimer            oneShotTimer
	resendTimer          oneShotTimer
	ackTimer             oneShotTimer
	pendingIncomingTimer oneShotTimer
	receiveTimer         oneShotTimer

	telemetry *messageStatusTracker

	closeErr error // set once status becomes Reset/Closed, returned by blocked callers
}

// newStream constructs a Stream in StatusNew, owned by dest (nil for
// ephemeral ping streams).
func newStream(owner *Owner, dest *StreamingDestination, recvStreamID uint32, localPort, remotePort uint16) *Stream {
	ackDelay := DefaultAckDelay
	if owner != nil && owner.AckDelay > 0 {
		ackDelay = owner.AckDelay
	}
	s := &Stream{
		owner:         owner,
		dest:          dest,
		localPort:     localPort,
		remotePort:    remotePort,
		recvStreamID:  recvStreamID,
		lastReceived:  -1,
		prevReceived:  -1,
		status:        StatusNew,
		rtt:           InitialRTT,
		prevRTT:       InitialRTT,
		rto:           InitialRTO,
		windowSize:    InitialWindowSize,
		mtu:           DefaultMTU,
		profile:       ProfileBulk,
		ackDelay:      ackDelay,
		isSendTime:    true,
		isWinDropped:  true,
		savedPackets:  make(map[uint32]*Packet),
		sendQueue:     NewSendBufferQueue(),
		telemetry:     newMessageStatusTracker(),
	}
	recvBuf, err := circbuf.NewBuffer(int64(MaxWindowSize) * int64(ECIESMTU) * 2)
	if err != nil {
		recvBuf, _ = circbuf.NewBuffer(1 << 20)
	}
	s.recvBuf = recvBuf
	s.pacingTime = pacingTimeFor(s.rtt, s.windowSize)
	s.readyCV = sync.NewCond(&s.mu)
	return s
}

func pacingTimeFor(rtt time.Duration, window int) time.Duration {
	if window <= 0 {
		window = 1
	}
	p := time.Duration(math.Round(float64(rtt) / float64(window)))
	if p < MinPacingTimeFloor {
		p = MinPacingTimeFloor
	}
	return p
}

// GetStatus returns the stream's current status.
func (s *Stream) GetStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// GetRecvStreamID returns our locally assigned stream id.
func (s *Stream) GetRecvStreamID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recvStreamID
}

// GetSendStreamID returns the peer's receive id, once learned.
func (s *Stream) GetSendStreamID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendStreamID
}

// GetRemoteIdentity returns the peer's identity, once received.
func (s *Stream) GetRemoteIdentity() Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteIdentity
}

// ---- Reception (spec §4.3) ----

// HandleNextPacket dispatches one inbound packet belonging to this stream.
func (s *Stream) HandleNextPacket(pkt *Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == StatusTerminated {
		return
	}

	if s.sendStreamID == 0 && pkt.RecvStreamID != 0 {
		if s.remoteIdentity == nil && len(pkt.NACKs) == 8 {
			if !s.verifyDestinationHashLocked(pkt.NACKs) {
				log.Warn().Uint32("recvStreamID", s.recvStreamID).Msg("destination-mismatch guard failed, dropping SYN")
				return
			}
		}
		s.sendStreamID = pkt.RecvStreamID
	}

	if !pkt.IsNoAck() {
		s.processAckLocked(pkt)
	}
	if pkt.SequenceNum == 0 && pkt.Flags == 0 {
		return
	}

	seqn := int64(pkt.SequenceNum)
	switch {
	case seqn == s.lastReceived+1:
		if !s.processPacketLocked(pkt) {
			return
		}
		s.drainSavedPacketsLocked()
		if s.status == StatusOpen && !s.isAckSendScheduled {
			timeout := clampDuration(s.rtt/10, MinSendAckTimeout, s.ackDelay)
			s.scheduleAckLocked(timeout)
		}
		if s.status == StatusNew && pkt.IsSYN() {
			s.sendBufferLocked()
		}
		if pkt.IsSYN() {
			remoteProfile := profileFromFlag(pkt.Flags)
			log.Debug().Uint32("recvStreamID", s.recvStreamID).Str("peerProfile", remoteProfile.String()).Msg("peer profile hint")
		}
	case seqn <= s.lastReceived:
		if seqn <= s.prevReceived || seqn == s.lastReceived {
			s.rotateOnLossLocked()
		}
		s.prevReceived = seqn
		s.sendQuickAckLocked()
	default:
		s.savedPackets[pkt.SequenceNum] = pkt
		if s.lastReceived >= 0 {
			timeout := clampDuration(MinSendAckTimeout*time.Duration(len(s.savedPackets)), MinSendAckTimeout, s.ackDelay)
			s.scheduleAckLocked(timeout)
		} else {
			s.scheduleAckLocked(SynTimeout)
		}
	}
}

func clampDuration(v, lo, hi time.Duration) time.Duration {
	if hi <= 0 {
		hi = v
		if lo > hi {
			hi = lo
		}
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// verifyDestinationHashLocked checks the SYN replay-prevention NACK slots
// against our own identity's hash (spec §4.3 point 3).
func (s *Stream) verifyDestinationHashLocked(nacks []uint32) bool {
	if s.owner == nil || s.owner.Identity == nil {
		return true
	}
	want := s.owner.Identity.IdentHash()
	for i := 0; i < 8; i++ {
		off := i * 4
		got := (uint32(want[off]) << 24) | (uint32(want[off+1]) << 16) | (uint32(want[off+2]) << 8) | uint32(want[off+3])
		if nacks[i] != got {
			return false
		}
	}
	return true
}

func (s *Stream) drainSavedPacketsLocked() {
	for {
		next, ok := s.savedPackets[uint32(s.lastReceived+1)]
		if !ok {
			return
		}
		delete(s.savedPackets, uint32(s.lastReceived+1))
		if !s.processPacketLocked(next) {
			return
		}
	}
}

// processPacketLocked implements ProcessPacket (spec §4.3).
func (s *Stream) processPacketLocked(pkt *Packet) bool {
	if !s.processOptionsLocked(pkt) {
		s.status = StatusTerminated
		return false
	}
	if len(pkt.Payload) > 0 {
		s.recvBuf.Write(pkt.Payload)
		s.readyCV.Broadcast()
	}
	s.receiveTimer.Cancel()
	s.lastReceived = int64(pkt.SequenceNum)

	if pkt.Flags&FlagReset != 0 {
		s.status = StatusReset
		s.closeErr = ErrStreamReset
		s.closeLocked()
		return true
	}
	if pkt.Flags&FlagClose != 0 {
		if s.status != StatusClosed {
			s.sendCloseLocked()
			s.status = StatusClosed
			s.closeErr = ErrStreamClosed
			s.terminateLocked()
		}
	}
	return true
}

// processOptionsLocked implements ProcessOptions (spec §4.3), parsing
// options in wire order: DELAY, FROM, MAX_PKT_SIZE, OFFLINE_SIGNATURE,
// SIGNATURE.
func (s *Stream) processOptionsLocked(pkt *Packet) bool {
	if pkt.Flags&FlagDelayRequested != 0 {
		if !s.isAckSendScheduled && pkt.Delay > 0 && time.Duration(pkt.Delay)*time.Millisecond < s.rtt {
			s.scheduleAckLocked(time.Duration(pkt.Delay) * time.Millisecond)
		}
		if pkt.Delay >= DelayChoking {
			s.windowSize = 1
		}
	}
	if pkt.Flags&FlagFromIncluded != 0 {
		if pkt.From == nil {
			return false
		}
		if pkt.From.IsRSA() {
			log.Warn().Msg("rejecting RSA remote identity")
			return false
		}
		s.remoteIdentity = pkt.From
	}
	if pkt.Flags&FlagMaxPacketSizeIncluded != 0 && pkt.MaxPacketSize > 0 {
		s.mtu = int(pkt.MaxPacketSize)
	}
	if pkt.Flags&FlagOfflineSignature != 0 {
		if s.remoteIdentity == nil {
			return false
		}
		id, ok := s.remoteIdentity.(*i2cpIdentity)
		if !ok {
			return false
		}
		var prevKey []byte
		if tv, ok := s.transientVerifier.(*transientVerifier); ok {
			prevKey = tv.current
		}
		v, err := VerifyOfflineSignature(pkt.OfflineSig, id.dest, prevKey)
		if err != nil {
			log.Warn().Err(err).Msg("offline signature rejected")
			return false
		}
		s.transientVerifier = v
	}
	if pkt.Flags&FlagSignatureIncluded != 0 {
		v := s.transientVerifier
		if v == nil {
			v, _ = s.remoteIdentity.(Verifier)
		}
		if v == nil {
			return false
		}
		if err := VerifyPacketSignature(pkt, v); err != nil {
			log.Warn().Err(err).Msg("packet signature verification failed, closing")
			pkt.Flags |= FlagClose
			s.status = StatusClosing
			return true
		}
	}
	return true
}

func (s *Stream) rotateOnLossLocked() {
	log.Debug().Uint32("recvStreamID", s.recvStreamID).Msg("duplicate packet, rotating routing path")
	s.resetRoutingPathLocked()
}

// ---- Transmission and packetization (spec §4.4) ----

// Send queues data for transmission, blocking while the stream cannot
// currently accept more (spec §4.9 public API: "blocking byte-sink").
func (s *Stream) Send(data []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusNew && s.status != StatusOpen {
		if s.closeErr != nil {
			return 0, s.closeErr
		}
		return 0, ErrStreamClosed
	}
	for s.sendQueue.Size() > MaxWindowSize*ECIESMTU*2 && (s.status == StatusNew || s.status == StatusOpen) {
		s.readyCV.Wait()
	}
	if s.status != StatusNew && s.status != StatusOpen {
		if s.closeErr != nil {
			return 0, s.closeErr
		}
		return 0, ErrStreamClosed
	}
	s.sendQueue.Add(data, nil)
	s.scheduleSendLocked()
	s.sendBufferLocked()
	return len(data), nil
}

// AsyncSend queues data and invokes handler once it has reached the wire.
func (s *Stream) AsyncSend(data []byte, handler func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendQueue.Add(data, func(ok bool, err error) {
		if handler != nil {
			handler(err)
		}
	})
	s.scheduleSendLocked()
	s.sendBufferLocked()
}

// Receive reads delivered, in-order bytes, blocking up to timeout for data
// to arrive (timeout<=0 means wait indefinitely).
func (s *Stream) Receive(buf []byte, timeout time.Duration) (int, error) {
	return s.receiveLocked(buf, timeout, nil)
}

// AsyncReceive starts a Receive on its own goroutine and invokes handler
// with the result once data arrives, the stream closes, or timeout
// elapses (timeout<=0 waits indefinitely). The returned cancel function
// aborts a still-pending receive: per spec §5's AsyncReceive cancellation,
// it posts a receive-timer cancel (and wakes the waiter) onto the stream's
// lock, then polls for the goroutine's completion for up to one second.
// handler is still invoked after a cancel, with ErrReceiveCanceled.
func (s *Stream) AsyncReceive(buf []byte, handler func(err error, n int), timeout time.Duration) (cancel func()) {
	done := make(chan struct{})
	cancelCh := make(chan struct{})

	go func() {
		defer close(done)
		n, err := s.receiveLocked(buf, timeout, cancelCh)
		if handler != nil {
			handler(err, n)
		}
	}()

	return func() {
		select {
		case <-cancelCh:
			return // already canceled
		default:
			close(cancelCh)
		}
		s.mu.Lock()
		s.receiveTimer.Cancel()
		s.readyCV.Broadcast()
		s.mu.Unlock()

		select {
		case <-done:
		case <-time.After(time.Second):
		}
	}
}

// receiveLocked is Receive's body. When cancel is non-nil and closed while
// waiting, it returns ErrReceiveCanceled instead of blocking further
// (AsyncReceive's cancellation path).
func (s *Stream) receiveLocked(buf []byte, timeout time.Duration, cancel <-chan struct{}) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deadline := time.Time{}
	if timeout > 0 {
		deadline = clockNow().Add(timeout)
	}
	for len(s.recvBuf.Bytes()) == 0 {
		select {
		case <-cancel:
			return 0, ErrReceiveCanceled
		default:
		}
		if s.status == StatusClosed || s.status == StatusReset || s.status == StatusTerminated {
			if s.closeErr != nil {
				return 0, s.closeErr
			}
			return 0, nil
		}
		if !deadline.IsZero() && !clockNow().Before(deadline) {
			return 0, nil
		}
		if deadline.IsZero() && cancel == nil {
			s.readyCV.Wait()
			continue
		}
		waitUntil := deadline
		if waitUntil.IsZero() {
			// No deadline of its own, but a cancel channel to watch for:
			// re-check cancel periodically rather than waiting forever.
			waitUntil = clockNow().Add(time.Second)
		}
		s.receiveTimer.Reset(time.Until(waitUntil), func() {
			s.mu.Lock()
			s.readyCV.Broadcast()
			s.mu.Unlock()
		})
		s.readyCV.Wait()
	}
	avail := s.recvBuf.Bytes()
	n := copy(buf, avail)
	rest := append([]byte(nil), avail[n:]...)
	s.recvBuf.Reset()
	if len(rest) > 0 {
		s.recvBuf.Write(rest)
	}
	return n, nil
}

// sendBufferLocked implements SendBuffer() (spec §4.4).
func (s *Stream) sendBufferLocked() {
	s.scheduleSendLocked()
	if len(s.sentPackets) >= s.windowSize {
		return
	}

	pkt := acquirePacket()
	defer releasePacket(pkt)
	pkt.SendStreamID = s.sendStreamID
	pkt.RecvStreamID = s.recvStreamID
	pkt.SequenceNum = uint32(s.sequenceNumber)
	pkt.ResendDelay = uint8(min64(s.rto.Milliseconds()/1000, 255))
	if s.lastReceived >= 0 {
		pkt.AckThrough = uint32(s.lastReceived)
	}
	if s.sendStreamID == 0 {
		if hash, ok := s.destinationHashNACKsLocked(); ok {
			pkt.NACKs = hash
		}
	}

	wasNew := s.status == StatusNew
	if wasNew {
		pkt.Flags = FlagSYN | FlagFromIncluded | FlagSignatureIncluded | FlagMaxPacketSizeIncluded | profileToFlag(s.profile)
		if s.lastReceived < 0 {
			pkt.Flags |= FlagNoAck
		}
		pkt.From = s.owner.Identity
		pkt.MaxPacketSize = uint16(s.mtu)
	}

	room := s.mtu
	payload := make([]byte, room)
	n := s.sendQueue.Get(payload)
	pkt.Payload = payload[:n]

	if wasNew && s.owner != nil && s.owner.Signer != nil {
		if err := SignPacket(pkt, s.owner.Signer); err != nil {
			log.Error().Err(err).Msg("failed to sign SYN packet")
			return
		}
	}

	s.sequenceNumber++
	rec := &sentPacket{seq: pkt.SequenceNum, sendTime: clockNow()}
	wire, err := pkt.Marshal()
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal outbound packet")
		return
	}
	rec.wire = wire
	firstInFlight := len(s.sentPackets) == 0
	s.sentPackets = append(s.sentPackets, rec)

	s.sendPacketsLocked([]*Packet{pkt})

	if wasNew {
		s.status = StatusOpen
		s.resolveRemoteLeaseSetLocked()
	}
	if len(s.savedPackets) == 0 {
		s.ackTimer.Cancel()
		s.isAckSendScheduled = false
	}
	if firstInFlight {
		s.scheduleResendLocked()
	}
	if s.status == StatusClosing && s.sendQueue.IsEmpty() {
		s.sendCloseLocked()
	}
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func (s *Stream) destinationHashNACKsLocked() ([]uint32, bool) {
	if s.remoteIdentity == nil {
		return nil, false
	}
	h := s.remoteIdentity.IdentHash()
	nacks := make([]uint32, 8)
	for i := 0; i < 8; i++ {
		off := i * 4
		nacks[i] = (uint32(h[off]) << 24) | (uint32(h[off+1]) << 16) | (uint32(h[off+2]) << 8) | uint32(h[off+3])
	}
	return nacks, true
}

func (s *Stream) resolveRemoteLeaseSetLocked() {
	if s.remoteLeaseSet != nil || s.owner == nil || s.owner.LeaseSets == nil || s.remoteIdentity == nil {
		return
	}
	hash := s.remoteIdentity.IdentHash()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ls, err := s.owner.LeaseSets.Lookup(ctx, hash)
	if err != nil || ls == nil {
		log.Warn().Err(err).Msg("remote lease set lookup failed")
		return
	}
	s.remoteLeaseSet = ls
	if s.owner.Sessions != nil {
		sess, err := s.owner.Sessions.SessionFor(s.remoteIdentity)
		if err == nil {
			s.routingSession = sess
			if sess.IsRatchets() {
				s.mtu = ECIESMTU
			} else {
				s.mtu = DefaultMTU
			}
		}
	}
}

// sendCloseLocked implements SendClose (spec §4.4).
func (s *Stream) sendCloseLocked() {
	pkt := &Packet{
		SendStreamID: s.sendStreamID,
		RecvStreamID: s.recvStreamID,
		SequenceNum:  uint32(s.sequenceNumber),
		Flags:        FlagClose | FlagSignatureIncluded,
	}
	if s.lastReceived >= 0 {
		pkt.AckThrough = uint32(s.lastReceived)
	}
	if s.owner != nil && s.owner.Signer != nil {
		if err := SignPacket(pkt, s.owner.Signer); err != nil {
			log.Error().Err(err).Msg("failed to sign CLOSE packet")
			return
		}
	}
	s.sequenceNumber++
	s.sendPacketsLocked([]*Packet{pkt})
}

// Close gracefully closes the stream: flush staged data, then send CLOSE.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusClosed || s.status == StatusReset || s.status == StatusTerminated {
		return nil
	}
	s.status = StatusClosing
	if s.sendQueue.IsEmpty() {
		s.sendCloseLocked()
		s.status = StatusClosed
	}
	return nil
}

// sendQuickAckLocked implements SendQuickAck (spec §4.4).
func (s *Stream) sendQuickAckLocked() {
	pkt := &Packet{
		SendStreamID: s.sendStreamID,
		RecvStreamID: s.recvStreamID,
		SequenceNum:  0,
	}
	ackThrough := s.lastReceived
	if ackThrough < 0 {
		ackThrough = 0
	}
	for seq := range s.savedPackets {
		if int64(seq) > ackThrough {
			ackThrough = int64(seq)
		}
	}

	var nacks []uint32
	covered := ackThrough
	for next := s.lastReceived + 1; next <= ackThrough; next++ {
		if _, have := s.savedPackets[uint32(next)]; !have {
			nacks = append(nacks, uint32(next))
			if len(nacks) > MaxNACKs {
				break
			}
		}
	}
	if len(nacks) > MaxNACKs {
		pkt.Flags = FlagDelayRequested
		pkt.Delay = DelayChoking
		covered = s.lastReceived
		if covered < 0 {
			covered = 0
		}
		nacks = nil
	}
	pkt.AckThrough = uint32(covered)
	pkt.NACKs = nacks
	s.sendPacketsLocked([]*Packet{pkt})
}

// SendPing sends an ECHO probe and returns immediately; HandlePing answers
// an inbound one (spec §4.4).
func (s *Stream) SendPing(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pkt := &Packet{
		SendStreamID: s.recvStreamID,
		SequenceNum:  0,
		Flags:        FlagEcho | FlagSignatureIncluded | FlagFromIncluded,
		From:         s.owner.Identity,
		Payload:      payload,
	}
	if err := SignPacket(pkt, s.owner.Signer); err != nil {
		return fmt.Errorf("sign ping: %w", err)
	}
	s.sendPacketsLocked([]*Packet{pkt})
	return nil
}

// HandlePing answers an inbound ECHO packet with a minimal pong.
func (s *Stream) HandlePing(pkt *Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pong := &Packet{
		RecvStreamID: pkt.SendStreamID,
		SequenceNum:  0,
		Flags:        FlagEcho,
		Payload:      pkt.Payload,
	}
	s.sendPacketsLocked([]*Packet{pong})
}

// ---- ACK processing and congestion control (spec §4.5) ----

func (s *Stream) processAckLocked(pkt *Packet) bool {
	if pkt.AckThrough > uint32(s.sequenceNumber) {
		log.Warn().Msg("ackThrough beyond our sequence number, ignoring")
		return false
	}

	var rttSample time.Duration
	haveSample := false
	firstRTTSample := false
	now := clockNow()

	nacked := make(map[uint32]struct{}, len(pkt.NACKs))
	for _, n := range pkt.NACKs {
		nacked[n] = struct{}{}
	}

	kept := s.sentPackets[:0]
	anyRetired := false
	for _, sp := range s.sentPackets {
		if int64(sp.seq) > int64(pkt.AckThrough) {
			kept = append(kept, sp)
			continue
		}
		if _, isNack := nacked[sp.seq]; isNack {
			s.isNAcked = true
			kept = append(kept, sp)
			continue
		}
		anyRetired = true
		rtt := now.Sub(sp.sendTime)
		if s.windowSize < MaxWindowSize {
			s.windowSize++
		}
		if sp.seq == 0 {
			firstRTTSample = true
			if !haveSample || rtt < rttSample {
				rttSample = rtt
				haveSample = true
			}
		} else if !sp.resent && int64(sp.seq) > s.tunnelsChangeSequenceNumber && rtt >= 0 {
			if !haveSample || rtt < rttSample {
				rttSample = rtt
				haveSample = true
			}
		}
	}
	s.sentPackets = kept

	if haveSample {
		if firstRTTSample {
			s.rtt = rttSample
			s.prevRTTSample = rttSample
		} else {
			s.rtt = time.Duration(RTTEWMAAlpha*float64(rttSample) + (1-RTTEWMAAlpha)*float64(s.rtt))
		}
		var jitterSample time.Duration
		diff := rttSample - s.prevRTTSample
		if diff < 0 {
			diff = -diff
		}
		if diff == 0 {
			jitterSample = time.Duration(math.Round(float64(rttSample) / 10))
		} else {
			jitterSample = diff
		}
		s.jitter = time.Duration(RTTEWMAAlpha*float64(jitterSample) + (1-RTTEWMAAlpha)*float64(s.jitter))
		s.prevRTTSample = rttSample

		if s.rtt > s.prevRTT && !s.isWinDropped {
			s.windowSize = max(s.windowSize/2, MinWindowSize)
			s.isWinDropped = true
			s.pacingTime = pacingTimeFor(s.rtt, s.windowSize)
		}
		s.prevRTT = time.Duration(float64(s.rtt)*1.1) + s.jitter

		if s.rto == InitialRTO {
			s.rto = clampRTO(time.Duration(float64(s.rtt)*1.3) + s.jitter)
			s.scheduleResendLocked()
		}

		if !s.sharedPathPublished && firstRTTSample {
			s.publishSharedRoutingPathLocked()
		}
	}

	if s.windowSize > len(s.sentPackets) {
		s.isWinDropped = false
	}
	if anyRetired || s.isNAcked {
		s.scheduleResendLocked()
	}
	if s.sendQueue.IsEmpty() && len(s.sentPackets) > 0 {
		s.isNAcked = true
	} else if len(s.sentPackets) > s.windowSize {
		s.isNAcked = true
	}

	if len(s.sentPackets) == 0 && s.sendQueue.IsEmpty() {
		s.resendTimer.Cancel()
		s.sendTimer.Cancel()
	}
	if anyRetired {
		s.numResendAttempts = 0
		s.readyCV.Broadcast()
		s.sendBufferLocked()
	}

	switch s.status {
	case StatusClosed:
		s.terminateLocked()
	case StatusClosing:
		if s.sendQueue.IsEmpty() && len(s.sentPackets) == 0 {
			s.sendCloseLocked()
			s.status = StatusClosed
		}
	}
	return true
}

func clampRTO(d time.Duration) time.Duration {
	if d < MinRTO {
		return MinRTO
	}
	if d > MaxRTO {
		return MaxRTO
	}
	return d
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (s *Stream) publishSharedRoutingPathLocked() {
	if s.currentOutboundTunnel == nil || s.currentRemoteLease == nil {
		return
	}
	s.sharedPathPublished = true
	path := &SharedRoutingPath{
		OutboundTunnel: s.currentOutboundTunnel,
		RemoteLease:    s.currentRemoteLease,
		RTT:            s.rtt,
	}
	if s.dest != nil {
		s.dest.publishSharedRoutingPath(s.remoteIdentity, path)
	}
}

// ---- Retransmission (spec §4.6) ----

func (s *Stream) handleResendTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isSendTime = true
	if s.rto > InitialRTO {
		s.rto = InitialRTO
	}
	s.sendTimer.Cancel()
	s.isTimeOutResend = true
	s.isNAcked = false
	s.resendPacketLocked()
}

func (s *Stream) resendPacketLocked() {
	if s.numResendAttempts >= MaxNumResendAttempts {
		s.status = StatusReset
		s.closeErr = ErrStreamReset
		s.closeLocked()
		return
	}

	now := clockNow()
	var overdue *sentPacket
	for _, sp := range s.sentPackets {
		if !now.Before(sp.sendTime.Add(s.rto)) {
			overdue = sp
			break
		}
	}

	if overdue != nil && s.isSendTime {
		overdue.resent = now.Before(overdue.sendTime.Add(2 * s.rto))
		overdue.sendTime = now

		wasFastRetransmit := false
		if s.isNAcked {
			s.numResendAttempts = 1
			wasFastRetransmit = s.rto != InitialRTO
		} else if s.isTimeOutResend {
			s.numResendAttempts++
		}

		if s.numResendAttempts == 1 && wasFastRetransmit {
			if !s.isWinDropped {
				s.windowSize = max(s.windowSize/2, MinWindowSize)
				s.isWinDropped = true
			}
			s.pacingTime = pacingTimeFor(s.rtt, s.windowSize)
		} else if s.isTimeOutResend {
			s.isTimeOutResend = false
			s.rto = InitialRTO
			s.windowSize = InitialWindowSize
			s.isWinDropped = true
			s.pacingTime = pacingTimeFor(s.rtt, s.windowSize)
			prevTunnel, prevLease := s.currentOutboundTunnel, s.currentRemoteLease
			s.resetRoutingPathLocked()
			s.currentOutboundTunnel, s.currentRemoteLease = prevTunnel, prevLease
			s.alternateRecoveryLocked()
		}

		s.transmitWireLocked(overdue.wire)
		s.isSendTime = false
		if s.isNAcked {
			s.scheduleSendLocked()
		}
	} else {
		s.sendBufferLocked()
	}

	if !s.isNAcked {
		s.scheduleResendLocked()
	}
}

// alternateRecoveryLocked picks a different outbound tunnel on odd resend
// attempts and a different remote lease on even ones (spec §4.6, Open
// Question (a): tunnelsChangeSequenceNumber is advanced here so RTT
// sampling excludes packets sent before this rotation).
func (s *Stream) alternateRecoveryLocked() {
	s.tunnelsChangeSequenceNumber = s.sequenceNumber
	if s.numResendAttempts%2 == 1 {
		if s.owner != nil && s.owner.Tunnels != nil {
			t, _ := s.owner.Tunnels.GetNewOutboundTunnel(s.currentOutboundTunnel)
			if t != nil {
				s.currentOutboundTunnel = t
			}
		}
	} else {
		s.updateCurrentRemoteLeaseLocked(true)
	}
}

// ---- Pacing and ack scheduling (spec §4.7) ----

func (s *Stream) scheduleSendLocked() {
	s.sendTimer.Reset(s.pacingTime, s.handleSendTimer)
}

func (s *Stream) handleSendTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isSendTime = true
	if s.isNAcked {
		s.resendPacketLocked()
		return
	}
	if !s.isWinDropped && len(s.sentPackets) == s.windowSize {
		s.windowSize = max(s.windowSize/2, MinWindowSize)
		s.isWinDropped = true
		s.pacingTime = pacingTimeFor(s.rtt, s.windowSize)
	} else if s.windowSize > len(s.sentPackets) {
		s.sendBufferLocked()
	} else {
		s.scheduleSendLocked()
	}
}

func (s *Stream) scheduleResendLocked() {
	s.resendTimer.Reset(s.rto, s.handleResendTimer)
}

func (s *Stream) scheduleAckLocked(timeout time.Duration) {
	s.ackTimer.Cancel()
	s.isAckSendScheduled = true
	if timeout < MinSendAckTimeout {
		timeout = MinSendAckTimeout
	}
	s.ackTimer.Reset(timeout, s.handleAckSendTimer)
}

func (s *Stream) handleAckSendTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isAckSendScheduled {
		return
	}
	s.isAckSendScheduled = false
	if s.lastReceived < 0 {
		s.status = StatusReset
		s.closeErr = ErrStreamReset
		s.closeLocked()
		return
	}
	if s.status == StatusOpen && s.routingSession != nil && s.routingSession.IsLeaseSetNonConfirmed() {
		if clockNow().Sub(s.routingSession.LeaseSetSubmissionTime()) > LeasesetConfirmationTimeout {
			s.currentOutboundTunnel = nil
			s.currentRemoteLease = nil
		}
	}
	s.sendQuickAckLocked()
}

// ---- Lease and tunnel rotation (spec §4.8) ----

func (s *Stream) updateCurrentRemoteLeaseLocked(expired bool) {
	if s.owner == nil || s.owner.LeaseSets == nil || s.remoteIdentity == nil {
		return
	}
	if s.remoteLeaseSet == nil || expired {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		hash := s.remoteIdentity.IdentHash()
		var ls LeaseSet
		var err error
		if s.remoteLeaseSet != nil && s.remoteLeaseSet.IsEncrypted() {
			ls, err = s.owner.LeaseSets.LookupEncrypted(ctx, hash)
		} else {
			ls, err = s.owner.LeaseSets.Lookup(ctx, hash)
		}
		cancel()
		if err != nil || ls == nil {
			log.Warn().Err(err).Msg("lease set refresh failed")
			return
		}
		s.remoteLeaseSet = ls
	}

	leases := s.remoteLeaseSet.Leases()
	if len(leases) == 0 {
		return
	}
	now := clockNow()
	var candidate *Lease
	var fallback *Lease
	prevTunnelID, prevGateway := uint32(0), [32]byte{}
	if s.currentRemoteLease != nil {
		prevTunnelID = s.currentRemoteLease.TunnelID
		prevGateway = s.currentRemoteLease.Gateway
	}
	for i := range leases {
		l := &leases[i]
		if !l.EndDate.After(now) {
			continue
		}
		if expired && l.Gateway == prevGateway && l.TunnelID != prevTunnelID {
			candidate = l
			break
		}
		if !l.Threshold && fallback == nil {
			fallback = l
		}
		if fallback == nil {
			fallback = l
		}
		if l.TunnelID != prevTunnelID && candidate == nil {
			candidate = l
		}
	}
	if candidate == nil {
		candidate = fallback
	}
	s.currentRemoteLease = candidate
}

func (s *Stream) resetRoutingPathLocked() {
	s.currentOutboundTunnel = nil
	s.currentRemoteLease = nil
	s.rtt = InitialRTT
	s.rto = InitialRTO
	s.sharedPathPublished = false
}

// sendPacketsLocked implements SendPackets (spec §4.8).
func (s *Stream) sendPacketsLocked(pkts []*Packet) {
	if s.currentRemoteLease == nil {
		s.updateCurrentRemoteLeaseLocked(false)
	}
	if s.currentRemoteLease == nil {
		log.Warn().Msg("no remote lease available, dropping outbound packets")
		return
	}
	if s.routingSession != nil && (s.routingSession.IsTerminated() || !s.routingSession.IsReadyToSend()) {
		if s.owner != nil && s.owner.Sessions != nil && s.remoteIdentity != nil {
			sess, err := s.owner.Sessions.SessionFor(s.remoteIdentity)
			if err == nil {
				s.routingSession = sess
			}
		}
	}
	if !s.currentRemoteLease.EndDate.IsZero() && clockNow().Add(LeaseEnddateThreshold).After(s.currentRemoteLease.EndDate) {
		s.updateCurrentRemoteLeaseLocked(true)
		if s.currentRemoteLease == nil {
			return
		}
	}
	if s.currentOutboundTunnel == nil && s.owner != nil && s.owner.Tunnels != nil {
		s.currentOutboundTunnel = s.owner.Tunnels.GetNextOutboundTunnel(nil)
	}
	if s.currentOutboundTunnel == nil {
		log.Warn().Msg("no outbound tunnel available, dropping outbound packets")
		return
	}
	if s.routingSession != nil {
		s.routingSession.SetSharedRoutingPath(&SharedRoutingPath{
			OutboundTunnel: s.currentOutboundTunnel,
			RemoteLease:    s.currentRemoteLease,
			RTT:            s.rtt,
		})
	}

	msgs := make([]TunnelDataMsg, 0, len(pkts))
	wireBufs := make([][]byte, 0, len(pkts))
	for _, pkt := range pkts {
		wire, err := pkt.MarshalInto(acquireWireBuf())
		if err != nil {
			log.Error().Err(err).Msg("marshal outbound packet failed")
			continue
		}
		wireBufs = append(wireBufs, wire)
		compress := s.routingSession == nil || !s.routingSession.IsRatchets()
		framed, err := CreateDataMessage(wire, s.localPort, s.remotePort, ProtocolTypeStreaming, compress)
		if err != nil {
			log.Error().Err(err).Msg("frame outbound data message failed")
			continue
		}
		payload := framed
		if s.routingSession != nil {
			wrapped, err := s.routingSession.WrapSingleMessage(framed)
			if err != nil {
				log.Error().Err(err).Msg("wrap outbound message failed")
				continue
			}
			payload = wrapped
		}
		msgs = append(msgs, TunnelDataMsg{
			Gateway:  s.currentRemoteLease.Gateway,
			TunnelID: s.currentRemoteLease.TunnelID,
			Msg:      payload,
		})
	}
	defer func() {
		for _, b := range wireBufs {
			releaseWireBuf(b)
		}
	}()
	if len(msgs) == 0 {
		return
	}
	nonces := make([]uint32, len(pkts))
	for i, pkt := range pkts {
		nonces[i] = s.telemetry.TrackMessage(s, pkt.SequenceNum, len(pkt.Payload), len(pkt.Payload) > 0)
	}
	err := s.currentOutboundTunnel.SendTunnelDataMsgs(msgs)
	if err != nil {
		log.Warn().Err(err).Msg("send via outbound tunnel failed")
	}
	for _, nonce := range nonces {
		s.telemetry.ReportResult(nonce, err == nil)
	}
}

func (s *Stream) transmitWireLocked(wire []byte) {
	if s.currentOutboundTunnel == nil || s.currentRemoteLease == nil {
		s.sendPacketsLocked(nil)
		if s.currentOutboundTunnel == nil || s.currentRemoteLease == nil {
			return
		}
	}
	compress := s.routingSession == nil || !s.routingSession.IsRatchets()
	payload, err := CreateDataMessage(wire, s.localPort, s.remotePort, ProtocolTypeStreaming, compress)
	if err != nil {
		log.Error().Err(err).Msg("frame retransmitted data message failed")
		return
	}
	if s.routingSession != nil {
		wrapped, err := s.routingSession.WrapSingleMessage(payload)
		if err == nil {
			payload = wrapped
		}
	}
	msg := TunnelDataMsg{Gateway: s.currentRemoteLease.Gateway, TunnelID: s.currentRemoteLease.TunnelID, Msg: payload}
	if err := s.currentOutboundTunnel.SendTunnelDataMsgs([]TunnelDataMsg{msg}); err != nil {
		log.Warn().Err(err).Msg("retransmit failed")
	}
}

func (s *Stream) closeLocked() {
	s.terminateLocked()
}

// terminateLocked cancels all per-stream timers and marks the stream
// Terminated, unblocking any waiting Send/Receive callers (spec §5).
func (s *Stream) terminateLocked() {
	if s.status != StatusTerminated {
		s.status = StatusTerminated
	}
	s.sendTimer.Cancel()
	s.resendTimer.Cancel()
	s.ackTimer.Cancel()
	s.pendingIncomingTimer.Cancel()
	s.receiveTimer.Cancel()
	s.readyCV.Broadcast()
	s.sendQueue.CleanUp(s.closeErr)
	if s.doneFn != nil {
		fn := s.doneFn
		s.doneFn = nil
		go fn()
	}
}
