package streaming

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// messageStatusTracker records delivery telemetry for packets handed to a
// Tunnel (spec §2 additions: "delivery telemetry"). Tunnel.SendTunnelDataMsgs
// reports success or failure synchronously, so this doesn't correlate an
// asynchronous I2CP nonce to a later callback; it is fed directly at the
// SendTunnelDataMsgs call site, and keeps the nonce scheme so a future
// asynchronous transport could slot in without changing the stats surface.
type messageStatusTracker struct {
	mu sync.RWMutex

	pending   map[uint32]*pendingMessageInfo
	stats     MessageStats
	nextNonce uint32
}

type pendingMessageInfo struct {
	nonce       uint32
	seqNum      uint32
	stream      *Stream
	sentAt      time.Time
	payloadSize int
	isDataPkt   bool
}

// MessageStats tracks aggregate message delivery statistics.
type MessageStats struct {
	TotalSent         uint64
	TotalDelivered     uint64
	TotalFailed       uint64
	TotalExpired       uint64
	AvgDeliveryTimeMs int64
	LastDeliveryMs    int64
}

func newMessageStatusTracker() *messageStatusTracker {
	return &messageStatusTracker{
		pending:   make(map[uint32]*pendingMessageInfo),
		nextNonce: 1,
	}
}

// TrackMessage registers an outbound packet for delivery telemetry and
// returns the nonce to report it under.
func (t *messageStatusTracker) TrackMessage(s *Stream, seqNum uint32, payloadSize int, isDataPkt bool) uint32 {
	nonce := atomic.AddUint32(&t.nextNonce, 1)
	info := &pendingMessageInfo{
		nonce:       nonce,
		seqNum:      seqNum,
		stream:      s,
		sentAt:      clockNow(),
		payloadSize: payloadSize,
		isDataPkt:   isDataPkt,
	}
	t.mu.Lock()
	t.pending[nonce] = info
	t.mu.Unlock()
	atomic.AddUint64(&t.stats.TotalSent, 1)
	return nonce
}

// ReportResult records the outcome of a previously tracked message.
func (t *messageStatusTracker) ReportResult(nonce uint32, success bool) {
	t.mu.Lock()
	info, ok := t.pending[nonce]
	if ok {
		delete(t.pending, nonce)
	}
	t.mu.Unlock()
	if !ok {
		return
	}

	deliveryTime := clockNow().Sub(info.sentAt)
	if success {
		atomic.AddUint64(&t.stats.TotalDelivered, 1)
		atomic.StoreInt64(&t.stats.LastDeliveryMs, deliveryTime.Milliseconds())
		avg := atomic.LoadInt64(&t.stats.AvgDeliveryTimeMs)
		atomic.StoreInt64(&t.stats.AvgDeliveryTimeMs, (avg*7+deliveryTime.Milliseconds())/8)
		log.Debug().Uint32("nonce", nonce).Uint32("seq", info.seqNum).Dur("deliveryTime", deliveryTime).Msg("message delivered")
		return
	}
	atomic.AddUint64(&t.stats.TotalFailed, 1)
	log.Warn().Uint32("nonce", nonce).Uint32("seq", info.seqNum).Dur("afterTime", deliveryTime).Msg("message delivery failed")
}

// GetStats returns a copy of the current statistics.
func (t *messageStatusTracker) GetStats() MessageStats {
	return MessageStats{
		TotalSent:         atomic.LoadUint64(&t.stats.TotalSent),
		TotalDelivered:    atomic.LoadUint64(&t.stats.TotalDelivered),
		TotalFailed:       atomic.LoadUint64(&t.stats.TotalFailed),
		TotalExpired:      atomic.LoadUint64(&t.stats.TotalExpired),
		AvgDeliveryTimeMs: atomic.LoadInt64(&t.stats.AvgDeliveryTimeMs),
		LastDeliveryMs:    atomic.LoadInt64(&t.stats.LastDeliveryMs),
	}
}

// PendingCount returns how many messages await a result.
func (t *messageStatusTracker) PendingCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.pending)
}

// CleanupExpired drops entries older than maxAge, counting them as expired.
func (t *messageStatusTracker) CleanupExpired(maxAge time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := clockNow()
	expired := 0
	for nonce, info := range t.pending {
		if now.Sub(info.sentAt) > maxAge {
			delete(t.pending, nonce)
			expired++
			atomic.AddUint64(&t.stats.TotalExpired, 1)
		}
	}
	return expired
}

// Clear drops all pending telemetry entries.
func (t *messageStatusTracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = make(map[uint32]*pendingMessageInfo)
}
