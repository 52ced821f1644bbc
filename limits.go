package streaming

import (
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// LimitAction names a response to a SYN rejected by the connection limits.
// The value is stored in ConnectionLimitsConfig, but StreamingDestination
// does not act on it: every rejected SYN is dropped without a response,
// whichever LimitAction is configured.
type LimitAction int

const (
	// LimitActionReset names answering with a RESET packet (the zero value)
	LimitActionReset LimitAction = iota
	// LimitActionDrop names dropping the connection without response
	LimitActionDrop
	// LimitActionHTTP names an HTTP 429 response before closing
	LimitActionHTTP
)

// ConnectionLimitsConfig configures incoming-stream rate limiting.
// All limit values of 0 mean disabled (unlimited).
type ConnectionLimitsConfig struct {
	// MaxConcurrentStreams limits concurrently open incoming streams (those
	// admitted through CheckAndRecordConnection); outgoing streams are not
	// counted. 0 or negative means unlimited.
	MaxConcurrentStreams int

	// Per-peer incoming connection limits
	MaxConnsPerMinute int // Max incoming connections per minute from a single peer
	MaxConnsPerHour   int // Max incoming connections per hour from a single peer
	MaxConnsPerDay    int // Max incoming connections per day from a single peer

	// Total incoming connection limits (all peers combined)
	MaxTotalConnsPerMinute int
	MaxTotalConnsPerHour   int
	MaxTotalConnsPerDay    int

	// LimitAction records a response for rejected SYNs; it is not acted on
	// (see LimitAction)
	LimitAction LimitAction

	// DisableRejectLogging disables log warnings when connections are rejected
	DisableRejectLogging bool
}

// DefaultConnectionLimitsConfig returns the default (unlimited) configuration.
func DefaultConnectionLimitsConfig() *ConnectionLimitsConfig {
	return &ConnectionLimitsConfig{
		MaxConcurrentStreams:   -1,
		MaxConnsPerMinute:      0,
		MaxConnsPerHour:        0,
		MaxConnsPerDay:         0,
		MaxTotalConnsPerMinute: 0,
		MaxTotalConnsPerHour:   0,
		MaxTotalConnsPerDay:    0,
		LimitAction:            LimitActionReset,
		DisableRejectLogging:   false,
	}
}

// connectionLimiter tracks and enforces connection limits for a
// StreamingDestination's incoming SYNs (spec §4.9 pendingIncoming backlog,
// generalized with per-peer/total rate windows).
type connectionLimiter struct {
	config *ConnectionLimitsConfig
	mu     sync.Mutex

	activeStreams int

	// peerHistory is keyed by the remote identity hash, hex-encoded.
	peerHistory map[string]*connectionHistory

	totalHistory *connectionHistory
}

// connectionHistory tracks connection timestamps for rate limiting.
type connectionHistory struct {
	mu         sync.Mutex
	timestamps []time.Time
}

// newConnectionLimiter creates a new connection limiter with the given config.
func newConnectionLimiter(config *ConnectionLimitsConfig) *connectionLimiter {
	if config == nil {
		config = DefaultConnectionLimitsConfig()
	}
	return &connectionLimiter{
		config:       config,
		peerHistory:  make(map[string]*connectionHistory),
		totalHistory: &connectionHistory{},
	}
}

// SetConfig updates the limiter configuration.
func (cl *connectionLimiter) SetConfig(config *ConnectionLimitsConfig) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if config == nil {
		config = DefaultConnectionLimitsConfig()
	}
	cl.config = config
}

// GetConfig returns a copy of the current configuration.
func (cl *connectionLimiter) GetConfig() *ConnectionLimitsConfig {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cfg := *cl.config
	return &cfg
}

// ActiveStreams returns the current number of active streams.
func (cl *connectionLimiter) ActiveStreams() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.activeStreams
}

// CheckAndRecordConnection checks if a new incoming stream from peer is
// allowed. If allowed, it records the connection and returns nil.
func (cl *connectionLimiter) CheckAndRecordConnection(peer Identity) error {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	now := time.Now()

	if err := cl.checkConcurrentLimitLocked(); err != nil {
		log.Debug().Err(err).Msg("concurrent streams limit exceeded")
		return err
	}
	if err := cl.checkTotalRateLimitsLocked(now); err != nil {
		log.Debug().Err(err).Msg("total rate limit exceeded")
		return err
	}
	if err := cl.checkPeerRateLimitsLocked(peer, now); err != nil {
		log.Debug().Err(err).Msg("per-peer rate limit exceeded")
		return err
	}

	cl.recordConnectionLocked(peer, now)
	log.Debug().Int("activeStreams", cl.activeStreams).Msg("connection recorded")
	return nil
}

// checkConcurrentLimitLocked checks if adding a new stream would exceed the concurrent limit.
// Must be called with cl.mu held.
func (cl *connectionLimiter) checkConcurrentLimitLocked() error {
	if cl.config.MaxConcurrentStreams > 0 && cl.activeStreams >= cl.config.MaxConcurrentStreams {
		return fmt.Errorf("max concurrent streams limit exceeded (%d)", cl.config.MaxConcurrentStreams)
	}
	return nil
}

// checkTotalRateLimitsLocked checks if total rate limits would be exceeded.
// Must be called with cl.mu held.
func (cl *connectionLimiter) checkTotalRateLimitsLocked(now time.Time) error {
	cl.totalHistory.pruneOldEntriesLocked(now)

	if cl.config.MaxTotalConnsPerMinute > 0 {
		if count := cl.totalHistory.countSinceLocked(now.Add(-time.Minute)); count >= cl.config.MaxTotalConnsPerMinute {
			return fmt.Errorf("total connections per minute limit exceeded (%d)", cl.config.MaxTotalConnsPerMinute)
		}
	}
	if cl.config.MaxTotalConnsPerHour > 0 {
		if count := cl.totalHistory.countSinceLocked(now.Add(-time.Hour)); count >= cl.config.MaxTotalConnsPerHour {
			return fmt.Errorf("total connections per hour limit exceeded (%d)", cl.config.MaxTotalConnsPerHour)
		}
	}
	if cl.config.MaxTotalConnsPerDay > 0 {
		if count := cl.totalHistory.countSinceLocked(now.Add(-24 * time.Hour)); count >= cl.config.MaxTotalConnsPerDay {
			return fmt.Errorf("total connections per day limit exceeded (%d)", cl.config.MaxTotalConnsPerDay)
		}
	}

	return nil
}

// checkPeerRateLimitsLocked checks if per-peer rate limits would be exceeded.
// Must be called with cl.mu held.
func (cl *connectionLimiter) checkPeerRateLimitsLocked(peer Identity, now time.Time) error {
	if peer == nil {
		return nil
	}
	if cl.config.MaxConnsPerMinute <= 0 && cl.config.MaxConnsPerHour <= 0 && cl.config.MaxConnsPerDay <= 0 {
		return nil
	}

	peerHash := getPeerHash(peer)
	history := cl.getOrCreatePeerHistoryLocked(peerHash)

	history.mu.Lock()
	defer history.mu.Unlock()

	history.pruneOldEntriesLocked(now)

	if cl.config.MaxConnsPerMinute > 0 {
		if count := history.countSinceLocked(now.Add(-time.Minute)); count >= cl.config.MaxConnsPerMinute {
			return fmt.Errorf("connections per minute from peer exceeded (%d)", cl.config.MaxConnsPerMinute)
		}
	}
	if cl.config.MaxConnsPerHour > 0 {
		if count := history.countSinceLocked(now.Add(-time.Hour)); count >= cl.config.MaxConnsPerHour {
			return fmt.Errorf("connections per hour from peer exceeded (%d)", cl.config.MaxConnsPerHour)
		}
	}
	if cl.config.MaxConnsPerDay > 0 {
		if count := history.countSinceLocked(now.Add(-24 * time.Hour)); count >= cl.config.MaxConnsPerDay {
			return fmt.Errorf("connections per day from peer exceeded (%d)", cl.config.MaxConnsPerDay)
		}
	}

	return nil
}

// recordConnectionLocked records a new connection in both total and per-peer history.
// Must be called with cl.mu held.
func (cl *connectionLimiter) recordConnectionLocked(peer Identity, now time.Time) {
	cl.activeStreams++

	cl.totalHistory.mu.Lock()
	cl.totalHistory.timestamps = append(cl.totalHistory.timestamps, now)
	cl.totalHistory.mu.Unlock()

	if peer != nil {
		peerHash := getPeerHash(peer)
		history := cl.getOrCreatePeerHistoryLocked(peerHash)
		history.mu.Lock()
		history.timestamps = append(history.timestamps, now)
		history.mu.Unlock()
	}
}

// ConnectionClosed should be called when a stream closes to decrement the active count.
func (cl *connectionLimiter) ConnectionClosed() {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.activeStreams > 0 {
		cl.activeStreams--
	}
}

// getOrCreatePeerHistoryLocked gets or creates a connection history for the peer.
// Must be called with cl.mu held.
func (cl *connectionLimiter) getOrCreatePeerHistoryLocked(peerHash string) *connectionHistory {
	if history, exists := cl.peerHistory[peerHash]; exists {
		return history
	}
	history := &connectionHistory{}
	cl.peerHistory[peerHash] = history
	return history
}

// getPeerHash returns a string identifier for a remote identity.
func getPeerHash(peer Identity) string {
	if peer == nil {
		return ""
	}
	hash := peer.IdentHash()
	return hex.EncodeToString(hash[:])
}

// pruneOldEntriesLocked removes entries older than 24 hours to prevent memory growth.
// Must be called with h.mu held.
func (h *connectionHistory) pruneOldEntriesLocked(now time.Time) {
	cutoff := now.Add(-24 * time.Hour)
	newTimestamps := make([]time.Time, 0, len(h.timestamps))
	for _, ts := range h.timestamps {
		if ts.After(cutoff) {
			newTimestamps = append(newTimestamps, ts)
		}
	}
	h.timestamps = newTimestamps
}

// countSinceLocked counts timestamps after the given time.
// Must be called with h.mu held.
func (h *connectionHistory) countSinceLocked(since time.Time) int {
	count := 0
	for _, ts := range h.timestamps {
		if ts.After(since) {
			count++
		}
	}
	return count
}

// logLimitExceeded logs a warning about a rejected connection.
func logLimitExceeded(config *ConnectionLimitsConfig, peer Identity, reason string) {
	if config.DisableRejectLogging {
		return
	}

	peerID := "unknown"
	if peer != nil {
		hash := peer.IdentHash()
		peerID = hex.EncodeToString(hash[:8]) + "..."
	}

	log.Warn().Str("peer", peerID).Str("reason", reason).Msg("incoming stream rejected due to rate limit")
}

// CleanupStaleHistory removes old peer history entries that haven't had activity in 24+ hours.
// This should be called periodically (e.g., every hour) to prevent memory leaks.
func (cl *connectionLimiter) CleanupStaleHistory() {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-24 * time.Hour)
	removedCount := 0

	for peerHash, history := range cl.peerHistory {
		history.mu.Lock()
		history.pruneOldEntriesLocked(now)
		if len(history.timestamps) == 0 {
			history.mu.Unlock()
			delete(cl.peerHistory, peerHash)
			removedCount++
			continue
		}

		hasRecent := false
		for _, ts := range history.timestamps {
			if ts.After(cutoff) {
				hasRecent = true
				break
			}
		}
		history.mu.Unlock()

		if !hasRecent {
			delete(cl.peerHistory, peerHash)
			removedCount++
		}
	}

	if removedCount > 0 {
		log.Debug().Int("removed", removedCount).Int("remaining", len(cl.peerHistory)).Msg("stale history cleanup complete")
	}
}
