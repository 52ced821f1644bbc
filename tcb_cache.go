// Package streaming provides anonymous reliable streams over I2P.
package streaming

import (
	"encoding/hex"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// TCB Cache (Transport Control Block) implements RFC 2140 control block sharing.
// This shares RTT, RTT variance, and window size estimates between streams to
// the same remote destination, reducing slow-start latency for subsequent
// streams, and doubles as the warm-start store for the shared routing path
// (spec §4.8: subsequent streams to a destination already carrying a shared
// routing path skip the tunnel/lease selection race and reuse it directly).

// TCBCacheConfig holds configuration for TCB cache behavior.
// Dampening factors control how much cached values influence new connections.
// Per I2P spec defaults: all dampening factors = 0.75
type TCBCacheConfig struct {
	// RTTDampening controls how much to dampen RTT when sharing (0.0-1.0)
	// Cached RTT is multiplied by this factor when applied to new connections.
	// Default: 0.75 per I2P streaming spec
	RTTDampening float64

	// RTTDevDampening controls how much to dampen RTT variance (0.0-1.0)
	// Default: 0.75 per I2P streaming spec
	RTTDevDampening float64

	// WindowDampening controls how much to dampen window size (0.0-1.0)
	// Default: 0.75 per I2P streaming spec
	WindowDampening float64

	// EntryTTL is how long cache entries remain valid after last update
	// Default: 5 minutes per I2P spec "expires after a few minutes"
	EntryTTL time.Duration

	// Enabled controls whether TCB sharing is active
	// Default: true
	Enabled bool
}

// DefaultTCBCacheConfig returns the default TCB cache configuration per I2P spec.
func DefaultTCBCacheConfig() TCBCacheConfig {
	return TCBCacheConfig{
		RTTDampening:    0.75,
		RTTDevDampening: 0.75,
		WindowDampening: 0.75,
		EntryTTL:        5 * time.Minute,
		Enabled:         true,
	}
}

// tcbEntry holds cached control block data for a single remote destination.
type tcbEntry struct {
	// Cached RTT estimate
	rtt time.Duration
	// Cached RTT variance
	rttVariance time.Duration
	// Cached window size
	windowSize uint32
	// Cached routing path, if one was ever published for this destination
	path *SharedRoutingPath
	// When this entry was last updated
	lastUpdate time.Time
	// Number of streams that have contributed to this entry
	sampleCount int
}

// tcbCache manages cached control block data for multiple remote
// destinations. Thread-safe for concurrent access from multiple streams.
type tcbCache struct {
	config  TCBCacheConfig
	entries map[[32]byte]*tcbEntry // Key: destination identity hash
	mu      sync.RWMutex
}

// newTCBCache creates a new TCB cache with the given configuration.
func newTCBCache(config TCBCacheConfig) *tcbCache {
	return &tcbCache{
		config:  config,
		entries: make(map[[32]byte]*tcbEntry),
	}
}

// destHashKey returns the cache key for a remote identity.
func destHashKey(remote Identity) [32]byte {
	if remote == nil {
		return [32]byte{}
	}
	return remote.IdentHash()
}

// Get retrieves cached TCB data for a destination, applying dampening factors.
// Returns (rtt, rttVariance, windowSize, found).
// If not found or expired, returns zeros and found=false.
func (c *tcbCache) Get(remote Identity) (time.Duration, time.Duration, uint32, bool) {
	if !c.config.Enabled {
		return 0, 0, 0, false
	}

	key := destHashKey(remote)

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return 0, 0, 0, false
	}

	// Check if entry has expired
	if time.Since(entry.lastUpdate) > c.config.EntryTTL {
		// Entry expired, delete it
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return 0, 0, 0, false
	}

	// Apply dampening factors per RFC 2140 / I2P spec
	dampedRTT := time.Duration(float64(entry.rtt) * c.config.RTTDampening)
	dampedRTTVar := time.Duration(float64(entry.rttVariance) * c.config.RTTDevDampening)
	dampedWindow := uint32(float64(entry.windowSize) * c.config.WindowDampening)

	// Ensure minimum values
	if dampedWindow < 1 {
		dampedWindow = 1
	}

	log.Debug().
		Str("dest", hex.EncodeToString(key[:8])).
		Dur("rtt", dampedRTT).
		Dur("rttvar", dampedRTTVar).
		Uint32("window", dampedWindow).
		Msg("TCB cache hit - applying cached connection parameters")

	return dampedRTT, dampedRTTVar, dampedWindow, true
}

// Put stores TCB data for a destination when a stream closes.
// Called at stream close time per RFC 2140 "temporal" sharing.
func (c *tcbCache) Put(remote Identity, rtt, rttVariance time.Duration, windowSize uint32) {
	if !c.config.Enabled {
		return
	}

	key := destHashKey(remote)

	// Skip caching if values are at defaults (no useful data learned)
	if rtt == 0 && rttVariance == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.entries[key]
	if exists {
		// Weighted average with existing entry per RFC 2140
		// This provides smoothing across multiple connection samples
		weight := 0.5 // Equal weight to old and new
		entry.rtt = time.Duration(float64(entry.rtt)*weight + float64(rtt)*(1-weight))
		entry.rttVariance = time.Duration(float64(entry.rttVariance)*weight + float64(rttVariance)*(1-weight))
		entry.windowSize = uint32(float64(entry.windowSize)*weight + float64(windowSize)*(1-weight))
		entry.lastUpdate = time.Now()
		entry.sampleCount++
	} else {
		// New entry
		c.entries[key] = &tcbEntry{
			rtt:         rtt,
			rttVariance: rttVariance,
			windowSize:  windowSize,
			lastUpdate:  time.Now(),
			sampleCount: 1,
		}
	}

	log.Debug().
		Str("dest", hex.EncodeToString(key[:8])).
		Dur("rtt", rtt).
		Dur("rttvar", rttVariance).
		Uint32("window", windowSize).
		Bool("updated", exists).
		Msg("TCB cache update - stored connection parameters")
}

// PutSharedRoutingPath caches the tunnel/lease pair a stream published so
// the next stream to the same destination can reuse it without racing
// GetNextOutboundTunnel/LeaseSetLookup again (spec §4.8).
func (c *tcbCache) PutSharedRoutingPath(remote Identity, path *SharedRoutingPath) {
	if path == nil {
		return
	}
	key := destHashKey(remote)

	c.mu.Lock()
	defer c.mu.Unlock()
	entry, exists := c.entries[key]
	if !exists {
		entry = &tcbEntry{}
		c.entries[key] = entry
	}
	entry.path = path
	entry.lastUpdate = time.Now()
}

// SharedRoutingPath returns the cached tunnel/lease pair for a destination,
// if one hasn't expired.
func (c *tcbCache) SharedRoutingPath(remote Identity) (*SharedRoutingPath, bool) {
	key := destHashKey(remote)

	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	if !ok || entry.path == nil {
		return nil, false
	}
	if time.Since(entry.lastUpdate) > c.config.EntryTTL {
		return nil, false
	}
	return entry.path, true
}

// Size returns the number of entries in the cache.
func (c *tcbCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Clear removes all entries from the cache.
func (c *tcbCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[[32]byte]*tcbEntry)
}

// CleanupExpired removes expired entries from the cache.
// Should be called periodically to prevent memory growth.
func (c *tcbCache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, entry := range c.entries {
		if now.Sub(entry.lastUpdate) > c.config.EntryTTL {
			delete(c.entries, key)
			removed++
		}
	}

	if removed > 0 {
		log.Debug().
			Int("removed", removed).
			Int("remaining", len(c.entries)).
			Msg("TCB cache cleanup - removed expired entries")
	}

	return removed
}

// GetConfig returns the current cache configuration.
func (c *tcbCache) GetConfig() TCBCacheConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.config
}

// SetConfig updates the cache configuration.
func (c *tcbCache) SetConfig(config TCBCacheConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.config = config
}

// TCBData holds the control block parameters that can be applied to a new
// stream.
type TCBData struct {
	RTT         time.Duration
	RTTVariance time.Duration
	WindowSize  uint32
	FromCache   bool
}

// applyTCBDataToStream seeds a freshly created Stream's RTT/RTO/window
// estimates from cached data, avoiding a cold slow-start against a
// destination streams have already talked to (RFC 2140).
func applyTCBDataToStream(s *Stream, data TCBData) {
	if !data.FromCache {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if data.RTT > 0 {
		s.rtt = data.RTT
		s.prevRTT = data.RTT
	}
	if data.RTTVariance > 0 {
		s.jitter = data.RTTVariance
	}
	if data.WindowSize > 0 && int(data.WindowSize) > s.windowSize {
		s.windowSize = int(data.WindowSize)
		if s.windowSize > MaxWindowSize {
			s.windowSize = MaxWindowSize
		}
	}
	if data.RTT > 0 || data.RTTVariance > 0 {
		s.rto = clampRTO(s.rtt + 4*s.jitter)
	}

	log.Debug().
		Uint32("recvStreamID", s.recvStreamID).
		Dur("rtt", s.rtt).
		Dur("jitter", s.jitter).
		Int("window", s.windowSize).
		Dur("rto", s.rto).
		Msg("applied TCB cache data to new stream")
}

// saveTCBDataFromStream extracts TCB data from a closing stream so future
// streams to the same destination can warm-start from it.
func saveTCBDataFromStream(s *Stream) TCBData {
	s.mu.Lock()
	defer s.mu.Unlock()

	return TCBData{
		RTT:         s.rtt,
		RTTVariance: s.jitter,
		WindowSize:  uint32(s.windowSize),
		FromCache:   true,
	}
}
