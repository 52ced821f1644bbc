package streaming

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTCBCacheGetMissWhenDisabledOrEmpty(t *testing.T) {
	id, _, _ := newFakeKeyedIdentity()

	c := newTCBCache(DefaultTCBCacheConfig())
	_, _, _, ok := c.Get(id)
	assert.False(t, ok)

	disabled := DefaultTCBCacheConfig()
	disabled.Enabled = false
	c2 := newTCBCache(disabled)
	c2.Put(id, 2*time.Second, time.Second, 16)
	_, _, _, ok = c2.Get(id)
	assert.False(t, ok)
}

func TestTCBCachePutGetAppliesDampening(t *testing.T) {
	id, _, _ := newFakeKeyedIdentity()
	cfg := DefaultTCBCacheConfig()
	c := newTCBCache(cfg)

	c.Put(id, 4*time.Second, 2*time.Second, 32)

	rtt, rttVar, window, ok := c.Get(id)
	require.True(t, ok)
	assert.Equal(t, time.Duration(float64(4*time.Second)*cfg.RTTDampening), rtt)
	assert.Equal(t, time.Duration(float64(2*time.Second)*cfg.RTTDevDampening), rttVar)
	assert.Equal(t, uint32(float64(32)*cfg.WindowDampening), window)
}

func TestTCBCachePutSkipsZeroSamples(t *testing.T) {
	id, _, _ := newFakeKeyedIdentity()
	c := newTCBCache(DefaultTCBCacheConfig())
	c.Put(id, 0, 0, 10)
	_, _, _, ok := c.Get(id)
	assert.False(t, ok, "a zero-RTT, zero-jitter sample carries no useful data and should not be cached")
}

func TestTCBCacheEntryExpires(t *testing.T) {
	id, _, _ := newFakeKeyedIdentity()
	cfg := DefaultTCBCacheConfig()
	cfg.EntryTTL = 1 * time.Millisecond
	c := newTCBCache(cfg)
	c.Put(id, time.Second, time.Second, 10)

	time.Sleep(5 * time.Millisecond)
	_, _, _, ok := c.Get(id)
	assert.False(t, ok)
}

func TestTCBCacheSharedRoutingPath(t *testing.T) {
	id, _, _ := newFakeKeyedIdentity()
	c := newTCBCache(DefaultTCBCacheConfig())

	_, ok := c.SharedRoutingPath(id)
	assert.False(t, ok)

	path := &SharedRoutingPath{RTT: 500 * time.Millisecond}
	c.PutSharedRoutingPath(id, path)

	got, ok := c.SharedRoutingPath(id)
	require.True(t, ok)
	assert.Equal(t, path, got)
}

func TestTCBCacheSizeClear(t *testing.T) {
	id1, _, _ := newFakeKeyedIdentity()
	id2, _, _ := newFakeKeyedIdentity()
	c := newTCBCache(DefaultTCBCacheConfig())
	c.Put(id1, time.Second, time.Second, 10)
	c.Put(id2, time.Second, time.Second, 10)
	assert.Equal(t, 2, c.Size())

	c.Clear()
	assert.Equal(t, 0, c.Size())
}

func TestApplyAndSaveTCBDataFromStream(t *testing.T) {
	owner, _ := newTestOwner()
	s := newStream(owner, nil, 1, 0, 0)

	applyTCBDataToStream(s, TCBData{RTT: 2 * time.Second, RTTVariance: time.Second, WindowSize: 64, FromCache: true})

	s.mu.Lock()
	assert.Equal(t, 2*time.Second, s.rtt)
	assert.Equal(t, time.Second, s.jitter)
	assert.Equal(t, 64, s.windowSize)
	s.mu.Unlock()

	data := saveTCBDataFromStream(s)
	assert.Equal(t, 2*time.Second, data.RTT)
	assert.Equal(t, time.Second, data.RTTVariance)
	assert.Equal(t, uint32(64), data.WindowSize)
}

func TestApplyTCBDataToStreamIgnoredWhenNotFromCache(t *testing.T) {
	owner, _ := newTestOwner()
	s := newStream(owner, nil, 1, 0, 0)
	originalRTT := s.rtt

	applyTCBDataToStream(s, TCBData{RTT: 99 * time.Second, FromCache: false})

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, originalRTT, s.rtt)
}
