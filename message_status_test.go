package streaming

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageStatusTrackerReportsDelivered(t *testing.T) {
	tr := newMessageStatusTracker()
	nonce := tr.TrackMessage(nil, 1, 100, true)
	require.Equal(t, 1, tr.PendingCount())

	tr.ReportResult(nonce, true)
	assert.Equal(t, 0, tr.PendingCount())

	stats := tr.GetStats()
	assert.Equal(t, uint64(1), stats.TotalSent)
	assert.Equal(t, uint64(1), stats.TotalDelivered)
	assert.Equal(t, uint64(0), stats.TotalFailed)
}

func TestMessageStatusTrackerReportsFailure(t *testing.T) {
	tr := newMessageStatusTracker()
	nonce := tr.TrackMessage(nil, 1, 100, true)
	tr.ReportResult(nonce, false)

	stats := tr.GetStats()
	assert.Equal(t, uint64(1), stats.TotalFailed)
	assert.Equal(t, uint64(0), stats.TotalDelivered)
}

func TestMessageStatusTrackerReportResultUnknownNonceIsNoOp(t *testing.T) {
	tr := newMessageStatusTracker()
	tr.ReportResult(999, true)
	stats := tr.GetStats()
	assert.Equal(t, uint64(0), stats.TotalDelivered)
}

func TestMessageStatusTrackerCleanupExpired(t *testing.T) {
	tr := newMessageStatusTracker()
	tr.TrackMessage(nil, 1, 10, true)
	time.Sleep(5 * time.Millisecond)

	removed := tr.CleanupExpired(1 * time.Millisecond)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, tr.PendingCount())
	assert.Equal(t, uint64(1), tr.GetStats().TotalExpired)
}

func TestMessageStatusTrackerClear(t *testing.T) {
	tr := newMessageStatusTracker()
	tr.TrackMessage(nil, 1, 10, true)
	tr.TrackMessage(nil, 2, 10, true)
	tr.Clear()
	assert.Equal(t, 0, tr.PendingCount())
}
