package streaming

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusString(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{StatusNew, "NEW"},
		{StatusOpen, "OPEN"},
		{StatusClosing, "CLOSING"},
		{StatusClosed, "CLOSED"},
		{StatusReset, "RESET"},
		{StatusTerminated, "TERMINATED"},
		{Status(999), "UNKNOWN"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.status.String())
		})
	}
}

func TestProtocolConstants(t *testing.T) {
	assert.Equal(t, 1730, DefaultMTU)
	assert.Equal(t, 1812, ECIESMTU)
	assert.Equal(t, 6, InitialWindowSize)
	assert.Equal(t, 128, MaxWindowSize)
}

func TestNewStreamInitialState(t *testing.T) {
	owner, _ := newTestOwner()
	s := newStream(owner, nil, 7, 10, 20)

	assert.Equal(t, StatusNew, s.GetStatus())
	assert.EqualValues(t, 7, s.GetRecvStreamID())
	assert.EqualValues(t, 0, s.GetSendStreamID())
	assert.Nil(t, s.GetRemoteIdentity())
	assert.Equal(t, InitialRTT, s.rtt)
	assert.Equal(t, DefaultMTU, s.mtu)
	assert.Equal(t, ProfileBulk, s.profile)
}

func TestSendAfterCloseReturnsError(t *testing.T) {
	owner, _ := newTestOwner()
	s := newStream(owner, nil, 1, 0, 0)
	s.status = StatusClosed
	s.closeErr = ErrStreamClosed

	_, err := s.Send([]byte("data"))
	assert.ErrorIs(t, err, ErrStreamClosed)
}

func TestCloseIsIdempotent(t *testing.T) {
	owner, _ := newTestOwner()
	s := newStream(owner, nil, 1, 0, 0)
	s.status = StatusClosed

	assert.NoError(t, s.Close())
	assert.Equal(t, StatusClosed, s.GetStatus())
}

func TestReceiveReturnsZeroOnClosedEmptyBuffer(t *testing.T) {
	owner, _ := newTestOwner()
	s := newStream(owner, nil, 1, 0, 0)
	s.status = StatusClosed
	s.closeErr = nil

	n, err := s.Receive(make([]byte, 16), 0)
	assert.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestReceiveReturnsCloseErrOnReset(t *testing.T) {
	owner, _ := newTestOwner()
	s := newStream(owner, nil, 1, 0, 0)
	s.status = StatusReset
	s.closeErr = ErrStreamReset

	_, err := s.Receive(make([]byte, 16), 0)
	assert.ErrorIs(t, err, ErrStreamReset)
}

func TestPacingTimeForFloorsAtMinimum(t *testing.T) {
	got := pacingTimeFor(0, 10)
	assert.Equal(t, MinPacingTimeFloor, got)
}

func TestVerifyDestinationHashLockedNoOwnerIdentityAllows(t *testing.T) {
	s := newStream(nil, nil, 1, 0, 0)
	assert.True(t, s.verifyDestinationHashLocked(make([]uint32, 8)))
}
