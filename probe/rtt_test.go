package probe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wnxd/probedbg/internal/nrf"
	"github.com/wnxd/probedbg/internal/sim"
)

// rttSession returns a connected session with a control block already
// installed in target RAM, its search completed.
func rttSession(t *testing.T) (*Session, *sim.Target, sim.RTTLayout) {
	t.Helper()
	s, tgt := connectedSession(t)
	layout := tgt.InstallRTTControlBlock(nrf.RAMBase+0x800, []uint32{64}, []uint32{32})
	require.NoError(t, s.RTTStart())
	found := waitRTTFound(t, s)
	require.True(t, found, "control block not located")
	return s, tgt, layout
}

func waitRTTFound(t *testing.T, s *Session) bool {
	t.Helper()
	for i := 0; i < 32; i++ {
		found, err := s.RTTIsControlBlockFound()
		require.NoError(t, err)
		if found {
			return true
		}
	}
	return false
}

func TestRTTRequiresStart(t *testing.T) {
	s, _ := connectedSession(t)
	_, err := s.RTTIsControlBlockFound()
	assert.ErrorIs(t, err, ErrInvalidOperation)
	_, _, err = s.RTTChannelCount()
	assert.ErrorIs(t, err, ErrInvalidOperation)
	assert.ErrorIs(t, s.RTTStop(), ErrInvalidOperation)
}

func TestRTTStartTwice(t *testing.T) {
	s, _ := connectedSession(t)
	require.NoError(t, s.RTTStart())
	assert.ErrorIs(t, s.RTTStart(), ErrInvalidOperation)
}

func TestRTTFindsControlBlockByScan(t *testing.T) {
	s, _, _ := rttSession(t)
	down, up, err := s.RTTChannelCount()
	require.NoError(t, err)
	assert.Equal(t, 1, down)
	assert.Equal(t, 1, up)

	info, err := s.RTTChannelInfo(0, RTTUp)
	require.NoError(t, err)
	assert.Equal(t, "Terminal", info.Name)
	assert.Equal(t, uint32(64), info.Size)
}

func TestRTTPinnedControlBlockAddress(t *testing.T) {
	s, tgt := connectedSession(t)
	tgt.InstallRTTControlBlock(nrf.RAMBase+0x1234, []uint32{16}, nil)
	require.NoError(t, s.RTTSetControlBlockAddress(nrf.RAMBase+0x1234))
	require.NoError(t, s.RTTStart())
	found, err := s.RTTIsControlBlockFound()
	require.NoError(t, err)
	assert.True(t, found)
}

func TestRTTSetControlBlockAddressAfterStart(t *testing.T) {
	s, _ := connectedSession(t)
	require.NoError(t, s.RTTStart())
	assert.ErrorIs(t, s.RTTSetControlBlockAddress(nrf.RAMBase), ErrInvalidOperation)
}

func TestRTTReadDrainsUpChannel(t *testing.T) {
	s, tgt, layout := rttSession(t)
	tgt.PumpUp(layout.UpDesc[0], []byte("hello"))

	buf := make([]byte, 16)
	n, err := s.RTTRead(0, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))

	// Drained; next read reports nothing without blocking.
	n, err = s.RTTRead(0, buf)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRTTReadPartial(t *testing.T) {
	s, tgt, layout := rttSession(t)
	tgt.PumpUp(layout.UpDesc[0], []byte("abcdef"))

	buf := make([]byte, 4)
	n, err := s.RTTRead(0, buf)
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(buf[:n]))

	n, err = s.RTTRead(0, buf)
	require.NoError(t, err)
	assert.Equal(t, "ef", string(buf[:n]))
}

func TestRTTReadWraps(t *testing.T) {
	s, tgt, layout := rttSession(t)
	// Two pumps that together exceed the 64-byte ring force a wrap.
	first := make([]byte, 48)
	for i := range first {
		first[i] = byte(i)
	}
	tgt.PumpUp(layout.UpDesc[0], first)
	buf := make([]byte, 64)
	n, err := s.RTTRead(0, buf)
	require.NoError(t, err)
	require.Equal(t, 48, n)

	tgt.PumpUp(layout.UpDesc[0], first) // wraps around the ring end
	n, err = s.RTTRead(0, buf)
	require.NoError(t, err)
	require.Equal(t, 48, n)
	assert.Equal(t, first, buf[:n])
}

func TestRTTWritePartialIsSuccess(t *testing.T) {
	s, tgt, layout := rttSession(t)
	// Down ring holds size-1 = 31 bytes.
	payload := make([]byte, 40)
	for i := range payload {
		payload[i] = byte(0x40 + i)
	}
	n, err := s.RTTWrite(0, payload)
	require.NoError(t, err)
	assert.Equal(t, 31, n)

	got := tgt.TakeDown(layout.DownDesc[0])
	assert.Equal(t, payload[:31], got)

	// Space freed; the rest fits now.
	n, err = s.RTTWrite(0, payload[31:])
	require.NoError(t, err)
	assert.Equal(t, 9, n)
	assert.Equal(t, payload[31:], tgt.TakeDown(layout.DownDesc[0]))
}

func TestRTTChannelIndexBounds(t *testing.T) {
	s, _, _ := rttSession(t)
	_, err := s.RTTRead(3, make([]byte, 4))
	assert.ErrorIs(t, err, ErrInvalidParameter)
	_, err = s.RTTWrite(1, []byte{1})
	assert.ErrorIs(t, err, ErrInvalidParameter)
	_, err = s.RTTChannelInfo(-1, RTTUp)
	assert.ErrorIs(t, err, ErrInvalidParameter)
}

func TestRTTStopErasesID(t *testing.T) {
	s, tgt, layout := rttSession(t)
	require.NoError(t, s.RTTStop())
	id := tgt.Peek(layout.ControlBlock, 10)
	assert.NotEqual(t, []byte("SEGGER RTT"), id)

	// Stopped state refuses channel operations again.
	_, err := s.RTTRead(0, make([]byte, 4))
	assert.ErrorIs(t, err, ErrInvalidOperation)
}

func TestRTTStateClearedOnDeviceDisconnect(t *testing.T) {
	s, _, _ := rttSession(t)
	require.NoError(t, s.DisconnectFromDevice())
	require.NoError(t, s.ConnectToDevice())
	_, err := s.RTTIsControlBlockFound()
	assert.ErrorIs(t, err, ErrInvalidOperation)
}
