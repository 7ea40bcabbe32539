package probe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wnxd/probedbg/internal/sim"
	"github.com/wnxd/probedbg/transport"
)

func newTestSession(t *testing.T, opts ...sim.Option) (*Session, *sim.Driver) {
	t.Helper()
	drv := sim.New(opts...)
	s, err := Open(drv, FamilyNRF52)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, drv
}

// connectedSession returns a session already bound to the default probe
// and its target.
func connectedSession(t *testing.T) (*Session, *sim.Target) {
	t.Helper()
	s, drv := newTestSession(t)
	require.NoError(t, s.ConnectToAnyProbe())
	require.NoError(t, s.ConnectToDevice())
	return s, drv.Probe(sim.DefaultSerial).Target
}

func TestOpenRejectsNilDriver(t *testing.T) {
	_, err := Open(nil, FamilyNRF52)
	require.ErrorIs(t, err, ErrInvalidParameter)
}

func TestOpenUnknownFamilyIsDeferred(t *testing.T) {
	s, err := Open(sim.New(), FamilyUnknown)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, FamilyUnknown, s.Family())
}

func TestOpenPropagatesDriverFailure(t *testing.T) {
	drv := sim.New(sim.WithOpenError(transport.ErrDriverNotFound))
	_, err := Open(drv, FamilyNRF52)
	require.ErrorIs(t, err, transport.ErrDriverNotFound)
}

func TestCloseTwice(t *testing.T) {
	s, err := Open(sim.New(), FamilyNRF52)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Close(), ErrInvalidSession)
	assert.False(t, s.IsOpen())
}

func TestClosedSessionRejectsEverything(t *testing.T) {
	s, err := Open(sim.New(), FamilyNRF52)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, enumErr := s.EnumProbes()
	assert.ErrorIs(t, enumErr, ErrInvalidSession)
	assert.ErrorIs(t, s.ConnectToDevice(), ErrInvalidSession)
	_, readErr := s.ReadU32(0)
	assert.ErrorIs(t, readErr, ErrInvalidSession)
}

// Operations have strict ordering requirements: no probe means no
// device operations, no device means no memory operations.
func TestOutOfOrderOperations(t *testing.T) {
	s, _ := newTestSession(t)

	assert.ErrorIs(t, s.ConnectToDevice(), ErrInvalidOperation)
	assert.ErrorIs(t, s.Halt(), ErrInvalidOperation)
	_, err := s.ReadU32(0x20000000)
	assert.ErrorIs(t, err, ErrInvalidOperation)
	assert.ErrorIs(t, s.RTTStart(), ErrInvalidOperation)

	require.NoError(t, s.ConnectToAnyProbe())

	// Probe bound, still no device.
	assert.ErrorIs(t, s.Halt(), ErrInvalidOperation)
	_, err = s.DeviceInfo()
	assert.ErrorIs(t, err, ErrInvalidOperation)

	require.NoError(t, s.ConnectToDevice())
	require.NoError(t, s.Halt())
}

func TestConnectToDeviceTwice(t *testing.T) {
	s, _ := connectedSession(t)
	assert.ErrorIs(t, s.ConnectToDevice(), ErrInvalidOperation)
}

func TestDisconnectDeviceIsIdempotent(t *testing.T) {
	s, _ := connectedSession(t)
	require.NoError(t, s.DisconnectFromDevice())
	require.NoError(t, s.DisconnectFromDevice())
	assert.False(t, s.IsConnectedToDevice())
}

func TestSessionIDsAreDistinct(t *testing.T) {
	a, err := Open(sim.New(), FamilyNRF52)
	require.NoError(t, err)
	defer a.Close()
	b, err := Open(sim.New(), FamilyNRF52)
	require.NoError(t, err)
	defer b.Close()
	assert.NotEqual(t, a.ID(), b.ID())
}

func TestSelectFamilyUnsupported(t *testing.T) {
	s, _ := newTestSession(t)
	assert.ErrorIs(t, s.SelectFamily(Family(99)), ErrInvalidParameter)
}

func TestSelectCoprocessorOnSingleCorePart(t *testing.T) {
	s, _ := newTestSession(t)
	assert.ErrorIs(t, s.SelectCoprocessor(CPNetwork), ErrInvalidDeviceForOperation)
	require.NoError(t, s.SelectCoprocessor(CPApplication))
	assert.Equal(t, CPApplication, s.Coprocessor())
}

func TestFamilyInferredOnConnect(t *testing.T) {
	drv := sim.New()
	s, err := Open(drv, FamilyUnknown)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.ConnectToAnyProbe())
	require.NoError(t, s.ConnectToDevice())
	assert.Equal(t, FamilyNRF52, s.Family())
}

func TestWrongFamilyForDevice(t *testing.T) {
	s, drv := newTestSession(t)
	drv.Probe(sim.DefaultSerial).Target.SetPart(0x51822, 0x41414130)
	require.NoError(t, s.ConnectToAnyProbe())
	assert.ErrorIs(t, s.ConnectToDevice(), ErrWrongFamilyForDevice)
	assert.False(t, s.IsConnectedToDevice())
}

func TestUnknownFamilyDetectedButUnsupported(t *testing.T) {
	drv := sim.New()
	drv.Probe(sim.DefaultSerial).Target.SetPart(0x9160, 0x41414130)
	s, err := Open(drv, FamilyUnknown)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.ConnectToAnyProbe())
	assert.ErrorIs(t, s.ConnectToDevice(), ErrFamilyUnsupported)
}

func TestSelectFamilyWithoutOps(t *testing.T) {
	s, _ := newTestSession(t)
	assert.ErrorIs(t, s.SelectFamily(FamilyNRF91), ErrInvalidParameter)
}
