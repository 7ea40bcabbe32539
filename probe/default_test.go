package probe

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wnxd/probedbg/image"
	"github.com/wnxd/probedbg/internal/sim"
)

// The default session is package state, so its whole lifecycle is
// exercised in order within one test.
func TestDefaultSessionLifecycle(t *testing.T) {
	// Nothing registered yet.
	assert.ErrorIs(t, OpenDefault(), ErrInvalidOperation)
	assert.ErrorIs(t, SetDefaultDriver(nil, FamilyNRF52), ErrInvalidParameter)

	drv := sim.New()
	require.NoError(t, SetDefaultDriver(drv, FamilyNRF52))

	// First use opens lazily.
	require.NoError(t, Connect())
	payload := bytes.Repeat([]byte{0x42}, 64)
	img, err := image.New("fw", image.Record{Addr: 0x1000, Data: payload})
	require.NoError(t, err)
	require.NoError(t, Program(img, ProgramOptions{EraseAction: ErasePages, Verify: VerifyRead}))
	assert.Equal(t, payload, drv.Probe(sim.DefaultSerial).Target.Peek(0x1000, len(payload)))

	require.NoError(t, Verify(img, VerifyRead))
	capture, err := ReadToImage(ReadOptions{Code: true})
	require.NoError(t, err)
	assert.NotEmpty(t, capture.Records())

	// The registered driver cannot change under an open session.
	assert.ErrorIs(t, SetDefaultDriver(sim.New(), FamilyNRF52), ErrInvalidOperation)
	// Opening twice is refused.
	assert.ErrorIs(t, OpenDefault(), ErrInvalidOperation)

	require.NoError(t, MassErase())
	assert.Equal(t, bytes.Repeat([]byte{0xFF}, 4), drv.Probe(sim.DefaultSerial).Target.Peek(0x1000, 4))

	require.NoError(t, CloseDefault())
	// Idempotent.
	require.NoError(t, CloseDefault())

	// A fresh driver can be registered and opened eagerly now.
	require.NoError(t, SetDefaultDriver(sim.New(), FamilyNRF52))
	require.NoError(t, OpenDefault())
	assert.ErrorIs(t, OpenDefault(), ErrInvalidOperation)
	require.NoError(t, CloseDefault())
}
