package probe

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wnxd/probedbg/image"
	"github.com/wnxd/probedbg/internal/nrf"
	"github.com/wnxd/probedbg/internal/sim"
)

func qspiSession(t *testing.T) (*Session, *sim.Target) {
	t.Helper()
	s, tgt := connectedSession(t)
	require.NoError(t, s.QSPIInit(false, DefaultQSPIInitParams()))
	return s, tgt
}

func TestQSPIStateMachine(t *testing.T) {
	s, _ := connectedSession(t)

	// UNCONFIGURED refuses everything but Configure.
	assert.ErrorIs(t, s.QSPIStart(), ErrInvalidOperation)
	_, err := s.QSPIGetSize()
	assert.ErrorIs(t, err, ErrInvalidOperation)
	_, err = s.QSPIRead(0, 4)
	assert.ErrorIs(t, err, ErrInvalidOperation)

	require.NoError(t, s.QSPIConfigure(DefaultQSPIInitParams()))
	// CONFIGURED still refuses transfers.
	_, err = s.QSPIRead(0, 4)
	assert.ErrorIs(t, err, ErrInvalidOperation)

	require.NoError(t, s.QSPIStart())
	_, err = s.QSPIRead(0, 4)
	require.NoError(t, err)

	// INITIALIZED refuses re-configuration.
	assert.ErrorIs(t, s.QSPIConfigure(DefaultQSPIInitParams()), ErrInvalidOperation)
	assert.ErrorIs(t, s.QSPIInit(false, DefaultQSPIInitParams()), ErrInvalidOperation)

	require.NoError(t, s.QSPIUninit())
	_, err = s.QSPIRead(0, 4)
	assert.ErrorIs(t, err, ErrInvalidOperation)
	// Parameters survive; Start goes back to INITIALIZED.
	require.NoError(t, s.QSPIStart())
}

func TestQSPIWriteReadRoundTrip(t *testing.T) {
	s, _ := qspiSession(t)
	payload := bytes.Repeat([]byte{0xCA, 0xFE}, 32)
	require.NoError(t, s.QSPIWrite(0x1000, payload))
	got, err := s.QSPIRead(0x1000, len(payload))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

// Reads are rounded to the word-aligned bus transfer and sliced back to
// exactly the requested range.
func TestQSPIUnalignedReadSlicing(t *testing.T) {
	s, _ := qspiSession(t)
	payload := []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}
	require.NoError(t, s.QSPIWrite(0x2000, payload))

	got, err := s.QSPIRead(0x2003, 5)
	require.NoError(t, err)
	assert.Equal(t, payload[3:8], got)

	got, err = s.QSPIRead(0x2001, 1)
	require.NoError(t, err)
	assert.Equal(t, payload[1:2], got)
}

// Unaligned writes pad with 0xFF, which programming cannot alter, so
// neighbors survive.
func TestQSPIUnalignedWritePadding(t *testing.T) {
	s, tgt := qspiSession(t)
	require.NoError(t, s.QSPIWrite(0x3000, bytes.Repeat([]byte{0x11}, 8)))
	require.NoError(t, s.QSPIWrite(0x3003, []byte{0x22, 0x22}))

	ext := tgt.ExtPeek(0x3000, 8)
	assert.Equal(t, []byte{0x11, 0x11, 0x11, 0x00, 0x00, 0x11, 0x11, 0x11}, ext)
}

func TestQSPIEraseAlignment(t *testing.T) {
	s, _ := qspiSession(t)
	assert.ErrorIs(t, s.QSPIErase(0x100, QSPIErase4KB), ErrInvalidParameter)
	assert.ErrorIs(t, s.QSPIErase(0x1000, QSPIErase32KB), ErrInvalidParameter)
	assert.ErrorIs(t, s.QSPIErase(0x1000, QSPIEraseAllChip), ErrInvalidParameter)
	require.NoError(t, s.QSPIErase(0x1000, QSPIErase4KB))
	require.NoError(t, s.QSPIErase(0x0, QSPIErase32KB))
}

func TestQSPIEraseRestoresBlank(t *testing.T) {
	s, tgt := qspiSession(t)
	require.NoError(t, s.QSPIWrite(0x4000, []byte{1, 2, 3, 4}))
	require.NoError(t, s.QSPIErase(0x4000, QSPIErase4KB))
	assert.Equal(t, []byte{0xFF, 0xFF, 0xFF, 0xFF}, tgt.ExtPeek(0x4000, 4))
}

func TestQSPISizeReflectedInDescriptors(t *testing.T) {
	s, _ := qspiSession(t)
	size, err := s.QSPIGetSize()
	require.NoError(t, err)
	assert.Equal(t, uint32(8*1024*1024), size)

	descs, err := s.MemoryDescriptors()
	require.NoError(t, err)
	var xip *MemoryDescriptor
	for i := range descs {
		if descs[i].Type == MemoryXIP {
			xip = &descs[i]
		}
	}
	require.NotNil(t, xip)
	assert.Equal(t, uint32(nrf.XipBase), xip.Start)
	assert.Equal(t, size, xip.Size)

	require.NoError(t, s.QSPISetSize(4*1024*1024))
	descs, err = s.MemoryDescriptors()
	require.NoError(t, err)
	for _, d := range descs {
		if d.Type == MemoryXIP {
			assert.Equal(t, uint32(4*1024*1024), d.Size)
		}
	}
}

func TestQSPI24BitAddressBound(t *testing.T) {
	s, _ := qspiSession(t)
	_, err := s.QSPIRead(1<<24-2, 8)
	assert.ErrorIs(t, err, ErrInvalidParameter)
	assert.ErrorIs(t, s.QSPIWrite(1<<24, []byte{1}), ErrInvalidParameter)
}

func TestQSPICustomInstruction(t *testing.T) {
	s, _ := qspiSession(t)
	resp, err := s.QSPICustom(0x9F, make([]byte, 3))
	require.NoError(t, err)
	require.Len(t, resp, 3)
	assert.Equal(t, []byte{0xEF, 0x40, 0x18}, resp)

	// Longer instructions stream through multiple frames; the response
	// stays positional across the pieces.
	resp, err = s.QSPICustom(0x9F, make([]byte, 12))
	require.NoError(t, err)
	require.Len(t, resp, 12)
	assert.Equal(t, []byte{0xEF, 0x40, 0x18}, resp[:3])
	assert.Equal(t, make([]byte, 9), resp[3:])
}

// Engineering samples lack long-frame support; instructions beyond the
// short fixed frame must be refused rather than truncated.
func TestQSPICustomLongFrameUnsupported(t *testing.T) {
	s, drv := newTestSession(t)
	drv.Probe(sim.DefaultSerial).Target.SetPart(0x52840, 0x41414130) // "AAA0", eng A
	require.NoError(t, s.ConnectToAnyProbe())
	require.NoError(t, s.ConnectToDevice())
	require.NoError(t, s.QSPIInit(false, DefaultQSPIInitParams()))

	_, err := s.QSPICustom(0x01, make([]byte, 9))
	assert.ErrorIs(t, err, ErrInvalidDeviceForOperation)
}

func TestQSPIConfigureFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "qspi.yaml")
	require.NoError(t, os.WriteFile(path, []byte("size: 2097152\nfrequency: 3\n"), 0o644))

	s, _ := connectedSession(t)
	require.NoError(t, s.QSPIConfigureFile(path))
	size, err := s.QSPIGetSize()
	require.NoError(t, err)
	assert.Equal(t, uint32(2*1024*1024), size)

	require.NoError(t, s.QSPIStart())
}

func TestQSPIConfigureFileMissing(t *testing.T) {
	s, _ := connectedSession(t)
	assert.ErrorIs(t, s.QSPIConfigureFile("/does/not/exist.yaml"), ErrInvalidParameter)
}

func TestProgramExternalImage(t *testing.T) {
	s, tgt := qspiSession(t)
	payload := bytes.Repeat([]byte{0x77}, 256)
	img := mustImage(t, image.Record{Addr: nrf.XipBase + 0x1000, Data: payload})

	require.NoError(t, s.Program(img, ProgramOptions{
		QSPIEraseAction: ErasePages,
		Verify:          VerifyRead,
	}))
	assert.Equal(t, payload, tgt.ExtPeek(0x1000, len(payload)))
}

func TestProgramExternalWithoutInitFails(t *testing.T) {
	s, _ := connectedSession(t)
	require.NoError(t, s.QSPIConfigure(DefaultQSPIInitParams()))
	img := mustImage(t, image.Record{Addr: nrf.XipBase, Data: []byte{1, 2, 3, 4}})
	assert.ErrorIs(t, s.Program(img, ProgramOptions{}), ErrInvalidOperation)
}

func TestHashVerifyCannotReachExternal(t *testing.T) {
	s, _ := qspiSession(t)
	img := mustImage(t, image.Record{Addr: nrf.XipBase, Data: []byte{1, 2, 3, 4}})
	require.NoError(t, s.Program(img, ProgramOptions{QSPIEraseAction: ErasePages}))
	assert.ErrorIs(t, s.Verify(img, VerifyHash), ErrInvalidDeviceForOperation)
}

func TestQSPIUninitRestoresRetainedRAM(t *testing.T) {
	s, tgt := connectedSession(t)
	marker := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	tgt.Poke(nrf.QspiOpBufferAddr, marker)

	require.NoError(t, s.QSPIInit(true, DefaultQSPIInitParams()))
	// Transfers trample the staging buffer.
	_, err := s.QSPIRead(0, 64)
	require.NoError(t, err)
	assert.NotEqual(t, marker, tgt.Peek(nrf.QspiOpBufferAddr, 4))

	require.NoError(t, s.QSPIUninit())
	assert.Equal(t, marker, tgt.Peek(nrf.QspiOpBufferAddr, 4))
}
