package probe

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wnxd/probedbg/image"
	"github.com/wnxd/probedbg/internal/nrf"
)

func mustImage(t *testing.T, records ...image.Record) *image.Image {
	t.Helper()
	img, err := image.New("test", records...)
	require.NoError(t, err)
	return img
}

func TestErasePage(t *testing.T) {
	s, tgt := connectedSession(t)
	tgt.Poke(0x2000, []byte{1, 2, 3, 4})

	require.NoError(t, s.ErasePage(0x2004))
	assert.Equal(t, []byte{0xFF, 0xFF, 0xFF, 0xFF}, tgt.Peek(0x2000, 4))
}

// Erasing an already blank page leaves it blank.
func TestEraseIsIdempotent(t *testing.T) {
	s, tgt := connectedSession(t)
	require.NoError(t, s.ErasePage(0x3000))
	require.NoError(t, s.ErasePage(0x3000))
	assert.Equal(t, bytes.Repeat([]byte{0xFF}, 16), tgt.Peek(0x3000, 16))
}

func TestErasePageOutsideFlash(t *testing.T) {
	s, _ := connectedSession(t)
	err := s.ErasePage(nrf.RAMBase)
	var ume *UnknownMemoryError
	assert.ErrorAs(t, err, &ume)
}

func TestEraseUICR(t *testing.T) {
	s, tgt := connectedSession(t)
	require.NoError(t, s.WriteMemory(nrf.UicrBase+0x80, []byte{0xAA, 0xBB, 0xCC, 0xDD}, true))
	require.NoError(t, s.EraseUICR())
	assert.Equal(t, []byte{0xFF, 0xFF, 0xFF, 0xFF}, tgt.Peek(nrf.UicrBase+0x80, 4))
}

func TestEraseAllClearsFlashAndUICR(t *testing.T) {
	s, tgt := connectedSession(t)
	require.NoError(t, s.WriteMemory(0x5000, []byte{1, 2, 3, 4}, true))
	require.NoError(t, s.WriteMemory(nrf.UicrBase, []byte{5, 6, 7, 8}, true))
	require.NoError(t, s.EraseAll())
	assert.Equal(t, []byte{0xFF, 0xFF, 0xFF, 0xFF}, tgt.Peek(0x5000, 4))
	assert.Equal(t, []byte{0xFF, 0xFF, 0xFF, 0xFF}, tgt.Peek(nrf.UicrBase, 4))
}

func TestProgramAndReadBack(t *testing.T) {
	s, tgt := connectedSession(t)
	payload := bytes.Repeat([]byte{0x5A, 0xA5}, 512)
	img := mustImage(t, image.Record{Addr: 0x1000, Data: payload})

	require.NoError(t, s.Program(img, ProgramOptions{
		EraseAction: ErasePages,
		Verify:      VerifyRead,
	}))
	assert.Equal(t, payload, tgt.Peek(0x1000, len(payload)))
}

func TestProgramRejectsUnknownMemory(t *testing.T) {
	s, _ := connectedSession(t)
	img := mustImage(t, image.Record{Addr: 0x7000_0000, Data: []byte{1}})
	err := s.Program(img, ProgramOptions{})
	var ume *UnknownMemoryError
	require.ErrorAs(t, err, &ume)
	assert.Equal(t, uint32(0x7000_0000), ume.Addr)
}

func TestProgramRAMRecords(t *testing.T) {
	s, tgt := connectedSession(t)
	img := mustImage(t, image.Record{Addr: nrf.RAMBase + 0x200, Data: []byte{9, 8, 7}})
	require.NoError(t, s.Program(img, ProgramOptions{}))
	assert.Equal(t, []byte{9, 8, 7}, tgt.Peek(nrf.RAMBase+0x200, 3))
}

func TestProgramAutoDisablesBlockProtection(t *testing.T) {
	s, tgt := connectedSession(t)
	tgt.SetBlockProtection(0, 0x3) // first two blocks

	img := mustImage(t, image.Record{Addr: 0x0, Data: []byte{1, 2, 3, 4}})
	require.NoError(t, s.Program(img, ProgramOptions{EraseAction: ErasePages}))
	assert.Equal(t, []byte{1, 2, 3, 4}, tgt.Peek(0, 4))
}

func TestProgramWithResetEndsHalted(t *testing.T) {
	s, tgt := connectedSession(t)
	img := mustImage(t, image.Record{Addr: 0x0, Data: []byte{1, 2, 3, 4}})
	require.NoError(t, s.Program(img, ProgramOptions{
		EraseAction: ErasePages,
		Reset:       ResetSystem,
	}))
	assert.True(t, tgt.Halted())
}

func TestProgramProgressCallback(t *testing.T) {
	s, _ := connectedSession(t)
	img := mustImage(t,
		image.Record{Addr: 0x1000, Data: bytes.Repeat([]byte{1}, 64)},
		image.Record{Addr: nrf.RAMBase, Data: bytes.Repeat([]byte{2}, 32)},
	)
	var phases []Phase
	var lastBytes int
	require.NoError(t, s.Program(img, ProgramOptions{
		EraseAction: ErasePages,
		Verify:      VerifyRead,
		Progress: func(p Progress) {
			phases = append(phases, p.Phase)
			lastBytes = p.BytesWritten
		},
	}))
	assert.Equal(t, PhaseErase, phases[0])
	assert.Equal(t, PhaseComplete, phases[len(phases)-1])
	assert.Contains(t, phases, PhaseProgram)
	assert.Contains(t, phases, PhaseVerify)
	assert.Equal(t, 96, lastBytes)
}

func TestVerifyReadDetectsFlippedByte(t *testing.T) {
	s, tgt := connectedSession(t)
	payload := bytes.Repeat([]byte{0xAB}, 128)
	img := mustImage(t, image.Record{Addr: 0x2000, Data: payload})
	require.NoError(t, s.Program(img, ProgramOptions{EraseAction: ErasePages}))
	require.NoError(t, s.Verify(img, VerifyRead))

	tgt.Poke(0x2040, []byte{0x00})
	err := s.Verify(img, VerifyRead)
	var ve *VerifyError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, uint32(0x2040), ve.Addr)
	assert.Equal(t, byte(0xAB), ve.Expected)
	assert.Equal(t, byte(0x00), ve.Actual)
}

func TestVerifyHash(t *testing.T) {
	s, tgt := connectedSession(t)
	payload := bytes.Repeat([]byte{0xC3, 0x3C}, 256)
	img := mustImage(t, image.Record{Addr: 0x4000, Data: payload})
	require.NoError(t, s.Program(img, ProgramOptions{EraseAction: ErasePages}))
	require.NoError(t, s.Verify(img, VerifyHash))

	tgt.Poke(0x4010, []byte{0xFF})
	err := s.Verify(img, VerifyHash)
	var ve *VerifyError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, uint32(0x4000), ve.Addr)
}

func TestEraseImageOnlyCoveredPages(t *testing.T) {
	s, tgt := connectedSession(t)
	tgt.Poke(0x1000, []byte{1, 2, 3, 4}) // page to be erased
	tgt.Poke(0x9000, []byte{5, 6, 7, 8}) // untouched page

	img := mustImage(t, image.Record{Addr: 0x1100, Data: make([]byte, 16)})
	require.NoError(t, s.EraseImage(img, ErasePages, EraseNone))
	assert.Equal(t, []byte{0xFF, 0xFF, 0xFF, 0xFF}, tgt.Peek(0x1000, 4))
	assert.Equal(t, []byte{5, 6, 7, 8}, tgt.Peek(0x9000, 4))
}

func TestReadToImage(t *testing.T) {
	s, _ := connectedSession(t)
	payload := bytes.Repeat([]byte{0x11, 0x22}, 64)
	img := mustImage(t, image.Record{Addr: 0x1000, Data: payload})
	require.NoError(t, s.Program(img, ProgramOptions{EraseAction: ErasePages}))

	capture, err := s.ReadToImage(ReadOptions{Code: true})
	require.NoError(t, err)
	records := capture.Records()
	require.NotEmpty(t, records)
	found := false
	for _, r := range records {
		if r.Addr <= 0x1000 && r.End() >= 0x1000+uint32(len(payload)) {
			off := 0x1000 - r.Addr
			assert.Equal(t, payload, r.Data[off:off+uint32(len(payload))])
			found = true
		}
	}
	assert.True(t, found, "capture covers the programmed range")
}

func TestProgramArchive(t *testing.T) {
	s, tgt := connectedSession(t)
	a := mustImage(t, image.Record{Addr: 0x1000, Data: []byte{1, 1, 1, 1}})
	b := mustImage(t, image.Record{Addr: 0x2000, Data: []byte{2, 2, 2, 2}})
	ar := &image.Archive{Images: []*image.Image{a, b}}

	require.NoError(t, s.ProgramArchive(ar, ProgramOptions{EraseAction: ErasePages, Verify: VerifyRead}))
	assert.Equal(t, []byte{1, 1, 1, 1}, tgt.Peek(0x1000, 4))
	assert.Equal(t, []byte{2, 2, 2, 2}, tgt.Peek(0x2000, 4))
}
