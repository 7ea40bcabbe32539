package encoding

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sliceMemory backs the codec with a plain byte slice at a base address.
type sliceMemory struct {
	base uint32
	buf  []byte
}

func (m *sliceMemory) ReadMemory(addr uint32, buf []byte) error {
	copy(buf, m.buf[addr-m.base:])
	return nil
}

func (m *sliceMemory) WriteMemory(addr uint32, data []byte) error {
	copy(m.buf[addr-m.base:], data)
	return nil
}

type channelDesc struct {
	NamePtr uint32
	BufPtr  uint32
	Size    uint32
	WrOff   uint32
	RdOff   uint32
	Flags   uint32
}

type controlBlock struct {
	ID      [16]byte
	MaxUp   int32
	MaxDown int32
}

func TestSizeof(t *testing.T) {
	assert.Equal(t, 24, Sizeof(channelDesc{}))
	assert.Equal(t, 24, Sizeof(&controlBlock{}))
}

func TestReadDecodesLittleEndian(t *testing.T) {
	raw := make([]byte, 24)
	binary.LittleEndian.PutUint32(raw[0:], 0x20001000)
	binary.LittleEndian.PutUint32(raw[4:], 0x20002000)
	binary.LittleEndian.PutUint32(raw[8:], 1024)
	binary.LittleEndian.PutUint32(raw[12:], 5)
	binary.LittleEndian.PutUint32(raw[16:], 3)
	m := &sliceMemory{base: 0x20000000, buf: raw}

	var d channelDesc
	require.NoError(t, Read(m, 0x20000000, &d))
	assert.Equal(t, uint32(0x20001000), d.NamePtr)
	assert.Equal(t, uint32(0x20002000), d.BufPtr)
	assert.Equal(t, uint32(1024), d.Size)
	assert.Equal(t, uint32(5), d.WrOff)
	assert.Equal(t, uint32(3), d.RdOff)
}

func TestWriteReadRoundTrip(t *testing.T) {
	m := &sliceMemory{base: 0, buf: make([]byte, 64)}
	in := controlBlock{MaxUp: 3, MaxDown: -1}
	copy(in.ID[:], "SEGGER RTT")

	require.NoError(t, Write(m, 8, &in))
	var out controlBlock
	require.NoError(t, Read(m, 8, &out))
	assert.Equal(t, in, out)
}

func TestByteArrayPlacement(t *testing.T) {
	m := &sliceMemory{base: 0, buf: make([]byte, 32)}
	var in controlBlock
	copy(in.ID[:], "SEGGER RTT")
	in.MaxUp = 2

	require.NoError(t, Write(m, 0, &in))
	assert.Equal(t, []byte("SEGGER RTT"), m.buf[:10])
	assert.Equal(t, uint32(2), binary.LittleEndian.Uint32(m.buf[16:]))
}

func TestUnsupportedFieldPanics(t *testing.T) {
	type bad struct {
		S string
	}
	assert.Panics(t, func() { Sizeof(bad{}) })
}
