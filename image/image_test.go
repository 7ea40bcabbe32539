package image

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddKeepsRecordsSorted(t *testing.T) {
	img := &Image{}
	require.NoError(t, img.Add(0x3000, []byte{3}))
	require.NoError(t, img.Add(0x1000, []byte{1}))
	require.NoError(t, img.Add(0x2000, []byte{2}))

	records := img.Records()
	require.Len(t, records, 3)
	assert.Equal(t, uint32(0x1000), records[0].Addr)
	assert.Equal(t, uint32(0x2000), records[1].Addr)
	assert.Equal(t, uint32(0x3000), records[2].Addr)
}

func TestAddCoalescesAdjacent(t *testing.T) {
	img := &Image{}
	require.NoError(t, img.Add(0x1000, []byte{1, 2}))
	require.NoError(t, img.Add(0x1002, []byte{3, 4}))

	records := img.Records()
	require.Len(t, records, 1)
	assert.Equal(t, []byte{1, 2, 3, 4}, records[0].Data)
	assert.Equal(t, 4, img.Len())
}

// A record bridging the gap between two neighbors collapses all three.
func TestAddCoalescesBothSides(t *testing.T) {
	img := &Image{}
	require.NoError(t, img.Add(0x1000, []byte{1, 1}))
	require.NoError(t, img.Add(0x1004, []byte{3, 3}))
	require.NoError(t, img.Add(0x1002, []byte{2, 2}))

	records := img.Records()
	require.Len(t, records, 1)
	assert.Equal(t, []byte{1, 1, 2, 2, 3, 3}, records[0].Data)
}

func TestAddRejectsOverlap(t *testing.T) {
	img := &Image{}
	require.NoError(t, img.Add(0x1000, []byte{1, 2, 3, 4}))
	assert.ErrorIs(t, img.Add(0x1002, []byte{9}), ErrOverlap)
	assert.ErrorIs(t, img.Add(0x0FFE, []byte{9, 9, 9}), ErrOverlap)
	// The failed adds left nothing behind.
	assert.Equal(t, 4, img.Len())
}

func TestAddIgnoresEmpty(t *testing.T) {
	img := &Image{}
	require.NoError(t, img.Add(0x1000, nil))
	assert.Empty(t, img.Records())
}

func TestAddCopiesData(t *testing.T) {
	img := &Image{}
	data := []byte{1, 2, 3}
	require.NoError(t, img.Add(0x1000, data))
	data[0] = 9
	assert.Equal(t, []byte{1, 2, 3}, img.Records()[0].Data)
}

func TestNewRejectsOverlap(t *testing.T) {
	_, err := New("x",
		Record{Addr: 0x0, Data: []byte{1, 2}},
		Record{Addr: 0x1, Data: []byte{3}},
	)
	assert.ErrorIs(t, err, ErrOverlap)
}

func TestSplitByAddress(t *testing.T) {
	img, err := New("fw",
		Record{Addr: 0x1000, Data: []byte{1}},
		Record{Addr: 0x9000, Data: []byte{2}},
	)
	require.NoError(t, err)

	lo, hi := img.Split(func(r Record) bool { return r.Addr < 0x8000 })
	require.Len(t, lo.Records(), 1)
	require.Len(t, hi.Records(), 1)
	assert.Equal(t, uint32(0x1000), lo.Records()[0].Addr)
	assert.Equal(t, uint32(0x9000), hi.Records()[0].Addr)
	assert.Equal(t, "fw", lo.Name)
}

func TestRecordEndAndString(t *testing.T) {
	r := Record{Addr: 0x100, Data: make([]byte, 0x20)}
	assert.Equal(t, uint32(0x120), r.End())
	assert.Equal(t, "[00000100..00000120)", r.String())
}
