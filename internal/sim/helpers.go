package sim

import (
	"encoding/binary"

	"github.com/wnxd/probedbg/internal/nrf"
)

// Test-facing accessors. They reach the simulated part directly,
// bypassing debug mode, protection and RAM power, so tests can arrange
// and inspect state the public API cannot.

// Peek copies length bytes of target state starting at addr.
func (t *Target) Peek(addr uint32, length int) []byte {
	buf := make([]byte, length)
	switch {
	case addr < flashSize:
		copy(buf, t.flash[addr:])
	case addr >= nrf.UicrBase && addr < nrf.UicrBase+uicrSize:
		copy(buf, t.uicr[addr-nrf.UicrBase:])
	case addr >= nrf.RAMBase && addr < nrf.RAMBase+ramSize:
		copy(buf, t.ram[addr-nrf.RAMBase:])
	}
	return buf
}

// Poke writes target state directly, ignoring flash programming rules.
func (t *Target) Poke(addr uint32, data []byte) {
	switch {
	case addr < flashSize:
		copy(t.flash[addr:], data)
	case addr >= nrf.UicrBase && addr < nrf.UicrBase+uicrSize:
		copy(t.uicr[addr-nrf.UicrBase:], data)
	case addr >= nrf.RAMBase && addr < nrf.RAMBase+ramSize:
		copy(t.ram[addr-nrf.RAMBase:], data)
	}
}

// ExtPeek copies external flash contents.
func (t *Target) ExtPeek(addr uint32, length int) []byte {
	buf := make([]byte, length)
	copy(buf, t.ext()[addr:])
	return buf
}

// SetPart overrides the factory part and variant words.
func (t *Target) SetPart(part, variant uint32) {
	binary.LittleEndian.PutUint32(t.ficr[nrf.FicrInfoPart-nrf.FicrBase:], part)
	binary.LittleEndian.PutUint32(t.ficr[nrf.FicrInfoVariant-nrf.FicrBase:], variant)
}

// SetVoltage sets the measured target supply.
func (t *Target) SetVoltage(millivolts uint32) {
	t.millivolts = millivolts
}

// SetRAMPower forces a RAM section's power state.
func (t *Target) SetRAMPower(section int, on bool) {
	t.ramPower[section] = on
}

// SetProtected forces the latched protection state, as if the part had
// been reset with the approtect word programmed.
func (t *Target) SetProtected(on bool) {
	t.protected = on
	if on {
		var word [4]byte
		binary.LittleEndian.PutUint32(word[:], 0xFFFFFF00)
		copy(t.uicr[nrf.UicrApprotect-nrf.UicrBase:], word[:])
	}
}

// Protected reports the latched protection state.
func (t *Target) Protected() bool {
	return t.protected
}

// Halted reports the core state.
func (t *Target) Halted() bool {
	return t.halted
}

// SetBlockProtection sets one block protection config word.
func (t *Target) SetBlockProtection(config int, mask uint32) {
	t.bprot[config] = mask
}

// rttDescSize is the byte size of one channel descriptor.
const rttDescSize = 24

// RTTLayout records where InstallRTTControlBlock placed things.
type RTTLayout struct {
	ControlBlock uint32
	UpDesc       []uint32
	DownDesc     []uint32
}

// InstallRTTControlBlock builds a control block with the given ring
// sizes at addr, with channel buffers laid out behind it, as target
// firmware would during boot.
func (t *Target) InstallRTTControlBlock(addr uint32, upSizes, downSizes []uint32) RTTLayout {
	layout := RTTLayout{ControlBlock: addr}
	pos := addr - nrf.RAMBase
	copy(t.ram[pos:], "SEGGER RTT")
	binary.LittleEndian.PutUint32(t.ram[pos+16:], uint32(len(upSizes)))
	binary.LittleEndian.PutUint32(t.ram[pos+20:], uint32(len(downSizes)))

	descPos := pos + 24
	bufPos := descPos + uint32(len(upSizes)+len(downSizes))*rttDescSize
	namePos := bufPos
	for _, size := range append(append([]uint32{}, upSizes...), downSizes...) {
		namePos += size
	}
	copy(t.ram[namePos:], "Terminal\x00")

	place := func(size uint32) uint32 {
		binary.LittleEndian.PutUint32(t.ram[descPos+0:], nrf.RAMBase+namePos)
		binary.LittleEndian.PutUint32(t.ram[descPos+4:], nrf.RAMBase+bufPos)
		binary.LittleEndian.PutUint32(t.ram[descPos+8:], size)
		binary.LittleEndian.PutUint32(t.ram[descPos+12:], 0) // WrOff
		binary.LittleEndian.PutUint32(t.ram[descPos+16:], 0) // RdOff
		binary.LittleEndian.PutUint32(t.ram[descPos+20:], 0) // Flags
		descAddr := nrf.RAMBase + descPos
		descPos += rttDescSize
		bufPos += size
		return descAddr
	}
	for _, size := range upSizes {
		layout.UpDesc = append(layout.UpDesc, place(size))
	}
	for _, size := range downSizes {
		layout.DownDesc = append(layout.DownDesc, place(size))
	}
	return layout
}

// PumpUp emulates target firmware producing data on an up channel,
// advancing the write offset with wrap.
func (t *Target) PumpUp(desc uint32, data []byte) {
	d := desc - nrf.RAMBase
	buf := binary.LittleEndian.Uint32(t.ram[d+4:]) - nrf.RAMBase
	size := binary.LittleEndian.Uint32(t.ram[d+8:])
	wr := binary.LittleEndian.Uint32(t.ram[d+12:])
	for _, b := range data {
		t.ram[buf+wr] = b
		wr = (wr + 1) % size
	}
	binary.LittleEndian.PutUint32(t.ram[d+12:], wr)
}

// TakeDown emulates target firmware draining a down channel, returning
// what it consumed.
func (t *Target) TakeDown(desc uint32) []byte {
	d := desc - nrf.RAMBase
	buf := binary.LittleEndian.Uint32(t.ram[d+4:]) - nrf.RAMBase
	size := binary.LittleEndian.Uint32(t.ram[d+8:])
	wr := binary.LittleEndian.Uint32(t.ram[d+12:])
	rd := binary.LittleEndian.Uint32(t.ram[d+16:])
	var out []byte
	for rd != wr {
		out = append(out, t.ram[buf+rd])
		rd = (rd + 1) % size
	}
	binary.LittleEndian.PutUint32(t.ram[d+16:], rd)
	return out
}
