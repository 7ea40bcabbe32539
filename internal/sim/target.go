// Package sim provides an in-memory probe driver that behaves like a
// probe with an nRF52840 behind it: flash with AND-program semantics
// gated by the flash controller, independently powered RAM sections,
// block protection, readback protection through the control access
// port, and a QSPI peripheral in front of simulated external flash.
// The top-level packages are tested against it.
package sim

import (
	"encoding/binary"
	"hash/fnv"

	"github.com/wnxd/probedbg/internal/nrf"
	"github.com/wnxd/probedbg/transport"
)

const (
	flashSize    = 1024 * 1024
	pageSize     = 4096
	uicrSize     = 4096
	ficrSize     = 4096
	ramSize      = 256 * 1024
	ramSections  = 8
	sectionSize  = ramSize / ramSections
	extFlashSize = 8 * 1024 * 1024

	numRegisters = 19
)

// jedecID answers the read-identification custom instruction.
const jedecID = 0x001840EF

// Target models one simulated part. All state is reachable for tests
// through the helper methods in helpers.go.
type Target struct {
	flash [flashSize]byte
	uicr  [uicrSize]byte
	ficr  [ficrSize]byte
	ram   [ramSize]byte

	ramPower [ramSections]bool
	regs     [numRegisters]uint32
	halted   bool

	// protected latches from the UICR approtect word at reset.
	protected bool
	inReset   bool

	demcr      uint32
	nvmcConfig uint32
	bprot      [4]uint32
	resetReas  uint32

	qspi     qspiPeriph
	extFlash []byte

	millivolts uint32
}

type qspiPeriph struct {
	enable      uint32
	ifconfig0   uint32
	ifconfig1   uint32
	readSrc     uint32
	readDst     uint32
	readCnt     uint32
	writeDst    uint32
	writeSrc    uint32
	writeCnt    uint32
	erasePtr    uint32
	eraseLen    uint32
	cinstrdat0  uint32
	cinstrdat1  uint32
	eventsReady uint32
	active      bool

	// Long-frame custom instruction in flight.
	lfActive bool
	lfOpcode byte
	lfPos    int
}

func newTarget() *Target {
	t := &Target{millivolts: 3300}
	fill(t.flash[:], 0xFF)
	fill(t.uicr[:], 0xFF)
	fill(t.ficr[:], 0xFF)
	for i := range t.ramPower {
		t.ramPower[i] = true
	}
	put32 := func(off uint32, v uint32) {
		binary.LittleEndian.PutUint32(t.ficr[off:], v)
	}
	put32(nrf.FicrCodePageSize-nrf.FicrBase, pageSize)
	put32(nrf.FicrCodeSize-nrf.FicrBase, flashSize/pageSize)
	put32(nrf.FicrInfoPart-nrf.FicrBase, 0x52840)
	put32(nrf.FicrInfoVariant-nrf.FicrBase, 0x41414330) // "AAC0"
	put32(nrf.FicrInfoRAM-nrf.FicrBase, ramSize/1024)
	put32(nrf.FicrInfoFlash-nrf.FicrBase, flashSize/1024)
	return t
}

func fill(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}

// reset re-latches protection from UICR and returns peripherals to
// their power-on state. RAM contents survive.
func (t *Target) reset(debugCatch bool) {
	t.protected = t.approtectRequested()
	t.nvmcConfig = nrf.NvmcConfigRen
	t.demcr = 0
	t.qspi = qspiPeriph{}
	for i := range t.regs {
		t.regs[i] = 0
	}
	t.halted = debugCatch
	t.resetReas |= 1 << 2 // soft reset
}

func (t *Target) approtectRequested() bool {
	word := binary.LittleEndian.Uint32(t.uicr[nrf.UicrApprotect-nrf.UicrBase:])
	return word&0xFF != 0xFF
}

// eraseAll is the control access port mass erase: flash, UICR and RAM
// are cleared and protection drops at the next reset.
func (t *Target) eraseAll() {
	fill(t.flash[:], 0xFF)
	fill(t.uicr[:], 0xFF)
	fill(t.ram[:], 0xFF)
}

// readMem and writeMem are the AHB view used by the memory access port.
// They enforce RAM power and flash write gating but not protection;
// protection is a connection property checked by the handle.

func (t *Target) readMem(addr uint32, buf []byte) error {
	for len(buf) > 0 {
		n, err := t.readRegion(addr, buf)
		if err != nil {
			return err
		}
		addr += uint32(n)
		buf = buf[n:]
	}
	return nil
}

func (t *Target) writeMem(addr uint32, data []byte) error {
	for len(data) > 0 {
		n, err := t.writeRegion(addr, data)
		if err != nil {
			return err
		}
		addr += uint32(n)
		data = data[n:]
	}
	return nil
}

func (t *Target) readRegion(addr uint32, buf []byte) (int, error) {
	switch {
	case addr < flashSize:
		return copySpan(buf, t.flash[:], addr, 0), nil
	case addr >= nrf.FicrBase && addr < nrf.FicrBase+ficrSize:
		return copySpan(buf, t.ficr[:], addr, nrf.FicrBase), nil
	case addr >= nrf.UicrBase && addr < nrf.UicrBase+uicrSize:
		return copySpan(buf, t.uicr[:], addr, nrf.UicrBase), nil
	case addr >= nrf.RAMBase && addr < nrf.RAMBase+ramSize:
		off := addr - nrf.RAMBase
		if !t.ramPower[off/sectionSize] {
			return 0, transport.ErrTimeout
		}
		// Stay inside one section so the power check covers each byte.
		n := min(len(buf), int(sectionEnd(off)-off))
		copy(buf[:n], t.ram[off:])
		return n, nil
	default:
		v, err := t.readWordReg(addr &^ 3)
		if err != nil {
			return 0, err
		}
		var word [4]byte
		binary.LittleEndian.PutUint32(word[:], v)
		return copy(buf, word[addr&3:]), nil
	}
}

func (t *Target) writeRegion(addr uint32, data []byte) (int, error) {
	switch {
	case addr < flashSize:
		if t.nvmcConfig != nrf.NvmcConfigWen {
			return 0, transport.ErrCommunication
		}
		if t.blockProtected(addr) {
			return 0, transport.ErrCommunication
		}
		n := andSpan(t.flash[:], data, addr, 0)
		return n, nil
	case addr >= nrf.UicrBase && addr < nrf.UicrBase+uicrSize:
		if t.nvmcConfig != nrf.NvmcConfigWen {
			return 0, transport.ErrCommunication
		}
		return andSpan(t.uicr[:], data, addr, nrf.UicrBase), nil
	case addr >= nrf.FicrBase && addr < nrf.FicrBase+ficrSize:
		return 0, transport.ErrCommunication
	case addr >= nrf.RAMBase && addr < nrf.RAMBase+ramSize:
		off := addr - nrf.RAMBase
		if !t.ramPower[off/sectionSize] {
			return 0, transport.ErrTimeout
		}
		n := min(len(data), int(sectionEnd(off)-off))
		copy(t.ram[off:], data[:n])
		return n, nil
	default:
		if len(data) < 4 || addr&3 != 0 {
			return 0, transport.ErrCommunication
		}
		if err := t.writeWordReg(addr, binary.LittleEndian.Uint32(data)); err != nil {
			return 0, err
		}
		return 4, nil
	}
}

func copySpan(dst, src []byte, addr, base uint32) int {
	return copy(dst, src[addr-base:])
}

// sectionEnd is the first RAM offset past the section containing off.
func sectionEnd(off uint32) uint32 {
	return (off/sectionSize + 1) * sectionSize
}

// andSpan programs bytes: flash bits only clear, never set.
func andSpan(dst, src []byte, addr, base uint32) int {
	off := addr - base
	n := min(len(src), len(dst)-int(off))
	for i := 0; i < n; i++ {
		dst[off+uint32(i)] &= src[i]
	}
	return n
}

func (t *Target) blockProtected(addr uint32) bool {
	block := addr / nrf.BprotBlockSize
	if block >= 128 {
		return false
	}
	return t.bprot[block/32]&(1<<(block%32)) != 0
}

func (t *Target) readWordReg(addr uint32) (uint32, error) {
	switch addr {
	case nrf.PowerResetReas:
		return t.resetReas, nil
	case nrf.BprotConfig0, nrf.BprotConfig1, nrf.BprotConfig2, nrf.BprotConfig3:
		return t.bprot[(addr-nrf.BprotConfig0)/4], nil
	case nrf.NvmcReady:
		return 1, nil
	case nrf.NvmcConfig:
		return t.nvmcConfig, nil
	case nrf.DemcrAddr:
		return t.demcr, nil
	case nrf.SCBAircr, nrf.DHCSRAddr:
		return 0, nil
	case nrf.QspiEventsReady:
		return t.qspi.eventsReady, nil
	case nrf.QspiEnable:
		return t.qspi.enable, nil
	case nrf.QspiIfconfig0:
		return t.qspi.ifconfig0, nil
	case nrf.QspiIfconfig1:
		return t.qspi.ifconfig1, nil
	case nrf.QspiCinstrdat0:
		return t.qspi.cinstrdat0, nil
	case nrf.QspiCinstrdat1:
		return t.qspi.cinstrdat1, nil
	}
	if addr >= nrf.PowerRAMBase && addr < nrf.PowerRAM(ramSections) {
		section := (addr - nrf.PowerRAMBase) / nrf.PowerRAMStride
		if t.ramPower[section] {
			return nrf.RAMPowerOn, nil
		}
		return 0, nil
	}
	return 0, transport.ErrCommunication
}

func (t *Target) writeWordReg(addr, v uint32) error {
	switch addr {
	case nrf.PowerResetReas:
		t.resetReas &^= v // write one to clear
		return nil
	case nrf.BprotConfig0, nrf.BprotConfig1, nrf.BprotConfig2, nrf.BprotConfig3:
		t.bprot[(addr-nrf.BprotConfig0)/4] = v
		return nil
	case nrf.NvmcConfig:
		t.nvmcConfig = v
		return nil
	case nrf.NvmcErasePage:
		return t.erasePage(v)
	case nrf.NvmcEraseAll:
		if v == 1 && t.nvmcConfig == nrf.NvmcConfigEen {
			fill(t.flash[:], 0xFF)
			fill(t.uicr[:], 0xFF)
		}
		return nil
	case nrf.NvmcEraseUicr:
		if v == 1 && t.nvmcConfig == nrf.NvmcConfigEen {
			fill(t.uicr[:], 0xFF)
		}
		return nil
	case nrf.DemcrAddr:
		t.demcr = v
		return nil
	case nrf.SCBAircr:
		if v&0xFFFF0000 == nrf.AircrVectkey && v&nrf.AircrSysreset != 0 {
			t.reset(t.demcr&nrf.DemcrCoreReset != 0)
		}
		return nil
	}
	if addr >= nrf.PowerRAMBase && addr < nrf.PowerRAM(ramSections) {
		section := (addr - nrf.PowerRAMBase) / nrf.PowerRAMStride
		t.ramPower[section] = v&nrf.RAMPowerOn != 0
		return nil
	}
	if addr >= nrf.QspiBase && addr < nrf.QspiBase+0x1000 {
		return t.writeQspiReg(addr, v)
	}
	return transport.ErrCommunication
}

func (t *Target) erasePage(addr uint32) error {
	if t.nvmcConfig != nrf.NvmcConfigEen {
		return nil
	}
	switch {
	case addr < flashSize:
		page := addr &^ (pageSize - 1)
		if t.blockProtected(page) {
			return transport.ErrCommunication
		}
		fill(t.flash[page:page+pageSize], 0xFF)
	case addr >= nrf.UicrBase && addr < nrf.UicrBase+uicrSize:
		fill(t.uicr[:], 0xFF)
	}
	return nil
}

func (t *Target) writeQspiReg(addr, v uint32) error {
	q := &t.qspi
	switch addr {
	case nrf.QspiEnable:
		q.enable = v
	case nrf.QspiIfconfig0:
		q.ifconfig0 = v
	case nrf.QspiIfconfig1:
		q.ifconfig1 = v
	case nrf.QspiAddrconf:
	case nrf.QspiReadSrc:
		q.readSrc = v
	case nrf.QspiReadDst:
		q.readDst = v
	case nrf.QspiReadCnt:
		q.readCnt = v
	case nrf.QspiWriteDst:
		q.writeDst = v
	case nrf.QspiWriteSrc:
		q.writeSrc = v
	case nrf.QspiWriteCnt:
		q.writeCnt = v
	case nrf.QspiErasePtr:
		q.erasePtr = v
	case nrf.QspiEraseLen:
		q.eraseLen = v
	case nrf.QspiEventsReady:
		q.eventsReady = v
	case nrf.QspiCinstrdat0:
		q.cinstrdat0 = v
	case nrf.QspiCinstrdat1:
		q.cinstrdat1 = v
	case nrf.QspiActivate:
		if v == 1 && q.enable == 1 {
			q.active = true
			q.eventsReady = 1
		}
	case nrf.QspiDeactivate:
		if v == 1 {
			q.active = false
			q.eventsReady = 1
		}
	case nrf.QspiReadStart:
		if v == 1 {
			return t.qspiDMARead()
		}
	case nrf.QspiWriteStart:
		if v == 1 {
			return t.qspiDMAWrite()
		}
	case nrf.QspiEraseStart:
		if v == 1 {
			return t.qspiDoErase()
		}
	case nrf.QspiCinstrconf:
		return t.qspiCustom(v)
	default:
		return transport.ErrCommunication
	}
	return nil
}

func (t *Target) ext() []byte {
	if t.extFlash == nil {
		t.extFlash = make([]byte, extFlashSize)
		fill(t.extFlash, 0xFF)
	}
	return t.extFlash
}

func (t *Target) qspiDMARead() error {
	q := &t.qspi
	if !q.active {
		return transport.ErrCommunication
	}
	ext := t.ext()
	if q.readSrc+q.readCnt > uint32(len(ext)) {
		return transport.ErrCommunication
	}
	if err := t.writeMem(q.readDst, ext[q.readSrc:q.readSrc+q.readCnt]); err != nil {
		return err
	}
	q.eventsReady = 1
	return nil
}

func (t *Target) qspiDMAWrite() error {
	q := &t.qspi
	if !q.active {
		return transport.ErrCommunication
	}
	ext := t.ext()
	buf := make([]byte, q.writeCnt)
	if err := t.readMem(q.writeSrc, buf); err != nil {
		return err
	}
	if q.writeDst+q.writeCnt > uint32(len(ext)) {
		return transport.ErrCommunication
	}
	for i, b := range buf {
		ext[q.writeDst+uint32(i)] &= b
	}
	q.eventsReady = 1
	return nil
}

func (t *Target) qspiDoErase() error {
	q := &t.qspi
	if !q.active {
		return transport.ErrCommunication
	}
	ext := t.ext()
	var unit uint32
	switch q.eraseLen {
	case nrf.QspiEraseLen4KB:
		unit = 4 * 1024
	case nrf.QspiEraseLen32KB:
		unit = 32 * 1024
	case nrf.QspiEraseLen64KB:
		unit = 64 * 1024
	case nrf.QspiEraseLenAll:
		fill(ext, 0xFF)
		q.eventsReady = 1
		return nil
	default:
		return transport.ErrCommunication
	}
	start := q.erasePtr &^ (unit - 1)
	if start+unit > uint32(len(ext)) {
		return transport.ErrCommunication
	}
	fill(ext[start:start+unit], 0xFF)
	q.eventsReady = 1
	return nil
}

func (t *Target) qspiCustom(conf uint32) error {
	q := &t.qspi
	if !q.active {
		return transport.ErrCommunication
	}
	opcode := byte(conf >> nrf.QspiCinstrconfOpcodeShift)
	length := int(conf>>nrf.QspiCinstrconfLengthShift) & 0xF
	if conf&nrf.QspiCinstrconfLFENBit != 0 {
		// Long frame: the opcode byte is clocked with the first piece
		// only; subsequent pieces continue at the running data offset.
		n := length
		if !q.lfActive {
			q.lfActive = true
			q.lfOpcode = opcode
			q.lfPos = 0
			n = length - 1
		}
		t.qspiCustomResponse(q.lfOpcode, q.lfPos, n)
		q.lfPos += n
		if conf&nrf.QspiCinstrconfLFSTOPBit != 0 {
			q.lfActive = false
		}
		q.eventsReady = 1
		return nil
	}
	q.lfActive = false
	t.qspiCustomResponse(opcode, 0, length-1)
	q.eventsReady = 1
	return nil
}

// qspiCustomResponse places the response bytes for data positions
// [pos, pos+n) of a custom instruction into CINSTRDAT. Only the JEDEC
// identification opcode answers with real data.
func (t *Target) qspiCustomResponse(opcode byte, pos, n int) {
	q := &t.qspi
	q.cinstrdat0 = 0
	q.cinstrdat1 = 0
	for i := 0; i < n; i++ {
		var b byte
		if opcode == 0x9F {
			if idx := pos + i; idx < 4 {
				b = byte(uint32(jedecID) >> (8 * idx))
			}
		}
		if i < 4 {
			q.cinstrdat0 |= uint32(b) << (8 * i)
		} else {
			q.cinstrdat1 |= uint32(b) << (8 * (i - 4))
		}
	}
	q.eventsReady = 1
}

// resume leaves the halted state, special-casing the verify helper:
// when the program counter sits at the helper entry and the mailbox
// carries a valid request, the digest is produced and the core halts
// again at the helper's breakpoint.
func (t *Target) resume() {
	if t.regs[nrf.RegPC] == nrf.VerifyHelperEntry {
		mb := nrf.VerifyMailboxAddr - nrf.RAMBase
		magic := binary.LittleEndian.Uint32(t.ram[mb:])
		if magic == nrf.VerifyMagic {
			addr := binary.LittleEndian.Uint32(t.ram[mb+4:])
			length := binary.LittleEndian.Uint32(t.ram[mb+8:])
			buf := make([]byte, length)
			digest := uint32(0)
			if err := t.readMem(addr, buf); err == nil {
				h := fnv.New32a()
				h.Write(buf)
				digest = h.Sum32()
			}
			binary.LittleEndian.PutUint32(t.ram[mb+12:], digest)
			binary.LittleEndian.PutUint32(t.ram[mb:], 0)
			t.halted = true
			return
		}
	}
	t.halted = false
}
