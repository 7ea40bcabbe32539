package probe

import (
	"encoding/binary"
	"fmt"

	"github.com/wnxd/probedbg/internal/nrf"
)

// Run control. All of it requires an established device binding; the
// protection gate applies to every operation that touches memory or the
// core.

// Halt stops the CPU.
func (s *Session) Halt() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireDevice(); err != nil {
		return err
	}
	if err := s.requireUnprotected(); err != nil {
		return err
	}
	return s.h.Halt()
}

// Run starts the CPU with explicit program counter and stack pointer.
func (s *Session) Run(pc, sp uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireDevice(); err != nil {
		return err
	}
	if err := s.requireUnprotected(); err != nil {
		return err
	}
	return s.run(pc, sp)
}

func (s *Session) run(pc, sp uint32) error {
	if err := s.h.Halt(); err != nil {
		return err
	}
	if err := s.h.WriteRegister(nrf.RegPC, pc); err != nil {
		return err
	}
	if err := s.h.WriteRegister(nrf.RegSP, sp); err != nil {
		return err
	}
	return s.h.Go()
}

// Go resumes the CPU at its current program counter and stack pointer.
func (s *Session) Go() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireDevice(); err != nil {
		return err
	}
	if err := s.requireUnprotected(); err != nil {
		return err
	}
	return s.h.Go()
}

// Step executes one instruction. The CPU must be halted.
func (s *Session) Step() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireHalted(); err != nil {
		return err
	}
	return s.h.Step()
}

// IsHalted reports the CPU run state.
func (s *Session) IsHalted() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireDevice(); err != nil {
		return false, err
	}
	return s.h.IsHalted()
}

// ReadCPURegister reads one core register.
func (s *Session) ReadCPURegister(reg CPURegister) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !reg.valid() {
		return 0, fmt.Errorf("%w: register %d", ErrInvalidParameter, int(reg))
	}
	if err := s.requireDevice(); err != nil {
		return 0, err
	}
	if err := s.requireUnprotected(); err != nil {
		return 0, err
	}
	return s.h.ReadRegister(uint8(reg))
}

// WriteCPURegister writes one core register.
func (s *Session) WriteCPURegister(reg CPURegister, value uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !reg.valid() {
		return fmt.Errorf("%w: register %d", ErrInvalidParameter, int(reg))
	}
	if err := s.requireDevice(); err != nil {
		return err
	}
	if err := s.requireUnprotected(); err != nil {
		return err
	}
	return s.h.WriteRegister(uint8(reg), value)
}

// ReadU32 reads one aligned 32-bit word. Misaligned addresses are
// rejected regardless of target state.
func (s *Session) ReadU32(addr uint32) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if addr%4 != 0 {
		return 0, fmt.Errorf("%w: address %08X not word aligned", ErrInvalidParameter, addr)
	}
	if err := s.requireDevice(); err != nil {
		return 0, err
	}
	if err := s.requireUnprotected(); err != nil {
		return 0, err
	}
	return s.rawReadU32(addr)
}

// WriteU32 writes one aligned 32-bit word. Sub-word writes do not
// exist; misaligned addresses are rejected, never widened.
func (s *Session) WriteU32(addr uint32, value uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if addr%4 != 0 {
		return fmt.Errorf("%w: address %08X not word aligned", ErrInvalidParameter, addr)
	}
	if err := s.requireDevice(); err != nil {
		return err
	}
	if err := s.requireUnprotected(); err != nil {
		return err
	}
	return s.rawWriteU32(addr, value)
}

func (s *Session) rawReadU32(addr uint32) (uint32, error) {
	var buf [4]byte
	if err := s.h.ReadMemory(addr, buf[:]); err != nil {
		return 0, &MemoryAccessError{Addr: addr, Cause: err}
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (s *Session) rawWriteU32(addr uint32, value uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	if err := s.h.WriteMemory(addr, buf[:]); err != nil {
		return &MemoryAccessError{Addr: addr, Cause: err}
	}
	return nil
}

// ReadMemory reads length bytes from addr. Unaligned addresses and
// arbitrary lengths are fine. Reads from unpowered RAM fail with a
// timeout-backed MemoryAccessError rather than succeeding silently.
func (s *Session) ReadMemory(addr uint32, length int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if length <= 0 {
		return nil, fmt.Errorf("%w: length %d", ErrInvalidParameter, length)
	}
	if err := s.requireDevice(); err != nil {
		return nil, err
	}
	if err := s.requireUnprotected(); err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	if err := s.h.ReadMemory(addr, buf); err != nil {
		return nil, &MemoryAccessError{Addr: addr, Cause: err}
	}
	return buf, nil
}

// WriteMemory writes data at addr. Destinations in flash require
// flashControl so the controller runs the flash write sequence; a raw
// bus write into flash is rejected. Block-protected pages are never
// unprotected implicitly.
func (s *Session) WriteMemory(addr uint32, data []byte, flashControl bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(data) == 0 {
		return fmt.Errorf("%w: empty write", ErrInvalidParameter)
	}
	if err := s.requireDevice(); err != nil {
		return err
	}
	if err := s.requireUnprotected(); err != nil {
		return err
	}
	inFlash, err := s.rangeInFlash(addr, len(data))
	if err != nil {
		return err
	}
	if inFlash {
		if !flashControl {
			return fmt.Errorf("%w: %08X targets flash, flash control required", ErrInvalidParameter, addr)
		}
		if prot, err := s.blockProtected(addr, len(data)); err != nil {
			return err
		} else if prot {
			return fmt.Errorf("%w: [%08X..%08X)", ErrNotAvailableBecauseBlockProtection, addr, addr+uint32(len(data)))
		}
		return s.flashWrite(addr, data)
	}
	if err := s.h.WriteMemory(addr, data); err != nil {
		return &MemoryAccessError{Addr: addr, Cause: err}
	}
	return nil
}

// rangeInFlash reports whether [addr, addr+length) touches code flash
// or the UICR.
func (s *Session) rangeInFlash(addr uint32, length int) (bool, error) {
	descs, err := s.memoryDescriptors()
	if err != nil {
		return false, err
	}
	end := addr + uint32(length)
	for _, d := range descs {
		if d.Type != MemoryCode && d.Type != MemoryUICR {
			continue
		}
		if addr < d.End() && end > d.Start {
			return true, nil
		}
	}
	return false, nil
}

// flashWrite runs the NVMC write sequence: enable write, word-wise
// programming, back to read-only. addr and data need not be aligned;
// partial words are merged with existing content.
func (s *Session) flashWrite(addr uint32, data []byte) error {
	start := AlignDown(addr, 4)
	end := Align(addr+uint32(len(data)), 4)
	buf := make([]byte, end-start)
	if start != addr || end != addr+uint32(len(data)) {
		if err := s.h.ReadMemory(start, buf); err != nil {
			return &MemoryAccessError{Addr: start, Cause: err}
		}
	}
	copy(buf[addr-start:], data)
	if err := s.rawWriteU32(nrf.NvmcConfig, nrf.NvmcConfigWen); err != nil {
		return err
	}
	werr := s.h.WriteMemory(start, buf)
	if err := s.rawWriteU32(nrf.NvmcConfig, nrf.NvmcConfigRen); err != nil {
		return err
	}
	if werr != nil {
		return &MemoryAccessError{Addr: start, Cause: werr}
	}
	return s.waitNvmcReady()
}

func (s *Session) waitNvmcReady() error {
	for i := 0; i < 1000; i++ {
		ready, err := s.rawReadU32(nrf.NvmcReady)
		if err != nil {
			return err
		}
		if ready&1 == 1 {
			return nil
		}
	}
	return fmt.Errorf("%w: flash controller stuck busy", ErrInvalidOperation)
}

// RAMSections queries the RAM sections and their power state.
func (s *Session) RAMSections() ([]RAMSection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireDevice(); err != nil {
		return nil, err
	}
	if err := s.requireUnprotected(); err != nil {
		return nil, err
	}
	return s.ops.RAMSections(s.h, s.dev.info)
}

// PowerRAMSection powers one RAM section up.
func (s *Session) PowerRAMSection(index int) error {
	return s.setRAMPower(index, RAMOn)
}

// UnpowerRAMSection powers one RAM section down. Its contents are lost
// and any access to it fails until it is powered again.
func (s *Session) UnpowerRAMSection(index int) error {
	return s.setRAMPower(index, RAMOff)
}

func (s *Session) setRAMPower(index int, p RAMPower) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireDevice(); err != nil {
		return err
	}
	if err := s.requireUnprotected(); err != nil {
		return err
	}
	sections, err := s.ops.RAMSections(s.h, s.dev.info)
	if err != nil {
		return err
	}
	if index < 0 || index >= len(sections) {
		return fmt.Errorf("%w: ram section %d", ErrInvalidParameter, index)
	}
	value := uint32(0)
	if p == RAMOn {
		value = nrf.RAMPowerOn
	}
	return s.rawWriteU32(nrf.PowerRAM(index), value)
}

// PowerRAMAll powers every RAM section up.
func (s *Session) PowerRAMAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireDevice(); err != nil {
		return err
	}
	if err := s.requireUnprotected(); err != nil {
		return err
	}
	return s.powerRAMAll()
}

func (s *Session) powerRAMAll() error {
	sections, err := s.ops.RAMSections(s.h, s.dev.info)
	if err != nil {
		return err
	}
	for i := range sections {
		if err := s.rawWriteU32(nrf.PowerRAM(i), nrf.RAMPowerOn); err != nil {
			return err
		}
	}
	return nil
}

// IsBlockProtected reports whether any flash page overlapping
// [addr, addr+length) carries a write restriction. The restriction is
// never lifted implicitly; see DisableBlockProtection.
func (s *Session) IsBlockProtected(addr uint32, length int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if length <= 0 {
		return false, fmt.Errorf("%w: length %d", ErrInvalidParameter, length)
	}
	if err := s.requireDevice(); err != nil {
		return false, err
	}
	if err := s.requireUnprotected(); err != nil {
		return false, err
	}
	return s.blockProtected(addr, length)
}

func (s *Session) blockProtected(addr uint32, length int) (bool, error) {
	cfg, err := s.bprotConfig()
	if err != nil {
		return false, err
	}
	first := int(addr / nrf.BprotBlockSize)
	last := int((addr + uint32(length) - 1) / nrf.BprotBlockSize)
	for blk := first; blk <= last && blk < 128; blk++ {
		if cfg[blk/32]&(1<<(blk%32)) != 0 {
			return true, nil
		}
	}
	return false, nil
}

func (s *Session) bprotConfig() ([4]uint32, error) {
	var cfg [4]uint32
	for i, reg := range []uint32{nrf.BprotConfig0, nrf.BprotConfig1, nrf.BprotConfig2, nrf.BprotConfig3} {
		v, err := s.rawReadU32(reg)
		if err != nil {
			return cfg, err
		}
		cfg[i] = v
	}
	return cfg, nil
}

// DisableBlockProtection clears every flash write restriction. The
// change only takes effect through a full device reset, which this
// performs; the device ends up halted at the reset vector.
func (s *Session) DisableBlockProtection() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireDevice(); err != nil {
		return err
	}
	if err := s.requireUnprotected(); err != nil {
		return err
	}
	return s.disableBlockProtection()
}

func (s *Session) disableBlockProtection() error {
	for _, reg := range []uint32{nrf.BprotConfig0, nrf.BprotConfig1, nrf.BprotConfig2, nrf.BprotConfig3} {
		if err := s.rawWriteU32(reg, 0); err != nil {
			return err
		}
	}
	// The latch is sampled at reset; without one, firmware could still
	// consider the pages protected.
	return s.sysReset()
}

// MemoryDescriptors enumerates the memories of the connected device.
// The result is cached and invalidated whenever the device version or
// the selected coprocessor changes.
func (s *Session) MemoryDescriptors() ([]MemoryDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireDevice(); err != nil {
		return nil, err
	}
	return s.memoryDescriptors()
}

func (s *Session) memoryDescriptors() ([]MemoryDescriptor, error) {
	if s.memDescs != nil {
		return s.memDescs, nil
	}
	qspiSize := uint32(0)
	if s.qspi.state != qspiUnconfigured {
		qspiSize = s.qspi.params.Size
	} else if s.dev.info.QSPIPresent {
		qspiSize = s.dev.info.XIPSize
	}
	s.memDescs = s.ops.MemoryDescriptors(s.dev.info, qspiSize)
	return s.memDescs, nil
}

// PageSizes returns the ordered page repetitions of one memory.
func (s *Session) PageSizes(desc MemoryDescriptor) ([]PageRepetition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireDevice(); err != nil {
		return nil, err
	}
	return s.ops.PageSizes(s.dev.info, desc), nil
}
