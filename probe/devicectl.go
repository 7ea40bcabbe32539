package probe

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/wnxd/probedbg/internal/nrf"
	"github.com/wnxd/probedbg/transport"
)

// pinResetPulse is the minimum low time of the physical reset line.
const pinResetPulse = 20 * time.Millisecond

// ConnectToDevice performs the hardware handshake that brings the
// target into debug interface mode and identifies it. Requires a probe
// binding, no existing device binding and protection level NONE. With
// the session family unknown, the detected family is bound; this is the
// one supported SelectFamily transition.
func (s *Session) ConnectToDevice() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireProbe(); err != nil {
		return err
	}
	if s.dev != nil {
		return fmt.Errorf("%w: device already connected", ErrInvalidOperation)
	}
	if err := s.requireUnprotected(); err != nil {
		if errors.Is(err, transport.ErrNoTarget) {
			return fmt.Errorf("%w: %v", ErrCannotConnect, err)
		}
		return err
	}
	return s.connectDevice()
}

func (s *Session) connectDevice() error {
	if err := s.h.EnterDebugMode(); err != nil {
		if errors.Is(err, transport.ErrNoTarget) {
			return fmt.Errorf("%w: %v", ErrCannotConnect, err)
		}
		return err
	}
	part, err := s.rawReadU32(nrf.FicrInfoPart)
	if err != nil {
		s.h.ExitDebugMode()
		return fmt.Errorf("%w: %v", ErrCannotConnect, err)
	}
	detected := familyFromPart(part)
	if s.family == FamilyUnknown {
		ops, err := opsForFamily(detected)
		if err != nil {
			s.h.ExitDebugMode()
			return fmt.Errorf("%w: detected %v", ErrFamilyUnsupported, detected)
		}
		s.family = detected
		s.ops = ops
		s.log.Debug("family inferred from target", "family", detected)
	} else if detected != s.family {
		s.h.ExitDebugMode()
		return fmt.Errorf("%w: session %v, target %v", ErrWrongFamilyForDevice, s.family, detected)
	}
	info, err := s.ops.ReadDeviceInfo(s.h)
	if err != nil {
		s.h.ExitDebugMode()
		return fmt.Errorf("%w: %v", ErrCannotConnect, err)
	}
	s.dev = &deviceBinding{info: info}
	s.memDescs = nil
	s.log.Debug("device connected", "device", info.String(), "revision", info.Revision)
	return nil
}

// DisconnectFromDevice reverses the debug handshake. Idempotent.
func (s *Session) DisconnectFromDevice() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireOpen(); err != nil {
		return err
	}
	return s.disconnectDevice()
}

func (s *Session) disconnectDevice() error {
	if s.dev == nil {
		return nil
	}
	s.rtt.reset()
	if s.qspi.state == qspiInitialized {
		// The peripheral does not survive losing the debug session.
		s.qspi.state = qspiConfigured
		s.qspi.snapshot = nil
	}
	err := s.h.ExitDebugMode()
	s.dev = nil
	s.memDescs = nil
	s.log.Debug("device disconnected")
	return err
}

// IsConnectedToDevice reports whether a device binding exists.
func (s *Session) IsConnectedToDevice() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dev != nil
}

// DeviceInfo returns the identity of the connected device.
func (s *Session) DeviceInfo() (DeviceInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireDevice(); err != nil {
		return DeviceInfo{}, err
	}
	return s.dev.info, nil
}

// DeviceVersion returns the decomposed part version of the connected
// device. Revisions newer than the known set report RevisionFuture.
func (s *Session) DeviceVersion() (DeviceName, DeviceMemory, DeviceRevision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireDevice(); err != nil {
		return 0, MemoryUnknown, RevisionUnknown, err
	}
	return s.dev.info.Name, s.dev.info.Memory, s.dev.info.Revision, nil
}

// ReadDeviceFamily identifies the family of the attached target. Usable
// as soon as a probe is bound, before any device binding exists.
func (s *Session) ReadDeviceFamily() (Family, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireProbe(); err != nil {
		return FamilyUnknown, err
	}
	if s.dev == nil {
		// No debug session is up yet; raise one just for the FICR read.
		if err := s.h.EnterDebugMode(); err != nil {
			if errors.Is(err, transport.ErrNoTarget) {
				return FamilyUnknown, fmt.Errorf("%w: %v", ErrCannotConnect, err)
			}
			return FamilyUnknown, err
		}
		defer s.h.ExitDebugMode()
	}
	part, err := s.rawReadU32(nrf.FicrInfoPart)
	if err != nil {
		return FamilyUnknown, err
	}
	return familyFromPart(part), nil
}

// ReadbackStatus reports the live protection level of the target.
func (s *Session) ReadbackStatus() (ProtectionLevel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireProbe(); err != nil {
		return ProtectionNone, err
	}
	return s.readbackStatus()
}

func (s *Session) readbackStatus() (ProtectionLevel, error) {
	idr, err := s.h.ReadAPRegister(nrf.CtrlAP, nrf.CtrlAPIDR)
	if err != nil {
		return ProtectionNone, err
	}
	if idr == 0 {
		// Engineering samples without the protection access port cannot
		// be protected at all.
		return ProtectionNone, nil
	}
	status, err := s.h.ReadAPRegister(nrf.CtrlAP, nrf.CtrlAPApprotectStatus)
	if err != nil {
		return ProtectionNone, err
	}
	if status == nrf.ApprotectEnabled {
		return ProtectionAll, nil
	}
	return ProtectionNone, nil
}

// ReadbackProtect enables readback protection at the given level. The
// transition is one-directional and always resets the device; the only
// way back is Recover, which erases all user flash and RAM.
func (s *Session) ReadbackProtect(level ProtectionLevel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireDevice(); err != nil {
		return err
	}
	if level == ProtectionNone {
		return fmt.Errorf("%w: protection cannot be lowered, use Recover", ErrInvalidParameter)
	}
	if level != ProtectionAll {
		// Region-0 protection only exists on parts with a region split.
		return fmt.Errorf("%w: %v does not support protection level %v", ErrInvalidDeviceForOperation, s.dev.info.Name, level)
	}
	if !s.dev.info.HasCtrlAP {
		return fmt.Errorf("%w: part has no protection access port", ErrInvalidDeviceForOperation)
	}
	// Protection is latched from the UICR APPROTECT word at reset.
	var word [4]byte
	binary.LittleEndian.PutUint32(word[:], 0xFFFFFF00)
	if err := s.flashWrite(nrf.UicrApprotect, word[:]); err != nil {
		return err
	}
	if err := s.pulseCtrlAPReset(); err != nil {
		return err
	}
	s.dropDeviceBinding()
	s.log.Debug("readback protection enabled", "level", level)
	return nil
}

// Recover forcibly regains control of a protected device: it erases all
// flash and RAM through the protection access port, clears the
// protection latch and the reset-reason register, and leaves the device
// connected, halted, with all RAM powered. This is the only path out of
// protection ALL. On an already-unprotected device it is a safe, if
// destructive, no-op protection-wise.
//
// A failure leaves the protection state undefined; callers must retry
// or reopen the session.
func (s *Session) Recover() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireProbe(); err != nil {
		return err
	}
	if err := s.recover(); err != nil {
		if errors.Is(err, ErrRecoverFailed) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrRecoverFailed, err)
	}
	return nil
}

func (s *Session) recover() error {
	idr, err := s.h.ReadAPRegister(nrf.CtrlAP, nrf.CtrlAPIDR)
	if err != nil {
		return err
	}
	if idr == 0 {
		return fmt.Errorf("%w: part has no protection access port", ErrInvalidDeviceForOperation)
	}
	if err := s.h.WriteAPRegister(nrf.CtrlAP, nrf.CtrlAPEraseAll, 1); err != nil {
		return err
	}
	if err := s.waitEraseAll(); err != nil {
		return err
	}
	if err := s.pulseCtrlAPReset(); err != nil {
		return err
	}
	s.dropDeviceBinding()
	if err := s.connectDevice(); err != nil {
		return err
	}
	if err := s.h.Halt(); err != nil {
		return err
	}
	if err := s.powerRAMAll(); err != nil {
		return err
	}
	// RESETREAS bits are write-one-to-clear.
	if err := s.rawWriteU32(nrf.PowerResetReas, 0xFFFFFFFF); err != nil {
		return err
	}
	s.log.Debug("device recovered")
	return nil
}

func (s *Session) waitEraseAll() error {
	for i := 0; i < 100; i++ {
		status, err := s.h.ReadAPRegister(nrf.CtrlAP, nrf.CtrlAPEraseAllStatus)
		if err != nil {
			return err
		}
		if status == 0 {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return fmt.Errorf("%w: erase-all never completed", ErrRecoverFailed)
}

func (s *Session) pulseCtrlAPReset() error {
	if err := s.h.WriteAPRegister(nrf.CtrlAP, nrf.CtrlAPReset, 1); err != nil {
		return err
	}
	return s.h.WriteAPRegister(nrf.CtrlAP, nrf.CtrlAPReset, 0)
}

// dropDeviceBinding discards device state without touching the target,
// for paths where the target just reset underneath us.
func (s *Session) dropDeviceBinding() {
	s.dev = nil
	s.memDescs = nil
	s.rtt.reset()
	if s.qspi.state == qspiInitialized {
		s.qspi.state = qspiConfigured
		s.qspi.snapshot = nil
	}
}

// DebugReset resets the device through the protection access port. The
// device ends up running; the device binding survives.
func (s *Session) DebugReset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireDevice(); err != nil {
		return err
	}
	if err := s.pulseCtrlAPReset(); err != nil {
		return err
	}
	s.log.Debug("debug reset")
	return nil
}

// SysReset resets the device through AIRCR with a reset catch armed, so
// the device ends up halted at the reset vector. Requires an
// unprotected access port.
func (s *Session) SysReset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireDevice(); err != nil {
		return err
	}
	if err := s.requireUnprotected(); err != nil {
		return err
	}
	return s.sysReset()
}

func (s *Session) sysReset() error {
	if err := s.rawWriteU32(nrf.DemcrAddr, nrf.DemcrCoreReset); err != nil {
		return err
	}
	if err := s.rawWriteU32(nrf.SCBAircr, nrf.AircrVectkey|nrf.AircrSysreset); err != nil {
		return err
	}
	s.log.Debug("system reset")
	return nil
}

// PinReset pulses the physical reset line for at least 20 ms. The
// device binding is destroyed and the device ends up running. If the
// pulse fails the probe may be stuck in a JTAG-like mode; the only safe
// continuation is Close and a fresh Open.
func (s *Session) PinReset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireProbe(); err != nil {
		return err
	}
	s.dropDeviceBinding()
	if err := s.h.PulseResetLine(pinResetPulse); err != nil {
		return fmt.Errorf("pin reset failed, close and reopen the session: %w", err)
	}
	s.log.Debug("pin reset")
	return nil
}

// Raw debug-port and access-port register access, independent of any
// device binding. Intended for bring-up before the target identity is
// known.

func (s *Session) ReadDebugPortRegister(reg uint8) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireProbe(); err != nil {
		return 0, err
	}
	return s.h.ReadDPRegister(reg)
}

func (s *Session) WriteDebugPortRegister(reg uint8, value uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireProbe(); err != nil {
		return err
	}
	return s.h.WriteDPRegister(reg, value)
}

func (s *Session) ReadAccessPortRegister(ap, reg uint8) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireProbe(); err != nil {
		return 0, err
	}
	return s.h.ReadAPRegister(ap, reg)
}

func (s *Session) WriteAccessPortRegister(ap, reg uint8, value uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireProbe(); err != nil {
		return err
	}
	return s.h.WriteAPRegister(ap, reg, value)
}

// Region0Source reports where a region-0 split, on parts that have one,
// was configured from.
type Region0Source int

const (
	Region0None Region0Source = iota
	Region0Factory
	Region0User
)

// ReadRegion0SizeAndSource queries the region-0 protection split.
// Families without a region-0 concept report a zero size and
// Region0None.
func (s *Session) ReadRegion0SizeAndSource() (uint32, Region0Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireDevice(); err != nil {
		return 0, Region0None, err
	}
	return 0, Region0None, nil
}

// EnableCoprocessor releases a coprocessor from its power gate on
// multi-core parts.
func (s *Session) EnableCoprocessor(cp Coprocessor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireDevice(); err != nil {
		return err
	}
	return fmt.Errorf("%w: %v has no coprocessor gate", ErrInvalidDeviceForOperation, s.family)
}

// DisableCoprocessor holds a coprocessor in its power gate on
// multi-core parts.
func (s *Session) DisableCoprocessor(cp Coprocessor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireDevice(); err != nil {
		return err
	}
	return fmt.Errorf("%w: %v has no coprocessor gate", ErrInvalidDeviceForOperation, s.family)
}

// IsEraseProtectEnabled queries the erase-protection latch of parts
// that have one.
func (s *Session) IsEraseProtectEnabled() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireDevice(); err != nil {
		return false, err
	}
	return false, fmt.Errorf("%w: %v has no erase protection", ErrInvalidDeviceForOperation, s.family)
}

// EnableEraseProtect sets the erase-protection latch of parts that have
// one.
func (s *Session) EnableEraseProtect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireDevice(); err != nil {
		return err
	}
	return fmt.Errorf("%w: %v has no erase protection", ErrInvalidDeviceForOperation, s.family)
}
