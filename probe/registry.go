package probe

import (
	"errors"
	"fmt"
	"time"

	"github.com/wnxd/probedbg/transport"
)

// probeRegistry enumerates attached probes and tracks which one, if
// any, the session is bound to. Enumeration is stateless and permitted
// any time the session is open.
type probeRegistry struct {
	h     transport.Handle
	bound *transport.ProbeInfo
}

// reenumerationWait bounds the wait for a probe to come back after a
// firmware reset or replacement.
const reenumerationWait = 10 * time.Second

// EnumProbes lists all attached probes by serial number. No side
// effects on the session state.
func (s *Session) EnumProbes() ([]uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireOpen(); err != nil {
		return nil, err
	}
	return s.h.EnumProbes()
}

// EnumComPorts lists the virtual serial ports hosted by the probe with
// the given serial number.
func (s *Session) EnumComPorts(serial uint32) ([]transport.ComPortInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireOpen(); err != nil {
		return nil, err
	}
	return s.h.EnumComPorts(serial)
}

// ConnectToProbe binds the session to the probe with the given serial
// number and sets the SWD clock, clamped to the probe's maximum.
// Returns ErrEmulatorNotConnected when no such probe is attached.
func (s *Session) ConnectToProbe(serial uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectProbe(serial)
}

// ConnectToAnyProbe binds the session to the first attached probe. With
// more than one probe present the selection is a side effect the caller
// accepts.
func (s *Session) ConnectToAnyProbe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireOpen(); err != nil {
		return err
	}
	serials, err := s.h.EnumProbes()
	if err != nil {
		return err
	}
	if len(serials) == 0 {
		return ErrEmulatorNotConnected
	}
	if len(serials) > 1 {
		s.log.Debug("multiple probes attached, selecting first", "count", len(serials), "serial", serials[0])
	}
	return s.connectProbe(serials[0])
}

func (s *Session) connectProbe(serial uint32) error {
	if err := s.requireOpen(); err != nil {
		return err
	}
	if s.reg.bound != nil {
		return fmt.Errorf("%w: probe already connected", ErrInvalidOperation)
	}
	serials, err := s.h.EnumProbes()
	if err != nil {
		return err
	}
	found := false
	for _, sn := range serials {
		if sn == serial {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: serial %d", ErrEmulatorNotConnected, serial)
	}
	info, err := s.h.ConnectProbe(serial, s.clockKHz)
	if err != nil {
		if errors.Is(err, transport.ErrProbeNotFound) {
			return fmt.Errorf("%w: serial %d", ErrEmulatorNotConnected, serial)
		}
		return err
	}
	s.reg.bound = &info
	s.log.Debug("probe connected", "serial", info.SerialNumber, "clock_khz", info.ClockKHz, "firmware", info.Firmware)
	return nil
}

// DisconnectFromProbe tears down any device binding first and then the
// probe binding. Idempotent: succeeds even if nothing was connected.
func (s *Session) DisconnectFromProbe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireOpen(); err != nil {
		return err
	}
	return s.disconnectProbe()
}

func (s *Session) disconnectProbe() error {
	s.disconnectDevice()
	if s.reg.bound == nil {
		return nil
	}
	err := s.h.DisconnectProbe()
	s.reg.bound = nil
	s.log.Debug("probe disconnected")
	return err
}

// ConnectedProbe returns the bound probe, if any.
func (s *Session) ConnectedProbe() (transport.ProbeInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reg.bound == nil {
		return transport.ProbeInfo{}, false
	}
	return *s.reg.bound, true
}

// ProbeFirmwareString returns the firmware identification of the bound
// probe.
func (s *Session) ProbeFirmwareString() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireProbe(); err != nil {
		return "", err
	}
	return s.reg.bound.Firmware, nil
}

// TargetVoltage reads the supply voltage the probe measures on the
// target, in millivolts.
func (s *Session) TargetVoltage() (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireProbe(); err != nil {
		return 0, err
	}
	return s.h.TargetVoltage()
}

// ResetProbe restarts the probe firmware and waits, bounded, for the
// probe to re-enumerate. Device and probe bindings survive.
func (s *Session) ResetProbe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireProbe(); err != nil {
		return err
	}
	return s.h.ResetProbe(reenumerationWait)
}

// ReplaceProbeFirmware programs the driver's embedded firmware into the
// probe, then behaves like ResetProbe.
func (s *Session) ReplaceProbeFirmware() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireProbe(); err != nil {
		return err
	}
	return s.h.ReplaceFirmware(reenumerationWait)
}
