// Package probe implements the debug-probe session controller: the
// state machine that governs the lifecycle of a connection from the
// host to a hardware debug probe and the target behind it, and that
// mediates all memory, flash, run-control, RTT and QSPI operations
// performed through that connection.
//
// The physical transport is an external collaborator reached through
// the interfaces of package transport. Image container parsing is
// likewise external; the flash pipeline consumes image.Image record
// sets.
package probe

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/wnxd/probedbg/transport"
)

// Session is the top-level state machine. It owns the probe binding,
// the device binding, the protection state and the RTT and QSPI
// sub-controllers.
//
// All operations on one Session run to completion before the next is
// accepted; a single mutex serializes them. Independent Sessions share
// nothing and may be used concurrently with each other.
type Session struct {
	mu  sync.Mutex
	id  uuid.UUID
	log *slog.Logger

	drv      transport.Driver
	h        transport.Handle // nil once closed
	family   Family
	ops      familyOps // nil while the family is unknown
	clockKHz uint32

	reg    probeRegistry
	dev    *deviceBinding
	coproc Coprocessor

	// memDescs caches the memory layout for the current device version
	// and coprocessor; invalidated whenever either changes.
	memDescs []MemoryDescriptor

	rtt  rttState
	qspi qspiState
}

type deviceBinding struct {
	info DeviceInfo
}

// Open establishes a session against the probe driver. family may be
// FamilyUnknown, in which case the family is inferred on the first
// device connect. Driver establishment failures surface as the
// transport's ErrDriverNotFound, ErrDriverTooOld or ErrDriverOpenFailed.
func Open(drv transport.Driver, family Family, opts ...Option) (*Session, error) {
	if drv == nil {
		return nil, fmt.Errorf("%w: nil driver", ErrInvalidParameter)
	}
	var ops familyOps
	if family != FamilyUnknown {
		var err error
		ops, err = opsForFamily(family)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidParameter, err)
		}
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	h, err := drv.Open()
	if err != nil {
		return nil, err
	}
	s := &Session{
		id:       uuid.New(),
		drv:      drv,
		h:        h,
		family:   family,
		ops:      ops,
		clockKHz: cfg.clockKHz,
	}
	s.log = cfg.logger.With("session", s.id)
	s.reg.h = h
	s.log.Debug("session open", "family", family, "driver", drv.Version())
	return s, nil
}

// Close tears down the device binding, the probe binding, both
// sub-controllers and finally the driver handle. A closed Session
// cannot be reused.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.h == nil {
		return ErrInvalidSession
	}
	s.disconnectProbe()
	err := s.h.Close()
	s.h = nil
	s.log.Debug("session closed")
	return err
}

// IsOpen reports whether the session still holds a driver handle.
func (s *Session) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.h != nil
}

// ID returns the opaque identity of the session.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// Family returns the currently bound family.
func (s *Session) Family() Family {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.family
}

// SelectFamily swaps the active family's operation table in place. No
// family-specific cleanup runs and existing probe or device bindings
// stay untouched, so device state left behind by the previous family is
// the caller's problem. The only supported transition is from
// FamilyUnknown; anything else is at-your-own-risk by contract.
func (s *Session) SelectFamily(f Family) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.h == nil {
		return ErrInvalidSession
	}
	ops, err := opsForFamily(f)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParameter, err)
	}
	if s.family != FamilyUnknown {
		s.log.Debug("family switch without cleanup", "from", s.family, "to", f)
	}
	s.family = f
	s.ops = ops
	s.memDescs = nil
	return nil
}

// SelectCoprocessor switches the addressed core. The cached memory
// layout is invalidated; callers must re-query descriptors afterwards.
func (s *Session) SelectCoprocessor(cp Coprocessor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.h == nil {
		return ErrInvalidSession
	}
	if cp != CPApplication && s.family == FamilyNRF52 {
		return fmt.Errorf("%w: %v has no coprocessor", ErrInvalidDeviceForOperation, s.family)
	}
	if cp < CPApplication || cp > CPNetwork {
		return fmt.Errorf("%w: coprocessor %d", ErrInvalidParameter, int(cp))
	}
	s.coproc = cp
	s.memDescs = nil
	return nil
}

// Coprocessor returns the currently addressed core.
func (s *Session) Coprocessor() Coprocessor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coproc
}

// State guards. Callers hold s.mu.

func (s *Session) requireOpen() error {
	if s.h == nil {
		return ErrInvalidSession
	}
	return nil
}

func (s *Session) requireProbe() error {
	if err := s.requireOpen(); err != nil {
		return err
	}
	if s.reg.bound == nil {
		return fmt.Errorf("%w: no probe connected", ErrInvalidOperation)
	}
	return nil
}

func (s *Session) requireDevice() error {
	if err := s.requireProbe(); err != nil {
		return err
	}
	if s.dev == nil {
		return fmt.Errorf("%w: no device connected", ErrInvalidOperation)
	}
	return nil
}

func (s *Session) requireHalted() error {
	if err := s.requireDevice(); err != nil {
		return err
	}
	halted, err := s.h.IsHalted()
	if err != nil {
		return err
	}
	if !halted {
		return fmt.Errorf("%w: CPU not halted", ErrInvalidOperation)
	}
	return nil
}

// requireUnprotected gates debug memory access on the live protection
// state of the target.
func (s *Session) requireUnprotected() error {
	status, err := s.readbackStatus()
	if err != nil {
		return err
	}
	if status != ProtectionNone {
		return fmt.Errorf("%w: %v", ErrNotAvailableBecauseProtection, status)
	}
	return nil
}
