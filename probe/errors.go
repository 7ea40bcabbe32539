package probe

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidSession    = errors.New("session invalid or not open")
	ErrInvalidOperation  = errors.New("operation not allowed in current state")
	ErrInvalidParameter  = errors.New("parameter invalid")
	ErrFamilyUnsupported = errors.New("device family unsupported")

	ErrEmulatorNotConnected = errors.New("no probe with the requested serial number")
	ErrCannotConnect        = errors.New("cannot connect to device")
	ErrWrongFamilyForDevice = errors.New("detected device does not match session family")

	ErrNotAvailableBecauseProtection      = errors.New("operation blocked by readback protection")
	ErrNotAvailableBecauseBlockProtection = errors.New("operation blocked by flash block protection")
	ErrRecoverFailed                      = errors.New("recover failed, protection state undefined")

	ErrInvalidDeviceForOperation = errors.New("device does not support this operation")
)

// VerifyError reports a data mismatch between an image record and target
// memory. It is distinct from the communication errors a failed read
// produces, so "contents differ" can be told apart from "could not
// check".
type VerifyError struct {
	Addr     uint32
	Expected byte
	Actual   byte
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("verify mismatch at %08X: expected %02X, read %02X", e.Addr, e.Expected, e.Actual)
}

// UnknownMemoryError reports an image record addressed outside every
// known memory of the device.
type UnknownMemoryError struct {
	Addr uint32
	Len  int
}

func (e *UnknownMemoryError) Error() string {
	return fmt.Sprintf("record [%08X..%08X) targets no known memory", e.Addr, e.Addr+uint32(e.Len))
}

// MemoryAccessError wraps a transport failure with the address that
// triggered it. Unpowered RAM surfaces here with a timeout cause.
type MemoryAccessError struct {
	Addr  uint32
	Cause error
}

func (e *MemoryAccessError) Error() string {
	return fmt.Sprintf("memory access at %08X: %v", e.Addr, e.Cause)
}

func (e *MemoryAccessError) Unwrap() error {
	return e.Cause
}
