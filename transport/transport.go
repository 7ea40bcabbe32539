// Package transport declares the interface presented by the low-level
// probe driver: the component that speaks SWD/JTAG electrical signaling
// to an attached debug probe. Implementations live outside this module;
// everything above them is written against Driver and Handle.
package transport

import (
	"io"
	"time"
)

// Driver is the host-side probe driver library. Opening it yields an
// independent Handle; several Handles may be open at once, each bound to
// its own probe.
type Driver interface {
	// Open loads one driver instance. Returns ErrDriverNotFound,
	// ErrDriverTooOld or ErrDriverOpenFailed when the library cannot be
	// established.
	Open() (Handle, error)
	// Version reports the driver library version.
	Version() LibraryInfo
}

// Handle is one open driver instance. A Handle is bound to at most one
// probe at a time and is not safe for concurrent use; callers serialize.
//
// All methods block until the hardware answers or the driver's own
// timeout fires, in which case ErrTimeout is returned. There is no
// cancellation below this interface.
type Handle interface {
	io.Closer

	// EnumProbes lists the serial numbers of all attached probes.
	// Stateless and side-effect-free.
	EnumProbes() ([]uint32, error)
	// EnumComPorts lists the virtual serial ports hosted by a probe.
	EnumComPorts(serial uint32) ([]ComPortInfo, error)

	// ConnectProbe binds the handle to the probe with the given serial
	// number at the requested SWD clock. The returned info carries the
	// clock actually set, clamped to the probe's maximum.
	// Returns ErrProbeNotFound if the serial number is absent and
	// ErrLowVoltage if target power is insufficient.
	ConnectProbe(serial uint32, clockKHz uint32) (ProbeInfo, error)
	DisconnectProbe() error
	// ResetProbe power-cycles the probe firmware and waits for the probe
	// to re-enumerate, bounded by deadline.
	ResetProbe(deadline time.Duration) error
	// ReplaceFirmware programs the embedded firmware image into the probe
	// and then behaves like ResetProbe.
	ReplaceFirmware(deadline time.Duration) error
	TargetVoltage() (millivolts uint32, err error)

	// Debug-port and access-port register plumbing. Valid whenever a
	// probe is connected, before any device identity is known.
	ReadDPRegister(reg uint8) (uint32, error)
	WriteDPRegister(reg uint8, value uint32) error
	ReadAPRegister(ap uint8, reg uint8) (uint32, error)
	WriteAPRegister(ap uint8, reg uint8, value uint32) error

	// EnterDebugMode performs the hardware handshake that brings the
	// target into debug interface mode. Returns ErrNoTarget if no part
	// answers.
	EnterDebugMode() error
	ExitDebugMode() error

	Halt() error
	Go() error
	Step() error
	IsHalted() (bool, error)
	ReadRegister(index uint8) (uint32, error)
	WriteRegister(index uint8, value uint32) error

	// ReadMemory and WriteMemory move bytes over the memory access port.
	// Unaligned addresses and arbitrary lengths are the driver's problem;
	// accesses into unpowered or protected memory fail, they never
	// silently succeed.
	ReadMemory(addr uint32, buf []byte) error
	WriteMemory(addr uint32, data []byte) error

	// PulseResetLine drives the physical reset pin low for d and releases
	// it. On failure the probe may be left in a JTAG-like mode; callers
	// must close the handle and start over.
	PulseResetLine(d time.Duration) error
}
