package sim

import (
	"fmt"
	"time"

	"github.com/wnxd/probedbg/internal/nrf"
	"github.com/wnxd/probedbg/transport"
)

// DefaultSerial is the serial number of the probe a plain New carries.
const DefaultSerial uint32 = 683000001

// ctrlAPIDR is the identification value the control access port
// answers with on parts that have one.
const ctrlAPIDR = 0x02880000

// Driver is a simulated probe driver. One driver owns a fixed set of
// probes; opening it yields independent handles.
type Driver struct {
	probes   []*Probe
	openErr  error
	noProbes bool
}

// Probe is one simulated attached probe and the target wired to it.
type Probe struct {
	Serial   uint32
	Firmware string
	Target   *Target // nil when no part is wired up
}

// Option configures a simulated driver.
type Option func(*Driver)

// WithNoProbes makes the driver enumerate an empty probe set.
func WithNoProbes() Option {
	return func(d *Driver) { d.noProbes = true }
}

// WithProbe adds a probe with an attached default target.
func WithProbe(serial uint32) Option {
	return func(d *Driver) {
		d.probes = append(d.probes, newProbe(serial, newTarget()))
	}
}

// WithBareProbe adds a probe with nothing behind it.
func WithBareProbe(serial uint32) Option {
	return func(d *Driver) {
		d.probes = append(d.probes, newProbe(serial, nil))
	}
}

// WithOpenError makes Open fail, for exercising driver establishment
// paths.
func WithOpenError(err error) Option {
	return func(d *Driver) { d.openErr = err }
}

func newProbe(serial uint32, t *Target) *Probe {
	return &Probe{
		Serial:   serial,
		Firmware: fmt.Sprintf("J-Link OB-SAM3U128 V1 compiled %d", serial),
		Target:   t,
	}
}

// New builds a driver. Without options it carries one probe with one
// default target behind it.
func New(opts ...Option) *Driver {
	d := &Driver{}
	for _, opt := range opts {
		opt(d)
	}
	if len(d.probes) == 0 && d.openErr == nil && !d.noProbes {
		d.probes = append(d.probes, newProbe(DefaultSerial, newTarget()))
	}
	return d
}

// Probe returns the probe with the given serial, for test assertions
// against its target.
func (d *Driver) Probe(serial uint32) *Probe {
	for _, p := range d.probes {
		if p.Serial == serial {
			return p
		}
	}
	return nil
}

func (d *Driver) Open() (transport.Handle, error) {
	if d.openErr != nil {
		return nil, d.openErr
	}
	return &handle{d: d}, nil
}

func (d *Driver) Version() transport.LibraryInfo {
	return transport.LibraryInfo{Major: 7, Minor: 94, Revision: "b", Path: "sim"}
}

type handle struct {
	d         *Driver
	probe     *Probe
	debugMode bool
	closed    bool
}

func (h *handle) Close() error {
	h.probe = nil
	h.closed = true
	return nil
}

func (h *handle) EnumProbes() ([]uint32, error) {
	if h.closed {
		return nil, transport.ErrCommunication
	}
	serials := make([]uint32, len(h.d.probes))
	for i, p := range h.d.probes {
		serials[i] = p.Serial
	}
	return serials, nil
}

func (h *handle) EnumComPorts(serial uint32) ([]transport.ComPortInfo, error) {
	p := h.d.Probe(serial)
	if p == nil {
		return nil, transport.ErrProbeNotFound
	}
	return []transport.ComPortInfo{
		{Path: fmt.Sprintf("/dev/ttyACM%d", serial%10), VCOM: 0, SerialNumber: serial},
	}, nil
}

func (h *handle) ConnectProbe(serial uint32, clockKHz uint32) (transport.ProbeInfo, error) {
	if h.closed {
		return transport.ProbeInfo{}, transport.ErrCommunication
	}
	p := h.d.Probe(serial)
	if p == nil {
		return transport.ProbeInfo{}, transport.ErrProbeNotFound
	}
	if p.Target != nil && p.Target.millivolts < 1700 {
		return transport.ProbeInfo{}, transport.ErrLowVoltage
	}
	const maxClockKHz = 12000
	if clockKHz > maxClockKHz {
		clockKHz = maxClockKHz
	}
	h.probe = p
	ports, _ := h.EnumComPorts(serial)
	return transport.ProbeInfo{
		SerialNumber: serial,
		ClockKHz:     clockKHz,
		Firmware:     p.Firmware,
		ComPorts:     ports,
	}, nil
}

func (h *handle) DisconnectProbe() error {
	h.probe = nil
	h.debugMode = false
	return nil
}

func (h *handle) ResetProbe(time.Duration) error {
	if h.probe == nil {
		return transport.ErrCommunication
	}
	h.debugMode = false
	return nil
}

func (h *handle) ReplaceFirmware(time.Duration) error {
	if h.probe == nil {
		return transport.ErrCommunication
	}
	h.probe.Firmware += " (reflashed)"
	h.debugMode = false
	return nil
}

func (h *handle) TargetVoltage() (uint32, error) {
	if h.probe == nil {
		return 0, transport.ErrCommunication
	}
	if h.probe.Target == nil {
		return 0, nil
	}
	return h.probe.Target.millivolts, nil
}

func (h *handle) ReadDPRegister(reg uint8) (uint32, error) {
	if _, err := h.target(); err != nil {
		return 0, err
	}
	// IDCODE for any register; the controller only probes liveness.
	return 0x2BA01477, nil
}

func (h *handle) WriteDPRegister(reg uint8, value uint32) error {
	_, err := h.target()
	return err
}

func (h *handle) ReadAPRegister(ap uint8, reg uint8) (uint32, error) {
	t, err := h.target()
	if err != nil {
		return 0, err
	}
	if ap != nrf.CtrlAP {
		return 0, transport.ErrCommunication
	}
	switch uint32(reg) {
	case nrf.CtrlAPIDR:
		return ctrlAPIDR, nil
	case nrf.CtrlAPApprotectStatus:
		if t.protected {
			return nrf.ApprotectEnabled, nil
		}
		return nrf.ApprotectDisabled, nil
	case nrf.CtrlAPEraseAllStatus:
		return 0, nil // erase completes synchronously
	case nrf.CtrlAPReset:
		if t.inReset {
			return 1, nil
		}
		return 0, nil
	}
	return 0, transport.ErrCommunication
}

func (h *handle) WriteAPRegister(ap uint8, reg uint8, value uint32) error {
	t, err := h.target()
	if err != nil {
		return err
	}
	if ap != nrf.CtrlAP {
		return transport.ErrCommunication
	}
	switch uint32(reg) {
	case nrf.CtrlAPEraseAll:
		if value == 1 {
			t.eraseAll()
		}
		return nil
	case nrf.CtrlAPReset:
		if value != 0 {
			t.inReset = true
		} else if t.inReset {
			t.inReset = false
			t.reset(false)
		}
		return nil
	}
	return transport.ErrCommunication
}

func (h *handle) EnterDebugMode() error {
	if h.probe == nil {
		return transport.ErrCommunication
	}
	if h.probe.Target == nil {
		return transport.ErrNoTarget
	}
	h.debugMode = true
	return nil
}

func (h *handle) ExitDebugMode() error {
	h.debugMode = false
	return nil
}

// ahb returns the target for a memory or run-control access, enforcing
// debug mode and readback protection.
func (h *handle) ahb() (*Target, error) {
	t, err := h.target()
	if err != nil {
		return nil, err
	}
	if !h.debugMode {
		return nil, transport.ErrCommunication
	}
	if t.protected {
		return nil, transport.ErrCommunication
	}
	return t, nil
}

func (h *handle) target() (*Target, error) {
	if h.probe == nil {
		return nil, transport.ErrCommunication
	}
	if h.probe.Target == nil {
		return nil, transport.ErrNoTarget
	}
	return h.probe.Target, nil
}

func (h *handle) Halt() error {
	t, err := h.ahb()
	if err != nil {
		return err
	}
	t.halted = true
	return nil
}

func (h *handle) Go() error {
	t, err := h.ahb()
	if err != nil {
		return err
	}
	t.resume()
	return nil
}

func (h *handle) Step() error {
	t, err := h.ahb()
	if err != nil {
		return err
	}
	if !t.halted {
		return transport.ErrCommunication
	}
	t.regs[nrf.RegPC] += 2
	return nil
}

func (h *handle) IsHalted() (bool, error) {
	t, err := h.ahb()
	if err != nil {
		return false, err
	}
	return t.halted, nil
}

func (h *handle) ReadRegister(index uint8) (uint32, error) {
	t, err := h.ahb()
	if err != nil {
		return 0, err
	}
	if int(index) >= numRegisters {
		return 0, transport.ErrCommunication
	}
	return t.regs[index], nil
}

func (h *handle) WriteRegister(index uint8, value uint32) error {
	t, err := h.ahb()
	if err != nil {
		return err
	}
	if int(index) >= numRegisters {
		return transport.ErrCommunication
	}
	t.regs[index] = value
	return nil
}

func (h *handle) ReadMemory(addr uint32, buf []byte) error {
	t, err := h.ahb()
	if err != nil {
		return err
	}
	return t.readMem(addr, buf)
}

func (h *handle) WriteMemory(addr uint32, data []byte) error {
	t, err := h.ahb()
	if err != nil {
		return err
	}
	return t.writeMem(addr, data)
}

func (h *handle) PulseResetLine(d time.Duration) error {
	if h.probe == nil {
		return transport.ErrCommunication
	}
	if t := h.probe.Target; t != nil {
		t.reset(false)
		t.resetReas |= 1 // reset pin
	}
	return nil
}
