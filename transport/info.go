package transport

import "fmt"

// ProbeInfo describes one attached debug probe.
type ProbeInfo struct {
	SerialNumber uint32
	// ClockKHz is the SWD clock actually configured, after clamping to
	// the probe's maximum.
	ClockKHz uint32
	// Firmware is the probe's firmware identification string.
	Firmware string
	ComPorts []ComPortInfo
}

func (p ProbeInfo) String() string {
	return fmt.Sprintf("probe %d (%s, %d kHz)", p.SerialNumber, p.Firmware, p.ClockKHz)
}

// ComPortInfo describes one virtual serial port hosted by a probe.
type ComPortInfo struct {
	Path         string
	VCOM         uint32
	SerialNumber uint32
}

// LibraryInfo identifies the probe driver library.
type LibraryInfo struct {
	Major    int
	Minor    int
	Revision string
	Path     string
}

func (l LibraryInfo) String() string {
	return fmt.Sprintf("%d.%d%s", l.Major, l.Minor, l.Revision)
}
