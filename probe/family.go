package probe

import (
	"fmt"

	"github.com/wnxd/probedbg/transport"
)

// Family identifies a target chip family. A Session is bound to one
// family for its lifetime unless explicitly re-selected.
type Family int

const (
	FamilyUnknown Family = iota
	FamilyNRF51
	FamilyNRF52
	FamilyNRF53
	FamilyNRF91
)

func (f Family) String() string {
	switch f {
	case FamilyUnknown:
		return "UNKNOWN"
	case FamilyNRF51:
		return "NRF51"
	case FamilyNRF52:
		return "NRF52"
	case FamilyNRF53:
		return "NRF53"
	case FamilyNRF91:
		return "NRF91"
	}
	return fmt.Sprintf("Family(%d)", int(f))
}

// Coprocessor selects which core of a multi-core part the session
// addresses. Memory layout is relative to the selection.
type Coprocessor int

const (
	CPApplication Coprocessor = iota
	CPModem
	CPNetwork
)

// familyOps is the family-specific operation table behind a Session.
// SelectFamily swaps it in place without any cleanup.
type familyOps interface {
	Family() Family
	// ReadDeviceInfo identifies the connected part from its factory
	// information registers.
	ReadDeviceInfo(h transport.Handle) (DeviceInfo, error)
	// MemoryDescriptors enumerates the memories of an identified part.
	// qspiSize is the configured external flash size, zero when no QSPI
	// memory is fitted.
	MemoryDescriptors(info DeviceInfo, qspiSize uint32) []MemoryDescriptor
	// PageSizes describes the page layout of one memory.
	PageSizes(info DeviceInfo, desc MemoryDescriptor) []PageRepetition
	// RAMSections queries the power state of each RAM section.
	RAMSections(h transport.Handle, info DeviceInfo) ([]RAMSection, error)
}

var familyTable = make(map[Family]func() familyOps)

func registerFamily(f Family, ctor func() familyOps) {
	familyTable[f] = ctor
}

func opsForFamily(f Family) (familyOps, error) {
	ctor, ok := familyTable[f]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrFamilyUnsupported, f)
	}
	return ctor(), nil
}

// familyFromPart maps a factory part number (0x52840, 0x9160, ...) to a
// family by its leading digits.
func familyFromPart(part uint32) Family {
	for p := part; p != 0; p >>= 4 {
		switch p {
		case 0x51:
			return FamilyNRF51
		case 0x52:
			return FamilyNRF52
		case 0x53:
			return FamilyNRF53
		case 0x91:
			return FamilyNRF91
		}
	}
	return FamilyUnknown
}
