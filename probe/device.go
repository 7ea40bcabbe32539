package probe

import "fmt"

// DeviceName is the numeric part identity, e.g. 0x52840.
type DeviceName uint32

func (n DeviceName) String() string {
	if n == 0 {
		return "UNKNOWN"
	}
	return fmt.Sprintf("NRF%X", uint32(n))
}

// DeviceMemory is the memory variant code of a part.
type DeviceMemory int

const (
	MemoryUnknown DeviceMemory = iota
	MemoryAA
	MemoryAB
	MemoryAC
)

func (m DeviceMemory) String() string {
	switch m {
	case MemoryAA:
		return "AA"
	case MemoryAB:
		return "AB"
	case MemoryAC:
		return "AC"
	}
	return "UNKNOWN"
}

// DeviceRevision is the silicon revision of a part. Revisions newer than
// the ones known here decode to RevisionFuture rather than failing; all
// generic operations remain available on such parts.
type DeviceRevision int

const (
	RevisionUnknown DeviceRevision = iota
	RevisionEngA
	RevisionEngB
	Revision1
	Revision2
	Revision3
	RevisionFuture
)

func (r DeviceRevision) String() string {
	switch r {
	case RevisionEngA:
		return "ENGA"
	case RevisionEngB:
		return "ENGB"
	case Revision1:
		return "REV1"
	case Revision2:
		return "REV2"
	case Revision3:
		return "REV3"
	case RevisionFuture:
		return "FUTURE"
	}
	return "UNKNOWN"
}

// DeviceInfo identifies a connected part and its fixed memory geometry.
type DeviceInfo struct {
	Family   Family
	Name     DeviceName
	Memory   DeviceMemory
	Revision DeviceRevision
	// Variant is the raw factory variant word the memory and revision
	// codes were decoded from.
	Variant uint32

	CodeAddr     uint32
	CodePageSize uint32
	CodeSize     uint32
	UICRAddr     uint32
	InfoPageSize uint32
	RAMAddr      uint32
	RAMSize      uint32

	QSPIPresent bool
	XIPAddr     uint32
	XIPSize     uint32

	// HasCtrlAP is false on engineering samples that lack the protection
	// access port; such parts cannot be readback protected at all.
	HasCtrlAP bool
	// QSPILongFrame reports support for custom instructions longer than
	// the short fixed frame.
	QSPILongFrame bool
}

func (d DeviceInfo) String() string {
	return fmt.Sprintf("%v_%v_%v", d.Name, d.Memory, d.Revision)
}

// decodeVariant splits a factory variant word ("AAC0" as ASCII) into
// memory and revision codes. Unrecognized revision letters decode to
// RevisionFuture.
func decodeVariant(variant uint32) (DeviceMemory, DeviceRevision) {
	b := [4]byte{byte(variant >> 24), byte(variant >> 16), byte(variant >> 8), byte(variant)}
	var mem DeviceMemory
	switch {
	case b[0] == 'A' && b[1] == 'A':
		mem = MemoryAA
	case b[0] == 'A' && b[1] == 'B':
		mem = MemoryAB
	case b[0] == 'A' && b[1] == 'C':
		mem = MemoryAC
	}
	var rev DeviceRevision
	switch b[2] {
	case 'A':
		rev = RevisionEngA
	case 'B':
		rev = RevisionEngB
	case 'C':
		rev = Revision1
	case 'D':
		rev = Revision2
	case 'E':
		rev = Revision3
	default:
		rev = RevisionFuture
	}
	return mem, rev
}
