package probe

import (
	"encoding/binary"

	"github.com/wnxd/probedbg/internal/nrf"
	"github.com/wnxd/probedbg/transport"
)

func init() {
	registerFamily(FamilyNRF52, func() familyOps { return nrf52Ops{} })
}

// nrf52Ops is the operation table for the nRF52 family. All parts share
// one address map; geometry comes from the factory information pages.
type nrf52Ops struct{}

func (nrf52Ops) Family() Family {
	return FamilyNRF52
}

func (nrf52Ops) ReadDeviceInfo(h transport.Handle) (DeviceInfo, error) {
	var raw [5]uint32
	regs := [5]uint32{
		nrf.FicrInfoPart,
		nrf.FicrInfoVariant,
		nrf.FicrCodePageSize,
		nrf.FicrCodeSize,
		nrf.FicrInfoRAM,
	}
	buf := make([]byte, 4)
	for i, reg := range regs {
		if err := h.ReadMemory(reg, buf); err != nil {
			return DeviceInfo{}, &MemoryAccessError{Addr: reg, Cause: err}
		}
		raw[i] = binary.LittleEndian.Uint32(buf)
	}
	part, variant := raw[0], raw[1]
	mem, rev := decodeVariant(variant)
	info := DeviceInfo{
		Family:       FamilyNRF52,
		Name:         DeviceName(part),
		Memory:       mem,
		Revision:     rev,
		Variant:      variant,
		CodeAddr:     nrf.CodeBase,
		CodePageSize: raw[2],
		CodeSize:     raw[2] * raw[3],
		UICRAddr:     nrf.UicrBase,
		InfoPageSize: raw[2],
		RAMAddr:      nrf.RAMBase,
		RAMSize:      raw[4] * 1024,
	}
	// Engineering A silicon predates the protection access port.
	info.HasCtrlAP = rev != RevisionEngA
	if part == 0x52840 {
		info.QSPIPresent = true
		info.QSPILongFrame = rev != RevisionEngA && rev != RevisionEngB
		info.XIPAddr = nrf.XipBase
		info.XIPSize = 0
	}
	return info, nil
}

func (o nrf52Ops) MemoryDescriptors(info DeviceInfo, qspiSize uint32) []MemoryDescriptor {
	descs := []MemoryDescriptor{
		{
			Label:  "code",
			Type:   MemoryCode,
			Start:  info.CodeAddr,
			Size:   info.CodeSize,
			Access: AccessRead | AccessWrite | AccessErase | AccessExecute,
			Pages:  []PageRepetition{{PageSize: info.CodePageSize, RepeatCount: info.CodeSize / info.CodePageSize}},
		},
		{
			Label:  "ficr",
			Type:   MemoryFICR,
			Start:  nrf.FicrBase,
			Size:   info.InfoPageSize,
			Access: AccessRead,
		},
		{
			Label:  "uicr",
			Type:   MemoryUICR,
			Start:  info.UICRAddr,
			Size:   info.InfoPageSize,
			Access: AccessRead | AccessWrite | AccessErase,
			Pages:  []PageRepetition{{PageSize: info.InfoPageSize, RepeatCount: 1}},
		},
		{
			Label:  "ram",
			Type:   MemoryDataRAM,
			Start:  info.RAMAddr,
			Size:   info.RAMSize,
			Access: AccessRead | AccessWrite | AccessExecute,
		},
	}
	if info.QSPIPresent && qspiSize > 0 {
		descs = append(descs, MemoryDescriptor{
			Label:  "qspi",
			Type:   MemoryXIP,
			Start:  info.XIPAddr,
			Size:   qspiSize,
			Access: AccessRead | AccessWrite | AccessErase | AccessExecute,
			Pages:  []PageRepetition{{PageSize: qspiSectorSize, RepeatCount: qspiSize / qspiSectorSize}},
		})
	}
	return descs
}

func (nrf52Ops) PageSizes(info DeviceInfo, desc MemoryDescriptor) []PageRepetition {
	if len(desc.Pages) > 0 {
		return desc.Pages
	}
	return []PageRepetition{{PageSize: desc.Size, RepeatCount: 1}}
}

func (nrf52Ops) RAMSections(h transport.Handle, info DeviceInfo) ([]RAMSection, error) {
	const sectionSize = 32 * 1024
	count := int(info.RAMSize / sectionSize)
	if count == 0 {
		count = 1
	}
	sections := make([]RAMSection, count)
	buf := make([]byte, 4)
	for i := range sections {
		if err := h.ReadMemory(nrf.PowerRAM(i), buf); err != nil {
			return nil, &MemoryAccessError{Addr: nrf.PowerRAM(i), Cause: err}
		}
		power := RAMOff
		if binary.LittleEndian.Uint32(buf)&nrf.RAMPowerOn != 0 {
			power = RAMOn
		}
		sections[i] = RAMSection{
			Index: i,
			Addr:  info.RAMAddr + uint32(i)*sectionSize,
			Size:  sectionSize,
			Power: power,
		}
	}
	return sections, nil
}
