package probe

import "fmt"

// MemoryType classifies a memory region.
type MemoryType int

const (
	MemoryCode MemoryType = iota
	MemoryDataRAM
	MemoryCodeRAM
	MemoryFICR
	MemoryUICR
	MemoryXIP
)

func (t MemoryType) String() string {
	switch t {
	case MemoryCode:
		return "code"
	case MemoryDataRAM:
		return "data ram"
	case MemoryCodeRAM:
		return "code ram"
	case MemoryFICR:
		return "ficr"
	case MemoryUICR:
		return "uicr"
	case MemoryXIP:
		return "xip"
	}
	return fmt.Sprintf("MemoryType(%d)", int(t))
}

// MemoryAccess is a bit set of permitted operations on a memory.
type MemoryAccess int

const (
	AccessExecute MemoryAccess = 1 << iota
	AccessWrite
	AccessRead
	AccessErase
)

// PageRepetition describes a homogeneous run of pages: repeatCount pages
// of pageSize bytes each. Memories with non-uniform page layouts carry
// an ordered list of repetitions; the address of a page is the memory
// base plus the cumulative size of all preceding pages.
type PageRepetition struct {
	PageSize    uint32
	RepeatCount uint32
}

// MemoryDescriptor is one named memory region of the device. The set of
// descriptors is valid only for the device version and coprocessor it
// was read under.
type MemoryDescriptor struct {
	Label  string
	Type   MemoryType
	Start  uint32
	Size   uint32
	Access MemoryAccess
	Pages  []PageRepetition
}

func (m MemoryDescriptor) End() uint32 {
	return m.Start + m.Size
}

// Contains reports whether [addr, addr+length) lies entirely inside the
// region.
func (m MemoryDescriptor) Contains(addr uint32, length int) bool {
	return addr >= m.Start && addr+uint32(length) <= m.End() && addr+uint32(length) >= addr
}

// PageAt returns the base address and size of the page containing addr.
func (m MemoryDescriptor) PageAt(addr uint32) (base, size uint32, ok bool) {
	if addr < m.Start || addr >= m.End() {
		return 0, 0, false
	}
	base = m.Start
	for _, rep := range m.Pages {
		run := rep.PageSize * rep.RepeatCount
		if addr < base+run {
			return base + AlignDown(addr-base, rep.PageSize), rep.PageSize, true
		}
		base += run
	}
	// Uniform fallback when no repetition list is present.
	if len(m.Pages) == 0 && m.Size > 0 {
		return addr, m.Size, true
	}
	return 0, 0, false
}

// pagesCovering returns the bases and sizes of all pages overlapping
// [addr, addr+length).
func (m MemoryDescriptor) pagesCovering(addr uint32, length int) (bases, sizes []uint32) {
	end := addr + uint32(length)
	for addr < end {
		base, size, ok := m.PageAt(addr)
		if !ok {
			break
		}
		bases = append(bases, base)
		sizes = append(sizes, size)
		addr = base + size
	}
	return bases, sizes
}

func findDescriptor(descs []MemoryDescriptor, addr uint32) (MemoryDescriptor, bool) {
	for _, d := range descs {
		if addr >= d.Start && addr < d.End() {
			return d, true
		}
	}
	return MemoryDescriptor{}, false
}
