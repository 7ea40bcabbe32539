package probe

import "fmt"

// ProtectionLevel is the readback protection state of the target.
type ProtectionLevel int

const (
	ProtectionNone ProtectionLevel = iota
	// ProtectionRegion0 locks the region-0 flash range on parts that
	// split protection by region.
	ProtectionRegion0
	// ProtectionAll locks all debug memory access. The only way back is
	// Recover.
	ProtectionAll
)

func (p ProtectionLevel) String() string {
	switch p {
	case ProtectionNone:
		return "NONE"
	case ProtectionRegion0:
		return "REGION_0"
	case ProtectionAll:
		return "ALL"
	}
	return fmt.Sprintf("ProtectionLevel(%d)", int(p))
}

// RAMPower is the power state of one RAM section.
type RAMPower int

const (
	RAMOff RAMPower = iota
	RAMOn
)

func (r RAMPower) String() string {
	if r == RAMOn {
		return "ON"
	}
	return "OFF"
}

// RAMSection is one independently powered RAM region.
type RAMSection struct {
	Index int
	Addr  uint32
	Size  uint32
	Power RAMPower
}

// CPURegister names the registers reachable through run control.
type CPURegister int

const (
	R0 CPURegister = iota
	R1
	R2
	R3
	R4
	R5
	R6
	R7
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
	XPSR
	MSP
	PSP

	SP = R13
	LR = R14
	PC = R15
)

func (r CPURegister) valid() bool {
	return r >= R0 && r <= PSP
}

// RTTDirection selects the transfer direction of an RTT channel.
type RTTDirection int

const (
	// RTTUp moves bytes device to host.
	RTTUp RTTDirection = iota
	// RTTDown moves bytes host to device.
	RTTDown
)

func (d RTTDirection) String() string {
	if d == RTTDown {
		return "down"
	}
	return "up"
}

// EraseAction selects how flash is erased ahead of programming.
type EraseAction int

const (
	EraseNone EraseAction = iota
	// ErasePages erases only the pages covered by image records.
	ErasePages
	EraseAll
)

// VerifyAction selects how programmed contents are checked.
type VerifyAction int

const (
	VerifyNone VerifyAction = iota
	// VerifyRead reads everything back and compares on the host.
	VerifyRead
	// VerifyHash runs a helper routine in target RAM that digests flash
	// contents, and compares digests on the host.
	VerifyHash
)

// ResetAction selects the reset issued after programming.
type ResetAction int

const (
	ResetNone ResetAction = iota
	ResetSystem
	ResetDebug
	ResetPin
)
