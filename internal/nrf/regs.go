// Package nrf holds the nRF52-series register map shared by the session
// layer and the target simulator. Addresses follow the product
// specification; only the registers the controller actually touches are
// listed.
package nrf

// Memory map.
const (
	CodeBase = 0x00000000
	FicrBase = 0x10000000
	UicrBase = 0x10001000
	RAMBase  = 0x20000000
	XipBase  = 0x12000000
)

// UICR words.
const (
	UicrApprotect = UicrBase + 0x208
)

// FICR registers.
const (
	FicrCodePageSize = FicrBase + 0x010
	FicrCodeSize     = FicrBase + 0x014
	FicrInfoPart     = FicrBase + 0x100
	FicrInfoVariant  = FicrBase + 0x104
	FicrInfoRAM      = FicrBase + 0x10C
	FicrInfoFlash    = FicrBase + 0x110
)

// POWER peripheral. RAM section power is controlled per section through
// RAM[n].POWER / POWERSET / POWERCLR.
const (
	PowerBase      = 0x40000000
	PowerResetReas = PowerBase + 0x400
	PowerRAMBase   = PowerBase + 0x900
	PowerRAMStride = 0x10

	RAMPowerOn = 0x00000001
)

func PowerRAM(section int) uint32 {
	return PowerRAMBase + uint32(section)*PowerRAMStride
}

// BPROT peripheral. Each CONFIG bit write-protects one block of flash.
const (
	BprotBase    = 0x40000000
	BprotConfig0 = BprotBase + 0x600
	BprotConfig1 = BprotBase + 0x604
	BprotConfig2 = BprotBase + 0x608
	BprotConfig3 = BprotBase + 0x60C

	BprotBlockSize = 0x1000
)

// NVMC peripheral.
const (
	NvmcBase      = 0x4001E000
	NvmcReady     = NvmcBase + 0x400
	NvmcConfig    = NvmcBase + 0x504
	NvmcErasePage = NvmcBase + 0x508
	NvmcEraseAll  = NvmcBase + 0x50C
	NvmcEraseUicr = NvmcBase + 0x514

	NvmcConfigRen = 0
	NvmcConfigWen = 1
	NvmcConfigEen = 2
)

// QSPI peripheral.
const (
	QspiBase        = 0x40029000
	QspiActivate    = QspiBase + 0x000
	QspiReadStart   = QspiBase + 0x004
	QspiWriteStart  = QspiBase + 0x008
	QspiEraseStart  = QspiBase + 0x00C
	QspiDeactivate  = QspiBase + 0x010
	QspiEventsReady = QspiBase + 0x100
	QspiEnable      = QspiBase + 0x500
	QspiReadSrc     = QspiBase + 0x504
	QspiReadDst     = QspiBase + 0x508
	QspiReadCnt     = QspiBase + 0x50C
	QspiWriteDst    = QspiBase + 0x510
	QspiWriteSrc    = QspiBase + 0x514
	QspiWriteCnt    = QspiBase + 0x518
	QspiErasePtr    = QspiBase + 0x51C
	QspiEraseLen    = QspiBase + 0x520
	QspiIfconfig0   = QspiBase + 0x544
	QspiIfconfig1   = QspiBase + 0x600
	QspiAddrconf    = QspiBase + 0x624
	QspiCinstrconf  = QspiBase + 0x628
	QspiCinstrdat0  = QspiBase + 0x62C
	QspiCinstrdat1  = QspiBase + 0x630
)

// QSPI ERASE.LEN values.
const (
	QspiEraseLen4KB  = 0
	QspiEraseLen64KB = 1
	QspiEraseLenAll  = 2
	QspiEraseLen32KB = 3
)

// CINSTRCONF fields.
const (
	QspiCinstrconfOpcodeShift = 0
	QspiCinstrconfLengthShift = 8
	QspiCinstrconfLFENBit     = 1 << 15
	QspiCinstrconfLFSTOPBit   = 1 << 16
)

// Debug helper conventions: the top of RAM hosts the QSPI operation
// buffer, and the area below it stages the verify digest helper and its
// mailbox {magic, addr, len, digest}.
const (
	QspiOpBufferAddr = RAMBase + 0x3F000
	QspiOpBufferSize = 0x1000

	VerifyMailboxAddr = RAMBase + 0x3E000
	VerifyHelperAddr  = RAMBase + 0x3E010
	VerifyHelperEntry = VerifyHelperAddr
	VerifyHelperStack = RAMBase + 0x3F000

	VerifyMagic = 0x56524659 // "VRFY"
)

// Access ports.
const (
	AHBAP  = 0 // memory access
	CtrlAP = 1 // protection control
)

// CTRL-AP registers.
const (
	CtrlAPReset           = 0x000
	CtrlAPEraseAll        = 0x004
	CtrlAPEraseAllStatus  = 0x008
	CtrlAPApprotectStatus = 0x00C
	CtrlAPIDR             = 0x0FC
)

// APPROTECTSTATUS values. 0 means protection enabled.
const (
	ApprotectEnabled  = 0
	ApprotectDisabled = 1
)

// SCB registers reached through the memory bus.
const (
	SCBAircr = 0xE000ED0C

	AircrVectkey   = 0x05FA0000
	AircrSysreset  = 0x00000004
	DHCSRAddr      = 0xE000EDF0
	DemcrAddr      = 0xE000EDFC
	DemcrCoreReset = 0x00000001
)

// CPU register indices as presented by the transport.
const (
	RegR0 = iota
	RegR1
	RegR2
	RegR3
	RegR4
	RegR5
	RegR6
	RegR7
	RegR8
	RegR9
	RegR10
	RegR11
	RegR12
	RegR13
	RegR14
	RegR15
	RegXPSR
	RegMSP
	RegPSP

	RegSP = RegR13
	RegLR = RegR14
	RegPC = RegR15
)
