package probe

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/wnxd/probedbg/internal/nrf"
)

// qspiSectorSize is the smallest external flash erase unit.
const qspiSectorSize = 4096

// qspiAddrSpace bounds external flash addressing to the 24-bit bus
// address range.
const qspiAddrSpace = 1 << 24

type qspiPhase int

const (
	qspiUnconfigured qspiPhase = iota
	qspiConfigured
	qspiInitialized
)

type qspiState struct {
	state    qspiPhase
	params   QSPIInitParams
	retained bool
	// snapshot holds the DMA staging buffer contents captured at init
	// when the caller asked for RAM to be retained.
	snapshot []byte
}

// QSPIReadMode selects the external flash read opcode.
type QSPIReadMode int

const (
	QSPIReadFastRead QSPIReadMode = iota
	QSPIRead2O
	QSPIRead2IO
	QSPIRead4O
	QSPIRead4IO
)

// QSPIWriteMode selects the external flash program opcode.
type QSPIWriteMode int

const (
	QSPIWritePP QSPIWriteMode = iota
	QSPIWritePP2O
	QSPIWritePP4O
	QSPIWritePP4IO
)

// QSPIAddressMode selects 24- or 32-bit bus addressing.
type QSPIAddressMode int

const (
	QSPIAddress24Bit QSPIAddressMode = iota
	QSPIAddress32Bit
)

// QSPIFrequency is the SCK divider setting.
type QSPIFrequency int

const (
	QSPIFreq2MHz  QSPIFrequency = 15
	QSPIFreq4MHz  QSPIFrequency = 7
	QSPIFreq8MHz  QSPIFrequency = 3
	QSPIFreq16MHz QSPIFrequency = 1
	QSPIFreq32MHz QSPIFrequency = 0
)

// QSPIEraseLength is the unit of one external flash erase.
type QSPIEraseLength int

const (
	QSPIErase4KB QSPIEraseLength = iota
	QSPIErase32KB
	QSPIErase64KB
	QSPIEraseAllChip
)

// QSPIInitParams configures the QSPI peripheral and describes the
// attached external flash. The zero value is not usable; start from
// DefaultQSPIInitParams.
type QSPIInitParams struct {
	ReadMode    QSPIReadMode    `yaml:"read_mode"`
	WriteMode   QSPIWriteMode   `yaml:"write_mode"`
	AddressMode QSPIAddressMode `yaml:"address_mode"`
	Frequency   QSPIFrequency   `yaml:"frequency"`
	SpiMode     int             `yaml:"spi_mode"`
	SckDelay    uint8           `yaml:"sck_delay"`
	RxDelay     uint8           `yaml:"rx_delay"`
	// Size is the external flash capacity in bytes. It feeds the XIP
	// memory descriptor; reads and writes past it fail on the bus, not
	// here.
	Size uint32 `yaml:"size"`
	// PageSize is the program page size of the flash part.
	PageSize uint32 `yaml:"page_size"`
}

// DefaultQSPIInitParams matches the most common external flash fitted
// alongside these parts.
func DefaultQSPIInitParams() QSPIInitParams {
	return QSPIInitParams{
		ReadMode:    QSPIRead4IO,
		WriteMode:   QSPIWritePP4IO,
		AddressMode: QSPIAddress24Bit,
		Frequency:   QSPIFreq16MHz,
		SckDelay:    0x80,
		RxDelay:     2,
		Size:        8 * 1024 * 1024,
		PageSize:    256,
	}
}

// loadQSPIParamsFile parses a YAML parameter file. Absent keys keep
// their defaults.
func loadQSPIParamsFile(path string) (QSPIInitParams, error) {
	p := DefaultQSPIInitParams()
	raw, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("%w: %v", ErrInvalidParameter, err)
	}
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("%w: %s: %v", ErrInvalidParameter, path, err)
	}
	return p, nil
}

func (p QSPIInitParams) validate() error {
	if p.SpiMode != 0 && p.SpiMode != 3 {
		return fmt.Errorf("%w: spi mode %d", ErrInvalidParameter, p.SpiMode)
	}
	if p.PageSize == 0 || p.PageSize%4 != 0 {
		return fmt.Errorf("%w: page size %d", ErrInvalidParameter, p.PageSize)
	}
	if p.Size > qspiAddrSpace && p.AddressMode == QSPIAddress24Bit {
		return fmt.Errorf("%w: %d bytes exceed 24-bit addressing", ErrInvalidParameter, p.Size)
	}
	return nil
}

// QSPIConfigure records the peripheral parameters without touching the
// device. The external memory descriptor picks up the configured size.
func (s *Session) QSPIConfigure(p QSPIInitParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireOpen(); err != nil {
		return err
	}
	if s.qspi.state == qspiInitialized {
		return fmt.Errorf("%w: QSPI already initialized", ErrInvalidOperation)
	}
	if err := p.validate(); err != nil {
		return err
	}
	s.qspi.params = p
	s.qspi.state = qspiConfigured
	s.memDescs = nil
	return nil
}

// QSPIConfigureFile is QSPIConfigure with parameters loaded from a YAML
// file.
func (s *Session) QSPIConfigureFile(path string) error {
	p, err := loadQSPIParamsFile(path)
	if err != nil {
		return err
	}
	return s.QSPIConfigure(p)
}

// QSPIInit configures and activates the peripheral in one step. With
// retainRAM the DMA staging buffer is captured first and restored by
// QSPIUninit.
func (s *Session) QSPIInit(retainRAM bool, p QSPIInitParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireDevice(); err != nil {
		return err
	}
	if err := s.requireUnprotected(); err != nil {
		return err
	}
	if s.qspi.state == qspiInitialized {
		return fmt.Errorf("%w: QSPI already initialized", ErrInvalidOperation)
	}
	if !s.dev.info.QSPIPresent {
		return fmt.Errorf("%w: %v has no QSPI peripheral", ErrInvalidDeviceForOperation, s.dev.info.Name)
	}
	if err := p.validate(); err != nil {
		return err
	}
	s.qspi.params = p
	s.qspi.state = qspiConfigured
	s.memDescs = nil
	return s.qspiActivate(retainRAM)
}

// QSPIInitFile is QSPIInit with parameters loaded from a YAML file.
func (s *Session) QSPIInitFile(retainRAM bool, path string) error {
	p, err := loadQSPIParamsFile(path)
	if err != nil {
		return err
	}
	return s.QSPIInit(retainRAM, p)
}

// QSPIStart activates the peripheral with the previously configured
// parameters.
func (s *Session) QSPIStart() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireDevice(); err != nil {
		return err
	}
	if err := s.requireUnprotected(); err != nil {
		return err
	}
	switch s.qspi.state {
	case qspiUnconfigured:
		return fmt.Errorf("%w: QSPI not configured", ErrInvalidOperation)
	case qspiInitialized:
		return fmt.Errorf("%w: QSPI already initialized", ErrInvalidOperation)
	}
	if !s.dev.info.QSPIPresent {
		return fmt.Errorf("%w: %v has no QSPI peripheral", ErrInvalidDeviceForOperation, s.dev.info.Name)
	}
	return s.qspiActivate(false)
}

func (s *Session) qspiActivate(retainRAM bool) error {
	p := s.qspi.params
	if retainRAM {
		snap := make([]byte, nrf.QspiOpBufferSize)
		if err := s.h.ReadMemory(nrf.QspiOpBufferAddr, snap); err != nil {
			return &MemoryAccessError{Addr: nrf.QspiOpBufferAddr, Cause: err}
		}
		s.qspi.snapshot = snap
	}
	s.qspi.retained = retainRAM

	ifconfig0 := uint32(p.ReadMode) | uint32(p.WriteMode)<<3
	if p.AddressMode == QSPIAddress32Bit {
		ifconfig0 |= 1 << 6
	}
	if p.PageSize == 512 {
		ifconfig0 |= 1 << 12
	}
	ifconfig1 := uint32(p.SckDelay) | uint32(p.RxDelay&0x7)<<24 | uint32(p.Frequency)<<28
	if p.SpiMode == 3 {
		ifconfig1 |= 1 << 25
	}
	steps := []struct {
		addr uint32
		val  uint32
	}{
		{nrf.QspiIfconfig0, ifconfig0},
		{nrf.QspiIfconfig1, ifconfig1},
		{nrf.QspiAddrconf, 0},
		{nrf.QspiEnable, 1},
	}
	for _, st := range steps {
		if err := s.rawWriteU32(st.addr, st.val); err != nil {
			return err
		}
	}
	if err := s.qspiTask(nrf.QspiActivate); err != nil {
		return err
	}
	s.qspi.state = qspiInitialized
	s.log.Debug("qspi initialized", "size", p.Size, "freq", int(p.Frequency))
	return nil
}

// QSPIUninit deactivates the peripheral and restores the staging buffer
// if init retained it.
func (s *Session) QSPIUninit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireDevice(); err != nil {
		return err
	}
	if s.qspi.state != qspiInitialized {
		return fmt.Errorf("%w: QSPI not initialized", ErrInvalidOperation)
	}
	if err := s.rawWriteU32(nrf.QspiDeactivate, 1); err != nil {
		return err
	}
	if err := s.rawWriteU32(nrf.QspiEnable, 0); err != nil {
		return err
	}
	if s.qspi.retained && s.qspi.snapshot != nil {
		if err := s.h.WriteMemory(nrf.QspiOpBufferAddr, s.qspi.snapshot); err != nil {
			return &MemoryAccessError{Addr: nrf.QspiOpBufferAddr, Cause: err}
		}
	}
	s.qspi.snapshot = nil
	s.qspi.retained = false
	s.qspi.state = qspiConfigured
	return nil
}

// QSPISetSize overrides the configured external flash capacity.
func (s *Session) QSPISetSize(bytes uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireOpen(); err != nil {
		return err
	}
	if s.qspi.state == qspiUnconfigured {
		return fmt.Errorf("%w: QSPI not configured", ErrInvalidOperation)
	}
	if bytes > qspiAddrSpace && s.qspi.params.AddressMode == QSPIAddress24Bit {
		return fmt.Errorf("%w: %d bytes exceed 24-bit addressing", ErrInvalidParameter, bytes)
	}
	s.qspi.params.Size = bytes
	s.memDescs = nil
	return nil
}

// QSPIGetSize reports the configured external flash capacity.
func (s *Session) QSPIGetSize() (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireOpen(); err != nil {
		return 0, err
	}
	if s.qspi.state == qspiUnconfigured {
		return 0, fmt.Errorf("%w: QSPI not configured", ErrInvalidOperation)
	}
	return s.qspi.params.Size, nil
}

// QSPISetRxDelay adjusts the sampling delay on a live peripheral, for
// tuning against marginal external flash timing.
func (s *Session) QSPISetRxDelay(delay uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireDevice(); err != nil {
		return err
	}
	if s.qspi.state != qspiInitialized {
		return fmt.Errorf("%w: QSPI not initialized", ErrInvalidOperation)
	}
	s.qspi.params.RxDelay = delay
	cfg, err := s.rawReadU32(nrf.QspiIfconfig1)
	if err != nil {
		return err
	}
	cfg = cfg&^(uint32(0x7)<<24) | uint32(delay&0x7)<<24
	return s.rawWriteU32(nrf.QspiIfconfig1, cfg)
}

// QSPIRead reads length bytes of external flash starting at addr. The
// bus transfers whole words; extra bytes are sliced off before return.
func (s *Session) QSPIRead(addr uint32, length int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.qspiRequireReady(); err != nil {
		return nil, err
	}
	if length < 0 {
		return nil, fmt.Errorf("%w: negative length", ErrInvalidParameter)
	}
	if err := s.qspiCheckRange(addr, uint32(length)); err != nil {
		return nil, err
	}
	return s.qspiRead(addr, length)
}

// QSPIWrite programs data into external flash at addr. Partial lead and
// tail words are padded with 0xFF, which programming cannot alter.
func (s *Session) QSPIWrite(addr uint32, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.qspiRequireReady(); err != nil {
		return err
	}
	if err := s.qspiCheckRange(addr, uint32(len(data))); err != nil {
		return err
	}
	return s.qspiWrite(addr, data)
}

// QSPIErase erases external flash starting at addr in units of
// length. addr must be aligned to the erase unit; chip erase takes
// addr zero.
func (s *Session) QSPIErase(addr uint32, length QSPIEraseLength) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.qspiRequireReady(); err != nil {
		return err
	}
	var unit uint32
	switch length {
	case QSPIErase4KB:
		unit = 4 * 1024
	case QSPIErase32KB:
		unit = 32 * 1024
	case QSPIErase64KB:
		unit = 64 * 1024
	case QSPIEraseAllChip:
		if addr != 0 {
			return fmt.Errorf("%w: chip erase takes address 0, got %08X", ErrInvalidParameter, addr)
		}
		return s.qspiErase(0, QSPIEraseAllChip)
	default:
		return fmt.Errorf("%w: erase length %d", ErrInvalidParameter, int(length))
	}
	if addr%unit != 0 {
		return fmt.Errorf("%w: address %08X not aligned to %d", ErrInvalidParameter, addr, unit)
	}
	return s.qspiErase(addr, length)
}

// QSPICustom issues a custom instruction and returns the response
// bytes. Instructions with more than 8 data bytes need long-frame
// support in the part.
func (s *Session) QSPICustom(op byte, data []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.qspiRequireReady(); err != nil {
		return nil, err
	}
	if len(data) > 8 {
		if !s.dev.info.QSPILongFrame {
			return nil, fmt.Errorf("%w: %v custom instructions carry at most 8 bytes", ErrInvalidDeviceForOperation, s.dev.info.Name)
		}
		return s.qspiCustomLong(op, data)
	}
	resp := make([]byte, len(data))
	// Frame length counts the opcode byte.
	conf := uint32(op)<<nrf.QspiCinstrconfOpcodeShift | uint32(len(data)+1)<<nrf.QspiCinstrconfLengthShift
	if err := s.qspiCustomFrame(conf, data, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// qspiCustomLong streams a custom instruction longer than one frame
// through CINSTRDAT in 8-byte pieces. The opcode is clocked with the
// first frame; LFSTOP on the last frame deasserts chip select.
func (s *Session) qspiCustomLong(op byte, data []byte) ([]byte, error) {
	resp := make([]byte, len(data))
	for off := 0; off < len(data); off += 8 {
		chunk := min(8, len(data)-off)
		conf := uint32(op)<<nrf.QspiCinstrconfOpcodeShift | nrf.QspiCinstrconfLFENBit
		if off == 0 {
			conf |= uint32(chunk+1) << nrf.QspiCinstrconfLengthShift
		} else {
			conf |= uint32(chunk) << nrf.QspiCinstrconfLengthShift
		}
		if off+chunk == len(data) {
			conf |= nrf.QspiCinstrconfLFSTOPBit
		}
		if err := s.qspiCustomFrame(conf, data[off:off+chunk], resp[off:off+chunk]); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// qspiCustomFrame loads up to 8 data bytes into CINSTRDAT, fires the
// frame described by conf and reads the response bytes back.
func (s *Session) qspiCustomFrame(conf uint32, data, resp []byte) error {
	var words [2]uint32
	for i, b := range data {
		words[i/4] |= uint32(b) << (8 * (i % 4))
	}
	if err := s.rawWriteU32(nrf.QspiCinstrdat0, words[0]); err != nil {
		return err
	}
	if err := s.rawWriteU32(nrf.QspiCinstrdat1, words[1]); err != nil {
		return err
	}
	if err := s.rawWriteU32(nrf.QspiEventsReady, 0); err != nil {
		return err
	}
	if err := s.rawWriteU32(nrf.QspiCinstrconf, conf); err != nil {
		return err
	}
	if err := s.waitQspiReady(); err != nil {
		return err
	}
	var err error
	if words[0], err = s.rawReadU32(nrf.QspiCinstrdat0); err != nil {
		return err
	}
	if words[1], err = s.rawReadU32(nrf.QspiCinstrdat1); err != nil {
		return err
	}
	for i := range resp {
		resp[i] = byte(words[i/4] >> (8 * (i % 4)))
	}
	return nil
}

func (s *Session) qspiRequireReady() error {
	if err := s.requireDevice(); err != nil {
		return err
	}
	if err := s.requireUnprotected(); err != nil {
		return err
	}
	if s.qspi.state != qspiInitialized {
		return fmt.Errorf("%w: QSPI not initialized", ErrInvalidOperation)
	}
	return nil
}

func (s *Session) qspiCheckRange(addr, length uint32) error {
	if s.qspi.params.AddressMode == QSPIAddress24Bit && addr+length > qspiAddrSpace {
		return fmt.Errorf("%w: %08X+%d exceeds 24-bit addressing", ErrInvalidParameter, addr, length)
	}
	return nil
}

// qspiRead transfers through the DMA staging buffer in word-aligned
// chunks.
func (s *Session) qspiRead(addr uint32, length int) ([]byte, error) {
	start := AlignDown(addr, 4)
	end := Align(addr+uint32(length), 4)
	out := make([]byte, 0, end-start)
	for pos := start; pos < end; {
		chunk := min(end-pos, nrf.QspiOpBufferSize)
		steps := []struct {
			addr uint32
			val  uint32
		}{
			{nrf.QspiReadSrc, pos},
			{nrf.QspiReadDst, nrf.QspiOpBufferAddr},
			{nrf.QspiReadCnt, chunk},
		}
		for _, st := range steps {
			if err := s.rawWriteU32(st.addr, st.val); err != nil {
				return nil, err
			}
		}
		if err := s.qspiTask(nrf.QspiReadStart); err != nil {
			return nil, err
		}
		buf := make([]byte, chunk)
		if err := s.h.ReadMemory(nrf.QspiOpBufferAddr, buf); err != nil {
			return nil, &MemoryAccessError{Addr: nrf.QspiOpBufferAddr, Cause: err}
		}
		out = append(out, buf...)
		pos += chunk
	}
	lead := addr - start
	return out[lead : lead+uint32(length)], nil
}

// qspiWrite pads to word alignment with 0xFF and transfers through the
// DMA staging buffer.
func (s *Session) qspiWrite(addr uint32, data []byte) error {
	start := AlignDown(addr, 4)
	end := Align(addr+uint32(len(data)), 4)
	padded := make([]byte, end-start)
	for i := range padded {
		padded[i] = 0xFF
	}
	copy(padded[addr-start:], data)
	for pos := start; pos < end; {
		chunk := min(end-pos, nrf.QspiOpBufferSize)
		slice := padded[pos-start : pos-start+chunk]
		if err := s.h.WriteMemory(nrf.QspiOpBufferAddr, slice); err != nil {
			return &MemoryAccessError{Addr: nrf.QspiOpBufferAddr, Cause: err}
		}
		steps := []struct {
			addr uint32
			val  uint32
		}{
			{nrf.QspiWriteDst, pos},
			{nrf.QspiWriteSrc, nrf.QspiOpBufferAddr},
			{nrf.QspiWriteCnt, chunk},
		}
		for _, st := range steps {
			if err := s.rawWriteU32(st.addr, st.val); err != nil {
				return err
			}
		}
		if err := s.qspiTask(nrf.QspiWriteStart); err != nil {
			return err
		}
		pos += chunk
	}
	return nil
}

func (s *Session) qspiErase(addr uint32, length QSPIEraseLength) error {
	var lenCode uint32
	switch length {
	case QSPIErase4KB:
		lenCode = nrf.QspiEraseLen4KB
	case QSPIErase32KB:
		lenCode = nrf.QspiEraseLen32KB
	case QSPIErase64KB:
		lenCode = nrf.QspiEraseLen64KB
	case QSPIEraseAllChip:
		lenCode = nrf.QspiEraseLenAll
	}
	if err := s.rawWriteU32(nrf.QspiErasePtr, addr); err != nil {
		return err
	}
	if err := s.rawWriteU32(nrf.QspiEraseLen, lenCode); err != nil {
		return err
	}
	return s.qspiTask(nrf.QspiEraseStart)
}

// qspiTask clears the ready event, fires a task register and waits for
// completion.
func (s *Session) qspiTask(task uint32) error {
	if err := s.rawWriteU32(nrf.QspiEventsReady, 0); err != nil {
		return err
	}
	if err := s.rawWriteU32(task, 1); err != nil {
		return err
	}
	return s.waitQspiReady()
}

func (s *Session) waitQspiReady() error {
	for i := 0; i < 1000; i++ {
		ready, err := s.rawReadU32(nrf.QspiEventsReady)
		if err != nil {
			return err
		}
		if ready&1 == 1 {
			return nil
		}
	}
	return fmt.Errorf("%w: QSPI peripheral stuck busy", ErrInvalidOperation)
}
