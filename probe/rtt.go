package probe

import (
	"bytes"
	"fmt"

	"github.com/wnxd/probedbg/encoding"
)

// rttIDString is the signature the control-block scan looks for.
var rttIDString = []byte("SEGGER RTT")

// rttScanChunk bounds how much RAM one readiness poll inspects, keeping
// the poll non-blocking in spirit: control-block placement depends on
// target firmware that runs unsynchronized with us.
const rttScanChunk = 16 * 1024

// rttControlBlock is the target-resident control block header.
type rttControlBlock struct {
	ID                [16]byte
	MaxNumUpBuffers   int32
	MaxNumDownBuffers int32
}

// rttChannelDesc is one target-resident ring-buffer descriptor. Up
// buffers follow the header, then down buffers.
type rttChannelDesc struct {
	NamePtr uint32
	BufPtr  uint32
	Size    uint32
	WrOff   uint32
	RdOff   uint32
	Flags   uint32
}

type rttPhase int

const (
	rttStopped rttPhase = iota
	rttStarted
	rttFound
)

type rttState struct {
	phase  rttPhase
	pinned uint32 // caller-pinned control block address, 0 = none
	cursor uint32 // scan position within RAM
	cbAddr uint32
	up     []rttChannel
	down   []rttChannel
}

type rttChannel struct {
	descAddr uint32
	name     string
	size     uint32
}

func (r *rttState) reset() {
	*r = rttState{pinned: r.pinned}
}

// RTTChannelInfo describes one RTT channel.
type RTTChannelInfo struct {
	Index     int
	Direction RTTDirection
	Name      string
	Size      uint32
}

// targetMem adapts the session's transport to the encoding codec.
type targetMem struct {
	s *Session
}

func (m targetMem) ReadMemory(addr uint32, buf []byte) error {
	return m.s.h.ReadMemory(addr, buf)
}

func (m targetMem) WriteMemory(addr uint32, data []byte) error {
	return m.s.h.WriteMemory(addr, data)
}

// RTTSetControlBlockAddress pins the control-block search to addr
// instead of scanning all of RAM. Must be called before RTTStart.
func (s *Session) RTTSetControlBlockAddress(addr uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireOpen(); err != nil {
		return err
	}
	if s.rtt.phase != rttStopped {
		return fmt.Errorf("%w: RTT already started", ErrInvalidOperation)
	}
	if addr%4 != 0 {
		return fmt.Errorf("%w: control block address %08X not word aligned", ErrInvalidParameter, addr)
	}
	s.rtt.pinned = addr
	return nil
}

// RTTStart begins the search for the RTT control block and returns
// immediately. Readiness is polled through RTTIsControlBlockFound; the
// block appears only once target firmware has initialized it.
func (s *Session) RTTStart() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireDevice(); err != nil {
		return err
	}
	if err := s.requireUnprotected(); err != nil {
		return err
	}
	if s.rtt.phase != rttStopped {
		return fmt.Errorf("%w: RTT already started", ErrInvalidOperation)
	}
	s.rtt.phase = rttStarted
	s.rtt.cursor = 0
	s.log.Debug("rtt started", "pinned", s.rtt.pinned)
	return nil
}

// RTTIsControlBlockFound advances the search one bounded step and
// reports whether the control block has been located.
func (s *Session) RTTIsControlBlockFound() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireDevice(); err != nil {
		return false, err
	}
	if s.rtt.phase == rttStopped {
		return false, fmt.Errorf("%w: RTT not started", ErrInvalidOperation)
	}
	if s.rtt.phase == rttFound {
		return true, nil
	}
	addr, ok, err := s.rttScanStep()
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if err := s.rttParseControlBlock(addr); err != nil {
		return false, err
	}
	s.rtt.phase = rttFound
	s.rtt.cbAddr = addr
	s.log.Debug("rtt control block found", "addr", addr, "up", len(s.rtt.up), "down", len(s.rtt.down))
	return true, nil
}

// rttScanStep looks for the id signature: at the pinned address if one
// is set, otherwise in the next chunk of RAM.
func (s *Session) rttScanStep() (uint32, bool, error) {
	if s.rtt.pinned != 0 {
		buf := make([]byte, len(rttIDString))
		if err := s.h.ReadMemory(s.rtt.pinned, buf); err != nil {
			return 0, false, &MemoryAccessError{Addr: s.rtt.pinned, Cause: err}
		}
		return s.rtt.pinned, bytes.Equal(buf, rttIDString), nil
	}
	info := s.dev.info
	if s.rtt.cursor == 0 {
		s.rtt.cursor = info.RAMAddr
	}
	end := info.RAMAddr + info.RAMSize
	if s.rtt.cursor >= end {
		// Wrap so later firmware starts can still be discovered.
		s.rtt.cursor = info.RAMAddr
	}
	chunk := uint32(rttScanChunk)
	if s.rtt.cursor+chunk > end {
		chunk = end - s.rtt.cursor
	}
	// Overlap so a signature split across chunks is still seen.
	read := chunk + uint32(len(rttIDString)) - 1
	if s.rtt.cursor+read > end {
		read = end - s.rtt.cursor
	}
	buf := make([]byte, read)
	base := s.rtt.cursor
	s.rtt.cursor += chunk
	if err := s.h.ReadMemory(base, buf); err != nil {
		// Unpowered sections are skipped, not fatal.
		return 0, false, nil
	}
	if i := bytes.Index(buf, rttIDString); i >= 0 {
		return base + uint32(i), true, nil
	}
	return 0, false, nil
}

func (s *Session) rttParseControlBlock(addr uint32) error {
	mem := targetMem{s}
	var cb rttControlBlock
	if err := encoding.Read(mem, addr, &cb); err != nil {
		return &MemoryAccessError{Addr: addr, Cause: err}
	}
	if cb.MaxNumUpBuffers < 0 || cb.MaxNumUpBuffers > 16 || cb.MaxNumDownBuffers < 0 || cb.MaxNumDownBuffers > 16 {
		return fmt.Errorf("%w: implausible control block at %08X", ErrInvalidOperation, addr)
	}
	descSize := uint32(encoding.Sizeof(rttChannelDesc{}))
	descAddr := addr + uint32(encoding.Sizeof(cb))
	load := func(n int32) ([]rttChannel, error) {
		chans := make([]rttChannel, 0, n)
		for i := int32(0); i < n; i++ {
			var d rttChannelDesc
			if err := encoding.Read(mem, descAddr, &d); err != nil {
				return nil, &MemoryAccessError{Addr: descAddr, Cause: err}
			}
			chans = append(chans, rttChannel{
				descAddr: descAddr,
				name:     s.rttReadName(d.NamePtr),
				size:     d.Size,
			})
			descAddr += descSize
		}
		return chans, nil
	}
	up, err := load(cb.MaxNumUpBuffers)
	if err != nil {
		return err
	}
	down, err := load(cb.MaxNumDownBuffers)
	if err != nil {
		return err
	}
	s.rtt.up, s.rtt.down = up, down
	return nil
}

func (s *Session) rttReadName(ptr uint32) string {
	if ptr == 0 {
		return ""
	}
	buf := make([]byte, 32)
	if err := s.h.ReadMemory(ptr, buf); err != nil {
		return ""
	}
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}
	return string(buf)
}

// RTTChannelCount returns the number of down and up channels.
func (s *Session) RTTChannelCount() (down, up int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.rttRequireFound(); err != nil {
		return 0, 0, err
	}
	return len(s.rtt.down), len(s.rtt.up), nil
}

// RTTChannelInfo describes one channel of the given direction.
func (s *Session) RTTChannelInfo(index int, dir RTTDirection) (RTTChannelInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.rttRequireFound(); err != nil {
		return RTTChannelInfo{}, err
	}
	ch, err := s.rttChannel(index, dir)
	if err != nil {
		return RTTChannelInfo{}, err
	}
	return RTTChannelInfo{Index: index, Direction: dir, Name: ch.name, Size: ch.size}, nil
}

func (s *Session) rttRequireFound() error {
	if err := s.requireDevice(); err != nil {
		return err
	}
	if s.rtt.phase != rttFound {
		return fmt.Errorf("%w: RTT control block not found", ErrInvalidOperation)
	}
	return nil
}

func (s *Session) rttChannel(index int, dir RTTDirection) (rttChannel, error) {
	chans := s.rtt.up
	if dir == RTTDown {
		chans = s.rtt.down
	}
	if index < 0 || index >= len(chans) {
		return rttChannel{}, fmt.Errorf("%w: %v channel %d", ErrInvalidParameter, dir, index)
	}
	return chans[index], nil
}

// RTTRead moves at most len(buf) bytes from an up channel into buf and
// returns how many arrived. Nothing available is a zero count, not an
// error.
func (s *Session) RTTRead(index int, buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.rttRequireFound(); err != nil {
		return 0, err
	}
	ch, err := s.rttChannel(index, RTTUp)
	if err != nil {
		return 0, err
	}
	mem := targetMem{s}
	var d rttChannelDesc
	if err := encoding.Read(mem, ch.descAddr, &d); err != nil {
		return 0, &MemoryAccessError{Addr: ch.descAddr, Cause: err}
	}
	if d.Size == 0 {
		return 0, nil
	}
	n := 0
	rd := d.RdOff
	for n < len(buf) && rd != d.WrOff {
		run := d.WrOff
		if rd > d.WrOff {
			run = d.Size
		}
		chunk := min(int(run-rd), len(buf)-n)
		if err := s.h.ReadMemory(d.BufPtr+rd, buf[n:n+chunk]); err != nil {
			return n, &MemoryAccessError{Addr: d.BufPtr + rd, Cause: err}
		}
		n += chunk
		rd += uint32(chunk)
		if rd == d.Size {
			rd = 0
		}
	}
	if rd != d.RdOff {
		if err := s.rawWriteU32(ch.descAddr+16, rd); err != nil {
			return n, err
		}
	}
	return n, nil
}

// RTTWrite moves data into a down channel and returns how many bytes
// the channel buffer could take. A short count is success.
func (s *Session) RTTWrite(index int, data []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.rttRequireFound(); err != nil {
		return 0, err
	}
	ch, err := s.rttChannel(index, RTTDown)
	if err != nil {
		return 0, err
	}
	mem := targetMem{s}
	var d rttChannelDesc
	if err := encoding.Read(mem, ch.descAddr, &d); err != nil {
		return 0, &MemoryAccessError{Addr: ch.descAddr, Cause: err}
	}
	if d.Size == 0 {
		return 0, nil
	}
	free := (d.RdOff + d.Size - d.WrOff - 1) % d.Size
	n := min(len(data), int(free))
	wr := d.WrOff
	written := 0
	for written < n {
		run := d.Size - wr
		chunk := min(int(run), n-written)
		if err := s.h.WriteMemory(d.BufPtr+wr, data[written:written+chunk]); err != nil {
			return written, &MemoryAccessError{Addr: d.BufPtr + wr, Cause: err}
		}
		written += chunk
		wr = (wr + uint32(chunk)) % d.Size
	}
	if wr != d.WrOff {
		if err := s.rawWriteU32(ch.descAddr+12, wr); err != nil {
			return written, err
		}
	}
	return written, nil
}

// RTTStop erases the in-target control block id, so a later RTTStart
// cannot rediscover stale state, and resets the manager.
func (s *Session) RTTStop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireDevice(); err != nil {
		return err
	}
	if s.rtt.phase == rttStopped {
		return fmt.Errorf("%w: RTT not started", ErrInvalidOperation)
	}
	if s.rtt.phase == rttFound {
		zero := make([]byte, len(rttIDString))
		if err := s.h.WriteMemory(s.rtt.cbAddr, zero); err != nil {
			return &MemoryAccessError{Addr: s.rtt.cbAddr, Cause: err}
		}
	}
	s.rtt.reset()
	s.log.Debug("rtt stopped")
	return nil
}
