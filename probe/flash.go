package probe

import (
	"bytes"
	"fmt"
	"hash/fnv"

	"github.com/wnxd/probedbg/image"
	"github.com/wnxd/probedbg/internal/nrf"
)

// Phase labels one stage of the programming pipeline for progress
// reporting.
type Phase string

const (
	PhaseErase    Phase = "erase"
	PhaseProgram  Phase = "program"
	PhaseVerify   Phase = "verify"
	PhaseReset    Phase = "reset"
	PhaseComplete Phase = "complete"
)

// Progress is handed to the progress callback as the pipeline advances.
type Progress struct {
	Phase        Phase
	PagesDone    int
	PagesTotal   int
	BytesWritten int
}

// ProgressFunc receives pipeline progress. Implementations should
// return quickly.
type ProgressFunc func(Progress)

// ProgramOptions controls the combined erase/program/verify/reset
// pipeline.
type ProgramOptions struct {
	Verify VerifyAction
	// EraseAction applies to internal flash, QSPIEraseAction to the
	// external memory; they are chosen independently.
	EraseAction     EraseAction
	QSPIEraseAction EraseAction
	Reset           ResetAction
	Progress        ProgressFunc
}

// ReadOptions selects which memories ReadToImage captures.
type ReadOptions struct {
	RAM  bool
	Code bool
	UICR bool
	QSPI bool
}

func (o ProgramOptions) report(p Progress) {
	if o.Progress != nil {
		o.Progress(p)
	}
}

// ErasePage erases the flash page containing addr.
func (s *Session) ErasePage(addr uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireDevice(); err != nil {
		return err
	}
	if err := s.requireUnprotected(); err != nil {
		return err
	}
	descs, err := s.memoryDescriptors()
	if err != nil {
		return err
	}
	d, ok := findDescriptor(descs, addr)
	if !ok || d.Type != MemoryCode {
		return &UnknownMemoryError{Addr: addr, Len: 1}
	}
	base, _, _ := d.PageAt(addr)
	return s.erasePage(base)
}

func (s *Session) erasePage(base uint32) error {
	if prot, err := s.blockProtected(base, 1); err != nil {
		return err
	} else if prot {
		return fmt.Errorf("%w: page %08X", ErrNotAvailableBecauseBlockProtection, base)
	}
	if err := s.rawWriteU32(nrf.NvmcConfig, nrf.NvmcConfigEen); err != nil {
		return err
	}
	eerr := s.rawWriteU32(nrf.NvmcErasePage, base)
	if err := s.rawWriteU32(nrf.NvmcConfig, nrf.NvmcConfigRen); err != nil {
		return err
	}
	if eerr != nil {
		return eerr
	}
	return s.waitNvmcReady()
}

// EraseUICR erases the UICR info page.
func (s *Session) EraseUICR() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireDevice(); err != nil {
		return err
	}
	if err := s.requireUnprotected(); err != nil {
		return err
	}
	return s.eraseUICR()
}

func (s *Session) eraseUICR() error {
	if err := s.rawWriteU32(nrf.NvmcConfig, nrf.NvmcConfigEen); err != nil {
		return err
	}
	eerr := s.rawWriteU32(nrf.NvmcEraseUicr, 1)
	if err := s.rawWriteU32(nrf.NvmcConfig, nrf.NvmcConfigRen); err != nil {
		return err
	}
	if eerr != nil {
		return eerr
	}
	return s.waitNvmcReady()
}

// EraseAll erases all user flash and the UICR.
func (s *Session) EraseAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireDevice(); err != nil {
		return err
	}
	if err := s.requireUnprotected(); err != nil {
		return err
	}
	return s.eraseAll()
}

func (s *Session) eraseAll() error {
	if err := s.rawWriteU32(nrf.NvmcConfig, nrf.NvmcConfigEen); err != nil {
		return err
	}
	eerr := s.rawWriteU32(nrf.NvmcEraseAll, 1)
	if err := s.rawWriteU32(nrf.NvmcConfig, nrf.NvmcConfigRen); err != nil {
		return err
	}
	if eerr != nil {
		return eerr
	}
	return s.waitNvmcReady()
}

// EraseImage erases flash ahead of programming img: the file-covered
// pages, everything, or nothing, chosen independently for internal and
// external flash.
func (s *Session) EraseImage(img *image.Image, internal, external EraseAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if img == nil {
		return fmt.Errorf("%w: nil image", ErrInvalidParameter)
	}
	if err := s.requireDevice(); err != nil {
		return err
	}
	if err := s.requireUnprotected(); err != nil {
		return err
	}
	split, err := s.splitImage(img)
	if err != nil {
		return err
	}
	return s.eraseForImage(split, internal, external)
}

// splitImage partitions and validates an image's records against the
// known memories.
type splitRecords struct {
	code []image.Record // internal flash + UICR
	ram  []image.Record
	xip  []image.Record
}

func (s *Session) splitImage(img *image.Image) (splitRecords, error) {
	var out splitRecords
	descs, err := s.memoryDescriptors()
	if err != nil {
		return out, err
	}
	for _, r := range img.Records() {
		d, ok := findDescriptor(descs, r.Addr)
		if !ok || !d.Contains(r.Addr, len(r.Data)) {
			return out, &UnknownMemoryError{Addr: r.Addr, Len: len(r.Data)}
		}
		switch d.Type {
		case MemoryCode, MemoryUICR:
			out.code = append(out.code, r)
		case MemoryDataRAM, MemoryCodeRAM:
			out.ram = append(out.ram, r)
		case MemoryXIP:
			out.xip = append(out.xip, r)
		default:
			return out, &UnknownMemoryError{Addr: r.Addr, Len: len(r.Data)}
		}
	}
	return out, nil
}

func (s *Session) eraseForImage(split splitRecords, internal, external EraseAction) error {
	switch internal {
	case EraseNone:
	case EraseAll:
		if err := s.eraseAll(); err != nil {
			return err
		}
	case ErasePages:
		descs, err := s.memoryDescriptors()
		if err != nil {
			return err
		}
		for _, r := range split.code {
			d, ok := findDescriptor(descs, r.Addr)
			if !ok {
				return &UnknownMemoryError{Addr: r.Addr, Len: len(r.Data)}
			}
			if d.Type == MemoryUICR {
				if err := s.eraseUICR(); err != nil {
					return err
				}
				continue
			}
			bases, _ := d.pagesCovering(r.Addr, len(r.Data))
			for _, base := range bases {
				if err := s.erasePage(base); err != nil {
					return err
				}
			}
		}
	default:
		return fmt.Errorf("%w: erase action %d", ErrInvalidParameter, int(internal))
	}
	if len(split.xip) > 0 || external == EraseAll {
		switch external {
		case EraseNone:
		case EraseAll:
			if s.qspi.state != qspiInitialized {
				return fmt.Errorf("%w: QSPI not initialized", ErrInvalidOperation)
			}
			if err := s.qspiErase(0, QSPIEraseAllChip); err != nil {
				return err
			}
		case ErasePages:
			if s.qspi.state != qspiInitialized {
				return fmt.Errorf("%w: QSPI not initialized", ErrInvalidOperation)
			}
			for _, r := range split.xip {
				start := AlignDown(r.Addr-nrf.XipBase, qspiSectorSize)
				end := Align(r.Addr-nrf.XipBase+uint32(len(r.Data)), qspiSectorSize)
				for sector := start; sector < end; sector += qspiSectorSize {
					if err := s.qspiErase(sector, QSPIErase4KB); err != nil {
						return err
					}
				}
			}
		default:
			return fmt.Errorf("%w: qspi erase action %d", ErrInvalidParameter, int(external))
		}
	}
	return nil
}

// Program writes all records of img, erasing and verifying according to
// opts. Internal-flash block protection is disabled automatically ahead
// of internal writes, never for external ones. Programming is not
// interruptible mid-page; after a failure the contents of records not
// yet confirmed written are undefined.
func (s *Session) Program(img *image.Image, opts ProgramOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.program(img, opts)
}

func (s *Session) program(img *image.Image, opts ProgramOptions) error {
	if img == nil {
		return fmt.Errorf("%w: nil image", ErrInvalidParameter)
	}
	if err := s.requireDevice(); err != nil {
		return err
	}
	if err := s.requireUnprotected(); err != nil {
		return err
	}
	split, err := s.splitImage(img)
	if err != nil {
		return err
	}
	if len(split.xip) > 0 && s.qspi.state != qspiInitialized {
		return fmt.Errorf("%w: image targets external memory but QSPI not initialized", ErrInvalidOperation)
	}

	opts.report(Progress{Phase: PhaseErase})
	if len(split.code) > 0 {
		// Pages cannot be erased or written while block-protected.
		if prot, err := s.anyCodeProtected(split.code); err != nil {
			return err
		} else if prot {
			if err := s.disableBlockProtection(); err != nil {
				return err
			}
		}
	}
	if err := s.eraseForImage(split, opts.EraseAction, opts.QSPIEraseAction); err != nil {
		return err
	}

	total := len(split.code) + len(split.ram) + len(split.xip)
	done := 0
	written := 0
	step := func() {
		done++
		opts.report(Progress{Phase: PhaseProgram, PagesDone: done, PagesTotal: total, BytesWritten: written})
	}
	for _, r := range split.code {
		if err := s.flashWrite(r.Addr, r.Data); err != nil {
			return err
		}
		written += len(r.Data)
		step()
	}
	for _, r := range split.ram {
		if err := s.h.WriteMemory(r.Addr, r.Data); err != nil {
			return &MemoryAccessError{Addr: r.Addr, Cause: err}
		}
		written += len(r.Data)
		step()
	}
	for _, r := range split.xip {
		if err := s.qspiWrite(r.Addr-nrf.XipBase, r.Data); err != nil {
			return err
		}
		written += len(r.Data)
		step()
	}

	if opts.Verify != VerifyNone {
		opts.report(Progress{Phase: PhaseVerify, PagesTotal: total, BytesWritten: written})
		if err := s.verify(img, opts.Verify); err != nil {
			return err
		}
	}
	switch opts.Reset {
	case ResetNone:
	case ResetSystem:
		opts.report(Progress{Phase: PhaseReset})
		if err := s.sysReset(); err != nil {
			return err
		}
	case ResetDebug:
		opts.report(Progress{Phase: PhaseReset})
		if err := s.pulseCtrlAPReset(); err != nil {
			return err
		}
	case ResetPin:
		opts.report(Progress{Phase: PhaseReset})
		s.dropDeviceBinding()
		if err := s.h.PulseResetLine(pinResetPulse); err != nil {
			return fmt.Errorf("pin reset failed, close and reopen the session: %w", err)
		}
	default:
		return fmt.Errorf("%w: reset action %d", ErrInvalidParameter, int(opts.Reset))
	}
	opts.report(Progress{Phase: PhaseComplete, PagesDone: total, PagesTotal: total, BytesWritten: written})
	s.log.Debug("image programmed", "image", img.Name, "bytes", written)
	return nil
}

func (s *Session) anyCodeProtected(records []image.Record) (bool, error) {
	for _, r := range records {
		if r.Addr >= nrf.UicrBase {
			continue
		}
		if prot, err := s.blockProtected(r.Addr, len(r.Data)); err != nil {
			return false, err
		} else if prot {
			return true, nil
		}
	}
	return false, nil
}

// ProgramArchive expands a multi-image archive into one independent
// programming operation per contained image.
func (s *Session) ProgramArchive(ar *image.Archive, opts ProgramOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ar == nil {
		return fmt.Errorf("%w: nil archive", ErrInvalidParameter)
	}
	for _, img := range ar.Images {
		if err := s.program(img, opts); err != nil {
			return fmt.Errorf("image %q: %w", img.Name, err)
		}
	}
	return nil
}

// Verify checks target contents against img. VerifyRead reads
// everything back and compares on the host; VerifyHash drives a helper
// routine in target RAM that digests each record range. A mismatch is a
// *VerifyError; anything that prevented checking keeps its own error
// identity.
func (s *Session) Verify(img *image.Image, action VerifyAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if img == nil {
		return fmt.Errorf("%w: nil image", ErrInvalidParameter)
	}
	if err := s.requireDevice(); err != nil {
		return err
	}
	if err := s.requireUnprotected(); err != nil {
		return err
	}
	return s.verify(img, action)
}

func (s *Session) verify(img *image.Image, action VerifyAction) error {
	split, err := s.splitImage(img)
	if err != nil {
		return err
	}
	if len(split.xip) > 0 && s.qspi.state != qspiInitialized {
		return fmt.Errorf("%w: image targets external memory but QSPI not initialized", ErrInvalidOperation)
	}
	switch action {
	case VerifyRead:
		return s.verifyRead(split)
	case VerifyHash:
		return s.verifyHash(split)
	}
	return fmt.Errorf("%w: verify action %d", ErrInvalidParameter, int(action))
}

func (s *Session) verifyRead(split splitRecords) error {
	check := func(addr uint32, want []byte, got []byte) error {
		if i := firstMismatch(want, got); i >= 0 {
			return &VerifyError{Addr: addr + uint32(i), Expected: want[i], Actual: got[i]}
		}
		return nil
	}
	for _, r := range append(append([]image.Record{}, split.code...), split.ram...) {
		buf := make([]byte, len(r.Data))
		if err := s.h.ReadMemory(r.Addr, buf); err != nil {
			return &MemoryAccessError{Addr: r.Addr, Cause: err}
		}
		if err := check(r.Addr, r.Data, buf); err != nil {
			return err
		}
	}
	for _, r := range split.xip {
		buf, err := s.qspiRead(r.Addr-nrf.XipBase, len(r.Data))
		if err != nil {
			return err
		}
		if err := check(r.Addr, r.Data, buf); err != nil {
			return err
		}
	}
	return nil
}

func firstMismatch(a, b []byte) int {
	if bytes.Equal(a, b) {
		return -1
	}
	for i := range a {
		if a[i] != b[i] {
			return i
		}
	}
	return len(a)
}

// verifyHash stages the digest helper into target RAM, then runs it
// once per record and compares the produced digest with the one
// computed locally.
func (s *Session) verifyHash(split splitRecords) error {
	if len(split.xip) > 0 {
		// The helper digests over the internal bus only.
		return fmt.Errorf("%w: hash verify cannot reach external memory", ErrInvalidDeviceForOperation)
	}
	if err := s.h.WriteMemory(nrf.VerifyHelperAddr, verifyHelperStub[:]); err != nil {
		return &MemoryAccessError{Addr: nrf.VerifyHelperAddr, Cause: err}
	}
	for _, r := range append(append([]image.Record{}, split.code...), split.ram...) {
		if err := s.rawWriteU32(nrf.VerifyMailboxAddr+0, nrf.VerifyMagic); err != nil {
			return err
		}
		if err := s.rawWriteU32(nrf.VerifyMailboxAddr+4, r.Addr); err != nil {
			return err
		}
		if err := s.rawWriteU32(nrf.VerifyMailboxAddr+8, uint32(len(r.Data))); err != nil {
			return err
		}
		if err := s.run(nrf.VerifyHelperEntry, nrf.VerifyHelperStack); err != nil {
			return err
		}
		if err := s.waitHalted(); err != nil {
			return err
		}
		digest, err := s.rawReadU32(nrf.VerifyMailboxAddr + 12)
		if err != nil {
			return err
		}
		h := fnv.New32a()
		h.Write(r.Data)
		if digest != h.Sum32() {
			return &VerifyError{Addr: r.Addr}
		}
	}
	return nil
}

func (s *Session) waitHalted() error {
	for i := 0; i < 1000; i++ {
		halted, err := s.h.IsHalted()
		if err != nil {
			return err
		}
		if halted {
			return nil
		}
	}
	return fmt.Errorf("%w: verify helper never halted", ErrInvalidOperation)
}

// ReadToImage captures the selected memories as a sparse image.
func (s *Session) ReadToImage(opts ReadOptions) (*image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireDevice(); err != nil {
		return nil, err
	}
	if err := s.requireUnprotected(); err != nil {
		return nil, err
	}
	descs, err := s.memoryDescriptors()
	if err != nil {
		return nil, err
	}
	img := &image.Image{Name: s.dev.info.String()}
	for _, d := range descs {
		var want bool
		switch d.Type {
		case MemoryCode:
			want = opts.Code
		case MemoryDataRAM, MemoryCodeRAM:
			want = opts.RAM
		case MemoryUICR:
			want = opts.UICR
		case MemoryXIP:
			want = opts.QSPI
		}
		if !want {
			continue
		}
		var buf []byte
		if d.Type == MemoryXIP {
			if s.qspi.state != qspiInitialized {
				return nil, fmt.Errorf("%w: QSPI not initialized", ErrInvalidOperation)
			}
			buf, err = s.qspiRead(d.Start-nrf.XipBase, int(d.Size))
			if err != nil {
				return nil, err
			}
		} else {
			buf = make([]byte, d.Size)
			if err := s.h.ReadMemory(d.Start, buf); err != nil {
				return nil, &MemoryAccessError{Addr: d.Start, Cause: err}
			}
		}
		if err := img.Add(d.Start, buf); err != nil {
			return nil, err
		}
	}
	return img, nil
}
