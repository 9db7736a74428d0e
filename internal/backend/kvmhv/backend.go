//go:build linux

package kvmhv

import (
	"context"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/snapfuzz/snapfuzz/internal/addr"
	"github.com/snapfuzz/snapfuzz/internal/backend"
	"github.com/snapfuzz/snapfuzz/internal/coverage"
	"github.com/snapfuzz/snapfuzz/internal/cpustate"
	"github.com/snapfuzz/snapfuzz/internal/ptwalk"
	"github.com/snapfuzz/snapfuzz/internal/ram"
	"github.com/snapfuzz/snapfuzz/internal/rng"
	"github.com/snapfuzz/snapfuzz/internal/trace"
)

// Backend drives the guest as a real hardware-virtualized VM via raw
// /dev/kvm ioctls (spec.md §4.3's raw-hypervisor backend variant). Unlike
// the emulator backend it never steps instruction-by-instruction; it
// hands the vCPU to KVM_RUN and waits for a VM exit.
type Backend struct {
	mu sync.Mutex

	kvmFd, vmFd, vcpuFd int
	runMmap             []byte
	runSize             int

	ram *ram.Ram
	cov *coverage.Engine

	cr3        ptwalk.Cr3
	initCr3    ptwalk.Cr3
	rdrandSeed uint64

	limit   backend.Limit
	pending *backend.Result

	sink *trace.Sink
}

var _ backend.Backend = (*Backend)(nil)

// New opens /dev/kvm, creates a VM and a single vCPU, and maps the guest's
// Ram buffer as the VM's sole memory slot. r must already be Populate'd in
// ram.ModeEager: KVM needs the entire guest image backing real host pages
// up front, unlike the emulator backend's lazy EnsurePage.
func New(r *ram.Ram) (*Backend, error) {
	kvmFile, err := openKVM()
	if err != nil {
		return nil, err
	}
	kvmFd := int(kvmFile.Fd())

	vmFdRaw, err := ioctlNoArg(kvmFd, _KVM_CREATE_VM)
	if err != nil {
		kvmFile.Close()
		return nil, fmt.Errorf("kvmhv: KVM_CREATE_VM: %w", err)
	}
	vmFd := int(vmFdRaw)

	buf := r.Buffer()
	if len(buf) > 0 {
		region := kvmUserspaceMemoryRegion{
			Slot:          0,
			Flags:         kvmMemLogDirtyPages,
			GuestPhysAddr: 0,
			MemorySize:    uint64(len(buf)),
			UserspaceAddr: uint64(uintptr(unsafe.Pointer(&buf[0]))),
		}
		if err := setUserMemoryRegion(vmFd, &region); err != nil {
			kvmFile.Close()
			return nil, fmt.Errorf("kvmhv: mapping guest memory: %w", err)
		}
	}

	vcpuFdRaw, err := ioctlNoArg(vmFd, _KVM_CREATE_VCPU)
	if err != nil {
		kvmFile.Close()
		return nil, fmt.Errorf("kvmhv: KVM_CREATE_VCPU: %w", err)
	}
	vcpuFd := int(vcpuFdRaw)

	mmapSizeRaw, err := ioctlNoArg(kvmFd, _KVM_GET_VCPU_MMAP_SIZE)
	if err != nil {
		kvmFile.Close()
		return nil, fmt.Errorf("kvmhv: KVM_GET_VCPU_MMAP_SIZE: %w", err)
	}
	mmapSize := int(mmapSizeRaw)

	runMmap, err := unix.Mmap(vcpuFd, 0, mmapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		kvmFile.Close()
		return nil, fmt.Errorf("kvmhv: mmap kvm_run: %w", err)
	}

	if err := setGuestDebug(vcpuFd, kvmGuestDebugEnable); err != nil {
		kvmFile.Close()
		return nil, fmt.Errorf("kvmhv: enabling guest debug: %w", err)
	}

	return &Backend{
		kvmFd:   kvmFd,
		vmFd:    vmFd,
		vcpuFd:  vcpuFd,
		runMmap: runMmap,
		runSize: mmapSize,
		ram:     r,
		cov:     coverage.NewEngine(r),
	}, nil
}

func (b *Backend) runHeader() *kvmRunHeader {
	return (*kvmRunHeader)(unsafe.Pointer(&b.runMmap[0]))
}

func (b *Backend) runMMIO() *kvmRunMMIO {
	return (*kvmRunMMIO)(unsafe.Pointer(&b.runMmap[kvmExitUnionOffset]))
}

func (b *Backend) runIO() *kvmRunIO {
	return (*kvmRunIO)(unsafe.Pointer(&b.runMmap[kvmExitUnionOffset]))
}

// kvmRunHeader mirrors the fixed-size prefix of struct kvm_run that
// precedes its exit-reason union (arch/x86/include/uapi/asm/kvm.h).
type kvmRunHeader struct {
	RequestInterruptWindow     uint8
	ImmediateExit              uint8
	_padding1                  [6]byte
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	Flags                      uint16
	Cr8                        uint64
	ApicBase                   uint64
}

func (b *Backend) physReader() ptwalk.PhysReader { return physAdapter{b.ram} }

type physAdapter struct{ r *ram.Ram }

func (p physAdapter) PhysRead8(gpa addr.Gpa) (uint64, error) {
	var buf [8]byte
	if err := p.r.ReadAt(gpa, buf[:]); err != nil {
		return 0, err
	}
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}
	return v, nil
}

// Initialize applies state to the vCPU and installs coverage breakpoints.
// FPU/XSAVE state is not wired here: KVM_SET_FPU needs its own ioctl
// definition, which this backend does not carry, so tests that rely on
// x87/SSE/AVX register fidelity
// should run against the emulator backend instead.
func (b *Backend) Initialize(ctx context.Context, state *cpustate.CpuState, covIDs []addr.Gva) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.applyState(state); err != nil {
		return err
	}
	b.cr3 = ptwalk.Cr3(state.CR3)
	b.initCr3 = b.cr3
	b.rdrandSeed = state.Seed

	for _, gva := range covIDs {
		if err := b.cov.InstallCoverageBreakpoint(b.physReader(), gva, b.cr3); err != nil {
			return fmt.Errorf("kvmhv: installing coverage bp %v: %w", gva, err)
		}
	}
	return nil
}

func (b *Backend) applyState(state *cpustate.CpuState) error {
	regs := kvmRegs{
		RAX: state.Gpr[cpustate.Rax], RBX: state.Gpr[cpustate.Rbx],
		RCX: state.Gpr[cpustate.Rcx], RDX: state.Gpr[cpustate.Rdx],
		RSI: state.Gpr[cpustate.Rsi], RDI: state.Gpr[cpustate.Rdi],
		RSP: state.Gpr[cpustate.Rsp], RBP: state.Gpr[cpustate.Rbp],
		R8: state.Gpr[cpustate.R8], R9: state.Gpr[cpustate.R9],
		R10: state.Gpr[cpustate.R10], R11: state.Gpr[cpustate.R11],
		R12: state.Gpr[cpustate.R12], R13: state.Gpr[cpustate.R13],
		R14: state.Gpr[cpustate.R14], R15: state.Gpr[cpustate.R15],
		RIP: state.Rip, RFLAGS: state.Rflags,
	}
	if err := setRegs(b.vcpuFd, &regs); err != nil {
		return err
	}

	sregs, err := getSregs(b.vcpuFd)
	if err != nil {
		return err
	}
	sregs.CR0 = state.CR0
	sregs.CR3 = state.CR3
	sregs.CR4 = state.CR4
	sregs.CR8 = state.CR8
	sregs.EFER = state.EFER
	sregs.CS = segmentFromState(state.CS)
	sregs.DS = segmentFromState(state.DS)
	sregs.ES = segmentFromState(state.ES)
	sregs.FS = segmentFromState(state.FS)
	sregs.GS = segmentFromState(state.GS)
	sregs.SS = segmentFromState(state.SS)
	return setSregs(b.vcpuFd, &sregs)
}

// Bit layout of cpustate.Segment.Attr, the hidden-descriptor access-rights
// word regs.json stores per segment (VMX/SVM convention): bits 0-3 type,
// bit 4 S, bits 5-6 DPL, bit 8 AVL, bit 9 L, bit 10 DB, bit 11 G. Present
// travels as its own bool field rather than bit 7 of Attr.
const (
	attrTypeMask = 0xf
	attrSBit     = 1 << 4
	attrDPLShift = 5
	attrDPLMask  = 0x3
	attrAVLBit   = 1 << 8
	attrLBit     = 1 << 9
	attrDBBit    = 1 << 10
	attrGBit     = 1 << 11
)

func segmentFromState(s cpustate.Segment) kvmSegment {
	return kvmSegment{
		Base:     s.Base,
		Limit:    s.Limit,
		Selector: s.Selector,
		Type:     uint8(s.Attr & attrTypeMask),
		Present:  boolToU8(s.Present),
		DPL:      uint8((s.Attr >> attrDPLShift) & attrDPLMask),
		AVL:      boolToU8(s.Attr&attrAVLBit != 0),
		S:        boolToU8(s.Attr&attrSBit != 0),
		L:        boolToU8(s.Attr&attrLBit != 0),
		DB:       boolToU8(s.Attr&attrDBBit != 0),
		G:        boolToU8(s.Attr&attrGBit != 0),
	}
}

func boolToU8(v bool) uint8 {
	if v {
		return 1
	}
	return 0
}

// Run hands the vCPU to KVM_RUN repeatedly, translating each exit into a
// Ram/coverage action, mirroring emulator.Backend.Run's dispatch shape
// but driven by real VM exits instead of Core.Step stops.
func (b *Backend) Run(ctx context.Context, buffer []byte) (backend.Result, error) {
	b.mu.Lock()
	b.pending = nil
	b.mu.Unlock()

	for {
		if b.pending != nil {
			return *b.pending, nil
		}
		if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(b.vcpuFd), uintptr(_KVM_RUN), 0); errno != 0 {
			if errno == unix.EINTR {
				continue
			}
			return backend.Result{}, fmt.Errorf("kvmhv: KVM_RUN: %w", errno)
		}

		header := b.runHeader()
		switch header.ExitReason {
		case kvmExitHLT, kvmExitShutdown:
			name := backend.ExceptionName(backend.ExceptionInfo{Code: backend.ExcTripleFault})
			return backend.Result{Kind: backend.Crash, Name: name}, nil
		case kvmExitDebug:
			regs, err := getRegs(b.vcpuFd)
			if err != nil {
				return backend.Result{}, err
			}
			if b.sink != nil {
				b.recordTrace(addr.Gva(regs.RIP))
			}
			if res, done := b.onBreakpoint(addr.Gva(regs.RIP)); done {
				return res, nil
			}
		case kvmExitMMIO:
			// Guest touched an unmapped region; KVM's mmio exit carries its
			// own read/write bit (spec §6's ExceptionInformation[0] analogue).
			info0 := uint64(0)
			if b.runMMIO().IsWrite != 0 {
				info0 = 1
			}
			name := backend.ExceptionName(backend.ExceptionInfo{Code: backend.ExcAccessViolation, Info0: info0})
			return backend.Result{Kind: backend.Crash, Name: name}, nil
		case kvmExitIO:
			// KVM_EXIT_IO_OUT (1) is a guest write to the port; KVM_EXIT_IO_IN
			// (0) is a guest read.
			info0 := uint64(0)
			if b.runIO().Direction == 1 {
				info0 = 1
			}
			name := backend.ExceptionName(backend.ExceptionInfo{Code: backend.ExcAccessViolation, Info0: info0})
			return backend.Result{Kind: backend.Crash, Name: name}, nil
		}

		sregs, err := getSregs(b.vcpuFd)
		if err == nil && ptwalk.Cr3(sregs.CR3) != b.initCr3 {
			return backend.Result{Kind: backend.Cr3Change}, nil
		}
	}
}

func (b *Backend) onBreakpoint(rip addr.Gva) (backend.Result, bool) {
	switch b.cov.OnBreakpointHit(rip) {
	case coverage.HitUser:
		h, _ := b.cov.UserHandler(rip)
		action := h()
		if action == coverage.ActionStepOver {
			_ = b.cov.BeginStepOver(rip)
		}
		if b.pending != nil {
			return *b.pending, true
		}
		return backend.Result{}, false
	default:
		return backend.Result{}, false
	}
}

// recordTrace appends one trace line for the breakpoint hit at rip, the
// same per-breakpoint granularity emulator.Backend records (KVM_RUN exits
// on the debug trap rather than single-stepping, so there is no cheaper
// per-instruction hook to use instead). Errors are swallowed: a trace
// write failure must not abort the run it is observing.
func (b *Backend) recordTrace(rip addr.Gva) {
	regs := make(map[backend.Register]uint64, 19)
	for r := backend.RegRax; r <= backend.RegCr3; r++ {
		if v, err := b.GetReg(r); err == nil {
			regs[r] = v
		}
	}
	b.sink.RecordInstruction(uint64(rip), regs, nil)
}

func (b *Backend) Restore(state *cpustate.CpuState) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cov.ClearLastNewCoverage()
	// Fold KVM's dirty log into Ram's dirty set first: guest writes made
	// under hardware virtualization never pass through ram.WriteAt.
	b.DirtyGpaCount()
	if err := b.ram.RestoreDirty(); err != nil {
		return err
	}
	if err := b.applyState(state); err != nil {
		return err
	}
	b.cr3 = ptwalk.Cr3(state.CR3)
	b.initCr3 = b.cr3
	return nil
}

func (b *Backend) Stop(result backend.Result) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r := result
	b.pending = &r
}

func (b *Backend) SetLimit(l backend.Limit) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.limit = l
}

func (b *Backend) GetReg(r backend.Register) (uint64, error) {
	regs, err := getRegs(b.vcpuFd)
	if err != nil {
		return 0, err
	}
	switch r {
	case backend.RegRax:
		return regs.RAX, nil
	case backend.RegRbx:
		return regs.RBX, nil
	case backend.RegRcx:
		return regs.RCX, nil
	case backend.RegRdx:
		return regs.RDX, nil
	case backend.RegRsi:
		return regs.RSI, nil
	case backend.RegRdi:
		return regs.RDI, nil
	case backend.RegRsp:
		return regs.RSP, nil
	case backend.RegRbp:
		return regs.RBP, nil
	case backend.RegR8:
		return regs.R8, nil
	case backend.RegR9:
		return regs.R9, nil
	case backend.RegR10:
		return regs.R10, nil
	case backend.RegR11:
		return regs.R11, nil
	case backend.RegR12:
		return regs.R12, nil
	case backend.RegR13:
		return regs.R13, nil
	case backend.RegR14:
		return regs.R14, nil
	case backend.RegR15:
		return regs.R15, nil
	case backend.RegRip:
		return regs.RIP, nil
	case backend.RegRflags:
		return regs.RFLAGS, nil
	case backend.RegCr3:
		sregs, err := getSregs(b.vcpuFd)
		if err != nil {
			return 0, err
		}
		return sregs.CR3, nil
	default:
		return 0, fmt.Errorf("kvmhv: unsupported register %v", r)
	}
}

func (b *Backend) SetReg(r backend.Register, v uint64) error {
	regs, err := getRegs(b.vcpuFd)
	if err != nil {
		return err
	}
	switch r {
	case backend.RegRax:
		regs.RAX = v
	case backend.RegRbx:
		regs.RBX = v
	case backend.RegRcx:
		regs.RCX = v
	case backend.RegRdx:
		regs.RDX = v
	case backend.RegRsi:
		regs.RSI = v
	case backend.RegRdi:
		regs.RDI = v
	case backend.RegRsp:
		regs.RSP = v
	case backend.RegRbp:
		regs.RBP = v
	case backend.RegR8:
		regs.R8 = v
	case backend.RegR9:
		regs.R9 = v
	case backend.RegR10:
		regs.R10 = v
	case backend.RegR11:
		regs.R11 = v
	case backend.RegR12:
		regs.R12 = v
	case backend.RegR13:
		regs.R13 = v
	case backend.RegR14:
		regs.R14 = v
	case backend.RegR15:
		regs.R15 = v
	case backend.RegRip:
		regs.RIP = v
	case backend.RegRflags:
		regs.RFLAGS = v
	case backend.RegCr3:
		sregs, err := getSregs(b.vcpuFd)
		if err != nil {
			return err
		}
		sregs.CR3 = v
		return setSregs(b.vcpuFd, &sregs)
	default:
		return fmt.Errorf("kvmhv: unsupported register %v", r)
	}
	return setRegs(b.vcpuFd, &regs)
}

// Rdrand returns the next value from the same blake3 chain as the
// emulator backend. Real guest RDRAND instructions are not intercepted by
// this backend (KVM retires them against the host CPU); this method
// exists for API parity and for guests that cooperate via the paravirt
// RNG MSR interface instead of the RDRAND instruction.
func (b *Backend) Rdrand() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	next, value := rng.Chain(b.rdrandSeed)
	b.rdrandSeed = next
	return value
}

func (b *Backend) SetBreakpoint(gva addr.Gva, handler coverage.Handler) error {
	return b.cov.SetUserBreakpoint(b.physReader(), gva, b.cr3, handler)
}

func (b *Backend) VirtTranslate(gva addr.Gva, validate ptwalk.AccessKind) (addr.Gpa, error) {
	return ptwalk.VirtTranslate(b.physReader(), gva, b.cr3, validate)
}

func (b *Backend) PhysTranslate(gpa addr.Gpa) (uint64, error) { return b.ram.HVA(gpa) }

func (b *Backend) VirtRead(gva addr.Gva, dst []byte) error {
	gpa, err := b.VirtTranslate(gva, ptwalk.Read)
	if err != nil {
		return err
	}
	return b.ram.ReadAt(gpa, dst)
}

func (b *Backend) VirtWrite(gva addr.Gva, src []byte) error {
	gpa, err := b.VirtTranslate(gva, ptwalk.Write)
	if err != nil {
		return err
	}
	return b.ram.WriteAt(gpa, src)
}

func (b *Backend) PhysRead(gpa addr.Gpa, dst []byte) error  { return b.ram.ReadAt(gpa, dst) }
func (b *Backend) PhysWrite(gpa addr.Gpa, src []byte) error { return b.ram.WriteAt(gpa, src) }

// PageFaultIfNeeded never injects anything: this backend maps the entire
// Ram buffer eagerly (ModeEager) as one memslot, so there is no
// demand-paging boundary for the guest to fault across.
func (b *Backend) PageFaultIfNeeded(gva addr.Gva, n uint64) (bool, error) { return false, nil }

func (b *Backend) LastNewCoverage() []addr.Gva { return b.cov.LastNewCoverage() }

func (b *Backend) RevokeLastNewCoverage() error {
	return b.cov.RevokeLastNewCoverage(b.physReader(), b.cr3)
}

// SetTraceFile opens a trace sink of the given kind at path, closing any
// previously open sink. One line is appended per breakpoint hit (per the
// same granularity recordTrace documents), not one per guest instruction.
func (b *Backend) SetTraceFile(path string, kind backend.TraceKind) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sink != nil {
		b.sink.Close()
		b.sink = nil
	}
	s, err := trace.Open(path, kind)
	if err != nil {
		return fmt.Errorf("kvmhv: opening trace file: %w", err)
	}
	b.sink = s
	return nil
}

// DirtyGpaCount reads and clears the KVM dirty-page bitmap for slot 0 and
// reconciles it with Ram's dirty set, since writes the guest made via
// hardware virtualization never pass through ram.WriteAt.
func (b *Backend) DirtyGpaCount() int {
	bitmap, err := b.dirtyBitmap()
	if err != nil {
		return len(b.ram.DirtyPages())
	}
	for wordIdx, word := range bitmap {
		if word == 0 {
			continue
		}
		for bit := 0; bit < 64; bit++ {
			if word&(1<<uint(bit)) == 0 {
				continue
			}
			pageIdx := wordIdx*64 + bit
			b.ram.MarkDirty(addr.Gpa(uint64(pageIdx)*addr.PageSize), addr.PageSize)
		}
	}
	return len(b.ram.DirtyPages())
}

func (b *Backend) dirtyBitmap() ([]uint64, error) {
	numPages := (len(b.ram.Buffer()) + int(addr.PageSize) - 1) / int(addr.PageSize)
	words := (numPages + 63) / 64
	if words == 0 {
		return nil, nil
	}
	bitmap := make([]uint64, words)
	type dirtyLog struct {
		Slot   uint32
		_pad   uint32
		BitMap uint64
	}
	dl := dirtyLog{Slot: 0, BitMap: uint64(uintptr(unsafe.Pointer(&bitmap[0])))}
	if err := ioctlPtr(b.vmFd, _KVM_GET_DIRTY_LOG, unsafe.Pointer(&dl)); err != nil {
		return nil, err
	}
	return bitmap, nil
}

func (b *Backend) Close() error {
	if b.sink != nil {
		b.sink.Close()
		b.sink = nil
	}
	unix.Munmap(b.runMmap)
	os.NewFile(uintptr(b.vcpuFd), "vcpu").Close()
	os.NewFile(uintptr(b.vmFd), "vm").Close()
	os.NewFile(uintptr(b.kvmFd), "kvm").Close()
	return nil
}
