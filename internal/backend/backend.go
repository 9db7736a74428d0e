// Package backend defines the polymorphic capability every CPU backend
// (emulator, raw-KVM hypervisor, Firecracker-backed hypervisor) must
// expose to the fuzzer client, per spec.md §4.3. Concrete backends live
// in the backend/emulator, backend/kvmhv and backend/fchv subpackages.
package backend

import (
	"context"
	"fmt"

	"github.com/snapfuzz/snapfuzz/internal/addr"
	"github.com/snapfuzz/snapfuzz/internal/coverage"
	"github.com/snapfuzz/snapfuzz/internal/cpustate"
	"github.com/snapfuzz/snapfuzz/internal/ptwalk"
)

// Register names a single architectural register for Get/SetReg, mirroring
// the enumerated-register style of other_examples' hv.Register (the
// tinyrange-cc KVM backend's register-access API).
type Register int

const (
	RegRax Register = iota
	RegRbx
	RegRcx
	RegRdx
	RegRsi
	RegRdi
	RegRsp
	RegRbp
	RegR8
	RegR9
	RegR10
	RegR11
	RegR12
	RegR13
	RegR14
	RegR15
	RegRip
	RegRflags
	RegCr3
)

var registerNames = [...]string{
	"rax", "rbx", "rcx", "rdx", "rsi", "rdi", "rsp", "rbp",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
	"rip", "rflags", "cr3",
}

// String renders the lowercase register name trace formatters expect
// (spec §6's Tenet "reg=val" lines).
func (r Register) String() string {
	if int(r) < 0 || int(r) >= len(registerNames) {
		return fmt.Sprintf("reg%d", int(r))
	}
	return registerNames[r]
}

// ResultKind tags a terminal outcome of one testcase run (spec §3).
type ResultKind int

const (
	Ok ResultKind = iota
	Timedout
	Cr3Change
	Crash
)

// Result is the tagged TestcaseResult union from spec §3. Name is only
// meaningful when Kind == Crash, and holds an NT-status-style exception
// name (spec §6's crash-file-naming list).
type Result struct {
	Kind ResultKind
	Name string
}

func (r Result) String() string {
	switch r.Kind {
	case Ok:
		return "Ok"
	case Timedout:
		return "Timedout"
	case Cr3Change:
		return "Cr3Change"
	case Crash:
		return fmt.Sprintf("Crash{%s}", r.Name)
	default:
		return "Unknown"
	}
}

// Limit is the execution budget passed to SetLimit: either an instruction
// count or a wall-clock duration in seconds, whichever a given backend
// honors (spec §4.3).
type Limit struct {
	Instructions uint64  // 0 means "no instruction limit"
	Seconds      float64 // 0 means "no wall-clock limit"
}

// TraceKind selects a trace sink format (spec §6).
type TraceKind int

const (
	TraceRip TraceKind = iota
	TraceUniqueRip
	TraceTenet
)

// Options bundles the knobs a backend needs at Initialize time that don't
// belong in CpuState itself (feature toggles, CLI-surfaced flags).
type Options struct {
	Edges            bool // enable edge coverage (emulator only)
	CompCov          bool // enable CompCov string/memory hooks (emulator only)
	Laf              LafMode
	LafAllowedRanges []AddrRange
}

// LafMode selects which privilege levels LAF split-comparison coverage
// applies to (spec §4.3.1).
type LafMode int

const (
	LafDisabled LafMode = iota
	LafUser
	LafKernel
	LafKernelUser
)

// AddrRange is an inclusive [Lo, Hi] guest-virtual-address range, used to
// scope LAF instrumentation (spec's --laf-allowed-ranges).
type AddrRange struct {
	Lo, Hi addr.Gva
}

func (r AddrRange) Contains(gva addr.Gva) bool { return gva >= r.Lo && gva <= r.Hi }

// Backend is the uniform capability every CPU backend exposes (spec §4.3).
type Backend interface {
	// Initialize loads RAM, maps physical memory, applies registers, and
	// installs the coverage breakpoints enumerated by covIDs.
	Initialize(ctx context.Context, state *cpustate.CpuState, covIDs []addr.Gva) error

	// Run drives buffer through the guest until a terminal event.
	Run(ctx context.Context, buffer []byte) (Result, error)

	// Restore re-applies registers, rolls back dirty pages, and clears
	// per-run transient state.
	Restore(state *cpustate.CpuState) error

	// Stop requests the current run terminate with result at the next
	// suspension point. Safe to call from inside a hook/breakpoint
	// handler; idempotent.
	Stop(result Result)

	SetLimit(l Limit)

	GetReg(r Register) (uint64, error)
	SetReg(r Register, v uint64) error

	// Rdrand returns a deterministic 64-bit value from the backend's
	// seeded PRNG chain (spec §4.3.1); the host's hardware RDRAND must
	// never reach the guest.
	Rdrand() uint64

	// SetBreakpoint places a user breakpoint at gva. Colliding with an
	// existing breakpoint (user or coverage) is a configuration error.
	SetBreakpoint(gva addr.Gva, handler coverage.Handler) error

	VirtTranslate(gva addr.Gva, validate ptwalk.AccessKind) (addr.Gpa, error)
	PhysTranslate(gpa addr.Gpa) (hostOffset uint64, err error)

	VirtRead(gva addr.Gva, dst []byte) error
	VirtWrite(gva addr.Gva, src []byte) error
	PhysRead(gpa addr.Gpa, dst []byte) error
	PhysWrite(gpa addr.Gpa, src []byte) error

	// PageFaultIfNeeded injects a #PF into the guest if any page in
	// [gva, gva+n) is non-present, returning true if it did so (spec
	// §4.3.2's pending-page-fault injection). Backends without demand
	// paging (e.g. the emulator) return false unconditionally.
	PageFaultIfNeeded(gva addr.Gva, n uint64) (injected bool, err error)

	LastNewCoverage() []addr.Gva
	RevokeLastNewCoverage() error

	SetTraceFile(path string, kind TraceKind) error

	// DirtyGpaCount reports the size of the current dirty set, exposed
	// for stats/testing (spec §8 property 2: dirty completeness).
	DirtyGpaCount() int

	Close() error
}

// StopReason tells the emulator backend why Core.Step stopped running
// instructions, so it can dispatch to the right hook (spec §4.3: CPUID
// exit, HLT, single-step #DB, memory access for demand paging).
type StopReason int

const (
	StopInstructionLimit StopReason = iota
	StopMemAccess
	StopBreakpoint
	StopSingleStep
	StopHalt
	StopTripleFault
	StopUnhandledException
)

// MemAccess describes the single memory reference that caused Core.Step
// to stop with StopMemAccess, so the caller can demand-page it in and
// resume.
type MemAccess struct {
	Gva   addr.Gva
	Len   uint64
	Write bool
	Exec  bool
}

// ExceptionInfo is the guest EXCEPTION_RECORD a Core reports for a
// StopUnhandledException stop: the raw NT exception code plus the first
// element of ExceptionInformation, which for EXCEPTION_ACCESS_VIOLATION
// disambiguates the fault's access kind (spec §6).
type ExceptionInfo struct {
	Code  uint32
	Info0 uint64
}

// NT exception codes this fuzzer classifies crashes into (spec §6's
// crash-file-naming list), taken from winnt.h.
const (
	ExcAccessViolation          uint32 = 0xC0000005
	ExcArrayBoundsExceeded      uint32 = 0xC000008C
	ExcBreakpoint               uint32 = 0x80000003
	ExcDatatypeMisalignment     uint32 = 0x80000002
	ExcFltDenormalOperand       uint32 = 0xC000008D
	ExcFltDivideByZero          uint32 = 0xC000008E
	ExcFltInexactResult         uint32 = 0xC000008F
	ExcFltInvalidOperation      uint32 = 0xC0000090
	ExcFltOverflow              uint32 = 0xC0000091
	ExcFltStackCheck            uint32 = 0xC0000092
	ExcFltUnderflow             uint32 = 0xC0000093
	ExcIllegalInstruction       uint32 = 0xC000001D
	ExcInPageError              uint32 = 0xC0000006
	ExcIntDivideByZero          uint32 = 0xC0000094
	ExcIntOverflow              uint32 = 0xC0000095
	ExcInvalidDisposition       uint32 = 0xC0000026
	ExcNoncontinuableException  uint32 = 0xC0000025
	ExcPrivInstruction          uint32 = 0xC0000096
	ExcSingleStep               uint32 = 0x80000004
	ExcStackOverflow            uint32 = 0xC00000FD
	StatusStackBufferOverrun    uint32 = 0xC0000409
	StatusHeapCorruption        uint32 = 0xC0000374

	// ExcTripleFault has no real NT status equivalent: a triple fault is a
	// VM-exit-level event (HLT/shutdown), not a guest-delivered exception.
	// It is assigned a private code here purely so HLT/shutdown crashes can
	// share ExceptionName's naming path instead of an ad-hoc string.
	ExcTripleFault uint32 = 0xE0000001
)

var exceptionCodeNames = map[uint32]string{
	ExcArrayBoundsExceeded:     "EXCEPTION_ARRAY_BOUNDS_EXCEEDED",
	ExcBreakpoint:              "EXCEPTION_BREAKPOINT",
	ExcDatatypeMisalignment:    "EXCEPTION_DATATYPE_MISALIGNMENT",
	ExcFltDenormalOperand:      "EXCEPTION_FLT_DENORMAL_OPERAND",
	ExcFltDivideByZero:         "EXCEPTION_FLT_DIVIDE_BY_ZERO",
	ExcFltInexactResult:        "EXCEPTION_FLT_INEXACT_RESULT",
	ExcFltInvalidOperation:     "EXCEPTION_FLT_INVALID_OPERATION",
	ExcFltOverflow:             "EXCEPTION_FLT_OVERFLOW",
	ExcFltStackCheck:           "EXCEPTION_FLT_STACK_CHECK",
	ExcFltUnderflow:            "EXCEPTION_FLT_UNDERFLOW",
	ExcIllegalInstruction:      "EXCEPTION_ILLEGAL_INSTRUCTION",
	ExcInPageError:             "EXCEPTION_IN_PAGE_ERROR",
	ExcIntDivideByZero:         "EXCEPTION_INT_DIVIDE_BY_ZERO",
	ExcIntOverflow:             "EXCEPTION_INT_OVERFLOW",
	ExcInvalidDisposition:      "EXCEPTION_INVALID_DISPOSITION",
	ExcNoncontinuableException: "EXCEPTION_NONCONTINUABLE_EXCEPTION",
	ExcPrivInstruction:         "EXCEPTION_PRIV_INSTRUCTION",
	ExcSingleStep:              "EXCEPTION_SINGLE_STEP",
	ExcStackOverflow:           "EXCEPTION_STACK_OVERFLOW",
	StatusStackBufferOverrun:   "STATUS_STACK_BUFFER_OVERRUN",
	StatusHeapCorruption:       "STATUS_HEAP_CORRUPTION",
	ExcTripleFault:             "EXCEPTION_TRIPLE_FAULT",
}

// ExceptionName renders info as the NT-status string spec §6's crash-file
// names use, disambiguating EXCEPTION_ACCESS_VIOLATION by Info0 (the guest
// EXCEPTION_RECORD.ExceptionInformation[0]): 0 -> READ, 1 -> WRITE,
// 8 -> EXECUTE. Unknown codes render as "UNKNOWN".
func ExceptionName(info ExceptionInfo) string {
	if info.Code == ExcAccessViolation {
		switch info.Info0 {
		case 0:
			return "EXCEPTION_ACCESS_VIOLATION_READ"
		case 1:
			return "EXCEPTION_ACCESS_VIOLATION_WRITE"
		case 8:
			return "EXCEPTION_ACCESS_VIOLATION_EXECUTE"
		}
	}
	if name, ok := exceptionCodeNames[info.Code]; ok {
		return name
	}
	return "UNKNOWN"
}

// Core is the pluggable instruction-stepping engine behind the emulator
// backend: an in-process analogue of a bundled CPU-emulation library
// (e.g. bochscpu), addressed through this narrow interface so the
// emulator backend never has to implement an x86-64 interpreter itself.
// A Core owns no guest memory; all loads/stores are routed back through
// the MemAccess/MemIO callbacks so backend/emulator's Ram and breakpoint
// overlay stay the single source of truth.
type Core interface {
	// LoadState applies a full CPU context before the first Step.
	LoadState(state *cpustate.CpuState) error

	// SaveState reads the current CPU context back out, e.g. after a run
	// ends, for crash-report or trace purposes.
	SaveState() (*cpustate.CpuState, error)

	// Step runs until one of StopReason's conditions interrupts it, or
	// maxInstructions instructions have retired (0 means unbounded).
	Step(ctx context.Context, maxInstructions uint64) (StopReason, *MemAccess, error)

	GetReg(r Register) (uint64, error)
	SetReg(r Register, v uint64) error

	// MemIO services a pending MemAccess once the backend has ensured the
	// referenced guest page is mapped, letting the Core retire the
	// instruction that faulted.
	MemIO(gpa addr.Gpa, buf []byte, write bool) error

	// LastException reports the ExceptionInfo of the most recent
	// StopUnhandledException stop. Its value is unspecified after any
	// other StopReason.
	LastException() ExceptionInfo

	InstructionCount() uint64

	Close() error
}
