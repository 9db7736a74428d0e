// Package emulator implements the hook-driven, software-emulated
// backend.Backend: it owns the Ram, the breakpoint/coverage engine and
// the page-table walker, and drives a backend.Core (the pluggable,
// bochscpu-equivalent instruction stepper) one stop at a time, servicing
// whatever that stop requires before resuming it. Grounded on
// original_source/src/wtf/bochscpu_backend.cc's hook dispatch and on
// internal/vm/uffd_linux.go's page-fault-driven demand-paging loop.
package emulator

import (
	"context"
	"fmt"
	"sync"

	"github.com/snapfuzz/snapfuzz/internal/addr"
	"github.com/snapfuzz/snapfuzz/internal/backend"
	"github.com/snapfuzz/snapfuzz/internal/coverage"
	"github.com/snapfuzz/snapfuzz/internal/cpustate"
	"github.com/snapfuzz/snapfuzz/internal/ptwalk"
	"github.com/snapfuzz/snapfuzz/internal/ram"
	"github.com/snapfuzz/snapfuzz/internal/trace"
)

// Backend is the emulator's backend.Backend implementation.
type Backend struct {
	mu sync.Mutex

	core backend.Core
	ram  *ram.Ram
	cov  *coverage.Engine
	edge *edgeTracker
	laf  *lafTracker
	cc   *compcovState

	opts backend.Options

	cr3     ptwalk.Cr3
	initCr3 ptwalk.Cr3

	limit      backend.Limit
	rdrandSeed uint64
	pending    *backend.Result
	sink       *trace.Sink
}

var _ backend.Backend = (*Backend)(nil)

// New wires a Core into a fresh emulator backend. The Core is expected to
// be freshly constructed (no CpuState loaded yet); Initialize loads it.
func New(core backend.Core, r *ram.Ram, opts backend.Options) *Backend {
	b := &Backend{
		core: core,
		ram:  r,
		cov:  coverage.NewEngine(r),
		opts: opts,
	}
	if opts.Edges {
		b.edge = newEdgeTracker()
		if hooked, ok := core.(EdgeHooking); ok {
			hooked.SetEdgeHook(func(rip, nextRip uint64) { b.edge.RecordEdge(rip, nextRip) })
		}
	}
	if opts.Laf != backend.LafDisabled {
		b.laf = newLafTracker(opts.Laf, opts.LafAllowedRanges)
		if hooked, ok := core.(LafHooking); ok {
			hooked.SetLafHook(func(rip uint64, cpl, width int, op1, op2 uint64) {
				b.laf.Observe(rip, cpl, width, op1, op2)
			})
		}
	}
	if opts.CompCov {
		b.cc = newCompcovState()
	}
	return b
}

func (b *Backend) physReader() ptwalk.PhysReader { return physAdapter{b.ram, &b.cr3} }

type physAdapter struct {
	r   *ram.Ram
	cr3 *ptwalk.Cr3
}

func (p physAdapter) PhysRead8(gpa addr.Gpa) (uint64, error) {
	var buf [8]byte
	if err := p.r.ReadAt(gpa, buf[:]); err != nil {
		return 0, err
	}
	return leUint64(buf[:]), nil
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// Initialize loads the CPU context into the core and installs one coverage
// breakpoint per id (spec §4.3/§4.4).
func (b *Backend) Initialize(ctx context.Context, state *cpustate.CpuState, covIDs []addr.Gva) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.core.LoadState(state); err != nil {
		return fmt.Errorf("emulator: loading cpu state: %w", err)
	}
	b.cr3 = ptwalk.Cr3(state.CR3)
	b.initCr3 = b.cr3
	b.rdrandSeed = state.Seed

	for _, gva := range covIDs {
		if err := b.cov.InstallCoverageBreakpoint(b.physReader(), gva, b.cr3); err != nil {
			return fmt.Errorf("emulator: installing coverage bp %v: %w", gva, err)
		}
	}
	return nil
}

// Run drives the core until a terminal StopReason or a Stop() request is
// observed, translating each intermediate stop into a Ram/coverage action
// before resuming (spec §4.3, §4.6 step 5). It does not read buffer.
func (b *Backend) Run(ctx context.Context, buffer []byte) (backend.Result, error) {
	b.mu.Lock()
	b.pending = nil
	b.mu.Unlock()

	var executed uint64
	for {
		if b.pending != nil {
			return *b.pending, nil
		}
		remaining := uint64(0)
		if b.limit.Instructions > 0 {
			if executed >= b.limit.Instructions {
				return backend.Result{Kind: backend.Timedout}, nil
			}
			remaining = b.limit.Instructions - executed
		}

		reason, mem, err := b.core.Step(ctx, remaining)
		if err != nil {
			return backend.Result{}, err
		}
		executed = b.core.InstructionCount()

		switch reason {
		case backend.StopInstructionLimit:
			return backend.Result{Kind: backend.Timedout}, nil

		case backend.StopMemAccess:
			if mem == nil {
				return backend.Result{}, fmt.Errorf("emulator: StopMemAccess with nil MemAccess")
			}
			if err := b.serviceMemAccess(*mem); err != nil {
				return backend.Result{}, err
			}

		case backend.StopBreakpoint:
			rip, err := b.core.GetReg(backend.RegRip)
			if err != nil {
				return backend.Result{}, err
			}
			if b.sink != nil {
				b.recordTrace(rip)
			}
			if res, done := b.onBreakpoint(addr.Gva(rip)); done {
				return res, nil
			}

		case backend.StopSingleStep:
			if err := b.cov.FinishStepOver(); err != nil {
				return backend.Result{}, err
			}

		case backend.StopHalt, backend.StopTripleFault:
			name := backend.ExceptionName(backend.ExceptionInfo{Code: backend.ExcTripleFault})
			return backend.Result{Kind: backend.Crash, Name: name}, nil

		case backend.StopUnhandledException:
			name := backend.ExceptionName(b.core.LastException())
			return backend.Result{Kind: backend.Crash, Name: name}, nil
		}

		if cr3, err := b.core.GetReg(backend.RegCr3); err == nil && ptwalk.Cr3(cr3) != b.initCr3 {
			return backend.Result{Kind: backend.Cr3Change}, nil
		}
	}
}

// serviceMemAccess demand-pages the referenced Gpa and marks it dirty on
// write, then lets the core retry the faulting instruction.
func (b *Backend) serviceMemAccess(mem backend.MemAccess) error {
	gpa, err := ptwalk.VirtTranslate(b.physReader(), mem.Gva, b.cr3, accessKind(mem))
	if err != nil {
		return fmt.Errorf("emulator: translating faulting access at %v: %w", mem.Gva, err)
	}
	if err := b.ram.EnsurePage(gpa); err != nil {
		return err
	}
	if mem.Write {
		b.ram.MarkDirty(gpa, mem.Len)
	}
	return nil
}

func accessKind(mem backend.MemAccess) ptwalk.AccessKind {
	k := ptwalk.Read
	if mem.Write {
		k = ptwalk.Write
	}
	if mem.Exec {
		k = ptwalk.Execute
	}
	return k
}

// onBreakpoint dispatches a trapped 0xCC to the coverage engine, running
// the user handler inline for user breakpoints (spec §4.5).
func (b *Backend) onBreakpoint(rip addr.Gva) (backend.Result, bool) {
	switch b.cov.OnBreakpointHit(rip) {
	case coverage.HitCoverage:
		return backend.Result{}, false

	case coverage.HitUser:
		h, _ := b.cov.UserHandler(rip)
		action := h()
		if action == coverage.ActionStepOver {
			if err := b.cov.BeginStepOver(rip); err != nil {
				return backend.Result{}, false
			}
		}
		if b.pending != nil {
			return *b.pending, true
		}
		return backend.Result{}, false

	default:
		return backend.Result{}, false
	}
}

// Restore reloads registers, rolls back dirty pages, and clears per-run
// transient coverage state (spec §4.6).
func (b *Backend) Restore(state *cpustate.CpuState) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cov.ClearLastNewCoverage()
	if b.edge != nil {
		b.edge.ClearLastNew()
	}
	if b.laf != nil {
		b.laf.ClearLastNew()
	}
	if err := b.ram.RestoreDirty(); err != nil {
		return err
	}
	if err := b.core.LoadState(state); err != nil {
		return err
	}
	b.cr3 = ptwalk.Cr3(state.CR3)
	b.initCr3 = b.cr3
	return nil
}

// Stop marks result as pending; the Run loop observes it at the next
// iteration boundary (spec §4.3's Stop()).
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

func (b *Backend) GetReg(r backend.Register) (uint64, error) { return b.core.GetReg(r) }
func (b *Backend) SetReg(r backend.Register, v uint64) error { return b.core.SetReg(r, v) }

// Rdrand returns the next value in a blake3-chained deterministic PRNG,
// matching the teacher's seed -> blake3(seed) -> (seed', value) scheme so
// host hardware RDRAND never leaks into the guest (spec §4.3.1).
func (b *Backend) Rdrand() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	next, value := rdrandChain(b.rdrandSeed)
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

// PageFaultIfNeeded never injects anything for the emulator backend: its
// Ram has no demand-paging-from-hypervisor concept distinct from
// EnsurePage, which Run already performs transparently on StopMemAccess.
func (b *Backend) PageFaultIfNeeded(gva addr.Gva, n uint64) (bool, error) { return false, nil }

// LastNewCoverage reports every coverage id newly hit by the last Run:
// breakpoint/CompCov ids from the Engine, plus (when Options.Edges is on)
// the splitmix64(rip)^next_rip edge ids edgeTracker recorded and (when
// Options.Laf is on) the splitmix64(rip)+k split-compare ids lafTracker
// recorded, so edge and LAF coverage actually reach the worker/master
// report loop instead of staying emulator-local.
func (b *Backend) LastNewCoverage() []addr.Gva {
	ids := b.cov.LastNewCoverage()
	if b.edge != nil {
		for _, e := range b.edge.LastNew() {
			ids = append(ids, addr.Gva(e))
		}
	}
	if b.laf != nil {
		for _, l := range b.laf.LastNew() {
			ids = append(ids, addr.Gva(l))
		}
	}
	return ids
}

func (b *Backend) RevokeLastNewCoverage() error {
	return b.cov.RevokeLastNewCoverage(b.physReader(), b.cr3)
}

// SetTraceFile opens a trace sink of the given kind at path, closing any
// previously open sink. Rip/UniqueRip/Tenet lines are appended once per
// coverage breakpoint the emulator hits (the granularity this hook-driven
// Core abstraction exposes, rather than one line per instruction).
func (b *Backend) SetTraceFile(path string, kind backend.TraceKind) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sink != nil {
		b.sink.Close()
		b.sink = nil
	}
	s, err := trace.Open(path, kind)
	if err != nil {
		return fmt.Errorf("emulator: opening trace file: %w", err)
	}
	b.sink = s
	return nil
}

// recordTrace appends one trace line for the breakpoint hit at rip. Errors
// are swallowed: a trace write failure must not abort the run it is
// observing.
func (b *Backend) recordTrace(rip uint64) {
	regs := make(map[backend.Register]uint64, 19)
	for r := backend.RegRax; r <= backend.RegCr3; r++ {
		if v, err := b.core.GetReg(r); err == nil {
			regs[r] = v
		}
	}
	b.sink.RecordInstruction(rip, regs, nil)
}

func (b *Backend) DirtyGpaCount() int { return len(b.ram.DirtyPages()) }

// EdgeCoverageCount reports the total number of unique edges observed so
// far, or 0 if edge coverage (backend.Options.Edges) is disabled.
func (b *Backend) EdgeCoverageCount() int {
	if b.edge == nil {
		return 0
	}
	return b.edge.Count()
}

// LafCoverageCount reports the total number of unique LAF split-compare
// ids observed so far, or 0 if LAF (backend.Options.Laf) is disabled.
func (b *Backend) LafCoverageCount() int {
	if b.laf == nil {
		return 0
	}
	return b.laf.Count()
}

func (b *Backend) Close() error {
	if b.sink != nil {
		b.sink.Close()
		b.sink = nil
	}
	return b.core.Close()
}
