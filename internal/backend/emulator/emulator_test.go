package emulator

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/snapfuzz/snapfuzz/internal/addr"
	"github.com/snapfuzz/snapfuzz/internal/backend"
	"github.com/snapfuzz/snapfuzz/internal/cpustate"
	"github.com/snapfuzz/snapfuzz/internal/ram"
)

// fakeCore is a scripted backend.Core: it returns a queue of
// (StopReason, *MemAccess) pairs in order, reporting an incrementing
// instruction count as each is consumed.
type fakeCore struct {
	regs     map[backend.Register]uint64
	steps    []fakeStep
	pos      int
	count    uint64
	lastExc  backend.ExceptionInfo
	edgeHook func(rip, nextRip uint64)
	lafHook  func(rip uint64, cpl, width int, op1, op2 uint64)
}

type fakeStep struct {
	reason            backend.StopReason
	mem               *backend.MemAccess
	exc               backend.ExceptionInfo
	edge              bool
	edgeRip, edgeNext uint64
	laf               bool
	lafRip            uint64
	lafCpl, lafWidth  int
	lafOp1, lafOp2    uint64
}

// SetEdgeHook lets a test-scripted fakeStep report an edge the same way a
// real Core would during instruction stepping, satisfying EdgeHooking.
func (c *fakeCore) SetEdgeHook(h func(rip, nextRip uint64)) { c.edgeHook = h }

// SetLafHook lets a test-scripted fakeStep report a CMP/SUB the same way
// a real Core would during instruction stepping, satisfying LafHooking.
func (c *fakeCore) SetLafHook(h func(rip uint64, cpl, width int, op1, op2 uint64)) {
	c.lafHook = h
}

func newFakeCore(steps ...fakeStep) *fakeCore {
	return &fakeCore{regs: make(map[backend.Register]uint64), steps: steps}
}

func (c *fakeCore) LoadState(state *cpustate.CpuState) error {
	c.regs[backend.RegRip] = state.Rip
	c.regs[backend.RegCr3] = state.CR3
	return nil
}

func (c *fakeCore) SaveState() (*cpustate.CpuState, error) { return &cpustate.CpuState{}, nil }

func (c *fakeCore) Step(ctx context.Context, maxInstructions uint64) (backend.StopReason, *backend.MemAccess, error) {
	if c.pos >= len(c.steps) {
		return backend.StopHalt, nil, nil
	}
	s := c.steps[c.pos]
	c.pos++
	c.count++
	if s.reason == backend.StopBreakpoint {
		c.regs[backend.RegRip] = breakpointRip
	}
	if s.reason == backend.StopUnhandledException {
		c.lastExc = s.exc
	}
	if s.edge && c.edgeHook != nil {
		c.edgeHook(s.edgeRip, s.edgeNext)
	}
	if s.laf && c.lafHook != nil {
		c.lafHook(s.lafRip, s.lafCpl, s.lafWidth, s.lafOp1, s.lafOp2)
	}
	return s.reason, s.mem, nil
}

func (c *fakeCore) GetReg(r backend.Register) (uint64, error) { return c.regs[r], nil }
func (c *fakeCore) SetReg(r backend.Register, v uint64) error { c.regs[r] = v; return nil }
func (c *fakeCore) MemIO(gpa addr.Gpa, buf []byte, write bool) error { return nil }
func (c *fakeCore) LastException() backend.ExceptionInfo             { return c.lastExc }
func (c *fakeCore) InstructionCount() uint64                         { return c.count }
func (c *fakeCore) Close() error                                     { return nil }

const breakpointRip = 0x40000

func buildFlatPageTable(r *ram.Ram) uint64 {
	const (
		pml4Base = 0x0000
		pdptBase = 0x1000
		pdBase   = 0x2000
	)
	r.WriteAt(addr.Gpa(pml4Base), le64(pdptBase|1))
	r.WriteAt(addr.Gpa(pdptBase), le64(pdBase|1))
	r.WriteAt(addr.Gpa(pdBase), le64(0|1|(1<<7)))
	return pml4Base
}

func le64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

type zeroDump struct{ max addr.Gpa }

func (z *zeroDump) Page(addr.Gpa) ([addr.PageSize]byte, bool) { return [addr.PageSize]byte{}, false }
func (z *zeroDump) MaxGpa() addr.Gpa                          { return z.max }

func newTestRam(t *testing.T) *ram.Ram {
	t.Helper()
	r := ram.New()
	if err := r.Populate(&zeroDump{max: 0x10_0000}, ram.ModeLazy); err != nil {
		t.Fatal(err)
	}
	return r
}

func TestRunHitsInstructionLimit(t *testing.T) {
	r := newTestRam(t)
	cr3 := buildFlatPageTable(r)
	core := newFakeCore(fakeStep{reason: backend.StopInstructionLimit})
	b := New(core, r, backend.Options{})

	state := &cpustate.CpuState{CR3: cr3}
	if err := b.Initialize(context.Background(), state, nil); err != nil {
		t.Fatal(err)
	}
	res, err := b.Run(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != backend.Timedout {
		t.Errorf("Run result = %v, want Timedout", res)
	}
}

func TestRunServicesMemAccessThenHalts(t *testing.T) {
	r := newTestRam(t)
	cr3 := buildFlatPageTable(r)
	core := newFakeCore(
		fakeStep{reason: backend.StopMemAccess, mem: &backend.MemAccess{Gva: 0x5000, Len: 8, Write: true}},
		fakeStep{reason: backend.StopHalt},
	)
	b := New(core, r, backend.Options{})
	state := &cpustate.CpuState{CR3: cr3}
	if err := b.Initialize(context.Background(), state, nil); err != nil {
		t.Fatal(err)
	}
	res, err := b.Run(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != backend.Crash || res.Name != "EXCEPTION_TRIPLE_FAULT" {
		t.Errorf("Run result = %v, want Crash{EXCEPTION_TRIPLE_FAULT}", res)
	}
	// buildFlatPageTable's WriteAt calls dirtied pages 0x0, 0x1000 and
	// 0x2000; the write access adds page 0x5000.
	if b.DirtyGpaCount() != 4 {
		t.Errorf("DirtyGpaCount = %d, want 4 after a write access", b.DirtyGpaCount())
	}
}

func TestRunClassifiesAccessViolationWrite(t *testing.T) {
	r := newTestRam(t)
	cr3 := buildFlatPageTable(r)
	core := newFakeCore(fakeStep{
		reason: backend.StopUnhandledException,
		exc:    backend.ExceptionInfo{Code: backend.ExcAccessViolation, Info0: 1},
	})
	b := New(core, r, backend.Options{})
	state := &cpustate.CpuState{CR3: cr3}
	if err := b.Initialize(context.Background(), state, nil); err != nil {
		t.Fatal(err)
	}
	res, err := b.Run(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != backend.Crash || res.Name != "EXCEPTION_ACCESS_VIOLATION_WRITE" {
		t.Errorf("Run result = %v, want Crash{EXCEPTION_ACCESS_VIOLATION_WRITE}", res)
	}
}

func TestRunClassifiesAccessViolationRead(t *testing.T) {
	r := newTestRam(t)
	cr3 := buildFlatPageTable(r)
	core := newFakeCore(fakeStep{
		reason: backend.StopUnhandledException,
		exc:    backend.ExceptionInfo{Code: backend.ExcAccessViolation, Info0: 0},
	})
	b := New(core, r, backend.Options{})
	state := &cpustate.CpuState{CR3: cr3}
	if err := b.Initialize(context.Background(), state, nil); err != nil {
		t.Fatal(err)
	}
	res, err := b.Run(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != backend.Crash || res.Name != "EXCEPTION_ACCESS_VIOLATION_READ" {
		t.Errorf("Run result = %v, want Crash{EXCEPTION_ACCESS_VIOLATION_READ}", res)
	}
}

func TestRunReportsCoverageBreakpointHit(t *testing.T) {
	r := newTestRam(t)
	cr3 := buildFlatPageTable(r)
	core := newFakeCore(
		fakeStep{reason: backend.StopBreakpoint},
		fakeStep{reason: backend.StopHalt},
	)
	b := New(core, r, backend.Options{})
	state := &cpustate.CpuState{CR3: cr3}
	if err := b.Initialize(context.Background(), state, []addr.Gva{breakpointRip}); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Run(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	last := b.LastNewCoverage()
	if len(last) != 1 || last[0] != addr.Gva(breakpointRip) {
		t.Errorf("LastNewCoverage = %v, want [%#x]", last, breakpointRip)
	}
}

func TestRdrandIsDeterministicPerSeed(t *testing.T) {
	r := newTestRam(t)
	cr3 := buildFlatPageTable(r)
	core1 := newFakeCore()
	core2 := newFakeCore()
	b1 := New(core1, r, backend.Options{})
	b2 := New(core2, newTestRam(t), backend.Options{})

	state := &cpustate.CpuState{CR3: cr3, Rip: 0x1000}
	b1.Initialize(context.Background(), state, nil)
	b2.Initialize(context.Background(), state, nil)

	if b1.Rdrand() != b2.Rdrand() {
		t.Error("Rdrand should be deterministic given the same initial cpu state")
	}
}

func TestEdgeCoverageDisabledByDefault(t *testing.T) {
	r := newTestRam(t)
	core := newFakeCore()
	b := New(core, r, backend.Options{})
	if b.EdgeCoverageCount() != 0 {
		t.Error("EdgeCoverageCount should be 0 when Options.Edges is false")
	}
}

func TestLastNewCoverageIncludesLafIDs(t *testing.T) {
	r := newTestRam(t)
	cr3 := buildFlatPageTable(r)
	core := newFakeCore(
		fakeStep{
			reason: backend.StopSingleStep,
			laf:    true,
			lafRip: 0x2000, lafCpl: 0, lafWidth: 16,
			lafOp1: 0x1234, lafOp2: 0x1234,
		},
		fakeStep{reason: backend.StopHalt},
	)
	b := New(core, r, backend.Options{Laf: backend.LafKernelUser})
	state := &cpustate.CpuState{CR3: cr3}
	if err := b.Initialize(context.Background(), state, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Run(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	last := b.LastNewCoverage()
	if len(last) != 1 {
		t.Fatalf("LastNewCoverage = %v, want exactly one LAF id", last)
	}
	if b.LafCoverageCount() != 1 {
		t.Errorf("LafCoverageCount = %d, want 1", b.LafCoverageCount())
	}
}

func TestLastNewCoverageIncludesEdgeIDs(t *testing.T) {
	r := newTestRam(t)
	cr3 := buildFlatPageTable(r)
	core := newFakeCore(
		fakeStep{reason: backend.StopSingleStep, edge: true, edgeRip: 0x1000, edgeNext: 0x1010},
		fakeStep{reason: backend.StopHalt},
	)
	b := New(core, r, backend.Options{Edges: true})
	state := &cpustate.CpuState{CR3: cr3}
	if err := b.Initialize(context.Background(), state, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Run(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	last := b.LastNewCoverage()
	if len(last) != 1 {
		t.Fatalf("LastNewCoverage = %v, want exactly one edge id", last)
	}
	if b.EdgeCoverageCount() != 1 {
		t.Errorf("EdgeCoverageCount = %d, want 1", b.EdgeCoverageCount())
	}
}
