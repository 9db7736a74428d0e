package coverage

import (
	"encoding/binary"
	"testing"

	"github.com/snapfuzz/snapfuzz/internal/addr"
	"github.com/snapfuzz/snapfuzz/internal/ptwalk"
	"github.com/snapfuzz/snapfuzz/internal/ram"
)

type zeroDump struct{ max addr.Gpa }

func (z *zeroDump) Page(addr.Gpa) ([addr.PageSize]byte, bool) { return [addr.PageSize]byte{}, false }
func (z *zeroDump) MaxGpa() addr.Gpa                          { return z.max }

// flatPhys presents an identity-mapped page table: PML4/PDPT/PD/PT entries
// all point straight through so VirtTranslate(gva) == gva for any gva
// below 2MiB (a single PD large-page entry).
func buildFlatPageTable(r *ram.Ram) ptwalk.Cr3 {
	const (
		pml4Base = 0x0000
		pdptBase = 0x1000
		pdBase   = 0x2000
	)
	r.WriteAt(addr.Gpa(pml4Base), le64(pdptBase|1))
	r.WriteAt(addr.Gpa(pdptBase), le64(pdBase|1))
	r.WriteAt(addr.Gpa(pdBase), le64(0|1|(1<<7))) // PS=1, base=0, 2MiB large page
	return ptwalk.Cr3(pml4Base)
}

func le64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

type ramPhysAdapter struct{ r *ram.Ram }

func (a ramPhysAdapter) PhysRead8(gpa addr.Gpa) (uint64, error) {
	var b [8]byte
	if err := a.r.ReadAt(gpa, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func newTestRam(t *testing.T) *ram.Ram {
	t.Helper()
	r := ram.New()
	if err := r.Populate(&zeroDump{max: 0x10_0000}, ram.ModeLazy); err != nil {
		t.Fatal(err)
	}
	return r
}

func TestInstallAndHitCoverageBreakpointOneShot(t *testing.T) {
	r := newTestRam(t)
	cr3 := buildFlatPageTable(r)
	pr := ramPhysAdapter{r}
	e := NewEngine(r)

	gva := addr.Gva(0x40000)
	if err := e.InstallCoverageBreakpoint(pr, gva, cr3); err != nil {
		t.Fatal(err)
	}

	if kind := e.OnBreakpointHit(gva); kind != HitCoverage {
		t.Fatalf("OnBreakpointHit = %v, want HitCoverage", kind)
	}
	last := e.LastNewCoverage()
	if len(last) != 1 || last[0] != gva {
		t.Errorf("LastNewCoverage = %v, want [%v]", last, gva)
	}

	// Second run: hitting again must not re-report it (breakpoint removed).
	e.ClearLastNewCoverage()
	if kind := e.OnBreakpointHit(gva); kind != HitNone {
		t.Errorf("second OnBreakpointHit = %v, want HitNone (one-shot)", kind)
	}
}

func TestRevokeLastNewCoverageReArms(t *testing.T) {
	r := newTestRam(t)
	cr3 := buildFlatPageTable(r)
	pr := ramPhysAdapter{r}
	e := NewEngine(r)

	gva := addr.Gva(0x40100)
	if err := e.InstallCoverageBreakpoint(pr, gva, cr3); err != nil {
		t.Fatal(err)
	}
	e.OnBreakpointHit(gva)
	if err := e.RevokeLastNewCoverage(pr, cr3); err != nil {
		t.Fatal(err)
	}
	if len(e.LastNewCoverage()) != 0 {
		t.Errorf("RevokeLastNewCoverage should clear the per-run set")
	}
	if kind := e.OnBreakpointHit(gva); kind != HitCoverage {
		t.Errorf("breakpoint should be re-armed after revoke, got %v", kind)
	}
}

func TestStepOverProtocol(t *testing.T) {
	r := newTestRam(t)
	cr3 := buildFlatPageTable(r)
	pr := ramPhysAdapter{r}
	e := NewEngine(r)

	gva := addr.Gva(0x40200)
	hit := false
	if err := e.SetUserBreakpoint(pr, gva, cr3, func() HookAction {
		hit = true
		return ActionStepOver
	}); err != nil {
		t.Fatal(err)
	}

	kind := e.OnBreakpointHit(gva)
	if kind != HitUser {
		t.Fatalf("OnBreakpointHit = %v, want HitUser", kind)
	}
	h, ok := e.UserHandler(gva)
	if !ok {
		t.Fatal("expected handler")
	}
	action := h()
	if !hit {
		t.Fatal("handler not invoked")
	}
	if action != ActionStepOver {
		t.Fatalf("action = %v, want ActionStepOver", action)
	}

	if err := e.BeginStepOver(gva); err != nil {
		t.Fatal(err)
	}
	if !e.StepOverPending() {
		t.Error("StepOverPending should be true after BeginStepOver")
	}
	if err := e.FinishStepOver(); err != nil {
		t.Fatal(err)
	}
	if e.StepOverPending() {
		t.Error("StepOverPending should be false after FinishStepOver")
	}

	// Breakpoint must be re-armed: hitting again should report HitUser again.
	if kind := e.OnBreakpointHit(gva); kind != HitUser {
		t.Errorf("breakpoint should be re-armed after step-over, got %v", kind)
	}
}

func TestDuplicateBreakpointIsConfigError(t *testing.T) {
	r := newTestRam(t)
	cr3 := buildFlatPageTable(r)
	pr := ramPhysAdapter{r}
	e := NewEngine(r)

	gva := addr.Gva(0x40300)
	if err := e.SetUserBreakpoint(pr, gva, cr3, func() HookAction { return ActionDone }); err != nil {
		t.Fatal(err)
	}
	if err := e.SetUserBreakpoint(pr, gva, cr3, func() HookAction { return ActionDone }); err == nil {
		t.Error("expected error placing a second user breakpoint at the same Gva")
	}
}

func TestSplitMix64Deterministic(t *testing.T) {
	a := SplitMix64(0x1234)
	b := SplitMix64(0x1234)
	if a != b {
		t.Error("SplitMix64 should be deterministic")
	}
	if a == SplitMix64(0x1235) {
		t.Error("SplitMix64 should differ for different inputs (extremely unlikely collision)")
	}
}
