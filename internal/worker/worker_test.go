package worker

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/snapfuzz/snapfuzz/internal/addr"
	"github.com/snapfuzz/snapfuzz/internal/backend"
	"github.com/snapfuzz/snapfuzz/internal/coverage"
	"github.com/snapfuzz/snapfuzz/internal/cpustate"
	"github.com/snapfuzz/snapfuzz/internal/protocol"
	"github.com/snapfuzz/snapfuzz/internal/ptwalk"
)

// fakeBackend is a scripted backend.Backend double: Run returns whatever
// result/coverage the test queued, and RestoreCalls/RevokeCalls count
// invocations so the worker loop's sequencing can be asserted.
type fakeBackend struct {
	results       []backend.Result
	coverage      []addr.Gva
	revokedOnCall bool

	restoreCalls int
	revokeCalls  int
	callIdx      int
}

func (f *fakeBackend) Initialize(context.Context, *cpustate.CpuState, []addr.Gva) error { return nil }

func (f *fakeBackend) Run(context.Context, []byte) (backend.Result, error) {
	r := f.results[f.callIdx]
	f.callIdx++
	return r, nil
}

func (f *fakeBackend) Restore(*cpustate.CpuState) error {
	f.restoreCalls++
	return nil
}

func (f *fakeBackend) Stop(backend.Result)  {}
func (f *fakeBackend) SetLimit(backend.Limit) {}

func (f *fakeBackend) GetReg(backend.Register) (uint64, error)      { return 0, nil }
func (f *fakeBackend) SetReg(backend.Register, uint64) error        { return nil }
func (f *fakeBackend) Rdrand() uint64                               { return 0 }
func (f *fakeBackend) SetBreakpoint(addr.Gva, coverage.Handler) error { return nil }

func (f *fakeBackend) VirtTranslate(addr.Gva, ptwalk.AccessKind) (addr.Gpa, error) { return 0, nil }
func (f *fakeBackend) PhysTranslate(addr.Gpa) (uint64, error)                      { return 0, nil }
func (f *fakeBackend) VirtRead(addr.Gva, []byte) error                            { return nil }
func (f *fakeBackend) VirtWrite(addr.Gva, []byte) error                           { return nil }
func (f *fakeBackend) PhysRead(addr.Gpa, []byte) error                            { return nil }
func (f *fakeBackend) PhysWrite(addr.Gpa, []byte) error                           { return nil }

func (f *fakeBackend) PageFaultIfNeeded(addr.Gva, uint64) (bool, error) { return false, nil }

func (f *fakeBackend) LastNewCoverage() []addr.Gva {
	if f.revokedOnCall {
		return nil
	}
	return f.coverage
}

func (f *fakeBackend) RevokeLastNewCoverage() error {
	f.revokeCalls++
	f.revokedOnCall = true
	return nil
}

func (f *fakeBackend) SetTraceFile(string, backend.TraceKind) error { return nil }
func (f *fakeBackend) DirtyGpaCount() int                           { return 0 }
func (f *fakeBackend) Close() error                                 { return nil }

var _ backend.Backend = (*fakeBackend)(nil)

func TestWorkerRunSendsReportAndRestores(t *testing.T) {
	master, wconn := net.Pipe()
	defer master.Close()

	fb := &fakeBackend{
		results:  []backend.Result{{Kind: backend.Ok}},
		coverage: []addr.Gva{0x1000, 0x2000},
	}
	w := New(fb, &cpustate.CpuState{}, wconn)

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	if err := protocol.WriteTestcase(master, []byte("AAAA")); err != nil {
		t.Fatalf("WriteTestcase: %v", err)
	}
	report, err := protocol.ReadReport(master)
	if err != nil {
		t.Fatalf("ReadReport: %v", err)
	}
	if report.Result.Kind != backend.Ok {
		t.Errorf("Result.Kind = %v, want Ok", report.Result.Kind)
	}
	if len(report.Coverage) != 2 {
		t.Errorf("Coverage = %v, want 2 entries", report.Coverage)
	}

	// Give the worker goroutine a moment to reach backend.Restore before
	// we tear the pipe down.
	time.Sleep(10 * time.Millisecond)
	if fb.restoreCalls != 1 {
		t.Errorf("restoreCalls = %d, want 1", fb.restoreCalls)
	}
	if w.Stats().Runs != 1 {
		t.Errorf("Stats().Runs = %d, want 1", w.Stats().Runs)
	}

	master.Close()
	<-done
}

func TestWorkerRevokesCoverageOnTimeout(t *testing.T) {
	master, wconn := net.Pipe()
	defer master.Close()

	fb := &fakeBackend{
		results:  []backend.Result{{Kind: backend.Timedout}},
		coverage: []addr.Gva{0x1000},
	}
	w := New(fb, &cpustate.CpuState{}, wconn)

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	protocol.WriteTestcase(master, []byte("slow"))
	report, err := protocol.ReadReport(master)
	if err != nil {
		t.Fatalf("ReadReport: %v", err)
	}
	if report.Result.Kind != backend.Timedout {
		t.Errorf("Result.Kind = %v, want Timedout", report.Result.Kind)
	}
	if len(report.Coverage) != 0 {
		t.Errorf("a timed-out report should carry no coverage, got %v", report.Coverage)
	}
	if fb.revokeCalls != 1 {
		t.Errorf("revokeCalls = %d, want 1", fb.revokeCalls)
	}
	if w.Stats().Timeouts != 1 {
		t.Errorf("Stats().Timeouts = %d, want 1", w.Stats().Timeouts)
	}

	master.Close()
	<-done
}

func TestWorkerCountsCrashes(t *testing.T) {
	master, wconn := net.Pipe()
	defer master.Close()

	fb := &fakeBackend{results: []backend.Result{{Kind: backend.Crash, Name: "EXCEPTION_BREAKPOINT"}}}
	w := New(fb, &cpustate.CpuState{}, wconn)

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	protocol.WriteTestcase(master, []byte("crashy"))
	report, err := protocol.ReadReport(master)
	if err != nil {
		t.Fatalf("ReadReport: %v", err)
	}
	if report.Result.Name != "EXCEPTION_BREAKPOINT" {
		t.Errorf("Result.Name = %q", report.Result.Name)
	}
	if w.Stats().Crashes != 1 {
		t.Errorf("Stats().Crashes = %d, want 1", w.Stats().Crashes)
	}

	master.Close()
	<-done
}
