package master

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/snapfuzz/snapfuzz/internal/addr"
	"github.com/snapfuzz/snapfuzz/internal/backend"
	"github.com/snapfuzz/snapfuzz/internal/corpus"
	"github.com/snapfuzz/snapfuzz/internal/mutator"
	"github.com/snapfuzz/snapfuzz/internal/protocol"
)

func newTestMaster(t *testing.T) (*Master, string, string) {
	t.Helper()
	outputs := t.TempDir()
	crashes := t.TempDir()
	c := corpus.New(rand.NewSource(1))
	c.Add([]byte("seed"))

	m := New(Config{
		Corpus:     c,
		Mutator:    mutator.NewDefault(rand.NewSource(1)),
		MaxLen:     64,
		OutputsDir: outputs,
		CrashesDir: crashes,
	}, os.Stderr)
	return m, outputs, crashes
}

func TestHandleReportNewCoveragePersists(t *testing.T) {
	m, outputs, _ := newTestMaster(t)
	report := protocol.Report{
		Coverage: []addr.Gva{0x1000},
		Result:   backend.Result{Kind: backend.Ok},
	}
	m.handleReport([]byte("mutated-input"), report)

	if m.CoverageCount() != 1 {
		t.Errorf("CoverageCount() = %d, want 1", m.CoverageCount())
	}
	entries, err := os.ReadDir(outputs)
	if err != nil {
		t.Fatalf("reading outputs dir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("outputs dir has %d entries, want 1", len(entries))
	}
}

func TestHandleReportNoNewCoverageSkipsPersist(t *testing.T) {
	m, outputs, _ := newTestMaster(t)
	report := protocol.Report{Result: backend.Result{Kind: backend.Ok}}
	m.handleReport([]byte("mutated-input"), report)

	entries, err := os.ReadDir(outputs)
	if err != nil {
		t.Fatalf("reading outputs dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("outputs dir has %d entries, want 0", len(entries))
	}
}

func TestHandleReportCrashPersistsRegardlessOfCoverage(t *testing.T) {
	m, _, crashes := newTestMaster(t)
	report := protocol.Report{
		Result: backend.Result{Kind: backend.Crash, Name: "EXCEPTION_ACCESS_VIOLATION_READ"},
	}
	m.handleReport([]byte("crashy-input"), report)

	entries, err := os.ReadDir(crashes)
	if err != nil {
		t.Fatalf("reading crashes dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("crashes dir has %d entries, want 1", len(entries))
	}
	fp := corpus.Fingerprint([]byte("crashy-input"))
	want := "crash-EXCEPTION_ACCESS_VIOLATION_READ-" + fp
	if entries[0].Name() != want {
		t.Errorf("crash file = %q, want %q", entries[0].Name(), want)
	}
}

func TestHandleReportCrashAndNewCoverageBothPersist(t *testing.T) {
	m, outputs, crashes := newTestMaster(t)
	report := protocol.Report{
		Coverage: []addr.Gva{0x5000},
		Result:   backend.Result{Kind: backend.Crash, Name: "STATUS_HEAP_CORRUPTION"},
	}
	m.handleReport([]byte("crash-and-cov"), report)

	outEntries, _ := os.ReadDir(outputs)
	crashEntries, _ := os.ReadDir(crashes)
	if len(outEntries) != 1 {
		t.Errorf("outputs dir has %d entries, want 1", len(outEntries))
	}
	if len(crashEntries) != 1 {
		t.Errorf("crashes dir has %d entries, want 1", len(crashEntries))
	}
}

func TestHandleReportTimedoutDiscardsCoverage(t *testing.T) {
	m, outputs, _ := newTestMaster(t)
	// Spec: a worker revokes coverage before reporting Timedout, so the
	// report should already carry none — but handleReport must not merge
	// even if it somehow did.
	report := protocol.Report{
		Coverage: []addr.Gva{0x9000},
		Result:   backend.Result{Kind: backend.Timedout},
	}
	m.handleReport([]byte("slow-input"), report)

	if m.CoverageCount() != 0 {
		t.Errorf("a Timedout report merging coverage would break spec's revoke contract; CoverageCount() = %d", m.CoverageCount())
	}
	entries, _ := os.ReadDir(outputs)
	if len(entries) != 0 {
		t.Error("a Timedout report should never persist to outputs")
	}
}

func TestMergeCoverageDeduplicatesAcrossCalls(t *testing.T) {
	m, _, _ := newTestMaster(t)
	if !m.mergeCoverage([]addr.Gva{0x1000, 0x2000}) {
		t.Error("first merge of fresh ids should report new coverage")
	}
	if m.mergeCoverage([]addr.Gva{0x1000, 0x2000}) {
		t.Error("second merge of the same ids should report no new coverage")
	}
	if !m.mergeCoverage([]addr.Gva{0x1000, 0x3000}) {
		t.Error("a merge mixing an old and a new id should still report new coverage")
	}
	if m.CoverageCount() != 3 {
		t.Errorf("CoverageCount() = %d, want 3", m.CoverageCount())
	}
}

func TestReachedRunLimit(t *testing.T) {
	m, _, _ := newTestMaster(t)
	m.cfg.Runs = 2
	if m.reachedRunLimit() {
		t.Error("should not have reached the run limit yet")
	}
	m.countRun()
	m.countRun()
	if !m.reachedRunLimit() {
		t.Error("should have reached the run limit")
	}
}

func TestReachedRunLimitZeroMeansUnlimited(t *testing.T) {
	m, _, _ := newTestMaster(t)
	for i := 0; i < 1000; i++ {
		m.countRun()
	}
	if m.reachedRunLimit() {
		t.Error("Runs == 0 should mean unlimited")
	}
}

func TestShutdownIdempotent(t *testing.T) {
	m, _, _ := newTestMaster(t)
	m.Shutdown()
	m.Shutdown() // must not panic or double-close m.done
}

func TestOutputsDirPathsAreDistinctTempDirs(t *testing.T) {
	_, outputs, crashes := newTestMaster(t)
	if filepath.Clean(outputs) == filepath.Clean(crashes) {
		t.Fatal("test setup bug: outputs and crashes dirs should differ")
	}
}
