package emulator

import (
	"testing"

	"github.com/snapfuzz/snapfuzz/internal/backend"
)

func TestLafTrackerSplits64BitMatchIntoPerByteCoverage(t *testing.T) {
	tr := newLafTracker(backend.LafKernelUser, nil)
	// Top 3 bytes match, 4th byte differs: should record 3 coverage ids,
	// one per matching byte, per LafHandle64BitIntCmp.
	tr.Observe(0x1000, 0, 64, 0xaabbcc0011223344, 0xaabbcc9911223344)
	if got := tr.Count(); got != 3 {
		t.Errorf("Count = %d, want 3", got)
	}
}

func TestLafTrackerNoMatchRecordsNothing(t *testing.T) {
	tr := newLafTracker(backend.LafKernelUser, nil)
	tr.Observe(0x1000, 0, 32, 0x11223344, 0xff223344)
	if got := tr.Count(); got != 0 {
		t.Errorf("Count = %d, want 0", got)
	}
}

func TestLafTrackerExactMatchRecordsAllButLowestByte(t *testing.T) {
	tr := newLafTracker(backend.LafKernelUser, nil)
	tr.Observe(0x2000, 0, 16, 0x1234, 0x1234)
	if got := tr.Count(); got != 1 {
		t.Errorf("Count = %d, want 1", got)
	}
}

func TestLafTrackerRespectsUserModeFilter(t *testing.T) {
	tr := newLafTracker(backend.LafUser, nil)
	tr.Observe(0x1000, 0, 32, 0x11223344, 0x11223344) // cpl 0, kernel: filtered out
	if got := tr.Count(); got != 0 {
		t.Errorf("Count = %d, want 0 for a kernel-mode compare under LafUser", got)
	}
	tr.Observe(0x1000, 3, 32, 0x11223344, 0x11223344)
	if got := tr.Count(); got == 0 {
		t.Error("Count should be nonzero for a user-mode compare under LafUser")
	}
}

func TestLafTrackerRespectsAllowedRanges(t *testing.T) {
	tr := newLafTracker(backend.LafKernelUser, []backend.AddrRange{{Lo: 0x3000, Hi: 0x4000}})
	tr.Observe(0x1000, 0, 32, 0x11223344, 0x11223344) // outside range
	if got := tr.Count(); got != 0 {
		t.Errorf("Count = %d, want 0 outside the allowed range", got)
	}
	tr.Observe(0x3500, 0, 32, 0x11223344, 0x11223344)
	if got := tr.Count(); got == 0 {
		t.Error("Count should be nonzero inside the allowed range")
	}
}

func TestLafTrackerClearLastNewKeepsAggregated(t *testing.T) {
	tr := newLafTracker(backend.LafKernelUser, nil)
	tr.Observe(0x1000, 0, 16, 0x1234, 0x1234)
	if len(tr.LastNew()) == 0 {
		t.Fatal("expected LastNew to report the fresh id")
	}
	tr.ClearLastNew()
	if len(tr.LastNew()) != 0 {
		t.Error("ClearLastNew should empty LastNew")
	}
	if tr.Count() == 0 {
		t.Error("ClearLastNew should not shrink the aggregated set")
	}
}
