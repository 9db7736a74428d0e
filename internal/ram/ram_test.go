package ram

import (
	"bytes"
	"testing"

	"github.com/snapfuzz/snapfuzz/internal/addr"
)

type fakeDump struct {
	pages  map[addr.Gpa][addr.PageSize]byte
	maxGpa addr.Gpa
}

func newFakeDump() *fakeDump {
	return &fakeDump{pages: make(map[addr.Gpa][addr.PageSize]byte)}
}

func (f *fakeDump) set(gpa addr.Gpa, b byte) {
	p := f.pages[gpa]
	for i := range p {
		p[i] = b
	}
	f.pages[gpa] = p
	if gpa > f.maxGpa {
		f.maxGpa = gpa
	}
}

func (f *fakeDump) Page(aligned addr.Gpa) ([addr.PageSize]byte, bool) {
	p, ok := f.pages[aligned]
	return p, ok
}

func (f *fakeDump) MaxGpa() addr.Gpa { return f.maxGpa }

func TestPopulateLazyZeroed(t *testing.T) {
	d := newFakeDump()
	d.set(0x1000, 0xAB)
	r := New()
	if err := r.Populate(d, ModeLazy); err != nil {
		t.Fatal(err)
	}
	buf := r.Buffer()
	if buf[0x1000] != 0 {
		t.Errorf("lazy mode should leave buffer zeroed until faulted, got %#x", buf[0x1000])
	}
	var dst [1]byte
	if err := r.ReadAt(0x1000, dst[:]); err != nil {
		t.Fatal(err)
	}
	if dst[0] != 0xAB {
		t.Errorf("ReadAt after fault-in = %#x, want 0xab", dst[0])
	}
}

func TestPopulateEager(t *testing.T) {
	d := newFakeDump()
	d.set(0x2000, 0xCD)
	r := New()
	if err := r.Populate(d, ModeEager); err != nil {
		t.Fatal(err)
	}
	if r.Buffer()[0x2000] != 0xCD {
		t.Errorf("eager mode should copy dump pages immediately")
	}
}

func TestWriteAtDirties(t *testing.T) {
	d := newFakeDump()
	d.set(0x3000, 0)
	r := New()
	if err := r.Populate(d, ModeLazy); err != nil {
		t.Fatal(err)
	}
	if err := r.WriteAt(0x3000, []byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	dirty := r.DirtyPages()
	if len(dirty) != 1 || dirty[0] != addr.Gpa(0x3000) {
		t.Errorf("DirtyPages = %v, want [0x3000]", dirty)
	}
}

func TestAddBreakpointAndRemove(t *testing.T) {
	d := newFakeDump()
	d.set(0x1000, 0x90)
	r := New()
	if err := r.Populate(d, ModeLazy); err != nil {
		t.Fatal(err)
	}
	gva := addr.Gpa(0x1010)
	hostOff, original, err := r.AddBreakpoint(gva)
	if err != nil {
		t.Fatal(err)
	}
	if original != 0x90 {
		t.Errorf("AddBreakpoint original = %#x, want 0x90", original)
	}
	if r.Buffer()[hostOff] != 0xCC {
		t.Errorf("AddBreakpoint did not write 0xCC")
	}
	if err := r.RemoveBreakpoint(gva, 0x90); err != nil {
		t.Fatal(err)
	}
	if r.Buffer()[hostOff] != 0x90 {
		t.Errorf("RemoveBreakpoint did not restore original byte")
	}
}

func TestRestoreUndoesMutationAndReArmsBreakpoint(t *testing.T) {
	d := newFakeDump()
	d.set(0x1000, 0x90)
	r := New()
	if err := r.Populate(d, ModeLazy); err != nil {
		t.Fatal(err)
	}

	// Arm a breakpoint, then simulate the guest overwriting a *different*
	// byte on the same page.
	if _, _, err := r.AddBreakpoint(0x1010); err != nil {
		t.Fatal(err)
	}
	if err := r.WriteAt(0x1020, []byte{0x41, 0x41}); err != nil {
		t.Fatal(err)
	}

	if err := r.RestoreDirty(); err != nil {
		t.Fatal(err)
	}

	buf := r.Buffer()
	if buf[0x1010] != 0xCC {
		t.Errorf("restore should re-arm the breakpoint byte, got %#x", buf[0x1010])
	}
	if bytes.Equal(buf[0x1020:0x1022], []byte{0x41, 0x41}) {
		t.Errorf("restore should roll back the guest write")
	}
	if len(r.DirtyPages()) != 0 {
		t.Errorf("restore should clear the dirty set")
	}
}

func TestReadOutOfRangeErrors(t *testing.T) {
	d := newFakeDump()
	d.set(0x0, 0)
	r := New()
	if err := r.Populate(d, ModeLazy); err != nil {
		t.Fatal(err)
	}
	var dst [8]byte
	if err := r.ReadAt(0x10_0000_0000, dst[:]); err == nil {
		t.Error("expected out-of-range error")
	}
}
