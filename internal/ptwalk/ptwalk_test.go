package ptwalk

import (
	"encoding/binary"
	"testing"

	"github.com/snapfuzz/snapfuzz/internal/addr"
)

// memPhys is a trivial PhysReader backed by a flat byte slice, used to
// build small synthetic page tables for the walker tests.
type memPhys struct {
	buf []byte
}

func newMemPhys(size int) *memPhys { return &memPhys{buf: make([]byte, size)} }

func (m *memPhys) PhysRead8(gpa addr.Gpa) (uint64, error) {
	return binary.LittleEndian.Uint64(m.buf[gpa : gpa+8]), nil
}

func (m *memPhys) writeEntry(gpa addr.Gpa, val uint64) {
	binary.LittleEndian.PutUint64(m.buf[gpa:gpa+8], val)
}

func TestVirtTranslate4K(t *testing.T) {
	m := newMemPhys(0x10000)

	const (
		pml4Base = 0x1000
		pdptBase = 0x2000
		pdBase   = 0x3000
		ptBase   = 0x4000
		dataPage = 0x5000
	)
	gva := addr.Gva(0x0000_7f00_1234_5678)

	m.writeEntry(addr.Gpa(pml4Base+pml4Index(gva)*8), pdptBase|presentBit)
	m.writeEntry(addr.Gpa(pdptBase+pdptIndex(gva)*8), pdBase|presentBit)
	m.writeEntry(addr.Gpa(pdBase+pdIndex(gva)*8), ptBase|presentBit)
	m.writeEntry(addr.Gpa(ptBase+ptIndex(gva)*8), dataPage|presentBit)

	gpa, err := VirtTranslate(m, gva, Cr3(pml4Base), Read)
	if err != nil {
		t.Fatalf("VirtTranslate: %v", err)
	}
	want := addr.Gpa(dataPage + gva.Offset())
	if gpa != want {
		t.Errorf("VirtTranslate = %v, want %v", gpa, want)
	}
}

func TestVirtTranslate2MLargePage(t *testing.T) {
	m := newMemPhys(0x10000)
	const (
		pml4Base = 0x1000
		pdptBase = 0x2000
		pdBase   = 0x3000
		dataPage = 0x200000
	)
	gva := addr.Gva(0x0000_7f00_0020_1234)

	m.writeEntry(addr.Gpa(pml4Base+pml4Index(gva)*8), pdptBase|presentBit)
	m.writeEntry(addr.Gpa(pdptBase+pdptIndex(gva)*8), pdBase|presentBit)
	m.writeEntry(addr.Gpa(pdBase+pdIndex(gva)*8), dataPage|presentBit|pageSizeBit)

	gpa, err := VirtTranslate(m, gva, Cr3(pml4Base), Read)
	if err != nil {
		t.Fatalf("VirtTranslate: %v", err)
	}
	want := addr.Gpa(dataPage + (uint64(gva) & 0x1f_ffff))
	if gpa != want {
		t.Errorf("VirtTranslate = %v, want %v", gpa, want)
	}
}

func TestVirtTranslateNotPresent(t *testing.T) {
	m := newMemPhys(0x10000)
	gva := addr.Gva(0x1234)
	_, err := VirtTranslate(m, gva, Cr3(0x1000), Read)
	if err == nil {
		t.Fatal("expected page fault for not-present pml4 entry")
	}
	pf, ok := err.(*PageFault)
	if !ok {
		t.Fatalf("error type = %T, want *PageFault", err)
	}
	if pf.Level != "pml4" {
		t.Errorf("PageFault.Level = %q, want pml4", pf.Level)
	}
}
