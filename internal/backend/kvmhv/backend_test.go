//go:build linux

package kvmhv

import (
	"testing"

	"github.com/snapfuzz/snapfuzz/internal/cpustate"
)

func TestSegmentFromState(t *testing.T) {
	attr := uint16(11) | attrSBit | (3 << attrDPLShift) | attrDBBit | attrLBit | attrGBit
	s := cpustate.Segment{
		Base: 0xdeadbeef, Limit: 0xffffffff, Selector: 0x33,
		Attr: attr, Present: true,
	}
	kseg := segmentFromState(s)
	if kseg.Base != s.Base || kseg.Selector != s.Selector {
		t.Errorf("segmentFromState lost base/selector: %+v", kseg)
	}
	if kseg.Type != 11 || kseg.DPL != 3 {
		t.Errorf("segmentFromState decoded type/DPL wrong: %+v", kseg)
	}
	if kseg.Present != 1 || kseg.DB != 1 || kseg.S != 1 || kseg.L != 1 || kseg.G != 1 {
		t.Errorf("segmentFromState should map set Attr bits to 1, got %+v", kseg)
	}
}

func TestSegmentFromStateAbsentFlags(t *testing.T) {
	s := cpustate.Segment{Present: false, Attr: 0}
	kseg := segmentFromState(s)
	if kseg.Present != 0 || kseg.DB != 0 || kseg.S != 0 {
		t.Errorf("segmentFromState should map zero Attr/Present to 0, got %+v", kseg)
	}
}

func TestBoolToU8(t *testing.T) {
	if boolToU8(true) != 1 || boolToU8(false) != 0 {
		t.Error("boolToU8 mapping is wrong")
	}
}
