package addr

import "testing"

func TestGvaAlign(t *testing.T) {
	a := Gva(0x1337)
	if got := a.Align(); got != Gva(0x1000) {
		t.Errorf("Align() = %v, want 0x1000", got)
	}
	if got := a.Offset(); got != 0x337 {
		t.Errorf("Offset() = %v, want 0x337", got)
	}
}

func TestGpaAlign(t *testing.T) {
	a := Gpa(0xdeadb000 + 0x123)
	if got := a.Align(); got != Gpa(0xdeadb000) {
		t.Errorf("Align() = %v, want 0xdeadb000", got)
	}
	if got := a.Offset(); got != 0x123 {
		t.Errorf("Offset() = %v, want 0x123", got)
	}
}

func TestSpansPages(t *testing.T) {
	cases := []struct {
		base Gva
		n    uint64
		want bool
	}{
		{0x1000, 16, false},
		{0x1ff8, 16, true},
		{0x1000, 0x1000, false},
		{0x1000, 0x1001, true},
	}
	for _, c := range cases {
		if got := c.base.SpansPages(c.n); got != c.want {
			t.Errorf("SpansPages(%v,%v) = %v, want %v", c.base, c.n, got, c.want)
		}
	}
}

func TestPageCount(t *testing.T) {
	if got := Gva(0x1000).PageCount(0x1000); got != 1 {
		t.Errorf("PageCount = %v, want 1", got)
	}
	if got := Gva(0x1ff8).PageCount(16); got != 2 {
		t.Errorf("PageCount = %v, want 2", got)
	}
}
