package backend

import (
	"testing"
)

func TestResultString(t *testing.T) {
	cases := []struct {
		r    Result
		want string
	}{
		{Result{Kind: Ok}, "Ok"},
		{Result{Kind: Timedout}, "Timedout"},
		{Result{Kind: Cr3Change}, "Cr3Change"},
		{Result{Kind: Crash, Name: "AccessViolation"}, "Crash{AccessViolation}"},
	}
	for _, c := range cases {
		if got := c.r.String(); got != c.want {
			t.Errorf("Result{%v}.String() = %q, want %q", c.r.Kind, got, c.want)
		}
	}
}

func TestAddrRangeContains(t *testing.T) {
	r := AddrRange{Lo: 0x1000, Hi: 0x2000}
	if !r.Contains(0x1000) || !r.Contains(0x2000) || !r.Contains(0x1800) {
		t.Error("Contains should be inclusive of both bounds")
	}
	if r.Contains(0xfff) || r.Contains(0x2001) {
		t.Error("Contains should reject addresses outside the range")
	}
}

func TestLafModeZeroValueDisabled(t *testing.T) {
	var m LafMode
	if m != LafDisabled {
		t.Error("zero value of LafMode should be LafDisabled")
	}
}
