package emulator

import (
	"github.com/snapfuzz/snapfuzz/internal/addr"
	"github.com/snapfuzz/snapfuzz/internal/backend"
	"github.com/snapfuzz/snapfuzz/internal/coverage"
)

// LafHooking is implemented by a Core that can report a retired CMP/SUB
// instruction's decoded operands, needed for backend.Options.Laf. Cores
// that don't implement it simply never drive a Backend's lafTracker; LAF
// is purely additive coverage, so everything else keeps working.
type LafHooking interface {
	// SetLafHook is invoked once per retired CMP/SUB with an immediate or
	// register operand: rip is the faulting instruction's address, cpl is
	// the current privilege level (0 most privileged, 3 user), width is
	// the operand width in bits (16, 32, or 64), and op1/op2 are the two
	// zero-extended operand values being compared.
	SetLafHook(func(rip uint64, cpl, width int, op1, op2 uint64))
}

// lafTracker turns retired CMP/SUB instructions into splitmix64(rip)+k
// coverage ids, one id per matching byte of the two operands counted down
// from the most significant (laf-intel split-compare, spec §4.3.1/§4.4,
// ported from original_source/src/wtf/bochscpu_backend.cc's
// LafHandle{64,32,16}BitIntCmp): a fuzzer that only matches the top bytes
// of a wide comparison gets partial credit instead of needing every byte
// right in one mutation.
type lafTracker struct {
	mode   backend.LafMode
	ranges []backend.AddrRange

	aggregated map[uint64]struct{}
	lastNew    map[uint64]struct{}
}

func newLafTracker(mode backend.LafMode, ranges []backend.AddrRange) *lafTracker {
	return &lafTracker{
		mode:       mode,
		ranges:     ranges,
		aggregated: make(map[uint64]struct{}),
		lastNew:    make(map[uint64]struct{}),
	}
}

func (t *lafTracker) allowed(rip uint64, cpl int) bool {
	switch t.mode {
	case backend.LafUser:
		if cpl != 3 {
			return false
		}
	case backend.LafKernel:
		if cpl == 3 {
			return false
		}
	case backend.LafKernelUser:
		// no privilege-level restriction
	default:
		return false
	}
	if len(t.ranges) == 0 {
		return true
	}
	for _, r := range t.ranges {
		if r.Contains(addr.Gva(rip)) {
			return true
		}
	}
	return false
}

// Observe records a retired CMP/SUB of the given operand width (in bits)
// at rip, executing at privilege level cpl.
func (t *lafTracker) Observe(rip uint64, cpl, width int, op1, op2 uint64) {
	if !t.allowed(rip, cpl) {
		return
	}
	hashed := coverage.SplitMix64(rip)
	nbytes := width / 8
	for i := nbytes - 1; i >= 1; i-- {
		shift := uint(i * 8)
		mask := uint64(0xff) << shift
		if op1&mask != op2&mask {
			break
		}
		t.record(hashed + uint64(i-1))
	}
}

func (t *lafTracker) record(id uint64) {
	if _, ok := t.aggregated[id]; ok {
		return
	}
	t.aggregated[id] = struct{}{}
	t.lastNew[id] = struct{}{}
}

func (t *lafTracker) LastNew() []uint64 {
	out := make([]uint64, 0, len(t.lastNew))
	for id := range t.lastNew {
		out = append(out, id)
	}
	return out
}

func (t *lafTracker) ClearLastNew() { t.lastNew = make(map[uint64]struct{}) }

func (t *lafTracker) Count() int { return len(t.aggregated) }
