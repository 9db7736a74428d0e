package emulator

import (
	"github.com/snapfuzz/snapfuzz/internal/coverage"
)

// EdgeHooking is implemented by a Core that can report every retired
// branch's (rip, next_rip) pair, needed for backend.Options.Edges. Cores
// that don't implement it simply never drive a Backend's edgeTracker;
// one-shot breakpoint coverage still works regardless.
type EdgeHooking interface {
	SetEdgeHook(func(rip, nextRip uint64))
}

// edgeTracker aggregates splitmix64(rip) XOR next_rip edges across runs,
// the same scheme as BochscpuBackend_t::RecordEdge. It is only consulted
// when backend.Options.Edges is set; plain one-shot breakpoint coverage
// (the Engine in internal/coverage) always runs regardless.
type edgeTracker struct {
	aggregated map[uint64]struct{}
	lastNew    map[uint64]struct{}
}

func newEdgeTracker() *edgeTracker {
	return &edgeTracker{
		aggregated: make(map[uint64]struct{}),
		lastNew:    make(map[uint64]struct{}),
	}
}

// RecordEdge hashes rip with splitmix64 and XORs in nextRip, recording the
// result as a new edge if never seen before.
func (t *edgeTracker) RecordEdge(rip, nextRip uint64) (isNew bool) {
	edge := coverage.SplitMix64(rip) ^ nextRip
	if _, ok := t.aggregated[edge]; ok {
		return false
	}
	t.aggregated[edge] = struct{}{}
	t.lastNew[edge] = struct{}{}
	return true
}

func (t *edgeTracker) LastNew() []uint64 {
	out := make([]uint64, 0, len(t.lastNew))
	for e := range t.lastNew {
		out = append(out, e)
	}
	return out
}

func (t *edgeTracker) ClearLastNew() { t.lastNew = make(map[uint64]struct{}) }

func (t *edgeTracker) Count() int { return len(t.aggregated) }
