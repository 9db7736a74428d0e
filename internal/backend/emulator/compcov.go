package emulator

import (
	"github.com/snapfuzz/snapfuzz/internal/addr"
	"github.com/snapfuzz/snapfuzz/internal/coverage"
)

// compcovMaxCmpLength mirrors original_source/src/wtf/compcov.h's
// COMPCOV_MAX_CMP_LENGTH: comparisons at or beyond this length are
// ignored to keep the coverage database from drowning in long-string
// noise.
const compcovMaxCmpLength = 34

// compcovState tracks the synthetic coverage breakpoints CompCov hooks
// install for each matched comparison prefix, per CompcovTrace.
type compcovState struct {
	uniqueHits int
}

func newCompcovState() *compcovState { return &compcovState{} }

// CompcovUniqueHits reports the number of synthetic CompCov coverage
// breakpoints successfully installed so far, or 0 if CompCov is disabled.
func (b *Backend) CompcovUniqueHits() int {
	if b.cc == nil {
		return 0
	}
	return b.cc.uniqueHits
}

// HookStrcmp mimics CompcovHandleStrcmp/CompcovTrace: it reads two
// NUL-terminated strings (bounded by compcovMaxCmpLength) from the guest,
// finds their common prefix, and for each matched byte position records a
// synthetic coverage id at splitmix64(retLoc)+i. retLoc is normally the
// call-site return address (read off the stack by the caller).
func (b *Backend) HookStrcmp(retLoc uint64, str1Ptr, str2Ptr addr.Gva) error {
	if b.cc == nil {
		return nil
	}
	var buf1, buf2 [compcovMaxCmpLength + 1]byte
	if err := b.VirtRead(str1Ptr, buf1[:]); err != nil {
		return nil
	}
	if err := b.VirtRead(str2Ptr, buf2[:]); err != nil {
		return nil
	}
	length := commonCStringPrefix(buf1[:], buf2[:], compcovMaxCmpLength)
	if length >= compcovMaxCmpLength {
		return nil
	}
	return b.traceCompcov(retLoc, length)
}

// HookMemcmp mimics CompcovHandleMemcmp: a fixed-size buffer comparison,
// recording coverage for the matching prefix only.
func (b *Backend) HookMemcmp(retLoc uint64, buf1Ptr, buf2Ptr addr.Gva, size uint64) error {
	if b.cc == nil || size >= compcovMaxCmpLength {
		return nil
	}
	buf1 := make([]byte, size)
	buf2 := make([]byte, size)
	if err := b.VirtRead(buf1Ptr, buf1); err != nil {
		return nil
	}
	if err := b.VirtRead(buf2Ptr, buf2); err != nil {
		return nil
	}
	length := commonPrefix(buf1, buf2)
	return b.traceCompcov(retLoc, length)
}

// traceCompcov installs one coverage breakpoint id per matched byte
// position, splitmix64(retLoc)+i, exactly as CompcovTrace does for the
// BochsCPU backend.
func (b *Backend) traceCompcov(retLoc uint64, length uint64) error {
	hashed := coverage.SplitMix64(retLoc)
	for i := uint64(0); i < length; i++ {
		gva := addr.Gva(hashed + i)
		if err := b.cov.InstallCoverageBreakpoint(b.physReader(), gva, b.cr3); err == nil {
			b.cc.uniqueHits++
		}
	}
	return nil
}

func commonPrefix(a, b []byte) uint64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var i int
	for i = 0; i < n; i++ {
		if a[i] != b[i] {
			break
		}
	}
	return uint64(i)
}

// commonCStringPrefix is commonPrefix but stops at the first NUL in
// either string, matching strcmp/strncmp semantics (CompcovStrlen2 in the
// original).
func commonCStringPrefix(a, b []byte, max uint64) uint64 {
	var i uint64
	for i = 0; i < max && i < uint64(len(a)) && i < uint64(len(b)); i++ {
		if a[i] != b[i] || a[i] == 0 {
			break
		}
	}
	return i
}
