// Package rng implements the deterministic PRNG chain backends substitute
// for the host's hardware RDRAND instruction, so that reseeding the same
// CpuState always reproduces the same guest-visible "random" stream.
// Grounded on original_source/src/wtf/bochscpu_backend.cc's
// BochscpuBackend_t::Rdrand, which blake3-hashes a running seed and
// splits the digest into (next seed, returned value).
package rng

import (
	"encoding/binary"

	"github.com/zeebo/blake3"
)

// Chain advances seed by one step, returning the next seed and the value
// to hand back to the guest in place of RDRAND's output.
func Chain(seed uint64) (nextSeed, value uint64) {
	var seedBytes [8]byte
	binary.LittleEndian.PutUint64(seedBytes[:], seed)

	h := blake3.New()
	h.Write(seedBytes[:])
	out := h.Sum(nil)

	nextSeed = binary.LittleEndian.Uint64(out[0:8])
	value = binary.LittleEndian.Uint64(out[8:16])
	return nextSeed, value
}
