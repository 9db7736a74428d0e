package emulator

import "github.com/snapfuzz/snapfuzz/internal/rng"

// rdrandChain is a thin alias kept local so call sites in emulator.go read
// naturally; the actual blake3 chaining lives in internal/rng, shared with
// the kvmhv and fchv backends.
func rdrandChain(seed uint64) (nextSeed, value uint64) { return rng.Chain(seed) }
