package coverage

// SplitMix64 is the standard public-domain 64-bit mixer used to derive
// coverage ids from a Gva (spec §4.3.1/§4.4). It is not meant to be
// cryptographically strong, only fast and well-distributed.
func SplitMix64(x uint64) uint64 {
	x += 0x9E3779B97F4A7C15
	z := x
	z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
	z = (z ^ (z >> 27)) * 0x94D049BB133111EB
	return z ^ (z >> 31)
}
