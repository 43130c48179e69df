// Package random is the only source of randomness the simulation may use.
// Sequences depend on nothing but the seed, so every peer draws the same values.
package random

import (
	"math/bits"

	"lockstep.gg/internal/sim/fixed"
)

// Rand is a xoshiro256** generator (256 bits of state) seeded through splitmix64.
// It is not safe for concurrent use; branch one stream per worker instead.
type Rand struct {
	seed uint64
	s    [4]uint64
}

// State is the complete serialisable generator state.
type State struct {
	Seed uint64
	S    [4]uint64
}

func New(seed uint64) *Rand {
	r := &Rand{}
	r.reseed(seed)
	return r
}

func (r *Rand) reseed(seed uint64) {
	r.seed = seed
	x := seed
	for i := range r.s {
		x += 0x9e3779b97f4a7c15
		r.s[i] = mix64(x)
	}
	if r.s == [4]uint64{} {
		r.s[0] = 1
	}
}

// Seed reports the seed this stream was created from.
func (r *Rand) Seed() uint64 { return r.seed }

func (r *Rand) Next() uint64 {
	s := &r.s
	result := bits.RotateLeft64(s[1]*5, 7) * 9
	t := s[1] << 17
	s[2] ^= s[0]
	s[3] ^= s[1]
	s[1] ^= s[2]
	s[0] ^= s[3]
	s[2] ^= t
	s[3] = bits.RotateLeft64(s[3], 45)
	return result
}

func (r *Rand) Uint32() uint32 { return uint32(r.Next() >> 32) }

// Uint64n returns a uniform value in [0, n) without modulo bias. n == 0 returns 0.
func (r *Rand) Uint64n(n uint64) uint64 {
	if n == 0 {
		return 0
	}
	hi, lo := bits.Mul64(r.Next(), n)
	if lo < n {
		thresh := -n % n
		for lo < thresh {
			hi, lo = bits.Mul64(r.Next(), n)
		}
	}
	return hi
}

// Intn returns a uniform value in [0, n). It panics if n <= 0.
func (r *Rand) Intn(n int) int {
	if n <= 0 {
		panic("random: Intn with non-positive n")
	}
	return int(r.Uint64n(uint64(n)))
}

// Range returns a uniform value in [lo, hi]; lo > hi returns lo.
func (r *Rand) Range(lo, hi int) int {
	if hi <= lo {
		return lo
	}
	return lo + int(r.Uint64n(uint64(hi-lo)+1))
}

// Chance reports true with probability permille/1000.
func (r *Rand) Chance(permille int) bool {
	if permille <= 0 {
		return false
	}
	if permille >= 1000 {
		return true
	}
	return r.Uint64n(1000) < uint64(permille)
}

// Fixed returns a uniform fixed-point value in [0, 1).
func (r *Rand) Fixed() fixed.Value {
	return fixed.Value(r.Uint64n(fixed.Scale))
}

// Branch derives an independent stream from this stream's seed and streamID.
// The parent's position in its own sequence is not touched.
func (r *Rand) Branch(streamID uint64) *Rand {
	return New(DeriveSeed(r.seed, streamID))
}

// DeriveSeed is the seed used by Branch.
func DeriveSeed(seed, streamID uint64) uint64 {
	return mix64(seed ^ mix64(streamID^0xd1b54a32d192ed03))
}

func (r *Rand) State() State {
	return State{Seed: r.seed, S: r.s}
}

func (r *Rand) Restore(st State) {
	r.seed = st.Seed
	r.s = st.S
	if r.s == [4]uint64{} {
		r.reseed(st.Seed)
	}
}

func mix64(z uint64) uint64 {
	z += 0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}
