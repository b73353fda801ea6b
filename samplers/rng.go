package samplers

import (
	"fmt"
	"math/rand/v2"
)

// Key is a pseudo-random stream state, passed by value.
//
// A Key is never used twice: Split derives two new independent keys from it, one to carry forward and one to be
// consumed. This makes every decoding step (and every call to a Sampler) draw from a different stream, while
// keeping the whole generation reproducible from the initial seed.
type Key struct {
	Hi, Lo uint64
}

// NewKey creates the root key for the given seed.
func NewKey(seed uint64) Key {
	// Mix the seed so that nearby seeds don't produce correlated PCG states.
	r := rand.New(rand.NewPCG(seed, 0x853C49E6748FEA9B))
	return Key{Hi: r.Uint64(), Lo: r.Uint64()}
}

// Split returns the key to carry forward (next) and the key to use now (current).
func (k Key) Split() (next, current Key) {
	r := rand.New(rand.NewPCG(k.Hi, k.Lo))
	next = Key{Hi: r.Uint64(), Lo: r.Uint64()}
	current = Key{Hi: r.Uint64(), Lo: r.Uint64()}
	return
}

// Rand returns a random number generator seeded with the key.
func (k Key) Rand() *rand.Rand {
	return rand.New(rand.NewPCG(k.Hi, k.Lo))
}

// String implements fmt.Stringer.
func (k Key) String() string {
	return fmt.Sprintf("Key(%016x%016x)", k.Hi, k.Lo)
}
