package testutils

import (
	"math/rand"
	"testing"
	"time"
)

// NewRand returns a seeded PRNG and logs the seed so failing runs can be
// reproduced.
func NewRand(t testing.TB) *rand.Rand {
	t.Helper()
	seed := time.Now().UnixNano()
	t.Logf("Using random seed %d", seed)
	return rand.New(rand.NewSource(seed))
}

// RandomBytes returns n pseudo-random bytes read from rng.
func RandomBytes(t testing.TB, rng *rand.Rand, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	if _, err := rng.Read(b); err != nil {
		t.Fatal(err)
	}
	return b
}
