// SPDX-License-Identifier: MIT

// Package sampler implements the per-thread Poisson-process byte sampler:
// a hot-path subtract-with-borrow test and a cold-path exponential-variate
// reset, backed by a xoshiro256+ generator that self-seeds from the host's
// secure random source the first time a given thread actually samples.
package sampler

import "math"

// RandSource supplies seed material for a freshly-unseeded generator. In
// production this is backed by getrandom(2); tests substitute a
// deterministic fake so the "newly initialized" path doesn't depend on
// /dev/urandom being available in the sandbox.
type RandSource interface {
	// Seed fills state with secure random bits. Implementations must
	// retry transparently on EINTR and must not return with state left
	// all-zero (that would be observably indistinguishable from unseeded).
	Seed(state *[4]uint64)
}

// State is one thread's sampler state. The zero value is a valid,
// not-yet-seeded state; State must not be shared across threads and
// requires no synchronization of its own.
type State struct {
	rng  rngState
	debt uint64
}

// Test is the hot path: subtract n from the outstanding debt and report
// whether the subtraction borrowed (n >= the previous debt). The field is
// updated unconditionally with the wrapped result, matching the spec's
// "subtract with borrow" contract regardless of outcome.
func (st *State) Test(n uint64) bool {
	prev := st.debt
	st.debt = prev - n
	return n >= prev
}

// Reset draws a new exponential debt with mean `period` bytes and stores
// it. It returns true iff this call performed the first seeding of the
// thread's RNG; callers MUST treat such a call as "not sampled" to avoid
// biasing the distribution toward a thread's very first allocation.
func (st *State) Reset(period float64, src RandSource) bool {
	firstSeed := !st.rng.seeded()
	if firstSeed {
		src.Seed((*[4]uint64)(&st.rng))
	}

	for {
		u := st.uniform()
		debt := math.Ceil(-period * math.Log(u))
		if debt > 0 {
			st.debt = uint64(debt)
			break
		}
		// Subnormal underflow produced a zero draw; redraw rather than
		// publish a zero debt, which would defeat the memoryless
		// property by forcing an immediate re-sample.
	}

	return firstSeed
}

// uniform returns a value in (0, 1], built from the top 52 bits of a
// xoshiro256+ output OR'd into the mantissa of 1.0 (yielding [1.0, 2.0)),
// then shifted down by 1.0. A zero 52-bit field is statistically possible
// and is redrawn so uniform never returns exactly 0.
func (st *State) uniform() float64 {
	for {
		bits52 := st.rng.next() >> 12
		if bits52 != 0 {
			return math.Float64frombits(0x3ff0000000000000|bits52) - 1.0
		}
	}
}

// Seeded reports whether the thread's generator has drawn its first real
// seed. Exposed for tests only.
func (st *State) Seeded() bool { return st.rng.seeded() }
