// SPDX-License-Identifier: MIT

// Package shim implements the interception dispatch logic described in
// spec.md §4.3 as pure Go, parameterized over the underlying allocator
// and the tracked registry so the decision tree — which of malloc's four
// realloc sub-cases applies, when to sample, when to fall back — is unit
// testable without cgo. cmd/libpoireau wires a Dispatcher to the real
// dlsym-resolved libc entry points and the process-wide Registry.
package shim

import (
	"math/bits"

	"github.com/backtrace-labs/libpoireau-go/internal/faultcopy"
	"github.com/backtrace-labs/libpoireau-go/internal/probe"
	"github.com/backtrace-labs/libpoireau-go/internal/sampler"
)

// Underlying is the set of real allocator entry points a Dispatcher falls
// back to on the pass-through path. All four fields must be set. A
// Malloc/Calloc/Realloc returning (0, false) signals allocation failure, matching the standard library
// contract; Free is always assumed to succeed.
type Underlying struct {
	Malloc  func(n uintptr) (ptr uintptr, ok bool)
	Calloc  func(num, size uintptr) (ptr uintptr, ok bool)
	Realloc func(ptr uintptr, n uintptr) (newPtr uintptr, ok bool)
	Free    func(ptr uintptr)
}

// TrackedRegistry is the subset of *registry.Registry the dispatcher
// needs; kept as an interface so tests can substitute a fake without
// pulling in real mmap machinery.
type TrackedRegistry interface {
	Get(n uintptr) (ptr uintptr, id uint64)
	Put(ptr uintptr)
	Info(ptr uintptr) (id uint64, size uintptr)
	IsTracked(ptr uintptr) bool
}

// CopyReader is the fault-tolerant cross-mapping copy primitive used when
// an untracked pointer is reallocated into a tracked one.
type CopyReader interface {
	ReadLocal(dst []byte, src uintptr) (int, error)
}

// Dispatcher holds everything one call to malloc/calloc/realloc/free
// needs beyond the per-thread sampler state, which callers own and pass
// in explicitly (see internal/tlsid).
type Dispatcher struct {
	Underlying Underlying
	Registry   TrackedRegistry
	Period     float64
	RandSrc    sampler.RandSource
	Copy       CopyReader
	PageSize   uintptr

	// ToBytes lets the dispatcher (and tests) view a region's contents as
	// a []byte without the dispatcher needing unsafe itself; production
	// wiring backs these with unsafe.Slice over the raw pointer.
	ToBytes func(ptr uintptr, n uintptr) []byte
}

// Malloc implements the malloc dispatch table from spec.md §4.3.
func (d *Dispatcher) Malloc(st *sampler.State, n uintptr) (uintptr, bool) {
	if !st.Test(uint64(n)) {
		return d.Underlying.Malloc(n)
	}
	return d.sampledMalloc(st, n)
}

func (d *Dispatcher) sampledMalloc(st *sampler.State, n uintptr) (uintptr, bool) {
	if st.Reset(d.Period, d.RandSrc) {
		// First seeding on this thread: treat as not sampled so the
		// distribution isn't biased toward each thread's first call.
		return d.Malloc(st, n)
	}

	ptr, id := d.Registry.Get(n)
	if ptr == 0 {
		probe.MmapFailed(uint64(n), 1<<30, uint64(n)+1<<30, 0)
		return 0, false
	}
	probe.Malloc(id, uint64(ptr), uint64(n))
	return ptr, true
}

// Calloc implements the calloc dispatch table from spec.md §4.3,
// including the overflow check on num*size.
func (d *Dispatcher) Calloc(st *sampler.State, num, size uintptr) (uintptr, bool) {
	req, overflow := mulOverflows(num, size)
	if overflow {
		probe.CallocOverflow(uint64(num), uint64(size))
		return 0, false
	}

	if !st.Test(uint64(req)) {
		return d.Underlying.Calloc(1, req)
	}
	return d.sampledCalloc(st, num, size, req)
}

func (d *Dispatcher) sampledCalloc(st *sampler.State, num, size, req uintptr) (uintptr, bool) {
	if st.Reset(d.Period, d.RandSrc) {
		return d.Calloc(st, num, size)
	}
	ptr, id := d.Registry.Get(req)
	if ptr == 0 {
		probe.MmapFailed(uint64(req), 1<<30, uint64(req)+1<<30, 0)
		return 0, false
	}
	// Anonymous mappings are zero-filled by the kernel; no explicit zero
	// fill is required for the sampled path.
	probe.Calloc(uint64(num), uint64(size), id, uint64(ptr), uint64(req))
	return ptr, true
}

func mulOverflows(a, b uintptr) (uintptr, bool) {
	hi, lo := bits.Mul64(uint64(a), uint64(b))
	return uintptr(lo), hi != 0
}

// Realloc implements the four realloc sub-cases from spec.md §4.3. The
// single sampler.Test call governs the fate of the *resulting* pointer
// in every case, including case 4: a tracked pointer realloc'd without
// triggering a fresh sample demotes to a regular, pass-through
// allocation (scenario 3 in spec.md §8), while one that does trigger
// stays tracked.
func (d *Dispatcher) Realloc(st *sampler.State, ptr uintptr, n uintptr) (uintptr, bool) {
	tracked := ptr != 0 && d.Registry.IsTracked(ptr)
	sampled := st.Test(uint64(n))

	switch {
	case !tracked && !sampled:
		return d.Underlying.Realloc(ptr, n)

	case !tracked && sampled && ptr == 0:
		return d.sampledMalloc(st, n)

	case !tracked && sampled:
		return d.reallocUntrackedToTracked(st, ptr, n)

	case tracked && sampled:
		return d.reallocTrackedToTracked(st, ptr, n)

	default: // tracked && !sampled
		return d.reallocTrackedToRegular(ptr, n)
	}
}

func (d *Dispatcher) reallocUntrackedToTracked(st *sampler.State, ptr uintptr, n uintptr) (uintptr, bool) {
	if st.Reset(d.Period, d.RandSrc) {
		return d.Realloc(st, ptr, n)
	}

	newPtr, id := d.Registry.Get(n)
	if newPtr == 0 {
		probe.MmapFailed(uint64(n), 1<<30, uint64(n)+1<<30, 0)
		return 0, false
	}

	dst := d.ToBytes(newPtr, n)
	copied := faultcopy.Copy(d.Copy, dst, ptr, d.PageSize)
	_ = copied

	d.Underlying.Free(ptr)
	probe.Realloc(uint64(ptr), uint64(copied), id, uint64(newPtr), uint64(n))
	return newPtr, true
}

// reallocTrackedToTracked handles spec.md §4.3 realloc sub-case 4 when
// the fresh sample test triggered: the result stays tracked. §4.2's
// in-place resize is attempted first as an optimization (avoiding a new
// mapping and a copy); on any resize failure the shim falls back to a
// brand-new tracked mapping plus a bounded copy, exactly as the "Callers
// treat resize failure as 'cannot grow in place'" design note
// prescribes.
func (d *Dispatcher) reallocTrackedToTracked(st *sampler.State, ptr uintptr, n uintptr) (uintptr, bool) {
	oldID, oldSize := d.Registry.Info(ptr)

	if st.Reset(d.Period, d.RandSrc) {
		// Newly seeded: treat this call as not sampled after all, so the
		// result demotes instead of biasing the distribution.
		return d.reallocTrackedToRegular(ptr, n)
	}

	if resizer, ok := d.Registry.(interface{ Resize(ptr, n uintptr) bool }); ok && resizer.Resize(ptr, n) {
		probe.ReallocFromTracked(oldID, uint64(ptr), uint64(oldSize), oldID, uint64(ptr), uint64(n))
		return ptr, true
	}

	newPtr, newID := d.Registry.Get(n)
	if newPtr == 0 {
		probe.MmapFailed(uint64(n), 1<<30, uint64(n)+1<<30, 0)
		return 0, false
	}
	dst := d.ToBytes(newPtr, n)
	src := d.ToBytes(ptr, minUintptr(oldSize, n))
	copy(dst, src)
	d.Registry.Put(ptr)
	probe.ReallocFromTracked(oldID, uint64(ptr), uint64(oldSize), newID, uint64(newPtr), uint64(n))
	return newPtr, true
}

// reallocTrackedToRegular handles spec.md §4.3 realloc sub-case 4 when no
// fresh sample triggered: the tracked allocation is released and the
// result becomes a regular, pass-through pointer (spec.md §8 scenario 3).
func (d *Dispatcher) reallocTrackedToRegular(ptr uintptr, n uintptr) (uintptr, bool) {
	oldID, oldSize := d.Registry.Info(ptr)

	newPtr, ok := d.Underlying.Malloc(n)
	if !ok {
		return 0, false
	}
	dst := d.ToBytes(newPtr, n)
	src := d.ToBytes(ptr, minUintptr(oldSize, n))
	copy(dst, src)
	d.Registry.Put(ptr)
	probe.ReallocToRegular(oldID, uint64(ptr), uint64(oldSize), uint64(newPtr), uint64(n))
	return newPtr, true
}

func minUintptr(a, b uintptr) uintptr {
	if a < b {
		return a
	}
	return b
}

// Free implements the free dispatch from spec.md §4.3. A null pointer is
// delegated to the underlying free and emits no probe.
func (d *Dispatcher) Free(ptr uintptr) {
	if ptr == 0 {
		d.Underlying.Free(ptr)
		return
	}
	if d.Registry.IsTracked(ptr) {
		id, size := d.Registry.Info(ptr)
		d.Registry.Put(ptr)
		probe.Free(id, uint64(ptr), uint64(size))
		return
	}
	d.Underlying.Free(ptr)
}
