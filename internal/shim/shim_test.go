// SPDX-License-Identifier: MIT

package shim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backtrace-labs/libpoireau-go/internal/probe"
	"github.com/backtrace-labs/libpoireau-go/internal/sampler"
)

// fakeRandSource seeds deterministic non-zero state, so State.Reset's
// firstSeed branch fires exactly once per fresh State and every draw
// thereafter is reproducible.
type fakeRandSource struct{}

func (fakeRandSource) Seed(state *[4]uint64) {
	state[0], state[1], state[2], state[3] = 1, 2, 3, 4
}

// hugeDebtState seeds a State against an astronomically large mean period,
// so the exponential draw leaves debt far beyond anything a small test
// allocation could borrow against: Test on a small n deterministically
// reports "not sampled".
func hugeDebtState() *sampler.State {
	st := &sampler.State{}
	st.Reset(1<<62, fakeRandSource{})
	return st
}

// sampledState seeds a State against the dispatcher's real period (64
// bytes), then relies on test allocation sizes many orders of magnitude
// larger than that mean to deterministically borrow on the first Test —
// the same "size dwarfs the period" reasoning used throughout spec.md §8's
// worked examples.
func sampledState() *sampler.State {
	st := &sampler.State{}
	st.Reset(64, fakeRandSource{})
	return st
}

// fakeRegistry is an in-memory stand-in for *registry.Registry, addressed
// by an incrementing fake pointer space instead of real mmap'd addresses.
type fakeRegistry struct {
	nextPtr  uintptr
	tracked  map[uintptr]*fakeSlot
	resizeOK bool
	mem      map[uintptr][]byte
}

type fakeSlot struct {
	id   uint64
	size uintptr
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		nextPtr: 0x100000000,
		tracked: make(map[uintptr]*fakeSlot),
		mem:     make(map[uintptr][]byte),
	}
}

func (f *fakeRegistry) Get(n uintptr) (uintptr, uint64) {
	ptr := f.nextPtr
	f.nextPtr += 1 << 30
	id := uint64(len(f.tracked) + 1)
	f.tracked[ptr] = &fakeSlot{id: id, size: n}
	f.mem[ptr] = make([]byte, n)
	return ptr, id
}

func (f *fakeRegistry) Put(ptr uintptr) {
	delete(f.tracked, ptr)
	delete(f.mem, ptr)
}

func (f *fakeRegistry) Info(ptr uintptr) (uint64, uintptr) {
	s := f.tracked[ptr]
	if s == nil {
		return 0, 0
	}
	return s.id, s.size
}

func (f *fakeRegistry) IsTracked(ptr uintptr) bool {
	_, ok := f.tracked[ptr]
	return ok
}

// Resize implements the optional in-place-resize interface Dispatcher
// type-asserts for; resizeOK toggles whether it succeeds.
func (f *fakeRegistry) Resize(ptr, n uintptr) bool {
	if !f.resizeOK {
		return false
	}
	s := f.tracked[ptr]
	if s == nil {
		return false
	}
	s.size = n
	buf := f.mem[ptr]
	if uintptr(len(buf)) < n {
		grown := make([]byte, n)
		copy(grown, buf)
		f.mem[ptr] = grown
	}
	return true
}

// fakeCopy implements CopyReader by reading out of the fakeRegistry's own
// byte-slice backing store, keyed by the same fake pointer space.
type fakeCopy struct {
	reg *fakeRegistry
}

func (c fakeCopy) ReadLocal(dst []byte, src uintptr) (int, error) {
	buf := c.reg.mem[src]
	n := copy(dst, buf)
	return n, nil
}

func newDispatcher(underMalloc func(n uintptr) (uintptr, bool)) (*Dispatcher, *fakeRegistry) {
	reg := newFakeRegistry()
	freeCalls := map[uintptr]bool{}
	d := &Dispatcher{
		Underlying: Underlying{
			Malloc: underMalloc,
			Calloc: func(num, size uintptr) (uintptr, bool) {
				return underMalloc(size)
			},
			Realloc: func(ptr uintptr, n uintptr) (uintptr, bool) {
				return underMalloc(n)
			},
			Free: func(ptr uintptr) { freeCalls[ptr] = true },
		},
		Registry: reg,
		Period:   64,
		RandSrc:  fakeRandSource{},
		Copy:     fakeCopy{reg: reg},
		PageSize: 4096,
		ToBytes: func(ptr uintptr, n uintptr) []byte {
			buf := reg.mem[ptr]
			if uintptr(len(buf)) < n {
				grown := make([]byte, n)
				copy(grown, buf)
				reg.mem[ptr] = grown
				buf = grown
			}
			return buf[:n]
		},
	}
	return d, reg
}

func regularMalloc() func(n uintptr) (uintptr, bool) {
	next := uintptr(0x1000)
	return func(n uintptr) (uintptr, bool) {
		p := next
		next += n + 16
		return p, true
	}
}

func withProbeRecorder(t *testing.T) *[]string {
	t.Helper()
	var probed []string
	probe.Recorder = func(name string, args ...any) { probed = append(probed, name) }
	t.Cleanup(func() { probe.Recorder = nil })
	return &probed
}

func TestDispatcher_MallocUnsampledPassesThrough(t *testing.T) {
	probed := withProbeRecorder(t)

	d, reg := newDispatcher(regularMalloc())
	st := hugeDebtState()
	ptr, ok := d.Malloc(st, 16)

	require.True(t, ok)
	assert.False(t, reg.IsTracked(ptr))
	assert.Empty(t, *probed)
}

func TestDispatcher_MallocSampledReturnsTrackedPointer(t *testing.T) {
	probed := withProbeRecorder(t)

	d, reg := newDispatcher(regularMalloc())
	st := sampledState()

	ptr, ok := d.Malloc(st, 1<<26)

	require.True(t, ok)
	assert.True(t, reg.IsTracked(ptr))
	assert.Contains(t, *probed, "malloc")
}

func TestDispatcher_CallocOverflowReportsProbeAndFails(t *testing.T) {
	probed := withProbeRecorder(t)

	d, _ := newDispatcher(regularMalloc())
	st := hugeDebtState()

	ptr, ok := d.Calloc(st, ^uintptr(0), 2)

	assert.False(t, ok)
	assert.Equal(t, uintptr(0), ptr)
	assert.Contains(t, *probed, "calloc_overflow")
}

// TestDispatcher_ReallocTrackedDemotesToRegular mirrors spec.md §8 scenario
// 3: a large, sampled allocation later realloc'd down to a size that
// doesn't resample. The result must become a regular, pass-through pointer
// with a single realloc_to_regular probe, and the old tracked slot freed.
func TestDispatcher_ReallocTrackedDemotesToRegular(t *testing.T) {
	probed := withProbeRecorder(t)

	d, reg := newDispatcher(regularMalloc())
	p, ok := d.Malloc(sampledState(), 1<<26)
	require.True(t, ok)
	require.True(t, reg.IsTracked(p))

	q, ok := d.Realloc(hugeDebtState(), p, 16)

	require.True(t, ok)
	assert.False(t, reg.IsTracked(q))
	assert.False(t, reg.IsTracked(p))
	assert.Contains(t, *probed, "realloc_to_regular")
	assert.NotContains(t, *probed, "realloc_from_tracked")
}

// TestDispatcher_ReallocTrackedStaysTrackedOnResample covers the opposite
// branch: a tracked pointer realloc'd with a size that does resample stays
// tracked, using the registry's in-place Resize fast path.
func TestDispatcher_ReallocTrackedStaysTrackedOnResample(t *testing.T) {
	probed := withProbeRecorder(t)

	d, reg := newDispatcher(regularMalloc())
	reg.resizeOK = true

	p, ok := d.Malloc(sampledState(), 1<<20)
	require.True(t, ok)

	q, ok := d.Realloc(sampledState(), p, 1<<21)

	require.True(t, ok)
	assert.Equal(t, p, q)
	assert.True(t, reg.IsTracked(q))
	assert.Contains(t, *probed, "realloc_from_tracked")
}

// TestDispatcher_ReallocTrackedResizeFailureFallsBackToCopy covers the
// resize-failure fallback noted in spec.md §4.2: resize refused, so the
// shim allocates a fresh tracked mapping and copies instead.
func TestDispatcher_ReallocTrackedResizeFailureFallsBackToCopy(t *testing.T) {
	probed := withProbeRecorder(t)

	d, reg := newDispatcher(regularMalloc())
	reg.resizeOK = false

	p, ok := d.Malloc(sampledState(), 1<<20)
	require.True(t, ok)
	copy(reg.mem[p], []byte("hello"))

	q, ok := d.Realloc(sampledState(), p, 1<<21)

	require.True(t, ok)
	assert.NotEqual(t, p, q)
	assert.True(t, reg.IsTracked(q))
	assert.False(t, reg.IsTracked(p))
	assert.Equal(t, []byte("hello"), reg.mem[q][:5])
	assert.Contains(t, *probed, "realloc_from_tracked")
}

// TestDispatcher_ReallocUntrackedSampledPromotesToTracked covers case 3:
// an ordinary pointer, realloc'd into a size that triggers a fresh sample,
// copies into a new tracked mapping and frees the old pointer.
func TestDispatcher_ReallocUntrackedSampledPromotesToTracked(t *testing.T) {
	probed := withProbeRecorder(t)

	d, reg := newDispatcher(regularMalloc())
	p, ok := d.Underlying.Malloc(32)
	require.True(t, ok)

	q, ok := d.Realloc(sampledState(), p, 1<<26)

	require.True(t, ok)
	assert.True(t, reg.IsTracked(q))
	assert.Contains(t, *probed, "realloc")
}

// TestDispatcher_ReallocUntrackedUnsampledPassesThrough covers case 1: an
// ordinary pointer realloc'd at a size that doesn't sample goes straight to
// the underlying allocator with no registry involvement.
func TestDispatcher_ReallocUntrackedUnsampledPassesThrough(t *testing.T) {
	probed := withProbeRecorder(t)

	d, reg := newDispatcher(regularMalloc())
	p, ok := d.Underlying.Malloc(32)
	require.True(t, ok)

	q, ok := d.Realloc(hugeDebtState(), p, 48)

	require.True(t, ok)
	assert.False(t, reg.IsTracked(q))
	assert.Empty(t, *probed)
}

func TestDispatcher_FreeOfNullIsNoopProbe(t *testing.T) {
	probed := withProbeRecorder(t)

	d, _ := newDispatcher(regularMalloc())
	d.Free(0)

	assert.Empty(t, *probed)
}

func TestDispatcher_FreeOfTrackedPointerEmitsProbeAndReleasesSlot(t *testing.T) {
	probed := withProbeRecorder(t)

	d, reg := newDispatcher(regularMalloc())
	p, ok := d.Malloc(sampledState(), 1<<26)
	require.True(t, ok)

	d.Free(p)

	assert.False(t, reg.IsTracked(p))
	assert.Contains(t, *probed, "free")
}

func TestDispatcher_FreeOfUntrackedPointerDelegatesToUnderlying(t *testing.T) {
	probed := withProbeRecorder(t)

	var freed uintptr
	d, _ := newDispatcher(regularMalloc())
	d.Underlying.Free = func(ptr uintptr) { freed = ptr }

	d.Free(0x1234)

	assert.Equal(t, uintptr(0x1234), freed)
	assert.Empty(t, *probed)
}
