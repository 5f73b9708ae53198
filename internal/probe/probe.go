// SPDX-License-Identifier: MIT

// Package probe stands in for the C original's USDT static probes. Go has
// no macro-level SDT support, so each probe is a never-inlined marker
// function carrying exactly that probe's argument tuple from spec.md
// §4.3: a no-op by default, and attachable by an external uprobe-based
// consumer the same way Go-targeting eBPF profilers hook named function
// entries. A package-level Recorder lets tests observe which probes
// fired without attaching BPF; production builds leave it nil, costing
// one nil check per sampled call.
package probe

// Recorder, when non-nil, receives a copy of every probe fired. Tests set
// this directly; it must never be set from non-test code.
var Recorder func(name string, args ...any)

func record(name string, args ...any) {
	if Recorder != nil {
		Recorder(name, args...)
	}
}

//go:noinline
func Malloc(id, ptr, size uint64) {
	record("malloc", id, ptr, size)
}

//go:noinline
func Calloc(num, size, id, ptr, requested uint64) {
	record("calloc", num, size, id, ptr, requested)
}

//go:noinline
func CallocOverflow(num, size uint64) {
	record("calloc_overflow", num, size)
}

//go:noinline
func Realloc(oldPtr, oldUsefulSize, id, newPtr, newSize uint64) {
	record("realloc", oldPtr, oldUsefulSize, id, newPtr, newSize)
}

//go:noinline
func ReallocFromTracked(oldID, oldPtr, oldSize, newID, newPtr, newSize uint64) {
	record("realloc_from_tracked", oldID, oldPtr, oldSize, newID, newPtr, newSize)
}

//go:noinline
func ReallocToRegular(oldID, oldPtr, oldSize, newPtr, newSize uint64) {
	record("realloc_to_regular", oldID, oldPtr, oldSize, newPtr, newSize)
}

//go:noinline
func Free(id, ptr, size uint64) {
	record("free", id, ptr, size)
}

//go:noinline
func MmapFailed(size, alignment, paddedSize, errno uint64) {
	record("mmap_failed", size, alignment, paddedSize, errno)
}
