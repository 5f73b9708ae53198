// SPDX-License-Identifier: MIT

// Package tlsid approximates per-OS-thread storage for code reached via
// cgo's //export boundary. A cgo-exported Go function always executes on
// the OS thread that called it from C, but Go exposes no public
// equivalent of pthread's TLS; this package keys a map on the Linux
// thread id (gettid(2)) captured at the top of each exported entry point
// instead.
//
// Entries are never removed: Go has no hook for "this OS thread is about
// to exit" visible from exported-function code, so a process that creates
// and destroys many short-lived threads will accumulate small map entries
// for the lifetime of the process. This mirrors the spec's accepted
// tradeoff of "uneven thread startup cost" from lazy RNG seeding, applied
// one layer out.
package tlsid

import "sync"

// Table holds one V per distinct caller thread id.
type Table[V any] struct {
	mu sync.RWMutex
	m  map[int32]*V
	// New constructs the zero-value-equivalent for a thread seen for the
	// first time.
	New func() *V
}

// NewTable returns a Table whose entries are created with new.
func NewTable[V any](new func() *V) *Table[V] {
	return &Table[V]{m: make(map[int32]*V), New: new}
}

// For returns the value associated with tid, creating one via New on
// first use.
func (t *Table[V]) For(tid int32) *V {
	t.mu.RLock()
	v, ok := t.m[tid]
	t.mu.RUnlock()
	if ok {
		return v
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if v, ok := t.m[tid]; ok {
		return v
	}
	v = t.New()
	t.m[tid] = v
	return v
}

// Len reports the number of distinct threads tracked. Diagnostic only.
func (t *Table[V]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.m)
}
