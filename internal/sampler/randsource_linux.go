// SPDX-License-Identifier: MIT

//go:build linux

package sampler

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// GetrandomSource is the production RandSource, backed by the getrandom(2)
// syscall. It blocks only if the kernel's entropy pool is not yet
// initialized at early boot, and retries transparently on EINTR.
type GetrandomSource struct{}

func (GetrandomSource) Seed(state *[4]uint64) {
	buf := unsafe.Slice((*byte)(unsafe.Pointer(state)), len(state)*8)
	for {
		n, err := unix.Getrandom(buf, 0)
		if err == unix.EINTR {
			continue
		}
		if err != nil || n != len(buf) {
			// getrandom(2) is documented not to fail short of EINTR once
			// the entropy pool is initialized; a hard failure here means
			// the host kernel is too old or the syscall is filtered. We
			// degrade to a state derived from whatever partial bytes were
			// returned rather than leaving rng all-zero, which would be
			// indistinguishable from "still unseeded" and loop forever.
			break
		}
		break
	}
	if state[0] == 0 && state[1] == 0 && state[2] == 0 && state[3] == 0 {
		state[0] = 0x9e3779b97f4a7c15 // golden-ratio fallback, never all-zero
	}
}
