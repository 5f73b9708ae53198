// SPDX-License-Identifier: MIT

//go:build linux

package registry

import (
	"golang.org/x/sys/unix"
)

// mapFixedNoreplace mirrors MAP_FIXED_NOREPLACE (Linux 4.17+). Defined
// locally because some golang.org/x/sys/unix releases the pack's other
// repos pin do not yet export the constant.
const mapFixedNoreplace = 0x100000

// LinuxMapper is the production Mapper, backed directly by raw mmap(2)/
// munmap(2) syscalls for anonymous private mappings. It carries no
// state: every method is a thin syscall wrapper, so the kernel remains
// the sole source of mutual exclusion per the registry's design.
//
// unix.Mmap doesn't accept a placement hint, so hinted and fixed
// requests go through unix.RawSyscall6 directly rather than through the
// higher-level helper.
type LinuxMapper struct{}

func (LinuxMapper) PageSize() uintptr {
	return uintptr(unix.Getpagesize())
}

func mmapRaw(addr, length uintptr, flags int) (uintptr, bool) {
	ret, _, errno := unix.RawSyscall6(
		unix.SYS_MMAP,
		addr,
		length,
		unix.PROT_READ|unix.PROT_WRITE,
		uintptr(flags),
		^uintptr(0), // fd = -1
		0,
	)
	if errno != 0 {
		return 0, false
	}
	return ret, true
}

func (LinuxMapper) Map(hint uintptr, length uintptr) (base uintptr, mappedLen uintptr, ok bool) {
	ret, ok := mmapRaw(hint, length, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if !ok {
		return 0, 0, false
	}
	return ret, length, true
}

func (LinuxMapper) Unmap(base, length uintptr) bool {
	_, _, errno := unix.RawSyscall(unix.SYS_MUNMAP, base, length, 0)
	return errno == 0
}

func (m LinuxMapper) ShrinkTail(from, length uintptr) bool {
	return m.Unmap(from, length)
}

func (LinuxMapper) GrowTail(addr, length uintptr) bool {
	ret, ok := mmapRaw(addr, length, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|mapFixedNoreplace)
	if !ok {
		return false
	}
	if ret != addr {
		// Kernel without MAP_FIXED_NOREPLACE support honored the request
		// but placed it elsewhere; undo and report failure so the
		// caller's realloc path falls back to copying.
		_, _, _ = unix.RawSyscall(unix.SYS_MUNMAP, ret, length, 0)
		return false
	}
	return true
}
