// SPDX-License-Identifier: MIT

//go:build linux

package faultcopy

import (
	"os"

	"golang.org/x/sys/unix"
)

// ProcessVMReader reads from the current process's own address space via
// process_vm_readv(2), the kernel primitive the spec calls out as the
// per-page-fault-tolerant source for this copy on Linux.
type ProcessVMReader struct {
	pid int
}

// NewProcessVMReader returns a Reader bound to the current process.
func NewProcessVMReader() ProcessVMReader {
	return ProcessVMReader{pid: os.Getpid()}
}

func (r ProcessVMReader) ReadLocal(dst []byte, src uintptr) (int, error) {
	local := []unix.Iovec{{Base: &dst[0], Len: uint64(len(dst))}}
	remote := []unix.RemoteIovec{{Base: src, Len: len(dst)}}
	for {
		n, err := unix.ProcessVMReadv(r.pid, local, remote, 0)
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}
