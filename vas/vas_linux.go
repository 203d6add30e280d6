// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build linux

package vas

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

var pageSize = uintptr(unix.Getpagesize())

// PageSize returns the OS page size, in bytes.
func PageSize() int { return int(pageSize) }

// reserveRange reserves size bytes, PROT_NONE, anonymous and private so no
// physical page is backing it until a later Commit. When addr is non-zero
// it is used as a MAP_FIXED_NOREPLACE hint; the kernel refuses instead of
// clobbering an existing mapping.
func reserveRange(addr, size uintptr) (uintptr, error) {
	flags := unix.MAP_PRIVATE | unix.MAP_ANON
	if addr != 0 {
		flags |= unix.MAP_FIXED_NOREPLACE
	}
	ret, _, errno := unix.Syscall6(unix.SYS_MMAP, addr, size,
		uintptr(unix.PROT_NONE), uintptr(flags), ^uintptr(0), 0)
	if errno != 0 {
		return 0, errno
	}
	return ret, nil
}

func commitRange(addr, size uintptr) error {
	ptr := unsafe.Pointer(addr)
	b := unsafe.Slice((*byte)(ptr), size)
	if err := unix.Mprotect(b, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return err
	}
	// Tell the kernel this range will be used soon so the first touch
	// doesn't stall on a page fault queued behind reclaim.
	_ = unix.Madvise(b, unix.MADV_WILLNEED)
	return nil
}

func decommitRange(addr, size uintptr) error {
	ptr := unsafe.Pointer(addr)
	b := unsafe.Slice((*byte)(ptr), size)
	// MADV_DONTNEED drops the physical backing immediately while keeping the
	// mapping (and its address range) reserved, matching spec.md's decommit
	// semantics exactly (address stays valid, content is undefined after).
	if err := unix.Madvise(b, unix.MADV_DONTNEED); err != nil {
		return err
	}
	return unix.Mprotect(b, unix.PROT_NONE)
}

func protectRange(addr, size uintptr, mode ProtectionMode) error {
	ptr := unsafe.Pointer(addr)
	b := unsafe.Slice((*byte)(ptr), size)
	prot := unix.PROT_READ | unix.PROT_WRITE
	if mode == ProtectReadOnly {
		prot = unix.PROT_READ
	}
	return unix.Mprotect(b, prot)
}

func releaseRange(addr, size uintptr) error {
	ptr := unsafe.Pointer(addr)
	b := unsafe.Slice((*byte)(ptr), size)
	return unix.Munmap(b)
}
