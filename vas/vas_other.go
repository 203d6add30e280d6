// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build !linux

package vas

import "errors"

// errUnsupportedOS is returned by every platform hook on non-Linux targets.
// This module's virtual-memory substrate is Linux-only; spec.md's "OS
// virtual memory" collaborator contract is satisfied here by mmap/mprotect/
// madvise, which have no portable equivalent worth emulating for the other
// GOOS values this module might be cross-compiled for.
var errUnsupportedOS = errors.New("vas: unsupported operating system")

func PageSize() int { return 4096 }

func reserveRange(addr, size uintptr) (uintptr, error) {
	return 0, errUnsupportedOS
}

func commitRange(addr, size uintptr) error {
	return errUnsupportedOS
}

func decommitRange(addr, size uintptr) error {
	return errUnsupportedOS
}

func protectRange(addr, size uintptr, mode ProtectionMode) error {
	return errUnsupportedOS
}

func releaseRange(addr, size uintptr) error {
	return errUnsupportedOS
}
