// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package vas is a thin, move-only wrapper over the OS's reserve/commit/
// decommit/protect virtual memory API. It is the substrate both the
// small-size and TLSF allocators reserve their working address ranges from.
package vas

import (
	"errors"

	"code.hybscloud.com/iox"
	"code.hybscloud.com/memalloc/internal/bitops"
)

// Sentinel errors. These mirror the allocator core's own error kinds
// (spec.md §7) rather than wrapping raw OS errnos, so callers two layers up
// don't need to know this package talks to mmap.
var (
	ErrOutOfAddressSpace = errors.New("vas: out of address space")
	ErrCommitFailed      = errors.New("vas: commit failed")
	ErrInvalidArgument   = errors.New("vas: invalid argument")
)

// maxCommitRetries bounds the adaptive-wait retry loop in Commit/CommitAll.
// A commit can fail transiently under memory pressure (the kernel may be
// mid-reclaim); a few backoff rounds give it a chance to recover before this
// package gives up and reports ErrCommitFailed.
const maxCommitRetries = 4

// VirtualAddressSpace is a reserved, address-stable range of the process's
// address space. Copies are forbidden, a VirtualAddressSpace is move-only,
// enforced by embedding noCopy so `go vet` flags accidental copies.
//
// The zero value is not valid; construct with Reserve.
type VirtualAddressSpace struct {
	_ noCopy

	base      uintptr
	reserved  uintptr
	committed uintptr
}

// noCopy is a sentinel used to prevent copying of the reservation handle.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// Reserve reserves at least size bytes of address space. If addr is zero the
// OS chooses the base address ("anywhere"); otherwise addr is used as a
// placement hint and the reservation fails with ErrOutOfAddressSpace if that
// range is unavailable. size is rounded up to the OS page size.
func Reserve(addr, size uintptr) (*VirtualAddressSpace, error) {
	if size == 0 {
		return nil, ErrInvalidArgument
	}
	size = bitops.AlignUp(size, uintptr(PageSize()))

	base, err := reserveRange(addr, size)
	if err != nil {
		return nil, ErrOutOfAddressSpace
	}
	return &VirtualAddressSpace{base: base, reserved: size}, nil
}

// BaseAddress returns the reservation's base address.
func (v *VirtualAddressSpace) BaseAddress() uintptr { return v.base }

// EndAddress returns the address one past the end of the reservation.
func (v *VirtualAddressSpace) EndAddress() uintptr { return v.base + v.reserved }

// Address returns the address at the given byte offset into the reservation.
func (v *VirtualAddressSpace) Address(offset uintptr) uintptr { return v.base + offset }

// ReservedSize returns the total reserved length in bytes.
func (v *VirtualAddressSpace) ReservedSize() uintptr { return v.reserved }

// CommittedSize returns the number of bytes currently committed.
func (v *VirtualAddressSpace) CommittedSize() uintptr { return v.committed }

// OwnsAddress reports whether ptr falls within [base, base+reserved).
func (v *VirtualAddressSpace) OwnsAddress(ptr uintptr) bool {
	return ptr >= v.base && ptr < v.base+v.reserved
}

// CommitAll commits the entire reserved range and returns its base address.
func (v *VirtualAddressSpace) CommitAll() (uintptr, error) {
	if err := v.commitRange(v.base, v.reserved); err != nil {
		return 0, err
	}
	v.committed = v.reserved
	return v.base, nil
}

// Commit commits the sub-range [addr, addr+size). addr and size must be
// page-aligned and the sub-range must lie within the reservation.
func (v *VirtualAddressSpace) Commit(addr, size uintptr) error {
	if !v.inRange(addr, size) {
		return ErrInvalidArgument
	}
	if err := v.commitRange(addr, size); err != nil {
		return err
	}
	v.committed += size
	return nil
}

// Decommit releases the physical backing for [addr, addr+size) without
// releasing the address range itself; a subsequent Commit of the same
// sub-range is valid.
func (v *VirtualAddressSpace) Decommit(addr, size uintptr) error {
	if !v.inRange(addr, size) {
		return ErrInvalidArgument
	}
	if err := decommitRange(addr, size); err != nil {
		return ErrCommitFailed
	}
	v.committed -= size
	return nil
}

// Protect sets the protection mode of [addr, addr+size).
func (v *VirtualAddressSpace) Protect(addr, size uintptr, mode ProtectionMode) error {
	if !v.inRange(addr, size) {
		return ErrInvalidArgument
	}
	if err := protectRange(addr, size, mode); err != nil {
		return ErrCommitFailed
	}
	return nil
}

// Release decommits any remaining committed range and releases the
// reservation. The VirtualAddressSpace must not be used afterward.
func (v *VirtualAddressSpace) Release() error {
	if v.base == 0 {
		return nil
	}
	err := releaseRange(v.base, v.reserved)
	v.base, v.reserved, v.committed = 0, 0, 0
	return err
}

// ProtectionMode selects the page protection Protect applies.
type ProtectionMode int

const (
	ProtectReadWrite ProtectionMode = iota
	ProtectReadOnly
)

func (v *VirtualAddressSpace) inRange(addr, size uintptr) bool {
	if size == 0 {
		return false
	}
	return addr >= v.base && addr+size <= v.base+v.reserved
}

func (v *VirtualAddressSpace) commitRange(addr, size uintptr) error {
	var err error
	var bo iox.Backoff
	for attempt := 0; attempt < maxCommitRetries; attempt++ {
		if err = commitRange(addr, size); err == nil {
			return nil
		}
		bo.Wait()
	}
	return ErrCommitFailed
}
