// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package arena is an optional reference-counted convenience layer over
// Manager (spec.md §9 calls this out explicitly as something "implementations
// may choose to offer"). An Arena owns exactly one Manager-backed
// allocation; the backing memory is freed when its last reference is
// released.
package arena

import (
	"sync/atomic"
	"unsafe"

	"code.hybscloud.com/memalloc"
)

// shared is the refcounted control block every Arena handle derived from
// the same New call points at, mirroring the original's TAtomicRefCounter
// plus the payload a shared-pointer control block carries.
type shared struct {
	mgr  *memalloc.Manager
	ptr  unsafe.Pointer
	size uintptr
	n    atomic.Int64
}

// Arena is a handle to a refcounted allocation. The zero Arena holds no
// memory; Retain/Release on it are no-ops. Copying an Arena value copies the
// handle, not the memory. Call Retain to mint an additional owning handle.
type Arena struct {
	s *shared
}

// New allocates size bytes aligned to align from m and returns a
// single-owner Arena over them.
func New(m *memalloc.Manager, size, align uintptr) (Arena, error) {
	ptr, err := m.Allocate(size, align)
	if err != nil {
		return Arena{}, err
	}
	s := &shared{mgr: m, ptr: ptr, size: size}
	s.n.Store(1)
	return Arena{s: s}, nil
}

// Retain returns an additional owning handle to the same backing memory,
// incrementing the shared reference count.
func (a Arena) Retain() Arena {
	if a.s == nil {
		return Arena{}
	}
	a.s.n.Add(1)
	return a
}

// Release drops one owning reference. The backing memory is freed via the
// originating Manager when the last reference is released.
//
// Every decrement is guarded against an already-zero counter (spec.md §9:
// the original's copy constructor does not guard this on every path; this
// resolves that open question by guarding unconditionally), so a Release
// called again after the arena has already reached zero is a harmless no-op
// rather than a double free.
func (a Arena) Release() {
	if a.s == nil || a.s.n.Load() <= 0 {
		return
	}
	if a.s.n.Add(-1) == 0 {
		a.s.mgr.Free(a.s.ptr)
	}
}

// Pointer returns the arena's backing memory, valid until the last Release.
func (a Arena) Pointer() unsafe.Pointer {
	if a.s == nil {
		return nil
	}
	return a.s.ptr
}

// Size returns the number of bytes requested from New.
func (a Arena) Size() uintptr {
	if a.s == nil {
		return 0
	}
	return a.s.size
}

// RefCount reports the current number of owning handles. Intended for
// diagnostics and tests, not for synchronization decisions.
func (a Arena) RefCount() int64 {
	if a.s == nil {
		return 0
	}
	return a.s.n.Load()
}
