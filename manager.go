// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package memalloc

import (
	"sync"
	"unsafe"

	"code.hybscloud.com/memalloc/internal/bitops"
	"code.hybscloud.com/memalloc/ssa"
	"code.hybscloud.com/memalloc/tlsf"
)

// managerConfig collects the effect of every Option passed to NewManager.
type managerConfig struct {
	disableSmall  bool
	disableMedium bool
}

// Option configures a Manager constructed by NewManager.
type Option func(*managerConfig)

// WithoutSmallSizeAllocator disables the small-size allocator: every
// request that would otherwise have routed there falls through to the
// medium-size allocator or, failing that, the system heap. Primarily useful
// for exercising the fallback path under test.
func WithoutSmallSizeAllocator() Option {
	return func(c *managerConfig) { c.disableSmall = true }
}

// WithoutMediumSizeAllocator disables the TLSF medium-size allocator,
// analogous to WithoutSmallSizeAllocator.
func WithoutMediumSizeAllocator() Option {
	return func(c *managerConfig) { c.disableMedium = true }
}

// Manager is the allocation facade described by spec.md §4.4. A Manager is
// move-only (embeds noCopy) and safe for concurrent use: every exported
// method acquires mu before touching a back end.
type Manager struct {
	_ noCopy

	mu sync.Mutex

	small  *ssa.Allocator
	medium *tlsf.Allocator
	heap   systemHeap
}

// NewManager constructs an independent Manager with its own backing virtual
// address space reservations. Most programs want the shared Default
// instance; NewManager exists for tests and for callers that need isolated
// accounting.
func NewManager(opts ...Option) (*Manager, error) {
	var cfg managerConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	m := &Manager{}
	if !cfg.disableSmall {
		small, err := ssa.New()
		if err != nil {
			return nil, err
		}
		m.small = small
	}
	if !cfg.disableMedium {
		medium, err := tlsf.New()
		if err != nil {
			if m.small != nil {
				_ = m.small.Release()
			}
			return nil, err
		}
		m.medium = medium
	}
	return m, nil
}

var (
	defaultOnce sync.Once
	defaultMgr  *Manager
)

// Default returns the process-wide Manager, lazily constructing it on first
// use (spec.md §9: "a single, lazily constructed, process-wide instance").
// It is never released; its reservations live for the process's lifetime
// and the OS reclaims them on exit.
func Default() *Manager {
	defaultOnce.Do(func() {
		m, err := NewManager()
		if err != nil {
			panic("memalloc: failed to construct the default manager: " + err.Error())
		}
		defaultMgr = m
	})
	return defaultMgr
}

// Allocate returns a pointer to at least size bytes aligned to align. align
// of 0 means "natural" alignment; a non-zero align must be a power of two.
// Allocate(0, align) returns (nil, nil) (spec.md §8 scenario E).
func (m *Manager) Allocate(size, align uintptr) (unsafe.Pointer, error) {
	if size == 0 {
		return nil, nil
	}
	if align != 0 && !bitops.IsPow2(align) {
		return nil, ErrInvalidArgument
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ptr, err := m.allocateLocked(size, align)
	if err != nil {
		return nil, err
	}
	return unsafe.Pointer(ptr), nil
}

func (m *Manager) allocateLocked(size, align uintptr) (uintptr, error) {
	if m.small != nil && m.small.CanAllocate(size, align) {
		ptr, err := m.small.Allocate(size, align)
		if err != nil {
			return 0, ErrOutOfMemory
		}
		return ptr, nil
	}
	if m.medium != nil && m.medium.CanAllocate(size, align) {
		ptr, err := m.medium.Allocate(size, align)
		if err != nil {
			return 0, ErrOutOfMemory
		}
		return ptr, nil
	}
	return m.heap.allocate(size, align), nil
}

// Reallocate resizes the block at ptr to size bytes, preserving the leading
// min(old size, size) bytes of content. ptr == nil behaves like Allocate;
// size == 0 behaves like Free and returns (nil, nil). A reallocation that
// can be satisfied in place (it shrinks within the same back end's size
// class, or stays inside TLSF's own keep-pointer threshold) never moves the
// pointer; otherwise a fresh block is allocated, the old contents copied,
// and the old block freed.
func (m *Manager) Reallocate(ptr unsafe.Pointer, size, align uintptr) (unsafe.Pointer, error) {
	if ptr == nil {
		return m.Allocate(size, align)
	}
	if size == 0 {
		m.Free(ptr)
		return nil, nil
	}
	if align != 0 && !bitops.IsPow2(align) {
		return nil, ErrInvalidArgument
	}

	addr := uintptr(ptr)

	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.medium != nil && m.medium.Owns(addr) && m.medium.CanAllocate(size, align):
		newAddr, err := m.medium.Reallocate(addr, size, align)
		if err != nil {
			return nil, ErrOutOfMemory
		}
		return unsafe.Pointer(newAddr), nil

	case m.small != nil && m.small.Owns(addr):
		if m.small.CanAllocate(size, align) && m.small.SizeOf(addr) >= size {
			return ptr, nil
		}
		return m.moveAllocation(addr, size, align, m.small.SizeOf(addr), func() { m.small.Free(addr) })

	case m.medium != nil && m.medium.Owns(addr):
		return m.moveAllocation(addr, size, align, m.medium.SizeOf(addr), func() { m.medium.Free(addr) })

	default:
		return m.moveAllocation(addr, size, align, m.heap.sizeOf(addr), func() { m.heap.free(addr) })
	}
}

func (m *Manager) moveAllocation(addr, size, align, currentSize uintptr, freeOld func()) (unsafe.Pointer, error) {
	newAddr, err := m.allocateLocked(size, align)
	if err != nil {
		return nil, err
	}
	n := currentSize
	if size < n {
		n = size
	}
	copyBytes(newAddr, addr, n)
	freeOld()
	return unsafe.Pointer(newAddr), nil
}

// Free releases the block at ptr. A no-op for nil.
func (m *Manager) Free(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}
	addr := uintptr(ptr)

	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.small != nil && m.small.Owns(addr):
		m.small.Free(addr)
	case m.medium != nil && m.medium.Owns(addr):
		m.medium.Free(addr)
	default:
		m.heap.free(addr)
	}
}

// SizeOf returns the usable size of the block at ptr, which may be larger
// than what was originally requested. Returns 0 for nil or an address this
// Manager doesn't own.
func (m *Manager) SizeOf(ptr unsafe.Pointer) uintptr {
	if ptr == nil {
		return 0
	}
	addr := uintptr(ptr)

	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.small != nil && m.small.Owns(addr):
		return m.small.SizeOf(addr)
	case m.medium != nil && m.medium.Owns(addr):
		return m.medium.SizeOf(addr)
	default:
		return m.heap.sizeOf(addr)
	}
}

// CanAllocate reports whether a request of this size/align would succeed
// without actually performing it. The system heap accepts anything, so this
// only ever returns false for a misshapen align.
func (m *Manager) CanAllocate(size, align uintptr) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if align != 0 && !bitops.IsPow2(align) {
		return false
	}
	return true
}

// Owns reports whether ptr lies inside the small- or medium-size allocator's
// reserved address ranges, or is a live system-heap block. An address inside
// a back end's reservation stays owned after it is freed.
func (m *Manager) Owns(ptr unsafe.Pointer) bool {
	if ptr == nil {
		return false
	}
	addr := uintptr(ptr)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.small != nil && m.small.Owns(addr) {
		return true
	}
	if m.medium != nil && m.medium.Owns(addr) {
		return true
	}
	return m.heap.owns(addr)
}

// Compact releases as much unused committed memory as possible and returns
// the total bytes released.
func (m *Manager) Compact() uintptr {
	return m.CompactDetailed().Total()
}

// CompactDetailed is Compact broken down by back end. The system heap has
// nothing to compact: Go's runtime owns reclaiming its freed allocations.
func (m *Manager) CompactDetailed() CompactReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	var r CompactReport
	if m.small != nil {
		r.SmallSizeReleased = m.small.Compact()
	}
	if m.medium != nil {
		r.MediumSizeReleased = m.medium.Compact()
	}
	return r
}

// MemoryUsage reports aggregate (allocated, committed, reserved) byte
// counts summed across every back end.
func (m *Manager) MemoryUsage() MemoryUsageInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	var info MemoryUsageInfo
	if m.small != nil {
		a, c, r := m.small.MemoryUsage()
		info.Allocated += a
		info.Committed += c
		info.Reserved += r
	}
	if m.medium != nil {
		a, c, r := m.medium.MemoryUsage()
		info.Allocated += a
		info.Committed += c
		info.Reserved += r
	}
	a, c, r := m.heap.memoryUsage()
	info.Allocated += a
	info.Committed += c
	info.Reserved += r
	return info
}

func copyBytes(dst, src, n uintptr) {
	if n == 0 {
		return
	}
	copy(unsafe.Slice((*byte)(unsafe.Pointer(dst)), n), unsafe.Slice((*byte)(unsafe.Pointer(src)), n))
}
