// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package ssa implements the small-size allocator: a page-segregated slab
// allocator for allocations in [MinAlloc, MaxAlloc] bytes.
//
// Allocator carries no synchronization of its own. Its exported methods
// must be called with the owning Manager's lock held.
package ssa

import (
	"errors"
	"unsafe"

	"code.hybscloud.com/memalloc/internal/bitops"
	"code.hybscloud.com/memalloc/vas"
)

// ErrOutOfMemory is returned by Allocate when no page can be committed to
// satisfy the request (the reserved address space or physical memory is
// exhausted).
var ErrOutOfMemory = errors.New("ssa: out of memory")

const (
	// PageSize is the commit granularity: every page the allocator manages
	// is pinned to exactly one size class.
	PageSize = 64 * 1024
	// AddressSpaceSize is the total virtual address range reserved up front.
	AddressSpaceSize = 512 << 20
	// MinAlloc is the smallest size class and the free-list link size; a
	// free block stores a single next-pointer in its own payload (spec.md
	// §9 flags this choice: MIN_ALLOC=8 cannot hold a doubly-linked node on
	// a 64-bit system, so this allocator's free lists are singly-linked
	// LIFO stacks rather than the doubly-linked list the data model
	// describes in the abstract: push/pop only ever touch the head, so no
	// backward link is needed).
	MinAlloc = 8
	// MaxAlloc is the largest size this allocator owns.
	MaxAlloc = 32 << 10
	// NumSizeClasses follows directly from the allocation algorithm
	// (spec.md §4.2: "k = s/MIN_ALLOC − 1"), not from the separately quoted
	// "NUM_OF_SIZES = 64", that figure undercounts for MIN_ALLOC=8 and
	// MAX_ALLOC=32 KiB (8·64 = 512, far short of 32 KiB); the per-allocation
	// formula is unambiguous and is what this allocator follows.
	NumSizeClasses = MaxAlloc / MinAlloc
	// MinDecommitBytes is the free-page-list threshold (spec.md §4.2) that
	// triggers a batch decommit of every page currently on the free-page
	// list.
	MinDecommitBytes = 2 << 20

	numPages = AddressSpaceSize / PageSize
)

type pageMetadata struct {
	pageIndex      int64
	allocatedBytes int64
	assignedSize   uintptr
	nextDecommit   int64 // index of next page on the decommit-list, -1 if none
}

type sizeClass struct {
	allocatedBytes int64
	freeList       uintptr // address of the head free block, 0 if empty
}

type freeBlockLink struct {
	next uintptr
}

type freePageLink struct {
	next uintptr
}

// Allocator is the small-size slab allocator described by spec.md §4.2.
type Allocator struct {
	_ noCopy

	mem     *vas.VirtualAddressSpace
	pages   []pageMetadata
	classes [NumSizeClasses]sizeClass

	freePageList      uintptr
	freePageListBytes int64
	decommitHead      int64 // page index, -1 if the decommit-list is empty

	highWaterOffset uintptr
	allocatedBytes  int64
	committedBytes  int64
}

type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// New reserves the allocator's backing address space.
func New() (*Allocator, error) {
	mem, err := vas.Reserve(0, AddressSpaceSize)
	if err != nil {
		return nil, err
	}
	return &Allocator{
		mem:          mem,
		pages:        make([]pageMetadata, numPages),
		decommitHead: -1,
	}, nil
}

// Release tears down the allocator's backing address space. Must be called
// with the owning Manager's lock held, and only once.
func (a *Allocator) Release() error {
	return a.mem.Release()
}

// CanAllocate reports whether size/align falls in this allocator's range.
// Every block this allocator hands out is only naturally aligned to
// MinAlloc, so an align greater than MinAlloc can never be satisfied here.
func (a *Allocator) CanAllocate(size, align uintptr) bool {
	if align > MinAlloc {
		return false
	}
	s := bitops.AlignUp(size, MinAlloc)
	return s <= MaxAlloc
}

// Owns reports whether ptr lies inside this allocator's reservation.
func (a *Allocator) Owns(ptr uintptr) bool {
	return ptr != 0 && a.mem.OwnsAddress(ptr)
}

// Allocate returns a block of at least size bytes aligned to
// max(MinAlloc, align). Alignments greater than MinAlloc are rejected;
// the caller (the Manager) is expected to have already routed those
// requests elsewhere, since every block this allocator returns is only
// naturally aligned to MinAlloc.
func (a *Allocator) Allocate(size, align uintptr) (uintptr, error) {
	if align > MinAlloc {
		return 0, ErrOutOfMemory
	}
	s := bitops.AlignUp(max(size, 1), MinAlloc)
	if s > MaxAlloc {
		return 0, ErrOutOfMemory
	}
	k := classIndex(s)
	cls := &a.classes[k]
	if cls.freeList == 0 {
		idx, err := a.getFreePage()
		if err != nil {
			return 0, err
		}
		a.assignPageToClass(idx, k, s)
	}

	block := cls.freeList
	link := (*freeBlockLink)(unsafe.Pointer(block))
	cls.freeList = link.next

	page := a.pageForAddr(block)
	page.allocatedBytes += int64(s)
	cls.allocatedBytes += int64(s)
	a.allocatedBytes += int64(s)
	return block, nil
}

// Free returns ptr to its owning page's free list. A no-op if ptr is not
// owned by this allocator.
func (a *Allocator) Free(ptr uintptr) {
	if !a.Owns(ptr) {
		return
	}
	page := a.pageForAddr(ptr)
	s := page.assignedSize
	if s == 0 {
		return // page is not currently assigned; nothing to free
	}
	k := classIndex(s)
	cls := &a.classes[k]

	link := (*freeBlockLink)(unsafe.Pointer(ptr))
	link.next = cls.freeList
	cls.freeList = ptr

	page.allocatedBytes -= int64(s)
	cls.allocatedBytes -= int64(s)
	a.allocatedBytes -= int64(s)

	if page.allocatedBytes == 0 {
		a.freePage(page)
	}
}

// SizeOf returns the size class assigned to ptr's page.
func (a *Allocator) SizeOf(ptr uintptr) uintptr {
	if !a.Owns(ptr) {
		return 0
	}
	return a.pageForAddr(ptr).assignedSize
}

// Compact force-decommits every page on the free-page list and returns the
// number of bytes released.
func (a *Allocator) Compact() uintptr {
	return uintptr(a.decommitFreePages())
}

// MemoryUsage returns (allocated, committed, reserved) byte counts.
func (a *Allocator) MemoryUsage() (allocated, committed, reserved uintptr) {
	return uintptr(a.allocatedBytes), uintptr(a.committedBytes), a.mem.ReservedSize()
}

func classIndex(s uintptr) int { return int(s/MinAlloc) - 1 }

func (a *Allocator) pageBase(idx int64) uintptr {
	return a.mem.BaseAddress() + uintptr(idx)*PageSize
}

func (a *Allocator) pageForAddr(ptr uintptr) *pageMetadata {
	idx := (ptr - a.mem.BaseAddress()) / PageSize
	return &a.pages[idx]
}

// getFreePage returns a committed, unassigned page, preferring the
// free-page list, then a recommitted decommit-list page, then bump-committing
// a fresh page from the reservation (spec.md §4.2 step 3).
func (a *Allocator) getFreePage() (int64, error) {
	if a.freePageList != 0 {
		base := a.freePageList
		link := (*freePageLink)(unsafe.Pointer(base))
		a.freePageList = link.next
		a.freePageListBytes -= PageSize
		idx := (base - a.mem.BaseAddress()) / PageSize
		return int64(idx), nil
	}

	if a.decommitHead >= 0 {
		idx := a.decommitHead
		page := &a.pages[idx]
		a.decommitHead = page.nextDecommit
		base := a.pageBase(idx)
		if err := a.mem.Commit(base, PageSize); err != nil {
			return -1, ErrOutOfMemory
		}
		a.committedBytes += PageSize
		return idx, nil
	}

	if a.highWaterOffset+PageSize > a.mem.ReservedSize() {
		return -1, ErrOutOfMemory
	}
	base := a.mem.BaseAddress() + a.highWaterOffset
	if err := a.mem.Commit(base, PageSize); err != nil {
		return -1, ErrOutOfMemory
	}
	idx := int64(a.highWaterOffset / PageSize)
	a.highWaterOffset += PageSize
	a.committedBytes += PageSize
	a.pages[idx].pageIndex = idx
	return idx, nil
}

func (a *Allocator) assignPageToClass(idx int64, k int, s uintptr) {
	page := &a.pages[idx]
	page.assignedSize = s
	page.allocatedBytes = 0

	base := a.pageBase(idx)
	n := PageSize / s
	var head uintptr
	for i := uintptr(0); i < n; i++ {
		blockAddr := base + i*s
		link := (*freeBlockLink)(unsafe.Pointer(blockAddr))
		link.next = head
		head = blockAddr
	}
	a.classes[k].freeList = head
}

// freePage unlinks every block belonging to page from its size class's
// free list and pushes the page onto the free-page list.
func (a *Allocator) freePage(page *pageMetadata) {
	k := classIndex(page.assignedSize)
	a.unlinkPageBlocks(page, k)
	page.assignedSize = 0

	base := a.pageBase(page.pageIndex)
	link := (*freePageLink)(unsafe.Pointer(base))
	link.next = a.freePageList
	a.freePageList = base
	a.freePageListBytes += PageSize

	if a.freePageListBytes >= MinDecommitBytes {
		a.decommitFreePages()
	}
}

func (a *Allocator) unlinkPageBlocks(page *pageMetadata, k int) {
	cls := &a.classes[k]
	base := a.pageBase(page.pageIndex)
	end := base + PageSize

	var newHead, tail uintptr
	cur := cls.freeList
	for cur != 0 {
		link := (*freeBlockLink)(unsafe.Pointer(cur))
		next := link.next
		if cur < base || cur >= end {
			if newHead == 0 {
				newHead = cur
			} else {
				(*freeBlockLink)(unsafe.Pointer(tail)).next = cur
			}
			tail = cur
		}
		cur = next
	}
	if tail != 0 {
		(*freeBlockLink)(unsafe.Pointer(tail)).next = 0
	}
	cls.freeList = newHead
}

// decommitFreePages decommits every page currently on the free-page list
// and moves its metadata onto the decommit-list. Returns bytes released.
func (a *Allocator) decommitFreePages() int64 {
	var released int64
	cur := a.freePageList
	for cur != 0 {
		link := (*freePageLink)(unsafe.Pointer(cur))
		next := link.next
		idx := (cur - a.mem.BaseAddress()) / PageSize
		if err := a.mem.Decommit(cur, PageSize); err == nil {
			released += PageSize
			a.committedBytes -= PageSize
			a.pages[idx].nextDecommit = a.decommitHead
			a.decommitHead = int64(idx)
		}
		cur = next
	}
	a.freePageList = 0
	a.freePageListBytes = 0
	return released
}
