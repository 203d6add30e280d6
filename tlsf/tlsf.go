// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package tlsf implements the medium-size allocator: a Two-Level Segregated
// Fit allocator (Masmano et al., ECRTS 2004) over a growable list of
// independently releasable memory pools.
//
// Allocator carries no synchronization of its own. Its exported methods
// must be called with the owning Manager's lock held.
package tlsf

import (
	"errors"
	"unsafe"

	"code.hybscloud.com/memalloc/internal/bitops"
	"code.hybscloud.com/memalloc/vas"
)

// ErrOutOfMemory is returned by Allocate when no existing or newly grown
// pool can satisfy the request.
var ErrOutOfMemory = errors.New("tlsf: out of memory")

const (
	// sli is the number of bits assigned to the second-level index.
	sli     = 5
	slCount = 1 << sli

	// internalMinAlloc is the smallest payload this allocator will ever
	// carve a block to, both as the floor applied by adjustSize and as the
	// threshold a split's remainder must clear to be worth keeping. It is
	// independent of MinAlloc: MinAlloc gates what the Manager routes here,
	// internalMinAlloc gates how finely a block may be split internally,
	// which is why it is smaller.
	internalMinAlloc = 512
	log2MinAlloc      = 9 // log2(internalMinAlloc)

	headerAlign = 8

	// MinAlloc and MaxAlloc bound the range the Manager routes to this
	// allocator: (MinAlloc, MaxAlloc]. Sizes at or below MinAlloc belong to
	// the small-size allocator.
	MinAlloc = 32 * 1024
	MaxAlloc = 10 * 1024 * 1024

	// flCount sizes the first-level bitmap/directory generously above the
	// FL_COUNT the routed size range actually needs (computed as
	// log2(MaxAlloc)-log2(internalMinAlloc)+1 ≈ 15), leaving headroom for
	// growth-padded internal search sizes without a bounds check on fl.
	flCount = 24

	defaultPoolGrowth = 2 << 20

	flagFree         = uint32(1)
	flagLastPhysical = uint32(2)
	flagsMask        = flagFree | flagLastPhysical
)

type blockHeader struct {
	sizeAndFlags uint32
	prevPhysical uintptr
}

type freeBlockHeader struct {
	blockHeader
	nextFree uintptr
	prevFree uintptr
}

const headerSize = unsafe.Sizeof(blockHeader{})

func (h *blockHeader) isFree() bool         { return h.sizeAndFlags&flagFree != 0 }
func (h *blockHeader) isLastPhysical() bool { return h.sizeAndFlags&flagLastPhysical != 0 }
func (h *blockHeader) size() uint32         { return h.sizeAndFlags &^ flagsMask }
func (h *blockHeader) setSize(s uint32)     { h.sizeAndFlags = (s &^ flagsMask) | (h.sizeAndFlags & flagsMask) }
func (h *blockHeader) setFree()             { h.sizeAndFlags |= flagFree }
func (h *blockHeader) setUsed()             { h.sizeAndFlags &^= flagFree }
func (h *blockHeader) setLastPhysical()     { h.sizeAndFlags |= flagLastPhysical }
func (h *blockHeader) clearLastPhysical()   { h.sizeAndFlags &^= flagLastPhysical }

func headerAt(addr uintptr) *blockHeader         { return (*blockHeader)(unsafe.Pointer(addr)) }
func freeHeaderAt(addr uintptr) *freeBlockHeader { return (*freeBlockHeader)(unsafe.Pointer(addr)) }

func payloadOf(headerAddr uintptr) uintptr  { return headerAddr + headerSize }
func headerOfPayload(ptr uintptr) uintptr   { return ptr - headerSize }
func nextPhysical(headerAddr uintptr) uintptr {
	return headerAddr + headerSize + uintptr(headerAt(headerAddr).size())
}

// pool is one independently reserved, committed, and releasable memory
// region framed with a leading and trailing sentinel block header.
type pool struct {
	mem  *vas.VirtualAddressSpace
	base uintptr
	size uintptr
	next *pool
}

type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// Allocator is the medium-size TLSF allocator described by spec.md §4.3.
type Allocator struct {
	_ noCopy

	flBitmap uint32
	slBitmap [flCount]uint32
	free     [flCount][slCount]uintptr

	pools *pool

	allocatedBytes int64
	committedBytes int64
	reservedBytes  int64
}

// New returns an Allocator with no pools; the first pool is grown lazily on
// the first Allocate call.
func New() (*Allocator, error) {
	return &Allocator{}, nil
}

// Release releases every pool this allocator owns. Must be called with the
// owning Manager's lock held, and only once.
func (t *Allocator) Release() error {
	for p := t.pools; p != nil; {
		next := p.next
		if err := p.mem.Release(); err != nil {
			return err
		}
		p = next
	}
	t.pools = nil
	return nil
}

// CanAllocate reports whether size/align falls in (MinAlloc, MaxAlloc].
func (t *Allocator) CanAllocate(size, align uintptr) bool {
	s := uintptr(adjustSize(size, align))
	return s > MinAlloc && s <= MaxAlloc
}

// Owns reports whether ptr lies inside any pool this allocator manages.
func (t *Allocator) Owns(ptr uintptr) bool {
	if ptr == 0 {
		return false
	}
	for p := t.pools; p != nil; p = p.next {
		if ptr >= p.base && ptr < p.base+p.size {
			return true
		}
	}
	return false
}

// Allocate returns a block of at least size bytes, aligned to align.
func (t *Allocator) Allocate(size, align uintptr) (uintptr, error) {
	if align > headerAlign {
		return t.allocateAligned(size, align)
	}

	s := adjustSize(size, headerAlign)
	searched := searchSize(s)
	fl, sl := classify(searched)

	headerAddr, ok := t.findSuitableBlock(fl, sl)
	if !ok {
		if err := t.grow(uintptr(searched)); err != nil {
			return 0, err
		}
		if headerAddr, ok = t.findSuitableBlock(fl, sl); !ok {
			return 0, ErrOutOfMemory
		}
	}

	t.splitTail(headerAddr, s)
	return t.commitUse(headerAddr), nil
}

func (t *Allocator) allocateAligned(size, align uintptr) (uintptr, error) {
	s := adjustSize(size, headerAlign)
	// The aligned prefix split off by splitAligned may need to grow past the
	// natural alignment gap to stay at or above internalMinAlloc (see
	// splitAligned), so the search must account for that worst case on top
	// of the two headers (the aligned block's own, and the tail split's).
	pad := align + 3*uintptr(headerSize) + internalMinAlloc
	searched := searchSize(uint32(uintptr(s) + pad))
	fl, sl := classify(searched)

	headerAddr, ok := t.findSuitableBlock(fl, sl)
	if !ok {
		if err := t.grow(uintptr(searched)); err != nil {
			return 0, err
		}
		if headerAddr, ok = t.findSuitableBlock(fl, sl); !ok {
			return 0, ErrOutOfMemory
		}
	}

	headerAddr = t.splitAligned(headerAddr, align)
	t.splitTail(headerAddr, s)
	return t.commitUse(headerAddr), nil
}

func (t *Allocator) commitUse(headerAddr uintptr) uintptr {
	h := headerAt(headerAddr)
	h.setUsed()
	t.allocatedBytes += int64(h.size())
	return payloadOf(headerAddr)
}

// Free returns ptr's block to its pool, coalescing with free physical
// neighbors and releasing the pool entirely if the merge spans it.
func (t *Allocator) Free(ptr uintptr) {
	if !t.Owns(ptr) {
		return
	}
	headerAddr := headerOfPayload(ptr)
	h := headerAt(headerAddr)
	t.allocatedBytes -= int64(h.size())
	h.setFree()

	for !h.isLastPhysical() {
		nextAddr := nextPhysical(headerAddr)
		nh := headerAt(nextAddr)
		if !nh.isFree() {
			break
		}
		fl, sl := classify(nh.size())
		t.unlink(nextAddr, fl, sl)
		h.setSize(h.size() + uint32(headerSize) + nh.size())
		if nh.isLastPhysical() {
			h.setLastPhysical()
		} else {
			headerAt(nextPhysical(nextAddr)).prevPhysical = headerAddr
		}
	}

	for h.prevPhysical != 0 {
		prevAddr := h.prevPhysical
		ph := headerAt(prevAddr)
		if !ph.isFree() {
			break
		}
		fl, sl := classify(ph.size())
		t.unlink(prevAddr, fl, sl)
		ph.setSize(ph.size() + uint32(headerSize) + h.size())
		if h.isLastPhysical() {
			ph.setLastPhysical()
		} else {
			headerAt(nextPhysical(headerAddr)).prevPhysical = prevAddr
		}
		headerAddr, h = prevAddr, ph
	}

	if t.isWholePool(headerAddr, h) {
		t.releasePool(headerAddr)
		return
	}
	fl, sl := classify(h.size())
	t.link(headerAddr, fl, sl)
}

// SizeOf returns the payload size of ptr's block.
func (t *Allocator) SizeOf(ptr uintptr) uintptr {
	if !t.Owns(ptr) {
		return 0
	}
	return uintptr(headerAt(headerOfPayload(ptr)).size())
}

// Reallocate implements spec.md §4.3.7's reallocate contract.
func (t *Allocator) Reallocate(ptr, size, align uintptr) (uintptr, error) {
	if ptr == 0 {
		return t.Allocate(size, align)
	}
	if size == 0 {
		t.Free(ptr)
		return 0, nil
	}
	current := t.SizeOf(ptr)
	s := uintptr(adjustSize(size, align))
	if s <= current && current-s < internalMinAlloc {
		return ptr, nil
	}
	newPtr, err := t.Allocate(size, align)
	if err != nil {
		return 0, err
	}
	copyBytes(newPtr, ptr, min(current, s))
	t.Free(ptr)
	return newPtr, nil
}

// Compact releases every pool whose sole interior block is free.
func (t *Allocator) Compact() uintptr {
	var released uintptr
	for p := t.pools; p != nil; {
		next := p.next
		interiorAddr := p.base + uintptr(headerSize)
		interior := headerAt(interiorAddr)
		if interior.isFree() && t.isWholePool(interiorAddr, interior) {
			fl, sl := classify(interior.size())
			t.unlink(interiorAddr, fl, sl)
			released += t.releasePool(interiorAddr)
		}
		p = next
	}
	return released
}

// MemoryUsage returns (allocated, committed, reserved) byte counts.
func (t *Allocator) MemoryUsage() (allocated, committed, reserved uintptr) {
	return uintptr(t.allocatedBytes), uintptr(t.committedBytes), uintptr(t.reservedBytes)
}

// classify maps a block size to its (fl, sl) free-list directory slot
// (spec.md §4.3.1).
func classify(size uint32) (fl, sl int) {
	flRaw := bitops.FindLastSet32(size)
	sl = int((size >> uint(flRaw-sli)) ^ uint32(slCount))
	fl = flRaw - log2MinAlloc
	return
}

// searchSize rounds size up to the nearest (fl, sl) class boundary so that
// any block found via classify(searchSize(size)) is guaranteed to be at
// least size bytes. Classifying the raw, unrounded size for both insertion
// and search under-approximates whenever the chosen class holds a block
// smaller than the request sitting below it in the same sub-bucket. This
// rounding step is the standard TLSF reference-implementation fix, applied
// here because the size_of(ptr) >= requested invariant must hold
// unconditionally.
func searchSize(size uint32) uint32 {
	if size < internalMinAlloc {
		return internalMinAlloc
	}
	flRaw := bitops.FindLastSet32(size)
	round := uint32(1) << uint(flRaw-sli)
	if size&(round-1) != 0 {
		size = (size + round) &^ (round - 1)
	}
	return size
}

func adjustSize(size, align uintptr) uint32 {
	a := uintptr(headerAlign)
	if align > a {
		a = align
	}
	s := bitops.AlignUp(max(size, internalMinAlloc), a)
	return uint32(s)
}

func (t *Allocator) findSuitableBlock(fl, sl int) (uintptr, bool) {
	slMap := t.slBitmap[fl] & (^uint32(0) << uint(sl))
	if slMap == 0 {
		flMap := t.flBitmap & (^uint32(0) << uint(fl+1))
		if flMap == 0 {
			return 0, false
		}
		fl = bitops.FindFirstSet32(flMap)
		slMap = t.slBitmap[fl]
	}
	sl = bitops.FindFirstSet32(slMap)
	addr := t.free[fl][sl]
	if addr == 0 {
		return 0, false
	}
	t.unlink(addr, fl, sl)
	return addr, true
}

func (t *Allocator) unlink(addr uintptr, fl, sl int) {
	fb := freeHeaderAt(addr)
	if fb.prevFree != 0 {
		freeHeaderAt(fb.prevFree).nextFree = fb.nextFree
	}
	if fb.nextFree != 0 {
		freeHeaderAt(fb.nextFree).prevFree = fb.prevFree
	}
	if t.free[fl][sl] == addr {
		t.free[fl][sl] = fb.nextFree
		if t.free[fl][sl] == 0 {
			t.slBitmap[fl] &^= 1 << uint(sl)
			if t.slBitmap[fl] == 0 {
				t.flBitmap &^= 1 << uint(fl)
			}
		}
	}
	fb.nextFree, fb.prevFree = 0, 0
}

func (t *Allocator) link(addr uintptr, fl, sl int) {
	fb := freeHeaderAt(addr)
	fb.prevFree = 0
	fb.nextFree = t.free[fl][sl]
	if t.free[fl][sl] != 0 {
		freeHeaderAt(t.free[fl][sl]).prevFree = addr
	}
	t.free[fl][sl] = addr
	t.slBitmap[fl] |= 1 << uint(sl)
	t.flBitmap |= 1 << uint(fl)
}

// splitTail splits off the high remainder of headerAddr's block once its
// size exceeds s plus a header plus the smallest usable remainder
// (spec.md §4.3.3).
func (t *Allocator) splitTail(headerAddr uintptr, s uint32) {
	h := headerAt(headerAddr)
	full := h.size()
	if full <= s || full-s < uint32(headerSize)+internalMinAlloc {
		return
	}
	remAddr := headerAddr + uintptr(headerSize) + uintptr(s)
	remSize := full - s - uint32(headerSize)

	rem := headerAt(remAddr)
	rem.sizeAndFlags = 0
	rem.setSize(remSize)
	rem.setFree()
	rem.prevPhysical = headerAddr
	if h.isLastPhysical() {
		rem.setLastPhysical()
		h.clearLastPhysical()
	} else {
		headerAt(nextPhysical(remAddr)).prevPhysical = remAddr
	}

	h.setSize(s)

	fl, sl := classify(remSize)
	t.link(remAddr, fl, sl)
}

// splitAligned carves the low prefix off headerAddr's block so the
// returned header's payload starts at the first address inside the block
// aligned to align (spec.md §4.3.3, "Aligned split").
//
// The prefix left behind becomes its own free block, so its payload must
// clear internalMinAlloc like any other split remainder; a naive alignUp of
// payload can leave a gap smaller than a header plus internalMinAlloc (as
// little as zero, when payload already sits one header short of aligned),
// which would carve a block with a negative or undersized size class and
// corrupt the free-list directory. When the natural gap is too small, the
// aligned address is pushed forward by another alignment step so the
// prefix always has room for a valid block, or is zero (no split at all).
func (t *Allocator) splitAligned(headerAddr uintptr, align uintptr) uintptr {
	payload := payloadOf(headerAddr)
	aligned := bitops.AlignUp(payload, align)
	gap := aligned - payload
	if gap != 0 && gap < uintptr(headerSize)+internalMinAlloc {
		aligned = bitops.AlignUp(payload+uintptr(headerSize)+internalMinAlloc, align)
		gap = aligned - payload
	}
	if gap == 0 {
		return headerAddr
	}
	newHeaderAddr := aligned - headerSize
	h := headerAt(headerAddr)
	full := h.size()
	prefixTotal := gap
	prefixPayload := uint32(prefixTotal) - uint32(headerSize)
	newSize := full - uint32(prefixTotal)

	newHeader := headerAt(newHeaderAddr)
	newHeader.sizeAndFlags = 0
	newHeader.setSize(newSize)
	newHeader.prevPhysical = headerAddr
	if h.isLastPhysical() {
		newHeader.setLastPhysical()
		h.clearLastPhysical()
	} else {
		headerAt(nextPhysical(newHeaderAddr)).prevPhysical = newHeaderAddr
	}

	h.setSize(prefixPayload)
	h.setFree()

	fl, sl := classify(prefixPayload)
	t.link(headerAddr, fl, sl)

	return newHeaderAddr
}

// isWholePool reports whether block spans its pool's entire interior: its
// physical predecessor is the pool's lead sentinel and its physical
// successor is the pool's tail sentinel.
func (t *Allocator) isWholePool(headerAddr uintptr, h *blockHeader) bool {
	if h.prevPhysical == 0 {
		return false
	}
	lead := headerAt(h.prevPhysical)
	if lead.size() != 0 || lead.isFree() {
		return false
	}
	tail := headerAt(headerAddr + headerSize + uintptr(h.size()))
	return tail.size() == 0 && !tail.isFree() && tail.isLastPhysical()
}

// grow reserves, commits, and frames a new pool of at least minSize usable
// bytes (spec.md §4.3.6, list-of-pools model).
func (t *Allocator) grow(minSize uintptr) error {
	growth := poolGrowthSize(minSize)
	mem, err := vas.Reserve(0, growth)
	if err != nil {
		return ErrOutOfMemory
	}
	base, err := mem.CommitAll()
	if err != nil {
		mem.Release()
		return ErrOutOfMemory
	}
	total := mem.ReservedSize()

	lead := headerAt(base)
	lead.sizeAndFlags = 0
	lead.setUsed()
	lead.prevPhysical = 0

	interiorAddr := base + headerSize
	interiorSize := uint32(total) - uint32(headerSize)*3
	interior := headerAt(interiorAddr)
	interior.sizeAndFlags = 0
	interior.setSize(interiorSize)
	interior.setFree()
	interior.prevPhysical = base

	tailAddr := nextPhysical(interiorAddr)
	tail := headerAt(tailAddr)
	tail.sizeAndFlags = 0
	tail.setUsed()
	tail.setLastPhysical()
	tail.prevPhysical = interiorAddr

	t.pools = &pool{mem: mem, base: base, size: total, next: t.pools}
	t.reservedBytes += int64(total)
	t.committedBytes += int64(total)

	fl, sl := classify(interiorSize)
	t.link(interiorAddr, fl, sl)
	return nil
}

// poolGrowthSize rounds a requested growth up to a power of two (so pool
// sizes fall into a small number of reusable buckets rather than one
// bespoke size per growth) and then to a whole number of OS pages.
func poolGrowthSize(minSize uintptr) uintptr {
	need := minSize + 3*uintptr(headerSize)
	if need < defaultPoolGrowth {
		need = defaultPoolGrowth
	}
	need = bitops.NextPow2(need)
	return bitops.AlignUp(need, uintptr(vas.PageSize()))
}

// releasePool removes and releases the pool whose interior block sits at
// interiorAddr, returning the bytes released.
func (t *Allocator) releasePool(interiorAddr uintptr) uintptr {
	leadAddr := headerAt(interiorAddr).prevPhysical
	var prev *pool
	for p := t.pools; p != nil; p = p.next {
		if p.base == leadAddr {
			if prev == nil {
				t.pools = p.next
			} else {
				prev.next = p.next
			}
			t.committedBytes -= int64(p.size)
			t.reservedBytes -= int64(p.size)
			p.mem.Release()
			return p.size
		}
		prev = p
	}
	return 0
}

func copyBytes(dst, src, n uintptr) {
	if n == 0 {
		return
	}
	dstSlice := unsafe.Slice((*byte)(unsafe.Pointer(dst)), n)
	srcSlice := unsafe.Slice((*byte)(unsafe.Pointer(src)), n)
	copy(dstSlice, srcSlice)
}
