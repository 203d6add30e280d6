// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package memalloc

import (
	"unsafe"

	"code.hybscloud.com/memalloc/internal/cacheline"
)

// defaultHeapAlign is used when a system-heap caller asks for "natural"
// alignment (align == 0).
const defaultHeapAlign = 8

// systemHeap is the fallback back end for requests outside both the
// small-size and TLSF allocators' ranges, or for when either has been
// disabled via an Option. It carves aligned blocks out of ordinary Go
// allocations using a page-aligned over-allocate-and-trim technique,
// generalized here to an arbitrary alignment.
//
// blocks retains a live Go reference to every outstanding allocation: a
// uintptr computed from a slice's backing array is invisible to the garbage
// collector, so without this map the backing array could be collected out
// from under a caller still holding the address.
type systemHeap struct {
	blocks         map[uintptr][]byte
	allocatedBytes int64
	_              [cacheline.Size - 8]byte
}

func (h *systemHeap) allocate(size, align uintptr) uintptr {
	if h.blocks == nil {
		h.blocks = make(map[uintptr][]byte)
	}
	if align == 0 {
		align = defaultHeapAlign
	}
	buf := alignedMem(size, align)
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	h.blocks[addr] = buf
	h.allocatedBytes += int64(size)
	return addr
}

func (h *systemHeap) owns(ptr uintptr) bool {
	_, ok := h.blocks[ptr]
	return ok
}

func (h *systemHeap) free(ptr uintptr) {
	buf, ok := h.blocks[ptr]
	if !ok {
		return
	}
	h.allocatedBytes -= int64(len(buf))
	delete(h.blocks, ptr)
}

func (h *systemHeap) sizeOf(ptr uintptr) uintptr {
	return uintptr(len(h.blocks[ptr]))
}

func (h *systemHeap) memoryUsage() (allocated, committed, reserved uintptr) {
	a := uintptr(h.allocatedBytes)
	// The system heap has no separate reservation or commit step: Go's
	// runtime backs every byte it hands out immediately.
	return a, a, a
}

// alignedMem returns a size-byte slice whose backing array starts aligned
// to align, carved out of a single oversized allocation by over-allocating
// align-1 extra bytes and trimming the unaligned head.
func alignedMem(size, align uintptr) []byte {
	p := make([]byte, size+align-1)
	base := unsafe.Pointer(unsafe.SliceData(p))
	offset := ((uintptr(base)+align-1)/align)*align - uintptr(base)
	return unsafe.Slice((*byte)(unsafe.Add(base, offset)), size)
}
