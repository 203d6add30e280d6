// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build linux

package ssa_test

import (
	"testing"
	"unsafe"

	"code.hybscloud.com/memalloc/ssa"
)

func TestAllocateFreeRoundTrip(t *testing.T) {
	a, err := ssa.New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Release()

	ptr, err := a.Allocate(24, 8)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if !a.Owns(ptr) {
		t.Fatalf("Owns(%#x) = false, want true", ptr)
	}
	if got := a.SizeOf(ptr); got < 24 {
		t.Fatalf("SizeOf() = %d, want >= 24", got)
	}

	*(*byte)(unsafe.Pointer(ptr)) = 0x42
	if got := *(*byte)(unsafe.Pointer(ptr)); got != 0x42 {
		t.Fatalf("round-trip byte = %#x, want 0x42", got)
	}

	a.Free(ptr)
	if a.SizeOf(ptr) != 0 {
		t.Fatalf("SizeOf() after Free = %d, want 0", a.SizeOf(ptr))
	}
}

func TestCanAllocateRange(t *testing.T) {
	a, err := ssa.New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Release()

	cases := []struct {
		size uintptr
		want bool
	}{
		{1, true},
		{ssa.MinAlloc, true},
		{ssa.MaxAlloc, true},
		{ssa.MaxAlloc + 1, false},
	}
	for _, c := range cases {
		if got := a.CanAllocate(c.size, ssa.MinAlloc); got != c.want {
			t.Errorf("CanAllocate(%d) = %v, want %v", c.size, got, c.want)
		}
	}
}

func TestFreePageIsReusedAcrossClasses(t *testing.T) {
	a, err := ssa.New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Release()

	_, beforeCommitted, _ := a.MemoryUsage()

	const class1 = 64
	var allocated []uintptr
	for i := 0; i < ssa.PageSize/class1; i++ {
		ptr, err := a.Allocate(class1, 8)
		if err != nil {
			t.Fatalf("Allocate #%d: %v", i, err)
		}
		allocated = append(allocated, ptr)
	}
	_, midCommitted, _ := a.MemoryUsage()
	if midCommitted <= beforeCommitted {
		t.Fatalf("committed bytes did not grow after filling a page")
	}

	for _, ptr := range allocated {
		a.Free(ptr)
	}

	const class2 = 256
	ptr, err := a.Allocate(class2, 8)
	if err != nil {
		t.Fatalf("Allocate after free: %v", err)
	}
	if got := a.SizeOf(ptr); got != class2 {
		t.Fatalf("SizeOf() = %d, want %d", got, class2)
	}
}

func TestCompactReleasesFreePages(t *testing.T) {
	a, err := ssa.New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Release()

	const size = 32
	var allocated []uintptr
	for i := 0; i < ssa.PageSize/size; i++ {
		ptr, err := a.Allocate(size, 8)
		if err != nil {
			t.Fatalf("Allocate #%d: %v", i, err)
		}
		allocated = append(allocated, ptr)
	}
	for _, ptr := range allocated {
		a.Free(ptr)
	}

	if released := a.Compact(); released == 0 {
		t.Fatalf("Compact() released 0 bytes, want > 0")
	}
	_, committed, _ := a.MemoryUsage()
	if committed != 0 {
		t.Fatalf("CommittedSize() after Compact = %d, want 0", committed)
	}
}

func TestOwnsRejectsForeignAddress(t *testing.T) {
	a, err := ssa.New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Release()

	var x int
	if a.Owns(uintptr(unsafe.Pointer(&x))) {
		t.Fatal("Owns() = true for a Go-heap address, want false")
	}
	if a.Owns(0) {
		t.Fatal("Owns(0) = true, want false")
	}
}
