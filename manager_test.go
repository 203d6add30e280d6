// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build linux

package memalloc_test

import (
	"testing"
	"unsafe"

	"code.hybscloud.com/memalloc"
)

func newManager(t *testing.T, opts ...memalloc.Option) *memalloc.Manager {
	t.Helper()
	m, err := memalloc.NewManager(opts...)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

// TestAllocateAcrossBackEnds exercises scenario A/B (spec.md §8): a small
// request, a medium request, and an oversized request that must fall back
// to the system heap, all through the same Manager.
func TestAllocateAcrossBackEnds(t *testing.T) {
	m := newManager(t)

	sizes := []uintptr{16, 200 * 1024, 64 << 20}
	var ptrs []unsafe.Pointer
	for _, s := range sizes {
		ptr, err := m.Allocate(s, 8)
		if err != nil {
			t.Fatalf("Allocate(%d): %v", s, err)
		}
		if ptr == nil {
			t.Fatalf("Allocate(%d) returned nil", s)
		}
		if !m.Owns(ptr) {
			t.Fatalf("Owns() = false for a fresh allocation of %d bytes", s)
		}
		if got := m.SizeOf(ptr); got < s {
			t.Fatalf("SizeOf() = %d, want >= %d", got, s)
		}
		buf := unsafe.Slice((*byte)(ptr), s)
		for i := range buf {
			buf[i] = byte(i)
		}
		ptrs = append(ptrs, ptr)
	}

	for _, ptr := range ptrs {
		before := m.MemoryUsage().Allocated
		m.Free(ptr)
		if after := m.MemoryUsage().Allocated; after >= before {
			t.Fatalf("MemoryUsage().Allocated = %d after Free, want < %d", after, before)
		}
	}
}

// TestAllocateRepeatedAlignedRoutesToTLSF reproduces back-to-back aligned
// requests large enough to route to the medium-size allocator, where the
// second call must align into a remainder the first call's split left
// behind rather than a fresh pool interior.
func TestAllocateRepeatedAlignedRoutesToTLSF(t *testing.T) {
	m := newManager(t)

	const (
		size  = 40960
		align = 16
	)
	for i := 0; i < 2; i++ {
		ptr, err := m.Allocate(size, align)
		if err != nil {
			t.Fatalf("Allocate #%d: %v", i, err)
		}
		if uintptr(ptr)%align != 0 {
			t.Fatalf("Allocate #%d: ptr %p is not aligned to %d", i, ptr, align)
		}
		if got := m.SizeOf(ptr); got < size {
			t.Fatalf("Allocate #%d: SizeOf() = %d, want >= %d", i, got, size)
		}
	}
}

// TestAllocateZeroSizeReturnsNil covers spec.md §8 scenario E.
func TestAllocateZeroSizeReturnsNil(t *testing.T) {
	m := newManager(t)

	ptr, err := m.Allocate(0, 8)
	if err != nil {
		t.Fatalf("Allocate(0): %v", err)
	}
	if ptr != nil {
		t.Fatalf("Allocate(0) = %v, want nil", ptr)
	}
}

func TestAllocateRejectsNonPow2Align(t *testing.T) {
	m := newManager(t)

	if _, err := m.Allocate(64, 3); err != memalloc.ErrInvalidArgument {
		t.Fatalf("Allocate with align=3: err = %v, want ErrInvalidArgument", err)
	}
	if m.CanAllocate(64, 3) {
		t.Fatal("CanAllocate(64, 3) = true, want false")
	}
}

func TestFreeNilIsNoop(t *testing.T) {
	m := newManager(t)
	m.Free(nil)
}

func TestReallocateGrowAcrossBackEnds(t *testing.T) {
	m := newManager(t)

	ptr, err := m.Allocate(16, 8)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	buf := unsafe.Slice((*byte)(ptr), 16)
	for i := range buf {
		buf[i] = byte(i + 1)
	}

	grown, err := m.Reallocate(ptr, 1<<20, 8)
	if err != nil {
		t.Fatalf("Reallocate: %v", err)
	}
	if grown == nil {
		t.Fatal("Reallocate returned nil")
	}
	newBuf := unsafe.Slice((*byte)(grown), 16)
	for i := range newBuf {
		if newBuf[i] != byte(i+1) {
			t.Fatalf("byte %d not preserved across grow: got %d", i, newBuf[i])
		}
	}
}

func TestReallocateToZeroFrees(t *testing.T) {
	m := newManager(t)

	ptr, err := m.Allocate(64, 8)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	out, err := m.Reallocate(ptr, 0, 8)
	if err != nil {
		t.Fatalf("Reallocate to 0: %v", err)
	}
	if out != nil {
		t.Fatalf("Reallocate to 0 = %v, want nil", out)
	}
	if got := m.MemoryUsage().Allocated; got != 0 {
		t.Fatalf("MemoryUsage().Allocated = %d after Reallocate to 0, want 0", got)
	}
}

func TestReallocateNilActsLikeAllocate(t *testing.T) {
	m := newManager(t)

	ptr, err := m.Reallocate(nil, 128, 8)
	if err != nil {
		t.Fatalf("Reallocate(nil, ...): %v", err)
	}
	if ptr == nil {
		t.Fatal("Reallocate(nil, 128, 8) returned nil")
	}
	m.Free(ptr)
}

func TestCompactDetailedReleasesAcrossBothAllocators(t *testing.T) {
	m := newManager(t)

	small, err := m.Allocate(64, 8)
	if err != nil {
		t.Fatalf("Allocate small: %v", err)
	}
	medium, err := m.Allocate(200*1024, 8)
	if err != nil {
		t.Fatalf("Allocate medium: %v", err)
	}
	m.Free(small)
	m.Free(medium)

	report := m.CompactDetailed()
	if report.SmallSizeReleased == 0 {
		t.Error("SmallSizeReleased = 0, want > 0")
	}
	if report.MediumSizeReleased == 0 {
		t.Error("MediumSizeReleased = 0, want > 0")
	}
	if report.Total() != report.SmallSizeReleased+report.MediumSizeReleased {
		t.Error("Total() does not match the sum of its parts")
	}
}

func TestMemoryUsageTracksOutstandingAllocations(t *testing.T) {
	m := newManager(t)

	before := m.MemoryUsage()
	ptr, err := m.Allocate(64, 8)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	mid := m.MemoryUsage()
	if mid.Allocated <= before.Allocated {
		t.Fatal("Allocated did not grow after Allocate")
	}
	m.Free(ptr)
	after := m.MemoryUsage()
	if after.Allocated != before.Allocated {
		t.Fatalf("Allocated after Free = %d, want %d", after.Allocated, before.Allocated)
	}
}

func TestWithoutSmallSizeAllocatorRoutesToFallback(t *testing.T) {
	m := newManager(t, memalloc.WithoutSmallSizeAllocator())

	ptr, err := m.Allocate(16, 8)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if !m.Owns(ptr) {
		t.Fatal("Owns() = false")
	}
	m.Free(ptr)
}

func TestWithoutMediumSizeAllocatorRoutesToFallback(t *testing.T) {
	m := newManager(t, memalloc.WithoutMediumSizeAllocator())

	ptr, err := m.Allocate(200*1024, 8)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if !m.Owns(ptr) {
		t.Fatal("Owns() = false")
	}
	m.Free(ptr)
}

func TestDefaultReturnsSameInstance(t *testing.T) {
	a := memalloc.Default()
	b := memalloc.Default()
	if a != b {
		t.Fatal("Default() returned two different instances")
	}

	ptr, err := a.Allocate(32, 8)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	a.Free(ptr)
}
