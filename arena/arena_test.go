// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build linux

package arena_test

import (
	"sync"
	"testing"
	"unsafe"

	"code.hybscloud.com/memalloc"
	"code.hybscloud.com/memalloc/arena"
)

func TestNewAndRelease(t *testing.T) {
	m, err := memalloc.NewManager()
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	a, err := arena.New(m, 256, 8)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.Size() != 256 {
		t.Fatalf("Size() = %d, want 256", a.Size())
	}
	if !m.Owns(a.Pointer()) {
		t.Fatal("Owns() = false for a fresh arena's backing memory")
	}

	a.Release()
	if got := m.MemoryUsage().Allocated; got != 0 {
		t.Fatalf("MemoryUsage().Allocated = %d after the last Release, want 0", got)
	}
}

func TestRetainKeepsMemoryAliveUntilLastRelease(t *testing.T) {
	m, err := memalloc.NewManager()
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	a, err := arena.New(m, 64, 8)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b := a.Retain()
	if got := a.RefCount(); got != 2 {
		t.Fatalf("RefCount() = %d, want 2", got)
	}

	a.Release()
	if !m.Owns(b.Pointer()) {
		t.Fatal("Owns() = false after releasing one of two references")
	}

	b.Release()
	if got := m.MemoryUsage().Allocated; got != 0 {
		t.Fatalf("MemoryUsage().Allocated = %d after releasing the last reference, want 0", got)
	}
}

func TestDoubleReleaseIsHarmless(t *testing.T) {
	m, err := memalloc.NewManager()
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	a, err := arena.New(m, 32, 8)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a.Release()
	a.Release() // must not double-free or panic
}

func TestZeroArenaIsHarmless(t *testing.T) {
	var a arena.Arena
	a.Release()
	if a.Pointer() != nil {
		t.Fatal("zero Arena.Pointer() != nil")
	}
	if a.Size() != 0 {
		t.Fatal("zero Arena.Size() != 0")
	}
	if a.RefCount() != 0 {
		t.Fatal("zero Arena.RefCount() != 0")
	}
}

func TestConcurrentRetainRelease(t *testing.T) {
	m, err := memalloc.NewManager()
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	a, err := arena.New(m, 128, 8)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	const goroutines = 16
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			h := a.Retain()
			buf := unsafe.Slice((*byte)(h.Pointer()), h.Size())
			_ = buf[0]
			h.Release()
		}()
	}
	wg.Wait()

	if got := a.RefCount(); got != 1 {
		t.Fatalf("RefCount() after all goroutines released their copy = %d, want 1", got)
	}
	a.Release()
}
