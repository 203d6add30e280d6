// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build linux

package vas_test

import (
	"testing"

	"code.hybscloud.com/memalloc/vas"
)

func TestReserveCommitDecommitRelease(t *testing.T) {
	const size = 4 << 20 // 4 MiB
	v, err := vas.Reserve(0, size)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	defer v.Release()

	if v.ReservedSize() < size {
		t.Fatalf("ReservedSize() = %d, want >= %d", v.ReservedSize(), size)
	}
	if v.CommittedSize() != 0 {
		t.Fatalf("CommittedSize() = %d, want 0 before any commit", v.CommittedSize())
	}

	base, err := v.CommitAll()
	if err != nil {
		t.Fatalf("CommitAll: %v", err)
	}
	if base != v.BaseAddress() {
		t.Fatalf("CommitAll() = %#x, want base %#x", base, v.BaseAddress())
	}
	if v.CommittedSize() != v.ReservedSize() {
		t.Fatalf("CommittedSize() = %d, want %d", v.CommittedSize(), v.ReservedSize())
	}

	if !v.OwnsAddress(v.BaseAddress()) {
		t.Fatalf("OwnsAddress(base) = false")
	}
	if v.OwnsAddress(v.EndAddress()) {
		t.Fatalf("OwnsAddress(end) = true, want false (end is exclusive)")
	}

	pageSize := uintptr(vas.PageSize())
	if err := v.Decommit(v.BaseAddress(), pageSize); err != nil {
		t.Fatalf("Decommit: %v", err)
	}
	if v.CommittedSize() != v.ReservedSize()-pageSize {
		t.Fatalf("CommittedSize() after decommit = %d, want %d", v.CommittedSize(), v.ReservedSize()-pageSize)
	}

	if err := v.Commit(v.BaseAddress(), pageSize); err != nil {
		t.Fatalf("re-Commit: %v", err)
	}

	if err := v.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

func TestReserveZeroSizeRejected(t *testing.T) {
	if _, err := vas.Reserve(0, 0); err == nil {
		t.Fatal("Reserve(0,0) succeeded, want error")
	}
}

func TestCommitOutOfRangeRejected(t *testing.T) {
	const size = 64 << 10
	v, err := vas.Reserve(0, size)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	defer v.Release()

	if err := v.Commit(v.EndAddress(), uintptr(vas.PageSize())); err == nil {
		t.Fatal("Commit at end address succeeded, want error")
	}
}
