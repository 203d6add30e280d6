// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package memalloc provides a process-wide dynamic memory manager that
// replaces a platform malloc/free with a size-routed front end over two
// purpose-built back ends and a system-heap fallback.
//
// # Back ends
//
// Allocate(size, align) is routed by size class:
//
//	Range                 Back end                          Package
//	─────                 ────────                          ───────
//	[8 B, 32 KiB]         small-size slab allocator          ssa
//	(32 KiB, 10 MiB]      TLSF segregated-fit allocator      tlsf
//	everything else       system heap (aligned Go slices)    (this package)
//
// Both specialized back ends sit on top of directly-managed virtual address
// space (package vas): a reserved, address-stable byte range that is
// committed and decommitted in OS-page-granular sub-ranges as the back end's
// working set grows and shrinks.
//
// # Manager
//
// Manager is the routing facade. It owns one ssa.Allocator, one
// tlsf.Allocator, and a single mutex that serializes every public operation:
//
//	mgr := memalloc.Default() // process-wide singleton
//	p, err := mgr.Allocate(128, 16)
//	...
//	mgr.Free(p)
//
// Free identifies the owning back end by address-range test (Owns), not by
// a tag stored with the caller, so freeing a pointer the Manager did not
// hand out is always a safe no-op rather than corruption.
//
// # Concurrency
//
// The Manager is safe for concurrent use from multiple goroutines: every
// public method acquires the Manager's mutex for its duration. ssa.Allocator
// and tlsf.Allocator carry no internal synchronization of their own. They
// are called only while the Manager holds its lock, and their exported
// methods document that requirement.
//
// # Arenas
//
// Package arena offers an optional reference-counted handle over a Manager,
// for callers that want a value they can copy-share across goroutines and
// have the backing block freed automatically on the last release.
//
// # Architecture requirements
//
// This module requires a 64-bit CPU architecture (amd64, arm64, riscv64,
// loong64, ppc64, ppc64le, s390x, mips64, mips64le). The TLSF block header
// packs its free and last-physical flags into the low bits of a 32-bit size
// word next to a uintptr-sized physical link; 32-bit architectures are not
// supported.
//
// # Dependencies
//
// memalloc depends on:
//   - golang.org/x/sys/unix: raw mmap/mprotect/madvise for package vas
//   - code.hybscloud.com/iox: Backoff, used by vas to retry a transient
//     commit failure
package memalloc
