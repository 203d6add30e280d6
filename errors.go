// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package memalloc

import "errors"

// Sentinel errors returned by Manager (spec.md §7). Back-end-specific errors
// (vas.ErrCommitFailed, ssa.ErrOutOfMemory, tlsf.ErrOutOfMemory) are folded
// into ErrOutOfMemory at the Manager boundary so callers only need to
// errors.Is against this package.
var (
	// ErrOutOfMemory is returned when the back end a request is routed to
	// (the small-size or TLSF allocator) cannot satisfy it. The request is
	// not retried on another back end.
	ErrOutOfMemory = errors.New("memalloc: out of memory")
	// ErrInvalidArgument is returned for a non-zero align that isn't a power
	// of two.
	ErrInvalidArgument = errors.New("memalloc: invalid argument")
)
