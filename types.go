// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package memalloc

// noCopy is a sentinel used to prevent copying of synchronization primitives.
// go vet's copylocks check flags any struct embedding noCopy that is passed
// or assigned by value.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// MemoryUsageInfo reports aggregate allocator statistics, in bytes.
type MemoryUsageInfo struct {
	Allocated uintptr // bytes currently handed out to callers
	Committed uintptr // bytes physically backed (allocated + free-but-committed)
	Reserved  uintptr // bytes of virtual address space reserved
}

// CompactReport breaks a Compact call down by back end.
type CompactReport struct {
	SmallSizeReleased  uintptr
	MediumSizeReleased uintptr
}

// Total returns the sum of bytes released across both back ends.
func (r CompactReport) Total() uintptr {
	return r.SmallSizeReleased + r.MediumSizeReleased
}
