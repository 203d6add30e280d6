// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package bitops provides the power-of-two and bit-scan helpers the
// small-size and TLSF allocators use for alignment math and size-class
// mapping.
package bitops

import "math/bits"

// IsPow2 reports whether v is a power of two. Zero is not a power of two.
func IsPow2(v uintptr) bool {
	return v != 0 && v&(v-1) == 0
}

// NextPow2 returns the smallest power of two >= v. NextPow2(0) is 1.
func NextPow2(v uintptr) uintptr {
	if v <= 1 {
		return 1
	}
	return uintptr(1) << Log2Ceil(v)
}

// Log2Ceil returns ceil(log2(v)) for v >= 1.
func Log2Ceil(v uintptr) uint {
	if v <= 1 {
		return 0
	}
	return uint(bits.Len64(uint64(v - 1)))
}

// AlignUp rounds size up to the nearest multiple of align. align must be a
// power of two.
func AlignUp(size, align uintptr) uintptr {
	return (size + align - 1) &^ (align - 1)
}

// FindFirstSet32 returns the bit index of the lowest set bit in v, or -1 if
// v is zero.
func FindFirstSet32(v uint32) int {
	if v == 0 {
		return -1
	}
	return bits.TrailingZeros32(v)
}

// FindLastSet32 returns the bit index of the highest set bit in v, or -1 if
// v is zero.
func FindLastSet32(v uint32) int {
	if v == 0 {
		return -1
	}
	return 31 - bits.LeadingZeros32(v)
}
