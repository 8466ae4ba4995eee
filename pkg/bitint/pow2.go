// SPDX-License-Identifier: MIT
//
// Package bitint provides the power-of-two helpers used to validate FFT window
// and capture block sizes. All functions are O(1) and allocation free.
package bitint

import "math/bits"

// NextPowerOfTwo returns the next power of 2 >= size. Values <= 0 return 1.
//
//	Input  Output
//	2000   2048
//	2048   2048
//	0      1
func NextPowerOfTwo(size int) int {
	if size <= 0 {
		return 1
	}
	return 1 << bits.Len(uint(size-1))
}

// IsPowerOfTwo reports whether n is a positive power of 2. A power of two has
// exactly one bit set, so n & (n-1) clears it to zero.
func IsPowerOfTwo(n int) bool {
	return n > 0 && (n&(n-1)) == 0
}

// Log2 returns the exponent of a power of two, or -1 if n is not one.
func Log2(n int) int {
	if !IsPowerOfTwo(n) {
		return -1
	}
	return bits.TrailingZeros(uint(n))
}

// Splits reports whether a window of size window can be filled by a whole
// number of blocks of size block. Both must be powers of two.
func Splits(window, block int) bool {
	return IsPowerOfTwo(window) && IsPowerOfTwo(block) && block <= window
}
