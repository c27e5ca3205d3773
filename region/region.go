// Copyright 2024 The NVMM Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package region models the contiguous byte-addressable NVMM range a mount
// is built on. It is the sole owner of the underlying memory; every other
// package reaches the bytes of the region only through a Region value, never
// through a raw pointer that could outlive it.
package region

import (
	"fmt"
)

// Offset is a byte offset relative to the start of a Region. The zero value
// is used throughout the on-media format as a null/hole sentinel.
type Offset uint64

// Invalid is the sentinel null offset.
const Invalid Offset = 0

func (o Offset) String() string {
	return fmt.Sprintf("0x%x", uint64(o))
}

// Region is the backing store for one mounted filesystem: a contiguous span
// of byte-addressable memory, either a real NVMM mapping or a stand-in
// (plain heap buffer for tests, mmap'd file for hosts without real
// persistent memory). All on-media structures are read and written through
// it so that no code ever holds a pointer whose lifetime exceeds the
// Region's.
type Region interface {
	// Size returns the total number of addressable bytes.
	Size() uint64

	// At returns a mutable slice over [off, off+n) of the region. The slice
	// aliases the backing memory: writes through it are writes to the
	// region. Panics if the range falls outside the region.
	At(off Offset, n int) []byte

	// Zero clears [off, off+n) to zero bytes. Equivalent to, but may be
	// faster than, clearing the slice returned by At.
	Zero(off Offset, n int)

	// Sync flushes any buffering between the region and its durable medium.
	// For a real NVMM mapping this is a cache-line flush + fence sequence
	// performed by the host collaborator; for the mmap'd-file stand-in it
	// is msync(2).
	Sync() error

	// Close releases host resources associated with the region (unmapping a
	// file-backed region, for instance). The region must not be used after
	// Close returns.
	Close() error
}

// CheckBounds panics if [off, off+n) is not entirely within a region of the
// given size. Implementations of Region call this from At/Zero so that an
// out-of-range offset is a loud programming error rather than silent
// corruption, matching the treatment of a corrupt free-list pointer in
// package balloc as a fatal filesystem error.
func CheckBounds(size uint64, off Offset, n int) {
	if n < 0 {
		panic(fmt.Sprintf("region: negative length %d", n))
	}
	end := uint64(off) + uint64(n)
	if end < uint64(off) || end > size {
		panic(fmt.Sprintf("region: range [%s, %#x) out of bounds (size %#x)", off, end, size))
	}
}
