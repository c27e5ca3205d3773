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

// Package layout defines the fixed on-media structures of an NVMM region:
// the superblock, the inode slot, and the constants that tie them together.
// Every multi-byte field is little-endian.
package layout

// BlockSize is the fixed block size. The data area, the translation tree,
// and directory pages are all addressed in units of this size.
const BlockSize = 4096

// InodeSize is the fixed size of one inode slot, and InodeShift is its
// base-2 log, used to turn an inode number into a byte offset without a
// division.
const (
	InodeSize  = 128
	InodeShift = 7
)

// Magic identifies a formatted region.
const Magic = uint16(0xEFFB)

// RootIno is the inode number of the filesystem root; it is never freed.
const RootIno = uint64(1)

// PageSize is an alias for BlockSize used where code is talking about a
// translation-tree page or a directory page rather than a data block; they
// are the same size but the name clarifies intent at call sites.
const PageSize = BlockSize

// SuperblockPageSize is the size of the single leading page that holds both
// superblock copies.
const SuperblockPageSize = PageSize

// InodeTableOffset is the byte offset, relative to the region base, of the
// first inode slot (inode #1, the root).
const InodeTableOffset = SuperblockPageSize

// InodeOffset returns the byte offset of inode number ino (1-based) within
// the region: the inode table starts right after the superblock page, and
// inode #1 (the root) occupies its first slot.
func InodeOffset(ino uint64) uint64 {
	return InodeTableOffset + (ino-1)<<InodeShift
}

// InodeNumberForOffset is the inverse of InodeOffset.
func InodeNumberForOffset(off uint64) uint64 {
	return (off-InodeTableOffset)>>InodeShift + 1
}
