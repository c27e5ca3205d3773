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

package layout

import (
	"sync"

	"github.com/nvmmfs/nvmm/region"
)

// viewMu guards the handful of Superblock fields that package balloc and
// package ialloc read and mutate through the SuperblockView interfaces they
// each declare (free-list heads and counts). It is the superblock spinlock
// of the acquisition order arena -> superblock -> inode -> page: a leaf lock
// that never calls back into either allocator, so nesting an allocator's
// own mutex around a call into these accessors never deadlocks.
var viewMu sync.Mutex

// DataStart and DataEnd report the byte range of the data area, satisfying
// balloc.SuperblockView.
func (s *Superblock) DataStart() uint64 {
	viewMu.Lock()
	defer viewMu.Unlock()
	return s.BlockStart
}

func (s *Superblock) DataEnd() uint64 {
	viewMu.Lock()
	defer viewMu.Unlock()
	return s.BlockStart + s.BlockCount*BlockSize
}

// FreeBlockHead, SetFreeBlockHead, FreeBlockCount and SetFreeBlockCount
// satisfy balloc.SuperblockView.
func (s *Superblock) FreeBlockHead() region.Offset {
	viewMu.Lock()
	defer viewMu.Unlock()
	return s.FreeBlockStart
}

func (s *Superblock) SetFreeBlockHead(off region.Offset) {
	viewMu.Lock()
	defer viewMu.Unlock()
	s.FreeBlockStart = off
}

func (s *Superblock) FreeBlockCount() uint64 {
	viewMu.Lock()
	defer viewMu.Unlock()
	return s.FreeBlocks
}

func (s *Superblock) SetFreeBlockCount(n uint64) {
	viewMu.Lock()
	defer viewMu.Unlock()
	s.FreeBlocks = n
}

// SetFreeBlockHint satisfies balloc.SuperblockView. It is a locality hint
// only, refreshed on every Alloc/Free; nothing reads it back to make an
// allocation decision.
func (s *Superblock) SetFreeBlockHint(off uint64) {
	viewMu.Lock()
	defer viewMu.Unlock()
	s.FreeBlocknrHint = off
}

// FreeInodeHead, SetFreeInodeHead, FreeInodeCount, SetFreeInodeCount and
// InodeCount satisfy ialloc.SuperblockView.
func (s *Superblock) FreeInodeHead() region.Offset {
	viewMu.Lock()
	defer viewMu.Unlock()
	return s.FreeInodeStart
}

func (s *Superblock) SetFreeInodeHead(off region.Offset) {
	viewMu.Lock()
	defer viewMu.Unlock()
	s.FreeInodeStart = off
}

func (s *Superblock) FreeInodeCount() uint64 {
	viewMu.Lock()
	defer viewMu.Unlock()
	return s.FreeInodes
}

func (s *Superblock) SetFreeInodeCount(n uint64) {
	viewMu.Lock()
	defer viewMu.Unlock()
	s.FreeInodes = n
}

// SetFreeInodeHint satisfies ialloc.SuperblockView. It is a locality hint
// only, refreshed on every Alloc/Free; nothing reads it back to make an
// allocation decision.
func (s *Superblock) SetFreeInodeHint(ino uint64) {
	viewMu.Lock()
	defer viewMu.Unlock()
	s.FreeInodeHint = ino
}

func (s *Superblock) InodeCount() uint64 {
	viewMu.Lock()
	defer viewMu.Unlock()
	return s.Inodes
}
