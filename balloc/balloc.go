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

// Package balloc implements the block allocator: a LIFO
// intrusive free list of 4 KiB blocks rooted in the superblock, where each
// free block's first 8 bytes hold the offset of the next free block.
package balloc

import (
	"encoding/binary"
	"fmt"

	"github.com/jacobsa/syncutil"
	"github.com/nvmmfs/nvmm/layout"
	"github.com/nvmmfs/nvmm/region"
)

// ErrNoSpace is returned by Alloc when the free-block count is insufficient.
var ErrNoSpace = fmt.Errorf("balloc: no space")

// SuperblockView is the slice of superblock state the allocator owns. It is
// satisfied by *layout.Superblock; Allocator talks to it through this
// narrow interface so that the superblock's other fields stay the
// responsibility of the mount, matching the single-writer discipline of
// the acquisition order (arena -> superblock -> inode -> page).
type SuperblockView interface {
	FreeBlockHead() region.Offset
	SetFreeBlockHead(region.Offset)
	FreeBlockCount() uint64
	SetFreeBlockCount(uint64)
	DataStart() uint64
	DataEnd() uint64

	// SetFreeBlockHint records an opportunistic locality hint at the new
	// free-list head. Alloc/Free are still correct if it is never read;
	// the LIFO free list head is authoritative.
	SetFreeBlockHint(uint64)
}

// Allocator allocates and frees fixed-size blocks from the intrusive free
// list described by its SuperblockView, over a region.Region.
type Allocator struct {
	mu syncutil.InvariantMutex

	r  region.Region
	sb SuperblockView
}

// New creates an Allocator over r, whose free-list head and count live in
// sb.
func New(r region.Region, sb SuperblockView) *Allocator {
	a := &Allocator{r: r, sb: sb}
	a.mu = syncutil.NewInvariantMutex(a.checkInvariants)
	return a
}

func (a *Allocator) checkInvariants() {
	head := a.sb.FreeBlockHead()
	count := a.sb.FreeBlockCount()

	seen := make(map[region.Offset]struct{}, count)
	n := uint64(0)
	for head != region.Invalid {
		if n >= count {
			panic(fmt.Sprintf("balloc: free list longer than free_block_count=%d", count))
		}
		if _, dup := seen[head]; dup {
			panic(fmt.Sprintf("balloc: cycle in free list at %s", head))
		}
		if !a.inDataArea(head) {
			panic(fmt.Sprintf("balloc: free list node %s outside data area", head))
		}
		seen[head] = struct{}{}
		n++
		head = a.nextOf(head)
	}
	if n != count {
		panic(fmt.Sprintf("balloc: free list has %d nodes, want %d", n, count))
	}
}

func (a *Allocator) inDataArea(off region.Offset) bool {
	u := uint64(off)
	return u >= a.sb.DataStart() && u < a.sb.DataEnd() && (u-a.sb.DataStart())%layout.BlockSize == 0
}

func (a *Allocator) nextOf(off region.Offset) region.Offset {
	b := a.r.At(off, 8)
	return region.Offset(binary.LittleEndian.Uint64(b))
}

func (a *Allocator) setNext(off, next region.Offset) {
	b := a.r.At(off, 8)
	binary.LittleEndian.PutUint64(b, uint64(next))
}

// CountFree returns the free_block_count superblock field.
func (a *Allocator) CountFree() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.sb.FreeBlockCount()
}

// Alloc removes n blocks from the head of the free list (strictly LIFO,
// most-recently-freed first) and returns the offset of the first one. The n
// blocks are NOT contiguous in general; callers that need a run of n
// physically contiguous blocks cannot rely on this allocator for that.
// Zero-fill on alloc is the caller's responsibility.
func (a *Allocator) Alloc(n uint64) (region.Offset, error) {
	if n == 0 {
		panic("balloc: Alloc(0)")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.sb.FreeBlockCount() < n {
		return region.Invalid, ErrNoSpace
	}

	first := a.sb.FreeBlockHead()
	cur := first
	for i := uint64(0); i < n; i++ {
		if cur == region.Invalid {
			panic("balloc: free list shorter than free_block_count")
		}
		cur = a.nextOf(cur)
	}

	a.sb.SetFreeBlockHead(cur)
	a.sb.SetFreeBlockCount(a.sb.FreeBlockCount() - n)
	a.sb.SetFreeBlockHint(uint64(cur))

	return first, nil
}

// AllocMany is a convenience wrapper returning n individually-allocated
// block offsets, each popped from the list head in turn. Equivalent to
// calling Alloc(1) n times but taking the lock once.
func (a *Allocator) AllocMany(n uint64) ([]region.Offset, error) {
	if n == 0 {
		return nil, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.sb.FreeBlockCount() < n {
		return nil, ErrNoSpace
	}

	out := make([]region.Offset, n)
	head := a.sb.FreeBlockHead()
	for i := uint64(0); i < n; i++ {
		if head == region.Invalid {
			panic("balloc: free list shorter than free_block_count")
		}
		out[i] = head
		head = a.nextOf(head)
	}

	a.sb.SetFreeBlockHead(head)
	a.sb.SetFreeBlockCount(a.sb.FreeBlockCount() - n)
	a.sb.SetFreeBlockHint(uint64(head))

	return out, nil
}

// Free zeros block and pushes it onto the head of the free list (LIFO: the
// next Alloc(1) returns this exact block). Free never fails.
func (a *Allocator) Free(block region.Offset) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.freeLocked(block)
}

func (a *Allocator) freeLocked(block region.Offset) {
	a.r.Zero(block, layout.BlockSize)
	a.setNext(block, a.sb.FreeBlockHead())
	a.sb.SetFreeBlockHead(block)
	a.sb.SetFreeBlockCount(a.sb.FreeBlockCount() + 1)
	a.sb.SetFreeBlockHint(uint64(block))
}

// FreeMany frees each block in blocks, LIFO, in the order given (so
// blocks[0] ends up deepest in the resulting list, blocks[len-1] at the new
// head).
func (a *Allocator) FreeMany(blocks []region.Offset) {
	if len(blocks) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, b := range blocks {
		a.freeLocked(b)
	}
}
