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

// Package ialloc implements the inode allocator: a LIFO
// intrusive free list of fixed-size inode slots rooted in the superblock,
// overlaying the slot's NextInodeOffset field as the free-list link.
package ialloc

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/timeutil"
	"github.com/nvmmfs/nvmm/layout"
	"github.com/nvmmfs/nvmm/region"
)

// ErrNoSpace is returned by Alloc when the free-inode count is insufficient.
var ErrNoSpace = errors.New("ialloc: no space")

// ErrBadInode is returned by ReadSlot when a slot's self-checksum fails to
// verify.
var ErrBadInode = errors.New("ialloc: inode checksum mismatch")

// SuperblockView is the slice of superblock state the inode allocator owns.
type SuperblockView interface {
	FreeInodeHead() region.Offset
	SetFreeInodeHead(region.Offset)
	FreeInodeCount() uint64
	SetFreeInodeCount(uint64)
	InodeCount() uint64

	// SetFreeInodeHint records an opportunistic locality hint at the new
	// free-list head. Alloc/Free are still correct if it is never read;
	// the LIFO free list head is authoritative.
	SetFreeInodeHint(uint64)
}

// Allocator allocates and frees inode numbers from the free-inode list
// described by its SuperblockView, and reads/writes individual inode slots.
type Allocator struct {
	mu syncutil.InvariantMutex

	r     region.Region
	sb    SuperblockView
	clock timeutil.Clock

	// generation is a per-mount counter seeded from the superblock's write
	// time at mount, incremented on every Alloc so that
	// inode-number reuse after a free is still distinguishable, NFS-style.
	generation uint32
}

// New creates an Allocator. genSeed should be a value that changes across
// mounts of the same region (the superblock's wtime is the natural choice)
// so that a reused inode number's generation differs from its previous
// occupant's.
func New(r region.Region, sb SuperblockView, clock timeutil.Clock, genSeed uint32) *Allocator {
	a := &Allocator{r: r, sb: sb, clock: clock, generation: genSeed}
	a.mu = syncutil.NewInvariantMutex(a.checkInvariants)
	return a
}

func (a *Allocator) checkInvariants() {
	head := a.sb.FreeInodeHead()
	count := a.sb.FreeInodeCount()
	inodeCount := a.sb.InodeCount()

	seen := make(map[region.Offset]struct{}, count)
	n := uint64(0)
	for head != region.Invalid {
		if n >= count {
			panic(fmt.Sprintf("ialloc: free list longer than free_inode_count=%d", count))
		}
		ino := layout.InodeNumberForOffset(uint64(head))
		if ino < 2 || ino > inodeCount {
			panic(fmt.Sprintf("ialloc: free list node %s outside inode table", head))
		}
		if uint64(head) != layout.InodeOffset(ino) {
			panic(fmt.Sprintf("ialloc: free list node %s misaligned", head))
		}
		if _, dup := seen[head]; dup {
			panic(fmt.Sprintf("ialloc: cycle in free list at %s", head))
		}
		seen[head] = struct{}{}
		n++
		head = a.readNext(head)
	}
	if n != count {
		panic(fmt.Sprintf("ialloc: free list has %d nodes, want %d", n, count))
	}
}

func (a *Allocator) slotBuf(off region.Offset) []byte {
	return a.r.At(off, layout.InodeSize)
}

func (a *Allocator) readNext(off region.Offset) region.Offset {
	buf := a.slotBuf(off)
	slot := layout.Decode(buf)
	return slot.NextInodeOffset
}

// Alloc pulls the head of the free-inode list, initializes its slot with
// the given mode/uid/gid and the clock's current time, and returns its
// inode number. Root (inode #1) is pre-formatted and never goes through
// Alloc.
func (a *Allocator) Alloc(mode uint16, uid, gid uint32) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.sb.FreeInodeCount() == 0 {
		return 0, ErrNoSpace
	}

	head := a.sb.FreeInodeHead()
	if head == region.Invalid {
		panic("ialloc: free_inode_count > 0 but free list empty")
	}

	next := a.readNext(head)
	a.sb.SetFreeInodeHead(next)
	a.sb.SetFreeInodeCount(a.sb.FreeInodeCount() - 1)
	if next != region.Invalid {
		a.sb.SetFreeInodeHint(layout.InodeNumberForOffset(uint64(next)))
	} else {
		a.sb.SetFreeInodeHint(0)
	}

	now := uint32(a.clock.Now().Unix())
	gen := atomic.AddUint32(&a.generation, 1)

	slot := &layout.InodeSlot{
		Mode:       mode,
		LinkCount:  0,
		Atime:      now,
		Ctime:      now,
		Mtime:      now,
		UID:        uid,
		GID:        gid,
		Generation: gen,
	}
	buf := a.slotBuf(head)
	slot.Encode(buf)

	return layout.InodeNumberForOffset(uint64(head)), nil
}

// AllocShadow behaves like Alloc but the caller is expected never to link
// the returned inode into any directory; the mode is fixed to a plain
// regular file and ownership is left zeroed, since a shadow inode is
// invisible to every namespace operation and is freed again within the
// same write.
func (a *Allocator) AllocShadow() (uint64, error) {
	return a.Alloc(0100600, 0, 0)
}

// Free sets dtime to the current time, clears the slot's tree-root field,
// and pushes the inode onto the head of the free list.
func (a *Allocator) Free(ino uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	off := region.Offset(layout.InodeOffset(ino))
	buf := a.slotBuf(off)

	now := uint32(a.clock.Now().Unix())
	slot := &layout.InodeSlot{
		Dtime:           now,
		NextInodeOffset: a.sb.FreeInodeHead(),
	}
	slot.Encode(buf)

	a.sb.SetFreeInodeHead(off)
	a.sb.SetFreeInodeCount(a.sb.FreeInodeCount() + 1)
	a.sb.SetFreeInodeHint(ino)

	return nil
}

// ReadSlot loads and verifies the slot for ino.
func (a *Allocator) ReadSlot(ino uint64) (*layout.InodeSlot, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	buf := a.slotBuf(region.Offset(layout.InodeOffset(ino)))
	if !layout.Verify(buf) {
		return nil, ErrBadInode
	}
	return layout.Decode(buf), nil
}

// WriteSlot recomputes the self-checksum and writes slot back for ino.
func (a *Allocator) WriteSlot(ino uint64, slot *layout.InodeSlot) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	buf := a.slotBuf(region.Offset(layout.InodeOffset(ino)))
	slot.Encode(buf)
	return nil
}
