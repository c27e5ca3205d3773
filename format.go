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

package nvmm

import (
	"fmt"

	"github.com/jacobsa/timeutil"

	"github.com/nvmmfs/nvmm/balloc"
	"github.com/nvmmfs/nvmm/layout"
	"github.com/nvmmfs/nvmm/nvmmdir"
	"github.com/nvmmfs/nvmm/pgtable"
	"github.com/nvmmfs/nvmm/region"
)

// Format lays out a fresh volume over r: a superblock, an inode table of
// cfg.Inodes slots, a data area of the region's remaining space, a
// free-inode chain covering inodes 2..Inodes, a free-block chain covering
// every data block, and a root directory (inode 1) containing "." and "..".
// r must not be in use by any other Volume.
func Format(r region.Region, cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}

	inodeTableBytes := cfg.Inodes * layout.InodeSize
	dataStart := layout.InodeTableOffset + inodeTableBytes
	if rem := dataStart % layout.BlockSize; rem != 0 {
		dataStart += layout.BlockSize - rem
	}
	if dataStart >= r.Size() {
		return fmt.Errorf("nvmm: region too small for %d inodes", cfg.Inodes)
	}
	blockCount := (r.Size() - dataStart) / layout.BlockSize

	now := uint32(cfg.clock().Now().Unix())

	sb := &layout.Superblock{
		BlockSize:  layout.BlockSize,
		InodeSize:  layout.InodeSize,
		TotalSize:  r.Size(),
		Inodes:     cfg.Inodes,
		InodeStart: layout.InodeTableOffset,
		BlockCount: blockCount,
		BlockStart: dataStart,
		Mtime:      now,
		Wtime:      now,
		Magic:      layout.Magic,
	}
	copy(sb.Volume[:], cfg.Volume)

	r.Zero(0, int(layout.SuperblockPageSize))
	formatInodeTable(r, cfg.Inodes)
	formatFreeBlockChain(r, sb)

	sb.FreeInodeStart = formatFreeInodeChain(r, cfg.Inodes)
	sb.FreeInodes = cfg.Inodes - 1 // every inode but the root

	// formatRoot allocates its directory page through a balloc.Allocator
	// bound to sb, so it must run before the free-block count it mutates is
	// written out.
	if err := formatRoot(r, sb); err != nil {
		return err
	}
	return WriteSuperblock(r, sb)
}

func formatInodeTable(r region.Region, inodeCount uint64) {
	r.Zero(region.Offset(layout.InodeTableOffset), int(inodeCount*layout.InodeSize))
}

// formatFreeBlockChain links every data block into a descending free list
// (highest address first onto the stack, so Alloc hands out the lowest
// address first) and stamps the result into sb.
func formatFreeBlockChain(r region.Region, sb *layout.Superblock) {
	var head region.Offset
	for i := sb.BlockCount; i > 0; i-- {
		block := region.Offset(sb.BlockStart + (i-1)*layout.BlockSize)
		r.Zero(block, layout.BlockSize)
		setNextBlock(r, block, head)
		head = block
	}
	sb.FreeBlockStart = head
	sb.FreeBlocks = sb.BlockCount
}

func setNextBlock(r region.Region, block, next region.Offset) {
	buf := r.At(block, 8)
	le := uint64(next)
	for i := 0; i < 8; i++ {
		buf[i] = byte(le >> (8 * i))
	}
}

// formatFreeInodeChain links inodes 2..inodeCount into a descending free
// list and returns its head. Inode 1 (the root) is excluded: it is
// formatted separately by formatRoot and never goes through ialloc.Alloc.
func formatFreeInodeChain(r region.Region, inodeCount uint64) region.Offset {
	var head region.Offset
	for ino := inodeCount; ino >= 2; ino-- {
		off := region.Offset(layout.InodeOffset(ino))
		slot := &layout.InodeSlot{NextInodeOffset: head}
		buf := r.At(off, layout.InodeSize)
		slot.Encode(buf)
		head = off
	}
	return head
}

// formatRoot writes inode 1 as a directory containing only "." and "..",
// both pointing at itself.
func formatRoot(r region.Region, sb *layout.Superblock) error {
	bal := balloc.New(r, sb)

	tree := pgtable.New(r, bal, region.Invalid)
	dir := nvmmdir.New(tree, r, bal)
	if err := dir.MakeEmpty(layout.RootIno, layout.RootIno); err != nil {
		return err
	}

	now := sb.Mtime
	slot := &layout.InodeSlot{
		Mode:      0040755,
		LinkCount: 2,
		Atime:     now,
		Ctime:     now,
		Mtime:     now,
		PgAddr:    tree.Root(),
	}
	buf := r.At(region.Offset(layout.InodeOffset(layout.RootIno)), layout.InodeSize)
	slot.Encode(buf)
	return nil
}

// clock lets Config leave Clock nil for production use.
func (cfg Config) clock() timeutil.Clock {
	if cfg.Clock != nil {
		return cfg.Clock
	}
	return timeutil.RealClock()
}
