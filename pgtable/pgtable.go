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

// Package pgtable implements the per-file translation tree: a
// four-level, 512-entries-per-page radix tree mapping file block indices to
// data block addresses, deliberately shaped like a hardware four-level page
// table (PGD -> PUD -> PMD -> PTE) so the same pages can later be spliced
// into a host address space (see package hostvm).
package pgtable

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/nvmmfs/nvmm/balloc"
	"github.com/nvmmfs/nvmm/layout"
	"github.com/nvmmfs/nvmm/region"
)

// EntriesPerLevel is the number of 8-byte entries in one level's page.
const EntriesPerLevel = 512

const entryBits = 9
const entryMask = EntriesPerLevel - 1

// Level identifies the level at whose table a single entry must be
// rewritten to commit an update covering a given range.
// LevelPTE is the finest (one data page); LevelPGD is the coarsest and has
// no parent to swap, forcing an in-place update instead of an atomic one.
type Level int

const (
	LevelPTE Level = iota
	LevelPMD
	LevelPUD
	LevelPGD
)

func (l Level) String() string {
	switch l {
	case LevelPTE:
		return "PTE"
	case LevelPMD:
		return "PMD"
	case LevelPUD:
		return "PUD"
	case LevelPGD:
		return "PGD"
	default:
		return fmt.Sprintf("Level(%d)", int(l))
	}
}

// depth is the table's own distance from the root: 0 is the root (PGD)
// table, 3 is a leaf (PTE) table whose entries are data-block addresses
// rather than pointers to further tables. Level and depth are related by
// depth = 3 - int(level): the table that holds the entry being swapped for
// a LevelPTE commit is itself depth 3 (the PTE table); for LevelPGD it is
// depth 0 (the root, which has no parent - see ChooseLevel's callers).
func (l Level) depth() int {
	return 3 - int(l)
}

// SubtreeBlocks is the number of data blocks reachable below one entry at
// this level: 1 for a PTE entry (a single data page), 512 for a PMD entry
// (one full PTE table), 512*512 for a PUD entry, 512^3 for a PGD/root
// entry.
func (l Level) SubtreeBlocks() uint64 {
	n := uint64(1)
	for i := 0; i < int(l); i++ {
		n *= EntriesPerLevel
	}
	return n
}

// Mask is SubtreeBlocks()-1: 0x1FF for PMD, 0x3FFFF for PUD, 0x7FFFFFF for
// PGD, and 0 for PTE (a single page has no sub-page remainder).
func (l Level) Mask() uint64 {
	return l.SubtreeBlocks() - 1
}

// ChooseLevel finds the finest level at which offset and end (both file
// byte offsets, end inclusive) fall within the same entry's subtree.
func ChooseLevel(offset, end uint64) (Level, error) {
	switch {
	case offset>>12 == end>>12:
		return LevelPTE, nil
	case offset>>21 == end>>21:
		return LevelPMD, nil
	case offset>>30 == end>>30:
		return LevelPUD, nil
	case offset>>39 == end>>39:
		return LevelPGD, nil
	default:
		return 0, fmt.Errorf("pgtable: range [%d,%d] crosses a root-entry boundary", offset, end)
	}
}

// indices splits a block index into its four 9-bit groups:
// i0 selects the root (PGD) table's entry, i1 the PUD table's, i2 the PMD
// table's, i3 the PTE (leaf) table's.
func indices(idx uint64) (i0, i1, i2, i3 uint64) {
	i3 = idx & entryMask
	i2 = (idx >> entryBits) & entryMask
	i1 = (idx >> (2 * entryBits)) & entryMask
	i0 = (idx >> (3 * entryBits)) & entryMask
	return
}

func indexAtDepth(idx uint64, depth int) uint64 {
	i0, i1, i2, i3 := indices(idx)
	switch depth {
	case 0:
		return i0
	case 1:
		return i1
	case 2:
		return i2
	case 3:
		return i3
	default:
		panic("pgtable: bad depth")
	}
}

// Tree is one inode's translation tree.
type Tree struct {
	r    region.Region
	bal  *balloc.Allocator
	root region.Offset
}

// New wraps an existing (possibly empty) tree rooted at root.
func New(r region.Region, bal *balloc.Allocator, root region.Offset) *Tree {
	return &Tree{r: r, bal: bal, root: root}
}

// Root returns the current root page offset, or region.Invalid if the tree
// holds no blocks yet.
func (t *Tree) Root() region.Offset {
	return t.root
}

func (t *Tree) entrySlice(table region.Offset, index uint64) []byte {
	return t.r.At(table+region.Offset(index*8), 8)
}

func (t *Tree) getEntry(table region.Offset, index uint64) region.Offset {
	buf := t.entrySlice(table, index)
	ptr := (*uint64)(unsafe.Pointer(&buf[0]))
	return region.Offset(atomic.LoadUint64(ptr))
}

func (t *Tree) setEntry(table region.Offset, index uint64, value region.Offset) {
	buf := t.entrySlice(table, index)
	ptr := (*uint64)(unsafe.Pointer(&buf[0]))
	atomic.StoreUint64(ptr, uint64(value))
}

// CommitEntry performs the single aligned 8-byte store that is the
// linearization point of an atomic update: it is the one write a concurrent
// reader can observe take effect all at once. It returns the entry's
// previous value so the caller can splice the displaced subtree into the
// shadow inode for later release.
func (t *Tree) CommitEntry(table region.Offset, index uint64, value region.Offset) region.Offset {
	old := t.getEntry(table, index)
	t.setEntry(table, index, value)
	return old
}

// newTablePage allocates and zeroes one level's 4 KiB page of entries.
func (t *Tree) newTablePage() (region.Offset, error) {
	page, err := t.bal.Alloc(1)
	if err != nil {
		return region.Invalid, err
	}
	t.r.Zero(page, layout.PageSize)
	return page, nil
}

// descendTo returns the table at the given depth (0 = root) along the path
// to idx, allocating missing intermediate tables along the way when create
// is true. It returns region.Invalid without error if create is false and
// the path is absent (a hole).
func (t *Tree) descendTo(depth int, idx uint64, create bool) (region.Offset, error) {
	if depth == 0 {
		if t.root == region.Invalid {
			if !create {
				return region.Invalid, nil
			}
			page, err := t.newTablePage()
			if err != nil {
				return region.Invalid, err
			}
			t.root = page
		}
		return t.root, nil
	}

	parent, err := t.descendTo(depth-1, idx, create)
	if err != nil || parent == region.Invalid {
		return region.Invalid, err
	}

	index := indexAtDepth(idx, depth-1)
	child := t.getEntry(parent, index)
	if child == region.Invalid {
		if !create {
			return region.Invalid, nil
		}
		page, err := t.newTablePage()
		if err != nil {
			return region.Invalid, err
		}
		t.setEntry(parent, index, page)
		child = page
	}
	return child, nil
}

// Entry reads back the raw value stored at (table, index), as last written
// by CommitEntry, setEntry, or table construction. Used by the write path
// to read the value built inside a shadow tree before splicing it into the
// live tree at the same coordinates.
func (t *Tree) Entry(table region.Offset, index uint64) region.Offset {
	return t.getEntry(table, index)
}

// RootEntry returns the i0'th entry of the root (PGD) table directly - the
// physical address of the PUD table it points to, or region.Invalid. Used
// by package hostvm to splice a file's upper-level entries individually
// into a 32 GiB window one 1 GiB-covering PUD entry at a time.
func (t *Tree) RootEntry(i0 uint64) region.Offset {
	if t.root == region.Invalid {
		return region.Invalid
	}
	return t.getEntry(t.root, i0)
}

// Lookup decodes idx and walks root -> L1 -> L2 -> L3, returning the data
// block address at that index, or region.Invalid for a hole.
func (t *Tree) Lookup(idx uint64) region.Offset {
	table, err := t.descendTo(3, idx, false)
	if err != nil {
		panic(err) // descendTo(create=false) never allocates, so never errors
	}
	if table == region.Invalid {
		return region.Invalid
	}
	_, _, _, i3 := indices(idx)
	return t.getEntry(table, i3)
}

// Insert allocates intermediate pages on the path to idx as needed and
// stores page as the leaf entry.
func (t *Tree) Insert(idx uint64, page region.Offset) error {
	table, err := t.descendTo(3, idx, true)
	if err != nil {
		return err
	}
	_, _, _, i3 := indices(idx)
	t.setEntry(table, i3, page)
	return nil
}

// TableForLevel returns the table and within-table index that would be
// rewritten to commit an update at the given level covering idx, creating
// intermediate tables along the way if create is true. LevelPGD's "table"
// is the root table itself; callers must not attempt a CommitEntry there
// without a parent to make it atomic.
func (t *Tree) TableForLevel(idx uint64, level Level, create bool) (table region.Offset, index uint64, err error) {
	table, err = t.descendTo(level.depth(), idx, create)
	if err != nil {
		return region.Invalid, 0, err
	}
	index = indexAtDepth(idx, level.depth())
	return table, index, nil
}

// Teardown releases every page of the tree bottom-up: leaf data pages,
// then PTE tables, then PMD tables, then PUD tables, then the root.
func (t *Tree) Teardown() {
	if t.root == region.Invalid {
		return
	}
	t.teardownTable(t.root, 0)
	t.bal.Free(t.root)
	t.root = region.Invalid
}

func (t *Tree) teardownTable(table region.Offset, depth int) {
	for i := uint64(0); i < EntriesPerLevel; i++ {
		entry := t.getEntry(table, i)
		if entry == region.Invalid {
			continue
		}
		if depth == 3 {
			t.bal.Free(entry)
			continue
		}
		t.teardownTable(entry, depth+1)
		t.bal.Free(entry)
	}
}
