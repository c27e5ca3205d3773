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

// Package hostvm implements mapping install/teardown: splicing
// a file's translation tree into the host address space via a window
// acquired from package varena, and tearing it down again, reference
// counted per inode.
//
// The actual splice — installing upper-level page-table entries that point
// at caller-supplied lower-level tables, synchronizing page tables across
// address spaces, and flushing the TLB and CPU cache — is the host virtual
// memory layer's job, explicitly out of scope for this module.
// Mapper is the interface the core assumes of that collaborator; production
// binds it to the kernel VM, tests bind it to Stub.
package hostvm

import (
	"fmt"
	"sync"

	"github.com/nvmmfs/nvmm/pgtable"
	"github.com/nvmmfs/nvmm/region"
	"github.com/nvmmfs/nvmm/varena"
)

// Mapper is the host VM collaborator's interface: install
// or clear one upper-level translation entry at vaddr, pointing at a
// caller-supplied lower-level table, and flush TLB/cache after structural
// changes.
type Mapper interface {
	InstallLevel(level pgtable.Level, vaddr uint64, tablePhys region.Offset) error
	ClearLevel(level pgtable.Level, vaddr uint64) error
	FlushTLB(vaddr uint64, size uint64)
	FlushCache(vaddr uint64, size uint64)
}

// oneGiB is the granularity at which a file window's upper-level entries
// are installed ("one PUD-equivalent entry per 1 GiB
// covered").
const oneGiB = 1 << 30

// Mapping is the per-inode mapping state: a window address (0 if not
// installed) plus an open-reference count.
type Mapping struct {
	mu sync.Mutex

	tree   *pgtable.Tree
	arena  *varena.Arena
	mapper Mapper
	kind   varena.Kind

	vaddr    uint64
	pCounter int
}

// New creates a Mapping for a single inode's tree. kind selects which
// arena sub-range (and therefore which window size) the inode uses:
// directories and symlinks get a 2 MiB window, regular files a 32 GiB one.
func New(tree *pgtable.Tree, arena *varena.Arena, mapper Mapper, kind varena.Kind) *Mapping {
	return &Mapping{tree: tree, arena: arena, mapper: mapper, kind: kind}
}

// Installed reports whether the mapping currently holds a window.
func (m *Mapping) Installed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.vaddr != 0
}

// VAddr returns the current window address, or 0 if not installed.
func (m *Mapping) VAddr() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.vaddr
}

// Establish acquires a window and splices the tree into it if not already
// installed, then (for regular files) increments the open-reference
// counter. Directories and symlinks are not reference counted: their
// mapping lifetime is tied to a single handle, unlike a regular file which
// may be opened by several handles concurrently.
func (m *Mapping) Establish() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.vaddr == 0 {
		vaddr, err := m.arena.Acquire(m.kind)
		if err != nil {
			return fmt.Errorf("hostvm: acquire %s window: %w", m.kind, err)
		}
		if err := m.spliceLocked(vaddr); err != nil {
			m.arena.Release(vaddr)
			return err
		}
		m.vaddr = vaddr
	}

	if m.kind == varena.KindFile {
		m.pCounter++
	}
	return nil
}

// Refresh re-splices an already-installed mapping. A tree's root is
// allocated lazily on first write; if Establish ran before any
// block existed, or new upper-level entries appear in a file's tree later,
// Refresh installs whatever is newly present. It is a no-op if the mapping
// is not installed.
func (m *Mapping) Refresh() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.vaddr == 0 {
		return nil
	}
	return m.spliceLocked(m.vaddr)
}

func (m *Mapping) spliceLocked(vaddr uint64) error {
	root := m.tree.Root()
	if root == region.Invalid {
		return nil
	}

	switch m.kind {
	case varena.KindDirectory:
		return m.mapper.InstallLevel(pgtable.LevelPMD, vaddr, root)

	case varena.KindFile:
		slots := varena.FileWindowSize / oneGiB
		for i0 := uint64(0); i0 < uint64(slots); i0++ {
			entry := m.tree.RootEntry(i0)
			if entry == region.Invalid {
				continue
			}
			if err := m.mapper.InstallLevel(pgtable.LevelPUD, vaddr+i0*oneGiB, entry); err != nil {
				return err
			}
		}
		return nil

	default:
		panic("hostvm: unknown kind")
	}
}

// Destroy decrements the reference counter (for regular files) and, once
// it reaches zero (or immediately, for directories/symlinks), clears the
// host's upper-level entries, flushes TLB and cache, and releases the
// window back to the arena.
func (m *Mapping) Destroy() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.vaddr == 0 {
		return nil
	}

	if m.kind == varena.KindFile {
		m.pCounter--
		if m.pCounter > 0 {
			return nil
		}
	}

	vaddr := m.vaddr
	if err := m.clearLocked(vaddr); err != nil {
		return err
	}

	size := uint64(varena.DirectoryWindowSize)
	if m.kind == varena.KindFile {
		size = varena.FileWindowSize
	}
	m.mapper.FlushTLB(vaddr, size)
	m.mapper.FlushCache(vaddr, size)

	if err := m.arena.Release(vaddr); err != nil {
		return err
	}
	m.vaddr = 0
	return nil
}

func (m *Mapping) clearLocked(vaddr uint64) error {
	switch m.kind {
	case varena.KindDirectory:
		return m.mapper.ClearLevel(pgtable.LevelPMD, vaddr)
	case varena.KindFile:
		slots := varena.FileWindowSize / oneGiB
		for i0 := uint64(0); i0 < uint64(slots); i0++ {
			if err := m.mapper.ClearLevel(pgtable.LevelPUD, vaddr+i0*oneGiB); err != nil {
				return err
			}
		}
		return nil
	default:
		panic("hostvm: unknown kind")
	}
}
