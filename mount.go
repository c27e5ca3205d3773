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
	"sync"

	"github.com/jacobsa/timeutil"

	"github.com/nvmmfs/nvmm/balloc"
	"github.com/nvmmfs/nvmm/hostvm"
	"github.com/nvmmfs/nvmm/ialloc"
	"github.com/nvmmfs/nvmm/layout"
	"github.com/nvmmfs/nvmm/region"
	"github.com/nvmmfs/nvmm/varena"
)

// defaultDirWindows and defaultFileWindows size the virtual-address arena
// when a Config leaves them zero: enough directory windows for a few
// thousand simultaneously open directories, and enough file windows for a
// few hundred simultaneously open regular files, comfortable defaults for
// a single mounted volume.
const (
	defaultDirWindows  = 4096
	defaultFileWindows = 256
	defaultArenaBase   = 1 << 40 // 1 TiB, well clear of a typical heap/stack
)

// Config holds everything Format and Mount need beyond the region itself.
type Config struct {
	// Inodes is the size of the inode table, in slots. Required by Format;
	// ignored by Mount, which reads the value the superblock already
	// records.
	Inodes uint64

	// Volume is an optional volume label of at most 16 bytes; Format
	// rejects a longer one.
	Volume string

	// Mapper is the host VM collaborator that splices translation-tree
	// pages into a host address space. Required by Mount.
	Mapper hostvm.Mapper

	// Clock supplies the current time for inode timestamps and the
	// per-mount generation seed. Defaults to timeutil.RealClock().
	Clock timeutil.Clock

	// ArenaBase, DirWindows and FileWindows configure the virtual-address
	// arena. Zero values fall back to the defaults above.
	ArenaBase   uint64
	DirWindows  int
	FileWindows int
}

func (cfg Config) validate() error {
	if cfg.Inodes < 2 {
		return fmt.Errorf("nvmm: Config.Inodes must be at least 2 (root plus one more)")
	}
	if len(cfg.Volume) > 16 {
		return fmt.Errorf("nvmm: Config.Volume must be at most 16 bytes")
	}
	return nil
}

func (cfg Config) arenaBase() uint64 {
	if cfg.ArenaBase != 0 {
		return cfg.ArenaBase
	}
	return defaultArenaBase
}

func (cfg Config) dirWindows() int {
	if cfg.DirWindows != 0 {
		return cfg.DirWindows
	}
	return defaultDirWindows
}

func (cfg Config) fileWindows() int {
	if cfg.FileWindows != 0 {
		return cfg.FileWindows
	}
	return defaultFileWindows
}

// Volume is a mounted nvmm region: the allocators, the virtual-address
// arena, and the table of currently open in-core inodes.
type Volume struct {
	r      region.Region
	sb     *layout.Superblock
	bal    *balloc.Allocator
	ialloc *ialloc.Allocator
	arena  *varena.Arena
	mapper hostvm.Mapper
	clock  timeutil.Clock

	openMu sync.Mutex
	open   map[uint64]*openInode
}

// openInode tracks one inode's in-core handle together with a reference
// count, so that two lookups of the same inode number within one mount
// share a single Inode (and its single metadata lock) rather than racing
// through independent copies.
type openInode struct {
	in   *Inode
	refs int
}

// Mount reads r's superblock and wires up its allocators, arena and inode
// cache. r must already have been formatted with Format (or be a durable
// image of a previously mounted, formatted region).
func Mount(r region.Region, cfg Config) (*Volume, error) {
	sb, err := ReadSuperblock(r)
	if err != nil {
		return nil, fmt.Errorf("nvmm: mount: %w", err)
	}
	if sb.Magic != layout.Magic {
		return nil, fmt.Errorf("nvmm: mount: bad magic %#x", sb.Magic)
	}
	if cfg.Mapper == nil {
		return nil, fmt.Errorf("nvmm: mount: Config.Mapper is required")
	}

	clock := cfg.clock()

	v := &Volume{
		r:      r,
		sb:     sb,
		bal:    balloc.New(r, sb),
		ialloc: ialloc.New(r, sb, clock, sb.Wtime),
		arena:  varena.New(cfg.arenaBase(), cfg.dirWindows(), cfg.fileWindows()),
		mapper: cfg.Mapper,
		clock:  clock,
		open:   make(map[uint64]*openInode),
	}

	sb.Wtime = uint32(clock.Now().Unix())
	if err := WriteSuperblock(r, sb); err != nil {
		return nil, fmt.Errorf("nvmm: mount: stamp write time: %w", err)
	}

	return v, nil
}

// ReadSuperblock is re-exported from package layout for callers that only
// have a region and want to inspect a volume without mounting it.
func ReadSuperblock(r region.Region) (*layout.Superblock, error) {
	return layout.ReadSuperblock(r)
}

// WriteSuperblock is re-exported from package layout for symmetry with
// ReadSuperblock.
func WriteSuperblock(r region.Region, sb *layout.Superblock) error {
	return layout.WriteSuperblock(r, sb)
}

// Unmount releases every still-open in-core inode's host mapping and
// closes the underlying region. It does not check for or report handles
// that are still open.
func (v *Volume) Unmount() error {
	v.openMu.Lock()
	for ino, oi := range v.open {
		oi.in.mp.Destroy()
		delete(v.open, ino)
	}
	v.openMu.Unlock()

	return v.r.Close()
}

// acquireInode returns the shared in-core handle for ino, reading its slot
// from the inode table on first reference and incrementing the reference
// count on every call. Callers must pair every acquireInode with a
// releaseInode.
func (v *Volume) acquireInode(ino uint64) (*Inode, error) {
	v.openMu.Lock()
	defer v.openMu.Unlock()

	if oi, ok := v.open[ino]; ok {
		oi.refs++
		return oi.in, nil
	}

	slot, err := v.ialloc.ReadSlot(ino)
	if err != nil {
		return nil, opError("open", "", ErrIO)
	}
	in := v.newInodeHandle(ino, slot)
	v.open[ino] = &openInode{in: in, refs: 1}
	return in, nil
}

// releaseInode drops one reference to ino's in-core handle, tearing down
// its host mapping and evicting it from the cache once the count reaches
// zero. It does not free the inode itself, even when its on-media link
// count is zero; inodes are freed only by the code in namei.go.
func (v *Volume) releaseInode(ino uint64) error {
	v.openMu.Lock()
	defer v.openMu.Unlock()

	oi, ok := v.open[ino]
	if !ok {
		return fmt.Errorf("nvmm: release of inode %d with no open reference", ino)
	}
	oi.refs--
	if oi.refs > 0 {
		return nil
	}

	delete(v.open, ino)
	return oi.in.mp.Destroy()
}
