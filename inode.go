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
	"time"

	"github.com/jacobsa/syncutil"
	"golang.org/x/sys/unix"

	"github.com/nvmmfs/nvmm/hostvm"
	"github.com/nvmmfs/nvmm/layout"
	"github.com/nvmmfs/nvmm/nvmmdir"
	"github.com/nvmmfs/nvmm/pgtable"
	"github.com/nvmmfs/nvmm/varena"
)

// Attr is the subset of an inode's metadata exposed to a host VFS layer,
// independent of the on-media InodeSlot encoding.
type Attr struct {
	Size      uint64
	LinkCount uint16
	Mode      uint32
	UID       uint32
	GID       uint32
	Atime     time.Time
	Ctime     time.Time
	Mtime     time.Time
	Generation uint32
}

// Inode is the in-core handle for one open inode: its cached slot, its
// translation tree, and the mapping that would splice that tree into a host address space. It corresponds to
// the bundle of per-inode locks listed for "per-inode metadata" and
// "per-inode truncate": here both are collapsed into one InvariantMutex,
// since nothing in this module performs the two independently outside a
// single call.
type Inode struct {
	mu syncutil.InvariantMutex

	v    *Volume
	ino  uint64
	slot *layout.InodeSlot
	tree *pgtable.Tree
	mp   *hostvm.Mapping
	dir  *nvmmdir.Dir // non-nil only when slot.Mode names a directory

	bad bool
}

func fileTypeFromMode(mode uint16) nvmmdir.FileType {
	switch uint32(mode) & unix.S_IFMT {
	case unix.S_IFREG:
		return nvmmdir.TypeRegular
	case unix.S_IFDIR:
		return nvmmdir.TypeDir
	case unix.S_IFCHR:
		return nvmmdir.TypeCharDev
	case unix.S_IFBLK:
		return nvmmdir.TypeBlkDev
	case unix.S_IFIFO:
		return nvmmdir.TypeFIFO
	case unix.S_IFSOCK:
		return nvmmdir.TypeSocket
	case unix.S_IFLNK:
		return nvmmdir.TypeSymlink
	default:
		return nvmmdir.TypeUnknown
	}
}

func isDirMode(mode uint16) bool {
	return uint32(mode)&unix.S_IFMT == unix.S_IFDIR
}

func isSymlinkMode(mode uint16) bool {
	return uint32(mode)&unix.S_IFMT == unix.S_IFLNK
}

func mappingKind(mode uint16) varena.Kind {
	if isDirMode(mode) || isSymlinkMode(mode) {
		return varena.KindDirectory
	}
	return varena.KindFile
}

// newInodeHandle builds an Inode around an already-read slot; it does not
// touch the free list or the directory's content.
func (v *Volume) newInodeHandle(ino uint64, slot *layout.InodeSlot) *Inode {
	tree := pgtable.New(v.r, v.bal, slot.PgAddr)
	in := &Inode{
		v:    v,
		ino:  ino,
		slot: slot,
		tree: tree,
		mp:   hostvm.New(tree, v.arena, v.mapper, mappingKind(slot.Mode)),
	}
	if isDirMode(slot.Mode) {
		in.dir = nvmmdir.New(tree, v.r, v.bal)
	}
	in.mu = syncutil.NewInvariantMutex(in.checkInvariants)
	return in
}

func (in *Inode) checkInvariants() {
	if in.bad {
		return
	}
	if in.slot.LinkCount == 0 {
		panic("nvmm: in-core handle for a freed inode is still live")
	}
}

// markBad marks in permanently unusable after a write fails for a reason
// other than lack of space; ReadFile and WriteFile on it then fail fast
// with EIO without touching the region again.
func (in *Inode) markBad() {
	in.bad = true
}

func (in *Inode) checkBad(op string) error {
	if in.bad {
		return opError(op, "", ErrIO)
	}
	return nil
}

// persist recomputes in.slot's checksum and writes it back, refreshing
// PgAddr from the tree in case a write grew it. Callers must hold in.mu.
func (in *Inode) persist() error {
	in.slot.PgAddr = in.tree.Root()
	return in.v.ialloc.WriteSlot(in.ino, in.slot)
}

// setLinkCount overwrites in's link count and persists the slot, under the
// metadata lock.
func (in *Inode) setLinkCount(n uint16) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.slot.LinkCount = n
	return in.persist()
}

// adjustLinkCount adds delta (positive or negative) to in's link count and
// persists the slot, under the metadata lock. It also stamps Ctime, since
// every caller changes link count in response to a namespace edit.
func (in *Inode) adjustLinkCount(delta int) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	switch {
	case delta > 0:
		in.slot.LinkCount += uint16(delta)
	case delta < 0 && in.slot.LinkCount > 0:
		in.slot.LinkCount -= uint16(-delta)
	}
	in.slot.Ctime = uint32(in.v.clock.Now().Unix())
	return in.persist()
}

// linkCount returns in's current link count under a shared lock.
func (in *Inode) linkCount() uint16 {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.slot.LinkCount
}

// setRdev stamps in's device number (used only for mknod'd special files)
// and persists the slot, under the metadata lock.
func (in *Inode) setRdev(rdev uint32) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.slot.Flags = rdev
	return in.persist()
}

// zeroSize truncates in's recorded size to zero and persists the slot,
// under the metadata lock. Used by rmdir, which empties a directory's
// bookkeeping without tearing down its tree until the inode is freed.
func (in *Inode) zeroSize() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.slot.Size = 0
	return in.persist()
}

// Attr returns the host-visible attributes for in.
func (in *Inode) Attr() Attr {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return Attr{
		Size:       in.slot.Size,
		LinkCount:  in.slot.LinkCount,
		Mode:       uint32(in.slot.Mode),
		UID:        in.slot.UID,
		GID:        in.slot.GID,
		Atime:      time.Unix(int64(in.slot.Atime), 0),
		Ctime:      time.Unix(int64(in.slot.Ctime), 0),
		Mtime:      time.Unix(int64(in.slot.Mtime), 0),
		Generation: in.slot.Generation,
	}
}
