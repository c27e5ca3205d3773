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
	"os"

	"github.com/nvmmfs/nvmm/nvmmdir"
)

// InodeID is an inode number as seen by a host VFS layer. Inode #1 is
// always the volume root.
type InodeID uint64

// RootInodeID is the fixed inode number of the filesystem root.
const RootInodeID InodeID = InodeID(1)

// ChildInodeEntry describes a directory entry's target inode, filled in by
// every operation below that looks up or creates one.
type ChildInodeEntry struct {
	Child      InodeID
	Generation uint32
	Attributes Attr
}

// One struct per namespace verb, each carrying its arguments and the
// result fields the operation fills in: the same shape fuseops/ops.go uses
// for kernel wire requests, repurposed here for direct Go calls instead of
// a FUSE header.

// LookUpInodeOp looks up Name within Parent without creating anything.
type LookUpInodeOp struct {
	Parent InodeID
	Name   string

	Entry ChildInodeEntry
}

// MkDirOp creates a new, empty subdirectory named Name within Parent.
type MkDirOp struct {
	Parent   InodeID
	Name     string
	Mode     os.FileMode
	UID, GID uint32

	Entry ChildInodeEntry
}

// CreateFileOp creates a new, empty regular file named Name within Parent.
type CreateFileOp struct {
	Parent   InodeID
	Name     string
	Mode     os.FileMode
	UID, GID uint32

	Entry ChildInodeEntry
}

// MknodOp creates a device or special file named Name within Parent.
type MknodOp struct {
	Parent   InodeID
	Name     string
	Mode     os.FileMode
	Rdev     uint32
	UID, GID uint32

	Entry ChildInodeEntry
}

// SymlinkOp creates a symbolic link named Name within Parent, whose
// contents are Target.
type SymlinkOp struct {
	Parent   InodeID
	Name     string
	Target   string
	UID, GID uint32

	Entry ChildInodeEntry
}

// LinkOp adds a new hard link named Name within Parent, pointing at the
// already-existing inode Target.
type LinkOp struct {
	Parent InodeID
	Name   string
	Target InodeID

	Entry ChildInodeEntry
}

// TmpFileOp creates an unlinked regular file within Parent: a freshly
// allocated inode with link count zero, visible only through the returned
// entry.
type TmpFileOp struct {
	Parent   InodeID
	Mode     os.FileMode
	UID, GID uint32

	Entry ChildInodeEntry
}

// RmDirOp removes the empty subdirectory named Name from Parent.
type RmDirOp struct {
	Parent InodeID
	Name   string
}

// UnlinkOp removes the directory entry named Name from Parent, decrementing
// the target's link count.
type UnlinkOp struct {
	Parent InodeID
	Name   string
}

// RenameOp moves OldName within OldParent to NewName within NewParent,
// replacing any existing NewName.
type RenameOp struct {
	OldParent InodeID
	OldName   string
	NewParent InodeID
	NewName   string
}

func modeFromOS(m os.FileMode, base uint16) uint16 {
	return base | uint16(m.Perm())
}

// dirHandle returns the open Inode and its Dir for ino, erroring with
// ErrNotDir if ino does not name a directory.
func (v *Volume) dirHandle(ino InodeID) (*Inode, error) {
	in, err := v.acquireInode(uint64(ino))
	if err != nil {
		return nil, err
	}
	if in.dir == nil {
		v.releaseInode(uint64(ino))
		return nil, opError("namei", "", ErrNotDir)
	}
	return in, nil
}

func (v *Volume) lookupChild(parent *Inode, name string) (nvmmdir.Dirent, error) {
	de, err := parent.dir.Lookup(name)
	if err == nvmmdir.ErrNotFound {
		return nvmmdir.Dirent{}, opError("lookup", name, ErrNoEntry)
	}
	if err != nil {
		return nvmmdir.Dirent{}, opError("lookup", name, ErrIO)
	}
	return de, nil
}

func entryFor(in *Inode) ChildInodeEntry {
	attr := in.Attr()
	return ChildInodeEntry{
		Child:      InodeID(in.ino),
		Generation: attr.Generation,
		Attributes: attr,
	}
}

// LookUpInode resolves op.Name within op.Parent.
func (v *Volume) LookUpInode(op *LookUpInodeOp) (err error) {
	defer traceSpan("LookUpInode")(&err)

	parent, err := v.dirHandle(op.Parent)
	if err != nil {
		return err
	}
	defer v.releaseInode(uint64(op.Parent))

	de, err := v.lookupChild(parent, op.Name)
	if err != nil {
		return err
	}

	child, err := v.acquireInode(de.Inode)
	if err != nil {
		return err
	}
	defer v.releaseInode(de.Inode)

	op.Entry = entryFor(child)
	return nil
}

// newChild allocates a fresh inode of the given mode/uid/gid, with link
// count zero, and returns its open handle; it does not establish the host
// mapping. Callers must release it.
func (v *Volume) newChild(mode uint16, uid, gid uint32) (*Inode, error) {
	ino, err := v.ialloc.Alloc(mode, uid, gid)
	if err != nil {
		return nil, opError("create", "", ErrNoSpace)
	}
	in, err := v.acquireInode(ino)
	if err != nil {
		return nil, err
	}
	return in, nil
}

// abandonChild reverses newChild after a later step in an operation fails:
// it decrements the link count to zero and frees the inode, matching the
// "any failure after inode allocation reverses" rule.
func (v *Volume) abandonChild(in *Inode) {
	ino := in.ino
	v.releaseInode(ino)
	v.ialloc.Free(ino)
}

func (v *Volume) createChild(parentIno InodeID, name string, mode uint16, uid, gid uint32, ftype nvmmdir.FileType) (*Inode, error) {
	parent, err := v.dirHandle(parentIno)
	if err != nil {
		return nil, err
	}
	defer v.releaseInode(uint64(parentIno))

	if _, err := parent.dir.Lookup(name); err == nil {
		return nil, opError("create", name, ErrExists)
	} else if err != nvmmdir.ErrNotFound {
		return nil, opError("create", name, ErrIO)
	}

	child, err := v.newChild(mode, uid, gid)
	if err != nil {
		return nil, err
	}

	if isDirMode(mode) {
		if err := child.dir.MakeEmpty(child.ino, uint64(parentIno)); err != nil {
			v.abandonChild(child)
			return nil, opError("create", name, ErrIO)
		}
		if err := child.setLinkCount(2); err != nil {
			v.abandonChild(child)
			return nil, opError("create", name, ErrIO)
		}
	} else {
		if err := child.setLinkCount(1); err != nil {
			v.abandonChild(child)
			return nil, opError("create", name, ErrIO)
		}
	}

	if err := parent.dir.Add(name, child.ino, ftype); err != nil {
		v.abandonChild(child)
		if err == nvmmdir.ErrExists {
			return nil, opError("create", name, ErrExists)
		}
		return nil, opError("create", name, ErrIO)
	}

	if isDirMode(mode) {
		if err := parent.adjustLinkCount(1); err != nil {
			return nil, opError("create", name, ErrIO)
		}
	}

	return child, nil
}

// MkDir creates op.Name as a new, empty directory within op.Parent.
func (v *Volume) MkDir(op *MkDirOp) (err error) {
	defer traceSpan("MkDir")(&err)

	mode := modeFromOS(op.Mode, 0040000)
	child, err := v.createChild(op.Parent, op.Name, mode, op.UID, op.GID, nvmmdir.TypeDir)
	if err != nil {
		return err
	}
	defer v.releaseInode(child.ino)
	op.Entry = entryFor(child)
	return nil
}

// CreateFile creates op.Name as a new, empty regular file within op.Parent.
func (v *Volume) CreateFile(op *CreateFileOp) (err error) {
	defer traceSpan("CreateFile")(&err)

	mode := modeFromOS(op.Mode, 0100000)
	child, err := v.createChild(op.Parent, op.Name, mode, op.UID, op.GID, nvmmdir.TypeRegular)
	if err != nil {
		return err
	}
	defer v.releaseInode(child.ino)
	op.Entry = entryFor(child)
	return nil
}

// Mknod creates op.Name as a device or special file within op.Parent.
func (v *Volume) Mknod(op *MknodOp) (err error) {
	defer traceSpan("Mknod")(&err)

	mode := uint16(op.Mode.Perm())
	var ftype nvmmdir.FileType
	switch {
	case op.Mode&os.ModeCharDevice != 0:
		mode |= 0020000
		ftype = nvmmdir.TypeCharDev
	case op.Mode&os.ModeDevice != 0:
		mode |= 0060000
		ftype = nvmmdir.TypeBlkDev
	case op.Mode&os.ModeNamedPipe != 0:
		mode |= 0010000
		ftype = nvmmdir.TypeFIFO
	case op.Mode&os.ModeSocket != 0:
		mode |= 0140000
		ftype = nvmmdir.TypeSocket
	default:
		mode |= 0100000
		ftype = nvmmdir.TypeRegular
	}

	child, err := v.createChild(op.Parent, op.Name, mode, op.UID, op.GID, ftype)
	if err != nil {
		return err
	}
	defer v.releaseInode(child.ino)
	if err := child.setRdev(op.Rdev); err != nil {
		return opError("mknod", op.Name, ErrIO)
	}
	op.Entry = entryFor(child)
	return nil
}

// Symlink creates op.Name as a symbolic link within op.Parent, whose
// contents are op.Target.
func (v *Volume) Symlink(op *SymlinkOp) (err error) {
	defer traceSpan("Symlink")(&err)

	child, err := v.createChild(op.Parent, op.Name, 0120777, op.UID, op.GID, nvmmdir.TypeSymlink)
	if err != nil {
		return err
	}
	defer v.releaseInode(child.ino)

	if len(op.Target) > 0 {
		if _, err := child.WriteFile(0, []byte(op.Target)); err != nil {
			v.abandonChild(child)
			return opError("symlink", op.Name, ErrIO)
		}
	}

	op.Entry = entryFor(child)
	return nil
}

// ReadLink returns the target text of the symlink inode ino.
func (v *Volume) ReadLink(ino InodeID) (target string, err error) {
	defer traceSpan("ReadLink")(&err)

	in, err := v.acquireInode(uint64(ino))
	if err != nil {
		return "", err
	}
	defer v.releaseInode(uint64(ino))

	buf := make([]byte, in.Attr().Size)
	n, err := in.ReadFile(0, buf)
	if err != nil {
		return "", err
	}
	return string(buf[:n]), nil
}

// Link adds op.Name within op.Parent as a new hard link to the existing
// inode op.Target.
func (v *Volume) Link(op *LinkOp) (err error) {
	defer traceSpan("Link")(&err)

	parent, err := v.dirHandle(op.Parent)
	if err != nil {
		return err
	}
	defer v.releaseInode(uint64(op.Parent))

	if _, err := parent.dir.Lookup(op.Name); err == nil {
		return opError("link", op.Name, ErrExists)
	} else if err != nvmmdir.ErrNotFound {
		return opError("link", op.Name, ErrIO)
	}

	target, err := v.acquireInode(uint64(op.Target))
	if err != nil {
		return err
	}
	defer v.releaseInode(uint64(op.Target))

	if target.dir != nil {
		return opError("link", op.Name, ErrIsDir)
	}

	if err := parent.dir.Add(op.Name, target.ino, nvmmdir.TypeRegular); err != nil {
		return opError("link", op.Name, ErrIO)
	}

	if err := target.adjustLinkCount(1); err != nil {
		return opError("link", op.Name, ErrIO)
	}

	op.Entry = entryFor(target)
	return nil
}

// TmpFile creates a regular file within op.Parent that is never linked into
// it: its link count stays zero and it is reachable only via op.Entry.Child,
// matching O_TMPFILE semantics.
func (v *Volume) TmpFile(op *TmpFileOp) (err error) {
	defer traceSpan("TmpFile")(&err)

	if _, err := v.dirHandle(op.Parent); err != nil {
		return err
	}
	v.releaseInode(uint64(op.Parent))

	mode := modeFromOS(op.Mode, 0100000)
	child, err := v.newChild(mode, op.UID, op.GID)
	if err != nil {
		return err
	}
	defer v.releaseInode(child.ino)

	op.Entry = entryFor(child)
	return nil
}

// Unlink removes op.Name from op.Parent, decrementing the target's link
// count. The inode is freed here only if this drops its last link while no
// in-core handle holds it open; an inode still open at that moment stays
// allocated after its last handle is released.
func (v *Volume) Unlink(op *UnlinkOp) (err error) {
	defer traceSpan("Unlink")(&err)

	parent, err := v.dirHandle(op.Parent)
	if err != nil {
		return err
	}
	defer v.releaseInode(uint64(op.Parent))

	match, prev, prevOK, err := parent.dir.LookupWithPrev(op.Name)
	if err == nvmmdir.ErrNotFound {
		return opError("unlink", op.Name, ErrNoEntry)
	}
	if err != nil {
		return opError("unlink", op.Name, ErrIO)
	}

	if err := parent.dir.Delete(match, prev, prevOK); err != nil {
		return opError("unlink", op.Name, ErrIO)
	}

	return v.dropLink(match.Inode)
}

// dropLink decrements ino's link count and, if it reaches zero and the
// inode has no open references, frees it outright.
func (v *Volume) dropLink(ino uint64) error {
	in, err := v.acquireInode(ino)
	if err != nil {
		return err
	}

	if err := in.adjustLinkCount(-1); err != nil {
		v.releaseInode(ino)
		return opError("unlink", "", ErrIO)
	}

	finalRelease := in.linkCount() == 0
	v.releaseInode(ino)

	if finalRelease {
		v.openMu.Lock()
		_, stillOpen := v.open[ino]
		v.openMu.Unlock()
		if !stillOpen {
			in.tree.Teardown()
			return v.ialloc.Free(ino)
		}
	}
	return nil
}

// RmDir removes the empty subdirectory op.Name from op.Parent.
func (v *Volume) RmDir(op *RmDirOp) (err error) {
	defer traceSpan("RmDir")(&err)

	parent, err := v.dirHandle(op.Parent)
	if err != nil {
		return err
	}
	defer v.releaseInode(uint64(op.Parent))

	match, prev, prevOK, err := parent.dir.LookupWithPrev(op.Name)
	if err == nvmmdir.ErrNotFound {
		return opError("rmdir", op.Name, ErrNoEntry)
	}
	if err != nil {
		return opError("rmdir", op.Name, ErrIO)
	}

	child, err := v.dirHandle(InodeID(match.Inode))
	if err != nil {
		return err
	}
	empty, err := child.dir.IsEmpty()
	v.releaseInode(match.Inode)
	if err != nil {
		return opError("rmdir", op.Name, ErrIO)
	}
	if !empty {
		return opError("rmdir", op.Name, ErrNotEmpty)
	}

	if err := parent.dir.Delete(match, prev, prevOK); err != nil {
		return opError("rmdir", op.Name, ErrIO)
	}
	if err := parent.adjustLinkCount(-1); err != nil {
		return opError("rmdir", op.Name, ErrIO)
	}

	in, err := v.acquireInode(match.Inode)
	if err != nil {
		return err
	}
	if err := in.zeroSize(); err != nil {
		v.releaseInode(match.Inode)
		return opError("rmdir", op.Name, ErrIO)
	}
	if err := in.setLinkCount(0); err != nil {
		v.releaseInode(match.Inode)
		return opError("rmdir", op.Name, ErrIO)
	}
	v.releaseInode(match.Inode)

	v.openMu.Lock()
	_, stillOpen := v.open[match.Inode]
	v.openMu.Unlock()
	if !stillOpen {
		in.tree.Teardown()
		return v.ialloc.Free(match.Inode)
	}
	return nil
}

// Rename moves op.OldName within op.OldParent to op.NewName within
// op.NewParent, following the ordering in the reference implementation:
// resolve the source, link it (or relink an existing target) into the
// destination first, then delete the source entry, so the child is always
// reachable from at least one name.
func (v *Volume) Rename(op *RenameOp) (err error) {
	defer traceSpan("Rename")(&err)

	oldParent, err := v.dirHandle(op.OldParent)
	if err != nil {
		return err
	}
	defer v.releaseInode(uint64(op.OldParent))

	var newParent *Inode
	if op.NewParent == op.OldParent {
		newParent = oldParent
	} else {
		newParent, err = v.dirHandle(op.NewParent)
		if err != nil {
			return err
		}
		defer v.releaseInode(uint64(op.NewParent))
	}

	oldMatch, oldPrev, oldPrevOK, err := oldParent.dir.LookupWithPrev(op.OldName)
	if err == nvmmdir.ErrNotFound {
		return opError("rename", op.OldName, ErrNoEntry)
	}
	if err != nil {
		return opError("rename", op.OldName, ErrIO)
	}

	sourceIsDir := oldMatch.FileType == nvmmdir.TypeDir

	newMatch, err := newParent.dir.Lookup(op.NewName)
	targetExists := err == nil
	if err != nil && err != nvmmdir.ErrNotFound {
		return opError("rename", op.NewName, ErrIO)
	}

	if targetExists {
		if sourceIsDir {
			targetDir, err := v.dirHandle(InodeID(newMatch.Inode))
			if err != nil {
				return err
			}
			empty, err := targetDir.dir.IsEmpty()
			v.releaseInode(newMatch.Inode)
			if err != nil {
				return opError("rename", op.NewName, ErrIO)
			}
			if !empty {
				return opError("rename", op.NewName, ErrNotEmpty)
			}
		}

		if err := newParent.dir.SetLink(newMatch, oldMatch.Inode, oldMatch.FileType); err != nil {
			return opError("rename", op.NewName, ErrIO)
		}
		if sourceIsDir {
			if err := v.dropLink(newMatch.Inode); err != nil {
				return err
			}
		}
		if err := v.dropLink(newMatch.Inode); err != nil {
			return err
		}
	} else {
		if err := newParent.dir.Add(op.NewName, oldMatch.Inode, oldMatch.FileType); err != nil {
			return opError("rename", op.NewName, ErrIO)
		}
		if sourceIsDir {
			if err := newParent.adjustLinkCount(1); err != nil {
				return opError("rename", op.NewName, ErrIO)
			}
		}
	}

	if err := oldParent.dir.Delete(oldMatch, oldPrev, oldPrevOK); err != nil {
		return opError("rename", op.OldName, ErrIO)
	}

	if sourceIsDir && op.NewParent != op.OldParent {
		child, err := v.dirHandle(InodeID(oldMatch.Inode))
		if err != nil {
			return err
		}
		dotdot, err := child.dir.Dotdot()
		if err == nil {
			child.dir.SetLink(dotdot, uint64(op.NewParent), nvmmdir.TypeDir)
		}
		v.releaseInode(oldMatch.Inode)

		if err := oldParent.adjustLinkCount(-1); err != nil {
			return opError("rename", op.OldName, ErrIO)
		}
	}

	return nil
}
