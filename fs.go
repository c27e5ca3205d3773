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

// FileSystem is the boundary a host VFS layer binds to: one method per
// namespace or file op, each taking the corresponding *Op by pointer and
// filling in its result fields, mirroring fuseutil.FileSystem's "one
// interface method per op" shape but returning an error directly instead
// of calling op.Respond against a kernel connection, since no such
// connection exists here.
type FileSystem interface {
	LookUpInode(*LookUpInodeOp) error
	MkDir(*MkDirOp) error
	CreateFile(*CreateFileOp) error
	Mknod(*MknodOp) error
	Symlink(*SymlinkOp) error
	Link(*LinkOp) error
	TmpFile(*TmpFileOp) error
	RmDir(*RmDirOp) error
	Unlink(*UnlinkOp) error
	Rename(*RenameOp) error

	ReadFile(ino InodeID, offset int64, buf []byte) (int, error)
	WriteFile(ino InodeID, offset int64, data []byte) (int, error)
	ReadLink(ino InodeID) (string, error)
	GetAttr(ino InodeID) (Attr, error)
}

// NotImplementedFileSystem answers every FileSystem method with ErrNoSys.
// Embed it to keep satisfying FileSystem as new methods are added.
type NotImplementedFileSystem struct{}

var _ FileSystem = &NotImplementedFileSystem{}

func notImplemented(op string) error { return opError(op, "", ErrNoSys) }

func (*NotImplementedFileSystem) LookUpInode(*LookUpInodeOp) error { return notImplemented("lookup") }
func (*NotImplementedFileSystem) MkDir(*MkDirOp) error             { return notImplemented("mkdir") }
func (*NotImplementedFileSystem) CreateFile(*CreateFileOp) error   { return notImplemented("create") }
func (*NotImplementedFileSystem) Mknod(*MknodOp) error             { return notImplemented("mknod") }
func (*NotImplementedFileSystem) Symlink(*SymlinkOp) error         { return notImplemented("symlink") }
func (*NotImplementedFileSystem) Link(*LinkOp) error               { return notImplemented("link") }
func (*NotImplementedFileSystem) TmpFile(*TmpFileOp) error         { return notImplemented("tmpfile") }
func (*NotImplementedFileSystem) RmDir(*RmDirOp) error             { return notImplemented("rmdir") }
func (*NotImplementedFileSystem) Unlink(*UnlinkOp) error           { return notImplemented("unlink") }
func (*NotImplementedFileSystem) Rename(*RenameOp) error           { return notImplemented("rename") }

func (*NotImplementedFileSystem) ReadFile(InodeID, int64, []byte) (int, error) {
	return 0, notImplemented("read")
}

func (*NotImplementedFileSystem) WriteFile(InodeID, int64, []byte) (int, error) {
	return 0, notImplemented("write")
}

func (*NotImplementedFileSystem) ReadLink(InodeID) (string, error) {
	return "", notImplemented("readlink")
}

func (*NotImplementedFileSystem) GetAttr(InodeID) (Attr, error) {
	return Attr{}, notImplemented("getattr")
}

var _ FileSystem = &Volume{}

// ReadFile reads from the open inode ino. It is a thin wrapper over
// Inode.ReadFile so *Volume itself satisfies FileSystem.
func (v *Volume) ReadFile(ino InodeID, offset int64, buf []byte) (n int, err error) {
	defer traceSpan("ReadFile")(&err)

	in, err := v.acquireInode(uint64(ino))
	if err != nil {
		return 0, err
	}
	defer v.releaseInode(uint64(ino))
	return in.ReadFile(offset, buf)
}

// WriteFile writes to the open inode ino.
func (v *Volume) WriteFile(ino InodeID, offset int64, data []byte) (n int, err error) {
	defer traceSpan("WriteFile")(&err)

	in, err := v.acquireInode(uint64(ino))
	if err != nil {
		return 0, err
	}
	defer v.releaseInode(uint64(ino))
	return in.WriteFile(offset, data)
}

// GetAttr returns the attributes of the open inode ino.
func (v *Volume) GetAttr(ino InodeID) (Attr, error) {
	in, err := v.acquireInode(uint64(ino))
	if err != nil {
		return Attr{}, err
	}
	defer v.releaseInode(uint64(ino))
	return in.Attr(), nil
}
