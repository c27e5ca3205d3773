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

package nvmm_test

import (
	"testing"

	"github.com/jacobsa/timeutil"
	. "github.com/jacobsa/oglematchers"
	. "github.com/jacobsa/ogletest"

	"github.com/nvmmfs/nvmm"
	"github.com/nvmmfs/nvmm/hostvm"
	"github.com/nvmmfs/nvmm/layout"
	"github.com/nvmmfs/nvmm/pgtable"
	"github.com/nvmmfs/nvmm/region"
)

func TestFormatAndMount(t *testing.T) { RunTests(t) }

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

// recordingMapper is a hostvm.Mapper test double that records calls instead
// of touching real page tables, playing the role fusetesting played for the
// teacher: in-process verification of a collaborator boundary without a
// kernel or, here, without real NVMM hardware.
type recordingMapper struct {
	installs int
	clears   int
}

func (m *recordingMapper) InstallLevel(level pgtable.Level, vaddr uint64, tablePhys region.Offset) error {
	m.installs++
	return nil
}

func (m *recordingMapper) ClearLevel(level pgtable.Level, vaddr uint64) error {
	m.clears++
	return nil
}

func (m *recordingMapper) FlushTLB(vaddr uint64, size uint64)   {}
func (m *recordingMapper) FlushCache(vaddr uint64, size uint64) {}

func formatAndMount(nblocks int, inodes uint64) (*nvmm.Volume, region.Region) {
	size := layout.SuperblockPageSize + inodes*layout.InodeSize + uint64(nblocks)*layout.BlockSize
	r := region.NewMemory(size)

	clock := timeutil.RealClock()
	err := nvmm.Format(r, nvmm.Config{Inodes: inodes, Volume: "test", Clock: clock})
	AssertEq(nil, err)

	v, err := nvmm.Mount(r, nvmm.Config{
		Inodes: inodes,
		Mapper: &recordingMapper{},
		Clock:  clock,
	})
	AssertEq(nil, err)

	return v, r
}

////////////////////////////////////////////////////////////////////////
// FormatTest
////////////////////////////////////////////////////////////////////////

type FormatTest struct {
}

func init() { RegisterTestSuite(&FormatTest{}) }

func (t *FormatTest) RejectsTooFewInodes() {
	r := region.NewMemory(1 << 20)
	err := nvmm.Format(r, nvmm.Config{Inodes: 1})
	ExpectThat(err, Error(HasSubstr("Inodes")))
}

func (t *FormatTest) RejectsOversizedVolumeName() {
	r := region.NewMemory(1 << 20)
	err := nvmm.Format(r, nvmm.Config{Inodes: 64, Volume: "this volume name is far too long to fit"})
	ExpectNe(nil, err)
}

func (t *FormatTest) RootIsAnEmptyDirectory() {
	v, _ := formatAndMount(256, 64)
	defer v.Unmount()

	attr, err := v.GetAttr(nvmm.RootInodeID)
	AssertEq(nil, err)
	ExpectEq(uint16(2), attr.LinkCount)
}

////////////////////////////////////////////////////////////////////////
// VolumeTest
////////////////////////////////////////////////////////////////////////

type VolumeTest struct {
	v *nvmm.Volume
}

func init() { RegisterTestSuite(&VolumeTest{}) }

func (t *VolumeTest) SetUp(ti *TestInfo) {
	t.v, _ = formatAndMount(256, 64)
}

func (t *VolumeTest) TearDown() {
	t.v.Unmount()
}

func (t *VolumeTest) CreateThenLookUp() {
	var create nvmm.CreateFileOp
	create.Parent = nvmm.RootInodeID
	create.Name = "foo"
	create.Mode = 0644

	err := t.v.CreateFile(&create)
	AssertEq(nil, err)
	ExpectEq(uint16(1), create.Entry.Attributes.LinkCount)

	var lookup nvmm.LookUpInodeOp
	lookup.Parent = nvmm.RootInodeID
	lookup.Name = "foo"

	err = t.v.LookUpInode(&lookup)
	AssertEq(nil, err)
	ExpectEq(create.Entry.Child, lookup.Entry.Child)
}

func (t *VolumeTest) WriteThenReadBack() {
	var create nvmm.CreateFileOp
	create.Parent = nvmm.RootInodeID
	create.Name = "bar"
	create.Mode = 0644
	AssertEq(nil, t.v.CreateFile(&create))

	payload := []byte("the quick brown fox jumps over the lazy dog")
	n, err := t.v.WriteFile(create.Entry.Child, 0, payload)
	AssertEq(nil, err)
	ExpectEq(len(payload), n)

	buf := make([]byte, len(payload))
	n, err = t.v.ReadFile(create.Entry.Child, 0, buf)
	AssertEq(nil, err)
	ExpectEq(len(payload), n)
	ExpectEq(string(payload), string(buf))
}

func (t *VolumeTest) CreateMkdirUnlinkRmdir() {
	var mkdir nvmm.MkDirOp
	mkdir.Parent = nvmm.RootInodeID
	mkdir.Name = "sub"
	mkdir.Mode = 0755
	AssertEq(nil, t.v.MkDir(&mkdir))

	var create nvmm.CreateFileOp
	create.Parent = mkdir.Entry.Child
	create.Name = "leaf"
	create.Mode = 0644
	AssertEq(nil, t.v.CreateFile(&create))

	// Cannot remove a non-empty directory.
	err := t.v.RmDir(&nvmm.RmDirOp{Parent: nvmm.RootInodeID, Name: "sub"})
	ExpectNe(nil, err)

	AssertEq(nil, t.v.Unlink(&nvmm.UnlinkOp{Parent: mkdir.Entry.Child, Name: "leaf"}))
	AssertEq(nil, t.v.RmDir(&nvmm.RmDirOp{Parent: nvmm.RootInodeID, Name: "sub"}))

	var lookup nvmm.LookUpInodeOp
	lookup.Parent = nvmm.RootInodeID
	lookup.Name = "sub"
	ExpectNe(nil, t.v.LookUpInode(&lookup))
}

func (t *VolumeTest) RenameAcrossDirectories() {
	var mkdirA, mkdirB nvmm.MkDirOp
	mkdirA.Parent, mkdirA.Name, mkdirA.Mode = nvmm.RootInodeID, "a", 0755
	mkdirB.Parent, mkdirB.Name, mkdirB.Mode = nvmm.RootInodeID, "b", 0755
	AssertEq(nil, t.v.MkDir(&mkdirA))
	AssertEq(nil, t.v.MkDir(&mkdirB))

	var create nvmm.CreateFileOp
	create.Parent, create.Name, create.Mode = mkdirA.Entry.Child, "f", 0644
	AssertEq(nil, t.v.CreateFile(&create))

	err := t.v.Rename(&nvmm.RenameOp{
		OldParent: mkdirA.Entry.Child, OldName: "f",
		NewParent: mkdirB.Entry.Child, NewName: "g",
	})
	AssertEq(nil, err)

	var lookup nvmm.LookUpInodeOp
	lookup.Parent, lookup.Name = mkdirB.Entry.Child, "g"
	AssertEq(nil, t.v.LookUpInode(&lookup))
	ExpectEq(create.Entry.Child, lookup.Entry.Child)
}

func (t *VolumeTest) RenameOverwritesExistingTarget() {
	var oldFile, newFile nvmm.CreateFileOp
	oldFile.Parent, oldFile.Name, oldFile.Mode = nvmm.RootInodeID, "src", 0644
	newFile.Parent, newFile.Name, newFile.Mode = nvmm.RootInodeID, "dst", 0644
	AssertEq(nil, t.v.CreateFile(&oldFile))
	AssertEq(nil, t.v.CreateFile(&newFile))

	err := t.v.Rename(&nvmm.RenameOp{
		OldParent: nvmm.RootInodeID, OldName: "src",
		NewParent: nvmm.RootInodeID, NewName: "dst",
	})
	AssertEq(nil, err)

	// The destination name must still resolve, now to the renamed inode.
	var lookup nvmm.LookUpInodeOp
	lookup.Parent, lookup.Name = nvmm.RootInodeID, "dst"
	AssertEq(nil, t.v.LookUpInode(&lookup))
	ExpectEq(oldFile.Entry.Child, lookup.Entry.Child)

	// The old name is gone.
	lookup = nvmm.LookUpInodeOp{Parent: nvmm.RootInodeID, Name: "src"}
	ExpectNe(nil, t.v.LookUpInode(&lookup))
}

func (t *VolumeTest) SymlinkRoundTrip() {
	var symlink nvmm.SymlinkOp
	symlink.Parent, symlink.Name, symlink.Target = nvmm.RootInodeID, "link", "/some/target"
	AssertEq(nil, t.v.Symlink(&symlink))

	target, err := t.v.ReadLink(symlink.Entry.Child)
	AssertEq(nil, err)
	ExpectEq("/some/target", target)
}

func (t *VolumeTest) PTELevelShadowWrite() {
	var create nvmm.CreateFileOp
	create.Parent, create.Name, create.Mode = nvmm.RootInodeID, "small", 0644
	AssertEq(nil, t.v.CreateFile(&create))

	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}
	_, err := t.v.WriteFile(create.Entry.Child, 10, payload)
	AssertEq(nil, err)

	buf := make([]byte, 100)
	_, err = t.v.ReadFile(create.Entry.Child, 10, buf)
	AssertEq(nil, err)
	ExpectEq(string(payload), string(buf))
}

func (t *VolumeTest) PMDLevelShadowWrite() {
	var create nvmm.CreateFileOp
	create.Parent, create.Name, create.Mode = nvmm.RootInodeID, "spanning", 0644
	AssertEq(nil, t.v.CreateFile(&create))

	// Spans three blocks (8 bytes, a full block, 8 bytes), forcing
	// ChooseLevel above LevelPTE.
	payload := make([]byte, layout.BlockSize+16)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	_, err := t.v.WriteFile(create.Entry.Child, layout.BlockSize-8, payload)
	AssertEq(nil, err)

	buf := make([]byte, len(payload))
	_, err = t.v.ReadFile(create.Entry.Child, layout.BlockSize-8, buf)
	AssertEq(nil, err)
	ExpectEq(string(payload), string(buf))
}

var _ = hostvm.Mapper(&recordingMapper{})
