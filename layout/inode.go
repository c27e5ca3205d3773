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

package layout

import (
	"encoding/binary"
	"errors"

	"github.com/nvmmfs/nvmm/region"
)

// Byte offsets within one 128-byte inode slot, chosen so the named fields
// plus reserved padding sum to exactly InodeSize. Mode and link count are
// 16 bits; timestamps, uid/gid, flags and the other small counters are 32
// bits (ext2-style); block/ACL/root/free-list
// fields, which are region offsets or counts that must address the whole
// of a large region, are 64 bits.
const (
	inOffChecksum            = 0
	inOffMode                = 4
	inOffLinkCount            = 6
	inOffFlags                = 8
	inOffBytesInLastBlock     = 12
	inOffBlocks               = 16
	inOffFileACL              = 24
	inOffDirACL               = 32
	inOffSize                 = 40
	inOffAtime                = 48
	inOffCtime                = 52
	inOffMtime                = 56
	inOffDtime                = 60
	inOffUID                  = 64
	inOffGID                  = 68
	inOffGeneration           = 72
	inOffReserved0            = 76
	inOffPgAddr               = 80
	inOffNextInodeOffset      = 88
	inNamedFieldsEnd          = 96
)

// ErrInodeChecksum names an inode slot whose self-checksum does not verify.
// Nothing in this module returns it: Verify reports the condition as a
// bool, and ialloc.ReadSlot reports it as ialloc.ErrBadInode.
var ErrInodeChecksum = errors.New("layout: inode checksum mismatch")

// InodeSlot is the in-core decoded form of one 128-byte on-media inode
// slot. PgAddr and NextInodeOffset are kept as two distinct fields even
// though only one is meaningful at a time: when the inode
// is in use, PgAddr holds the tree root (0 if the file has no blocks yet)
// and NextInodeOffset is unused; when free, PgAddr is 0 and
// NextInodeOffset holds the offset of the next free inode (0 = terminator).
type InodeSlot struct {
	Mode               uint16
	LinkCount          uint16
	Flags              uint32
	BytesInLastBlock    uint32
	Blocks              uint64
	FileACL             uint64
	DirACL              uint64
	Size                uint64
	Atime               uint32
	Ctime               uint32
	Mtime               uint32
	Dtime               uint32
	UID                 uint32
	GID                 uint32
	Generation          uint32
	PgAddr              region.Offset
	NextInodeOffset     region.Offset
}

// Encode writes s into a zeroed InodeSize-byte buffer, computing and
// storing the self-checksum last.
func (s *InodeSlot) Encode(buf []byte) {
	if len(buf) != InodeSize {
		panic("layout: inode buffer must be exactly InodeSize bytes")
	}
	for i := range buf {
		buf[i] = 0
	}
	le := binary.LittleEndian
	le.PutUint16(buf[inOffMode:], s.Mode)
	le.PutUint16(buf[inOffLinkCount:], s.LinkCount)
	le.PutUint32(buf[inOffFlags:], s.Flags)
	le.PutUint32(buf[inOffBytesInLastBlock:], s.BytesInLastBlock)
	le.PutUint64(buf[inOffBlocks:], s.Blocks)
	le.PutUint64(buf[inOffFileACL:], s.FileACL)
	le.PutUint64(buf[inOffDirACL:], s.DirACL)
	le.PutUint64(buf[inOffSize:], s.Size)
	le.PutUint32(buf[inOffAtime:], s.Atime)
	le.PutUint32(buf[inOffCtime:], s.Ctime)
	le.PutUint32(buf[inOffMtime:], s.Mtime)
	le.PutUint32(buf[inOffDtime:], s.Dtime)
	le.PutUint32(buf[inOffUID:], s.UID)
	le.PutUint32(buf[inOffGID:], s.GID)
	le.PutUint32(buf[inOffGeneration:], s.Generation)
	le.PutUint64(buf[inOffPgAddr:], uint64(s.PgAddr))
	le.PutUint64(buf[inOffNextInodeOffset:], uint64(s.NextInodeOffset))
	le.PutUint32(buf[inOffChecksum:], Checksum(buf))
}

// Decode parses an InodeSize-byte buffer into an InodeSlot without checking
// the checksum; callers that need the check should call Verify first.
func Decode(buf []byte) *InodeSlot {
	le := binary.LittleEndian
	return &InodeSlot{
		Mode:             le.Uint16(buf[inOffMode:]),
		LinkCount:        le.Uint16(buf[inOffLinkCount:]),
		Flags:            le.Uint32(buf[inOffFlags:]),
		BytesInLastBlock: le.Uint32(buf[inOffBytesInLastBlock:]),
		Blocks:           le.Uint64(buf[inOffBlocks:]),
		FileACL:          le.Uint64(buf[inOffFileACL:]),
		DirACL:           le.Uint64(buf[inOffDirACL:]),
		Size:             le.Uint64(buf[inOffSize:]),
		Atime:            le.Uint32(buf[inOffAtime:]),
		Ctime:            le.Uint32(buf[inOffCtime:]),
		Mtime:            le.Uint32(buf[inOffMtime:]),
		Dtime:            le.Uint32(buf[inOffDtime:]),
		UID:              le.Uint32(buf[inOffUID:]),
		GID:              le.Uint32(buf[inOffGID:]),
		Generation:       le.Uint32(buf[inOffGeneration:]),
		PgAddr:           region.Offset(le.Uint64(buf[inOffPgAddr:])),
		NextInodeOffset:  region.Offset(le.Uint64(buf[inOffNextInodeOffset:])),
	}
}

// Verify reports whether buf's self-checksum matches its contents.
func Verify(buf []byte) bool {
	le := binary.LittleEndian
	return le.Uint32(buf[inOffChecksum:]) == Checksum(buf)
}
