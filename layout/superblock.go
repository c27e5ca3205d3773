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
	"hash/crc32"

	"github.com/nvmmfs/nvmm/region"
)

// Byte offsets of superblock fields within one on-media record.
const (
	sbOffChecksum        = 0
	sbOffBlockSize       = 4
	sbOffInodeSize       = 8
	sbOffTotalSize       = 12
	sbOffInodeCount      = 20
	sbOffFreeInodeCount  = 28
	sbOffInodeStart      = 36
	sbOffBlockCount      = 44
	sbOffFreeBlockCount  = 52
	sbOffFreeInodeStart  = 60
	sbOffFreeInodeHint   = 68
	sbOffFreeBlocknrHint = 76
	sbOffBlockStart      = 84
	sbOffFreeBlockStart  = 92
	sbOffMtime           = 100
	sbOffWtime           = 104
	sbOffMagic           = 108
	sbOffVolume          = 110
	sbOffFSVersion       = 126
	sbOffUUID            = 142
	sbFieldsEnd          = 158
)

// SuperblockRecordSize is sbFieldsEnd rounded up to 8-byte alignment. The
// primary copy sits at page offset 0 and the redundant copy immediately
// after it, within the same leading page; this stride is the gap between
// the two, fitting both copies plus padding within one 4 KiB page
// alongside room to grow (volume/version/uuid are each 16 bytes).
const SuperblockRecordSize = 160

// ErrChecksum is returned when neither superblock copy verifies.
var ErrChecksum = errors.New("layout: superblock checksum mismatch in both copies")

// Superblock is the in-core decoded form of the on-media superblock.
type Superblock struct {
	BlockSize       uint32
	InodeSize       uint32
	TotalSize       uint64
	Inodes          uint64
	FreeInodes      uint64
	InodeStart      uint64
	BlockCount      uint64
	FreeBlocks      uint64
	FreeInodeStart  region.Offset
	FreeInodeHint   uint64
	FreeBlocknrHint uint64
	BlockStart      uint64
	FreeBlockStart  region.Offset
	Mtime           uint32
	Wtime           uint32
	Magic           uint16
	Volume          [16]byte
	FSVersion       [16]byte
	UUID            [16]byte
}

// Checksum computes the CRC-32 (IEEE) of rec[4:], the convention used for
// every checksummed on-media record in this filesystem: the checksum lives
// at offset 0 and covers everything after it.
func Checksum(rec []byte) uint32 {
	return crc32.ChecksumIEEE(rec[4:])
}

func (s *Superblock) encode(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
	le := binary.LittleEndian
	le.PutUint32(buf[sbOffBlockSize:], s.BlockSize)
	le.PutUint32(buf[sbOffInodeSize:], s.InodeSize)
	le.PutUint64(buf[sbOffTotalSize:], s.TotalSize)
	le.PutUint64(buf[sbOffInodeCount:], s.Inodes)
	le.PutUint64(buf[sbOffFreeInodeCount:], s.FreeInodes)
	le.PutUint64(buf[sbOffInodeStart:], s.InodeStart)
	le.PutUint64(buf[sbOffBlockCount:], s.BlockCount)
	le.PutUint64(buf[sbOffFreeBlockCount:], s.FreeBlocks)
	le.PutUint64(buf[sbOffFreeInodeStart:], uint64(s.FreeInodeStart))
	le.PutUint64(buf[sbOffFreeInodeHint:], s.FreeInodeHint)
	le.PutUint64(buf[sbOffFreeBlocknrHint:], s.FreeBlocknrHint)
	le.PutUint64(buf[sbOffBlockStart:], s.BlockStart)
	le.PutUint64(buf[sbOffFreeBlockStart:], uint64(s.FreeBlockStart))
	le.PutUint32(buf[sbOffMtime:], s.Mtime)
	le.PutUint32(buf[sbOffWtime:], s.Wtime)
	le.PutUint16(buf[sbOffMagic:], s.Magic)
	copy(buf[sbOffVolume:sbOffVolume+16], s.Volume[:])
	copy(buf[sbOffFSVersion:sbOffFSVersion+16], s.FSVersion[:])
	copy(buf[sbOffUUID:sbOffUUID+16], s.UUID[:])
	le.PutUint32(buf[sbOffChecksum:], Checksum(buf))
}

func decodeSuperblock(buf []byte) *Superblock {
	le := binary.LittleEndian
	s := &Superblock{
		BlockSize:       le.Uint32(buf[sbOffBlockSize:]),
		InodeSize:       le.Uint32(buf[sbOffInodeSize:]),
		TotalSize:       le.Uint64(buf[sbOffTotalSize:]),
		Inodes:          le.Uint64(buf[sbOffInodeCount:]),
		FreeInodes:      le.Uint64(buf[sbOffFreeInodeCount:]),
		InodeStart:      le.Uint64(buf[sbOffInodeStart:]),
		BlockCount:      le.Uint64(buf[sbOffBlockCount:]),
		FreeBlocks:      le.Uint64(buf[sbOffFreeBlockCount:]),
		FreeInodeStart:  region.Offset(le.Uint64(buf[sbOffFreeInodeStart:])),
		FreeInodeHint:   le.Uint64(buf[sbOffFreeInodeHint:]),
		FreeBlocknrHint: le.Uint64(buf[sbOffFreeBlocknrHint:]),
		BlockStart:      le.Uint64(buf[sbOffBlockStart:]),
		FreeBlockStart:  region.Offset(le.Uint64(buf[sbOffFreeBlockStart:])),
		Mtime:           le.Uint32(buf[sbOffMtime:]),
		Wtime:           le.Uint32(buf[sbOffWtime:]),
		Magic:           le.Uint16(buf[sbOffMagic:]),
	}
	copy(s.Volume[:], buf[sbOffVolume:sbOffVolume+16])
	copy(s.FSVersion[:], buf[sbOffFSVersion:sbOffFSVersion+16])
	copy(s.UUID[:], buf[sbOffUUID:sbOffUUID+16])
	return s
}

func verify(buf []byte) bool {
	le := binary.LittleEndian
	return le.Uint32(buf[sbOffChecksum:]) == Checksum(buf)
}

// WriteSuperblock encodes s, computes its checksum, and writes both copies:
// "store all fields -> compute crc -> store crc -> memcpy to redundant
// copy".
func WriteSuperblock(r region.Region, s *Superblock) error {
	buf := make([]byte, sbFieldsEnd)
	s.encode(buf)

	copy1 := r.At(0, sbFieldsEnd)
	copy(copy1, buf)

	copy2 := r.At(region.Offset(SuperblockRecordSize), sbFieldsEnd)
	copy(copy2, buf)

	return r.Sync()
}

// ReadSuperblock reads the primary copy, falling back to the redundant copy
// on checksum failure. If only the redundant copy verifies, the primary is
// repaired in place from it before returning.
func ReadSuperblock(r region.Region) (*Superblock, error) {
	copy1 := r.At(0, sbFieldsEnd)
	if verify(copy1) {
		return decodeSuperblock(copy1), nil
	}

	copy2 := r.At(region.Offset(SuperblockRecordSize), sbFieldsEnd)
	if verify(copy2) {
		copy(copy1, copy2)
		if err := r.Sync(); err != nil {
			return nil, err
		}
		return decodeSuperblock(copy2), nil
	}

	return nil, ErrChecksum
}
