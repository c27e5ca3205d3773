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

// Package nvmmdir implements the directory content format: a linear
// sequence of pages, each holding a chain of variable-length records whose
// rec_len fields partition it exactly, plus the operations (lookup, add,
// delete, make_empty, is_empty, dotdot, set_link) that maintain that
// format.
package nvmmdir

import (
	"encoding/binary"
)

// FileType is the one-byte type code stored in a directory record,
// independent of the inode mode bits so a directory scan can classify an
// entry without reading the target inode.
type FileType uint8

const (
	TypeUnknown FileType = 0
	TypeRegular FileType = 1
	TypeDir     FileType = 2
	TypeCharDev FileType = 3
	TypeBlkDev  FileType = 4
	TypeFIFO    FileType = 5
	TypeSocket  FileType = 6
	TypeSymlink FileType = 7
)

// headerSize is the fixed portion of a record, ahead of the name bytes:
// inode(8) + rec_len(2) + name_len(1) + file_type(1).
const headerSize = 12

// recordAlignment is the alignment every record's rec_len and actualLen
// must respect.
const recordAlignment = 4

// actualLen returns the minimum rec_len that can hold a record with the
// given name length: the header plus the name, rounded up to
// recordAlignment.
func actualLen(nameLen int) uint16 {
	n := headerSize + nameLen
	if rem := n % recordAlignment; rem != 0 {
		n += recordAlignment - rem
	}
	return uint16(n)
}

// record is the decoded form of one on-media directory record, together
// with the page-relative byte offset it was read from (needed to write it
// back, and to relink neighboring records on delete).
type record struct {
	pageOff  uint64 // byte offset of this record's header within its page
	inode    uint64
	recLen   uint16
	nameLen  uint8
	fileType FileType
	name     string
}

func (r *record) isTombstone() bool {
	return r.inode == 0
}

// decodeRecord reads one record's header and name from buf, which must
// start at the record's first header byte and extend at least recLen
// bytes further (the caller, scanning a page, guarantees this once recLen
// is known not to overrun the page).
func decodeRecord(buf []byte, pageOff uint64) record {
	inode := binary.LittleEndian.Uint64(buf[0:8])
	recLen := binary.LittleEndian.Uint16(buf[8:10])
	nameLen := buf[10]
	fileType := FileType(buf[11])

	var name string
	if inode != 0 && nameLen > 0 {
		name = string(buf[headerSize : headerSize+int(nameLen)])
	}

	return record{
		pageOff:  pageOff,
		inode:    inode,
		recLen:   recLen,
		nameLen:  nameLen,
		fileType: fileType,
		name:     name,
	}
}

// encodeInto writes r's header and name into buf (which must be at least
// r.recLen bytes long), zeroing the padding between the name and the end
// of the record.
func (r *record) encodeInto(buf []byte) {
	for i := range buf[:r.recLen] {
		buf[i] = 0
	}
	binary.LittleEndian.PutUint64(buf[0:8], r.inode)
	binary.LittleEndian.PutUint16(buf[8:10], r.recLen)
	buf[10] = r.nameLen
	buf[11] = uint8(r.fileType)
	copy(buf[headerSize:headerSize+int(r.nameLen)], r.name)
}

// Dirent is the externally visible, read-only view of one directory entry
// returned by Lookup and the readdir iteration in Dir.Scan.
type Dirent struct {
	Inode    uint64
	Name     string
	FileType FileType

	// pageIdx and pageOff identify the record's position so it can be
	// passed back into Dir.SetLink/Dir.Delete; opaque outside this package.
	pageIdx uint64
	pageOff uint64
}

func newDirent(pageIdx uint64, r record) Dirent {
	return Dirent{
		Inode:    r.inode,
		Name:     r.name,
		FileType: r.fileType,
		pageIdx:  pageIdx,
		pageOff:  r.pageOff,
	}
}
