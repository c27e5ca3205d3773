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

package nvmmdir

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/jacobsa/syncutil"
	"github.com/nvmmfs/nvmm/balloc"
	"github.com/nvmmfs/nvmm/layout"
	"github.com/nvmmfs/nvmm/pgtable"
	"github.com/nvmmfs/nvmm/region"
)

// MaxSize is the directory-size cap: Add refuses to grow a directory past
// this many bytes of record storage.
const MaxSize = 2 << 20

// ErrExists is returned by Add when a live record already matches name.
var ErrExists = errors.New("nvmmdir: entry exists")

// ErrNotFound is returned by Lookup and LookupWithPrev when no live record
// matches name.
var ErrNotFound = errors.New("nvmmdir: entry not found")

// ErrNotEmpty names a directory that holds live entries other than "." and
// "..". Nothing in this package returns it: IsEmpty reports emptiness as a
// bool, and rmdir and rename in package nvmm report the condition with
// their own errno.
var ErrNotEmpty = errors.New("nvmmdir: directory not empty")

// ErrCorrupt is returned when a scan encounters a malformed record (a
// zero rec_len before the page boundary).
var ErrCorrupt = errors.New("nvmmdir: corrupt directory page")

// ErrTooLarge is returned by Add when growing the directory would exceed
// MaxSize.
var ErrTooLarge = errors.New("nvmmdir: directory too large")

// Dir is one directory's content, layered over a file's translation tree.
// Scans run under an inode-scoped read lock; mutators additionally take a
// per-page lock on the page they modify, mirroring the host page lock a
// real mount would hold.
type Dir struct {
	mu syncutil.InvariantMutex

	tree *pgtable.Tree
	r    region.Region
	bal  *balloc.Allocator

	pagesMu sync.Mutex
	pages   map[uint64]*sync.Mutex
}

// New wraps tree (already positioned at the directory inode's root, which
// may be region.Invalid for a not-yet-initialized directory) as a Dir.
func New(tree *pgtable.Tree, r region.Region, bal *balloc.Allocator) *Dir {
	d := &Dir{tree: tree, r: r, bal: bal, pages: make(map[uint64]*sync.Mutex)}
	d.mu = syncutil.NewInvariantMutex(d.checkInvariants)
	return d
}

func (d *Dir) checkInvariants() {
	// Scans already fail loudly on a corrupt page (ErrCorrupt); there is no
	// separate invariant to check here without re-walking every page on
	// every lock acquisition, which would defeat the lock-free-read goal
	// the page format exists for.
}

func (d *Dir) pageLock(pageIdx uint64) *sync.Mutex {
	d.pagesMu.Lock()
	defer d.pagesMu.Unlock()
	m, ok := d.pages[pageIdx]
	if !ok {
		m = &sync.Mutex{}
		d.pages[pageIdx] = m
	}
	return m
}

func (d *Dir) pageBuf(pageIdx uint64) ([]byte, bool) {
	page := d.tree.Lookup(pageIdx)
	if page == region.Invalid {
		return nil, false
	}
	return d.r.At(page, layout.PageSize), true
}

// walk invokes fn for every page of the directory in index order, stopping
// (and propagating fn's error) as soon as fn returns a non-nil error or
// false.
func (d *Dir) walk(fn func(pageIdx uint64, buf []byte) (cont bool, err error)) error {
	for pageIdx := uint64(0); ; pageIdx++ {
		buf, ok := d.pageBuf(pageIdx)
		if !ok {
			return nil
		}
		cont, err := fn(pageIdx, buf)
		if err != nil || !cont {
			return err
		}
	}
}

// scanPage invokes fn for every record in buf in order, stopping early if
// fn returns false. A zero rec_len before the page's end is ErrCorrupt.
func scanPage(buf []byte, fn func(rec record) (cont bool)) error {
	off := uint64(0)
	for off < uint64(len(buf)) {
		recLen := uint16(buf[off+8]) | uint16(buf[off+9])<<8
		if recLen == 0 {
			return ErrCorrupt
		}
		rec := decodeRecord(buf[off:off+uint64(recLen)], off)
		if !fn(rec) {
			return nil
		}
		off += uint64(recLen)
	}
	return nil
}

// Lookup returns the first live record named name.
func (d *Dir) Lookup(name string) (Dirent, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var found *Dirent
	err := d.walk(func(pageIdx uint64, buf []byte) (bool, error) {
		scanErr := scanPage(buf, func(rec record) bool {
			if !rec.isTombstone() && rec.name == name {
				de := newDirent(pageIdx, rec)
				found = &de
				return false
			}
			return true
		})
		if scanErr != nil {
			return false, scanErr
		}
		return found == nil, nil
	})
	if err != nil {
		return Dirent{}, err
	}
	if found == nil {
		return Dirent{}, ErrNotFound
	}
	return *found, nil
}

// LookupWithPrev returns the matching record together with the record
// immediately preceding it within the same page (needed by Delete and by
// rename to relink the tombstone into its predecessor). prevOK is false
// when the match is the first record of its page.
func (d *Dir) LookupWithPrev(name string) (match Dirent, prev Dirent, prevOK bool, err error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var foundPage uint64
	var foundRec, prevRec *record
	walkErr := d.walk(func(pageIdx uint64, buf []byte) (bool, error) {
		var last *record
		scanErr := scanPage(buf, func(rec record) bool {
			if !rec.isTombstone() && rec.name == name {
				r := rec
				foundRec = &r
				foundPage = pageIdx
				if last != nil {
					p := *last
					prevRec = &p
				}
				return false
			}
			r := rec
			last = &r
			return true
		})
		if scanErr != nil {
			return false, scanErr
		}
		return foundRec == nil, nil
	})
	if walkErr != nil {
		return Dirent{}, Dirent{}, false, walkErr
	}
	if foundRec == nil {
		return Dirent{}, Dirent{}, false, ErrNotFound
	}

	match = newDirent(foundPage, *foundRec)
	if prevRec != nil {
		prev = newDirent(foundPage, *prevRec)
		prevOK = true
	}
	return match, prev, prevOK, nil
}

// Add inserts a new record (name, ino, ftype). It reuses a tombstone or
// splits an oversized live record where possible; failing that, it
// allocates a new page, refusing if that would push the directory past
// MaxSize.
func (d *Dir) Add(name string, ino uint64, ftype FileType) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	needed := actualLen(len(name))

	// Reject a duplicate before placing anything: a slot big enough for the
	// new record can come before the matching record in scan order.
	dup := false
	if err := d.walk(func(pageIdx uint64, buf []byte) (bool, error) {
		scanErr := scanPage(buf, func(rec record) bool {
			dup = !rec.isTombstone() && rec.name == name
			return !dup
		})
		return !dup, scanErr
	}); err != nil {
		return err
	}
	if dup {
		return ErrExists
	}

	var placed bool
	err := d.walk(func(pageIdx uint64, buf []byte) (bool, error) {
		lock := d.pageLock(pageIdx)
		lock.Lock()
		defer lock.Unlock()

		ok, scanErr := d.tryPlaceInPage(buf, name, ino, ftype, needed)
		if scanErr != nil {
			return false, scanErr
		}
		if ok {
			placed = true
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	if placed {
		return nil
	}

	return d.addNewPage(name, ino, ftype, needed)
}

// tryPlaceInPage scans one page's records looking for a tombstone or
// splittable live record big enough for needed bytes, placing the new
// record there if found. It returns ok=true once placed, and ErrExists if
// a live record already matches name.
func (d *Dir) tryPlaceInPage(buf []byte, name string, ino uint64, ftype FileType, needed uint16) (bool, error) {
	placed := false
	var placeErr error

	err := scanPage(buf, func(rec record) bool {
		if !rec.isTombstone() && rec.name == name {
			placeErr = ErrExists
			return false
		}

		if rec.isTombstone() && rec.recLen >= needed {
			d.writeRecord(buf, rec.pageOff, record{
				pageOff:  rec.pageOff,
				inode:    ino,
				recLen:   rec.recLen,
				nameLen:  uint8(len(name)),
				fileType: ftype,
				name:     name,
			})
			placed = true
			return false
		}

		if !rec.isTombstone() {
			actual := actualLen(int(rec.nameLen))
			if rec.recLen-actual >= needed {
				newOff := rec.pageOff + uint64(actual)
				newLen := rec.recLen - actual

				shrunk := rec
				shrunk.recLen = actual
				d.writeRecord(buf, rec.pageOff, shrunk)

				d.writeRecord(buf, newOff, record{
					pageOff:  newOff,
					inode:    ino,
					recLen:   newLen,
					nameLen:  uint8(len(name)),
					fileType: ftype,
					name:     name,
				})
				placed = true
				return false
			}
		}

		return true
	})
	if err != nil {
		return false, err
	}
	if placeErr != nil {
		return false, placeErr
	}
	return placed, nil
}

func (d *Dir) writeRecord(buf []byte, off uint64, rec record) {
	rec.encodeInto(buf[off : off+uint64(rec.recLen)])
}

// size returns the directory's current size in bytes: one page per
// translation-tree leaf.
func (d *Dir) size() (uint64, error) {
	var n uint64
	err := d.walk(func(pageIdx uint64, buf []byte) (bool, error) {
		n += uint64(len(buf))
		return true, nil
	})
	return n, err
}

func (d *Dir) addNewPage(name string, ino uint64, ftype FileType, needed uint16) error {
	if needed > uint16(layout.PageSize) {
		return fmt.Errorf("nvmmdir: name %q too long for a directory record", name)
	}

	cur, err := d.size()
	if err != nil {
		return err
	}
	if cur+layout.PageSize > MaxSize {
		return ErrTooLarge
	}

	page, err := d.bal.Alloc(1)
	if err != nil {
		return err
	}
	d.r.Zero(page, layout.PageSize)

	buf := d.r.At(page, layout.PageSize)
	rec := record{
		pageOff:  0,
		inode:    ino,
		recLen:   uint16(layout.PageSize),
		nameLen:  uint8(len(name)),
		fileType: ftype,
		name:     name,
	}
	d.writeRecord(buf, 0, rec)

	pageIdx, err := d.nextFreePageIndex()
	if err != nil {
		return err
	}
	return d.tree.Insert(pageIdx, page)
}

func (d *Dir) nextFreePageIndex() (uint64, error) {
	var idx uint64
	err := d.walk(func(pageIdx uint64, buf []byte) (bool, error) {
		idx = pageIdx + 1
		return true, nil
	})
	return idx, err
}

// Delete clears match's inode (turning it into a tombstone) and extends
// prev's rec_len to absorb it, coalescing the two records. If match is the
// first record of its page, it remains as a standalone tombstone
// (prevOK must be false in that case).
func (d *Dir) Delete(match Dirent, prev Dirent, prevOK bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	lock := d.pageLock(match.pageIdx)
	lock.Lock()
	defer lock.Unlock()

	buf, ok := d.pageBuf(match.pageIdx)
	if !ok {
		return fmt.Errorf("nvmmdir: page %d vanished during delete", match.pageIdx)
	}

	matchRec := decodeRecord(buf[match.pageOff:], match.pageOff)
	matchRec.inode = 0
	matchRec.nameLen = 0
	matchRec.fileType = TypeUnknown
	matchRec.name = ""
	d.writeRecord(buf, match.pageOff, matchRec)

	if prevOK {
		prevRec := decodeRecord(buf[prev.pageOff:], prev.pageOff)
		prevRec.recLen += matchRec.recLen
		d.writeRecord(buf, prev.pageOff, prevRec)
	}

	return nil
}

// MakeEmpty initializes a freshly allocated directory with "." pointing at
// self and ".." pointing at parent, ".." consuming the rest of the page.
func (d *Dir) MakeEmpty(self, parent uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	page, err := d.bal.Alloc(1)
	if err != nil {
		return err
	}
	d.r.Zero(page, layout.PageSize)
	buf := d.r.At(page, layout.PageSize)

	dot := record{pageOff: 0, inode: self, recLen: actualLen(1), nameLen: 1, fileType: TypeDir, name: "."}
	d.writeRecord(buf, 0, dot)

	dotdotOff := uint64(dot.recLen)
	dotdot := record{
		pageOff:  dotdotOff,
		inode:    parent,
		recLen:   uint16(layout.PageSize) - dot.recLen,
		nameLen:  2,
		fileType: TypeDir,
		name:     "..",
	}
	d.writeRecord(buf, dotdotOff, dotdot)

	return d.tree.Insert(0, page)
}

// IsEmpty reports whether the directory holds only "." and "..".
func (d *Dir) IsEmpty() (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	empty := true
	err := d.walk(func(pageIdx uint64, buf []byte) (bool, error) {
		scanErr := scanPage(buf, func(rec record) bool {
			if rec.isTombstone() {
				return true
			}
			if rec.name == "." || rec.name == ".." {
				return true
			}
			empty = false
			return false
		})
		return empty, scanErr
	})
	if err != nil {
		return false, err
	}
	return empty, nil
}

// Dotdot returns the ".." record: the second record of the first page.
func (d *Dir) Dotdot() (Dirent, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	buf, ok := d.pageBuf(0)
	if !ok {
		return Dirent{}, ErrNotFound
	}

	var second *record
	count := 0
	err := scanPage(buf, func(rec record) bool {
		count++
		if count == 2 {
			r := rec
			second = &r
			return false
		}
		return true
	})
	if err != nil {
		return Dirent{}, err
	}
	if second == nil {
		return Dirent{}, ErrNotFound
	}
	return newDirent(0, *second), nil
}

// SetLink overwrites match's inode number and file-type byte in place,
// holding the directory lock and the page lock. Lookups hold the directory
// lock for reading, so none of them observes the record half-updated.
func (d *Dir) SetLink(match Dirent, newInode uint64, newType FileType) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	lock := d.pageLock(match.pageIdx)
	lock.Lock()
	defer lock.Unlock()

	buf, ok := d.pageBuf(match.pageIdx)
	if !ok {
		return fmt.Errorf("nvmmdir: page %d vanished during set_link", match.pageIdx)
	}

	binary.LittleEndian.PutUint64(buf[match.pageOff:match.pageOff+8], newInode)
	buf[match.pageOff+11] = uint8(newType)
	return nil
}

// Scan walks every live record in directory order, invoking fn for each.
// Scanning stops early if fn returns false.
func (d *Dir) Scan(fn func(Dirent) bool) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.walk(func(pageIdx uint64, buf []byte) (bool, error) {
		cont := true
		scanErr := scanPage(buf, func(rec record) bool {
			if rec.isTombstone() {
				return true
			}
			cont = fn(newDirent(pageIdx, rec))
			return cont
		})
		return cont, scanErr
	})
}
