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
	"github.com/nvmmfs/nvmm/balloc"
	"github.com/nvmmfs/nvmm/ialloc"
	"github.com/nvmmfs/nvmm/layout"
	"github.com/nvmmfs/nvmm/pgtable"
	"github.com/nvmmfs/nvmm/region"
)

// ReadFile copies up to len(buf) bytes starting at offset into buf, reading
// holes as zero, and returns the number of bytes actually copied: fewer
// than len(buf) once offset+len(buf) runs past the current file size.
func (in *Inode) ReadFile(offset int64, buf []byte) (int, error) {
	in.mu.RLock()
	defer in.mu.RUnlock()

	if err := in.checkBad("read"); err != nil {
		return 0, err
	}
	if offset < 0 {
		return 0, opError("read", "", ErrInval)
	}
	if uint64(offset) >= in.slot.Size {
		return 0, nil
	}

	n := len(buf)
	if uint64(offset)+uint64(n) > in.slot.Size {
		n = int(in.slot.Size - uint64(offset))
	}

	read := 0
	for read < n {
		blockIdx := (uint64(offset) + uint64(read)) / layout.BlockSize
		blockOff := (uint64(offset) + uint64(read)) % layout.BlockSize
		chunk := layout.BlockSize - int(blockOff)
		if chunk > n-read {
			chunk = n - read
		}

		block := in.tree.Lookup(blockIdx)
		if block == region.Invalid {
			for i := 0; i < chunk; i++ {
				buf[read+i] = 0
			}
		} else {
			src := in.v.r.At(block, layout.BlockSize)
			copy(buf[read:read+chunk], src[blockOff:uint64(blockOff)+uint64(chunk)])
		}
		read += chunk
	}

	return read, nil
}

// WriteFile writes data at offset, growing the file if necessary, and
// returns the number of bytes written (always len(data) on success).
//
// The write proceeds by the copy-on-write shadow protocol: it builds a
// shadow subtree covering the finest level whose span contains the whole
// write, splices it into the live tree with one atomic pointer store, then
// frees the shadow, whose tree by then aliases exactly the blocks the
// write displaced. A write whose range crosses a 1 GiB boundary (so that no
// single PUD-level entry covers it) is handled at LevelPGD, which has no
// parent entry to swap, and falls back to an in-place copy instead,
// sacrificing atomicity for that one request. If blocks or inodes run out,
// the write fails with ErrNoSpace.
func (in *Inode) WriteFile(offset int64, data []byte) (int, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if err := in.checkBad("write"); err != nil {
		return 0, err
	}
	if offset < 0 || len(data) == 0 {
		if len(data) == 0 {
			return 0, nil
		}
		return 0, opError("write", "", ErrInval)
	}

	end := uint64(offset) + uint64(len(data)) - 1
	level, err := pgtable.ChooseLevel(uint64(offset), end)
	if err != nil {
		return 0, opError("write", "", ErrInval)
	}

	if level == pgtable.LevelPGD {
		err = in.writeInPlace(offset, data)
	} else {
		err = in.writeShadow(offset, data, level)
	}
	if err == balloc.ErrNoSpace || err == ialloc.ErrNoSpace {
		return 0, opError("write", "", ErrNoSpace)
	}
	if err != nil {
		in.markBad()
		return 0, opError("write", "", ErrIO)
	}

	newSize := uint64(offset) + uint64(len(data))
	if newSize > in.slot.Size {
		in.slot.Size = newSize
	}
	if err := in.persist(); err != nil {
		return 0, opError("write", "", ErrIO)
	}
	return len(data), nil
}

// blockPayload returns the byte range of data, if any, that overlaps the
// block at blockIdx, along with the offset within that block it starts at.
func blockPayload(blockIdx uint64, offset int64, data []byte) (payload []byte, blockOff uint64) {
	blockStart := blockIdx * layout.BlockSize
	blockEnd := blockStart + layout.BlockSize
	writeStart := uint64(offset)
	writeEnd := writeStart + uint64(len(data))

	lo := writeStart
	if blockStart > lo {
		lo = blockStart
	}
	hi := writeEnd
	if blockEnd < hi {
		hi = blockEnd
	}
	if lo >= hi {
		return nil, 0
	}
	return data[lo-writeStart : hi-writeStart], lo - blockStart
}

// writeShadow implements the copy-on-write swap for a write whose chosen
// level is strictly below the root.
func (in *Inode) writeShadow(offset int64, data []byte, level pgtable.Level) error {
	v := in.v

	firstBlock := uint64(offset) / layout.BlockSize
	subtreeStart := firstBlock &^ level.Mask()
	subtreeBlocks := level.SubtreeBlocks()

	shadowIno, err := v.ialloc.AllocShadow()
	if err != nil {
		return err
	}
	shadowTree := pgtable.New(v.r, v.bal, region.Invalid)

	scratch := make([]byte, layout.BlockSize)
	for i := uint64(0); i < subtreeBlocks; i++ {
		blockIdx := subtreeStart + i
		blockStart := blockIdx * layout.BlockSize

		live := in.tree.Lookup(blockIdx)
		haveLive := live != region.Invalid && blockStart < in.slot.Size

		payload, payloadOff := blockPayload(blockIdx, offset, data)

		if !haveLive && payload == nil {
			continue // hole in both the live tree and the write: stays a hole
		}

		for j := range scratch {
			scratch[j] = 0
		}
		if haveLive {
			copy(scratch, v.r.At(live, layout.BlockSize))
		}
		if payload != nil {
			copy(scratch[payloadOff:], payload)
		}

		page, err := v.bal.Alloc(1)
		if err != nil {
			shadowTree.Teardown()
			v.ialloc.Free(shadowIno)
			return err
		}
		copy(v.r.At(page, layout.BlockSize), scratch)
		if err := shadowTree.Insert(blockIdx, page); err != nil {
			shadowTree.Teardown()
			v.ialloc.Free(shadowIno)
			return err
		}
	}

	liveTable, liveIndex, err := in.tree.TableForLevel(subtreeStart, level, true)
	if err != nil {
		shadowTree.Teardown()
		v.ialloc.Free(shadowIno)
		return err
	}
	shadowTable, shadowIndex, err := shadowTree.TableForLevel(subtreeStart, level, true)
	if err != nil {
		shadowTree.Teardown()
		v.ialloc.Free(shadowIno)
		return err
	}
	newValue := shadowTree.Entry(shadowTable, shadowIndex)

	// The single aligned store below is the write's linearization point: a
	// concurrent reader sees either the whole pre-write subtree or the
	// whole post-write one, never a mix.
	oldValue := in.tree.CommitEntry(liveTable, liveIndex, newValue)
	shadowTree.CommitEntry(shadowTable, shadowIndex, oldValue)

	shadowTree.Teardown()
	return v.ialloc.Free(shadowIno)
}

// writeInPlace is the PGD-level fallback: no parent entry exists to swap,
// so blocks are allocated and overwritten directly in the live tree under
// the metadata lock, without the shadow's all-or-nothing guarantee.
func (in *Inode) writeInPlace(offset int64, data []byte) error {
	v := in.v

	firstBlock := uint64(offset) / layout.BlockSize
	lastBlock := (uint64(offset) + uint64(len(data)) - 1) / layout.BlockSize

	for blockIdx := firstBlock; blockIdx <= lastBlock; blockIdx++ {
		payload, payloadOff := blockPayload(blockIdx, offset, data)
		if payload == nil {
			continue
		}

		block := in.tree.Lookup(blockIdx)
		if block == region.Invalid {
			page, err := v.bal.Alloc(1)
			if err != nil {
				return err
			}
			if err := in.tree.Insert(blockIdx, page); err != nil {
				return err
			}
			block = page
		}
		copy(v.r.At(block, layout.BlockSize)[payloadOff:], payload)
	}
	return nil
}
