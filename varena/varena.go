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

// Package varena implements the process-wide virtual-address arena: a reserved virtual range partitioned into a directory sub-range of
// fixed 2 MiB windows and a file sub-range of fixed 32 GiB windows, each
// with its own free/used list, both behind one lock.
package varena

import (
	"errors"
	"fmt"

	"github.com/jacobsa/syncutil"
)

// Kind selects which sub-range a window comes from.
type Kind int

const (
	KindDirectory Kind = iota
	KindFile
)

func (k Kind) String() string {
	if k == KindDirectory {
		return "directory"
	}
	return "file"
}

// Window sizes. A directory or symlink inode's mapping uses a directory
// window; a regular file's uses a file window. The file window size is
// also the effective maximum size of a file that can be mapped into the
// host address space at once (see hostvm.Mapping).
const (
	DirectoryWindowSize = 2 << 20  // 2 MiB
	FileWindowSize      = 32 << 30 // 32 GiB
)

// ErrExhausted is returned by Acquire when the matching free list is empty.
var ErrExhausted = errors.New("varena: free list exhausted")

// ErrNotOwned is returned by Release when given an address that was never
// handed out by this arena — a programming error.
var ErrNotOwned = errors.New("varena: address not owned by this arena")

type subrange struct {
	base       uint64
	windowSize uint64
	count      int
	free       []uint64        // free window base addresses, LIFO
	used       map[uint64]bool // in-use window base addresses
}

func newSubrange(base, windowSize uint64, count int) subrange {
	s := subrange{
		base:       base,
		windowSize: windowSize,
		count:      count,
		used:       make(map[uint64]bool),
	}
	for i := count - 1; i >= 0; i-- {
		s.free = append(s.free, base+uint64(i)*windowSize)
	}
	return s
}

func (s *subrange) acquire() (uint64, error) {
	if len(s.free) == 0 {
		return 0, ErrExhausted
	}
	addr := s.free[len(s.free)-1]
	s.free = s.free[:len(s.free)-1]
	s.used[addr] = true
	return addr, nil
}

func (s *subrange) owns(addr uint64) bool {
	return addr >= s.base && addr < s.base+s.windowSize*uint64(s.count)
}

func (s *subrange) release(addr uint64) error {
	if !s.used[addr] {
		return fmt.Errorf("%w: %#x", ErrNotOwned, addr)
	}
	delete(s.used, addr)
	s.free = append(s.free, addr)
	return nil
}

// Arena is the process-wide virtual-address allocator. It hands out fixed
// size windows into which a file or directory's translation tree is
// spliced (package hostvm does the splicing).
type Arena struct {
	mu syncutil.InvariantMutex

	dir  subrange
	file subrange
}

// New creates an Arena whose directory sub-range starts at base and holds
// dirWindows 2 MiB windows, immediately followed by a file sub-range
// holding fileWindows 32 GiB windows. Both free lists are populated
// exhaustively at construction.
func New(base uint64, dirWindows, fileWindows int) *Arena {
	a := &Arena{
		dir: newSubrange(base, DirectoryWindowSize, dirWindows),
	}
	fileBase := base + uint64(dirWindows)*DirectoryWindowSize
	a.file = newSubrange(fileBase, FileWindowSize, fileWindows)
	a.mu = syncutil.NewInvariantMutex(a.checkInvariants)
	return a
}

func (a *Arena) checkInvariants() {
	checkSubrange := func(name string, s *subrange) {
		seen := make(map[uint64]bool)
		for _, addr := range s.free {
			if seen[addr] {
				panic(fmt.Sprintf("varena: %s free list has duplicate %#x", name, addr))
			}
			if s.used[addr] {
				panic(fmt.Sprintf("varena: %s address %#x is both free and used", name, addr))
			}
			seen[addr] = true
		}
	}
	checkSubrange("directory", &a.dir)
	checkSubrange("file", &a.file)
}

func (a *Arena) subrangeFor(kind Kind) *subrange {
	if kind == KindDirectory {
		return &a.dir
	}
	return &a.file
}

// Acquire hands out one free window of the given kind.
func (a *Arena) Acquire(kind Kind) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.subrangeFor(kind).acquire()
}

// Release returns vaddr, previously returned by Acquire, to its sub-range's
// free list. It is a programming error to release an address that belongs
// to neither sub-range, or that is not currently in use.
func (a *Arena) Release(vaddr uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.dir.owns(vaddr) {
		return a.dir.release(vaddr)
	}
	if a.file.owns(vaddr) {
		return a.file.release(vaddr)
	}
	return fmt.Errorf("%w: %#x", ErrNotOwned, vaddr)
}
