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

package hostvm

import (
	"sync"

	"github.com/nvmmfs/nvmm/pgtable"
	"github.com/nvmmfs/nvmm/region"
)

// installed records one entry a Stub has installed, keyed by vaddr.
type installed struct {
	level pgtable.Level
	table region.Offset
}

// Stub is an in-process Mapper that records installs and clears instead of
// touching real page tables, so tests can verify mapping lifecycle behavior
// without a kernel collaborator, the same role fusetesting plays for
// exercising a real file system without a kernel mount.
type Stub struct {
	mu sync.Mutex

	entries    map[uint64]installed
	flushedTLB []flushRecord
	flushedMem []flushRecord
}

type flushRecord struct {
	VAddr uint64
	Size  uint64
}

// NewStub creates an empty Stub.
func NewStub() *Stub {
	return &Stub{entries: make(map[uint64]installed)}
}

func (s *Stub) InstallLevel(level pgtable.Level, vaddr uint64, tablePhys region.Offset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[vaddr] = installed{level: level, table: tablePhys}
	return nil
}

func (s *Stub) ClearLevel(level pgtable.Level, vaddr uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, vaddr)
	return nil
}

func (s *Stub) FlushTLB(vaddr uint64, size uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushedTLB = append(s.flushedTLB, flushRecord{vaddr, size})
}

func (s *Stub) FlushCache(vaddr uint64, size uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushedMem = append(s.flushedMem, flushRecord{vaddr, size})
}

// Installed reports whether vaddr currently has an entry installed, and
// what table it points at.
func (s *Stub) Installed(vaddr uint64) (table region.Offset, level pgtable.Level, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[vaddr]
	return e.table, e.level, ok
}

// EntryCount returns the number of currently-installed entries, across all
// vaddrs.
func (s *Stub) EntryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// TLBFlushCount returns how many times FlushTLB has been called.
func (s *Stub) TLBFlushCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.flushedTLB)
}

// CacheFlushCount returns how many times FlushCache has been called.
func (s *Stub) CacheFlushCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.flushedMem)
}
