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

package region

// memory is a plain heap-backed Region, used by tests that want the
// semantics of NVMM without a real persistent-memory device. Its
// crash-consistency properties only last as long as the process: a crash
// can be simulated by abandoning one in-memory region mid-update and
// mounting a fresh region holding a byte-for-byte copy taken at the crash
// point.
type memory struct {
	buf []byte
}

// NewMemory allocates a zeroed in-memory region of the given size.
func NewMemory(size uint64) Region {
	return &memory{buf: make([]byte, size)}
}

func (m *memory) Size() uint64 {
	return uint64(len(m.buf))
}

func (m *memory) At(off Offset, n int) []byte {
	CheckBounds(m.Size(), off, n)
	return m.buf[off : uint64(off)+uint64(n)]
}

func (m *memory) Zero(off Offset, n int) {
	CheckBounds(m.Size(), off, n)
	b := m.buf[off : uint64(off)+uint64(n)]
	for i := range b {
		b[i] = 0
	}
}

func (m *memory) Sync() error {
	return nil
}

func (m *memory) Close() error {
	m.buf = nil
	return nil
}
