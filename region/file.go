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

import (
	"fmt"
	"os"

	fallocate "github.com/detailyang/go-fallocate"
	"golang.org/x/sys/unix"
)

// fileBacked is a Region backed by a regular file, mmap'd in full. It stands
// in for real NVMM on hosts that don't have a persistent-memory device: the
// file is preallocated to its full size with fallocate(2) so that the
// mapping never triggers a SIGBUS from a sparse hole, then mapped with
// PROT_READ|PROT_WRITE/MAP_SHARED so stores are ordinary memory writes, just
// as they would be against real NVMM.
type fileBacked struct {
	f    *os.File
	data []byte
}

// NewFileBacked opens (creating if necessary) the file at path, grows it to
// exactly size bytes via fallocate, and maps it in. The returned Region owns
// both the mapping and the *os.File; Close unmaps and closes them.
func NewFileBacked(path string, size uint64) (Region, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("region: open %s: %w", path, err)
	}

	if err := fallocate.Fallocate(f, 0, int64(size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("region: fallocate %s to %d bytes: %w", path, size, err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("region: mmap %s: %w", path, err)
	}

	return &fileBacked{f: f, data: data}, nil
}

func (r *fileBacked) Size() uint64 {
	return uint64(len(r.data))
}

func (r *fileBacked) At(off Offset, n int) []byte {
	CheckBounds(r.Size(), off, n)
	return r.data[off : uint64(off)+uint64(n)]
}

func (r *fileBacked) Zero(off Offset, n int) {
	CheckBounds(r.Size(), off, n)
	b := r.data[off : uint64(off)+uint64(n)]
	for i := range b {
		b[i] = 0
	}
}

// Sync flushes dirty pages of the mapping to the backing file, standing in
// for the cache-line-flush-and-fence sequence a real NVMM write would need.
func (r *fileBacked) Sync() error {
	return unix.Msync(r.data, unix.MS_SYNC)
}

func (r *fileBacked) Close() error {
	if r.data != nil {
		if err := unix.Munmap(r.data); err != nil {
			return err
		}
		r.data = nil
	}
	return r.f.Close()
}
