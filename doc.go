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

// Package nvmm implements a non-volatile main memory storage engine: a
// superblock, block and inode allocators, a per-file four-level
// translation tree, a copy-on-write atomic update protocol, a directory
// format, and the namespace operations (create, mkdir, mknod, symlink,
// link, unlink, rmdir, rename, tmpfile) built on top of them.
//
// The primary elements of interest are:
//
//   - Format and Mount, which initialize and open a region.Region as an
//     nvmm volume.
//
//   - FileSystem, the interface a host VFS layer drives to perform
//     lookups, reads, writes, and namespace operations against a mounted
//     volume.
//
//   - The region, layout, balloc, ialloc, pgtable, varena, hostvm, and
//     nvmmdir subpackages, each implementing one layer of the on-media
//     format and the runtime structures built over it.
//
// This package does not itself speak any kernel mount protocol; pair it
// with a host VFS binding (FUSE, 9P, a userspace NFS server, or a real
// kernel module) that drives the FileSystem interface.
package nvmm
