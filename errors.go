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
	"fmt"

	"golang.org/x/sys/unix"
)

// OpError is the error type every namespace and file I/O operation in this
// package returns on failure: an errno a host VFS layer can report back to
// its caller directly, plus the operation and path that triggered it.
type OpError struct {
	Op    string
	Path  string
	Errno unix.Errno
}

func (e *OpError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("nvmm: %s: %v", e.Op, e.Errno)
	}
	return fmt.Sprintf("nvmm: %s %s: %v", e.Op, e.Path, e.Errno)
}

// Unwrap lets errors.Is(err, unix.ENOENT) and friends work directly against
// an *OpError.
func (e *OpError) Unwrap() error {
	return e.Errno
}

func opError(op, path string, errno unix.Errno) *OpError {
	return &OpError{Op: op, Path: path, Errno: errno}
}

// Errno constants used throughout this package, named the way the
// on-media design names its failure modes.
const (
	ErrNoSpace     = unix.ENOSPC
	ErrNoEntry     = unix.ENOENT
	ErrExists      = unix.EEXIST
	ErrNotEmpty    = unix.ENOTEMPTY
	ErrIsDir       = unix.EISDIR
	ErrNotDir      = unix.ENOTDIR
	ErrNameTooLong = unix.ENAMETOOLONG
	ErrIO          = unix.EIO
	ErrInval       = unix.EINVAL
	ErrNoSys       = unix.ENOSYS
)
