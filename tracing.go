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
	"context"

	"github.com/jacobsa/reqtrace"
)

// traceSpan starts a reqtrace span named for the namespace or file operation
// about to run, mirroring fuseops/common_op.go's per-op reqtrace.StartSpan
// call. It is a no-op unless reqtrace.Enabled(). Callers defer the returned
// func against their named error result so the span closes with the op's
// outcome:
//
//	func (v *Volume) MkDir(op *MkDirOp) (err error) {
//		defer traceSpan("MkDir")(&err)
//		...
//	}
func traceSpan(desc string) func(*error) {
	_, report := reqtrace.StartSpan(context.Background(), desc)
	return func(err *error) {
		report(*err)
	}
}
