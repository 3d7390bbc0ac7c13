// Copyright 2019 Michael J. Fromberger. All Rights Reserved.
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

package fsadapter

import (
	"context"
	"sync"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// fileHandle holds one open file's content between Open and the matching
// Release: the whole object is read once on Open, mutated in memory by
// Write, and flushed back through WriteAll on Flush/Release. This mirrors
// the original implementation's read_file/write_file pair, which also
// materializes a file fully rather than servicing partial reads fragment
// by fragment.
type fileHandle struct {
	node *fileNode

	μ       sync.Mutex
	content []byte
	dirty   bool
}

var (
	_ fs.FileReader   = (*fileHandle)(nil)
	_ fs.FileWriter   = (*fileHandle)(nil)
	_ fs.FileFlusher  = (*fileHandle)(nil)
	_ fs.FileReleaser = (*fileHandle)(nil)
)

func (f *fileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	f.μ.Lock()
	defer f.μ.Unlock()
	if off >= int64(len(f.content)) {
		return fuse.ReadResultData(nil), 0
	}
	end := off + int64(len(dest))
	if end > int64(len(f.content)) {
		end = int64(len(f.content))
	}
	return fuse.ReadResultData(f.content[off:end]), 0
}

func (f *fileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	if f.node.fsys.rw == nil {
		return 0, syscall.EROFS
	}
	f.μ.Lock()
	defer f.μ.Unlock()
	end := off + int64(len(data))
	if end > int64(len(f.content)) {
		grown := make([]byte, end)
		copy(grown, f.content)
		f.content = grown
	}
	copy(f.content[off:end], data)
	f.dirty = true
	return uint32(len(data)), 0
}

func (f *fileHandle) Flush(ctx context.Context) syscall.Errno {
	f.μ.Lock()
	defer f.μ.Unlock()
	if !f.dirty {
		return 0
	}
	if f.node.fsys.rw == nil {
		return syscall.EROFS
	}
	e, ok := f.node.entry()
	if !ok {
		return syscall.ENOENT
	}
	if err := f.node.fsys.rw.WriteAll(ctx, e.handle, f.content); err != nil {
		return syscall.EIO
	}
	f.dirty = false
	return 0
}

func (f *fileHandle) Release(ctx context.Context) syscall.Errno {
	return f.Flush(ctx)
}
