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

// Package fsadapter mounts a flat-namespace FUSE filesystem over an
// engine.Writer (or, in read-only mode, an engine.Reader), the way
// ObliviSyncRW/ObliviSyncRO in the original implementation mount one over
// a wooram/rooram store. There is no directory hierarchy: every path is a
// single opaque name directly under the mount root. A serialized mapping
// from name to (handle, POSIX metadata) lives at the engine's reserved
// handle 1, encoded with the same wire package used for the VTable and
// SuperBlock.
package fsadapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/dripsync/dripsync/engine"
	"github.com/dripsync/dripsync/geom"
	"github.com/dripsync/dripsync/wire"
)

// direntry is the in-memory form of one wire.DirEntry.
type direntry struct {
	handle geom.Handle
	mode   uint32
	mtime  time.Time
}

// reader is the read surface both engine.Writer and engine.Reader expose,
// normalized to take a context on every call since engine.Reader needs one
// to gate its periodic SuperBlock refresh (engine.Writer's accessors are
// synchronous and ignore it).
type reader interface {
	ReadAll(ctx context.Context, h geom.Handle) ([]byte, error)
	NumBlocks(ctx context.Context, h geom.Handle) (int, error)
	GetSize(ctx context.Context, h geom.Handle) (int64, error)
	GetMtime(ctx context.Context, h geom.Handle) (time.Time, error)
}

// writer extends reader with the mutations only a read-write mount needs.
type writer interface {
	reader
	New() geom.Handle
	Delete(h geom.Handle) error
	WriteAll(ctx context.Context, h geom.Handle, data []byte) error
	Resize(ctx context.Context, h geom.Handle, size int64) error
	SetMtime(h geom.Handle, when time.Time) error
}

// writerReader adapts *engine.Writer's synchronous accessors to the
// ctx-taking reader/writer interfaces, so FS can hold a Writer or a
// Reader behind the same field.
type writerReader struct{ w *engine.Writer }

func (a writerReader) ReadAll(ctx context.Context, h geom.Handle) ([]byte, error) {
	return a.w.ReadAll(ctx, h)
}
func (a writerReader) NumBlocks(ctx context.Context, h geom.Handle) (int, error) {
	return a.w.NumBlocks(h)
}
func (a writerReader) GetSize(ctx context.Context, h geom.Handle) (int64, error) {
	return a.w.GetSize(h)
}
func (a writerReader) GetMtime(ctx context.Context, h geom.Handle) (time.Time, error) {
	return a.w.GetMtime(h)
}
func (a writerReader) New() geom.Handle       { return a.w.New() }
func (a writerReader) Delete(h geom.Handle) error { return a.w.Delete(h) }
func (a writerReader) WriteAll(ctx context.Context, h geom.Handle, data []byte) error {
	return a.w.WriteAll(ctx, h, data)
}
func (a writerReader) Resize(ctx context.Context, h geom.Handle, size int64) error {
	return a.w.Resize(ctx, h, size)
}
func (a writerReader) SetMtime(h geom.Handle, when time.Time) error {
	return a.w.SetMtime(h, when)
}

var _ writer = writerReader{}

// FS owns the directory table shared by every Node and fileHandle in a
// mount. It is the single point of serialization for directory-table
// mutations; file content reads and writes go straight through to the
// engine, which has its own locking. rw is nil in a read-only mount,
// which every mutating Node method consults before acting.
type FS struct {
	ro reader
	rw writer

	μ   sync.Mutex // protects dir
	dir map[string]direntry
}

// New loads (or, on a freshly opened store, initializes) the directory
// table from a read-write engine and returns an FS ready for Mount.
func New(ctx context.Context, w *engine.Writer) (*FS, error) {
	wr := writerReader{w}
	a := &FS{ro: wr, rw: wr}
	if err := a.loadDirTable(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

// NewReadOnly loads the directory table from a read-only engine. Every
// mutating FUSE operation against the resulting FS fails with EROFS.
func NewReadOnly(ctx context.Context, r *engine.Reader) (*FS, error) {
	a := &FS{ro: r}
	if err := a.loadDirTable(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *FS) loadDirTable(ctx context.Context) error {
	n, err := a.ro.NumBlocks(ctx, geom.RootHandle)
	if err != nil {
		return fmt.Errorf("fsadapter: root handle: %w", err)
	}
	a.μ.Lock()
	defer a.μ.Unlock()
	if n == 0 {
		a.dir = make(map[string]direntry)
		return nil
	}
	raw, err := a.ro.ReadAll(ctx, geom.RootHandle)
	if err != nil {
		return fmt.Errorf("fsadapter: read directory table: %w", err)
	}
	table, err := wire.DecodeDirTable(raw)
	if err != nil {
		return fmt.Errorf("fsadapter: decode directory table: %w", err)
	}
	a.dir = make(map[string]direntry, len(table.Entries))
	for _, e := range table.Entries {
		a.dir[e.Path] = direntry{
			handle: geom.Handle(e.Handle),
			mode:   e.Mode,
			mtime:  time.Unix(0, e.MtimeUnixNano),
		}
	}
	return nil
}

// saveDirTableLocked persists the directory table to geom.RootHandle. Callers
// must hold a.μ.
func (a *FS) saveDirTableLocked(ctx context.Context) error {
	if a.rw == nil {
		return engine.ErrReadOnly
	}
	table := wire.DirTable{Entries: make([]wire.DirEntry, 0, len(a.dir))}
	for path, e := range a.dir {
		table.Entries = append(table.Entries, wire.DirEntry{
			Path:          path,
			Handle:        uint64(e.handle),
			Mode:          e.mode,
			MtimeUnixNano: e.mtime.UnixNano(),
		})
	}
	return a.rw.WriteAll(ctx, geom.RootHandle, wire.EncodeDirTable(table))
}

// Mount starts serving a the filesystem at mountpoint, returning the
// fuse.Server the caller should call Wait/Unmount on.
func Mount(mountpoint string, a *FS, opts *fs.Options) (*fuse.Server, error) {
	root := &rootNode{fsys: a}
	return fs.Mount(mountpoint, root, opts)
}
