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
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

const rootDirMode = 0755 | syscall.S_IFDIR

// rootNode is the single directory every path lives under: the adapter
// never builds a real hierarchy, so Lookup/Readdir/Create all operate
// directly against fsys.dir rather than delegating to child directories.
type rootNode struct {
	fs.Inode
	fsys *FS
}

var (
	_ fs.NodeLookuper  = (*rootNode)(nil)
	_ fs.NodeReaddirer = (*rootNode)(nil)
	_ fs.NodeGetattrer = (*rootNode)(nil)
	_ fs.NodeCreater   = (*rootNode)(nil)
	_ fs.NodeUnlinker  = (*rootNode)(nil)
	_ fs.NodeRenamer   = (*rootNode)(nil)
)

func (r *rootNode) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = rootDirMode
	out.Mtime = uint64(time.Now().Unix())
	return 0
}

func (r *rootNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	r.fsys.μ.Lock()
	e, ok := r.fsys.dir[name]
	r.fsys.μ.Unlock()
	if !ok {
		return nil, syscall.ENOENT
	}
	fillEntryOut(out, e)
	child := r.NewInode(ctx, &fileNode{fsys: r.fsys, path: name}, fs.StableAttr{
		Mode: e.mode & syscall.S_IFMT,
		Ino:  uint64(e.handle),
	})
	return child, 0
}

func (r *rootNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	r.fsys.μ.Lock()
	defer r.fsys.μ.Unlock()
	entries := make([]fuse.DirEntry, 0, len(r.fsys.dir))
	for name, e := range r.fsys.dir {
		entries = append(entries, fuse.DirEntry{
			Name: name,
			Ino:  uint64(e.handle),
			Mode: e.mode & syscall.S_IFMT,
		})
	}
	return fs.NewListDirStream(entries), 0
}

func (r *rootNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	if r.fsys.rw == nil {
		return nil, nil, 0, syscall.EROFS
	}
	r.fsys.μ.Lock()
	if _, exists := r.fsys.dir[name]; exists {
		r.fsys.μ.Unlock()
		return nil, nil, 0, syscall.EEXIST
	}
	h := r.fsys.rw.New()
	e := direntry{handle: h, mode: mode | syscall.S_IFREG, mtime: time.Now()}
	r.fsys.dir[name] = e
	err := r.fsys.saveDirTableLocked(ctx)
	r.fsys.μ.Unlock()
	if err != nil {
		return nil, nil, 0, syscall.EIO
	}
	fillEntryOut(out, e)
	child := r.NewInode(ctx, &fileNode{fsys: r.fsys, path: name}, fs.StableAttr{
		Mode: e.mode & syscall.S_IFMT,
		Ino:  uint64(h),
	})
	fh := &fileHandle{node: child.Operations().(*fileNode)}
	return child, fh, 0, 0
}

func (r *rootNode) Unlink(ctx context.Context, name string) syscall.Errno {
	if r.fsys.rw == nil {
		return syscall.EROFS
	}
	r.fsys.μ.Lock()
	defer r.fsys.μ.Unlock()
	e, ok := r.fsys.dir[name]
	if !ok {
		return syscall.ENOENT
	}
	delete(r.fsys.dir, name)
	if err := r.fsys.saveDirTableLocked(ctx); err != nil {
		r.fsys.dir[name] = e // restore on failed persist
		return syscall.EIO
	}
	if err := r.fsys.rw.Delete(e.handle); err != nil {
		return syscall.EIO
	}
	return 0
}

func (r *rootNode) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	if r.fsys.rw == nil {
		return syscall.EROFS
	}
	if newParent.EmbeddedInode() != &r.Inode {
		// No directory hierarchy; a rename can never cross directories.
		return syscall.EXDEV
	}
	r.fsys.μ.Lock()
	defer r.fsys.μ.Unlock()
	e, ok := r.fsys.dir[name]
	if !ok {
		return syscall.ENOENT
	}
	delete(r.fsys.dir, name)
	r.fsys.dir[newName] = e
	if err := r.fsys.saveDirTableLocked(ctx); err != nil {
		return syscall.EIO
	}
	return 0
}

func fillEntryOut(out *fuse.EntryOut, e direntry) {
	out.Ino = uint64(e.handle)
	out.Mode = e.mode
	out.Mtime = uint64(e.mtime.Unix())
}

// fileNode is the inode for one named file. It has no cached state of its
// own; content lives in the fileHandle created by Open/Create for the
// duration of a single open/close cycle, matching the original
// implementation's per-open dirty buffer.
type fileNode struct {
	fs.Inode
	fsys *FS
	path string
}

var (
	_ fs.NodeGetattrer = (*fileNode)(nil)
	_ fs.NodeSetattrer = (*fileNode)(nil)
	_ fs.NodeOpener    = (*fileNode)(nil)
)

func (n *fileNode) entry() (direntry, bool) {
	n.fsys.μ.Lock()
	defer n.fsys.μ.Unlock()
	e, ok := n.fsys.dir[n.path]
	return e, ok
}

func (n *fileNode) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	e, ok := n.entry()
	if !ok {
		return syscall.ENOENT
	}
	size, err := n.fsys.ro.GetSize(ctx, e.handle)
	if err != nil {
		return syscall.EIO
	}
	out.Mode = e.mode
	out.Size = uint64(size)
	out.Mtime = uint64(e.mtime.Unix())
	return 0
}

func (n *fileNode) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	e, ok := n.entry()
	if !ok {
		return syscall.ENOENT
	}
	_, wantSize := in.GetSize()
	_, wantMtime := in.GetMTime()
	if (wantSize || wantMtime) && n.fsys.rw == nil {
		return syscall.EROFS
	}
	if sz, ok := in.GetSize(); ok {
		if err := n.fsys.rw.Resize(ctx, e.handle, int64(sz)); err != nil {
			return syscall.EIO
		}
	}
	if mtime, ok := in.GetMTime(); ok {
		if err := n.fsys.rw.SetMtime(e.handle, mtime); err != nil {
			return syscall.EIO
		}
		n.fsys.μ.Lock()
		e.mtime = mtime
		n.fsys.dir[n.path] = e
		n.fsys.μ.Unlock()
	}
	return n.Getattr(ctx, f, out)
}

func (n *fileNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	e, ok := n.entry()
	if !ok {
		return nil, 0, syscall.ENOENT
	}
	content, err := n.fsys.ro.ReadAll(ctx, e.handle)
	if err != nil {
		return nil, 0, syscall.EIO
	}
	return &fileHandle{node: n, content: content}, 0, 0
}
