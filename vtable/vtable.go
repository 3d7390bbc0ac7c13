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

// Package vtable implements the authoritative handle -> fragment-address
// mapping for the engine. A VTable is not itself concurrency-safe: the
// engine's single rwmutex.RWMutex guards every call into it, per the
// "Shared-resource policy" of the governing spec, rather than each
// component locking itself the way the original Python rwlock-per-object
// collaborators did.
package vtable

import (
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/creachadair/mds/mapset"
	"github.com/dripsync/dripsync/geom"
)

// Stale marks an inode slot whose authoritative bytes currently live in
// the write buffer rather than the backend.
const Stale int64 = -1

var (
	// ErrNotFound is returned for operations on an unknown or freed handle.
	ErrNotFound = errors.New("vtable: handle not found")
	// ErrOutOfRange is returned for operations on a fragment index beyond
	// the current fragment list.
	ErrOutOfRange = errors.New("vtable: fragment index out of range")
	// ErrInvalidArgument is returned when a write violates the "all
	// non-tail fragments are exactly fbsize" invariant.
	ErrInvalidArgument = errors.New("vtable: invalid fragment write")
)

// Addr is a resolved fragment address: a backend inode (2*slot + half) and
// whether that half is a split half.
type Addr struct {
	Inode int64
	Split bool
}

// Entry is the persisted state for one handle.
type Entry struct {
	Mtime  time.Time
	LBSize int     // size of the tail fragment, in [1, geo.FBSize]
	Inodes []int64 // one per fragment; Stale means "in the buffer"
}

func (e Entry) clone() Entry {
	cp := e
	cp.Inodes = append([]int64(nil), e.Inodes...)
	return cp
}

// Save is the serializable snapshot written into the SuperBlock.
type Save struct {
	NextFree geom.Handle
	Free     []geom.Handle
	Cache    map[geom.Handle]Entry
}

// VTable is the handle -> fragment-address map, plus the free-list/counter
// allocator and the shadow map used to keep pre-sync state visible to
// concurrent readers while a drip sync is in flight.
type VTable struct {
	geo      geom.Geometry
	nextFree geom.Handle
	free     mapset.Set[geom.Handle]
	cache    map[geom.Handle]Entry
	shadow   map[geom.Handle]Entry
}

// New returns a fresh VTable with only the reserved root handle populated.
func New(geo geom.Geometry) *VTable {
	vt := &VTable{
		geo:      geo,
		nextFree: geom.RootHandle + 1,
		free:     mapset.New[geom.Handle](),
		cache:    make(map[geom.Handle]Entry),
		shadow:   make(map[geom.Handle]Entry),
	}
	vt.cache[geom.RootHandle] = Entry{Mtime: time.Now(), LBSize: geo.FBSize}
	return vt
}

// Load reconstructs a VTable from a previously saved Save value.
func Load(geo geom.Geometry, save Save) *VTable {
	cache := make(map[geom.Handle]Entry, len(save.Cache))
	for h, e := range save.Cache {
		cache[h] = e.clone()
	}
	free := mapset.New[geom.Handle]()
	for _, h := range save.Free {
		free[h] = struct{}{}
	}
	return &VTable{
		geo:      geo,
		nextFree: save.NextFree,
		free:     free,
		cache:    cache,
		shadow:   make(map[geom.Handle]Entry),
	}
}

// Save returns a snapshot suitable for persisting in the SuperBlock. Where
// a handle has unsynced (shadow) state, the shadow entry — the last fully
// synced state — is preserved instead of the cache entry's Stale
// placeholders, since those placeholders are meaningless once the buffer
// they refer to is gone. This is why restart durability is only
// guaranteed when the buffer has been drained before Save is called.
func (vt *VTable) Save() Save {
	merged := make(map[geom.Handle]Entry, len(vt.cache))
	for h, e := range vt.cache {
		merged[h] = e.clone()
	}
	for h, e := range vt.shadow {
		merged[h] = e.clone()
	}
	free := make([]geom.Handle, 0, len(vt.free))
	for h := range vt.free {
		free = append(free, h)
	}
	return Save{NextFree: vt.nextFree, Free: free, Cache: merged}
}

// HasShadow reports whether any handle currently has unsynced shadow
// state. The drip-sync background goroutine uses this, together with an
// empty buffer, to decide it is safe to exit.
func (vt *VTable) HasShadow() bool { return len(vt.shadow) > 0 }

// New allocates a fresh handle and an empty VTable entry for it. It never
// returns geom.RootHandle.
func (vt *VTable) New() geom.Handle {
	var h geom.Handle
	if len(vt.free) > 0 {
		for f := range vt.free {
			h = f
			break
		}
		delete(vt.free, h)
	} else {
		h = vt.nextFree
		vt.nextFree++
	}
	vt.cache[h] = Entry{Mtime: time.Now(), LBSize: vt.geo.FBSize}
	return h
}

// Delete removes h entirely. If h is the top of the allocation counter,
// the counter shrinks and absorbs any adjacent free entries; otherwise h
// is returned to the free set.
func (vt *VTable) Delete(h geom.Handle) error {
	if _, err := vt.entry(h); err != nil {
		return err
	}
	if h == vt.nextFree-1 {
		vt.nextFree--
		for {
			prev := vt.nextFree - 1
			if _, ok := vt.free[prev]; !ok {
				break
			}
			delete(vt.free, prev)
			vt.nextFree--
		}
	} else {
		vt.free[h] = struct{}{}
	}
	delete(vt.cache, h)
	delete(vt.shadow, h)
	return nil
}

// Contains reports whether h currently names a live handle: present in
// the cache and not in the free set. (This corrects an undefined-local bug
// in the engine this package was translated from; see the governing
// spec's design notes.)
func (vt *VTable) Contains(h geom.Handle) bool {
	if _, free := vt.free[h]; free {
		return false
	}
	_, ok := vt.cache[h]
	return ok
}

// Len reports the number of live handles.
func (vt *VTable) Len() int { return len(vt.cache) }

// All iterates over every live handle, in unspecified order.
func (vt *VTable) All() iter.Seq[geom.Handle] {
	return func(yield func(geom.Handle) bool) {
		for h := range vt.cache {
			if !yield(h) {
				return
			}
		}
	}
}

func (vt *VTable) entry(h geom.Handle) (Entry, error) {
	if _, free := vt.free[h]; free {
		return Entry{}, fmt.Errorf("%w: %d", ErrNotFound, h)
	}
	e, ok := vt.cache[h]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %d", ErrNotFound, h)
	}
	return e, nil
}

// GetInfo returns the raw entry for h.
func (vt *VTable) GetInfo(h geom.Handle) (Entry, error) { return vt.entry(h) }

// GetSize returns the total byte length of h's content.
func (vt *VTable) GetSize(h geom.Handle) (int64, error) {
	e, err := vt.entry(h)
	if err != nil {
		return 0, err
	}
	if len(e.Inodes) == 0 {
		return 0, nil
	}
	return int64(vt.geo.FBSize)*int64(len(e.Inodes)-1) + int64(e.LBSize), nil
}

// GetMtime returns h's last modification time.
func (vt *VTable) GetMtime(h geom.Handle) (time.Time, error) {
	e, err := vt.entry(h)
	if err != nil {
		return time.Time{}, err
	}
	return e.Mtime, nil
}

// SetMtime overwrites h's modification time without otherwise altering
// its entry.
func (vt *VTable) SetMtime(h geom.Handle, when time.Time) error {
	e, err := vt.entry(h)
	if err != nil {
		return err
	}
	e.Mtime = when
	vt.cache[h] = e
	return nil
}

// unpackInodes derives (inode, isSplit) for every fragment of e. A handle
// whose tail fragment is large enough to require a full half must have
// every earlier fragment at exactly fbsize, which by construction exceeds
// split_maxsize, so only the tail can ever be split.
func (vt *VTable) unpackInodes(e Entry) []Addr {
	out := make([]Addr, len(e.Inodes))
	tailIsSplit := e.LBSize <= vt.geo.SplitMaxSize
	for i, in := range e.Inodes {
		out[i] = Addr{Inode: in, Split: tailIsSplit && i == len(e.Inodes)-1}
	}
	return out
}

// GetInodes returns the resolved (inode, split) address of every fragment
// of h.
func (vt *VTable) GetInodes(h geom.Handle) ([]Addr, error) {
	e, err := vt.entry(h)
	if err != nil {
		return nil, err
	}
	return vt.unpackInodes(e), nil
}

// IsStale reports whether the fragment of h believed to be stored at the
// given backend inode (2*slot + half) is safe to discard: true unless
// some current-or-shadow entry for h still claims that address (for a
// split fragment, any address sharing the same backend slot counts as
// live, since both halves of a slot may be merged during drip sync).
func (vt *VTable) IsStale(h geom.Handle, inode int64) bool {
	check := func(e Entry) bool {
		for _, a := range vt.unpackInodes(e) {
			if a.Split {
				if a.Inode/2 == inode/2 {
					return true
				}
			} else if a.Inode == inode {
				return true
			}
		}
		return false
	}
	if e, ok := vt.shadow[h]; ok && check(e) {
		return false
	}
	if e, ok := vt.cache[h]; ok && check(e) {
		return false
	}
	return true
}

func (vt *VTable) snapshotShadow(h geom.Handle, e Entry) {
	if _, ok := vt.shadow[h]; !ok {
		vt.shadow[h] = e.clone()
	}
}

// ChangeInode records that fragment idx of h now has size sz and its
// authoritative bytes live in the buffer (not the backend). Appending
// (idx == len(inodes)) requires the current tail to be a full fbsize
// fragment; writing a non-tail fragment requires sz == fbsize.
func (vt *VTable) ChangeInode(h geom.Handle, idx, sz int) error {
	e, err := vt.entry(h)
	if err != nil {
		return err
	}
	if idx < 0 || sz <= 0 {
		return fmt.Errorf("%w: index %d size %d", ErrInvalidArgument, idx, sz)
	}
	vt.snapshotShadow(h, e)

	switch {
	case idx == len(e.Inodes):
		if e.LBSize != vt.geo.FBSize {
			return fmt.Errorf("%w: can't append to %d until its last fragment is full", ErrInvalidArgument, h)
		}
		e.Inodes = append(e.Inodes, Stale)
		e.LBSize = sz
	case idx == len(e.Inodes)-1:
		e.Inodes[idx] = Stale
		e.LBSize = sz
	case idx < len(e.Inodes)-1:
		if sz != vt.geo.FBSize {
			return fmt.Errorf("%w: fragment %d of %d is not the tail, so it must be exactly %d bytes",
				ErrInvalidArgument, idx, h, vt.geo.FBSize)
		}
		e.Inodes[idx] = Stale
	default:
		return fmt.Errorf("%w: index %d", ErrOutOfRange, idx)
	}
	e.Mtime = time.Now()
	vt.cache[h] = e
	return nil
}

// TruncInodes shortens h's fragment list to newLen fragments. The caller
// is responsible for any partial-tail adjustment via a subsequent
// ChangeInode/Set. If every surviving inode is already resolved, the
// shadow entry for h is dropped immediately rather than waiting for the
// next SetInode.
func (vt *VTable) TruncInodes(h geom.Handle, newLen int) error {
	e, err := vt.entry(h)
	if err != nil {
		return err
	}
	if newLen < 0 || newLen > len(e.Inodes) {
		return fmt.Errorf("%w: new length %d", ErrOutOfRange, newLen)
	}
	e.Inodes = append([]int64(nil), e.Inodes[:newLen]...)
	e.LBSize = vt.geo.FBSize
	e.Mtime = time.Now()
	vt.cache[h] = e

	if _, shadowed := vt.shadow[h]; shadowed && allResolved(e.Inodes) {
		delete(vt.shadow, h)
	}
	return nil
}

// SetInode records that fragment idx of h has been durably written to
// backend inode addr. It does not refresh mtime: it is called by the drip
// sync after a confirmed write, not in response to a client mutation. If
// every inode of h is now resolved, the shadow entry is dropped.
func (vt *VTable) SetInode(h geom.Handle, idx int, addr int64) error {
	e, err := vt.entry(h)
	if err != nil {
		return err
	}
	if idx < 0 || idx >= len(e.Inodes) {
		return fmt.Errorf("%w: index %d", ErrOutOfRange, idx)
	}
	e.Inodes[idx] = addr
	vt.cache[h] = e

	if _, shadowed := vt.shadow[h]; shadowed && allResolved(e.Inodes) {
		delete(vt.shadow, h)
	}
	return nil
}

func allResolved(inodes []int64) bool {
	for _, i := range inodes {
		if i < 0 {
			return false
		}
	}
	return true
}
