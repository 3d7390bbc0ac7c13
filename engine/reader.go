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

package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dripsync/dripsync/backend"
	"github.com/dripsync/dripsync/codec"
	"github.com/dripsync/dripsync/geom"
	"github.com/dripsync/dripsync/rwmutex"
	"github.com/dripsync/dripsync/vtable"
)

// Reader is a read-only view of a store: it never buffers, never syncs,
// and never writes to the backend. It re-reads the SuperBlock at most once
// per RefreshThreshold, so a burst of calls costs one backend round trip
// rather than one per call, while still reflecting a concurrently running
// Writer's drip-synced state within one threshold's staleness.
type Reader struct {
	be  backend.Store
	cc  *codec.Codec
	geo geom.Geometry

	// RefreshThreshold bounds how stale the cached VTable may be before
	// the next call forces a re-read of slot 0. It must be at least the
	// writer's drip period, since refreshing faster than the writer syncs
	// buys nothing but backend traffic.
	refreshThreshold time.Duration

	guard rwmutex.Guard
	vt    *vtable.VTable

	μ           sync.Mutex // protects lastRefresh only
	lastRefresh time.Time
}

// OpenReader attaches a read-only view to an existing store. cfg's
// geometry is compared against the stored SuperBlock; a mismatch is logged
// and the stored geometry is used. Unlike Open, it never initializes a
// fresh store, since a reader with nothing to read is
// not a meaningful operation. cfg.DripPeriod also sets the refresh
// threshold: re-reading the SuperBlock faster than the writer can possibly
// change it only adds backend traffic.
func OpenReader(ctx context.Context, be backend.Store, cc *codec.Codec, cfg Config) (*Reader, error) {
	geo := geom.Derive(cfg.BlockSize, cfg.HeaderLen, cfg.TotalBlocks)
	if cfg.HeaderLen != codec.Overhead {
		return nil, fmt.Errorf("engine: HeaderLen (%d) must equal codec.Overhead (%d)", cfg.HeaderLen, codec.Overhead)
	}
	r := &Reader{be: be, cc: cc, geo: geo, refreshThreshold: cfg.DripPeriod, guard: rwmutex.New()}

	// The initial load happens before r is visible to any other goroutine,
	// so it is the only point at which adopting the SuperBlock's stored
	// geometry -- which may disagree with cfg's, e.g. after the backend
	// was resized -- is race-free. Every later Refresh keeps using r.geo
	// as fixed here rather than reassigning it from each reload.
	raw, err := be.Get(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("engine: read superblock: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("engine: reader: store has not been initialized")
	}
	vt, storedGeo, err := loadVTableFromBackend(raw, cc, geo)
	if err != nil {
		return nil, err
	}
	r.geo = storedGeo
	r.vt = vt
	r.lastRefresh = time.Now()
	return r, nil
}

// Refresh unconditionally reloads the VTable from backend slot 0,
// regardless of RefreshThreshold.
func (r *Reader) Refresh(ctx context.Context) error {
	raw, err := r.be.Get(ctx, 0)
	if err != nil {
		return fmt.Errorf("engine: read superblock: %w", err)
	}
	if len(raw) == 0 {
		return fmt.Errorf("engine: reader: store has not been initialized")
	}
	vt, _, err := loadVTableFromBackend(raw, r.cc, r.geo)
	if err != nil {
		return err
	}
	r.guard.Lock()
	r.vt = vt
	r.guard.Unlock()
	r.μ.Lock()
	r.lastRefresh = time.Now()
	r.μ.Unlock()
	return nil
}

// maybeRefresh calls Refresh only if RefreshThreshold has elapsed since the
// last one. Every accessor below calls this instead of Refresh directly.
func (r *Reader) maybeRefresh(ctx context.Context) error {
	r.μ.Lock()
	due := time.Since(r.lastRefresh) >= r.refreshThreshold
	r.μ.Unlock()
	if !due {
		return nil
	}
	return r.Refresh(ctx)
}

// Len reports the number of live handles as of the last refresh.
func (r *Reader) Len(ctx context.Context) (int, error) {
	if err := r.maybeRefresh(ctx); err != nil {
		return 0, err
	}
	r.guard.RLock()
	defer r.guard.RUnlock()
	return r.vt.Len(), nil
}

// Size returns the total byte length stored across every handle. It is
// O(handles); callers that need this repeatedly should cache it themselves.
func (r *Reader) Size(ctx context.Context) (int64, error) {
	if err := r.maybeRefresh(ctx); err != nil {
		return 0, err
	}
	r.guard.RLock()
	defer r.guard.RUnlock()
	var total int64
	for h := range r.vt.All() {
		sz, err := r.vt.GetSize(h)
		if err != nil {
			continue // deleted between All() and GetSize(); skip it
		}
		total += sz
	}
	return total, nil
}

// NumBlocks returns the number of fragments currently allocated to h.
func (r *Reader) NumBlocks(ctx context.Context, h geom.Handle) (int, error) {
	if err := r.maybeRefresh(ctx); err != nil {
		return 0, err
	}
	r.guard.RLock()
	defer r.guard.RUnlock()
	info, err := r.vt.GetInfo(h)
	if err != nil {
		return 0, err
	}
	return len(info.Inodes), nil
}

// GetSize returns the total byte length of h's content.
func (r *Reader) GetSize(ctx context.Context, h geom.Handle) (int64, error) {
	if err := r.maybeRefresh(ctx); err != nil {
		return 0, err
	}
	r.guard.RLock()
	defer r.guard.RUnlock()
	return r.vt.GetSize(h)
}

// GetMtime returns h's last modification time.
func (r *Reader) GetMtime(ctx context.Context, h geom.Handle) (time.Time, error) {
	if err := r.maybeRefresh(ctx); err != nil {
		return time.Time{}, err
	}
	r.guard.RLock()
	defer r.guard.RUnlock()
	return r.vt.GetMtime(h)
}

// Get returns fragment idx of h as most recently synced to the backend.
// Unlike Writer.Get there is no buffer to consult: a Reader only ever sees
// what a Writer has already written to a backend slot.
func (r *Reader) Get(ctx context.Context, h geom.Handle, idx int) ([]byte, error) {
	if err := r.maybeRefresh(ctx); err != nil {
		return nil, err
	}
	r.guard.RLock()
	addrs, err := r.vt.GetInodes(h)
	r.guard.RUnlock()
	if err != nil {
		return nil, err
	}
	if idx < 0 || idx >= len(addrs) {
		return nil, fmt.Errorf("%w: fragment %d of handle %d", vtable.ErrOutOfRange, idx, h)
	}
	addr := addrs[idx]
	if addr.Inode == vtable.Stale {
		// A fragment this fresh has only ever been buffered by the writer
		// and not yet drip-synced; a read-only view has no way to see it.
		return nil, fmt.Errorf("%w: fragment %d of handle %d has not been synced to the backend yet", ErrIO, idx, h)
	}
	slot := int(addr.Inode / 2)
	half := addr.Inode % 2
	even, odd, err := fetchSlotFrom(ctx, r.be, r.cc, r.geo, slot)
	if err != nil {
		return nil, err
	}
	half1 := even
	if half != 0 {
		half1 = odd
	}
	if addr.Split {
		// See the matching comment in Writer.getLocked: a sync's
		// opportunistic split-merge can move these entries to the other
		// half of the slot without updating the VTable address.
		if data, ok := half1.SplitEntries()[h]; ok {
			return append([]byte(nil), data...), nil
		}
		other := odd
		if half != 0 {
			other = even
		}
		if data, ok := other.SplitEntries()[h]; ok {
			return append([]byte(nil), data...), nil
		}
		return nil, fmt.Errorf("%w: fragment %d of handle %d missing from split halves at slot %d", ErrIO, idx, h, slot)
	}
	fh, data, ok := half1.FullEntry()
	if !ok || fh != h {
		return nil, fmt.Errorf("%w: fragment %d of handle %d missing from full half at slot %d", ErrIO, idx, h, slot)
	}
	return append([]byte(nil), data...), nil
}

// ReadAll concatenates every fragment of h and returns the object's full
// content. If the concatenated length disagrees with the VTable's recorded
// size -- which can happen if a concurrent drip sync is mid-flight when
// Refresh captures the SuperBlock -- it reports ErrIO rather than returning
// a silently truncated or padded result.
func (r *Reader) ReadAll(ctx context.Context, h geom.Handle) ([]byte, error) {
	n, err := r.NumBlocks(ctx, h)
	if err != nil {
		return nil, err
	}
	wantSize, err := r.GetSize(ctx, h)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, wantSize)
	for i := 0; i < n; i++ {
		frag, err := r.Get(ctx, h, i)
		if err != nil {
			return nil, err
		}
		out = append(out, frag...)
	}
	if int64(len(out)) != wantSize {
		return nil, fmt.Errorf("%w: handle %d materialized %d bytes, vtable reports %d (sync in progress?)", ErrIO, h, len(out), wantSize)
	}
	return out, nil
}
