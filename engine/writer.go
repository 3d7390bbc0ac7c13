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

// Package engine implements the oblivious write-only synchronization
// engine: it composes buffer, vtable, block and backend to give callers a
// mutable, fragment-addressed view of logical objects while writing
// exactly K encrypted backend blocks every drip period, regardless of
// how much (or how little) the caller has actually changed.
//
// Writer plays the role wbstore.Store plays for the teacher: a front end
// that buffers writes and pushes them to a backing store on a background
// schedule. The schedule here is driven by a fixed period and a fixed
// eviction count rather than by buffer occupancy, since the whole point
// is that an observer of the backend must not be able to tell how busy
// the store is.
package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dripsync/dripsync/backend"
	"github.com/dripsync/dripsync/block"
	"github.com/dripsync/dripsync/buffer"
	"github.com/dripsync/dripsync/codec"
	"github.com/dripsync/dripsync/geom"
	"github.com/dripsync/dripsync/rwmutex"
	"github.com/dripsync/dripsync/vtable"
	"github.com/dripsync/dripsync/wire"
)

// Config describes the fixed parameters of a store. BlockSize, HeaderLen
// and TotalBlocks are immutable once a store has been created: changing
// them would change the derived geometry out from under an existing
// VTable. HeaderLen must equal the Codec's Overhead, since the plaintext
// geometry and the ciphertext framing have to agree on how many bytes
// the cipher consumes.
type Config struct {
	BlockSize   int
	HeaderLen   int
	TotalBlocks int

	// DripRate (K) is the number of backend slots evicted and rewritten
	// on every sync, independent of how much data is actually buffered.
	DripRate int

	// DripPeriod (T) is the target interval between drip syncs run by
	// the background goroutine started by Start.
	DripPeriod time.Duration
}

// Writer is the mutable engine: logical fragment reads and writes, plus
// the periodic drip sync that pushes buffered fragments to the backend K
// slots at a time.
type Writer struct {
	be  backend.Store
	cc  *codec.Codec
	geo geom.Geometry

	guard rwmutex.Guard
	vt    *vtable.VTable
	buf   *buffer.Buffer

	dripRate   int
	dripPeriod time.Duration

	μ       sync.Mutex // protects the fields below; independent of guard
	running bool
	syncing bool
	recent  map[buffer.Key]bool
	exited  chan struct{}
	runErr  error
}

// Open loads a store from be, or initializes a fresh one if slot 0 is
// empty. cfg's BlockSize/HeaderLen/TotalBlocks are authoritative for a
// fresh store; for an existing one they are compared against the loaded
// SuperBlock, a mismatch is logged as a warning, and the stored geometry
// -- not cfg's -- is what the Writer actually uses, since an operator
// widening the backend after the fact is expected to reuse the existing
// geometry, not this call's arguments.
func Open(ctx context.Context, be backend.Store, cc *codec.Codec, cfg Config) (*Writer, error) {
	geo := geom.Derive(cfg.BlockSize, cfg.HeaderLen, cfg.TotalBlocks)
	if cfg.HeaderLen != codec.Overhead {
		// A caller who passes a HeaderLen that doesn't match the Codec in
		// use would silently produce ciphertext whose length disagrees
		// with BlockSize, so the derived geometry's fragment sizes would
		// no longer correspond to what Encrypt actually emits.
		return nil, fmt.Errorf("engine: HeaderLen (%d) must equal codec.Overhead (%d)", cfg.HeaderLen, codec.Overhead)
	}

	w := &Writer{
		be:         be,
		cc:         cc,
		geo:        geo,
		guard:      rwmutex.New(),
		buf:        buffer.New(),
		dripRate:   cfg.DripRate,
		dripPeriod: cfg.DripPeriod,
	}

	raw, err := be.Get(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("engine: read superblock: %w", err)
	}
	if len(raw) == 0 {
		w.vt = vtable.New(geo)
		if err := w.saveSuperBlock(ctx); err != nil {
			return nil, fmt.Errorf("engine: initialize superblock: %w", err)
		}
		return w, nil
	}

	vt, storedGeo, err := loadVTableFromBackend(raw, cc, geo)
	if err != nil {
		return nil, err
	}
	w.geo = storedGeo
	w.vt = vt
	return w, nil
}

// loadVTableFromBackend decrypts and decodes the SuperBlock plaintext raw
// read from backend slot 0 and reconstructs the VTable it describes. Shared
// by Open and Reader.Refresh, which both need to turn slot 0's ciphertext
// into a live VTable without otherwise touching Writer-only state. The
// returned Geometry is derived from the SuperBlock's own stored fields,
// not from cfgGeo; cfgGeo is only used to log a warning when the caller's
// configuration disagrees with what the store actually was created with.
func loadVTableFromBackend(raw []byte, cc *codec.Codec, cfgGeo geom.Geometry) (*vtable.VTable, geom.Geometry, error) {
	plain, err := cc.Decrypt(raw)
	if err != nil {
		return nil, geom.Geometry{}, fmt.Errorf("engine: decrypt superblock: %w", err)
	}
	sb, err := wire.DecodeSuperBlock(plain)
	if err != nil {
		return nil, geom.Geometry{}, fmt.Errorf("engine: decode superblock: %w", err)
	}
	if sb.Version != CurrentVersion {
		return nil, geom.Geometry{}, fmt.Errorf("%w: have %d, want %d", ErrIncompatibleVersion, sb.Version, CurrentVersion)
	}
	storedGeo := geom.Derive(int(sb.BlockSize), int(sb.HeaderLen), int(sb.TotalBlocks))
	if storedGeo != cfgGeo {
		log.Printf("engine: configured geometry (block=%d header=%d blocks=%d) does not match stored superblock geometry (block=%d header=%d blocks=%d); using the stored geometry",
			cfgGeo.BlockSize, cfgGeo.HeaderLen, cfgGeo.TotalBlocks,
			storedGeo.BlockSize, storedGeo.HeaderLen, storedGeo.TotalBlocks)
	}
	vtMsg, err := wire.DecodeVTable(sb.VTable)
	if err != nil {
		return nil, geom.Geometry{}, fmt.Errorf("engine: decode vtable: %w", err)
	}
	return vtable.Load(storedGeo, fromWireSave(vtMsg)), storedGeo, nil
}

func fromWireSave(msg wire.VTable) vtable.Save {
	free := make([]geom.Handle, len(msg.Free))
	for i, h := range msg.Free {
		free[i] = geom.Handle(h)
	}
	cache := make(map[geom.Handle]vtable.Entry, len(msg.Entries))
	for _, e := range msg.Entries {
		inodes := append([]int64(nil), e.Inodes...)
		cache[geom.Handle(e.Handle)] = vtable.Entry{
			Mtime:  time.Unix(0, e.MtimeUnixNano),
			LBSize: int(e.LBSize),
			Inodes: inodes,
		}
	}
	return vtable.Save{NextFree: geom.Handle(msg.NextFree), Free: free, Cache: cache}
}

func toWireSave(save vtable.Save) wire.VTable {
	free := make([]uint64, len(save.Free))
	for i, h := range save.Free {
		free[i] = uint64(h)
	}
	entries := make([]wire.VTableEntry, 0, len(save.Cache))
	for h, e := range save.Cache {
		entries = append(entries, wire.VTableEntry{
			Handle:        uint64(h),
			MtimeUnixNano: e.Mtime.UnixNano(),
			LBSize:        uint32(e.LBSize),
			Inodes:        append([]int64(nil), e.Inodes...),
		})
	}
	return wire.VTable{NextFree: uint64(save.NextFree), Free: free, Entries: entries}
}

// saveSuperBlock persists the current VTable snapshot to backend slot 0.
// Callers must hold at least the read lock, since it only reads vt state.
func (w *Writer) saveSuperBlock(ctx context.Context) error {
	vtBytes := wire.EncodeVTable(toWireSave(w.vt.Save()))
	sb := wire.SuperBlock{
		Version:     CurrentVersion,
		BlockSize:   uint32(w.geo.BlockSize),
		HeaderLen:   uint32(w.geo.HeaderLen),
		TotalBlocks: uint32(w.geo.TotalBlocks),
		VTable:      vtBytes,
	}
	plain := wire.EncodeSuperBlock(sb)
	cipher, err := w.cc.Encrypt(plain)
	if err != nil {
		return fmt.Errorf("engine: encrypt superblock: %w", err)
	}
	return w.be.Set(ctx, 0, cipher)
}

// toBlockDomain converts a decoded wire.Block into the in-memory block.Block.
func toBlockDomain(geo geom.Geometry, wb wire.Block) *block.Block {
	switch wb.Kind {
	case 1:
		m := make(map[geom.Handle][]byte, len(wb.Split))
		for _, e := range wb.Split {
			m[geom.Handle(e.Handle)] = e.Data
		}
		return block.NewSplit(geo, m)
	case 2:
		return block.NewFull(geo, geom.Handle(wb.FullHandle), wb.FullData)
	default:
		return block.NewEmpty(geo)
	}
}

// toWireBlock converts an in-memory block.Block into its wire form.
func toWireBlock(b *block.Block) wire.Block {
	switch b.Kind() {
	case block.Split:
		entries := b.SplitEntries()
		out := wire.Block{Kind: 1, Split: make([]wire.SplitEntry, 0, len(entries))}
		for h, d := range entries {
			out.Split = append(out.Split, wire.SplitEntry{Handle: uint64(h), Data: d})
		}
		return out
	case block.Full:
		h, d, _ := b.FullEntry()
		return wire.Block{Kind: 2, FullHandle: uint64(h), FullData: d}
	default:
		return wire.Block{Kind: 0}
	}
}

// fetchSlot reads and decodes backend slot. An untouched slot (zero-length
// raw bytes, as filestore.Open pre-initializes) decodes as two Empty
// halves rather than an error.
func (w *Writer) fetchSlot(ctx context.Context, slot int) (even, odd *block.Block, err error) {
	return fetchSlotFrom(ctx, w.be, w.cc, w.geo, slot)
}

// fetchSlotFrom is the free-function form of fetchSlot, shared with Reader
// so read-only lookups don't need a Writer's buffer/VTable-mutation state.
func fetchSlotFrom(ctx context.Context, be backend.Store, cc *codec.Codec, geo geom.Geometry, slot int) (even, odd *block.Block, err error) {
	raw, err := be.Get(ctx, slot)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: read slot %d: %v", ErrIO, slot, err)
	}
	if len(raw) == 0 {
		return block.NewEmpty(geo), block.NewEmpty(geo), nil
	}
	plain, err := cc.Decrypt(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: decrypt slot %d: %v", ErrIO, slot, err)
	}
	we, wo, err := wire.DecodeSlot(plain)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: decode slot %d: %v", ErrIO, slot, err)
	}
	return toBlockDomain(geo, we), toBlockDomain(geo, wo), nil
}

// writeSlot encodes and encrypts even/odd and writes them to backend slot.
func (w *Writer) writeSlot(ctx context.Context, slot int, even, odd *block.Block) error {
	plainSize := w.geo.BlockSize - w.geo.HeaderLen
	plain, err := wire.EncodeSlot(plainSize, toWireBlock(even), toWireBlock(odd))
	if err != nil {
		return fmt.Errorf("%w: encode slot %d: %v", ErrIO, slot, err)
	}
	cipher, err := w.cc.Encrypt(plain)
	if err != nil {
		return fmt.Errorf("%w: encrypt slot %d: %v", ErrIO, slot, err)
	}
	return w.be.Set(ctx, slot, cipher)
}

// New allocates a fresh handle with no fragments.
func (w *Writer) New() geom.Handle {
	w.guard.Lock()
	defer w.guard.Unlock()
	return w.vt.New()
}

// Delete removes h and every fragment buffered for it.
func (w *Writer) Delete(h geom.Handle) error {
	w.guard.Lock()
	defer w.guard.Unlock()
	w.buf.PopHandle(h)
	return w.vt.Delete(h)
}

// Len reports the number of live handles.
func (w *Writer) Len() int {
	w.guard.RLock()
	defer w.guard.RUnlock()
	return w.vt.Len()
}

// GetSize returns the total byte length of h's content.
func (w *Writer) GetSize(h geom.Handle) (int64, error) {
	w.guard.RLock()
	defer w.guard.RUnlock()
	return w.vt.GetSize(h)
}

// NumBlocks returns the number of fragments currently allocated to h.
func (w *Writer) NumBlocks(h geom.Handle) (int, error) {
	w.guard.RLock()
	defer w.guard.RUnlock()
	info, err := w.vt.GetInfo(h)
	if err != nil {
		return 0, err
	}
	return len(info.Inodes), nil
}

// GetMtime returns h's last modification time.
func (w *Writer) GetMtime(h geom.Handle) (time.Time, error) {
	w.guard.RLock()
	defer w.guard.RUnlock()
	return w.vt.GetMtime(h)
}

// SetMtime overwrites h's modification time.
func (w *Writer) SetMtime(h geom.Handle, when time.Time) error {
	w.guard.Lock()
	defer w.guard.Unlock()
	return w.vt.SetMtime(h, when)
}

// Capacity reports the total fragment-payload capacity of the backend:
// two halves per slot, FBSize bytes per half.
func (w *Writer) Capacity() int64 {
	return int64(w.geo.FBSize) * 2 * int64(w.geo.TotalBlocks)
}

// FragmentSize returns the geometry's fbsize, the payload capacity of one
// fragment. Callers splitting a whole object into Set calls need this to
// chunk content the way ChangeInode expects: every fragment but the last
// must be exactly this long.
func (w *Writer) FragmentSize() int {
	return w.geo.FBSize
}

// Get returns fragment idx of h, checking the buffer before the backend.
func (w *Writer) Get(ctx context.Context, h geom.Handle, idx int) ([]byte, error) {
	w.guard.RLock()
	defer w.guard.RUnlock()
	return w.getLocked(ctx, h, idx)
}

// getLocked implements Get; the caller must already hold guard (read or
// write).
func (w *Writer) getLocked(ctx context.Context, h geom.Handle, idx int) ([]byte, error) {
	addrs, err := w.vt.GetInodes(h)
	if err != nil {
		return nil, err
	}
	if idx < 0 || idx >= len(addrs) {
		return nil, fmt.Errorf("%w: fragment %d of handle %d", vtable.ErrOutOfRange, idx, h)
	}
	if data, ok := w.buf.Get(h, idx); ok {
		return append([]byte(nil), data...), nil
	}
	addr := addrs[idx]
	if addr.Inode == vtable.Stale {
		return nil, fmt.Errorf("%w: fragment %d of handle %d is not yet in the backend or the buffer", ErrIO, idx, h)
	}
	slot := int(addr.Inode / 2)
	half := addr.Inode % 2
	even, odd, err := w.fetchSlot(ctx, slot)
	if err != nil {
		return nil, err
	}
	half1 := even
	if half != 0 {
		half1 = odd
	}
	if addr.Split {
		// A sync's opportunistic split-merge can relocate these entries
		// into the other half of the same slot without updating the
		// VTable address (split addressing is slot-granular, not
		// half-granular), so both halves must be checked before giving
		// up.
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

// ReadAll concatenates every fragment of h into a single byte slice.
func (w *Writer) ReadAll(ctx context.Context, h geom.Handle) ([]byte, error) {
	w.guard.RLock()
	defer w.guard.RUnlock()
	info, err := w.vt.GetInfo(h)
	if err != nil {
		return nil, err
	}
	if len(info.Inodes) == 0 {
		return nil, nil
	}
	out := make([]byte, 0, int64(info.LBSize)+int64(len(info.Inodes)-1)*int64(w.geo.FBSize))
	for i := range info.Inodes {
		frag, err := w.getLocked(ctx, h, i)
		if err != nil {
			return nil, err
		}
		out = append(out, frag...)
	}
	return out, nil
}

// WriteAll replaces h's entire content with data, resizing and rewriting
// fragments as needed. It is the fsadapter's primary write path: a whole
// file is kept in memory between open and close, and flushed as one call
// here rather than fragment by fragment.
func (w *Writer) WriteAll(ctx context.Context, h geom.Handle, data []byte) error {
	w.guard.Lock()
	defer w.guard.Unlock()
	if err := w.resizeLocked(ctx, h, int64(len(data))); err != nil {
		return err
	}
	for off := 0; off < len(data); off += w.geo.FBSize {
		end := off + w.geo.FBSize
		if end > len(data) {
			end = len(data)
		}
		idx := off / w.geo.FBSize
		if err := w.setLocked(h, idx, data[off:end]); err != nil {
			return err
		}
	}
	return nil
}

// Set stages data as fragment idx of h. data must be non-empty; use
// Resize to shrink a handle to zero length.
func (w *Writer) Set(h geom.Handle, idx int, data []byte) error {
	w.guard.Lock()
	defer w.guard.Unlock()
	return w.setLocked(h, idx, data)
}

// setLocked implements Set; the caller must already hold the write lock.
func (w *Writer) setLocked(h geom.Handle, idx int, data []byte) error {
	if len(data) == 0 {
		return ErrEmptyWrite
	}
	if err := w.vt.ChangeInode(h, idx, len(data)); err != nil {
		return err
	}
	w.markRecent(h, idx)
	w.buf.Set(h, idx, data)
	return nil
}

func (w *Writer) markRecent(h geom.Handle, idx int) {
	w.μ.Lock()
	defer w.μ.Unlock()
	if w.syncing {
		w.recent[buffer.Key{Handle: h, Index: idx}] = true
	}
}

func (w *Writer) isRecent(key buffer.Key) bool {
	w.μ.Lock()
	defer w.μ.Unlock()
	return w.recent[key]
}

// resizeBytes truncates or zero-pads b to exactly n bytes.
func resizeBytes(b []byte, n int) []byte {
	if len(b) >= n {
		return append([]byte(nil), b[:n]...)
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

// Resize changes h's total length to size bytes, per the fragmentation
// rule in spec.md §"operations": shrinking truncates the inode list and
// then truncates the new tail's content; growing pads the old tail to a
// full fbsize fragment and zero-fills the new ones; and a resize that
// leaves the fragment count unchanged but moves the tail boundary
// read-modify-writes just the tail.
func (w *Writer) Resize(ctx context.Context, h geom.Handle, size int64) error {
	w.guard.Lock()
	defer w.guard.Unlock()
	return w.resizeLocked(ctx, h, size)
}

// resizeLocked implements Resize; the caller must already hold the write
// lock (WriteAll calls this directly to resize-then-rewrite atomically).
func (w *Writer) resizeLocked(ctx context.Context, h geom.Handle, size int64) error {
	if size < 0 {
		return fmt.Errorf("%w: negative size %d", vtable.ErrInvalidArgument, size)
	}
	info, err := w.vt.GetInfo(h)
	if err != nil {
		return err
	}
	curNum := len(info.Inodes)
	curLBSize := info.LBSize
	newNum, newLBSize := w.geo.NumFragments(size)

	switch {
	case newNum < curNum:
		var drop []buffer.Key
		for i := newNum; i < curNum; i++ {
			drop = append(drop, buffer.Key{Handle: h, Index: i})
		}
		w.buf.Pop(drop)
		if err := w.vt.TruncInodes(h, newNum); err != nil {
			return err
		}
		if newNum > 0 && newLBSize != w.geo.FBSize {
			old, err := w.getLocked(ctx, h, newNum-1)
			if err != nil {
				return err
			}
			if err := w.setLocked(h, newNum-1, resizeBytes(old, newLBSize)); err != nil {
				return err
			}
		}

	case newNum > curNum:
		if curNum > 0 && curLBSize != w.geo.FBSize {
			old, err := w.getLocked(ctx, h, curNum-1)
			if err != nil {
				return err
			}
			if err := w.setLocked(h, curNum-1, resizeBytes(old, w.geo.FBSize)); err != nil {
				return err
			}
		}
		for i := curNum; i < newNum-1; i++ {
			if err := w.setLocked(h, i, make([]byte, w.geo.FBSize)); err != nil {
				return err
			}
		}
		if err := w.setLocked(h, newNum-1, make([]byte, newLBSize)); err != nil {
			return err
		}

	default:
		if newNum > 0 && newLBSize != curLBSize {
			old, err := w.getLocked(ctx, h, newNum-1)
			if err != nil {
				return err
			}
			if err := w.setLocked(h, newNum-1, resizeBytes(old, newLBSize)); err != nil {
				return err
			}
		}
	}
	return nil
}
