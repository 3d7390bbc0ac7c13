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
	"crypto/rand"
	"fmt"
	"log"
	"math/big"
	"sort"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/dripsync/dripsync/block"
	"github.com/dripsync/dripsync/buffer"
	"github.com/dripsync/dripsync/geom"
)

// evictedSlot carries one sampled backend slot through a sync round,
// alongside its freshened halves.
type evictedSlot struct {
	slot      int
	even, odd *block.Block
}

// Sync runs one round of the drip algorithm: it samples DripRate backend
// slots, scrubs stale fragments out of them, best-fit packs as much of
// the buffer as fits, writes all the sampled slots back unconditionally,
// and reflects the placements it made into the VTable. It writes exactly
// DripRate slots even if the buffer is empty, since a constant write
// pattern is the entire point.
//
// Only one sync runs at a time; a call that arrives while one is already
// in flight logs a warning and returns immediately rather than queuing.
func (w *Writer) Sync(ctx context.Context) error {
	w.μ.Lock()
	if w.syncing {
		w.μ.Unlock()
		log.Printf("engine: sync already in progress, skipping this round")
		return nil
	}
	w.syncing = true
	w.recent = make(map[buffer.Key]bool)
	w.μ.Unlock()
	defer func() {
		w.μ.Lock()
		w.syncing = false
		w.recent = nil
		w.μ.Unlock()
	}()

	k := w.dripRate
	if k > w.geo.TotalBlocks-1 {
		k = w.geo.TotalBlocks - 1
	}
	if k <= 0 {
		return nil // a single-slot backend has nothing to evict but the superblock
	}
	evict, err := pickEvictionSlots(k, w.geo.TotalBlocks)
	if err != nil {
		return fmt.Errorf("engine: sync: choose eviction slots: %w", err)
	}

	pairs, avail, err := w.snapshotForSync(ctx, evict)
	if err != nil {
		return fmt.Errorf("engine: sync: %w", err)
	}

	blocks := make([]*block.Block, 0, 2*len(pairs))
	for _, p := range pairs {
		blocks = append(blocks, p.even, p.odd)
	}
	for _, item := range avail {
		sort.Slice(blocks, func(i, j int) bool { return blocks[i].SpaceAvail() < blocks[j].SpaceAvail() })
		for _, b := range blocks {
			if b.Add(item.Key.Handle, item.Key.Index, item.Data) {
				break
			}
		}
		// An item that fits nowhere simply remains buffered for a later
		// round; that is not an error.
	}

	for _, p := range pairs {
		if err := w.writeSlot(ctx, p.slot, p.even, p.odd); err != nil {
			return fmt.Errorf("engine: sync: write slot %d: %w", p.slot, err)
		}
	}

	poppable := w.applyPlacements(pairs)

	w.guard.RLock()
	err = w.saveSuperBlock(ctx)
	w.guard.RUnlock()
	if err != nil {
		return fmt.Errorf("engine: sync: persist superblock: %w", err)
	}

	w.guard.Lock()
	// A Set that landed after applyPlacements is in the recent set too;
	// its newer bytes stay buffered for a later round.
	keep := poppable[:0]
	for _, key := range poppable {
		if !w.isRecent(key) {
			keep = append(keep, key)
		}
	}
	w.buf.Pop(keep)
	w.guard.Unlock()
	return nil
}

// snapshotForSync fetches and freshens the evicted slots and snapshots
// the buffer, all under a single read-lock hold so that the view is
// consistent with respect to concurrent Set/Delete calls. It also
// opportunistically merges two still-split halves of the same slot when
// their combined contents fit in one split half, reclaiming the other
// half's capacity for this round's packing.
func (w *Writer) snapshotForSync(ctx context.Context, evict []int) ([]evictedSlot, []buffer.Item, error) {
	w.guard.RLock()
	defer w.guard.RUnlock()

	pairs := make([]evictedSlot, 0, len(evict))
	for _, slot := range evict {
		even, odd, err := w.fetchSlot(ctx, slot)
		if err != nil {
			return nil, nil, err
		}
		w.freshen(int64(slot)*2, even)
		w.freshen(int64(slot)*2+1, odd)
		if even.Kind() == block.Split && odd.Kind() == block.Split &&
			even.Size()+odd.Size() <= w.geo.SplitMaxSize {
			merged := make(map[geom.Handle][]byte, len(even.SplitEntries())+len(odd.SplitEntries()))
			for h, d := range even.SplitEntries() {
				merged[h] = d
			}
			for h, d := range odd.SplitEntries() {
				merged[h] = d
			}
			even = block.NewSplit(w.geo, merged)
			odd = block.NewEmpty(w.geo)
		}
		pairs = append(pairs, evictedSlot{slot: slot, even: even, odd: odd})
	}
	return pairs, w.buf.Available(), nil
}

// freshen deletes from blk any fragment the VTable no longer considers
// live at inode. The caller must hold at least guard.RLock.
func (w *Writer) freshen(inode int64, blk *block.Block) {
	switch blk.Kind() {
	case block.Split:
		for h := range blk.SplitEntries() {
			if w.vt.IsStale(h, inode) {
				blk.DeleteSplit(h)
			}
		}
	case block.Full:
		if h, _, ok := blk.FullEntry(); ok && w.vt.IsStale(h, inode) {
			blk.Demote()
		}
	}
}

// applyPlacements reflects every fragment newly placed into pairs back
// into the VTable, skipping any (handle, index) that a concurrent Set
// touched during this sync (the recent set): that newer write must win
// over this round's now-stale backend address. It returns the buffer
// keys that are safe to pop.
func (w *Writer) applyPlacements(pairs []evictedSlot) []buffer.Key {
	w.guard.Lock()
	defer w.guard.Unlock()

	var poppable []buffer.Key
	place := func(b *block.Block, inode int64) {
		for _, add := range b.Added() {
			key := buffer.Key{Handle: add.Handle, Index: add.Index}
			if w.isRecent(key) {
				continue
			}
			if err := w.vt.SetInode(add.Handle, add.Index, inode); err != nil {
				// The handle may have been deleted concurrently; that's
				// fine, there's nothing left to point at its old bytes.
				continue
			}
			poppable = append(poppable, key)
		}
	}
	for _, p := range pairs {
		place(p.even, int64(p.slot)*2)
		place(p.odd, int64(p.slot)*2+1)
	}
	return poppable
}

// pickEvictionSlots chooses k distinct slots from [1, totalBlocks) (slot 0
// is reserved for the SuperBlock) using a cryptographically strong source,
// since the whole point of fixed-size, constant-rate writes is that an
// observer cannot predict or influence which slots are touched next.
func pickEvictionSlots(k, totalBlocks int) ([]int, error) {
	n := totalBlocks - 1
	if n <= 0 {
		return nil, nil
	}
	if k > n {
		k = n
	}
	pool := make([]int, n)
	for i := range pool {
		pool[i] = i + 1
	}
	for i := 0; i < k; i++ {
		j, err := randIntn(len(pool) - i)
		if err != nil {
			return nil, err
		}
		pool[i], pool[i+j] = pool[i+j], pool[i]
	}
	return pool[:k], nil
}

func randIntn(n int) (int, error) {
	if n <= 1 {
		return 0, nil
	}
	bi, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, err
	}
	return int(bi.Int64()), nil
}

// Start begins the periodic background drip sync. It is a no-op if
// already running. The supplied ctx governs backend I/O for every sync
// this goroutine runs; cancelling it aborts the loop immediately without
// waiting for the buffer to drain, unlike Finish.
func (w *Writer) Start(ctx context.Context) {
	w.μ.Lock()
	if w.running {
		w.μ.Unlock()
		return
	}
	w.running = true
	w.exited = make(chan struct{})
	exited := w.exited
	w.μ.Unlock()

	g := taskgroup.Go(func() error { return w.runSyncer(ctx) })
	go func() {
		err := g.Wait()
		w.μ.Lock()
		w.runErr = err
		w.μ.Unlock()
		close(exited)
	}()
}

// Finish marks the writer inactive and blocks until the background
// syncer has drained the buffer and every VTable shadow entry and exited,
// or ctx ends first. It is a no-op if Start was never called.
func (w *Writer) Finish(ctx context.Context) error {
	w.μ.Lock()
	if !w.running {
		w.μ.Unlock()
		return nil
	}
	w.running = false
	exited := w.exited
	w.μ.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-exited:
		w.μ.Lock()
		err := w.runErr
		w.μ.Unlock()
		return err
	}
}

func (w *Writer) isRunning() bool {
	w.μ.Lock()
	defer w.μ.Unlock()
	return w.running
}

func (w *Writer) drained() bool {
	w.guard.RLock()
	defer w.guard.RUnlock()
	return w.buf.Len() == 0 && !w.vt.HasShadow()
}

// runSyncer is the background goroutine started by Start. It runs a sync
// every DripPeriod, tracking a soft deadline: a round that overruns the
// period is logged and the next sleep is clamped to zero rather than
// going negative. It exits once Finish has been called and the buffer
// and VTable shadow map are both empty, mirroring the Python Syncer's
// triple exit condition -- stopping the instant the buffer empties would
// risk leaving an in-flight handle's shadow entry stranded.
func (w *Writer) runSyncer(ctx context.Context) error {
	for {
		start := time.Now()
		if err := w.Sync(ctx); err != nil {
			log.Printf("engine: drip sync failed: %v", err)
		}
		if elapsed := time.Since(start); elapsed > w.dripPeriod {
			log.Printf("engine: sync took %s, longer than the %s drip period", elapsed, w.dripPeriod)
		}

		if !w.isRunning() && w.drained() {
			return nil
		}

		elapsed := time.Since(start)
		sleep := w.dripPeriod - elapsed
		if sleep < 0 {
			sleep = 0
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}
