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

package engine_test

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/dripsync/dripsync/backend"
	"github.com/dripsync/dripsync/backend/memstore"
	"github.com/dripsync/dripsync/codec"
	"github.com/dripsync/dripsync/engine"
	"github.com/dripsync/dripsync/geom"
	"github.com/dripsync/dripsync/vtable"
)

func testConfig() engine.Config {
	return engine.Config{
		BlockSize:   1 << 16,
		HeaderLen:   codec.Overhead,
		TotalBlocks: 64,
		DripRate:    4,
		DripPeriod:  50 * time.Millisecond,
	}
}

func openTest(t *testing.T, be backend.Store) *engine.Writer {
	t.Helper()
	w, err := engine.Open(context.Background(), be, codec.New([]byte("test passphrase")), testConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return w
}

func TestSetGetBeforeSync(t *testing.T) {
	ctx := context.Background()
	w := openTest(t, memstore.New(64))

	h := w.New()
	want := bytes.Repeat([]byte("a"), 10)
	if err := w.Set(h, 0, want); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := w.Get(ctx, h, 0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("Get = %q, want %q", got, want)
	}
}

func TestAppendRequiresFullTail(t *testing.T) {
	w := openTest(t, memstore.New(64))
	fbsize := derivedGeometry(t)

	h := w.New()
	full := bytes.Repeat([]byte{0}, fbsize)
	if err := w.Set(h, 0, full); err != nil {
		t.Fatalf("Set(0, full): %v", err)
	}
	if err := w.Set(h, 1, []byte("tail")); err != nil {
		t.Fatalf("Set(1, tail): %v", err)
	}
	if err := w.Set(h, 0, []byte("short")); !errors.Is(err, vtable.ErrInvalidArgument) {
		t.Errorf("Set(0, short) after append = %v, want ErrInvalidArgument", err)
	}
}

func derivedGeometry(t *testing.T) int {
	t.Helper()
	cfg := testConfig()
	fbsize := (cfg.BlockSize - cfg.HeaderLen - 200) / 2
	return fbsize
}

func TestResizeGrowThenShrink(t *testing.T) {
	ctx := context.Background()
	w := openTest(t, memstore.New(64))
	fbsize := derivedGeometry(t)

	h := w.New()
	if err := w.Set(h, 0, bytes.Repeat([]byte{1}, fbsize)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := w.Resize(ctx, h, int64(fbsize)+5); err != nil {
		t.Fatalf("Resize grow: %v", err)
	}
	got, err := w.Get(ctx, h, 1)
	if err != nil {
		t.Fatalf("Get(1): %v", err)
	}
	if !bytes.Equal(got, make([]byte, 5)) {
		t.Errorf("Get(1) = %x, want 5 zero bytes", got)
	}

	if err := w.Resize(ctx, h, 3); err != nil {
		t.Fatalf("Resize shrink: %v", err)
	}
	n, err := w.NumBlocks(h)
	if err != nil {
		t.Fatalf("NumBlocks: %v", err)
	}
	if n != 1 {
		t.Errorf("NumBlocks after shrink = %d, want 1", n)
	}
	got0, err := w.Get(ctx, h, 0)
	if err != nil {
		t.Fatalf("Get(0): %v", err)
	}
	if !bytes.Equal(got0, []byte{1, 1, 1}) {
		t.Errorf("Get(0) after shrink = %v, want [1 1 1]", got0)
	}
}

func TestSyncDrainsBufferAndSurvivesReload(t *testing.T) {
	ctx := context.Background()
	store := memstore.New(64)
	pass := codec.New([]byte("durability passphrase"))

	w, err := engine.Open(ctx, store, pass, testConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	h := w.New()
	want := []byte("durable fragment contents")
	if err := w.Set(h, 0, want); err != nil {
		t.Fatalf("Set: %v", err)
	}

	for i := 0; i < 200; i++ {
		if err := w.Sync(ctx); err != nil {
			t.Fatalf("Sync: %v", err)
		}
	}

	reopened, err := engine.Open(ctx, store, pass, testConfig())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := reopened.Get(ctx, h, 0)
	if err != nil {
		t.Fatalf("Get after reload: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("Get after reload = %q, want %q", got, want)
	}
}

func TestSyncWithEmptyBufferDoesNotError(t *testing.T) {
	w := openTest(t, memstore.New(64))
	for i := 0; i < 5; i++ {
		if err := w.Sync(context.Background()); err != nil {
			t.Fatalf("Sync on empty buffer (round %d): %v", i, err)
		}
	}
}

func TestConcurrentSyncDoesNotCorruptState(t *testing.T) {
	ctx := context.Background()
	w := openTest(t, memstore.New(64))
	h := w.New()
	if err := w.Set(h, 0, []byte("concurrent")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = w.Sync(ctx)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Errorf("Sync[%d] = %v, want nil", i, err)
		}
	}

	got, err := w.Get(ctx, h, 0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, []byte("concurrent")) {
		t.Errorf("Get after concurrent sync = %q, want %q", got, "concurrent")
	}
}

func TestStartFinishDrainsInBackground(t *testing.T) {
	ctx := context.Background()
	store := memstore.New(64)
	pass := codec.New([]byte("lifecycle passphrase"))
	w, err := engine.Open(ctx, store, pass, testConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	h := w.New()
	if err := w.Set(h, 0, []byte("background sync")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	w.Start(ctx)
	finishCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := w.Finish(finishCtx); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	got, err := w.Get(ctx, h, 0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, []byte("background sync")) {
		t.Errorf("Get after Finish = %q, want %q", got, "background sync")
	}
}

func TestWriteAllReadAllRoundTrip(t *testing.T) {
	ctx := context.Background()
	w := openTest(t, memstore.New(64))
	fbsize := derivedGeometry(t)

	h := w.New()
	content := bytes.Repeat([]byte("x"), fbsize+17)
	if err := w.WriteAll(ctx, h, content); err != nil {
		t.Fatalf("WriteAll: %v", err)
	}
	got, err := w.ReadAll(ctx, h)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("ReadAll = %d bytes, want %d bytes matching", len(got), len(content))
	}

	if err := w.WriteAll(ctx, h, nil); err != nil {
		t.Fatalf("WriteAll(empty): %v", err)
	}
	got, err = w.ReadAll(ctx, h)
	if err != nil {
		t.Fatalf("ReadAll after empty WriteAll: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("ReadAll after empty WriteAll = %d bytes, want 0", len(got))
	}
}

// TestSyncDeterminismWithManyHandles inserts a couple hundred handles with
// random fragment counts (0-10) and random tail sizes, syncs repeatedly
// until the buffer has certainly drained, and checks every handle reads
// back intact after a reload. This is the scale at which the opportunistic
// split-merge in snapshotForSync actually runs, unlike the single-fragment
// sync tests above.
func TestSyncDeterminismWithManyHandles(t *testing.T) {
	ctx := context.Background()
	// A full (non-split) fragment occupies an entire half by itself, so
	// the backend needs enough halves to hold every interior fragment of
	// every handle at once; 4096 blocks gives generous headroom over the
	// worst case of 200 handles * 9 full fragments each.
	cfg := testConfig()
	cfg.TotalBlocks = 4096
	cfg.DripRate = 64
	store := memstore.New(cfg.TotalBlocks)
	pass := codec.New([]byte("many handles passphrase"))

	w, err := engine.Open(ctx, store, pass, cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	fbsize := derivedGeometry(t)

	rng := rand.New(rand.NewSource(1))
	want := make(map[geom.Handle][]byte, 200)
	for i := 0; i < 200; i++ {
		h := w.New()
		numFrags := rng.Intn(11) // 0..10, inclusive of an empty object
		var content []byte
		if numFrags > 0 {
			full := numFrags - 1
			tail := 1 + rng.Intn(fbsize)
			content = make([]byte, full*fbsize+tail)
			rng.Read(content)
		}
		if err := w.WriteAll(ctx, h, content); err != nil {
			t.Fatalf("WriteAll(handle %d): %v", h, err)
		}
		want[h] = content
	}

	for i := 0; i < 3000; i++ {
		if err := w.Sync(ctx); err != nil {
			t.Fatalf("Sync (round %d): %v", i, err)
		}
	}

	reopened, err := engine.Open(ctx, store, pass, cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	for h, content := range want {
		got, err := reopened.ReadAll(ctx, h)
		if err != nil {
			t.Fatalf("ReadAll(handle %d): %v", h, err)
		}
		if !bytes.Equal(got, content) {
			t.Errorf("ReadAll(handle %d) = %d bytes, want %d bytes matching", h, len(got), len(content))
		}
	}
}

func TestDeleteRemovesHandle(t *testing.T) {
	w := openTest(t, memstore.New(64))
	h := w.New()
	if err := w.Set(h, 0, []byte("gone soon")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := w.Delete(h); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := w.Get(context.Background(), h, 0); !errors.Is(err, vtable.ErrNotFound) {
		t.Errorf("Get after Delete = %v, want ErrNotFound", err)
	}
}
