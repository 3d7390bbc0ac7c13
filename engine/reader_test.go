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
	"testing"

	"github.com/dripsync/dripsync/backend/memstore"
	"github.com/dripsync/dripsync/codec"
	"github.com/dripsync/dripsync/engine"
	"github.com/dripsync/dripsync/vtable"
)

func TestReaderSeesOnlySyncedData(t *testing.T) {
	ctx := context.Background()
	store := memstore.New(64)
	pass := codec.New([]byte("reader passphrase"))

	w, err := engine.Open(ctx, store, pass, testConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	h := w.New()
	if err := w.Set(h, 0, []byte("not yet synced")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	r, err := engine.OpenReader(ctx, store, pass, testConfig())
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	// h was allocated and set only in the writer's in-memory state; the
	// superblock a Reader sees was last persisted before h existed at all.
	if _, err := r.Get(ctx, h, 0); !errors.Is(err, vtable.ErrNotFound) {
		t.Errorf("Get before sync = %v, want ErrNotFound", err)
	}

	if err := w.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	// The refresh threshold hasn't necessarily elapsed; force the reader
	// to notice the sync rather than racing the clock.
	if err := r.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	got, err := r.Get(ctx, h, 0)
	if err != nil {
		t.Fatalf("Get after sync: %v", err)
	}
	if !bytes.Equal(got, []byte("not yet synced")) {
		t.Errorf("Get after sync = %q, want %q", got, "not yet synced")
	}
}

func TestReaderOpenRequiresExistingStore(t *testing.T) {
	ctx := context.Background()
	store := memstore.New(64)
	pass := codec.New([]byte("uninitialized"))
	if _, err := engine.OpenReader(ctx, store, pass, testConfig()); err == nil {
		t.Error("OpenReader on an uninitialized store = nil error, want failure")
	}
}

func TestReaderLenAndSize(t *testing.T) {
	ctx := context.Background()
	store := memstore.New(64)
	pass := codec.New([]byte("len and size"))

	w, err := engine.Open(ctx, store, pass, testConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	h1 := w.New()
	h2 := w.New()
	if err := w.Set(h1, 0, []byte("abc")); err != nil {
		t.Fatalf("Set h1: %v", err)
	}
	if err := w.Set(h2, 0, []byte("de")); err != nil {
		t.Fatalf("Set h2: %v", err)
	}
	if err := w.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	r, err := engine.OpenReader(ctx, store, pass, testConfig())
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	n, err := r.Len(ctx)
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	// The reserved root handle is a live handle too, alongside h1 and h2.
	if n != 3 {
		t.Errorf("Len = %d, want 3", n)
	}
	size, err := r.Size(ctx)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != 5 {
		t.Errorf("Size = %d, want 5", size)
	}
}
