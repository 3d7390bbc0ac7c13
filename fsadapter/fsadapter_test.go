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
	"bytes"
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/dripsync/dripsync/backend/memstore"
	"github.com/dripsync/dripsync/codec"
	"github.com/dripsync/dripsync/engine"
)

func testEngineConfig() engine.Config {
	return engine.Config{
		BlockSize:   1 << 16,
		HeaderLen:   codec.Overhead,
		TotalBlocks: 64,
		DripRate:    4,
		DripPeriod:  50 * time.Millisecond,
	}
}

func TestCreateWriteFlushReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := memstore.New(64)
	w, err := engine.Open(ctx, store, codec.New([]byte("fsadapter test")), testEngineConfig())
	if err != nil {
		t.Fatalf("engine.Open: %v", err)
	}
	a, err := New(ctx, w)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	root := &rootNode{fsys: a}

	var eo fuse.EntryOut
	_, fh, _, errno := root.Create(ctx, "greeting.txt", 0, 0644, &eo)
	if errno != 0 {
		t.Fatalf("Create errno = %v", errno)
	}
	handle := fh.(*fileHandle)

	want := []byte("hello, oblivious world")
	n, errno := handle.Write(ctx, want, 0)
	if errno != 0 {
		t.Fatalf("Write errno = %v", errno)
	}
	if int(n) != len(want) {
		t.Errorf("Write = %d bytes, want %d", n, len(want))
	}
	if errno := handle.Flush(ctx); errno != 0 {
		t.Fatalf("Flush errno = %v", errno)
	}

	e, ok := a.dir["greeting.txt"]
	if !ok {
		t.Fatalf("directory table missing entry after Create")
	}
	got, err := w.ReadAll(ctx, e.handle)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("ReadAll after Flush = %q, want %q", got, want)
	}
}

func TestDirTablePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	store := memstore.New(64)
	pass := codec.New([]byte("fsadapter reopen test"))

	w, err := engine.Open(ctx, store, pass, testEngineConfig())
	if err != nil {
		t.Fatalf("engine.Open: %v", err)
	}
	a, err := New(ctx, w)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	root := &rootNode{fsys: a}
	var eo fuse.EntryOut
	if _, _, _, errno := root.Create(ctx, "a.txt", 0, 0644, &eo); errno != 0 {
		t.Fatalf("Create errno = %v", errno)
	}
	for i := 0; i < 200; i++ {
		if err := w.Sync(ctx); err != nil {
			t.Fatalf("Sync: %v", err)
		}
	}

	w2, err := engine.Open(ctx, store, pass, testEngineConfig())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	a2, err := New(ctx, w2)
	if err != nil {
		t.Fatalf("New after reopen: %v", err)
	}
	if _, ok := a2.dir["a.txt"]; !ok {
		t.Errorf("directory table did not survive reopen: %v", a2.dir)
	}
}

func TestUnlinkRemovesEntry(t *testing.T) {
	ctx := context.Background()
	w, err := engine.Open(ctx, memstore.New(64), codec.New([]byte("unlink test")), testEngineConfig())
	if err != nil {
		t.Fatalf("engine.Open: %v", err)
	}
	a, err := New(ctx, w)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	root := &rootNode{fsys: a}
	var eo fuse.EntryOut
	if _, _, _, errno := root.Create(ctx, "doomed.txt", 0, 0644, &eo); errno != 0 {
		t.Fatalf("Create errno = %v", errno)
	}
	if errno := root.Unlink(ctx, "doomed.txt"); errno != 0 {
		t.Fatalf("Unlink errno = %v", errno)
	}
	if _, ok := a.dir["doomed.txt"]; ok {
		t.Errorf("directory table still has entry after Unlink")
	}
}

func TestReadOnlyMountRejectsMutation(t *testing.T) {
	ctx := context.Background()
	store := memstore.New(64)
	pass := codec.New([]byte("readonly test"))

	w, err := engine.Open(ctx, store, pass, testEngineConfig())
	if err != nil {
		t.Fatalf("engine.Open: %v", err)
	}
	for i := 0; i < 200; i++ {
		if err := w.Sync(ctx); err != nil {
			t.Fatalf("Sync: %v", err)
		}
	}

	r, err := engine.OpenReader(ctx, store, pass, testEngineConfig())
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	a, err := NewReadOnly(ctx, r)
	if err != nil {
		t.Fatalf("NewReadOnly: %v", err)
	}
	root := &rootNode{fsys: a}

	var eo fuse.EntryOut
	if _, _, _, errno := root.Create(ctx, "nope.txt", 0, 0644, &eo); errno != syscall.EROFS {
		t.Errorf("Create on read-only mount = %v, want EROFS", errno)
	}
	if errno := root.Unlink(ctx, "nope.txt"); errno != syscall.EROFS {
		t.Errorf("Unlink on read-only mount = %v, want EROFS", errno)
	}
}
