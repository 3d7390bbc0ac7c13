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

package filestore_test

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/dripsync/dripsync/backend"
	"github.com/dripsync/dripsync/backend/filestore"
)

func TestOpenInitializesAllSlots(t *testing.T) {
	ctx := context.Background()
	s, err := filestore.Open(t.TempDir(), 8)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := s.NumSlots(); got != 8 {
		t.Errorf("NumSlots() = %d, want 8", got)
	}
	for i := 0; i < 8; i++ {
		data, err := s.Get(ctx, i)
		if err != nil {
			t.Fatalf("Get(%d): %v", i, err)
		}
		if len(data) != 0 {
			t.Errorf("Get(%d) = %d bytes, want 0 for an untouched slot", i, len(data))
		}
	}
}

func TestSetGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := filestore.Open(t.TempDir(), 4)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	want := []byte("ciphertext block contents")
	if err := s.Set(ctx, 2, want); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := s.Get(ctx, 2)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("Get(2) = %q, want %q", got, want)
	}
}

func TestOutOfRange(t *testing.T) {
	ctx := context.Background()
	s, err := filestore.Open(t.TempDir(), 4)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.Get(ctx, 4); !errors.Is(err, backend.ErrOutOfRange) {
		t.Errorf("Get(4) = %v, want ErrOutOfRange", err)
	}
	if err := s.Set(ctx, -1, nil); !errors.Is(err, backend.ErrOutOfRange) {
		t.Errorf("Set(-1) = %v, want ErrOutOfRange", err)
	}
}

func TestReopenPreservesContent(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s1, err := filestore.Open(dir, 4)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s1.Set(ctx, 1, []byte("persisted")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	s2, err := filestore.Open(dir, 4)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := s2.Get(ctx, 1)
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if string(got) != "persisted" {
		t.Errorf("Get after reopen = %q, want %q", got, "persisted")
	}
}

func TestStatSlot(t *testing.T) {
	ctx := context.Background()
	s, err := filestore.Open(t.TempDir(), 2)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Set(ctx, 0, []byte("x")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	st, err := s.StatSlot(ctx, 0)
	if err != nil {
		t.Fatalf("StatSlot: %v", err)
	}
	if st.MtimeUnixNano == 0 {
		t.Error("StatSlot returned zero mtime")
	}
}
