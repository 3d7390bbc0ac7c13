// Copyright 2020 Michael J. Fromberger. All Rights Reserved.
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

package cached_test

import (
	"context"
	"testing"

	"github.com/dripsync/dripsync/backend/cached"
	"github.com/dripsync/dripsync/backend/memstore"
)

func TestGetMissesThenHitsCache(t *testing.T) {
	ctx := context.Background()
	base := memstore.New(4)
	if err := base.Set(ctx, 0, []byte("hello")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	c := cached.New(base, 2)
	got, err := c.Get(ctx, 0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("Get(0) = %q, want %q", got, "hello")
	}

	// Mutate the backend directly, bypassing the cache; since memstore
	// does not implement backend.Stater, the cached copy should still be
	// trusted on the next Get.
	if err := base.Set(ctx, 0, []byte("changed")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got2, err := c.Get(ctx, 0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got2) != "hello" {
		t.Errorf("Get(0) after out-of-band change = %q, want stale cached %q", got2, "hello")
	}
}

func TestSetInvalidatesStaleness(t *testing.T) {
	ctx := context.Background()
	base := memstore.New(4)
	c := cached.New(base, 2)
	if err := c.Set(ctx, 1, []byte("v1")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := c.Set(ctx, 1, []byte("v2")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := c.Get(ctx, 1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "v2" {
		t.Errorf("Get(1) = %q, want %q", got, "v2")
	}
}

func TestNumSlotsDelegates(t *testing.T) {
	base := memstore.New(7)
	c := cached.New(base, 2)
	if got := c.NumSlots(); got != 7 {
		t.Errorf("NumSlots() = %d, want 7", got)
	}
}
