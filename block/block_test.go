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

package block_test

import (
	"bytes"
	"testing"

	"github.com/dripsync/dripsync/block"
	"github.com/dripsync/dripsync/geom"
)

func testGeom() geom.Geometry { return geom.Derive(1<<16, 48, 1024) }

func TestEmptySpace(t *testing.T) {
	geo := testGeom()
	b := block.NewEmpty(geo)
	if got, want := b.SpaceAvail(), geo.FBSize; got != want {
		t.Errorf("SpaceAvail() = %d, want %d", got, want)
	}
	if b.Kind() != block.Empty {
		t.Errorf("Kind() = %v, want Empty", b.Kind())
	}
}

func TestAddSplit(t *testing.T) {
	geo := testGeom()
	b := block.NewEmpty(geo)
	data := bytes.Repeat([]byte{1}, 100)
	if !b.Add(5, 0, data) {
		t.Fatal("Add unexpectedly rejected")
	}
	if b.Kind() != block.Split {
		t.Errorf("Kind() = %v, want Split", b.Kind())
	}
	if got, want := b.Size(), len(data); got != want {
		t.Errorf("Size() = %d, want %d", got, want)
	}
	want := []block.Addition{{Handle: 5, Index: 0}}
	if got := b.Added(); !addsEqual(got, want) {
		t.Errorf("Added() = %v, want %v", got, want)
	}
}

func TestAddFull(t *testing.T) {
	geo := testGeom()
	b := block.NewEmpty(geo)
	big := bytes.Repeat([]byte{2}, geo.SplitMaxSize+1)
	if !b.Add(9, 3, big) {
		t.Fatal("Add unexpectedly rejected")
	}
	if b.Kind() != block.Full {
		t.Errorf("Kind() = %v, want Full", b.Kind())
	}
	h, data, ok := b.FullEntry()
	if !ok || h != 9 || !bytes.Equal(data, big) {
		t.Errorf("FullEntry() = (%d, len %d, %v), want (9, %d, true)", h, len(data), ok, len(big))
	}
	if b.SpaceAvail() != 0 {
		t.Errorf("SpaceAvail() = %d, want 0 for a Full block", b.SpaceAvail())
	}
}

func TestFullBlockRejectsFurtherAdds(t *testing.T) {
	geo := testGeom()
	b := block.NewFull(geo, 1, []byte("x"))
	if b.Add(2, 0, []byte("y")) {
		t.Error("Add into a Full block unexpectedly succeeded")
	}
}

func TestSplitRejectsOverflow(t *testing.T) {
	geo := testGeom()
	b := block.NewEmpty(geo)
	if !b.Add(1, 0, bytes.Repeat([]byte{1}, geo.SplitMaxSize)) {
		t.Fatal("first Add unexpectedly rejected")
	}
	if b.Add(2, 0, []byte{1}) {
		t.Error("Add into a full split block unexpectedly succeeded")
	}
}

func TestSplitEntryCountLimit(t *testing.T) {
	geo := testGeom()
	b := block.NewEmpty(geo)
	for i := 0; i < geo.SplitMaxNum; i++ {
		if !b.Add(geom.Handle(i+1), 0, []byte{byte(i)}) {
			t.Fatalf("Add #%d unexpectedly rejected", i)
		}
	}
	if b.SpaceAvail() != 0 {
		t.Errorf("SpaceAvail() = %d, want 0 at the entry-count limit", b.SpaceAvail())
	}
	if b.Add(geom.Handle(geo.SplitMaxNum+1), 0, []byte{9}) {
		t.Error("Add past the entry-count limit unexpectedly succeeded")
	}
}

func TestDeleteSplitDemotesToEmpty(t *testing.T) {
	geo := testGeom()
	b := block.NewSplit(geo, map[geom.Handle][]byte{3: []byte("abc")})
	b.DeleteSplit(3)
	if b.Kind() != block.Empty {
		t.Errorf("Kind() = %v, want Empty after last split entry removed", b.Kind())
	}
}

func TestDemoteFull(t *testing.T) {
	geo := testGeom()
	b := block.NewFull(geo, 1, []byte("z"))
	b.Demote()
	if b.Kind() != block.Empty {
		t.Errorf("Kind() = %v, want Empty after Demote", b.Kind())
	}
}

func addsEqual(a, b []block.Addition) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
