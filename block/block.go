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

// Package block describes the logical content of one half of a backend
// slot. A half is always in exactly one of three states: empty, split
// (a map of small fragments keyed by handle), or full (a single large
// fragment for one handle). The type is a tagged sum with exhaustive
// matching on Kind, per the wire-schema design note in the governing spec.
package block

import "github.com/dripsync/dripsync/geom"

// Kind identifies which of the three states a Block is in.
type Kind int

const (
	Empty Kind = iota
	Split
	Full
)

func (k Kind) String() string {
	switch k {
	case Empty:
		return "empty"
	case Split:
		return "split"
	case Full:
		return "full"
	default:
		return "invalid"
	}
}

// Addition records a successful Add call, for the post-sync VTable update
// pass (see engine.Writer's drip sync).
type Addition struct {
	Handle geom.Handle
	Index  int
}

// A Block is one half of a backend slot.
type Block struct {
	geo geom.Geometry

	kind Kind

	// Populated when kind == Split: handle -> fragment bytes.
	split map[geom.Handle][]byte

	// Populated when kind == Full.
	fullHandle geom.Handle
	fullData   []byte

	added []Addition
}

// NewEmpty returns a new Empty block with the given geometry.
func NewEmpty(geo geom.Geometry) *Block {
	return &Block{geo: geo, kind: Empty}
}

// NewSplit returns a new Split block wrapping the given contents. The map
// is taken by reference, not copied.
func NewSplit(geo geom.Geometry, contents map[geom.Handle][]byte) *Block {
	if len(contents) == 0 {
		return NewEmpty(geo)
	}
	return &Block{geo: geo, kind: Split, split: contents}
}

// NewFull returns a new Full block for the given handle and fragment.
func NewFull(geo geom.Geometry, h geom.Handle, data []byte) *Block {
	return &Block{geo: geo, kind: Full, fullHandle: h, fullData: data}
}

// Kind reports the current state of b.
func (b *Block) Kind() Kind { return b.kind }

// Size reports the number of payload bytes currently stored in b.
func (b *Block) Size() int {
	switch b.kind {
	case Split:
		n := 0
		for _, v := range b.split {
			n += len(v)
		}
		return n
	case Full:
		return len(b.fullData)
	default:
		return 0
	}
}

// SplitEntries returns the handle->fragment map of a Split block. The
// caller must not mutate entries whose keys survive beyond this call
// (callers that delete stale entries, e.g. the drip sync freshness
// filter, may delete directly from the returned map).
func (b *Block) SplitEntries() map[geom.Handle][]byte {
	if b.kind != Split {
		return nil
	}
	return b.split
}

// DeleteSplit removes the fragment for h from a Split block, demoting the
// block to Empty if that was the last entry. It is a no-op unless
// b.Kind() == Split.
func (b *Block) DeleteSplit(h geom.Handle) {
	if b.kind != Split {
		return
	}
	delete(b.split, h)
	if len(b.split) == 0 {
		b.kind = Empty
		b.split = nil
	}
}

// FullEntry returns the handle and fragment bytes of a Full block.
func (b *Block) FullEntry() (h geom.Handle, data []byte, ok bool) {
	if b.kind != Full {
		return 0, nil, false
	}
	return b.fullHandle, b.fullData, true
}

// Demote turns a Full block into Empty. It is a no-op unless
// b.Kind() == Full.
func (b *Block) Demote() {
	if b.kind != Full {
		return
	}
	b.kind = Empty
	b.fullHandle = 0
	b.fullData = nil
}

// SpaceAvail reports how many additional payload bytes b can accept.
func (b *Block) SpaceAvail() int {
	switch b.kind {
	case Empty:
		return b.geo.FBSize
	case Split:
		if len(b.split) >= b.geo.SplitMaxNum {
			return 0
		}
		if avail := b.geo.SplitMaxSize - b.Size(); avail > 0 {
			return avail
		}
		return 0
	default: // Full
		return 0
	}
}

// Add attempts to place the fragment (h, data) at fragment index idx into
// b. It reports whether the fragment was placed. A placed fragment is
// recorded in Added() for the caller to later reflect into the VTable.
func (b *Block) Add(h geom.Handle, idx int, data []byte) bool {
	if b.kind == Empty && len(data) > b.geo.SplitMaxSize {
		b.kind = Full
		b.fullHandle = h
		b.fullData = data
		b.added = append(b.added, Addition{Handle: h, Index: idx})
		return true
	}
	if len(data) <= b.SpaceAvail() {
		if b.kind == Empty {
			b.kind = Split
			b.split = make(map[geom.Handle][]byte)
		}
		b.split[h] = data
		b.added = append(b.added, Addition{Handle: h, Index: idx})
		return true
	}
	return false
}

// Added returns the (handle, fragment-index) pairs successfully placed by
// Add, in call order.
func (b *Block) Added() []Addition { return b.added }
