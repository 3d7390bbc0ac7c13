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

// Package backend defines the storage interface for the untrusted block
// array the engine writes to. A Backend is a fixed-size
// array of opaque, equally-sized ciphertext blocks addressed by integer
// slot: its shape is decided once, at creation, from the derived
// geometry, and never grows or shrinks afterward. A backend that changed
// size in response to usage would itself leak how much of the store was
// in use, defeating the whole point of fixing every block the same size.
package backend

import (
	"context"
	"errors"
	"fmt"
)

// ErrOutOfRange is returned for a slot index outside [0, NumSlots()).
var ErrOutOfRange = errors.New("backend: slot index out of range")

// Store is the interface the engine uses to read and write backend slots.
// Implementations must be safe for concurrent use: the engine calls Get
// from several goroutines under a shared lock, and a drip sync writes
// slots while holding no engine lock at all.
type Store interface {
	// Get returns the raw (still encrypted) bytes stored at slot.
	Get(ctx context.Context, slot int) ([]byte, error)

	// Set overwrites slot with data.
	Set(ctx context.Context, slot int, data []byte) error

	// NumSlots reports the fixed number of addressable slots.
	NumSlots() int
}

// Stater is implemented by a Store that can report when a slot was last
// written, for use by a caching wrapper's staleness check. A Store that
// does not implement Stater is assumed never to be modified outside of
// Set, mirroring lru.py's default "_is_stale always false" behavior.
type Stater interface {
	StatSlot(ctx context.Context, slot int) (Stat, error)
}

// Stat describes the on-disk state of one slot.
type Stat struct {
	MtimeUnixNano int64
}

func checkRange(slot, numSlots int) error {
	if slot < 0 || slot >= numSlots {
		return fmt.Errorf("%w: %d (have %d slots)", ErrOutOfRange, slot, numSlots)
	}
	return nil
}
