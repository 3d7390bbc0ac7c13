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

// Package filestore implements backend.Store using a directory with one
// file per slot, named by its decimal slot number. It plays the role
// storage/filestore plays for a [blob.Store]: a plain, synchronous,
// one-file-per-unit mapping onto the local filesystem, adapted here from
// a hex-sharded content-addressed key space to a dense, fixed-size
// integer address space.
package filestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/creachadair/atomicfile"
	"github.com/dripsync/dripsync/backend"
)

// Store is a backend.Store backed by a directory of files.
type Store struct {
	dir      string
	numSlots int
}

// Open opens (and if necessary initializes) a directory-backed Store with
// exactly numSlots addressable slots. Every slot in [0, numSlots) that
// does not yet have a file is created empty; numbered files at or beyond
// numSlots are left in place and are not addressable (Get and Set report
// backend.ErrOutOfRange for them).
func Open(dir string, numSlots int) (*Store, error) {
	clean := filepath.Clean(dir)
	if err := os.MkdirAll(clean, 0700); err != nil {
		return nil, fmt.Errorf("filestore: create directory: %w", err)
	}
	s := &Store{dir: clean, numSlots: numSlots}
	for i := 0; i < numSlots; i++ {
		path := s.path(i)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if err := atomicfile.WriteData(path, nil, 0600); err != nil {
				return nil, fmt.Errorf("filestore: init slot %d: %w", i, err)
			}
		} else if err != nil {
			return nil, fmt.Errorf("filestore: stat slot %d: %w", i, err)
		}
	}
	return s, nil
}

func (s *Store) path(slot int) string {
	return filepath.Join(s.dir, strconv.Itoa(slot))
}

// NumSlots implements part of backend.Store.
func (s *Store) NumSlots() int { return s.numSlots }

// Get implements part of backend.Store.
func (s *Store) Get(_ context.Context, slot int) ([]byte, error) {
	if slot < 0 || slot >= s.numSlots {
		return nil, fmt.Errorf("%w: %d", backend.ErrOutOfRange, slot)
	}
	data, err := os.ReadFile(s.path(slot))
	if err != nil {
		return nil, fmt.Errorf("filestore: read slot %d: %w", slot, err)
	}
	return data, nil
}

// Set implements part of backend.Store. The write is atomic: a crash
// mid-write never leaves a slot holding a half-written block.
func (s *Store) Set(_ context.Context, slot int, data []byte) error {
	if slot < 0 || slot >= s.numSlots {
		return fmt.Errorf("%w: %d", backend.ErrOutOfRange, slot)
	}
	if err := atomicfile.WriteData(s.path(slot), data, 0600); err != nil {
		return fmt.Errorf("filestore: write slot %d: %w", slot, err)
	}
	return nil
}

// StatSlot implements backend.Stater.
func (s *Store) StatSlot(_ context.Context, slot int) (backend.Stat, error) {
	if slot < 0 || slot >= s.numSlots {
		return backend.Stat{}, fmt.Errorf("%w: %d", backend.ErrOutOfRange, slot)
	}
	fi, err := os.Stat(s.path(slot))
	if err != nil {
		return backend.Stat{}, fmt.Errorf("filestore: stat slot %d: %w", slot, err)
	}
	return backend.Stat{MtimeUnixNano: fi.ModTime().UnixNano()}, nil
}

var _ backend.Store = (*Store)(nil)
var _ backend.Stater = (*Store)(nil)
