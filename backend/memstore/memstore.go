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

// Package memstore implements backend.Store using an in-memory slice, for
// tests and for exercising the engine without a filesystem.
package memstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/dripsync/dripsync/backend"
)

// Store is a backend.Store backed by a fixed-size in-memory slice. The
// zero value is not usable; construct one with New.
type Store struct {
	mu    sync.Mutex
	slots [][]byte
}

// New returns a Store with numSlots empty slots.
func New(numSlots int) *Store {
	return &Store{slots: make([][]byte, numSlots)}
}

// NumSlots implements part of backend.Store.
func (s *Store) NumSlots() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}

// Get implements part of backend.Store.
func (s *Store) Get(_ context.Context, slot int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slot < 0 || slot >= len(s.slots) {
		return nil, fmt.Errorf("%w: %d", backend.ErrOutOfRange, slot)
	}
	return append([]byte(nil), s.slots[slot]...), nil
}

// Set implements part of backend.Store.
func (s *Store) Set(_ context.Context, slot int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slot < 0 || slot >= len(s.slots) {
		return fmt.Errorf("%w: %d", backend.ErrOutOfRange, slot)
	}
	s.slots[slot] = append([]byte(nil), data...)
	return nil
}

var _ backend.Store = (*Store)(nil)
