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

// Package cached wraps a backend.Store in an in-memory LRU cache, the way
// storage/cachestore wraps a blob.Store's keyspaces. A drip sync touches
// only a handful of slots per cycle, so holding their encrypted contents
// in memory between cycles saves a round trip through the backend for
// any slot a reader revisits before the next sync evicts it.
//
// A cached entry is considered fresh only as long as the backend's own
// notion of when the slot was last written has not advanced past what we
// observed when we cached it; this mirrors lru.py's _is_stale hook, which
// lets the decorated collection veto a cache hit using its own staleness
// signal instead of a fixed TTL. A backend.Store that does not implement
// backend.Stater is assumed never to change out from under the cache, so
// every hit is trusted -- matching lru.py's behavior when no _is_stale
// method is supplied.
package cached

import (
	"context"
	"sync"

	"github.com/creachadair/mds/cache"
	"github.com/dripsync/dripsync/backend"
)

// Store is a backend.Store that caches slot contents in memory.
type Store struct {
	base backend.Store

	mu     sync.Mutex
	cache  *cache.Cache[int, []byte]
	mtimes map[int]int64 // last mtime observed for a cached slot, if known
}

// New wraps base in an LRU cache holding up to capacity slots.
func New(base backend.Store, capacity int) *Store {
	return &Store{
		base:   base,
		cache:  cache.New(cache.LRU[int, []byte](int64(capacity))),
		mtimes: make(map[int]int64),
	}
}

// NumSlots implements part of backend.Store.
func (s *Store) NumSlots() int { return s.base.NumSlots() }

// Get implements part of backend.Store.
func (s *Store) Get(ctx context.Context, slot int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stater, hasStater := s.base.(backend.Stater)
	if hasStater {
		st, err := stater.StatSlot(ctx, slot)
		if err != nil {
			return nil, err
		}
		if data, ok := s.cache.Get(slot); ok && s.mtimes[slot] == st.MtimeUnixNano {
			return cloneBytes(data), nil
		}
		data, err := s.base.Get(ctx, slot)
		if err != nil {
			return nil, err
		}
		s.cache.Put(slot, data)
		s.mtimes[slot] = st.MtimeUnixNano
		return cloneBytes(data), nil
	}

	if data, ok := s.cache.Get(slot); ok {
		return cloneBytes(data), nil
	}
	data, err := s.base.Get(ctx, slot)
	if err != nil {
		return nil, err
	}
	s.cache.Put(slot, data)
	return cloneBytes(data), nil
}

// Set implements part of backend.Store.
func (s *Store) Set(ctx context.Context, slot int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.base.Set(ctx, slot, data); err != nil {
		return err
	}
	s.cache.Put(slot, cloneBytes(data))
	if stater, ok := s.base.(backend.Stater); ok {
		if st, err := stater.StatSlot(ctx, slot); err == nil {
			s.mtimes[slot] = st.MtimeUnixNano
		}
	}
	return nil
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return b
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return cp
}

var _ backend.Store = (*Store)(nil)
