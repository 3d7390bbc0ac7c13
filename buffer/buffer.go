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

// Package buffer implements the insertion-ordered staging area for
// fragments that have not yet been synchronized to the backend. It is a
// linked list plus an index map: entries are ordinary struct nodes
// threaded together by pointer, not a generic container, so Set can move
// an existing key to the back of the FIFO order in O(1).
package buffer

import "github.com/dripsync/dripsync/geom"

// Key identifies one staged fragment.
type Key struct {
	Handle geom.Handle
	Index  int
}

// Item is a staged fragment returned by Available.
type Item struct {
	Key
	Data []byte
}

type node struct {
	key        Key
	data       []byte
	prev, next *node
}

// A Buffer is an insertion-ordered map from Key to fragment bytes. Set
// replaces any prior entry at a key and moves it to the end, so that
// Available always yields entries oldest-unchanged-first: re-writing a
// fragment deliberately pushes it to the back of the drain order, since
// the newer bytes are the ones worth keeping around longest.
type Buffer struct {
	pos        map[Key]*node
	head, tail *node // sentinels; head.next is oldest, tail.prev is newest
}

// New returns an empty Buffer.
func New() *Buffer {
	head := &node{}
	tail := &node{}
	head.next = tail
	tail.prev = head
	return &Buffer{pos: make(map[Key]*node), head: head, tail: tail}
}

// Len reports the number of distinct staged fragments.
func (b *Buffer) Len() int { return len(b.pos) }

// Size reports the total number of staged bytes across all fragments.
func (b *Buffer) Size() int {
	n := 0
	for cur := b.head.next; cur != b.tail; cur = cur.next {
		n += len(cur.data)
	}
	return n
}

// Get returns the staged bytes for (h, idx), and whether any are present.
func (b *Buffer) Get(h geom.Handle, idx int) ([]byte, bool) {
	n, ok := b.pos[Key{Handle: h, Index: idx}]
	if !ok {
		return nil, false
	}
	return n.data, true
}

func (b *Buffer) unlink(n *node) {
	n.prev.next = n.next
	n.next.prev = n.prev
}

func (b *Buffer) pushBack(n *node) {
	n.prev = b.tail.prev
	n.next = b.tail
	b.tail.prev.next = n
	b.tail.prev = n
}

// Set stores data for (h, idx), replacing and moving to the back any prior
// entry at that key.
func (b *Buffer) Set(h geom.Handle, idx int, data []byte) {
	key := Key{Handle: h, Index: idx}
	if n, ok := b.pos[key]; ok {
		b.unlink(n)
		n.data = data
		b.pushBack(n)
		return
	}
	n := &node{key: key, data: data}
	b.pos[key] = n
	b.pushBack(n)
}

// Available returns the currently staged fragments in FIFO order (oldest
// first). The result is a snapshot; later mutation of the Buffer does not
// affect it.
func (b *Buffer) Available() []Item {
	out := make([]Item, 0, len(b.pos))
	for cur := b.head.next; cur != b.tail; cur = cur.next {
		out = append(out, Item{Key: cur.key, Data: cur.data})
	}
	return out
}

// Pop removes exactly the listed keys from the buffer. Keys not present
// are ignored.
func (b *Buffer) Pop(keys []Key) {
	for _, k := range keys {
		if n, ok := b.pos[k]; ok {
			b.unlink(n)
			delete(b.pos, k)
		}
	}
}

// PopHandle removes every staged fragment for h, returning their indexes.
func (b *Buffer) PopHandle(h geom.Handle) []int {
	var idxs []int
	for cur := b.head.next; cur != b.tail; cur = cur.next {
		if cur.key.Handle == h {
			idxs = append(idxs, cur.key.Index)
		}
	}
	for _, i := range idxs {
		n := b.pos[Key{Handle: h, Index: i}]
		b.unlink(n)
		delete(b.pos, n.key)
	}
	return idxs
}
