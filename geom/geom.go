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

// Package geom defines the fixed block geometry shared by the block,
// buffer, vtable, engine, and fsadapter packages: the derived fragment
// size and split-block capacity limits that every other package treats as
// constants for the lifetime of a store.
package geom

// SplitMaxNum is the maximum number of distinct handles a single split half
// may hold, regardless of geometry.
const SplitMaxNum = 1024

// Handle identifies a logical object (the spec's "vnode"). Handle values are
// always positive; zero is never issued by VTable.New.
type Handle uint64

// RootHandle is reserved for the filesystem adapter's serialized directory
// table. VTable.New never returns it.
const RootHandle Handle = 1

// Geometry is the fixed layout derived from a backend's block size and
// header length. It never changes for the life of a store; load it once
// from the SuperBlock and pass it by value.
type Geometry struct {
	BlockSize    int // raw backend slot size, in bytes
	HeaderLen    int // bytes reserved for the ciphertext header (MAC + IV)
	TotalBlocks  int // N, the number of addressable backend slots
	FBSize       int // payload capacity of one half of a backend slot
	SplitMaxNum  int // max entries in a split half
	SplitMaxSize int // max total bytes in a split half
}

// Derive computes the Geometry for the given raw block size, header
// length, and block count. It panics if the parameters leave no room for
// fragment payloads; callers are expected to validate configuration once at
// startup.
func Derive(blockSize, headerLen, totalBlocks int) Geometry {
	fbsize := (blockSize - headerLen - 200) / 2
	splitMaxSize := fbsize - 10*SplitMaxNum
	if fbsize <= 0 || splitMaxSize <= 0 {
		panic("geom: blockSize too small for headerLen")
	}
	return Geometry{
		BlockSize:    blockSize,
		HeaderLen:    headerLen,
		TotalBlocks:  totalBlocks,
		FBSize:       fbsize,
		SplitMaxNum:  SplitMaxNum,
		SplitMaxSize: splitMaxSize,
	}
}

// IsSplit reports whether a fragment of the given length is packed into a
// split half (true) or requires a full half (false).
func (g Geometry) IsSplit(fragmentLen int) bool { return fragmentLen <= g.SplitMaxSize }

// NumFragments returns the fragment count and tail-fragment size for an
// object of the given total byte length.
func (g Geometry) NumFragments(size int64) (num int, lbsize int) {
	if size == 0 {
		return 0, g.FBSize
	}
	num = int((size + int64(g.FBSize) - 1) / int64(g.FBSize))
	lbsize = int(size - int64(g.FBSize)*int64(num-1))
	return num, lbsize
}
