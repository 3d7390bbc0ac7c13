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

// Package wire defines the on-disk binary schema for the SuperBlock, the
// persisted VTable, and the plaintext content of a backend half-block.
// Messages are hand-encoded against the protobuf wire format using
// protowire directly, without a .proto file or generated bindings: the
// schema is small and fixed, so a generated package would add a build
// step for no benefit, but the wire format itself is worth reusing since
// it already gives length-prefixed framing, varint packing, and a stable
// tag/skip rule for forward compatibility.
package wire

import (
	"encoding/binary"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	fldSuperVersion     = 1
	fldSuperBlockSize   = 2
	fldSuperHeaderLen   = 3
	fldSuperTotalBlocks = 4
	fldSuperVTable      = 5

	fldVTNextFree = 1
	fldVTFree     = 2
	fldVTEntries  = 3

	fldEntHandle = 1
	fldEntMtime  = 2
	fldEntLBSize = 3
	fldEntInodes = 4

	fldBlockKind       = 1
	fldBlockSplit      = 2
	fldBlockFullHandle = 3
	fldBlockFullData   = 4

	fldSplitHandle = 1
	fldSplitData   = 2

	fldSlotEven = 1
	fldSlotOdd  = 2

	fldDirEntries = 1

	fldDirEntPath   = 1
	fldDirEntHandle = 2
	fldDirEntMode   = 3
	fldDirEntMtime  = 4
)

// slotLenPrefix is the width, in bytes, of the length header DecodeSlot
// reads before parsing a Slot message. Every encoded slot is padded with
// zero bytes to a fixed total size, and a top-level protobuf message is
// not itself self-terminating against trailing garbage, so the real
// message length has to be recorded explicitly instead of relying on
// parsing to stop where the content happens to end.
const slotLenPrefix = 4

// SuperBlock is the root record stored at backend slot 0.
type SuperBlock struct {
	Version     uint32
	BlockSize   uint32
	HeaderLen   uint32
	TotalBlocks uint32
	VTable      []byte // an encoded VTable message
}

// VTable is the persisted form of a vtable.Save value.
type VTable struct {
	NextFree uint64
	Free     []uint64
	Entries  []VTableEntry
}

// VTableEntry is the persisted form of one vtable.Entry, keyed by handle.
type VTableEntry struct {
	Handle        uint64
	MtimeUnixNano int64
	LBSize        uint32
	Inodes        []int64
}

// SplitEntry is one handle/fragment pair inside a Split Block message.
type SplitEntry struct {
	Handle uint64
	Data   []byte
}

// Block is the persisted form of one backend half.
type Block struct {
	Kind       uint32 // 0 empty, 1 split, 2 full
	Split      []SplitEntry
	FullHandle uint64
	FullData   []byte
}

// EncodeSuperBlock serializes s.
func EncodeSuperBlock(s SuperBlock) []byte {
	var b []byte
	b = protowire.AppendTag(b, fldSuperVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.Version))
	b = protowire.AppendTag(b, fldSuperBlockSize, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.BlockSize))
	b = protowire.AppendTag(b, fldSuperHeaderLen, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.HeaderLen))
	b = protowire.AppendTag(b, fldSuperTotalBlocks, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.TotalBlocks))
	b = protowire.AppendTag(b, fldSuperVTable, protowire.BytesType)
	b = protowire.AppendBytes(b, s.VTable)
	return b
}

// DecodeSuperBlock parses a message produced by EncodeSuperBlock.
func DecodeSuperBlock(data []byte) (SuperBlock, error) {
	var s SuperBlock
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return SuperBlock{}, fmt.Errorf("wire: bad superblock tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case fldSuperVersion:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return SuperBlock{}, fmt.Errorf("wire: bad superblock version: %w", protowire.ParseError(m))
			}
			s.Version = uint32(v)
			data = data[m:]
		case fldSuperBlockSize:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return SuperBlock{}, fmt.Errorf("wire: bad superblock blocksize: %w", protowire.ParseError(m))
			}
			s.BlockSize = uint32(v)
			data = data[m:]
		case fldSuperHeaderLen:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return SuperBlock{}, fmt.Errorf("wire: bad superblock headerlen: %w", protowire.ParseError(m))
			}
			s.HeaderLen = uint32(v)
			data = data[m:]
		case fldSuperTotalBlocks:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return SuperBlock{}, fmt.Errorf("wire: bad superblock totalblocks: %w", protowire.ParseError(m))
			}
			s.TotalBlocks = uint32(v)
			data = data[m:]
		case fldSuperVTable:
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return SuperBlock{}, fmt.Errorf("wire: bad superblock vtable: %w", protowire.ParseError(m))
			}
			s.VTable = append([]byte(nil), v...)
			data = data[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, data)
			if m < 0 {
				return SuperBlock{}, fmt.Errorf("wire: bad superblock field %d: %w", num, protowire.ParseError(m))
			}
			data = data[m:]
		}
	}
	return s, nil
}

func appendVarintEntry(b []byte, e VTableEntry) []byte {
	b = protowire.AppendTag(b, fldEntHandle, protowire.VarintType)
	b = protowire.AppendVarint(b, e.Handle)
	b = protowire.AppendTag(b, fldEntMtime, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(e.MtimeUnixNano))
	b = protowire.AppendTag(b, fldEntLBSize, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.LBSize))
	if len(e.Inodes) > 0 {
		var packed []byte
		for _, in := range e.Inodes {
			packed = protowire.AppendVarint(packed, protowire.EncodeZigZag(in))
		}
		b = protowire.AppendTag(b, fldEntInodes, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	return b
}

func encodeVTableEntry(e VTableEntry) []byte {
	return appendVarintEntry(nil, e)
}

func decodeVTableEntry(data []byte) (VTableEntry, error) {
	var e VTableEntry
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return VTableEntry{}, fmt.Errorf("wire: bad entry tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case fldEntHandle:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return VTableEntry{}, fmt.Errorf("wire: bad entry handle: %w", protowire.ParseError(m))
			}
			e.Handle = v
			data = data[m:]
		case fldEntMtime:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return VTableEntry{}, fmt.Errorf("wire: bad entry mtime: %w", protowire.ParseError(m))
			}
			e.MtimeUnixNano = protowire.DecodeZigZag(v)
			data = data[m:]
		case fldEntLBSize:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return VTableEntry{}, fmt.Errorf("wire: bad entry lbsize: %w", protowire.ParseError(m))
			}
			e.LBSize = uint32(v)
			data = data[m:]
		case fldEntInodes:
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return VTableEntry{}, fmt.Errorf("wire: bad entry inodes: %w", protowire.ParseError(m))
			}
			for len(v) > 0 {
				zz, k := protowire.ConsumeVarint(v)
				if k < 0 {
					return VTableEntry{}, fmt.Errorf("wire: bad entry inode element: %w", protowire.ParseError(k))
				}
				e.Inodes = append(e.Inodes, protowire.DecodeZigZag(zz))
				v = v[k:]
			}
			data = data[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, data)
			if m < 0 {
				return VTableEntry{}, fmt.Errorf("wire: bad entry field %d: %w", num, protowire.ParseError(m))
			}
			data = data[m:]
		}
	}
	return e, nil
}

// EncodeVTable serializes v.
func EncodeVTable(v VTable) []byte {
	var b []byte
	b = protowire.AppendTag(b, fldVTNextFree, protowire.VarintType)
	b = protowire.AppendVarint(b, v.NextFree)
	if len(v.Free) > 0 {
		var packed []byte
		for _, h := range v.Free {
			packed = protowire.AppendVarint(packed, h)
		}
		b = protowire.AppendTag(b, fldVTFree, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	for _, e := range v.Entries {
		b = protowire.AppendTag(b, fldVTEntries, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeVTableEntry(e))
	}
	return b
}

// DecodeVTable parses a message produced by EncodeVTable.
func DecodeVTable(data []byte) (VTable, error) {
	var v VTable
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return VTable{}, fmt.Errorf("wire: bad vtable tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case fldVTNextFree:
			val, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return VTable{}, fmt.Errorf("wire: bad vtable nextfree: %w", protowire.ParseError(m))
			}
			v.NextFree = val
			data = data[m:]
		case fldVTFree:
			raw, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return VTable{}, fmt.Errorf("wire: bad vtable free: %w", protowire.ParseError(m))
			}
			for len(raw) > 0 {
				h, k := protowire.ConsumeVarint(raw)
				if k < 0 {
					return VTable{}, fmt.Errorf("wire: bad vtable free element: %w", protowire.ParseError(k))
				}
				v.Free = append(v.Free, h)
				raw = raw[k:]
			}
			data = data[m:]
		case fldVTEntries:
			raw, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return VTable{}, fmt.Errorf("wire: bad vtable entry: %w", protowire.ParseError(m))
			}
			e, err := decodeVTableEntry(raw)
			if err != nil {
				return VTable{}, err
			}
			v.Entries = append(v.Entries, e)
			data = data[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, data)
			if m < 0 {
				return VTable{}, fmt.Errorf("wire: bad vtable field %d: %w", num, protowire.ParseError(m))
			}
			data = data[m:]
		}
	}
	return v, nil
}

func encodeSplitEntry(e SplitEntry) []byte {
	var b []byte
	b = protowire.AppendTag(b, fldSplitHandle, protowire.VarintType)
	b = protowire.AppendVarint(b, e.Handle)
	b = protowire.AppendTag(b, fldSplitData, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Data)
	return b
}

func decodeSplitEntry(data []byte) (SplitEntry, error) {
	var e SplitEntry
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return SplitEntry{}, fmt.Errorf("wire: bad split-entry tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case fldSplitHandle:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return SplitEntry{}, fmt.Errorf("wire: bad split-entry handle: %w", protowire.ParseError(m))
			}
			e.Handle = v
			data = data[m:]
		case fldSplitData:
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return SplitEntry{}, fmt.Errorf("wire: bad split-entry data: %w", protowire.ParseError(m))
			}
			e.Data = append([]byte(nil), v...)
			data = data[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, data)
			if m < 0 {
				return SplitEntry{}, fmt.Errorf("wire: bad split-entry field %d: %w", num, protowire.ParseError(m))
			}
			data = data[m:]
		}
	}
	return e, nil
}

// EncodeBlock serializes b.
func EncodeBlock(b Block) []byte {
	var out []byte
	out = protowire.AppendTag(out, fldBlockKind, protowire.VarintType)
	out = protowire.AppendVarint(out, uint64(b.Kind))
	for _, e := range b.Split {
		out = protowire.AppendTag(out, fldBlockSplit, protowire.BytesType)
		out = protowire.AppendBytes(out, encodeSplitEntry(e))
	}
	if b.Kind == 2 {
		out = protowire.AppendTag(out, fldBlockFullHandle, protowire.VarintType)
		out = protowire.AppendVarint(out, b.FullHandle)
		out = protowire.AppendTag(out, fldBlockFullData, protowire.BytesType)
		out = protowire.AppendBytes(out, b.FullData)
	}
	return out
}

// DecodeBlock parses a message produced by EncodeBlock.
func DecodeBlock(data []byte) (Block, error) {
	var b Block
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Block{}, fmt.Errorf("wire: bad block tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case fldBlockKind:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return Block{}, fmt.Errorf("wire: bad block kind: %w", protowire.ParseError(m))
			}
			b.Kind = uint32(v)
			data = data[m:]
		case fldBlockSplit:
			raw, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return Block{}, fmt.Errorf("wire: bad block split entry: %w", protowire.ParseError(m))
			}
			e, err := decodeSplitEntry(raw)
			if err != nil {
				return Block{}, err
			}
			b.Split = append(b.Split, e)
			data = data[m:]
		case fldBlockFullHandle:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return Block{}, fmt.Errorf("wire: bad block full handle: %w", protowire.ParseError(m))
			}
			b.FullHandle = v
			data = data[m:]
		case fldBlockFullData:
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return Block{}, fmt.Errorf("wire: bad block full data: %w", protowire.ParseError(m))
			}
			b.FullData = append([]byte(nil), v...)
			data = data[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, data)
			if m < 0 {
				return Block{}, fmt.Errorf("wire: bad block field %d: %w", num, protowire.ParseError(m))
			}
			data = data[m:]
		}
	}
	return b, nil
}

// EncodeSlot packs the even and odd halves of a backend slot into a
// zero-padded plaintext exactly plainSize bytes long, the fixed payload
// size of one backend block. It fails if the encoded halves don't fit,
// which the caller should treat as a geometry configuration error rather
// than something to retry.
func EncodeSlot(plainSize int, even, odd Block) ([]byte, error) {
	var msg []byte
	msg = protowire.AppendTag(msg, fldSlotEven, protowire.BytesType)
	msg = protowire.AppendBytes(msg, EncodeBlock(even))
	msg = protowire.AppendTag(msg, fldSlotOdd, protowire.BytesType)
	msg = protowire.AppendBytes(msg, EncodeBlock(odd))

	if slotLenPrefix+len(msg) > plainSize {
		return nil, fmt.Errorf("wire: encoded slot (%d bytes) exceeds plaintext capacity (%d bytes)", slotLenPrefix+len(msg), plainSize)
	}
	out := make([]byte, plainSize)
	binary.BigEndian.PutUint32(out[:slotLenPrefix], uint32(len(msg)))
	copy(out[slotLenPrefix:], msg)
	return out, nil
}

// DecodeSlot reverses EncodeSlot, ignoring the zero padding beyond the
// recorded message length.
func DecodeSlot(data []byte) (even, odd Block, err error) {
	if len(data) < slotLenPrefix {
		return Block{}, Block{}, fmt.Errorf("wire: slot plaintext too short (%d bytes)", len(data))
	}
	n := binary.BigEndian.Uint32(data[:slotLenPrefix])
	data = data[slotLenPrefix:]
	if uint64(n) > uint64(len(data)) {
		return Block{}, Block{}, fmt.Errorf("wire: slot message length %d exceeds available %d bytes", n, len(data))
	}
	msg := data[:n]

	for len(msg) > 0 {
		num, typ, k := protowire.ConsumeTag(msg)
		if k < 0 {
			return Block{}, Block{}, fmt.Errorf("wire: bad slot tag: %w", protowire.ParseError(k))
		}
		msg = msg[k:]
		switch num {
		case fldSlotEven:
			raw, m := protowire.ConsumeBytes(msg)
			if m < 0 {
				return Block{}, Block{}, fmt.Errorf("wire: bad slot even half: %w", protowire.ParseError(m))
			}
			if even, err = DecodeBlock(raw); err != nil {
				return Block{}, Block{}, err
			}
			msg = msg[m:]
		case fldSlotOdd:
			raw, m := protowire.ConsumeBytes(msg)
			if m < 0 {
				return Block{}, Block{}, fmt.Errorf("wire: bad slot odd half: %w", protowire.ParseError(m))
			}
			if odd, err = DecodeBlock(raw); err != nil {
				return Block{}, Block{}, err
			}
			msg = msg[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, msg)
			if m < 0 {
				return Block{}, Block{}, fmt.Errorf("wire: bad slot field %d: %w", num, protowire.ParseError(m))
			}
			msg = msg[m:]
		}
	}
	return even, odd, nil
}

// DirEntry is one path's worth of metadata in the directory table stored
// at geom.RootHandle: which handle holds its content, and the POSIX mode
// and mtime the adapter reports through Getattr.
type DirEntry struct {
	Path          string
	Handle        uint64
	Mode          uint32
	MtimeUnixNano int64
}

// DirTable is the persisted form of the flat-namespace directory mapping.
type DirTable struct {
	Entries []DirEntry
}

func encodeDirEntry(e DirEntry) []byte {
	var b []byte
	b = protowire.AppendTag(b, fldDirEntPath, protowire.BytesType)
	b = protowire.AppendString(b, e.Path)
	b = protowire.AppendTag(b, fldDirEntHandle, protowire.VarintType)
	b = protowire.AppendVarint(b, e.Handle)
	b = protowire.AppendTag(b, fldDirEntMode, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Mode))
	b = protowire.AppendTag(b, fldDirEntMtime, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(e.MtimeUnixNano))
	return b
}

func decodeDirEntry(data []byte) (DirEntry, error) {
	var e DirEntry
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return DirEntry{}, fmt.Errorf("wire: bad direntry tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case fldDirEntPath:
			v, m := protowire.ConsumeString(data)
			if m < 0 {
				return DirEntry{}, fmt.Errorf("wire: bad direntry path: %w", protowire.ParseError(m))
			}
			e.Path = v
			data = data[m:]
		case fldDirEntHandle:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return DirEntry{}, fmt.Errorf("wire: bad direntry handle: %w", protowire.ParseError(m))
			}
			e.Handle = v
			data = data[m:]
		case fldDirEntMode:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return DirEntry{}, fmt.Errorf("wire: bad direntry mode: %w", protowire.ParseError(m))
			}
			e.Mode = uint32(v)
			data = data[m:]
		case fldDirEntMtime:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return DirEntry{}, fmt.Errorf("wire: bad direntry mtime: %w", protowire.ParseError(m))
			}
			e.MtimeUnixNano = protowire.DecodeZigZag(v)
			data = data[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, data)
			if m < 0 {
				return DirEntry{}, fmt.Errorf("wire: bad direntry field %d: %w", num, protowire.ParseError(m))
			}
			data = data[m:]
		}
	}
	return e, nil
}

// EncodeDirTable serializes t.
func EncodeDirTable(t DirTable) []byte {
	var b []byte
	for _, e := range t.Entries {
		b = protowire.AppendTag(b, fldDirEntries, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeDirEntry(e))
	}
	return b
}

// DecodeDirTable parses a message produced by EncodeDirTable.
func DecodeDirTable(data []byte) (DirTable, error) {
	var t DirTable
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return DirTable{}, fmt.Errorf("wire: bad dirtable tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case fldDirEntries:
			raw, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return DirTable{}, fmt.Errorf("wire: bad dirtable entry: %w", protowire.ParseError(m))
			}
			e, err := decodeDirEntry(raw)
			if err != nil {
				return DirTable{}, err
			}
			t.Entries = append(t.Entries, e)
			data = data[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, data)
			if m < 0 {
				return DirTable{}, fmt.Errorf("wire: bad dirtable field %d: %w", num, protowire.ParseError(m))
			}
			data = data[m:]
		}
	}
	return t, nil
}
