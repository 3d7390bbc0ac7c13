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

package engine

import "errors"

// CurrentVersion is the SuperBlock schema version this package writes and
// expects to read. Bumping it without a migration path is a breaking
// change to every existing store.
const CurrentVersion = 1

var (
	// ErrIO reports a failure reading or decoding backend-resident state:
	// a failed decrypt, a malformed wire message, or a Store error that
	// isn't itself sentinel-typed.
	ErrIO = errors.New("engine: backend I/O error")

	// ErrIncompatibleVersion is returned by Open when the SuperBlock at
	// slot 0 was written by an incompatible schema version.
	ErrIncompatibleVersion = errors.New("engine: incompatible superblock version")

	// ErrEmptyWrite is returned by Set for zero-length data; callers must
	// use Resize to truncate a handle to zero bytes.
	ErrEmptyWrite = errors.New("engine: Set requires non-empty data; use Resize to shrink")

	// ErrReadOnly is returned by fsadapter when a mutating filesystem
	// operation is attempted against a mount backed by a Reader.
	ErrReadOnly = errors.New("engine: store is open read-only")
)
