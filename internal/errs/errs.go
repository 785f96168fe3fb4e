// Copyright 2026 The Flashfs Authors
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

// Package errs defines the sentinel error kinds of the engine's error
// handling design: fallible operations return one of these (wrapped with
// context via fmt.Errorf("%w")) instead of panicking or using exceptions.
package errs

import "errors"

var (
	// ErrOutOfSpace is returned when the allocator cannot grant a chunk
	// without dipping into the reserve it is not permitted to use.
	ErrOutOfSpace = errors.New("flashfs: out of space")

	// ErrEccUnfixable is returned when a chunk read came back with an
	// uncorrectable ECC error. The chunk must be treated as absent by the
	// caller.
	ErrEccUnfixable = errors.New("flashfs: unfixable ECC error")

	// ErrWriteVerify is returned when a post-write readback mismatched what
	// was written.
	ErrWriteVerify = errors.New("flashfs: write verify failure")

	// ErrEraseFailure is returned when the NAND driver fails to erase a
	// block.
	ErrEraseFailure = errors.New("flashfs: erase failure")

	// ErrBadGeometry is returned when a device configuration fails its
	// bounds checks at init time.
	ErrBadGeometry = errors.New("flashfs: bad geometry")

	// ErrBusy is returned when an unmount or format is requested while live
	// handles reference the device and force was not requested.
	ErrBusy = errors.New("flashfs: device busy")

	// ErrInvalidArgument is returned when the caller violated a documented
	// precondition.
	ErrInvalidArgument = errors.New("flashfs: invalid argument")

	// ErrNotFound is returned on a name or object lookup miss.
	ErrNotFound = errors.New("flashfs: not found")

	// ErrExists is returned when a create would collide with an existing
	// name.
	ErrExists = errors.New("flashfs: already exists")

	// ErrNotEmpty is returned when an rmdir is attempted on a non-empty
	// directory.
	ErrNotEmpty = errors.New("flashfs: directory not empty")

	// ErrReadOnly is returned for a mutation attempted on a read-only
	// mounted device.
	ErrReadOnly = errors.New("flashfs: device is read-only")

	// ErrCacheFull is returned when a partial-chunk write needs a cache
	// line but every line is locked and none can be evicted.
	ErrCacheFull = errors.New("flashfs: short-op cache full")
)
