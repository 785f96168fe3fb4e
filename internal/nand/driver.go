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

// Package nand defines the polymorphic NAND driver contract (spec.md §4.2,
// §6) that the rest of the engine is built against. Real ECC, bad-block
// management at the physical level, and platform ioctls are out of scope
// (spec.md §1); this package only specifies the interface and ships a
// simulated driver (internal/nand/simdriver) for development and the
// crash/fault-injection scenarios in spec.md §8.
package nand

import "context"

// EccResult classifies the outcome of a chunk read's ECC check.
type EccResult int

const (
	EccNone EccResult = iota
	EccFixed
	EccUnfixed
)

func (r EccResult) String() string {
	switch r {
	case EccNone:
		return "none"
	case EccFixed:
		return "fixed"
	case EccUnfixed:
		return "unfixed"
	default:
		return "unknown"
	}
}

// Driver is the five-function-pointer contract of spec.md §6. All physical
// addresses are absolute (already offset by the device's chunk_offset /
// block_offset; see geometry.Geometry).
type Driver interface {
	// Initialise prepares the driver for use. Deinitialise releases any
	// resources it holds. Both may be called multiple times; a Driver that
	// is already initialised/deinitialised treats a repeat call as a noop.
	Initialise(ctx context.Context) error
	Deinitialise(ctx context.Context) error

	// ReadChunk reads a physical chunk's data and/or spare area. Either
	// buffer may be nil if the caller does not need it. The returned
	// EccResult describes the outcome of the read's integrity check.
	ReadChunk(ctx context.Context, physChunk uint32, data, spare []byte) (EccResult, error)

	// WriteChunk programs a physical chunk. A chunk may be written at most
	// once between erasures; the driver is not required to detect a
	// violation, but simdriver does (spec.md invariant 1 depends on the
	// engine never attempting it).
	WriteChunk(ctx context.Context, physChunk uint32, data, spare []byte) error

	// Erase erases an entire block, making every chunk in it writable
	// again.
	Erase(ctx context.Context, block uint32) error

	// MarkBad and CheckBad manage the driver's bad-block table. Required
	// for v2; v1 encodes bad blocks in-band instead (internal/tags/v1).
	MarkBad(ctx context.Context, block uint32) error
	CheckBad(ctx context.Context, block uint32) (bool, error)
}
