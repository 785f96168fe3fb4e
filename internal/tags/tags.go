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

// Package tags defines the per-chunk tag record (spec.md §3, §6) and the
// Marshaler contract shared by the v1 and v2 flavors (internal/tags/v1,
// internal/tags/v2). Endianness normalization lives here: every multi-byte
// field is packed little-endian (spec.md §9), and the two flavors differ
// only in which fields exist and where they are stored (spare vs inband).
package tags

import (
	"context"

	"github.com/flashfs/flashfs/internal/nand"
)

// ObjType is the on-media object variant tag (spec.md §3).
type ObjType uint8

const (
	ObjTypeUnknown ObjType = iota
	ObjTypeFile
	ObjTypeDirectory
	ObjTypeSymlink
	ObjTypeHardlink
	ObjTypeSpecial
)

// BlockState is the RAM/on-media lifecycle state of a block (spec.md §3).
type BlockState int

const (
	BlockEmpty BlockState = iota
	BlockAllocating
	BlockFull
	BlockCollecting
	BlockDirty
	BlockNeedsScan
	BlockDead
	BlockCheckpoint
	BlockUnknown
)

// Extra carries the v2 fast-scan fields, present only on object headers
// (chunk_id == 0). A v1 marshaler never populates this.
type Extra struct {
	Available bool
	ParentID  uint32
	FileSize  int64
	IsShrink  bool
	EquivID   uint32
	Shadows   uint32
	ObjType   ObjType
}

// Tags is the per-chunk metadata record of spec.md §3/§6.
type Tags struct {
	ObjID     uint32
	ChunkID   uint32 // 0 == object header; >=1 == data at logical index ChunkID-1
	NBytes    uint32
	Serial    uint8 // 2 significant bits
	SeqNumber uint32 // v2 only; zero under v1
	Extra     Extra
}

// IsHeader reports whether these tags describe an object header chunk.
func (t Tags) IsHeader() bool { return t.ChunkID == 0 }

// Marshaler is the common interface both tag flavors implement (spec.md
// §4.3): pack/unpack tags to/from the NAND driver, plus bad-block
// management, which is tag-flavor-specific (v1 writes a sentinel tag, v2
// defers to the driver's own mark_bad/check_bad).
type Marshaler interface {
	// WriteChunkTags packs t and writes it alongside data (which may be
	// nil for a tags-only write) to physChunk.
	WriteChunkTags(ctx context.Context, drv nand.Driver, physChunk uint32, data []byte, t Tags) error

	// ReadChunkTags reads back the tags (and optionally data) written to
	// physChunk. The returned EccResult reflects the tag region's own
	// integrity check; an unfixable result means the tags must be treated
	// as absent by the caller (spec.md §7).
	ReadChunkTags(ctx context.Context, drv nand.Driver, physChunk uint32, data []byte) (Tags, nand.EccResult, error)

	// MarkBad records block as bad using this flavor's on-media
	// convention. v1's MarkBad always fails; v1 marks bad blocks through
	// its own WriteBadBlockSentinel, which takes a physical chunk.
	MarkBad(ctx context.Context, drv nand.Driver, block uint32) error

	// QueryBlockState inspects a sample of a block's chunks (in practice
	// just its first chunk) to classify the block's state and, for v2,
	// its seq_number.
	QueryBlockState(ctx context.Context, drv nand.Driver, block, firstPhysChunk uint32) (BlockState, uint32, error)
}
