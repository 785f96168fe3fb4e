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

// Package geometry holds the device configuration parameters of the
// on-flash engine and the values derived from them: chunk shifts/masks,
// chunk-group bits, tnode width. Nothing here touches NAND or RAM state; it
// is pure arithmetic over the parameters, validated once at mount/format
// time.
package geometry

import (
	"fmt"

	"github.com/flashfs/flashfs/internal/errs"
)

// MaxShortOpCaches bounds n_caches (YAFFS_MAX_SHORT_OP_CACHES upstream).
const MaxShortOpCaches = 20

// BadBlockSentinel is the seq_number written into a v1 bad-block marker
// tag, and the value a v2 block's mark is compared against.
const BadBlockSentinel = 0xffffffff

// Config is the set of operational parameters an implementer supplies
// before Derive validates and completes it. Field names mirror spec.md
// §4.1.
type Config struct {
	TotalBytesPerChunk uint32
	ChunksPerBlock     uint32
	StartBlock         uint32
	EndBlock           uint32
	NReservedBlocks    uint32

	NCaches   uint32
	IsYaffs2  bool
	InbandTags bool

	WideTnodesDisabled bool
	AlwaysCheckErased  bool
	SkipCheckptRd      bool
	SkipCheckptWr      bool
	EmptyLostNFound    bool
	DisableSoftDel     bool
	HideLostNFound     bool
	DisableSummary     bool
	DeferedDirUpdate   bool
	CacheBypassAligned bool

	MaxObjects uint32
}

// Geometry is a validated Config plus the values derived from it.
type Geometry struct {
	Config

	// InternalStartBlock/InternalEndBlock/BlockOffset/ChunkOffset account
	// for block 0 being reserved by the driver (start_block == 0 shifts
	// everything by one block).
	InternalStartBlock uint32
	InternalEndBlock   uint32
	BlockOffset        uint32
	ChunkOffset        uint32

	DataBytesPerChunk uint32

	ChunkShift uint32
	ChunkDiv   uint32
	ChunkMask  uint32

	TnodeWidth   uint32
	TnodeMask    uint32
	ChunkGrpBits uint32
	ChunkGrpSize uint32
}

// inbandTagsOverhead is the size of the trailer reserved inside the data
// area when tags are stored inband (v2 only). It mirrors
// sizeof(yaffs_packed_tags2_tags_only) in the original source.
const inbandTagsOverhead = 24

// Derive validates cfg against spec.md §4.1's bounds and computes the
// derived geometry. It fails closed: any violated bound returns
// errs.ErrBadGeometry wrapping which bound failed.
func Derive(cfg Config) (Geometry, error) {
	g := Geometry{Config: cfg}

	g.InternalStartBlock = cfg.StartBlock
	g.InternalEndBlock = cfg.EndBlock
	if cfg.StartBlock == 0 {
		g.InternalStartBlock = cfg.StartBlock + 1
		g.InternalEndBlock = cfg.EndBlock + 1
		g.BlockOffset = 1
		g.ChunkOffset = cfg.ChunksPerBlock
	}

	minChunk := uint32(512)
	if cfg.IsYaffs2 && !cfg.InbandTags {
		minChunk = 1024
	}

	switch {
	case cfg.TotalBytesPerChunk < minChunk:
		return Geometry{}, fmt.Errorf("%w: chunk size %d below minimum %d", errs.ErrBadGeometry, cfg.TotalBytesPerChunk, minChunk)
	case cfg.InbandTags && !cfg.IsYaffs2:
		return Geometry{}, fmt.Errorf("%w: inband tags require yaffs2", errs.ErrBadGeometry)
	case cfg.ChunksPerBlock < 2:
		return Geometry{}, fmt.Errorf("%w: chunks_per_block %d < 2", errs.ErrBadGeometry, cfg.ChunksPerBlock)
	case cfg.NReservedBlocks < 2:
		return Geometry{}, fmt.Errorf("%w: n_reserved_blocks %d < 2", errs.ErrBadGeometry, cfg.NReservedBlocks)
	case g.InternalEndBlock <= g.InternalStartBlock+cfg.NReservedBlocks+2:
		return Geometry{}, fmt.Errorf("%w: block span too small for %d reserved blocks", errs.ErrBadGeometry, cfg.NReservedBlocks)
	}

	if cfg.InbandTags {
		g.DataBytesPerChunk = cfg.TotalBytesPerChunk - inbandTagsOverhead
	} else {
		g.DataBytesPerChunk = cfg.TotalBytesPerChunk
	}

	g.ChunkShift = calcShifts(g.DataBytesPerChunk)
	divided := g.DataBytesPerChunk >> g.ChunkShift
	g.ChunkDiv = divided
	g.ChunkMask = (1 << g.ChunkShift) - 1

	x := cfg.ChunksPerBlock * (g.InternalEndBlock + 1)
	bits := calcShiftsCeiling(x)

	if !cfg.WideTnodesDisabled {
		if bits&1 != 0 {
			bits++
		}
		if bits < 16 {
			g.TnodeWidth = 16
		} else {
			g.TnodeWidth = bits
		}
	} else {
		g.TnodeWidth = 16
	}
	g.TnodeMask = (1 << g.TnodeWidth) - 1

	if bits <= g.TnodeWidth {
		g.ChunkGrpBits = 0
	} else {
		g.ChunkGrpBits = bits - g.TnodeWidth
	}
	g.ChunkGrpSize = 1 << g.ChunkGrpBits

	if cfg.ChunksPerBlock < g.ChunkGrpSize {
		return Geometry{}, fmt.Errorf("%w: chunk group size %d exceeds chunks_per_block %d, soft delete would be unsafe", errs.ErrBadGeometry, g.ChunkGrpSize, cfg.ChunksPerBlock)
	}

	if cfg.NCaches > MaxShortOpCaches {
		g.NCaches = MaxShortOpCaches
	}

	return g, nil
}

// NBlocks returns the number of usable blocks (excluding any block-0
// offset reservation).
func (g Geometry) NBlocks() uint32 {
	return g.InternalEndBlock - g.InternalStartBlock + 1
}

// Addr splits a byte address into (chunk-relative index, offset within
// chunk), matching spec.md §4.9's "(chunk, offset) = (addr >> shift, addr
// & mask)".
func (g Geometry) Addr(addr uint64) (chunk uint64, offset uint32) {
	return addr >> g.ChunkShift, uint32(addr) & g.ChunkMask
}

func calcShifts(x uint32) uint32 {
	var shift uint32
	if x == 0 {
		return 0
	}
	for x&1 == 0 {
		x >>= 1
		shift++
	}
	return shift
}

func calcShiftsCeiling(x uint32) uint32 {
	var shift uint32
	var extra uint32
	if x == 0 {
		return 0
	}
	for x > 1 {
		if x&1 != 0 {
			extra = 1
		}
		x >>= 1
		shift++
	}
	return shift + extra
}
