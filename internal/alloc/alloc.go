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

// Package alloc implements the chunk allocator (spec.md §4.5): picking the
// next empty block, streaming chunks through it linearly, and protecting a
// reserve of free space for garbage collection.
package alloc

import (
	"fmt"

	"github.com/flashfs/flashfs/internal/blockinfo"
	"github.com/flashfs/flashfs/internal/errs"
	"github.com/flashfs/flashfs/internal/geometry"
	"github.com/flashfs/flashfs/internal/tags"
)

// Allocator hands out physical chunks for new writes. It is not
// goroutine-safe; callers serialize access the way the rest of the engine
// does, under the device-wide gate (internal/gate).
type Allocator struct {
	geom   geometry.Geometry
	blocks *blockinfo.Table

	allocBlock       int64 // -1 if none open
	allocPage        uint32
	allocBlockFinder uint32
	seqNumber        uint32

	nFreeChunks            int64
	nErasedBlocks          uint32
	checkpointBlocksNeeded uint32
	summaryReserve         bool
}

// New constructs an Allocator over blocks. nFreeChunks and nErasedBlocks
// seed the space-accounting counters, normally computed by internal/scan at
// mount time.
func New(geom geometry.Geometry, blocks *blockinfo.Table, nFreeChunks int64, nErasedBlocks uint32) *Allocator {
	return &Allocator{
		geom:          geom,
		blocks:        blocks,
		allocBlock:    -1,
		nFreeChunks:   nFreeChunks,
		nErasedBlocks: nErasedBlocks,
	}
}

// SetCheckpointBlocksRequired records how many blocks checkpointing may
// consume; that many blocks' worth of chunks are withheld from the reserve
// calculation the same way n_reserved_blocks is.
func (a *Allocator) SetCheckpointBlocksRequired(n uint32) {
	a.checkpointBlocksNeeded = n
}

// ReserveLastChunkForSummary makes AllocChunk stop one chunk short of the
// end of each allocation block, leaving the final chunk for the block's
// summary record (internal/scan.SummaryIndex). The reserved chunk is
// accounted in-use the moment the block fills, whether or not the summary
// write that follows it succeeds.
func (a *Allocator) ReserveLastChunkForSummary() {
	a.summaryReserve = true
}

// NFreeChunks returns the current free-chunk count.
func (a *Allocator) NFreeChunks() int64 { return a.nFreeChunks }

// NErasedBlocks returns the current count of wholly-empty blocks.
func (a *Allocator) NErasedBlocks() uint32 { return a.nErasedBlocks }

// reserveChunks is the number of chunks that may only be granted with
// useReserve == true.
func (a *Allocator) reserveChunks() int64 {
	return int64(a.geom.NReservedBlocks+a.checkpointBlocksNeeded) * int64(a.geom.ChunksPerBlock)
}

func (a *Allocator) findNextEmptyBlock() (uint32, error) {
	n := a.blocks.NBlocks()
	for i := uint32(0); i < n; i++ {
		cand := a.geom.InternalStartBlock + (a.allocBlockFinder+i)%n
		if a.blocks.Info(cand).State == tags.BlockEmpty {
			a.allocBlockFinder = (cand - a.geom.InternalStartBlock + 1) % n
			return cand, nil
		}
	}
	return 0, fmt.Errorf("alloc: no empty block available: %w", errs.ErrOutOfSpace)
}

// AllocChunk grants the next physical chunk, opening a new allocation block
// if needed. useReserve allows dipping into the space withheld for GC and
// checkpointing.
func (a *Allocator) AllocChunk(useReserve bool) (physChunk uint32, blockInfo *blockinfo.Info, err error) {
	if !useReserve && a.nFreeChunks <= a.reserveChunks() {
		return 0, nil, fmt.Errorf("alloc: reserve exhausted: %w", errs.ErrOutOfSpace)
	}

	if a.allocBlock < 0 {
		blk, err := a.findNextEmptyBlock()
		if err != nil {
			return 0, nil, err
		}
		a.seqNumber++
		info := a.blocks.Info(blk)
		info.State = tags.BlockAllocating
		info.SeqNumber = a.seqNumber
		a.nErasedBlocks--
		a.allocBlock = int64(blk)
		a.allocPage = 0
	}

	blk := uint32(a.allocBlock)
	info := a.blocks.Info(blk)
	chunk := a.allocPage
	physChunk = (blk-a.geom.InternalStartBlock)*a.geom.ChunksPerBlock + chunk + a.geom.ChunkOffset

	a.blocks.SetChunkBit(blk, chunk)
	info.PagesInUse++
	a.nFreeChunks--

	usable := a.geom.ChunksPerBlock
	if a.summaryReserve {
		usable--
	}
	a.allocPage++
	if a.allocPage >= usable {
		if a.summaryReserve {
			last := a.geom.ChunksPerBlock - 1
			a.blocks.SetChunkBit(blk, last)
			info.PagesInUse++
			a.nFreeChunks--
		}
		info.State = tags.BlockFull
		a.allocBlock = -1
		a.allocPage = 0
	}

	return physChunk, info, nil
}

// SkipRestOfBlock closes the current allocation block immediately, so a
// damaged chunk does not poison subsequent writes to the same block.
func (a *Allocator) SkipRestOfBlock() {
	if a.allocBlock < 0 {
		return
	}
	a.blocks.Info(uint32(a.allocBlock)).State = tags.BlockFull
	a.allocBlock = -1
	a.allocPage = 0
}

// NoteBlockErased records that block transitioned DIRTY -> EMPTY, crediting
// its chunks back to the free pool. Called by internal/gc after a
// successful physical erase.
func (a *Allocator) NoteBlockErased(block uint32) {
	info := a.blocks.Info(block)
	info.State = tags.BlockEmpty
	info.PagesInUse = 0
	info.SoftDeletions = 0
	info.HasShrinkHeader = false
	info.GCPrioritise = false
	a.blocks.ClearChunkBits(block)
	a.nErasedBlocks++
	a.nFreeChunks += int64(a.geom.ChunksPerBlock)
}

// NextSeqNumber returns the seq_number that would be assigned to the next
// newly-opened allocation block, without consuming it.
func (a *Allocator) NextSeqNumber() uint32 { return a.seqNumber + 1 }

// RestoreSeqNumber seeds the running seq_number counter from the highest
// value already observed on media, so the next newly-opened block's
// seq_number continues the sequence instead of restarting at 1. Called once
// by internal/scan after a mount-time scan and by internal/checkpoint after
// a checkpoint restore; a no-op if seq is not an advance.
func (a *Allocator) RestoreSeqNumber(seq uint32) {
	if seq > a.seqNumber {
		a.seqNumber = seq
	}
}

// BlockOf decomposes an absolute physical chunk address into its owning
// block and the chunk's index within that block.
func (a *Allocator) BlockOf(physChunk uint32) (block, chunkIdx uint32) {
	rel := physChunk - a.geom.ChunkOffset
	return a.geom.InternalStartBlock + rel/a.geom.ChunksPerBlock, rel % a.geom.ChunksPerBlock
}

// DeleteChunk drops physChunk from the live set immediately: clears its
// chunk bit, credits the block's pages_in_use and the device's
// n_free_chunks. This is the ordinary "write new, update index, delete old"
// replacement of spec.md's on-media ordering guarantee, distinct from
// SoftDel's deferred accounting for an unlinked-but-open file (internal/gc
// handles that case instead).
func (a *Allocator) DeleteChunk(physChunk uint32) {
	block, chunkIdx := a.BlockOf(physChunk)
	if !a.blocks.CheckChunkBit(block, chunkIdx) {
		return
	}
	a.blocks.ClearChunkBit(block, chunkIdx)
	info := a.blocks.Info(block)
	info.PagesInUse--
	a.nFreeChunks++
}
