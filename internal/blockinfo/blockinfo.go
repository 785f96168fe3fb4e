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

// Package blockinfo holds the in-RAM per-block bookkeeping (spec.md §4.4):
// one Info record per block plus a flat chunk-occupancy bitmap, rebuilt by
// internal/scan at mount and kept current by internal/alloc and internal/gc.
package blockinfo

import (
	"fmt"

	"github.com/flashfs/flashfs/internal/tags"
)

// Info is the per-block summary the allocator and garbage collector consult
// to pick victims and track reclaimable space.
type Info struct {
	SeqNumber       uint32
	PagesInUse      uint32
	SoftDeletions   uint32
	State           tags.BlockState
	NeedsRetiring   bool
	SkipErasedCheck bool
	GCPrioritise    bool
	HasShrinkHeader bool
}

// CheckInvariants panics if i is in a state the rest of the engine must
// never observe.
//
// INVARIANT: SoftDeletions never exceeds PagesInUse.
func (i Info) CheckInvariants() {
	if i.SoftDeletions > i.PagesInUse {
		panic(fmt.Sprintf("blockinfo: soft_deletions %d exceeds pages_in_use %d", i.SoftDeletions, i.PagesInUse))
	}
}

// Table is the flat array of Info records and the chunk-occupancy bitmap
// for every block in [startBlock, startBlock+nBlocks), addressed by
// internal block index (0-based from startBlock, matching
// geometry.Geometry.InternalStartBlock).
type Table struct {
	startBlock     uint32
	chunksPerBlock uint32
	stride         int // bytes of bitmap per block

	infos  []Info
	bitmap []byte
}

// New allocates a Table covering nBlocks blocks starting at startBlock, each
// holding chunksPerBlock chunks.
func New(startBlock, nBlocks, chunksPerBlock uint32) *Table {
	stride := int((chunksPerBlock + 7) / 8)
	return &Table{
		startBlock:     startBlock,
		chunksPerBlock: chunksPerBlock,
		stride:         stride,
		infos:          make([]Info, nBlocks),
		bitmap:         make([]byte, stride*int(nBlocks)),
	}
}

func (t *Table) index(block uint32) int {
	if block < t.startBlock || int(block-t.startBlock) >= len(t.infos) {
		panic(fmt.Sprintf("blockinfo: block %d out of range [%d, %d)", block, t.startBlock, t.startBlock+uint32(len(t.infos))))
	}
	return int(block - t.startBlock)
}

// Info returns a pointer to block's Info record, for in-place mutation.
func (t *Table) Info(block uint32) *Info {
	return &t.infos[t.index(block)]
}

// NBlocks returns the number of blocks this table tracks.
func (t *Table) NBlocks() uint32 {
	return uint32(len(t.infos))
}

func (t *Table) bits(block uint32) []byte {
	i := t.index(block)
	return t.bitmap[i*t.stride : (i+1)*t.stride]
}

func (t *Table) verifyChunk(block, chunk uint32) {
	if chunk >= t.chunksPerBlock {
		panic(fmt.Sprintf("blockinfo: chunk id (%d:%d) invalid", block, chunk))
	}
}

// SetChunkBit marks chunk (0-based within block) as holding live data.
func (t *Table) SetChunkBit(block, chunk uint32) {
	t.verifyChunk(block, chunk)
	bits := t.bits(block)
	bits[chunk/8] |= 1 << (chunk % 8)
}

// ClearChunkBit marks chunk as free.
func (t *Table) ClearChunkBit(block, chunk uint32) {
	t.verifyChunk(block, chunk)
	bits := t.bits(block)
	bits[chunk/8] &^= 1 << (chunk % 8)
}

// CheckChunkBit reports whether chunk is currently marked in-use.
func (t *Table) CheckChunkBit(block, chunk uint32) bool {
	t.verifyChunk(block, chunk)
	bits := t.bits(block)
	return bits[chunk/8]&(1<<(chunk%8)) != 0
}

// ClearChunkBits resets every chunk of block to free, e.g. after it has
// been erased.
func (t *Table) ClearChunkBits(block uint32) {
	bits := t.bits(block)
	for i := range bits {
		bits[i] = 0
	}
}

// StillSomeChunks reports whether any chunk of block is still marked
// in-use.
func (t *Table) StillSomeChunks(block uint32) bool {
	for _, b := range t.bits(block) {
		if b != 0 {
			return true
		}
	}
	return false
}

// CountChunkBits returns the number of chunks of block currently marked
// in-use.
func (t *Table) CountChunkBits(block uint32) int {
	n := 0
	for _, b := range t.bits(block) {
		n += popcount(b)
	}
	return n
}

func popcount(b byte) int {
	n := 0
	for b != 0 {
		n += int(b & 1)
		b >>= 1
	}
	return n
}
