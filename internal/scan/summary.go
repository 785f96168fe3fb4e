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

package scan

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/flashfs/flashfs/internal/nand"
	"github.com/flashfs/flashfs/internal/objstore"
	"github.com/flashfs/flashfs/internal/tags"
)

// summaryObjID is the sentinel obj_id a summary record is tagged with. It
// is chosen well outside objstore's id space (effectiveMax tops out at
// 1<<20 for an unbounded store) so it can never collide with a real
// object.
const summaryObjID uint32 = 0xffffffff

// summaryEntry is one chunk's digest within a block, recorded in write
// order so an entry's index in the block equals its physical chunk offset.
type summaryEntry struct {
	objID   uint32
	chunkID uint32
	extra   tags.Extra // populated for header entries only
}

const entryLen = 1 + 4 + 4 + 1 + 4 + 8 + 1 + 4 + 4

func encodeEntry(buf []byte, e summaryEntry) {
	buf[0] = 1
	binary.LittleEndian.PutUint32(buf[1:], e.objID)
	binary.LittleEndian.PutUint32(buf[5:], e.chunkID)
	if e.extra.Available {
		buf[9] = 1
	}
	binary.LittleEndian.PutUint32(buf[10:], e.extra.ParentID)
	binary.LittleEndian.PutUint64(buf[14:], uint64(e.extra.FileSize))
	if e.extra.IsShrink {
		buf[22] = 1
	}
	binary.LittleEndian.PutUint32(buf[23:], e.extra.EquivID)
	binary.LittleEndian.PutUint32(buf[27:], e.extra.Shadows)
}

func decodeEntry(buf []byte) summaryEntry {
	var e summaryEntry
	e.objID = binary.LittleEndian.Uint32(buf[1:])
	e.chunkID = binary.LittleEndian.Uint32(buf[5:])
	e.extra.Available = buf[9] != 0
	e.extra.ParentID = binary.LittleEndian.Uint32(buf[10:])
	e.extra.FileSize = int64(binary.LittleEndian.Uint64(buf[14:]))
	e.extra.IsShrink = buf[22] != 0
	e.extra.EquivID = binary.LittleEndian.Uint32(buf[23:])
	e.extra.Shadows = binary.LittleEndian.Uint32(buf[27:])
	return e
}

// SummaryIndex accumulates, per allocation block, the (obj_id, chunk_id,
// extra) triple of every chunk written during that block's ALLOCATING
// lifetime, mirroring the original's per-block summary digest
// (yaffs_summary.c). Encode/FlushBlock produce the on-media record that
// the engine's summary-recording tag marshaler writes as a block's last
// chunk; Apply is the scan-side consumer wired into Scanner.backwardScan.
type SummaryIndex struct {
	geom struct {
		chunksPerBlock uint32
		chunkOffset    uint32
		startBlock     uint32
		dataLen        uint32
	}
	pending map[uint32][]summaryEntry
}

// NewSummaryIndex constructs an empty SummaryIndex for a device of the
// given geometry.
func NewSummaryIndex(chunksPerBlock, chunkOffset, startBlock, dataLen uint32) *SummaryIndex {
	si := &SummaryIndex{pending: make(map[uint32][]summaryEntry)}
	si.geom.chunksPerBlock = chunksPerBlock
	si.geom.chunkOffset = chunkOffset
	si.geom.startBlock = startBlock
	si.geom.dataLen = dataLen
	return si
}

// SummaryFits reports whether a full block's digest (chunksPerBlock-1
// entries, one per usable chunk once the last is reserved for the record
// itself) fits a single chunk's data area. Devices where it does not fit
// run with summaries disabled.
func SummaryFits(chunksPerBlock, dataLen uint32) bool {
	return 4+(chunksPerBlock-1)*entryLen <= dataLen
}

// Reset discards any digest accumulated for block. Called when a block is
// (re)opened for allocation, so entries from an abandoned lifetime (a
// skip_rest_of_block, or a crash before the block filled) never leak into
// the next one.
func (si *SummaryIndex) Reset(block uint32) {
	delete(si.pending, block)
}

// Record appends one chunk's digest to block's in-progress summary. The
// engine's summary-recording tag marshaler, which wraps the writers'
// (internal/header, internal/dataio, internal/gc) marshaler, calls it
// immediately after each successful WriteChunkTags; extra is the zero
// value for data chunks.
func (si *SummaryIndex) Record(block, objID, chunkID uint32, extra tags.Extra) {
	si.pending[block] = append(si.pending[block], summaryEntry{objID: objID, chunkID: chunkID, extra: extra})
}

// Encode serializes block's accumulated entries into a chunk-sized buffer
// suitable for FlushBlock, and returns an error if they do not fit dataLen
// (SummaryFits reports whether a full block's worth of entries fits a
// given geometry).
func (si *SummaryIndex) Encode(block uint32) ([]byte, error) {
	entries := si.pending[block]
	need := 4 + len(entries)*entryLen
	if uint32(need) > si.geom.dataLen {
		return nil, fmt.Errorf("scan: summary for block %d (%d entries) exceeds chunk size", block, len(entries))
	}
	buf := make([]byte, si.geom.dataLen)
	for i := range buf {
		buf[i] = 0xff
	}
	binary.LittleEndian.PutUint32(buf, uint32(len(entries)))
	off := 4
	for _, e := range entries {
		encodeEntry(buf[off:off+entryLen], e)
		off += entryLen
	}
	return buf, nil
}

// FlushBlock encodes block's summary and writes it to physChunk (expected
// to be the block's reserved last chunk), then discards the accumulated
// entries.
func (si *SummaryIndex) FlushBlock(ctx context.Context, drv nand.Driver, marshaler tags.Marshaler, block, physChunk uint32) error {
	buf, err := si.Encode(block)
	if err != nil {
		return err
	}
	if err := marshaler.WriteChunkTags(ctx, drv, physChunk, buf, tags.Tags{ObjID: summaryObjID, ChunkID: 0}); err != nil {
		return fmt.Errorf("scan: write summary for block %d: %w", block, err)
	}
	delete(si.pending, block)
	return nil
}

func (si *SummaryIndex) blockFirstChunk(block uint32) uint32 {
	return (block-si.geom.startBlock)*si.geom.chunksPerBlock + si.geom.chunkOffset
}

// Apply consults a block's reserved last chunk for a valid summary record
// and, if present, folds every entry directly into st without reading the
// rest of the block. It reports ok == false whenever no trustworthy
// summary exists (disabled at write time, ECC failure, or this block
// predates summaries being enabled), so the caller falls back to a normal
// chunk-by-chunk scan of block.
func (si *SummaryIndex) Apply(ctx context.Context, s *Scanner, st *scanState, block uint32) (ok bool, err error) {
	lastIdx := si.geom.chunksPerBlock - 1
	lastPhys := si.blockFirstChunk(block) + lastIdx

	buf := make([]byte, si.geom.dataLen)
	t, ecc, err := s.marshaler.ReadChunkTags(ctx, s.drv, lastPhys, buf)
	if err != nil {
		return false, fmt.Errorf("scan: read summary candidate for block %d: %w", block, err)
	}
	if ecc == nand.EccUnfixed || t.ObjID != summaryObjID {
		return false, nil
	}
	if len(buf) < 4 {
		return false, nil
	}
	count := binary.LittleEndian.Uint32(buf)
	off := 4
	for i := uint32(0); i < count; i++ {
		if off+entryLen > len(buf) {
			return false, nil
		}
		e := decodeEntry(buf[off : off+entryLen])
		off += entryLen

		physChunk := si.blockFirstChunk(block) + i
		if e.objID == 0 {
			continue
		}
		if e.chunkID == 0 {
			if st.seenHeader[e.objID] {
				continue
			}
			st.seenHeader[e.objID] = true
			s.acceptHeaderFromExtra(st, block, i, physChunk, e.objID, e.extra)
			continue
		}
		key := dataKey(e.objID, e.chunkID)
		if st.seenData[key] {
			continue
		}
		st.seenData[key] = true
		s.acceptData(st, block, i, physChunk, tags.Tags{ObjID: e.objID, ChunkID: e.chunkID})
	}
	// The summary record itself occupies the block's last chunk; account it
	// so pages_in_use matches the programmed state (invariant 3). GC drops
	// it as an ownerless chunk when the block is reclaimed.
	s.markLive(block, lastIdx)
	return true, nil
}

// acceptHeaderFromExtra instantiates or updates an object from a summary
// entry's fast-scan fields, leaving it Deferred (name/equiv unresolved)
// until something reads its header in full, exactly the "lazily loaded"
// path spec.md §4.12 describes for v2 fast scan.
func (s *Scanner) acceptHeaderFromExtra(st *scanState, block, chunkIdx, phys, objID uint32, extra tags.Extra) {
	st.objectIDs[objID] = true
	obj, exists := s.store.ByID(objID)
	if !exists {
		obj = &objstore.Object{ID: objID}
		s.store.InsertScanned(obj)
	}
	obj.Kind = extra.ObjType
	obj.ParentID = extra.ParentID
	obj.EquivID = extra.EquivID
	obj.FileSize = extra.FileSize
	obj.StoredSize = extra.FileSize
	obj.HdrChunk = phys
	obj.Deferred = true

	if extra.IsShrink {
		s.blocks.Info(block).HasShrinkHeader = true
	}
	if extra.Shadows != 0 {
		st.shadows = append(st.shadows, pendingShadow{shadowedID: extra.Shadows})
	}

	s.markLive(block, chunkIdx)
}
