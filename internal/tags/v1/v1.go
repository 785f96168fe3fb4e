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

// Package v1 implements the v1 tag flavor: tags live in the NAND spare
// area, there is no seq_number, and bad blocks are marked by writing a
// dedicated sentinel tag rather than calling the driver's mark_bad
// (spec.md §4.3).
package v1

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/flashfs/flashfs/internal/nand"
	"github.com/flashfs/flashfs/internal/tags"
)

// SpareSize is the number of spare bytes this flavor consumes per chunk.
const SpareSize = 20

// badBlockMarker is written at the marker offset of the first chunk of a
// block that has been marked bad, in place of real tags.
const badBlockMarker = 0xffffffff

const (
	offObjID   = 0
	offChunkID = 4
	offNBytes  = 8
	offSerial  = 12
	offMarker  = 13
	offSum     = 17
)

// Marshaler implements tags.Marshaler for the v1 flavor.
type Marshaler struct{}

var _ tags.Marshaler = Marshaler{}

// erased reports whether buf is still in its post-erase state (every byte
// 0xff). A block that has never been programmed must read back this way,
// and an all-0xff spare happens to satisfy the XOR checksum by construction,
// so it must be detected before unpack is trusted.
func erased(buf []byte) bool {
	for _, b := range buf {
		if b != 0xff {
			return false
		}
	}
	return true
}

func checksum(b []byte) byte {
	var sum byte
	for _, v := range b {
		sum ^= v
	}
	return sum
}

func pack(t tags.Tags) []byte {
	buf := make([]byte, SpareSize)
	binary.LittleEndian.PutUint32(buf[offObjID:], t.ObjID)
	binary.LittleEndian.PutUint32(buf[offChunkID:], t.ChunkID)
	binary.LittleEndian.PutUint32(buf[offNBytes:], t.NBytes)
	buf[offSerial] = t.Serial & 0x3
	binary.LittleEndian.PutUint32(buf[offMarker:], 0)
	buf[offSum] = checksum(buf[:offSum])
	return buf
}

func unpack(buf []byte) (tags.Tags, bool) {
	if len(buf) < SpareSize {
		return tags.Tags{}, false
	}
	ok := checksum(buf[:offSum]) == buf[offSum]
	t := tags.Tags{
		ObjID:   binary.LittleEndian.Uint32(buf[offObjID:]),
		ChunkID: binary.LittleEndian.Uint32(buf[offChunkID:]),
		NBytes:  binary.LittleEndian.Uint32(buf[offNBytes:]),
		Serial:  buf[offSerial] & 0x3,
	}
	return t, ok
}

// WriteChunkTags packs t into the spare area and writes it alongside data.
// It always writes a zero marker; v1's bad-block sentinel is written by
// WriteBadBlockSentinel instead.
func (Marshaler) WriteChunkTags(ctx context.Context, drv nand.Driver, physChunk uint32, data []byte, t tags.Tags) error {
	return drv.WriteChunk(ctx, physChunk, data, pack(t))
}

// ReadChunkTags reads the tags back, combining the driver's own ECC
// judgement with this flavor's checksum: either one failing is reported as
// unfixable, since out-of-scope physical ECC correction (spec.md §1) is the
// driver's job and the checksum here only catches tag-region corruption the
// driver's own check missed.
func (Marshaler) ReadChunkTags(ctx context.Context, drv nand.Driver, physChunk uint32, data []byte) (tags.Tags, nand.EccResult, error) {
	spare := make([]byte, SpareSize)
	driverEcc, err := drv.ReadChunk(ctx, physChunk, data, spare)
	if err != nil {
		return tags.Tags{}, nand.EccUnfixed, err
	}
	if driverEcc == nand.EccUnfixed {
		return tags.Tags{}, nand.EccUnfixed, nil
	}

	t, sumOK := unpack(spare)
	if !sumOK {
		return t, nand.EccUnfixed, nil
	}
	return t, driverEcc, nil
}

// MarkBad always returns an error for v1. v1 has no driver-level mark_bad;
// the sentinel is itself the on-media record, so this flavor requires the
// caller to resolve block to its first physical chunk via geometry and
// call WriteBadBlockSentinel instead.
func (m Marshaler) MarkBad(ctx context.Context, drv nand.Driver, block uint32) error {
	return fmt.Errorf("tags/v1: MarkBad requires a physical chunk address; use WriteBadBlockSentinel")
}

// WriteBadBlockSentinel writes v1's bad-block marker to a block's first
// physical chunk. v1 callers use this instead of Marshaler.MarkBad, which
// v1 cannot satisfy without a chunk address.
func (Marshaler) WriteBadBlockSentinel(ctx context.Context, drv nand.Driver, firstPhysChunk uint32) error {
	buf := make([]byte, SpareSize)
	binary.LittleEndian.PutUint32(buf[offMarker:], badBlockMarker)
	buf[offSum] = checksum(buf[:offSum])
	return drv.WriteChunk(ctx, firstPhysChunk, nil, buf)
}

func (Marshaler) QueryBlockState(ctx context.Context, drv nand.Driver, block, firstPhysChunk uint32) (tags.BlockState, uint32, error) {
	spare := make([]byte, SpareSize)
	ecc, err := drv.ReadChunk(ctx, firstPhysChunk, nil, spare)
	if err != nil {
		return tags.BlockUnknown, 0, err
	}
	if ecc == nand.EccUnfixed {
		return tags.BlockNeedsScan, 0, nil
	}

	if erased(spare) {
		return tags.BlockEmpty, 0, nil
	}

	marker := binary.LittleEndian.Uint32(spare[offMarker:])
	if marker == badBlockMarker {
		return tags.BlockDead, 0, nil
	}

	if _, sumOK := unpack(spare); !sumOK {
		return tags.BlockNeedsScan, 0, nil
	}
	return tags.BlockFull, 0, nil
}
