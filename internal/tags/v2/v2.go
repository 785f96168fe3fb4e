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

// Package v2 implements the v2 tag flavor: tags carry a seq_number and, on
// header chunks, the fast-scan Extra fields, stored either in the spare
// area or inband with the chunk data depending on geometry.Config.InbandTags
// (spec.md §4.3). Bad blocks are managed by the driver's own
// MarkBad/CheckBad rather than an in-band sentinel.
package v2

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/flashfs/flashfs/internal/nand"
	"github.com/flashfs/flashfs/internal/tags"
)

// InbandSize is the number of fixed tag bytes the inband layout steals from
// the front of the chunk when geometry.Config.InbandTags is set; the
// marshaler does not enforce DataBytesPerChunk bookkeeping, that is
// geometry's job (spec.md §4.1's inband_tags adjustment to
// data_bytes_per_chunk).
const InbandSize = 32

// extraTailLen is the width of the file-size trailer appended after the
// fixed fields, in both layouts.
const extraTailLen = 8

// SpareSize is the number of spare bytes the spare-area layout consumes:
// the fixed fields, the file-size trailer, and one checksum byte.
const SpareSize = InbandSize + extraTailLen + 1

const (
	offObjID    = 0
	offChunkID  = 4
	offNBytes   = 8
	offSeq      = 12
	offSerial   = 16
	offAvail    = 17
	offIsShrink = 18
	offObjType  = 19
	offParentID = 20
	offEquivID  = 24
	offShadows  = 28
	offSumSpare = InbandSize + extraTailLen // spare layout checksum offset
)

// Marshaler implements tags.Marshaler for the v2 flavor.
type Marshaler struct {
	// Inband selects inband tag storage (tags live at the front of the
	// chunk's data bytes) instead of the default spare-area layout.
	Inband bool
}

var _ tags.Marshaler = Marshaler{}

// erased reports whether buf is still in its post-erase state (every byte
// 0xff); see the identical helper in internal/tags/v1 for why this must be
// checked before the checksum is trusted.
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

// fixedPack packs everything except the file-size trailer, which is
// variable-width only in the sense that it is omitted for non-header
// chunks; the buffer itself is always InbandSize/SpareSize bytes.
func fixedPack(t tags.Tags) []byte {
	buf := make([]byte, InbandSize)
	binary.LittleEndian.PutUint32(buf[offObjID:], t.ObjID)
	binary.LittleEndian.PutUint32(buf[offChunkID:], t.ChunkID)
	binary.LittleEndian.PutUint32(buf[offNBytes:], t.NBytes)
	binary.LittleEndian.PutUint32(buf[offSeq:], t.SeqNumber)
	buf[offSerial] = t.Serial & 0x3
	if t.Extra.Available {
		buf[offAvail] = 1
	}
	if t.Extra.IsShrink {
		buf[offIsShrink] = 1
	}
	buf[offObjType] = byte(t.Extra.ObjType)
	binary.LittleEndian.PutUint32(buf[offParentID:], t.Extra.ParentID)
	binary.LittleEndian.PutUint32(buf[offEquivID:], t.Extra.EquivID)
	binary.LittleEndian.PutUint32(buf[offShadows:], t.Extra.Shadows)
	return buf
}

func fixedUnpack(buf []byte) tags.Tags {
	return tags.Tags{
		ObjID:     binary.LittleEndian.Uint32(buf[offObjID:]),
		ChunkID:   binary.LittleEndian.Uint32(buf[offChunkID:]),
		NBytes:    binary.LittleEndian.Uint32(buf[offNBytes:]),
		SeqNumber: binary.LittleEndian.Uint32(buf[offSeq:]),
		Serial:    buf[offSerial] & 0x3,
		Extra: tags.Extra{
			Available: buf[offAvail] != 0,
			IsShrink:  buf[offIsShrink] != 0,
			ObjType:   tags.ObjType(buf[offObjType]),
			ParentID:  binary.LittleEndian.Uint32(buf[offParentID:]),
			EquivID:   binary.LittleEndian.Uint32(buf[offEquivID:]),
			Shadows:   binary.LittleEndian.Uint32(buf[offShadows:]),
		},
	}
}

func packSpare(t tags.Tags) []byte {
	buf := make([]byte, SpareSize)
	copy(buf, fixedPack(t))
	binary.LittleEndian.PutUint64(buf[InbandSize:], uint64(t.Extra.FileSize))
	buf[offSumSpare] = checksum(buf[:offSumSpare])
	return buf
}

func unpackSpare(buf []byte) (tags.Tags, bool) {
	if len(buf) < SpareSize {
		return tags.Tags{}, false
	}
	ok := checksum(buf[:offSumSpare]) == buf[offSumSpare]
	t := fixedUnpack(buf)
	t.Extra.FileSize = int64(binary.LittleEndian.Uint64(buf[InbandSize:]))
	return t, ok
}

func (m Marshaler) WriteChunkTags(ctx context.Context, drv nand.Driver, physChunk uint32, data []byte, t tags.Tags) error {
	if m.Inband {
		payload := fixedPack(t)
		sizeTrailer := make([]byte, extraTailLen)
		binary.LittleEndian.PutUint64(sizeTrailer, uint64(t.Extra.FileSize))
		payload = append(payload, sizeTrailer...)
		payload = append(payload, checksum(payload))
		full := append(payload, data...)
		return drv.WriteChunk(ctx, physChunk, full, nil)
	}
	return drv.WriteChunk(ctx, physChunk, data, packSpare(t))
}

func (m Marshaler) ReadChunkTags(ctx context.Context, drv nand.Driver, physChunk uint32, data []byte) (tags.Tags, nand.EccResult, error) {
	if m.Inband {
		headerLen := InbandSize + extraTailLen + 1
		var full []byte
		if data != nil {
			full = make([]byte, headerLen+len(data))
		} else {
			full = make([]byte, headerLen)
		}
		driverEcc, err := drv.ReadChunk(ctx, physChunk, full, nil)
		if err != nil {
			return tags.Tags{}, nand.EccUnfixed, err
		}
		if driverEcc == nand.EccUnfixed {
			return tags.Tags{}, nand.EccUnfixed, nil
		}

		header := full[:headerLen]
		sumOK := checksum(header[:headerLen-1]) == header[headerLen-1]
		t := fixedUnpack(header[:InbandSize])
		t.Extra.FileSize = int64(binary.LittleEndian.Uint64(header[InbandSize : InbandSize+extraTailLen]))
		if data != nil {
			copy(data, full[headerLen:])
		}
		if !sumOK {
			return t, nand.EccUnfixed, nil
		}
		return t, driverEcc, nil
	}

	spare := make([]byte, SpareSize)
	driverEcc, err := drv.ReadChunk(ctx, physChunk, data, spare)
	if err != nil {
		return tags.Tags{}, nand.EccUnfixed, err
	}
	if driverEcc == nand.EccUnfixed {
		return tags.Tags{}, nand.EccUnfixed, nil
	}

	t, sumOK := unpackSpare(spare)
	if !sumOK {
		return t, nand.EccUnfixed, nil
	}
	return t, driverEcc, nil
}

func (Marshaler) MarkBad(ctx context.Context, drv nand.Driver, block uint32) error {
	return drv.MarkBad(ctx, block)
}

func (Marshaler) QueryBlockState(ctx context.Context, drv nand.Driver, block, firstPhysChunk uint32) (tags.BlockState, uint32, error) {
	bad, err := drv.CheckBad(ctx, block)
	if err != nil {
		return tags.BlockUnknown, 0, fmt.Errorf("tags/v2: check bad block %d: %w", block, err)
	}
	if bad {
		return tags.BlockDead, 0, nil
	}

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

	t, sumOK := unpackSpare(spare)
	if !sumOK {
		return tags.BlockNeedsScan, 0, nil
	}
	return tags.BlockFull, t.SeqNumber, nil
}
