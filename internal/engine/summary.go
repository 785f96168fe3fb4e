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

package engine

import (
	"context"

	"github.com/flashfs/flashfs/internal/geometry"
	"github.com/flashfs/flashfs/internal/nand"
	"github.com/flashfs/flashfs/internal/scan"
	"github.com/flashfs/flashfs/internal/tags"
)

// summaryMarshaler decorates the device's tag marshaler to maintain the
// per-block summary digest (internal/scan.SummaryIndex). Allocation is
// strictly linear within a block, so the write order seen here equals
// chunk offset order: a write at offset 0 means the block was just
// (re)opened, and the write that lands on the last usable chunk means the
// block is now full and its reserved final chunk takes the digest.
//
// Only the allocation-path writers (internal/header, internal/dataio,
// internal/gc) are constructed over this wrapper; the checkpoint region
// keeps the raw marshaler so its chunks are never recorded.
type summaryMarshaler struct {
	tags.Marshaler
	si   *scan.SummaryIndex
	geom geometry.Geometry
}

func (m summaryMarshaler) WriteChunkTags(ctx context.Context, drv nand.Driver, physChunk uint32, data []byte, t tags.Tags) error {
	if err := m.Marshaler.WriteChunkTags(ctx, drv, physChunk, data, t); err != nil {
		return err
	}

	rel := physChunk - m.geom.ChunkOffset
	block := m.geom.InternalStartBlock + rel/m.geom.ChunksPerBlock
	idx := rel % m.geom.ChunksPerBlock

	if idx == 0 {
		m.si.Reset(block)
	}
	m.si.Record(block, t.ObjID, t.ChunkID, t.Extra)

	if idx == m.geom.ChunksPerBlock-2 {
		// Best effort: a failed summary write costs nothing but the fast
		// path for this one block; the scan's chunk-by-chunk fallback is
		// always correct.
		_ = m.si.FlushBlock(ctx, drv, m.Marshaler, block, physChunk+1)
	}
	return nil
}
