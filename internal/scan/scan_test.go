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

package scan_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flashfs/flashfs/internal/alloc"
	"github.com/flashfs/flashfs/internal/blockinfo"
	"github.com/flashfs/flashfs/internal/geometry"
	"github.com/flashfs/flashfs/internal/header"
	"github.com/flashfs/flashfs/internal/nand/simdriver"
	"github.com/flashfs/flashfs/internal/objstore"
	"github.com/flashfs/flashfs/internal/scan"
	"github.com/flashfs/flashfs/internal/tags"
	v1 "github.com/flashfs/flashfs/internal/tags/v1"
	v2 "github.com/flashfs/flashfs/internal/tags/v2"
)

// scanFixture builds a small device (9 usable blocks, 4 chunks each) plus a
// fresh allocator and object store, and writes chunks to it directly
// (bypassing internal/dataio and internal/header's own allocation so a test
// can place specific (obj_id, chunk_id) pairs at specific blocks).
type scanFixture struct {
	geom   geometry.Geometry
	blocks *blockinfo.Table
	alloc  *alloc.Allocator
	drv    *simdriver.Driver
	store  *objstore.Store
}

func newScanFixture(t *testing.T, isYaffs2 bool, spareSize uint32) *scanFixture {
	t.Helper()
	geom, err := geometry.Derive(geometry.Config{
		TotalBytesPerChunk: 2048,
		ChunksPerBlock:     4,
		StartBlock:         0,
		EndBlock:           8,
		NReservedBlocks:    2,
		IsYaffs2:           isYaffs2,
	})
	require.NoError(t, err)

	blocks := blockinfo.New(geom.InternalStartBlock, geom.NBlocks(), geom.ChunksPerBlock)
	totalChunks := int64(geom.NBlocks() * geom.ChunksPerBlock)
	a := alloc.New(geom, blocks, totalChunks, geom.NBlocks())

	drv := simdriver.New(simdriver.Options{
		Fs:                 afero.NewMemMapFs(),
		ImagePath:          "/image.bin",
		TotalBlocks:        geom.NBlocks() + geom.BlockOffset,
		ChunksPerBlock:     geom.ChunksPerBlock,
		DataBytesPerChunk:  geom.DataBytesPerChunk,
		SpareBytesPerChunk: spareSize,
	})
	require.NoError(t, drv.Initialise(context.Background()))
	t.Cleanup(func() { _ = drv.Deinitialise(context.Background()) })

	return &scanFixture{geom: geom, blocks: blocks, alloc: a, drv: drv, store: objstore.New(0)}
}

// writeHeader writes an object header chunk for objID via the allocator,
// returning the physical chunk it landed at.
func (f *scanFixture) writeHeader(t *testing.T, ctx context.Context, m tags.Marshaler, objID uint32, oh header.OH, serial uint8) uint32 {
	t.Helper()
	buf, err := header.Encode(oh, f.geom.DataBytesPerChunk)
	require.NoError(t, err)
	phys, info, err := f.alloc.AllocChunk(false)
	require.NoError(t, err)
	tg := tags.Tags{
		ObjID:   objID,
		ChunkID: 0,
		NBytes:  uint32(len(buf)),
		Serial:  serial,
		Extra: tags.Extra{
			Available: true,
			ParentID:  oh.ParentID,
			FileSize:  oh.FileSize,
			IsShrink:  oh.IsShrink,
			EquivID:   oh.EquivID,
			Shadows:   oh.Shadows,
			ObjType:   oh.Type,
		},
	}
	tg.SeqNumber = info.SeqNumber
	require.NoError(t, m.WriteChunkTags(ctx, f.drv, phys, buf, tg))
	return phys
}

// writeData writes one data chunk for (objID, logical) filled with fill,
// returning the physical chunk.
func (f *scanFixture) writeData(t *testing.T, ctx context.Context, m tags.Marshaler, objID uint32, logical uint64, fill byte) uint32 {
	t.Helper()
	phys, info, err := f.alloc.AllocChunk(false)
	require.NoError(t, err)
	data := bytes.Repeat([]byte{fill}, int(f.geom.DataBytesPerChunk))
	tg := tags.Tags{ObjID: objID, ChunkID: uint32(logical) + 1, NBytes: f.geom.DataBytesPerChunk, Serial: 1, SeqNumber: info.SeqNumber}
	require.NoError(t, m.WriteChunkTags(ctx, f.drv, phys, data, tg))
	return phys
}

func TestScan_V1ForwardRebuildsObjectAndTnode(t *testing.T) {
	f := newScanFixture(t, false, v1.SpareSize)
	ctx := context.Background()
	var m v1.Marshaler

	const fileID uint32 = 42
	f.writeHeader(t, ctx, m, fileID, header.OH{Type: tags.ObjTypeFile, ParentID: objstore.RootID, Name: "a.txt", FileSize: 2 * int64(f.geom.DataBytesPerChunk)}, 1)
	f.writeData(t, ctx, m, fileID, 0, 0xAA)
	f.writeData(t, ctx, m, fileID, 1, 0xBB)

	s := scan.New(f.geom, f.drv, m, f.blocks, f.store, nil)
	res, err := s.Scan(ctx)
	require.NoError(t, err)

	obj, ok := res.Store.ByID(fileID)
	require.True(t, ok)
	assert.Equal(t, tags.ObjTypeFile, obj.Kind)
	assert.Equal(t, "a.txt", obj.Name)
	assert.False(t, obj.Deferred)
	assert.Equal(t, uint32(2), obj.NDataChunks)

	tree, ok := res.Trees[fileID]
	require.True(t, ok)
	phys0, ok := tree.Find(0)
	require.True(t, ok)
	assert.NotZero(t, phys0)
	phys1, ok := tree.Find(1)
	require.True(t, ok)
	assert.NotZero(t, phys1)

	parent, ok := res.Store.Lookup(res.Store.Root, "a.txt")
	require.True(t, ok)
	assert.Equal(t, fileID, parent.ID)
}

func TestScan_V2BackwardPrefersNewestDuplicate(t *testing.T) {
	f := newScanFixture(t, true, v2.SpareSize)
	ctx := context.Background()
	m := v2.Marshaler{}

	const fileID uint32 = 7
	f.writeHeader(t, ctx, m, fileID, header.OH{Type: tags.ObjTypeFile, ParentID: objstore.RootID, Name: "b.txt"}, 1)
	stalePhys := f.writeData(t, ctx, m, fileID, 0, 0x11) // stale copy, earlier block
	staleBlock, _ := f.alloc.BlockOf(stalePhys)

	// Exhaust the rest of staleBlock so the allocator opens a fresh block
	// with a higher seq_number for the rewrite below.
	for f.blocks.Info(staleBlock).State != tags.BlockFull {
		_, _, err := f.alloc.AllocChunk(false)
		require.NoError(t, err)
	}

	f.writeData(t, ctx, m, fileID, 0, 0x99) // fresh copy, later block, same logical index

	s := scan.New(f.geom, f.drv, m, f.blocks, f.store, nil)
	res, err := s.Scan(ctx)
	require.NoError(t, err)

	tree, ok := res.Trees[fileID]
	require.True(t, ok)
	phys, ok := tree.Find(0)
	require.True(t, ok)

	buf := make([]byte, f.geom.DataBytesPerChunk)
	_, _, err = m.ReadChunkTags(ctx, f.drv, phys, buf)
	require.NoError(t, err)
	assert.Equal(t, byte(0x99), buf[0], "backward scan must keep the newest write, not the stale one")
}

func TestScan_HangFixupRelocatesOrphanToLostNFound(t *testing.T) {
	f := newScanFixture(t, false, v1.SpareSize)
	ctx := context.Background()
	var m v1.Marshaler

	const orphanID uint32 = 99
	const missingParent uint32 = 12345
	f.writeHeader(t, ctx, m, orphanID, header.OH{Type: tags.ObjTypeFile, ParentID: missingParent, Name: "orphan.txt"}, 1)

	s := scan.New(f.geom, f.drv, m, f.blocks, f.store, nil)
	res, err := s.Scan(ctx)
	require.NoError(t, err)

	obj, ok := res.Store.ByID(orphanID)
	require.True(t, ok)
	assert.Equal(t, objstore.LostNFoundID, obj.ParentID)

	found, ok := res.Store.Lookup(res.Store.LostNFound, "orphan.txt")
	require.True(t, ok)
	assert.Equal(t, orphanID, found.ID)
}

func TestScan_ShadowFixupUnlinksAndStripsShadowedObject(t *testing.T) {
	f := newScanFixture(t, false, v1.SpareSize)
	ctx := context.Background()
	var m v1.Marshaler

	const shadowedID uint32 = 50
	const shadowerID uint32 = 51

	f.writeHeader(t, ctx, m, shadowedID, header.OH{Type: tags.ObjTypeFile, ParentID: objstore.RootID, Name: "old.txt"}, 1)
	f.writeHeader(t, ctx, m, shadowerID, header.OH{Type: tags.ObjTypeFile, ParentID: objstore.RootID, Name: "new.txt", Shadows: shadowedID}, 1)

	s := scan.New(f.geom, f.drv, m, f.blocks, f.store, nil)
	res, err := s.Scan(ctx)
	require.NoError(t, err)

	// Shadow fix-up moves the shadowed object to Unlinked, and the strip
	// pass then frees everything in Unlinked.
	_, ok := res.Store.ByID(shadowedID)
	require.False(t, ok)
	_, ok = res.Store.Lookup(res.Store.Root, "old.txt")
	assert.False(t, ok)
	_, ok = res.Store.Lookup(res.Store.Root, "new.txt")
	assert.True(t, ok)
}

func TestScan_BuildAllocatorCountsFreeAndErasedBlocks(t *testing.T) {
	f := newScanFixture(t, false, v1.SpareSize)
	ctx := context.Background()
	var m v1.Marshaler

	const fileID uint32 = 1000
	f.writeHeader(t, ctx, m, fileID, header.OH{Type: tags.ObjTypeFile, ParentID: objstore.RootID, Name: "c.txt"}, 1)

	s := scan.New(f.geom, f.drv, m, f.blocks, f.store, nil)
	res, err := s.Scan(ctx)
	require.NoError(t, err)

	assert.Positive(t, res.Allocator.NErasedBlocks(), "every untouched block should be counted as erased")
	assert.Positive(t, res.Allocator.NFreeChunks())
}
