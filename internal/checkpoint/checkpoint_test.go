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

package checkpoint_test

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flashfs/flashfs/internal/alloc"
	"github.com/flashfs/flashfs/internal/blockinfo"
	"github.com/flashfs/flashfs/internal/checkpoint"
	"github.com/flashfs/flashfs/internal/geometry"
	"github.com/flashfs/flashfs/internal/header"
	"github.com/flashfs/flashfs/internal/nand/simdriver"
	"github.com/flashfs/flashfs/internal/objstore"
	"github.com/flashfs/flashfs/internal/tags"
	v2 "github.com/flashfs/flashfs/internal/tags/v2"
	"github.com/flashfs/flashfs/internal/tnode"
)

// ckptFixture is a small 8-block, 4-chunk-per-block v2 device with its last
// 2 blocks dedicated as the checkpoint region, mirroring how internal/scan's
// own fixture is built but reserving space for a Manager up front.
type ckptFixture struct {
	geom   geometry.Geometry
	blocks *blockinfo.Table
	drv    *simdriver.Driver
	store  *objstore.Store
	alloc  *alloc.Allocator
	m      *checkpoint.Manager
	region []uint32
}

func newCkptFixture(t *testing.T) *ckptFixture {
	t.Helper()
	geom, err := geometry.Derive(geometry.Config{
		TotalBytesPerChunk: 2048,
		ChunksPerBlock:     4,
		StartBlock:         0,
		EndBlock:           8,
		NReservedBlocks:    2,
		IsYaffs2:           true,
	})
	require.NoError(t, err)

	blocks := blockinfo.New(geom.InternalStartBlock, geom.NBlocks(), geom.ChunksPerBlock)

	region := []uint32{geom.InternalStartBlock + geom.NBlocks() - 2, geom.InternalStartBlock + geom.NBlocks() - 1}
	usableBlocks := int64(geom.NBlocks() - uint32(len(region)))
	a := alloc.New(geom, blocks, usableBlocks*int64(geom.ChunksPerBlock), uint32(usableBlocks))

	drv := simdriver.New(simdriver.Options{
		Fs:                 afero.NewMemMapFs(),
		ImagePath:          "/image.bin",
		TotalBlocks:        geom.NBlocks() + geom.BlockOffset,
		ChunksPerBlock:     geom.ChunksPerBlock,
		DataBytesPerChunk:  geom.DataBytesPerChunk,
		SpareBytesPerChunk: v2.SpareSize,
	})
	require.NoError(t, drv.Initialise(context.Background()))
	t.Cleanup(func() { _ = drv.Deinitialise(context.Background()) })

	store := objstore.New(0)
	m := checkpoint.New(geom, drv, v2.Marshaler{}, blocks, region)

	return &ckptFixture{geom: geom, blocks: blocks, drv: drv, store: store, alloc: a, m: m, region: region}
}

func (f *ckptFixture) writeFile(t *testing.T, ctx context.Context, objID, parentID uint32, name string, fileSize int64, data [][]byte) *tnode.Tree {
	t.Helper()
	oh := header.OH{Type: tags.ObjTypeFile, ParentID: parentID, Name: name, FileSize: fileSize}
	buf, err := header.Encode(oh, f.geom.DataBytesPerChunk)
	require.NoError(t, err)
	hphys, _, err := f.alloc.AllocChunk(false)
	require.NoError(t, err)
	require.NoError(t, v2.Marshaler{}.WriteChunkTags(ctx, f.drv, hphys, buf, tags.Tags{ObjID: objID, ChunkID: 0, SeqNumber: f.alloc.NextSeqNumber() - 1}))

	obj := &objstore.Object{ID: objID, ParentID: parentID, Kind: tags.ObjTypeFile, Name: name, HdrChunk: hphys, FileSize: fileSize, StoredSize: fileSize}
	f.store.InsertScanned(obj)
	parent, ok := f.store.ByID(parentID)
	require.True(t, ok)
	f.store.LinkChild(parent, obj, name)

	tree := tnode.New()
	for i, chunk := range data {
		phys, _, err := f.alloc.AllocChunk(false)
		require.NoError(t, err)
		require.NoError(t, v2.Marshaler{}.WriteChunkTags(ctx, f.drv, phys, chunk, tags.Tags{ObjID: objID, ChunkID: uint32(i + 1)}))
		p := phys
		tree.AddFind(uint64(i), &p)
		obj.NDataChunks++
	}
	return tree
}

func TestCheckpoint_PersistThenRestoreRoundTrips(t *testing.T) {
	ctx := context.Background()
	f := newCkptFixture(t)

	data := make([]byte, f.geom.DataBytesPerChunk)
	for i := range data {
		data[i] = 0x42
	}
	tree := f.writeFile(t, ctx, 5, objstore.RootID, "hello.txt", int64(len(data)), [][]byte{data})

	trees := map[uint32]*tnode.Tree{5: tree}
	require.NoError(t, f.m.Persist(ctx, f.store, trees, f.alloc))

	valid, err := f.m.IsValid(ctx)
	require.NoError(t, err)
	assert.True(t, valid)

	result, err := f.m.Restore(ctx, 0)
	require.NoError(t, err)

	obj, ok := result.Store.ByID(5)
	require.True(t, ok)
	assert.Equal(t, "hello.txt", obj.Name)
	assert.Equal(t, int64(len(data)), obj.FileSize)
	assert.Equal(t, uint32(1), obj.NDataChunks)

	restoredTree, ok := result.Trees[5]
	require.True(t, ok)
	phys, ok := restoredTree.Find(0)
	require.True(t, ok)
	assert.NotZero(t, phys)

	parent, ok := result.Store.ByID(objstore.RootID)
	require.True(t, ok)
	child, ok := result.Store.Lookup(parent, "hello.txt")
	require.True(t, ok)
	assert.Equal(t, uint32(5), child.ID)

	assert.Equal(t, f.alloc.NFreeChunks(), result.Allocator.NFreeChunks())
	assert.Equal(t, f.alloc.NextSeqNumber(), result.Allocator.NextSeqNumber())
}

func TestCheckpoint_InvalidateMakesRegionLookInvalid(t *testing.T) {
	ctx := context.Background()
	f := newCkptFixture(t)

	require.NoError(t, f.m.Persist(ctx, f.store, nil, f.alloc))
	valid, err := f.m.IsValid(ctx)
	require.NoError(t, err)
	require.True(t, valid)

	require.NoError(t, f.m.Invalidate(ctx))
	valid, err = f.m.IsValid(ctx)
	require.NoError(t, err)
	assert.False(t, valid)

	_, err = f.m.Restore(ctx, 0)
	assert.Error(t, err)
}

func TestCheckpoint_InvalidateIsNoopOnceDirty(t *testing.T) {
	ctx := context.Background()
	f := newCkptFixture(t)

	require.NoError(t, f.m.Persist(ctx, f.store, nil, f.alloc))
	require.NoError(t, f.m.Invalidate(ctx))

	info := f.blocks.Info(f.region[0])
	info.PagesInUse = 7 // a sentinel value Invalidate would clear if it re-erased

	require.NoError(t, f.m.Invalidate(ctx))
	assert.Equal(t, uint32(7), f.blocks.Info(f.region[0]).PagesInUse)
}

func TestCheckpoint_BlocksRequiredIsAtLeastTwo(t *testing.T) {
	geom, err := geometry.Derive(geometry.Config{
		TotalBytesPerChunk: 2048,
		ChunksPerBlock:     4,
		StartBlock:         0,
		EndBlock:           8,
		NReservedBlocks:    2,
		IsYaffs2:           true,
	})
	require.NoError(t, err)

	assert.GreaterOrEqual(t, checkpoint.BlocksRequired(geom, 0), uint32(2))
}
