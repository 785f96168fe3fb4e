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

package header_test

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flashfs/flashfs/internal/alloc"
	"github.com/flashfs/flashfs/internal/blockinfo"
	"github.com/flashfs/flashfs/internal/geometry"
	"github.com/flashfs/flashfs/internal/header"
	"github.com/flashfs/flashfs/internal/nand/simdriver"
	"github.com/flashfs/flashfs/internal/objstore"
	"github.com/flashfs/flashfs/internal/tags"
	v1 "github.com/flashfs/flashfs/internal/tags/v1"
)

func newFixture(t *testing.T) (*header.Manager, *alloc.Allocator, *blockinfo.Table, *simdriver.Driver, geometry.Geometry) {
	t.Helper()
	geom, err := geometry.Derive(geometry.Config{
		TotalBytesPerChunk: 2048,
		ChunksPerBlock:     4,
		StartBlock:         0,
		EndBlock:           8,
		NReservedBlocks:    2,
		NCaches:            4,
		IsYaffs2:           true,
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
		SpareBytesPerChunk: v1.SpareSize,
	})
	require.NoError(t, drv.Initialise(context.Background()))
	t.Cleanup(func() { _ = drv.Deinitialise(context.Background()) })

	var m v1.Marshaler
	mgr := header.NewManager(drv, m, a, geom.DataBytesPerChunk)
	return mgr, a, blocks, drv, geom
}

func TestUpdateOH_FirstWriteAssignsHeaderChunkAndSerial(t *testing.T) {
	mgr, _, _, _, _ := newFixture(t)
	ctx := context.Background()

	obj := &objstore.Object{ID: 10, ParentID: objstore.RootID, Kind: tags.ObjTypeFile, Name: "a.txt", FileSize: 123}
	require.NoError(t, mgr.UpdateOH(ctx, obj, "", false, 0, nil))

	assert.NotZero(t, obj.HdrChunk)
	assert.Equal(t, uint8(1), obj.Serial)
	assert.Equal(t, "a.txt", obj.Name)
}

func TestUpdateOH_SecondWriteReleasesPriorChunkAndKeepsName(t *testing.T) {
	mgr, a, _, _, _ := newFixture(t)
	ctx := context.Background()

	obj := &objstore.Object{ID: 11, ParentID: objstore.RootID, Kind: tags.ObjTypeFile, Name: "b.txt"}
	require.NoError(t, mgr.UpdateOH(ctx, obj, "", false, 0, nil))
	first := obj.HdrChunk
	before := a.NFreeChunks()

	obj.FileSize = 999
	require.NoError(t, mgr.UpdateOH(ctx, obj, "", false, 0, nil))

	assert.NotEqual(t, first, obj.HdrChunk)
	assert.Equal(t, uint8(2), obj.Serial)
	assert.Equal(t, before, a.NFreeChunks(), "one chunk consumed, one released")
	assert.Equal(t, "b.txt", obj.Name)
}

func TestUpdateOH_PreservesXattrWhenNotModified(t *testing.T) {
	mgr, _, _, drv, geom := newFixture(t)
	ctx := context.Background()

	obj := &objstore.Object{ID: 12, ParentID: objstore.RootID, Kind: tags.ObjTypeFile, Name: "c.txt"}
	setXattr := &header.XattrMod{Apply: func([]byte) []byte { return []byte("k\x00v\x00") }}
	require.NoError(t, mgr.UpdateOH(ctx, obj, "", false, 0, setXattr))

	require.NoError(t, mgr.UpdateOH(ctx, obj, "", false, 0, nil))

	var m v1.Marshaler
	buf := make([]byte, geom.DataBytesPerChunk)
	_, _, err := m.ReadChunkTags(ctx, drv, obj.HdrChunk, buf)
	require.NoError(t, err)

	got, err := header.Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("k\x00v\x00"), got.Xattr)
}

func TestUpdateOH_LazyLoadsDeferredObjectFromPreviousHeader(t *testing.T) {
	mgr, _, _, _, _ := newFixture(t)
	ctx := context.Background()

	obj := &objstore.Object{ID: 13, ParentID: objstore.RootID, Kind: tags.ObjTypeSymlink, Name: "link", SymlinkAlias: "/target", Mode: 0o777, UID: 3, GID: 9}
	require.NoError(t, mgr.UpdateOH(ctx, obj, "", false, 0, nil))

	deferred := &objstore.Object{ID: 13, HdrChunk: obj.HdrChunk, Deferred: true}
	require.NoError(t, mgr.UpdateOH(ctx, deferred, "", false, 0, nil))

	assert.False(t, deferred.Deferred)
	assert.Equal(t, tags.ObjTypeSymlink, deferred.Kind)
	assert.Equal(t, "/target", deferred.SymlinkAlias)
	assert.Equal(t, objstore.RootID, deferred.ParentID)
	assert.Equal(t, uint32(0o777), deferred.Mode)
	assert.Equal(t, uint32(3), deferred.UID)
	assert.Equal(t, uint32(9), deferred.GID)
}

func TestUpdateOH_ShrinkMarksBlockInfo(t *testing.T) {
	mgr, a, blocks, _, _ := newFixture(t)
	ctx := context.Background()

	obj := &objstore.Object{ID: 14, ParentID: objstore.RootID, Kind: tags.ObjTypeFile, Name: "d.txt"}
	require.NoError(t, mgr.UpdateOH(ctx, obj, "", true, 0, nil))

	block, _ := a.BlockOf(obj.HdrChunk)
	assert.True(t, blocks.Info(block).HasShrinkHeader)
}

func TestEncodeDecode_RoundTripsAllFields(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	oh := header.OH{
		Type:     tags.ObjTypeFile,
		ParentID: 5,
		Name:     "roundtrip",
		Mode:     0o644,
		UID:      1000,
		GID:      1000,
		ATime:    now,
		MTime:    now,
		CTime:    now,
		Alias:    "",
		EquivID:  0,
		FileSize: 4096,
		IsShrink: true,
		Shadows:  77,
		Xattr:    []byte("user.foo\x00bar\x00"),
	}

	buf, err := header.Encode(oh, 2048)
	require.NoError(t, err)

	got, err := header.Decode(buf)
	require.NoError(t, err)

	assert.Equal(t, oh.Type, got.Type)
	assert.Equal(t, oh.ParentID, got.ParentID)
	assert.Equal(t, oh.Name, got.Name)
	assert.Equal(t, oh.Mode, got.Mode)
	assert.Equal(t, oh.ATime.Unix(), got.ATime.Unix())
	assert.Equal(t, oh.FileSize, got.FileSize)
	assert.True(t, got.IsShrink)
	assert.Equal(t, oh.Shadows, got.Shadows)
	assert.Equal(t, oh.Xattr, got.Xattr)
}

func TestEncode_RejectsOversizeXattrTrailer(t *testing.T) {
	oh := header.OH{Xattr: make([]byte, 4096)}
	_, err := header.Encode(oh, 512)
	require.Error(t, err)
}
