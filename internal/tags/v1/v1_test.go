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

package v1_test

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/flashfs/flashfs/internal/nand"
	"github.com/flashfs/flashfs/internal/nand/simdriver"
	"github.com/flashfs/flashfs/internal/tags"
	v1 "github.com/flashfs/flashfs/internal/tags/v1"
)

func newDriver(t *testing.T) *simdriver.Driver {
	t.Helper()
	d := simdriver.New(simdriver.Options{
		Fs:                 afero.NewMemMapFs(),
		ImagePath:          "/image.bin",
		TotalBlocks:        2,
		ChunksPerBlock:     4,
		DataBytesPerChunk:  64,
		SpareBytesPerChunk: v1.SpareSize,
	})
	require.NoError(t, d.Initialise(context.Background()))
	t.Cleanup(func() { _ = d.Deinitialise(context.Background()) })
	return d
}

func TestRoundTrip(t *testing.T) {
	d := newDriver(t)
	ctx := context.Background()
	var m v1.Marshaler

	want := tags.Tags{ObjID: 7, ChunkID: 3, NBytes: 42, Serial: 1}
	data := make([]byte, 64)
	copy(data, "payload")

	require.NoError(t, m.WriteChunkTags(ctx, d, 0, data, want))

	got := make([]byte, 64)
	gotTags, ecc, err := m.ReadChunkTags(ctx, d, 0, got)
	require.NoError(t, err)
	require.Equal(t, nand.EccNone, ecc)
	require.Equal(t, want, gotTags)
	require.Equal(t, data, got)
}

func TestReadChunkTags_DriverUnfixableIsTreatedAsAbsent(t *testing.T) {
	d := newDriver(t)
	ctx := context.Background()
	var m v1.Marshaler

	require.NoError(t, m.WriteChunkTags(ctx, d, 1, make([]byte, 64), tags.Tags{ObjID: 1, ChunkID: 1}))
	d.ForceEccResult[1] = nand.EccUnfixed

	_, ecc, err := m.ReadChunkTags(ctx, d, 1, make([]byte, 64))
	require.NoError(t, err)
	require.Equal(t, nand.EccUnfixed, ecc)
}

func TestQueryBlockState_EmptyBlock(t *testing.T) {
	d := newDriver(t)
	ctx := context.Background()
	var m v1.Marshaler

	state, _, err := m.QueryBlockState(ctx, d, 0, 0)
	require.NoError(t, err)
	require.Equal(t, tags.BlockEmpty, state)
}

func TestQueryBlockState_FullBlock(t *testing.T) {
	d := newDriver(t)
	ctx := context.Background()
	var m v1.Marshaler

	require.NoError(t, m.WriteChunkTags(ctx, d, 0, make([]byte, 64), tags.Tags{ObjID: 1, ChunkID: 0}))

	state, _, err := m.QueryBlockState(ctx, d, 0, 0)
	require.NoError(t, err)
	require.Equal(t, tags.BlockFull, state)
}

func TestWriteBadBlockSentinel_IsDetectedByQueryBlockState(t *testing.T) {
	d := newDriver(t)
	ctx := context.Background()
	var m v1.Marshaler

	require.NoError(t, m.WriteBadBlockSentinel(ctx, d, 4))

	state, _, err := m.QueryBlockState(ctx, d, 1, 4)
	require.NoError(t, err)
	require.Equal(t, tags.BlockDead, state)
}

func TestMarkBad_RequiresPhysicalChunkAddress(t *testing.T) {
	d := newDriver(t)
	ctx := context.Background()
	var m v1.Marshaler

	require.Error(t, m.MarkBad(ctx, d, 1))
}
