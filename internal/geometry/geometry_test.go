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

package geometry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flashfs/flashfs/internal/errs"
)

func validConfig() Config {
	return Config{
		TotalBytesPerChunk: 2048,
		ChunksPerBlock:     64,
		StartBlock:         0,
		EndBlock:           999,
		NReservedBlocks:    5,
		IsYaffs2:           true,
		NCaches:            4,
	}
}

func TestDerive_Valid(t *testing.T) {
	g, err := Derive(validConfig())
	require.NoError(t, err)
	assert.Equal(t, uint32(1), g.BlockOffset)
	assert.Equal(t, uint32(1), g.InternalStartBlock)
	assert.Equal(t, uint32(2048), g.DataBytesPerChunk)
	assert.Equal(t, uint32(2048), uint32(1)<<g.ChunkShift)
}

func TestDerive_StartBlockNonZeroNoOffset(t *testing.T) {
	cfg := validConfig()
	cfg.StartBlock = 1
	cfg.EndBlock = 1000
	g, err := Derive(cfg)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), g.BlockOffset)
	assert.Equal(t, uint32(1), g.InternalStartBlock)
}

func TestDerive_RejectsSmallChunk(t *testing.T) {
	cfg := validConfig()
	cfg.TotalBytesPerChunk = 256
	_, err := Derive(cfg)
	assert.ErrorIs(t, err, errs.ErrBadGeometry)
}

func TestDerive_RejectsInbandWithoutYaffs2(t *testing.T) {
	cfg := validConfig()
	cfg.IsYaffs2 = false
	cfg.InbandTags = true
	_, err := Derive(cfg)
	assert.ErrorIs(t, err, errs.ErrBadGeometry)
}

func TestDerive_RejectsTooFewChunksPerBlock(t *testing.T) {
	cfg := validConfig()
	cfg.ChunksPerBlock = 1
	_, err := Derive(cfg)
	assert.ErrorIs(t, err, errs.ErrBadGeometry)
}

func TestDerive_RejectsTooFewReservedBlocks(t *testing.T) {
	cfg := validConfig()
	cfg.NReservedBlocks = 1
	_, err := Derive(cfg)
	assert.ErrorIs(t, err, errs.ErrBadGeometry)
}

func TestDerive_RejectsTinySpan(t *testing.T) {
	cfg := validConfig()
	cfg.EndBlock = cfg.StartBlock + cfg.NReservedBlocks
	_, err := Derive(cfg)
	assert.ErrorIs(t, err, errs.ErrBadGeometry)
}

func TestDerive_ClampsCachesToMax(t *testing.T) {
	cfg := validConfig()
	cfg.NCaches = MaxShortOpCaches + 50
	g, err := Derive(cfg)
	require.NoError(t, err)
	assert.Equal(t, uint32(MaxShortOpCaches), g.NCaches)
}

func TestDerive_InbandTagsShrinksDataBytes(t *testing.T) {
	cfg := validConfig()
	cfg.InbandTags = true
	cfg.TotalBytesPerChunk = 1024
	g, err := Derive(cfg)
	require.NoError(t, err)
	assert.Equal(t, uint32(1024-inbandTagsOverhead), g.DataBytesPerChunk)
}

func TestAddr_SplitsChunkAndOffset(t *testing.T) {
	g, err := Derive(validConfig())
	require.NoError(t, err)
	chunk, offset := g.Addr(2048*3 + 17)
	assert.Equal(t, uint64(3), chunk)
	assert.Equal(t, uint32(17), offset)
}

func TestNBlocks(t *testing.T) {
	g, err := Derive(validConfig())
	require.NoError(t, err)
	assert.Equal(t, g.InternalEndBlock-g.InternalStartBlock+1, g.NBlocks())
}
