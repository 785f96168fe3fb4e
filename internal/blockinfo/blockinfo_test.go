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

package blockinfo_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flashfs/flashfs/internal/blockinfo"
)

func TestSetClearCheckChunkBit(t *testing.T) {
	tbl := blockinfo.New(2, 4, 16)

	assert.False(t, tbl.CheckChunkBit(2, 5))
	tbl.SetChunkBit(2, 5)
	assert.True(t, tbl.CheckChunkBit(2, 5))
	tbl.ClearChunkBit(2, 5)
	assert.False(t, tbl.CheckChunkBit(2, 5))
}

func TestStillSomeChunksAndCount(t *testing.T) {
	tbl := blockinfo.New(0, 2, 8)

	assert.False(t, tbl.StillSomeChunks(0))
	tbl.SetChunkBit(0, 0)
	tbl.SetChunkBit(0, 7)
	assert.True(t, tbl.StillSomeChunks(0))
	assert.Equal(t, 2, tbl.CountChunkBits(0))

	tbl.ClearChunkBits(0)
	assert.False(t, tbl.StillSomeChunks(0))
	assert.Equal(t, 0, tbl.CountChunkBits(0))
}

func TestBlocksAreIndependent(t *testing.T) {
	tbl := blockinfo.New(0, 3, 8)
	tbl.SetChunkBit(1, 3)

	assert.True(t, tbl.CheckChunkBit(1, 3))
	assert.False(t, tbl.CheckChunkBit(0, 3))
	assert.False(t, tbl.CheckChunkBit(2, 3))
}

func TestIndexOutOfRangePanics(t *testing.T) {
	tbl := blockinfo.New(5, 2, 8)
	assert.Panics(t, func() { tbl.Info(4) })
	assert.Panics(t, func() { tbl.Info(7) })
}

func TestChunkOutOfRangePanics(t *testing.T) {
	tbl := blockinfo.New(0, 1, 8)
	assert.Panics(t, func() { tbl.SetChunkBit(0, 8) })
}

func TestInfoCheckInvariants(t *testing.T) {
	tbl := blockinfo.New(0, 1, 8)
	info := tbl.Info(0)
	info.PagesInUse = 3
	info.SoftDeletions = 2
	require.NotPanics(t, func() { info.CheckInvariants() })

	bad := blockinfo.Info{PagesInUse: 1, SoftDeletions: 2}
	assert.Panics(t, func() { bad.CheckInvariants() })
}
