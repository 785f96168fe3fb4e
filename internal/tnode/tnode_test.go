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

package tnode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFind_EmptyTreeMissesEverything(t *testing.T) {
	tr := New()
	phys, ok := tr.Find(0)
	assert.True(t, ok) // within the minimal tree's capacity, but zero-valued
	assert.Zero(t, phys)

	_, ok = tr.Find(1_000_000)
	assert.False(t, ok) // beyond the minimal tree's capacity
}

func TestAddFindThenFind_RoundTrips(t *testing.T) {
	tr := New()
	val := uint32(42)
	got := tr.AddFind(3, &val)
	assert.Equal(t, uint32(42), got)

	found, ok := tr.Find(3)
	require.True(t, ok)
	assert.Equal(t, uint32(42), found)

	_, ok = tr.Find(4)
	assert.True(t, ok) // within capacity, but zero-valued
	zero, _ := tr.Find(4)
	assert.Zero(t, zero)
}

func TestAddFind_GrowsHeightForLargeIndices(t *testing.T) {
	tr := New()
	require.Equal(t, uint32(1), tr.Height())

	val := uint32(7)
	tr.AddFind(1_000_000, &val)
	assert.Greater(t, tr.Height(), uint32(1))

	got, ok := tr.Find(1_000_000)
	require.True(t, ok)
	assert.Equal(t, uint32(7), got)
}

func TestAddFind_IdempotentWhenReplacementNil(t *testing.T) {
	tr := New()
	val := uint32(9)
	tr.AddFind(5, &val)

	got := tr.AddFind(5, nil)
	assert.Equal(t, uint32(9), got)
}

func TestPrune_ShrinksHeightWhenEmptied(t *testing.T) {
	tr := New()
	val := uint32(1)
	tr.AddFind(1_000_000, &val)
	require.Greater(t, tr.Height(), uint32(1))

	zero := uint32(0)
	tr.AddFind(1_000_000, &zero)
	tr.Prune()
	assert.Equal(t, uint32(1), tr.Height())
}

func TestSoftDel_VisitsEveryLiveSlotInReverseAndZeroes(t *testing.T) {
	tr := New()
	v1, v2, v3 := uint32(10), uint32(20), uint32(30)
	tr.AddFind(1, &v1)
	tr.AddFind(2, &v2)
	tr.AddFind(20, &v3)

	var seen []uint32
	tr.SoftDel(func(phys uint32) { seen = append(seen, phys) })

	assert.Equal(t, []uint32{30, 20, 10}, seen)

	_, ok := tr.Find(1)
	assert.True(t, ok)
	v, _ := tr.Find(1)
	assert.Zero(t, v)
}

func TestSoftDel_ResumesAfterPartialProgress(t *testing.T) {
	tr := New()
	v1, v2 := uint32(10), uint32(20)
	tr.AddFind(1, &v1)
	tr.AddFind(2, &v2)

	var first []uint32
	// Simulate an interrupted walk by calling SoftDel twice; the second call
	// must be a no-op over already-zeroed slots.
	tr.SoftDel(func(phys uint32) { first = append(first, phys) })
	var second []uint32
	tr.SoftDel(func(phys uint32) { second = append(second, phys) })

	assert.Equal(t, []uint32{20, 10}, first)
	assert.Empty(t, second)
}

func TestDeleteFrom_DeletesOnlyAtOrAboveBoundaryInDescendingOrder(t *testing.T) {
	tr := New()
	v1, v2, v3, v4 := uint32(10), uint32(20), uint32(30), uint32(40)
	tr.AddFind(0, &v1)
	tr.AddFind(1, &v2)
	tr.AddFind(2, &v3)
	tr.AddFind(5, &v4)

	var seen []uint32
	tr.DeleteFrom(2, func(phys uint32) { seen = append(seen, phys) })

	assert.Equal(t, []uint32{40, 30}, seen)

	kept, ok := tr.Find(0)
	require.True(t, ok)
	assert.Equal(t, uint32(10), kept)

	kept, ok = tr.Find(1)
	require.True(t, ok)
	assert.Equal(t, uint32(20), kept)

	gone, _ := tr.Find(2)
	assert.Zero(t, gone)
	gone, _ = tr.Find(5)
	assert.Zero(t, gone)
}

func TestDeleteFrom_AcrossMultipleInternalNodesDescends(t *testing.T) {
	tr := New()
	v1, v2 := uint32(11), uint32(22)
	tr.AddFind(16, &v1)   // first slot of the second level-0 leaf
	tr.AddFind(1_000_000, &v2)
	require.Greater(t, tr.Height(), uint32(1))

	var seen []uint32
	tr.DeleteFrom(100, func(phys uint32) { seen = append(seen, phys) })

	assert.Equal(t, []uint32{22}, seen)

	kept, ok := tr.Find(16)
	require.True(t, ok)
	assert.Equal(t, uint32(11), kept)

	gone, _ := tr.Find(1_000_000)
	assert.Zero(t, gone)
}

func TestDeleteFrom_ZeroKeepsNothingAndPrunesToMinimumHeight(t *testing.T) {
	tr := New()
	val := uint32(5)
	tr.AddFind(3, &val)

	tr.DeleteFrom(0, func(uint32) {})
	assert.Equal(t, uint32(1), tr.Height())

	gone, _ := tr.Find(3)
	assert.Zero(t, gone)
}
