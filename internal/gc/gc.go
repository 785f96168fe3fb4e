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

// Package gc implements the garbage collector (spec.md §4.11): victim
// selection, bounded-per-call block reclamation, and the background/
// foreground trigger policy. It follows the periodic-sweep shape of the
// teacher's fs.garbageCollect/garbageCollectOnce pair (fs/garbage_collect.go),
// generalized from a time-staleness sweep over a GCS bucket to a
// live-fraction victim sweep over NAND blocks, with a bounded-work reclaim
// step in place of an unbounded delete loop.
package gc

import (
	"context"
	"fmt"

	"github.com/flashfs/flashfs/internal/alloc"
	"github.com/flashfs/flashfs/internal/blockinfo"
	"github.com/flashfs/flashfs/internal/geometry"
	"github.com/flashfs/flashfs/internal/header"
	"github.com/flashfs/flashfs/internal/logger"
	"github.com/flashfs/flashfs/internal/metrics"
	"github.com/flashfs/flashfs/internal/nand"
	"github.com/flashfs/flashfs/internal/objstore"
	"github.com/flashfs/flashfs/internal/tags"
	"github.com/flashfs/flashfs/internal/tnode"
)

// goodEnough is YAFFS_GC_GOOD_ENOUGH: a victim this empty is accepted
// immediately without scanning the rest of the candidate range.
const goodEnough = 2

// leisurelyCopyLimit bounds how many live chunks a non-whole-block reclaim
// copies per call, so GCBlock never blocks a caller for an entire block's
// worth of work.
const leisurelyCopyLimit = 5

// Control is the subset of "may GC run right now" decisions the engine's
// config/mount-state surface owns; gc_control_fn in the original.
type Control int

const (
	ControlRun Control = iota
	ControlSyncOnly
	ControlNoGC
)

// GC implements find_gc_block/gc_block/check_gc against a device's
// allocator, block table, and object graph.
type GC struct {
	geom      geometry.Geometry
	drv       nand.Driver
	marshaler tags.Marshaler
	allocator *alloc.Allocator
	blocks    *blockinfo.Table
	store     *objstore.Store
	headers   *header.Manager
	metrics   *metrics.Collector

	// Lookup resolves an object id to its live tnode tree, mirroring
	// internal/dataio.IO.Lookup; GC needs it to re-point a relocated data
	// chunk's tnode slot at its new physical address.
	Lookup func(objID uint32) (*objstore.Object, *tnode.Tree, bool)

	// AlwaysCheckErased re-reads a block after erase to confirm it came
	// back all-0xff before crediting it to the free pool.
	AlwaysCheckErased bool

	// ControlFn reports whether GC may run at all; nil means always
	// ControlRun (tests, or a device with no config layer wired up).
	ControlFn func() Control

	bgCursor         uint32
	gcNotDone        uint32
	reentrant        bool
	checkpointBlocks uint32
}

// New constructs a GC over the given dependencies.
func New(geom geometry.Geometry, drv nand.Driver, marshaler tags.Marshaler, allocator *alloc.Allocator, blocks *blockinfo.Table, store *objstore.Store, headers *header.Manager, m *metrics.Collector) *GC {
	return &GC{geom: geom, drv: drv, marshaler: marshaler, allocator: allocator, blocks: blocks, store: store, headers: headers, metrics: m}
}

// SetCheckpointBlocksRequired records how many blocks the checkpoint
// region consumes, so CheckGC's min-erased threshold accounts for them the
// same way the allocator's reserve does (spec.md §4.11's
// checkpoint_blocks_required term).
func (g *GC) SetCheckpointBlocksRequired(n uint32) {
	g.checkpointBlocks = n
}

func (g *GC) controlAllows() bool {
	if g.ControlFn == nil {
		return true
	}
	return g.ControlFn() == ControlRun
}

// FindGCBlock implements find_gc_block: prioritised blocks first, then the
// least-live-fraction FULL block within aggressive/background's threshold
// and scan range, falling back to the oldest-by-seq_number block after
// sustained inactivity.
func (g *GC) FindGCBlock(aggressive, background bool) (block uint32, found bool) {
	if blk, ok := g.findPrioritised(); ok {
		return blk, true
	}

	threshold := int64(g.geom.ChunksPerBlock)
	if background {
		threshold = int64(g.geom.ChunksPerBlock) / 2
	}

	n := g.blocks.NBlocks()
	scanLimit := n
	start := uint32(0)
	if background {
		scanLimit = n/16 + 1
		if scanLimit > 100 {
			scanLimit = 100
		}
		start = g.bgCursor
	}

	bestFound := false
	var best uint32
	var bestScore int64
	for i := uint32(0); i < scanLimit; i++ {
		idx := (start + i) % n
		blk := g.geom.InternalStartBlock + idx
		info := g.blocks.Info(blk)
		if info.State != tags.BlockFull {
			continue
		}
		score := int64(info.PagesInUse) - int64(info.SoftDeletions)
		if score > threshold {
			continue
		}
		if !bestFound || score < bestScore {
			best, bestScore, bestFound = blk, score, true
			if score <= goodEnough {
				break
			}
		}
	}
	if background && n > 0 {
		g.bgCursor = (start + scanLimit) % n
	}

	if bestFound {
		g.gcNotDone = 0
		return best, true
	}

	g.gcNotDone++
	limit := uint32(10)
	if !background {
		limit = 20
	}
	if g.gcNotDone >= limit {
		if blk, ok := g.oldestDirtyBlock(); ok {
			return blk, true
		}
	}
	return 0, false
}

func (g *GC) findPrioritised() (uint32, bool) {
	anyPrioritised := false
	for i := uint32(0); i < g.blocks.NBlocks(); i++ {
		blk := g.geom.InternalStartBlock + i
		info := g.blocks.Info(blk)
		if !info.GCPrioritise {
			continue
		}
		anyPrioritised = true
		if info.State == tags.BlockFull {
			return blk, true
		}
	}
	if anyPrioritised {
		return g.oldestDirtyBlock()
	}
	return 0, false
}

func (g *GC) oldestDirtyBlock() (uint32, bool) {
	found := false
	var best uint32
	var bestSeq uint32
	for i := uint32(0); i < g.blocks.NBlocks(); i++ {
		blk := g.geom.InternalStartBlock + i
		info := g.blocks.Info(blk)
		if info.State != tags.BlockFull {
			continue
		}
		if !found || info.SeqNumber < bestSeq {
			best, bestSeq, found = blk, info.SeqNumber, true
		}
	}
	return best, found
}

// GCBlock implements gc_block: reclaims block's live chunks (up to
// chunks_per_block if wholeBlock, otherwise leisurelyCopyLimit), and erases
// it once nothing live remains.
func (g *GC) GCBlock(ctx context.Context, block uint32, wholeBlock bool) error {
	if g.reentrant {
		return nil
	}
	info := g.blocks.Info(block)
	if info.State != tags.BlockFull {
		return fmt.Errorf("gc: block %d is not FULL (state %v)", block, info.State)
	}

	info.State = tags.BlockCollecting
	info.HasShrinkHeader = false
	g.reentrant = true
	defer func() { g.reentrant = false }()

	if g.blocks.StillSomeChunks(block) {
		limit := uint32(leisurelyCopyLimit)
		if wholeBlock {
			limit = g.geom.ChunksPerBlock
		}

		var cleanup []uint32
		var copied uint32
		for chunkIdx := uint32(0); chunkIdx < g.geom.ChunksPerBlock && copied < limit; chunkIdx++ {
			if !g.blocks.CheckChunkBit(block, chunkIdx) {
				continue
			}
			physChunk := (block-g.geom.InternalStartBlock)*g.geom.ChunksPerBlock + chunkIdx + g.geom.ChunkOffset

			reclaimed, err := g.reclaimChunk(ctx, physChunk, &cleanup)
			if err != nil {
				info.State = tags.BlockFull
				return err
			}
			if reclaimed {
				copied++
			}
		}

		for _, objID := range cleanup {
			g.destroyObject(ctx, objID)
		}
	}

	if !g.blocks.StillSomeChunks(block) {
		logger.Debugf("gc: block %d empty, erasing", block)
		info.State = tags.BlockDirty
		if err := g.drv.Erase(ctx, block); err != nil {
			return fmt.Errorf("gc: erase block %d: %w", block, err)
		}
		if g.AlwaysCheckErased {
			if err := g.verifyErased(ctx, block); err != nil {
				info.NeedsRetiring = true
				return fmt.Errorf("gc: block %d failed post-erase verification: %w", block, err)
			}
		}
		g.allocator.NoteBlockErased(block)
		if g.metrics != nil {
			g.metrics.IncBlocksErased()
		}
	} else {
		info.State = tags.BlockFull
	}
	return nil
}

func (g *GC) verifyErased(ctx context.Context, block uint32) error {
	buf := make([]byte, g.geom.DataBytesPerChunk)
	first := (block - g.geom.InternalStartBlock) * g.geom.ChunksPerBlock + g.geom.ChunkOffset
	for c := uint32(0); c < g.geom.ChunksPerBlock; c++ {
		if _, err := g.drv.ReadChunk(ctx, first+c, buf, nil); err != nil {
			return err
		}
		for _, b := range buf {
			if b != 0xff {
				return fmt.Errorf("chunk %d not fully erased", first+c)
			}
		}
	}
	return nil
}

// reclaimChunk processes one live chunk of the block under reclamation,
// returning whether it counted against the per-call copy budget (a soft-
// deleted data chunk or an orphaned chunk is simply dropped and still
// counts, matching the original's "delete the source chunk" finishing
// every branch takes).
func (g *GC) reclaimChunk(ctx context.Context, physChunk uint32, cleanup *[]uint32) (bool, error) {
	data := make([]byte, g.geom.DataBytesPerChunk)
	t, ecc, err := g.marshaler.ReadChunkTags(ctx, g.drv, physChunk, data)
	if err != nil {
		return false, fmt.Errorf("gc: read chunk %d: %w", physChunk, err)
	}
	if ecc == nand.EccUnfixed {
		g.allocator.DeleteChunk(physChunk)
		return true, nil
	}

	obj, ok := g.store.ByID(t.ObjID)
	if !ok {
		g.allocator.DeleteChunk(physChunk)
		return true, nil
	}

	if !t.IsHeader() && obj.SoftDeleted {
		g.allocator.DeleteChunk(physChunk)
		if obj.NDataChunks > 0 {
			obj.NDataChunks--
		}
		if obj.NDataChunks == 0 {
			*cleanup = append(*cleanup, obj.ID)
		}
		return true, nil
	}

	if t.IsHeader() {
		if err := g.relocateHeader(ctx, obj, data, t); err != nil {
			return false, err
		}
		g.allocator.DeleteChunk(physChunk)
		return true, nil
	}

	if err := g.relocateDataChunk(ctx, obj, data, t); err != nil {
		return false, err
	}
	g.allocator.DeleteChunk(physChunk)
	return true, nil
}

func (g *GC) relocateHeader(ctx context.Context, obj *objstore.Object, data []byte, t tags.Tags) error {
	oh, err := header.Decode(data)
	if err != nil {
		return fmt.Errorf("gc: decode header for obj %d: %w", obj.ID, err)
	}
	oh.IsShrink = false
	oh.Shadows = 0
	oh.FileSize = obj.FileSize

	buf, err := header.Encode(oh, g.geom.DataBytesPerChunk)
	if err != nil {
		return fmt.Errorf("gc: re-encode header for obj %d: %w", obj.ID, err)
	}

	obj.Serial++
	newTags := tags.Tags{ObjID: obj.ID, ChunkID: 0, NBytes: t.NBytes, Serial: obj.Serial}
	newPhys, _, err := g.allocator.AllocChunk(true)
	if err != nil {
		return fmt.Errorf("gc: alloc replacement header chunk: %w", err)
	}
	if err := g.marshaler.WriteChunkTags(ctx, g.drv, newPhys, buf, newTags); err != nil {
		g.allocator.SkipRestOfBlock()
		return fmt.Errorf("gc: write replacement header chunk: %w", err)
	}
	obj.HdrChunk = newPhys
	return nil
}

func (g *GC) relocateDataChunk(ctx context.Context, obj *objstore.Object, data []byte, t tags.Tags) error {
	if g.Lookup == nil {
		return fmt.Errorf("gc: no tree lookup wired for obj %d", obj.ID)
	}
	_, tree, ok := g.Lookup(obj.ID)
	if !ok || tree == nil {
		return nil
	}

	obj.Serial++
	newTags := tags.Tags{ObjID: obj.ID, ChunkID: t.ChunkID, NBytes: t.NBytes, Serial: obj.Serial}
	newPhys, _, err := g.allocator.AllocChunk(true)
	if err != nil {
		return fmt.Errorf("gc: alloc replacement data chunk: %w", err)
	}
	if err := g.marshaler.WriteChunkTags(ctx, g.drv, newPhys, data[:t.NBytes], newTags); err != nil {
		g.allocator.SkipRestOfBlock()
		return fmt.Errorf("gc: write replacement data chunk: %w", err)
	}

	logical := uint64(t.ChunkID - 1)
	tree.AddFind(logical, &newPhys)
	return nil
}

func (g *GC) destroyObject(ctx context.Context, objID uint32) {
	obj, ok := g.store.ByID(objID)
	if !ok {
		return
	}
	if obj.HdrChunk != 0 {
		g.allocator.DeleteChunk(obj.HdrChunk)
	}
	g.store.Destroy(obj)
}

// CheckGC implements check_gc: decides aggressive vs. background mode from
// the current reserve headroom, fast-exits when there is ample erased
// space and background work was not explicitly requested, and otherwise
// loops find/reclaim until the reserve is replenished or two full passes
// make no progress.
func (g *GC) CheckGC(ctx context.Context, background bool) error {
	if !g.controlAllows() {
		return nil
	}

	minErased := g.geom.NReservedBlocks + g.checkpointBlocks + 1
	aggressive := g.allocator.NErasedBlocks() < minErased

	if !aggressive && !background {
		if g.allocator.NFreeChunks() > 0 {
			erasedChunks := int64(g.allocator.NErasedBlocks()) * int64(g.geom.ChunksPerBlock)
			if erasedChunks > g.allocator.NFreeChunks()/4 {
				return nil
			}
		}
	}

	attemptsWithoutProgress := 0
	for g.allocator.NErasedBlocks() < g.geom.NReservedBlocks && attemptsWithoutProgress < 2 {
		block, found := g.FindGCBlock(aggressive, background)
		if !found {
			attemptsWithoutProgress++
			continue
		}
		logger.Tracef("gc: selected victim block %d (aggressive=%v)", block, aggressive)
		before := g.allocator.NErasedBlocks()
		if err := g.GCBlock(ctx, block, aggressive); err != nil {
			return fmt.Errorf("gc: reclaim block %d: %w", block, err)
		}
		if g.allocator.NErasedBlocks() == before {
			attemptsWithoutProgress++
		} else {
			attemptsWithoutProgress = 0
		}
		if g.metrics != nil {
			g.metrics.IncGCPasses()
		}
	}
	return nil
}

// BgGC runs one CheckGC pass at the given urgency: 0 runs it as a
// background pass, any higher value as a foreground pass. Urgency does not
// select aggressive mode; CheckGC decides that itself. It mirrors the
// teacher's periodic garbageCollect driving garbageCollectOnce. flashfsctl
// attach calls it (through engine.Device.BgGC) from its own ticker rather
// than a package-level time.Tick loop, so it composes with Mount/Unmount
// lifecycle and context cancellation.
func (g *GC) BgGC(ctx context.Context, urgency int) error {
	return g.CheckGC(ctx, urgency == 0)
}
