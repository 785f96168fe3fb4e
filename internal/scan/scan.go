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

// Package scan reconstructs engine state from the raw chunk log at mount
// time (spec.md §4.12): forward scan for v1, backward-by-seq_number scan
// for v2, followed by shadow fix-up, hang fix-up, and a strip pass over the
// unlinked/deleted directories. It plays the role the teacher's
// fs.FileSystem init path gives to GCS bucket listing: populate the object
// graph and every file's chunk index before anything else may run.
package scan

import (
	"context"
	"fmt"
	"sort"

	"github.com/flashfs/flashfs/internal/alloc"
	"github.com/flashfs/flashfs/internal/blockinfo"
	"github.com/flashfs/flashfs/internal/gate"
	"github.com/flashfs/flashfs/internal/geometry"
	"github.com/flashfs/flashfs/internal/header"
	"github.com/flashfs/flashfs/internal/logger"
	"github.com/flashfs/flashfs/internal/metrics"
	"github.com/flashfs/flashfs/internal/nand"
	"github.com/flashfs/flashfs/internal/objstore"
	"github.com/flashfs/flashfs/internal/tags"
	"github.com/flashfs/flashfs/internal/tnode"
)

// maxParentHops bounds the hang fix-up's parent-chain walk (spec.md §4.12:
// "does not terminate at one of the root directories within 100 hops").
const maxParentHops = 100

// Scanner rebuilds an objstore.Store, a tnode.Tree per file, and the
// blockinfo.Table's per-block accounting by reading every chunk's tags off
// the NAND driver.
type Scanner struct {
	geom      geometry.Geometry
	drv       nand.Driver
	marshaler tags.Marshaler
	blocks    *blockinfo.Table
	store     *objstore.Store
	metrics   *metrics.Collector

	// Summary, when non-nil, is consulted before falling back to a
	// chunk-by-chunk scan of a block (internal/scan/summary.go).
	Summary *SummaryIndex

	// Gate, when set, is the device gate the mounting caller holds; the
	// scan releases and reacquires it between blocks so a long scan does
	// not monopolize the device (spec.md §5's mount-scan suspension
	// point). No re-resolution is needed here: nothing else can hold a
	// reference into a device that has not finished mounting.
	Gate *gate.Gate

	// CheckpointBlocks, when non-nil, names the blocks internal/checkpoint
	// has dedicated to checkpoint payloads. These are never classified or
	// chunk-scanned like an ordinary data block — whatever they currently
	// hold is not part of the object graph — and buildAllocator excludes
	// them from both the free and erased counts so the allocator never
	// dips into them.
	CheckpointBlocks map[uint32]bool
}

// New constructs a Scanner. store must already hold the four fake
// directories (objstore.New's return value) and blocks must be sized for
// geom (blockinfo.New(geom.InternalStartBlock, geom.NBlocks(), geom.ChunksPerBlock)).
func New(geom geometry.Geometry, drv nand.Driver, marshaler tags.Marshaler, blocks *blockinfo.Table, store *objstore.Store, m *metrics.Collector) *Scanner {
	return &Scanner{geom: geom, drv: drv, marshaler: marshaler, blocks: blocks, store: store, metrics: m}
}

// Result is everything a mount needs after a scan completes.
type Result struct {
	Store     *objstore.Store
	Trees     map[uint32]*tnode.Tree
	Allocator *alloc.Allocator
}

// pendingShadow records an object header declaring shadows = X, to be
// resolved once every header has been seen.
type pendingShadow struct {
	shadowedID uint32
}

// scanState is the mutable state threaded through both scan directions.
type scanState struct {
	trees map[uint32]*tnode.Tree

	// seenHeader/seenData dedupe (obj_id,chunk_id) pairs so the
	// first-encountered copy (newest, for v2's backward order) always
	// wins and later duplicates are discarded, per spec.md §4.12.
	seenHeader map[uint32]bool
	seenData   map[uint64]bool

	// objectIDs records every object id this scan instantiated or
	// updated, since objstore.Store itself has no full-table walk (it is
	// addressed by id or by directory child lookup only).
	objectIDs map[uint32]bool

	shadows []pendingShadow
}

func newScanState() *scanState {
	return &scanState{
		trees:      make(map[uint32]*tnode.Tree),
		seenHeader: make(map[uint32]bool),
		seenData:   make(map[uint64]bool),
		objectIDs:  make(map[uint32]bool),
	}
}

func dataKey(objID, chunkID uint32) uint64 {
	return uint64(objID)<<32 | uint64(chunkID)
}

func (s *Scanner) blockFirstChunk(block uint32) uint32 {
	return (block-s.geom.InternalStartBlock)*s.geom.ChunksPerBlock + s.geom.ChunkOffset
}

// breathe drops and reacquires the device gate between blocks. The gate is
// held again on every return path, including a context cancellation, so
// the caller's own release stays balanced.
func (s *Scanner) breathe(ctx context.Context) error {
	if s.Gate == nil {
		return nil
	}
	s.Gate.Release()
	if err := s.Gate.Acquire(ctx); err != nil {
		_ = s.Gate.Acquire(context.Background())
		return err
	}
	return nil
}

// Scan rebuilds engine state, dispatching to the v1 forward scan or the v2
// backward scan per geom.IsYaffs2.
func (s *Scanner) Scan(ctx context.Context) (*Result, error) {
	st := newScanState()

	var err error
	if s.geom.IsYaffs2 {
		err = s.backwardScan(ctx, st)
	} else {
		err = s.forwardScan(ctx, st)
	}
	if err != nil {
		return nil, err
	}

	s.fixupShadows(st)
	s.fixupHangsAndLink(ctx, st)
	s.strip(st)
	logger.Debugf("scan: rebuilt %d objects across %d blocks", len(st.objectIDs), s.blocks.NBlocks())

	return &Result{
		Store:     s.store,
		Trees:     st.trees,
		Allocator: s.buildAllocator(),
	}, nil
}

func (s *Scanner) buildAllocator() *alloc.Allocator {
	var nErased uint32
	var nFree int64
	var maxSeq uint32
	n := s.blocks.NBlocks()
	for i := uint32(0); i < n; i++ {
		block := s.geom.InternalStartBlock + i
		info := s.blocks.Info(block)
		if info.SeqNumber > maxSeq {
			maxSeq = info.SeqNumber
		}
		if s.CheckpointBlocks[block] {
			continue // reserved for internal/checkpoint, never free or erased
		}
		if info.State == tags.BlockEmpty {
			nErased++
			nFree += int64(s.geom.ChunksPerBlock)
			continue
		}
		free := int(s.geom.ChunksPerBlock) - s.blocks.CountChunkBits(block)
		nFree += int64(free)
	}
	a := alloc.New(s.geom, s.blocks, nFree, nErased)
	a.RestoreSeqNumber(maxSeq)
	return a
}

// forwardScan walks blocks and, within each, chunks, in ascending address
// order — v1 has no seq_number to sort by, so chronological order is
// approximated by address order and a later occurrence of the same
// (obj_id, chunk_id) simply overwrites the earlier one.
func (s *Scanner) forwardScan(ctx context.Context, st *scanState) error {
	n := s.blocks.NBlocks()
	for i := uint32(0); i < n; i++ {
		block := s.geom.InternalStartBlock + i
		if s.CheckpointBlocks[block] {
			s.blocks.Info(block).State = tags.BlockCheckpoint
			continue
		}
		state, _, err := s.marshaler.QueryBlockState(ctx, s.drv, block, s.blockFirstChunk(block))
		if err != nil {
			return fmt.Errorf("scan: query block %d state: %w", block, err)
		}
		s.blocks.Info(block).State = state
		if state == tags.BlockEmpty || state == tags.BlockDead {
			continue
		}

		for idx := uint32(0); idx < s.geom.ChunksPerBlock; idx++ {
			if err := s.scanChunk(ctx, st, block, idx, true); err != nil {
				return err
			}
		}
		if err := s.breathe(ctx); err != nil {
			return err
		}
	}
	return nil
}

// backwardScan implements the v2 algorithm of spec.md §4.12: classify every
// block, sort descending by seq_number, then walk blocks newest-first and,
// within a block, chunks newest-first (ascending index is write order, so
// the highest index written is newest).
func (s *Scanner) backwardScan(ctx context.Context, st *scanState) error {
	n := s.blocks.NBlocks()
	type blockSeq struct {
		block uint32
		seq   uint32
	}
	var order []blockSeq

	for i := uint32(0); i < n; i++ {
		block := s.geom.InternalStartBlock + i
		if s.CheckpointBlocks[block] {
			s.blocks.Info(block).State = tags.BlockCheckpoint
			continue
		}
		state, seq, err := s.marshaler.QueryBlockState(ctx, s.drv, block, s.blockFirstChunk(block))
		if err != nil {
			return fmt.Errorf("scan: query block %d state: %w", block, err)
		}
		s.blocks.Info(block).State = state
		s.blocks.Info(block).SeqNumber = seq
		if state == tags.BlockEmpty || state == tags.BlockDead {
			continue
		}
		order = append(order, blockSeq{block, seq})
	}

	sort.Slice(order, func(i, j int) bool { return order[i].seq > order[j].seq })

	for _, bs := range order {
		if err := s.breathe(ctx); err != nil {
			return err
		}
		if s.Summary != nil {
			if ok, err := s.Summary.Apply(ctx, s, st, bs.block); err != nil {
				return err
			} else if ok {
				continue
			}
		}
		for idx := int(s.geom.ChunksPerBlock) - 1; idx >= 0; idx-- {
			if err := s.scanChunk(ctx, st, bs.block, uint32(idx), false); err != nil {
				return err
			}
		}
	}
	return nil
}

// scanChunk reads one chunk's tags (and, for headers, its full payload) and
// folds it into st. overwrite selects v1's "later always wins" semantics
// versus v2's "first (newest) wins, discard the rest".
func (s *Scanner) scanChunk(ctx context.Context, st *scanState, block, idx uint32, overwrite bool) error {
	phys := s.blockFirstChunk(block) + idx
	data := make([]byte, s.geom.DataBytesPerChunk)
	t, ecc, err := s.marshaler.ReadChunkTags(ctx, s.drv, phys, data)
	if err != nil {
		return fmt.Errorf("scan: read chunk %d: %w", phys, err)
	}
	if ecc == nand.EccUnfixed {
		return nil // partial/corrupt write, treated as absent per spec.md §4.12.
	}
	if t.ObjID == 0 || t.ObjID == summaryObjID {
		return nil // erased slot, or a summary record read outside SummaryIndex.Apply.
	}

	if t.IsHeader() {
		if !overwrite && st.seenHeader[t.ObjID] {
			return nil
		}
		st.seenHeader[t.ObjID] = true
		return s.acceptHeader(st, block, phys, data, t)
	}

	key := dataKey(t.ObjID, t.ChunkID)
	if !overwrite && st.seenData[key] {
		return nil
	}
	st.seenData[key] = true
	s.acceptData(st, block, idx, phys, t)
	return nil
}

func (s *Scanner) markLive(block, idx uint32) {
	if !s.blocks.CheckChunkBit(block, idx) {
		s.blocks.SetChunkBit(block, idx)
		s.blocks.Info(block).PagesInUse++
	}
}

func (s *Scanner) acceptHeader(st *scanState, block, phys uint32, data []byte, t tags.Tags) error {
	oh, err := header.Decode(data)
	if err != nil {
		return fmt.Errorf("scan: decode header for obj %d: %w", t.ObjID, err)
	}

	st.objectIDs[t.ObjID] = true
	obj, exists := s.store.ByID(t.ObjID)
	if !exists {
		obj = &objstore.Object{ID: t.ObjID}
		s.store.InsertScanned(obj)
	}
	obj.Kind = oh.Type
	obj.ParentID = oh.ParentID
	obj.Name = oh.Name
	obj.EquivID = oh.EquivID
	obj.SymlinkAlias = oh.Alias
	obj.Mode = oh.Mode
	obj.UID = oh.UID
	obj.GID = oh.GID
	obj.ATime = oh.ATime
	obj.MTime = oh.MTime
	obj.CTime = oh.CTime
	obj.Rdev = oh.Rdev
	obj.FileSize = oh.FileSize
	obj.StoredSize = oh.FileSize
	obj.HdrChunk = phys
	obj.Serial = t.Serial
	obj.Deferred = false

	if oh.IsShrink {
		s.blocks.Info(block).HasShrinkHeader = true
	}
	if oh.Shadows != 0 {
		st.shadows = append(st.shadows, pendingShadow{shadowedID: oh.Shadows})
	}

	s.markLive(block, phys-s.blockFirstChunk(block))
	return nil
}

func (s *Scanner) acceptData(st *scanState, block, chunkIdx, phys uint32, t tags.Tags) {
	st.objectIDs[t.ObjID] = true
	obj, exists := s.store.ByID(t.ObjID)
	if !exists {
		obj = &objstore.Object{ID: t.ObjID, Kind: tags.ObjTypeFile, Deferred: true}
		s.store.InsertScanned(obj)
	}

	tree := st.trees[t.ObjID]
	if tree == nil {
		tree = tnode.New()
		st.trees[t.ObjID] = tree
	}

	logical := uint64(t.ChunkID - 1)
	physChunk := phys
	tree.AddFind(logical, &physChunk)
	obj.NDataChunks++
	if t.Serial > obj.Serial {
		obj.Serial = t.Serial
	}

	s.markLive(block, chunkIdx)
}

// fixupShadows reparents every object named as a shadow target to
// Unlinked, so the strip pass later frees it (spec.md §4.12: "an object X
// later seen (older) cause X to be moved to unlinked").
func (s *Scanner) fixupShadows(st *scanState) {
	for _, sh := range st.shadows {
		if obj, ok := s.store.ByID(sh.shadowedID); ok {
			obj.ParentID = objstore.UnlinkedID
		}
	}
}

// loadDeferred completes a summary-instantiated object's lazy load with
// one full header read: name, alias and the POSIX attributes all live only
// in the header record, not in the digest's tags.Extra. On a read failure
// the object stays Deferred and header.Manager.UpdateOH retries the load
// the first time the object is touched.
func (s *Scanner) loadDeferred(ctx context.Context, obj *objstore.Object) {
	buf := make([]byte, s.geom.DataBytesPerChunk)
	_, ecc, err := s.marshaler.ReadChunkTags(ctx, s.drv, obj.HdrChunk, buf)
	if err != nil || ecc == nand.EccUnfixed {
		return
	}
	oh, derr := header.Decode(buf)
	if derr != nil {
		return
	}
	obj.Name = oh.Name
	obj.SymlinkAlias = oh.Alias
	obj.Mode = oh.Mode
	obj.UID = oh.UID
	obj.GID = oh.GID
	obj.ATime = oh.ATime
	obj.MTime = oh.MTime
	obj.CTime = oh.CTime
	obj.Rdev = oh.Rdev
	obj.Deferred = false
}

// fixupHangsAndLink walks every real object's parent chain; objects that
// reach a root directory within maxParentHops are linked into it, the rest
// are relocated to lost+found (spec.md §4.12 hang fix-up).
func (s *Scanner) fixupHangsAndLink(ctx context.Context, st *scanState) {
	for id := range st.objectIDs {
		if objstore.IsFakeDir(id) {
			continue
		}
		obj, ok := s.store.ByID(id)
		if !ok {
			continue
		}
		if !s.reachesRoot(obj) {
			obj.ParentID = objstore.LostNFoundID
		}
	}
	for id := range st.objectIDs {
		if objstore.IsFakeDir(id) {
			continue
		}
		obj, ok := s.store.ByID(id)
		if !ok {
			continue
		}
		parent, ok := s.store.ByID(obj.ParentID)
		if !ok || !parent.IsDir() {
			parent = s.store.LostNFound
		}
		if obj.Deferred && obj.HdrChunk != 0 {
			s.loadDeferred(ctx, obj)
		}
		name := obj.Name
		if name == "" {
			name = fmt.Sprintf("obj_%d", obj.ID)
		}
		if _, taken := s.store.Lookup(parent, name); taken {
			name = fmt.Sprintf("%s.obj_%d", name, obj.ID)
		}
		s.store.LinkChild(parent, obj, name)
	}
}

func (s *Scanner) reachesRoot(obj *objstore.Object) bool {
	cur := obj
	for hop := 0; hop < maxParentHops; hop++ {
		if objstore.IsFakeDir(cur.ID) {
			return true
		}
		parent, ok := s.store.ByID(cur.ParentID)
		if !ok {
			return false
		}
		if parent.ID == cur.ID {
			return false
		}
		cur = parent
	}
	return false
}

func (s *Scanner) strip(st *scanState) {
	for _, dir := range []*objstore.Object{s.store.Unlinked, s.store.Deleted} {
		for _, id := range s.store.Children(dir) {
			obj, ok := s.store.ByID(id)
			if !ok {
				continue
			}
			if tree, ok := st.trees[id]; ok {
				tree.SoftDel(func(phys uint32) {
					block, chunkIdx := s.physToBlock(phys)
					if s.blocks.CheckChunkBit(block, chunkIdx) {
						s.blocks.ClearChunkBit(block, chunkIdx)
						s.blocks.Info(block).PagesInUse--
					}
				})
				delete(st.trees, id)
			}
			if obj.HdrChunk != 0 {
				block, chunkIdx := s.physToBlock(obj.HdrChunk)
				if s.blocks.CheckChunkBit(block, chunkIdx) {
					s.blocks.ClearChunkBit(block, chunkIdx)
					s.blocks.Info(block).PagesInUse--
				}
			}
			s.store.UnlinkChild(dir, obj.Name)
			s.store.Destroy(obj)
		}
	}
}

func (s *Scanner) physToBlock(phys uint32) (block, chunkIdx uint32) {
	rel := phys - s.geom.ChunkOffset
	return s.geom.InternalStartBlock + rel/s.geom.ChunksPerBlock, rel % s.geom.ChunksPerBlock
}
