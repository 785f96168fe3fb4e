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

// Package checkpoint implements spec.md's checkpoint persist/restore: a
// snapshot of device counters, per-block info, and the full object + tnode
// forest, written to a small set of blocks dedicated for that purpose so a
// clean mount can skip the full chunk-by-chunk scan (internal/scan)
// entirely. It plays the role the teacher's fs.FileSystem gives to its
// serverfuse mount-time state rebuild, but as an O(1) fast path ahead of
// the O(n) one internal/scan always provides as a fallback.
package checkpoint

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/flashfs/flashfs/internal/alloc"
	"github.com/flashfs/flashfs/internal/blockinfo"
	"github.com/flashfs/flashfs/internal/errs"
	"github.com/flashfs/flashfs/internal/geometry"
	"github.com/flashfs/flashfs/internal/nand"
	"github.com/flashfs/flashfs/internal/objstore"
	"github.com/flashfs/flashfs/internal/tags"
	"github.com/flashfs/flashfs/internal/tnode"
)

// checkpointObjID tags every chunk written inside the dedicated region, the
// same way summaryObjID marks a block-summary digest (internal/scan). It is
// never a real object id (NewObjectID never hands out the all-ones id
// range) and is distinct from both the zero ObjID and an erased chunk's
// unpacked ObjID, which is 0xffffffff under v1 and v2 alike (an all-0xff
// spare).
const checkpointObjID uint32 = 0xfffffffe

const (
	magic         uint32 = 0x59414658 // "YAFX"
	formatVersion uint32 = 1
)

// objectEntryApproxLen and tnodeEntryLen size BlocksRequired's estimate.
// objectEntryApproxLen is generous over the packed object record writeObject
// emits, to leave slack for long names; tnodeEntryLen is the exact size of
// one tnode entry.
const (
	objectEntryApproxLen = 144
	tnodeEntryLen        = 12 // logical (uint64) + physChunk (uint32)
)

// Manager owns the device's dedicated checkpoint region: a fixed list of
// blocks, always kept in tags.BlockCheckpoint state so internal/alloc's
// findNextEmptyBlock never allocates into them and internal/scan never
// chunk-scans them (Scanner.CheckpointBlocks).
type Manager struct {
	geom      geometry.Geometry
	drv       nand.Driver
	marshaler tags.Marshaler
	blocks    *blockinfo.Table
	region    []uint32 // dedicated blocks, write order

	dirty bool // true once Invalidate has erased the region since the last Persist
}

// BlocksRequired implements calc_checkpt_blocks_required: a conservative
// estimate of how many blocks a checkpoint of this geometry may need,
// sized for up to maxObjects live objects and a tnode entry for every
// addressable chunk. Callers reserve this many blocks from the device's
// usable range at format time and pass them to New.
func BlocksRequired(geom geometry.Geometry, maxObjects uint32) uint32 {
	totalChunks := uint64(geom.NBlocks()) * uint64(geom.ChunksPerBlock)
	// A device can never hold more objects than it has chunks to carry
	// their headers, so an unbounded (or over-generous) max_objects is
	// clamped to the chunk count before it inflates the estimate.
	if maxObjects == 0 || uint64(maxObjects) > totalChunks {
		maxObjects = uint32(totalChunks)
	}
	approxBytes := uint64(maxObjects)*objectEntryApproxLen + totalChunks*tnodeEntryLen
	perBlock := uint64(geom.ChunksPerBlock) * uint64(geom.DataBytesPerChunk)
	blocks := (approxBytes + perBlock - 1) / perBlock
	blocks += 1 // header framing and rounding slack
	if blocks < 2 {
		blocks = 2
	}
	return uint32(blocks)
}

// New constructs a Manager over region, marking every block in it
// tags.BlockCheckpoint in blocks immediately. region's blocks must already
// be excluded from the allocator's free/erased accounting by the caller
// passing the same set to internal/scan as Scanner.CheckpointBlocks (or, on
// a fresh format, by never having counted them free in the first place).
func New(geom geometry.Geometry, drv nand.Driver, marshaler tags.Marshaler, blocks *blockinfo.Table, region []uint32) *Manager {
	m := &Manager{geom: geom, drv: drv, marshaler: marshaler, blocks: blocks, region: region}
	for _, b := range region {
		info := blocks.Info(b)
		info.State = tags.BlockCheckpoint
		info.PagesInUse = 0
	}
	return m
}

func (m *Manager) physChunk(regionIdx int) uint32 {
	block := m.region[regionIdx/int(m.geom.ChunksPerBlock)]
	idx := uint32(regionIdx) % m.geom.ChunksPerBlock
	return (block-m.geom.InternalStartBlock)*m.geom.ChunksPerBlock + idx + m.geom.ChunkOffset
}

func (m *Manager) capacityChunks() int {
	return len(m.region) * int(m.geom.ChunksPerBlock)
}

// Invalidate marks the on-media checkpoint unusable by erasing every
// dedicated block. It is idempotent within a dirty period: the engine's
// mutation paths call this unconditionally (engine.Device's
// invalidateCheckpoint, "checkpt_invalidate on any mutation", spec.md), and
// every call after the first is a no-op until the next
// successful Persist clears the flag — erasing the region on literally
// every mutation would defeat the fast path Persist exists to provide.
func (m *Manager) Invalidate(ctx context.Context) error {
	if m.dirty {
		return nil
	}
	for _, b := range m.region {
		if err := m.drv.Erase(ctx, b); err != nil {
			return fmt.Errorf("checkpoint: invalidate: erase block %d: %w", b, err)
		}
		info := m.blocks.Info(b)
		info.State = tags.BlockCheckpoint
		info.PagesInUse = 0
		info.SoftDeletions = 0
		m.blocks.ClearChunkBits(b)
	}
	m.dirty = true
	return nil
}

// IsValid reads the region's first chunk and reports whether it looks like
// a complete checkpoint header rather than an erased or unrelated chunk.
// Restore still verifies the full payload length; IsValid is the cheap
// check a mount uses to decide between the checkpoint fast path and a full
// internal/scan.
func (m *Manager) IsValid(ctx context.Context) (bool, error) {
	if len(m.region) == 0 {
		return false, nil
	}
	data := make([]byte, m.geom.DataBytesPerChunk)
	t, ecc, err := m.marshaler.ReadChunkTags(ctx, m.drv, m.physChunk(0), data)
	if err != nil {
		return false, fmt.Errorf("checkpoint: probe: %w", err)
	}
	if ecc == nand.EccUnfixed {
		return false, nil
	}
	return t.ObjID == checkpointObjID && t.ChunkID == 0, nil
}

// Result is everything a mount needs after a successful Restore, the same
// shape internal/scan.Result provides for the full-scan fallback.
type Result struct {
	Store     *objstore.Store
	Trees     map[uint32]*tnode.Tree
	Allocator *alloc.Allocator
}

type header struct {
	Magic         uint32
	Version       uint32
	SeqNumber     uint32
	NFreeChunks   int64
	NErasedBlocks uint32
	NBlockInfos   uint32
	NObjects      uint32
	PayloadLen    uint32
}

const headerLen = 4 + 4 + 4 + 8 + 4 + 4 + 4 + 4

// Persist invalidates the region, then writes a full snapshot of blocks'
// per-block info (excluding the region itself), store's complete object
// graph, and every file's tnode forest across the dedicated blocks. A
// caller should persist only at a clean unmount or an explicit sync
// (spec.md §4.12/§8), never mid-mutation.
func (m *Manager) Persist(ctx context.Context, store *objstore.Store, trees map[uint32]*tnode.Tree, a *alloc.Allocator) error {
	if err := m.Invalidate(ctx); err != nil {
		return err
	}

	var body bytes.Buffer
	objects := collectObjects(store)

	if err := binary.Write(&body, binary.LittleEndian, uint32(m.geom.NBlocks())); err != nil {
		return err
	}
	n := m.geom.NBlocks()
	region := make(map[uint32]bool, len(m.region))
	for _, b := range m.region {
		region[b] = true
	}
	for i := uint32(0); i < n; i++ {
		block := m.geom.InternalStartBlock + i
		info := blockinfo.Info{}
		if !region[block] {
			info = *m.blocks.Info(block)
		}
		if err := writeBlockInfo(&body, info); err != nil {
			return err
		}
	}

	if err := binary.Write(&body, binary.LittleEndian, uint32(len(objects))); err != nil {
		return err
	}
	for _, obj := range objects {
		if err := writeObject(&body, obj, trees[obj.ID]); err != nil {
			return err
		}
	}

	h := header{
		Magic:         magic,
		Version:       formatVersion,
		SeqNumber:     a.NextSeqNumber() - 1,
		NFreeChunks:   a.NFreeChunks(),
		NErasedBlocks: a.NErasedBlocks(),
		NBlockInfos:   n,
		NObjects:      uint32(len(objects)),
		PayloadLen:    uint32(body.Len()),
	}

	var full bytes.Buffer
	if err := binary.Write(&full, binary.LittleEndian, h); err != nil {
		return fmt.Errorf("checkpoint: encode header: %w", err)
	}
	full.Write(body.Bytes())

	return m.writeRegion(ctx, full.Bytes())
}

func (m *Manager) writeRegion(ctx context.Context, payload []byte) error {
	dataLen := int(m.geom.DataBytesPerChunk)
	need := (len(payload) + dataLen - 1) / dataLen
	if need > m.capacityChunks() {
		return fmt.Errorf("checkpoint: payload needs %d chunks, region holds %d: %w", need, m.capacityChunks(), errs.ErrOutOfSpace)
	}

	for i := 0; i < need; i++ {
		start := i * dataLen
		end := start + dataLen
		chunk := make([]byte, dataLen)
		if end > len(payload) {
			end = len(payload)
		}
		copy(chunk, payload[start:end])

		t := tags.Tags{ObjID: checkpointObjID, ChunkID: uint32(i), NBytes: uint32(end - start)}
		if err := m.marshaler.WriteChunkTags(ctx, m.drv, m.physChunk(i), chunk, t); err != nil {
			return fmt.Errorf("checkpoint: write chunk %d: %w", i, err)
		}
	}
	m.dirty = false
	return nil
}

// Restore reads the checkpoint payload back and rebuilds the object store,
// every file's tnode tree, and a ready-to-use allocator. Call IsValid
// first; Restore itself re-validates the header and returns an error if it
// does not look intact, so a caller that skips IsValid still fails closed
// into a full internal/scan rather than trusting a partial read.
func (m *Manager) Restore(ctx context.Context, maxObjects uint32) (*Result, error) {
	dataLen := int(m.geom.DataBytesPerChunk)
	first := make([]byte, dataLen)
	t, ecc, err := m.marshaler.ReadChunkTags(ctx, m.drv, m.physChunk(0), first)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: restore: read header chunk: %w", err)
	}
	if ecc == nand.EccUnfixed || t.ObjID != checkpointObjID || t.ChunkID != 0 {
		return nil, fmt.Errorf("checkpoint: restore: no valid checkpoint present")
	}

	var h header
	if err := binary.Read(bytes.NewReader(first), binary.LittleEndian, &h); err != nil {
		return nil, fmt.Errorf("checkpoint: restore: decode header: %w", err)
	}
	if h.Magic != magic || h.Version != formatVersion {
		return nil, fmt.Errorf("checkpoint: restore: bad magic/version")
	}

	totalLen := headerLen + int(h.PayloadLen)
	full := make([]byte, 0, totalLen)
	full = append(full, first...)
	for i := 1; len(full) < totalLen; i++ {
		if i >= m.capacityChunks() {
			return nil, fmt.Errorf("checkpoint: restore: payload exceeds region capacity")
		}
		data := make([]byte, dataLen)
		ct, ecc, err := m.marshaler.ReadChunkTags(ctx, m.drv, m.physChunk(i), data)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: restore: read chunk %d: %w", i, err)
		}
		if ecc == nand.EccUnfixed || ct.ObjID != checkpointObjID {
			return nil, fmt.Errorf("checkpoint: restore: chunk %d missing or corrupt", i)
		}
		full = append(full, data...)
	}
	full = full[:totalLen]

	r := bytes.NewReader(full[headerLen:])

	blocks := m.blocks
	var nBlockInfos uint32
	if err := binary.Read(r, binary.LittleEndian, &nBlockInfos); err != nil {
		return nil, err
	}
	region := make(map[uint32]bool, len(m.region))
	for _, b := range m.region {
		region[b] = true
	}
	for i := uint32(0); i < nBlockInfos; i++ {
		block := m.geom.InternalStartBlock + i
		info, err := readBlockInfo(r)
		if err != nil {
			return nil, err
		}
		if region[block] {
			continue // re-marked BlockCheckpoint by New/Invalidate, never overwritten
		}
		*blocks.Info(block) = info
	}

	var nObjects uint32
	if err := binary.Read(r, binary.LittleEndian, &nObjects); err != nil {
		return nil, err
	}

	store := objstore.New(maxObjects)
	trees := make(map[uint32]*tnode.Tree)
	type pending struct {
		obj      *objstore.Object
		parentID uint32
		name     string
	}
	var all []pending

	for i := uint32(0); i < nObjects; i++ {
		obj, parentID, name, entries, err := readObject(r)
		if err != nil {
			return nil, err
		}
		if existing, ok := store.ByID(obj.ID); ok {
			*existing = *obj
			obj = existing
		} else {
			store.InsertScanned(obj)
		}
		if len(entries) > 0 {
			tree := tnode.New()
			for _, e := range entries {
				phys := e.phys
				tree.AddFind(e.logical, &phys)
			}
			trees[obj.ID] = tree
		}
		all = append(all, pending{obj: obj, parentID: parentID, name: name})
	}

	for _, p := range all {
		if objstore.IsFakeDir(p.obj.ID) {
			continue
		}
		parent, ok := store.ByID(p.parentID)
		if !ok || !parent.IsDir() {
			parent = store.LostNFound
		}
		store.LinkChild(parent, p.obj, p.name)
	}

	a := alloc.New(m.geom, blocks, h.NFreeChunks, h.NErasedBlocks)
	a.RestoreSeqNumber(h.SeqNumber)

	return &Result{Store: store, Trees: trees, Allocator: a}, nil
}

func collectObjects(store *objstore.Store) []*objstore.Object {
	var out []*objstore.Object
	seen := make(map[uint32]bool)
	addDir := func(dir *objstore.Object) {
		if dir == nil || seen[dir.ID] {
			return
		}
		seen[dir.ID] = true
		out = append(out, dir)
	}
	addDir(store.Root)
	addDir(store.LostNFound)
	addDir(store.Unlinked)
	addDir(store.Deleted)

	var walk func(dir *objstore.Object)
	walk = func(dir *objstore.Object) {
		for _, id := range store.Children(dir) {
			child, ok := store.ByID(id)
			if !ok || seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, child)
			if child.IsDir() {
				walk(child)
			}
		}
	}
	walk(store.Root)
	walk(store.LostNFound)
	walk(store.Unlinked)
	walk(store.Deleted)
	return out
}

func writeBlockInfo(w *bytes.Buffer, info blockinfo.Info) error {
	fields := []any{
		info.SeqNumber,
		info.PagesInUse,
		info.SoftDeletions,
		int32(info.State),
		info.NeedsRetiring,
		info.SkipErasedCheck,
		info.GCPrioritise,
		info.HasShrinkHeader,
	}
	for _, f := range fields {
		if err := binary.Write(w, binary.LittleEndian, f); err != nil {
			return err
		}
	}
	return nil
}

func readBlockInfo(r *bytes.Reader) (blockinfo.Info, error) {
	var info blockinfo.Info
	var state int32
	fields := []any{
		&info.SeqNumber,
		&info.PagesInUse,
		&info.SoftDeletions,
		&state,
		&info.NeedsRetiring,
		&info.SkipErasedCheck,
		&info.GCPrioritise,
		&info.HasShrinkHeader,
	}
	for _, f := range fields {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return blockinfo.Info{}, err
		}
	}
	info.State = tags.BlockState(state)
	return info, nil
}

func writeString(w *bytes.Buffer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint16(len(s))); err != nil {
		return err
	}
	_, err := w.WriteString(s)
	return err
}

func readString(r *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeObject(w *bytes.Buffer, obj *objstore.Object, tree *tnode.Tree) error {
	if err := binary.Write(w, binary.LittleEndian, obj.ID); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, obj.ParentID); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint8(obj.Kind)); err != nil {
		return err
	}
	if err := writeString(w, obj.Name); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, obj.HdrChunk); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, obj.Serial); err != nil {
		return err
	}
	for _, f := range []uint32{obj.Mode, obj.UID, obj.GID, obj.Rdev} {
		if err := binary.Write(w, binary.LittleEndian, f); err != nil {
			return err
		}
	}
	for _, ts := range []time.Time{obj.ATime, obj.MTime, obj.CTime} {
		if err := binary.Write(w, binary.LittleEndian, ts.Unix()); err != nil {
			return err
		}
	}
	if err := binary.Write(w, binary.LittleEndian, obj.EquivID); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, obj.NDataChunks); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, obj.FileSize); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, obj.StoredSize); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, obj.IsShrink); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, obj.Shadows); err != nil {
		return err
	}
	if err := writeString(w, obj.SymlinkAlias); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, obj.Deferred); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, obj.SoftDeleted); err != nil {
		return err
	}

	var entries []tnodeEntry
	if tree != nil {
		tree.Each(func(logical uint64, phys uint32) {
			entries = append(entries, tnodeEntry{logical: logical, phys: phys})
		})
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(entries))); err != nil {
		return err
	}
	for _, e := range entries {
		if err := binary.Write(w, binary.LittleEndian, e.logical); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, e.phys); err != nil {
			return err
		}
	}
	return nil
}

type tnodeEntry struct {
	logical uint64
	phys    uint32
}

func readObject(r *bytes.Reader) (obj *objstore.Object, parentID uint32, name string, entries []tnodeEntry, err error) {
	obj = &objstore.Object{}
	if err = binary.Read(r, binary.LittleEndian, &obj.ID); err != nil {
		return
	}
	if err = binary.Read(r, binary.LittleEndian, &parentID); err != nil {
		return
	}
	obj.ParentID = parentID
	var kind uint8
	if err = binary.Read(r, binary.LittleEndian, &kind); err != nil {
		return
	}
	obj.Kind = tags.ObjType(kind)
	if name, err = readString(r); err != nil {
		return
	}
	obj.Name = name
	if err = binary.Read(r, binary.LittleEndian, &obj.HdrChunk); err != nil {
		return
	}
	if err = binary.Read(r, binary.LittleEndian, &obj.Serial); err != nil {
		return
	}
	for _, f := range []*uint32{&obj.Mode, &obj.UID, &obj.GID, &obj.Rdev} {
		if err = binary.Read(r, binary.LittleEndian, f); err != nil {
			return
		}
	}
	for _, ts := range []*time.Time{&obj.ATime, &obj.MTime, &obj.CTime} {
		var unix int64
		if err = binary.Read(r, binary.LittleEndian, &unix); err != nil {
			return
		}
		*ts = time.Unix(unix, 0).UTC()
	}
	if err = binary.Read(r, binary.LittleEndian, &obj.EquivID); err != nil {
		return
	}
	if err = binary.Read(r, binary.LittleEndian, &obj.NDataChunks); err != nil {
		return
	}
	if err = binary.Read(r, binary.LittleEndian, &obj.FileSize); err != nil {
		return
	}
	if err = binary.Read(r, binary.LittleEndian, &obj.StoredSize); err != nil {
		return
	}
	if err = binary.Read(r, binary.LittleEndian, &obj.IsShrink); err != nil {
		return
	}
	if err = binary.Read(r, binary.LittleEndian, &obj.Shadows); err != nil {
		return
	}
	if obj.SymlinkAlias, err = readString(r); err != nil {
		return
	}
	if err = binary.Read(r, binary.LittleEndian, &obj.Deferred); err != nil {
		return
	}
	if err = binary.Read(r, binary.LittleEndian, &obj.SoftDeleted); err != nil {
		return
	}

	var nEntries uint32
	if err = binary.Read(r, binary.LittleEndian, &nEntries); err != nil {
		return
	}
	entries = make([]tnodeEntry, nEntries)
	for i := range entries {
		if err = binary.Read(r, binary.LittleEndian, &entries[i].logical); err != nil {
			return
		}
		if err = binary.Read(r, binary.LittleEndian, &entries[i].phys); err != nil {
			return
		}
	}
	return obj, parentID, name, entries, nil
}
