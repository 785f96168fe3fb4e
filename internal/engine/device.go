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

// Package engine wires every collaborator package into spec.md §6's
// external interface: a Device exposing Mount/Unmount/Format/Remount/
// Sync/Checkpoint/bg_gc plus the object-lifecycle and data operations a
// POSIX translation layer would call. It plays the role the teacher's
// fs.FileSystem plays for a GCS bucket, rebuilt around a NAND image:
// geometry derives the device's shape, internal/checkpoint gives mount an
// O(1) fast path with internal/scan as the always-correct fallback, and
// every mutating method runs under internal/gate the way fs.FileSystem
// runs every op under its own single mutex.
package engine

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/afero"

	"github.com/flashfs/flashfs/internal/alloc"
	"github.com/flashfs/flashfs/internal/blockinfo"
	"github.com/flashfs/flashfs/internal/cache"
	"github.com/flashfs/flashfs/internal/checkpoint"
	"github.com/flashfs/flashfs/internal/clock"
	"github.com/flashfs/flashfs/internal/dataio"
	"github.com/flashfs/flashfs/internal/errs"
	"github.com/flashfs/flashfs/internal/gate"
	"github.com/flashfs/flashfs/internal/gc"
	"github.com/flashfs/flashfs/internal/geometry"
	"github.com/flashfs/flashfs/internal/handle"
	"github.com/flashfs/flashfs/internal/header"
	"github.com/flashfs/flashfs/internal/logger"
	"github.com/flashfs/flashfs/internal/metrics"
	"github.com/flashfs/flashfs/internal/mountlock"
	"github.com/flashfs/flashfs/internal/nand"
	"github.com/flashfs/flashfs/internal/nand/simdriver"
	"github.com/flashfs/flashfs/internal/objstore"
	"github.com/flashfs/flashfs/internal/scan"
	"github.com/flashfs/flashfs/internal/tags"
	v1 "github.com/flashfs/flashfs/internal/tags/v1"
	v2 "github.com/flashfs/flashfs/internal/tags/v2"
	"github.com/flashfs/flashfs/internal/tnode"
)

// Config describes how to mount a Device. Geometry is the on-disk shape
// (spec.md §4.1); Driver and Fs are both optional escape hatches tests use
// to inject a Driver directly or back a real image path with an in-memory
// afero.Fs instead of the OS filesystem.
type Config struct {
	ImagePath string
	Geometry  geometry.Config

	Driver nand.Driver
	Fs     afero.Fs

	NCacheLines uint32
	MaxObjects  uint32

	Clock   clock.Clock
	Metrics *metrics.Collector

	ReadOnly bool

	// GCControl, when set, is wired into the garbage collector's ControlFn
	// (spec.md §4.1's gc_control_fn, supplemented from original_source/).
	GCControl func() gc.Control
}

// Device is the top-level orchestrator of spec.md §6, the fs.FileSystem
// analogue for an on-flash object graph. The zero value is not usable;
// construct with New and call Mount.
type Device struct {
	cfg Config

	gate    *gate.Gate
	handles *handle.Table
	clock   clock.Clock
	metrics *metrics.Collector

	imgLock *mountlock.Lock

	geom      geometry.Geometry
	drv       nand.Driver
	marshaler tags.Marshaler

	blocks    *blockinfo.Table
	allocator *alloc.Allocator
	store     *objstore.Store
	trees     map[uint32]*tnode.Tree

	headers *header.Manager
	io      *dataio.IO
	cache   *cache.Cache
	gc      *gc.GC
	ckpt    *checkpoint.Manager
	region  []uint32

	// summary/wrMarshaler: the per-block digest and the marshaler wrapper
	// that maintains it on every allocation-path write. Nil/raw when
	// summaries are disabled (v1, DisableSummary, or a geometry whose
	// digest cannot fit one chunk).
	summary     *scan.SummaryIndex
	wrMarshaler tags.Marshaler

	maxLogicalChunk uint64
	maxFileSize     int64

	mounted  bool
	readOnly bool
}

// New constructs an unmounted Device from cfg. Call Mount before using it.
func New(cfg Config) *Device {
	return &Device{
		cfg:     cfg,
		gate:    gate.New(),
		handles: handle.New(),
	}
}

func (d *Device) driverOptions(geom geometry.Geometry) simdriver.Options {
	spareSize := v1.SpareSize
	if geom.IsYaffs2 {
		spareSize = v2.SpareSize
	}
	if geom.InbandTags {
		spareSize = 0
	}
	return simdriver.Options{
		Fs:                 d.cfg.Fs,
		ImagePath:          d.cfg.ImagePath,
		TotalBlocks:        geom.NBlocks() + geom.BlockOffset,
		ChunksPerBlock:     geom.ChunksPerBlock,
		DataBytesPerChunk:  geom.DataBytesPerChunk,
		SpareBytesPerChunk: uint32(spareSize),
	}
}

// Mount brings up the device: derives geometry, opens the driver, and
// rebuilds in-RAM state either from a valid checkpoint (the O(1) path) or
// a full internal/scan (the fallback spec.md §4.12 always makes correct).
func (d *Device) Mount(ctx context.Context) error {
	if d.mounted {
		return fmt.Errorf("engine: mount: %w", errs.ErrInvalidArgument)
	}
	if err := d.gate.Acquire(ctx); err != nil {
		return fmt.Errorf("engine: mount: %w", err)
	}
	defer d.gate.Release()

	geom, err := geometry.Derive(d.cfg.Geometry)
	if err != nil {
		return fmt.Errorf("engine: mount: %w", err)
	}

	// The cross-process advisory lock only means something for a real
	// on-disk image; an injected Driver or in-memory Fs has no second
	// process to guard against.
	var lock *mountlock.Lock
	if d.cfg.Driver == nil && d.cfg.Fs == nil {
		lock, err = mountlock.Acquire(d.cfg.ImagePath + ".lock")
		if err != nil {
			return fmt.Errorf("engine: mount: %w", err)
		}
	}
	releaseLock := func() {
		if lock != nil {
			lock.Release()
		}
	}

	drv := d.cfg.Driver
	if drv == nil {
		fs := d.cfg.Fs
		if fs == nil {
			fs = afero.NewOsFs()
		}
		opts := d.driverOptions(geom)
		opts.Fs = fs
		drv = simdriver.New(opts)
	}
	if err := drv.Initialise(ctx); err != nil {
		releaseLock()
		return fmt.Errorf("engine: mount: initialise driver: %w", err)
	}

	var marshaler tags.Marshaler
	if geom.IsYaffs2 {
		marshaler = v2.Marshaler{Inband: geom.InbandTags}
	} else {
		marshaler = v1.Marshaler{}
	}

	var summary *scan.SummaryIndex
	if geom.IsYaffs2 && !geom.DisableSummary && scan.SummaryFits(geom.ChunksPerBlock, geom.DataBytesPerChunk) {
		summary = scan.NewSummaryIndex(geom.ChunksPerBlock, geom.ChunkOffset, geom.InternalStartBlock, geom.DataBytesPerChunk)
	}

	m := d.cfg.Metrics
	if m == nil {
		if collector, merr := metrics.New(); merr == nil {
			m = collector
		}
	}

	blocks := blockinfo.New(geom.InternalStartBlock, geom.NBlocks(), geom.ChunksPerBlock)

	nCkptBlocks := checkpoint.BlocksRequired(geom, d.cfg.MaxObjects)
	// The region may never crowd out the allocator: cap it at a quarter of
	// the device. A checkpoint that does not fit the capped region fails
	// its Persist with OutOfSpace and the next mount simply scans.
	if limit := geom.NBlocks() / 4; limit > 0 && nCkptBlocks > limit {
		nCkptBlocks = limit
	}
	region := make([]uint32, 0, nCkptBlocks)
	for i := uint32(0); i < nCkptBlocks; i++ {
		region = append(region, geom.InternalEndBlock-i)
	}
	ckpt := checkpoint.New(geom, drv, marshaler, blocks, region)

	var store *objstore.Store
	var trees map[uint32]*tnode.Tree
	var allocator *alloc.Allocator

	if valid, verr := ckpt.IsValid(ctx); verr == nil && valid {
		result, rerr := ckpt.Restore(ctx, d.cfg.MaxObjects)
		if rerr != nil {
			logger.Warnf("mount %s: checkpoint restore failed, falling back to scan: %v", d.cfg.ImagePath, rerr)
			result = nil
		} else {
			logger.Infof("mount %s: restored from checkpoint", d.cfg.ImagePath)
			store, trees, allocator = result.Store, result.Trees, result.Allocator
		}
	}

	if store == nil {
		checkpointBlocks := make(map[uint32]bool, len(region))
		for _, b := range region {
			checkpointBlocks[b] = true
		}
		store = objstore.New(d.cfg.MaxObjects)
		sc := scan.New(geom, drv, marshaler, blocks, store, m)
		sc.CheckpointBlocks = checkpointBlocks
		sc.Summary = summary
		sc.Gate = d.gate
		result, serr := sc.Scan(ctx)
		if serr != nil {
			drv.Deinitialise(ctx)
			releaseLock()
			return fmt.Errorf("engine: mount: scan: %w", serr)
		}
		store, trees, allocator = result.Store, result.Trees, result.Allocator
		logger.Infof("mount %s: rebuilt state by full scan", d.cfg.ImagePath)
	}
	allocator.SetCheckpointBlocksRequired(nCkptBlocks)

	wrMarshaler := marshaler
	if summary != nil {
		allocator.ReserveLastChunkForSummary()
		wrMarshaler = summaryMarshaler{Marshaler: marshaler, si: summary, geom: geom}
	}

	headers := header.NewManager(drv, wrMarshaler, allocator, geom.DataBytesPerChunk)
	headers.GCCheck = func(ctx context.Context) error { return d.checkGC(ctx, false) }

	nLines := d.cfg.NCacheLines
	if nLines == 0 {
		nLines = geom.NCaches
	}

	d.geom = geom
	d.drv = drv
	d.marshaler = marshaler
	d.metrics = m
	d.blocks = blocks
	d.allocator = allocator
	d.store = store
	d.trees = trees
	d.headers = headers
	d.ckpt = ckpt
	d.region = region
	d.summary = summary
	d.wrMarshaler = wrMarshaler
	d.imgLock = lock
	d.readOnly = d.cfg.ReadOnly

	cl := d.cfg.Clock
	if cl == nil {
		cl = clock.RealClock{}
	}
	d.clock = cl

	d.io = dataio.New(geom, drv, wrMarshaler, allocator, nil, headers)
	d.io.Lookup = d.lookupTree
	d.io.Gate = d.gate
	d.io.GCCheck = func(ctx context.Context) error { return d.checkGC(ctx, false) }

	c := cache.New(nLines, geom.DataBytesPerChunk, geom.CacheBypassAligned, geom.InbandTags, d.io.FlushLine)
	d.cache = c
	d.io.SetCache(c)

	gcMgr := gc.New(geom, drv, wrMarshaler, allocator, blocks, store, headers, m)
	gcMgr.Lookup = d.lookupTree
	gcMgr.AlwaysCheckErased = geom.AlwaysCheckErased
	gcMgr.SetCheckpointBlocksRequired(nCkptBlocks)
	if d.cfg.GCControl != nil {
		gcMgr.ControlFn = d.cfg.GCControl
	}
	d.gc = gcMgr

	maxChunks := uint64(1) << (geom.TnodeWidth + geom.ChunkGrpBits)
	d.maxLogicalChunk = maxChunks
	d.maxFileSize = int64(maxChunks)*int64(geom.DataBytesPerChunk) - 1

	d.mounted = true
	logger.Debugf("mount %s: %d blocks of %d chunks, %d reserved, %d checkpoint",
		d.cfg.ImagePath, geom.NBlocks(), geom.ChunksPerBlock, geom.NReservedBlocks, nCkptBlocks)
	return nil
}

func (d *Device) lookupTree(objID uint32) (*objstore.Object, *tnode.Tree, bool) {
	obj, ok := d.store.ByID(objID)
	if !ok {
		return nil, nil, false
	}
	tree, ok := d.trees[objID]
	if !ok {
		return obj, nil, false
	}
	return obj, tree, true
}

func (d *Device) checkGC(ctx context.Context, background bool) error {
	if d.gc == nil {
		return nil
	}
	return d.gc.CheckGC(ctx, background)
}

func (d *Device) requireMounted() error {
	if !d.mounted {
		return fmt.Errorf("engine: %w: device not mounted", errs.ErrInvalidArgument)
	}
	return nil
}

// Unmount tears the device down, refusing while handles are open unless
// force is set, in which case every outstanding handle is discarded. A
// clean unmount of a writable device leaves behind a fresh checkpoint so the
// next Mount can skip the full scan; a read-only device writes none.
func (d *Device) Unmount(ctx context.Context, force bool) error {
	if err := d.requireMounted(); err != nil {
		return err
	}
	if !force && d.handles.Busy() {
		return fmt.Errorf("engine: unmount: %w", errs.ErrBusy)
	}

	return d.gate.With(ctx, func() error {
		if err := d.syncLocked(ctx); err != nil && !force {
			return err
		}
		if err := d.drv.Deinitialise(ctx); err != nil && !force {
			return fmt.Errorf("engine: unmount: %w", err)
		}
		if d.imgLock != nil {
			d.imgLock.Release()
		}
		d.mounted = false
		return nil
	})
}

// Format erases the entire device and reinitializes it with an empty
// object graph, then persists a fresh checkpoint. It must be called on a
// freshly-mounted device (nothing open, store otherwise empty) — the
// engine does not implement an unmount/reformat/remount convenience
// beyond what the caller's own Unmount/Mount calls provide.
func (d *Device) Format(ctx context.Context) error {
	if err := d.requireMounted(); err != nil {
		return err
	}
	if d.readOnly {
		return fmt.Errorf("engine: format: %w", errs.ErrReadOnly)
	}
	if d.handles.Busy() {
		return fmt.Errorf("engine: format: %w", errs.ErrBusy)
	}

	return d.gate.With(ctx, func() error {
		for b := d.geom.InternalStartBlock; b <= d.geom.InternalEndBlock; b++ {
			if err := d.drv.Erase(ctx, b); err != nil {
				return fmt.Errorf("engine: format: erase block %d: %w", b, err)
			}
			*d.blocks.Info(b) = blockinfo.Info{}
			d.blocks.ClearChunkBits(b)
		}
		for _, b := range d.region {
			info := d.blocks.Info(b)
			info.State = tags.BlockCheckpoint
		}

		usable := int64(d.geom.NBlocks()-uint32(len(d.region))) * int64(d.geom.ChunksPerBlock)
		d.allocator = alloc.New(d.geom, d.blocks, usable, d.geom.NBlocks()-uint32(len(d.region)))
		d.allocator.SetCheckpointBlocksRequired(uint32(len(d.region)))
		if d.summary != nil {
			d.allocator.ReserveLastChunkForSummary()
		}
		d.store = objstore.New(d.cfg.MaxObjects)
		d.trees = make(map[uint32]*tnode.Tree)

		d.headers = header.NewManager(d.drv, d.wrMarshaler, d.allocator, d.geom.DataBytesPerChunk)
		d.headers.GCCheck = func(ctx context.Context) error { return d.checkGC(ctx, false) }
		d.io = dataio.New(d.geom, d.drv, d.wrMarshaler, d.allocator, d.cache, d.headers)
		d.io.Lookup = d.lookupTree
		d.io.Gate = d.gate
		d.io.GCCheck = func(ctx context.Context) error { return d.checkGC(ctx, false) }
		d.gc = gc.New(d.geom, d.drv, d.wrMarshaler, d.allocator, d.blocks, d.store, d.headers, d.metrics)
		d.gc.Lookup = d.lookupTree
		d.gc.AlwaysCheckErased = d.geom.AlwaysCheckErased
		d.gc.SetCheckpointBlocksRequired(uint32(len(d.region)))
		if d.cfg.GCControl != nil {
			d.gc.ControlFn = d.cfg.GCControl
		}

		return d.ckpt.Persist(ctx, d.store, d.trees, d.allocator)
	})
}

// Remount unmounts and re-mounts the device, optionally flipping its
// read-only state, the way a POSIX `mount -o remount,ro` would.
func (d *Device) Remount(ctx context.Context, readOnly bool) error {
	if err := d.Unmount(ctx, false); err != nil {
		return err
	}
	d.cfg.ReadOnly = readOnly
	return d.Mount(ctx)
}

func (d *Device) syncLocked(ctx context.Context) error {
	if err := d.cache.FlushWholeCache(ctx, false); err != nil {
		return fmt.Errorf("engine: sync: flush cache: %w", err)
	}
	if d.readOnly {
		return nil
	}
	return d.ckpt.Persist(ctx, d.store, d.trees, d.allocator)
}

// Sync flushes every dirty cache line and persists a fresh checkpoint.
func (d *Device) Sync(ctx context.Context) error {
	if err := d.requireMounted(); err != nil {
		return err
	}
	return d.gate.With(ctx, func() error { return d.syncLocked(ctx) })
}

// Checkpoint explicitly invalidates and re-persists the checkpoint region,
// independent of Sync's cache flush (a caller that knows its cache is
// already clean can skip straight to this).
func (d *Device) Checkpoint(ctx context.Context) error {
	if err := d.requireMounted(); err != nil {
		return err
	}
	if d.readOnly {
		return fmt.Errorf("engine: checkpoint: %w", errs.ErrReadOnly)
	}
	return d.gate.With(ctx, func() error {
		return d.ckpt.Persist(ctx, d.store, d.trees, d.allocator)
	})
}

// invalidateCheckpoint marks the checkpoint stale; called by every method
// that mutates on-media state (spec.md §4.12's checkpt_invalidate on any
// mutation), under the gate the caller already holds.
func (d *Device) invalidateCheckpoint(ctx context.Context) {
	if d.readOnly {
		return
	}
	_ = d.ckpt.Invalidate(ctx)
}

// BgGC runs one bounded, opportunistic garbage collection pass. It uses
// TryAcquire rather than Acquire so a background caller never stalls a
// foreground request (spec.md §5's "the engine never preempts a foreground
// request").
func (d *Device) BgGC(ctx context.Context, urgency int) error {
	if err := d.requireMounted(); err != nil {
		return err
	}
	if d.readOnly {
		return nil
	}
	if !d.gate.TryAcquire() {
		return nil
	}
	defer d.gate.Release()
	if err := d.gc.BgGC(ctx, urgency); err != nil {
		return err
	}
	d.invalidateCheckpoint(ctx)
	return nil
}

func pathName(name string) error {
	if name == "" || strings.ContainsAny(name, "/\x00") {
		return errs.ErrInvalidArgument
	}
	return nil
}

// createLocked is the shared body of CreateFile/Mkdir/CreateSymlink/
// CreateSpecial: reject a duplicate name, allocate an object id, write its
// first header, and link it into parent.
func (d *Device) createLocked(ctx context.Context, parentID uint32, name string, kind tags.ObjType, alias string) (*objstore.Object, error) {
	if err := pathName(name); err != nil {
		return nil, fmt.Errorf("engine: create: %w", err)
	}
	parent, ok := d.store.ByID(parentID)
	if !ok || !parent.IsDir() {
		return nil, fmt.Errorf("engine: create: %w", errs.ErrNotFound)
	}
	if _, exists := d.store.Lookup(parent, name); exists {
		return nil, fmt.Errorf("engine: create: %w", errs.ErrExists)
	}

	obj, err := d.store.Create(parent, name, kind)
	if err != nil {
		return nil, fmt.Errorf("engine: create: %w", err)
	}
	obj.SymlinkAlias = alias
	now := d.clock.Now()
	obj.ATime, obj.MTime, obj.CTime = now, now, now
	if kind == tags.ObjTypeDirectory {
		obj.Mode = 0o755
	} else {
		obj.Mode = 0o644
	}
	parent.MTime, parent.CTime = now, now
	if kind == tags.ObjTypeFile {
		d.trees[obj.ID] = tnode.New()
	}

	if err := d.headers.UpdateOH(ctx, obj, name, false, 0, nil); err != nil {
		return nil, fmt.Errorf("engine: create: write header: %w", err)
	}
	if d.metrics != nil {
		d.metrics.IncObjectLifecycle(ctx, kindName(kind), true)
	}
	d.invalidateCheckpoint(ctx)
	return obj, nil
}

func kindName(kind tags.ObjType) string {
	switch kind {
	case tags.ObjTypeFile:
		return "file"
	case tags.ObjTypeDirectory:
		return "directory"
	case tags.ObjTypeSymlink:
		return "symlink"
	case tags.ObjTypeHardlink:
		return "hardlink"
	default:
		return "special"
	}
}

func (d *Device) mutate(ctx context.Context, fn func() error) error {
	if err := d.requireMounted(); err != nil {
		return err
	}
	if d.readOnly {
		return fmt.Errorf("engine: %w", errs.ErrReadOnly)
	}
	return d.gate.With(ctx, fn)
}

// CreateFile creates a new, empty file named name under parentID.
func (d *Device) CreateFile(ctx context.Context, parentID uint32, name string) (obj *objstore.Object, err error) {
	err = d.mutate(ctx, func() error {
		obj, err = d.createLocked(ctx, parentID, name, tags.ObjTypeFile, "")
		return err
	})
	return obj, err
}

// Mkdir creates a new, empty directory named name under parentID.
func (d *Device) Mkdir(ctx context.Context, parentID uint32, name string) (obj *objstore.Object, err error) {
	err = d.mutate(ctx, func() error {
		obj, err = d.createLocked(ctx, parentID, name, tags.ObjTypeDirectory, "")
		return err
	})
	return obj, err
}

// CreateSymlink creates a symlink named name under parentID pointing at
// target.
func (d *Device) CreateSymlink(ctx context.Context, parentID uint32, name, target string) (obj *objstore.Object, err error) {
	err = d.mutate(ctx, func() error {
		obj, err = d.createLocked(ctx, parentID, name, tags.ObjTypeSymlink, target)
		return err
	})
	return obj, err
}

// CreateSpecial creates a special (device/fifo/socket) file named name
// under parentID.
func (d *Device) CreateSpecial(ctx context.Context, parentID uint32, name string) (obj *objstore.Object, err error) {
	err = d.mutate(ctx, func() error {
		obj, err = d.createLocked(ctx, parentID, name, tags.ObjTypeSpecial, "")
		return err
	})
	return obj, err
}

// Link creates name under parentID as a hardlink to targetID, per
// spec.md's link_obj and §6's "hardlink resolution returns the canonical
// target".
func (d *Device) Link(ctx context.Context, targetID, parentID uint32, name string) (obj *objstore.Object, err error) {
	err = d.mutate(ctx, func() error {
		if perr := pathName(name); perr != nil {
			return fmt.Errorf("engine: link: %w", perr)
		}
		parent, ok := d.store.ByID(parentID)
		if !ok || !parent.IsDir() {
			return fmt.Errorf("engine: link: %w", errs.ErrNotFound)
		}
		target, ok := d.store.ByID(targetID)
		if !ok {
			return fmt.Errorf("engine: link: %w", errs.ErrNotFound)
		}
		if target.IsDir() {
			return fmt.Errorf("engine: link: %w", errs.ErrInvalidArgument)
		}
		if _, exists := d.store.Lookup(parent, name); exists {
			return fmt.Errorf("engine: link: %w", errs.ErrExists)
		}

		canonical := d.store.Resolve(target)
		hardlink, cerr := d.store.Create(parent, name, tags.ObjTypeHardlink)
		if cerr != nil {
			return fmt.Errorf("engine: link: %w", cerr)
		}
		hardlink.EquivID = canonical.ID
		canonical.IncrementLookupCount()
		now := d.clock.Now()
		hardlink.ATime, hardlink.MTime, hardlink.CTime = now, now, now
		parent.MTime, parent.CTime = now, now
		canonical.CTime = now

		if err := d.headers.UpdateOH(ctx, hardlink, name, false, 0, nil); err != nil {
			return fmt.Errorf("engine: link: write header: %w", err)
		}
		d.invalidateCheckpoint(ctx)
		obj = hardlink
		return nil
	})
	return obj, err
}

// isDescendant reports whether candidateID names ancestorID or a
// descendant of it, used to reject a rename of a directory into its own
// subtree (spec.md §8 boundary behavior).
func (d *Device) isDescendant(candidateID, ancestorID uint32) bool {
	for id := candidateID; ; {
		if id == ancestorID {
			return true
		}
		if objstore.IsFakeDir(id) {
			return false
		}
		obj, ok := d.store.ByID(id)
		if !ok {
			return false
		}
		if obj.ParentID == id {
			return false
		}
		id = obj.ParentID
	}
}

// Unlink removes name from parentID. If the unlinked object has no
// outstanding handles and (for a directory) no children, it is destroyed
// immediately; otherwise it is re-parented under Unlinked until its last
// handle closes (spec.md §6's lifecycle, mirrored by
// objstore.Object.LookupCount/internal/handle.Table.CountOpen).
func (d *Device) Unlink(ctx context.Context, parentID uint32, name string) error {
	return d.mutate(ctx, func() error {
		parent, ok := d.store.ByID(parentID)
		if !ok || !parent.IsDir() {
			return fmt.Errorf("engine: unlink: %w", errs.ErrNotFound)
		}
		obj, ok := d.store.Lookup(parent, name)
		if !ok {
			return fmt.Errorf("engine: unlink: %w", errs.ErrNotFound)
		}
		if obj.IsDir() && len(d.store.Children(obj)) > 0 {
			return fmt.Errorf("engine: unlink: %w", errs.ErrNotEmpty)
		}

		d.store.UnlinkChild(parent, name)
		d.handles.NotifyRemoved(parentID, obj.ID)
		now := d.clock.Now()
		parent.MTime, parent.CTime = now, now
		obj.CTime = now

		if obj.LookupCount() == 0 && d.handles.CountOpen(obj.ID) == 0 {
			if tree, ok := d.trees[obj.ID]; ok {
				tree.SoftDel(func(phys uint32) { d.allocator.DeleteChunk(phys) })
				delete(d.trees, obj.ID)
			}
			if obj.HdrChunk != 0 {
				d.allocator.DeleteChunk(obj.HdrChunk)
			}
			d.store.Destroy(obj)
			if d.metrics != nil {
				d.metrics.IncObjectLifecycle(ctx, kindName(obj.Kind), false)
			}
		} else {
			unlinked := d.store.Unlinked
			d.store.LinkChild(unlinked, obj, name)
			if err := d.headers.UpdateOH(ctx, obj, name, false, 0, nil); err != nil {
				return fmt.Errorf("engine: unlink: write header: %w", err)
			}
		}

		d.invalidateCheckpoint(ctx)
		return nil
	})
}

// Rename moves name from oldParentID to newName under newParentID,
// shadowing (and replacing) any existing object at the destination.
func (d *Device) Rename(ctx context.Context, oldParentID uint32, oldName string, newParentID uint32, newName string) error {
	return d.mutate(ctx, func() error {
		oldParent, ok := d.store.ByID(oldParentID)
		if !ok || !oldParent.IsDir() {
			return fmt.Errorf("engine: rename: %w", errs.ErrNotFound)
		}
		newParent, ok := d.store.ByID(newParentID)
		if !ok || !newParent.IsDir() {
			return fmt.Errorf("engine: rename: %w", errs.ErrNotFound)
		}
		obj, ok := d.store.Lookup(oldParent, oldName)
		if !ok {
			return fmt.Errorf("engine: rename: %w", errs.ErrNotFound)
		}
		if obj.IsDir() && d.isDescendant(newParentID, obj.ID) {
			return fmt.Errorf("engine: rename: %w", errs.ErrInvalidArgument)
		}

		shadowed, hadShadow := d.store.Lookup(newParent, newName)
		if hadShadow && shadowed.ID == obj.ID {
			hadShadow = false
		}
		if hadShadow && shadowed.IsDir() && len(d.store.Children(shadowed)) > 0 {
			return fmt.Errorf("engine: rename: %w", errs.ErrNotEmpty)
		}

		d.store.UnlinkChild(oldParent, oldName)
		d.handles.NotifyRemoved(oldParentID, obj.ID)

		var shadowsID uint32
		if hadShadow {
			d.store.UnlinkChild(newParent, newName)
			d.handles.NotifyRemoved(newParentID, shadowed.ID)
			shadowsID = shadowed.ID
		}

		d.store.LinkChild(newParent, obj, newName)
		now := d.clock.Now()
		obj.CTime = now
		oldParent.MTime, oldParent.CTime = now, now
		newParent.MTime, newParent.CTime = now, now
		if err := d.headers.UpdateOH(ctx, obj, newName, false, shadowsID, nil); err != nil {
			return fmt.Errorf("engine: rename: write header: %w", err)
		}

		if hadShadow && shadowed.LookupCount() == 0 && d.handles.CountOpen(shadowed.ID) == 0 {
			if tree, ok := d.trees[shadowed.ID]; ok {
				tree.SoftDel(func(phys uint32) { d.allocator.DeleteChunk(phys) })
				delete(d.trees, shadowed.ID)
			}
			if shadowed.HdrChunk != 0 {
				d.allocator.DeleteChunk(shadowed.HdrChunk)
			}
			d.store.Destroy(shadowed)
		} else if hadShadow {
			d.store.LinkChild(d.store.Unlinked, shadowed, newName)
		}

		d.invalidateCheckpoint(ctx)
		return nil
	})
}

// Open returns a handle on the named object suitable for FileRead/
// FileWrite. excl requests O_EXCL|O_CREAT semantics: failing with
// errs.ErrExists if the name already exists.
func (d *Device) Open(ctx context.Context, parentID uint32, name string, create, excl bool) (h *handle.Handle, err error) {
	err = d.mutate(ctx, func() error {
		parent, ok := d.store.ByID(parentID)
		if !ok || !parent.IsDir() {
			return fmt.Errorf("engine: open: %w", errs.ErrNotFound)
		}
		obj, exists := d.store.Lookup(parent, name)
		switch {
		case exists && excl && create:
			return fmt.Errorf("engine: open: %w", errs.ErrExists)
		case !exists && create:
			var cerr error
			obj, cerr = d.createLocked(ctx, parentID, name, tags.ObjTypeFile, "")
			if cerr != nil {
				return cerr
			}
		case !exists:
			return fmt.Errorf("engine: open: %w", errs.ErrNotFound)
		}
		obj = d.store.Resolve(obj)
		obj.IncrementLookupCount()
		h = d.handles.Open(obj.ID, handle.FlagRead|handle.FlagWrite)
		return nil
	})
	return h, err
}

// OpenDir returns a directory cursor over dirID's current children.
func (d *Device) OpenDir(ctx context.Context, dirID uint32) (h *handle.Handle, err error) {
	if err := d.requireMounted(); err != nil {
		return nil, err
	}
	err = d.gate.With(ctx, func() error {
		dir, ok := d.store.ByID(dirID)
		if !ok || !dir.IsDir() {
			return fmt.Errorf("engine: opendir: %w", errs.ErrNotFound)
		}
		dir.IncrementLookupCount()
		h = d.handles.OpenDir(dirID, d.store.Children(dir))
		return nil
	})
	return h, err
}

// Readdir returns the next child's object id from a directory handle, or
// io.EOF once exhausted.
func (d *Device) Readdir(ctx context.Context, h *handle.Handle) (childID uint32, err error) {
	if err := d.requireMounted(); err != nil {
		return 0, err
	}
	err = d.gate.With(ctx, func() error {
		id, ok := h.Next()
		if !ok {
			return io.EOF
		}
		childID = id
		return nil
	})
	return childID, err
}

// Close releases a handle, decrementing its object's lookup count and
// destroying the object if it was the last reference to an already-
// unlinked entry.
func (d *Device) Close(ctx context.Context, h *handle.Handle) error {
	return d.mutate(ctx, func() error {
		obj, ok := d.store.ByID(h.ObjID)
		if !ok {
			return d.handles.Close(h.ID)
		}
		if err := d.handles.Close(h.ID); err != nil {
			return err
		}
		obj.DecrementLookupCount(1)

		unlinkedOrDeleted := obj.ParentID == objstore.UnlinkedID || obj.ParentID == objstore.DeletedID
		if unlinkedOrDeleted && obj.LookupCount() == 0 && d.handles.CountOpen(obj.ID) == 0 {
			if tree, ok := d.trees[obj.ID]; ok {
				tree.SoftDel(func(phys uint32) { d.allocator.DeleteChunk(phys) })
				delete(d.trees, obj.ID)
			}
			if obj.HdrChunk != 0 {
				d.allocator.DeleteChunk(obj.HdrChunk)
			}
			if parent, ok := d.store.ByID(obj.ParentID); ok {
				d.store.UnlinkChild(parent, obj.Name)
			}
			d.store.Destroy(obj)
			d.invalidateCheckpoint(ctx)
		}
		return nil
	})
}

// FileRead reads into buf at offset from h's underlying file.
func (d *Device) FileRead(ctx context.Context, h *handle.Handle, buf []byte, offset int64) (n int, err error) {
	if err := d.requireMounted(); err != nil {
		return 0, err
	}
	err = d.gate.With(ctx, func() error {
		obj, tree, ok := d.lookupTree(h.ObjID)
		if !ok || tree == nil {
			return fmt.Errorf("engine: read: %w", errs.ErrNotFound)
		}
		n, err = d.io.ReadAt(ctx, obj, tree, buf, offset)
		return err
	})
	return n, err
}

// FileWrite writes buf at offset to h's underlying file, growing it if
// needed, and fails with errs.ErrInvalidArgument if the write would cross
// the device's addressable file-size limit.
func (d *Device) FileWrite(ctx context.Context, h *handle.Handle, buf []byte, offset int64) (n int, err error) {
	if err := d.requireMounted(); err != nil {
		return 0, err
	}
	if d.readOnly {
		return 0, fmt.Errorf("engine: write: %w", errs.ErrReadOnly)
	}
	if offset+int64(len(buf)) > d.maxFileSize {
		return 0, fmt.Errorf("engine: write: %w", errs.ErrInvalidArgument)
	}
	err = d.gate.With(ctx, func() error {
		obj, tree, ok := d.lookupTree(h.ObjID)
		if !ok || tree == nil {
			return fmt.Errorf("engine: write: %w", errs.ErrNotFound)
		}
		if cerr := d.checkGC(ctx, false); cerr != nil {
			return cerr
		}
		n, err = d.io.WriteAt(ctx, obj, tree, buf, offset, false)
		if err != nil {
			return err
		}
		now := d.clock.Now()
		obj.MTime, obj.CTime = now, now
		d.invalidateCheckpoint(ctx)
		return nil
	})
	return n, err
}

// ResizeFile truncates or extends objID to newSize.
func (d *Device) ResizeFile(ctx context.Context, objID uint32, newSize int64) error {
	if newSize < 0 || newSize > d.maxFileSize {
		return fmt.Errorf("engine: resize: %w", errs.ErrInvalidArgument)
	}
	return d.mutate(ctx, func() error {
		obj, tree, ok := d.lookupTree(objID)
		if !ok || tree == nil {
			return fmt.Errorf("engine: resize: %w", errs.ErrNotFound)
		}
		now := d.clock.Now()
		obj.MTime, obj.CTime = now, now
		if err := d.io.ResizeFile(ctx, obj, tree, newSize); err != nil {
			return err
		}
		d.invalidateCheckpoint(ctx)
		return nil
	})
}

// FlushFile flushes objID's dirty cache lines to flash without
// checkpointing.
func (d *Device) FlushFile(ctx context.Context, objID uint32) error {
	return d.mutate(ctx, func() error {
		if _, ok := d.store.ByID(objID); !ok {
			return fmt.Errorf("engine: flush: %w", errs.ErrNotFound)
		}
		return d.cache.InvalidateObject(ctx, objID, false)
	})
}

// Stat returns objID's current object record.
func (d *Device) Stat(ctx context.Context, objID uint32) (*objstore.Object, error) {
	if err := d.requireMounted(); err != nil {
		return nil, err
	}
	var obj *objstore.Object
	err := d.gate.With(ctx, func() error {
		o, ok := d.store.ByID(objID)
		if !ok {
			return fmt.Errorf("engine: stat: %w", errs.ErrNotFound)
		}
		obj = o
		return nil
	})
	return obj, err
}

// Stats is a point-in-time snapshot of the device's space accounting,
// for fsck-style reporting.
type Stats struct {
	NBlocks          uint32
	ChunksPerBlock   uint32
	DataBytesPerChunk uint32
	NFreeChunks      int64
	NErasedBlocks    uint32
	CheckpointBlocks uint32
	ReadOnly         bool
}

// Stats returns the device's current space-accounting snapshot.
func (d *Device) Stats(ctx context.Context) (Stats, error) {
	if err := d.requireMounted(); err != nil {
		return Stats{}, err
	}
	var s Stats
	err := d.gate.With(ctx, func() error {
		s = Stats{
			NBlocks:           d.geom.NBlocks(),
			ChunksPerBlock:    d.geom.ChunksPerBlock,
			DataBytesPerChunk: d.geom.DataBytesPerChunk,
			NFreeChunks:       d.allocator.NFreeChunks(),
			NErasedBlocks:     d.allocator.NErasedBlocks(),
			CheckpointBlocks:  uint32(len(d.region)),
			ReadOnly:          d.readOnly,
		}
		return nil
	})
	return s, err
}

// Lookup resolves name under dirID, following hardlink resolution.
func (d *Device) Lookup(ctx context.Context, dirID uint32, name string) (*objstore.Object, error) {
	if err := d.requireMounted(); err != nil {
		return nil, err
	}
	var obj *objstore.Object
	err := d.gate.With(ctx, func() error {
		dir, ok := d.store.ByID(dirID)
		if !ok || !dir.IsDir() {
			return fmt.Errorf("engine: lookup: %w", errs.ErrNotFound)
		}
		child, ok := d.store.Lookup(dir, name)
		if !ok {
			return fmt.Errorf("engine: lookup: %w", errs.ErrNotFound)
		}
		obj = d.store.Resolve(child)
		return nil
	})
	return obj, err
}
