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

// Package dataio implements the file data path (spec.md §4.9): ReadAt,
// WriteAt and ResizeFile over a per-file tnode tree, the short-op cache,
// and the allocator. It follows the ReadAt/WriteAt/Truncate shape of
// gcsproxy.MutableContent, with MutableContent's dirty-threshold
// bookkeeping generalized into the engine's file_size/stored_size split.
package dataio

import (
	"context"
	"fmt"

	"github.com/flashfs/flashfs/internal/alloc"
	"github.com/flashfs/flashfs/internal/cache"
	"github.com/flashfs/flashfs/internal/errs"
	"github.com/flashfs/flashfs/internal/gate"
	"github.com/flashfs/flashfs/internal/geometry"
	"github.com/flashfs/flashfs/internal/header"
	"github.com/flashfs/flashfs/internal/nand"
	"github.com/flashfs/flashfs/internal/objstore"
	"github.com/flashfs/flashfs/internal/tags"
	"github.com/flashfs/flashfs/internal/tnode"
)

// IO is the data path shared by every open file. One IO serves every
// object; per-file state (the tnode tree, current size) lives on
// objstore.Object and the caller-supplied *tnode.Tree.
type IO struct {
	geom      geometry.Geometry
	drv       nand.Driver
	marshaler tags.Marshaler
	allocator *alloc.Allocator
	cache     *cache.Cache
	headers   *header.Manager

	// Gate, when set, is the device-wide gate the caller holds around
	// ReadAt/WriteAt. The chunk loops release and reacquire it between
	// iterations so other callers can interleave with a long bulk
	// transfer (spec.md §5's mid-loop suspension points), re-resolving the
	// object and tree through Lookup afterwards.
	Gate *gate.Gate

	// GCCheck is invoked before a resize, matching update_oh's own check
	// (spec.md §4.9's "run a GC check" for resize_file).
	GCCheck func(ctx context.Context) error

	// Lookup resolves an object id to its live Object and tnode tree. The
	// engine wires this to its open-file table; FlushLine uses it to write
	// an evicted cache line back to the chunk it belongs to, since the
	// cache itself only ever sees (objID, logicalChunk) pairs.
	Lookup func(objID uint32) (*objstore.Object, *tnode.Tree, bool)
}

// New constructs an IO. The cache's FlushFunc must route back to this IO's
// own FlushLine — callers build the Cache after the IO, or capture the IO
// by reference in the FlushFunc closure, since IO itself holds the Cache.
func New(geom geometry.Geometry, drv nand.Driver, marshaler tags.Marshaler, allocator *alloc.Allocator, c *cache.Cache, headers *header.Manager) *IO {
	return &IO{geom: geom, drv: drv, marshaler: marshaler, allocator: allocator, cache: c, headers: headers}
}

// SetCache wires the Cache that was built after this IO, closing the
// construction-order cycle New's doc comment describes.
func (io *IO) SetCache(c *cache.Cache) {
	io.cache = c
}

// FlushLine writes an evicted or force-flushed dirty cache line back to its
// owning chunk, via Lookup to recover the object and tree a bare (objID,
// logicalChunk) pair doesn't carry.
func (io *IO) FlushLine(ctx context.Context, objID, logicalChunk uint32, data []byte, nBytes uint32) error {
	if io.Lookup == nil {
		return fmt.Errorf("dataio: no tree lookup wired for flushing obj %d", objID)
	}
	obj, tree, ok := io.Lookup(objID)
	if !ok {
		return nil
	}
	return io.rewriteChunk(ctx, obj, tree, uint64(logicalChunk), data, nBytes)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// breathe drops and reacquires the device gate between chunk iterations,
// then re-resolves the object and tree: another caller may have run while
// the gate was free, and the pointers the loop carries may be stale
// (spec.md §5: "after reacquisition they must re-resolve handles and
// re-read object pointers"). The gate is held again on every return path,
// including a context cancellation, so the caller's own release stays
// balanced.
func (io *IO) breathe(ctx context.Context, objID uint32, obj **objstore.Object, tree **tnode.Tree) error {
	if io.Gate == nil {
		return nil
	}
	io.Gate.Release()
	if err := io.Gate.Acquire(ctx); err != nil {
		_ = io.Gate.Acquire(context.Background())
		return err
	}
	if io.Lookup != nil {
		newObj, newTree, ok := io.Lookup(objID)
		if !ok {
			return fmt.Errorf("dataio: object %d removed during I/O: %w", objID, errs.ErrNotFound)
		}
		*obj = newObj
		if tree != nil {
			if newTree == nil {
				return fmt.Errorf("dataio: object %d lost its chunk index during I/O: %w", objID, errs.ErrNotFound)
			}
			*tree = newTree
		}
	}
	return nil
}

// readChunkInto reads physChunk's data into buf[:n], zero-filling if
// physChunk is 0 (a hole). It returns the chunk's stored n_bytes.
func (io *IO) readChunkInto(ctx context.Context, physChunk uint32, buf []byte) (nBytes uint32, err error) {
	if physChunk == 0 {
		for i := range buf {
			buf[i] = 0
		}
		return 0, nil
	}
	t, ecc, err := io.marshaler.ReadChunkTags(ctx, io.drv, physChunk, buf)
	if err != nil {
		return 0, fmt.Errorf("dataio: read chunk %d: %w", physChunk, err)
	}
	if ecc == nand.EccUnfixed {
		return 0, fmt.Errorf("dataio: chunk %d: %w", physChunk, errs.ErrEccUnfixable)
	}
	return t.NBytes, nil
}

// ReadAt implements the read side of spec.md §4.9: loop over chunks,
// serving each from the cache when populated, the flash otherwise, and
// zeros for a logical index with no tnode entry (a hole).
func (io *IO) ReadAt(ctx context.Context, obj *objstore.Object, tree *tnode.Tree, buf []byte, offset int64) (n int, err error) {
	chunkSize := int64(io.geom.DataBytesPerChunk)
	remaining := len(buf)

	for remaining > 0 {
		logical := uint64(offset) / uint64(chunkSize)
		offsetInChunk := int(offset % chunkSize)
		nCopy := minInt(remaining, int(chunkSize)-offsetInChunk)

		physChunk, _ := tree.Find(logical)

		if line, found := io.cache.Find(obj.ID, uint32(logical)); found {
			avail := int(line.NBytes) - offsetInChunk
			copyN := nCopy
			if avail < copyN {
				copyN = avail
			}
			if copyN > 0 {
				copy(buf[n:n+copyN], line.Data[offsetInChunk:offsetInChunk+copyN])
			}
			for i := copyN; i < nCopy; i++ {
				buf[n+i] = 0
			}
		} else if io.cache.BypassRead(uint32(nCopy)) {
			tmp := make([]byte, chunkSize)
			nBytes, err := io.readChunkInto(ctx, physChunk, tmp)
			if err != nil {
				return n, err
			}
			avail := int(nBytes) - offsetInChunk
			copyN := nCopy
			if avail < copyN {
				copyN = avail
			}
			if copyN > 0 {
				copy(buf[n:n+copyN], tmp[offsetInChunk:offsetInChunk+copyN])
			}
			for i := copyN; i < nCopy; i++ {
				buf[n+i] = 0
			}
		} else {
			tmp := make([]byte, chunkSize)
			nBytes, err := io.readChunkInto(ctx, physChunk, tmp)
			if err != nil {
				return n, err
			}
			if line, ok, grabErr := io.cache.Grab(ctx); grabErr != nil {
				return n, fmt.Errorf("dataio: grab cache line: %w", grabErr)
			} else if ok {
				io.cache.Install(line, obj.ID, uint32(logical), tmp, nBytes, false)
			}
			avail := int(nBytes) - offsetInChunk
			copyN := nCopy
			if avail < copyN {
				copyN = avail
			}
			if copyN > 0 {
				copy(buf[n:n+copyN], tmp[offsetInChunk:offsetInChunk+copyN])
			}
			for i := copyN; i < nCopy; i++ {
				buf[n+i] = 0
			}
		}

		n += nCopy
		offset += int64(nCopy)
		remaining -= nCopy

		if remaining > 0 {
			if err := io.breathe(ctx, obj.ID, &obj, &tree); err != nil {
				return n, err
			}
		}
	}
	return n, nil
}

// rewriteChunk allocates a fresh physical chunk holding data[:nBytes],
// writes it, updates tree's slot for logical, and releases the prior
// chunk — the write-new/update-index/delete-old sequence every on-flash
// mutation follows.
func (io *IO) rewriteChunk(ctx context.Context, obj *objstore.Object, tree *tnode.Tree, logical uint64, data []byte, nBytes uint32) error {
	t := tags.Tags{ObjID: obj.ID, ChunkID: uint32(logical) + 1, NBytes: nBytes, Serial: obj.Serial}

	oldPhys, _ := tree.Find(logical)

	physChunk, _, err := io.allocator.AllocChunk(false)
	if err != nil {
		return fmt.Errorf("dataio: alloc chunk: %w", err)
	}
	if err := io.marshaler.WriteChunkTags(ctx, io.drv, physChunk, data, t); err != nil {
		io.allocator.SkipRestOfBlock()
		return fmt.Errorf("dataio: write chunk: %w", err)
	}

	tree.AddFind(logical, &physChunk)
	if oldPhys != 0 {
		io.allocator.DeleteChunk(oldPhys)
	}

	bytePos := int64(logical)*int64(io.geom.DataBytesPerChunk) + int64(nBytes)
	if bytePos > obj.StoredSize {
		obj.StoredSize = bytePos
	}
	return nil
}

// WriteAt implements the write side of spec.md §4.9: for each chunk, it
// computes n_copy (what the caller supplies) and n_writeback (what must
// actually be written, preserving any live trailing bytes already on
// media for an interior write), then writes the chunk straight to flash when
// it is a full, aligned, non-inband chunk and cache_bypass_aligned is set, or
// when no cache lines are configured; otherwise it routes through the cache.
func (io *IO) WriteAt(ctx context.Context, obj *objstore.Object, tree *tnode.Tree, buf []byte, offset int64, writeThrough bool) (n int, err error) {
	chunkSize := int64(io.geom.DataBytesPerChunk)
	remaining := len(buf)

	for remaining > 0 {
		logical := uint64(offset) / uint64(chunkSize)
		offsetInChunk := int(offset % chunkSize)
		nCopy := minInt(remaining, int(chunkSize)-offsetInChunk)

		physChunk, _ := tree.Find(logical)

		priorValid := uint32(0)
		if line, found := io.cache.Find(obj.ID, uint32(logical)); found {
			priorValid = line.NBytes
		} else if physChunk != 0 {
			tmp := make([]byte, chunkSize)
			nBytes, rerr := io.readChunkInto(ctx, physChunk, tmp)
			if rerr != nil {
				return n, rerr
			}
			priorValid = nBytes
		}

		nWriteback := uint32(nCopy + offsetInChunk)
		if offsetInChunk > 0 || nCopy < int(chunkSize) {
			if priorValid > nWriteback {
				nWriteback = priorValid
			}
		}

		full := nCopy == int(chunkSize) && offsetInChunk == 0
		if full && io.cache.BypassWrite(uint32(nCopy)) {
			if err := io.rewriteChunk(ctx, obj, tree, logical, buf[n:n+nCopy], nWriteback); err != nil {
				return n, err
			}
			io.cache.Invalidate(obj.ID, uint32(logical))
		} else {
			line, ok, grabErr := io.cache.Grab(ctx)
			if grabErr != nil {
				return n, fmt.Errorf("dataio: grab cache line: %w", grabErr)
			}
			if !ok && io.cache.NLines() > 0 {
				return n, fmt.Errorf("dataio: %w", errs.ErrCacheFull)
			}

			merged := make([]byte, chunkSize)
			if cur, found := io.cache.Find(obj.ID, uint32(logical)); found {
				copy(merged, cur.Data[:cur.NBytes])
			} else if physChunk != 0 {
				if _, rerr := io.readChunkInto(ctx, physChunk, merged); rerr != nil {
					return n, rerr
				}
			}
			copy(merged[offsetInChunk:offsetInChunk+nCopy], buf[n:n+nCopy])

			if !ok {
				// No cache lines are configured: write the merged chunk
				// straight to flash.
				if err := io.rewriteChunk(ctx, obj, tree, logical, merged[:nWriteback], nWriteback); err != nil {
					return n, err
				}
			} else {
				io.cache.Install(line, obj.ID, uint32(logical), merged, nWriteback, true)
				if writeThrough {
					if err := io.rewriteChunk(ctx, obj, tree, logical, merged[:nWriteback], nWriteback); err != nil {
						return n, err
					}
					line.Dirty = false
				}
			}
		}

		n += nCopy
		offset += int64(nCopy)
		remaining -= nCopy

		if remaining > 0 {
			if err := io.breathe(ctx, obj.ID, &obj, &tree); err != nil {
				return n, err
			}
		}
	}

	if newEnd := offset; newEnd > obj.FileSize {
		obj.FileSize = newEnd
	}
	return n, nil
}

// ResizeFile implements spec.md §4.9's resize_file: flush and invalidate
// the object's cache lines, run a GC check, and then either simply grow
// the logical size (a hole needs no chunk work) or delete every chunk at
// or above the new size's boundary in descending order, zero-fill the new
// tail partial chunk, and prune the tree. obj's header is rewritten
// unless it is already parented under Unlinked/Deleted or shadowed.
func (io *IO) ResizeFile(ctx context.Context, obj *objstore.Object, tree *tnode.Tree, newSize int64) error {
	if err := io.cache.InvalidateObject(ctx, obj.ID, false); err != nil {
		return fmt.Errorf("dataio: flush before resize: %w", err)
	}
	if io.GCCheck != nil {
		if err := io.GCCheck(ctx); err != nil {
			return fmt.Errorf("dataio: gc check: %w", err)
		}
	}

	chunkSize := int64(io.geom.DataBytesPerChunk)

	if newSize >= obj.FileSize {
		obj.FileSize = newSize
		return io.maybeUpdateHeader(ctx, obj)
	}

	boundaryChunk := uint64(newSize) / uint64(chunkSize)
	offsetInBoundary := int(newSize % chunkSize)

	keepUpTo := boundaryChunk
	if offsetInBoundary == 0 {
		// Aligned: the boundary chunk itself is also obsolete.
	} else {
		keepUpTo = boundaryChunk + 1
	}

	tree.DeleteFrom(keepUpTo, func(phys uint32) { io.allocator.DeleteChunk(phys) })

	if offsetInBoundary != 0 {
		physChunk, _ := tree.Find(boundaryChunk)
		tmp := make([]byte, chunkSize)
		if physChunk != 0 {
			if _, err := io.readChunkInto(ctx, physChunk, tmp); err != nil {
				return err
			}
		}
		for i := offsetInBoundary; i < len(tmp); i++ {
			tmp[i] = 0
		}
		if err := io.rewriteChunk(ctx, obj, tree, boundaryChunk, tmp, uint32(offsetInBoundary)); err != nil {
			return err
		}
	}

	obj.FileSize = newSize
	return io.maybeUpdateHeader(ctx, obj)
}

func (io *IO) maybeUpdateHeader(ctx context.Context, obj *objstore.Object) error {
	if obj.ParentID == objstore.UnlinkedID || obj.ParentID == objstore.DeletedID || obj.Shadows != 0 {
		return nil
	}
	if io.headers == nil {
		return nil
	}
	return io.headers.UpdateOH(ctx, obj, "", false, obj.Shadows, nil)
}
