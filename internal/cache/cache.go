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

// Package cache implements the short-op cache (spec.md §4.10): a fixed
// pool of cache lines keyed by (object id, logical chunk), LRU by a
// monotonic last-use counter, with the "unused line first, otherwise the
// unlocked LRU line, flushing if dirty" grab policy. It follows the
// dirty/clean bookkeeping shape of gcsproxy.MutableContent, generalized
// from a single object's byte range to a pool shared across every open
// file.
package cache

import (
	"context"
	"fmt"
)

// FlushFunc writes a dirty line's contents back to its owning chunk.
type FlushFunc func(ctx context.Context, objID, logicalChunk uint32, data []byte, nBytes uint32) error

// Line is one cache slot.
type Line struct {
	valid bool

	ObjID        uint32
	LogicalChunk uint32

	Data   []byte
	NBytes uint32

	Dirty bool
	// Locked prevents eviction while a reader is copying out of Data after
	// releasing the device-wide gate (spec.md §4.10).
	Locked bool

	lastUse uint64
}

// CheckInvariants panics if the line's bookkeeping is inconsistent.
func (l *Line) CheckInvariants() {
	if l.valid && int(l.NBytes) > len(l.Data) {
		panic(fmt.Sprintf("cache: line n_bytes %d exceeds data capacity %d", l.NBytes, len(l.Data)))
	}
}

// Cache is the fixed-size pool of Lines.
type Cache struct {
	lines     []Line
	chunkSize uint32
	flush     FlushFunc

	clock uint64 // monotonic last-use counter, spec.md's "reset to all-zeros when it saturates"

	bypassAligned bool
	inbandTags    bool
}

// New constructs a Cache of nLines lines, each chunkSize bytes. flush is
// called to write a dirty line back; it must not be nil if nLines > 0.
func New(nLines, chunkSize uint32, bypassAligned, inbandTags bool, flush FlushFunc) *Cache {
	c := &Cache{
		lines:         make([]Line, nLines),
		chunkSize:     chunkSize,
		flush:         flush,
		bypassAligned: bypassAligned,
		inbandTags:    inbandTags,
	}
	for i := range c.lines {
		c.lines[i].Data = make([]byte, chunkSize)
	}
	return c
}

// NLines reports the pool size.
func (c *Cache) NLines() int { return len(c.lines) }

// BypassWrite reports whether a write of n bytes at chunk-relative offset 0
// (i.e. a full, aligned chunk) should skip the cache entirely, per spec.md
// §4.9: "Bypass cache iff n_copy == data_bytes_per_chunk && !inband_tags &&
// caches == 0" for reads, and the cache_bypass_aligned config flag for
// full-chunk direct writes.
func (c *Cache) BypassWrite(n uint32) bool {
	return c.bypassAligned && !c.inbandTags && n == c.chunkSize
}

// BypassRead reports the read-path bypass condition: a full chunk, no inband
// tags, and no cache lines configured at all.
func (c *Cache) BypassRead(n uint32) bool {
	return n == c.chunkSize && !c.inbandTags && len(c.lines) == 0
}

func (c *Cache) tick() uint64 {
	c.clock++
	if c.clock == 0 {
		// Saturated (wrapped to zero); reset every line's stamp to zero and
		// restart the counter. Existing lines then tie until next used.
		for i := range c.lines {
			c.lines[i].lastUse = 0
		}
		c.clock = 1
	}
	return c.clock
}

// Find returns the live line for (objID, logicalChunk), if any, bumping its
// last-use stamp.
func (c *Cache) Find(objID, logicalChunk uint32) (*Line, bool) {
	for i := range c.lines {
		l := &c.lines[i]
		if l.valid && l.ObjID == objID && l.LogicalChunk == logicalChunk {
			l.lastUse = c.tick()
			return l, true
		}
	}
	return nil, false
}

// Grab returns a line to repurpose for a new (object, chunk) pair: an
// unused line if one exists, otherwise the least-recently-used unlocked
// line, flushed first if dirty. It returns an error only if that flush
// fails; a full cache of entirely locked lines reports ok=false so the
// caller falls back to an uncached temporary buffer (spec.md §4.9's "if
// caches are enabled but full, use a temporary buffer" for reads).
func (c *Cache) Grab(ctx context.Context) (line *Line, ok bool, err error) {
	for i := range c.lines {
		if !c.lines[i].valid {
			return &c.lines[i], true, nil
		}
	}

	var victim *Line
	var victimUse uint64 = ^uint64(0)
	for i := range c.lines {
		l := &c.lines[i]
		if l.Locked {
			continue
		}
		if l.lastUse < victimUse {
			victim = l
			victimUse = l.lastUse
		}
	}
	if victim == nil {
		return nil, false, nil
	}

	if victim.Dirty {
		if err := c.flush(ctx, victim.ObjID, victim.LogicalChunk, victim.Data[:victim.NBytes], victim.NBytes); err != nil {
			return nil, false, fmt.Errorf("cache: flush victim line: %w", err)
		}
		victim.Dirty = false
	}
	victim.valid = false
	return victim, true, nil
}

// Install marks line as holding (objID, logicalChunk)'s current contents.
func (c *Cache) Install(line *Line, objID, logicalChunk uint32, data []byte, nBytes uint32, dirty bool) {
	line.valid = true
	line.ObjID = objID
	line.LogicalChunk = logicalChunk
	copy(line.Data, data)
	line.NBytes = nBytes
	line.Dirty = dirty
	line.lastUse = c.tick()
}

// Invalidate drops any cached line for (objID, logicalChunk) without
// flushing it, used when a full-chunk direct write or resize makes the
// cached copy stale (spec.md §4.9/§4.10).
func (c *Cache) Invalidate(objID, logicalChunk uint32) {
	for i := range c.lines {
		l := &c.lines[i]
		if l.valid && l.ObjID == objID && l.LogicalChunk == logicalChunk {
			l.valid = false
			l.Dirty = false
		}
	}
}

// InvalidateObject drops every cached line belonging to objID (spec.md
// §4.10: "stale entries are invalidated ... on free"). discard, when true,
// skips flushing dirty lines (the object is being deleted, not resized).
func (c *Cache) InvalidateObject(ctx context.Context, objID uint32, discard bool) error {
	for i := range c.lines {
		l := &c.lines[i]
		if !l.valid || l.ObjID != objID {
			continue
		}
		if l.Dirty && !discard {
			if err := c.flush(ctx, l.ObjID, l.LogicalChunk, l.Data[:l.NBytes], l.NBytes); err != nil {
				return fmt.Errorf("cache: flush line for obj %d: %w", objID, err)
			}
		}
		l.valid = false
		l.Dirty = false
	}
	return nil
}

// FlushWholeCache iterates until no dirty line remains, per spec.md §4.10.
// discard drops dirty lines instead of writing them back (used when
// unmounting after a simulated crash in tests).
func (c *Cache) FlushWholeCache(ctx context.Context, discard bool) error {
	for i := range c.lines {
		l := &c.lines[i]
		if !l.valid || !l.Dirty {
			continue
		}
		if !discard {
			if err := c.flush(ctx, l.ObjID, l.LogicalChunk, l.Data[:l.NBytes], l.NBytes); err != nil {
				return fmt.Errorf("cache: flush line %d: %w", i, err)
			}
		}
		l.Dirty = false
	}
	return nil
}
