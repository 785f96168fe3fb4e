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

// Package metrics wraps the engine's counters in an otel/metric Meter, the
// same instrumentation surface the teacher's common.otelMetrics exposes for
// GCS/file-cache operations, generalized here to the allocator, cache, and
// garbage collector of an on-flash engine.
package metrics

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("flashfs")

// Collector holds every counter the engine increments. A nil *Collector is
// valid everywhere it is consulted (every call site checks for nil before
// incrementing), so tests and small embedders can opt out of metrics
// entirely without a no-op implementation to carry around.
type Collector struct {
	blocksErased   metric.Int64Counter
	gcPasses       metric.Int64Counter
	chunksAlloced  metric.Int64Counter
	chunksDeleted  metric.Int64Counter
	eccFixed       metric.Int64Counter
	eccUnfixed     metric.Int64Counter
	cacheHits      metric.Int64Counter
	cacheMisses    metric.Int64Counter
	cacheEvictions metric.Int64Counter
	objectsCreated metric.Int64Counter
	objectsDestroyed metric.Int64Counter
}

// New constructs a Collector against the package's shared Meter. It
// returns an error only if the underlying otel SDK rejects an instrument
// definition (e.g. a duplicate name registered by another component).
func New() (*Collector, error) {
	blocksErased, err1 := meter.Int64Counter("flashfs/blocks_erased", metric.WithDescription("Cumulative number of blocks reclaimed and physically erased by the garbage collector."))
	gcPasses, err2 := meter.Int64Counter("flashfs/gc_passes", metric.WithDescription("Cumulative number of garbage collection passes run by check_gc."))
	chunksAlloced, err3 := meter.Int64Counter("flashfs/chunks_allocated", metric.WithDescription("Cumulative number of physical chunks granted by the allocator."))
	chunksDeleted, err4 := meter.Int64Counter("flashfs/chunks_deleted", metric.WithDescription("Cumulative number of physical chunks released back to the free pool."))
	eccFixed, err5 := meter.Int64Counter("flashfs/ecc_fixed_count", metric.WithDescription("Cumulative number of chunk reads that required ECC correction."))
	eccUnfixed, err6 := meter.Int64Counter("flashfs/ecc_unfixed_count", metric.WithDescription("Cumulative number of chunk reads with an uncorrectable ECC error."))
	cacheHits, err7 := meter.Int64Counter("flashfs/cache_hits", metric.WithDescription("Cumulative number of short-op cache hits."))
	cacheMisses, err8 := meter.Int64Counter("flashfs/cache_misses", metric.WithDescription("Cumulative number of short-op cache misses."))
	cacheEvictions, err9 := meter.Int64Counter("flashfs/cache_evictions", metric.WithDescription("Cumulative number of short-op cache line evictions."))
	objectsCreated, err10 := meter.Int64Counter("flashfs/objects_created", metric.WithDescription("Cumulative number of objects created in the object graph."))
	objectsDestroyed, err11 := meter.Int64Counter("flashfs/objects_destroyed", metric.WithDescription("Cumulative number of objects destroyed from the object graph."))

	if err := errors.Join(err1, err2, err3, err4, err5, err6, err7, err8, err9, err10, err11); err != nil {
		return nil, err
	}

	return &Collector{
		blocksErased:     blocksErased,
		gcPasses:         gcPasses,
		chunksAlloced:    chunksAlloced,
		chunksDeleted:    chunksDeleted,
		eccFixed:         eccFixed,
		eccUnfixed:       eccUnfixed,
		cacheHits:        cacheHits,
		cacheMisses:      cacheMisses,
		cacheEvictions:   cacheEvictions,
		objectsCreated:   objectsCreated,
		objectsDestroyed: objectsDestroyed,
	}, nil
}

func (c *Collector) IncBlocksErased() {
	if c == nil {
		return
	}
	c.blocksErased.Add(context.Background(), 1)
}

func (c *Collector) IncGCPasses() {
	if c == nil {
		return
	}
	c.gcPasses.Add(context.Background(), 1)
}

func (c *Collector) IncChunksAllocated(n int64) {
	if c == nil {
		return
	}
	c.chunksAlloced.Add(context.Background(), n)
}

func (c *Collector) IncChunksDeleted(n int64) {
	if c == nil {
		return
	}
	c.chunksDeleted.Add(context.Background(), n)
}

func (c *Collector) IncECCResult(ctx context.Context, fixed bool) {
	if c == nil {
		return
	}
	if fixed {
		c.eccFixed.Add(ctx, 1)
	} else {
		c.eccUnfixed.Add(ctx, 1)
	}
}

func (c *Collector) IncCacheHit(ctx context.Context) {
	if c == nil {
		return
	}
	c.cacheHits.Add(ctx, 1)
}

func (c *Collector) IncCacheMiss(ctx context.Context) {
	if c == nil {
		return
	}
	c.cacheMisses.Add(ctx, 1)
}

func (c *Collector) IncCacheEviction(ctx context.Context) {
	if c == nil {
		return
	}
	c.cacheEvictions.Add(ctx, 1)
}

// IncObjectLifecycle records a create (created=true) or destroy
// (created=false) event, tagged by object kind for cardinality-bounded
// breakdowns the way the teacher's FSOpsErrorCategory attribute pairs do.
func (c *Collector) IncObjectLifecycle(ctx context.Context, kind string, created bool) {
	if c == nil {
		return
	}
	opt := metric.WithAttributeSet(attribute.NewSet(attribute.String("object_kind", kind)))
	if created {
		c.objectsCreated.Add(ctx, 1, opt)
	} else {
		c.objectsDestroyed.Add(ctx, 1, opt)
	}
}
