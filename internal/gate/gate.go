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

// Package gate implements the device-wide mutual-exclusion gate of spec.md
// §5: every engine operation holds it for the duration of its NAND
// traffic, and a handful of long-running operations (file_rd, do_file_wr,
// scan) explicitly drop and reacquire it between chunks so a single slow
// reader cannot stall the rest of the device. A weighted semaphore of size
// 1 makes that drop/reacquire an explicit Release/Acquire pair instead of
// relying on a plain sync.Mutex, which the teacher's read-pattern examples
// reach for the same way when a caller needs to bound concurrent access to
// a shared resource (examples/read_pattern_example.go's
// globalMaxBlocksSem).
package gate

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
)

// Gate is the engine's single point of serialization. All methods that
// touch the NAND driver, the allocator, the object store, or block-info
// state must be called with the gate held.
type Gate struct {
	sem *semaphore.Weighted
}

// New constructs an unlocked Gate.
func New() *Gate {
	return &Gate{sem: semaphore.NewWeighted(1)}
}

// Acquire blocks until the gate is held or ctx is done.
func (g *Gate) Acquire(ctx context.Context) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("gate: acquire: %w", err)
	}
	return nil
}

// Release gives up the gate. It must only be called by the goroutine that
// last acquired it.
func (g *Gate) Release() {
	g.sem.Release(1)
}

// TryAcquire attempts to take the gate without blocking, reporting whether
// it succeeded. BgGC uses this to skip a collection pass rather than stall
// behind a foreground operation (spec.md §4.11's "opportunistic" background
// pass).
func (g *Gate) TryAcquire() bool {
	return g.sem.TryAcquire(1)
}

// With runs fn with the gate held, releasing it unconditionally afterwards
// — the common case for an operation with no mid-call release point.
func (g *Gate) With(ctx context.Context, fn func() error) error {
	if err := g.Acquire(ctx); err != nil {
		return err
	}
	defer g.Release()
	return fn()
}
