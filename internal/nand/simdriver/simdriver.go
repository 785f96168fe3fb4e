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

// Package simdriver implements nand.Driver over an afero.Fs-backed flat
// image file, standing in for the real ioctl-level NAND driver that spec.md
// §1/§6 puts out of scope. It is used by the CLI's format/fsck/mount
// commands against a real file (afero.OsFs) and by tests against an
// in-memory image (afero.NewMemMapFs), with optional fault injection for
// the crash scenarios of spec.md §8.
package simdriver

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/spf13/afero"

	"github.com/flashfs/flashfs/internal/nand"
)

const osReadWrite = os.O_RDWR

// erasedByte is the value NAND reads back as before any chunk in the block
// has been programmed.
const erasedByte = 0xff

// Options configures a simulated device image.
type Options struct {
	Fs        afero.Fs
	ImagePath string

	TotalBlocks        uint32
	ChunksPerBlock     uint32
	DataBytesPerChunk  uint32
	SpareBytesPerChunk uint32
}

// Driver is a nand.Driver over a flat image file. The zero value is not
// usable; construct with New.
type Driver struct {
	opts Options

	mu          sync.Mutex
	file        afero.File
	initialised bool

	badBlocks map[uint32]bool
	// written tracks, per physical chunk, whether it has been programmed
	// since the owning block was last erased. Re-programming a chunk
	// without an intervening erase is a driver bug in the caller and is
	// rejected, enforcing spec.md invariant "once-write-per-chunk" at the
	// simulation boundary.
	written map[uint32]bool

	// Fault injection hooks, nil by default. Each is consulted before the
	// corresponding real operation; returning true causes the call to fail
	// the way real hardware would.
	FailWriteChunk func(physChunk uint32) bool
	FailErase      func(block uint32) bool
	// ForceEccResult lets a test claim a chunk is unreadable (or fixed)
	// regardless of what bytes are on "disk".
	ForceEccResult map[uint32]nand.EccResult
}

// New constructs a Driver. Call Initialise before use.
func New(opts Options) *Driver {
	return &Driver{
		opts:           opts,
		badBlocks:      make(map[uint32]bool),
		written:        make(map[uint32]bool),
		ForceEccResult: make(map[uint32]nand.EccResult),
	}
}

func (d *Driver) chunkSize() int64 {
	return int64(d.opts.DataBytesPerChunk) + int64(d.opts.SpareBytesPerChunk)
}

func (d *Driver) totalChunks() uint32 {
	return d.opts.TotalBlocks * d.opts.ChunksPerBlock
}

func (d *Driver) offset(physChunk uint32) int64 {
	return int64(physChunk) * d.chunkSize()
}

func (d *Driver) Initialise(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.initialised {
		return nil
	}

	size := int64(d.totalChunks()) * d.chunkSize()
	exists, err := afero.Exists(d.opts.Fs, d.opts.ImagePath)
	if err != nil {
		return fmt.Errorf("simdriver: stat image: %w", err)
	}

	if !exists {
		f, err := d.opts.Fs.Create(d.opts.ImagePath)
		if err != nil {
			return fmt.Errorf("simdriver: create image: %w", err)
		}
		erased := make([]byte, size)
		for i := range erased {
			erased[i] = erasedByte
		}
		if _, err := f.Write(erased); err != nil {
			f.Close()
			return fmt.Errorf("simdriver: init erased image: %w", err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("simdriver: close after init: %w", err)
		}
	}

	f, err := d.opts.Fs.OpenFile(d.opts.ImagePath, osReadWrite, 0o600)
	if err != nil {
		return fmt.Errorf("simdriver: open image: %w", err)
	}
	d.file = f
	d.initialised = true
	return nil
}

func (d *Driver) Deinitialise(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialised {
		return nil
	}
	err := d.file.Close()
	d.initialised = false
	d.file = nil
	return err
}

func (d *Driver) ReadChunk(ctx context.Context, physChunk uint32, data, spare []byte) (nand.EccResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if forced, ok := d.ForceEccResult[physChunk]; ok && forced == nand.EccUnfixed {
		return nand.EccUnfixed, nil
	}

	if data != nil {
		if err := d.readAt(d.offset(physChunk), data); err != nil {
			return nand.EccUnfixed, fmt.Errorf("simdriver: read data: %w", err)
		}
	}
	if spare != nil {
		if err := d.readAt(d.offset(physChunk)+int64(d.opts.DataBytesPerChunk), spare); err != nil {
			return nand.EccUnfixed, fmt.Errorf("simdriver: read spare: %w", err)
		}
	}

	if forced, ok := d.ForceEccResult[physChunk]; ok {
		return forced, nil
	}
	return nand.EccNone, nil
}

func (d *Driver) WriteChunk(ctx context.Context, physChunk uint32, data, spare []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.FailWriteChunk != nil && d.FailWriteChunk(physChunk) {
		return fmt.Errorf("simdriver: injected write failure at chunk %d", physChunk)
	}
	if d.written[physChunk] {
		return fmt.Errorf("simdriver: chunk %d programmed twice without an erase", physChunk)
	}

	if len(data) > 0 {
		if err := d.writeAt(d.offset(physChunk), data); err != nil {
			return fmt.Errorf("simdriver: write data: %w", err)
		}
	}
	if len(spare) > 0 {
		if err := d.writeAt(d.offset(physChunk)+int64(d.opts.DataBytesPerChunk), spare); err != nil {
			return fmt.Errorf("simdriver: write spare: %w", err)
		}
	}
	d.written[physChunk] = true
	return nil
}

func (d *Driver) Erase(ctx context.Context, block uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.FailErase != nil && d.FailErase(block) {
		return fmt.Errorf("simdriver: injected erase failure at block %d", block)
	}

	first := block * d.opts.ChunksPerBlock
	erased := make([]byte, d.chunkSize())
	for i := range erased {
		erased[i] = erasedByte
	}
	for c := first; c < first+d.opts.ChunksPerBlock; c++ {
		if err := d.writeAt(d.offset(c), erased); err != nil {
			return fmt.Errorf("simdriver: erase chunk %d: %w", c, err)
		}
		delete(d.written, c)
	}
	return nil
}

func (d *Driver) MarkBad(ctx context.Context, block uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.badBlocks[block] = true
	return nil
}

func (d *Driver) CheckBad(ctx context.Context, block uint32) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.badBlocks[block], nil
}

func (d *Driver) readAt(off int64, buf []byte) error {
	_, err := d.file.ReadAt(buf, off)
	return err
}

func (d *Driver) writeAt(off int64, buf []byte) error {
	_, err := d.file.WriteAt(buf, off)
	return err
}
