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

package engine_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flashfs/flashfs/internal/engine"
	"github.com/flashfs/flashfs/internal/errs"
	"github.com/flashfs/flashfs/internal/geometry"
	"github.com/flashfs/flashfs/internal/objstore"
)

// testGeometry is a small device shared by every scenario: 16 blocks of 4
// chunks each, 2 reserved for GC, leaving internal/checkpoint's own
// BlocksRequired floor to claim a couple more for its region.
func testGeometry() geometry.Config {
	return geometry.Config{
		TotalBytesPerChunk: 2048,
		ChunksPerBlock:     4,
		StartBlock:         0,
		EndBlock:           16,
		NReservedBlocks:    2,
		IsYaffs2:           true,
	}
}

func newTestDevice(t *testing.T, fs afero.Fs, imagePath string) *engine.Device {
	t.Helper()
	d := engine.New(engine.Config{
		ImagePath: imagePath,
		Geometry:  testGeometry(),
		Fs:        fs,
	})
	require.NoError(t, d.Mount(context.Background()))
	return d
}

func TestDevice_BasicWriteRead(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	d := newTestDevice(t, fs, "/image.bin")
	t.Cleanup(func() { _ = d.Unmount(ctx, true) })

	h, err := d.Open(ctx, objstore.RootID, "a", true, true)
	require.NoError(t, err)

	n, err := d.FileWrite(ctx, h, []byte("hello"), 0)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	buf := make([]byte, 5)
	n, err = d.FileRead(ctx, h, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", string(buf))

	require.NoError(t, d.Close(ctx, h))
}

func TestDevice_CrashMidWriteRemountRecoversViaScan(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()

	d1 := newTestDevice(t, fs, "/image.bin")
	h, err := d1.Open(ctx, objstore.RootID, "b", true, true)
	require.NoError(t, err)

	chunk := make([]byte, 2048)
	for i := range chunk {
		chunk[i] = byte(i)
	}
	for i := 0; i < 3; i++ {
		_, err := d1.FileWrite(ctx, h, chunk, int64(i)*2048)
		require.NoError(t, err)
	}

	// Simulate a crash: drop RAM state without syncing or checkpointing.
	// internal/scan's fallback must still reconstruct the object from tags
	// alone on the next mount.
	d2 := engine.New(engine.Config{
		ImagePath: "/image.bin",
		Geometry:  testGeometry(),
		Fs:        fs,
	})
	require.NoError(t, d2.Mount(ctx))
	t.Cleanup(func() { _ = d2.Unmount(ctx, true) })

	obj, err := d2.Lookup(ctx, objstore.RootID, "b")
	require.NoError(t, err)

	h2, err := d2.Open(ctx, objstore.RootID, "b", false, false)
	require.NoError(t, err)

	buf := make([]byte, 3*2048)
	n, err := d2.FileRead(ctx, h2, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)
	assert.Equal(t, chunk, buf[:2048])
	assert.Equal(t, int64(3*2048), obj.FileSize)
}

func TestDevice_UnlinkWithNoOpenHandlesDestroysObject(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	d := newTestDevice(t, fs, "/image.bin")
	t.Cleanup(func() { _ = d.Unmount(ctx, true) })

	h, err := d.Open(ctx, objstore.RootID, "c", true, true)
	require.NoError(t, err)
	require.NoError(t, d.Close(ctx, h))

	require.NoError(t, d.Unlink(ctx, objstore.RootID, "c"))

	_, err = d.Lookup(ctx, objstore.RootID, "c")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestDevice_UnlinkWithOpenHandleDefersToUnlinked(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	d := newTestDevice(t, fs, "/image.bin")
	t.Cleanup(func() { _ = d.Unmount(ctx, true) })

	h, err := d.Open(ctx, objstore.RootID, "d", true, true)
	require.NoError(t, err)

	require.NoError(t, d.Unlink(ctx, objstore.RootID, "d"))
	_, err = d.Lookup(ctx, objstore.RootID, "d")
	assert.ErrorIs(t, err, errs.ErrNotFound)

	// The handle is still usable until its last reference closes.
	_, err = d.FileWrite(ctx, h, []byte("x"), 0)
	require.NoError(t, err)

	require.NoError(t, d.Close(ctx, h))
}

func TestDevice_RenameOverExistingShadowsDestination(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	d := newTestDevice(t, fs, "/image.bin")
	t.Cleanup(func() { _ = d.Unmount(ctx, true) })

	hx, err := d.Open(ctx, objstore.RootID, "x", true, true)
	require.NoError(t, err)
	_, err = d.FileWrite(ctx, hx, []byte("xxxxx"), 0)
	require.NoError(t, err)
	require.NoError(t, d.Close(ctx, hx))

	hy, err := d.Open(ctx, objstore.RootID, "y", true, true)
	require.NoError(t, err)
	_, err = d.FileWrite(ctx, hy, []byte("yyyyy"), 0)
	require.NoError(t, err)
	require.NoError(t, d.Close(ctx, hy))

	require.NoError(t, d.Rename(ctx, objstore.RootID, "x", objstore.RootID, "y"))

	obj, err := d.Lookup(ctx, objstore.RootID, "y")
	require.NoError(t, err)

	h, err := d.Open(ctx, objstore.RootID, "y", false, false)
	require.NoError(t, err)
	buf := make([]byte, 5)
	_, err = d.FileRead(ctx, h, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "xxxxx", string(buf))
	assert.Equal(t, obj.ID, h.ObjID)
	require.NoError(t, d.Close(ctx, h))

	_, err = d.Lookup(ctx, objstore.RootID, "x")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestDevice_HardlinkSeesWritesFromEitherName(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	d := newTestDevice(t, fs, "/image.bin")
	t.Cleanup(func() { _ = d.Unmount(ctx, true) })

	f, err := d.CreateFile(ctx, objstore.RootID, "f")
	require.NoError(t, err)

	_, err = d.Link(ctx, f.ID, objstore.RootID, "g")
	require.NoError(t, err)

	hf, err := d.Open(ctx, objstore.RootID, "f", false, false)
	require.NoError(t, err)
	_, err = d.FileWrite(ctx, hf, []byte("payload"), 0)
	require.NoError(t, err)
	require.NoError(t, d.Close(ctx, hf))

	hg, err := d.Open(ctx, objstore.RootID, "g", false, false)
	require.NoError(t, err)
	buf := make([]byte, len("payload"))
	_, err = d.FileRead(ctx, hg, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(buf))
	require.NoError(t, d.Close(ctx, hg))

	require.NoError(t, d.Unlink(ctx, objstore.RootID, "f"))
	hg2, err := d.Open(ctx, objstore.RootID, "g", false, false)
	require.NoError(t, err)
	buf2 := make([]byte, len("payload"))
	_, err = d.FileRead(ctx, hg2, buf2, 0)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(buf2))
	require.NoError(t, d.Close(ctx, hg2))
}

func TestDevice_DirectoryIterationAndCursorRepair(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	d := newTestDevice(t, fs, "/image.bin")
	t.Cleanup(func() { _ = d.Unmount(ctx, true) })

	names := []string{"one", "two", "three"}
	for _, n := range names {
		_, err := d.CreateFile(ctx, objstore.RootID, n)
		require.NoError(t, err)
	}

	dh, err := d.OpenDir(ctx, objstore.RootID)
	require.NoError(t, err)

	first, err := d.Readdir(ctx, dh)
	require.NoError(t, err)
	assert.NotZero(t, first)

	obj, ok := lookupByID(t, d, first)
	require.True(t, ok)
	require.NoError(t, d.Unlink(ctx, objstore.RootID, obj.Name))

	// The cursor must still produce every remaining, still-linked entry
	// exactly once despite the concurrent unlink ahead of it.
	var seen []uint32
	for {
		id, err := d.Readdir(ctx, dh)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		seen = append(seen, id)
	}
	assert.Len(t, seen, len(names)-1)

	require.NoError(t, d.Close(ctx, dh))
}

func lookupByID(t *testing.T, d *engine.Device, id uint32) (*objstore.Object, bool) {
	t.Helper()
	obj, err := d.Stat(context.Background(), id)
	if err != nil {
		return nil, false
	}
	return obj, true
}

func TestDevice_SyncThenRemountTakesCheckpointFastPath(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	d1 := newTestDevice(t, fs, "/image.bin")

	h, err := d1.Open(ctx, objstore.RootID, "ckpt.txt", true, true)
	require.NoError(t, err)
	_, err = d1.FileWrite(ctx, h, []byte("durable"), 0)
	require.NoError(t, err)
	require.NoError(t, d1.Close(ctx, h))
	require.NoError(t, d1.Sync(ctx))
	require.NoError(t, d1.Unmount(ctx, false))

	d2 := engine.New(engine.Config{
		ImagePath: "/image.bin",
		Geometry:  testGeometry(),
		Fs:        fs,
	})
	require.NoError(t, d2.Mount(ctx))
	t.Cleanup(func() { _ = d2.Unmount(ctx, true) })

	obj, err := d2.Lookup(ctx, objstore.RootID, "ckpt.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(len("durable")), obj.FileSize)
}

func TestDevice_FormatResetsDeviceToEmpty(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	d := newTestDevice(t, fs, "/image.bin")
	t.Cleanup(func() { _ = d.Unmount(ctx, true) })

	_, err := d.CreateFile(ctx, objstore.RootID, "before-format")
	require.NoError(t, err)

	require.NoError(t, d.Format(ctx))

	_, err = d.Lookup(ctx, objstore.RootID, "before-format")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestDevice_OpenExclOnExistingNameFails(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	d := newTestDevice(t, fs, "/image.bin")
	t.Cleanup(func() { _ = d.Unmount(ctx, true) })

	_, err := d.CreateFile(ctx, objstore.RootID, "exists")
	require.NoError(t, err)

	_, err = d.Open(ctx, objstore.RootID, "exists", true, true)
	assert.ErrorIs(t, err, errs.ErrExists)
}

func TestDevice_RenameDirectoryIntoOwnDescendantFails(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	d := newTestDevice(t, fs, "/image.bin")
	t.Cleanup(func() { _ = d.Unmount(ctx, true) })

	parent, err := d.Mkdir(ctx, objstore.RootID, "parent")
	require.NoError(t, err)
	child, err := d.Mkdir(ctx, parent.ID, "child")
	require.NoError(t, err)

	err = d.Rename(ctx, objstore.RootID, "parent", child.ID, "parent")
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
}

func TestDevice_XAttrRoundTripSurvivesRename(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	d := newTestDevice(t, fs, "/image.bin")
	t.Cleanup(func() { _ = d.Unmount(ctx, true) })

	obj, err := d.CreateFile(ctx, objstore.RootID, "tagged")
	require.NoError(t, err)

	require.NoError(t, d.SetXAttr(ctx, obj.ID, "user.color", []byte("teal")))

	v, err := d.GetXAttr(ctx, obj.ID, "user.color")
	require.NoError(t, err)
	assert.Equal(t, "teal", string(v))

	// An unrelated header rewrite must keep the trailer byte-for-byte.
	require.NoError(t, d.Rename(ctx, objstore.RootID, "tagged", objstore.RootID, "renamed"))
	v, err = d.GetXAttr(ctx, obj.ID, "user.color")
	require.NoError(t, err)
	assert.Equal(t, "teal", string(v))

	keys, err := d.ListXAttr(ctx, obj.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"user.color"}, keys)

	require.NoError(t, d.RemoveXAttr(ctx, obj.ID, "user.color"))
	_, err = d.GetXAttr(ctx, obj.ID, "user.color")
	assert.ErrorIs(t, err, errs.ErrNotFound)
	assert.ErrorIs(t, d.RemoveXAttr(ctx, obj.ID, "user.color"), errs.ErrNotFound)
}

func TestDevice_SetAttrPersistsAcrossCleanRemount(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	d1 := newTestDevice(t, fs, "/image.bin")

	obj, err := d1.CreateFile(ctx, objstore.RootID, "owned")
	require.NoError(t, err)
	assert.Equal(t, uint32(0o644), obj.Mode, "files start with the default mode")
	assert.False(t, obj.MTime.IsZero(), "creation must stamp the timestamps")

	mode := uint32(0o600)
	uid := uint32(7)
	gid := uint32(42)
	mtime := time.Unix(1700000000, 0).UTC()
	require.NoError(t, d1.SetAttr(ctx, obj.ID, engine.Attr{Mode: &mode, UID: &uid, GID: &gid, MTime: &mtime}))
	require.NoError(t, d1.Unmount(ctx, false))

	d2 := engine.New(engine.Config{ImagePath: "/image.bin", Geometry: testGeometry(), Fs: fs})
	require.NoError(t, d2.Mount(ctx))
	t.Cleanup(func() { _ = d2.Unmount(ctx, true) })

	got, err := d2.Stat(ctx, obj.ID)
	require.NoError(t, err)
	assert.Equal(t, mode, got.Mode)
	assert.Equal(t, uid, got.UID)
	assert.Equal(t, gid, got.GID)
	assert.Equal(t, mtime.Unix(), got.MTime.Unix())
	assert.False(t, got.CTime.IsZero())
}

func TestDevice_AttrsSurviveCrashRemountViaScan(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	d1 := newTestDevice(t, fs, "/image.bin")

	obj, err := d1.CreateFile(ctx, objstore.RootID, "crashed")
	require.NoError(t, err)
	mode := uint32(0o700)
	require.NoError(t, d1.SetAttr(ctx, obj.ID, engine.Attr{Mode: &mode}))

	// Crash: drop RAM state. SetAttr invalidated the checkpoint, so the
	// next mount reconstructs everything from tags and headers.
	d2 := engine.New(engine.Config{ImagePath: "/image.bin", Geometry: testGeometry(), Fs: fs})
	require.NoError(t, d2.Mount(ctx))
	t.Cleanup(func() { _ = d2.Unmount(ctx, true) })

	got, err := d2.Lookup(ctx, objstore.RootID, "crashed")
	require.NoError(t, err)
	assert.Equal(t, mode, got.Mode)
}
