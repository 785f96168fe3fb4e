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

// Package header implements the object-header protocol (spec.md §4.8): the
// fixed-size on-media record plus its xattr trailer, and the update
// sequence that writes a new header chunk while preserving what an update
// must not disturb. It follows the read/modify/Sync shape of the teacher's
// gcsproxy.MutableObject, adapted from a GCS generation to an on-flash
// header chunk.
package header

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/flashfs/flashfs/internal/alloc"
	"github.com/flashfs/flashfs/internal/nand"
	"github.com/flashfs/flashfs/internal/objstore"
	"github.com/flashfs/flashfs/internal/tags"
)

const (
	nameFieldLen  = 256
	aliasFieldLen = 160

	fixedLen = 1 + 4 + nameFieldLen + 4 + 4 + 4 + 8 + 8 + 8 + 4 + aliasFieldLen + 4 + 8 + 1 + 4 + 4
)

const (
	offType      = 0
	offParent    = offType + 1
	offName      = offParent + 4
	offMode      = offName + nameFieldLen
	offUID       = offMode + 4
	offGID       = offUID + 4
	offATime     = offGID + 4
	offMTime     = offATime + 8
	offCTime     = offMTime + 8
	offRdev      = offCTime + 8
	offAlias     = offRdev + 4
	offEquivID   = offAlias + aliasFieldLen
	offFileSize  = offEquivID + 4
	offIsShrink  = offFileSize + 8
	offShadows   = offIsShrink + 1
	offInbandObj = offShadows + 4
)

// OH is the decoded object header, the fixed record of spec.md §4.8/§6 plus
// its opaque xattr trailer.
type OH struct {
	Type     tags.ObjType
	ParentID uint32
	Name     string
	Mode     uint32
	UID      uint32
	GID      uint32
	ATime    time.Time
	MTime    time.Time
	CTime    time.Time
	Rdev     uint32
	Alias    string // symlink target
	EquivID  uint32 // hardlink target

	FileSize            int64
	IsShrink            bool
	Shadows             uint32
	InbandShadowedObjID uint32

	// Xattr is the opaque xattr key/value stream, preserved byte-for-byte
	// across updates that do not modify it.
	Xattr []byte
}

func putFixedString(buf []byte, s string) {
	n := copy(buf, s)
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
}

func getFixedString(buf []byte) string {
	n := 0
	for n < len(buf) && buf[n] != 0 {
		n++
	}
	return string(buf[:n])
}

func putTime(buf []byte, t time.Time) {
	binary.LittleEndian.PutUint64(buf, uint64(t.Unix()))
}

func getTime(buf []byte) time.Time {
	return time.Unix(int64(binary.LittleEndian.Uint64(buf)), 0).UTC()
}

// Encode packs oh plus its xattr trailer into a chunk-sized buffer. dataLen
// is the chunk's usable data size (geometry.Geometry.DataBytesPerChunk);
// Encode returns an error if the xattr trailer does not fit.
func Encode(oh OH, dataLen uint32) ([]byte, error) {
	if fixedLen+len(oh.Xattr) > int(dataLen) {
		return nil, fmt.Errorf("header: xattr trailer of %d bytes does not fit chunk (room for %d)", len(oh.Xattr), int(dataLen)-fixedLen)
	}

	buf := make([]byte, dataLen)
	for i := range buf {
		buf[i] = 0xff
	}

	buf[offType] = byte(oh.Type)
	binary.LittleEndian.PutUint32(buf[offParent:], oh.ParentID)
	putFixedString(buf[offName:offName+nameFieldLen], oh.Name)
	binary.LittleEndian.PutUint32(buf[offMode:], oh.Mode)
	binary.LittleEndian.PutUint32(buf[offUID:], oh.UID)
	binary.LittleEndian.PutUint32(buf[offGID:], oh.GID)
	putTime(buf[offATime:], oh.ATime)
	putTime(buf[offMTime:], oh.MTime)
	putTime(buf[offCTime:], oh.CTime)
	binary.LittleEndian.PutUint32(buf[offRdev:], oh.Rdev)
	putFixedString(buf[offAlias:offAlias+aliasFieldLen], oh.Alias)
	binary.LittleEndian.PutUint32(buf[offEquivID:], oh.EquivID)
	binary.LittleEndian.PutUint64(buf[offFileSize:], uint64(oh.FileSize))
	if oh.IsShrink {
		buf[offIsShrink] = 1
	}
	binary.LittleEndian.PutUint32(buf[offShadows:], oh.Shadows)
	binary.LittleEndian.PutUint32(buf[offInbandObj:], oh.InbandShadowedObjID)

	copy(buf[fixedLen:], oh.Xattr)
	return buf, nil
}

// Decode unpacks a chunk buffer written by Encode. The trailing xattr
// stream (entry format in xattr.go) is returned with every trailing 0xff
// padding byte stripped.
func Decode(buf []byte) (OH, error) {
	if len(buf) < fixedLen {
		return OH{}, fmt.Errorf("header: buffer too short (%d < %d)", len(buf), fixedLen)
	}

	oh := OH{
		Type:     tags.ObjType(buf[offType]),
		ParentID: binary.LittleEndian.Uint32(buf[offParent:]),
		Name:     getFixedString(buf[offName : offName+nameFieldLen]),
		Mode:     binary.LittleEndian.Uint32(buf[offMode:]),
		UID:      binary.LittleEndian.Uint32(buf[offUID:]),
		GID:      binary.LittleEndian.Uint32(buf[offGID:]),
		ATime:    getTime(buf[offATime:]),
		MTime:    getTime(buf[offMTime:]),
		CTime:    getTime(buf[offCTime:]),
		Rdev:     binary.LittleEndian.Uint32(buf[offRdev:]),
		Alias:    getFixedString(buf[offAlias : offAlias+aliasFieldLen]),
		EquivID:  binary.LittleEndian.Uint32(buf[offEquivID:]),

		FileSize:            int64(binary.LittleEndian.Uint64(buf[offFileSize:])),
		IsShrink:            buf[offIsShrink] != 0,
		Shadows:             binary.LittleEndian.Uint32(buf[offShadows:]),
		InbandShadowedObjID: binary.LittleEndian.Uint32(buf[offInbandObj:]),
	}

	trailer := buf[fixedLen:]
	end := len(trailer)
	for end > 0 && trailer[end-1] == 0xff {
		end--
	}
	if end > 0 {
		oh.Xattr = append([]byte(nil), trailer[:end]...)
	}
	return oh, nil
}

// XattrMod describes a single xattr change to apply during UpdateOH: Apply
// receives the current xattr trailer and returns the replacement.
// SetXAttrMod and RemoveXAttrMod (xattr.go) build the set and delete cases.
type XattrMod struct {
	Apply func(trailer []byte) []byte
}

// Manager implements the update_oh sequence of spec.md §4.8 against a
// NAND driver, tag marshaler, and allocator.
type Manager struct {
	drv       nand.Driver
	marshaler tags.Marshaler
	allocator *alloc.Allocator
	dataLen   uint32

	// GCCheck is invoked as update_oh step 1. Nil means skip (tests, or a
	// read-only device).
	GCCheck func(ctx context.Context) error
}

// NewManager constructs a Manager. dataLen is geometry.Geometry.DataBytesPerChunk.
func NewManager(drv nand.Driver, marshaler tags.Marshaler, allocator *alloc.Allocator, dataLen uint32) *Manager {
	return &Manager{drv: drv, marshaler: marshaler, allocator: allocator, dataLen: dataLen}
}

// readHeader reads back the header currently stored at obj.HdrChunk, or
// reports ok=false if obj has none yet.
func (m *Manager) readHeader(ctx context.Context, obj *objstore.Object) (oh OH, ok bool, err error) {
	if obj.HdrChunk == 0 {
		return OH{}, false, nil
	}
	buf := make([]byte, m.dataLen)
	_, ecc, err := m.marshaler.ReadChunkTags(ctx, m.drv, obj.HdrChunk, buf)
	if err != nil {
		return OH{}, false, err
	}
	if ecc == nand.EccUnfixed {
		return OH{}, false, nil
	}
	oh, err = Decode(buf)
	if err != nil {
		return OH{}, false, err
	}
	return oh, true, nil
}

// ReadOH returns the header currently stored for obj. ok is false when obj
// has no header chunk yet (a fake directory, or an object created but not
// yet flushed) or when the stored chunk is unreadable.
func (m *Manager) ReadOH(ctx context.Context, obj *objstore.Object) (OH, bool, error) {
	return m.readHeader(ctx, obj)
}

// UpdateOH writes a new header chunk for obj, following spec.md §4.8's
// seven steps. name, when empty, keeps the previously stored name. xmod,
// when non-nil, is applied to the xattr trailer before it is re-stored.
func (m *Manager) UpdateOH(ctx context.Context, obj *objstore.Object, name string, isShrink bool, shadows uint32, xmod *XattrMod) error {
	if m.GCCheck != nil {
		if err := m.GCCheck(ctx); err != nil {
			return fmt.Errorf("header: gc check: %w", err)
		}
	}

	prev, hadPrev, err := m.readHeader(ctx, obj)
	if err != nil {
		return fmt.Errorf("header: read previous: %w", err)
	}
	if hadPrev && obj.Deferred {
		obj.Kind = prev.Type
		obj.ParentID = prev.ParentID
		obj.Name = prev.Name
		obj.EquivID = prev.EquivID
		obj.SymlinkAlias = prev.Alias
		obj.Mode = prev.Mode
		obj.UID = prev.UID
		obj.GID = prev.GID
		obj.ATime = prev.ATime
		obj.MTime = prev.MTime
		obj.CTime = prev.CTime
		obj.Rdev = prev.Rdev
		obj.Deferred = false
	}

	xattr := prev.Xattr
	if xmod != nil && xmod.Apply != nil {
		xattr = xmod.Apply(xattr)
	}
	if name == "" {
		if hadPrev {
			name = prev.Name
		} else {
			name = obj.Name
		}
	}

	storedSize := obj.FileSize
	if objstore.IsFakeDir(obj.ParentID) && (obj.ParentID == objstore.DeletedID || obj.ParentID == objstore.UnlinkedID) {
		storedSize = prev.FileSize
	}

	oh := OH{
		Type:     obj.Kind,
		ParentID: obj.ParentID,
		Name:     name,
		Mode:     obj.Mode,
		UID:      obj.UID,
		GID:      obj.GID,
		ATime:    obj.ATime,
		MTime:    obj.MTime,
		CTime:    obj.CTime,
		Rdev:     obj.Rdev,
		Alias:    obj.SymlinkAlias,
		EquivID:  obj.EquivID,

		FileSize: storedSize,
		IsShrink: isShrink,
		Shadows:  shadows,
		Xattr:    xattr,
	}

	buf, err := Encode(oh, m.dataLen)
	if err != nil {
		return fmt.Errorf("header: encode: %w", err)
	}

	obj.Serial++
	t := tags.Tags{
		ObjID:   obj.ID,
		ChunkID: 0,
		NBytes:  uint32(fixedLen + len(xattr)),
		Serial:  obj.Serial,
		Extra: tags.Extra{
			Available: true,
			ParentID:  obj.ParentID,
			FileSize:  storedSize,
			IsShrink:  isShrink,
			EquivID:   obj.EquivID,
			Shadows:   shadows,
			ObjType:   obj.Kind,
		},
	}

	useReserve := obj.HdrChunk != 0
	physChunk, blockInfo, err := m.allocator.AllocChunk(useReserve)
	if err != nil {
		return fmt.Errorf("header: alloc chunk: %w", err)
	}

	if err := m.marshaler.WriteChunkTags(ctx, m.drv, physChunk, buf, t); err != nil {
		m.allocator.SkipRestOfBlock()
		return fmt.Errorf("header: write chunk: %w", err)
	}

	oldHdrChunk := obj.HdrChunk
	obj.HdrChunk = physChunk
	obj.Name = name

	if oldHdrChunk != 0 {
		m.allocator.DeleteChunk(oldHdrChunk)
	}
	if isShrink {
		blockInfo.HasShrinkHeader = true
	}
	return nil
}
