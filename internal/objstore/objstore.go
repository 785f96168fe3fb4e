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

// Package objstore holds the in-RAM object graph (spec.md §4.6): a
// hash-bucketed table of every live Object, the four fake root directories,
// and parent/child linkage. It mirrors the bucketed lookup and
// lazily-loaded-on-scan design of the teacher's fs/inode package, adapted
// from inode IDs bound to a GCS object name to obj_ids bound to an on-flash
// header chunk.
package objstore

import (
	"fmt"
	"time"

	"github.com/flashfs/flashfs/internal/tags"
)

// Reserved object ids for the four fake directories, created in RAM only;
// they have no header chunk and are never written to flash.
const (
	RootID       uint32 = 1
	LostNFoundID uint32 = 2
	UnlinkedID   uint32 = 3
	DeletedID    uint32 = 4
)

// nBuckets is the hash-table width (YAFFS_NOBJECT_BUCKETS upstream).
const nBuckets = 256

// Object is a single node of the object graph: a file, directory, symlink,
// hardlink, or special file.
type Object struct {
	ID       uint32
	ParentID uint32
	Kind     tags.ObjType
	Name     string

	HdrChunk uint32
	Serial   uint8

	// POSIX-style attributes, stored in the object header (spec.md §3
	// common fields / §4.8) and owned by the core: set at creation,
	// changed by the engine's SetAttr, round-tripped through every header
	// rewrite.
	Mode  uint32
	UID   uint32
	GID   uint32
	ATime time.Time
	MTime time.Time
	CTime time.Time
	Rdev  uint32

	// EquivID is the canonical target of a hardlink; zero for everything
	// else.
	EquivID uint32

	NDataChunks uint32
	FileSize    int64
	StoredSize  int64

	IsShrink bool
	Shadows  uint32

	// SymlinkAlias holds a symlink's target path.
	SymlinkAlias string

	// Deferred is set on objects instantiated lazily during scan, cleared
	// the first time their header is actually read (spec.md §4.8 step 2).
	Deferred bool

	// SoftDeleted marks a file whose tnode has been walked and credited to
	// soft_del_pages but whose object record is not yet freed (spec.md
	// "Lifecycles").
	SoftDeleted bool

	children map[string]uint32 // name -> child obj_id, directories only

	lookupCount uint64
}

// IsDir reports whether o is a directory (fake or real).
func (o *Object) IsDir() bool { return o.Kind == tags.ObjTypeDirectory }

// IncrementLookupCount records one more external reference (a POSIX
// handle), for use in the destroy-on-zero-lookup lifecycle.
func (o *Object) IncrementLookupCount() { o.lookupCount++ }

// DecrementLookupCount releases n external references. The caller must
// still unlink the object through Store for it to actually be removed; this
// only tracks whether doing so is safe.
func (o *Object) DecrementLookupCount(n uint64) {
	if n > o.lookupCount {
		panic(fmt.Sprintf("objstore: decrement %d exceeds lookup count %d for obj %d", n, o.lookupCount, o.ID))
	}
	o.lookupCount -= n
}

// LookupCount returns the number of outstanding external references.
func (o *Object) LookupCount() uint64 { return o.lookupCount }

// Store is the hash-bucketed object table plus the four fake directories.
// External synchronization is required, matching the rest of the engine's
// single-gate concurrency model (spec.md §5).
type Store struct {
	maxObjects uint32
	buckets    [nBuckets][]*Object
	byID       map[uint32]*Object

	bucketFinder uint32

	Root       *Object
	LostNFound *Object
	Unlinked   *Object
	Deleted    *Object
}

// New constructs a Store and its four fake directories. maxObjects of zero
// means unlimited.
func New(maxObjects uint32) *Store {
	s := &Store{
		maxObjects: maxObjects,
		byID:       make(map[uint32]*Object),
	}

	s.Root = s.createFakeDir(RootID)
	s.LostNFound = s.createFakeDir(LostNFoundID)
	s.Unlinked = s.createFakeDir(UnlinkedID)
	s.Deleted = s.createFakeDir(DeletedID)
	return s
}

func (s *Store) createFakeDir(id uint32) *Object {
	o := &Object{ID: id, ParentID: id, Kind: tags.ObjTypeDirectory, children: make(map[string]uint32)}
	s.insert(o)
	return o
}

func bucketOf(id uint32) uint32 { return id % nBuckets }

func (s *Store) insert(o *Object) {
	b := bucketOf(o.ID)
	s.buckets[b] = append(s.buckets[b], o)
	s.byID[o.ID] = o
}

// NewObjectID allocates an unused id, preferring the bucket round-robin
// cursor the way the original scans buckets looking for a free slot before
// advancing (spec.md §4.6).
func (s *Store) NewObjectID() (uint32, error) {
	for i := uint32(0); i < nBuckets; i++ {
		bucket := (s.bucketFinder + i) % nBuckets
		for n := bucket; n < s.effectiveMax(); n += nBuckets {
			if n == 0 {
				continue
			}
			if _, used := s.byID[n]; !used {
				s.bucketFinder = (bucket + 1) % nBuckets
				return n, nil
			}
		}
	}
	return 0, fmt.Errorf("objstore: no free object id (max_objects %d)", s.maxObjects)
}

func (s *Store) effectiveMax() uint32 {
	if s.maxObjects == 0 {
		return 1 << 20
	}
	return s.maxObjects
}

// Create allocates a new Object with a fresh id, links it into parent's
// child list, and adds it to the table.
func (s *Store) Create(parent *Object, name string, kind tags.ObjType) (*Object, error) {
	id, err := s.NewObjectID()
	if err != nil {
		return nil, err
	}
	o := &Object{ID: id, ParentID: parent.ID, Kind: kind, Name: name}
	if kind == tags.ObjTypeDirectory {
		o.children = make(map[string]uint32)
	}
	s.insert(o)
	if parent.children == nil {
		parent.children = make(map[string]uint32)
	}
	parent.children[name] = id
	return o, nil
}

// InsertScanned adds an object discovered by internal/scan directly, bypassing
// id allocation since the id comes from the on-media tag.
func (s *Store) InsertScanned(o *Object) {
	if _, exists := s.byID[o.ID]; exists {
		return
	}
	if o.Kind == tags.ObjTypeDirectory && o.children == nil {
		o.children = make(map[string]uint32)
	}
	s.insert(o)
}

// ByID looks up an object by id.
func (s *Store) ByID(id uint32) (*Object, bool) {
	o, ok := s.byID[id]
	return o, ok
}

// Lookup finds a child of dir by exact name. The original walks the child
// list with a case-insensitive 16-bit name sum as a cheap pre-filter before
// its case-sensitive string compare; a Go map over the exact name gives the
// same final match in O(1), so the sum filter has nothing left to speed up
// and is not carried.
func (s *Store) Lookup(dir *Object, name string) (*Object, bool) {
	if dir.children == nil {
		return nil, false
	}
	id, ok := dir.children[name]
	if !ok {
		return nil, false
	}
	return s.ByID(id)
}

// LinkChild records name -> child.ID under dir, used both by Create and by
// rename/hardlink operations that re-parent an existing object.
func (s *Store) LinkChild(dir, child *Object, name string) {
	if dir.children == nil {
		dir.children = make(map[string]uint32)
	}
	dir.children[name] = child.ID
	child.ParentID = dir.ID
	child.Name = name
}

// UnlinkChild removes name from dir's child list without touching child
// itself (the caller decides whether to move it to Unlinked/Deleted or
// destroy it).
func (s *Store) UnlinkChild(dir *Object, name string) {
	if dir.children == nil {
		return
	}
	delete(dir.children, name)
}

// Children returns the child object ids of dir in an unspecified order; the
// POSIX directory-iteration cursor (internal/handle) is responsible for
// stable enumeration across calls.
func (s *Store) Children(dir *Object) []uint32 {
	ids := make([]uint32, 0, len(dir.children))
	for _, id := range dir.children {
		ids = append(ids, id)
	}
	return ids
}

// Resolve follows hardlink EquivID chains to the canonical object.
// Hardlinks are never chained in practice (spec.md glossary: "hardlink
// resolution returns the canonical target"), but Resolve tolerates one
// indirection defensively.
func (s *Store) Resolve(o *Object) *Object {
	if o.Kind != tags.ObjTypeHardlink || o.EquivID == 0 {
		return o
	}
	if target, ok := s.byID[o.EquivID]; ok {
		return target
	}
	return o
}

// Destroy removes o from the table entirely. Callers must have already
// unlinked it from every directory and verified LookupCount() == 0 and (for
// files) that soft-delete reclamation has completed.
func (s *Store) Destroy(o *Object) {
	b := bucketOf(o.ID)
	bucket := s.buckets[b]
	for i, cand := range bucket {
		if cand.ID == o.ID {
			s.buckets[b] = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	delete(s.byID, o.ID)
}

// IsFakeDir reports whether id names one of the four in-RAM-only
// directories.
func IsFakeDir(id uint32) bool {
	switch id {
	case RootID, LostNFoundID, UnlinkedID, DeletedID:
		return true
	default:
		return false
	}
}
