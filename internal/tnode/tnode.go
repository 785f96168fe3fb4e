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

// Package tnode implements the per-file logical-to-physical chunk index
// (spec.md §4.7): a radix tree that grows in height on demand, is pruned
// back down when emptied, and supports the depth-first soft-delete walk
// used when a file with live data is unlinked.
//
// The original packs slots of an arbitrary, even tnode_width (16..32 bits)
// across 32-bit word boundaries to minimize RAM footprint on constrained
// targets. That packing is a memory-density optimization over the NAND
// geometry's addressable chunk range, which spec.md §1 puts out of scope;
// this package keeps the same tree shape and traversal semantics but stores
// each slot as a plain uint32, trading the bit-packing for materially
// simpler, safer Go (see DESIGN.md).
package tnode

const (
	level0Bits  = 4
	level0Slots = 1 << level0Bits

	internalBits    = 3
	internalFanout  = 1 << internalBits
)

type node struct {
	// slots is non-nil only for a level-0 (leaf) node: physical chunk group
	// values, zero meaning "no chunk at this logical index".
	slots []uint32

	// children is non-nil only for an internal node.
	children []*node
}

func newLevel0() *node { return &node{slots: make([]uint32, level0Slots)} }
func newInternal() *node { return &node{children: make([]*node, internalFanout)} }

// Tree is one file's logical-to-physical chunk index.
type Tree struct {
	root   *node
	height uint32 // 1 == root is a level-0 node
}

// New returns an empty tree of minimum height.
func New() *Tree {
	return &Tree{root: newLevel0(), height: 1}
}

// capacity returns the number of logical chunks a tree of the given height
// can address.
func capacity(height uint32) uint64 {
	cap := uint64(level0Slots)
	for i := uint32(1); i < height; i++ {
		cap *= internalFanout
	}
	return cap
}

// digits decomposes a logical index into its level-0 slot index and the
// sequence of internal child indices, ordered from the node just above
// level-0 (index 0) up to the node just below the root (last index).
func digits(logical uint64, height uint32) (level0Idx uint32, internalIdx []int) {
	level0Idx = uint32(logical & (level0Slots - 1))
	rem := logical >> level0Bits
	internalIdx = make([]int, height-1)
	for i := uint32(0); i < height-1; i++ {
		internalIdx[i] = int(rem & (internalFanout - 1))
		rem >>= internalBits
	}
	return level0Idx, internalIdx
}

// Find walks from root to the logical chunk's slot without creating
// anything. It returns (0, false) if the tree is shorter than the index
// requires or any node on the path is missing (spec.md: "height-check
// first").
func (t *Tree) Find(logical uint64) (uint32, bool) {
	if logical >= capacity(t.height) {
		return 0, false
	}
	level0Idx, internalIdx := digits(logical, t.height)

	n := t.root
	for i := len(internalIdx) - 1; i >= 0; i-- {
		if n.children == nil {
			return 0, false
		}
		n = n.children[internalIdx[i]]
		if n == nil {
			return 0, false
		}
	}
	return n.slots[level0Idx], true
}

// growTo increases the tree's height until it can address logical, pushing
// the current root down as the first child of a new root each time.
func (t *Tree) growTo(logical uint64) {
	for logical >= capacity(t.height) {
		newRoot := newInternal()
		newRoot.children[0] = t.root
		t.root = newRoot
		t.height++
	}
}

// AddFind walks to logical's slot, growing the tree and creating any
// missing internal nodes along the way. If replacement is non-nil, the
// slot's value is set to *replacement; otherwise the existing value (or
// zero) is returned unchanged, matching spec.md's "idempotent for nonzero
// existing values when replacement = None".
func (t *Tree) AddFind(logical uint64, replacement *uint32) uint32 {
	t.growTo(logical)
	level0Idx, internalIdx := digits(logical, t.height)

	n := t.root
	for i := len(internalIdx) - 1; i >= 0; i-- {
		if n.children[internalIdx[i]] == nil {
			if i == 0 {
				n.children[internalIdx[i]] = newLevel0()
			} else {
				n.children[internalIdx[i]] = newInternal()
			}
		}
		n = n.children[internalIdx[i]]
	}

	if replacement != nil {
		n.slots[level0Idx] = *replacement
	}
	return n.slots[level0Idx]
}

// isEmpty reports whether n (and everything below it) holds no live data.
func isEmpty(n *node) bool {
	if n == nil {
		return true
	}
	if n.slots != nil {
		for _, s := range n.slots {
			if s != 0 {
				return false
			}
		}
		return true
	}
	for _, c := range n.children {
		if !isEmpty(c) {
			return false
		}
	}
	return true
}

// pruneNode frees any child subtree that has become entirely empty,
// bottom-up, and reports whether n itself is now empty.
func pruneNode(n *node) bool {
	if n == nil {
		return true
	}
	if n.slots != nil {
		return isEmpty(n)
	}
	allEmpty := true
	for i, c := range n.children {
		if c == nil {
			continue
		}
		if pruneNode(c) {
			n.children[i] = nil
		} else {
			allEmpty = false
		}
	}
	return allEmpty
}

// Prune frees subtrees whose every slot is zero, then repeatedly collapses
// the root while only its first child carries data, shrinking the tree's
// height back down.
func (t *Tree) Prune() {
	pruneNode(t.root)

	for t.height > 1 {
		root := t.root
		onlyFirst := true
		for i := 1; i < len(root.children); i++ {
			if root.children[i] != nil {
				onlyFirst = false
				break
			}
		}
		if !onlyFirst || root.children[0] == nil {
			if onlyFirst && root.children[0] == nil {
				// Root is wholly empty; collapse to a fresh, minimal tree.
				t.root = newLevel0()
				t.height = 1
			}
			break
		}
		t.root = root.children[0]
		t.height--
	}
}

// SoftDeleteChunk is called once per live physical chunk found during
// SoftDel, in depth-first reverse (highest-logical-index-first) order.
type SoftDeleteChunk func(physChunk uint32)

func softDelNode(n *node, cb SoftDeleteChunk) {
	if n == nil {
		return
	}
	if n.slots != nil {
		for i := len(n.slots) - 1; i >= 0; i-- {
			if n.slots[i] != 0 {
				cb(n.slots[i])
				n.slots[i] = 0
			}
		}
		return
	}
	for i := len(n.children) - 1; i >= 0; i-- {
		softDelNode(n.children[i], cb)
	}
}

// SoftDel walks the tree depth-first in reverse, invoking cb for every
// live slot and then zeroing it, and prunes finished subtrees as it goes.
// A caller that is interrupted mid-walk can simply call SoftDel again: it
// re-reads the (partially zeroed) tree and resumes, since already-zeroed
// slots are skipped.
func (t *Tree) SoftDel(cb SoftDeleteChunk) {
	softDelNode(t.root, cb)
	t.Prune()
}

// Height reports the tree's current height, for diagnostics and tests.
func (t *Tree) Height() uint32 { return t.height }

// deleteFromNode visits every slot in n (which spans the logical range
// [base, base+capacity(nodeHeight))) whose logical index is >= keepUpTo, in
// descending order, invoking cb and zeroing it. Subtrees wholly below
// keepUpTo are skipped untouched.
func deleteFromNode(n *node, base uint64, nodeHeight uint32, keepUpTo uint64, cb SoftDeleteChunk) {
	if n == nil {
		return
	}
	if n.slots != nil {
		for i := len(n.slots) - 1; i >= 0; i-- {
			idx := base + uint64(i)
			if idx < keepUpTo {
				continue
			}
			if n.slots[i] != 0 {
				cb(n.slots[i])
				n.slots[i] = 0
			}
		}
		return
	}

	childSpan := capacity(nodeHeight - 1)
	for i := len(n.children) - 1; i >= 0; i-- {
		childBase := base + uint64(i)*childSpan
		if childBase+childSpan <= keepUpTo {
			continue
		}
		deleteFromNode(n.children[i], childBase, nodeHeight-1, keepUpTo, cb)
	}
}

// DeleteFrom deletes every live chunk at logical index >= keepUpTo, highest
// index first, then prunes. This is resize_file's descending-order delete
// (spec.md §4.9): a crash partway through always leaves a file whose length
// is still >= the eventual target, never a hole opened up in the middle.
func (t *Tree) DeleteFrom(keepUpTo uint64, cb SoftDeleteChunk) {
	deleteFromNode(t.root, 0, t.height, keepUpTo, cb)
	t.Prune()
}

// EntryVisitor receives one live (logical, physChunk) pair during Each.
type EntryVisitor func(logical uint64, physChunk uint32)

// Each visits every live (logical, physChunk) pair in ascending logical
// order, without mutating the tree. internal/checkpoint uses this to
// serialize the tnode forest.
func (t *Tree) Each(cb EntryVisitor) {
	eachChildren(t.root, 0, t.height, cb)
}

func eachChildren(n *node, base uint64, height uint32, cb EntryVisitor) {
	if n == nil {
		return
	}
	if n.slots != nil {
		for i, s := range n.slots {
			if s != 0 {
				cb(base+uint64(i), s)
			}
		}
		return
	}
	childSpan := capacity(height - 1)
	for i, c := range n.children {
		eachChildren(c, base+uint64(i)*childSpan, height-1, cb)
	}
}
