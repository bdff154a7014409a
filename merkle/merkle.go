// Package merkle implements the range-partitioned Merkle tree used to
// diff a master's and a slave's copy of a partition without shipping
// the whole partition across the wire.
//
// A Tree covers a half-open offset range [Lo, Hi) with a fixed shape:
// exactly 2^MaxLevel leaves, each responsible for an equal slice of the
// range (the last leaf absorbs any remainder). Leaf hashes are built
// from a BTree-ordered view of the partition's live entries keyed by
// offset, so construction never needs an explicit sort pass: entries
// stay ordered as they're collected via google/btree instead of
// paying for a slices.SortFunc pass at build time.
package merkle

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/google/btree"
	"golang.org/x/crypto/blake2b"
)

// MaxLevel bounds a tree to 2^15 = 32768 leaves.
const MaxLevel = 15

// HashSize is the truncated blake2b digest width used for every leaf
// and interior node: 128 bits, enough to distinguish blocks without
// paying the cost of a full 256-bit digest on every comparison.
const HashSize = 16

// Hash is a 128-bit truncated blake2b digest.
type Hash [HashSize]byte

var emptyHash = hashBytes(nil)

// ErrIncompatibleTrees is returned by Difference when the two trees do
// not share the same (range, maxLevel) shape.
var ErrIncompatibleTrees = errors.New("merkle: incompatible trees")

// Block is the 28-byte canonical descriptor hashed into a Merkle leaf.
type Block struct {
	ID     uint64
	Type   int32
	CRC    uint64
	Length uint64
}

// Encode serializes a Block to its canonical 28-byte big-endian form:
// id(8) + type(4) + crc(8) + length(8).
func (b Block) Encode() [28]byte {
	var buf [28]byte
	binary.BigEndian.PutUint64(buf[0:8], b.ID)
	binary.BigEndian.PutUint32(buf[8:12], uint32(b.Type))
	binary.BigEndian.PutUint64(buf[12:20], b.CRC)
	binary.BigEndian.PutUint64(buf[20:28], b.Length)
	return buf
}

// Elt orders Blocks by id ascending, then by type ascending. Other
// packages (notably index.Store) use this as the canonical ordering
// for entries within a partition; it is independent of the
// offset-keyed ordering used to build tree leaves.
type Elt struct {
	ID   uint64
	Type int32
}

// Less implements the (id, type) comparator used throughout the store.
func (e Elt) Less(o Elt) bool {
	if e.ID != o.ID {
		return e.ID < o.ID
	}
	return e.Type < o.Type
}

func hashBytes(b []byte) Hash {
	full := blake2b.Sum512(b)
	var h Hash
	copy(h[:], full[:HashSize])
	return h
}

func hashBlocks(blocks []Block) Hash {
	if len(blocks) == 0 {
		return emptyHash
	}
	var buf bytes.Buffer
	for _, b := range blocks {
		enc := b.Encode()
		buf.Write(enc[:])
	}
	return hashBytes(buf.Bytes())
}

func hashInterior(left, right Hash) Hash {
	var buf [2 * HashSize]byte
	copy(buf[:HashSize], left[:])
	copy(buf[HashSize:], right[:])
	return hashBytes(buf[:])
}

// offsetBlock is the btree item ordering Blocks by partition offset.
type offsetBlock struct {
	Offset uint64
	Block  Block
}

func (a offsetBlock) Less(b btree.Item) bool {
	return a.Offset < b.(offsetBlock).Offset
}

// Entries is a sorted offset->Block view of a partition's live
// entries, built incrementally and consumed once by Build.
type Entries struct {
	tree *btree.BTree
}

// NewEntries returns an empty, ready-to-populate Entries set.
func NewEntries() *Entries {
	return &Entries{tree: btree.New(32)}
}

// Add inserts a block at the given partition offset. Offsets must be
// unique within one partition (the storage layer's append discipline
// guarantees this).
func (e *Entries) Add(offset uint64, b Block) {
	e.tree.ReplaceOrInsert(offsetBlock{Offset: offset, Block: b})
}

// AscendRange calls fn for every block whose offset falls in [lo, hi),
// in offset order. Used by repair to pull the raw blocks backing a
// diverging Merkle leaf range without re-deriving offsets by hand.
func (e *Entries) AscendRange(lo, hi uint64, fn func(offset uint64, b Block)) {
	e.tree.AscendRange(offsetBlock{Offset: lo}, offsetBlock{Offset: hi}, func(item btree.Item) bool {
		ob := item.(offsetBlock)
		fn(ob.Offset, ob.Block)
		return true
	})
}

// Range is a half-open [Lo, Hi) span of partition offsets.
type Range struct {
	Lo uint64
	Hi uint64
}

// Tree is a fixed-shape Merkle tree over one partition's offset range.
type Tree struct {
	Lo       uint64
	Hi       uint64
	MaxLevel int
	Leaves   []Hash
}

// Build constructs a Tree over [lo, hi) with 2^maxLevel leaves from the
// given sorted entries. maxLevel must be between 0 and MaxLevel.
func Build(lo, hi uint64, maxLevel int, entries *Entries) (*Tree, error) {
	if maxLevel < 0 || maxLevel > MaxLevel {
		return nil, fmt.Errorf("merkle: maxLevel %d out of range [0,%d]", maxLevel, MaxLevel)
	}
	if hi < lo {
		return nil, fmt.Errorf("merkle: invalid range [%d,%d)", lo, hi)
	}

	numLeaves := 1 << maxLevel
	leaves := make([]Hash, numLeaves)

	var blocksByLeaf [][]Block
	if entries != nil && entries.tree != nil && entries.tree.Len() > 0 {
		blocksByLeaf = make([][]Block, numLeaves)
		entries.tree.Ascend(func(item btree.Item) bool {
			ob := item.(offsetBlock)
			if ob.Offset < lo || ob.Offset >= hi {
				return true
			}
			idx := leafIndex(lo, hi, maxLevel, ob.Offset)
			blocksByLeaf[idx] = append(blocksByLeaf[idx], ob.Block)
			return true
		})
	}

	for i := 0; i < numLeaves; i++ {
		if blocksByLeaf == nil {
			leaves[i] = emptyHash
			continue
		}
		leaves[i] = hashBlocks(blocksByLeaf[i])
	}

	return &Tree{Lo: lo, Hi: hi, MaxLevel: maxLevel, Leaves: leaves}, nil
}

// LeafRange returns the half-open offset range covered by leaf i. The
// final leaf absorbs any remainder from integer division.
func LeafRange(lo, hi uint64, maxLevel, i int) Range {
	numLeaves := uint64(1 << maxLevel)
	span := (hi - lo) / numLeaves
	start := lo + uint64(i)*span
	end := start + span
	if i == int(numLeaves)-1 {
		end = hi
	}
	return Range{Lo: start, Hi: end}
}

func leafIndex(lo, hi uint64, maxLevel int, offset uint64) int {
	numLeaves := uint64(1 << maxLevel)
	span := (hi - lo) / numLeaves
	if span == 0 {
		return 0
	}
	idx := (offset - lo) / span
	if idx >= numLeaves {
		idx = numLeaves - 1
	}
	return int(idx)
}

// Root recomputes the root hash by folding the leaf array bottom-up.
func (t *Tree) Root() Hash {
	level := t.Leaves
	for len(level) > 1 {
		next := make([]Hash, len(level)/2)
		for i := range next {
			next[i] = hashInterior(level[2*i], level[2*i+1])
		}
		level = next
	}
	if len(level) == 0 {
		return emptyHash
	}
	return level[0]
}

func (t *Tree) sameShape(o *Tree) bool {
	return t.Lo == o.Lo && t.Hi == o.Hi && t.MaxLevel == o.MaxLevel
}

// node returns the hash of the subtree rooted at (level, index), where
// level 0 is the leaves and level MaxLevel is the root.
func (t *Tree) node(level, index int) Hash {
	if level == 0 {
		return t.Leaves[index]
	}
	span := 1 << level
	start := index * span
	return foldRange(t.Leaves[start : start+span])
}

func foldRange(leaves []Hash) Hash {
	if len(leaves) == 1 {
		return leaves[0]
	}
	mid := len(leaves) / 2
	return hashInterior(foldRange(leaves[:mid]), foldRange(leaves[mid:]))
}

// Difference compares two trees of identical shape and returns the
// sorted, non-overlapping offset ranges where they diverge, by
// recursing from the root and pruning subtrees whose hashes match.
func Difference(a, b *Tree) ([]Range, error) {
	if !a.sameShape(b) {
		return nil, ErrIncompatibleTrees
	}
	var out []Range
	diffRecurse(a, b, a.MaxLevel, 0, &out)
	return out, nil
}

func diffRecurse(a, b *Tree, level, index int, out *[]Range) {
	if a.node(level, index) == b.node(level, index) {
		return
	}
	if level == 0 {
		*out = append(*out, LeafRange(a.Lo, a.Hi, a.MaxLevel, index))
		return
	}
	diffRecurse(a, b, level-1, index*2, out)
	diffRecurse(a, b, level-1, index*2+1, out)
}

// wireTree is the JSON-serializable form of Tree.
type wireTree struct {
	Lo       uint64   `json:"lo"`
	Hi       uint64   `json:"hi"`
	MaxLevel int      `json:"max_level"`
	Leaves   [][]byte `json:"leaves"`
}

// Marshal encodes the tree's shape and leaf hashes (not interior
// nodes — those are cheaply recomputable on receipt via Root/node).
func (t *Tree) Marshal() ([]byte, error) {
	w := wireTree{Lo: t.Lo, Hi: t.Hi, MaxLevel: t.MaxLevel, Leaves: make([][]byte, len(t.Leaves))}
	for i, h := range t.Leaves {
		w.Leaves[i] = h[:]
	}
	return json.Marshal(w)
}

// Unmarshal decodes a tree previously produced by Marshal.
func Unmarshal(data []byte) (*Tree, error) {
	var w wireTree
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("merkle: unmarshal: %w", err)
	}
	leaves := make([]Hash, len(w.Leaves))
	for i, b := range w.Leaves {
		if len(b) != HashSize {
			return nil, fmt.Errorf("merkle: leaf %d has %d bytes, want %d", i, len(b), HashSize)
		}
		copy(leaves[i][:], b)
	}
	return &Tree{Lo: w.Lo, Hi: w.Hi, MaxLevel: w.MaxLevel, Leaves: leaves}, nil
}
