// Package merkle implements the fixed-height sparse Merkle accumulator
// used to authenticate the vouchers and notices emitted during an epoch.
//
// spec.md §1 treats the Merkle tree data structure as an external
// collaborator "assumed available as a library"; no library in the
// reference corpus implements this exact contract (see DESIGN.md), so it
// is implemented here directly, delegating only the hash function itself
// to a third-party library (internal/hash, backed by go-ethereum).
package merkle

import (
	"errors"
	"fmt"

	"github.com/cartesi-corp/rollup-manager/internal/hash"
)

// ErrFull is returned by PushBack once the tree holds 1<<(log2Root-log2Leaf)
// leaves.
var ErrFull = errors.New("merkle: tree is full")

// Tree is a fixed-height, append-only, sparse Merkle tree. Leaves are
// pushed in order; unpopulated leaves hash as the zero hash, recursively
// combined up to the root, so the root is well defined at any size.
//
// The current implementation requires log2Leaf == log2Word, which is the
// only configuration spec.md §3 ever instantiates
// (`Merkle(root=37, leaf=5, word=5)`).
type Tree struct {
	log2Root uint64
	log2Leaf uint64
	log2Word uint64
	height   uint64 // log2Root - log2Leaf

	leaves []hash.Hash
	zero   []hash.Hash // zero[i] is the hash of an empty subtree spanning 2^i leaves
}

// New constructs an empty Tree with the given geometry.
func New(log2Root, log2Leaf, log2Word uint64) (*Tree, error) {
	if log2Leaf != log2Word {
		return nil, fmt.Errorf("merkle: unsupported geometry, log2Leaf (%d) must equal log2Word (%d)", log2Leaf, log2Word)
	}
	if log2Root < log2Leaf {
		return nil, fmt.Errorf("merkle: log2Root (%d) must be >= log2Leaf (%d)", log2Root, log2Leaf)
	}

	height := log2Root - log2Leaf
	zero := make([]hash.Hash, height+1)
	zero[0] = hash.Zero
	for i := uint64(1); i <= height; i++ {
		zero[i] = hash.Keccak256(zero[i-1][:], zero[i-1][:])
	}

	return &Tree{
		log2Root: log2Root,
		log2Leaf: log2Leaf,
		log2Word: log2Word,
		height:   height,
		zero:     zero,
	}, nil
}

// maxSize is the maximum number of leaves the tree can hold.
func (t *Tree) maxSize() uint64 {
	return uint64(1) << t.height
}

// PushBack appends a leaf hash, failing once the tree is full.
func (t *Tree) PushBack(h hash.Hash) error {
	if uint64(len(t.leaves)) >= t.maxSize() {
		return ErrFull
	}
	t.leaves = append(t.leaves, h)
	return nil
}

// Size returns the number of leaves pushed so far.
func (t *Tree) Size() uint64 {
	return uint64(len(t.leaves))
}

// Root returns the tree's current root hash.
func (t *Tree) Root() hash.Hash {
	return t.hashAt(t.height, 0)
}

// hashAt returns the hash of the subtree at the given level (0 = leaf
// level, height = root) and index (0-based among subtrees of that level's
// span). Subtrees entirely beyond the populated range short-circuit to the
// precomputed zero hash for that level.
func (t *Tree) hashAt(level, index uint64) hash.Hash {
	span := uint64(1) << level
	start := index * span
	if start >= uint64(len(t.leaves)) {
		return t.zero[level]
	}
	if level == 0 {
		return t.leaves[index]
	}
	left := t.hashAt(level-1, index*2)
	right := t.hashAt(level-1, index*2+1)
	return hash.Keccak256(left[:], right[:])
}

// GetProof returns the inclusion proof for the subtree of size
// 1<<log2Size rooted at the given byte address, which must be aligned to
// that size.
func (t *Tree) GetProof(address, log2Size uint64) (Proof, error) {
	if log2Size < t.log2Leaf || log2Size > t.log2Root {
		return Proof{}, fmt.Errorf("merkle: log2Size %d out of range [%d, %d]", log2Size, t.log2Leaf, t.log2Root)
	}
	if address%(uint64(1)<<log2Size) != 0 {
		return Proof{}, fmt.Errorf("merkle: address %#x is not %d-bit aligned", address, log2Size)
	}

	level := log2Size - t.log2Leaf
	index := address >> log2Size
	target := t.hashAt(level, index)

	siblings := make([]hash.Hash, t.height-level)
	for l := level; l < t.height; l++ {
		idxAtL := address >> (t.log2Leaf + l)
		siblings[l-level] = t.hashAt(l, idxAtL^1)
	}

	return Proof{
		TargetAddress:  address,
		TargetHash:     target,
		RootHash:       t.hashAt(t.height, 0),
		Log2TargetSize: log2Size,
		Log2RootSize:   t.log2Root,
		Siblings:       siblings,
	}, nil
}
