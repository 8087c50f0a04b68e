package merkle

import "github.com/cartesi-corp/rollup-manager/internal/hash"

// Proof is an inclusion witness for a subtree of size 1<<Log2TargetSize at
// TargetAddress within a tree of size 1<<Log2RootSize rooted at RootHash.
// Siblings holds one hash per level from Log2TargetSize (exclusive) up to
// Log2RootSize, in that order.
//
// Proof is shared between the epoch accumulators (merkle.Tree) and the
// machine client's own GetProof calls (internal/machine), since both
// describe the same kind of fixed-height binary Merkle witness.
type Proof struct {
	TargetAddress  uint64
	TargetHash     hash.Hash
	RootHash       hash.Hash
	Log2TargetSize uint64
	Log2RootSize   uint64
	Siblings       []hash.Hash
}

// hashAtLevel folds the target hash up through the sibling path to the
// requested level, which must lie within [Log2TargetSize, Log2RootSize].
func (p Proof) hashAtLevel(level uint64) hash.Hash {
	node := p.TargetHash
	for l := p.Log2TargetSize; l < level; l++ {
		sib := p.Siblings[l-p.Log2TargetSize]
		if (p.TargetAddress>>l)&1 == 0 {
			node = hash.Keccak256(node[:], sib[:])
		} else {
			node = hash.Keccak256(sib[:], node[:])
		}
	}
	return node
}

// Verify reports whether folding TargetHash up through Siblings yields
// RootHash.
func (p Proof) Verify() bool {
	return p.hashAtLevel(p.Log2RootSize) == p.RootHash
}

// Slice narrows the proof to the sub-proof spanning the two given log2
// levels, which must both lie within [Log2TargetSize, Log2RootSize]. The
// returned proof's target is the (possibly folded) hash at the lower
// level and its root is the hash at the higher level.
func (p Proof) Slice(levelA, levelB uint64) Proof {
	lo, hi := levelA, levelB
	if lo > hi {
		lo, hi = hi, lo
	}

	start := lo - p.Log2TargetSize
	end := hi - p.Log2TargetSize
	shift := lo - p.Log2TargetSize

	return Proof{
		TargetAddress:  (p.TargetAddress >> shift) << shift,
		TargetHash:     p.hashAtLevel(lo),
		RootHash:       p.hashAtLevel(hi),
		Log2TargetSize: lo,
		Log2RootSize:   hi,
		Siblings:       append([]hash.Hash(nil), p.Siblings[start:end]...),
	}
}
