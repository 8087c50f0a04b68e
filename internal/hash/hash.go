// Package hash wraps the Keccak-256 hash function used throughout the
// rollup manager to authenticate machine outputs and Merkle tree leaves.
package hash

import "github.com/ethereum/go-ethereum/crypto"

// Size is the length in bytes of a Hash.
const Size = 32

// Hash is a 32-byte Keccak-256 digest.
type Hash [Size]byte

// Zero is the all-zero hash, used as the default value of unpopulated
// Merkle tree leaves and as the sentinel terminating a packed hash array.
var Zero Hash

// Keccak256 hashes the concatenation of data.
func Keccak256(data ...[]byte) Hash {
	var h Hash
	copy(h[:], crypto.Keccak256(data...))
	return h
}

// IsZero reports whether h is the all-zero hash.
func (h Hash) IsZero() bool {
	return h == Zero
}

// Bytes returns a copy of h as a byte slice.
func (h Hash) Bytes() []byte {
	b := make([]byte, Size)
	copy(b, h[:])
	return b
}

// FromBytes copies the first Size bytes of b into a Hash. If b is shorter
// than Size bytes, the remaining bytes of the Hash are zero.
func FromBytes(b []byte) Hash {
	var h Hash
	copy(h[:], b)
	return h
}
