package merkle

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cartesi-corp/rollup-manager/internal/hash"
)

func leafHash(n byte) hash.Hash {
	return hash.Keccak256([]byte{n})
}

func TestEmptyTreeRootIsFoldedZeroHash(t *testing.T) {
	tr, err := New(37, 5, 5)
	require.NoError(t, err)
	require.Equal(t, uint64(0), tr.Size())

	// root of an entirely unpopulated tree is the zero hash folded height times
	expected := hash.Zero
	for i := uint64(0); i < 37-5; i++ {
		expected = hash.Keccak256(expected[:], expected[:])
	}
	require.Equal(t, expected, tr.Root())
}

func TestPushBackAndGetProofRoundTrip(t *testing.T) {
	tr, err := New(37, 5, 5)
	require.NoError(t, err)

	leaves := []hash.Hash{leafHash(0), leafHash(1), leafHash(2)}
	for _, l := range leaves {
		require.NoError(t, tr.PushBack(l))
	}
	require.Equal(t, uint64(3), tr.Size())

	root := tr.Root()
	for i, l := range leaves {
		proof, err := tr.GetProof(uint64(i)<<5, 5)
		require.NoError(t, err)
		require.Equal(t, l, proof.TargetHash)
		require.Equal(t, root, proof.RootHash)
		require.True(t, proof.Verify())
	}
}

func TestProofFetchedBeforeAppendStillVerifies(t *testing.T) {
	tr, err := New(20, 5, 5)
	require.NoError(t, err)
	require.NoError(t, tr.PushBack(leafHash(0)))
	require.NoError(t, tr.PushBack(leafHash(1)))

	proof, err := tr.GetProof(0, 5)
	require.NoError(t, err)
	rootAfterTwo := tr.Root()
	require.Equal(t, rootAfterTwo, proof.RootHash)

	require.NoError(t, tr.PushBack(leafHash(2)))
	// appending further leaves changes the root...
	require.NotEqual(t, rootAfterTwo, tr.Root())

	// ...but a proof fetched before the append stays internally consistent.
	require.True(t, proof.Verify())
}

func TestGetProofRejectsMisalignedAddress(t *testing.T) {
	tr, err := New(20, 5, 5)
	require.NoError(t, err)
	require.NoError(t, tr.PushBack(leafHash(0)))

	_, err = tr.GetProof(1, 5)
	require.Error(t, err)
}

func TestPushBackFailsWhenFull(t *testing.T) {
	tr, err := New(7, 5, 5) // height 2, max 4 leaves
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		require.NoError(t, tr.PushBack(leafHash(byte(i))))
	}
	require.ErrorIs(t, tr.PushBack(leafHash(4)), ErrFull)
}

func TestNewRejectsMismatchedLeafAndWord(t *testing.T) {
	_, err := New(37, 6, 5)
	require.Error(t, err)
}

func TestProofSliceNarrowsToIntermediateRoot(t *testing.T) {
	tr, err := New(7, 5, 5) // height 2, 4 leaves
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		require.NoError(t, tr.PushBack(leafHash(byte(i))))
	}

	full, err := tr.GetProof(0, 5)
	require.NoError(t, err)

	// the sub-proof up to level 6 (pairs of leaves) should match the hash
	// of leaves 0 and 1 combined.
	sliced := full.Slice(5, 6)
	h0, h1 := leafHash(0), leafHash(1)
	require.Equal(t, hash.Keccak256(h0[:], h1[:]), sliced.RootHash)
	require.Equal(t, leafHash(0), sliced.TargetHash)
}
