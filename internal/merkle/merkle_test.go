package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// CONCRETE SCENARIOS (spec §8 seeds)
// ============================================================================

func hashLeaf(t *testing.T, data []byte) string {
	t.Helper()
	h := sha256.New()
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

func hashNode(t *testing.T, left, right string) string {
	t.Helper()
	lb, err := hex.DecodeString(left)
	require.NoError(t, err)
	rb, err := hex.DecodeString(right)
	require.NoError(t, err)
	h := sha256.New()
	h.Write([]byte{0x01})
	h.Write(lb)
	h.Write(rb)
	return hex.EncodeToString(h.Sum(nil))
}

func TestBuild_SingleLeaf(t *testing.T) {
	tree, err := Build([][]byte{[]byte("only")})
	require.NoError(t, err)

	want := hashLeaf(t, []byte("only"))
	assert.Equal(t, want, tree.Root())

	proof, err := tree.Prove(0)
	require.NoError(t, err)
	assert.Empty(t, proof.Path)
	assert.True(t, Verify(proof))
}

func TestBuild_TwoLeaves(t *testing.T) {
	tree, err := Build([][]byte{[]byte("a"), []byte("b")})
	require.NoError(t, err)

	ha := hashLeaf(t, []byte("a"))
	hb := hashLeaf(t, []byte("b"))
	wantRoot := hashNode(t, ha, hb)
	assert.Equal(t, wantRoot, tree.Root())

	p0, err := tree.Prove(0)
	require.NoError(t, err)
	require.Len(t, p0.Path, 1)
	assert.Equal(t, Right, p0.Path[0].Direction)
	assert.Equal(t, hb, p0.Path[0].Sibling)
	assert.True(t, Verify(p0))

	p1, err := tree.Prove(1)
	require.NoError(t, err)
	require.Len(t, p1.Path, 1)
	assert.Equal(t, Left, p1.Path[0].Direction)
	assert.Equal(t, ha, p1.Path[0].Sibling)
	assert.True(t, Verify(p1))
}

func TestBuild_ThreeLeaves_OddPromotion(t *testing.T) {
	tree, err := Build([][]byte{[]byte("a"), []byte("b"), []byte("c")})
	require.NoError(t, err)

	ha := hashLeaf(t, []byte("a"))
	hb := hashLeaf(t, []byte("b"))
	hc := hashLeaf(t, []byte("c"))
	level1 := hashNode(t, ha, hb)
	wantRoot := hashNode(t, level1, hc)
	assert.Equal(t, wantRoot, tree.Root())

	for i := 0; i < 3; i++ {
		proof, err := tree.Prove(i)
		require.NoError(t, err)
		assert.True(t, Verify(proof), "leaf %d should verify", i)
	}
}

// ============================================================================
// QUANTIFIED INVARIANTS (spec §8)
// ============================================================================

func TestInvariant_ProveVerifyRoundTrip(t *testing.T) {
	leaves := [][]byte{[]byte("a"), []byte("b"), []byte("c"), []byte("d"), []byte("e")}
	tree, err := Build(leaves)
	require.NoError(t, err)

	for i := range leaves {
		proof, err := tree.Prove(i)
		require.NoError(t, err)
		assert.True(t, Verify(proof), "index %d must verify", i)
	}
}

func TestInvariant_BuildMatchesBuildFromRawHashes(t *testing.T) {
	leaves := [][]byte{[]byte("x"), []byte("y"), []byte("z")}
	tree, err := Build(leaves)
	require.NoError(t, err)

	rawHashes := make([]string, len(leaves))
	for i, l := range leaves {
		rawHashes[i] = hashLeaf(t, l)
	}
	rawTree, err := BuildFromRawHashes(rawHashes)
	require.NoError(t, err)

	assert.Equal(t, tree.Root(), rawTree.Root())
}

func TestInvariant_ReorderingChangesRoot(t *testing.T) {
	t1, err := Build([][]byte{[]byte("a"), []byte("b"), []byte("c")})
	require.NoError(t, err)
	t2, err := Build([][]byte{[]byte("b"), []byte("a"), []byte("c")})
	require.NoError(t, err)

	assert.NotEqual(t, t1.Root(), t2.Root())
}

func TestInvariant_TamperingBreaksVerification(t *testing.T) {
	tree, err := Build([][]byte{[]byte("a"), []byte("b"), []byte("c"), []byte("d")})
	require.NoError(t, err)

	proof, err := tree.Prove(2)
	require.NoError(t, err)
	require.True(t, Verify(proof))

	tamperedLeaf := *proof
	tamperedLeaf.LeafHash = hashLeaf(t, []byte("tampered"))
	assert.False(t, Verify(&tamperedLeaf))

	if len(proof.Path) > 0 {
		tamperedPath := *proof
		tamperedPath.Path = append([]ProofElement(nil), proof.Path...)
		tamperedPath.Path[0].Sibling = hashLeaf(t, []byte("tampered-sibling"))
		assert.False(t, Verify(&tamperedPath))
	}
}

func TestBuildFromHashes_RehashesGivenHashes(t *testing.T) {
	h := sha256.Sum256([]byte("pre-hashed-content"))
	rawHash := hex.EncodeToString(h[:])

	tree, err := BuildFromHashes([]string{rawHash})
	require.NoError(t, err)

	want := hashLeaf(t, h[:])
	assert.Equal(t, want, tree.Root())
}

func TestEmptyInput_Rejected(t *testing.T) {
	_, err := Build(nil)
	assert.ErrorIs(t, err, ErrEmptyInput)

	_, err = BuildFromHashes(nil)
	assert.ErrorIs(t, err, ErrEmptyInput)

	_, err = BuildFromRawHashes(nil)
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestProve_OutOfBounds(t *testing.T) {
	tree, err := Build([][]byte{[]byte("a")})
	require.NoError(t, err)

	_, err = tree.Prove(-1)
	assert.ErrorIs(t, err, ErrOutOfBounds)

	_, err = tree.Prove(1)
	assert.ErrorIs(t, err, ErrOutOfBounds)
}

func TestCompactProofCodec_RoundTrip(t *testing.T) {
	tree, err := Build([][]byte{[]byte("a"), []byte("b"), []byte("c"), []byte("d"), []byte("e")})
	require.NoError(t, err)

	for i := 0; i < tree.Size(); i++ {
		proof, err := tree.Prove(i)
		require.NoError(t, err)

		compact := ToCompact(proof.Path)
		decoded, err := FromCompact(compact)
		require.NoError(t, err)

		assert.Equal(t, proof.Path, decoded)
		assert.True(t, VerifyAgainstRoot(proof.LeafHash, decoded, proof.Root))
	}
}

func TestFromCompact_MalformedElement(t *testing.T) {
	_, err := FromCompact([]string{"not-a-valid-element"})
	assert.Error(t, err)

	_, err = FromCompact([]string{"X:deadbeef"})
	assert.Error(t, err)
}
