// Package merkle implements the RFC 6962-style domain-separated binary hash
// tree used to anchor a window of event hashes: leaf hash is
// SHA256(0x00 || data), internal node hash is SHA256(0x01 || left || right),
// and an unpaired rightmost node at any level is promoted to the next level
// unchanged rather than duplicated.
//
// A Tree is a flat layered array of hex-encoded hashes (levels[0] is the
// leaf level, levels[len-1] is [root]) — there are no node/parent/child
// pointers, so a Proof is plain data indexed directly out of the levels,
// never a graph walk.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
)

const (
	leafPrefix = byte(0x00)
	nodePrefix = byte(0x01)
)

// Tree is an immutable, fully materialized Merkle tree over an ordered
// sequence of leaves.
type Tree struct {
	levels [][]string // levels[0] = leaves, levels[len-1] = [root]
}

// ProofDirection marks which side of the running hash a sibling sits on.
type ProofDirection string

const (
	Left  ProofDirection = "L"
	Right ProofDirection = "R"
)

// ProofElement is one step of sibling hash + side while folding a proof
// path toward the root.
type ProofElement struct {
	Sibling   string
	Direction ProofDirection
}

// Proof is the inclusion proof for a single leaf: its own hash, its
// position, the ordered path of siblings from the leaf level up, the root
// it should fold to, and the tree's leaf count at the time of generation.
type Proof struct {
	LeafHash string
	Index    int
	Path     []ProofElement
	Root     string
	TreeSize int
}

func computeLeafHash(data []byte) string {
	h := sha256.New()
	h.Write([]byte{leafPrefix})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

func computeParentHash(left, right string) (string, error) {
	lb, err := hex.DecodeString(left)
	if err != nil {
		return "", err
	}
	rb, err := hex.DecodeString(right)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte{nodePrefix})
	h.Write(lb)
	h.Write(rb)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Build constructs a Tree from raw leaf bytes, hashing each with the leaf
// domain-separation prefix. Returns ErrEmptyInput if leaves is empty.
func Build(leaves [][]byte) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, ErrEmptyInput
	}
	hashes := make([]string, len(leaves))
	for i, l := range leaves {
		hashes[i] = computeLeafHash(l)
	}
	return fromLeafHashes(hashes)
}

// BuildFromHashes treats each entry as pre-hashed leaf content that is
// still re-hashed with the leaf prefix before combination — use this when
// hashes are arbitrary content hashes that have not yet been through the
// leaf domain separation step.
func BuildFromHashes(hashes []string) (*Tree, error) {
	if len(hashes) == 0 {
		return nil, ErrEmptyInput
	}
	leafHashes := make([]string, len(hashes))
	for i, h := range hashes {
		raw, err := hex.DecodeString(h)
		if err != nil {
			return nil, err
		}
		leafHashes[i] = computeLeafHash(raw)
	}
	return fromLeafHashes(leafHashes)
}

// BuildFromRawHashes treats each entry as already being a correctly
// domain-separated leaf hash and uses it directly, without re-prefixing.
// This is the mode the anchor workflow uses: event hashes are the leaves.
func BuildFromRawHashes(hashes []string) (*Tree, error) {
	if len(hashes) == 0 {
		return nil, ErrEmptyInput
	}
	leafHashes := make([]string, len(hashes))
	copy(leafHashes, hashes)
	return fromLeafHashes(leafHashes)
}

func fromLeafHashes(leafHashes []string) (*Tree, error) {
	levels := [][]string{leafHashes}
	current := leafHashes
	for len(current) > 1 {
		next := make([]string, 0, (len(current)+1)/2)
		for i := 0; i+1 < len(current); i += 2 {
			parent, err := computeParentHash(current[i], current[i+1])
			if err != nil {
				return nil, err
			}
			next = append(next, parent)
		}
		if len(current)%2 == 1 {
			next = append(next, current[len(current)-1])
		}
		levels = append(levels, next)
		current = next
	}
	return &Tree{levels: levels}, nil
}

// Root returns the tree's root hash.
func (t *Tree) Root() string {
	top := t.levels[len(t.levels)-1]
	return top[0]
}

// Size returns the number of leaves in the tree.
func (t *Tree) Size() int {
	return len(t.levels[0])
}

// Prove builds the inclusion proof for leaf index i. Returns
// ErrOutOfBounds if i is not in [0, Size()).
func (t *Tree) Prove(i int) (*Proof, error) {
	n := len(t.levels[0])
	if i < 0 || i >= n {
		return nil, ErrOutOfBounds
	}

	path := make([]ProofElement, 0, len(t.levels)-1)
	idx := i
	for level := 0; level < len(t.levels)-1; level++ {
		layer := t.levels[level]
		var sibIdx int
		var dir ProofDirection
		if idx%2 == 0 {
			sibIdx = idx + 1
			dir = Right
		} else {
			sibIdx = idx - 1
			dir = Left
		}
		if sibIdx < len(layer) {
			path = append(path, ProofElement{Sibling: layer[sibIdx], Direction: dir})
		}
		// Promoted unpaired node: no sibling at this level, index
		// carries straight through to the same slot in the next level.
		idx = idx / 2
	}

	return &Proof{
		LeafHash: t.levels[0][i],
		Index:    i,
		Path:     path,
		Root:     t.Root(),
		TreeSize: n,
	}, nil
}

// Verify recomputes the root by folding the proof's path over its leaf
// hash and compares it against the proof's recorded root.
func Verify(p *Proof) bool {
	root, err := computeRootFromProof(p.LeafHash, p.Path)
	if err != nil {
		return false
	}
	return root == p.Root
}

func computeRootFromProof(leafHash string, path []ProofElement) (string, error) {
	current := leafHash
	var err error
	for _, el := range path {
		if el.Direction == Left {
			current, err = computeParentHash(el.Sibling, current)
		} else {
			current, err = computeParentHash(current, el.Sibling)
		}
		if err != nil {
			return "", err
		}
	}
	return current, nil
}

// VerifyAgainstRoot folds leafHash over path and compares the result
// against an externally supplied root, for callers that hold a proof
// without its embedded Root field (e.g. a freshly-decoded compact proof).
func VerifyAgainstRoot(leafHash string, path []ProofElement, root string) bool {
	computed, err := computeRootFromProof(leafHash, path)
	if err != nil {
		return false
	}
	return computed == root
}
