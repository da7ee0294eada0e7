// Package merkle builds binary hash trees over ordered leaves.
//
// Conventions, applied identically when building, proving and verifying:
//   - every leaf is hashed on its own before pairing;
//   - a parent is hash(left || right);
//   - an odd node at any level is paired with a copy of itself;
//   - a tree always has at least one internal level, so a single leaf a
//     has root hash(hash(a) || hash(a));
//   - the root of an empty list is hash() over no input.
package merkle

import (
	"bytes"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"golang.org/x/xerrors"

	"voting-ledger/encryption"
)

var (
	ErrLeafNotFound    = xerrors.New("leaf not in tree")
	ErrIndexOutOfRange = xerrors.New("leaf index out of range")
)

// Position says on which side of the running hash a sibling sits.
type Position string

const (
	Left  Position = "left"
	Right Position = "right"
)

// Step is one level of an inclusion proof.
type Step struct {
	Hash     hexutil.Bytes `json:"hash"`
	Position Position      `json:"position"`
}

// Proof is the sibling path from a leaf up to the root.
type Proof []Step

// Tree keeps every level so proofs can be cut without rehashing.
// levels[0] holds the leaf digests, the last level holds the root.
type Tree struct {
	hash   encryption.HashFunc
	leaves [][]byte
	levels [][][]byte
}

// EmptyRoot is the root of a tree without leaves.
func EmptyRoot(hash encryption.HashFunc) []byte {
	return hash()
}

// BuildTree hashes the leaves and folds them pairwise up to the root.
func BuildTree(hash encryption.HashFunc, leaves [][]byte) *Tree {
	t := &Tree{hash: hash, leaves: make([][]byte, len(leaves))}
	for i, l := range leaves {
		t.leaves[i] = append([]byte(nil), l...)
	}
	if len(leaves) == 0 {
		return t
	}

	level := make([][]byte, len(leaves))
	for i, l := range leaves {
		level[i] = hash(l)
	}
	t.levels = append(t.levels, level)

	for {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, hash(left, right))
		}
		t.levels = append(t.levels, next)
		level = next
		if len(level) == 1 {
			break
		}
	}
	return t
}

// Root returns the root digest of leaves.
func Root(hash encryption.HashFunc, leaves [][]byte) []byte {
	return BuildTree(hash, leaves).Root()
}

// Root returns a copy of the tree root.
func (t *Tree) Root() []byte {
	if len(t.levels) == 0 {
		return EmptyRoot(t.hash)
	}
	top := t.levels[len(t.levels)-1]
	return append([]byte(nil), top[0]...)
}

// Len is the number of leaves.
func (t *Tree) Len() int {
	return len(t.leaves)
}

// Depth is the number of internal levels above the leaves.
func (t *Tree) Depth() int {
	if len(t.levels) == 0 {
		return 0
	}
	return len(t.levels) - 1
}

// IndexOf returns the first position of leaf, or -1.
func (t *Tree) IndexOf(leaf []byte) int {
	for i, l := range t.leaves {
		if bytes.Equal(l, leaf) {
			return i
		}
	}
	return -1
}

// ProofAt builds the sibling path for the leaf at index.
func (t *Tree) ProofAt(index int) (Proof, error) {
	if index < 0 || index >= len(t.leaves) {
		return nil, xerrors.Errorf("index %d of %d: %w", index, len(t.leaves), ErrIndexOutOfRange)
	}
	proof := make(Proof, 0, t.Depth())
	pos := index
	for _, level := range t.levels[:len(t.levels)-1] {
		if pos%2 == 0 {
			sib := level[pos]
			if pos+1 < len(level) {
				sib = level[pos+1]
			}
			proof = append(proof, Step{Hash: append([]byte(nil), sib...), Position: Right})
		} else {
			proof = append(proof, Step{Hash: append([]byte(nil), level[pos-1]...), Position: Left})
		}
		pos /= 2
	}
	return proof, nil
}

// Proof builds the sibling path for the first occurrence of leaf.
func (t *Tree) Proof(leaf []byte) (Proof, error) {
	idx := t.IndexOf(leaf)
	if idx < 0 {
		return nil, ErrLeafNotFound
	}
	return t.ProofAt(idx)
}

// GenerateProof builds the tree over leaves and proves target.
func GenerateProof(hash encryption.HashFunc, leaves [][]byte, target []byte) (Proof, error) {
	return BuildTree(hash, leaves).Proof(target)
}

// VerifyProof replays the proof from leaf and compares with root. An empty
// proof never verifies since every tree has at least one internal level.
func VerifyProof(hash encryption.HashFunc, leaf []byte, proof Proof, root []byte) bool {
	if len(proof) == 0 || len(root) == 0 {
		return false
	}
	h := hash(leaf)
	for _, step := range proof {
		switch step.Position {
		case Left:
			h = hash(step.Hash, h)
		case Right:
			h = hash(h, step.Hash)
		default:
			return false
		}
	}
	return bytes.Equal(h, root)
}
