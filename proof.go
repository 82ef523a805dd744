package iavl

import (
	"bytes"

	ics23 "github.com/confio/ics23/go"
)

// LeafOp is the leaf half of an existence proof: the version, key and value
// that hash to the leaf's content hash.
type LeafOp struct {
	Version int64
	Key     []byte
	Value   []byte
}

// InnerOp is one sibling-hash step on the path from a leaf to the root. Per
// §4.7, exactly one of Left/Right is present: if we descended left from
// this Branch, the sibling is its right hash, and vice versa.
type InnerOp struct {
	Version int64
	Left    []byte // present iff we descended right (sibling is on the left)
	Right   []byte // present iff we descended left (sibling is on the right)
}

// ExistenceProof is a leaf triple plus the list of sibling-hash triples
// along the root path, child-to-root order, sufficient to recompute the
// root hash.
type ExistenceProof struct {
	Leaf LeafOp
	Path []InnerOp
}

// NonExistenceProof carries the queried key plus membership proofs for its
// immediate in-order neighbors. Either neighbor may be nil, but not both
// unless the tree is empty.
type NonExistenceProof struct {
	Key   []byte
	Left  *ExistenceProof
	Right *ExistenceProof
}

// GetProof builds an existence proof for key. Fails if key is not present.
func (t *Tree) GetProof(key []byte) (*ExistenceProof, error) {
	path := findPath(t.store, t.root, key)
	if len(path) == 0 {
		return nil, ErrKeyNotFound
	}
	leaf := path[0]
	if !leaf.isLeaf() {
		return nil, ErrNotALeaf
	}
	if !bytes.Equal(leaf.key, key) {
		return nil, ErrKeyNotFound
	}

	proof := &ExistenceProof{
		Leaf: LeafOp{Version: leaf.version, Key: leaf.key, Value: leaf.value},
	}
	for _, b := range path[1:] {
		step := InnerOp{Version: b.version}
		if bytes.Compare(key, b.key) < 0 {
			// descended left: sibling is the right hash
			step.Right = b.rightHash
		} else {
			step.Left = b.leftHash
		}
		proof.Path = append(proof.Path, step)
	}
	return proof, nil
}

// VerifyProof checks an existence proof against key, value and the tree's
// current root hash, per the five steps of §4.7.
func (t *Tree) VerifyProof(proof *ExistenceProof, key, value []byte) error {
	return VerifyExistence(proof, key, value, t.rootHash)
}

// VerifyExistence verifies proof independent of any live Tree, against an
// explicit expected root hash.
func VerifyExistence(proof *ExistenceProof, key, value, rootHash []byte) error {
	if !bytes.Equal(proof.Leaf.Key, key) {
		return ErrKeyMismatch
	}
	if !bytes.Equal(proof.Leaf.Value, value) {
		return ErrValueMismatch
	}

	hash := sum256(u32be(proof.Leaf.Version), proof.Leaf.Key, proof.Leaf.Value)
	for _, step := range proof.Path {
		switch {
		case len(step.Left) > 0:
			hash = sum256(u32be(step.Version), step.Left, hash)
		case len(step.Right) > 0:
			hash = sum256(u32be(step.Version), hash, step.Right)
		default:
			return ErrEmptySibling
		}
	}

	if !bytes.Equal(hash, rootHash) {
		return ErrRootHashMismatch
	}
	return nil
}

// GetNonExistenceProof builds a non-existence proof for key: fails if key
// is actually present, otherwise returns existence proofs for its in-order
// neighbors (at least one must exist unless the tree is empty).
func (t *Tree) GetNonExistenceProof(key []byte) (*NonExistenceProof, error) {
	if t.Has(key) {
		return nil, ErrKeyExists
	}

	proof := &NonExistenceProof{Key: key}

	if left := leftNeighbor(t.store, t.root, key); left != nil {
		p, err := t.GetProof(left.key)
		if err != nil {
			return nil, err
		}
		proof.Left = p
	}
	if right := rightNeighbor(t.store, t.root, key); right != nil {
		p, err := t.GetProof(right.key)
		if err != nil {
			return nil, err
		}
		proof.Right = p
	}

	return proof, nil
}

// VerifyNonExistence verifies a non-existence proof: each populated
// neighbor must independently verify against rootHash, and at least one
// neighbor must be present.
func VerifyNonExistence(proof *NonExistenceProof, rootHash []byte) error {
	if proof.Left == nil && proof.Right == nil {
		return ErrEmptySibling
	}
	if proof.Left != nil {
		if err := VerifyExistence(proof.Left, proof.Left.Leaf.Key, proof.Left.Leaf.Value, rootHash); err != nil {
			return err
		}
		if bytes.Compare(proof.Left.Leaf.Key, proof.Key) >= 0 {
			return ErrKeyMismatch
		}
	}
	if proof.Right != nil {
		if err := VerifyExistence(proof.Right, proof.Right.Leaf.Key, proof.Right.Leaf.Value, rootHash); err != nil {
			return err
		}
		if bytes.Compare(proof.Right.Leaf.Key, proof.Key) <= 0 {
			return ErrKeyMismatch
		}
	}
	return nil
}

// ToCommitmentProof maps an ExistenceProof onto the standard ICS-23
// tree-proof wire format (§4.7's "external proof-spec mapping"): SHA-256
// leaf and inner hashing, a 4-byte version prefix, 32-byte fixed child
// hashes, and children ordered [0, 1].
func ToCommitmentProof(proof *ExistenceProof) *ics23.CommitmentProof {
	ep := &ics23.ExistenceProof{
		Key:   proof.Leaf.Key,
		Value: proof.Leaf.Value,
		Leaf: &ics23.LeafOp{
			Hash:   ics23.HashOp_SHA256,
			Length: ics23.LengthOp_NO_PREFIX,
			Prefix: u32be(proof.Leaf.Version),
		},
	}
	for _, step := range proof.Path {
		inner := &ics23.InnerOp{Hash: ics23.HashOp_SHA256}
		if len(step.Left) > 0 {
			// sibling on the left: prefix = version||left, no suffix
			inner.Prefix = append(append([]byte{}, u32be(step.Version)...), step.Left...)
		} else {
			// sibling on the right: prefix = version, suffix = right
			inner.Prefix = u32be(step.Version)
			inner.Suffix = step.Right
		}
		ep.Path = append(ep.Path, inner)
	}
	return &ics23.CommitmentProof{
		Proof: &ics23.CommitmentProof_Exist{Exist: ep},
	}
}
