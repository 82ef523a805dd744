package iavl

import "github.com/pkg/errors"

// Node is the tagged Leaf/Branch variant described by the data model: a
// Leaf carries a user value, a Branch carries only the split key and the
// Merkle hashes of its two children. Both variants share a single struct,
// the way the node database has always stored them, distinguished by
// height: height == 0 is a Leaf, anything else is a Branch.
//
// Children are referenced by hash on disk. In memory a Branch lazily
// materializes leftNode/rightNode on first access; until then the child is
// a "weak" reference carried purely as a hash. Ownership of a child is
// therefore logical, not a real pointer graph: two Nodes across different
// versions can share the same child by hash without any aliasing hazard,
// since nodes are immutable once persisted.
type Node struct {
	key   []byte
	value []byte // leaf only; already packed by Codec

	version     int64
	leftHeight  int8
	rightHeight int8

	leftHash  []byte
	rightHash []byte
	hash      []byte

	leftNode  *Node
	rightNode *Node

	persisted bool
	dirty     bool
}

func (n *Node) isLeaf() bool {
	return n.leftHeight == 0 && n.rightHeight == 0 && n.leftHash == nil && n.rightHash == nil && n.leftNode == nil && n.rightNode == nil
}

// height is 1 + max(leftHeight, rightHeight) for a Branch, 0 for a Leaf.
func (n *Node) height() int8 {
	if n.isLeaf() {
		return 0
	}
	if n.leftHeight > n.rightHeight {
		return n.leftHeight + 1
	}
	return n.rightHeight + 1
}

func (n *Node) balanceFactor() int {
	return int(n.leftHeight) - int(n.rightHeight)
}

func newLeaf(key, value []byte, version int64) *Node {
	return &Node{key: key, value: value, version: version, dirty: true}
}

func newBranch(key []byte, left, right *Node, version int64) *Node {
	b := &Node{key: key, version: version, dirty: true}
	b.setLeft(left)
	b.setRight(right)
	return b
}

// setLeft attaches a materialized left child, updating height and marking n
// dirty so the new hash gets recomputed at persist time. Callers must only
// call setLeft/setRight on a node they own exclusively for this operation
// (see ownNode in tree.go) -- n itself may already be shared (loaded from
// the store or the node cache) under its current hash, and mutating it
// directly here would corrupt that shared identity.
func (n *Node) setLeft(left *Node) {
	n.leftNode = left
	n.leftHeight = left.height()
	n.leftHash = left.hash
	n.dirty = true
	n.hash = nil
}

func (n *Node) setRight(right *Node) {
	n.rightNode = right
	n.rightHeight = right.height()
	n.rightHash = right.hash
	n.dirty = true
	n.hash = nil
}

// clone returns a private, unpersisted, dirty copy of n: a new identity
// that this operation can mutate freely without disturbing n itself. Used
// by ownNode (tree.go) whenever a persisted node -- one that may still be
// referenced elsewhere under its current hash, e.g. in the node cache, or
// by another Tree/Store reader holding an older version -- needs to change.
func (n *Node) clone() *Node {
	return &Node{
		key:         n.key,
		value:       n.value,
		version:     n.version,
		leftHeight:  n.leftHeight,
		rightHeight: n.rightHeight,
		leftHash:    n.leftHash,
		rightHash:   n.rightHash,
		leftNode:    n.leftNode,
		rightNode:   n.rightNode,
		dirty:       true,
	}
}

// left resolves the left child, materializing it from the store on first
// access if only a hash is currently held.
func (n *Node) left(s *Store) *Node {
	if n.leftNode != nil {
		return n.leftNode
	}
	child, err := s.GetNode(n.leftHash)
	if err != nil {
		panic(err) // corruption: a referenced node must exist
	}
	n.leftNode = child
	return child
}

func (n *Node) right(s *Store) *Node {
	if n.rightNode != nil {
		return n.rightNode
	}
	child, err := s.GetNode(n.rightHash)
	if err != nil {
		panic(err)
	}
	n.rightNode = child
	return child
}

// _hash computes and caches the node's content hash per invariant 3 (leaf:
// sha256(version, key, value); branch: sha256(version, leftHash, rightHash)).
func (n *Node) _hash() []byte {
	if n.hash != nil {
		return n.hash
	}
	if n.isLeaf() {
		n.hash = sum256(u32be(n.version), n.key, n.value)
	} else {
		n.hash = sum256(u32be(n.version), n.leftHash, n.rightHash)
	}
	return n.hash
}

// leftmost walks to the leftmost Leaf reachable from n, used both to
// maintain the split-key invariant after a delete and to find proof
// neighbors.
func (n *Node) leftmost(s *Store) *Node {
	cur := n
	for !cur.isLeaf() {
		cur = cur.left(s)
	}
	return cur
}

// compactLeaf / compactBranch are the on-disk tuple encodings from §4.2 of
// the component design: a Leaf is a 3-element tuple, a Branch a 6-element
// tuple. Encoding the arity directly in the CBOR array length lets
// MakeNode distinguish the two variants without an explicit tag byte.
type compactLeaf struct {
	_       struct{} `cbor:",toarray"`
	Key     []byte
	Value   []byte
	Version int64
}

type compactBranch struct {
	_           struct{} `cbor:",toarray"`
	Key         []byte
	Version     int64
	LeftHeight  int8
	RightHeight int8
	LeftHash    []byte
	RightHash   []byte
}

// writeBytes encodes the node's compact form using codec.
func (n *Node) writeBytes(codec Codec) ([]byte, error) {
	if n.isLeaf() {
		return codec.Pack(compactLeaf{Key: n.key, Value: n.value, Version: n.version})
	}
	return codec.Pack(compactBranch{
		Key:         n.key,
		Version:     n.version,
		LeftHeight:  n.leftHeight,
		RightHeight: n.rightHeight,
		LeftHash:    n.leftHash,
		RightHash:   n.rightHash,
	})
}

// MakeNode reconstructs a Node from its compact on-disk form without
// fetching children; they remain lazy (hash-only) references until
// accessed through left()/right().
func MakeNode(buf []byte, codec Codec) (*Node, error) {
	// Arity is discriminated by attempting the 6-field branch shape first;
	// a leaf's compact form will fail to populate LeftHash/RightHash.
	var asBranch compactBranch
	if err := codec.Unpack(buf, &asBranch); err == nil {
		return &Node{
			key:         asBranch.Key,
			version:     asBranch.Version,
			leftHeight:  asBranch.LeftHeight,
			rightHeight: asBranch.RightHeight,
			leftHash:    asBranch.LeftHash,
			rightHash:   asBranch.RightHash,
			persisted:   true,
		}, nil
	}

	var asLeaf compactLeaf
	if err := codec.Unpack(buf, &asLeaf); err != nil {
		return nil, errors.Wrap(err, "MakeNode: could not decode compact form")
	}
	return &Node{
		key:       asLeaf.Key,
		value:     asLeaf.Value,
		version:   asLeaf.Version,
		persisted: true,
	}, nil
}
