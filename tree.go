package iavl

import "bytes"

// ownNode returns a private, mutable copy of n suitable for this operation
// to change in place. A node already loaded from the store (or served from
// the node cache) is shared: other readers, the cache itself, or an older
// still-retained version may hold the very same *Node pointer under n's
// current hash. Mutating such a node directly, instead of cloning it,
// would silently corrupt that shared identity -- and since the mutation
// also replaces what the node's old hash represented, that old identity is
// orphaned here, at the point the decision to mutate is made, rather than
// reconstructed later from a hash persist() can no longer see. A node
// created fresh within the current operation was never shared and is
// returned as-is.
func ownNode(n *Node, orphan func(hash []byte, fromVersion int64)) *Node {
	if !n.persisted {
		return n
	}
	if len(n.hash) > 0 {
		orphan(n.hash, n.version)
	}
	return n.clone()
}

// insert descends from n, inserting (key, value) at the current version,
// returning the replacement subtree root. Per §4.4: on a Leaf, an equal key
// updates the value in place; otherwise a new Branch is synthesized whose
// two children are the old Leaf and a freshly created Leaf for the new key,
// ordered by comparison. On a Branch, we descend to the appropriate side,
// reattach the (possibly new) child through the setter, and rebalance.
// orphan is invoked for the previous on-disk identity of any node this
// operation replaces in place (see ownNode).
func insert(s *Store, n *Node, key, value []byte, version int64, orphan func(hash []byte, fromVersion int64)) *Node {
	if n.isLeaf() {
		switch bytes.Compare(key, n.key) {
		case 0:
			m := ownNode(n, orphan)
			m.value = value
			m.version = version
			m.dirty = true
			m.hash = nil
			return m
		case -1:
			return newBranch(n.key, newLeaf(key, value, version), n, version)
		default:
			return newBranch(key, n, newLeaf(key, value, version), version)
		}
	}

	m := ownNode(n, orphan)
	if bytes.Compare(key, m.key) < 0 {
		m.setLeft(insert(s, m.left(s), key, value, version, orphan))
	} else {
		m.setRight(insert(s, m.right(s), key, value, version, orphan))
	}
	if m.dirty {
		m.version = version
	}
	return balance(s, m, orphan)
}

// remove descends from n looking for key. Returns (replacement, removed):
// removed is false if key was not found, in which case n is returned
// unchanged and nothing is orphaned. replacement may be nil, meaning the
// subtree became empty (only possible when n itself was the matching Leaf).
func remove(s *Store, n *Node, key []byte, version int64, orphan func(hash []byte, fromVersion int64)) (replacement *Node, ok bool) {
	if n.isLeaf() {
		if bytes.Equal(key, n.key) {
			if n.persisted && len(n.hash) > 0 {
				orphan(n.hash, n.version)
			}
			return nil, true
		}
		return n, false
	}

	if bytes.Compare(key, n.key) < 0 {
		newLeft, removed := remove(s, n.left(s), key, version, orphan)
		if !removed {
			return n, false
		}
		if newLeft == nil {
			if n.persisted && len(n.hash) > 0 {
				orphan(n.hash, n.version)
			}
			return n.right(s), true
		}
		m := ownNode(n, orphan)
		m.setLeft(newLeft)
		if m.dirty {
			m.version = version
		}
		return balance(s, m, orphan), true
	}

	newRight, removed := remove(s, n.right(s), key, version, orphan)
	if !removed {
		return n, false
	}
	if newRight == nil {
		if n.persisted && len(n.hash) > 0 {
			orphan(n.hash, n.version)
		}
		return n.left(s), true
	}
	m := ownNode(n, orphan)
	m.setRight(newRight)
	if bytes.Equal(key, m.key) {
		// we just removed the minimum of the right subtree; the split key
		// must track the new leftmost key there (invariant 2).
		m.key = m.right(s).leftmost(s).key
	}
	if m.dirty {
		m.version = version
	}
	return balance(s, m, orphan), true
}

// balance restores the AVL invariant at n, performing single or double
// rotations as required by §4.4. n must already be owned by the caller
// (see ownNode); rotateLeft/rotateRight own whichever further nodes they
// themselves go on to mutate.
func balance(s *Store, n *Node, orphan func(hash []byte, fromVersion int64)) *Node {
	switch bf := n.balanceFactor(); {
	case bf > 1:
		if n.left(s).balanceFactor() < 0 {
			n.setLeft(rotateLeft(s, n.left(s), orphan))
		}
		return rotateRight(s, n, orphan)
	case bf < -1:
		if n.right(s).balanceFactor() > 0 {
			n.setRight(rotateRight(s, n.right(s), orphan))
		}
		return rotateLeft(s, n, orphan)
	default:
		return n
	}
}

// rotateLeft promotes n's right child to root, demoting n to be its new
// left child. Both n and the promoted child may still be shared, persisted
// nodes at this point (a rotation can restructure a subtree that this
// operation never otherwise touched), so both go through ownNode before
// being mutated.
func rotateLeft(s *Store, n *Node, orphan func(hash []byte, fromVersion int64)) *Node {
	n = ownNode(n, orphan)
	newRoot := ownNode(n.right(s), orphan)
	n.setRight(newRoot.left(s))
	newRoot.setLeft(n)
	return newRoot
}

// rotateRight promotes n's left child to root, demoting n to be its new
// right child.
func rotateRight(s *Store, n *Node, orphan func(hash []byte, fromVersion int64)) *Node {
	n = ownNode(n, orphan)
	newRoot := ownNode(n.left(s), orphan)
	n.setLeft(newRoot.right(s))
	newRoot.setRight(n)
	return newRoot
}

// find performs a standard BST walk, returning the Leaf matching key, or
// nil.
func find(s *Store, n *Node, key []byte) *Node {
	if n == nil {
		return nil
	}
	if n.isLeaf() {
		if bytes.Equal(key, n.key) {
			return n
		}
		return nil
	}
	if bytes.Compare(key, n.key) < 0 {
		return find(s, n.left(s), key)
	}
	return find(s, n.right(s), key)
}

// findPath collects the root-to-leaf search path in post-order (leaf/last
// visited node first, root last), as required for proof construction.
func findPath(s *Store, n *Node, key []byte) []*Node {
	if n == nil {
		return nil
	}
	if n.isLeaf() {
		return []*Node{n}
	}
	var rest []*Node
	if bytes.Compare(key, n.key) < 0 {
		rest = findPath(s, n.left(s), key)
	} else {
		rest = findPath(s, n.right(s), key)
	}
	return append(rest, n)
}

// persist recursively writes every dirty node reachable from n to the
// store, computing (and caching) each dirty node's content hash, and
// returns n's final hash. Lazy (hash-only) children are left untouched;
// their subtree is unchanged. By the time a node reaches here dirty, its
// previous on-disk identity, if any, has already been orphaned by ownNode;
// persist stamps it with the store's current version (a node cloned by a
// rotation still carries the version it was loaded with) and computes and
// writes the new identity.
func persist(s *Store, n *Node) ([]byte, error) {
	if !n.isLeaf() {
		if n.leftNode != nil {
			h, err := persist(s, n.leftNode)
			if err != nil {
				return nil, err
			}
			n.leftHash = h
		}
		if n.rightNode != nil {
			h, err := persist(s, n.rightNode)
			if err != nil {
				return nil, err
			}
			n.rightHash = h
		}
	}

	if !n.dirty {
		return n.hash, nil
	}

	n.version = s.CurrentVersion()
	n.hash = nil
	newHash := n._hash()

	if err := s.PutNode(n); err != nil {
		return nil, err
	}
	n.dirty = false
	n.persisted = true
	return newHash, nil
}

// iterate performs a canonical in-order (left, node, right) traversal over
// every node reachable from root, invoking fn for both Branches and Leaves.
func iterate(s *Store, n *Node, fn func(n *Node)) {
	if n == nil {
		return
	}
	if !n.isLeaf() {
		iterate(s, n.left(s), fn)
	}
	fn(n)
	if !n.isLeaf() {
		iterate(s, n.right(s), fn)
	}
}

// leftNeighbor returns the Leaf immediately preceding key in in-order
// traversal order, or nil if key is less than or equal to every key in the
// tree.
func leftNeighbor(s *Store, n *Node, key []byte) *Node {
	if n == nil {
		return nil
	}
	if n.isLeaf() {
		if bytes.Compare(n.key, key) < 0 {
			return n
		}
		return nil
	}
	if bytes.Compare(key, n.key) > 0 {
		if found := leftNeighbor(s, n.right(s), key); found != nil {
			return found
		}
		return n.left(s).rightmostLeaf(s)
	}
	return leftNeighbor(s, n.left(s), key)
}

// rightNeighbor is the symmetric counterpart of leftNeighbor.
func rightNeighbor(s *Store, n *Node, key []byte) *Node {
	if n == nil {
		return nil
	}
	if n.isLeaf() {
		if bytes.Compare(n.key, key) > 0 {
			return n
		}
		return nil
	}
	if bytes.Compare(key, n.key) < 0 {
		if found := rightNeighbor(s, n.left(s), key); found != nil {
			return found
		}
		return n.right(s).leftmost(s)
	}
	return rightNeighbor(s, n.right(s), key)
}

// rightmostLeaf walks to the rightmost Leaf reachable from n.
func (n *Node) rightmostLeaf(s *Store) *Node {
	cur := n
	for !cur.isLeaf() {
		cur = cur.right(s)
	}
	return cur
}
