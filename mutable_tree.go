package iavl

import (
	"fmt"

	dbm "github.com/tendermint/tm-db"
)

// Tree is the single-writer versioned session facade described in §4.6: it
// coordinates transactions, commit/revert, version advancement, pruning,
// and the snapshot driver, while caching the current root and its hash so
// reads don't need to reopen a transaction.
type Tree struct {
	store *Store
	codec Codec

	root     *Node // nil for an empty tree
	rootHash []byte
}

// NewTree opens (or creates) a Tree backed by db.
func NewTree(db dbm.DB, opts *Options) (*Tree, error) {
	store := NewStore(db, opts)
	t := &Tree{store: store, codec: DefaultCodec}
	if err := t.loadCurrentRoot(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tree) loadCurrentRoot() error {
	rootHash, ok := t.store.GetVersion(t.store.CurrentVersion())
	if !ok || len(rootHash) == 0 {
		t.root = nil
		t.rootHash = nil
		return nil
	}
	n, err := t.store.GetNode(rootHash)
	if err != nil {
		return err
	}
	t.root = n
	t.rootHash = rootHash
	return nil
}

// Version returns the tree's current version number.
func (t *Tree) Version() int64 {
	return t.store.CurrentVersion()
}

// RootHash returns the current root hash, or nil for an empty tree.
func (t *Tree) RootHash() []byte {
	return t.rootHash
}

// AvailableVersions lists every version still retained in the store.
func (t *Tree) AvailableVersions() []int64 {
	return t.store.AvailableVersions()
}

// Insert packs value and inserts (key, value) at a new version. It rejects
// a falsy (nil or empty) value per §4.6.
func (t *Tree) Insert(key, value []byte) error {
	if len(value) == 0 {
		return ErrNilValue
	}
	packed, err := t.codec.Pack(value)
	if err != nil {
		return err
	}
	return t.store.Transaction(func() error {
		version := t.store.CurrentVersion()
		orphan := func(hash []byte, fromVersion int64) {
			t.store.PutOrphan(hash, fromVersion, version-1)
		}

		var newRoot *Node
		if t.root == nil {
			newRoot = newLeaf(key, packed, version)
		} else {
			newRoot = insert(t.store, t.root, key, packed, version, orphan)
		}

		hash, err := persist(t.store, newRoot)
		if err != nil {
			return err
		}

		t.store.PutVersion(version, hash)
		t.root = newRoot
		t.rootHash = hash
		return nil
	})
}

// Remove deletes key, writing a new version regardless of whether key was
// present (per §9's resolved open question: removal of an absent key, or of
// the tree's last key, still advances the version and records an empty or
// unchanged root).
func (t *Tree) Remove(key []byte) error {
	return t.store.Transaction(func() error {
		version := t.store.CurrentVersion()
		orphan := func(hash []byte, fromVersion int64) {
			t.store.PutOrphan(hash, fromVersion, version-1)
		}

		if t.root == nil {
			t.store.PutVersion(version, nil)
			t.rootHash = nil
			return nil
		}

		newRoot, removed := remove(t.store, t.root, key, version, orphan)
		if !removed {
			// structural no-op, but still a new version with the same root
			hash := t.root._hash()
			t.store.PutVersion(version, hash)
			t.rootHash = hash
			return nil
		}

		if newRoot == nil {
			t.store.PutVersion(version, nil)
			t.root = nil
			t.rootHash = nil
			return nil
		}

		hash, err := persist(t.store, newRoot)
		if err != nil {
			return err
		}
		t.store.PutVersion(version, hash)
		t.root = newRoot
		t.rootHash = hash
		return nil
	})
}

// Get returns the unpacked value stored at key, or (nil, false) if absent.
func (t *Tree) Get(key []byte) (interface{}, bool) {
	leaf := find(t.store, t.root, key)
	if leaf == nil {
		return nil, false
	}
	var v interface{}
	if err := t.codec.Unpack(leaf.value, &v); err != nil {
		return nil, false
	}
	return v, true
}

// GetRaw returns the packed bytes stored at key, or nil if absent. Useful
// for byte-exact comparisons in proof verification.
func (t *Tree) GetRaw(key []byte) []byte {
	leaf := find(t.store, t.root, key)
	if leaf == nil {
		return nil
	}
	return leaf.value
}

// Has reports whether key exists in the current version.
func (t *Tree) Has(key []byte) bool {
	return find(t.store, t.root, key) != nil
}

// Iterate performs a full in-order traversal of the current version,
// invoking fn once per Leaf.
func (t *Tree) Iterate(fn func(key []byte, value []byte)) {
	iterate(t.store, t.root, func(n *Node) {
		if n.isLeaf() {
			fn(n.key, n.value)
		}
	})
}

// NodeCount counts every Branch and Leaf reachable from the current root —
// the "inOrderTraversal(root).count" quantity the property tests compare
// against the nodes table size after pruning.
func (t *Tree) NodeCount() int {
	n := 0
	iterate(t.store, t.root, func(*Node) { n++ })
	return n
}

// StartTransaction / CommitTransaction / RevertTransaction expose the
// store's nested transaction stack directly, for callers that need to
// batch multiple mutations atomically (§5, Scenario C and D).
func (t *Tree) StartTransaction() {
	t.store.StartTransaction()
}

func (t *Tree) CommitTransaction() error {
	if err := t.store.CommitTransaction(); err != nil {
		return err
	}
	return t.loadCurrentRoot()
}

func (t *Tree) RevertTransaction() error {
	if err := t.store.RevertTransaction(); err != nil {
		return err
	}
	return t.loadCurrentRoot()
}

// Prune delegates to the store's orphan-driven pruning algorithm (§4.5),
// reclaiming every node unreachable from a version retained outside
// [fromVersion, toVersion].
func (t *Tree) Prune(toVersion int64, fromVersion int64) error {
	if fromVersion == 0 {
		fromVersion = 1
	}
	return t.store.Prune(fromVersion, toVersion)
}

// Clone returns a new Tree facade over the same underlying db handle, with
// an independent transaction stack and node cache (§4.6/§5: a clone sees
// only durably committed state, never the writer's in-flight changes).
func (t *Tree) Clone(db dbm.DB) (*Tree, error) {
	return NewTree(db, DefaultOptions())
}

// String renders a human-readable dump of the current tree, mirroring the
// node database's diagnostic String() method.
func (t *Tree) String() string {
	var out string
	iterate(t.store, t.root, func(n *Node) {
		if n.isLeaf() {
			out += fmt.Sprintf("%x: %x (v%d)\n", n.key, n.value, n.version)
		} else {
			out += fmt.Sprintf("%x: <branch> (v%d)\n", n.key, n.version)
		}
	})
	return out
}

// Close releases the underlying store.
func (t *Tree) Close() error {
	return t.store.Close()
}
