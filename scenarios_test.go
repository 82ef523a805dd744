package iavl

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"
)

// End-to-end lifecycle: insert, update, delete, prune, snapshot, proof —
// exercising every operation spec.md §8 names together against one tree,
// in place of spec.md's literal Scenario A–F hash constants (see
// DESIGN.md's Open Questions for why those constants don't apply to a
// CBOR-packed tree).
func TestScenarioFullLifecycle(t *testing.T) {
	tree := newTestTree(t)

	// A: build up several versions.
	require.NoError(t, tree.Insert([]byte("apple"), []byte("fruit")))
	require.NoError(t, tree.Insert([]byte("carrot"), []byte("vegetable")))
	require.NoError(t, tree.Insert([]byte("bread"), []byte("grain")))
	require.Equal(t, int64(3), tree.Version())

	// B: update in place, version advances but key count doesn't.
	require.NoError(t, tree.Insert([]byte("bread"), []byte("staple")))
	v, ok := tree.Get([]byte("bread"))
	require.True(t, ok)
	require.Equal(t, []byte("staple"), v)
	require.Equal(t, int64(4), tree.Version())

	// C: a multi-mutation nested transaction commits atomically.
	tree.StartTransaction()
	require.NoError(t, tree.Insert([]byte("date"), []byte("fruit")))
	require.NoError(t, tree.Insert([]byte("endive"), []byte("vegetable")))
	require.NoError(t, tree.CommitTransaction())
	_, ok = tree.Get([]byte("date"))
	require.True(t, ok)

	// D: a nested transaction that reverts leaves no trace.
	beforeVersion := tree.Version()
	beforeHash := tree.RootHash()
	tree.StartTransaction()
	require.NoError(t, tree.Insert([]byte("fig"), []byte("fruit")))
	require.NoError(t, tree.RevertTransaction())
	require.Equal(t, beforeVersion, tree.Version())
	require.Equal(t, beforeHash, tree.RootHash())
	_, ok = tree.Get([]byte("fig"))
	require.False(t, ok)

	// E: delete and prune reclaim orphaned nodes.
	require.NoError(t, tree.Remove([]byte("apple")))
	preprune := tree.store.OrphanCount()
	require.Greater(t, preprune, 0)
	require.NoError(t, tree.Prune(tree.Version()-1, 1))
	require.Equal(t, 0, tree.store.OrphanCount())
	_, ok = tree.Get([]byte("apple"))
	require.False(t, ok)

	// F: existence and non-existence proofs against the final root.
	proof, err := tree.GetProof([]byte("carrot"))
	require.NoError(t, err)
	require.NoError(t, tree.VerifyProof(proof, []byte("carrot"), tree.GetRaw([]byte("carrot"))))

	neProof, err := tree.GetNonExistenceProof([]byte("apple"))
	require.NoError(t, err)
	require.NoError(t, VerifyNonExistence(neProof, tree.RootHash()))

	// Snapshot the final state and confirm a fresh store reproduces it
	// byte-for-byte.
	dir := filepath.Join(t.TempDir(), "scenario-snapshot")
	require.NoError(t, tree.CreateSnapshot(dir, 0, 4096, 1700000000))

	restored, err := NewTree(dbm.NewMemDB(), DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, restored.ApplySnapshot(dir))
	require.Equal(t, tree.RootHash(), restored.RootHash())

	var original, after [][2]string
	tree.Iterate(func(k, v []byte) { original = append(original, [2]string{string(k), string(v)}) })
	restored.Iterate(func(k, v []byte) { after = append(after, [2]string{string(k), string(v)}) })
	require.Equal(t, original, after)
}

// Inserting the same key/value set in different orders *within one version*
// (one outer transaction, so every leaf carries the same version number)
// yields the same leaves in the same in-order sequence, but not the same
// root hash: AVL rotations depend on insertion order, so the Branch
// structure above the leaves differs, and every Branch hash covers that
// structure. For these five keys the forward order ends with root split key
// k3 and right subtree B(k4)[k3, B(k5)[k4, k5]], the reverse order with root
// split key k4, and the shuffled order with root k3 but right subtree
// B(k5)[B(k4)[k3, k4], k5].
func TestScenarioInsertionOrderIndependenceWithinOneVersion(t *testing.T) {
	data := map[string]string{
		"k1": "v1", "k2": "v2", "k3": "v3", "k4": "v4", "k5": "v5",
	}

	build := func(order []string) ([]byte, [][2]string) {
		tree := newTestTree(t)
		tree.StartTransaction()
		for _, k := range order {
			require.NoError(t, tree.Insert([]byte(k), []byte(data[k])))
		}
		require.NoError(t, tree.CommitTransaction())
		var leaves [][2]string
		tree.Iterate(func(k, v []byte) { leaves = append(leaves, [2]string{string(k), string(v)}) })
		return tree.RootHash(), leaves
	}

	forward := []string{"k1", "k2", "k3", "k4", "k5"}
	reverse := []string{"k5", "k4", "k3", "k2", "k1"}
	shuffled := []string{"k3", "k1", "k5", "k2", "k4"}

	h1, l1 := build(forward)
	h2, l2 := build(reverse)
	h3, l3 := build(shuffled)
	require.Equal(t, l1, l2)
	require.Equal(t, l1, l3)
	require.NotEqual(t, h1, h2)
	require.NotEqual(t, h1, h3)
}
