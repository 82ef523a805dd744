package iavl

import (
	"testing"

	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(dbm.NewMemDB(), DefaultOptions())
}

func TestKeyFormatRoundTrip(t *testing.T) {
	kf := NewKeyFormat('x', versionSize, hashSize)
	hash := make([]byte, hashSize)
	for i := range hash {
		hash[i] = byte(i)
	}
	key := kf.Key(int64(7), hash)

	var version int64
	var gotHash []byte
	require.NoError(t, kf.Scan(key, &version, &gotHash))
	require.Equal(t, int64(7), version)
	require.Equal(t, hash, gotHash)
}

func TestKeyFormatRejectsWrongPrefix(t *testing.T) {
	kf := NewKeyFormat('x', versionSize)
	other := NewKeyFormat('y', versionSize)
	var v int64
	require.Error(t, kf.Scan(other.Key(int64(1)), &v))
}

func TestStartCommitTransaction(t *testing.T) {
	s := newTestStore(t)
	s.StartTransaction()
	n := newLeaf([]byte("k"), []byte("v"), s.CurrentVersion())
	n.hash = n._hash()
	require.NoError(t, s.PutNode(n))
	require.NoError(t, s.CommitTransaction())

	got, err := s.GetNode(n.hash)
	require.NoError(t, err)
	require.Equal(t, n.key, got.key)
}

func TestRevertTransactionDiscardsWrites(t *testing.T) {
	s := newTestStore(t)
	s.StartTransaction()
	n := newLeaf([]byte("k"), []byte("v"), s.CurrentVersion())
	n.hash = n._hash()
	require.NoError(t, s.PutNode(n))
	require.NoError(t, s.RevertTransaction())

	_, err := s.GetNode(n.hash)
	require.Error(t, err)
}

// Nested transactions: an inner revert must not undo the outer frame's
// already-committed writes (the enrichment over the teacher's single flat
// batch described in DESIGN.md's store.go entry).
func TestNestedTransactionInnerRevertOuterSurvives(t *testing.T) {
	s := newTestStore(t)

	s.StartTransaction() // outer
	outer := newLeaf([]byte("outer"), []byte("v"), s.CurrentVersion())
	outer.hash = outer._hash()
	require.NoError(t, s.PutNode(outer))

	s.StartTransaction() // inner
	inner := newLeaf([]byte("inner"), []byte("v"), s.CurrentVersion())
	inner.hash = inner._hash()
	require.NoError(t, s.PutNode(inner))
	require.NoError(t, s.RevertTransaction()) // discard inner only

	require.NoError(t, s.CommitTransaction()) // commit outer

	_, err := s.GetNode(outer.hash)
	require.NoError(t, err)
	_, err = s.GetNode(inner.hash)
	require.Error(t, err)
}

func TestNestedTransactionInnerCommitFoldsIntoOuter(t *testing.T) {
	s := newTestStore(t)

	s.StartTransaction()
	s.StartTransaction()
	inner := newLeaf([]byte("inner"), []byte("v"), s.CurrentVersion())
	inner.hash = inner._hash()
	require.NoError(t, s.PutNode(inner))
	require.NoError(t, s.CommitTransaction()) // fold inner into outer

	_, err := s.GetNode(inner.hash)
	require.NoError(t, err, "visible before outer commits too")

	require.NoError(t, s.CommitTransaction()) // commit outer to db
	_, err = s.GetNode(inner.hash)
	require.NoError(t, err)
}

func TestMismatchedCommitAndRevert(t *testing.T) {
	s := newTestStore(t)
	require.ErrorIs(t, s.CommitTransaction(), ErrMismatchedCommit)
	require.ErrorIs(t, s.RevertTransaction(), ErrMismatchedRevert)
}

func TestPutOrphanBornAfterWindowDeletesImmediately(t *testing.T) {
	s := newTestStore(t)
	s.StartTransaction()
	n := newLeaf([]byte("k"), []byte("v"), s.CurrentVersion())
	n.hash = n._hash()
	require.NoError(t, s.PutNode(n))

	// fromVersion > toVersion: born and orphaned within the same commit.
	s.PutOrphan(n.hash, 5, 4)
	require.NoError(t, s.CommitTransaction())

	_, err := s.GetNode(n.hash)
	require.Error(t, err)
	require.Equal(t, 0, s.OrphanCount())
}

func TestPruneReclaimsOrphansOutsideRetainedWindow(t *testing.T) {
	tree := newTestTree(t)
	require.NoError(t, tree.Insert([]byte("a"), []byte("1"))) // v1
	require.NoError(t, tree.Insert([]byte("a"), []byte("2"))) // v2, orphans v1's leaf
	require.NoError(t, tree.Insert([]byte("a"), []byte("3"))) // v3, orphans v2's leaf

	require.Greater(t, tree.store.OrphanCount(), 0)

	require.NoError(t, tree.Prune(2, 1))
	require.Equal(t, 0, tree.store.OrphanCount())

	v, ok := tree.Get([]byte("a"))
	require.True(t, ok)
	require.Equal(t, []byte("3"), v)
}

func TestPruneRejectsOpenTransaction(t *testing.T) {
	s := newTestStore(t)
	s.StartTransaction()
	require.Error(t, s.Prune(0, 0))
}

func TestAvailableVersionsAscending(t *testing.T) {
	tree := newTestTree(t)
	require.NoError(t, tree.Insert([]byte("a"), []byte("1")))
	require.NoError(t, tree.Insert([]byte("b"), []byte("2")))
	require.NoError(t, tree.Insert([]byte("c"), []byte("3")))
	require.Equal(t, []int64{1, 2, 3}, tree.AvailableVersions())
}
