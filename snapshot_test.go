package iavl

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"
)

func TestSnapshotRoundTrip(t *testing.T) {
	src := newTestTree(t)
	for _, k := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		require.NoError(t, src.Insert([]byte(k), []byte("v-"+k)))
	}

	dir := filepath.Join(t.TempDir(), "snap")
	require.NoError(t, src.CreateSnapshot(dir, 0, 1024, 1700000000))

	dst, err := NewTree(dbm.NewMemDB(), DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, dst.ApplySnapshot(dir))

	require.Equal(t, src.RootHash(), dst.RootHash())
	require.Equal(t, src.Version(), dst.Version())

	for _, k := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		srcV, ok := src.Get([]byte(k))
		require.True(t, ok)
		dstV, ok := dst.Get([]byte(k))
		require.True(t, ok)
		require.Equal(t, srcV, dstV)
	}
}

func TestSnapshotRoundTripAcrossChunkBoundaries(t *testing.T) {
	src := newTestTree(t)
	for i := 0; i < 64; i++ {
		k := []byte{byte(i)}
		require.NoError(t, src.Insert(k, []byte("value-for-this-key")))
	}

	dir := filepath.Join(t.TempDir(), "snap-small-chunks")
	// Deliberately tiny chunk size so CreateSnapshot must split across many
	// chunk files, exercising splitCompactForms' reassembly. A Branch's
	// compact form (two 32-byte hashes) is about 75 bytes, so 128 holds one
	// Branch but never two.
	require.NoError(t, src.CreateSnapshot(dir, 0, 128, 1700000000))

	dst, err := NewTree(dbm.NewMemDB(), DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, dst.ApplySnapshot(dir))

	require.Equal(t, src.RootHash(), dst.RootHash())
	require.Equal(t, src.NodeCount(), dst.NodeCount())
}

func TestApplySnapshotRejectsAlreadyRecordedVersion(t *testing.T) {
	src := newTestTree(t)
	require.NoError(t, src.Insert([]byte("a"), []byte("1")))

	dir := filepath.Join(t.TempDir(), "snap")
	require.NoError(t, src.CreateSnapshot(dir, 0, 1024, 1700000000))

	dst, err := NewTree(dbm.NewMemDB(), DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, dst.ApplySnapshot(dir))
	require.ErrorIs(t, dst.ApplySnapshot(dir), ErrVersionExists)
}

func TestApplySnapshotRejectsMalformedDescriptor(t *testing.T) {
	dst := newTestTree(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "snapshot.json"), []byte("not json"), 0o644))
	require.ErrorIs(t, dst.ApplySnapshot(dir), ErrMalformedDescriptor)
}
