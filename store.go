package iavl

import (
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	dbm "github.com/tendermint/tm-db"
)

var log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Stamp}).With().Str("module", "iavl").Logger()

var (
	// All node keys are prefixed with the byte 'n'. This ensures no collision
	// is possible with the other keys, and makes them easier to traverse.
	// They are indexed by the node's content hash.
	nodeKeyFormat = NewKeyFormat('n', hashSize) // n<hash>

	// Orphans are keyed in the database by their expected lifetime, leading
	// with the version at which the orphan's lifetime ends so that pruning
	// can range-scan by obsolescence window without touching the tree.
	orphanKeyFormat = NewKeyFormat('o', versionSize, versionSize, hashSize) // o<toVersion><fromVersion><hash>

	// Versions are indexed by version number; the value is the root hash
	// (zero-length for an empty tree).
	versionKeyFormat = NewKeyFormat('r', versionSize) // r<version>
)

// frame is one level of the store's transaction stack: an in-memory overlay
// of pending writes/deletes not yet visible outside the enclosing
// transaction. The teacher's single flat batch is enough for a one-level
// commit/abort, but the spec's nested startTransaction/commitTransaction/
// revertTransaction model (§5) requires an inner revert to undo only its
// own frame's writes while leaving an outer frame's writes intact; a single
// batch can't express that; a stack of overlays can.
type frame struct {
	writes  map[string][]byte
	deletes map[string]struct{}
}

func newFrame() *frame {
	return &frame{writes: map[string][]byte{}, deletes: map[string]struct{}{}}
}

func (f *frame) set(key, value []byte) {
	delete(f.deletes, string(key))
	f.writes[string(key)] = append([]byte(nil), value...)
}

func (f *frame) delete(key []byte) {
	delete(f.writes, string(key))
	f.deletes[string(key)] = struct{}{}
}

// mergeInto folds f's writes/deletes into dst, as happens when an inner
// transaction commits into its parent frame.
func (f *frame) mergeInto(dst *frame) {
	for k, v := range f.writes {
		dst.writes[k] = v
		delete(dst.deletes, k)
	}
	for k := range f.deletes {
		dst.deletes[k] = struct{}{}
		delete(dst.writes, k)
	}
}

// Store wraps the backing KV engine and exposes the three logical tables
// (versions, nodes, orphans) plus the transaction stack and version counter
// described in §4.2. It is not safe for concurrent writers; readers through
// a cloned Store over the same underlying db see only durably committed
// state (tm-db snapshot semantics).
type Store struct {
	mtx sync.Mutex

	db    dbm.DB
	codec Codec

	frames         []*frame // transaction stack; frames[0] is outermost
	currentVersion int64    // version assigned to the outermost in-flight (or most recently committed) transaction

	cache *nodeCache
}

// Options configures a Store's in-memory node cache.
type Options struct {
	// NodeCacheSize bounds the number of materialized nodes kept in the LRU
	// cache. Zero selects a small built-in default.
	NodeCacheSize int
}

func DefaultOptions() *Options {
	return &Options{NodeCacheSize: 10000}
}

// NewStore constructs a Store over the given backing KV engine.
func NewStore(db dbm.DB, opts *Options) *Store {
	if opts == nil {
		opts = DefaultOptions()
	}
	s := &Store{
		db:    db,
		codec: DefaultCodec,
		cache: newNodeCache(opts.NodeCacheSize),
	}
	s.currentVersion = s.lastCommittedVersion()
	return s
}

// --- reads: overlay the transaction stack over the underlying db ---

func (s *Store) rawGet(key []byte) []byte {
	for i := len(s.frames) - 1; i >= 0; i-- {
		f := s.frames[i]
		if _, deleted := f.deletes[string(key)]; deleted {
			return nil
		}
		if v, ok := f.writes[string(key)]; ok {
			return v
		}
	}
	return s.db.Get(key)
}

func (s *Store) rawSet(key, value []byte) {
	if len(s.frames) == 0 {
		if err := s.db.Set(key, value); err != nil {
			panic(err)
		}
		return
	}
	s.frames[len(s.frames)-1].set(key, value)
}

func (s *Store) rawDelete(key []byte) {
	if len(s.frames) == 0 {
		if err := s.db.Delete(key); err != nil {
			panic(err)
		}
		return
	}
	s.frames[len(s.frames)-1].delete(key)
}

// --- nodes table ---

// GetNode materializes a Node from the nodes table without fetching its
// children (they stay lazy hash references).
func (s *Store) GetNode(hash []byte) (*Node, error) {
	if len(hash) == 0 {
		return nil, errors.New("iavl: GetNode requires a non-empty hash")
	}
	if n := s.cache.get(hash); n != nil {
		return n, nil
	}
	buf := s.rawGet(nodeKeyFormat.KeyBytes(hash))
	if buf == nil {
		return nil, errors.Wrapf(ErrNodeMissing, "hash %x", hash)
	}
	n, err := MakeNode(buf, s.codec)
	if err != nil {
		return nil, err
	}
	n.hash = hash
	s.cache.put(n)
	return n, nil
}

// PutNode writes a dirty node's compact form to the nodes table, keyed by
// its content hash. Overwriting an existing hash with identical contents
// is a safe no-op (content addressing, invariant 4).
func (s *Store) PutNode(n *Node) error {
	if len(n.hash) == 0 {
		return errors.New("iavl: PutNode requires a hashed node")
	}
	buf, err := n.writeBytes(s.codec)
	if err != nil {
		return err
	}
	s.rawSet(nodeKeyFormat.KeyBytes(n.hash), buf)
	s.cache.put(n)
	return nil
}

func (s *Store) deleteNode(hash []byte) {
	s.rawDelete(nodeKeyFormat.KeyBytes(hash))
	s.cache.remove(hash)
}

// --- versions table ---

// PutVersion records the root hash for a version. An empty tree's root is
// stored as a zero-length value.
func (s *Store) PutVersion(version int64, root []byte) {
	s.rawSet(versionKeyFormat.Key(version), append([]byte{}, root...))
}

// GetVersion returns the root hash recorded for version, or (nil, false) if
// absent. version == 0 means "the current version".
func (s *Store) GetVersion(version int64) ([]byte, bool) {
	if version == 0 {
		version = s.currentVersion
	}
	v := s.rawGet(versionKeyFormat.Key(version))
	if v == nil {
		return nil, false
	}
	return v, true
}

// lastCommittedVersion scans the versions table (bypassing any open
// transaction) for the highest recorded version, defaulting to 0.
func (s *Store) lastCommittedVersion() int64 {
	itr, err := s.db.ReverseIterator(versionKeyFormat.Key(0), nil)
	if err != nil {
		panic(err)
	}
	defer itr.Close()
	if !itr.Valid() {
		return 0
	}
	var v int64
	if err := versionKeyFormat.Scan(itr.Key(), &v); err != nil {
		panic(err)
	}
	return v
}

// CurrentVersion returns the version assigned to the in-flight (or most
// recently committed) transaction.
func (s *Store) CurrentVersion() int64 {
	return s.currentVersion
}

// --- orphans table ---

// PutOrphan declares that hash, born at fromVersion, became unreachable
// starting at toVersion+1. Per invariant 6: if the node was created and
// replaced within the same committing version (fromVersion > toVersion),
// no orphan record is written at all and the node is deleted immediately.
func (s *Store) PutOrphan(hash []byte, fromVersion, toVersion int64) {
	if fromVersion > toVersion {
		log.Debug().Int64("from", fromVersion).Int64("to", toVersion).Msg("orphan born after its window, deleting immediately")
		s.deleteNode(hash)
		return
	}
	key := orphanKeyFormat.Key(toVersion, fromVersion, hash)
	s.rawSet(key, hash)
}

// --- transaction stack ---

// StartTransaction pushes a new transaction frame. On the outermost call,
// the version counter advances by one.
func (s *Store) StartTransaction() {
	s.frames = append(s.frames, newFrame())
	if len(s.frames) == 1 {
		s.currentVersion++
	}
}

// CommitTransaction pops the innermost frame and folds its writes into the
// parent frame (or, for the outermost frame, into the underlying db via a
// single atomic batch).
func (s *Store) CommitTransaction() error {
	if len(s.frames) == 0 {
		return ErrMismatchedCommit
	}
	top := s.frames[len(s.frames)-1]
	s.frames = s.frames[:len(s.frames)-1]

	if len(s.frames) > 0 {
		top.mergeInto(s.frames[len(s.frames)-1])
		return nil
	}
	return s.flush(top)
}

// RevertTransaction pops the innermost frame and discards its writes. If it
// was the outermost frame, the version counter is decremented back.
func (s *Store) RevertTransaction() error {
	if len(s.frames) == 0 {
		return ErrMismatchedRevert
	}
	top := s.frames[len(s.frames)-1]
	s.frames = s.frames[:len(s.frames)-1]
	// Nodes written by the discarded frame must not keep being served from
	// the node cache.
	for k := range top.writes {
		var hash []byte
		if nodeKeyFormat.Scan([]byte(k), &hash) == nil {
			s.cache.remove(hash)
		}
	}
	if len(s.frames) == 0 {
		s.currentVersion--
	}
	return nil
}

// Transaction runs body inside a synchronous KV transaction: it starts a
// transaction, and commits on success or reverts if body returns an error
// or panics.
func (s *Store) Transaction(body func() error) (err error) {
	s.StartTransaction()
	defer func() {
		if r := recover(); r != nil {
			_ = s.RevertTransaction()
			panic(r)
		}
	}()
	if err = body(); err != nil {
		if rerr := s.RevertTransaction(); rerr != nil {
			return rerr
		}
		return err
	}
	return s.CommitTransaction()
}

// flush writes an outermost frame's accumulated writes/deletes to the
// backing db as a single atomic batch.
func (s *Store) flush(f *frame) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	for k, v := range f.writes {
		if err := batch.Set([]byte(k), v); err != nil {
			return errors.Wrap(err, "iavl: store flush")
		}
	}
	for k := range f.deletes {
		if err := batch.Delete([]byte(k)); err != nil {
			return errors.Wrap(err, "iavl: store flush")
		}
	}
	if err := batch.Write(); err != nil {
		return errors.Wrap(err, "iavl: store flush")
	}
	return nil
}

// Prune reclaims every node no longer reachable from any version retained
// outside [fromVersion, toVersion], per the orphan-driven algorithm of §4.5.
// It runs without touching the tree itself: it only ever looks at the
// orphans and versions tables.
func (s *Store) Prune(fromVersion, toVersion int64) error {
	if len(s.frames) != 0 {
		return errors.New("iavl: cannot prune while a transaction is open")
	}
	if fromVersion < 1 || fromVersion > toVersion || toVersion > s.currentVersion-1 {
		return errors.Errorf("iavl: invalid prune window [%d,%d] (current=%d)", fromVersion, toVersion, s.currentVersion)
	}

	prevV := s.previousVersionBefore(fromVersion)

	batch := s.db.NewBatch()
	defer batch.Close()

	start := versionToOrphanPrefix(fromVersion)
	end := versionToOrphanPrefix(toVersion + 1)
	itr, err := s.db.Iterator(start, end)
	if err != nil {
		return err
	}
	defer itr.Close()

	type rewrite struct {
		from, to int64
		hash     []byte
	}
	var deletes [][]byte
	var rewrites []rewrite
	var keysToDrop [][]byte

	for ; itr.Valid(); itr.Next() {
		key := append([]byte(nil), itr.Key()...)
		hash := append([]byte(nil), itr.Value()...)

		var toV, fromV int64
		if err := orphanKeyFormat.Scan(key, &toV, &fromV); err != nil {
			return err
		}

		keysToDrop = append(keysToDrop, key)
		if prevV < fromV {
			deletes = append(deletes, hash)
		} else {
			rewrites = append(rewrites, rewrite{from: fromV, to: prevV, hash: hash})
		}
	}
	if err := itr.Error(); err != nil {
		return err
	}

	for _, k := range keysToDrop {
		if err := batch.Delete(k); err != nil {
			return err
		}
	}
	for _, h := range deletes {
		if err := batch.Delete(nodeKeyFormat.KeyBytes(h)); err != nil {
			return err
		}
		s.cache.remove(h)
	}
	for _, r := range rewrites {
		if err := batch.Set(orphanKeyFormat.Key(r.to, r.from, r.hash), r.hash); err != nil {
			return err
		}
	}
	for v := fromVersion; v <= toVersion; v++ {
		if err := batch.Delete(versionKeyFormat.Key(v)); err != nil {
			return err
		}
	}

	return batch.Write()
}

func versionToOrphanPrefix(version int64) []byte {
	// orphanKeyFormat's prefix byte followed by the 4-byte toVersion field;
	// used as an iterator bound since keys sort lexicographically by
	// toVersion first.
	return orphanKeyFormat.Key(version, int64(0), make([]byte, hashSize))[:1+versionSize]
}

// previousVersionBefore returns the largest recorded version strictly less
// than version, or 0 if none exists.
func (s *Store) previousVersionBefore(version int64) int64 {
	itr, err := s.db.ReverseIterator(versionKeyFormat.Key(1), versionKeyFormat.Key(version))
	if err != nil {
		panic(err)
	}
	defer itr.Close()
	if !itr.Valid() {
		return 0
	}
	var v int64
	if err := versionKeyFormat.Scan(itr.Key(), &v); err != nil {
		panic(err)
	}
	return v
}

// AvailableVersions returns every version recorded in the versions table,
// ascending.
func (s *Store) AvailableVersions() []int64 {
	var out []int64
	itr, err := s.db.Iterator(versionKeyFormat.Key(0), prefixUpperBound('r'))
	if err != nil {
		panic(err)
	}
	defer itr.Close()
	for ; itr.Valid(); itr.Next() {
		var v int64
		if err := versionKeyFormat.Scan(itr.Key(), &v); err == nil {
			out = append(out, v)
		}
	}
	return out
}

// prefixUpperBound returns the exclusive upper bound for an iterator over
// all keys carrying the given single-byte table prefix.
func prefixUpperBound(prefix byte) []byte {
	return []byte{prefix + 1}
}

// OrphanCount returns the number of orphan records currently stored; used
// by property tests asserting pruning closure.
func (s *Store) OrphanCount() int {
	n := 0
	itr, err := s.db.Iterator(orphanKeyFormat.Prefix(), prefixUpperBound('o'))
	if err != nil {
		panic(err)
	}
	defer itr.Close()
	for ; itr.Valid(); itr.Next() {
		n++
	}
	return n
}

// NodeCount returns the number of entries in the nodes table; used by
// property tests comparing against a live in-order traversal count.
func (s *Store) NodeCount() int {
	n := 0
	itr, err := s.db.Iterator(nodeKeyFormat.Prefix(), prefixUpperBound('n'))
	if err != nil {
		panic(err)
	}
	defer itr.Close()
	for ; itr.Valid(); itr.Next() {
		n++
	}
	return n
}

// Close releases the backing KV engine.
func (s *Store) Close() error {
	return s.db.Close()
}
