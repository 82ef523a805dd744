package iavl

import "github.com/pkg/errors"

// Precondition violations.
var (
	ErrNoActiveTransaction = errors.New("iavl: no active transaction")
	ErrNilValue            = errors.New("iavl: value must not be nil or empty")
	ErrVersionExists       = errors.New("iavl: version already exists")
	ErrKeyExists           = errors.New("iavl: key exists, cannot build non-existence proof")
	ErrMismatchedCommit    = errors.New("iavl: commitTransaction without matching startTransaction")
	ErrMismatchedRevert    = errors.New("iavl: revertTransaction without matching startTransaction")
)

// Corruption.
var (
	ErrNodeMissing         = errors.New("iavl: referenced node missing from store")
	ErrMalformedDescriptor = errors.New("iavl: malformed snapshot descriptor")
	ErrUnknownFormat       = errors.New("iavl: unknown snapshot format")
)

// Integrity failures (proof verification).
var (
	ErrKeyMismatch      = errors.New("iavl: proof key does not match queried key")
	ErrValueMismatch    = errors.New("iavl: proof value does not match expected value")
	ErrEmptySibling     = errors.New("iavl: proof step carries no sibling hash")
	ErrRootHashMismatch = errors.New("iavl: recomputed hash does not match root")
	ErrNotALeaf         = errors.New("iavl: path does not terminate in a leaf")
	ErrKeyNotFound      = errors.New("iavl: key not found")
)
