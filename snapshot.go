package iavl

import (
	"bytes"
	"crypto/md5" //nolint:gosec // content-addressing chunk filenames, not a security boundary
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
)

const snapshotFormatSingle = 1

// snapshotDescriptor is the JSON descriptor written alongside a snapshot's
// chunk files, per §4.8.
type snapshotDescriptor struct {
	Version   int64    `json:"version"`
	RootHash  string   `json:"rootHash"` // base64
	Format    int      `json:"format"`
	Timestamp int64    `json:"timestamp"`
	Chunks    []string `json:"chunks"` // chunk hashes, hex md5
}

// CreateSnapshot serializes version (0 meaning the current version) to dir
// as a descriptor plus a sequence of chunk files, each containing the
// codec-packed compact forms of a contiguous run of nodes visited in
// pre-order.
func (t *Tree) CreateSnapshot(dir string, version int64, chunkSize int, now int64) error {
	if chunkSize <= 0 {
		chunkSize = 10 * 1024 * 1024
	}
	if version == 0 {
		version = t.store.CurrentVersion()
	}

	rootHash, ok := t.store.GetVersion(version)
	if !ok {
		return errors.Errorf("iavl: no such version %d to snapshot", version)
	}

	if err := os.RemoveAll(dir); err != nil {
		return errors.Wrap(err, "iavl: snapshot reset dir")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "iavl: snapshot mkdir")
	}

	desc := snapshotDescriptor{
		Version:   version,
		RootHash:  base64.StdEncoding.EncodeToString(rootHash),
		Format:    snapshotFormatSingle,
		Timestamp: now,
	}

	var current []byte
	flush := func() error {
		if len(current) == 0 {
			return nil
		}
		sum := md5.Sum(current) //nolint:gosec
		name := hex.EncodeToString(sum[:])
		if err := os.WriteFile(filepath.Join(dir, name), current, 0o644); err != nil {
			return errors.Wrap(err, "iavl: snapshot write chunk")
		}
		desc.Chunks = append(desc.Chunks, name)
		current = nil
		return nil
	}

	var walk func(n *Node) error
	walk = func(n *Node) error {
		if n == nil {
			return nil
		}
		buf, err := n.writeBytes(t.codec)
		if err != nil {
			return err
		}
		if len(buf) > chunkSize {
			return errors.Errorf("iavl: snapshot node %x exceeds chunk size %d", n.hash, chunkSize)
		}
		if len(current)+len(buf) > chunkSize {
			if err := flush(); err != nil {
				return err
			}
		}
		current = append(current, buf...)

		if !n.isLeaf() {
			if err := walk(n.left(t.store)); err != nil {
				return err
			}
			if err := walk(n.right(t.store)); err != nil {
				return err
			}
		}
		return nil
	}

	if len(rootHash) > 0 {
		root, err := t.store.GetNode(rootHash)
		if err != nil {
			return err
		}
		if err := walk(root); err != nil {
			return err
		}
	}
	if err := flush(); err != nil {
		return err
	}

	buf, err := json.Marshal(desc)
	if err != nil {
		return errors.Wrap(err, "iavl: snapshot marshal descriptor")
	}
	return os.WriteFile(filepath.Join(dir, "snapshot.json"), buf, 0o644)
}

// ApplySnapshot restores a version from dir into t's underlying store. It
// fails if the destination already has that version recorded. Nodes are
// persisted under their original recorded version so hashes stay byte
// identical and invariant 3 (hash correctness) holds without recomputation.
func (t *Tree) ApplySnapshot(dir string) error {
	raw, err := os.ReadFile(filepath.Join(dir, "snapshot.json"))
	if err != nil {
		return errors.Wrap(err, "iavl: read snapshot descriptor")
	}
	var desc snapshotDescriptor
	if err := json.Unmarshal(raw, &desc); err != nil {
		return errors.Wrap(ErrMalformedDescriptor, err.Error())
	}
	if desc.Format != snapshotFormatSingle {
		return ErrUnknownFormat
	}

	if _, ok := t.store.GetVersion(desc.Version); ok {
		return ErrVersionExists
	}

	rootHash, err := base64.StdEncoding.DecodeString(desc.RootHash)
	if err != nil {
		return errors.Wrap(ErrMalformedDescriptor, "bad root hash")
	}

	err = t.store.Transaction(func() error {
		t.store.PutVersion(desc.Version, rootHash)

		for _, chunkHash := range desc.Chunks {
			buf, err := os.ReadFile(filepath.Join(dir, chunkHash))
			if err != nil {
				return errors.Wrap(err, "iavl: read snapshot chunk")
			}
			if err := t.restoreChunk(buf); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	// The tree now sits at the store's latest recorded version, as a fresh
	// NewTree over the same db would.
	t.store.currentVersion = t.store.lastCommittedVersion()
	return t.loadCurrentRoot()
}

// restoreChunk decodes a packed sequence of compact node forms from a
// chunk and persists each one, preserving its original version.
func (t *Tree) restoreChunk(buf []byte) error {
	forms, err := splitCompactForms(buf, t.codec)
	if err != nil {
		return err
	}
	for _, form := range forms {
		n, err := MakeNode(form, t.codec)
		if err != nil {
			return err
		}
		n.hash = n._hash()
		n.persisted = true
		n.dirty = false
		if err := t.store.PutNode(n); err != nil {
			return err
		}
	}
	return nil
}

// splitCompactForms re-derives the individual compact-form byte runs that
// CreateSnapshot concatenated into one chunk. Each compact form is a
// self-delimiting CBOR value, so decoding successive raw messages off a
// single stream recovers them one at a time without needing an explicit
// length prefix between entries.
func splitCompactForms(buf []byte, _ Codec) ([][]byte, error) {
	dec := cbor.NewDecoder(bytes.NewReader(buf))
	var forms [][]byte
	for {
		var raw cbor.RawMessage
		if err := dec.Decode(&raw); err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.Wrap(err, "iavl: corrupt snapshot chunk")
		}
		forms = append(forms, append([]byte(nil), raw...))
	}
	return forms, nil
}
