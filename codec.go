package iavl

import (
	"crypto/sha256"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
)

const (
	versionSize = 4
	hashSize    = sha256.Size
)

// u32be encodes version as a fixed-width 4-byte big-endian integer, as
// required by the hashing scheme and by the orphans table's composite key.
// Versions are expected to stay well within the uint32 range; a tree that
// somehow reaches 2^32 committed versions is a configuration error, not a
// case this store tries to survive gracefully.
func u32be(version int64) []byte {
	if version < 0 || version > 1<<32-1 {
		panic(errors.Errorf("version %d does not fit in 4 bytes", version))
	}
	return encodeUintBE(uint64(version), versionSize)
}

// sum256 hashes the concatenation of its arguments with SHA-256.
func sum256(parts ...[]byte) []byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// Codec packs and unpacks user values and on-disk compact node forms. The
// tree only ever touches already-packed bytes; packing/unpacking happens at
// the facade boundary (Tree.Insert / Tree.Get) and in the snapshot chunk
// reader/writer.
type Codec interface {
	Pack(v interface{}) ([]byte, error)
	Unpack(data []byte, v interface{}) error
}

// cborCodec implements Codec on top of CBOR, the nearest self-describing
// binary packing format available in the dependency corpus to the
// MessagePack-like scheme the original store used for user values and
// compact node forms.
type cborCodec struct{}

// DefaultCodec is the store's default value/node codec.
var DefaultCodec Codec = cborCodec{}

func (cborCodec) Pack(v interface{}) ([]byte, error) {
	b, err := cbor.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "codec: pack")
	}
	return b, nil
}

func (cborCodec) Unpack(data []byte, v interface{}) error {
	if err := cbor.Unmarshal(data, v); err != nil {
		return errors.Wrap(err, "codec: unpack")
	}
	return nil
}
