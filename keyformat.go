package iavl

import (
	"fmt"

	"github.com/pkg/errors"
)

// KeyFormat describes a fixed-width key layout: a single prefix byte
// followed by zero or more fields of fixed byte length. It mirrors the
// key-formatting helper the node database has always built its three
// tables (versions, nodes, orphans) around, generalized here to the
// widths this store actually uses (4-byte versions, 32-byte hashes).
type KeyFormat struct {
	prefix byte
	fields []int
}

// NewKeyFormat constructs a KeyFormat from a prefix byte and the byte
// length of each field that follows it.
func NewKeyFormat(prefix byte, fields ...int) *KeyFormat {
	return &KeyFormat{prefix: prefix, fields: fields}
}

// Prefix returns the single-byte prefix for this key format.
func (f *KeyFormat) Prefix() []byte {
	return []byte{f.prefix}
}

// Key builds a key from concrete field values. Each argument must either be
// an int64 (encoded big-endian to the corresponding field width) or a
// []byte (copied verbatim, which must match the field width exactly).
func (f *KeyFormat) Key(fields ...interface{}) []byte {
	if len(fields) > len(f.fields) {
		panic(fmt.Sprintf("KeyFormat %c: got %d fields, format only has %d", f.prefix, len(fields), len(f.fields)))
	}
	buf := make([]byte, 1, f.length())
	buf[0] = f.prefix
	for i, field := range fields {
		width := f.fields[i]
		switch v := field.(type) {
		case int64:
			buf = append(buf, encodeUintBE(uint64(v), width)...)
		case []byte:
			if len(v) != width {
				panic(fmt.Sprintf("KeyFormat %c: field %d wants %d bytes, got %d", f.prefix, i, width, len(v)))
			}
			buf = append(buf, v...)
		default:
			panic(fmt.Sprintf("KeyFormat %c: unsupported field type %T", f.prefix, field))
		}
	}
	return buf
}

// KeyBytes builds a key whose sole field is the given byte slice; used for
// the content-addressed nodes table where the only field is the hash.
func (f *KeyFormat) KeyBytes(b []byte) []byte {
	return f.Key(b)
}

func (f *KeyFormat) length() int {
	n := 1
	for _, w := range f.fields {
		n += w
	}
	return n
}

// Scan decodes a key produced by Key/KeyBytes into the given destinations,
// which must be pointers to int64 or []byte matching the field order this
// format was constructed with.
func (f *KeyFormat) Scan(key []byte, dests ...interface{}) error {
	if len(key) < 1 || key[0] != f.prefix {
		return errors.Errorf("keyformat: key does not carry prefix %q", f.prefix)
	}
	rest := key[1:]
	for i, dest := range dests {
		if i >= len(f.fields) {
			return errors.Errorf("keyformat: too many scan targets for format %q", f.prefix)
		}
		width := f.fields[i]
		if len(rest) < width {
			return errors.Errorf("keyformat: key too short for field %d", i)
		}
		field := rest[:width]
		rest = rest[width:]
		switch d := dest.(type) {
		case *int64:
			*d = int64(decodeUintBE(field))
		case *[]byte:
			*d = append([]byte(nil), field...)
		default:
			return errors.Errorf("keyformat: unsupported scan target type %T", dest)
		}
	}
	return nil
}

func encodeUintBE(v uint64, width int) []byte {
	buf := make([]byte, width)
	for i := width - 1; i >= 0; i-- {
		buf[i] = byte(v)
		v >>= 8
	}
	return buf
}

func decodeUintBE(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}
