package transform

import (
	"encoding/binary"
	"hash"
	"hash/fnv"
	"math"
)

// =============================================================================
// Hash Builder
// =============================================================================

// HashBuilder provides a fluent API for building content hashes.
//
// Usage:
//
//	hash := NewHashBuilder().
//	    String(record.Key).
//	    Value(field).
//	    Build()
//
// The hash is deterministic - same inputs always produce the same output.
// Order of operations matters.
type HashBuilder struct {
	h   hash.Hash64
	buf [8]byte
}

// NewHashBuilder creates a new hash builder.
func NewHashBuilder() *HashBuilder {
	return &HashBuilder{h: fnv.New64a()}
}

// String adds a string value to the hash.
func (b *HashBuilder) String(s string) *HashBuilder {
	b.tag('s')
	b.h.Write([]byte(s))
	b.h.Write([]byte{0}) // Separator to avoid collisions
	return b
}

// Int64 adds an int64 to the hash.
func (b *HashBuilder) Int64(i int64) *HashBuilder {
	b.tag('i')
	binary.LittleEndian.PutUint64(b.buf[:], uint64(i))
	b.h.Write(b.buf[:])
	return b
}

// Float64 adds a float64 to the hash.
func (b *HashBuilder) Float64(f float64) *HashBuilder {
	b.tag('f')
	binary.LittleEndian.PutUint64(b.buf[:], math.Float64bits(f))
	b.h.Write(b.buf[:])
	return b
}

// Bool adds a boolean to the hash.
func (b *HashBuilder) Bool(v bool) *HashBuilder {
	b.tag('b')
	if v {
		b.h.Write([]byte{1})
	} else {
		b.h.Write([]byte{0})
	}
	return b
}

// Null adds a NULL marker, distinct from every other value.
func (b *HashBuilder) Null() *HashBuilder {
	b.tag('n')
	return b
}

// Value adds a canonical field value (nil, string, int64, float64, bool).
func (b *HashBuilder) Value(v any) *HashBuilder {
	switch x := v.(type) {
	case nil:
		return b.Null()
	case string:
		return b.String(x)
	case int64:
		return b.Int64(x)
	case float64:
		return b.Float64(x)
	case bool:
		return b.Bool(x)
	default:
		return b.Null()
	}
}

// OptionalString adds a string pointer (nil-safe).
func (b *HashBuilder) OptionalString(s *string) *HashBuilder {
	if s == nil {
		return b.Null()
	}
	return b.String(*s)
}

// Build returns the final hash value.
func (b *HashBuilder) Build() uint64 {
	return b.h.Sum64()
}

func (b *HashBuilder) tag(t byte) {
	b.h.Write([]byte{t})
}
