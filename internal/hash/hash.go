// Package hash implements typed, content-addressed identifiers.
//
// A Hash is 39 bytes: a 3-byte kind prefix, a 32-byte SHA-256 digest,
// and a 4-byte location. The location is the little-endian suffix of
// the digest and places the hash on a 32-bit ring for sharding; peers
// claim arcs of that ring and serve the hashes whose location falls
// inside their arc.
//
// Hashes are total-ordered by their raw bytes, and equality of hashes
// implies semantic equality of the hashed content.
package hash

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
)

// Kind identifies what a hash addresses.
type Kind int

const (
	KindAction Kind = iota + 1
	KindEntry
	KindAgent
	KindDna
	KindWasm
	KindOp
	KindExternal
	KindNetID
)

const (
	// PrefixLen is the length of the kind prefix.
	PrefixLen = 3
	// CoreLen is the length of the content digest.
	CoreLen = 32
	// LocLen is the length of the ring location suffix.
	LocLen = 4
	// FullLen is the total serialized hash length.
	FullLen = PrefixLen + CoreLen + LocLen
)

// Kind prefixes. The 0x84 family keeps the base64url text form of every
// hash starting with a recognizable "u" + kind marker, so truncated or
// mis-typed hashes are caught at parse time rather than at lookup time.
var kindPrefixes = map[Kind][PrefixLen]byte{
	KindDna:      {0x84, 0x2d, 0x24},
	KindNetID:    {0x84, 0x22, 0x24},
	KindAgent:    {0x84, 0x20, 0x24},
	KindEntry:    {0x84, 0x21, 0x24},
	KindOp:       {0x84, 0x24, 0x24},
	KindAction:   {0x84, 0x29, 0x24},
	KindWasm:     {0x84, 0x2a, 0x24},
	KindExternal: {0x84, 0x2f, 0x24},
}

// String returns the kind name used in logs and database rows.
func (k Kind) String() string {
	switch k {
	case KindAction:
		return "action"
	case KindEntry:
		return "entry"
	case KindAgent:
		return "agent"
	case KindDna:
		return "dna"
	case KindWasm:
		return "wasm"
	case KindOp:
		return "op"
	case KindExternal:
		return "external"
	case KindNetID:
		return "netid"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Hash is a typed 39-byte content address.
//
// The zero value is the "empty" hash; IsEmpty reports it and every
// constructor returns a non-empty hash. Hash is a value type and safe
// to use as a map key.
type Hash struct {
	raw [FullLen]byte
}

// Sum computes the hash of data under the given kind.
// The digest is SHA-256 of the raw bytes; callers are responsible for
// canonicalizing data first where that matters (see types.MarshalCanonical).
func Sum(kind Kind, data []byte) Hash {
	digest := sha256.Sum256(data)
	return fromDigest(kind, digest[:])
}

// FromAgentKey builds an agent hash whose digest IS the 32-byte public
// key, so the key is recoverable from the hash without a lookup.
func FromAgentKey(pub []byte) (Hash, error) {
	if len(pub) != CoreLen {
		return Hash{}, fmt.Errorf("agent key must be %d bytes, got %d", CoreLen, len(pub))
	}
	return fromDigest(KindAgent, pub), nil
}

func fromDigest(kind Kind, digest []byte) Hash {
	prefix, ok := kindPrefixes[kind]
	if !ok {
		panic(fmt.Sprintf("hash: unknown kind %d", kind))
	}
	var h Hash
	copy(h.raw[:PrefixLen], prefix[:])
	copy(h.raw[PrefixLen:PrefixLen+CoreLen], digest)
	// Location: little-endian suffix of the digest.
	copy(h.raw[PrefixLen+CoreLen:], digest[CoreLen-LocLen:])
	return h
}

// FromBytes parses a serialized 39-byte hash, validating the kind prefix.
func FromBytes(b []byte) (Hash, error) {
	if len(b) != FullLen {
		return Hash{}, fmt.Errorf("hash must be %d bytes, got %d", FullLen, len(b))
	}
	var h Hash
	copy(h.raw[:], b)
	if _, err := h.Kind(); err != nil {
		return Hash{}, err
	}
	return h, nil
}

// MustFromBytes is FromBytes panicking on error. Use only in tests or
// when the bytes are known valid (e.g. read back from our own database).
func MustFromBytes(b []byte) Hash {
	h, err := FromBytes(b)
	if err != nil {
		panic(err)
	}
	return h
}

// Parse decodes the base64url text form produced by String.
func Parse(s string) (Hash, error) {
	if len(s) == 0 || s[0] != 'u' {
		return Hash{}, fmt.Errorf("hash text must start with %q: %q", "u", s)
	}
	b, err := base64.RawURLEncoding.DecodeString(s[1:])
	if err != nil {
		return Hash{}, fmt.Errorf("decode hash %q: %w", s, err)
	}
	return FromBytes(b)
}

// Kind returns the kind encoded in the prefix.
func (h Hash) Kind() (Kind, error) {
	var prefix [PrefixLen]byte
	copy(prefix[:], h.raw[:PrefixLen])
	for k, p := range kindPrefixes {
		if p == prefix {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown hash prefix % x", prefix)
}

// Bytes returns the full 39-byte serialization.
func (h Hash) Bytes() []byte {
	out := make([]byte, FullLen)
	copy(out, h.raw[:])
	return out
}

// Core returns the 32-byte content digest without prefix or location.
func (h Hash) Core() []byte {
	out := make([]byte, CoreLen)
	copy(out, h.raw[PrefixLen:PrefixLen+CoreLen])
	return out
}

// AgentKey returns the public key embedded in an agent hash.
func (h Hash) AgentKey() ([]byte, error) {
	k, err := h.Kind()
	if err != nil {
		return nil, err
	}
	if k != KindAgent {
		return nil, fmt.Errorf("not an agent hash: %s", k)
	}
	return h.Core(), nil
}

// Loc returns the hash's position on the 32-bit sharding ring.
func (h Hash) Loc() uint32 {
	return binary.LittleEndian.Uint32(h.raw[PrefixLen+CoreLen:])
}

// IsEmpty reports whether h is the zero value.
func (h Hash) IsEmpty() bool {
	return h.raw == [FullLen]byte{}
}

// Equal reports byte equality.
func (h Hash) Equal(other Hash) bool {
	return h.raw == other.raw
}

// Compare orders hashes by their raw bytes.
func (h Hash) Compare(other Hash) int {
	return bytes.Compare(h.raw[:], other.raw[:])
}

// String returns the base64url text form: "u" + RawURLEncoding(39 bytes).
// The leading "u" marks the encoding and survives copy/paste into URLs.
func (h Hash) String() string {
	return "u" + base64.RawURLEncoding.EncodeToString(h.raw[:])
}
