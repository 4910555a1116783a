package types

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// IDSize is the length of a chunk id in bytes.
const IDSize = 32

// ID is the identity of a chunk: the 256-bit content hash of its
// plaintext. Tree objects are chunks too, so tree references are IDs.
type ID [IDSize]byte

// ParseID parses a 64-character lowercase hex string.
func ParseID(s string) (ID, error) {
	var id ID
	if len(s) != hex.EncodedLen(IDSize) {
		return id, fmt.Errorf("invalid id length %d", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid id %q: %w", s, err)
	}
	copy(id[:], b)
	return id, nil
}

// IDFromBytes copies a 32-byte slice into an ID.
func IDFromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != IDSize {
		return id, fmt.Errorf("invalid id length %d", len(b))
	}
	copy(id[:], b)
	return id, nil
}

func (id ID) String() string { return hex.EncodeToString(id[:]) }

// Short returns the first 8 hex digits, for log lines and listings.
func (id ID) Short() string { return id.String()[:8] }

func (id ID) IsNull() bool { return id == ID{} }

func (id ID) Equal(other ID) bool { return id == other }

func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := ParseID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Binary form is the raw 32 bytes; the CBOR codec picks this up so tree
// objects carry ids compactly.
func (id ID) MarshalBinary() ([]byte, error) {
	return bytes.Clone(id[:]), nil
}

func (id *ID) UnmarshalBinary(data []byte) error {
	parsed, err := IDFromBytes(data)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// NewStorageID returns a fresh random 128-bit id as 32 lowercase hex
// digits. Packs, index objects, snapshots, keys and locks are all named
// this way.
func NewStorageID() string {
	u := uuid.New()
	return strings.ReplaceAll(u.String(), "-", "")
}
