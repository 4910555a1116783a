// Package pack implements the sealed container format for chunks.
//
// A pack is one immutable backend object:
//
//	ciphertext chunks || sealed(header JSON) || u32le(header length) || hash
//
// where hash is the 32-byte content hash over every preceding byte.
// The header lists each chunk's id, offset, ciphertext length and
// plaintext length. Packs are written once and never modified; any
// trailing-hash mismatch condemns the whole pack.
package pack

import (
	"encoding/binary"

	"github.com/cofferhq/coffer/pkg/types"
)

const (
	// DefaultTargetSize is the ciphertext volume at which an open pack
	// is sealed.
	DefaultTargetSize = 16 * 1024 * 1024

	// lenFieldSize is the fixed-width trailing header-length field.
	lenFieldSize = 4

	// tailSize is the length field plus the trailing hash.
	tailSize = lenFieldSize + types.IDSize
)

// HeaderEntry describes one chunk inside a pack header.
type HeaderEntry struct {
	ID              types.ID `json:"id"`
	Offset          uint32   `json:"offset"`
	Length          uint32   `json:"length"`
	PlaintextLength uint32   `json:"plaintext_length"`
}

// Location converts a header entry into an index location.
func (e HeaderEntry) Location(packID string) types.Location {
	return types.Location{
		Pack:            packID,
		Offset:          e.Offset,
		Length:          e.Length,
		PlaintextLength: e.PlaintextLength,
	}
}

func putLen(buf []byte, n uint32) {
	binary.LittleEndian.PutUint32(buf, n)
}

func getLen(buf []byte) uint32 {
	return binary.LittleEndian.Uint32(buf)
}
