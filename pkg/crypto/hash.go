package crypto

import (
	"hash"

	"lukechampine.com/blake3"

	"github.com/cofferhq/coffer/pkg/types"
)

// Hash computes the 256-bit content hash that serves as chunk identity.
func Hash(data []byte) types.ID {
	return types.ID(blake3.Sum256(data))
}

// NewHasher returns a streaming hasher producing the same 32-byte
// digest as Hash. Used for pack trailing hashes, where the hashed
// region is written incrementally.
func NewHasher() hash.Hash {
	return blake3.New(types.IDSize, nil)
}
