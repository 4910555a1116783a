package pack

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/cofferhq/coffer/pkg/crypto"
	"github.com/cofferhq/coffer/pkg/types"
)

// Writer accumulates encrypted chunks into one pack. A writer holds at
// most one open pack; nothing it buffers is visible anywhere until
// Finalize and the subsequent upload succeed. Writers are not safe for
// concurrent use; the repository serializes access per open pack.
type Writer struct {
	key      *crypto.Key
	id       string
	buf      bytes.Buffer
	entries  []HeaderEntry
	compress bool
}

// NewWriter starts an empty pack with a fresh random id
func NewWriter(key *crypto.Key, compress bool) *Writer {
	return &Writer{
		key:      key,
		id:       types.NewStorageID(),
		compress: compress,
	}
}

// ID returns the pack id the sealed object will be stored under.
func (w *Writer) ID() string { return w.id }

// Size returns the ciphertext bytes buffered so far.
func (w *Writer) Size() int { return w.buf.Len() }

// Count returns the number of chunks appended so far.
func (w *Writer) Count() int { return len(w.entries) }

// Full reports whether the pack has reached the target size.
func (w *Writer) Full(target int) bool { return w.buf.Len() >= target }

// Add encrypts one chunk and appends it. It does not consult any
// index; the id is recorded as given.
func (w *Writer) Add(id types.ID, plaintext []byte) error {
	ciphertext, err := EncodeChunk(w.key, plaintext, w.compress)
	if err != nil {
		return fmt.Errorf("failed to encrypt chunk %s: %w", id.Short(), err)
	}

	w.entries = append(w.entries, HeaderEntry{
		ID:              id,
		Offset:          uint32(w.buf.Len()),
		Length:          uint32(len(ciphertext)),
		PlaintextLength: uint32(len(plaintext)),
	})
	w.buf.Write(ciphertext)
	return nil
}

// Sealed is a finished pack ready for upload.
type Sealed struct {
	ID      string
	Blob    []byte
	Entries []HeaderEntry
}

// Finalize seals the pack: serialize the header, encrypt it, append the
// length field and the trailing hash. The writer must hold at least one
// chunk.
func (w *Writer) Finalize() (*Sealed, error) {
	if len(w.entries) == 0 {
		return nil, fmt.Errorf("refusing to seal empty pack %s", w.id)
	}

	headerJSON, err := json.Marshal(w.entries)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize pack header: %w", err)
	}
	sealedHeader, err := w.key.Seal(headerJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt pack header: %w", err)
	}

	w.buf.Write(sealedHeader)
	var lenField [lenFieldSize]byte
	putLen(lenField[:], uint32(len(sealedHeader)))
	w.buf.Write(lenField[:])

	// Trailing hash covers chunks, sealed header and the length field.
	digest := crypto.Hash(w.buf.Bytes())
	w.buf.Write(digest[:])

	return &Sealed{
		ID:      w.id,
		Blob:    w.buf.Bytes(),
		Entries: w.entries,
	}, nil
}
