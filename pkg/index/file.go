package index

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cofferhq/coffer/pkg/crypto"
	"github.com/cofferhq/coffer/pkg/errdefs"
	"github.com/cofferhq/coffer/pkg/types"
)

// File is the serialized form of one index object: a batch of chunk
// entries plus summaries of the packs they came from.
type File struct {
	Chunks map[types.ID]types.Location  `json:"chunks"`
	Packs  map[string]types.PackSummary `json:"packs"`
}

// Encode serializes and seals an index object.
func (f *File) Encode(key *crypto.Key) ([]byte, error) {
	plain, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize index: %w", err)
	}
	return key.Seal(plain)
}

// DecodeFile opens and parses one index object.
func DecodeFile(key *crypto.Key, object string, sealed []byte) (*File, error) {
	plain, err := key.Open(sealed)
	if err != nil {
		return nil, errdefs.New(errdefs.KindCorrupt, object, err)
	}
	var f File
	if err := json.Unmarshal(plain, &f); err != nil {
		return nil, errdefs.New(errdefs.KindCorrupt, object, err)
	}
	return &f, nil
}

// Merge loads every entry of f into the in-memory index.
func (idx *Index) Merge(f *File) {
	for id, loc := range f.Chunks {
		idx.Store(id, loc)
	}
}

// Pending buffers index entries for packs that have been uploaded but
// whose entries are not yet part of a persisted index object.
type Pending struct {
	mu     sync.Mutex
	chunks map[types.ID]types.Location
	packs  map[string]types.PackSummary
}

// NewPending creates an empty pending buffer
func NewPending() *Pending {
	return &Pending{
		chunks: make(map[types.ID]types.Location),
		packs:  make(map[string]types.PackSummary),
	}
}

// AddPack records the entries of one sealed, uploaded pack.
func (p *Pending) AddPack(packID string, size uint64, entries map[types.ID]types.Location) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, loc := range entries {
		p.chunks[id] = loc
	}
	p.packs[packID] = types.PackSummary{Size: size, ChunkCount: len(entries)}
}

// Len returns the number of buffered chunk entries.
func (p *Pending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.chunks)
}

// Take drains the buffer into a File, or returns nil when empty.
func (p *Pending) Take() *File {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.chunks) == 0 {
		return nil
	}
	f := &File{Chunks: p.chunks, Packs: p.packs}
	p.chunks = make(map[types.ID]types.Location)
	p.packs = make(map[string]types.PackSummary)
	return f
}

// Restore puts a drained File back, for when its upload failed and the
// entries must survive for a later flush.
func (p *Pending) Restore(f *File) {
	if f == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, loc := range f.Chunks {
		p.chunks[id] = loc
	}
	for id, s := range f.Packs {
		p.packs[id] = s
	}
}
