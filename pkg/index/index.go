// Package index maintains the chunk-id to pack-location mapping.
//
// The logical index is the union of all index objects in the
// repository. In memory it is a sharded hash table so hot backup paths
// do not serialize on one mutex; entries are idempotent under equal
// identity, so merge order does not matter.
package index

import (
	"sync"

	"github.com/cofferhq/coffer/pkg/types"
)

const shardCount = 16

type shard struct {
	mu     sync.RWMutex
	chunks map[types.ID]types.Location
}

// Index is the in-memory chunk index.
type Index struct {
	shards [shardCount]shard
}

// New creates an empty index
func New() *Index {
	idx := &Index{}
	for i := range idx.shards {
		idx.shards[i].chunks = make(map[types.ID]types.Location)
	}
	return idx
}

// The first id byte is uniform (it is a cryptographic hash), so it
// shards evenly without further mixing.
func (idx *Index) shard(id types.ID) *shard {
	return &idx.shards[id[0]%shardCount]
}

// Lookup returns the location of a chunk, if known.
func (idx *Index) Lookup(id types.ID) (types.Location, bool) {
	s := idx.shard(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	loc, ok := s.chunks[id]
	return loc, ok
}

// Has reports whether the chunk is known.
func (idx *Index) Has(id types.ID) bool {
	_, ok := idx.Lookup(id)
	return ok
}

// Store records a location. Duplicate ids keep the first location; both
// copies hold identical plaintext, so either serves.
func (idx *Index) Store(id types.ID, loc types.Location) {
	s := idx.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chunks[id]; !ok {
		s.chunks[id] = loc
	}
}

// Replace records a location, overwriting any previous one. Pack
// sealing uses this: the pack that just uploaded certainly exists, so
// its locations win over whatever the index held.
func (idx *Index) Replace(id types.ID, loc types.Location) {
	s := idx.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks[id] = loc
}

// StoreIfAbsent records a location and reports whether it was new.
// Exactly one caller per id observes true.
func (idx *Index) StoreIfAbsent(id types.ID, loc types.Location) bool {
	s := idx.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chunks[id]; ok {
		return false
	}
	s.chunks[id] = loc
	return true
}

// Len returns the number of known chunks.
func (idx *Index) Len() int {
	n := 0
	for i := range idx.shards {
		s := &idx.shards[i]
		s.mu.RLock()
		n += len(s.chunks)
		s.mu.RUnlock()
	}
	return n
}

// Each calls fn for every entry. The callback must not call back into
// the index.
func (idx *Index) Each(fn func(id types.ID, loc types.Location)) {
	for i := range idx.shards {
		s := &idx.shards[i]
		s.mu.RLock()
		for id, loc := range s.chunks {
			fn(id, loc)
		}
		s.mu.RUnlock()
	}
}

// Packs returns the set of pack ids referenced by any entry.
func (idx *Index) Packs() map[string]struct{} {
	packs := make(map[string]struct{})
	idx.Each(func(_ types.ID, loc types.Location) {
		packs[loc.Pack] = struct{}{}
	})
	return packs
}
