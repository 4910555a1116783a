package repo

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/cofferhq/coffer/pkg/backend"
	"github.com/cofferhq/coffer/pkg/cache"
	"github.com/cofferhq/coffer/pkg/errdefs"
	"github.com/cofferhq/coffer/pkg/index"
	"github.com/cofferhq/coffer/pkg/pack"
	"github.com/cofferhq/coffer/pkg/tree"
	"github.com/cofferhq/coffer/pkg/types"
)

// walkTree adds the tree chunk and every chunk reachable under it to
// seen, recursing through subtrees.
func (r *Repository) walkTree(ctx context.Context, id types.ID, seen map[types.ID]struct{}) error {
	if _, ok := seen[id]; ok {
		return nil
	}
	seen[id] = struct{}{}

	data, err := r.LoadChunk(ctx, id)
	if err != nil {
		return fmt.Errorf("tree %s: %w", id.Short(), err)
	}
	t, err := tree.Decode(data)
	if err != nil {
		return fmt.Errorf("tree %s: %w", id.Short(), err)
	}

	for _, n := range t.Nodes {
		switch n.Kind {
		case types.NodeKindFile:
			for _, c := range n.Content {
				seen[c] = struct{}{}
			}
		case types.NodeKindDir:
			if err := r.walkTree(ctx, *n.Subtree, seen); err != nil {
				return err
			}
		}
	}
	return nil
}

// reachableChunks computes the union of chunks reachable from every
// snapshot.
func (r *Repository) reachableChunks(ctx context.Context) (map[types.ID]struct{}, error) {
	snapshots, err := r.ListSnapshots(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[types.ID]struct{})
	for _, sn := range snapshots {
		if err := r.walkTree(ctx, sn.Tree, seen); err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", sn.ID, err)
		}
	}
	return seen, nil
}

// CheckResult summarizes a consistency check.
type CheckResult struct {
	PacksChecked    int
	ChunksReachable int
	Errors          []error
}

// OK reports whether the check found no problems.
func (c *CheckResult) OK() bool { return len(c.Errors) == 0 }

// Check verifies the repository: every pack's trailing hash, and that
// every chunk reachable from any snapshot resolves to an entry inside
// a verified pack.
func (r *Repository) Check(ctx context.Context) (*CheckResult, error) {
	result := &CheckResult{}

	// Phase one: verify every pack and collect its actual contents.
	var packNames []string
	err := r.be.List(ctx, backend.PackFile, func(name string, _ int64) error {
		packNames = append(packNames, name)
		return nil
	})
	if err != nil {
		return nil, err
	}

	verified := make([]map[types.ID]struct{}, len(packNames))
	errs := make([]error, len(packNames))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, name := range packNames {
		g.Go(func() error {
			entries, err := pack.Verify(gctx, r.be, r.key, name)
			if err != nil {
				errs[i] = err
				return nil // collect, do not abort the sweep
			}
			contents := make(map[types.ID]struct{}, len(entries))
			for _, e := range entries {
				contents[e.ID] = struct{}{}
			}
			verified[i] = contents
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	inVerifiedPack := make(map[types.ID]string)
	for i, contents := range verified {
		if errs[i] != nil {
			result.Errors = append(result.Errors, errs[i])
			continue
		}
		result.PacksChecked++
		r.markPackVerified(packNames[i])
		for id := range contents {
			inVerifiedPack[id] = packNames[i]
		}
	}

	// Phase two: every reachable chunk must resolve.
	snapshots, err := r.ListSnapshots(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[types.ID]struct{})
	for _, sn := range snapshots {
		if err := r.walkTree(ctx, sn.Tree, seen); err != nil {
			result.Errors = append(result.Errors, err)
		}
	}
	result.ChunksReachable = len(seen)

	for id := range seen {
		loc, ok := r.idx.Lookup(id)
		if !ok {
			result.Errors = append(result.Errors,
				errdefs.Newf(errdefs.KindNotFound, id.String(), "reachable chunk missing from index"))
			continue
		}
		if _, ok := inVerifiedPack[id]; !ok {
			result.Errors = append(result.Errors,
				errdefs.Newf(errdefs.KindCorrupt, "data/"+loc.Pack,
					"reachable chunk %s not present in any intact pack", id.Short()))
		}
	}

	return result, nil
}

// PruneStats reports what a prune removed.
type PruneStats struct {
	SnapshotsKept  int
	PacksDeleted   int
	PacksRepacked  int
	ChunksRemoved  int
	ChunksRepacked int
}

// Prune garbage-collects chunks unreachable from any snapshot. It takes
// the repository lock, repacks the live remainder of partially dead
// packs, rewrites the index as one object and deletes what is obsolete.
// Deletion happens strictly after the replacement index is durable.
func (r *Repository) Prune(ctx context.Context) (*PruneStats, error) {
	lk, err := r.acquireLock(ctx, DefaultLeaseDuration)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := r.releaseLock(context.WithoutCancel(ctx), lk); err != nil {
			r.logger.Warn().Err(err).Msg("failed to release lock")
		}
	}()

	live, err := r.reachableChunks(ctx)
	if err != nil {
		return nil, err
	}
	snapshots, err := r.ListSnapshots(ctx)
	if err != nil {
		return nil, err
	}
	stats := &PruneStats{SnapshotsKept: len(snapshots)}

	// Partition every indexed chunk by pack and liveness.
	liveByPack := make(map[string][]types.ID)
	deadByPack := make(map[string]int)
	r.idx.Each(func(id types.ID, loc types.Location) {
		if _, ok := live[id]; ok {
			liveByPack[loc.Pack] = append(liveByPack[loc.Pack], id)
		} else {
			deadByPack[loc.Pack]++
		}
	})

	var obsoletePacks []string

	for packID := range deadByPack {
		liveChunks := liveByPack[packID]
		if len(liveChunks) == 0 {
			// Fully dead: delete outright.
			obsoletePacks = append(obsoletePacks, packID)
			stats.ChunksRemoved += deadByPack[packID]
			continue
		}

		// Mixed: copy the live chunks into fresh packs, then drop the
		// original. Sealing overwrites their index locations, so after
		// Flush the live index points at the replacement packs.
		for _, id := range liveChunks {
			plaintext, err := r.LoadChunk(ctx, id)
			if err != nil {
				return nil, err
			}
			if err := r.storeChunkForRepack(ctx, id, plaintext); err != nil {
				return nil, err
			}
			stats.ChunksRepacked++
		}
		obsoletePacks = append(obsoletePacks, packID)
		stats.ChunksRemoved += deadByPack[packID]
		stats.PacksRepacked++

		if err := r.refreshLock(ctx, lk); err != nil {
			return nil, err
		}
	}
	if err := r.Flush(ctx); err != nil {
		return nil, err
	}

	// Entries for untouched packs carry over; repacked chunks already
	// point at their replacement packs.
	obsolete := make(map[string]struct{}, len(obsoletePacks))
	for _, p := range obsoletePacks {
		obsolete[p] = struct{}{}
	}
	newIdx := index.New()
	r.idx.Each(func(id types.ID, loc types.Location) {
		if _, gone := obsolete[loc.Pack]; gone {
			return
		}
		if _, ok := live[id]; ok {
			newIdx.Store(id, loc)
		}
	})

	if err := r.rewriteIndex(ctx, newIdx); err != nil {
		return nil, err
	}

	for _, packID := range obsoletePacks {
		if err := r.be.Delete(ctx, backend.Handle{Type: backend.PackFile, Name: packID}); err != nil {
			if !errdefs.IsNotFound(err) {
				return nil, err
			}
		}
		stats.PacksDeleted++
	}

	r.idx = newIdx
	r.logger.Info().Int("packs_deleted", stats.PacksDeleted).
		Int("chunks_removed", stats.ChunksRemoved).Msg("prune complete")
	return stats, nil
}

// storeChunkForRepack is the repack variant of storeNewChunk: it
// bypasses the dedup gate, since the id is in the old index by
// definition.
func (r *Repository) storeChunkForRepack(ctx context.Context, id types.ID, plaintext []byte) error {
	var w *pack.Writer
	select {
	case w = <-r.packers:
	case <-ctx.Done():
		return errdefs.New(errdefs.KindCancelled, id.Short(), ctx.Err())
	}

	if err := w.Add(id, plaintext); err != nil {
		r.packers <- w
		return err
	}
	if !w.Full(r.opts.PackTargetSize) {
		r.packers <- w
		return nil
	}

	r.packers <- pack.NewWriter(r.key, r.opts.Compress)
	return r.sealAndUpload(ctx, w)
}

// rewriteIndex replaces every index object with a single one holding
// exactly the entries of next.
func (r *Repository) rewriteIndex(ctx context.Context, next *index.Index) error {
	var oldNames []string
	err := r.be.List(ctx, backend.IndexFile, func(name string, _ int64) error {
		oldNames = append(oldNames, name)
		return nil
	})
	if err != nil {
		return err
	}

	f := &index.File{
		Chunks: make(map[types.ID]types.Location, next.Len()),
		Packs:  make(map[string]types.PackSummary),
	}
	next.Each(func(id types.ID, loc types.Location) {
		f.Chunks[id] = loc
		s := f.Packs[loc.Pack]
		s.ChunkCount++
		s.Size += uint64(loc.Length)
		f.Packs[loc.Pack] = s
	})

	sealed, err := f.Encode(r.key)
	if err != nil {
		return err
	}
	name := types.NewStorageID()
	if err := r.be.PutIfAbsent(ctx, backend.Handle{Type: backend.IndexFile, Name: name}, sealed); err != nil {
		return err
	}
	if r.metaCache != nil {
		if err := r.metaCache.Put(cache.KindIndex, name, sealed); err != nil {
			r.logger.Warn().Err(err).Msg("failed to cache index object")
		}
	}

	// Only after the replacement is durable do the old objects go away.
	for _, old := range oldNames {
		if old == name {
			continue
		}
		if err := r.be.Delete(ctx, backend.Handle{Type: backend.IndexFile, Name: old}); err != nil {
			if !errdefs.IsNotFound(err) {
				return err
			}
		}
		if r.metaCache != nil {
			if err := r.metaCache.Delete(cache.KindIndex, old); err != nil {
				r.logger.Warn().Err(err).Msg("failed to drop cached index object")
			}
		}
	}
	return nil
}

// CompactIndex rewrites the full index as one object and deletes the
// superseded objects. Bounds the cold-start cost of LoadIndex.
func (r *Repository) CompactIndex(ctx context.Context) error {
	lk, err := r.acquireLock(ctx, DefaultLeaseDuration)
	if err != nil {
		return err
	}
	defer func() {
		if err := r.releaseLock(context.WithoutCancel(ctx), lk); err != nil {
			r.logger.Warn().Err(err).Msg("failed to release lock")
		}
	}()

	if err := r.flushIndex(ctx); err != nil {
		return err
	}
	return r.rewriteIndex(ctx, r.idx)
}
