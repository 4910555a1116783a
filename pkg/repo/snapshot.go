package repo

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/cofferhq/coffer/pkg/backend"
	"github.com/cofferhq/coffer/pkg/cache"
	"github.com/cofferhq/coffer/pkg/errdefs"
	"github.com/cofferhq/coffer/pkg/metrics"
	"github.com/cofferhq/coffer/pkg/types"
)

// StoreSnapshot persists a snapshot record. The id must be unset; it is
// assigned here. This is the final, committing act of a backup: every
// pack and index object the snapshot depends on must already be
// durable.
func (r *Repository) StoreSnapshot(ctx context.Context, sn *types.Snapshot) (string, error) {
	if sn.ID != "" {
		return "", errdefs.Newf(errdefs.KindUsage, sn.ID, "snapshot already has an id")
	}
	sn.ID = types.NewStorageID()
	sn.Time = sn.Time.UTC()

	plain, err := json.Marshal(sn)
	if err != nil {
		return "", err
	}
	sealed, err := r.key.Seal(plain)
	if err != nil {
		return "", err
	}

	h := backend.Handle{Type: backend.SnapshotFile, Name: sn.ID}
	if err := r.be.PutIfAbsent(ctx, h, sealed); err != nil {
		return "", err
	}
	if r.metaCache != nil {
		if err := r.metaCache.Put(cache.KindSnapshot, sn.ID, sealed); err != nil {
			r.logger.Warn().Err(err).Msg("failed to cache snapshot")
		}
	}
	return sn.ID, nil
}

// LoadSnapshot resolves an id or unique prefix and returns the record.
func (r *Repository) LoadSnapshot(ctx context.Context, idOrPrefix string) (*types.Snapshot, error) {
	id, err := r.ResolveSnapshotID(ctx, idOrPrefix)
	if err != nil {
		return nil, err
	}
	return r.loadSnapshotExact(ctx, id)
}

func (r *Repository) loadSnapshotExact(ctx context.Context, id string) (*types.Snapshot, error) {
	object := "snapshots/" + id

	var sealed []byte
	if r.metaCache != nil {
		if data, ok := r.metaCache.Get(cache.KindSnapshot, id); ok {
			sealed = data
		}
	}
	if sealed == nil {
		data, err := r.be.Get(ctx, backend.Handle{Type: backend.SnapshotFile, Name: id})
		if err != nil {
			if errdefs.IsNotFound(err) {
				return nil, errdefs.Newf(errdefs.KindNotFound, object, "snapshot not found")
			}
			return nil, err
		}
		sealed = data
		if r.metaCache != nil {
			if err := r.metaCache.Put(cache.KindSnapshot, id, sealed); err != nil {
				r.logger.Warn().Err(err).Msg("failed to cache snapshot")
			}
		}
	}

	plain, err := r.key.Open(sealed)
	if err != nil {
		return nil, errdefs.New(errdefs.KindCorrupt, object, err)
	}
	var sn types.Snapshot
	if err := json.Unmarshal(plain, &sn); err != nil {
		return nil, errdefs.New(errdefs.KindCorrupt, object, err)
	}
	return &sn, nil
}

// ResolveSnapshotID expands a short id to the full one. A prefix is
// valid iff exactly one snapshot id starts with it.
func (r *Repository) ResolveSnapshotID(ctx context.Context, idOrPrefix string) (string, error) {
	if idOrPrefix == "" {
		return "", errdefs.Newf(errdefs.KindUsage, "", "empty snapshot id")
	}

	var matches []string
	err := r.be.List(ctx, backend.SnapshotFile, func(name string, _ int64) error {
		if strings.HasPrefix(name, idOrPrefix) {
			matches = append(matches, name)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	switch len(matches) {
	case 0:
		return "", errdefs.Newf(errdefs.KindNotFound, idOrPrefix, "no snapshot matches")
	case 1:
		return matches[0], nil
	default:
		return "", errdefs.Newf(errdefs.KindAmbiguous, idOrPrefix,
			"%d snapshots match", len(matches))
	}
}

// ListSnapshots loads every snapshot record, newest first.
func (r *Repository) ListSnapshots(ctx context.Context) ([]*types.Snapshot, error) {
	var snapshots []*types.Snapshot
	err := r.be.List(ctx, backend.SnapshotFile, func(name string, _ int64) error {
		sn, err := r.loadSnapshotExact(ctx, name)
		if err != nil {
			return err
		}
		snapshots = append(snapshots, sn)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].Time.After(snapshots[j].Time)
	})
	metrics.SnapshotsTotal.Set(float64(len(snapshots)))
	return snapshots, nil
}

// LatestSnapshotFor returns the most recent snapshot covering exactly
// the given source paths, or nil. Backups record it as the parent;
// the linkage is informational only.
func (r *Repository) LatestSnapshotFor(ctx context.Context, paths []string) (*types.Snapshot, error) {
	want := append([]string(nil), paths...)
	sort.Strings(want)

	snapshots, err := r.ListSnapshots(ctx)
	if err != nil {
		return nil, err
	}
	for _, sn := range snapshots {
		have := append([]string(nil), sn.Paths...)
		sort.Strings(have)
		if len(have) != len(want) {
			continue
		}
		equal := true
		for i := range have {
			if have[i] != want[i] {
				equal = false
				break
			}
		}
		if equal {
			return sn, nil
		}
	}
	return nil, nil
}

// ForgetSnapshot deletes one snapshot record. Chunks stay until prune.
func (r *Repository) ForgetSnapshot(ctx context.Context, idOrPrefix string) (string, error) {
	id, err := r.ResolveSnapshotID(ctx, idOrPrefix)
	if err != nil {
		return "", err
	}
	if err := r.be.Delete(ctx, backend.Handle{Type: backend.SnapshotFile, Name: id}); err != nil {
		return "", err
	}
	if r.metaCache != nil {
		if err := r.metaCache.Delete(cache.KindSnapshot, id); err != nil {
			r.logger.Warn().Err(err).Msg("failed to drop cached snapshot")
		}
	}
	r.logger.Info().Str("snapshot", id).Msg("snapshot forgotten")
	return id, nil
}
