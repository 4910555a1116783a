package repo

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/cofferhq/coffer/pkg/backend"
	"github.com/cofferhq/coffer/pkg/errdefs"
	"github.com/cofferhq/coffer/pkg/types"
)

// DefaultLeaseDuration bounds how long a crashed holder can block the
// repository.
const DefaultLeaseDuration = 30 * time.Minute

// heldLock is an acquired repository lock.
type heldLock struct {
	id    string
	lease time.Duration
}

// liveBlocker scans the lock namespace, breaking stale or unreadable
// leases along the way, and returns the name of a live lock other than
// exclude, or "" when none exists.
func (r *Repository) liveBlocker(ctx context.Context, now time.Time, exclude string) (string, error) {
	var blocker string
	err := r.be.List(ctx, backend.LockFile, func(name string, _ int64) error {
		if name == exclude || blocker != "" {
			return nil
		}
		h := backend.Handle{Type: backend.LockFile, Name: name}
		data, err := r.be.Get(ctx, h)
		if err != nil {
			if errdefs.IsNotFound(err) {
				return nil // released between list and get
			}
			return err
		}
		var lk types.Lock
		if err := json.Unmarshal(data, &lk); err != nil {
			// Unreadable lock files are treated as stale.
			r.logger.Warn().Str("lock", name).Msg("breaking unparseable lock")
			return r.be.Delete(ctx, h)
		}
		if lk.Stale(now) {
			r.logger.Info().Str("lock", name).Str("host", lk.Host).
				Time("expired", lk.Expires).Msg("breaking stale lock")
			if err := r.be.Delete(ctx, h); err != nil && !errdefs.IsNotFound(err) {
				return err
			}
			return nil
		}
		blocker = name
		return nil
	})
	return blocker, err
}

// acquireLock takes the exclusive repository lock. Stale leases are
// broken; a live one returns Locked. Only operations that rewrite
// shared state (prune, index compaction) call this — plain backups and
// restores run lockless by design of the on-disk format.
//
// Every acquirer writes its own lock file, so creation alone is not
// mutual exclusion: after writing, the acquirer re-scans the namespace
// and backs out if any other live lock appeared. Two racing acquirers
// then each see the other and both retreat; neither ever proceeds
// believing it is alone.
func (r *Repository) acquireLock(ctx context.Context, lease time.Duration) (*heldLock, error) {
	now := time.Now().UTC()

	blocker, err := r.liveBlocker(ctx, now, "")
	if err != nil {
		return nil, err
	}
	if blocker != "" {
		return nil, errdefs.Newf(errdefs.KindLocked, "locks/"+blocker, "repository is locked")
	}

	hostname, _ := os.Hostname()
	lk := types.Lock{
		Host:    hostname,
		PID:     os.Getpid(),
		Created: now,
		Expires: now.Add(lease),
	}
	data, err := json.Marshal(&lk)
	if err != nil {
		return nil, err
	}

	id := types.NewStorageID()
	h := backend.Handle{Type: backend.LockFile, Name: id}
	if err := r.be.PutIfAbsent(ctx, h, data); err != nil {
		return nil, err
	}
	held := &heldLock{id: id, lease: lease}

	// Second scan: anyone who wrote concurrently is visible now.
	blocker, err = r.liveBlocker(ctx, now, id)
	if err != nil {
		_ = r.releaseLock(context.WithoutCancel(ctx), held)
		return nil, err
	}
	if blocker != "" {
		if relErr := r.releaseLock(context.WithoutCancel(ctx), held); relErr != nil {
			r.logger.Warn().Err(relErr).Msg("failed to back out contended lock")
		}
		return nil, errdefs.Newf(errdefs.KindLocked, "locks/"+blocker, "repository is locked")
	}
	return held, nil
}

// refreshLock extends the lease. Long-running exclusive operations call
// this periodically so the lock does not expire under them.
func (r *Repository) refreshLock(ctx context.Context, l *heldLock) error {
	hostname, _ := os.Hostname()
	now := time.Now().UTC()
	lk := types.Lock{
		Host:    hostname,
		PID:     os.Getpid(),
		Created: now,
		Expires: now.Add(l.lease),
	}
	data, err := json.Marshal(&lk)
	if err != nil {
		return err
	}
	return r.be.Put(ctx, backend.Handle{Type: backend.LockFile, Name: l.id}, data)
}

// releaseLock deletes the lock file. A lock that already expired and
// was broken is not an error.
func (r *Repository) releaseLock(ctx context.Context, l *heldLock) error {
	err := r.be.Delete(ctx, backend.Handle{Type: backend.LockFile, Name: l.id})
	if err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	return nil
}
