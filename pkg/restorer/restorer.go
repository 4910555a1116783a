// Package restorer materializes snapshots back onto a filesystem.
package restorer

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/cofferhq/coffer/pkg/errdefs"
	"github.com/cofferhq/coffer/pkg/log"
	"github.com/cofferhq/coffer/pkg/metrics"
	"github.com/cofferhq/coffer/pkg/repo"
	"github.com/cofferhq/coffer/pkg/tree"
	"github.com/cofferhq/coffer/pkg/types"
)

// Options configures one restore run.
type Options struct {
	// Target is the directory the snapshot is materialized into. It is
	// created if missing and must be empty unless Overwrite is set.
	Target string

	// Overwrite permits restoring into a non-empty target.
	Overwrite bool
}

// Summary reports what a restore did.
type Summary struct {
	Files    int
	Dirs     int
	Symlinks int
	Bytes    uint64
	Duration time.Duration
}

// Restorer streams one snapshot onto disk.
type Restorer struct {
	repo *repo.Repository
	opts Options

	summary Summary
}

// New creates a restorer
func New(r *repo.Repository, opts Options) (*Restorer, error) {
	if opts.Target == "" {
		return nil, errdefs.Newf(errdefs.KindUsage, "", "no restore target")
	}
	return &Restorer{repo: r, opts: opts}, nil
}

// Run restores the snapshot named by id or unique prefix.
func (r *Restorer) Run(ctx context.Context, idOrPrefix string) (*Summary, error) {
	timer := metrics.NewTimer()

	sn, err := r.repo.LoadSnapshot(ctx, idOrPrefix)
	if err != nil {
		return nil, err
	}
	logger := log.WithComponent("restorer").With().Str("snapshot", sn.ID).Logger()

	if err := r.prepareTarget(); err != nil {
		return nil, err
	}
	if err := r.restoreTree(ctx, sn.Tree, r.opts.Target); err != nil {
		return nil, err
	}

	r.summary.Duration = timer.Duration()
	timer.ObserveDuration(metrics.RestoreDuration)
	logger.Info().Str("target", r.opts.Target).Int("files", r.summary.Files).
		Uint64("bytes", r.summary.Bytes).Msg("restore complete")

	s := r.summary
	return &s, nil
}

// prepareTarget creates the target directory and refuses a non-empty
// one without the overwrite flag.
func (r *Restorer) prepareTarget() error {
	if err := os.MkdirAll(r.opts.Target, 0700); err != nil {
		return errdefs.New(errdefs.KindSource, r.opts.Target, err)
	}
	if r.opts.Overwrite {
		return nil
	}
	entries, err := os.ReadDir(r.opts.Target)
	if err != nil {
		return errdefs.New(errdefs.KindSource, r.opts.Target, err)
	}
	if len(entries) > 0 {
		return errdefs.Newf(errdefs.KindUsage, r.opts.Target,
			"target directory is not empty (use overwrite to force)")
	}
	return nil
}

// restoreTree materializes one tree object into dir. Children are
// created first; the directory's own metadata is applied afterwards so
// a read-only directory mode does not block its own children.
func (r *Restorer) restoreTree(ctx context.Context, id types.ID, dir string) error {
	data, err := r.repo.LoadChunk(ctx, id)
	if err != nil {
		return err
	}
	t, err := tree.Decode(data)
	if err != nil {
		return err
	}

	for _, node := range t.Nodes {
		if err := ctx.Err(); err != nil {
			return errdefs.New(errdefs.KindCancelled, dir, err)
		}
		path := filepath.Join(dir, node.Name)

		switch node.Kind {
		case types.NodeKindFile:
			if err := r.restoreFile(ctx, node, path); err != nil {
				return err
			}
			r.summary.Files++
			r.summary.Bytes += node.Size
		case types.NodeKindDir:
			if err := os.MkdirAll(path, 0700); err != nil {
				return errdefs.New(errdefs.KindSource, path, err)
			}
			if err := r.restoreTree(ctx, *node.Subtree, path); err != nil {
				return err
			}
			applyMetadata(node, path)
			r.summary.Dirs++
		case types.NodeKindSymlink:
			if r.opts.Overwrite {
				_ = os.Remove(path)
			}
			if err := os.Symlink(node.LinkTarget, path); err != nil {
				return errdefs.New(errdefs.KindSource, path, err)
			}
			applySymlinkMetadata(node, path)
			r.summary.Symlinks++
		}
	}
	return nil
}

// restoreFile streams the file's chunks in order.
func (r *Restorer) restoreFile(ctx context.Context, node *types.Node, path string) error {
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if !r.opts.Overwrite {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, 0600)
	if err != nil {
		return errdefs.New(errdefs.KindSource, path, err)
	}

	var written uint64
	for _, chunkID := range node.Content {
		if err := ctx.Err(); err != nil {
			f.Close()
			return errdefs.New(errdefs.KindCancelled, path, err)
		}
		plaintext, err := r.repo.LoadChunk(ctx, chunkID)
		if err != nil {
			f.Close()
			return err
		}
		n, err := f.Write(plaintext)
		if err != nil {
			f.Close()
			return errdefs.New(errdefs.KindSource, path, err)
		}
		written += uint64(n)
	}
	if err := f.Close(); err != nil {
		return errdefs.New(errdefs.KindSource, path, err)
	}

	if written != node.Size {
		return errdefs.Newf(errdefs.KindCorrupt, path,
			"restored %d bytes, node records %d", written, node.Size)
	}

	applyMetadata(node, path)
	return nil
}

// applyMetadata sets mode, ownership and mtime, logging what the
// platform or privileges cannot express instead of failing.
func applyMetadata(node *types.Node, path string) {
	rlog := log.WithComponent("restorer")
	if err := os.Chmod(path, fs.FileMode(node.Mode)); err != nil {
		rlog.Debug().Str("path", path).Err(err).Msg("cannot apply mode")
	}
	if err := os.Chown(path, int(node.UID), int(node.GID)); err != nil {
		// Unprivileged restores cannot chown; the content is intact.
		rlog.Debug().Str("path", path).Err(err).Msg("cannot apply ownership")
	}
	mtime := node.MTime()
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		rlog.Debug().Str("path", path).Err(err).Msg("cannot apply mtime")
	}
}

func applySymlinkMetadata(node *types.Node, path string) {
	rlog := log.WithComponent("restorer")
	if err := os.Lchown(path, int(node.UID), int(node.GID)); err != nil {
		rlog.Debug().Str("path", path).Err(err).Msg("cannot apply ownership")
	}
}
