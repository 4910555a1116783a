// Package archiver implements the backup engine: it walks source
// trees, stores file contents as deduplicated chunks, emits tree
// objects bottom-up and commits the result as a snapshot.
package archiver

import (
	"context"
	"io"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cofferhq/coffer/pkg/chunker"
	"github.com/cofferhq/coffer/pkg/errdefs"
	"github.com/cofferhq/coffer/pkg/log"
	"github.com/cofferhq/coffer/pkg/metrics"
	"github.com/cofferhq/coffer/pkg/repo"
	"github.com/cofferhq/coffer/pkg/tree"
	"github.com/cofferhq/coffer/pkg/types"
)

// Options configures one backup run.
type Options struct {
	Paths    []string
	Tags     []string
	Excludes []string

	// Workers bounds how many files are chunked concurrently.
	Workers int

	// DryRun walks and chunks without writing anything.
	DryRun bool
}

// Warning records one per-entry source error. The snapshot is still
// valid; the entry is simply absent.
type Warning struct {
	Path string
	Err  error
}

// Summary reports what a backup did.
type Summary struct {
	SnapshotID string
	Files      int
	Dirs       int
	Symlinks   int
	BytesRead  uint64
	Warnings   []Warning
	Duration   time.Duration
}

// Archiver walks sources into a repository.
type Archiver struct {
	repo    *repo.Repository
	opts    Options
	exclude *Matcher

	mu       sync.Mutex
	warnings []Warning
	files    int
	dirs     int
	symlinks int
	bytes    uint64

	bufs sync.Pool
}

// New creates an archiver for one run
func New(r *repo.Repository, opts Options) (*Archiver, error) {
	if len(opts.Paths) == 0 {
		return nil, errdefs.Newf(errdefs.KindUsage, "", "no source paths")
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	m, err := NewMatcher(opts.Excludes)
	if err != nil {
		return nil, errdefs.New(errdefs.KindUsage, "", err)
	}
	a := &Archiver{repo: r, opts: opts, exclude: m}
	a.bufs.New = func() interface{} {
		return make([]byte, chunker.BufSize)
	}
	return a, nil
}

// Run executes the backup and, unless cancelled or dry, commits a
// snapshot. The snapshot write happens strictly after every referenced
// pack and index object is durable.
func (a *Archiver) Run(ctx context.Context) (*Summary, error) {
	timer := metrics.NewTimer()
	logger := log.WithComponent("archiver")

	rootID, err := a.saveSources(ctx)
	if err != nil {
		a.repo.AbandonPacks()
		if ctx.Err() != nil {
			return nil, errdefs.New(errdefs.KindCancelled, "", ctx.Err())
		}
		return nil, err
	}

	summary := &Summary{
		Files:     a.files,
		Dirs:      a.dirs,
		Symlinks:  a.symlinks,
		BytesRead: a.bytes,
		Warnings:  a.warnings,
	}

	if a.opts.DryRun {
		summary.Duration = timer.Duration()
		return summary, nil
	}

	if err := a.repo.Flush(ctx); err != nil {
		a.repo.AbandonPacks()
		return nil, err
	}
	if ctx.Err() != nil {
		// Cancelled after flush but before commit: uploaded packs stay
		// and remain usable, but no snapshot appears.
		return nil, errdefs.New(errdefs.KindCancelled, "", ctx.Err())
	}

	sn, err := a.buildSnapshot(ctx, rootID)
	if err != nil {
		return nil, err
	}
	id, err := a.repo.StoreSnapshot(ctx, sn)
	if err != nil {
		return nil, err
	}

	summary.SnapshotID = id
	summary.Duration = timer.Duration()
	timer.ObserveDuration(metrics.BackupDuration)
	logger.Info().Str("snapshot", id).Int("files", summary.Files).
		Uint64("bytes", summary.BytesRead).Int("warnings", len(summary.Warnings)).
		Msg("backup complete")
	return summary, nil
}

func (a *Archiver) buildSnapshot(ctx context.Context, rootID types.ID) (*types.Snapshot, error) {
	hostname, _ := os.Hostname()
	username := ""
	if u, err := user.Current(); err == nil {
		username = u.Username
	}

	sn := &types.Snapshot{
		Tree:         rootID,
		Paths:        a.opts.Paths,
		Host:         hostname,
		User:         username,
		Time:         time.Now().UTC(),
		Tags:         a.opts.Tags,
		Excludes:     a.opts.Excludes,
		WarningCount: len(a.warnings),
	}

	// Parent is informational: the latest snapshot over the same paths.
	parent, err := a.repo.LatestSnapshotFor(ctx, a.opts.Paths)
	if err != nil {
		alog := log.WithComponent("archiver")
		alog.Warn().Err(err).Msg("parent lookup failed")
	} else if parent != nil {
		sn.Parent = parent.ID
	}
	return sn, nil
}

// saveSources processes every top-level path and returns the root tree
// id. A single directory source becomes the root itself; anything else
// gets a synthetic root with one node per source.
func (a *Archiver) saveSources(ctx context.Context) (types.ID, error) {
	paths := append([]string(nil), a.opts.Paths...)
	sort.Strings(paths)

	if len(paths) == 1 {
		info, err := os.Lstat(paths[0])
		if err == nil && info.IsDir() {
			a.dirs++
			return a.saveDirContents(ctx, paths[0])
		}
	}

	var nodes []*types.Node
	failed := 0
	for _, p := range paths {
		node, err := a.saveEntry(ctx, p, filepath.Base(p))
		if err != nil {
			if errdefs.IsCancelled(err) {
				return types.ID{}, err
			}
			a.warn(p, err)
			failed++
			continue
		}
		if node != nil {
			nodes = append(nodes, node)
		}
	}
	if failed == len(paths) {
		return types.ID{}, errdefs.Newf(errdefs.KindSource, "", "all source paths failed")
	}
	return a.storeTree(ctx, &types.Tree{Nodes: nodes})
}

// saveEntry dispatches one filesystem entry by kind. Returns (nil, nil)
// for excluded or unsupported entries.
func (a *Archiver) saveEntry(ctx context.Context, path, name string) (*types.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, errdefs.New(errdefs.KindCancelled, path, err)
	}
	if a.exclude.Match(filepath.ToSlash(path)) {
		return nil, nil
	}

	info, err := os.Lstat(path)
	if err != nil {
		return nil, errdefs.New(errdefs.KindSource, path, err)
	}

	switch {
	case info.Mode().IsRegular():
		return a.saveFile(ctx, path, name, info)
	case info.IsDir():
		return a.saveDir(ctx, path, name, info)
	case info.Mode()&fs.ModeSymlink != 0:
		return a.saveSymlink(path, name, info)
	default:
		// Sockets, devices and the like are outside the tree model.
		a.warn(path, errdefs.Newf(errdefs.KindSource, path, "unsupported file type %v", info.Mode().Type()))
		return nil, nil
	}
}

// saveDir recurses and returns a directory node pointing at the
// serialized subtree.
func (a *Archiver) saveDir(ctx context.Context, path, name string, info os.FileInfo) (*types.Node, error) {
	subtree, err := a.saveDirContents(ctx, path)
	if err != nil {
		return nil, err
	}

	node := nodeFromInfo(name, types.NodeKindDir, info)
	node.Subtree = &subtree

	a.mu.Lock()
	a.dirs++
	a.mu.Unlock()
	return node, nil
}

// saveDirContents walks one directory in stable sorted order. Files are
// chunked in parallel; subdirectories recurse sequentially so the
// effective fan-out stays bounded by the file workers.
func (a *Archiver) saveDirContents(ctx context.Context, path string) (types.ID, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return types.ID{}, errdefs.New(errdefs.KindSource, path, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	nodes := make([]*types.Node, len(entries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.opts.Workers)

	for i, entry := range entries {
		childPath := filepath.Join(path, entry.Name())
		if entry.IsDir() {
			// Recurse outside the group to keep a single walker.
			node, err := a.saveEntry(ctx, childPath, entry.Name())
			if err != nil {
				if errdefs.IsCancelled(err) {
					return types.ID{}, err
				}
				a.warn(childPath, err)
				continue
			}
			nodes[i] = node
			continue
		}
		g.Go(func() error {
			node, err := a.saveEntry(gctx, childPath, entry.Name())
			if err != nil {
				if errdefs.IsCancelled(err) {
					return err
				}
				a.warn(childPath, err)
				return nil
			}
			nodes[i] = node
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return types.ID{}, err
	}

	kept := make([]*types.Node, 0, len(nodes))
	for _, n := range nodes {
		if n != nil {
			kept = append(kept, n)
		}
	}
	return a.storeTree(ctx, &types.Tree{Nodes: kept})
}

// saveFile chunks one file and returns its node. Chunk order in the
// node equals byte order in the file.
func (a *Archiver) saveFile(ctx context.Context, path, name string, info os.FileInfo) (*types.Node, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errdefs.New(errdefs.KindSource, path, err)
	}
	defer f.Close()

	buf := a.bufs.Get().([]byte)
	defer a.bufs.Put(buf)

	ch := chunker.New(f, a.repo.ChunkerPolynomial(), chunker.DefaultParams())
	var content []types.ID
	var size uint64

	for {
		if err := ctx.Err(); err != nil {
			return nil, errdefs.New(errdefs.KindCancelled, path, err)
		}
		chunk, err := ch.Next(buf)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errdefs.New(errdefs.KindSource, path, err)
		}

		size += uint64(chunk.Length)
		metrics.BytesReadTotal.Add(float64(chunk.Length))

		if a.opts.DryRun {
			continue
		}
		id, err := a.repo.StoreChunk(ctx, chunk.Data)
		if err != nil {
			return nil, err
		}
		content = append(content, id)
	}

	node := nodeFromInfo(name, types.NodeKindFile, info)
	node.Size = size
	node.Content = content

	a.mu.Lock()
	a.files++
	a.bytes += size
	a.mu.Unlock()
	return node, nil
}

func (a *Archiver) saveSymlink(path, name string, info os.FileInfo) (*types.Node, error) {
	target, err := os.Readlink(path)
	if err != nil {
		return nil, errdefs.New(errdefs.KindSource, path, err)
	}
	node := nodeFromInfo(name, types.NodeKindSymlink, info)
	node.LinkTarget = target

	a.mu.Lock()
	a.symlinks++
	a.mu.Unlock()
	return node, nil
}

// storeTree serializes a tree and stores it as an ordinary chunk.
func (a *Archiver) storeTree(ctx context.Context, t *types.Tree) (types.ID, error) {
	data, err := tree.Encode(t)
	if err != nil {
		return types.ID{}, err
	}
	if a.opts.DryRun {
		return types.ID{}, nil
	}
	return a.repo.StoreChunk(ctx, data)
}

func (a *Archiver) warn(path string, err error) {
	alog := log.WithComponent("archiver")
	alog.Warn().Str("path", path).Err(err).Msg("skipping entry")
	a.mu.Lock()
	a.warnings = append(a.warnings, Warning{Path: path, Err: err})
	a.mu.Unlock()
}

func nodeFromInfo(name string, kind types.NodeKind, info os.FileInfo) *types.Node {
	node := &types.Node{
		Name: name,
		Kind: kind,
		Mode: uint32(info.Mode().Perm()),
	}
	node.SetMTime(info.ModTime())
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		node.UID = st.Uid
		node.GID = st.Gid
	}
	return node
}
