// Package local implements the backend over a local filesystem.
// Objects are plain files under the repository root; atomicity of Put
// comes from writing to a temporary file and renaming it into place.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/cofferhq/coffer/pkg/backend"
	"github.com/cofferhq/coffer/pkg/errdefs"
)

// Local stores repository objects under a directory tree mirroring the
// key space.
type Local struct {
	root string
}

// New opens a local backend rooted at path. The directory is created
// on first use by Create; New only records the root.
func New(path string) *Local {
	return &Local{root: path}
}

// Create prepares the directory layout for a fresh repository.
func (l *Local) Create() error {
	for _, t := range []backend.FileType{backend.KeyFile, backend.PackFile, backend.IndexFile, backend.SnapshotFile, backend.LockFile} {
		if err := os.MkdirAll(filepath.Join(l.root, string(t)), 0700); err != nil {
			return errdefs.New(errdefs.KindBackendPermanent, l.root, err)
		}
	}
	return nil
}

func (l *Local) path(h backend.Handle) string {
	return filepath.Join(l.root, filepath.FromSlash(h.Key()))
}

func (l *Local) writeTemp(h backend.Handle, data []byte) (string, error) {
	dir := filepath.Dir(l.path(h))
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(dir, "tmp-")
	if err != nil {
		return "", err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(name)
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return "", err
	}
	return name, nil
}

func (l *Local) Put(ctx context.Context, h backend.Handle, data []byte) error {
	if err := ctx.Err(); err != nil {
		return errdefs.New(errdefs.KindCancelled, h.Key(), err)
	}
	tmp, err := l.writeTemp(h, data)
	if err != nil {
		return classify(h, err)
	}
	if err := os.Rename(tmp, l.path(h)); err != nil {
		os.Remove(tmp)
		return classify(h, err)
	}
	return nil
}

// PutIfAbsent links the temporary file into place, which fails if the
// target exists. Rename would silently replace; link is the only
// primitive POSIX gives us that refuses.
func (l *Local) PutIfAbsent(ctx context.Context, h backend.Handle, data []byte) error {
	if err := ctx.Err(); err != nil {
		return errdefs.New(errdefs.KindCancelled, h.Key(), err)
	}
	tmp, err := l.writeTemp(h, data)
	if err != nil {
		return classify(h, err)
	}
	defer os.Remove(tmp)
	if err := os.Link(tmp, l.path(h)); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return errdefs.New(errdefs.KindAlreadyExists, h.Key(), nil)
		}
		return classify(h, err)
	}
	return nil
}

func (l *Local) Get(ctx context.Context, h backend.Handle) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, errdefs.New(errdefs.KindCancelled, h.Key(), err)
	}
	data, err := os.ReadFile(l.path(h))
	if err != nil {
		return nil, classify(h, err)
	}
	return data, nil
}

func (l *Local) GetRange(ctx context.Context, h backend.Handle, offset int64, length int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, errdefs.New(errdefs.KindCancelled, h.Key(), err)
	}
	f, err := os.Open(l.path(h))
	if err != nil {
		return nil, classify(h, err)
	}
	defer f.Close()

	buf := make([]byte, length)
	if _, err := f.ReadAt(buf, offset); err != nil {
		if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, errdefs.Newf(errdefs.KindBackendPermanent, h.Key(),
				"range [%d,%d) outside object", offset, offset+int64(length))
		}
		return nil, classify(h, err)
	}
	return buf, nil
}

func (l *Local) List(ctx context.Context, t backend.FileType, fn func(name string, size int64) error) error {
	dir := filepath.Join(l.root, string(t))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return classify(backend.Handle{Type: t, Name: "."}, err)
	}

	names := make([]string, 0, len(entries))
	sizes := make(map[string]int64, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		names = append(names, e.Name())
		sizes[e.Name()] = info.Size()
	}
	sort.Strings(names)

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return errdefs.New(errdefs.KindCancelled, string(t), err)
		}
		if err := fn(name, sizes[name]); err != nil {
			return err
		}
	}
	return nil
}

func (l *Local) Delete(ctx context.Context, h backend.Handle) error {
	if err := ctx.Err(); err != nil {
		return errdefs.New(errdefs.KindCancelled, h.Key(), err)
	}
	if err := os.Remove(l.path(h)); err != nil {
		return classify(h, err)
	}
	return nil
}

func (l *Local) Exists(ctx context.Context, h backend.Handle) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, errdefs.New(errdefs.KindCancelled, h.Key(), err)
	}
	_, err := os.Stat(l.path(h))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, classify(h, err)
}

func (l *Local) Close() error { return nil }

// classify maps filesystem errors onto the engine's error kinds. Local
// disks do not have a transient failure mode worth retrying.
func classify(h backend.Handle, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return errdefs.New(errdefs.KindNotFound, h.Key(), err)
	case errors.Is(err, fs.ErrPermission):
		return errdefs.New(errdefs.KindBackendPermanent, h.Key(), fmt.Errorf("permission denied: %w", err))
	default:
		return errdefs.New(errdefs.KindBackendPermanent, h.Key(), err)
	}
}
