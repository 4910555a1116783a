package backend

import (
	"context"
	"fmt"
)

// FileType selects one of the repository's disjoint key namespaces.
type FileType string

const (
	ConfigFile   FileType = "config"
	KeyFile      FileType = "keys"
	PackFile     FileType = "data"
	IndexFile    FileType = "index"
	SnapshotFile FileType = "snapshots"
	LockFile     FileType = "locks"
)

// Handle names one object in a repository. Config is a singleton and
// carries no name; every other type is addressed by an id.
type Handle struct {
	Type FileType
	Name string
}

// Key returns the object key under the repository root.
func (h Handle) Key() string {
	if h.Type == ConfigFile {
		return string(ConfigFile)
	}
	return fmt.Sprintf("%s/%s", h.Type, h.Name)
}

func (h Handle) String() string { return h.Key() }

// Valid reports whether the handle can be mapped to a key.
func (h Handle) Valid() bool {
	switch h.Type {
	case ConfigFile:
		return h.Name == ""
	case KeyFile, PackFile, IndexFile, SnapshotFile, LockFile:
		return h.Name != ""
	default:
		return false
	}
}

// Backend is an object-like store over a namespaced key space. One
// implementation exists per transport; the repository holds exactly one
// backend for its lifetime.
//
// Put must be observable-atomic: a partially written object is never
// visible to Get or List. PutIfAbsent fails with an already-exists
// error when the key is present. GetRange must cost O(length), not
// O(object size); it is the hot path for single-chunk reads.
type Backend interface {
	Put(ctx context.Context, h Handle, data []byte) error
	PutIfAbsent(ctx context.Context, h Handle, data []byte) error
	Get(ctx context.Context, h Handle) ([]byte, error)
	GetRange(ctx context.Context, h Handle, offset int64, length int) ([]byte, error)
	List(ctx context.Context, t FileType, fn func(name string, size int64) error) error
	Delete(ctx context.Context, h Handle) error
	Exists(ctx context.Context, h Handle) (bool, error)
	Close() error
}
