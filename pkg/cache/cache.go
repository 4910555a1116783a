// Package cache provides a local metadata cache backed by BoltDB.
//
// Index objects and snapshot records are small but live behind the
// backend's latency; caching their sealed bytes locally makes repeated
// repository opens cheap. The cache is advisory: every entry is keyed
// by the backend object name, and entries whose objects vanished from
// the backend are dropped on reconcile.
package cache

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketIndex     = []byte("index")
	bucketSnapshots = []byte("snapshots")
)

// Cache stores sealed metadata objects keyed by backend object name.
type Cache struct {
	db *bolt.DB
}

// Open opens (or creates) a cache file for one repository. Callers
// derive dir from the repository id so distinct repositories never
// share a cache.
func Open(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	db, err := bolt.Open(filepath.Join(dir, "metadata.db"), 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketIndex, bucketSnapshots} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Cache{db: db}, nil
}

// Close closes the cache database
func (c *Cache) Close() error {
	return c.db.Close()
}

func (c *Cache) bucketFor(kind Kind) []byte {
	if kind == KindSnapshot {
		return bucketSnapshots
	}
	return bucketIndex
}

// Kind selects the cached namespace.
type Kind int

const (
	KindIndex Kind = iota
	KindSnapshot
)

// Get returns the cached bytes for name, if present.
func (c *Cache) Get(kind Kind, name string) ([]byte, bool) {
	var data []byte
	_ = c.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(c.bucketFor(kind)).Get([]byte(name)); v != nil {
			data = bytes.Clone(v)
		}
		return nil
	})
	return data, data != nil
}

// Put stores the bytes for name.
func (c *Cache) Put(kind Kind, name string, data []byte) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(c.bucketFor(kind)).Put([]byte(name), data)
	})
}

// Delete removes one entry. Missing entries are not an error.
func (c *Cache) Delete(kind Kind, name string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(c.bucketFor(kind)).Delete([]byte(name))
	})
}

// Reconcile drops every cached entry whose name is not in live. The
// backend listing is the source of truth.
func (c *Cache) Reconcile(kind Kind, live map[string]struct{}) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(c.bucketFor(kind))
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			if _, ok := live[string(k)]; !ok {
				stale = append(stale, bytes.Clone(k))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// DefaultRoot returns the cache root under the user's cache
// directory. Each repository gets its own subdirectory beneath it.
func DefaultRoot() (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate cache directory: %w", err)
	}
	return filepath.Join(base, "coffer"), nil
}
