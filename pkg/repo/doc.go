/*
Package repo orchestrates the repository: configuration, keys, locks,
the chunk store and snapshot records.

# Architecture

The repository binds every lower layer into two high-level paths,
store and load:

	┌───────────────────── REPOSITORY ─────────────────────┐
	│                                                        │
	│  ┌──────────────────────────────────────────┐        │
	│  │              Open / Init                  │        │
	│  │  - config (plaintext JSON, versioned)     │        │
	│  │  - key files (argon2id → master key)      │        │
	│  │  - DEK sealed inside each key file        │        │
	│  └────────────────────┬─────────────────────┘        │
	│                       │                                │
	│  ┌────────────────────▼─────────────────────┐        │
	│  │              In-memory index              │        │
	│  │  - union of all index/* objects           │        │
	│  │  - sharded map, chunk id → location       │        │
	│  └────────────────────┬─────────────────────┘        │
	│                       │                                │
	│  ┌────────────────────▼─────────────────────┐        │
	│  │              Pack writers                 │        │
	│  │  - bounded pool of open packs             │        │
	│  │  - seal at target size, PutIfAbsent       │        │
	│  │  - entries → index + pending buffer       │        │
	│  └────────────────────┬─────────────────────┘        │
	│                       │                                │
	│  ┌────────────────────▼─────────────────────┐        │
	│  │              Backend                      │        │
	│  │  - local / s3 / azure, retry-wrapped      │        │
	│  └──────────────────────────────────────────┘        │
	└────────────────────────────────────────────────────────┘

# Ordering guarantee

A snapshot is written only after every pack and index object it
depends on is durable; Flush enforces this before StoreSnapshot is
reachable on the backup path. A crash loses at most the open packs,
whose chunks are re-created by the next run because identity is
content-derived.

# Locking

Backups and restores run without an exclusive lock: all their writes
are content-addressed and guarded by PutIfAbsent. Only prune and index
compaction take the lease-based repository lock; stale leases are
broken by the next acquirer.
*/
package repo
