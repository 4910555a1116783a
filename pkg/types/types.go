package types

import (
	"time"
)

// NodeKind defines the kind of a filesystem entry in a tree
type NodeKind string

const (
	NodeKindFile    NodeKind = "file"
	NodeKindDir     NodeKind = "dir"
	NodeKindSymlink NodeKind = "symlink"
)

// Node represents one filesystem entry inside a tree object
type Node struct {
	Name       string   `json:"name" cbor:"1,keyasint"`
	Kind       NodeKind `json:"kind" cbor:"2,keyasint"`
	Mode       uint32   `json:"mode" cbor:"3,keyasint"`
	UID        uint32   `json:"uid" cbor:"4,keyasint"`
	GID        uint32   `json:"gid" cbor:"5,keyasint"`
	Size       uint64   `json:"size,omitempty" cbor:"6,keyasint,omitempty"`
	MTimeUnix  int64    `json:"mtime" cbor:"7,keyasint"`
	MTimeNanos int32    `json:"mtime_ns,omitempty" cbor:"8,keyasint,omitempty"`

	// Content lists the chunks whose concatenated plaintext equals the
	// file contents, in byte order. Files only.
	Content []ID `json:"content,omitempty" cbor:"9,keyasint,omitempty"`

	// Subtree is the chunk id of the serialized child tree. Directories only.
	Subtree *ID `json:"subtree,omitempty" cbor:"10,keyasint,omitempty"`

	// LinkTarget is the symlink destination. Symlinks only.
	LinkTarget string `json:"link_target,omitempty" cbor:"11,keyasint,omitempty"`
}

// MTime returns the node's modification time.
func (n *Node) MTime() time.Time {
	return time.Unix(n.MTimeUnix, int64(n.MTimeNanos)).UTC()
}

// SetMTime stores t as seconds + nanoseconds so the encoding does not
// depend on a codec's time representation.
func (n *Node) SetMTime(t time.Time) {
	n.MTimeUnix = t.Unix()
	n.MTimeNanos = int32(t.Nanosecond())
}

// Tree is an ordered list of nodes, sorted by name bytewise
type Tree struct {
	Nodes []*Node `json:"nodes" cbor:"1,keyasint"`
}

// Snapshot is the record of one completed backup
type Snapshot struct {
	ID       string    `json:"id"`
	Parent   string    `json:"parent,omitempty"`
	Tree     ID        `json:"tree"`
	Paths    []string  `json:"paths"`
	Host     string    `json:"host"`
	User     string    `json:"user"`
	Time     time.Time `json:"time"`
	Tags     []string  `json:"tags,omitempty"`
	Excludes []string  `json:"excludes,omitempty"`

	// WarningCount reports per-entry source errors recorded while the
	// snapshot was taken. The snapshot is still complete for every entry
	// it references.
	WarningCount int `json:"warning_count,omitempty"`
}

// Location tells where a chunk lives inside the pack store
type Location struct {
	Pack            string `json:"pack"`
	Offset          uint32 `json:"offset"`
	Length          uint32 `json:"length"`
	PlaintextLength uint32 `json:"plaintext_length"`
}

// PackSummary describes one sealed pack inside an index object
type PackSummary struct {
	Size       uint64 `json:"size"`
	ChunkCount int    `json:"chunk_count"`
}

// Lock is a time-bounded lease on the repository
type Lock struct {
	Host    string    `json:"host"`
	PID     int       `json:"pid"`
	Created time.Time `json:"created"`
	Expires time.Time `json:"expires"`
}

// Stale reports whether the lease has expired and may be broken.
func (l *Lock) Stale(now time.Time) bool {
	return now.After(l.Expires)
}
