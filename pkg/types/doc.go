/*
Package types holds the data model shared across the engine: chunk
ids, tree nodes, snapshots, index locations and locks.

Everything here is a plain serializable value. Chunk ids are content
hashes, so equality of ids implies equality of plaintext; storage ids
(packs, snapshots, index objects, keys, locks) are random 128-bit
values rendered as 32 lowercase hex digits.
*/
package types
