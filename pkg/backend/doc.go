/*
Package backend defines the object-store abstraction the repository is
built on, plus the in-memory implementation and the retry decorator.

A backend maps typed keys to opaque blobs across six disjoint
namespaces: config, keys/, data/, index/, snapshots/ and locks/. The
contracts every transport honors:

  - Put is observable-atomic: a partial write is never visible to Get
    or List. The filesystem transport writes a temp file and renames;
    object stores provide this natively.
  - PutIfAbsent fails with an already-exists error when the key is
    present, which is what makes lockless deduplication races safe.
  - GetRange costs O(length), not O(object size). Single-chunk reads
    depend on this.

Failures are classified as transient (network trouble, throttling,
server errors) or permanent (missing keys, denied access, corrupt
payloads). The Retry decorator retries transient failures with
jittered exponential backoff under a bounded budget; permanent
failures surface immediately.
*/
package backend
