// Package storage provides the key-value Store behind hive's assignment
// journal.
//
// # Implementations
//
// MemoryStore keeps everything in a map guarded by a sync.RWMutex. Values are
// copied on the way in and out so callers never alias stored bytes. It is the
// default when no journal path is configured, and what tests use.
//
// BoltStore keeps keys in a single bucket of a BoltDB file. Reads run in
// read-only transactions and copy values out before the transaction ends.
//
// # Keys
//
// List takes a prefix and returns matching keys in ascending order. Callers
// that need ordered iteration encode ordering into the key, for example by
// zero-padding sequence numbers:
//
//	assignment/<id>/00000003
//
// # Errors
//
// ErrKeyNotFound is returned by Get for missing keys. Delete of a missing key
// succeeds. Put rejects the empty key with ErrEmptyKey.
package storage
