// Package kv defines the interface this layer consumes from the
// underlying ordered key-value engine, plus the two implementations
// that back it: a pebble LSM store for production and an in-memory
// ordered store for tests and tooling.
package kv

import "scopedb/pkg/types"

// ReadOptions mirror the engine's per-read knobs. Implementations map
// what they can and ignore the rest.
type ReadOptions struct {
	FillCache       bool
	VerifyChecksums bool
}

// WriteOptions control durability of a write. Sync forces the write to
// stable storage before returning.
type WriteOptions struct {
	Sync bool
}

// Iterator is a forward iterator over the full key space, seekable to
// a prefix. Key and Value are only valid until the next positioning
// call; callers copy what they keep.
type Iterator interface {
	SeekGE(key types.Key) bool
	Next() bool
	Valid() bool
	Key() types.Key
	Value() types.Value
	Error() error
	Close() error
}

// Store is the engine surface consumed by the scope layer. Get returns
// dberrors.ErrNotFound for absent keys; all other errors are engine
// I/O errors and propagate verbatim.
type Store interface {
	Get(key types.Key, ro ReadOptions) (types.Value, error)
	Put(key types.Key, value types.Value, wo WriteOptions) error
	Delete(key types.Key, wo WriteOptions) error

	// Write applies the batch atomically: after a crash either every
	// op in the batch is visible or none is.
	Write(b *Batch, wo WriteOptions) error

	NewIterator(ro ReadOptions) (Iterator, error)
	Close() error
}
