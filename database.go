package mvkv

import (
	"context"
)

type (
	// Database is the storage engine underneath the transaction core. The core never
	// talks to physical storage directly; everything it needs is expressed here.
	// Implementations must guarantee that ApplyBatch is atomic: either the whole
	// batch becomes visible at its commit timestamp or none of it does.
	Database interface {
		// Get returns the most recent version of key with a timestamp less than or
		// equal to the provided version, or ErrKeyNotFound.
		Get(ctx context.Context, key []byte, version uint64) (*Item, error)

		// NewIterator returns an iterator over the keys visible at the provided
		// version, merged with the provided pending overlay entries. The overlay
		// takes precedence over storage-resident versions of the same key.
		NewIterator(ctx context.Context, pending []*Entry, version uint64, opts IteratorOptions) (Iterator, error)

		// NewKeyIterator behaves like NewIterator but yields keys only; values are
		// not materialized.
		NewKeyIterator(ctx context.Context, pending []*Entry, version uint64, opts IteratorOptions) (Iterator, error)

		// ValidateEntry checks the entry against the engine's schema and size rules
		// before it is buffered.
		ValidateEntry(e *Entry) error

		// ApplyBatch atomically applies a batch of committed entries. Every entry
		// carries its commit timestamp in its version.
		ApplyBatch(ctx context.Context, entries []*Entry) error

		// Fingerprint returns a deterministic 64 bit hash of the key, used for
		// conflict detection.
		Fingerprint(key []byte) uint64

		// EstimateSize returns the number of bytes the entry will occupy in a batch.
		EstimateSize(e *Entry) int64

		// MaxBatchCount is the maximum number of entries a single batch may hold.
		MaxBatchCount() int64

		// MaxBatchSize is the maximum number of bytes a single batch may hold.
		MaxBatchSize() int64
	}

	// PendingManager is the buffer a write transaction stores its uncommitted
	// writes in. It is owned by exactly one transaction and is never shared. All
	// operations may suspend, so they take a context and may fail.
	PendingManager interface {
		// Get returns the buffered entry for key, or nil if the key has not been
		// written in this transaction.
		Get(ctx context.Context, key []byte) (*Entry, error)

		// RemoveEntry removes and returns the buffered entry for key, or nil.
		RemoveEntry(ctx context.Context, key []byte) (*Entry, error)

		// Insert buffers an entry, replacing any previous entry for the same key.
		Insert(ctx context.Context, e *Entry) error

		// Empty returns true if nothing has been buffered.
		Empty(ctx context.Context) (bool, error)

		// Len returns the number of buffered entries.
		Len(ctx context.Context) (int, error)

		// Entries returns all buffered entries in key order.
		Entries(ctx context.Context) ([]*Entry, error)
	}

	// Iterator walks keys in order. Implementations are provided by the storage
	// engine; the transaction only adds its pending overlay on top.
	Iterator interface {
		// Rewind positions the iterator at the first entry.
		Rewind()

		// Valid returns true while the iterator points at an entry.
		Valid() bool

		// Next advances the iterator.
		Next()

		// Item returns the entry the iterator currently points at.
		Item() *Item

		// Close releases the iterator. It must be called exactly once.
		Close()
	}

	// IteratorOptions controls the direction of an iterator.
	IteratorOptions struct {
		// Reverse iterates from the highest key to the lowest.
		Reverse bool
	}

	// Item is the result of a point lookup or an iteration step. The value may be
	// served zero-copy out of the storage engine's own memory or out of the
	// transaction's pending writes; use ValueCopy if the value needs to outlive the
	// transaction.
	Item struct {
		key     []byte
		value   []byte
		version uint64

		// pending is set when the item was served from the transaction's own
		// uncommitted writes.
		pending bool

		// shared is set when value references memory still owned by the storage
		// engine.
		shared bool
	}
)

// Key returns the key of the item.
func (i *Item) Key() []byte {
	return i.key
}

// Value returns the value of the item. The returned slice may reference memory
// owned by the storage engine or by the transaction.
func (i *Item) Value() []byte {
	return i.value
}

// ValueCopy appends the item's value to dst and returns it, guaranteeing the result
// shares no memory with the storage engine.
func (i *Item) ValueCopy(dst []byte) []byte {
	return append(dst[:0], i.value...)
}

// Version returns the timestamp of the version this item was read at.
func (i *Item) Version() uint64 {
	return i.version
}

// IsPending returns true when the item was served from the transaction's own
// uncommitted writes rather than from storage.
func (i *Item) IsPending() bool {
	return i.pending
}
