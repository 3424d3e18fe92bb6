package mvkv

import (
	"context"
	"sort"
	"sync"

	"github.com/OneOfOne/xxhash"
	"github.com/dgryski/go-farm"
	"github.com/google/btree"
	"github.com/mvkv/mvkv/z"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

type (
	// MemoryDatabase is the reference storage engine: a btree of versioned keys,
	// ordered by key ascending and version descending. It implements the full
	// Database contract, including atomic batch application, and keeps a running
	// checksum of everything it has applied for audit purposes.
	MemoryDatabase struct {
		sync.RWMutex
		tree *btree.BTree
		opts MemoryOptions

		// checksum accumulates a digest of every applied batch, see Checksum.
		checksum atomic.Uint64
	}

	// MemoryOptions bounds what the reference engine accepts.
	MemoryOptions struct {
		MaxBatchCount int64
		MaxBatchSize  int64
		MaxKeySize    int
		MaxValueSize  int
	}

	memoryItem struct {
		// key carries the inverted version suffix, so for one user key the highest
		// version sorts first.
		key      []byte
		value    []byte
		meta     byte
		userMeta byte
	}
)

func (m memoryItem) Less(than btree.Item) bool {
	return z.CompareKeys(m.key, than.(memoryItem).key) < 0
}

// DefaultMemoryOptions returns limits suitable for tests and small embedded use.
func DefaultMemoryOptions() MemoryOptions {
	return MemoryOptions{
		MaxBatchCount: 100000,
		MaxBatchSize:  64 << 20,
		MaxKeySize:    1 << 16,
		MaxValueSize:  1 << 20,
	}
}

// NewMemoryDatabase creates an empty in-memory storage engine.
func NewMemoryDatabase(opts MemoryOptions) *MemoryDatabase {
	return &MemoryDatabase{
		tree: btree.New(32),
		opts: opts,
	}
}

// Get returns the newest version of key at or below the provided version.
func (m *MemoryDatabase) Get(_ context.Context, key []byte, version uint64) (*Item, error) {
	m.RLock()
	defer m.RUnlock()

	seek := z.KeyWithTs(key, version)

	var found *memoryItem
	m.tree.AscendGreaterOrEqual(memoryItem{key: seek}, func(item btree.Item) bool {
		candidate := item.(memoryItem)
		if z.SameKey(candidate.key, seek) {
			found = &candidate
		}
		return false
	})

	if found == nil || found.meta&bitDelete > 0 {
		return nil, ErrKeyNotFound
	}

	return &Item{
		key:     key,
		value:   found.value,
		version: z.ParseTs(found.key),
		shared:  true,
	}, nil
}

// ValidateEntry checks the entry against the engine's size rules.
func (m *MemoryDatabase) ValidateEntry(e *Entry) error {
	switch {
	case len(e.Key) == 0:
		return ErrEmptyKey
	case len(e.Key) > m.opts.MaxKeySize:
		return errors.Errorf("key with size %d exceeded the %d limit", len(e.Key), m.opts.MaxKeySize)
	case len(e.Value) > m.opts.MaxValueSize:
		return errors.Errorf("value with size %d exceeded the %d limit", len(e.Value), m.opts.MaxValueSize)
	}
	return nil
}

// ApplyBatch applies a committed batch atomically: validation happens before any
// mutation, and the whole batch is applied under one lock. Within a batch the
// first entry for a given versioned key wins; later ones are superseded writes
// kept for audit, not newer state.
func (m *MemoryDatabase) ApplyBatch(_ context.Context, entries []*Entry) error {
	digest := xxhash.New64()
	for _, e := range entries {
		if e.version == 0 {
			return errors.New("refusing to apply an entry without a commit timestamp")
		}
		_, _ = digest.Write(e.Key)
		_, _ = digest.Write(e.Value)
	}

	m.Lock()
	defer m.Unlock()

	applied := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		versionedKey := z.KeyWithTs(e.Key, e.version)
		if _, done := applied[string(versionedKey)]; done {
			continue
		}
		applied[string(versionedKey)] = struct{}{}

		m.tree.ReplaceOrInsert(memoryItem{
			key:      versionedKey,
			value:    e.Value,
			meta:     e.meta,
			userMeta: e.UserMeta,
		})
	}

	m.checksum.Store(m.checksum.Load() ^ digest.Sum64())
	return nil
}

// Fingerprint hashes a key for conflict detection.
func (m *MemoryDatabase) Fingerprint(key []byte) uint64 {
	return farm.Fingerprint64(key)
}

// EstimateSize returns the number of bytes the entry occupies in a batch.
func (m *MemoryDatabase) EstimateSize(e *Entry) int64 {
	return e.estimateSize()
}

func (m *MemoryDatabase) MaxBatchCount() int64 { return m.opts.MaxBatchCount }

func (m *MemoryDatabase) MaxBatchSize() int64 { return m.opts.MaxBatchSize }

// Checksum returns the engine's running digest of applied batches. Two engines
// that applied the same batches report the same checksum, regardless of timing.
func (m *MemoryDatabase) Checksum() uint64 {
	return m.checksum.Load()
}

// NewIterator returns an iterator over the keys visible at the provided version
// with the pending overlay applied on top of storage.
func (m *MemoryDatabase) NewIterator(_ context.Context, pending []*Entry, version uint64, opts IteratorOptions) (Iterator, error) {
	return m.merge(pending, version, opts, true), nil
}

// NewKeyIterator behaves like NewIterator without materializing values.
func (m *MemoryDatabase) NewKeyIterator(_ context.Context, pending []*Entry, version uint64, opts IteratorOptions) (Iterator, error) {
	return m.merge(pending, version, opts, false), nil
}

// merge overlays the pending entries on top of the storage-resident versions
// visible at version. The overlay wins for keys present in both; overlay deletion
// markers suppress the storage version entirely.
func (m *MemoryDatabase) merge(pending []*Entry, version uint64, opts IteratorOptions, withValues bool) Iterator {
	overlay := make(map[string]*Entry, len(pending))
	for _, e := range pending {
		overlay[string(e.Key)] = e
	}

	m.RLock()
	items := make([]*Item, 0, m.tree.Len()+len(pending))
	var currentKey []byte
	m.tree.Ascend(func(item btree.Item) bool {
		candidate := item.(memoryItem)
		userKey := z.ParseKey(candidate.key)

		// Only the first version at or below the snapshot counts for each key.
		if currentKey != nil && z.SameKey(candidate.key, z.KeyWithTs(currentKey, 0)) {
			return true
		}
		if z.ParseTs(candidate.key) > version {
			return true
		}
		currentKey = append(currentKey[:0], userKey...)

		if _, has := overlay[string(userKey)]; has {
			// The overlay wins; handled in the pass below.
			return true
		}
		if candidate.meta&bitDelete > 0 {
			return true
		}

		found := &Item{
			key:     append([]byte(nil), userKey...),
			version: z.ParseTs(candidate.key),
			shared:  true,
		}
		if withValues {
			found.value = candidate.value
		}
		items = append(items, found)
		return true
	})
	m.RUnlock()

	for _, e := range pending {
		if e.IsDelete() {
			continue
		}
		found := &Item{
			key:     e.Key,
			version: e.version,
			pending: true,
		}
		if withValues {
			found.value = e.Value
		}
		items = append(items, found)
	}

	sort.Slice(items, func(i, j int) bool {
		less := string(items[i].key) < string(items[j].key)
		if opts.Reverse {
			return !less
		}
		return less
	})

	return &sliceIterator{items: items}
}

var _ Database = (*MemoryDatabase)(nil)

type sliceIterator struct {
	items []*Item
	index int
}

func (s *sliceIterator) Rewind() {
	s.index = 0
}

func (s *sliceIterator) Valid() bool {
	return s.index < len(s.items)
}

func (s *sliceIterator) Next() {
	s.index++
}

func (s *sliceIterator) Item() *Item {
	return s.items[s.index]
}

func (s *sliceIterator) Close() {
	s.items = nil
}
