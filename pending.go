package mvkv

import (
	"bytes"
	"context"

	"github.com/google/btree"
)

type (
	// BTreePendingManager is the default pending-write buffer: an ordered,
	// in-memory key to entry overlay. It belongs to a single transaction and does
	// no locking of its own.
	BTreePendingManager struct {
		tree *btree.BTree
	}

	pendingItem struct {
		entry *Entry
	}
)

func (p pendingItem) Less(than btree.Item) bool {
	return bytes.Compare(p.entry.Key, than.(pendingItem).entry.Key) < 0
}

// NewPendingManager creates an empty pending-write buffer.
func NewPendingManager() *BTreePendingManager {
	return &BTreePendingManager{
		tree: btree.New(32),
	}
}

// Get returns the buffered entry for key, or nil.
func (m *BTreePendingManager) Get(_ context.Context, key []byte) (*Entry, error) {
	found := m.tree.Get(pendingItem{entry: &Entry{Key: key}})
	if found == nil {
		return nil, nil
	}
	return found.(pendingItem).entry, nil
}

// RemoveEntry removes and returns the buffered entry for key, or nil.
func (m *BTreePendingManager) RemoveEntry(_ context.Context, key []byte) (*Entry, error) {
	removed := m.tree.Delete(pendingItem{entry: &Entry{Key: key}})
	if removed == nil {
		return nil, nil
	}
	return removed.(pendingItem).entry, nil
}

// Insert buffers an entry, replacing any previous entry for the same key.
func (m *BTreePendingManager) Insert(_ context.Context, e *Entry) error {
	m.tree.ReplaceOrInsert(pendingItem{entry: e})
	return nil
}

// Empty returns true if nothing has been buffered.
func (m *BTreePendingManager) Empty(_ context.Context) (bool, error) {
	return m.tree.Len() == 0, nil
}

// Len returns the number of buffered entries.
func (m *BTreePendingManager) Len(_ context.Context) (int, error) {
	return m.tree.Len(), nil
}

// Entries returns every buffered entry in key order.
func (m *BTreePendingManager) Entries(_ context.Context) ([]*Entry, error) {
	entries := make([]*Entry, 0, m.tree.Len())
	m.tree.Ascend(func(item btree.Item) bool {
		entries = append(entries, item.(pendingItem).entry)
		return true
	})
	return entries, nil
}

var _ PendingManager = (*BTreePendingManager)(nil)
