package mvkv

const (
	// bitDelete is set on an entry's meta byte when the entry is a deletion marker
	// rather than an insert.
	bitDelete byte = 1 << 0
)

type (
	// Entry is a single logical mutation: either an insert of a key-value pair or
	// the removal of a key. Entries are buffered by a write transaction and only
	// reach the storage engine as part of a committed batch, stamped with the
	// transaction's commit timestamp.
	Entry struct {
		Key      []byte
		Value    []byte
		UserMeta byte

		meta byte

		// version is the timestamp the entry is visible at. Version zero is
		// reserved for "not yet assigned"; a committed entry never carries it.
		version uint64
	}
)

// newInsertEntry creates an insert entry at the provided version.
func newInsertEntry(key, value []byte, version uint64) *Entry {
	return &Entry{
		Key:     key,
		Value:   value,
		version: version,
	}
}

// newRemoveEntry creates a deletion marker for the provided key. The version is
// left at zero and is assigned when the transaction commits.
func newRemoveEntry(key []byte) *Entry {
	return &Entry{
		Key:  key,
		meta: bitDelete,
	}
}

// IsDelete returns true if the entry is a deletion marker.
func (e *Entry) IsDelete() bool {
	return e.meta&bitDelete > 0
}

// Version returns the timestamp the entry was stamped with, or zero if it has not
// been committed yet.
func (e *Entry) Version() uint64 {
	return e.version
}

func (e *Entry) estimateSize() int64 {
	// The stored key carries an 8 byte version suffix, plus the meta and user meta
	// bytes.
	return int64(len(e.Key) + len(e.Value) + 8 + 2)
}
