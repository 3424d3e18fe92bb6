package mvkv

import (
	"github.com/pkg/errors"
)

var (
	// ErrConflict is returned when a transaction conflicts with another transaction
	// that committed after this transaction's read snapshot. The transaction is NOT
	// discarded; the caller should discard it and retry with a fresh transaction.
	ErrConflict = errors.New("transaction conflict, please retry with a new transaction")

	// ErrDiscardedTxn is returned when an operation is attempted on a transaction
	// that has already been discarded.
	ErrDiscardedTxn = errors.New("this transaction has been discarded, create a new one")

	// ErrTxnTooBig is returned when the transaction has buffered more entries, or
	// more bytes, than the storage engine allows in a single batch. The offending
	// write is not applied, not even partially.
	ErrTxnTooBig = errors.New("transaction is too big to fit into one batch")

	// ErrKeyNotFound is returned when a key is not visible at the transaction's
	// read timestamp, or has been removed.
	ErrKeyNotFound = errors.New("key not found")

	// ErrEmptyKey is returned when an empty key is passed to a read or a write.
	ErrEmptyKey = errors.New("key cannot be empty")

	// ErrDBClosed is returned when a transaction is created against a database
	// handle that has been closed.
	ErrDBClosed = errors.New("database has been closed")

	// ErrBlockedWrites is returned when a commit is handed off while the database
	// is shutting down.
	ErrBlockedWrites = errors.New("writes are blocked, possibly due to the database closing")
)

// wrapManager tags an error as originating from the pending-write manager.
func wrapManager(err error) error {
	return errors.Wrap(err, "pending manager")
}

// wrapStorage tags an error as originating from the storage engine.
func wrapStorage(err error) error {
	return errors.Wrap(err, "storage")
}
