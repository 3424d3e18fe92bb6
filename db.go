package mvkv

import (
	"context"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/mvkv/mvkv/z"
	"github.com/pkg/errors"
	"github.com/sethvargo/go-retry"
	"go.uber.org/atomic"
)

type (
	// DB is the handle through which transactions are created. It owns the
	// timestamp oracle and the ordered write channel; the storage engine and the
	// per-transaction pending-write buffers are supplied by the caller.
	DB struct {
		database Database
		orc      *oracle
		opts     Options

		// writeChannel receives committed batches in commit-timestamp order. A
		// single goroutine drains it, which preserves that order all the way into
		// the storage engine.
		writeChannel chan *writeRequest

		// cache, when enabled, holds point-lookup results keyed by (key, readTs). A
		// read timestamp is only issued after the transaction mark has caught up to
		// it and every later commit receives a strictly greater timestamp, so a
		// result at (key, readTs) can never change once the timestamp is out.
		cache *ristretto.Cache

		blockWrites atomic.Bool

		closers struct {
			writes *z.Closer
		}

		// closeOnce is used to make sure that the database can only be closed once.
		closeOnce sync.Once
	}

	writeRequest struct {
		entries  []*Entry
		err      error
		resolved chan struct{}
	}
)

// Open wires a database handle around the provided storage engine.
func Open(database Database, opts Options) (*DB, error) {
	if database == nil {
		return nil, errors.New("cannot open without a storage engine")
	}
	if opts.Logger == nil {
		opts.Logger = timberLogger{}
	}
	if opts.PendingWrites == nil {
		opts.PendingWrites = func() PendingManager {
			return NewPendingManager()
		}
	}

	db := &DB{
		database:     database,
		opts:         opts,
		orc:          newOracle(opts),
		writeChannel: make(chan *writeRequest, 100),
	}
	db.orc.incrementReference()

	if opts.ReadCacheSize > 0 {
		// Recommended to be roughly 10x the number of items the cache holds.
		numCounters := opts.ReadCacheSize / 64 * 10
		if numCounters < 10 {
			numCounters = 10
		}
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: numCounters,
			MaxCost:     opts.ReadCacheSize,
			BufferItems: 64,
		})
		if err != nil {
			return nil, errors.Wrap(err, "could not create read cache")
		}
		db.cache = cache
	}

	db.closers.writes = z.NewCloser(1)
	go db.doWrites(db.closers.writes)

	return db, nil
}

// Close shuts the database handle down. It blocks until every batch that was
// already handed off has been applied. In-flight transactions fail their commits
// with ErrBlockedWrites.
func (db *DB) Close() error {
	db.closeOnce.Do(func() {
		// Fence new hand-offs: they happen under the write serialize lock, so once
		// the flag is visible under that lock nothing else enters the channel.
		db.orc.writeSerializeLock.Lock()
		db.blockWrites.Store(true)
		close(db.writeChannel)
		db.orc.writeSerializeLock.Unlock()

		db.closers.writes.Wait()
		db.orc.stop()
		db.orc.decrementReference()

		if db.cache != nil {
			db.cache.Close()
		}
		db.opts.Logger.Debugf("database closed")
	})
	return nil
}

// doWrites drains the write channel in order, applying one batch at a time.
func (db *DB) doWrites(closer *z.Closer) {
	defer closer.Done()

	for request := range db.writeChannel {
		request.err = db.database.ApplyBatch(context.Background(), request.entries)
		close(request.resolved)
	}
}

// sendToWriteChannel hands a stamped batch to the writer. Must be called while
// holding the oracle's write serialize lock.
func (db *DB) sendToWriteChannel(entries []*Entry) (*writeRequest, error) {
	if db.blockWrites.Load() {
		return nil, ErrBlockedWrites
	}

	request := &writeRequest{
		entries:  entries,
		resolved: make(chan struct{}),
	}
	db.writeChannel <- request

	return request, nil
}

// NewWriteTransaction opens a transaction at the current read snapshot. The caller
// owns the transaction and must guarantee Discard runs on every exit path;
// deferring it immediately is the supported pattern, or use View/Update which do
// it for you.
func (db *DB) NewWriteTransaction(ctx context.Context) (*WriteTransaction, error) {
	if db.blockWrites.Load() {
		return nil, ErrDBClosed
	}

	readTimestamp, err := db.orc.readTimestamp(ctx)
	if err != nil {
		return nil, err
	}

	transaction := &WriteTransaction{
		readTimestamp: readTimestamp,
		pendingWrites: db.opts.PendingWrites(),
		db:            db,
	}
	if db.opts.DetectConflicts {
		transaction.conflictKeys = make(map[uint64]struct{})
	}

	return transaction, nil
}

// get serves a transaction's fall-through point lookup, through the snapshot read
// cache when one is configured.
func (db *DB) get(ctx context.Context, key []byte, readTimestamp uint64) (*Item, error) {
	if db.cache == nil {
		return db.database.Get(ctx, key, readTimestamp)
	}

	cacheKey := string(z.KeyWithTs(key, readTimestamp))
	if cached, ok := db.cache.Get(cacheKey); ok {
		return cached.(*Item), nil
	}

	item, err := db.database.Get(ctx, key, readTimestamp)
	if err != nil {
		return nil, err
	}

	db.cache.Set(cacheKey, item, int64(len(item.value))+int64(len(item.key)))
	return item, nil
}

// View runs fn with a transaction that is discarded on every exit path. The
// transaction is not committed; writes made inside fn are thrown away.
func (db *DB) View(ctx context.Context, fn func(transaction *WriteTransaction) error) error {
	transaction, err := db.NewWriteTransaction(ctx)
	if err != nil {
		return err
	}
	defer transaction.Discard()

	return fn(transaction)
}

// Update runs fn with a transaction and commits it if fn succeeds. The
// transaction is discarded on every exit path, including panics inside fn.
func (db *DB) Update(ctx context.Context, fn func(transaction *WriteTransaction) error) error {
	transaction, err := db.NewWriteTransaction(ctx)
	if err != nil {
		return err
	}
	defer transaction.Discard()

	if err := fn(transaction); err != nil {
		return err
	}

	return transaction.Commit(ctx)
}

// UpdateWithRetry runs Update and, when the commit fails with ErrConflict,
// discards the conflicted transaction and retries fn on a fresh one with
// fibonacci backoff. fn must therefore be safe to run more than once.
func (db *DB) UpdateWithRetry(ctx context.Context, fn func(transaction *WriteTransaction) error) error {
	backoffBase := db.opts.RetryBackoff
	if backoffBase <= 0 {
		backoffBase = 10 * time.Millisecond
	}

	backoff := retry.WithMaxRetries(db.opts.ConflictRetries, retry.NewFibonacci(backoffBase))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := db.Update(ctx, fn)
		if errors.Cause(err) == ErrConflict {
			return retry.RetryableError(err)
		}
		return err
	})
}

// DiscardAtOrBelow returns the highest timestamp no in-flight read references
// anymore. Versions at or below it are safe for the storage engine to reclaim.
func (db *DB) DiscardAtOrBelow() uint64 {
	return db.orc.discardAtOrBelow()
}

// MaxCommittedTimestamp returns the highest commit timestamp whose writes are
// fully applied and visible to new transactions.
func (db *DB) MaxCommittedTimestamp() uint64 {
	return db.orc.transactionMark.DoneUntil()
}
