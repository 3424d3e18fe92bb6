package mvkv

import (
	"context"

	"github.com/mvkv/mvkv/z"
	"github.com/pkg/errors"
)

type (
	// WriteTransaction buffers mutations against a snapshot of the database and
	// applies them atomically at commit time. A transaction is owned and driven by
	// exactly one caller; none of its fields are synchronized. Concurrent
	// transactions coordinate only through the shared oracle and storage engine.
	WriteTransaction struct {
		readTimestamp uint64

		size  int64
		count int64

		// reads contains fingerprints of keys read from storage. Reads served out
		// of the transaction's own pending writes are not tracked, they cannot
		// conflict with anything.
		reads []uint64

		// conflictKeys contains fingerprints of keys written by this transaction.
		// It is nil when conflict detection is disabled.
		conflictKeys map[uint64]struct{}

		// pendingWrites is the transaction-local overlay of uncommitted writes.
		pendingWrites PendingManager

		// duplicateWrites holds entries that were superseded by a later write to the
		// same key at a different version. They still appear in the commit batch,
		// after the live overlay entries.
		duplicateWrites []*Entry

		db *DB

		discarded bool
		doneRead  bool
	}

	// CommitFuture is the handle returned by CommitWith. It resolves once the
	// background apply has finished; the caller may wait on it or drop it to
	// detach from the background work.
	CommitFuture struct {
		callback func(error)
		err      error
		resolved chan struct{}
	}
)

func (f *CommitFuture) finish(err error) {
	f.err = err
	if f.callback != nil {
		f.callback(err)
	}
	close(f.resolved)
}

// Wait blocks until the background commit has finished, or the context is
// canceled, and returns the commit's outcome.
func (f *CommitFuture) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-f.resolved:
		return f.err
	}
}

// ReadTimestamp returns the snapshot timestamp this transaction's reads are
// pinned to.
func (t *WriteTransaction) ReadTimestamp() uint64 {
	return t.readTimestamp
}

// Get looks for key and returns the most recent version visible at the
// transaction's read timestamp, preferring the transaction's own uncommitted
// writes. Returns ErrKeyNotFound if the key is absent or removed.
func (t *WriteTransaction) Get(ctx context.Context, key []byte) (*Item, error) {
	switch {
	case t.discarded:
		return nil, ErrDiscardedTxn
	case len(key) == 0:
		return nil, ErrEmptyKey
	}

	pending, err := t.pendingWrites.Get(ctx, key)
	if err != nil {
		return nil, wrapManager(err)
	}

	if pending != nil {
		if pending.IsDelete() {
			return nil, ErrKeyNotFound
		}

		// Fulfilled from the write buffer. The transaction's own writes never
		// participate in conflict detection, so no read fingerprint is recorded.
		return &Item{
			key:     key,
			value:   pending.Value,
			version: t.readTimestamp,
			pending: true,
		}, nil
	}

	// The read falls through to storage, so the key's value as observed here must
	// not be changed by any other transaction committing before this one.
	t.reads = append(t.reads, t.db.database.Fingerprint(key))

	return t.db.get(ctx, key, t.readTimestamp)
}

// Insert buffers a key-value pair. Nothing reaches durable storage until Commit.
func (t *WriteTransaction) Insert(ctx context.Context, key, value []byte) error {
	return t.modify(ctx, newInsertEntry(key, value, t.readTimestamp))
}

// Remove buffers a deletion marker for key at the commit timestamp. Reads before
// that timestamp are unaffected; reads after it observe the removal.
func (t *WriteTransaction) Remove(ctx context.Context, key []byte) error {
	return t.modify(ctx, newRemoveEntry(key))
}

func (t *WriteTransaction) checkSizeAndCount(e *Entry) error {
	count := t.count + 1
	size := t.size + t.db.database.EstimateSize(e)

	if count >= t.db.database.MaxBatchCount() || size >= t.db.database.MaxBatchSize() {
		return ErrTxnTooBig
	}

	t.count, t.size = count, size
	return nil
}

func (t *WriteTransaction) modify(ctx context.Context, e *Entry) error {
	if t.discarded {
		return ErrDiscardedTxn
	}

	if err := t.db.database.ValidateEntry(e); err != nil {
		return err
	}

	if err := t.checkSizeAndCount(e); err != nil {
		return err
	}

	// conflictKeys is used for conflict detection. If conflict detection is
	// disabled, we don't need to store key hashes.
	if t.conflictKeys != nil {
		t.conflictKeys[t.db.database.Fingerprint(e.Key)] = struct{}{}
	}

	// If the same key was already written in this transaction, move the old entry
	// to the duplicate writes slice, but only if the two entries carry different
	// versions. For the same version, we overwrite the existing entry.
	old, err := t.pendingWrites.RemoveEntry(ctx, e.Key)
	if err != nil {
		return wrapManager(err)
	}
	if old != nil && old.version != e.version {
		t.duplicateWrites = append(t.duplicateWrites, old)
	}

	if err := t.pendingWrites.Insert(ctx, e); err != nil {
		return wrapManager(err)
	}

	return nil
}

// NewIterator returns an iterator over every key visible at the read timestamp,
// with the transaction's own pending writes overlaid.
func (t *WriteTransaction) NewIterator(ctx context.Context, opts IteratorOptions) (Iterator, error) {
	if t.discarded {
		return nil, ErrDiscardedTxn
	}

	pending, err := t.overlaySnapshot(ctx)
	if err != nil {
		return nil, err
	}

	return t.db.database.NewIterator(ctx, pending, t.readTimestamp, opts)
}

// NewKeyIterator behaves like NewIterator but yields keys only.
func (t *WriteTransaction) NewKeyIterator(ctx context.Context, opts IteratorOptions) (Iterator, error) {
	if t.discarded {
		return nil, ErrDiscardedTxn
	}

	pending, err := t.overlaySnapshot(ctx)
	if err != nil {
		return nil, err
	}

	return t.db.database.NewKeyIterator(ctx, pending, t.readTimestamp, opts)
}

// overlaySnapshot copies the pending writes, presented at the read timestamp. The
// copies keep the buffered entries' placeholder versions intact, which the
// duplicate-write bookkeeping in modify depends on.
func (t *WriteTransaction) overlaySnapshot(ctx context.Context) ([]*Entry, error) {
	pending, err := t.pendingWrites.Entries(ctx)
	if err != nil {
		return nil, wrapManager(err)
	}

	snapshot := make([]*Entry, len(pending))
	for i, e := range pending {
		copied := *e
		copied.version = t.readTimestamp
		snapshot[i] = &copied
	}

	return snapshot, nil
}

// Commit commits the transaction, following these steps:
//
// 1. If there are no writes, discard and return immediately. No commit timestamp
// is consumed and storage is never touched.
//
// 2. Check if the rows read by this transaction were written by a transaction
// that committed after this transaction's snapshot. If so, return ErrConflict.
//
// 3. Otherwise issue a commit timestamp, stamp every buffered entry with it, and
// hand the batch to storage in commit-timestamp order.
//
// 4. Wait for storage to apply the batch atomically, then discharge the commit
// timestamp's watermark obligation.
//
// On ErrConflict the transaction is intentionally left un-discarded so the caller
// can inspect it; the supported recovery is to discard it and retry the logical
// operation on a fresh transaction. Every other commit failure discards the
// transaction, except a storage apply failure, which leaves the transaction for
// the caller after its timestamp obligation has been discharged.
func (t *WriteTransaction) Commit(ctx context.Context) error {
	if t.discarded {
		return ErrDiscardedTxn
	}

	empty, err := t.pendingWrites.Empty(ctx)
	if err != nil {
		t.Discard()
		return wrapManager(err)
	}
	if empty {
		// Nothing to commit.
		t.Discard()
		return nil
	}

	commitTimestamp, request, err := t.commitEntries(ctx)
	if err != nil {
		if errors.Cause(err) != ErrConflict {
			t.Discard()
		}
		return err
	}

	// The batch has been handed off; the apply is no longer cancelable. The commit
	// timestamp was consumed, so its watermark obligation is discharged whether the
	// apply succeeded or not.
	<-request.resolved
	t.db.orc.doneCommit(commitTimestamp)

	if request.err != nil {
		return wrapStorage(request.err)
	}

	t.Discard()
	return nil
}

// CommitWith behaves like Commit, but only the conflict check and timestamp
// issuance happen synchronously; the storage apply runs in the background. The
// provided callback (which may be nil) runs once the apply finishes, and the
// returned future resolves at the same moment. If there is nothing to commit the
// callback still runs, with a nil error, so that a scheduled commit always
// eventually reports. On ErrConflict no background work is scheduled and the
// callback does not run.
func (t *WriteTransaction) CommitWith(ctx context.Context, callback func(error)) (*CommitFuture, error) {
	if t.discarded {
		return nil, ErrDiscardedTxn
	}

	future := &CommitFuture{
		callback: callback,
		resolved: make(chan struct{}),
	}

	empty, err := t.pendingWrites.Empty(ctx)
	if err != nil {
		t.Discard()
		return nil, wrapManager(err)
	}
	if empty {
		t.Discard()
		go future.finish(nil)
		return future, nil
	}

	commitTimestamp, request, err := t.commitEntries(ctx)
	if err != nil {
		if errors.Cause(err) != ErrConflict {
			t.Discard()
		}
		return nil, err
	}

	// Only the database handle and the request move into the background work; the
	// transaction itself is discarded on the calling side right away.
	db := t.db
	go func() {
		<-request.resolved
		db.orc.doneCommit(commitTimestamp)
		if request.err != nil {
			db.opts.Logger.Errorf("background commit at timestamp %d failed: %v", commitTimestamp, request.err)
			future.finish(wrapStorage(request.err))
			return
		}
		future.finish(nil)
	}()

	t.Discard()
	return future, nil
}

// commitEntries runs the synchronous half of a commit: conflict detection,
// timestamp issuance, stamping, and the hand-off of the batch to the write
// channel. The write serialize lock is held across all of it, so the order in
// which commit timestamps are issued is exactly the order in which batches reach
// the write channel. Releasing the lock before the hand-off would let a
// later-timestamped batch overtake an earlier one.
func (t *WriteTransaction) commitEntries(ctx context.Context) (uint64, *writeRequest, error) {
	orc := t.db.orc
	orc.writeSerializeLock.Lock()
	defer orc.writeSerializeLock.Unlock()

	commitTimestamp, conflict := orc.newCommitTimestamp(&t.doneRead, t.readTimestamp, t.reads, t.conflictKeys)
	if conflict {
		// The read and conflict logs are handed back untouched; they stay on the
		// transaction for the caller to inspect.
		return 0, nil, ErrConflict
	}

	// The logs have been consumed by the oracle.
	t.reads = nil
	t.conflictKeys = nil

	pending, err := t.pendingWrites.Entries(ctx)
	if err != nil {
		// The timestamp was already consumed; discharge it or the transaction mark
		// would never advance past it.
		orc.doneCommit(commitTimestamp)
		return 0, nil, wrapManager(err)
	}

	// A commit timestamp of zero would mean a broken oracle; zero is reserved for
	// "not yet assigned".
	z.AssertTrue(commitTimestamp != 0)

	// Stamp the batch: live overlay entries first, in the overlay's own order,
	// superseded duplicates after them.
	entries := make([]*Entry, 0, len(pending)+len(t.duplicateWrites))
	for _, e := range pending {
		e.version = commitTimestamp
		entries = append(entries, e)
	}
	for _, e := range t.duplicateWrites {
		e.version = commitTimestamp
		entries = append(entries, e)
	}

	request, err := t.db.sendToWriteChannel(entries)
	if err != nil {
		orc.doneCommit(commitTimestamp)
		return 0, nil, err
	}

	return commitTimestamp, request, nil
}

// Discard discards a created transaction. This method is very important and must
// be called. Commit calls this internally, and calling it multiple times doesn't
// cause any issues, so it can safely be deferred right when the transaction is
// created. Any operation run on a discarded transaction returns ErrDiscardedTxn.
func (t *WriteTransaction) Discard() {
	if t.discarded {
		return
	}
	t.discarded = true

	if !t.doneRead {
		t.doneRead = true
		t.db.orc.doneRead(t.readTimestamp)
	}
}
