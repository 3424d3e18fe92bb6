package mvkv

import (
	"context"
	"sync"

	"github.com/mvkv/mvkv/z"
	"go.uber.org/atomic"
)

type (
	oracle struct {
		// referenceCount is used to see if there are still references to the oracle
		// that are active. Once it drops to zero the conflict window can be cleared.
		referenceCount atomic.Int64

		// detectConflicts controls whether committed write fingerprints are kept
		// around for conflict detection. When disabled, commits never conflict.
		detectConflicts bool

		// Used for nextTransactionTimestamp and commits.
		sync.Mutex

		// writeSerializeLock ensures that transactions are handed to the write
		// channel in the same order as their commit timestamps.
		writeSerializeLock sync.Mutex

		// nextTransactionTimestamp is the timestamp the next commit will receive.
		// Reads snapshot at nextTransactionTimestamp - 1.
		nextTransactionTimestamp uint64

		// transactionMark is used to block new transactions, so all previous commits
		// are visible to a new read.
		transactionMark *z.WaterMark

		// readMark tracks the lowest in-flight read timestamp, which bounds the
		// versions that can be permanently discarded.
		readMark *z.WaterMark

		// committedTransactions stores the write fingerprints of every transaction
		// that committed after the oldest in-flight read. lastCleanupTimestamp
		// tracks how far the slice has been pruned, to avoid a memory blowup.
		committedTransactions []committedTransaction
		lastCleanupTimestamp  uint64

		// closer is used to stop the watermarks.
		closer *z.Closer
	}

	committedTransaction struct {
		timestamp uint64

		// conflictKeys are the fingerprints of the keys this transaction wrote.
		conflictKeys map[uint64]struct{}
	}
)

func newOracle(opts Options) *oracle {
	orc := &oracle{
		detectConflicts: opts.DetectConflicts,

		// The first commit receives timestamp 1; a fresh database snapshots at 0.
		nextTransactionTimestamp: 1,

		readMark:        &z.WaterMark{Name: "mvkv.PendingReads"},
		transactionMark: &z.WaterMark{Name: "mvkv.TransactionTimestamp"},
		closer:          z.NewCloser(2),
	}

	orc.readMark.Init(orc.closer, opts.EventLogging)
	orc.transactionMark.Init(orc.closer, opts.EventLogging)

	return orc
}

func (o *oracle) incrementReference() {
	o.referenceCount.Inc()
}

func (o *oracle) decrementReference() {
	if count := o.referenceCount.Dec(); count == 0 {
		// Nobody is holding a handle anymore, the conflict window can go.
		o.Lock()
		o.committedTransactions = o.committedTransactions[:0]
		o.Unlock()
	}
}

func (o *oracle) stop() {
	o.closer.SignalAndWait()
}

// readTimestamp issues a read snapshot. The caller observes every commit with a
// timestamp at or below the returned value, which is guaranteed by waiting for the
// transaction mark to catch up before returning.
func (o *oracle) readTimestamp(ctx context.Context) (uint64, error) {
	o.Lock()
	readTimestamp := o.nextTransactionTimestamp - 1
	o.readMark.Begin(readTimestamp)
	o.Unlock()

	// Wait for all transactions that have been assigned a commit timestamp but are
	// still being applied to storage. Without this a reader could snapshot at a
	// timestamp whose writes are not visible yet.
	if err := o.transactionMark.WaitForMark(ctx, readTimestamp); err != nil {
		// No transaction exists yet to discard, so the claim made above must be
		// released here or the read watermark would never advance past it.
		o.readMark.Done(readTimestamp)
		return 0, err
	}

	return readTimestamp, nil
}

func (o *oracle) nextTimestamp() uint64 {
	o.Lock()
	defer o.Unlock()

	return o.nextTransactionTimestamp
}

// newCommitTimestamp runs conflict detection for a committing transaction and, when
// there is no conflict, issues a fresh commit timestamp. On conflict the reads and
// conflictKeys are left untouched for the caller to take back. The doneRead flag is
// shared with the transaction so the read watermark is released exactly once no
// matter which of commit or discard gets there first.
func (o *oracle) newCommitTimestamp(
	doneRead *bool,
	readTimestamp uint64,
	reads []uint64,
	conflictKeys map[uint64]struct{},
) (uint64, bool) {
	o.Lock()
	defer o.Unlock()

	if o.hasConflict(readTimestamp, reads, conflictKeys) {
		return 0, true
	}

	if !*doneRead {
		*doneRead = true
		o.readMark.Done(readTimestamp)
	}

	o.cleanupCommittedTransactions()

	transactionTimestamp := o.nextTransactionTimestamp
	o.nextTransactionTimestamp++
	o.transactionMark.Begin(transactionTimestamp)

	if o.detectConflicts && len(conflictKeys) > 0 {
		o.committedTransactions = append(o.committedTransactions, committedTransaction{
			timestamp:    transactionTimestamp,
			conflictKeys: conflictKeys,
		})
	}

	return transactionTimestamp, false
}

// hasConflict reports whether any fingerprint read or written by the committing
// transaction was written by a transaction that committed after the committing
// transaction's read snapshot.
func (o *oracle) hasConflict(readTimestamp uint64, reads []uint64, conflictKeys map[uint64]struct{}) bool {
	if len(reads) == 0 && len(conflictKeys) == 0 {
		return false
	}

	for _, committed := range o.committedTransactions {
		// A transaction that committed at or before our snapshot was already visible
		// to every read we made; it cannot conflict.
		if committed.timestamp <= readTimestamp {
			continue
		}

		for _, fingerprint := range reads {
			if _, has := committed.conflictKeys[fingerprint]; has {
				return true
			}
		}

		for fingerprint := range conflictKeys {
			if _, has := committed.conflictKeys[fingerprint]; has {
				return true
			}
		}
	}

	return false
}

// cleanupCommittedTransactions prunes the conflict window below the lowest
// in-flight read timestamp. Must be called with the oracle lock held.
func (o *oracle) cleanupCommittedTransactions() {
	if !o.detectConflicts {
		return
	}

	maxReadTimestamp := o.readMark.DoneUntil()

	z.AssertTrue(maxReadTimestamp >= o.lastCleanupTimestamp)

	if maxReadTimestamp == o.lastCleanupTimestamp {
		return
	}
	o.lastCleanupTimestamp = maxReadTimestamp

	transactions := o.committedTransactions[:0]
	for _, committed := range o.committedTransactions {
		if committed.timestamp <= maxReadTimestamp {
			continue
		}
		transactions = append(transactions, committed)
	}
	o.committedTransactions = transactions
}

// doneRead discharges a transaction's claim on the read watermark.
func (o *oracle) doneRead(readTimestamp uint64) {
	o.readMark.Done(readTimestamp)
}

// doneCommit marks a commit timestamp as fully applied, allowing new reads to
// snapshot at or above it.
func (o *oracle) doneCommit(commitTimestamp uint64) {
	o.transactionMark.Done(commitTimestamp)
}

// discardAtOrBelow returns the highest timestamp whose versions are no longer
// referenced by any in-flight read, which bounds safe garbage collection.
func (o *oracle) discardAtOrBelow() uint64 {
	return o.readMark.DoneUntil()
}
