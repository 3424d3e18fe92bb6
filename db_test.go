package mvkv

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestUpdateCommitsOnSuccess(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, DefaultOptions())

	require.NoError(t, db.Update(ctx, func(txn *WriteTransaction) error {
		return txn.Insert(ctx, []byte("k"), []byte("v"))
	}))

	require.NoError(t, db.View(ctx, func(txn *WriteTransaction) error {
		item, err := txn.Get(ctx, []byte("k"))
		require.NoError(t, err)
		require.Equal(t, []byte("v"), item.Value())
		return nil
	}))
}

func TestViewNeverCommits(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, DefaultOptions())

	require.NoError(t, db.View(ctx, func(txn *WriteTransaction) error {
		return txn.Insert(ctx, []byte("ghost"), []byte("1"))
	}))

	require.NoError(t, db.View(ctx, func(txn *WriteTransaction) error {
		_, err := txn.Get(ctx, []byte("ghost"))
		require.Equal(t, ErrKeyNotFound, err)
		return nil
	}))
}

func TestUpdateDiscardsOnError(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, DefaultOptions())

	boom := fmt.Errorf("boom")
	require.Equal(t, boom, db.Update(ctx, func(txn *WriteTransaction) error {
		require.NoError(t, txn.Insert(ctx, []byte("k"), []byte("v")))
		return boom
	}))

	// The failed update must not leak a read watermark claim; new reads keep
	// working and the key was never committed.
	require.NoError(t, db.View(ctx, func(txn *WriteTransaction) error {
		_, err := txn.Get(ctx, []byte("k"))
		require.Equal(t, ErrKeyNotFound, err)
		return nil
	}))
}

func TestUpdateWithRetryRecoversFromConflict(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, DefaultOptions())

	attempts := 0
	err := db.UpdateWithRetry(ctx, func(txn *WriteTransaction) error {
		attempts++

		if _, err := txn.Get(ctx, []byte("contested")); err != nil && err != ErrKeyNotFound {
			return err
		}

		// Sabotage the first attempt by committing a competing write between the
		// read above and this transaction's commit.
		if attempts == 1 {
			if err := db.Update(ctx, func(other *WriteTransaction) error {
				return other.Insert(ctx, []byte("contested"), []byte("competitor"))
			}); err != nil {
				return err
			}
		}

		return txn.Insert(ctx, []byte("result"), []byte("done"))
	})
	require.NoError(t, err)
	require.Equal(t, 2, attempts)

	require.NoError(t, db.View(ctx, func(txn *WriteTransaction) error {
		item, err := txn.Get(ctx, []byte("result"))
		require.NoError(t, err)
		require.Equal(t, []byte("done"), item.Value())
		return nil
	}))
}

func TestConcurrentDisjointCommitters(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, DefaultOptions())

	const writers = 16

	group, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < writers; i++ {
		key := []byte(fmt.Sprintf("writer-%02d", i))
		group.Go(func() error {
			return db.Update(groupCtx, func(txn *WriteTransaction) error {
				return txn.Insert(groupCtx, key, []byte("done"))
			})
		})
	}
	require.NoError(t, group.Wait())

	// Disjoint key sets never conflict, so every writer consumed exactly one
	// commit timestamp.
	require.Eventually(t, func() bool {
		return db.MaxCommittedTimestamp() == uint64(writers)
	}, time.Second, time.Millisecond)

	require.NoError(t, db.View(ctx, func(txn *WriteTransaction) error {
		for i := 0; i < writers; i++ {
			_, err := txn.Get(ctx, []byte(fmt.Sprintf("writer-%02d", i)))
			require.NoError(t, err)
		}
		return nil
	}))
}

func TestConcurrentCounterIncrements(t *testing.T) {
	ctx := context.Background()
	opts := DefaultOptions()
	opts.ConflictRetries = 1000
	opts.RetryBackoff = time.Millisecond

	db := newTestDB(t, opts)

	const writers = 8
	key := []byte("counter")

	group, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < writers; i++ {
		group.Go(func() error {
			return db.UpdateWithRetry(groupCtx, func(txn *WriteTransaction) error {
				var current byte
				item, err := txn.Get(groupCtx, key)
				switch err {
				case nil:
					current = item.Value()[0]
				case ErrKeyNotFound:
				default:
					return err
				}
				return txn.Insert(groupCtx, key, []byte{current + 1})
			})
		})
	}
	require.NoError(t, group.Wait())

	// Every lost race was detected and retried, so no increment went missing.
	require.NoError(t, db.View(ctx, func(txn *WriteTransaction) error {
		item, err := txn.Get(ctx, key)
		require.NoError(t, err)
		require.Equal(t, byte(writers), item.Value()[0])
		return nil
	}))
}

func TestDetectConflictsDisabled(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, DefaultOptions().WithDetectConflicts(false))

	t1, err := db.NewWriteTransaction(ctx)
	require.NoError(t, err)
	defer t1.Discard()
	require.Nil(t, t1.conflictKeys)

	_, err = t1.Get(ctx, []byte("contested"))
	require.Equal(t, ErrKeyNotFound, err)

	require.NoError(t, db.Update(ctx, func(t2 *WriteTransaction) error {
		return t2.Insert(ctx, []byte("contested"), []byte("x"))
	}))

	// Last writer wins once detection is off.
	require.NoError(t, t1.Insert(ctx, []byte("contested"), []byte("y")))
	require.NoError(t, t1.Commit(ctx))
}

func TestSnapshotReadCache(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, DefaultOptions().WithReadCacheSize(1<<20))

	require.NoError(t, db.Update(ctx, func(txn *WriteTransaction) error {
		return txn.Insert(ctx, []byte("cached"), []byte("v1"))
	}))

	reader, err := db.NewWriteTransaction(ctx)
	require.NoError(t, err)
	defer reader.Discard()

	first, err := reader.Get(ctx, []byte("cached"))
	require.NoError(t, err)

	// A later commit must not disturb what the snapshot observes, cached or not.
	require.NoError(t, db.Update(ctx, func(txn *WriteTransaction) error {
		return txn.Insert(ctx, []byte("cached"), []byte("v2"))
	}))

	second, err := reader.Get(ctx, []byte("cached"))
	require.NoError(t, err)
	require.Equal(t, first.Value(), second.Value())
	require.Equal(t, []byte("v1"), second.Value())
}

func TestTinyReadCacheSize(t *testing.T) {
	ctx := context.Background()

	// A cache budget below one bucket of the counter estimate must still open.
	db := newTestDB(t, DefaultOptions().WithReadCacheSize(16))
	require.NotNil(t, db.cache)

	require.NoError(t, db.Update(ctx, func(txn *WriteTransaction) error {
		return txn.Insert(ctx, []byte("k"), []byte("v"))
	}))
	require.NoError(t, db.View(ctx, func(txn *WriteTransaction) error {
		item, err := txn.Get(ctx, []byte("k"))
		require.NoError(t, err)
		require.Equal(t, []byte("v"), item.Value())
		return nil
	}))
}

func TestClosedDB(t *testing.T) {
	ctx := context.Background()
	db, err := Open(NewMemoryDatabase(DefaultMemoryOptions()), DefaultOptions())
	require.NoError(t, err)

	txn, err := db.NewWriteTransaction(ctx)
	require.NoError(t, err)
	require.NoError(t, txn.Insert(ctx, []byte("late"), []byte("1")))

	require.NoError(t, db.Close())
	require.NoError(t, db.Close())

	_, err = db.NewWriteTransaction(ctx)
	require.Equal(t, ErrDBClosed, err)

	// The straggler's hand-off is rejected and the transaction is poisoned.
	require.Equal(t, ErrBlockedWrites, txn.Commit(ctx))
	require.True(t, txn.discarded)
}

func TestOptionsFromTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mvkv.toml")

	contents := []byte("detect_conflicts = false\nread_cache_size = 1048576\nconflict_retries = 9\n")
	require.NoError(t, os.WriteFile(path, contents, 0644))

	opts, err := OptionsFromTOML(path)
	require.NoError(t, err)
	require.False(t, opts.DetectConflicts)
	require.Equal(t, int64(1<<20), opts.ReadCacheSize)
	require.Equal(t, uint64(9), opts.ConflictRetries)

	// Defaults survive for everything the file does not mention.
	require.NotNil(t, opts.Logger)
	require.NotNil(t, opts.PendingWrites)

	_, err = OptionsFromTOML(filepath.Join(dir, "missing.toml"))
	require.Error(t, err)
}
