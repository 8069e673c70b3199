package logiterator_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/estuary/zrs/internal/logiterator"
	"github.com/estuary/zrs/internal/store"
	"github.com/estuary/zrs/internal/wire"
)

func openStore(t *testing.T) *store.FileStore {
	t.Helper()
	fs, err := store.OpenFileStore("primary", t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { fs.Close() })
	return fs
}

func commitTxn(t *testing.T, fs *store.FileStore, tidHex string) wire.TID {
	t.Helper()
	tid, err := wire.ParseTID(tidHex)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, fs.TpcBegin(ctx, tid, wire.StatusNormal, []byte("u"), []byte("d"), nil))
	oid, _ := wire.OIDFromBytes(tid[:])
	require.NoError(t, fs.Restore(ctx, oid, tid, []byte("data-"+tidHex), wire.ZeroTID, false))
	require.NoError(t, fs.TpcVote(ctx, tid))
	require.NoError(t, fs.TpcFinish(ctx, tid))
	return tid
}

func TestIteratorFromZeroYieldsEverythingInOrder(t *testing.T) {
	fs := openStore(t)
	commitTxn(t, fs, "0000000000000001")
	commitTxn(t, fs, "0000000000000002")

	notifier := logiterator.NewNotifier()
	it, err := logiterator.Open(context.Background(), fs, wire.ZeroTID, notifier, logiterator.NewScanGuard(), logiterator.NewPositionCache(16))
	require.NoError(t, err)
	defer it.Close()

	txn1, err := it.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, "0000000000000001", txn1.Header.TID.String())

	txn2, err := it.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, "0000000000000002", txn2.Header.TID.String())
}

func TestIteratorResumeFromMidStream(t *testing.T) {
	fs := openStore(t)
	commitTxn(t, fs, "0000000000000001")
	tid2 := commitTxn(t, fs, "0000000000000002")
	commitTxn(t, fs, "0000000000000003")

	notifier := logiterator.NewNotifier()
	it, err := logiterator.Open(context.Background(), fs, tid2, notifier, logiterator.NewScanGuard(), logiterator.NewPositionCache(16))
	require.NoError(t, err)
	defer it.Close()

	txn, err := it.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, "0000000000000003", txn.Header.TID.String())
}

func TestIteratorRejectsTidBeyondFrontier(t *testing.T) {
	fs := openStore(t)
	commitTxn(t, fs, "0000000000000001")

	future, _ := wire.ParseTID("00000000000000ff")
	notifier := logiterator.NewNotifier()
	_, err := logiterator.Open(context.Background(), fs, future, notifier, logiterator.NewScanGuard(), logiterator.NewPositionCache(16))
	require.ErrorIs(t, err, logiterator.ErrTidTooHigh)
}

func TestIteratorBlocksThenWakesOnNotify(t *testing.T) {
	fs := openStore(t)
	commitTxn(t, fs, "0000000000000001")

	notifier := logiterator.NewNotifier()
	it, err := logiterator.Open(context.Background(), fs, wire.ZeroTID, notifier, logiterator.NewScanGuard(), logiterator.NewPositionCache(16))
	require.NoError(t, err)
	defer it.Close()

	_, err = it.Next(context.Background())
	require.NoError(t, err)

	var resultCh = make(chan error, 1)
	go func() {
		_, err := it.Next(context.Background())
		resultCh <- err
	}()

	select {
	case <-resultCh:
		t.Fatal("Next returned before the second transaction was committed")
	case <-time.After(50 * time.Millisecond):
	}

	commitTxn(t, fs, "0000000000000002")
	notifier.Notify()

	select {
	case err := <-resultCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Next never woke after Notify")
	}
}

func TestIteratorStopUnblocksNext(t *testing.T) {
	fs := openStore(t)
	commitTxn(t, fs, "0000000000000001")

	notifier := logiterator.NewNotifier()
	it, err := logiterator.Open(context.Background(), fs, wire.ZeroTID, notifier, logiterator.NewScanGuard(), logiterator.NewPositionCache(16))
	require.NoError(t, err)
	defer it.Close()

	_, err = it.Next(context.Background())
	require.NoError(t, err)

	var resultCh = make(chan error, 1)
	go func() {
		_, err := it.Next(context.Background())
		resultCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	it.Stop()

	select {
	case err := <-resultCh:
		require.ErrorIs(t, err, logiterator.ErrStopped)
	case <-time.After(2 * time.Second):
		t.Fatal("Next never returned after Stop")
	}
}

func TestIteratorCatchUpThenStopReturnsEOF(t *testing.T) {
	fs := openStore(t)
	commitTxn(t, fs, "0000000000000001")

	notifier := logiterator.NewNotifier()
	it, err := logiterator.Open(context.Background(), fs, wire.ZeroTID, notifier, logiterator.NewScanGuard(), logiterator.NewPositionCache(16))
	require.NoError(t, err)
	defer it.Close()

	_, err = it.Next(context.Background())
	require.NoError(t, err)

	it.CatchUpThenStop()
	_, err = it.Next(context.Background())
	require.ErrorIs(t, err, io.EOF)
}

func TestIteratorSurvivesPackRotation(t *testing.T) {
	fs := openStore(t)
	tid1 := commitTxn(t, fs, "0000000000000001")
	tid2 := commitTxn(t, fs, "0000000000000002")

	notifier := logiterator.NewNotifier()
	it, err := logiterator.Open(context.Background(), fs, wire.ZeroTID, notifier, logiterator.NewScanGuard(), logiterator.NewPositionCache(16))
	require.NoError(t, err)
	defer it.Close()

	txn1, err := it.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, tid1.String(), txn1.Header.TID.String())

	// Pack rewrites and renames the log file out from under the iterator;
	// the iterator must detect the new inode and reopen rather than keep
	// reading its now-stale handle. It discards everything strictly
	// older than tid2, so only tid2 survives the rewrite.
	require.NoError(t, fs.Pack(context.Background(), tid2))

	commitTxn(t, fs, "0000000000000003")

	txn2, err := it.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, "0000000000000002", txn2.Header.TID.String())

	txn3, err := it.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, "0000000000000003", txn3.Header.TID.String())
}

func TestTxnNextDataRecordIteratesAndEnds(t *testing.T) {
	fs := openStore(t)
	commitTxn(t, fs, "0000000000000001")

	notifier := logiterator.NewNotifier()
	it, err := logiterator.Open(context.Background(), fs, wire.ZeroTID, notifier, logiterator.NewScanGuard(), logiterator.NewPositionCache(16))
	require.NoError(t, err)
	defer it.Close()

	txn, err := it.Next(context.Background())
	require.NoError(t, err)

	_, data, ok, err := txn.NextDataRecord()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("data-0000000000000001"), data)

	_, _, ok, err = txn.NextDataRecord()
	require.NoError(t, err)
	require.False(t, ok)
}
