package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/estuary/zrs/internal/store"
	"github.com/estuary/zrs/internal/wire"
)

func commit(t *testing.T, fs *store.FileStore, tidHex string, oidHex string, data []byte) wire.TID {
	t.Helper()
	var tid, err = wire.ParseTID(tidHex)
	require.NoError(t, err)
	var oid, oerr = wire.OIDFromBytes(mustBytes(t, oidHex))
	require.NoError(t, oerr)

	ctx := context.Background()
	require.NoError(t, fs.TpcBegin(ctx, tid, wire.StatusNormal, []byte("u"), []byte("d"), nil))
	require.NoError(t, fs.Restore(ctx, oid, tid, data, wire.ZeroTID, false))
	require.NoError(t, fs.TpcVote(ctx, tid))
	require.NoError(t, fs.TpcFinish(ctx, tid))
	return tid
}

func mustBytes(t *testing.T, hexOID string) []byte {
	t.Helper()
	oid, err := wire.ParseTID(hexOID) // reuse 8-byte hex parser
	require.NoError(t, err)
	return oid[:]
}

func TestFileStoreCommitAndRecover(t *testing.T) {
	dir := t.TempDir()
	fs, err := store.OpenFileStore("primary", dir)
	require.NoError(t, err)

	tid1 := commit(t, fs, "0000000000000001", "0000000000000001", []byte("hello"))
	require.Equal(t, tid1, fs.LastTransaction())

	tid2 := commit(t, fs, "0000000000000002", "0000000000000002", []byte("world"))
	require.Equal(t, tid2, fs.LastTransaction())
	require.NoError(t, fs.Close())

	reopened, err := store.OpenFileStore("primary", dir)
	require.NoError(t, err)
	defer reopened.Close()
	require.Equal(t, tid2, reopened.LastTransaction())
	require.Equal(t, fs.AppendPosition(), reopened.AppendPosition())
}

func TestFileStoreTpcAbortDiscardsPending(t *testing.T) {
	dir := t.TempDir()
	fs, err := store.OpenFileStore("primary", dir)
	require.NoError(t, err)
	defer fs.Close()

	ctx := context.Background()
	tid, _ := wire.ParseTID("0000000000000001")
	require.NoError(t, fs.TpcBegin(ctx, tid, wire.StatusNormal, nil, nil, nil))
	require.NoError(t, fs.TpcAbort(ctx, tid))
	require.True(t, fs.LastTransaction().IsZero())

	// A fresh TpcBegin should be possible again now that the prior one was
	// aborted rather than left pending.
	require.NoError(t, fs.TpcBegin(ctx, tid, wire.StatusNormal, nil, nil, nil))
}

func TestFileStorePackDiscardsOlderTransactions(t *testing.T) {
	dir := t.TempDir()
	fs, err := store.OpenFileStore("primary", dir)
	require.NoError(t, err)
	defer fs.Close()

	commit(t, fs, "0000000000000001", "0000000000000001", []byte("old"))
	tid2 := commit(t, fs, "0000000000000002", "0000000000000002", []byte("kept"))

	require.NoError(t, fs.Pack(context.Background(), tid2))
	require.Equal(t, tid2, fs.LastTransaction())
}
