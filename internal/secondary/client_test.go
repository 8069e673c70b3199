package secondary_test

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/estuary/zrs/internal/logiterator"
	"github.com/estuary/zrs/internal/metrics"
	"github.com/estuary/zrs/internal/primary"
	"github.com/estuary/zrs/internal/secondary"
	"github.com/estuary/zrs/internal/store"
	"github.com/estuary/zrs/internal/wire"
)

func openStore(t *testing.T, name string) *store.FileStore {
	t.Helper()
	fs, err := store.OpenFileStore(name, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { fs.Close() })
	return fs
}

func commit(t *testing.T, fs *store.FileStore, tidHex string, data []byte) wire.TID {
	t.Helper()
	tid, err := wire.ParseTID(tidHex)
	require.NoError(t, err)
	oid, err := wire.OIDFromBytes(tid[:])
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, fs.TpcBegin(ctx, tid, wire.StatusNormal, []byte("u"), []byte("d"), nil))
	require.NoError(t, fs.Restore(ctx, oid, tid, data, wire.ZeroTID, false))
	require.NoError(t, fs.TpcVote(ctx, tid))
	require.NoError(t, fs.TpcFinish(ctx, tid))
	return tid
}

func startPrimary(t *testing.T, fs *store.FileStore) (*primary.PrimaryListener, *logiterator.Notifier) {
	t.Helper()
	var notifier = logiterator.NewNotifier()
	ln, err := primary.Listen("127.0.0.1:0", fs, notifier, 16, metrics.NewPrimary(prometheus.NewRegistry()))
	require.NoError(t, err)
	go ln.Serve(context.Background())
	t.Cleanup(func() { ln.Close() })
	return ln, notifier
}

func waitForTID(t *testing.T, fs *store.FileStore, want wire.TID) {
	t.Helper()
	var deadline = time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if fs.LastTransaction() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for secondary to reach tid %s, have %s", want.String(), fs.LastTransaction().String())
}

// TestReplicatesExistingBacklog covers scenario 1 of spec §8: a secondary
// joining at the zero TID catches up on everything already committed.
func TestReplicatesExistingBacklog(t *testing.T) {
	primaryStore := openStore(t, "primary")
	commit(t, primaryStore, "0000000000000001", []byte("hello"))
	tid2 := commit(t, primaryStore, "0000000000000002", []byte("world"))

	ln, _ := startPrimary(t, primaryStore)

	secondaryStore := openStore(t, "secondary")
	client := secondary.New(secondaryStore, secondary.Options{
		Addr:           ln.Addr().String(),
		CheckChecksums: true,
		Metrics:        metrics.NewSecondary(prometheus.NewRegistry()),
	})
	go client.Run(context.Background())
	t.Cleanup(func() { client.Close() })

	waitForTID(t, secondaryStore, tid2)
}

// TestReplicatesNewCommitsAfterCatchUp covers the steady-state replication
// path: a secondary that has caught up continues to receive transactions
// committed after it connected, as the commit path's Notifier wakes the
// primary's LogIterator (spec §4.6).
func TestReplicatesNewCommitsAfterCatchUp(t *testing.T) {
	primaryStore := openStore(t, "primary")
	commit(t, primaryStore, "0000000000000001", []byte("hello"))

	ln, notifier := startPrimary(t, primaryStore)

	secondaryStore := openStore(t, "secondary")
	client := secondary.New(secondaryStore, secondary.Options{
		Addr:    ln.Addr().String(),
		Metrics: metrics.NewSecondary(prometheus.NewRegistry()),
	})
	go client.Run(context.Background())
	t.Cleanup(func() { client.Close() })
	waitForTID(t, secondaryStore, mustTID(t, "0000000000000001"))

	tid2 := commit(t, primaryStore, "0000000000000002", []byte("world"))
	notifier.Notify()

	waitForTID(t, secondaryStore, tid2)
}

// TestBlobReplication covers scenario 2 of spec §8: a blob-capable store
// on both sides replicates blob content end to end.
func TestBlobReplication(t *testing.T) {
	primaryStore := openStore(t, "primary")
	ctx := context.Background()
	tid, err := wire.ParseTID("0000000000000001")
	require.NoError(t, err)
	oid, err := wire.OIDFromBytes(tid[:])
	require.NoError(t, err)

	require.NoError(t, primaryStore.TpcBegin(ctx, tid, wire.StatusNormal, []byte("u"), []byte("d"), nil))
	var blobContent = make([]byte, 150000)
	for i := range blobContent {
		blobContent[i] = byte(i % 251)
	}
	blobFile := writeTempBlob(t, blobContent)
	require.NoError(t, primaryStore.RestoreBlob(ctx, oid, tid, blobFile, wire.ZeroTID, false))
	require.NoError(t, primaryStore.TpcVote(ctx, tid))
	require.NoError(t, primaryStore.TpcFinish(ctx, tid))

	ln, _ := startPrimary(t, primaryStore)

	secondaryStore := openStore(t, "secondary")
	client := secondary.New(secondaryStore, secondary.Options{
		Addr:           ln.Addr().String(),
		CheckChecksums: true,
		Metrics:        metrics.NewSecondary(prometheus.NewRegistry()),
	})
	go client.Run(context.Background())
	t.Cleanup(func() { client.Close() })

	waitForTID(t, secondaryStore, tid)

	r, size, err := secondaryStore.LoadBlob(ctx, oid, tid)
	require.NoError(t, err)
	defer r.Close()
	require.EqualValues(t, len(blobContent), size)
	got := make([]byte, size)
	_, err = io.ReadFull(r, got)
	require.NoError(t, err)
	require.Equal(t, blobContent, got)
}

func writeTempBlob(t *testing.T, content []byte) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "blob-*")
	require.NoError(t, err)
	_, err = f.Write(content)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	return f.Name()
}

func mustTID(t *testing.T, hexTID string) wire.TID {
	t.Helper()
	tid, err := wire.ParseTID(hexTID)
	require.NoError(t, err)
	return tid
}
