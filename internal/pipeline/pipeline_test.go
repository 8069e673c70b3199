package pipeline_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/estuary/zrs/internal/pipeline"
	"github.com/estuary/zrs/internal/store"
	"github.com/estuary/zrs/internal/wire"
	"github.com/estuary/zrs/internal/zrsconfig"
)

func openStore(t *testing.T, name string) *store.FileStore {
	t.Helper()
	fs, err := store.OpenFileStore(name, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { fs.Close() })
	return fs
}

func commit(t *testing.T, st store.Interface, tidHex string, data []byte) wire.TID {
	t.Helper()
	tid, err := wire.ParseTID(tidHex)
	require.NoError(t, err)
	oid, err := wire.OIDFromBytes(tid[:])
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, st.TpcBegin(ctx, tid, wire.StatusNormal, []byte("u"), []byte("d"), nil))
	require.NoError(t, st.Restore(ctx, oid, tid, data, wire.ZeroTID, false))
	require.NoError(t, st.TpcVote(ctx, tid))
	require.NoError(t, st.TpcFinish(ctx, tid))
	return tid
}

func waitForTID(t *testing.T, st store.Interface, want wire.TID) {
	t.Helper()
	var deadline = time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if st.LastTransaction() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting to reach tid %s, have %s", want.String(), st.LastTransaction().String())
}

func newTestConfig(t *testing.T, storePath string) zrsconfig.Config {
	var cfg zrsconfig.Config
	cfg.Store.Path = storePath
	cfg.Replication.CheckChecksums = true
	cfg.Replication.ReconnectDelay = 60
	return cfg
}

// TestPrimaryPipelineServesCommittedBacklog covers the "to" half of spec
// §6's configuration: a Pipeline built with ReplicateTo set accepts
// secondary connections and streams its store's existing log.
func TestPrimaryPipelineServesCommittedBacklog(t *testing.T) {
	primaryStore := openStore(t, "primary")

	cfg := newTestConfig(t, t.TempDir())
	cfg.Replication.ReplicateTo = "127.0.0.1:0"
	pl, err := pipeline.New(cfg, primaryStore, prometheus.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(func() { pl.Close() })

	var ctx, cancel = context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go pl.Run(ctx)

	tid := commit(t, pl.Store(), "0000000000000001", []byte("hello"))
	waitForTID(t, pl.Store(), tid)

	secondaryStore := openStore(t, "secondary")
	secondaryCfg := newTestConfig(t, t.TempDir())
	secondaryCfg.Replication.ReplicateFrom = addrOf(t, pl)
	secondaryPl, err := pipeline.New(secondaryCfg, secondaryStore, prometheus.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(func() { secondaryPl.Close() })
	go secondaryPl.Run(ctx)

	waitForTID(t, secondaryStore, tid)
}

// TestCascadedPipelineReplicatesOnward covers spec §6's cascaded
// primary-over-secondary configuration: a middle Pipeline that both
// replicates from an upstream primary and re-serves what it receives to a
// downstream secondary of its own.
func TestCascadedPipelineReplicatesOnward(t *testing.T) {
	upstream := openStore(t, "upstream")
	upstreamCfg := newTestConfig(t, t.TempDir())
	upstreamCfg.Replication.ReplicateTo = "127.0.0.1:0"
	upstreamPl, err := pipeline.New(upstreamCfg, upstream, prometheus.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(func() { upstreamPl.Close() })
	var upCtx, upCancel = context.WithCancel(context.Background())
	t.Cleanup(upCancel)
	go upstreamPl.Run(upCtx)

	tid1 := commit(t, upstreamPl.Store(), "0000000000000001", []byte("hello"))

	middleStore := openStore(t, "middle")
	middleCfg := newTestConfig(t, t.TempDir())
	middleCfg.Replication.ReplicateFrom = addrOf(t, upstreamPl)
	middleCfg.Replication.ReplicateTo = "127.0.0.1:0"
	middlePl, err := pipeline.New(middleCfg, middleStore, prometheus.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(func() { middlePl.Close() })
	var midCtx, midCancel = context.WithCancel(context.Background())
	t.Cleanup(midCancel)
	go middlePl.Run(midCtx)

	waitForTID(t, middleStore, tid1)

	downstreamStore := openStore(t, "downstream")
	downstreamCfg := newTestConfig(t, t.TempDir())
	downstreamCfg.Replication.ReplicateFrom = addrOf(t, middlePl)
	downstreamPl, err := pipeline.New(downstreamCfg, downstreamStore, prometheus.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(func() { downstreamPl.Close() })
	var downCtx, downCancel = context.WithCancel(context.Background())
	t.Cleanup(downCancel)
	go downstreamPl.Run(downCtx)

	waitForTID(t, downstreamStore, tid1)

	// Middle is a pure secondary toward the top but also serves onward, so
	// it must still reject writes through its exposed Store().
	require.Error(t, commitShouldFail(middlePl.Store()))
}

func commitShouldFail(st store.Interface) error {
	return st.TpcBegin(context.Background(), wire.ZeroTID, wire.StatusNormal, nil, nil, nil)
}

func addrOf(t *testing.T, pl *pipeline.Pipeline) string {
	t.Helper()
	var addr = pl.Addr()
	require.NotEmpty(t, addr)
	return addr
}
