package secondary

import (
	"context"
	"crypto/md5"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/estuary/zrs/internal/store"
	"github.com/estuary/zrs/internal/wire"
)

func openTestStore(t *testing.T) *store.FileStore {
	t.Helper()
	fs, err := store.OpenFileStore("secondary", t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { fs.Close() })
	return fs
}

// TestAutomatonAppliesSingleTransaction feeds a minimal T/S/C sequence and
// checks the record lands in the local store (spec §4.4's state table).
func TestAutomatonAppliesSingleTransaction(t *testing.T) {
	fs := openTestStore(t)
	ctx := context.Background()
	var a = newAutomaton(fs, fs, wire.ZeroTID, true, nil)

	tid, err := wire.ParseTID("0000000000000001")
	require.NoError(t, err)
	oid, err := wire.OIDFromBytes(tid[:])
	require.NoError(t, err)

	var digest = md5.New()
	digest.Write(wire.ZeroTID[:])

	var tMsg = wire.EncodeTxnHeader(wire.TxnHeader{TID: tid, Status: wire.StatusNormal, User: []byte("u"), Description: []byte("d")})
	digest.Write(tMsg)
	require.NoError(t, a.feed(ctx, tMsg))

	var sMsg = wire.EncodeDataHeader(wire.DataHeader{OID: oid, TID: tid})
	digest.Write(sMsg)
	require.NoError(t, a.feed(ctx, sMsg))

	var data = []byte("payload")
	digest.Write(data)
	require.NoError(t, a.feed(ctx, data))

	var sum [16]byte
	copy(sum[:], digest.Sum(nil))
	var cMsg = wire.EncodeChecksum(sum)
	require.NoError(t, a.feed(ctx, cMsg))

	require.Equal(t, tid, fs.LastTransaction())
}

// TestAutomatonRejectsBadChecksum covers scenario 4 of spec §8: a claimed
// digest that does not match what was locally accumulated aborts the
// pending transaction and is reported as an error.
func TestAutomatonRejectsBadChecksum(t *testing.T) {
	fs := openTestStore(t)
	ctx := context.Background()
	var a = newAutomaton(fs, fs, wire.ZeroTID, true, nil)

	tid, err := wire.ParseTID("0000000000000001")
	require.NoError(t, err)
	var tMsg = wire.EncodeTxnHeader(wire.TxnHeader{TID: tid, Status: wire.StatusNormal})
	require.NoError(t, a.feed(ctx, tMsg))

	var wrong [16]byte
	wrong[0] = 0xff
	err = a.feed(ctx, wire.EncodeChecksum(wrong))
	require.ErrorIs(t, err, ErrChecksumMismatch)
	require.True(t, fs.LastTransaction().IsZero())
}

// TestAutomatonSkipsVerificationWhenDisabled covers the CheckChecksums=false
// configuration knob (spec §6): a mismatched digest is accepted.
func TestAutomatonSkipsVerificationWhenDisabled(t *testing.T) {
	fs := openTestStore(t)
	ctx := context.Background()
	var a = newAutomaton(fs, fs, wire.ZeroTID, false, nil)

	tid, err := wire.ParseTID("0000000000000001")
	require.NoError(t, err)
	require.NoError(t, a.feed(ctx, wire.EncodeTxnHeader(wire.TxnHeader{TID: tid, Status: wire.StatusNormal})))

	var wrong [16]byte
	wrong[0] = 0xff
	require.NoError(t, a.feed(ctx, wire.EncodeChecksum(wrong)))
	require.Equal(t, tid, fs.LastTransaction())
}

// TestAutomatonRejectsUnrecognizedTag covers the "bad pickle or unknown
// message type" error case of spec §7.
func TestAutomatonRejectsUnrecognizedTag(t *testing.T) {
	fs := openTestStore(t)
	var a = newAutomaton(fs, fs, wire.ZeroTID, true, nil)
	err := a.feed(context.Background(), []byte("Z"))
	require.ErrorIs(t, err, ErrProtocolViolation)
}

// TestAutomatonAbortIfPendingClearsOpenTransaction covers a mid-transaction
// disconnect (spec §4.4): the local store must not be left with a dangling
// two-phase-commit.
func TestAutomatonAbortIfPendingClearsOpenTransaction(t *testing.T) {
	fs := openTestStore(t)
	ctx := context.Background()
	var a = newAutomaton(fs, fs, wire.ZeroTID, true, nil)

	tid, err := wire.ParseTID("0000000000000001")
	require.NoError(t, err)
	require.NoError(t, a.feed(ctx, wire.EncodeTxnHeader(wire.TxnHeader{TID: tid, Status: wire.StatusNormal})))

	a.abortIfPending(ctx)

	// A fresh TpcBegin for the same tid should succeed now that the
	// pending one was aborted rather than left open.
	require.NoError(t, fs.TpcBegin(ctx, tid, wire.StatusNormal, nil, nil, nil))
	require.NoError(t, fs.TpcAbort(ctx, tid))
}

// TestAutomatonAppliesBlobRecord covers scenario 2 of spec §8 directly
// against the automaton: a B header, its marker payload, and two block
// messages land in the blob store.
func TestAutomatonAppliesBlobRecord(t *testing.T) {
	fs := openTestStore(t)
	ctx := context.Background()
	var a = newAutomaton(fs, fs, wire.ZeroTID, true, nil)

	tid, err := wire.ParseTID("0000000000000001")
	require.NoError(t, err)
	oid, err := wire.OIDFromBytes(tid[:])
	require.NoError(t, err)

	var digest = md5.New()
	digest.Write(wire.ZeroTID[:])

	var tMsg = wire.EncodeTxnHeader(wire.TxnHeader{TID: tid, Status: wire.StatusNormal})
	digest.Write(tMsg)
	require.NoError(t, a.feed(ctx, tMsg))

	var bMsg = wire.EncodeBlobHeader(wire.BlobHeader{OID: oid, TID: tid, NBlocks: 2})
	digest.Write(bMsg)
	require.NoError(t, a.feed(ctx, bMsg))

	var marker = []byte(store.BlobMarker)
	digest.Write(marker)
	require.NoError(t, a.feed(ctx, marker))

	var block1 = []byte("first-block")
	digest.Write(block1)
	require.NoError(t, a.feed(ctx, block1))

	var block2 = []byte("second-block")
	digest.Write(block2)
	require.NoError(t, a.feed(ctx, block2))

	var sum [16]byte
	copy(sum[:], digest.Sum(nil))
	require.NoError(t, a.feed(ctx, wire.EncodeChecksum(sum)))

	r, size, err := fs.LoadBlob(ctx, oid, tid)
	require.NoError(t, err)
	defer r.Close()
	require.EqualValues(t, len(block1)+len(block2), size)
}
