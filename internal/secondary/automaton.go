package secondary

import (
	"context"
	"fmt"
	"hash"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/estuary/zrs/internal/metrics"
	"github.com/estuary/zrs/internal/store"
	"github.com/estuary/zrs/internal/wire"
)

// automatonState tracks which kind of message the automaton expects next
// (spec §4.4's inbound message automaton table).
type automatonState int

const (
	stateIdle automatonState = iota
	stateExpectData
	stateCollectingBlob
)

// pendingRecord accumulates a data or blob record's header fields between
// the control message that announces it and the raw message(s) that carry
// its content.
type pendingRecord struct {
	oid     wire.OID
	tid     wire.TID
	hasPrev bool
	prevTxn wire.TID

	isBlob     bool
	nblocks    uint32
	blocksLeft uint32
	tempFile   *os.File
	tempPath   string
}

// automaton is the per-connection inbound state machine: it reconstructs
// transactions from the wire stream and commits them to the local store
// (spec §4.4).
type automaton struct {
	st             store.Interface
	blobStore      store.BlobCapable
	checkChecksums bool
	metrics        *metrics.Secondary

	digest hash.Hash
	state  automatonState

	txnOpen bool
	txnTID  wire.TID

	rec pendingRecord
}

func newAutomaton(st store.Interface, blobStore store.BlobCapable, startTID wire.TID, checkChecksums bool, m *metrics.Secondary) *automaton {
	return &automaton{
		st: st, blobStore: blobStore, checkChecksums: checkChecksums, metrics: m,
		digest: digestSeed(startTID), state: stateIdle,
	}
}

// feed dispatches one decoded inbound message according to the current
// state.
func (a *automaton) feed(ctx context.Context, msg []byte) error {
	switch a.state {
	case stateIdle:
		return a.handleIdle(ctx, msg)
	case stateExpectData:
		a.digest.Write(msg)
		return a.handleExpectData(ctx, msg)
	case stateCollectingBlob:
		a.digest.Write(msg)
		return a.handleBlobBlock(ctx, msg)
	default:
		return fmt.Errorf("%w: unknown automaton state", ErrProtocolViolation)
	}
}

func (a *automaton) handleIdle(ctx context.Context, msg []byte) error {
	tag, err := wire.PeekTag(msg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}

	// The primary computes its digest before writing a C message, then
	// folds that message's own payload in afterward (its generic write
	// path folds every message, control or raw, uniformly) — so the
	// comparison here must happen against the pre-fold state, with the C
	// payload itself folded in only after.
	if tag == wire.TagChecksum {
		cm, err := wire.DecodeChecksum(msg)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
		}
		var err2 = a.handleChecksum(ctx, cm.Digest)
		a.digest.Write(msg)
		return err2
	}
	a.digest.Write(msg)

	switch tag {
	case wire.TagTransaction:
		h, err := wire.DecodeTxnHeader(msg)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
		}
		if err := a.st.TpcBegin(ctx, h.TID, h.Status, h.User, h.Description, h.Extension); err != nil {
			return fmt.Errorf("tpc_begin: %w", err)
		}
		a.txnOpen = true
		a.txnTID = h.TID
		return nil

	case wire.TagData:
		dh, err := wire.DecodeDataHeader(msg)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
		}
		a.rec = pendingRecord{oid: dh.OID, tid: dh.TID, hasPrev: dh.HasPrev, prevTxn: dh.PrevTxn}
		a.state = stateExpectData
		return nil

	case wire.TagBlob:
		bh, err := wire.DecodeBlobHeader(msg)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
		}
		a.rec = pendingRecord{oid: bh.OID, tid: bh.TID, hasPrev: bh.HasPrev, prevTxn: bh.PrevTxn, isBlob: true, nblocks: bh.NBlocks}
		a.state = stateExpectData
		return nil

	default:
		return fmt.Errorf("%w: unrecognized tag %q", ErrProtocolViolation, tag)
	}
}

// handleExpectData consumes the one raw message following an S or B
// control message: plain record data, or a blob's marker payload.
func (a *automaton) handleExpectData(ctx context.Context, msg []byte) error {
	if !a.rec.isBlob {
		if err := a.st.Restore(ctx, a.rec.oid, a.rec.tid, msg, a.rec.prevTxn, a.rec.hasPrev); err != nil {
			return fmt.Errorf("restore: %w", err)
		}
		a.state = stateIdle
		return nil
	}

	if a.rec.nblocks == 0 {
		return a.finishBlobWithNoBlocks(ctx)
	}
	if err := ensureTempDir(a.blobStore); err != nil {
		return fmt.Errorf("staging blob: %w", err)
	}
	var path = tempBlobPath(a.blobStore, a.rec.oid, a.rec.tid)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("staging blob: %w", err)
	}
	a.rec.tempFile = f
	a.rec.tempPath = path
	a.rec.blocksLeft = a.rec.nblocks
	a.state = stateCollectingBlob
	return nil
}

func (a *automaton) handleBlobBlock(ctx context.Context, block []byte) error {
	if _, err := a.rec.tempFile.Write(block); err != nil {
		return fmt.Errorf("writing blob block: %w", err)
	}
	a.rec.blocksLeft--
	if a.rec.blocksLeft > 0 {
		return nil
	}
	return a.finishBlob(ctx)
}

func (a *automaton) finishBlobWithNoBlocks(ctx context.Context) error {
	if err := ensureTempDir(a.blobStore); err != nil {
		return fmt.Errorf("staging blob: %w", err)
	}
	var path = tempBlobPath(a.blobStore, a.rec.oid, a.rec.tid)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("staging blob: %w", err)
	}
	f.Close()
	a.rec.tempFile, a.rec.tempPath = nil, path
	return a.finishBlob(ctx)
}

func (a *automaton) finishBlob(ctx context.Context) error {
	if a.rec.tempFile != nil {
		a.rec.tempFile.Close()
	}
	var err = a.blobStore.RestoreBlob(ctx, a.rec.oid, a.rec.tid, a.rec.tempPath, a.rec.prevTxn, a.rec.hasPrev)
	os.Remove(a.rec.tempPath)
	a.rec = pendingRecord{}
	a.state = stateIdle
	if err != nil {
		return fmt.Errorf("restore_blob: %w", err)
	}
	return nil
}

// handleChecksum verifies the primary's claimed digest, then completes or
// aborts the transaction (spec §4.4: verify checksum, vote, finish).
func (a *automaton) handleChecksum(ctx context.Context, claimed [16]byte) error {
	var local [16]byte
	copy(local[:], a.digest.Sum(nil))

	if a.checkChecksums && local != claimed {
		if a.txnOpen {
			_ = a.st.TpcAbort(ctx, a.txnTID)
			a.txnOpen = false
		}
		if a.metrics != nil {
			a.metrics.ChecksumFailures.Inc()
		}
		return ErrChecksumMismatch
	}

	if !a.txnOpen {
		// A C message with no preceding T (an empty transaction boundary,
		// or a stream the secondary joined mid-transaction) has nothing to
		// commit.
		return nil
	}
	if err := a.st.TpcVote(ctx, a.txnTID); err != nil {
		return fmt.Errorf("tpc_vote: %w", err)
	}
	if err := a.st.TpcFinish(ctx, a.txnTID); err != nil {
		return fmt.Errorf("tpc_finish: %w", err)
	}
	a.txnOpen = false

	if a.metrics != nil {
		a.metrics.TransactionsApplied.Inc()
		a.metrics.LastTransactionTime.Set(float64(a.txnTID.ApproxTime().Unix()))
	}
	log.WithField("tid", a.txnTID.String()).Debug("secondary: applied transaction")
	return nil
}

// abortIfPending aborts a transaction left open by a mid-stream
// disconnect, and removes any staged temp blob file (spec §4.4: "on
// disconnection with an in-progress transaction, the local store's abort
// is invoked and per-transaction state is cleared before reconnecting").
func (a *automaton) abortIfPending(ctx context.Context) {
	if a.rec.tempFile != nil {
		a.rec.tempFile.Close()
	}
	if a.rec.tempPath != "" {
		os.Remove(a.rec.tempPath)
	}
	if a.txnOpen {
		if err := a.st.TpcAbort(ctx, a.txnTID); err != nil {
			log.WithFields(log.Fields{"tid": a.txnTID.String(), "err": err}).Warn("secondary: aborting pending transaction on disconnect")
		}
		a.txnOpen = false
	}
}
