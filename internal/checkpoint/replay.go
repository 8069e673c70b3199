package checkpoint

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/estuary/zrs/internal/store"
	"github.com/estuary/zrs/internal/wire"
)

// parsedRecord is one decoded checkpoint record, handed from a per-file
// parser goroutine to the single serial applier (spec §4.5, §10
// expansion): one parser goroutine runs per replayed file, and a single
// applier preserves total commit order.
type parsedRecord struct {
	typ  RecordType
	body []byte
}

// Replayer rebuilds a store by reissuing the operations captured in a
// CheckpointLog directory (spec §4.5).
type Replayer struct {
	dir string
}

// NewReplayer returns a Replayer over the checkpoint files in dir.
func NewReplayer(dir string) *Replayer { return &Replayer{dir: dir} }

// Replay reads every file whose name is >= st's current TID and reissues
// the same tpc_begin/restore/restoreBlob/tpc_vote/tpc_finish sequence
// against st (spec §4.5). Files parse concurrently; application happens
// on a single goroutine, in file order, to preserve total commit order.
func (rp *Replayer) Replay(ctx context.Context, st store.Interface) error {
	var blobStore, _ = st.(store.BlobCapable)

	names, err := ListFiles(rp.dir)
	if err != nil {
		return err
	}

	var current = st.LastTransaction()
	var todo []string
	for _, name := range names {
		tid, err := wire.ParseTID(name)
		if err != nil {
			continue
		}
		if !tid.Less(current) {
			todo = append(todo, name)
		}
	}
	if len(todo) == 0 {
		return nil
	}

	var channels = make([]chan parsedRecord, len(todo))
	eg, egCtx := errgroup.WithContext(ctx)
	for i, name := range todo {
		var i, name = i, name
		channels[i] = make(chan parsedRecord, 64)
		eg.Go(func() error {
			defer close(channels[i])
			return parseFile(egCtx, filepath.Join(rp.dir, name), channels[i])
		})
	}

	var a = newReplayApplier(st, blobStore)
	var applyErr error
	for _, ch := range channels {
		if applyErr != nil {
			drain(ch)
			continue
		}
		for rec := range ch {
			if applyErr != nil {
				continue
			}
			if err := a.apply(ctx, rec.typ, rec.body); err != nil {
				applyErr = fmt.Errorf("checkpoint: replaying: %w", err)
			}
		}
	}

	if err := eg.Wait(); err != nil {
		return fmt.Errorf("checkpoint: parsing: %w", err)
	}
	return applyErr
}

func drain(ch <-chan parsedRecord) {
	for range ch {
	}
}

// parseFile reads and structurally validates every record in path,
// sending each to out in order. It runs independently of other files'
// parsers; only application of the decoded records is serialized.
func parseFile(ctx context.Context, path string, out chan<- parsedRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	var r = bufio.NewReader(f)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		typ, body, err := readRecord(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading %s: %w", path, err)
		}
		out <- parsedRecord{typ: typ, body: body}
	}
}

// replayApplier reconstructs the store operations a parsed record sequence
// represents, mirroring internal/secondary's inbound automaton but without
// checksum verification: a checkpoint's captured records were already
// verified once, when the secondary that wrote them applied them live
// (spec §4.5 only names the five store calls to reissue).
type replayApplier struct {
	st        store.Interface
	blobStore store.BlobCapable

	txnTID wire.TID

	oid        wire.OID
	recTID     wire.TID
	hasPrev    bool
	prevTxn    wire.TID
	isBlob     bool
	nblocks    uint32
	blocksLeft uint32
	tempFile   *os.File
	tempPath   string
}

func newReplayApplier(st store.Interface, blobStore store.BlobCapable) *replayApplier {
	return &replayApplier{st: st, blobStore: blobStore}
}

func (a *replayApplier) apply(ctx context.Context, typ RecordType, body []byte) error {
	switch typ {
	case RecordTxnHeader:
		h, err := wire.DecodeTxnHeader(body)
		if err != nil {
			return err
		}
		a.txnTID = h.TID
		return a.st.TpcBegin(ctx, h.TID, h.Status, h.User, h.Description, h.Extension)

	case RecordDataHeader:
		dh, err := wire.DecodeDataHeader(body)
		if err != nil {
			return err
		}
		a.oid, a.recTID, a.hasPrev, a.prevTxn = dh.OID, dh.TID, dh.HasPrev, dh.PrevTxn
		a.isBlob = false
		return nil

	case RecordBlobHeader:
		bh, err := wire.DecodeBlobHeader(body)
		if err != nil {
			return err
		}
		a.oid, a.recTID, a.hasPrev, a.prevTxn = bh.OID, bh.TID, bh.HasPrev, bh.PrevTxn
		a.isBlob = true
		a.nblocks = bh.NBlocks
		return nil

	case RecordPayload:
		if !a.isBlob {
			return a.st.Restore(ctx, a.oid, a.recTID, body, a.prevTxn, a.hasPrev)
		}
		if a.nblocks == 0 {
			return a.finishBlobWithContent(ctx, nil)
		}
		if a.blobStore == nil {
			return fmt.Errorf("replaying blob record: store is not blob-capable")
		}
		if err := os.MkdirAll(a.blobStore.TemporaryDirectory(), 0o755); err != nil {
			return err
		}
		var path = filepath.Join(a.blobStore.TemporaryDirectory(), fmt.Sprintf("%s-%s.replay", a.oid.String(), a.recTID.String()))
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		a.tempFile, a.tempPath = f, path
		a.blocksLeft = a.nblocks
		return nil

	case RecordBlobBlock:
		if _, err := a.tempFile.Write(body); err != nil {
			return err
		}
		a.blocksLeft--
		if a.blocksLeft == 0 {
			a.tempFile.Close()
			var err = a.blobStore.RestoreBlob(ctx, a.oid, a.recTID, a.tempPath, a.prevTxn, a.hasPrev)
			os.Remove(a.tempPath)
			a.tempFile, a.tempPath = nil, ""
			return err
		}
		return nil

	case RecordChecksum:
		if err := a.st.TpcVote(ctx, a.txnTID); err != nil {
			return err
		}
		return a.st.TpcFinish(ctx, a.txnTID)

	default:
		return fmt.Errorf("unrecognized checkpoint record type %q", typ)
	}
}

func (a *replayApplier) finishBlobWithContent(ctx context.Context, content []byte) error {
	var path = filepath.Join(a.blobStore.TemporaryDirectory(), fmt.Sprintf("%s-%s.replay", a.oid.String(), a.recTID.String()))
	if err := os.MkdirAll(a.blobStore.TemporaryDirectory(), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if len(content) > 0 {
		if _, err := f.Write(content); err != nil {
			f.Close()
			return err
		}
	}
	f.Close()
	var rerr = a.blobStore.RestoreBlob(ctx, a.oid, a.recTID, path, a.prevTxn, a.hasPrev)
	os.Remove(path)
	return rerr
}
