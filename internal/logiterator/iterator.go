// Package logiterator implements the tailing iterator over a primary's
// transaction log (spec §4.2): given a starting TID, position at the first
// strictly-greater transaction, then block-and-wake as new transactions
// are committed, never surfacing an in-progress commit or an undone
// transaction to its caller.
package logiterator

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync/atomic"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/estuary/zrs/internal/store"
	"github.com/estuary/zrs/internal/wire"
)

// Iterator tails one primary transaction log on behalf of a single
// consumer (one Producer). It is not
// safe for concurrent use from more than one goroutine at a time.
type Iterator struct {
	store     store.Interface
	notifier  *Notifier
	cache     *PositionCache
	stopCh    chan struct{}
	stopped   atomic.Bool
	catchUp   atomic.Bool

	r         *posReader
	headerLen int64
	fileInode fileIdent // identity of the currently open file, for pack-rotation detection

	pos           int64
	lastDelivered wire.TID
}

// Open positions a new Iterator so that Next yields the first transaction
// with TID strictly greater than ltid. notifier is the shared wakeup the
// commit path signals (spec §4.6); cache may be nil.
func Open(ctx context.Context, st store.Interface, ltid wire.TID, notifier *Notifier, guard *ScanGuard, cache *PositionCache) (*Iterator, error) {
	f, err := os.Open(st.FilePath())
	if err != nil {
		return nil, fmt.Errorf("logiterator: opening log file: %w", err)
	}
	var it = &Iterator{
		store:    st,
		notifier: notifier,
		cache:    cache,
		stopCh:   make(chan struct{}),
		r:        &posReader{f: f},
	}
	it.fileInode = fileIdentity(f)

	hdrLen, err := store.ReadFileHeader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	it.headerLen = hdrLen

	if ltid.IsZero() {
		it.pos = hdrLen
		it.lastDelivered = wire.ZeroTID
		return it, nil
	}

	if err := it.resume(ltid, guard); err != nil {
		f.Close()
		if err == errScanAborted {
			err = ErrStopped
		}
		return nil, err
	}
	return it, nil
}

// Stop asks a blocked or future Next call to return ErrStopped immediately.
func (it *Iterator) Stop() {
	if it.stopped.CompareAndSwap(false, true) {
		close(it.stopCh)
	}
}

// CatchUpThenStop asks the iterator to keep delivering whatever is already
// committed, then return io.EOF the next time it would otherwise block
// (spec §4.3: used by graceful connection close to drain pending work).
func (it *Iterator) CatchUpThenStop() {
	it.catchUp.Store(true)
	it.notifier.Notify()
}

// Close releases the iterator's file handle. It does not stop the
// iterator's logical stream; callers that also want that should call Stop.
func (it *Iterator) Close() error {
	return it.r.close()
}

// Txn is a transaction-reader positioned at the start of its data records;
// each is valid only until the next call to Iterator.Next.
type Txn struct {
	it     *Iterator
	Header store.TxnRecordHeader
	cursor int64
	done   bool
}

// NextDataRecord reads the next data record of the transaction in log
// order, or reports ok=false once all of the transaction's records have
// been consumed (spec invariant: "data records are delivered in the order
// they appear in the log file").
func (t *Txn) NextDataRecord() (store.DataRecordHeader, []byte, bool, error) {
	if t.done {
		return store.DataRecordHeader{}, nil, false, nil
	}
	br, err := t.it.r.at(t.cursor)
	if err != nil {
		return store.DataRecordHeader{}, nil, false, fmt.Errorf("%w: %v", ErrCorruptedData, err)
	}
	dh, data, ok, n, err := store.ReadDataRecordOrEnd(br)
	if err != nil {
		return store.DataRecordHeader{}, nil, false, fmt.Errorf("%w: %v", ErrCorruptedData, err)
	}
	t.cursor += n
	if !ok {
		t.done = true
		return store.DataRecordHeader{}, nil, false, nil
	}
	return dh, data, true, nil
}

// Next blocks until the next undelivered, fully-committed, non-undone
// transaction is available, or returns an error per spec §4.2/§7:
// ErrStopped after Stop, io.EOF after CatchUpThenStop once the log is
// momentarily exhausted, or a wrapped ErrCorruptedData/context error.
func (it *Iterator) Next(ctx context.Context) (*Txn, error) {
	for {
		if it.stopped.Load() {
			return nil, ErrStopped
		}
		if err := it.maybeReopenAfterPack(); err != nil {
			return nil, err
		}

		var waitCh = it.notifier.Wait()
		var recStart = it.pos

		h, err := it.readHeaderAt(recStart)
		if err == io.ErrUnexpectedEOF {
			if done, werr := it.waitForMore(ctx, waitCh); done || werr != nil {
				return nil, werr
			}
			continue
		} else if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptedData, err)
		}

		if h.Status == wire.StatusInProgress {
			log.WithFields(log.Fields{"tid": h.TID.String(), "store": it.store.GetName()}).
				Debug("logiterator: in-progress transaction, waiting for completion")
			if done, werr := it.waitForMore(ctx, waitCh); done || werr != nil {
				return nil, werr
			}
			continue
		}

		var trailerPos = recStart + int64(h.TLen) - 8
		tbr, err := it.r.at(trailerPos)
		if err != nil {
			if done, werr := it.waitForMore(ctx, waitCh); done || werr != nil {
				return nil, werr
			}
			continue
		}
		tlen, err := store.ReadTrailer(tbr)
		if err != nil || tlen != h.TLen {
			log.WithFields(log.Fields{"tid": h.TID.String(), "store": it.store.GetName()}).
				Warn("logiterator: trailer length mismatch, retrying")
			if done, werr := it.waitForMore(ctx, waitCh); done || werr != nil {
				return nil, werr
			}
			continue
		}

		var nextPos = recStart + int64(h.TLen)
		if h.Status == wire.StatusUndone {
			it.pos = nextPos
			continue
		}

		it.pos = nextPos
		it.lastDelivered = h.TID
		it.cache.Record(h.TID, recStart)

		return &Txn{it: it, Header: h, cursor: recStart + h.HeaderLen}, nil
	}
}

// waitForMore blocks on waitCh (the log's wakeup) unless a stop/catch-up/
// context condition fires first. done is true when the caller should
// return io.EOF (catch-up-then-stop draining complete).
func (it *Iterator) waitForMore(ctx context.Context, waitCh <-chan struct{}) (done bool, err error) {
	if it.catchUp.Load() {
		return true, io.EOF
	}
	select {
	case <-waitCh:
		return false, nil
	case <-it.stopCh:
		return false, ErrStopped
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// maybeReopenAfterPack detects that the writer's file-handle identity
// changed underneath us (spec §4.2, "Pack / file rotation") and, if so,
// reopens the log and repositions at the last TID we delivered.
func (it *Iterator) maybeReopenAfterPack() error {
	var info, err = os.Stat(it.store.FilePath())
	if err != nil {
		return fmt.Errorf("logiterator: stat log file: %w", err)
	}
	var current = fileIdentity2(info)
	if current == it.fileInode {
		return nil
	}
	log.WithField("store", it.store.GetName()).Info("logiterator: underlying log file rotated (pack), reopening")
	if err := it.r.reopen(it.store.FilePath()); err != nil {
		return fmt.Errorf("logiterator: reopening after pack: %w", err)
	}
	it.fileInode = current
	it.cache.Invalidate()

	var resumeFrom = it.lastDelivered
	if resumeFrom.IsZero() {
		it.pos = it.headerLen
		return nil
	}
	return it.resume(resumeFrom, NewScanGuard())
}

// fileIdent identifies a file by device and inode, not by size or mtime, so
// ordinary appends (which change both) are never mistaken for a Pack
// replacing the underlying file (spec §4.2, "Pack / file rotation").
type fileIdent struct {
	dev, ino uint64
}

func fileIdentity(f *os.File) fileIdent {
	fi, err := f.Stat()
	if err != nil {
		return fileIdent{}
	}
	return fileIdentity2(fi)
}

func fileIdentity2(fi fs.FileInfo) fileIdent {
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		return fileIdent{dev: uint64(st.Dev), ino: st.Ino}
	}
	return fileIdent{}
}
