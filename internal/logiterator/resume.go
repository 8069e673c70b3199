package logiterator

import (
	"fmt"
	"io"

	"github.com/estuary/zrs/internal/store"
	"github.com/estuary/zrs/internal/wire"
)

// resume positions it.pos (and it.lastDelivered) so that Next will yield
// the first transaction whose TID is strictly greater than ltid (spec
// §4.2, "Resume search"). ltid is assumed non-zero; the zero-TID case is
// handled directly by the caller.
func (it *Iterator) resume(ltid wire.TID, guard *ScanGuard) error {
	var last = it.store.LastTransaction()
	if ltid.Compare(last) > 0 {
		return ErrTidTooHigh
	}

	if off, ok := it.cache.Lookup(ltid); ok {
		if h, err := it.readHeaderAt(off); err == nil && h.TID == ltid {
			it.pos = off + int64(h.TLen)
			it.lastDelivered = ltid
			return nil
		}
		it.cache.Invalidate()
	}

	endPos, err := it.r.size()
	if err != nil {
		return fmt.Errorf("logiterator: stat log file: %w", err)
	}
	first, err := it.readHeaderAt(it.headerLen)
	if err != nil {
		return fmt.Errorf("%w: reading first transaction: %v", ErrTidTooHigh, err)
	}

	if chooseBackward(first.TID, last, ltid) {
		return it.backwardScan(ltid, guard, endPos)
	}
	return it.forwardScan(ltid, guard, it.headerLen)
}

// chooseBackward implements spec §4.2's "compare the timestamp of the
// first and last transactions and the target; if ltid is closer to the
// end, seek to EOF ... otherwise walk forward from the file header".
func chooseBackward(first, last, target wire.TID) bool {
	var ft, lt, tt = first.ApproxTime(), last.ApproxTime(), target.ApproxTime()
	var total = lt.Sub(ft)
	if total <= 0 {
		return false
	}
	var frac = tt.Sub(ft).Seconds() / total.Seconds()
	return frac > 0.5
}

func (it *Iterator) forwardScan(ltid wire.TID, guard *ScanGuard, startPos int64) error {
	var pos = startPos
	for {
		if !guard.Active() {
			return errScanAborted
		}
		h, err := it.readHeaderAt(pos)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTidTooHigh, err)
		}
		if h.Status == wire.StatusInProgress {
			return fmt.Errorf("%w: reached in-progress transaction while scanning", ErrTidTooHigh)
		}
		switch h.TID.Compare(ltid) {
		case 0:
			it.pos = pos + int64(h.TLen)
			it.lastDelivered = ltid
			return nil
		case 1:
			it.pos = pos
			it.lastDelivered = ltid
			return nil
		}
		pos += int64(h.TLen)
	}
}

func (it *Iterator) backwardScan(ltid wire.TID, guard *ScanGuard, endPos int64) error {
	var next = endPos
	for {
		if !guard.Active() {
			return errScanAborted
		}
		if next <= it.headerLen {
			// Walked past the oldest surviving transaction (likely packed
			// away); best effort is to resume from the earliest we have.
			it.pos = it.headerLen
			it.lastDelivered = ltid
			return nil
		}
		tbr, err := it.r.at(next - 8)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTidTooHigh, err)
		}
		tlen, err := store.ReadTrailer(tbr)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTidTooHigh, err)
		}
		var recStart = next - int64(tlen)
		h, err := it.readHeaderAt(recStart)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTidTooHigh, err)
		}
		if h.Status == wire.StatusInProgress {
			return fmt.Errorf("%w: reached in-progress transaction while scanning", ErrTidTooHigh)
		}
		if h.TID.Compare(ltid) <= 0 {
			it.pos = next
			it.lastDelivered = ltid
			return nil
		}
		next = recStart
	}
}

// readHeaderAt reads a transaction record's header at a known offset, used
// by both resume scans and steady-state tailing.
func (it *Iterator) readHeaderAt(pos int64) (store.TxnRecordHeader, error) {
	br, err := it.r.at(pos)
	if err != nil {
		return store.TxnRecordHeader{}, err
	}
	h, err := store.ReadTxnHeader(br)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return h, io.ErrUnexpectedEOF
	}
	return h, err
}
