package primary

import (
	"bytes"
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"hash"
	"io"
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/estuary/zrs/internal/logiterator"
	"github.com/estuary/zrs/internal/metrics"
	"github.com/estuary/zrs/internal/store"
	"github.com/estuary/zrs/internal/wire"
)

// blobBlockSize is the fixed size of a blob block on the wire (spec §4.3,
// §6): all but the last block of a blob are exactly this size.
const blobBlockSize = 65536

// Producer streams one secondary's transaction feed: it owns a LogIterator
// seeded at the handshake TID, an MD5 accumulator seeded the same way, and
// the connection's write path (spec §4.3).
type Producer struct {
	conn       net.Conn
	remoteAddr string
	st         store.Interface
	blobStore  store.BlobCapable // nil if st does not advertise blob support
	it         *logiterator.Iterator
	guard      *logiterator.ScanGuard
	digest     hash.Hash
	gate       *pauseGate
	metrics    *metrics.Primary
}

// NewProducer constructs a Producer for a handshaken connection. startTID is
// the TID the client presented at handshake; it seeds both the LogIterator
// position and the MD5 accumulator (spec §4.3). guard is consulted by the
// resume scan inside Open and may be cleared concurrently by the caller if
// the connection drops mid-scan (spec §4.3, "Scan control").
func NewProducer(ctx context.Context, conn net.Conn, st store.Interface, blobStore store.BlobCapable, startTID wire.TID, notifier *logiterator.Notifier, guard *logiterator.ScanGuard, cache *logiterator.PositionCache, m *metrics.Primary) (*Producer, error) {
	it, err := logiterator.Open(ctx, st, startTID, notifier, guard, cache)
	if err != nil {
		return nil, err
	}
	var digest = md5.New()
	digest.Write(startTID[:])

	return &Producer{
		conn:       conn,
		remoteAddr: conn.RemoteAddr().String(),
		st:         st,
		blobStore:  blobStore,
		it:         it,
		guard:      guard,
		digest:     digest,
		gate:       newPauseGate(),
		metrics:    m,
	}, nil
}

// Pause and Resume implement the transport's backpressure signal.
func (p *Producer) Pause(ctx context.Context) error {
	if p.metrics != nil {
		p.metrics.PauseEvents.WithLabelValues(p.remoteAddr).Inc()
	}
	return p.gate.Pause(ctx)
}
func (p *Producer) Resume() { p.gate.Resume() }

// Stop is the transport-initiated cancellation (spec §4.3): the iterator is
// told to stop outright, so Run returns before reading another transaction.
// Writes are not suppressed: a transaction already being emitted is still
// written out in full.
func (p *Producer) Stop() {
	p.guard.Clear()
	p.it.Stop()
	p.gate.Resume()
}

// Close is the application-initiated graceful close: the iterator drains
// whatever is already committed, then Run returns.
func (p *Producer) Close() {
	p.it.CatchUpThenStop()
	p.gate.Resume()
}

// Run drives the Producer until its iterator stops, the connection errors,
// or ctx is cancelled. It never returns a non-nil error for an ordinary
// stop/catch-up-then-stop/EOF termination.
func (p *Producer) Run(ctx context.Context) error {
	defer p.it.Close()

	for {
		if err := p.gate.awaitResume(ctx); err != nil {
			return nil
		}

		txn, err := p.it.Next(ctx)
		if errors.Is(err, io.EOF) || errors.Is(err, logiterator.ErrStopped) {
			return nil
		} else if err != nil {
			return fmt.Errorf("producer %s: %w", p.remoteAddr, err)
		}

		if err := p.emitTransaction(ctx, txn); err != nil {
			return fmt.Errorf("producer %s: %w", p.remoteAddr, err)
		}
	}
}

// emitTransaction streams one transaction's T/S/B records and its trailing
// C checksum message (spec §4.3, §6).
func (p *Producer) emitTransaction(ctx context.Context, txn *logiterator.Txn) error {
	var h = txn.Header
	var commitTime = h.TID.ApproxTime()

	if err := p.writeControl(wire.EncodeTxnHeader(wire.TxnHeader{
		TID: h.TID, Status: h.Status, User: h.User, Description: h.Description, Extension: h.Extension,
	})); err != nil {
		return err
	}

	for {
		dh, data, ok, err := txn.NextDataRecord()
		if err != nil {
			return err
		}
		if !ok {
			break
		}

		if bytes.Equal(data, []byte(store.BlobMarker)) && p.blobStore != nil {
			if err := p.emitBlobRecord(ctx, dh, data); err != nil {
				return err
			}
			continue
		}

		if err := p.writeControl(wire.EncodeDataHeader(wire.DataHeader{
			OID: dh.OID, TID: dh.TID, Version: dh.Version, HasPrev: dh.HasPrev, PrevTxn: dh.PrevTxn,
		})); err != nil {
			return err
		}
		if err := p.writeRaw(data); err != nil {
			return err
		}
	}

	var digest [16]byte
	copy(digest[:], p.digest.Sum(nil))
	if err := p.writeControl(wire.EncodeChecksum(digest)); err != nil {
		return err
	}

	if p.metrics != nil {
		p.metrics.TransactionsStreamed.WithLabelValues(p.remoteAddr).Inc()
		p.metrics.ReplicationLag.WithLabelValues(p.remoteAddr).Set(time.Since(commitTime).Seconds())
	}
	return nil
}

// emitBlobRecord streams a blob data record as a B header, the record's raw
// marker payload, then exactly nblocks raw block messages (spec §4.3, §6).
// If the blob content is not retrievable, it falls back to emitting the
// record as an ordinary S record so the stream is not interrupted.
func (p *Producer) emitBlobRecord(ctx context.Context, dh store.DataRecordHeader, marker []byte) error {
	r, size, err := p.blobStore.LoadBlob(ctx, dh.OID, dh.TID)
	if err != nil {
		log.WithFields(log.Fields{"oid": dh.OID.String(), "tid": dh.TID.String(), "err": err}).
			Warn("primary: blob content not retrievable, falling back to inline record")
		if err := p.writeControl(wire.EncodeDataHeader(wire.DataHeader{
			OID: dh.OID, TID: dh.TID, Version: dh.Version, HasPrev: dh.HasPrev, PrevTxn: dh.PrevTxn,
		})); err != nil {
			return err
		}
		return p.writeRaw(marker)
	}
	defer r.Close()

	var nblocks = uint32((size + blobBlockSize - 1) / blobBlockSize)
	if size == 0 {
		nblocks = 0
	}

	if err := p.writeControl(wire.EncodeBlobHeader(wire.BlobHeader{
		OID: dh.OID, TID: dh.TID, Version: dh.Version, HasPrev: dh.HasPrev, PrevTxn: dh.PrevTxn, NBlocks: nblocks,
	})); err != nil {
		return err
	}
	if err := p.writeRaw(marker); err != nil {
		return err
	}

	var buf = make([]byte, blobBlockSize)
	var remaining = size
	for i := uint32(0); i < nblocks; i++ {
		var want = int64(blobBlockSize)
		if remaining < want {
			want = remaining
		}
		if _, err := io.ReadFull(r, buf[:want]); err != nil {
			return fmt.Errorf("reading blob block %d/%d: %w", i+1, nblocks, err)
		}
		if err := p.writeRaw(buf[:want]); err != nil {
			return err
		}
		remaining -= want
		if p.metrics != nil {
			p.metrics.BlobBlocksStreamed.WithLabelValues(p.remoteAddr).Inc()
		}
	}
	return nil
}

// writeControl frames and writes a tagged control message, folding its
// payload into the running checksum.
func (p *Producer) writeControl(payload []byte) error {
	return p.write(payload)
}

// writeRaw frames and writes an untagged raw message (data bytes or a blob
// block), folding its payload into the running checksum.
func (p *Producer) writeRaw(payload []byte) error {
	return p.write(payload)
}

func (p *Producer) write(payload []byte) error {
	if _, err := p.conn.Write(wire.EncodeMessage(payload)); err != nil {
		return fmt.Errorf("writing to %s: %w", p.remoteAddr, err)
	}
	p.digest.Write(payload)
	if p.metrics != nil {
		p.metrics.BytesStreamed.WithLabelValues(p.remoteAddr).Add(float64(len(payload)))
	}
	return nil
}
