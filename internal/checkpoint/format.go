// Package checkpoint implements the optional on-disk capture of a
// replication wire stream (spec §4.5): CheckpointLog appends every message
// a SecondaryClient receives to a rotating set of files, and Replayer
// reissues the captured operations against another store.Interface to
// build a fresh replica without dialing a primary.
package checkpoint

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// RecordType self-describes one checkpoint record's payload, letting a
// replayer reconstruct the store operations without tracking connection
// state the way the inbound automaton does (spec §4.5).
type RecordType byte

const (
	RecordTxnHeader  RecordType = 'T'
	RecordDataHeader RecordType = 'S'
	RecordBlobHeader RecordType = 'B'
	RecordChecksum   RecordType = 'C'
	RecordPayload    RecordType = 'D' // raw data-record or blob-marker payload
	RecordBlobBlock  RecordType = 'K' // one raw blob block payload
)

// maxRecordBody bounds a single record's length field at 64 MiB when
// reading, so a corrupted length prefix cannot drive an unbounded
// allocation. It is lower than the wire framing ceiling
// (wire.DefaultMaxMessageSize).
const maxRecordBody = 64 << 20

// writeRecord appends one `u32(L) || type(1) || body(L-1) || u32(L)`
// record (spec §4.5) and returns its total on-disk length.
func writeRecord(w io.Writer, typ RecordType, body []byte) (int64, error) {
	var l = uint32(1 + len(body))
	var buf = make([]byte, 0, 8+len(body))
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], l)
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, byte(typ))
	buf = append(buf, body...)
	buf = append(buf, lenBuf[:]...)
	n, err := w.Write(buf)
	return int64(n), err
}

// readRecord reads one record starting at the current position, validating
// that its leading and trailing length fields agree. A short read at a
// record boundary is reported as io.EOF; any other truncation or trailer
// mismatch is reported as io.ErrUnexpectedEOF, signaling "this is an
// unfinished tail" to callers scanning the log (spec §4.5: "any unfinished
// tail ... is truncated").
func readRecord(r *bufio.Reader) (RecordType, []byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return 0, nil, io.EOF
		}
		return 0, nil, io.ErrUnexpectedEOF
	}
	var l = binary.BigEndian.Uint32(lenBuf[:])
	if l == 0 || l > maxRecordBody {
		return 0, nil, fmt.Errorf("checkpoint: %w: record length %d", io.ErrUnexpectedEOF, l)
	}

	var rec = make([]byte, l)
	if _, err := io.ReadFull(r, rec); err != nil {
		return 0, nil, io.ErrUnexpectedEOF
	}

	var trailerBuf [4]byte
	if _, err := io.ReadFull(r, trailerBuf[:]); err != nil {
		return 0, nil, io.ErrUnexpectedEOF
	}
	if binary.BigEndian.Uint32(trailerBuf[:]) != l {
		return 0, nil, fmt.Errorf("checkpoint: %w: trailer mismatch", io.ErrUnexpectedEOF)
	}

	return RecordType(rec[0]), rec[1:], nil
}
