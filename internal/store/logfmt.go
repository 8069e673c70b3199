package store

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/estuary/zrs/internal/wire"
)

// LogMagic is the fixed 4-byte file header every transaction log begins
// with (spec §3: "Fixed 4-byte header then a sequence of self-delimited
// transaction records").
var LogMagic = [4]byte{'Z', 'R', 'S', '1'}

// TxnRecordHeader is the on-disk header of one transaction record, read
// before any of its data records.
type TxnRecordHeader struct {
	Status      wire.Status
	TID         wire.TID
	TLen        uint64 // total length of the record, header through trailer
	User        []byte
	Description []byte
	Extension   map[string][]byte

	// HeaderLen is the number of bytes occupied by this header as read from
	// disk, so callers can compute the data-records span (TLen minus header
	// minus the 8-byte trailer).
	HeaderLen int64
}

// DataRecordHeader is the on-disk header of one data record.
type DataRecordHeader struct {
	OID     wire.OID
	TID     wire.TID
	Version []byte
	HasPrev bool
	PrevTxn wire.TID
	HasData bool
	DataLen uint32
}

// WriteFileHeader writes the fixed 4-byte log file header.
func WriteFileHeader(w io.Writer) error {
	_, err := w.Write(LogMagic[:])
	return err
}

// ReadFileHeader reads and validates the fixed file header, returning its
// byte length.
func ReadFileHeader(r io.Reader) (int64, error) {
	var got [4]byte
	if _, err := io.ReadFull(r, got[:]); err != nil {
		return 0, fmt.Errorf("reading log file header: %w", err)
	}
	if got != LogMagic {
		return 0, fmt.Errorf("reading log file header: bad magic %q", got)
	}
	return int64(len(got)), nil
}

// txnRecordBuilder accumulates one transaction record (header + data
// records + trailer) so TLen can be back-filled once the full length is
// known.
type txnRecordBuilder struct {
	buf []byte
}

func newTxnRecordBuilder() *txnRecordBuilder { return &txnRecordBuilder{} }

func (b *txnRecordBuilder) byte(v byte)      { b.buf = append(b.buf, v) }
func (b *txnRecordBuilder) bytes(v []byte)   { b.buf = append(b.buf, v...) }
func (b *txnRecordBuilder) u16(v []byte) {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], uint16(len(v)))
	b.buf = append(b.buf, tmp[:]...)
	b.buf = append(b.buf, v...)
}
func (b *txnRecordBuilder) u32blob(v []byte) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(len(v)))
	b.buf = append(b.buf, tmp[:]...)
	b.buf = append(b.buf, v...)
}
func (b *txnRecordBuilder) u32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
}
func (b *txnRecordBuilder) u64(v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
}

// EncodeDataRecord renders one data record's on-disk bytes (header fields
// plus its data payload), without the transaction-level framing.
func EncodeDataRecord(h DataRecordHeader, data []byte) []byte {
	var b = newTxnRecordBuilder()
	b.byte(1) // "another data record follows" presence marker
	b.bytes(h.OID[:])
	b.bytes(h.TID[:])
	b.u16(h.Version)
	if h.HasPrev {
		b.byte(1)
		b.bytes(h.PrevTxn[:])
	} else {
		b.byte(0)
	}
	if data == nil {
		b.byte(0)
	} else {
		b.byte(1)
		b.u32blob(data)
	}
	return b.buf
}

// endOfDataRecords is the presence-marker byte written in place of another
// data record once a transaction's records are exhausted.
const endOfDataRecords = 0

// WriteTxnRecord writes one complete, self-delimited transaction record:
// header (including its tlen field), encoded data records, and the
// redundant trailing tlen copy used by the iterator to detect truncation
// and to skip whole records without parsing their data records (spec §3,
// §4.2). tlen covers the entire record, from the status byte through the
// trailing copy.
func WriteTxnRecord(w io.Writer, status wire.Status, tid wire.TID, user, description []byte, extension map[string][]byte, dataRecords [][]byte) (int64, error) {
	var rest = newTxnRecordBuilder()
	rest.u16(user)
	rest.u16(description)
	rest.u32(uint32(len(extension)))
	for k, v := range extension {
		rest.u16([]byte(k))
		rest.u32blob(v)
	}
	for _, dr := range dataRecords {
		rest.bytes(dr)
	}
	rest.byte(endOfDataRecords)

	const fixedLen = 1 + 8 + 8 + 8 // status + tid + tlen + trailer
	var tlen = uint64(fixedLen + len(rest.buf))

	var out = make([]byte, 0, int(tlen))
	out = append(out, byte(status))
	out = append(out, tid[:]...)
	var tlenBuf [8]byte
	binary.BigEndian.PutUint64(tlenBuf[:], tlen)
	out = append(out, tlenBuf[:]...)
	out = append(out, rest.buf...)
	out = append(out, tlenBuf[:]...) // redundant trailer copy

	n, err := w.Write(out)
	return int64(n), err
}

// ReadTxnHeader reads one transaction record's header starting at the
// current reader position. io.EOF or io.ErrUnexpectedEOF from a short read
// signals "not yet committed" to the caller (spec §4.2: "a read yields a
// short buffer at EOF ... return none yet").
func ReadTxnHeader(r *bufio.Reader) (TxnRecordHeader, error) {
	var start int64
	var h TxnRecordHeader

	statusB, err := r.ReadByte()
	if err != nil {
		return h, err
	}
	h.Status = wire.Status(statusB)
	start++

	var tidBuf [8]byte
	if _, err := io.ReadFull(r, tidBuf[:]); err != nil {
		return h, shortRead(err)
	}
	copy(h.TID[:], tidBuf[:])
	start += 8

	var tlenBuf [8]byte
	if _, err := io.ReadFull(r, tlenBuf[:]); err != nil {
		return h, shortRead(err)
	}
	h.TLen = binary.BigEndian.Uint64(tlenBuf[:])
	start += 8

	user, n, err := readU16Blob(r)
	if err != nil {
		return h, err
	}
	h.User = user
	start += n

	desc, n, err := readU16Blob(r)
	if err != nil {
		return h, err
	}
	h.Description = desc
	start += n

	extCount, n, err := readU32(r)
	if err != nil {
		return h, err
	}
	start += n
	if extCount > 0 {
		h.Extension = make(map[string][]byte, extCount)
		for i := uint32(0); i < extCount; i++ {
			k, n1, err := readU16Blob(r)
			if err != nil {
				return h, err
			}
			v, n2, err := readU32Blob(r)
			if err != nil {
				return h, err
			}
			h.Extension[string(k)] = v
			start += n1 + n2
		}
	}
	h.HeaderLen = start
	return h, nil
}

// ReadDataRecordOrEnd reads the next data-record presence byte and, if
// set, the rest of that data record's header and payload. ok is false when
// the end-of-transaction marker was read instead.
func ReadDataRecordOrEnd(r *bufio.Reader) (hdr DataRecordHeader, data []byte, ok bool, n int64, err error) {
	marker, err := r.ReadByte()
	if err != nil {
		return hdr, nil, false, 0, shortRead(err)
	}
	n++
	if marker == endOfDataRecords {
		return hdr, nil, false, n, nil
	}

	var oidBuf, tidBuf [8]byte
	if _, err := io.ReadFull(r, oidBuf[:]); err != nil {
		return hdr, nil, false, n, shortRead(err)
	}
	copy(hdr.OID[:], oidBuf[:])
	n += 8
	if _, err := io.ReadFull(r, tidBuf[:]); err != nil {
		return hdr, nil, false, n, shortRead(err)
	}
	copy(hdr.TID[:], tidBuf[:])
	n += 8

	version, vn, err := readU16Blob(r)
	if err != nil {
		return hdr, nil, false, n, err
	}
	hdr.Version = version
	n += vn

	prevMarker, err := r.ReadByte()
	if err != nil {
		return hdr, nil, false, n, shortRead(err)
	}
	n++
	if prevMarker == 1 {
		var prevBuf [8]byte
		if _, err := io.ReadFull(r, prevBuf[:]); err != nil {
			return hdr, nil, false, n, shortRead(err)
		}
		copy(hdr.PrevTxn[:], prevBuf[:])
		n += 8
		hdr.HasPrev = true
	}

	dataMarker, err := r.ReadByte()
	if err != nil {
		return hdr, nil, false, n, shortRead(err)
	}
	n++
	if dataMarker == 1 {
		d, dn, err := readU32Blob(r)
		if err != nil {
			return hdr, nil, false, n, err
		}
		data = d
		n += dn
		hdr.HasData = true
		hdr.DataLen = uint32(len(d))
	}
	return hdr, data, true, n, nil
}

// ReadTrailer reads the redundant 8-byte trailing length copy.
func ReadTrailer(r *bufio.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, shortRead(err)
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

func readU16Blob(r *bufio.Reader) ([]byte, int64, error) {
	var lb [2]byte
	if _, err := io.ReadFull(r, lb[:]); err != nil {
		return nil, 0, shortRead(err)
	}
	n := binary.BigEndian.Uint16(lb[:])
	var out = make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, out); err != nil {
			return nil, 0, shortRead(err)
		}
	}
	return out, int64(2 + n), nil
}

func readU32(r *bufio.Reader) (uint32, int64, error) {
	var lb [4]byte
	if _, err := io.ReadFull(r, lb[:]); err != nil {
		return 0, 0, shortRead(err)
	}
	return binary.BigEndian.Uint32(lb[:]), 4, nil
}

func readU32Blob(r *bufio.Reader) ([]byte, int64, error) {
	n, _, err := readU32(r)
	if err != nil {
		return nil, 0, err
	}
	var out = make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, out); err != nil {
			return nil, 0, shortRead(err)
		}
	}
	return out, int64(4 + n), nil
}

// shortRead maps io.EOF from a read inside a record to io.ErrUnexpectedEOF
// and returns any other error unchanged, so callers can treat a truncated
// record as "not yet available" (spec §4.2, §7). A clean io.EOF at a
// transaction-record boundary is returned by ReadTxnHeader itself, which
// does not pass its first read through shortRead.
func shortRead(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
