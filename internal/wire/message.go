package wire

import (
	"encoding/binary"
	"fmt"
)

// Status is the single-character transaction status code (spec §3).
type Status byte

const (
	StatusNormal     Status = ' '
	StatusPacked     Status = 'p'
	StatusUndone     Status = 'u'
	StatusInProgress Status = 'c'
)

// Tag identifies the kind of a control message (spec §4.3, §9). Raw data
// and blob-block messages carry no tag byte on the wire; the receiving
// automaton (secondary.Client) knows to expect them from its own state.
type Tag byte

const (
	TagTransaction Tag = 'T'
	TagData        Tag = 'S'
	TagBlob        Tag = 'B'
	TagChecksum    Tag = 'C'
)

// TxnHeader is the payload of a 'T' control message: the start of one
// transaction's record stream.
type TxnHeader struct {
	TID         TID
	Status      Status
	User        []byte
	Description []byte
	Extension   map[string][]byte
}

// DataHeader is the payload of an 'S' control message, announcing a plain
// (non-blob) data record whose raw bytes follow as the next message.
type DataHeader struct {
	OID     OID
	TID     TID
	Version []byte // legacy field, always empty in the current protocol
	PrevTxn TID
	HasPrev bool
}

// BlobHeader is the payload of a 'B' control message, announcing a blob
// data record. The record's pickled payload (the blob marker) follows as a
// raw message, then exactly NBlocks raw block messages.
type BlobHeader struct {
	OID     OID
	TID     TID
	Version []byte
	PrevTxn TID
	HasPrev bool
	NBlocks uint32
}

// ChecksumMsg is the payload of a 'C' control message: the MD5 digest
// covering every message payload written on this connection since the
// handshake TID, in emission order.
type ChecksumMsg struct {
	Digest [16]byte
}

// EncodeTxnHeader renders a TxnHeader as an explicit binary control message.
func EncodeTxnHeader(h TxnHeader) []byte {
	var buf = newEncoder()
	buf.byte(byte(TagTransaction))
	buf.bytes8(h.TID[:])
	buf.byte(byte(h.Status))
	buf.blob32(h.User)
	buf.blob32(h.Description)
	buf.uint32(uint32(len(h.Extension)))
	for k, v := range h.Extension {
		buf.blob16([]byte(k))
		buf.blob32(v)
	}
	return buf.result()
}

// DecodeTxnHeader parses a 'T' control message payload previously produced
// by EncodeTxnHeader.
func DecodeTxnHeader(payload []byte) (TxnHeader, error) {
	var d = newDecoder(payload)
	if tag, err := d.byte(); err != nil || Tag(tag) != TagTransaction {
		return TxnHeader{}, fmt.Errorf("decoding T message: bad tag")
	}
	var h TxnHeader
	var err error
	if h.TID, err = d.tid(); err != nil {
		return h, err
	}
	b, err := d.byte()
	if err != nil {
		return h, err
	}
	h.Status = Status(b)
	if h.User, err = d.blob32(); err != nil {
		return h, err
	}
	if h.Description, err = d.blob32(); err != nil {
		return h, err
	}
	n, err := d.uint32()
	if err != nil {
		return h, err
	}
	if n > 0 {
		h.Extension = make(map[string][]byte, n)
		for i := uint32(0); i < n; i++ {
			k, err := d.blob16()
			if err != nil {
				return h, err
			}
			v, err := d.blob32()
			if err != nil {
				return h, err
			}
			h.Extension[string(k)] = v
		}
	}
	return h, d.done()
}

// EncodeDataHeader renders an 'S' control message.
func EncodeDataHeader(h DataHeader) []byte {
	var buf = newEncoder()
	buf.byte(byte(TagData))
	buf.bytes8(h.OID[:])
	buf.bytes8(h.TID[:])
	buf.blob16(h.Version)
	buf.presentTID(h.HasPrev, h.PrevTxn)
	return buf.result()
}

// DecodeDataHeader parses an 'S' control message payload.
func DecodeDataHeader(payload []byte) (DataHeader, error) {
	var d = newDecoder(payload)
	if tag, err := d.byte(); err != nil || Tag(tag) != TagData {
		return DataHeader{}, fmt.Errorf("decoding S message: bad tag")
	}
	var h DataHeader
	var err error
	if h.OID, err = d.oid(); err != nil {
		return h, err
	}
	if h.TID, err = d.tid(); err != nil {
		return h, err
	}
	if h.Version, err = d.blob16(); err != nil {
		return h, err
	}
	if h.HasPrev, h.PrevTxn, err = d.presentTID(); err != nil {
		return h, err
	}
	return h, d.done()
}

// EncodeBlobHeader renders a 'B' control message.
func EncodeBlobHeader(h BlobHeader) []byte {
	var buf = newEncoder()
	buf.byte(byte(TagBlob))
	buf.bytes8(h.OID[:])
	buf.bytes8(h.TID[:])
	buf.blob16(h.Version)
	buf.presentTID(h.HasPrev, h.PrevTxn)
	buf.uint32(h.NBlocks)
	return buf.result()
}

// DecodeBlobHeader parses a 'B' control message payload.
func DecodeBlobHeader(payload []byte) (BlobHeader, error) {
	var d = newDecoder(payload)
	if tag, err := d.byte(); err != nil || Tag(tag) != TagBlob {
		return BlobHeader{}, fmt.Errorf("decoding B message: bad tag")
	}
	var h BlobHeader
	var err error
	if h.OID, err = d.oid(); err != nil {
		return h, err
	}
	if h.TID, err = d.tid(); err != nil {
		return h, err
	}
	if h.Version, err = d.blob16(); err != nil {
		return h, err
	}
	if h.HasPrev, h.PrevTxn, err = d.presentTID(); err != nil {
		return h, err
	}
	if h.NBlocks, err = d.uint32(); err != nil {
		return h, err
	}
	return h, d.done()
}

// EncodeChecksum renders a 'C' control message.
func EncodeChecksum(digest [16]byte) []byte {
	var buf = newEncoder()
	buf.byte(byte(TagChecksum))
	buf.bytes(digest[:])
	return buf.result()
}

// DecodeChecksum parses a 'C' control message payload.
func DecodeChecksum(payload []byte) (ChecksumMsg, error) {
	var d = newDecoder(payload)
	if tag, err := d.byte(); err != nil || Tag(tag) != TagChecksum {
		return ChecksumMsg{}, fmt.Errorf("decoding C message: bad tag")
	}
	var m ChecksumMsg
	raw, err := d.fixed(16)
	if err != nil {
		return m, err
	}
	copy(m.Digest[:], raw)
	return m, d.done()
}

// PeekTag returns the leading tag byte of a control message payload without
// fully decoding it, for dispatch in the inbound automaton.
func PeekTag(payload []byte) (Tag, error) {
	if len(payload) == 0 {
		return 0, fmt.Errorf("empty control message")
	}
	return Tag(payload[0]), nil
}

// --- small explicit binary codec, grounded on the length-prefixed field
// style used throughout the framing and checkpoint log formats (spec §3,
// §4.1): every variable-length field is a big-endian length prefix
// immediately followed by its bytes. No general-purpose object serializer
// is used, per the Open Question in spec §9.

type encoder struct{ buf []byte }

func newEncoder() *encoder { return &encoder{buf: make([]byte, 0, 64)} }

func (e *encoder) result() []byte { return e.buf }

func (e *encoder) byte(b byte) { e.buf = append(e.buf, b) }

func (e *encoder) bytes8(b []byte) { e.buf = append(e.buf, b...) }

func (e *encoder) bytes(b []byte) { e.buf = append(e.buf, b...) }

func (e *encoder) uint32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	e.buf = append(e.buf, tmp[:]...)
}

func (e *encoder) blob16(b []byte) {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], uint16(len(b)))
	e.buf = append(e.buf, tmp[:]...)
	e.buf = append(e.buf, b...)
}

func (e *encoder) blob32(b []byte) {
	e.uint32(uint32(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *encoder) presentTID(present bool, t TID) {
	if present {
		e.byte(1)
		e.bytes8(t[:])
	} else {
		e.byte(0)
	}
}

type decoder struct {
	buf []byte
	pos int
}

func newDecoder(b []byte) *decoder { return &decoder{buf: b} }

func (d *decoder) done() error {
	if d.pos != len(d.buf) {
		return fmt.Errorf("trailing %d bytes after decoding message", len(d.buf)-d.pos)
	}
	return nil
}

func (d *decoder) fixed(n int) ([]byte, error) {
	if d.pos+n > len(d.buf) {
		return nil, fmt.Errorf("truncated message: need %d bytes, have %d", n, len(d.buf)-d.pos)
	}
	var out = d.buf[d.pos : d.pos+n]
	d.pos += n
	return out, nil
}

func (d *decoder) byte() (byte, error) {
	b, err := d.fixed(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *decoder) tid() (TID, error) {
	b, err := d.fixed(8)
	if err != nil {
		return TID{}, err
	}
	var t TID
	copy(t[:], b)
	return t, nil
}

func (d *decoder) oid() (OID, error) {
	b, err := d.fixed(8)
	if err != nil {
		return OID{}, err
	}
	var o OID
	copy(o[:], b)
	return o, nil
}

func (d *decoder) uint32() (uint32, error) {
	b, err := d.fixed(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (d *decoder) blob16() ([]byte, error) {
	b, err := d.fixed(2)
	if err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(b)
	return d.fixed(int(n))
}

func (d *decoder) blob32() ([]byte, error) {
	n, err := d.uint32()
	if err != nil {
		return nil, err
	}
	return d.fixed(int(n))
}

func (d *decoder) presentTID() (bool, TID, error) {
	b, err := d.byte()
	if err != nil {
		return false, TID{}, err
	}
	if b == 0 {
		return false, TID{}, nil
	}
	t, err := d.tid()
	return true, t, err
}
