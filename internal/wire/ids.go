// Package wire defines the on-the-wire identifiers, framing, and message
// encoding shared by the primary and secondary. TIDs and OIDs are opaque
// 8-byte values; the package never interprets their bytes beyond ordering,
// equality, and (for logs) a best-effort timestamp rendering.
package wire

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"
)

// TID is an 8-byte transaction identifier. Lexicographic byte order equals
// commit order; the zero value denotes "before any transaction".
type TID [8]byte

// ZeroTID is the TID preceding any transaction ever committed.
var ZeroTID = TID{}

// Less reports whether t orders strictly before o.
func (t TID) Less(o TID) bool { return bytesCompare(t[:], o[:]) < 0 }

// Compare returns -1, 0, or 1 as t is less than, equal to, or greater than o.
func (t TID) Compare(o TID) int { return bytesCompare(t[:], o[:]) }

// IsZero reports whether t is the all-zero TID.
func (t TID) IsZero() bool { return t == ZeroTID }

// String renders t as 16 lowercase hex digits.
func (t TID) String() string { return hex.EncodeToString(t[:]) }

// ParseTID parses 16 lowercase hex digits into a TID.
func ParseTID(s string) (TID, error) {
	var t TID
	b, err := hex.DecodeString(s)
	if err != nil {
		return t, fmt.Errorf("parsing tid %q: %w", s, err)
	}
	if len(b) != 8 {
		return t, fmt.Errorf("parsing tid %q: want 8 bytes, got %d", s, len(b))
	}
	copy(t[:], b)
	return t, nil
}

// TIDFromBytes copies an 8-byte slice into a TID, erroring on any other length.
func TIDFromBytes(b []byte) (TID, error) {
	var t TID
	if len(b) != 8 {
		return t, fmt.Errorf("tid must be exactly 8 bytes, got %d", len(b))
	}
	copy(t[:], b)
	return t, nil
}

// ApproxTime renders t as a timestamp for log messages only. The store's
// exact TID-to-time packing is opaque to this package (spec §3: "the system
// never interprets the bytes beyond ordering ... except to format timestamps
// for logs"); the high 4 bytes are treated as a coarse Unix-seconds hint.
func (t TID) ApproxTime() time.Time {
	var coarse = binary.BigEndian.Uint32(t[:4])
	return time.Unix(int64(coarse), 0).UTC()
}

// OID is an 8-byte object identifier, unique per stored object.
type OID [8]byte

func (o OID) String() string { return hex.EncodeToString(o[:]) }

// OIDFromBytes copies an 8-byte slice into an OID.
func OIDFromBytes(b []byte) (OID, error) {
	var o OID
	if len(b) != 8 {
		return o, fmt.Errorf("oid must be exactly 8 bytes, got %d", len(b))
	}
	copy(o[:], b)
	return o, nil
}

func bytesCompare(a, b []byte) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}
