package primary

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// readFrame reads one length-prefixed message from r (spec §4.1). It is
// used both for the two handshake messages and for the post-handshake
// inbound loop that watches for keepalives and protocol violations.
func readFrame(r *bufio.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	var want = binary.BigEndian.Uint32(hdr[:])
	var buf = make([]byte, want)
	if want > 0 {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("reading frame body: %w", err)
		}
	}
	return buf, nil
}
