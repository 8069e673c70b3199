package secondary

import "errors"

// ErrChecksumMismatch is returned when the primary's claimed MD5 digest at
// a C message does not match the digest accumulated locally (spec §4.4, §7).
var ErrChecksumMismatch = errors.New("secondary: checksum mismatch")

// ErrProtocolViolation is returned when an inbound message arrives in a
// state that does not expect it (spec §4.4, §7: "bad pickle or unknown
// message type").
var ErrProtocolViolation = errors.New("secondary: protocol violation")

// ErrReadOnly is returned by ReadOnly's mutating methods (spec §4.4:
// "write-method rejection").
var ErrReadOnly = errors.New("secondary: store is replicated read-only")

// ErrClosed names the closed state of a Client. No function in this
// package returns it: Run returns nil once Close has been called.
var ErrClosed = errors.New("secondary: closed")
