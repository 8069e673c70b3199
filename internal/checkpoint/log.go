package checkpoint

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/estuary/zrs/internal/wire"
)

// DefaultMaxFileSize is the rotation threshold used when Open is called
// with a non-positive size (spec §4.5).
const DefaultMaxFileSize = 500 << 20

// appendState tracks what kind of message CheckpointLog.Append expects
// next, mirroring the secondary automaton's state (spec §4.4, §4.5) so the
// log can assign each wire message the right RecordType without the
// caller having to say so.
type appendState int

const (
	appendIdle appendState = iota
	appendExpectData
	appendCollectingBlob
)

// CheckpointLog appends the messages a SecondaryClient receives to a
// rotating set of files under dir, named by the 16-hex-digit TID of their
// first transaction (spec §4.5). It is not safe for concurrent use.
type CheckpointLog struct {
	dir         string
	maxFileSize int64

	mu   sync.Mutex
	file *os.File
	size int64

	state       appendState
	blocksLeft  uint32
	isBlob      bool
	lastCommitPos int64 // offset immediately after the most recently written C record
}

// Open prepares dir for appending, reopening and truncating any unfinished
// tail on the newest existing file (spec §4.5). maxFileSize <= 0 uses
// DefaultMaxFileSize.
func Open(dir string, maxFileSize int64) (*CheckpointLog, error) {
	if maxFileSize <= 0 {
		maxFileSize = DefaultMaxFileSize
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint: creating %s: %w", dir, err)
	}

	var l = &CheckpointLog{dir: dir, maxFileSize: maxFileSize}

	names, err := ListFiles(dir)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return l, nil
	}

	var newest = names[len(names)-1]
	path := filepath.Join(dir, newest)
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: reopening %s: %w", path, err)
	}

	lastCEnd, err := scanToLastChecksum(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("checkpoint: scanning %s: %w", path, err)
	}
	if err := f.Truncate(lastCEnd); err != nil {
		f.Close()
		return nil, fmt.Errorf("checkpoint: truncating %s: %w", path, err)
	}
	if _, err := f.Seek(lastCEnd, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("checkpoint: seeking %s: %w", path, err)
	}

	l.file = f
	l.size = lastCEnd
	l.lastCommitPos = lastCEnd
	return l, nil
}

// ListFiles returns the checkpoint filenames in dir, in ascending TID
// order (the 16-hex-digit name sorts lexicographically the same as
// numerically, since every name has the same fixed width).
func ListFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: listing %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || len(e.Name()) != 16 {
			continue
		}
		if _, err := wire.ParseTID(e.Name()); err != nil {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// scanToLastChecksum structurally validates records from the start of f
// and returns the offset immediately after the last complete 'C' record.
// Anything after that offset is an unfinished transaction tail and must be
// discarded (spec §4.5).
func scanToLastChecksum(f *os.File) (int64, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	var r = bufio.NewReader(f)
	var pos int64
	var lastCEnd int64
	for {
		typ, body, err := readRecord(r)
		if err == io.EOF {
			return lastCEnd, nil
		}
		if err != nil {
			return lastCEnd, nil // corrupt/partial tail: stop here, keep what's valid so far
		}
		pos += 8 + int64(len(body)) + 1
		if typ == RecordChecksum {
			lastCEnd = pos
		}
	}
}

// Append writes one captured wire message, inferring its RecordType from
// the current state, and rotates the active file once it crosses
// maxFileSize at a transaction boundary (spec §4.5).
func (l *CheckpointLog) Append(msg []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case appendIdle:
		return l.appendControl(msg)
	case appendExpectData:
		if err := l.write(RecordPayload, msg); err != nil {
			return err
		}
		if l.isBlob && l.blocksLeft > 0 {
			l.state = appendCollectingBlob
		} else {
			l.state = appendIdle
		}
		return nil
	case appendCollectingBlob:
		if err := l.write(RecordBlobBlock, msg); err != nil {
			return err
		}
		l.blocksLeft--
		if l.blocksLeft == 0 {
			l.state = appendIdle
		}
		return nil
	default:
		return fmt.Errorf("checkpoint: unknown append state")
	}
}

func (l *CheckpointLog) appendControl(msg []byte) error {
	tag, err := wire.PeekTag(msg)
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	switch tag {
	case wire.TagTransaction:
		h, err := wire.DecodeTxnHeader(msg)
		if err != nil {
			return fmt.Errorf("checkpoint: %w", err)
		}
		if l.file == nil {
			if err := l.createFile(h.TID); err != nil {
				return err
			}
		}
		return l.write(RecordTxnHeader, msg)

	case wire.TagData:
		l.isBlob = false
		return l.transitionToExpectData(msg)

	case wire.TagBlob:
		bh, err := wire.DecodeBlobHeader(msg)
		if err != nil {
			return fmt.Errorf("checkpoint: %w", err)
		}
		l.isBlob = true
		l.blocksLeft = bh.NBlocks
		return l.transitionToExpectData(msg)

	case wire.TagChecksum:
		if err := l.write(RecordChecksum, msg); err != nil {
			return err
		}
		l.lastCommitPos = l.size
		return l.maybeRotate()

	default:
		return fmt.Errorf("checkpoint: unrecognized tag %q", tag)
	}
}

func (l *CheckpointLog) transitionToExpectData(msg []byte) error {
	var typ = RecordDataHeader
	if l.isBlob {
		typ = RecordBlobHeader
	}
	if err := l.write(typ, msg); err != nil {
		return err
	}
	l.state = appendExpectData
	return nil
}

func (l *CheckpointLog) createFile(firstTID wire.TID) error {
	var path = filepath.Join(l.dir, firstTID.String())
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("checkpoint: creating %s: %w", path, err)
	}
	l.file = f
	l.size = 0
	l.lastCommitPos = 0
	return nil
}

func (l *CheckpointLog) write(typ RecordType, body []byte) error {
	n, err := writeRecord(l.file, typ, body)
	if err != nil {
		return fmt.Errorf("checkpoint: writing record: %w", err)
	}
	l.size += n
	return nil
}

// maybeRotate closes the active file once it has crossed maxFileSize,
// deferring creation of the next file to the next transaction header
// (spec §4.5). Rotation only happens at a transaction boundary, never
// mid-transaction.
func (l *CheckpointLog) maybeRotate() error {
	if l.size < l.maxFileSize {
		return nil
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("checkpoint: rotating: %w", err)
	}
	l.file = nil
	return nil
}

// AbortPending truncates the active file back to the position immediately
// after the most recent 'C' record, discarding any partially captured
// in-progress transaction (spec §4.5: "Abort semantics: truncate back to
// the last-C position").
func (l *CheckpointLog) AbortPending() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil || l.size == l.lastCommitPos {
		return nil
	}
	if err := l.file.Truncate(l.lastCommitPos); err != nil {
		return fmt.Errorf("checkpoint: aborting: %w", err)
	}
	if _, err := l.file.Seek(l.lastCommitPos, io.SeekStart); err != nil {
		return fmt.Errorf("checkpoint: aborting: %w", err)
	}
	l.size = l.lastCommitPos
	l.state = appendIdle
	l.isBlob = false
	l.blocksLeft = 0
	return nil
}

// Close flushes and closes the active file, if any.
func (l *CheckpointLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
