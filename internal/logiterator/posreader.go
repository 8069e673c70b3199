package logiterator

import (
	"bufio"
	"io"
	"os"
)

// posReader wraps an *os.File with positioned reads. A LogIterator owns its
// file handle exclusively (spec §5: "each Producer owns its own iterator
// file handle; no sharing between Producers"), so serializing access via
// Seek is safe and keeps the read path simple: every logical read starts
// from a freshly seeked position and gets its own small buffer.
type posReader struct {
	f *os.File
}

func (p *posReader) at(pos int64) (*bufio.Reader, error) {
	if _, err := p.f.Seek(pos, io.SeekStart); err != nil {
		return nil, err
	}
	return bufio.NewReaderSize(p.f, 4096), nil
}

func (p *posReader) size() (int64, error) {
	fi, err := p.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (p *posReader) reopen(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	old := p.f
	p.f = f
	return old.Close()
}

func (p *posReader) close() error { return p.f.Close() }
