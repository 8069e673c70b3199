package store

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/estuary/zrs/internal/wire"
)

// FileStore is a minimal reference implementation of Interface and
// BlobCapable, backing both ends of replication with the on-disk format
// described in spec §3 and encoded/decoded by logfmt.go. It exists so the
// primary, secondary, and checkpoint packages have a real store to drive
// in tests; production deployments wrap their own store behind Interface
// (spec §1: the store's on-disk format is an external collaborator).
type FileStore struct {
	name    string
	dir     string
	blobDir string

	mu              sync.Mutex
	file            *os.File
	appendPos       int64
	lastTransaction wire.TID

	pending *pendingTxn
}

type pendingTxn struct {
	tid         wire.TID
	status      wire.Status
	user        []byte
	description []byte
	extension   map[string][]byte
	records     [][]byte
}

var _ Interface = (*FileStore)(nil)
var _ BlobCapable = (*FileStore)(nil)

// OpenFileStore opens (creating if necessary) a log file at dir/data.zrs
// and a blob directory at dir/blobs, scanning the existing log to recover
// LastTransaction and AppendPosition.
func OpenFileStore(name, dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating store dir: %w", err)
	}
	var blobDir = filepath.Join(dir, "blobs")
	if err := os.MkdirAll(blobDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating blob dir: %w", err)
	}

	var path = filepath.Join(dir, "data.zrs")
	var fresh = false
	if _, err := os.Stat(path); os.IsNotExist(err) {
		fresh = true
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log file %s: %w", path, err)
	}
	if fresh {
		if err := WriteFileHeader(f); err != nil {
			f.Close()
			return nil, err
		}
	}

	var fs = &FileStore{name: name, dir: dir, blobDir: blobDir, file: f}
	if err := fs.recover(); err != nil {
		f.Close()
		return nil, err
	}
	return fs, nil
}

// recover scans the whole log once at startup to establish the append
// position and last committed TID.
func (fs *FileStore) recover() error {
	if _, err := fs.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	var r = bufio.NewReader(fs.file)
	pos, err := ReadFileHeader(r)
	if err != nil {
		return err
	}
	fs.appendPos = pos

	for {
		var recStart = pos
		h, err := ReadTxnHeader(r)
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			break
		} else if err != nil {
			return err
		}
		pos += h.HeaderLen

		for {
			_, _, ok, n, err := ReadDataRecordOrEnd(r)
			if err == io.ErrUnexpectedEOF {
				pos += n
				goto truncated
			} else if err != nil {
				return err
			}
			pos += n
			if !ok {
				break
			}
		}

		tlen, err := ReadTrailer(r)
		if err == io.ErrUnexpectedEOF {
			goto truncated
		} else if err != nil {
			return err
		}
		pos += 8
		if tlen != uint64(pos-recStart) {
			return fmt.Errorf("corrupt log: tlen mismatch at offset %d", recStart)
		}
		if h.Status != wire.StatusInProgress {
			fs.lastTransaction = h.TID
		}
		fs.appendPos = pos
		continue

	truncated:
		break
	}
	return nil
}

func (fs *FileStore) GetName() string { return fs.name }

func (fs *FileStore) LastTransaction() wire.TID {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.lastTransaction
}

func (fs *FileStore) FilePath() string {
	return fs.file.Name()
}

func (fs *FileStore) AppendPosition() int64 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.appendPos
}

func (fs *FileStore) TemporaryDirectory() string { return filepath.Join(fs.dir, "tmp") }
func (fs *FileStore) BlobDirectory() string       { return fs.blobDir }
func (fs *FileStore) SupportsPack() bool          { return true }

func (fs *FileStore) TpcBegin(_ context.Context, tid wire.TID, status wire.Status, user, description []byte, extension map[string][]byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.pending != nil {
		return fmt.Errorf("tpc_begin: transaction already in progress")
	}
	fs.pending = &pendingTxn{tid: tid, status: status, user: user, description: description, extension: extension}
	return nil
}

func (fs *FileStore) Restore(_ context.Context, oid wire.OID, tid wire.TID, data []byte, prevTxn wire.TID, hasPrevTxn bool) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.pending == nil {
		return fmt.Errorf("restore: no transaction in progress")
	}
	var rec = EncodeDataRecord(DataRecordHeader{OID: oid, TID: tid, HasPrev: hasPrevTxn, PrevTxn: prevTxn}, data)
	fs.pending.records = append(fs.pending.records, rec)
	return nil
}

func (fs *FileStore) RestoreBlob(ctx context.Context, oid wire.OID, tid wire.TID, blobFile string, prevTxn wire.TID, hasPrevTxn bool) error {
	var dst = fs.blobPath(oid, tid)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("restoring blob: %w", err)
	}
	src, err := os.Open(blobFile)
	if err != nil {
		return fmt.Errorf("restoring blob: %w", err)
	}
	defer src.Close()
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("restoring blob: %w", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, src); err != nil {
		return fmt.Errorf("restoring blob: %w", err)
	}
	return fs.Restore(ctx, oid, tid, []byte(BlobMarker), prevTxn, hasPrevTxn)
}

func (fs *FileStore) LoadBlob(_ context.Context, oid wire.OID, tid wire.TID) (io.ReadCloser, int64, error) {
	var path = fs.blobPath(oid, tid)
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, st.Size(), nil
}

func (fs *FileStore) blobPath(oid wire.OID, tid wire.TID) string {
	return filepath.Join(fs.blobDir, oid.String(), tid.String())
}

func (fs *FileStore) TpcVote(_ context.Context, tid wire.TID) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.pending == nil || fs.pending.tid != tid {
		return fmt.Errorf("tpc_vote: no matching transaction in progress")
	}
	return nil
}

func (fs *FileStore) TpcFinish(_ context.Context, tid wire.TID) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.pending == nil || fs.pending.tid != tid {
		return fmt.Errorf("tpc_finish: no matching transaction in progress")
	}
	var p = fs.pending
	fs.pending = nil

	if _, err := fs.file.Seek(fs.appendPos, io.SeekStart); err != nil {
		return fmt.Errorf("tpc_finish: %w", err)
	}
	n, err := WriteTxnRecord(fs.file, p.status, p.tid, p.user, p.description, p.extension, p.records)
	if err != nil {
		return fmt.Errorf("tpc_finish: %w", err)
	}
	if err := fs.file.Sync(); err != nil {
		return fmt.Errorf("tpc_finish: %w", err)
	}
	fs.appendPos += n
	fs.lastTransaction = p.tid
	return nil
}

func (fs *FileStore) TpcAbort(_ context.Context, tid wire.TID) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.pending != nil && fs.pending.tid == tid {
		fs.pending = nil
	}
	return nil
}

// Pack rewrites the log file, discarding any transaction older than
// before. This invalidates file-handle identity for any LogIterator still
// holding the previous handle (spec §4.2).
func (fs *FileStore) Pack(_ context.Context, before wire.TID) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	var tmpPath = fs.file.Name() + ".pack"
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("pack: %w", err)
	}
	if err := WriteFileHeader(tmp); err != nil {
		tmp.Close()
		return err
	}

	if _, err := fs.file.Seek(0, io.SeekStart); err != nil {
		tmp.Close()
		return err
	}
	var r = bufio.NewReader(fs.file)
	if _, err := ReadFileHeader(r); err != nil {
		tmp.Close()
		return err
	}

	var newPos int64 = 4
	for {
		h, err := ReadTxnHeader(r)
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			break
		} else if err != nil {
			tmp.Close()
			return err
		}
		var records [][]byte
		for {
			dh, data, ok, _, err := ReadDataRecordOrEnd(r)
			if err != nil {
				tmp.Close()
				return err
			}
			if !ok {
				break
			}
			records = append(records, EncodeDataRecord(DataRecordHeader{OID: dh.OID, TID: dh.TID, Version: dh.Version, HasPrev: dh.HasPrev, PrevTxn: dh.PrevTxn}, data))
		}
		if _, err := ReadTrailer(r); err != nil {
			tmp.Close()
			return err
		}
		if h.TID.Less(before) {
			continue // discarded by pack
		}
		n, err := WriteTxnRecord(tmp, h.Status, h.TID, h.User, h.Description, h.Extension, records)
		if err != nil {
			tmp.Close()
			return err
		}
		newPos += n
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	var oldPath = fs.file.Name()
	fs.file.Close()
	tmp.Close()
	if err := os.Rename(tmpPath, oldPath); err != nil {
		return fmt.Errorf("pack: renaming: %w", err)
	}
	f, err := os.OpenFile(oldPath, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("pack: reopening: %w", err)
	}
	fs.file = f
	fs.appendPos = newPos
	return nil
}

func (fs *FileStore) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.file.Close()
}

// BlobMarker is the well-known sentinel payload identifying a data record
// as a blob reference (spec §3).
const BlobMarker = "\x00ZRS-BLOB\x00"
