// Package store declares the narrow interface this repository requires of
// the underlying transactional object store. The store's own on-disk
// format, its blob directory layout, and its public read/write API are
// external collaborators (spec §1, §6) — this package only names the calls
// the primary and secondary need to make against it.
package store

import (
	"context"
	"io"

	"github.com/estuary/zrs/internal/wire"
)

// Interface is implemented by the local store both the primary and the
// secondary wrap. A secondary additionally restricts it behind a read-only
// facade (see internal/secondary.ReadOnly).
type Interface interface {
	// GetName returns a human-readable identifier for this store, used only
	// in log messages.
	GetName() string

	// LastTransaction returns the TID of the most recently committed
	// transaction, or the zero TID if the store is empty.
	LastTransaction() wire.TID

	// FilePath and AppendPosition describe the underlying log file the
	// LogIterator tails directly; they are used only by that iterator.
	FilePath() string
	AppendPosition() int64

	// TpcBegin opens a new two-phase-commit transaction to be populated by
	// Restore/RestoreBlob calls and completed by TpcVote/TpcFinish.
	TpcBegin(ctx context.Context, tid wire.TID, status wire.Status, user, description []byte, extension map[string][]byte) error

	// Restore applies one plain data record within the currently open
	// transaction.
	Restore(ctx context.Context, oid wire.OID, tid wire.TID, data []byte, prevTxn wire.TID, hasPrevTxn bool) error

	// RestoreBlob applies one blob data record, reading the complete blob
	// content from blobFile (already assembled from its on-wire blocks).
	RestoreBlob(ctx context.Context, oid wire.OID, tid wire.TID, blobFile string, prevTxn wire.TID, hasPrevTxn bool) error

	// TpcVote and TpcFinish complete the two-phase commit started by
	// TpcBegin; TpcAbort discards it (e.g. on disconnect mid-transaction).
	TpcVote(ctx context.Context, tid wire.TID) error
	TpcFinish(ctx context.Context, tid wire.TID) error
	TpcAbort(ctx context.Context, tid wire.TID) error

	// Pack performs history truncation / garbage collection; after it
	// returns, any previously obtained file handle on FilePath may be
	// stale and must be reopened (spec §4.2).
	Pack(ctx context.Context, before wire.TID) error

	// Close releases the store's resources.
	Close() error
}

// BlobCapable is implemented by stores that support large-object storage.
// A store's blob-capability is advertised by a type assertion against this
// interface (spec §6: "a store is identified as blob-capable by an
// interface advertisement").
type BlobCapable interface {
	Interface

	// LoadBlob returns a reader over the current content of the blob
	// referenced by oid/tid, or an error if it is not present locally.
	LoadBlob(ctx context.Context, oid wire.OID, tid wire.TID) (io.ReadCloser, int64, error)

	// TemporaryDirectory is where inbound blob blocks are staged before
	// RestoreBlob is called.
	TemporaryDirectory() string

	// BlobDirectory is the root of the store's blob layout. This
	// repository never interprets its structure (spec §1) — it is only
	// surfaced for callers that need to report free space, etc.
	BlobDirectory() string
}

// Packable is implemented by stores that support Pack. It is separated from
// Interface because Pack is optional machinery the LogIterator only needs
// to special-case (spec §4.2, "Pack / file rotation"); a store's Interface
// methods are always present, but Pack may be a no-op on some stores.
type Packable interface {
	SupportsPack() bool
}
