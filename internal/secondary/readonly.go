package secondary

import (
	"context"

	"github.com/estuary/zrs/internal/store"
	"github.com/estuary/zrs/internal/wire"
)

// ReadOnly wraps a secondary's local store so that any caller reaching it
// through the public interface cannot mutate it; only Client's inbound
// automaton, which holds the unwrapped store.Interface directly, may commit
// transactions (spec §4.4: "write-method rejection").
type ReadOnly struct {
	inner store.Interface
}

// NewReadOnly returns a read-only facade over inner.
func NewReadOnly(inner store.Interface) *ReadOnly { return &ReadOnly{inner: inner} }

var _ store.Interface = (*ReadOnly)(nil)

func (r *ReadOnly) GetName() string          { return r.inner.GetName() }
func (r *ReadOnly) LastTransaction() wire.TID { return r.inner.LastTransaction() }
func (r *ReadOnly) FilePath() string         { return r.inner.FilePath() }
func (r *ReadOnly) AppendPosition() int64    { return r.inner.AppendPosition() }
func (r *ReadOnly) Close() error             { return r.inner.Close() }

func (r *ReadOnly) TpcBegin(context.Context, wire.TID, wire.Status, []byte, []byte, map[string][]byte) error {
	return ErrReadOnly
}
func (r *ReadOnly) Restore(context.Context, wire.OID, wire.TID, []byte, wire.TID, bool) error {
	return ErrReadOnly
}
func (r *ReadOnly) RestoreBlob(context.Context, wire.OID, wire.TID, string, wire.TID, bool) error {
	return ErrReadOnly
}
func (r *ReadOnly) TpcVote(context.Context, wire.TID) error  { return ErrReadOnly }
func (r *ReadOnly) TpcFinish(context.Context, wire.TID) error { return ErrReadOnly }
func (r *ReadOnly) TpcAbort(context.Context, wire.TID) error  { return ErrReadOnly }
func (r *ReadOnly) Pack(context.Context, wire.TID) error      { return ErrReadOnly }
