// Package pipeline wires a local store, the primary and secondary sides of
// replication, and an optional checkpoint log into the single rendezvous
// the spec calls the ReplicationPipeline (spec §4.6): whichever path
// commits a transaction — a local writer, or this process's own
// SecondaryClient applying an upstream primary's stream — wakes every
// Producer serving this store's log to further downstream secondaries.
// Setting both ReplicateTo and ReplicateFrom builds the cascaded
// primary-over-secondary configuration spec.md §6 describes.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/estuary/zrs/internal/checkpoint"
	"github.com/estuary/zrs/internal/logiterator"
	"github.com/estuary/zrs/internal/metrics"
	"github.com/estuary/zrs/internal/primary"
	"github.com/estuary/zrs/internal/secondary"
	"github.com/estuary/zrs/internal/store"
	"github.com/estuary/zrs/internal/wire"
	"github.com/estuary/zrs/internal/zrsconfig"
)

// DefaultPositionCacheSize bounds the LogIterator resume-position cache
// every Producer created here shares (spec §4.2 expansion).
const DefaultPositionCacheSize = 4096

// Pipeline owns the wiring spec §4.6 describes between a local store and
// the network-facing components built on top of it.
type Pipeline struct {
	st       store.Interface
	notifier *logiterator.Notifier

	listener      *primary.PrimaryListener
	client        *secondary.Client
	checkpointLog *checkpoint.CheckpointLog
}

// New builds a Pipeline from cfg around baseStore, registering metrics on
// reg. cfg must satisfy Validate (at least one of ReplicateTo/ReplicateFrom
// set).
func New(cfg zrsconfig.Config, baseStore store.Interface, reg prometheus.Registerer) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var notifier = logiterator.NewNotifier()
	var st = withCommitNotify(baseStore, notifier)
	var p = &Pipeline{st: st, notifier: notifier}

	if cfg.Replication.CheckpointDir != "" {
		cl, err := checkpoint.Open(cfg.Replication.CheckpointDir, 0)
		if err != nil {
			return nil, fmt.Errorf("pipeline: opening checkpoint log: %w", err)
		}
		p.checkpointLog = cl
	}

	if cfg.Replication.ReplicateTo != "" {
		ln, err := primary.Listen(cfg.Replication.ReplicateTo, st, notifier, DefaultPositionCacheSize, metrics.NewPrimary(reg))
		if err != nil {
			return nil, fmt.Errorf("pipeline: starting listener: %w", err)
		}
		p.listener = ln
	}

	if cfg.Replication.ReplicateFrom != "" {
		p.client = secondary.New(st, secondary.Options{
			Addr:           cfg.Replication.ReplicateFrom,
			CheckChecksums: cfg.Replication.CheckChecksums,
			KeepAliveDelay: time.Duration(cfg.Replication.KeepAliveDelay) * time.Second,
			ReconnectDelay: time.Duration(cfg.Replication.ReconnectDelay) * time.Second,
			Metrics:        metrics.NewSecondary(reg),
			Checkpoint:     p.checkpointLog,
		})
	}

	return p, nil
}

// Addr returns the bound listener address when ReplicateTo is set, or ""
// otherwise. Useful when ReplicateTo names a port of 0 and the actual
// bound port is needed to point a downstream secondary at this process.
func (p *Pipeline) Addr() string {
	if p.listener == nil {
		return ""
	}
	return p.listener.Addr().String()
}

// Store returns the store callers should use: read-only whenever this
// process replicates from an upstream primary (spec §4.4, "write-method
// rejection") — including the middle of a cascade, which still owns no
// commits of its own — and writable only for a pure primary.
func (p *Pipeline) Store() store.Interface {
	if p.client != nil {
		return secondary.NewReadOnly(p.st)
	}
	return p.st
}

// Run drives every configured component until ctx is cancelled or one of
// them fails.
func (p *Pipeline) Run(ctx context.Context) error {
	var eg, egCtx = errgroup.WithContext(ctx)
	if p.listener != nil {
		eg.Go(func() error { return p.listener.Serve(egCtx) })
	}
	if p.client != nil {
		eg.Go(func() error { return p.client.Run(egCtx) })
	}
	return eg.Wait()
}

// Close shuts every configured component down (spec §5).
func (p *Pipeline) Close() error {
	var errs []error
	if p.client != nil {
		if err := p.client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if p.listener != nil {
		// PrimaryListener.Close also closes the underlying store.
		if err := p.listener.Close(); err != nil {
			errs = append(errs, err)
		}
	} else if err := p.st.Close(); err != nil {
		errs = append(errs, err)
	}
	if p.checkpointLog != nil {
		if err := p.checkpointLog.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// notifyingStore wraps a plain store.Interface, signaling notifier after
// every successful commit (spec §4.6).
type notifyingStore struct {
	store.Interface
	notifier *logiterator.Notifier
}

func (s *notifyingStore) TpcFinish(ctx context.Context, tid wire.TID) error {
	if err := s.Interface.TpcFinish(ctx, tid); err != nil {
		return err
	}
	s.notifier.Notify()
	return nil
}

// notifyingBlobStore is the blob-capable variant, keeping the
// store.BlobCapable type advertisement intact through the wrapper so a
// PrimaryListener still detects blob support (spec §6).
type notifyingBlobStore struct {
	store.BlobCapable
	notifier *logiterator.Notifier
}

func (s *notifyingBlobStore) TpcFinish(ctx context.Context, tid wire.TID) error {
	if err := s.BlobCapable.TpcFinish(ctx, tid); err != nil {
		return err
	}
	s.notifier.Notify()
	return nil
}

func withCommitNotify(st store.Interface, notifier *logiterator.Notifier) store.Interface {
	if bc, ok := st.(store.BlobCapable); ok {
		return &notifyingBlobStore{BlobCapable: bc, notifier: notifier}
	}
	return &notifyingStore{Interface: st, notifier: notifier}
}
