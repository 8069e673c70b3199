// Package primary implements the primary side of replication (spec §4.3):
// PrimaryListener accepts secondary connections and spawns a Producer per
// client that streams the transaction log.
package primary

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/estuary/zrs/internal/logiterator"
	"github.com/estuary/zrs/internal/metrics"
	"github.com/estuary/zrs/internal/store"
	"github.com/estuary/zrs/internal/wire"
)

// ShutdownGrace is the default bound Close waits for in-flight Producers to
// drain before forcing them to stop (spec §4.3, §5).
const ShutdownGrace = 60 * time.Second

var (
	// ErrUnsupportedTag is returned when a client presents zrs2.0 against a
	// blob-capable store, which requires zrs2.1 (spec §4.3).
	ErrUnsupportedTag = errors.New("primary: handshake tag not supported by this store")
	// ErrBadStartTID is returned when the handshake TID is not exactly 8 bytes.
	ErrBadStartTID = errors.New("primary: start tid must be exactly 8 bytes")
)

// PrimaryListener accepts TCP connections from secondaries, handshakes
// each, and spawns a Producer to stream the transaction log to it.
type PrimaryListener struct {
	st        store.Interface
	blobStore store.BlobCapable // non-nil iff st advertises blob support
	notifier  *logiterator.Notifier
	cache     *logiterator.PositionCache
	metrics   *metrics.Primary

	ln net.Listener

	mu        sync.Mutex
	producers map[*Producer]struct{}
	wg        sync.WaitGroup
	closing   bool
}

// Listen opens addr and returns a PrimaryListener ready to Serve. notifier
// must be the same Notifier the commit path signals after every TpcFinish
// (spec §4.6).
func Listen(addr string, st store.Interface, notifier *logiterator.Notifier, cacheSize int, m *metrics.Primary) (*PrimaryListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("primary: listening on %s: %w", addr, err)
	}
	var blobStore, _ = st.(store.BlobCapable)
	return &PrimaryListener{
		st:        st,
		blobStore: blobStore,
		notifier:  notifier,
		cache:     logiterator.NewPositionCache(cacheSize),
		metrics:   m,
		ln:        ln,
		producers: make(map[*Producer]struct{}),
	}, nil
}

// Addr returns the listener's bound address.
func (l *PrimaryListener) Addr() net.Addr { return l.ln.Addr() }

// Serve accepts connections until ctx is cancelled or the listener is
// closed, handshaking and spawning a Producer for each.
func (l *PrimaryListener) Serve(ctx context.Context) error {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			l.mu.Lock()
			var closing = l.closing
			l.mu.Unlock()
			if closing {
				return nil
			}
			return fmt.Errorf("primary: accept: %w", err)
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handleConn(ctx, conn)
		}()
	}
}

// handleConn performs the handshake and, on success, runs a Producer for
// the connection's lifetime (spec §4.3).
func (l *PrimaryListener) handleConn(ctx context.Context, conn net.Conn) {
	var remoteAddr = conn.RemoteAddr().String()
	defer conn.Close()

	var r = bufio.NewReader(conn)
	startTID, err := l.handshake(r)
	if err != nil {
		log.WithFields(log.Fields{"remote_addr": remoteAddr, "err": err}).Error("primary: handshake failed")
		if l.metrics != nil {
			l.metrics.HandshakeFailures.WithLabelValues(classifyHandshakeError(err)).Inc()
		}
		return
	}

	// A disconnect while the resume scan below is still walking the log
	// must bound how long the scan keeps running (spec §4.3 "Scan
	// control", scenario 6 in §8). Watch the raw connection for EOF/reset
	// with a deadline-cancellable read and clear the guard if it fires.
	var guard = logiterator.NewScanGuard()
	var watcherDone = make(chan struct{})
	go func() {
		defer close(watcherDone)
		var buf [1]byte
		if _, err := conn.Read(buf[:]); err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return
			}
			guard.Clear()
		}
	}()

	p, err := NewProducer(ctx, conn, l.st, l.blobStore, startTID, l.notifier, guard, l.cache, l.metrics)
	conn.SetReadDeadline(time.Now())
	<-watcherDone
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		log.WithFields(log.Fields{"remote_addr": remoteAddr, "tid": startTID.String(), "err": err}).
			Error("primary: positioning log iterator failed")
		if l.metrics != nil {
			l.metrics.HandshakeFailures.WithLabelValues("tid_too_high").Inc()
		}
		return
	}

	l.mu.Lock()
	l.producers[p] = struct{}{}
	l.mu.Unlock()
	if l.metrics != nil {
		l.metrics.ConnectedSecondaries.Inc()
	}
	defer func() {
		l.mu.Lock()
		delete(l.producers, p)
		l.mu.Unlock()
		if l.metrics != nil {
			l.metrics.ConnectedSecondaries.Dec()
		}
	}()

	var runErrCh = make(chan error, 1)
	go func() {
		runErrCh <- p.Run(ctx)
		// Disconnect once the Producer is done, so the inbound loop below
		// returns instead of waiting for the client to hang up.
		conn.Close()
	}()

	// Inbound loop: keepalives are empty messages; anything else after the
	// handshake is a protocol violation (spec §4.3, §6).
	for {
		msg, err := readFrame(r)
		if err != nil {
			p.Stop()
			<-runErrCh
			return
		}
		if len(msg) != 0 {
			log.WithField("remote_addr", remoteAddr).Error("primary: protocol violation, non-empty message after handshake")
			p.Stop()
			<-runErrCh
			return
		}
	}
}

// handshake reads the protocol tag and start TID (spec §4.3).
func (l *PrimaryListener) handshake(r *bufio.Reader) (wire.TID, error) {
	tagMsg, err := readFrame(r)
	if err != nil {
		return wire.TID{}, fmt.Errorf("reading handshake tag: %w", err)
	}
	var tag = string(tagMsg)
	if tag != "zrs2.0" && tag != "zrs2.1" {
		return wire.TID{}, fmt.Errorf("%w: %q", ErrUnsupportedTag, tag)
	}
	if tag == "zrs2.0" && l.blobStore != nil {
		return wire.TID{}, fmt.Errorf("%w: store is blob-capable, zrs2.1 required", ErrUnsupportedTag)
	}

	tidMsg, err := readFrame(r)
	if err != nil {
		return wire.TID{}, fmt.Errorf("reading handshake tid: %w", err)
	}
	tid, err := wire.TIDFromBytes(tidMsg)
	if err != nil {
		return wire.TID{}, fmt.Errorf("%w: %v", ErrBadStartTID, err)
	}
	return tid, nil
}

func classifyHandshakeError(err error) string {
	switch {
	case errors.Is(err, ErrUnsupportedTag):
		return "bad_tag"
	case errors.Is(err, ErrBadStartTID):
		return "bad_tid"
	default:
		return "io_error"
	}
}

// Close stops accepting connections, closes the underlying store so no
// further commits land, asks every Producer to drain, and waits up to
// ShutdownGrace for them to finish before forcing the rest to stop
// (spec §4.3, §5).
func (l *PrimaryListener) Close() error {
	l.mu.Lock()
	l.closing = true
	l.mu.Unlock()
	l.ln.Close()
	var closeErr = l.st.Close()

	l.mu.Lock()
	for p := range l.producers {
		p.Close()
	}
	l.mu.Unlock()

	var done = make(chan struct{})
	go func() { l.wg.Wait(); close(done) }()

	select {
	case <-done:
	case <-time.After(ShutdownGrace):
		log.Warn("primary: shutdown grace period elapsed, forcing remaining producers to stop")
		l.mu.Lock()
		for p := range l.producers {
			p.Stop()
		}
		l.mu.Unlock()
		<-done
	}

	return closeErr
}
