// Package secondary implements the secondary side of replication (spec
// §4.4): Client dials a primary, handshakes, and applies the transaction
// stream to a local store with the same on-disk format.
package secondary

import (
	"bufio"
	"context"
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"hash"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/estuary/zrs/internal/checkpoint"
	"github.com/estuary/zrs/internal/metrics"
	"github.com/estuary/zrs/internal/store"
	"github.com/estuary/zrs/internal/wire"
)

// Options configures a Client (spec §6's configuration knobs).
type Options struct {
	Addr           string
	CheckChecksums bool
	KeepAliveDelay time.Duration // 0 disables
	ReconnectDelay time.Duration // default 60s
	Metrics        *metrics.Secondary

	// Checkpoint, if non-nil, captures every message this Client receives
	// (spec §4.5), in addition to applying it to the local store.
	Checkpoint *checkpoint.CheckpointLog
}

// Client reconnects to a primary, applying its transaction stream to st
// (spec §4.4). It is not safe for concurrent use of Run from more than one
// goroutine.
type Client struct {
	st        store.Interface
	blobStore store.BlobCapable
	opts      Options

	mu      sync.Mutex
	conn    net.Conn
	closing bool
	closeCh chan struct{}
}

// New constructs a Client over st, which must be the unwrapped store
// (internal automaton calls bypass the ReadOnly facade per spec §4.4).
func New(st store.Interface, opts Options) *Client {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 60 * time.Second
	}
	var blobStore, _ = st.(store.BlobCapable)
	return &Client{st: st, blobStore: blobStore, opts: opts, closeCh: make(chan struct{})}
}

// Run dials, handshakes, and processes the replication stream until ctx is
// cancelled or Close is called, reconnecting with opts.ReconnectDelay
// between attempts (spec §4.4: "connect loop").
func (c *Client) Run(ctx context.Context) error {
	for {
		if c.isClosing() {
			return nil
		}
		if err := c.runOnce(ctx); err != nil {
			log.WithFields(log.Fields{"addr": c.opts.Addr, "err": err}).
				Error("secondary: connection lost, will reconnect")
		}
		if c.opts.Metrics != nil {
			c.opts.Metrics.Reconnects.Inc()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closeCh:
			return nil
		case <-time.After(c.opts.ReconnectDelay):
		}
	}
}

// Close stops the reconnect loop and disconnects the current connection,
// if any (spec §5: "close on a secondary").
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	var conn = c.conn
	c.mu.Unlock()

	close(c.closeCh)
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *Client) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

// runOnce performs one dial-handshake-consume cycle.
func (c *Client) runOnce(ctx context.Context) error {
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", c.opts.Addr)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", c.opts.Addr, err)
	}
	defer conn.Close()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	var startTID = c.st.LastTransaction()
	var tag = "zrs2.0"
	if c.blobStore != nil {
		tag = "zrs2.1"
	}
	if err := writeFrame(conn, []byte(tag)); err != nil {
		return fmt.Errorf("sending handshake tag: %w", err)
	}
	if err := writeFrame(conn, startTID[:]); err != nil {
		return fmt.Errorf("sending handshake tid: %w", err)
	}

	var stopKeepalive = make(chan struct{})
	var keepaliveDone = make(chan struct{})
	go func() {
		defer close(keepaliveDone)
		c.runKeepalive(conn, stopKeepalive)
	}()
	defer func() {
		close(stopKeepalive)
		<-keepaliveDone
	}()

	var a = newAutomaton(c.st, c.blobStore, startTID, c.opts.CheckChecksums, c.opts.Metrics)
	defer a.abortIfPending(ctx)
	defer func() {
		if c.opts.Checkpoint != nil {
			if err := c.opts.Checkpoint.AbortPending(); err != nil {
				log.WithField("err", err).Warn("secondary: aborting pending checkpoint record")
			}
		}
	}()

	var r = bufio.NewReader(conn)
	for {
		msg, err := readFrame(r)
		if err != nil {
			return fmt.Errorf("reading from %s: %w", c.opts.Addr, err)
		}
		if c.opts.Metrics != nil {
			c.opts.Metrics.BytesReceived.Add(float64(len(msg)))
		}
		if err := a.feed(ctx, msg); err != nil {
			return err
		}
		if c.opts.Checkpoint != nil {
			if err := c.opts.Checkpoint.Append(msg); err != nil {
				return fmt.Errorf("appending checkpoint record: %w", err)
			}
		}
	}
}

// runKeepalive writes an empty framed message every KeepAliveDelay while
// connected (spec §4.4).
func (c *Client) runKeepalive(conn net.Conn, stop <-chan struct{}) {
	if c.opts.KeepAliveDelay <= 0 {
		return
	}
	var t = time.NewTicker(c.opts.KeepAliveDelay)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if err := writeFrame(conn, nil); err != nil {
				return
			}
		}
	}
}

func writeFrame(conn net.Conn, payload []byte) error {
	_, err := conn.Write(wire.EncodeMessage(payload))
	return err
}

func readFrame(r *bufio.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	var want = binary.BigEndian.Uint32(hdr[:])
	var buf = make([]byte, want)
	if want > 0 {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// digestSeed returns a fresh MD5 accumulator seeded with tid, as both sides
// of the connection do (spec §4.4, §6).
func digestSeed(tid wire.TID) hash.Hash {
	var h = md5.New()
	h.Write(tid[:])
	return h
}

func tempBlobPath(st store.BlobCapable, oid wire.OID, tid wire.TID) string {
	return filepath.Join(st.TemporaryDirectory(), fmt.Sprintf("%s-%s.blob", oid.String(), tid.String()))
}

func ensureTempDir(st store.BlobCapable) error {
	return os.MkdirAll(st.TemporaryDirectory(), 0o755)
}
