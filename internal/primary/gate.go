package primary

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// pauseGate implements the Producer's backpressure gate, built on a binary
// weighted semaphore rather than a condition variable (spec §9 design
// note). In the resumed state the semaphore's single token is unheld, so
// awaitResume returns immediately; Pause acquires the token and holds it,
// so awaitResume blocks until Resume releases it back. Producer.Run awaits
// the gate once before reading each transaction; the writes of a
// transaction already being emitted do not wait on it.
type pauseGate struct {
	sem    *semaphore.Weighted
	paused atomic.Bool
}

func newPauseGate() *pauseGate {
	return &pauseGate{sem: semaphore.NewWeighted(1)}
}

// awaitResume blocks while the gate is paused.
func (g *pauseGate) awaitResume(ctx context.Context) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	g.sem.Release(1)
	return nil
}

// Pause clears the gate; subsequent awaitResume calls block.
func (g *pauseGate) Pause(ctx context.Context) error {
	if !g.paused.CompareAndSwap(false, true) {
		return nil
	}
	return g.sem.Acquire(ctx, 1)
}

// Resume sets the gate; any blocked awaitResume calls proceed.
func (g *pauseGate) Resume() {
	if !g.paused.CompareAndSwap(true, false) {
		return
	}
	g.sem.Release(1)
}
