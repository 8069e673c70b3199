package logiterator

import "sync"

// Notifier is a broadcast wakeup shared between the commit path and every
// active LogIterator (spec §4.6, §5: "the primary's condition is the
// single rendezvous between committers and Producers"). It is implemented
// as a channel that is closed and replaced on each Notify, rather than a
// sync.Cond, so a waiter never holds a lock while blocked (design note,
// spec §9: "channels / events" in place of a condition variable).
type Notifier struct {
	mu sync.Mutex
	ch chan struct{}
}

// NewNotifier returns a ready-to-use Notifier.
func NewNotifier() *Notifier {
	return &Notifier{ch: make(chan struct{})}
}

// Notify wakes every goroutine currently blocked in Wait.
func (n *Notifier) Notify() {
	n.mu.Lock()
	var old = n.ch
	n.ch = make(chan struct{})
	n.mu.Unlock()
	close(old)
}

// Wait returns a channel that closes the next time Notify is called.
func (n *Notifier) Wait() <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ch
}
