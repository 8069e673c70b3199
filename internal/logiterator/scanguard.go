package logiterator

import "sync/atomic"

// ScanGuard is the shared boolean consulted inside a resume scan (spec
// §4.3, "Scan control"). Clearing it asks an in-progress forward or
// backward scan to return promptly, bounding how long a disconnecting
// client can keep the server busy walking the log.
type ScanGuard struct {
	active atomic.Bool
}

// NewScanGuard returns a guard in the active state.
func NewScanGuard() *ScanGuard {
	var g = &ScanGuard{}
	g.active.Store(true)
	return g
}

// Clear asks any in-progress scan using this guard to abandon promptly.
func (g *ScanGuard) Clear() { g.active.Store(false) }

// Active reports whether a scan using this guard should continue.
func (g *ScanGuard) Active() bool { return g.active.Load() }
