package logiterator

import "errors"

// ErrTidTooHigh is returned when the requested resume TID is beyond (or
// otherwise unreachable on) the writer's current frontier (spec §4.2, §7).
var ErrTidTooHigh = errors.New("logiterator: tid too high")

// ErrCorruptedData is returned when a transaction header or trailer is
// internally inconsistent (spec §4.2, §7).
var ErrCorruptedData = errors.New("logiterator: corrupted log data")

// ErrStopped is returned by Next after Stop has been called.
var ErrStopped = errors.New("logiterator: stopped")

// errScanAborted is an internal sentinel used when a ScanGuard is cleared
// mid-scan; callers see it surfaced as ErrStopped since the caller that
// clears the guard is always the one tearing the iterator down.
var errScanAborted = errors.New("logiterator: scan aborted")
