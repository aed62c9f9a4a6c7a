// Package coord holds the process-global, lock-free coordination counters
// that let writers back off and the compactor decide when it's safe to
// run, without requiring any cross-goroutine locking of its own.
package coord

import (
	"sync/atomic"
	"time"
)

// BackpressureThreshold is the approximate WAL size, in bytes, at or above
// which a writer sleeps before appending to give the compactor room to
// catch up.
const BackpressureThreshold = 1_000_000 // 1 MB

// BackpressureSleep is how long acquire_writer sleeps when back-pressure
// triggers.
const BackpressureSleep = 10 * time.Millisecond

// State is the coordination counters. The zero value is ready to use; a
// process typically keeps exactly one State alive for the lifetime of its
// engine handle, shared by every writer goroutine.
type State struct {
	pendingWriters     atomic.Uint32
	approxWALBytes     atomic.Uint64
	lastCompactionTime atomic.Int64
	backoffCount       atomic.Uint64
}

// New returns a freshly zeroed State.
func New() *State {
	return &State{}
}

// AcquireWriter applies back-pressure if the WAL has grown past the
// threshold, then marks a writer as pending. Call before appending.
func (s *State) AcquireWriter() {
	if s.approxWALBytes.Load() >= BackpressureThreshold {
		time.Sleep(BackpressureSleep)
		s.backoffCount.Add(1)
	}

	s.pendingWriters.Add(1)
}

// ReleaseWriter marks the writer as no longer pending and folds
// entrySizeEstimate into the running WAL size estimate. The estimate need
// not be exact: it only drives back-pressure, not correctness.
func (s *State) ReleaseWriter(entrySizeEstimate uint64) {
	s.pendingWriters.Add(^uint32(0)) // decrement
	s.approxWALBytes.Add(entrySizeEstimate)
}

// CanCompact reports whether no writers are currently pending.
func (s *State) CanCompact() bool {
	return s.pendingWriters.Load() == 0
}

// RecordCompaction resets the approximate WAL size to zero and stamps the
// compaction time, called by the compactor after a successful pass.
func (s *State) RecordCompaction(now time.Time) {
	s.approxWALBytes.Store(0)
	s.lastCompactionTime.Store(now.Unix())
}

// PendingWriters returns the current pending-writer count.
func (s *State) PendingWriters() uint32 {
	return s.pendingWriters.Load()
}

// ApproxWALBytes returns the current approximate WAL size estimate.
func (s *State) ApproxWALBytes() uint64 {
	return s.approxWALBytes.Load()
}

// LastCompactionTime returns the unix-seconds timestamp of the last
// recorded compaction, or zero if none has run yet.
func (s *State) LastCompactionTime() int64 {
	return s.lastCompactionTime.Load()
}

// BackoffCount returns how many times AcquireWriter has slept for
// back-pressure.
func (s *State) BackoffCount() uint64 {
	return s.backoffCount.Load()
}
