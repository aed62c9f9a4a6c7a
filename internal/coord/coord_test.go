package coord_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hotschmoe/beads/internal/coord"
)

func TestAcquireReleaseWriterTracksPendingCount(t *testing.T) {
	t.Parallel()

	s := coord.New()

	s.AcquireWriter()
	require.Equal(t, uint32(1), s.PendingWriters())
	require.True(t, s.CanCompact() == false)

	s.ReleaseWriter(100)
	require.Equal(t, uint32(0), s.PendingWriters())
	require.True(t, s.CanCompact())
	require.Equal(t, uint64(100), s.ApproxWALBytes())
}

func TestBackpressureTriggersAtThreshold(t *testing.T) {
	t.Parallel()

	s := coord.New()

	s.AcquireWriter()
	s.ReleaseWriter(coord.BackpressureThreshold)

	before := s.BackoffCount()

	start := time.Now()
	s.AcquireWriter()
	elapsed := time.Since(start)

	require.GreaterOrEqual(t, elapsed, coord.BackpressureSleep)
	require.Equal(t, before+1, s.BackoffCount())

	s.ReleaseWriter(0)
}

func TestBackpressureDoesNotTriggerBelowThreshold(t *testing.T) {
	t.Parallel()

	s := coord.New()

	s.AcquireWriter()
	s.ReleaseWriter(coord.BackpressureThreshold - 1)

	before := s.BackoffCount()

	start := time.Now()
	s.AcquireWriter()
	elapsed := time.Since(start)

	require.Less(t, elapsed, coord.BackpressureSleep)
	require.Equal(t, before, s.BackoffCount())

	s.ReleaseWriter(0)
}

func TestRecordCompactionResetsSize(t *testing.T) {
	t.Parallel()

	s := coord.New()

	s.AcquireWriter()
	s.ReleaseWriter(5000)
	require.Equal(t, uint64(5000), s.ApproxWALBytes())

	now := time.Unix(1706540000, 0)
	s.RecordCompaction(now)

	require.Equal(t, uint64(0), s.ApproxWALBytes())
	require.Equal(t, int64(1706540000), s.LastCompactionTime())
}

func TestCanCompactFalseWhileWritersPending(t *testing.T) {
	t.Parallel()

	s := coord.New()

	s.AcquireWriter()
	require.False(t, s.CanCompact())

	s.AcquireWriter()
	s.ReleaseWriter(0)
	require.False(t, s.CanCompact(), "one of two writers still pending")

	s.ReleaseWriter(0)
	require.True(t, s.CanCompact())
}
