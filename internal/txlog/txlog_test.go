package txlog_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hotschmoe/beads/internal/txlog"
)

func TestRecordAndEntriesOrderedOldestFirst(t *testing.T) {
	t.Parallel()

	log := txlog.New(3)
	log.Record(txlog.Entry{Operation: "insert", Event: "start"})
	log.Record(txlog.Entry{Operation: "insert", Event: "end"})

	entries := log.Entries()
	require.Len(t, entries, 2)
	require.Equal(t, "start", entries[0].Event)
	require.Equal(t, "end", entries[1].Event)
}

func TestRingBufferWrapsWithoutGrowing(t *testing.T) {
	t.Parallel()

	log := txlog.New(2)
	log.Record(txlog.Entry{Event: "1"})
	log.Record(txlog.Entry{Event: "2"})
	log.Record(txlog.Entry{Event: "3"})

	entries := log.Entries()
	require.Len(t, entries, 2)
	require.Equal(t, "2", entries[0].Event)
	require.Equal(t, "3", entries[1].Event)
}

func TestDisabledLogIsNoOp(t *testing.T) {
	t.Parallel()

	log := txlog.New(4)
	log.SetEnabled(false)
	log.Record(txlog.Entry{Event: "dropped"})

	require.Empty(t, log.Entries())
	require.False(t, log.Enabled())
}

func TestBeginGeneratesStableCorrelationIDAcrossEvents(t *testing.T) {
	t.Parallel()

	log := txlog.New(8)
	rec := log.Begin("insert", "agent-a")
	rec.Event(txlog.LevelInfo, "validated", nil)
	rec.End(txlog.LevelInfo, "committed", map[string]any{"id": "bd-1"})

	entries := log.Entries()
	require.Len(t, entries, 2)
	require.Equal(t, rec.CorrelationID(), entries[0].CorrelationID)
	require.Equal(t, rec.CorrelationID(), entries[1].CorrelationID)
	require.NotEmpty(t, rec.CorrelationID())
	require.Positive(t, entries[1].DurationNS)
}

func TestEntryJSONLineRoundTripsOperationAndEvent(t *testing.T) {
	t.Parallel()

	e := txlog.Entry{CorrelationID: "abc", Operation: "update", Event: "applied", Level: txlog.LevelInfo}
	line, err := e.JSONLine()
	require.NoError(t, err)
	require.Contains(t, line, `"operation":"update"`)
	require.Contains(t, line, `"correlation_id":"abc"`)
}

func TestEntryHumanLineIncludesActorAndDuration(t *testing.T) {
	t.Parallel()

	e := txlog.Entry{
		CorrelationID: "c1",
		Operation:     "compact",
		Event:         "done",
		Level:         txlog.LevelWarn,
		Actor:         "agent-b",
		DurationNS:    2_000_000,
	}

	line := e.HumanLine()
	require.Contains(t, line, "compact/done")
	require.Contains(t, line, "actor=agent-b")
	require.Contains(t, line, "dur=2ms")
}
