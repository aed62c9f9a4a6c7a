package wal_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hotschmoe/beads/internal/issue"
	"github.com/hotschmoe/beads/internal/wal"
	"github.com/hotschmoe/beads/internal/walrec"
)

func TestAppendAssignsMonotonicSeq(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "beads.wal.1")

	w, err := wal.Open(path)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	seq1, err := w.Append(walrec.OpAdd, 1, "bd-1", []byte(`{"title":"a"}`))
	require.NoError(t, err)
	require.Equal(t, uint64(1), seq1)

	seq2, err := w.Append(walrec.OpClose, 2, "bd-1", nil)
	require.NoError(t, err)
	require.Equal(t, uint64(2), seq2)
}

func TestOpenRecoversNextSeqFromExistingFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "beads.wal.1")

	w1, err := wal.Open(path)
	require.NoError(t, err)

	_, err = w1.Append(walrec.OpAdd, 1, "bd-1", []byte(`{}`))
	require.NoError(t, err)
	_, err = w1.Append(walrec.OpAdd, 1, "bd-2", []byte(`{}`))
	require.NoError(t, err)
	require.NoError(t, w1.Close())

	w2, err := wal.Open(path)
	require.NoError(t, err)
	defer func() { _ = w2.Close() }()

	seq, err := w2.Append(walrec.OpAdd, 1, "bd-3", []byte(`{}`))
	require.NoError(t, err)
	require.Equal(t, uint64(3), seq)
}

func TestReadFileMissingIsEmpty(t *testing.T) {
	t.Parallel()

	records, stats, err := wal.ReadFile(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	require.Empty(t, records)
	require.Zero(t, stats.Corrupt)
}

func TestReadFileSurvivesCorruptRecord(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "beads.wal.1")

	r1, err := walrec.Encode(walrec.Record{Op: walrec.OpAdd, TS: 1, Seq: 1, ID: "bd-1", Data: []byte(`{}`)})
	require.NoError(t, err)

	r2, err := walrec.Encode(walrec.Record{Op: walrec.OpAdd, TS: 1, Seq: 2, ID: "bd-2", Data: []byte(`{}`)})
	require.NoError(t, err)
	r2[walrec.HeaderSize] ^= 0xFF // flip the first payload byte so the CRC no longer matches

	r3, err := walrec.Encode(walrec.Record{Op: walrec.OpAdd, TS: 1, Seq: 3, ID: "bd-3", Data: []byte(`{}`)})
	require.NoError(t, err)

	var buf []byte
	buf = append(buf, r1...)
	buf = append(buf, r2...)
	buf = append(buf, r3...)

	require.NoError(t, os.WriteFile(path, buf, 0o644))

	records, stats, err := wal.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "bd-1", records[0].ID)
	require.Equal(t, "bd-3", records[1].ID)
	require.Equal(t, 1, stats.Corrupt)
}

func TestReadFileDiscardsTornTail(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "beads.wal.1")

	r1, err := walrec.Encode(walrec.Record{Op: walrec.OpAdd, TS: 1, Seq: 1, ID: "bd-1", Data: []byte(`{}`)})
	require.NoError(t, err)

	r2, err := walrec.Encode(walrec.Record{Op: walrec.OpAdd, TS: 1, Seq: 2, ID: "bd-2", Data: []byte(`{}`)})
	require.NoError(t, err)

	var buf []byte
	buf = append(buf, r1...)
	buf = append(buf, r2[:len(r2)-4]...) // truncate the second record's payload

	require.NoError(t, os.WriteFile(path, buf, 0o644))

	records, stats, err := wal.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "bd-1", records[0].ID)
	require.Equal(t, 1, stats.Torn)
}

func TestReadFileAcceptsLegacyLines(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "beads.wal.1")

	content := `{"op":"add","ts":1,"seq":1,"id":"bd-1","data":{}}` + "\n" +
		`{"op":"close","ts":2,"seq":2,"id":"bd-1"}` + "\n"

	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	records, stats, err := wal.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Zero(t, stats.Corrupt)
}

type fakeTarget struct {
	store map[string]*issue.Issue
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{store: map[string]*issue.Issue{}}
}

func (f *fakeTarget) Add(is *issue.Issue) (bool, error) {
	if _, ok := f.store[is.ID]; ok {
		return false, nil
	}

	f.store[is.ID] = is

	return true, nil
}

func (f *fakeTarget) Replace(is *issue.Issue) (bool, error) {
	f.store[is.ID] = is

	return true, nil
}

func (f *fakeTarget) SetStatus(id string, op walrec.Op, ts int64) (bool, error) {
	is, ok := f.store[id]
	if !ok {
		return false, nil
	}

	switch op {
	case walrec.OpClose:
		is.Status = issue.StatusClosed
	case walrec.OpReopen:
		is.Status = issue.StatusOpen
	case walrec.OpDelete:
		is.Status = issue.StatusTombstone
	case walrec.OpSetBlocked:
		is.Status = issue.StatusBlocked
	case walrec.OpUnsetBlocked:
		is.Status = issue.StatusOpen
	}

	is.UpdatedAt = ts

	return true, nil
}

func TestReplaySemantics(t *testing.T) {
	t.Parallel()

	target := newFakeTarget()

	recs := []walrec.Record{
		{Op: walrec.OpAdd, TS: 1, Seq: 1, ID: "bd-1", Data: mustJSON(t, issue.Issue{ID: "bd-1", Title: "a", Status: issue.StatusOpen})},
		{Op: walrec.OpClose, TS: 2, Seq: 2, ID: "bd-1"},
		{Op: walrec.OpClose, TS: 3, Seq: 3, ID: "bd-missing"},
		{Op: walrec.OpAdd, TS: 4, Seq: 4, ID: "bd-1", Data: mustJSON(t, issue.Issue{ID: "bd-1", Title: "dup"})},
	}

	stats := wal.Replay(recs, target)

	require.Equal(t, 2, stats.Applied) // add bd-1, close bd-1
	require.Equal(t, 2, stats.Skipped) // close on missing id, duplicate add
	require.Zero(t, stats.Failed)
	require.Equal(t, issue.StatusClosed, target.store["bd-1"].Status)
}

func TestReplayOrdersByTSThenSeq(t *testing.T) {
	t.Parallel()

	target := newFakeTarget()

	// Out of file order on purpose; replay must sort by (ts, seq) before
	// applying so the final state reflects chronological order, not
	// append order.
	recs := []walrec.Record{
		{Op: walrec.OpReopen, TS: 3, Seq: 1, ID: "bd-1"},
		{Op: walrec.OpAdd, TS: 1, Seq: 1, ID: "bd-1", Data: mustJSON(t, issue.Issue{ID: "bd-1", Title: "a", Status: issue.StatusOpen})},
		{Op: walrec.OpClose, TS: 2, Seq: 1, ID: "bd-1"},
	}

	wal.Replay(recs, target)

	require.Equal(t, issue.StatusOpen, target.store["bd-1"].Status, "ts3 reopen applied after ts2 close")
}

func mustJSON(t *testing.T, is issue.Issue) []byte {
	t.Helper()

	data, err := json.Marshal(is)
	require.NoError(t, err)

	return data
}
