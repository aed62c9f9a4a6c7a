package beads_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hotschmoe/beads/internal/issue"
	"github.com/hotschmoe/beads/pkg/beads"
)

// TestReloadPicksUpPeerWriteWithoutSnapshotChanging covers the common case
// Reload's freshness check is meant to stay fast on: a peer process writing
// through its own Engine handle only ever appends to the shared WAL, never
// touching the snapshot file, so Reload must still observe the write even
// when the snapshot's identity and mtime are unchanged.
func TestReloadPicksUpPeerWriteWithoutSnapshotChanging(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	reader, err := beads.Open(dir)
	require.NoError(t, err)
	defer func() { _ = reader.Close() }()

	_, err = reader.Get("bd-1")
	require.ErrorIs(t, err, beads.ErrIssueNotFound)

	writer, err := beads.Open(dir)
	require.NoError(t, err)
	defer func() { _ = writer.Close() }()

	_, err = writer.Insert(&issue.Issue{ID: "bd-1", Title: "written by a peer"}, 1706540000)
	require.NoError(t, err)

	require.NoError(t, reader.Reload())

	got, err := reader.Get("bd-1")
	require.NoError(t, err)
	require.Equal(t, "written by a peer", got.Title)
}

// TestReloadPicksUpCompactionAcrossGeneration covers the case the freshness
// check exists for: after a peer compacts, the snapshot is atomically
// replaced and the generation advances, and Reload must fully reload rather
// than trust its cheap unchanged-snapshot path.
func TestReloadPicksUpCompactionAcrossGeneration(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	reader, err := beads.Open(dir)
	require.NoError(t, err)
	defer func() { _ = reader.Close() }()

	writer, err := beads.Open(dir)
	require.NoError(t, err)
	defer func() { _ = writer.Close() }()

	_, err = writer.Insert(&issue.Issue{ID: "bd-1", Title: "before compaction"}, 1706540000)
	require.NoError(t, err)

	_, err = writer.ForceCompact()
	require.NoError(t, err)

	require.NoError(t, reader.Reload())

	got, err := reader.Get("bd-1")
	require.NoError(t, err)
	require.Equal(t, "before compaction", got.Title)
}

// TestReloadIsNoOpWhenNothingChanged exercises the skip path directly: a
// second Reload with no intervening writes must succeed without error even
// though both the snapshot-unchanged and generation-unchanged checks are
// true.
func TestReloadIsNoOpWhenNothingChanged(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	engine, err := beads.Open(dir)
	require.NoError(t, err)
	defer func() { _ = engine.Close() }()

	_, err = engine.Insert(&issue.Issue{ID: "bd-1", Title: "stable"}, 1706540000)
	require.NoError(t, err)

	require.NoError(t, engine.Reload())
	require.NoError(t, engine.Reload())

	got, err := engine.Get("bd-1")
	require.NoError(t, err)
	require.Equal(t, "stable", got.Title)
}
