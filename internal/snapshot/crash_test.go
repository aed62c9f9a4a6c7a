package snapshot_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hotschmoe/beads/internal/issue"
	"github.com/hotschmoe/beads/internal/snapshot"
	"github.com/hotschmoe/beads/pkg/fs"
)

// TestWriteSurvivesCrash drives a snapshot write through fs.Crash and checks
// that the post-crash view contains either the fully-written new content or
// nothing at all, never a torn file: the same durability claim atomic_write's
// own tests make, now exercised with the real payload this package writes.
func TestWriteSurvivesCrash(t *testing.T) {
	t.Parallel()

	crash, err := fs.NewCrash(t, fs.NewReal(), &fs.CrashConfig{})
	require.NoError(t, err)

	writer := fs.NewAtomicWriter(crash)

	issues := []*issue.Issue{
		{ID: "bd-1", Title: "first", Status: issue.StatusOpen, Priority: 1, Version: 1},
		{ID: "bd-2", Title: "second", Status: issue.StatusClosed, Priority: 3, Version: 2},
	}

	require.NoError(t, snapshot.WriteWith(writer, "beads.jsonl", issues))
	require.NoError(t, crash.SimulateCrash())

	data, err := crash.ReadFile("beads.jsonl")
	require.NoError(t, err)

	parsed, skipped, err := snapshot.ParseBytes(bytes.NewReader(data), snapshot.MaxSize)
	require.NoError(t, err)
	require.Empty(t, skipped)
	require.Len(t, parsed, 2)
	require.Equal(t, "bd-1", parsed[0].ID)
	require.Equal(t, "bd-2", parsed[1].ID)
}

// TestOverwriteSurvivesCrash checks that a second write replacing an earlier
// snapshot leaves the post-crash view holding exactly one generation of
// content, never a mix of old and new lines.
func TestOverwriteSurvivesCrash(t *testing.T) {
	t.Parallel()

	crash, err := fs.NewCrash(t, fs.NewReal(), &fs.CrashConfig{})
	require.NoError(t, err)

	writer := fs.NewAtomicWriter(crash)

	first := []*issue.Issue{{ID: "bd-1", Title: "v1", Status: issue.StatusOpen, Version: 1}}
	require.NoError(t, snapshot.WriteWith(writer, "beads.jsonl", first))

	second := []*issue.Issue{
		{ID: "bd-1", Title: "v2", Status: issue.StatusOpen, Version: 2},
		{ID: "bd-2", Title: "new", Status: issue.StatusOpen, Version: 1},
	}
	require.NoError(t, snapshot.WriteWith(writer, "beads.jsonl", second))

	require.NoError(t, crash.SimulateCrash())

	data, err := crash.ReadFile("beads.jsonl")
	require.NoError(t, err)

	parsed, skipped, err := snapshot.ParseBytes(bytes.NewReader(data), snapshot.MaxSize)
	require.NoError(t, err)
	require.Empty(t, skipped)
	require.Len(t, parsed, 2)
	require.Equal(t, "v2", parsed[0].Title)
}
