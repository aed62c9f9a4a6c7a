// Package snapshot implements the canonical JSON-lines snapshot file: one
// issue per line, loaded tolerant of corrupt lines, written atomically via
// a uniquely-named temp file, fsync, and rename.
package snapshot

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/hotschmoe/beads/internal/issue"
	"github.com/hotschmoe/beads/pkg/fs"
)

// MaxSize is the ceiling the loader imposes on snapshot input size.
const MaxSize = 100 * 1024 * 1024 // 100 MiB

// ErrTooLarge is returned when the snapshot file exceeds MaxSize.
var ErrTooLarge = fmt.Errorf("snapshot: exceeds %d byte ceiling", MaxSize)

// Load performs a strict read: empty lines are skipped, each remaining
// line is parsed as an Issue with unknown-field tolerance, and unparsable
// lines are silently dropped. A missing file loads as an empty slice.
func Load(path string) ([]*issue.Issue, error) {
	issues, _, err := load(path)

	return issues, err
}

// LoadResult is the outcome of a recovery read: the issues that parsed,
// plus diagnostics about what didn't.
type LoadResult struct {
	Issues       []*issue.Issue
	SkippedLines []int // 1-indexed
	Corrupted    int
}

// LoadRecovery performs the same parse as Load but additionally reports
// the 1-indexed line numbers of all skipped lines and a corruption count,
// for callers (doctor/repair flows) that want to surface what was lost.
func LoadRecovery(path string) (LoadResult, error) {
	issues, skipped, err := load(path)
	if err != nil {
		return LoadResult{}, err
	}

	return LoadResult{Issues: issues, SkippedLines: skipped, Corrupted: len(skipped)}, nil
}

func load(path string) ([]*issue.Issue, []int, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}

		return nil, nil, fmt.Errorf("snapshot: open %q: %w", path, err)
	}
	defer func() { _ = file.Close() }()

	info, err := file.Stat()
	if err != nil {
		return nil, nil, fmt.Errorf("snapshot: stat %q: %w", path, err)
	}

	if info.Size() > MaxSize {
		return nil, nil, fmt.Errorf("%w: %q is %d bytes", ErrTooLarge, path, info.Size())
	}

	issues, skipped, err := ParseBytes(file, MaxSize)
	if err != nil {
		return nil, nil, fmt.Errorf("snapshot: scan %q: %w", path, err)
	}

	return issues, skipped, nil
}

// ParseBytes applies the same tolerant line-by-line parse Load uses, reading
// from r directly. Exported so callers that obtain snapshot bytes by some
// other means than a path on the real filesystem (for example [fs.Crash]'s
// post-crash in-memory view) can reuse the exact same parse behavior.
func ParseBytes(r io.Reader, maxSize int64) ([]*issue.Issue, []int, error) {
	var (
		issues  []*issue.Issue
		skipped []int
	)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), int(maxSize))

	lineNo := 0

	for scanner.Scan() {
		lineNo++

		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var is issue.Issue

		err := json.Unmarshal(line, &is)
		if err != nil {
			skipped = append(skipped, lineNo)

			continue
		}

		issues = append(issues, &is)
	}

	if err := scanner.Err(); err != nil {
		return nil, nil, err
	}

	return issues, skipped, nil
}

// defaultWriter performs the real, OS-backed atomic write used outside of
// tests: pkg/fs's temp-file-plus-fsync-plus-rename mechanism, shared here
// instead of hand-rolled again.
var defaultWriter = fs.NewAtomicWriter(fs.NewReal())

// Write atomically rewrites the snapshot: the full content is encoded once,
// then handed to an [fs.AtomicWriter], which writes it to a uniquely-named
// temp file in the same directory, fsyncs it, renames it over path, and
// fsyncs the containing directory.
func Write(path string, issues []*issue.Issue) error {
	return WriteWith(defaultWriter, path, issues)
}

// WriteWith is Write parameterized over the atomic writer, so tests can
// substitute an [fs.Crash]-wrapped writer to verify the snapshot survives a
// simulated crash exactly at the durability boundary fs.AtomicWriter claims.
func WriteWith(w *fs.AtomicWriter, path string, issues []*issue.Issue) error {
	var buf bytes.Buffer

	for _, is := range issues {
		data, err := json.Marshal(is)
		if err != nil {
			return fmt.Errorf("snapshot: encode %s: %w", is.ID, err)
		}

		buf.Write(data)
		buf.WriteByte('\n')
	}

	err := w.WriteWithDefaults(path, bytes.NewReader(buf.Bytes()))
	if err != nil {
		return fmt.Errorf("snapshot: write %q: %w", path, err)
	}

	return nil
}
