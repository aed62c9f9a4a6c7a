// Package generation tracks the monotonic generation number that names the
// currently active WAL file. The generation file itself is written
// atomically (temp file + fsync + rename) so a reader never observes a
// torn value.
package generation

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/natefinch/atomic"
)

// Registry reads and writes the generation file at a fixed path within the
// data directory.
type Registry struct {
	dir  string
	path string
}

// New returns a Registry rooted at dir, whose generation file is
// "beads.generation".
func New(dir string) *Registry {
	return &Registry{dir: dir, path: filepath.Join(dir, "beads.generation")}
}

// Read returns the current generation. A missing file reads as generation 1
// (the initial state, not an error).
func (r *Registry) Read() (uint64, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 1, nil
		}

		return 0, fmt.Errorf("generation: read %q: %w", r.path, err)
	}

	text := strings.TrimSpace(string(data))
	if text == "" {
		return 1, nil
	}

	gen, err := strconv.ParseUint(text, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("generation: parse %q: %w", text, err)
	}

	return gen, nil
}

// Write atomically stores generation as decimal text, via a uniquely-named
// temp file, fsync, and rename.
func (r *Registry) Write(generation uint64) error {
	body := strconv.FormatUint(generation, 10)

	err := atomic.WriteFile(r.path, bytes.NewReader([]byte(body)))
	if err != nil {
		return fmt.Errorf("generation: write %q: %w", r.path, err)
	}

	return nil
}

// IncrementUnlocked reads the current generation, writes current+1, and
// returns the new value. The caller must already hold the exclusive lock;
// there is no locked variant because the only caller (the compactor)
// already owns the lock for the whole compaction procedure.
func (r *Registry) IncrementUnlocked() (uint64, error) {
	current, err := r.Read()
	if err != nil {
		return 0, err
	}

	next := current + 1

	err = r.Write(next)
	if err != nil {
		return 0, err
	}

	return next, nil
}

// WALPath returns the path of the WAL file for the given generation.
func (r *Registry) WALPath(generation uint64) string {
	return filepath.Join(r.dir, fmt.Sprintf("beads.wal.%d", generation))
}

// Path returns the generation file's own path, e.g. for inclusion in a
// backup set.
func (r *Registry) Path() string {
	return r.path
}

// CleanupOld best-effort deletes WAL files for generations strictly older
// than current-1. The current-1 file itself is left alone here; the
// compactor removes it explicitly right after rotating the generation.
func (r *Registry) CleanupOld(current uint64) {
	if current < 2 {
		return
	}

	for g := uint64(1); g < current-1; g++ {
		_ = os.Remove(r.WALPath(g))
	}
}
