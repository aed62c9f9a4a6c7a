// Package wal implements the append-only, framed write-ahead log: appending
// new records with monotonic per-file sequence numbers, scanning a WAL file
// tolerant of torn tails and legacy unframed lines, and replaying a WAL's
// records into a target store.
package wal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/hotschmoe/beads/internal/issue"
	"github.com/hotschmoe/beads/internal/walrec"
)

// WAL is an open append-only log file with a cached next sequence number.
// Callers are expected to serialize Append calls externally (the engine
// does so via the lock manager); WAL itself only guards its own file handle.
type WAL struct {
	path string

	mu      sync.Mutex
	file    *os.File
	nextSeq uint64
}

// Open opens (creating if necessary) the WAL file at path and scans it to
// recover the next sequence number: max(existing seq)+1, or 1 if empty or
// all records are unparsable.
func Open(path string) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: open %q: %w", path, err)
	}

	records, _, err := scanFile(file)
	if err != nil {
		_ = file.Close()

		return nil, fmt.Errorf("wal: scan %q: %w", path, err)
	}

	var maxSeq uint64

	for _, r := range records {
		if r.Seq > maxSeq {
			maxSeq = r.Seq
		}
	}

	return &WAL{path: path, file: file, nextSeq: maxSeq + 1}, nil
}

// Close closes the underlying file handle.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Close(); err != nil {
		return fmt.Errorf("wal: close %q: %w", w.path, err)
	}

	return nil
}

// Path returns the WAL file's path.
func (w *WAL) Path() string {
	return w.path
}

// Append assigns the next sequence number, frames the record, writes it,
// and fsyncs before returning. The caller must hold the exclusive lock for
// the duration of the mutating operation this append is part of.
func (w *WAL) Append(op walrec.Op, ts int64, id string, data json.RawMessage) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	seq := w.nextSeq

	buf, err := walrec.Encode(walrec.Record{Op: op, TS: ts, Seq: seq, ID: id, Data: data})
	if err != nil {
		return 0, fmt.Errorf("wal: encode: %w", err)
	}

	_, err = w.file.Write(buf)
	if err != nil {
		return 0, fmt.Errorf("wal: write: %w", err)
	}

	err = w.file.Sync()
	if err != nil {
		return 0, fmt.Errorf("wal: fsync: %w", err)
	}

	w.nextSeq++

	return seq, nil
}

// Size returns the current on-disk size in bytes, used by the coordination
// state to estimate WAL growth for back-pressure.
func (w *WAL) Size() (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	info, err := w.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("wal: stat %q: %w", w.path, err)
	}

	return info.Size(), nil
}

// ReadStats counts how many candidate records a scan discarded.
type ReadStats struct {
	Corrupt int
	Torn    int
}

// ReadFile opens path (a missing file reads as empty, no error) and scans
// it for records in file order.
func ReadFile(path string) ([]walrec.Record, ReadStats, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ReadStats{}, nil
		}

		return nil, ReadStats{}, fmt.Errorf("wal: open %q: %w", path, err)
	}
	defer func() { _ = file.Close() }()

	return scanFile(file)
}

// scanFile implements the tolerant scan described in the WAL's read path:
// framed records are parsed via their header; anything not starting with
// the magic number falls back to a legacy bare-JSON line; corrupt or torn
// records are counted and skipped, never propagated as errors.
func scanFile(file *os.File) ([]walrec.Record, ReadStats, error) {
	_, err := file.Seek(0, 0)
	if err != nil {
		return nil, ReadStats{}, fmt.Errorf("wal: seek: %w", err)
	}

	data, err := readAll(file)
	if err != nil {
		return nil, ReadStats{}, fmt.Errorf("wal: read: %w", err)
	}

	var (
		records []walrec.Record
		stats   ReadStats
	)

	for len(data) > 0 {
		rec, n, decErr := walrec.DecodeFrame(data)

		switch {
		case decErr == nil:
			records = append(records, rec)
			data = data[n:]

			continue
		case errors.Is(decErr, walrec.ErrTornFrame):
			// The rest of the file is an incomplete write; stop scanning.
			stats.Torn++

			return records, stats, nil
		case errors.Is(decErr, walrec.ErrCorruptFrame):
			stats.Corrupt++
			data = data[n:]

			continue
		}

		// Not a framed record: try the legacy line format up to the next LF.
		idx := bytes.IndexByte(data, '\n')

		var line []byte

		if idx < 0 {
			line = data
			data = nil
		} else {
			line = data[:idx]
			data = data[idx+1:]
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		rec, legacyErr := walrec.DecodeLegacyLine(line)
		if legacyErr != nil {
			stats.Corrupt++

			continue
		}

		records = append(records, rec)
	}

	return records, stats, nil
}

func readAll(file *os.File) ([]byte, error) {
	buf, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}

	return buf, nil
}

// ReplayTarget is the subset of the in-memory issue store that replay
// needs. Implementations decide what "absent" and "replace" mean; replay
// itself only interprets the boolean applied/skip signal.
type ReplayTarget interface {
	// Add inserts is if its id is absent. Returns applied=false if the id
	// already exists (a no-op skip, not a failure).
	Add(is *issue.Issue) (applied bool, err error)
	// Replace inserts is if absent, else overwrites the stored record in
	// place without bumping version (the writer already encoded the
	// post-update issue). Always applied on success.
	Replace(is *issue.Issue) (applied bool, err error)
	// SetStatus applies a status-only op to an existing issue. Returns
	// applied=false if id is absent (skip, not a failure).
	SetStatus(id string, op walrec.Op, ts int64) (applied bool, err error)
}

// Stats summarizes a replay pass.
type Stats struct {
	Applied    int
	Skipped    int
	Failed     int
	FailureIDs []string
}

// Replay applies records to target in (ts, seq) order, per-op semantics
// defined in ReplayTarget. Replay never aborts on a single record's
// failure: it's counted and the pass continues, because merging the
// remainder still reduces WAL size and improves durability.
func Replay(records []walrec.Record, target ReplayTarget) Stats {
	sorted := append([]walrec.Record(nil), records...)
	sortRecords(sorted)

	var stats Stats

	for _, r := range sorted {
		applied, err := applyOne(r, target)

		switch {
		case err != nil:
			stats.Failed++
			stats.FailureIDs = append(stats.FailureIDs, r.ID)
		case applied:
			stats.Applied++
		default:
			stats.Skipped++
		}
	}

	return stats
}

func applyOne(r walrec.Record, target ReplayTarget) (bool, error) {
	switch r.Op {
	case walrec.OpAdd:
		is, err := decodeIssue(r)
		if err != nil {
			return false, err
		}

		return target.Add(is)
	case walrec.OpUpdate:
		is, err := decodeIssue(r)
		if err != nil {
			return false, err
		}

		return target.Replace(is)
	case walrec.OpClose, walrec.OpReopen, walrec.OpDelete, walrec.OpSetBlocked, walrec.OpUnsetBlocked:
		return target.SetStatus(r.ID, r.Op, r.TS)
	default:
		return false, fmt.Errorf("wal: replay: unknown op %q", r.Op)
	}
}

func decodeIssue(r walrec.Record) (*issue.Issue, error) {
	if len(r.Data) == 0 {
		return nil, fmt.Errorf("wal: replay %s: missing issue payload for %q", r.ID, r.Op)
	}

	var is issue.Issue

	err := json.Unmarshal(r.Data, &is)
	if err != nil {
		return nil, fmt.Errorf("wal: replay %s: decode payload: %w", r.ID, err)
	}

	return &is, nil
}

// sortRecords orders by (ts ascending, seq ascending) for deterministic
// replay across same-second writes.
func sortRecords(records []walrec.Record) {
	// Simple insertion sort: WAL files are small relative to the
	// compaction threshold (default 100 entries), and this keeps the
	// comparator trivial to audit.
	for i := 1; i < len(records); i++ {
		j := i
		for j > 0 && less(records[j], records[j-1]) {
			records[j], records[j-1] = records[j-1], records[j]
			j--
		}
	}
}

func less(a, b walrec.Record) bool {
	if a.TS != b.TS {
		return a.TS < b.TS
	}

	return a.Seq < b.Seq
}

// GenerationSource is the slice of internal/generation's Registry that the
// generation-aware reader needs, taken as an interface so this package has
// no import dependency on internal/generation.
type GenerationSource interface {
	Read() (uint64, error)
	WALPath(generation uint64) string
}

// maxGenerationRetries bounds the generation-aware read's retry loop.
const maxGenerationRetries = 3

// ReadGenerationAware implements the read path described for external
// readers (not the compactor): read generation G0, parse its WAL, read
// generation G1; if it moved, retry against the new generation. After the
// retry budget is exhausted, it accepts the latest observed generation's
// view as final rather than blocking indefinitely.
func ReadGenerationAware(src GenerationSource) ([]walrec.Record, ReadStats, uint64, error) {
	var (
		records []walrec.Record
		stats   ReadStats
		gen     uint64
	)

	for attempt := 0; attempt < maxGenerationRetries; attempt++ {
		g0, err := src.Read()
		if err != nil {
			return nil, ReadStats{}, 0, fmt.Errorf("wal: read generation: %w", err)
		}

		records, stats, err = ReadFile(src.WALPath(g0))
		if err != nil {
			return nil, ReadStats{}, 0, err
		}

		g1, err := src.Read()
		if err != nil {
			return nil, ReadStats{}, 0, fmt.Errorf("wal: read generation: %w", err)
		}

		gen = g1

		if g1 == g0 {
			return records, stats, gen, nil
		}
	}

	// Retry budget exhausted: accept the last observed generation's view.
	records, stats, err := ReadFile(src.WALPath(gen))
	if err != nil {
		return nil, ReadStats{}, 0, err
	}

	return records, stats, gen, nil
}
