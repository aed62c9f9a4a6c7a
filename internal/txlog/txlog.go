// Package txlog implements the bounded ring-buffer transaction log: a
// record of structured entries, each carrying a generated correlation id,
// consulted by diagnostics rather than by any control-flow decision in the
// engine itself.
package txlog

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Level is the severity of a transaction-log entry.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Entry is one recorded event.
type Entry struct {
	CorrelationID string         `json:"correlation_id"`
	TimestampNS   int64          `json:"ts_ns"`
	Level         Level          `json:"level"`
	Operation     string         `json:"operation"`
	Event         string         `json:"event"`
	PID           int            `json:"pid"`
	Actor         string         `json:"actor,omitempty"`
	Detail        map[string]any `json:"detail,omitempty"`
	DurationNS    int64          `json:"duration_ns,omitempty"`
}

// JSONLine renders the entry as a single compact JSON line.
func (e Entry) JSONLine() (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("txlog: encode entry: %w", err)
	}

	return string(data), nil
}

// HumanLine renders the entry in a short human-readable form.
func (e Entry) HumanLine() string {
	ts := time.Unix(0, e.TimestampNS).UTC().Format(time.RFC3339Nano)

	line := fmt.Sprintf("[%s] %s %s/%s pid=%d corr=%s", ts, e.Level, e.Operation, e.Event, e.PID, e.CorrelationID)

	if e.Actor != "" {
		line += " actor=" + e.Actor
	}

	if e.DurationNS > 0 {
		line += fmt.Sprintf(" dur=%s", time.Duration(e.DurationNS))
	}

	return line
}

// Log is a bounded ring buffer of Entry values, safe for concurrent use.
type Log struct {
	mu      sync.Mutex
	entries []Entry
	cap     int
	next    int
	full    bool

	enabled atomic.Bool
}

// New returns a Log holding at most capacity entries. The log starts
// enabled.
func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = 1
	}

	l := &Log{entries: make([]Entry, capacity), cap: capacity}
	l.enabled.Store(true)

	return l
}

// SetEnabled toggles recording; when disabled, Record is a no-op. This
// mirrors the spec's process-global enable flag, scoped here to the Log
// instance the engine constructs once per process.
func (l *Log) SetEnabled(enabled bool) {
	l.enabled.Store(enabled)
}

// Enabled reports the current enable state.
func (l *Log) Enabled() bool {
	return l.enabled.Load()
}

// Begin starts a new correlation id for an operation and returns a Recorder
// bound to it.
func (l *Log) Begin(operation, actor string) *Recorder {
	return &Recorder{log: l, correlationID: uuid.NewString(), operation: operation, actor: actor, start: time.Now()}
}

// Record appends an entry, overwriting the oldest one once the buffer is
// full. A no-op when the log is disabled.
func (l *Log) Record(e Entry) {
	if !l.enabled.Load() {
		return
	}

	if e.PID == 0 {
		e.PID = os.Getpid()
	}

	if e.TimestampNS == 0 {
		e.TimestampNS = time.Now().UnixNano()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries[l.next] = e
	l.next = (l.next + 1) % l.cap

	if l.next == 0 {
		l.full = true
	}
}

// Entries returns a copy of the currently buffered entries in chronological
// order (oldest first).
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.full {
		out := make([]Entry, l.next)
		copy(out, l.entries[:l.next])

		return out
	}

	out := make([]Entry, l.cap)
	copy(out, l.entries[l.next:])
	copy(out[l.cap-l.next:], l.entries[:l.next])

	return out
}

// Recorder accumulates context for a single correlated operation so
// multiple events (start, progress, end) share one correlation id.
type Recorder struct {
	log           *Log
	correlationID string
	operation     string
	actor         string
	start         time.Time
}

// Event records one event under this recorder's correlation id.
func (r *Recorder) Event(level Level, event string, detail map[string]any) {
	r.log.Record(Entry{
		CorrelationID: r.correlationID,
		Level:         level,
		Operation:     r.operation,
		Event:         event,
		Actor:         r.actor,
		Detail:        detail,
	})
}

// End records a terminal event with the elapsed duration since Begin.
func (r *Recorder) End(level Level, event string, detail map[string]any) {
	r.log.Record(Entry{
		CorrelationID: r.correlationID,
		Level:         level,
		Operation:     r.operation,
		Event:         event,
		Actor:         r.actor,
		Detail:        detail,
		DurationNS:    time.Since(r.start).Nanoseconds(),
	})
}

// CorrelationID returns the id generated for this recorder.
func (r *Recorder) CorrelationID() string {
	return r.correlationID
}
