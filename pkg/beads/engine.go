// Package beads is the programmatic interface to the persistence engine: a
// single-host, crash-safe issue store backed by a generation-rotated
// write-ahead log and a periodically compacted JSON-lines snapshot. It wires
// together the lock manager, generation registry, framed WAL, snapshot
// file, in-memory store, dependency graph, compactor, coordination state,
// filesystem safety probe, and transaction log described by the engine's
// design into the single handle a caller opens against a data directory.
package beads

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/hotschmoe/beads/internal/compactor"
	"github.com/hotschmoe/beads/internal/coord"
	"github.com/hotschmoe/beads/internal/depgraph"
	"github.com/hotschmoe/beads/internal/fsprobe"
	"github.com/hotschmoe/beads/internal/generation"
	"github.com/hotschmoe/beads/internal/issue"
	"github.com/hotschmoe/beads/internal/lockmgr"
	"github.com/hotschmoe/beads/internal/snapshot"
	"github.com/hotschmoe/beads/internal/store"
	"github.com/hotschmoe/beads/internal/txlog"
	"github.com/hotschmoe/beads/internal/wal"
	"github.com/hotschmoe/beads/internal/walrec"
)

// Re-exported so callers never need to import the internal packages
// directly to work with the engine's results.
type (
	Issue         = issue.Issue
	Dependency    = issue.Dependency
	Comment       = issue.Comment
	Status        = issue.Status
	Filters       = store.Filters
	SortField     = store.SortField
	SortDir       = store.SortDir
	Cycle         = depgraph.Cycle
	ReplayStats   = wal.Stats
	CompactResult = compactor.Result
)

// Sentinel errors, re-exported from the packages that originate them so
// callers can errors.Is against a single stable set of names.
var (
	ErrIssueNotFound        = store.ErrIssueNotFound
	ErrDuplicateID          = store.ErrDuplicateID
	ErrInvalidIssue         = store.ErrInvalidIssue
	ErrVersionMismatch      = store.ErrVersionMismatch
	ErrDuplicateExternalRef = store.ErrDuplicateExternalRef
	ErrSelfDependency       = depgraph.ErrSelfDependency
	ErrCycleDetected        = depgraph.ErrCycleDetected
	ErrLockFailed           = lockmgr.ErrLockFailed
	ErrLockTimeout          = lockmgr.ErrLockTimeout
)

const (
	snapshotFileName = "beads.jsonl"
	lockFileName     = "beads.lock"
	txLogCapacity    = 4096
)

// Engine is a handle on one data directory. Safe for concurrent use from
// multiple goroutines within a process; cross-process exclusion is
// provided by the lock manager, not by Engine's own state.
type Engine struct {
	dataDir      string
	snapshotPath string

	gen   *generation.Registry
	lock  *lockmgr.Manager
	coord *coord.State
	comp  *compactor.Compactor
	tx    *txlog.Log
	fsys  fsprobe.Result

	// stateMu guards the three pointers below, which are swapped together
	// on Reload and on generation rotation after a compaction. It is
	// distinct from the cross-process lock: it only serializes this
	// process's own goroutines against a concurrent Reload/rotate.
	stateMu sync.RWMutex
	st      *store.Store
	graph   *depgraph.Graph
	w       *wal.WAL
	genNo   uint64

	// snapInfo is the os.FileInfo observed for the snapshot at the end of
	// the last loadLocked, used by Reload's freshness check to tell
	// whether the snapshot was atomically replaced since then without
	// re-parsing it on every poll.
	snapInfo os.FileInfo

	nextCommentID int64
	commentMu     sync.Mutex
}

// Open opens (creating if necessary) the engine rooted at dataDir: it
// probes the filesystem for multi-host safety, loads the canonical
// snapshot, replays the current generation's WAL into it, and opens that
// WAL for further appends.
func Open(dataDir string) (*Engine, error) {
	err := os.MkdirAll(dataDir, 0o750)
	if err != nil {
		return nil, fmt.Errorf("beads: create data dir %q: %w", dataDir, err)
	}

	e := &Engine{
		dataDir:      dataDir,
		snapshotPath: filepath.Join(dataDir, snapshotFileName),
		gen:          generation.New(dataDir),
		lock:         lockmgr.New(filepath.Join(dataDir, lockFileName)),
		coord:        coord.New(),
		tx:           txlog.New(txLogCapacity),
	}
	e.comp = compactor.New(dataDir, e.gen, e.lock, e.coord)
	e.fsys = fsprobe.Probe(dataDir)

	if !e.fsys.Safe {
		e.tx.Record(txlog.Entry{Level: txlog.LevelWarn, Operation: "open", Event: "filesystem_unsafe", Detail: map[string]any{"warning": e.fsys.Warning}})
	}

	err = e.loadLocked()
	if err != nil {
		return nil, err
	}

	return e, nil
}

// loadLocked performs the generation-aware load described for the engine's
// own startup: read the current generation, load the snapshot, replay that
// generation's WAL into it, then open the WAL for further appends. Callers
// must hold stateMu for writing, except Open, which runs before the
// engine is shared.
func (e *Engine) loadLocked() error {
	records, _, gen, err := wal.ReadGenerationAware(e.gen)
	if err != nil {
		return fmt.Errorf("beads: read wal: %w", err)
	}

	issues, err := snapshot.Load(e.snapshotPath)
	if err != nil {
		return fmt.Errorf("beads: load snapshot: %w", err)
	}

	st := store.New()
	st.LoadAll(issues)

	stats := wal.Replay(records, st)
	if stats.Failed > 0 {
		e.tx.Record(txlog.Entry{Level: txlog.LevelWarn, Operation: "load", Event: "replay_failures", Detail: map[string]any{"failed": stats.Failed, "ids": stats.FailureIDs}})
	}

	w, err := wal.Open(e.gen.WALPath(gen))
	if err != nil {
		return fmt.Errorf("beads: open wal: %w", err)
	}

	if e.w != nil {
		_ = e.w.Close()
	}

	e.st = st
	e.graph = depgraph.New(st)
	e.w = w
	e.genNo = gen
	e.nextCommentID = maxCommentID(st) + 1

	if info, statErr := os.Stat(e.snapshotPath); statErr == nil {
		e.snapInfo = info
	} else {
		e.snapInfo = nil
	}

	return nil
}

// snapshotUnchangedLocked reports whether the snapshot file is, by identity
// and modification time, the same one loadLocked last read: the inode pair
// os.SameFile compares is exactly what changes across an atomic rewrite's
// rename, so a false here means some other process replaced the snapshot
// since. Callers must hold stateMu.
func (e *Engine) snapshotUnchangedLocked() (bool, error) {
	info, err := os.Stat(e.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			return e.snapInfo == nil, nil
		}

		return false, fmt.Errorf("stat %q: %w", e.snapshotPath, err)
	}

	if e.snapInfo == nil {
		return false, nil
	}

	return os.SameFile(e.snapInfo, info) && info.ModTime().Equal(e.snapInfo.ModTime()), nil
}

func maxCommentID(st *store.Store) int64 {
	var max int64

	for _, is := range st.All() {
		for _, c := range is.Comments {
			if c.ID > max {
				max = c.ID
			}
		}
	}

	return max
}

// Reload picks up changes made by another process (e.g. a peer's write or
// compaction) since the last load. As a second line of defense alongside
// the generation-aware read protocol, a long-lived reader that calls Reload
// on a poll loop rather than re-opening per call skips the snapshot
// re-parse entirely when the snapshot's identity and mtime show it has not
// been atomically replaced since the last load — the common case, since
// the snapshot only changes on compaction. The current generation's WAL is
// always re-read and replayed, since peers append to it between
// compactions without touching the snapshot at all.
func (e *Engine) Reload() error {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	unchanged, err := e.snapshotUnchangedLocked()
	if err != nil {
		return fmt.Errorf("beads: %w", err)
	}

	if !unchanged {
		return e.loadLocked()
	}

	return e.replayCurrentWALLocked()
}

// replayCurrentWALLocked re-reads and replays the current generation's WAL
// into the existing in-memory store, without re-parsing the snapshot.
// Replay is idempotent (duplicate add/update/status ops reapply
// harmlessly, per the at-most-once-apply invariant), so replaying the same
// records again on top of state that already reflects them is safe; only
// records appended since the last read change anything. If the generation
// has moved since the freshness check (a compaction raced us), falls back
// to the full reload.
func (e *Engine) replayCurrentWALLocked() error {
	records, _, gen, err := wal.ReadGenerationAware(e.gen)
	if err != nil {
		return fmt.Errorf("beads: read wal: %w", err)
	}

	if gen != e.genNo {
		return e.loadLocked()
	}

	stats := wal.Replay(records, e.st)
	if stats.Failed > 0 {
		e.tx.Record(txlog.Entry{Level: txlog.LevelWarn, Operation: "reload", Event: "replay_failures", Detail: map[string]any{"failed": stats.Failed, "ids": stats.FailureIDs}})
	}

	e.graph = depgraph.New(e.st)

	e.commentMu.Lock()
	if next := maxCommentID(e.st) + 1; next > e.nextCommentID {
		e.nextCommentID = next
	}
	e.commentMu.Unlock()

	return nil
}

// Close releases the engine's open WAL handle. It does not hold the
// cross-process lock, which is only ever held transiently per operation.
func (e *Engine) Close() error {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	if e.w == nil {
		return nil
	}

	err := e.w.Close()
	e.w = nil

	if err != nil {
		return fmt.Errorf("beads: close: %w", err)
	}

	return nil
}

// FilesystemSafety returns the result of the startup filesystem probe.
func (e *Engine) FilesystemSafety() fsprobe.Result {
	return e.fsys
}

// TxLog returns the engine's transaction log, for diagnostics or to toggle
// recording.
func (e *Engine) TxLog() *txlog.Log {
	return e.tx
}

// withWriter runs fn while holding the cross-process exclusive lock, having
// first registered as a pending writer with the coordination state (which
// may sleep briefly for back-pressure if the WAL is large). fn receives the
// store, graph, and WAL handle current as of the moment the lock was
// acquired; it must not retain them beyond its own call.
func (e *Engine) withWriter(fn func(st *store.Store, g *depgraph.Graph, w *wal.WAL) (entrySize uint64, err error)) error {
	e.coord.AcquireWriter()

	handle, _, err := e.lock.Acquire(lockmgr.DefaultTimeout)
	if err != nil {
		e.coord.ReleaseWriter(0)

		return fmt.Errorf("beads: acquire lock: %w", err)
	}

	e.stateMu.RLock()
	st, g, w := e.st, e.graph, e.w
	e.stateMu.RUnlock()

	size, fnErr := fn(st, g, w)

	releaseMetrics := handle.Release()
	e.coord.ReleaseWriter(size)

	e.tx.Record(txlog.Entry{Level: txlog.LevelDebug, Operation: "writer", Event: "release", DurationNS: releaseMetrics.HoldTime.Nanoseconds()})

	return fnErr
}

// appendIssue WAL-logs op with is's current full state, matching the
// spec's rule that mutations are logged whole-issue and that the stored
// version already reflects the post-update value (replay never bumps it).
func appendIssue(w *wal.WAL, op walrec.Op, ts int64, is *issue.Issue) (uint64, error) {
	data, err := json.Marshal(is)
	if err != nil {
		return 0, fmt.Errorf("beads: encode %s: %w", is.ID, err)
	}

	_, err = w.Append(op, ts, is.ID, data)
	if err != nil {
		return 0, fmt.Errorf("beads: append wal: %w", err)
	}

	return uint64(len(data)), nil
}

// appendStatus WAL-logs a status-only op (no issue payload).
func appendStatus(w *wal.WAL, op walrec.Op, ts int64, id string) (uint64, error) {
	_, err := w.Append(op, ts, id, nil)
	if err != nil {
		return 0, fmt.Errorf("beads: append wal: %w", err)
	}

	return walrec.HeaderSize + uint64(len(id)) + 32, nil
}

// Insert adds a new issue at version 1 and durably logs it as an add
// record.
func (e *Engine) Insert(is *issue.Issue, now int64) (*issue.Issue, error) {
	if is == nil {
		return nil, fmt.Errorf("beads: insert: %w: nil issue", ErrInvalidIssue)
	}

	clone := is.Clone()
	if clone.CreatedAt == 0 {
		clone.CreatedAt = now
	}

	if clone.Status == "" {
		clone.Status = issue.StatusOpen
	}

	clone.UpdatedAt = now
	clone.Version = 1

	if err := issue.Validate(clone); err != nil {
		return nil, err
	}

	var result *issue.Issue

	err := e.withWriter(func(st *store.Store, _ *depgraph.Graph, w *wal.WAL) (uint64, error) {
		err := st.Insert(clone)
		if err != nil {
			return 0, err
		}

		size, err := appendIssue(w, walrec.OpAdd, now, clone)
		if err != nil {
			return 0, err
		}

		result = clone.Clone()

		return size, nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// Get returns a deep-cloned snapshot of the issue.
func (e *Engine) Get(id string) (*issue.Issue, error) {
	return e.snapshotStore().Get(id)
}

// GetWithRelations returns the same structure as Get (relations are
// embedded in the record).
func (e *Engine) GetWithRelations(id string) (*issue.Issue, error) {
	return e.snapshotStore().GetWithRelations(id)
}

func (e *Engine) snapshotStore() *store.Store {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()

	return e.st
}

func (e *Engine) snapshotGraph() *depgraph.Graph {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()

	return e.graph
}

// Update applies mutate to the stored issue (optimistic concurrency via
// expectedVersion, nil to skip the check), then logs the post-update issue
// as an update record.
func (e *Engine) Update(id string, expectedVersion *int64, now int64, mutate func(*issue.Issue)) (*issue.Issue, error) {
	var result *issue.Issue

	err := e.withWriter(func(st *store.Store, _ *depgraph.Graph, w *wal.WAL) (uint64, error) {
		updated, err := st.Update(id, expectedVersion, now, mutate)
		if err != nil {
			return 0, err
		}

		size, err := appendIssue(w, walrec.OpUpdate, now, updated)
		if err != nil {
			return 0, err
		}

		result = updated

		return size, nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// statusOp applies a store-level status mutator, then logs a status-only
// record.
func (e *Engine) statusOp(id string, now int64, op walrec.Op, apply func(*store.Store, string, int64) error) error {
	return e.withWriter(func(st *store.Store, _ *depgraph.Graph, w *wal.WAL) (uint64, error) {
		err := apply(st, id, now)
		if err != nil {
			return 0, err
		}

		return appendStatus(w, op, now, id)
	})
}

// CloseIssue marks an issue closed.
func (e *Engine) CloseIssue(id, reason string, now int64) error {
	return e.statusOp(id, now, walrec.OpClose, func(st *store.Store, id string, now int64) error {
		_, err := st.Update(id, nil, now, func(is *issue.Issue) {
			is.Status = issue.StatusClosed
			is.ClosedAt = &now
			if reason != "" {
				is.CloseReason = reason
			}
		})

		return err
	})
}

// Reopen reverts a closed issue to open.
func (e *Engine) Reopen(id string, now int64) error {
	return e.statusOp(id, now, walrec.OpReopen, func(st *store.Store, id string, now int64) error {
		_, err := st.Update(id, nil, now, func(is *issue.Issue) {
			is.Status = issue.StatusOpen
			is.ClosedAt = nil
		})

		return err
	})
}

// Delete logically deletes (tombstones) an issue.
func (e *Engine) Delete(id string, now int64) error {
	return e.statusOp(id, now, walrec.OpDelete, func(st *store.Store, id string, now int64) error {
		return st.Delete(id, now)
	})
}

// SetBlocked marks an issue blocked.
func (e *Engine) SetBlocked(id string, now int64) error {
	return e.statusOp(id, now, walrec.OpSetBlocked, func(st *store.Store, id string, now int64) error {
		_, err := st.Update(id, nil, now, func(is *issue.Issue) {
			is.Status = issue.StatusBlocked
		})

		return err
	})
}

// UnsetBlocked reverts a blocked issue to open.
func (e *Engine) UnsetBlocked(id string, now int64) error {
	return e.statusOp(id, now, walrec.OpUnsetBlocked, func(st *store.Store, id string, now int64) error {
		_, err := st.Update(id, nil, now, func(is *issue.Issue) {
			if is.Status == issue.StatusBlocked {
				is.Status = issue.StatusOpen
			}
		})

		return err
	})
}

// AddLabel adds label to id (idempotent), logging the post-change issue as
// an update record since the WAL has no dedicated label op.
func (e *Engine) AddLabel(id, label string, now int64) error {
	return e.mutateAndLog(id, now, func(is *issue.Issue) {
		if !is.HasLabel(label) {
			is.Labels = append(is.Labels, label)
		}
	})
}

// RemoveLabel removes label from id if present.
func (e *Engine) RemoveLabel(id, label string, now int64) error {
	return e.mutateAndLog(id, now, func(is *issue.Issue) {
		out := is.Labels[:0]

		for _, l := range is.Labels {
			if l != label {
				out = append(out, l)
			}
		}

		is.Labels = out
	})
}

// AddComment appends a comment to id, assigning it the next monotonic
// comment id.
func (e *Engine) AddComment(id, author, body string, now int64) (issue.Comment, error) {
	e.commentMu.Lock()
	cid := e.nextCommentID
	e.nextCommentID++
	e.commentMu.Unlock()

	comment := issue.Comment{ID: cid, IssueID: id, Author: author, Body: body, CreatedAt: now}

	err := e.mutateAndLog(id, now, func(is *issue.Issue) {
		is.Comments = append(is.Comments, comment)
	})
	if err != nil {
		return issue.Comment{}, err
	}

	return comment, nil
}

// mutateAndLog runs a plain field mutator through store.Update (no
// optimistic-concurrency check) and logs the resulting issue as an update
// record, all under one writer/lock acquisition.
func (e *Engine) mutateAndLog(id string, now int64, mutate func(*issue.Issue)) error {
	return e.withWriter(func(st *store.Store, _ *depgraph.Graph, w *wal.WAL) (uint64, error) {
		updated, err := st.Update(id, nil, now, mutate)
		if err != nil {
			return 0, err
		}

		return appendIssue(w, walrec.OpUpdate, now, updated)
	})
}

// AddDependency adds dep to the graph (rejecting self-dependencies and
// cycles) and logs the owning issue's post-change state.
func (e *Engine) AddDependency(dep issue.Dependency) error {
	return e.withWriter(func(st *store.Store, g *depgraph.Graph, w *wal.WAL) (uint64, error) {
		err := g.AddDependency(dep)
		if err != nil {
			return 0, err
		}

		owner, err := st.Get(dep.IssueID)
		if err != nil {
			return 0, err
		}

		return appendIssue(w, walrec.OpUpdate, dep.CreatedAt, owner)
	})
}

// RemoveDependency removes the edge if present.
func (e *Engine) RemoveDependency(issueID, dependsOnID string, now int64) error {
	return e.withWriter(func(st *store.Store, g *depgraph.Graph, w *wal.WAL) (uint64, error) {
		err := g.RemoveDependency(issueID, dependsOnID, now)
		if err != nil {
			return 0, err
		}

		owner, err := st.Get(issueID)
		if err != nil {
			return 0, err
		}

		return appendIssue(w, walrec.OpUpdate, now, owner)
	})
}

// List returns a filtered, sorted, paginated slice of issues.
func (e *Engine) List(f store.Filters) []*issue.Issue {
	return e.snapshotStore().List(f)
}

// Count returns per-group counts, or a single total if groupBy is empty.
func (e *Engine) Count(groupBy string) map[string]int {
	return e.snapshotStore().Count(groupBy)
}

// FindSimilarIDs returns up to k ids similar to target, for "did you mean"
// suggestions.
func (e *Engine) FindSimilarIDs(target string, k int) []string {
	return e.snapshotStore().FindSimilarIDs(target, k)
}

// GetReady returns open, unblocked, non-deferred issues.
func (e *Engine) GetReady(now int64) []*issue.Issue {
	return e.snapshotGraph().GetReadyIssues(now)
}

// GetBlocked returns open issues with at least one open blocker.
func (e *Engine) GetBlocked(now int64) []*issue.Issue {
	return e.snapshotGraph().GetBlockedIssues(now)
}

// GetBlockers returns the open blockers of issueID.
func (e *Engine) GetBlockers(issueID string) ([]*issue.Issue, error) {
	return e.snapshotGraph().GetBlockers(issueID)
}

// DetectCycles runs a full cycle scan over the dependency graph.
func (e *Engine) DetectCycles() []depgraph.Cycle {
	return e.snapshotGraph().DetectCycles()
}

// SyncToDisk confirms every dirty issue is durable. Every mutator above
// already WAL-appends and fsyncs within the same writer/lock acquisition
// that changed the issue, so by the time a mutator returns its effect is
// already durable; this call exists to let a caller clear the dirty
// bookkeeping once it has confirmed that, e.g. after a batch of writes.
func (e *Engine) SyncToDisk() {
	st := e.snapshotStore()

	for _, id := range st.GetDirtyIDs() {
		st.ClearDirty(id)
	}
}

// MaybeCompact runs a compaction pass only if the WAL has grown past the
// configured thresholds and no writers are currently pending.
func (e *Engine) MaybeCompact() (compactor.Result, error) {
	res, err := e.comp.MaybeCompact()
	if err != nil {
		return res, err
	}

	if res.Ran {
		e.onCompacted(res)
	}

	return res, nil
}

// MaybeCompactWithWait behaves like MaybeCompact but waits briefly for
// pending writers to drain before giving up for this trigger.
func (e *Engine) MaybeCompactWithWait() (compactor.Result, error) {
	res, err := e.comp.MaybeCompactWithWait()
	if err != nil {
		return res, err
	}

	if res.Ran {
		e.onCompacted(res)
	}

	return res, nil
}

// ForceCompact runs the compaction procedure unconditionally.
func (e *Engine) ForceCompact() (compactor.Result, error) {
	res, err := e.comp.ForceCompact()
	if err != nil {
		return res, err
	}

	if res.Ran {
		e.onCompacted(res)
	}

	return res, nil
}

// onCompacted reloads the engine's in-memory state from the freshly
// written snapshot and rotates to the new generation's (empty) WAL for
// subsequent appends, since the compactor deletes the prior generation's
// file out from under any handle still pointing at it.
func (e *Engine) onCompacted(res compactor.Result) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	err := e.loadLocked()
	if err != nil {
		e.tx.Record(txlog.Entry{Level: txlog.LevelError, Operation: "compact", Event: "reload_failed", Detail: map[string]any{"error": err.Error()}})

		return
	}

	e.tx.Record(txlog.Entry{Level: txlog.LevelInfo, Operation: "compact", Event: "rotated", Detail: map[string]any{"generation": res.NewGeneration, "issues": res.IssueCount}})
}

// SetBackupsEnabled toggles the pre-compaction backup.
func (e *Engine) SetBackupsEnabled(enabled bool) {
	e.comp.SetBackupsEnabled(enabled)
}

// SetBackupRetention overrides how many backup directories are kept.
func (e *Engine) SetBackupRetention(n int) {
	e.comp.SetRetention(n)
}

// errors.Is/As friendly check used by callers that want to distinguish a
// not-found lookup from other failures without importing internal/store.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrIssueNotFound)
}
