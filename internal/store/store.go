// Package store implements the in-memory issue collection: an ordered
// sequence of issues with id-based lookup, dirty tracking, optimistic
// versioning, filtered listing, grouped counts, and fuzzy id suggestion.
// The store owns all issue memory; every getter returns a deep clone so
// callers never alias it.
package store

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/hotschmoe/beads/internal/issue"
	"github.com/hotschmoe/beads/internal/walrec"
)

// Sentinel failure kinds, matching the taxonomy the spec assigns to the
// in-memory store.
var (
	ErrIssueNotFound        = errors.New("issue not found")
	ErrDuplicateID          = errors.New("duplicate issue id")
	ErrInvalidIssue         = errors.New("invalid issue")
	ErrVersionMismatch      = errors.New("version mismatch")
	ErrDuplicateExternalRef = errors.New("duplicate external_ref")
)

// Store is the in-memory issue collection. Zero value is not usable; use
// New. Safe for concurrent use by multiple goroutines within one process
// (cross-process exclusion is the lock manager's job, not this store's).
type Store struct {
	mu sync.RWMutex

	issues   []*issue.Issue
	index    map[string]int    // id -> position in issues
	dirty    map[string]int64
	refIndex map[string]string // external_ref -> owning issue id, when set
}

// New returns an empty store.
func New() *Store {
	return &Store{
		index:    make(map[string]int),
		dirty:    make(map[string]int64),
		refIndex: make(map[string]string),
	}
}

// Insert adds a new issue, failing with ErrDuplicateID if id is already
// present. The issue is cloned before being indexed and marked dirty.
func (s *Store) Insert(is *issue.Issue) error {
	if is == nil {
		return fmt.Errorf("store: insert: %w: nil issue", ErrInvalidIssue)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[is.ID]; ok {
		return fmt.Errorf("store: insert %q: %w", is.ID, ErrDuplicateID)
	}

	if is.ExternalRef != "" {
		if owner, ok := s.refIndex[is.ExternalRef]; ok {
			return fmt.Errorf("store: insert %q: %w: external_ref %q already used by %q", is.ID, ErrDuplicateExternalRef, is.ExternalRef, owner)
		}
	}

	clone := is.Clone()
	s.index[is.ID] = len(s.issues)
	s.issues = append(s.issues, clone)
	s.markDirtyLocked(is.ID, clone.UpdatedAt)
	s.setExternalRefLocked("", clone.ExternalRef, clone.ID)

	return nil
}

// Get returns a deep-cloned snapshot of the issue, or ErrIssueNotFound.
func (s *Store) Get(id string) (*issue.Issue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	is, err := s.lookupLocked(id)
	if err != nil {
		return nil, err
	}

	return is.Clone(), nil
}

// GetWithRelations returns the same structure as Get: labels, dependencies,
// and comments are embedded in the issue record, so there is nothing
// additional to join.
func (s *Store) GetWithRelations(id string) (*issue.Issue, error) {
	return s.Get(id)
}

func (s *Store) lookupLocked(id string) (*issue.Issue, error) {
	i, ok := s.index[id]
	if !ok {
		return nil, fmt.Errorf("store: %q: %w", id, ErrIssueNotFound)
	}

	return s.issues[i], nil
}

// Update applies the provided mutator to the stored issue, with
// optimistic-concurrency enforcement: if expectedVersion is non-nil and
// differs from the stored version, the update fails with
// ErrVersionMismatch and leaves the issue untouched. On success sets
// updated_at to now, bumps version, and marks the issue dirty.
func (s *Store) Update(id string, expectedVersion *int64, now int64, mutate func(*issue.Issue)) (*issue.Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.lookupLocked(id)
	if err != nil {
		return nil, err
	}

	if expectedVersion != nil && *expectedVersion != stored.Version {
		return nil, fmt.Errorf("store: update %q: %w: expected %d, have %d", id, ErrVersionMismatch, *expectedVersion, stored.Version)
	}

	working := stored.Clone()
	mutate(working)

	if err := issue.Validate(working); err != nil {
		return nil, fmt.Errorf("store: update %q: %w", id, err)
	}

	if working.ExternalRef != "" && working.ExternalRef != stored.ExternalRef {
		if owner, ok := s.refIndex[working.ExternalRef]; ok && owner != id {
			return nil, fmt.Errorf("store: update %q: %w: external_ref %q already used by %q", id, ErrDuplicateExternalRef, working.ExternalRef, owner)
		}
	}

	working.UpdatedAt = now
	working.Version = stored.Version + 1

	s.issues[s.index[id]] = working
	s.markDirtyLocked(id, now)
	s.setExternalRefLocked(stored.ExternalRef, working.ExternalRef, id)

	return working.Clone(), nil
}

// setExternalRefLocked moves id's external_ref index entry from oldRef to
// newRef (either may be empty). Caller must hold s.mu for writing.
func (s *Store) setExternalRefLocked(oldRef, newRef, id string) {
	if oldRef != "" && oldRef != newRef {
		delete(s.refIndex, oldRef)
	}

	if newRef != "" {
		s.refIndex[newRef] = id
	}
}

// Delete implements logical deletion: it is update(id, {status: tombstone}, now).
func (s *Store) Delete(id string, now int64) error {
	_, err := s.Update(id, nil, now, func(is *issue.Issue) {
		is.Status = issue.StatusTombstone
	})

	return err
}

// AddLabel is an idempotent membership change: adding an already-present
// label is a silent no-op.
func (s *Store) AddLabel(id, label string, now int64) error {
	current, err := s.Get(id)
	if err != nil {
		return err
	}

	if current.HasLabel(label) {
		return nil
	}

	_, err = s.Update(id, nil, now, func(is *issue.Issue) {
		if is.HasLabel(label) {
			return
		}

		is.Labels = append(is.Labels, label)
	})

	return err
}

// RemoveLabel removes label if present; removing an absent label is a
// no-op, not an error.
func (s *Store) RemoveLabel(id, label string, now int64) error {
	current, err := s.Get(id)
	if err != nil {
		return err
	}

	if !current.HasLabel(label) {
		return nil
	}

	_, err = s.Update(id, nil, now, func(is *issue.Issue) {
		out := is.Labels[:0]

		for _, l := range is.Labels {
			if l != label {
				out = append(out, l)
			}
		}

		is.Labels = out
	})

	return err
}

// AddComment appends a comment whose id is caller-assigned and trusted.
func (s *Store) AddComment(id string, c issue.Comment) error {
	_, err := s.Update(id, nil, c.CreatedAt, func(is *issue.Issue) {
		is.Comments = append(is.Comments, c)
	})

	return err
}

// markDirtyLocked records id as dirty as of ts. Caller must hold s.mu.
func (s *Store) markDirtyLocked(id string, ts int64) {
	s.dirty[id] = ts
}

// MarkDirty records id as dirty as of now.
func (s *Store) MarkDirty(id string, now int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.markDirtyLocked(id, now)
}

// ClearDirty removes id from the dirty set, typically after a successful
// sync to disk.
func (s *Store) ClearDirty(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.dirty, id)
}

// GetDirtyIDs returns the ids currently marked dirty, in no particular
// order.
func (s *Store) GetDirtyIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.dirty))
	for id := range s.dirty {
		ids = append(ids, id)
	}

	return ids
}

// IsDirty reports whether id is currently marked dirty.
func (s *Store) IsDirty(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.dirty[id]

	return ok
}

// Filters selects and orders the result of List.
type Filters struct {
	Status          issue.Status // empty = any
	IssueType       issue.Type   // empty = any
	Assignee        string
	Label           string
	TitleSubstring  string // case-insensitive substring match against title
	IncludeTomb     bool   // include tombstoned issues
	IncludeDeferred bool   // include issues whose defer_until is in the future
	Overdue         bool   // only issues with due_at in the past
	Now             int64  // reference time for Overdue/IncludeDeferred

	SortBy  SortField
	SortDir SortDir

	Limit  int // 0 = unlimited
	Offset int
}

// SortField names a sortable column.
type SortField string

const (
	SortCreatedAt SortField = "created_at"
	SortUpdatedAt SortField = "updated_at"
	SortPriority  SortField = "priority"
)

// SortDir is ascending or descending.
type SortDir string

const (
	Asc  SortDir = "asc"
	Desc SortDir = "desc"
)

// List returns a filtered, sorted, paginated slice of cloned issues.
func (s *Store) List(f Filters) []*issue.Issue {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*issue.Issue, 0, len(s.issues))

	for _, is := range s.issues {
		if matches(is, f) {
			matched = append(matched, is)
		}
	}

	sortIssues(matched, f.SortBy, f.SortDir)

	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			return nil
		}

		matched = matched[f.Offset:]
	}

	if f.Limit > 0 && f.Limit < len(matched) {
		matched = matched[:f.Limit]
	}

	out := make([]*issue.Issue, len(matched))
	for i, is := range matched {
		out[i] = is.Clone()
	}

	return out
}

func matches(is *issue.Issue, f Filters) bool {
	if is.Status == issue.StatusTombstone && !f.IncludeTomb {
		return false
	}

	if !f.IncludeDeferred && is.DeferUntil != nil && *is.DeferUntil > f.Now {
		return false
	}

	if f.Overdue {
		if is.DueAt == nil || *is.DueAt >= f.Now {
			return false
		}
	}

	if f.Status != "" && is.Status != f.Status {
		return false
	}

	if f.IssueType != "" && is.Type != f.IssueType {
		return false
	}

	if f.Assignee != "" && is.Assignee != f.Assignee {
		return false
	}

	if f.Label != "" && !is.HasLabel(f.Label) {
		return false
	}

	if f.TitleSubstring != "" && !strings.Contains(strings.ToLower(is.Title), strings.ToLower(f.TitleSubstring)) {
		return false
	}

	return true
}

func sortIssues(issues []*issue.Issue, field SortField, dir SortDir) {
	less := func(i, j int) bool {
		a, b := issues[i], issues[j]

		switch field {
		case SortUpdatedAt:
			return a.UpdatedAt < b.UpdatedAt
		case SortPriority:
			return a.Priority < b.Priority
		case SortCreatedAt:
			fallthrough
		default:
			return a.CreatedAt < b.CreatedAt
		}
	}

	if dir == Desc {
		base := less
		less = func(i, j int) bool { return base(j, i) }
	}

	sort.SliceStable(issues, less)
}

// Count returns the total number of non-tombstoned issues, or, if groupBy
// is non-empty, per-group counts keyed by the issue's value for that
// field ("status" or "issue_type"; any other value groups everything
// under a single empty-string key).
func (s *Store) Count(groupBy string) map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int)

	for _, is := range s.issues {
		if is.Status == issue.StatusTombstone {
			continue
		}

		key := ""

		switch groupBy {
		case "status":
			key = string(is.Status)
		case "issue_type":
			key = string(is.Type)
		}

		counts[key]++
	}

	return counts
}

// Similarity scoring weights, per the spec's composite "did you mean" score.
const (
	scoreExactPrefix     = 100
	scorePerCommonPrefix = 5
	scoreSubstring       = 30
	scoreCloseLength     = 10
	closeLengthDelta     = 2
)

// scored pairs an id with its similarity score for ranking.
type scored struct {
	id    string
	score int
}

// FindSimilarIDs returns up to k ids ranked by a composite similarity score
// against target: exact-prefix match in either direction, common prefix
// length, substring containment, and closeness of length.
func (s *Store) FindSimilarIDs(target string, k int) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lowerTarget := strings.ToLower(target)

	var candidates []scored

	for _, is := range s.issues {
		if is.ID == target {
			continue
		}

		lowerID := strings.ToLower(is.ID)

		score := 0

		if strings.HasPrefix(lowerID, lowerTarget) || strings.HasPrefix(lowerTarget, lowerID) {
			score += scoreExactPrefix
		}

		score += scorePerCommonPrefix * commonPrefixLen(lowerID, lowerTarget)

		if strings.Contains(lowerID, lowerTarget) || strings.Contains(lowerTarget, lowerID) {
			score += scoreSubstring
		}

		if abs(len(lowerID)-len(lowerTarget)) <= closeLengthDelta {
			score += scoreCloseLength
		}

		if score > 0 {
			candidates = append(candidates, scored{id: is.ID, score: score})
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	if k > 0 && k < len(candidates) {
		candidates = candidates[:k]
	}

	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.id
	}

	return out
}

func commonPrefixLen(a, b string) int {
	n := 0

	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}

	return n
}

func abs(n int) int {
	if n < 0 {
		return -n
	}

	return n
}

// All returns a deep-cloned copy of every issue in insertion order,
// including tombstones, for the snapshot writer to serialize.
func (s *Store) All() []*issue.Issue {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*issue.Issue, len(s.issues))
	for i, is := range s.issues {
		out[i] = is.Clone()
	}

	return out
}

// LoadAll replaces the store's contents wholesale (used when loading a
// snapshot into a fresh store before replay). It does not mark anything
// dirty: a freshly loaded snapshot is, by definition, already durable.
func (s *Store) LoadAll(issues []*issue.Issue) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.issues = s.issues[:0]
	s.index = make(map[string]int, len(issues))
	s.refIndex = make(map[string]string, len(issues))

	for _, is := range issues {
		clone := is.Clone()
		s.index[clone.ID] = len(s.issues)
		s.issues = append(s.issues, clone)
		s.setExternalRefLocked("", clone.ExternalRef, clone.ID)
	}
}

// The remaining methods implement wal.ReplayTarget so the store can serve
// as a replay destination directly.

// Add implements wal.ReplayTarget: insert is if absent; skip (applied=false,
// no error) if the id already exists.
func (s *Store) Add(is *issue.Issue) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[is.ID]; ok {
		return false, nil
	}

	clone := is.Clone()
	s.index[is.ID] = len(s.issues)
	s.issues = append(s.issues, clone)
	s.markDirtyLocked(is.ID, clone.UpdatedAt)
	s.setExternalRefLocked("", clone.ExternalRef, clone.ID)

	return true, nil
}

// Replace implements wal.ReplayTarget: insert is if absent, else overwrite
// the stored record in place without bumping version, matching the spec's
// replay rule that the writer already encoded the post-update issue.
func (s *Store) Replace(is *issue.Issue) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := is.Clone()

	oldRef := ""

	if i, ok := s.index[is.ID]; ok {
		oldRef = s.issues[i].ExternalRef
		s.issues[i] = clone
	} else {
		s.index[is.ID] = len(s.issues)
		s.issues = append(s.issues, clone)
	}

	s.markDirtyLocked(is.ID, clone.UpdatedAt)
	s.setExternalRefLocked(oldRef, clone.ExternalRef, clone.ID)

	return true, nil
}

// SetStatus implements wal.ReplayTarget: applies a status-only op to an
// existing issue. Skips (applied=false, no error) if id is absent.
func (s *Store) SetStatus(id string, op walrec.Op, ts int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.index[id]
	if !ok {
		return false, nil
	}

	is := s.issues[i]

	switch op {
	case walrec.OpClose:
		is.Status = issue.StatusClosed
		is.ClosedAt = &ts
	case walrec.OpReopen:
		is.Status = issue.StatusOpen
		is.ClosedAt = nil
	case walrec.OpDelete:
		is.Status = issue.StatusTombstone
	case walrec.OpSetBlocked:
		is.Status = issue.StatusBlocked
	case walrec.OpUnsetBlocked:
		if is.Status == issue.StatusBlocked {
			is.Status = issue.StatusOpen
		}
	default:
		return false, fmt.Errorf("store: replay: unsupported status op %q", op)
	}

	is.UpdatedAt = ts
	s.markDirtyLocked(id, ts)

	return true, nil
}

// Len returns the total number of issues, including tombstones.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.issues)
}
