// Package issue defines the on-disk and in-memory record types for a single
// issue: its scalar fields, enumerated status/priority/type, and the
// embedded labels, dependencies, and comments that travel with it.
package issue

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// Status is the lifecycle state of an issue. Known values are closed; any
// other non-empty string is accepted as a custom status.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusDeferred   Status = "deferred"
	StatusClosed     Status = "closed"
	StatusTombstone  Status = "tombstone"
)

// IsTerminal reports whether status excludes the issue from blocker
// resolution (closed and tombstoned issues never block anything).
func (s Status) IsTerminal() bool {
	return s == StatusClosed || s == StatusTombstone
}

// Type is the issue_type enumeration. Any non-empty string beyond the known
// set is accepted as a custom type.
type Type string

const (
	TypeTask    Type = "task"
	TypeBug     Type = "bug"
	TypeFeature Type = "feature"
	TypeEpic    Type = "epic"
	TypeChore   Type = "chore"
)

// DepType is the dep_type enumeration for a Dependency edge.
type DepType string

const (
	DepBlocks            DepType = "blocks"
	DepWaitsFor          DepType = "waits_for"
	DepConditionalBlocks DepType = "conditional_blocks"
	DepRelated           DepType = "related"
	DepParentOf          DepType = "parent_of"
	DepChildOf           DepType = "child_of"
	DepDiscoveredFrom    DepType = "discovered_from"
)

// blockingDepTypes form the subset of dependency types that make the target
// issue a blocker of the source issue.
var blockingDepTypes = map[DepType]bool{
	DepBlocks:            true,
	DepWaitsFor:          true,
	DepConditionalBlocks: true,
}

// IsBlocking reports whether a dependency of this type counts toward
// blocker resolution.
func (d DepType) IsBlocking() bool {
	return blockingDepTypes[d]
}

const (
	MinPriority     = 0
	MaxPriority     = 4
	DefaultPriority = 2

	MaxTitleLen = 500
)

// Sentinel validation errors. Wrapped with field context via fmt.Errorf.
var (
	ErrTitleTooLong        = errors.New("title exceeds maximum length")
	ErrTitleEmpty          = errors.New("title is empty")
	ErrPriorityRange       = errors.New("priority out of range")
	ErrInvalidIssue        = errors.New("invalid issue")
	ErrContentHashMismatch = errors.New("content_hash does not match issue content")
)

// ContentHashPrefixLen is the number of hex characters of the SHA-256 digest
// retained in ContentHash: enough to catch accidental corruption or a stale
// copy without carrying the full 64-char digest on every record.
const ContentHashPrefixLen = 16

// ComputeContentHash derives a short SHA-256-prefix fingerprint of is's
// textual content (title, description, design, acceptance criteria), the
// same fields a caller would diff to decide whether two copies of an issue
// have actually diverged.
func ComputeContentHash(is *Issue) string {
	h := sha256.New()
	h.Write([]byte(is.Title))
	h.Write([]byte{0})
	h.Write([]byte(is.Description))
	h.Write([]byte{0})
	h.Write([]byte(is.Design))
	h.Write([]byte{0})
	h.Write([]byte(is.AcceptanceCriteria))

	return hex.EncodeToString(h.Sum(nil))[:ContentHashPrefixLen]
}

// Dependency is a directed edge from the owning issue to depends_on_id.
type Dependency struct {
	IssueID     string         `json:"issue_id"`
	DependsOnID string         `json:"depends_on_id"`
	DepType     DepType        `json:"dep_type"`
	CreatedAt   int64          `json:"created_at"`
	CreatedBy   string         `json:"created_by,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	ThreadID    string         `json:"thread_id,omitempty"`
}

// Key identifies a dependency edge for idempotent add/remove.
func (d Dependency) Key() (string, string) {
	return d.IssueID, d.DependsOnID
}

// Comment is an append-only note attached to an issue.
type Comment struct {
	ID        int64  `json:"id"`
	IssueID   string `json:"issue_id"`
	Author    string `json:"author,omitempty"`
	Body      string `json:"body"`
	CreatedAt int64  `json:"created_at"`
}

// Issue is the primary record. Relations are embedded so get and
// get_with_relations return the same structure.
type Issue struct {
	ID    string `json:"id"`
	Title string `json:"title"`

	Description        string `json:"description,omitempty"`
	Design             string `json:"design,omitempty"`
	AcceptanceCriteria string `json:"acceptance_criteria,omitempty"`
	Notes              string `json:"notes,omitempty"`
	CloseReason        string `json:"close_reason,omitempty"`
	ExternalRef        string `json:"external_ref,omitempty"`
	SourceSystem       string `json:"source_system,omitempty"`
	ContentHash        string `json:"content_hash,omitempty"`
	Assignee           string `json:"assignee,omitempty"`
	Owner              string `json:"owner,omitempty"`
	CreatedBy          string `json:"created_by,omitempty"`
	ClosedBySession    string `json:"closed_by_session,omitempty"`

	Status   Status `json:"status"`
	Priority int    `json:"priority"`
	Type     Type   `json:"issue_type"`

	CreatedAt  int64  `json:"created_at"`
	UpdatedAt  int64  `json:"updated_at"`
	ClosedAt   *int64 `json:"closed_at,omitempty"`
	DueAt      *int64 `json:"due_at,omitempty"`
	DeferUntil *int64 `json:"defer_until,omitempty"`

	Pinned     bool `json:"pinned,omitempty"`
	IsTemplate bool `json:"is_template,omitempty"`
	Ephemeral  bool `json:"ephemeral,omitempty"`

	Version int64 `json:"version"`

	Labels       []string     `json:"labels,omitempty"`
	Dependencies []Dependency `json:"dependencies,omitempty"`
	Comments     []Comment    `json:"comments,omitempty"`
}

// Clone returns a deep copy so callers never alias the store's memory.
func (is *Issue) Clone() *Issue {
	if is == nil {
		return nil
	}

	out := *is

	if is.ClosedAt != nil {
		v := *is.ClosedAt
		out.ClosedAt = &v
	}

	if is.DueAt != nil {
		v := *is.DueAt
		out.DueAt = &v
	}

	if is.DeferUntil != nil {
		v := *is.DeferUntil
		out.DeferUntil = &v
	}

	if is.Labels != nil {
		out.Labels = append([]string(nil), is.Labels...)
	}

	if is.Dependencies != nil {
		out.Dependencies = append([]Dependency(nil), is.Dependencies...)
		for i := range out.Dependencies {
			if is.Dependencies[i].Metadata != nil {
				md := make(map[string]any, len(is.Dependencies[i].Metadata))
				for k, v := range is.Dependencies[i].Metadata {
					md[k] = v
				}
				out.Dependencies[i].Metadata = md
			}
		}
	}

	if is.Comments != nil {
		out.Comments = append([]Comment(nil), is.Comments...)
	}

	return &out
}

// Validate enforces the data-model constraints from the spec: title bounds,
// priority range, and (when set) content_hash consistency. Callers validate before insert/update; the store
// itself does not re-validate on replay (replayed records are trusted).
func Validate(is *Issue) error {
	if is.Title == "" {
		return fmt.Errorf("%w: %w", ErrInvalidIssue, ErrTitleEmpty)
	}

	if len(is.Title) > MaxTitleLen {
		return fmt.Errorf("%w: %w: %d chars", ErrInvalidIssue, ErrTitleTooLong, len(is.Title))
	}

	if is.Priority < MinPriority || is.Priority > MaxPriority {
		return fmt.Errorf("%w: %w: %d", ErrInvalidIssue, ErrPriorityRange, is.Priority)
	}

	if is.ContentHash != "" && is.ContentHash != ComputeContentHash(is) {
		return fmt.Errorf("%w: %w: %s", ErrInvalidIssue, ErrContentHashMismatch, is.ID)
	}

	return nil
}

// HasLabel reports whether label is present.
func (is *Issue) HasLabel(label string) bool {
	for _, l := range is.Labels {
		if l == label {
			return true
		}
	}

	return false
}
