package testutil

import (
	"errors"
	"fmt"
	"sort"
)

// Model is an independent, deliberately simple re-implementation of the
// engine's issue semantics, used as the oracle in model-vs-real behavior
// tests. It must never import the engine's own packages: the whole point is
// to compute the expected answer a different way.
type Model struct {
	issues map[string]*ModelIssue
	order  []string
}

// ModelIssue mirrors the subset of issue fields exercised by the generated
// op sequences.
type ModelIssue struct {
	ID           string
	Title        string
	Status       string
	Priority     int
	CreatedAt    int64
	UpdatedAt    int64
	Version      int64
	Labels       []string
	DependsOn    []string // ids this issue depends on (blocking edges only)
}

var (
	ErrModelNotFound   = errors.New("model: not found")
	ErrModelDuplicate  = errors.New("model: duplicate id")
	ErrModelInvalid    = errors.New("model: invalid")
	ErrModelVersion    = errors.New("model: version mismatch")
	ErrModelSelfDep    = errors.New("model: self dependency")
	ErrModelCycle      = errors.New("model: cycle")
)

// NewModel returns an empty oracle.
func NewModel() *Model {
	return &Model{issues: make(map[string]*ModelIssue)}
}

// Insert adds a new issue at version 1.
func (m *Model) Insert(id, title string, priority int, now int64) error {
	if title == "" {
		return fmt.Errorf("%w: empty title", ErrModelInvalid)
	}

	if priority < 0 || priority > 4 {
		return fmt.Errorf("%w: priority out of range", ErrModelInvalid)
	}

	if _, ok := m.issues[id]; ok {
		return fmt.Errorf("%w: %s", ErrModelDuplicate, id)
	}

	m.issues[id] = &ModelIssue{
		ID: id, Title: title, Status: "open", Priority: priority,
		CreatedAt: now, UpdatedAt: now, Version: 1,
	}
	m.order = append(m.order, id)

	return nil
}

func (m *Model) get(id string) (*ModelIssue, error) {
	is, ok := m.issues[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, id)
	}

	return is, nil
}

// Retitle changes an issue's title under optimistic concurrency control.
func (m *Model) Retitle(id string, expectedVersion int64, title string, now int64) error {
	is, err := m.get(id)
	if err != nil {
		return err
	}

	if expectedVersion != 0 && expectedVersion != is.Version {
		return fmt.Errorf("%w: expected %d, have %d", ErrModelVersion, expectedVersion, is.Version)
	}

	if title == "" {
		return fmt.Errorf("%w: empty title", ErrModelInvalid)
	}

	is.Title = title
	is.UpdatedAt = now
	is.Version++

	return nil
}

// Close transitions an issue to closed.
func (m *Model) Close(id string, now int64) error {
	is, err := m.get(id)
	if err != nil {
		return err
	}

	is.Status = "closed"
	is.UpdatedAt = now

	return nil
}

// Reopen transitions a closed issue back to open.
func (m *Model) Reopen(id string, now int64) error {
	is, err := m.get(id)
	if err != nil {
		return err
	}

	is.Status = "open"
	is.UpdatedAt = now

	return nil
}

// Delete tombstones an issue.
func (m *Model) Delete(id string, now int64) error {
	is, err := m.get(id)
	if err != nil {
		return err
	}

	is.Status = "tombstone"
	is.UpdatedAt = now

	return nil
}

// AddLabel is an idempotent membership change.
func (m *Model) AddLabel(id, label string, now int64) error {
	is, err := m.get(id)
	if err != nil {
		return err
	}

	for _, l := range is.Labels {
		if l == label {
			return nil
		}
	}

	is.Labels = append(is.Labels, label)
	is.UpdatedAt = now

	return nil
}

// RemoveLabel removes label if present.
func (m *Model) RemoveLabel(id, label string, now int64) error {
	is, err := m.get(id)
	if err != nil {
		return err
	}

	out := is.Labels[:0]

	for _, l := range is.Labels {
		if l != label {
			out = append(out, l)
		}
	}

	is.Labels = out
	is.UpdatedAt = now

	return nil
}

// AddDependency adds a blocking edge issueID -> dependsOnID, rejecting
// self-edges and edges that would close a cycle.
func (m *Model) AddDependency(issueID, dependsOnID string, now int64) error {
	if issueID == dependsOnID {
		return fmt.Errorf("%w: %s", ErrModelSelfDep, issueID)
	}

	owner, err := m.get(issueID)
	if err != nil {
		return err
	}

	// A dependency target need not exist yet: the real engine tolerates a
	// dangling dependsOnID (GetBlockers skips it silently), so the oracle
	// must too.
	for _, d := range owner.DependsOn {
		if d == dependsOnID {
			return nil
		}
	}

	if m.reachable(dependsOnID, issueID, make(map[string]bool)) {
		return fmt.Errorf("%w: %s -> %s", ErrModelCycle, issueID, dependsOnID)
	}

	owner.DependsOn = append(owner.DependsOn, dependsOnID)
	owner.UpdatedAt = now

	return nil
}

func (m *Model) reachable(start, target string, visited map[string]bool) bool {
	if start == target {
		return true
	}

	if visited[start] {
		return false
	}

	visited[start] = true

	is, ok := m.issues[start]
	if !ok {
		return false
	}

	for _, d := range is.DependsOn {
		if m.reachable(d, target, visited) {
			return true
		}
	}

	return false
}

// RemoveDependency removes the edge if present.
func (m *Model) RemoveDependency(issueID, dependsOnID string, now int64) error {
	owner, err := m.get(issueID)
	if err != nil {
		return err
	}

	out := owner.DependsOn[:0]

	for _, d := range owner.DependsOn {
		if d != dependsOnID {
			out = append(out, d)
		}
	}

	owner.DependsOn = out
	owner.UpdatedAt = now

	return nil
}

// Get returns a copy of the issue, or ErrModelNotFound.
func (m *Model) Get(id string) (ModelIssue, error) {
	is, err := m.get(id)
	if err != nil {
		return ModelIssue{}, err
	}

	return *is, nil
}

// List returns every non-tombstoned issue, ordered by id, for deterministic
// comparison against the real engine's output (which the harness sorts the
// same way before diffing).
func (m *Model) List() []ModelIssue {
	out := make([]ModelIssue, 0, len(m.issues))

	for _, is := range m.issues {
		if is.Status == "tombstone" {
			continue
		}

		out = append(out, *is)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out
}

// KnownIDs returns every id the model has seen, insertion order, for the op
// generator to pick existing targets from.
func (m *Model) KnownIDs() []string {
	return append([]string(nil), m.order...)
}
