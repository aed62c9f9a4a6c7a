// Package depgraph implements the dependency-graph overlay on the
// in-memory issue store: cycle detection before any edge is persisted,
// ready/blocked partitioning, and an advisory blocked-set cache.
package depgraph

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hotschmoe/beads/internal/issue"
	"github.com/hotschmoe/beads/internal/store"
)

var (
	ErrSelfDependency = errors.New("self dependency")
	ErrCycleDetected  = errors.New("cycle detected")
)

// Graph operates on a *store.Store, reading and mutating dependency edges
// embedded in issue records. It owns no issue memory of its own beyond the
// advisory blocked-set cache.
type Graph struct {
	s *store.Store

	mu          sync.Mutex
	blockedIDs  map[string]bool // advisory cache: issue id -> has an open blocker
	blockerSets map[string][]string
	cacheValid  bool
}

// New returns a Graph over s.
func New(s *store.Store) *Graph {
	return &Graph{s: s, blockedIDs: make(map[string]bool), blockerSets: make(map[string][]string)}
}

// AddDependency rejects self-dependencies, detects cycles before any state
// change, and is idempotent against an already-present edge.
func (g *Graph) AddDependency(dep issue.Dependency) error {
	if dep.IssueID == dep.DependsOnID {
		return fmt.Errorf("depgraph: add dependency %s -> %s: %w", dep.IssueID, dep.DependsOnID, ErrSelfDependency)
	}

	owner, err := g.s.Get(dep.IssueID)
	if err != nil {
		return fmt.Errorf("depgraph: add dependency: %w", err)
	}

	for _, existing := range owner.Dependencies {
		if existing.DependsOnID == dep.DependsOnID {
			return nil // idempotent: edge already present
		}
	}

	if g.reachable(dep.DependsOnID, dep.IssueID, make(map[string]bool)) {
		return fmt.Errorf("depgraph: add dependency %s -> %s: %w", dep.IssueID, dep.DependsOnID, ErrCycleDetected)
	}

	_, err = g.s.Update(dep.IssueID, nil, dep.CreatedAt, func(is *issue.Issue) {
		is.Dependencies = append(is.Dependencies, dep)
	})
	if err != nil {
		return fmt.Errorf("depgraph: add dependency: %w", err)
	}

	g.invalidateCache()

	return nil
}

// reachable reports whether target is reachable from start by following
// out-edges (depends_on), a plain DFS with a visited set.
func (g *Graph) reachable(start, target string, visited map[string]bool) bool {
	if start == target {
		return true
	}

	if visited[start] {
		return false
	}

	visited[start] = true

	is, err := g.s.Get(start)
	if err != nil {
		return false
	}

	for _, dep := range is.Dependencies {
		if g.reachable(dep.DependsOnID, target, visited) {
			return true
		}
	}

	return false
}

// RemoveDependency removes the edge if present; a no-op otherwise.
func (g *Graph) RemoveDependency(issueID, dependsOnID string, now int64) error {
	owner, err := g.s.Get(issueID)
	if err != nil {
		return fmt.Errorf("depgraph: remove dependency: %w", err)
	}

	present := false
	for _, d := range owner.Dependencies {
		present = present || d.DependsOnID == dependsOnID
	}

	if !present {
		return nil
	}

	var changed bool

	_, err = g.s.Update(issueID, nil, now, func(is *issue.Issue) {
		out := is.Dependencies[:0]

		for _, d := range is.Dependencies {
			if d.DependsOnID == dependsOnID {
				changed = true

				continue
			}

			out = append(out, d)
		}

		is.Dependencies = out
	})
	if err != nil {
		return fmt.Errorf("depgraph: remove dependency: %w", err)
	}

	if changed {
		g.invalidateCache()
	}

	return nil
}

// Cycle is one detected cycle, expressed as the sequence of issue ids
// visited, starting and ending at the same id.
type Cycle struct {
	Path []string
}

// DetectCycles runs a classical DFS with visited and recursion-stack sets
// over every issue participating in any edge, returning the path of each
// cycle found.
func (g *Graph) DetectCycles() []Cycle {
	all := g.s.All()

	byID := make(map[string]*issue.Issue, len(all))
	for _, is := range all {
		byID[is.ID] = is
	}

	var (
		cycles  []Cycle
		visited = make(map[string]bool)
		onStack = make(map[string]bool)
		path    []string
	)

	var visit func(id string)

	visit = func(id string) {
		visited[id] = true
		onStack[id] = true
		path = append(path, id)

		is := byID[id]
		if is != nil {
			for _, dep := range is.Dependencies {
				if onStack[dep.DependsOnID] {
					cyclePath := cyclePathFrom(path, dep.DependsOnID)
					cycles = append(cycles, Cycle{Path: cyclePath})

					continue
				}

				if !visited[dep.DependsOnID] {
					visit(dep.DependsOnID)
				}
			}
		}

		path = path[:len(path)-1]
		onStack[id] = false
	}

	for _, is := range all {
		if !visited[is.ID] {
			visit(is.ID)
		}
	}

	return cycles
}

func cyclePathFrom(path []string, start string) []string {
	for i, id := range path {
		if id == start {
			out := append([]string(nil), path[i:]...)

			return append(out, start)
		}
	}

	return append([]string(nil), path...)
}

// GetBlockers returns the issues in the blocking-type out-edges of issueID
// whose status is neither closed nor tombstone.
func (g *Graph) GetBlockers(issueID string) ([]*issue.Issue, error) {
	is, err := g.s.Get(issueID)
	if err != nil {
		return nil, fmt.Errorf("depgraph: get blockers: %w", err)
	}

	var blockers []*issue.Issue

	for _, dep := range is.Dependencies {
		if !dep.DepType.IsBlocking() {
			continue
		}

		target, err := g.s.Get(dep.DependsOnID)
		if err != nil {
			continue // a dangling edge is not itself a failure here
		}

		if !target.Status.IsTerminal() {
			blockers = append(blockers, target)
		}
	}

	return blockers, nil
}

// GetReadyIssues returns open issues with no open blocker and no future
// defer_until, sorted by priority ascending then created_at ascending.
func (g *Graph) GetReadyIssues(now int64) []*issue.Issue {
	all := g.s.All()

	var ready []*issue.Issue

	for _, is := range all {
		if is.Status != issue.StatusOpen {
			continue
		}

		if is.DeferUntil != nil && *is.DeferUntil > now {
			continue
		}

		if g.hasOpenBlocker(is, all) {
			continue
		}

		ready = append(ready, is)
	}

	sortByPriorityThenCreated(ready)

	return ready
}

// GetBlockedIssues returns the complementary partition: open issues with
// at least one open blocker. Same sort as GetReadyIssues.
func (g *Graph) GetBlockedIssues(now int64) []*issue.Issue {
	all := g.s.All()

	var blocked []*issue.Issue

	for _, is := range all {
		if is.Status != issue.StatusOpen {
			continue
		}

		if g.hasOpenBlocker(is, all) {
			blocked = append(blocked, is)
		}
	}

	sortByPriorityThenCreated(blocked)

	return blocked
}

func (g *Graph) hasOpenBlocker(is *issue.Issue, all []*issue.Issue) bool {
	byID := make(map[string]*issue.Issue, len(all))
	for _, other := range all {
		byID[other.ID] = other
	}

	for _, dep := range is.Dependencies {
		if !dep.DepType.IsBlocking() {
			continue
		}

		target, ok := byID[dep.DependsOnID]
		if !ok {
			continue
		}

		if !target.Status.IsTerminal() {
			return true
		}
	}

	return false
}

func sortByPriorityThenCreated(issues []*issue.Issue) {
	sort.SliceStable(issues, func(i, j int) bool {
		if issues[i].Priority != issues[j].Priority {
			return issues[i].Priority < issues[j].Priority
		}

		return issues[i].CreatedAt < issues[j].CreatedAt
	})
}

// BlockedSet returns the advisory materialization of the blocked
// partition: issue id -> blocker ids. Rebuilt on demand if the cache was
// invalidated by a dependency add/remove since the last call.
func (g *Graph) BlockedSet(now int64) map[string][]string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.cacheValid {
		out := make(map[string][]string, len(g.blockerSets))
		for k, v := range g.blockerSets {
			out[k] = append([]string(nil), v...)
		}

		return out
	}

	g.blockerSets = make(map[string][]string)

	for _, is := range g.GetBlockedIssues(now) {
		blockers, err := g.GetBlockers(is.ID)
		if err != nil {
			continue
		}

		ids := make([]string, len(blockers))
		for i, b := range blockers {
			ids[i] = b.ID
		}

		g.blockerSets[is.ID] = ids
	}

	g.cacheValid = true

	out := make(map[string][]string, len(g.blockerSets))
	for k, v := range g.blockerSets {
		out[k] = append([]string(nil), v...)
	}

	return out
}

func (g *Graph) invalidateCache() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.cacheValid = false
}
