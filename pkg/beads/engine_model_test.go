package beads_test

import (
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/hotschmoe/beads/internal/issue"
	"github.com/hotschmoe/beads/internal/testutil"
	"github.com/hotschmoe/beads/pkg/beads"
)

// issueView is the common projection applyOp compares between the model
// oracle and the real engine: just enough of an issue's state to catch a
// divergence, without dragging in every field the two track differently.
type issueView struct {
	ID        string
	Title     string
	Status    string
	Priority  int
	Version   int64
	Labels    []string
	DependsOn []string
}

func sortedStrings(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)

	return out
}

func viewFromModel(is testutil.ModelIssue) issueView {
	return issueView{
		ID: is.ID, Title: is.Title, Status: is.Status, Priority: is.Priority,
		Version: is.Version, Labels: sortedStrings(is.Labels), DependsOn: sortedStrings(is.DependsOn),
	}
}

func viewFromEngine(is *issue.Issue) issueView {
	var deps []string

	for _, d := range is.Dependencies {
		if d.DepType == issue.DepBlocks {
			deps = append(deps, d.DependsOnID)
		}
	}

	return issueView{
		ID: is.ID, Title: is.Title, Status: string(is.Status), Priority: is.Priority,
		Version: is.Version, Labels: sortedStrings(is.Labels), DependsOn: sortedStrings(deps),
	}
}

// applyModel runs op against the oracle and reports whether it succeeded.
func applyModel(m *testutil.Model, op testutil.Op, now int64) bool {
	var err error

	switch o := op.(type) {
	case testutil.OpInsert:
		err = m.Insert(o.ID, o.Title, o.Priority, now)
	case testutil.OpRetitle:
		err = m.Retitle(o.ID, o.ExpectedVersion, o.Title, now)
	case testutil.OpClose:
		err = m.Close(o.ID, now)
	case testutil.OpReopen:
		err = m.Reopen(o.ID, now)
	case testutil.OpDelete:
		err = m.Delete(o.ID, now)
	case testutil.OpAddLabel:
		err = m.AddLabel(o.ID, o.Label, now)
	case testutil.OpRemoveLabel:
		err = m.RemoveLabel(o.ID, o.Label, now)
	case testutil.OpAddDependency:
		err = m.AddDependency(o.IssueID, o.DependsOnID, now)
	case testutil.OpRemoveDependency:
		err = m.RemoveDependency(o.IssueID, o.DependsOnID, now)
	}

	return err == nil
}

// applyEngine runs op against the real engine and reports whether it
// succeeded.
func applyEngine(e *beads.Engine, op testutil.Op, now int64) bool {
	var err error

	switch o := op.(type) {
	case testutil.OpInsert:
		_, err = e.Insert(&issue.Issue{ID: o.ID, Title: o.Title, Priority: o.Priority}, now)
	case testutil.OpRetitle:
		_, err = e.Update(o.ID, nil, now, func(is *issue.Issue) { is.Title = o.Title })
	case testutil.OpClose:
		err = e.CloseIssue(o.ID, "", now)
	case testutil.OpReopen:
		err = e.Reopen(o.ID, now)
	case testutil.OpDelete:
		err = e.Delete(o.ID, now)
	case testutil.OpAddLabel:
		err = e.AddLabel(o.ID, o.Label, now)
	case testutil.OpRemoveLabel:
		err = e.RemoveLabel(o.ID, o.Label, now)
	case testutil.OpAddDependency:
		err = e.AddDependency(issue.Dependency{IssueID: o.IssueID, DependsOnID: o.DependsOnID, DepType: issue.DepBlocks, CreatedAt: now})
	case testutil.OpRemoveDependency:
		err = e.RemoveDependency(o.IssueID, o.DependsOnID, now)
	}

	return err == nil
}

func modelViews(m *testutil.Model) []issueView {
	list := m.List()
	out := make([]issueView, len(list))

	for i, is := range list {
		out[i] = viewFromModel(is)
	}

	return out
}

func engineViews(t *testing.T, e *beads.Engine) []issueView {
	t.Helper()

	list := e.List(beads.Filters{Now: 1 << 30})
	out := make([]issueView, len(list))

	for i, is := range list {
		out[i] = viewFromEngine(is)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out
}

// FuzzEngineVsModel drives the real engine and the independent Model oracle
// through the same generated operation sequence and fails as soon as their
// observable state diverges. The oracle is the in-memory model, not the
// on-disk format: this test says nothing about durability, only about
// whether the engine's public behavior matches the spec as independently
// understood.
func FuzzEngineVsModel(f *testing.F) {
	f.Add([]byte{}, uint8(10))
	f.Add([]byte{0x00, 0x01, 0x02, 0x03}, uint8(20))
	f.Add([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}, uint8(30))
	f.Add([]byte("deterministic seed corpus for the op generator"), uint8(40))

	f.Fuzz(func(t *testing.T, seed []byte, rawOpCount uint8) {
		dir := t.TempDir()

		engine, err := beads.Open(dir)
		if err != nil {
			t.Fatalf("beads.Open: %v", err)
		}
		defer func() { _ = engine.Close() }()

		model := testutil.NewModel()

		cfg := testutil.OpGenConfig{
			InsertRate: 30, RetitleRate: 15, CloseRate: 10, ReopenRate: 5,
			DeleteRate: 5, LabelRate: 15, DependencyRate: 10,
			InvalidIDRate: 15, InvalidInputRate: 10,
		}
		gen := testutil.NewOpGenerator(seed, model, &cfg)

		numOps := 1 + int(rawOpCount)%60

		var now int64 = 1700000000

		for i := 0; i < numOps; i++ {
			now++

			op := gen.NextOp()

			modelOK := applyModel(model, op, now)
			engineOK := applyEngine(engine, op, now)

			if modelOK != engineOK {
				t.Fatalf("op %d %#v: model succeeded=%v, engine succeeded=%v", i, op, modelOK, engineOK)
			}

			if !modelOK {
				continue
			}

			if diff := cmp.Diff(modelViews(model), engineViews(t, engine)); diff != "" {
				t.Fatalf("op %d %#v: state mismatch (-model +engine):\n%s", i, op, diff)
			}
		}
	})
}
