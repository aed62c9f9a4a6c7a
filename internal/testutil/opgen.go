package testutil

import "fmt"

// OpGenConfig weights which operation kind NextOp produces next, plus how
// often it deliberately reaches for an invalid id or invalid input instead
// of a well-formed one. The seven kind rates are relative weights
// (LabelRate and DependencyRate each weigh both the add and the remove op);
// a kind whose rate is zero is never picked, and only when every kind rate
// is zero are all kinds equally likely. InvalidIDRate and InvalidInputRate
// are percentages out of 100.
type OpGenConfig struct {
	InsertRate     int
	RetitleRate    int
	CloseRate      int
	ReopenRate     int
	DeleteRate     int
	LabelRate      int
	DependencyRate int

	InvalidIDRate    int // chance each id a non-insert op picks (both ends of a dependency op included) is an unknown one
	InvalidInputRate int // chance an insert/retitle op carries an invalid title/priority
}

// knownIDLister is the slice of *Model the generator needs, taken as an
// interface so this file never imports Model's own package-external
// dependents.
type knownIDLister interface {
	KnownIDs() []string
}

// OpGenerator deterministically derives a stream of operations from a byte
// seed: the same seed and config always yield the same op sequence, which
// is what lets a failing fuzz input be replayed exactly.
type OpGenerator struct {
	stream  *ByteStream
	model   knownIDLister
	cfg     OpGenConfig
	nextSeq int
}

// NewOpGenerator returns a generator reading from seed, consulting model for
// known ids, weighted per cfg.
func NewOpGenerator(seed []byte, model knownIDLister, cfg *OpGenConfig) *OpGenerator {
	if cfg == nil {
		cfg = &OpGenConfig{}
	}

	return &OpGenerator{stream: NewByteStream(seed), model: model, cfg: *cfg}
}

// Op is the common interface satisfied by every generated operation.
type Op interface{ isOp() }

type OpInsert struct {
	ID       string
	Title    string
	Priority int
}

type OpRetitle struct {
	ID              string
	ExpectedVersion int64
	Title           string
}

type OpClose struct{ ID string }

type OpReopen struct{ ID string }

type OpDelete struct{ ID string }

type OpAddLabel struct {
	ID    string
	Label string
}

type OpRemoveLabel struct {
	ID    string
	Label string
}

type OpAddDependency struct {
	IssueID     string
	DependsOnID string
}

type OpRemoveDependency struct {
	IssueID     string
	DependsOnID string
}

func (OpInsert) isOp()           {}
func (OpRetitle) isOp()          {}
func (OpClose) isOp()            {}
func (OpReopen) isOp()           {}
func (OpDelete) isOp()           {}
func (OpAddLabel) isOp()         {}
func (OpRemoveLabel) isOp()      {}
func (OpAddDependency) isOp()    {}
func (OpRemoveDependency) isOp() {}

var labelPool = []string{"urgent", "bug", "backend", "ui", "needs-review"}

// NextOp derives the next operation from the byte stream. Once the stream is
// exhausted, ByteStream's zero-padding makes every remaining draw settle on
// the same deterministic (if uninteresting) op, rather than panicking.
func (g *OpGenerator) NextOp() Op {
	known := g.model.KnownIDs()

	kind := g.pickKind(len(known) == 0)

	switch kind {
	case "insert":
		return g.genInsert()
	case "retitle":
		return OpRetitle{ID: g.pickID(known), ExpectedVersion: 0, Title: g.genTitle()}
	case "close":
		return OpClose{ID: g.pickID(known)}
	case "reopen":
		return OpReopen{ID: g.pickID(known)}
	case "delete":
		return OpDelete{ID: g.pickID(known)}
	case "add_label":
		return OpAddLabel{ID: g.pickID(known), Label: g.pickLabel()}
	case "remove_label":
		return OpRemoveLabel{ID: g.pickID(known), Label: g.pickLabel()}
	case "add_dep":
		return OpAddDependency{IssueID: g.pickID(known), DependsOnID: g.pickID(known)}
	default:
		return OpRemoveDependency{IssueID: g.pickID(known), DependsOnID: g.pickID(known)}
	}
}

// pickKind weighs the configured rates against a draw below their sum; forceInsert
// covers the bootstrap case where no id exists yet for a mutating op to
// target.
func (g *OpGenerator) pickKind(forceInsert bool) string {
	if forceInsert {
		return "insert"
	}

	kinds := []string{"insert", "retitle", "close", "reopen", "delete", "add_label", "remove_label", "add_dep", "remove_dep"}
	weights := []int{
		g.cfg.InsertRate, g.cfg.RetitleRate, g.cfg.CloseRate, g.cfg.ReopenRate,
		g.cfg.DeleteRate, g.cfg.LabelRate, g.cfg.LabelRate, g.cfg.DependencyRate, g.cfg.DependencyRate,
	}

	total := 0
	for _, w := range weights {
		total += w
	}

	if total <= 0 {
		return kinds[g.stream.NextInt(len(kinds))]
	}

	draw := g.stream.NextInt(total)

	acc := 0
	for i, w := range weights {
		acc += w
		if draw < acc {
			return kinds[i]
		}
	}

	return kinds[len(kinds)-1]
}

// pickID returns a known id most of the time, or a fabricated unknown id at
// InvalidIDRate, so mutating ops regularly exercise the not-found path.
func (g *OpGenerator) pickID(known []string) string {
	if len(known) == 0 || g.stream.NextInt(100) < g.cfg.InvalidIDRate {
		g.nextSeq++

		return fmt.Sprintf("nonexistent-%d", g.nextSeq)
	}

	return known[g.stream.NextInt(len(known))]
}

func (g *OpGenerator) genInsert() OpInsert {
	g.nextSeq++
	id := fmt.Sprintf("bd-%d", g.nextSeq)

	if g.stream.NextInt(100) < g.cfg.InvalidInputRate {
		// Deliberately invalid: empty title and/or out-of-range priority.
		return OpInsert{ID: id, Title: "", Priority: 9}
	}

	return OpInsert{ID: id, Title: g.genTitle(), Priority: g.stream.NextInt(5)}
}

func (g *OpGenerator) genTitle() string {
	if g.stream.NextInt(100) < g.cfg.InvalidInputRate {
		return ""
	}

	return "issue " + g.stream.NextString(24)
}

func (g *OpGenerator) pickLabel() string {
	return labelPool[g.stream.NextInt(len(labelPool))]
}
