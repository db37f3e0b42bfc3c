// Package depgraph records which declarations read, write or derive from
// which others, and answers change-impact queries over that graph.
package depgraph

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"meshval/internal/semantic"
	"meshval/internal/spec"
)

// ErrUnknownNode is returned by queries naming a node the graph lacks.
var ErrUnknownNode = errors.New("unknown node")

type Kind string

const (
	KindEntity       Kind = "entity"
	KindField        Kind = "field"
	KindDerived      Kind = "derived"
	KindFunction     Kind = "function"
	KindStateMachine Kind = "state_machine"
	KindSaga         Kind = "saga"
	KindScenario     Kind = "scenario"
)

type EdgeKind string

const (
	Reads       EdgeKind = "reads"
	Writes      EdgeKind = "writes"
	DerivesFrom EdgeKind = "derives-from"
	TriggeredBy EdgeKind = "triggered-by"
	Invokes     EdgeKind = "invokes"
	Tests       EdgeKind = "tests"
)

// Node is one declaration. Index is its declaration order: entities by
// name each followed by its fields, then derived values, commands, state
// machines, sagas and scenarios.
type Node struct {
	ID     string `json:"id"`
	Kind   Kind   `json:"kind"`
	Name   string `json:"name"`
	Entity string `json:"entity,omitempty"`
	Index  int    `json:"index"`
	Path   string `json:"path"`
}

// Edge points from the dependent node to what it depends on.
type Edge struct {
	From string   `json:"from"`
	To   string   `json:"to"`
	Kind EdgeKind `json:"kind"`
}

func EntityID(name string) string         { return "entity:" + name }
func FieldID(entity, field string) string { return "field:" + entity + "." + field }
func DerivedID(name string) string        { return "derived:" + name }
func FunctionID(name string) string       { return "function:" + name }
func MachineID(name string) string        { return "state_machine:" + name }
func SagaID(name string) string           { return "saga:" + name }
func ScenarioID(name string) string       { return "scenario:" + name }

// Usage is what one derived value or command touches, as found by
// analyzing its expressions.
type Usage struct {
	Reads   []semantic.FieldRef
	Writes  []semantic.FieldRef
	Derived []string
	// Entities lists entities created or deleted as a whole.
	Entities []string
}

// Uses maps declaration names to their usage. Machines holds what the
// transition guards of each state machine read, Scenarios what their
// assertions read.
type Uses struct {
	Derived   map[string]Usage
	Functions map[string]Usage
	Machines  map[string]Usage
	Scenarios map[string]Usage
}

type Graph struct {
	nodes []*Node
	byID  map[string]*Node
	out   map[string][]Edge
	in    map[string][]Edge
	seen  map[Edge]bool
}

func newGraph() *Graph {
	return &Graph{
		byID: map[string]*Node{},
		out:  map[string][]Edge{},
		in:   map[string][]Edge{},
		seen: map[Edge]bool{},
	}
}

// Build creates the graph for s. Edges to undeclared targets are dropped;
// the resolver has already reported them.
func Build(s *spec.Spec, uses Uses) *Graph {
	g := newGraph()
	for _, e := range s.Entities {
		g.add(&Node{ID: EntityID(e.Name), Kind: KindEntity, Name: e.Name, Path: e.Path})
		for _, f := range e.Fields {
			g.add(&Node{ID: FieldID(e.Name, f.Name), Kind: KindField, Name: f.Name, Entity: e.Name, Path: f.Path})
		}
	}
	for _, d := range s.Derived {
		g.add(&Node{ID: DerivedID(d.Name), Kind: KindDerived, Name: d.Name, Entity: d.Entity, Path: d.Path})
	}
	for _, c := range s.Commands {
		g.add(&Node{ID: FunctionID(c.Name), Kind: KindFunction, Name: c.Name, Entity: c.Entity, Path: c.Path})
	}
	for _, m := range s.StateMachines {
		g.add(&Node{ID: MachineID(m.Name), Kind: KindStateMachine, Name: m.Name, Entity: m.Entity, Path: m.Path})
	}
	for _, sg := range s.Sagas {
		g.add(&Node{ID: SagaID(sg.Name), Kind: KindSaga, Name: sg.Name, Path: sg.Path})
	}
	for _, sc := range s.Scenarios {
		g.add(&Node{ID: ScenarioID(sc.Name), Kind: KindScenario, Name: sc.Name, Path: sc.Path})
	}
	for _, d := range s.Derived {
		g.wire(DerivedID(d.Name), uses.Derived[d.Name])
	}
	for _, c := range s.Commands {
		g.wire(FunctionID(c.Name), uses.Functions[c.Name])
	}
	for _, m := range s.StateMachines {
		id := MachineID(m.Name)
		g.link(id, FieldID(m.Entity, m.Field), Reads)
		for _, tr := range m.Transitions {
			if tr.Trigger != "" {
				g.link(id, FunctionID(tr.Trigger), TriggeredBy)
			}
		}
		g.wire(id, uses.Machines[m.Name])
	}
	for _, sg := range s.Sagas {
		id := SagaID(sg.Name)
		for _, st := range sg.Steps {
			g.link(id, FunctionID(st.Forward), Invokes)
			if st.Compensate != "" {
				g.link(id, FunctionID(st.Compensate), Invokes)
			}
		}
	}
	for _, sc := range s.Scenarios {
		id := ScenarioID(sc.Name)
		if sc.Call != "" {
			g.link(id, FunctionID(sc.Call), Tests)
		}
		g.wire(id, uses.Scenarios[sc.Name])
	}
	return g
}

func (g *Graph) add(n *Node) {
	if _, dup := g.byID[n.ID]; dup {
		return
	}
	n.Index = len(g.nodes)
	g.nodes = append(g.nodes, n)
	g.byID[n.ID] = n
}

func (g *Graph) wire(from string, u Usage) {
	for _, r := range u.Reads {
		g.link(from, FieldID(r.Entity, r.Field), Reads)
	}
	for _, d := range u.Derived {
		kind := Reads
		if strings.HasPrefix(from, "derived:") {
			kind = DerivesFrom
		}
		g.link(from, DerivedID(d), kind)
	}
	for _, w := range u.Writes {
		g.link(from, FieldID(w.Entity, w.Field), Writes)
	}
	for _, e := range u.Entities {
		g.link(from, EntityID(e), Writes)
	}
}

func (g *Graph) link(from, to string, kind EdgeKind) {
	if g.byID[from] == nil || g.byID[to] == nil {
		return
	}
	e := Edge{From: from, To: to, Kind: kind}
	if g.seen[e] {
		return
	}
	g.seen[e] = true
	g.out[from] = append(g.out[from], e)
	g.in[to] = append(g.in[to], e)
}

// Nodes returns every node in declaration order.
func (g *Graph) Nodes() []*Node {
	return append([]*Node(nil), g.nodes...)
}

func (g *Graph) sorted(es []Edge, end func(Edge) string) []Edge {
	out := append([]Edge(nil), es...)
	sort.SliceStable(out, func(i, j int) bool {
		return g.byID[end(out[i])].Index < g.byID[end(out[j])].Index
	})
	return out
}

func (g *Graph) Node(id string) *Node {
	return g.byID[id]
}

// Lookup accepts a node id or a bare reference: `Entity.field`, an entity,
// a derived value, a command, a state machine, a saga or a scenario name,
// tried in that order.
func (g *Graph) Lookup(ref string) (*Node, error) {
	if n := g.byID[ref]; n != nil {
		return n, nil
	}
	candidates := []string{EntityID(ref), DerivedID(ref), FunctionID(ref), MachineID(ref), SagaID(ref), ScenarioID(ref)}
	if e, f, ok := strings.Cut(ref, "."); ok {
		candidates = []string{FieldID(e, f)}
	}
	for _, id := range candidates {
		if n := g.byID[id]; n != nil {
			return n, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownNode, ref)
}

// Writers lists the functions writing a field, or creating or deleting an
// entity, in declaration order.
func (g *Graph) Writers(ref string) ([]*Node, error) {
	n, err := g.Lookup(ref)
	if err != nil {
		return nil, err
	}
	var out []*Node
	for _, e := range g.sorted(g.in[n.ID], func(e Edge) string { return e.From }) {
		if e.Kind == Writes {
			out = append(out, g.byID[e.From])
		}
	}
	return out, nil
}
