package depgraph

import (
	"sort"
	"strings"

	"meshval/internal/diag"
)

// ImpactedBy returns every node that transitively depends on ref through
// anything but a write, dependencies before dependents. Nodes at the same
// depth come out in declaration order.
func (g *Graph) ImpactedBy(ref string) ([]*Node, error) {
	n, err := g.Lookup(ref)
	if err != nil {
		return nil, err
	}
	seeds := []string{n.ID}
	if n.Kind == KindEntity {
		for _, m := range g.nodes {
			if m.Kind == KindField && m.Entity == n.Name {
				seeds = append(seeds, m.ID)
			}
		}
	}
	set := g.closure(seeds, func(id string) []string {
		var next []string
		for _, e := range g.in[id] {
			if e.Kind != Writes {
				next = append(next, e.From)
			}
		}
		return next
	})
	for _, id := range seeds {
		delete(set, id)
	}
	return g.order(set), nil
}

// DependenciesOf returns everything ref transitively reads or derives
// from, dependencies first.
func (g *Graph) DependenciesOf(ref string) ([]*Node, error) {
	n, err := g.Lookup(ref)
	if err != nil {
		return nil, err
	}
	set := g.closure([]string{n.ID}, func(id string) []string {
		var next []string
		for _, e := range g.out[id] {
			if e.Kind != Writes {
				next = append(next, e.To)
			}
		}
		return next
	})
	delete(set, n.ID)
	return g.order(set), nil
}

func (g *Graph) closure(seeds []string, next func(string) []string) map[string]bool {
	set := map[string]bool{}
	queue := append([]string(nil), seeds...)
	for _, s := range seeds {
		set[s] = true
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, m := range next(id) {
			if !set[m] {
				set[m] = true
				queue = append(queue, m)
			}
		}
	}
	return set
}

// order layers a node set by longest dependency path over its internal
// non-write edges and sorts each layer by declaration order. Members of a
// derived cycle never get a layer; they are appended last in declaration
// order.
func (g *Graph) order(set map[string]bool) []*Node {
	pending := map[string]int{}
	for id := range set {
		for _, e := range g.out[id] {
			if e.Kind != Writes && set[e.To] && e.To != id {
				pending[id]++
			}
		}
	}
	var layer []*Node
	for id := range set {
		if pending[id] == 0 {
			layer = append(layer, g.byID[id])
		}
	}
	out := make([]*Node, 0, len(set))
	done := map[string]bool{}
	for len(layer) > 0 {
		byIndex(layer)
		out = append(out, layer...)
		var next []*Node
		for _, n := range layer {
			done[n.ID] = true
			for _, e := range g.in[n.ID] {
				if e.Kind == Writes || !set[e.From] || e.From == n.ID {
					continue
				}
				pending[e.From]--
				if pending[e.From] == 0 {
					next = append(next, g.byID[e.From])
				}
			}
		}
		layer = next
	}
	if len(out) < len(set) {
		var rest []*Node
		for id := range set {
			if !done[id] {
				rest = append(rest, g.byID[id])
			}
		}
		byIndex(rest)
		out = append(out, rest...)
	}
	return out
}

func byIndex(ns []*Node) {
	sort.Slice(ns, func(i, j int) bool { return ns[i].Index < ns[j].Index })
}

// GroupByKind splits nodes by kind, keeping their order, and returns names.
func GroupByKind(ns []*Node) map[Kind][]string {
	out := map[Kind][]string{}
	for _, n := range ns {
		name := n.Name
		if n.Kind == KindField {
			name = n.Entity + "." + n.Name
		}
		out[n.Kind] = append(out[n.Kind], name)
	}
	return out
}

// Cycles finds strongly connected components of the derives-from subgraph
// with an iterative Tarjan walk. Each cycle lists its members in
// declaration order; cycles are ordered by their first member.
func (g *Graph) Cycles() [][]*Node {
	index := map[string]int{}
	low := map[string]int{}
	onStack := map[string]bool{}
	var stack []string
	counter := 0
	var cycles [][]*Node

	type frame struct {
		id    string
		edges []Edge
		next  int
	}
	visit := func(id string) frame {
		index[id], low[id] = counter, counter
		counter++
		stack = append(stack, id)
		onStack[id] = true
		return frame{id: id, edges: g.derivesFrom(id)}
	}

	for _, root := range g.nodes {
		if root.Kind != KindDerived {
			continue
		}
		if _, seen := index[root.ID]; seen {
			continue
		}
		call := []frame{visit(root.ID)}
		for len(call) > 0 {
			top := &call[len(call)-1]
			if top.next < len(top.edges) {
				w := top.edges[top.next].To
				top.next++
				if _, seen := index[w]; !seen {
					call = append(call, visit(w))
				} else if onStack[w] && index[w] < low[top.id] {
					low[top.id] = index[w]
				}
				continue
			}
			v := top.id
			call = call[:len(call)-1]
			if len(call) > 0 {
				p := call[len(call)-1].id
				if low[v] < low[p] {
					low[p] = low[v]
				}
			}
			if low[v] != index[v] {
				continue
			}
			var comp []*Node
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				comp = append(comp, g.byID[w])
				if w == v {
					break
				}
			}
			if len(comp) > 1 || g.seen[Edge{From: v, To: v, Kind: DerivesFrom}] {
				byIndex(comp)
				cycles = append(cycles, comp)
			}
		}
	}
	sort.Slice(cycles, func(i, j int) bool { return cycles[i][0].Index < cycles[j][0].Index })
	return cycles
}

func (g *Graph) derivesFrom(id string) []Edge {
	var out []Edge
	for _, e := range g.out[id] {
		if e.Kind == DerivesFrom {
			out = append(out, e)
		}
	}
	return out
}

// CycleDiagnostics reports each derived cycle once, at its first member.
func (g *Graph) CycleDiagnostics() []diag.Diagnostic {
	var out []diag.Diagnostic
	for _, c := range g.Cycles() {
		names := make([]string, len(c))
		for i, n := range c {
			names[i] = n.Name
		}
		msg := "derived values depend on each other: " + strings.Join(append(append([]string(nil), names...), names[0]), " -> ")
		if len(names) == 1 {
			msg = "derived value " + names[0] + " depends on itself"
		}
		out = append(out, diag.New(diag.Constraint, diag.Critical, diag.CodeDerivedCycle,
			diag.Join(c[0].Path, "formula"), "%s", msg).
			WithExpected("acyclic derived dependencies").WithActual(names))
	}
	return out
}
