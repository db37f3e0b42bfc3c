// Package semantic binds expression ASTs to the declared schema and checks
// their types. A Context is built per validation run and threaded through
// every call; nothing here is package-level state.
package semantic

import (
	"meshval/internal/expr"
	"meshval/internal/spec"
)

// DefaultMaxDepth bounds expression nesting during type checking.
const DefaultMaxDepth = 50

// Context carries everything one run needs to analyze expressions.
type Context struct {
	Spec     *spec.Spec
	Report   spec.Report
	Cache    *Cache
	MaxDepth int

	resolver *Resolver
	sites    map[string]Site
}

// NewContext builds a run context. A nil cache gets a fresh one; a
// non-positive maxDepth falls back to DefaultMaxDepth.
func NewContext(s *spec.Spec, rep spec.Report, cache *Cache, maxDepth int) *Context {
	if cache == nil {
		cache = NewCache()
	}
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	c := &Context{Spec: s, Report: rep, Cache: cache, MaxDepth: maxDepth, sites: map[string]Site{}}
	c.resolver = &Resolver{ctx: c}
	return c
}

// ParseOptions are the parser settings matching this context's depth bound.
// The parser cap sits well above MaxDepth so over-deep expressions reach the
// type checker and get a logic diagnostic instead of a parse failure.
func (c *Context) ParseOptions(allowAssign bool) expr.Options {
	n := expr.DefaultMaxNesting
	if 4*c.MaxDepth > n {
		n = 4 * c.MaxDepth
	}
	return expr.Options{MaxNesting: n, AllowAssign: allowAssign}
}

// Scope is the naming environment of an expression.
type Scope struct {
	// ID identifies the scope for caching, e.g. "command:Pay".
	ID string
	// Subject is the entity `self` refers to; empty when self is invalid.
	Subject string
	// Command provides `input.*` parameters; nil when inputs are invalid.
	Command *spec.Command
}

// CommandScope is shared by a command's conditions, actions and any
// scenario exercising it, so their identical accesses share cache entries.
func CommandScope(c *spec.Command) Scope {
	return Scope{ID: "command:" + c.Name, Subject: c.Entity, Command: c}
}

// EntityScope binds self to an entity without inputs.
func EntityScope(kind, name, entity string) Scope {
	return Scope{ID: kind + ":" + name, Subject: entity}
}

func DerivedScope(d *spec.Derived) Scope {
	return EntityScope("derived", d.Name, d.Entity)
}

func MachineScope(m *spec.StateMachine) Scope {
	return EntityScope("stateMachine", m.Name, m.Entity)
}

func PolicyScope(p *spec.Policy) Scope {
	return EntityScope("policy", p.Name, p.Entity)
}

// ScenarioScope reuses the exercised command's scope when it exists.
func ScenarioScope(s *spec.Spec, sc *spec.Scenario) Scope {
	if c := s.Command(sc.Call); c != nil {
		return CommandScope(c)
	}
	return Scope{ID: "scenario:" + sc.Name}
}

// Site is one expression occurrence: its parse and its analysis.
type Site struct {
	Expr     *expr.Expr
	Analysis *Analysis
	Err      error
}

// OK reports whether the expression parsed.
func (s Site) OK() bool {
	return s.Err == nil && s.Expr != nil
}

// Expression parses and analyzes x once per run; later calls for the same
// path return the recorded site.
func (c *Context) Expression(x spec.Expression, scope Scope, allowAssign bool) Site {
	if s, ok := c.sites[x.Path]; ok {
		return s
	}
	var site Site
	e, err := expr.Parse(x.Raw, c.ParseOptions(allowAssign))
	if err != nil {
		site = Site{Err: err}
	} else {
		site = Site{Expr: e, Analysis: c.Analyze(e, scope)}
	}
	c.sites[x.Path] = site
	return site
}
