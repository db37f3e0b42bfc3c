package expr

import (
	"fmt"
	"strings"
)

// DefaultMaxNesting bounds parser recursion. Semantic depth limits are
// enforced later by the type checker; this cap only keeps parsing finite.
const DefaultMaxNesting = 1000

// Options tune a parse.
type Options struct {
	// MaxNesting caps tree depth during parsing. Zero means DefaultMaxNesting.
	MaxNesting int
	// AllowAssign accepts a top-level `target = value`.
	AllowAssign bool
}

func (o Options) maxNesting() int {
	if o.MaxNesting <= 0 {
		return DefaultMaxNesting
	}
	return o.MaxNesting
}

// Origin locates a node in its source document. Path is relative to the
// expression itself (empty for nodes parsed from a string). Leaf names the
// mapping key holding an access node's name: "path", "field" or "name".
type Origin struct {
	Path string
	Leaf string
}

// Expr is a parsed expression plus where each node came from.
type Expr struct {
	Root    Node
	Source  any
	origins map[Node]Origin
}

// IsString reports whether the expression was written in the string form.
func (e *Expr) IsString() bool {
	_, ok := e.Source.(string)
	return ok
}

// Origin returns where n was declared.
func (e *Expr) Origin(n Node) Origin {
	return e.origins[n]
}

// ParseError is a schema-level failure to read an expression.
type ParseError struct {
	Path     string
	Fragment string
	Msg      string
}

func (e *ParseError) Error() string {
	if e.Fragment != "" {
		return fmt.Sprintf("%s near %q", e.Msg, e.Fragment)
	}
	return e.Msg
}

// Parse accepts either surface form. Scalars other than strings become
// literals, so mapping values such as `set: {qty: 3}` parse uniformly.
func Parse(raw any, opts Options) (*Expr, error) {
	switch v := raw.(type) {
	case string:
		return ParseString(v, opts)
	case map[string]any:
		return ParseMap(v, opts)
	}
	lit, err := literalOf(raw)
	if err != nil {
		return nil, &ParseError{Msg: err.Error(), Fragment: fmt.Sprint(raw)}
	}
	return &Expr{Root: lit, Source: raw, origins: map[Node]Origin{lit: {}}}, nil
}

// MustParse is Parse for tests and fixtures.
func MustParse(raw any) Node {
	e, err := Parse(raw, Options{AllowAssign: true})
	if err != nil {
		panic(err)
	}
	return e.Root
}

func joinRel(base, key string) string {
	return base + "." + key
}

func indexRel(base string, i int) string {
	return fmt.Sprintf("%s[%d]", base, i)
}

func splitPath(s string) []string {
	parts := strings.Split(s, ".")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
