package auth

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Scopes a caller may hold. ScopeAll grants every other scope.
const (
	ScopeAll           = "*"
	ScopeSpecsRead     = "specs:read"
	ScopeSpecsWrite    = "specs:write"
	ScopeSpecsValidate = "specs:validate"
	ScopeEventsRead    = "events:read"
	ScopeKeysAdmin     = "keys:admin"
)

// Known lists every grantable scope in a stable order.
var Known = []string{ScopeAll, ScopeEventsRead, ScopeKeysAdmin, ScopeSpecsRead, ScopeSpecsValidate, ScopeSpecsWrite}

// ForbiddenError indicates a missing scope.
type ForbiddenError struct {
	Scope string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("scope %s required", e.Scope)
}

// Principal is an authenticated caller.
type Principal struct {
	ActorID string
	Scopes  []string
	Source  string
}

// Has reports whether p holds scope, directly or through ScopeAll. A
// resource-level scope such as "specs" grants its "specs:*" children.
func (p Principal) Has(scope string) bool {
	prefix, _, _ := strings.Cut(scope, ":")
	for _, s := range p.Scopes {
		if s == ScopeAll || s == scope || s == prefix {
			return true
		}
	}
	return false
}

// Require returns ForbiddenError unless p holds scope.
func (p Principal) Require(scope string) error {
	if p.Has(scope) {
		return nil
	}
	return ForbiddenError{Scope: scope}
}

// NormalizeScopes trims, dedups and sorts scopes and rejects unknown ones.
// Resource-level scopes ("specs", "events", "keys") are accepted.
func NormalizeScopes(in []string) ([]string, error) {
	seen := map[string]bool{}
	out := []string{}
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		if !valid(s) {
			return nil, fmt.Errorf("unknown scope %q", s)
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

func valid(s string) bool {
	for _, k := range Known {
		if s == k {
			return true
		}
		if prefix, _, ok := strings.Cut(k, ":"); ok && s == prefix {
			return true
		}
	}
	return false
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
