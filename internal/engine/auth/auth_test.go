package auth

import (
	"context"
	"errors"
	"testing"
)

func TestPrincipalScopes(t *testing.T) {
	p := Principal{ActorID: "ci", Scopes: []string{ScopeSpecsRead, "events"}}
	if !p.Has(ScopeSpecsRead) || !p.Has(ScopeEventsRead) {
		t.Fatalf("expected read scopes")
	}
	if p.Has(ScopeSpecsWrite) {
		t.Fatalf("write not granted")
	}
	var fe ForbiddenError
	if err := p.Require(ScopeKeysAdmin); !errors.As(err, &fe) || fe.Scope != ScopeKeysAdmin {
		t.Fatalf("expected forbidden error, got %v", err)
	}
	admin := Principal{Scopes: []string{ScopeAll}}
	if admin.Require(ScopeKeysAdmin) != nil {
		t.Fatalf("* grants everything")
	}
}

func TestNormalizeScopes(t *testing.T) {
	got, err := NormalizeScopes([]string{" specs:write", "specs", "specs:write", ""})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != "specs" || got[1] != "specs:write" {
		t.Fatalf("unexpected scopes %v", got)
	}
	if _, err := NormalizeScopes([]string{"specs:destroy"}); err == nil {
		t.Fatalf("expected unknown scope error")
	}
}

func TestPrincipalContext(t *testing.T) {
	if _, ok := FromContext(context.Background()); ok {
		t.Fatalf("no principal expected")
	}
	ctx := WithPrincipal(context.Background(), Principal{ActorID: "a"})
	p, ok := FromContext(ctx)
	if !ok || p.ActorID != "a" {
		t.Fatalf("principal lost")
	}
}
