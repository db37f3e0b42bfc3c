package repo_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"meshval/internal/db"
	"meshval/internal/domain"
	"meshval/internal/events"
	"meshval/internal/migrate"
	"meshval/internal/repo"
)

func newRepo(t *testing.T) (repo.Repo, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}, context.Background()
}

func put(t *testing.T, r repo.Repo, ctx context.Context, id, hash, doc string) (domain.SpecVersion, bool) {
	t.Helper()
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	v, created, err := r.PutSpecTx(ctx, tx, domain.SpecVersion{
		SpecID: id, ContentHash: hash, Document: []byte(doc), ActorID: "tester", CreatedAt: "2024-01-01T00:00:00Z",
	})
	if err != nil {
		t.Fatalf("put spec: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	return v, created
}

func TestPutSpecDedupAndVersions(t *testing.T) {
	r, ctx := newRepo(t)
	v1, created := put(t, r, ctx, "shop", "h1", `{"entities":{}}`)
	if !created || v1.Version != 1 {
		t.Fatalf("expected version 1 created, got %+v %v", v1, created)
	}
	again, created := put(t, r, ctx, "shop", "h1", `{"entities":{}}`)
	if created || again.Version != 1 || again.ID != v1.ID {
		t.Fatalf("expected dedup to version 1, got %+v %v", again, created)
	}
	v2, created := put(t, r, ctx, "shop", "h2", `{"entities":{"A":{}}}`)
	if !created || v2.Version != 2 {
		t.Fatalf("expected version 2, got %+v", v2)
	}
	if v2.ID != repo.VersionID("shop", 2) {
		t.Fatalf("version id not derived from spec and version")
	}

	cur, err := r.GetSpecVersion(ctx, "shop", 0)
	if err != nil || cur.Version != 2 || string(cur.Document) != `{"entities":{"A":{}}}` {
		t.Fatalf("current version: %+v %v", cur, err)
	}
	old, err := r.GetSpecVersion(ctx, "shop", 1)
	if err != nil || old.ContentHash != "h1" {
		t.Fatalf("version 1: %+v %v", old, err)
	}
	if _, err := r.GetSpecVersion(ctx, "shop", 9); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	versions, err := r.ListVersions(ctx, "shop")
	if err != nil || len(versions) != 2 || versions[0].Version != 2 {
		t.Fatalf("list versions: %+v %v", versions, err)
	}
	if _, err := r.ListVersions(ctx, "nope"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found for unknown spec, got %v", err)
	}
	specs, err := r.ListSpecs(ctx)
	if err != nil || len(specs) != 1 || specs[0].CurrentVersion != 2 {
		t.Fatalf("list specs: %+v %v", specs, err)
	}
}

func TestPutSpecRejectsBadID(t *testing.T) {
	r, ctx := newRepo(t)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if _, _, err := r.PutSpecTx(ctx, tx, domain.SpecVersion{SpecID: "a/b", ContentHash: "h", Document: []byte("{}")}); err == nil {
		t.Fatalf("expected invalid id error")
	}
}

func TestBackupsRunsAndDeleteCascade(t *testing.T) {
	r, ctx := newRepo(t)
	v, _ := put(t, r, ctx, "shop", "h1", `{}`)
	b := domain.Backup{ID: "b1", SpecID: "shop", Version: v.Version, Label: "before refactor", ContentHash: "h1", Document: v.Document, CreatedAt: "2024-01-01T00:00:00Z"}
	if err := r.InsertBackupTx(ctx, nil, b); err != nil {
		t.Fatalf("insert backup: %v", err)
	}
	got, err := r.GetBackup(ctx, "shop", "b1")
	if err != nil || got.Label != "before refactor" || string(got.Document) != "{}" {
		t.Fatalf("get backup: %+v %v", got, err)
	}
	if _, err := r.GetBackup(ctx, "other", "b1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("backup must be scoped to its spec, got %v", err)
	}

	run := domain.ValidationRun{ID: "r1", SpecID: "shop", Version: 1, Fingerprint: "fp", Valid: false, ErrorCount: 2,
		Result: []byte(`{"valid":false}`), ActorID: "tester", CreatedAt: "2024-01-01T00:00:00Z"}
	if err := r.InsertRunTx(ctx, nil, run); err != nil {
		t.Fatalf("insert run: %v", err)
	}
	adhoc := domain.ValidationRun{ID: "r2", Fingerprint: "fp2", Valid: true, ActorID: "tester", CreatedAt: "2024-01-01T00:00:01Z"}
	if err := r.InsertRunTx(ctx, nil, adhoc); err != nil {
		t.Fatalf("insert ad hoc run: %v", err)
	}
	latest, err := r.LatestRun(ctx, "shop")
	if err != nil || latest.ID != "r1" || latest.Valid || latest.ErrorCount != 2 || string(latest.Result) != `{"valid":false}` {
		t.Fatalf("latest run: %+v %v", latest, err)
	}
	all, err := r.ListRuns(ctx, "", 10)
	if err != nil || len(all) != 2 || all[0].ID != "r2" || all[0].Result != nil {
		t.Fatalf("list runs: %+v %v", all, err)
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.DeleteSpecTx(ctx, tx, "shop"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	if _, err := r.GetBackup(ctx, "shop", "b1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("backup should cascade, got %v", err)
	}
	if _, err := r.GetRun(ctx, "r1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("run should cascade, got %v", err)
	}
	if _, err := r.GetRun(ctx, "r2"); err != nil {
		t.Fatalf("ad hoc run should survive: %v", err)
	}
}

func TestAPIKeys(t *testing.T) {
	r, ctx := newRepo(t)
	hash := repo.HashAPIKey(" secret ")
	if hash != repo.HashAPIKey("secret") {
		t.Fatalf("hash should ignore surrounding space")
	}
	key := domain.APIKey{ID: "k1", ActorID: "ci", Name: "ci", KeyHash: hash, Scopes: []string{"specs:read", "specs:validate"}}
	if err := r.InsertAPIKey(ctx, nil, key); err != nil {
		t.Fatalf("insert key: %v", err)
	}
	got, err := r.GetAPIKeyByHash(ctx, hash)
	if err != nil || got.ActorID != "ci" || len(got.Scopes) != 2 {
		t.Fatalf("get key: %+v %v", got, err)
	}
	now := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	if err := r.TouchAPIKey(ctx, "k1", now); err != nil {
		t.Fatal(err)
	}
	if err := r.RevokeAPIKey(ctx, nil, "k1", now); err != nil {
		t.Fatal(err)
	}
	if _, err := r.GetAPIKeyByHash(ctx, hash); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("revoked key must not authenticate, got %v", err)
	}
	keys, err := r.ListAPIKeys(ctx, "ci")
	if err != nil || len(keys) != 1 || keys[0].RevokedAt == "" || keys[0].LastUsedAt == "" {
		t.Fatalf("list keys: %+v %v", keys, err)
	}
	if err := r.RevokeAPIKey(ctx, nil, "missing", now); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestEventsCursor(t *testing.T) {
	r, ctx := newRepo(t)
	put(t, r, ctx, "shop", "h1", `{}`)
	w := events.Writer{DB: r.DB, Now: func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }}
	appendEvent := func(tx *sql.Tx, typ, spec string) {
		if err := w.Append(ctx, tx, typ, spec, events.KindSpec, spec, "tester", events.EventPayload{"n": 1}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	appendEvent(tx, events.SpecSaved, "shop")
	appendEvent(tx, events.SpecValidated, "shop")
	appendEvent(tx, events.SpecValidated, "")
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	latest, err := r.LatestEventID(ctx, repo.EventFilter{})
	if err != nil || latest != 3 {
		t.Fatalf("latest id: %d %v", latest, err)
	}
	after, err := r.EventsAfter(ctx, 10, 1, repo.EventFilter{})
	if err != nil || len(after) != 2 || after[0].ID != 2 {
		t.Fatalf("events after: %+v %v", after, err)
	}
	recent, err := r.LatestEvents(ctx, 10, 0, repo.EventFilter{SpecID: "shop", Type: events.SpecValidated})
	if err != nil || len(recent) != 1 || recent[0].Payload != `{"n":1}` {
		t.Fatalf("filtered events: %+v %v", recent, err)
	}
}
