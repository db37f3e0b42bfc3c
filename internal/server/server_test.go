package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"meshval/internal/config"
	"meshval/internal/db"
	"meshval/internal/engine"
	"meshval/internal/engine/auth"
	"meshval/internal/migrate"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	// Key holds every scope.
	Key    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestEngine(t *testing.T, cfg *config.Config) engine.Engine {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return engine.New(conn, cfg)
}

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	e := newTestEngine(t, nil)
	_, secret, err := e.CreateAPIKey(context.Background(), "tester", "admin", []string{auth.ScopeAll})
	if err != nil {
		t.Fatalf("create api key: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testJWTSecret}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		Key:    secret,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func (s *testServer) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	return doJSON(t, s.client, method, s.URL+path, body, map[string]string{"X-Api-Key": s.Key})
}

func accountSpec() map[string]any {
	return map[string]any{
		"entities": map[string]any{
			"Account": map[string]any{"fields": map[string]any{
				"A":   map[string]any{"type": "float"},
				"fee": map[string]any{"type": "float"},
			}},
		},
		"derived": map[string]any{
			"D1": map[string]any{"entity": "Account", "type": "float", "formula": "self.A * 2"},
		},
		"commands": map[string]any{
			"F": map[string]any{
				"entity": "Account",
				"pre":    []any{"D1() > 0"},
				"post":   []any{map[string]any{"update": "Account", "set": map[string]any{"fee": "self.A / 10"}}},
			},
		},
	}
}

func brokenSpec() map[string]any {
	doc := accountSpec()
	doc["commands"].(map[string]any)["F"].(map[string]any)["pre"] = []any{"self.B > 0"}
	return doc
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal %T: %v (%s)", out, err, string(data))
	}
	return out
}

func TestHealthIsOpenAndAPIRequiresAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/healthz", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d: %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/specs", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/specs", nil, map[string]string{"X-Api-Key": "mv_wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown key, got %d: %s", res.StatusCode, string(body))
	}
	envelope := decode[struct {
		Error apiErrorBody `json:"error"`
	}](t, body)
	if envelope.Error.Code != "invalid_credentials" {
		t.Fatalf("unexpected error code %q", envelope.Error.Code)
	}
	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK || !bytes.Contains(body, []byte("apiKeyAuth")) {
		t.Fatalf("openapi status %d", res.StatusCode)
	}
}

func TestValidateDocument(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, body := srv.do(t, http.MethodPost, "/v0/validate", accountSpec())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("validate status %d: %s", res.StatusCode, string(body))
	}
	ok := decode[ValidationResponse](t, body)
	if !ok.Valid || len(ok.Errors) != 0 || ok.RunID == "" || ok.Fingerprint == "" {
		t.Fatalf("expected valid result, got %+v", ok)
	}

	res, body = srv.do(t, http.MethodPost, "/v0/validate", brokenSpec())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("validate broken status %d: %s", res.StatusCode, string(body))
	}
	bad := decode[ValidationResponse](t, body)
	if bad.Valid || len(bad.Errors) == 0 {
		t.Fatalf("expected errors, got %+v", bad)
	}
	if bad.Errors[0].Path == "" || bad.Errors[0].Code == "" {
		t.Fatalf("diagnostic missing path or code: %+v", bad.Errors[0])
	}

	res, body = srv.do(t, http.MethodPost, "/v0/validate", []any{"not", "a", "mapping"})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-mapping body, got %d: %s", res.StatusCode, string(body))
	}
}

func TestSpecLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, body := srv.do(t, http.MethodPut, "/v0/specs/bank", accountSpec())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("put status %d: %s", res.StatusCode, string(body))
	}
	saved := decode[SaveSpecResponse](t, body)
	if !saved.Created || saved.Version.Version != 1 {
		t.Fatalf("unexpected save response %+v", saved)
	}
	res, body = srv.do(t, http.MethodPut, "/v0/specs/bank", accountSpec())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second put status %d: %s", res.StatusCode, string(body))
	}
	if again := decode[SaveSpecResponse](t, body); again.Created || again.Version.Version != 1 {
		t.Fatalf("identical put should not add a version: %+v", again)
	}

	res, body = srv.do(t, http.MethodGet, "/v0/specs/bank", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get status %d: %s", res.StatusCode, string(body))
	}
	got := decode[SpecVersionResponse](t, body)
	if _, ok := got.Document["entities"]; !ok {
		t.Fatalf("document missing entities: %+v", got.Document)
	}

	res, body = srv.do(t, http.MethodGet, "/v0/specs/bank/gate", nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("gate before validation: expected 409, got %d: %s", res.StatusCode, string(body))
	}
	res, body = srv.do(t, http.MethodPost, "/v0/specs/bank/validate", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("validate status %d: %s", res.StatusCode, string(body))
	}
	if v := decode[ValidationResponse](t, body); !v.Valid || v.SpecID != "bank" || v.Version != 1 {
		t.Fatalf("unexpected validation %+v", v)
	}
	res, body = srv.do(t, http.MethodGet, "/v0/specs/bank/gate", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("gate after validation: %d %s", res.StatusCode, string(body))
	}

	res, body = srv.do(t, http.MethodGet, "/v0/specs/bank/impact?node=Account.A", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("impact status %d: %s", res.StatusCode, string(body))
	}
	impact := decode[engine.ImpactReport](t, body)
	var impacted []string
	for _, n := range impact.Impacted {
		impacted = append(impacted, n.Name)
	}
	if len(impacted) != 2 || impacted[0] != "D1" || impacted[1] != "F" {
		t.Fatalf("unexpected impacted set %v", impacted)
	}
	res, body = srv.do(t, http.MethodGet, "/v0/specs/bank/impact?node=Account.missing", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown node: expected 404, got %d: %s", res.StatusCode, string(body))
	}

	res, body = srv.do(t, http.MethodPost, "/v0/specs/bank/backups", map[string]any{"label": "before-break"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("backup status %d: %s", res.StatusCode, string(body))
	}
	backup := decode[BackupResponse](t, body)

	res, body = srv.do(t, http.MethodPut, "/v0/specs/bank", brokenSpec())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("put broken status %d: %s", res.StatusCode, string(body))
	}
	res, body = srv.do(t, http.MethodPost, "/v0/specs/bank/validate", nil)
	if v := decode[ValidationResponse](t, body); res.StatusCode != http.StatusOK || v.Valid {
		t.Fatalf("expected invalid run, got %d %+v", res.StatusCode, v)
	}
	res, body = srv.do(t, http.MethodGet, "/v0/specs/bank/gate", nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("gate on invalid spec: expected 422, got %d: %s", res.StatusCode, string(body))
	}

	res, body = srv.do(t, http.MethodPost, "/v0/specs/bank/restore", map[string]any{"backup_id": backup.ID})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("restore status %d: %s", res.StatusCode, string(body))
	}
	if restored := decode[SpecVersionResponse](t, body); restored.Version != 3 {
		t.Fatalf("expected restore to create version 3, got %d", restored.Version)
	}

	res, body = srv.do(t, http.MethodGet, "/v0/specs/bank/versions", nil)
	if versions := decode[[]SpecVersionResponse](t, body); res.StatusCode != http.StatusOK || len(versions) != 3 || versions[0].Version != 3 {
		t.Fatalf("unexpected versions %d %+v", res.StatusCode, versions)
	}
	res, body = srv.do(t, http.MethodGet, "/v0/specs/bank/runs", nil)
	if runs := decode[[]RunResponse](t, body); res.StatusCode != http.StatusOK || len(runs) != 2 {
		t.Fatalf("unexpected runs %d %+v", res.StatusCode, runs)
	}
	res, body = srv.do(t, http.MethodGet, "/v0/specs/bank/history", nil)
	if h := decode[HistoryResponse](t, body); res.StatusCode != http.StatusOK || len(h.Backups) != 1 || h.Spec.CurrentVersion != 3 {
		t.Fatalf("unexpected history %d %+v", res.StatusCode, h)
	}

	res, body = srv.do(t, http.MethodDelete, "/v0/specs/bank", nil)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status %d: %s", res.StatusCode, string(body))
	}
	res, body = srv.do(t, http.MethodGet, "/v0/specs/bank", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d: %s", res.StatusCode, string(body))
	}
}

func TestScopesEnforced(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	_, readOnly, err := srv.Engine.CreateAPIKey(context.Background(), "reader", "ro", []string{auth.ScopeSpecsRead})
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	headers := map[string]string{"X-Api-Key": readOnly}
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v0/specs", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list specs status %d: %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, client, http.MethodPut, srv.URL+"/v0/specs/bank", accountSpec(), headers)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/keys", map[string]any{"scopes": []string{"*"}}, headers)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 creating key, got %d: %s", res.StatusCode, string(body))
	}
}

func TestJWTAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Scopes: []string{"specs"},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	headers := map[string]string{"Authorization": "Bearer " + token}

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(body))
	}
	me := decode[WhoAmIResponse](t, body)
	if me.ActorID != "alice" || me.Source != "jwt" {
		t.Fatalf("unexpected principal %+v", me)
	}
	res, body = doJSON(t, client, http.MethodPut, srv.URL+"/v0/specs/bank", accountSpec(), headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("specs scope should grant write: %d %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events", nil, headers)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for events, got %d: %s", res.StatusCode, string(body))
	}

	forged, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("other-secret"))
	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer " + forged})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad signature, got %d: %s", res.StatusCode, string(body))
	}
}

func TestEventsPagination(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	for _, doc := range []map[string]any{accountSpec(), brokenSpec()} {
		if res, body := srv.do(t, http.MethodPut, "/v0/specs/bank", doc); res.StatusCode != http.StatusOK {
			t.Fatalf("put status %d: %s", res.StatusCode, string(body))
		}
	}
	if res, body := srv.do(t, http.MethodPost, "/v0/specs/bank/validate", nil); res.StatusCode != http.StatusOK {
		t.Fatalf("validate status %d: %s", res.StatusCode, string(body))
	}

	res, body := srv.do(t, http.MethodGet, "/v0/events?spec_id=bank&limit=2", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(body))
	}
	page := decode[paginatedEvents](t, body)
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("unexpected first page %+v", page)
	}
	if page.Items[0].Type != "spec.validated" {
		t.Fatalf("expected newest event first, got %s", page.Items[0].Type)
	}
	res, body = srv.do(t, http.MethodGet, "/v0/events?spec_id=bank&limit=2&cursor="+page.NextCursor, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second page status %d: %s", res.StatusCode, string(body))
	}
	next := decode[paginatedEvents](t, body)
	if len(next.Items) != 1 || next.NextCursor != "" || next.Items[0].Type != "spec.saved" {
		t.Fatalf("unexpected second page %+v", next)
	}
	res, _ = srv.do(t, http.MethodGet, "/v0/events?cursor=abc", nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad cursor, got %d", res.StatusCode)
	}
}

func TestKeysEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, body := srv.do(t, http.MethodPost, "/v0/keys", map[string]any{
		"actor_id": "ci",
		"name":     "ci-validate",
		"scopes":   []string{auth.ScopeSpecsValidate},
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key status %d: %s", res.StatusCode, string(body))
	}
	created := decode[APIKeyResponse](t, body)
	if created.Secret == "" || created.ActorID != "ci" {
		t.Fatalf("unexpected key %+v", created)
	}
	ciHeaders := map[string]string{"X-Api-Key": created.Secret}
	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/validate", accountSpec(), ciHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("validate with ci key: %d %s", res.StatusCode, string(body))
	}

	res, body = srv.do(t, http.MethodDelete, "/v0/keys/"+created.ID, nil)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("revoke status %d: %s", res.StatusCode, string(body))
	}
	res, _ = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/validate", accountSpec(), ciHeaders)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("revoked key should be rejected, got %d", res.StatusCode)
	}
	res, body = srv.do(t, http.MethodGet, "/v0/keys?actor_id=ci", nil)
	if keys := decode[[]APIKeyResponse](t, body); res.StatusCode != http.StatusOK || len(keys) != 1 || keys[0].RevokedAt == "" || keys[0].Secret != "" {
		t.Fatalf("unexpected key list %d %+v", res.StatusCode, keys)
	}
}

func TestWebhookDelivery(t *testing.T) {
	var (
		mu       sync.Mutex
		received []webhookEvent
		headers  []http.Header
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		_ = json.NewDecoder(r.Body).Decode(&evt)
		mu.Lock()
		received = append(received, evt)
		headers = append(headers, r.Header.Clone())
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	cfg := config.Default()
	cfg.Server.Webhooks = []config.WebhookConfig{{URL: hook.URL, Events: []string{"spec.validated"}, Secret: "s3cret"}}
	e := newTestEngine(t, cfg)
	ctx := context.Background()
	if _, _, err := e.SaveSpec(ctx, "bank", accountSpec(), "tester"); err != nil {
		t.Fatalf("save: %v", err)
	}

	d := newWebhookDispatcher(e, nil)
	if d == nil {
		t.Fatalf("expected dispatcher for configured webhook")
	}
	d.dispatchAll(ctx)
	if len(received) != 0 {
		t.Fatalf("events before startup must not be delivered, got %d", len(received))
	}

	if _, err := e.ValidateSpec(ctx, "bank", 0, "tester"); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if _, err := e.Backup(ctx, "bank", "", "tester"); err != nil {
		t.Fatalf("backup: %v", err)
	}
	d.dispatchAll(ctx)
	d.dispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected one delivery, got %d", len(received))
	}
	if received[0].Type != "spec.validated" || received[0].SpecID != "bank" {
		t.Fatalf("unexpected delivery %+v", received[0])
	}
	if headers[0].Get("X-Meshval-Event") != "spec.validated" || headers[0].Get("X-Meshval-Secret") != "s3cret" {
		t.Fatalf("unexpected headers %v", headers[0])
	}

	if newWebhookDispatcher(newTestEngine(t, nil), nil) != nil {
		t.Fatalf("no dispatcher expected without webhooks")
	}
}
