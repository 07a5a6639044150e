package server

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"propline/internal/app"
	"propline/internal/config"
	"propline/internal/db"
	"propline/internal/engine"
	"propline/internal/migrate"
)

const testSecret = "test-secret"

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
	e, err := engine.New(conn, cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	if err := app.SyncRBAC(context.Background(), e.Repo, cfg); err != nil {
		t.Fatalf("sync rbac: %v", err)
	}
	if _, err := app.Bootstrap(context.Background(), e.Repo, "alice"); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	return e
}

func newTestServer(t *testing.T) (*httptest.Server, engine.Engine) {
	t.Helper()
	e := newTestEngine(t, config.Default("harbor"))
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:              testSecret,
			AllowLegacyActorHeader: true,
			DevLogin:               true,
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, e
}

func actor(id string) map[string]string {
	return map[string]string{"X-Actor-Id": id}
}

func doJSON(t *testing.T, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode %s: %v", string(data), err)
	}
	return out
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func expectStatus(t *testing.T, resp *http.Response, body []byte, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("expected %d, got %d: %s", want, resp.StatusCode, string(body))
	}
}

func createProperty(t *testing.T, base, subtype string) string {
	t.Helper()
	resp, body := doJSON(t, http.MethodPost, base+"/v0/properties", map[string]any{
		"name":    "12 Harbor St",
		"subtype": subtype,
	}, actor("alice"))
	expectStatus(t, resp, body, http.StatusCreated)
	return decode[struct {
		ID string `json:"id"`
	}](t, body).ID
}

func startProcess(t *testing.T, base, propertyID, typ string) string {
	t.Helper()
	resp, body := doJSON(t, http.MethodPost, base+"/v0/properties/"+propertyID+"/processes", map[string]any{"type": typ}, actor("alice"))
	expectStatus(t, resp, body, http.StatusCreated)
	return decode[struct {
		ID string `json:"id"`
	}](t, body).ID
}

func TestPropertyLifecycleOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)
	base := srv.URL
	id := createProperty(t, base, "retail")

	procID := startProcess(t, base, id, "site-assessment")

	resp, body := doJSON(t, http.MethodPost, base+"/v0/properties/"+id+"/processes", map[string]any{"type": "site-assessment"}, actor("alice"))
	expectStatus(t, resp, body, http.StatusConflict)
	env := decode[errorEnvelope](t, body)
	if env.Error.Code != "process_already_active" {
		t.Fatalf("expected process_already_active, got %s", env.Error.Code)
	}
	if env.Error.Details["existing_id"] != procID {
		t.Fatalf("expected existing_id %s, got %v", procID, env.Error.Details["existing_id"])
	}

	resp, body = doJSON(t, http.MethodPost, base+"/v0/properties/"+id+"/processes/"+procID+"/complete", map[string]any{
		"outputs": []map[string]string{{"key": "parcel-id", "value": "APN-7"}},
	}, actor("alice"))
	expectStatus(t, resp, body, http.StatusOK)
	result := decode[struct {
		Changes []struct {
			Dimension string `json:"dimension"`
			NewValue  string `json:"new_value"`
		} `json:"changes"`
	}](t, body)
	if len(result.Changes) != 1 || result.Changes[0].Dimension != "lifecyclePhase" || result.Changes[0].NewValue != "feasibility" {
		t.Fatalf("unexpected changes: %+v", result.Changes)
	}

	resp, body = doJSON(t, http.MethodPost, base+"/v0/properties/"+id+"/processes", map[string]any{"type": "permit-submission"}, actor("alice"))
	expectStatus(t, resp, body, http.StatusUnprocessableEntity)
	env = decode[errorEnvelope](t, body)
	if env.Error.Code != "prerequisites_not_met" {
		t.Fatalf("expected prerequisites_not_met, got %s", env.Error.Code)
	}
	missing, _ := env.Error.Details["missing"].([]any)
	if len(missing) != 1 || missing[0] != "entitlement-preparation" {
		t.Fatalf("unexpected missing prerequisites: %v", env.Error.Details)
	}

	resp, body = doJSON(t, http.MethodGet, base+"/v0/properties/"+id, nil, actor("alice"))
	expectStatus(t, resp, body, http.StatusOK)
	prop := decode[struct {
		State struct {
			LifecyclePhase string `json:"lifecycle_phase"`
		} `json:"state"`
		ProcessHistory []any `json:"process_history"`
		StateHistory   []any `json:"state_history"`
	}](t, body)
	if prop.State.LifecyclePhase != "feasibility" || len(prop.ProcessHistory) != 1 || len(prop.StateHistory) != 1 {
		t.Fatalf("unexpected property: %s", string(body))
	}

	resp, body = doJSON(t, http.MethodGet, base+"/v0/properties/"+id+"/actions", nil, actor("alice"))
	expectStatus(t, resp, body, http.StatusOK)
	actions := decode[struct {
		Ready []struct {
			Type string `json:"type"`
		} `json:"ready"`
	}](t, body)
	found := false
	for _, a := range actions.Ready {
		if a.Type == "feasibility-analysis" {
			found = true
		}
	}
	if !found {
		t.Fatalf("feasibility-analysis should be ready: %s", string(body))
	}

	resp, body = doJSON(t, http.MethodGet, base+"/v0/properties/"+id+"/history?dimension=lifecyclePhase", nil, actor("alice"))
	expectStatus(t, resp, body, http.StatusOK)
	hist := decode[struct {
		Items []any `json:"items"`
	}](t, body)
	if len(hist.Items) != 1 {
		t.Fatalf("expected one history item, got %s", string(body))
	}

	resp, body = doJSON(t, http.MethodGet, base+"/v0/properties/"+id+"/history?dimension=colour", nil, actor("alice"))
	expectStatus(t, resp, body, http.StatusBadRequest)

	resp, body = doJSON(t, http.MethodGet, base+"/v0/properties/"+id+"/branches", nil, actor("alice"))
	expectStatus(t, resp, body, http.StatusOK)
	branches := decode[struct {
		BranchIndex int     `json:"branch_index"`
		Segments    [][]any `json:"segments"`
	}](t, body)
	if branches.BranchIndex != -1 || len(branches.Segments) != 1 {
		t.Fatalf("unexpected branch report: %s", string(body))
	}

	resp, body = doJSON(t, http.MethodGet, base+"/v0/properties/"+id+"/events?limit=2", nil, actor("alice"))
	expectStatus(t, resp, body, http.StatusOK)
	page := decode[paginatedEvents](t, body)
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("expected a full first page with a cursor: %s", string(body))
	}
	resp, body = doJSON(t, http.MethodGet, base+"/v0/properties/"+id+"/events?limit=50&cursor="+page.NextCursor, nil, actor("alice"))
	expectStatus(t, resp, body, http.StatusOK)
	rest := decode[paginatedEvents](t, body)
	if len(rest.Items) == 0 || rest.Items[0].ID >= page.Items[1].ID {
		t.Fatalf("expected older events after cursor: %s", string(body))
	}
}

func TestMissingPropertyIsNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, body := doJSON(t, http.MethodGet, srv.URL+"/v0/properties/nope", nil, actor("alice"))
	expectStatus(t, resp, body, http.StatusNotFound)
	if code := decode[errorEnvelope](t, body).Error.Code; code != "not_found" {
		t.Fatalf("expected not_found, got %s", code)
	}
}

func TestTransitionErrors(t *testing.T) {
	srv, _ := newTestServer(t)
	id := createProperty(t, srv.URL, "retail")

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/v0/properties/"+id+"/transitions", map[string]any{
		"dimension": "riskScore",
		"to":        "11",
	}, actor("alice"))
	expectStatus(t, resp, body, http.StatusBadRequest)
	if code := decode[errorEnvelope](t, body).Error.Code; code != "invalid_value" {
		t.Fatalf("expected invalid_value, got %s", code)
	}

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/v0/properties/"+id+"/transitions", map[string]any{
		"dimension": "riskScore",
		"to":        "4.5",
		"reason":    "flood zone",
	}, actor("alice"))
	expectStatus(t, resp, body, http.StatusCreated)
	sc := decode[struct {
		NewValue string `json:"new_value"`
		Trigger  string `json:"trigger"`
	}](t, body)
	if sc.NewValue != "4.5" || sc.Trigger != "manual" {
		t.Fatalf("unexpected state change: %s", string(body))
	}
}

func TestAuthentication(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	expectStatus(t, resp, body, http.StatusOK)

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/v0/properties", nil, nil)
	expectStatus(t, resp, body, http.StatusUnauthorized)

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/v0/properties", nil, map[string]string{"Authorization": "Bearer garbage"})
	expectStatus(t, resp, body, http.StatusUnauthorized)

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/v0/rbac/api-keys", map[string]any{"actor_id": "alice", "name": "ci"}, actor("alice"))
	expectStatus(t, resp, body, http.StatusCreated)
	key := decode[APIKeyResponse](t, body)
	if key.Key == "" || key.ID == "" {
		t.Fatalf("expected plaintext key: %s", string(body))
	}

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": key.Key})
	expectStatus(t, resp, body, http.StatusOK)
	me := decode[WhoAmIResponse](t, body)
	if me.ActorID != "alice" || me.Source != "api_key" {
		t.Fatalf("unexpected principal: %+v", me)
	}

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": "pl_wrong"})
	expectStatus(t, resp, body, http.StatusUnauthorized)

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id":    "carol",
		"permissions": []string{"property.read"},
	}, nil)
	expectStatus(t, resp, body, http.StatusOK)
	token := decode[DevLoginResponse](t, body).Token
	bearer := map[string]string{"Authorization": "Bearer " + token}

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/v0/properties", nil, bearer)
	expectStatus(t, resp, body, http.StatusOK)
	resp, body = doJSON(t, http.MethodPost, srv.URL+"/v0/properties", map[string]any{"name": "x", "subtype": "retail"}, bearer)
	expectStatus(t, resp, body, http.StatusForbidden)

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": "dana",
		"roles":    []string{"manager"},
	}, nil)
	expectStatus(t, resp, body, http.StatusOK)
	bearer = map[string]string{"Authorization": "Bearer " + decode[DevLoginResponse](t, body).Token}
	resp, body = doJSON(t, http.MethodPost, srv.URL+"/v0/properties", map[string]any{"name": "x", "subtype": "retail"}, bearer)
	expectStatus(t, resp, body, http.StatusCreated)
	resp, body = doJSON(t, http.MethodPost, srv.URL+"/v0/rbac/roles/grant", map[string]any{"actor_id": "eve", "role_id": "viewer"}, bearer)
	expectStatus(t, resp, body, http.StatusForbidden)
}

func TestRoleBindingsGateAccess(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/v0/properties", nil, actor("bob"))
	expectStatus(t, resp, body, http.StatusForbidden)

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/v0/rbac/roles/grant", map[string]any{"actor_id": "bob", "role_id": "viewer"}, actor("alice"))
	expectStatus(t, resp, body, http.StatusOK)

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/v0/properties", nil, actor("bob"))
	expectStatus(t, resp, body, http.StatusOK)
	resp, body = doJSON(t, http.MethodPost, srv.URL+"/v0/properties", map[string]any{"name": "x", "subtype": "retail"}, actor("bob"))
	expectStatus(t, resp, body, http.StatusForbidden)
	if code := decode[errorEnvelope](t, body).Error.Code; code != "forbidden" {
		t.Fatalf("expected forbidden, got %s", code)
	}

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/v0/rbac/roles/grant", map[string]any{"actor_id": "bob", "role_id": "emperor"}, actor("alice"))
	expectStatus(t, resp, body, http.StatusNotFound)

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/v0/rbac/roles/revoke", map[string]any{"actor_id": "bob", "role_id": "viewer"}, actor("alice"))
	expectStatus(t, resp, body, http.StatusNoContent)
	resp, body = doJSON(t, http.MethodGet, srv.URL+"/v0/properties", nil, actor("bob"))
	expectStatus(t, resp, body, http.StatusForbidden)
}

func TestWebhookDelivery(t *testing.T) {
	var mu sync.Mutex
	var got []webhookEvent
	var headers []http.Header
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		got = append(got, evt)
		headers = append(headers, r.Header.Clone())
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	cfg := config.Default("harbor")
	cfg.Webhooks = []config.WebhookConfig{{URL: hook.URL, Secret: "s3cret", Events: []string{"property.*"}}}
	e := newTestEngine(t, cfg)
	ctx := context.Background()

	d := NewWebhookDispatcher(e, zap.NewNop())
	d.DispatchOnce(ctx)

	p, err := e.CreateProperty(ctx, engine.CreatePropertyOptions{Name: "Pier 4", Subtype: "industrial", ActorID: "alice"})
	if err != nil {
		t.Fatalf("create property: %v", err)
	}
	if _, err := e.StartProcess(ctx, p.ID, engine.StartOptions{Type: "site-assessment", ActorID: "alice"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	d.DispatchOnce(ctx)
	d.DispatchOnce(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected one filtered delivery, got %d", len(got))
	}
	if got[0].Type != "property.created" || got[0].PropertyID != p.ID {
		t.Fatalf("unexpected delivery: %+v", got[0])
	}
	if headers[0].Get("X-Propline-Event") != "property.created" || headers[0].Get("X-Propline-Secret") != "s3cret" {
		t.Fatalf("unexpected headers: %v", headers[0])
	}
}

func TestEventFilter(t *testing.T) {
	f := newEventFilter([]string{"process.*", "state.changed"})
	cases := map[string]bool{
		"process.started":  true,
		"process.blocked":  true,
		"state.changed":    true,
		"property.created": false,
	}
	for evt, want := range cases {
		if f.match(evt) != want {
			t.Fatalf("match(%s) = %v, want %v", evt, !want, want)
		}
	}
	if !newEventFilter(nil).match("anything") {
		t.Fatalf("empty filter should match everything")
	}
}

func TestOpenAPIAndMetricsAreServed(t *testing.T) {
	srv, _ := newTestServer(t)
	createProperty(t, srv.URL, "retail")

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	expectStatus(t, resp, body, http.StatusOK)
	if !bytes.Contains(body, []byte("bearerAuth")) || !bytes.Contains(body, []byte("/v0/properties/{property_id}/transitions")) {
		t.Fatalf("openapi document is missing expected entries")
	}

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/metrics", nil, nil)
	expectStatus(t, resp, body, http.StatusOK)
	if !bytes.Contains(body, []byte("propline_engine_operations_total")) {
		t.Fatalf("metrics do not include operation counters")
	}
}
