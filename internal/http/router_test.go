package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax/heirloom/internal/domain"
	"github.com/splax/heirloom/internal/provider"
	"github.com/splax/heirloom/internal/provider/httpapi"
	"github.com/splax/heirloom/internal/provider/memory"
	"github.com/splax/heirloom/internal/service/lifecycle"
	"github.com/splax/heirloom/internal/service/loader"
	"github.com/splax/heirloom/internal/store"
	"github.com/splax/heirloom/internal/ws"
	"github.com/splax/heirloom/pkg/jwt"
)

const seedDoc = `{
	"applications": [{"id": 1, "name": "api"}, {"id": 2, "name": "web"}],
	"regions": [{"id": 10, "code": "eu-west-1", "name": "Ireland"}],
	"environments": [{"id": 21, "name": "production"}],
	"deployments": [
		{"id": 100, "application_id": 1, "region_id": 10, "environment_id": 21, "version": "1.0.0", "status": "inactive", "deployed_by": "ana", "deployed_at": "2025-01-01T00:00:00Z"},
		{"id": 101, "application_id": 1, "region_id": 10, "environment_id": 21, "version": "1.1.0", "status": "active", "deployed_by": "ana", "deployed_at": "2025-01-02T00:00:00Z"},
		{"id": 102, "application_id": 1, "region_id": 10, "environment_id": 21, "version": "1.2.0", "status": "failed", "deployed_by": "bo", "deployed_at": "2025-01-03T00:00:00Z"}
	]
}`

type fixture struct {
	router   *Router
	provider *memory.Provider
	store    *store.Store
	hub      *ws.Hub
}

func newFixture(t *testing.T, secret string, checks map[string]HealthCheck) *fixture {
	t.Helper()
	p, err := memory.Load(strings.NewReader(seedDoc))
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.New()
	l := loader.New(p, st, loader.WithLogger(logger))
	engine := lifecycle.New(p, l, lifecycle.WithLogger(logger))
	hub := ws.NewHub()
	detach := hub.Attach(st)
	r := NewRouter(logger, l, engine, hub, p, nil, secret, checks)
	t.Cleanup(func() {
		detach()
		hub.Close()
		r.Close()
	})
	return &fixture{router: r, provider: p, store: st, hub: hub}
}

func (f *fixture) do(t *testing.T, method, path string, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestTreeExpandsEachLevel(t *testing.T) {
	f := newFixture(t, "", nil)

	rec := f.do(t, http.MethodGet, "/api/v1/tree", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "/", body["node"])
	assert.Equal(t, "loaded", body["state"].(map[string]any)["state"])
	assert.Len(t, body["children"].(map[string]any)["applications"], 2)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = f.do(t, http.MethodGet, "/api/v1/tree/1/10/21", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	assert.Equal(t, "environment", body["level"])
	versions := body["children"].(map[string]any)["versions"].([]any)
	require.Len(t, versions, 3)
	assert.Equal(t, "102", versions[0].(map[string]any)["id"])

	rec = f.do(t, http.MethodGet, "/api/v1/tree/9", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	body = decode(t, rec)
	assert.Equal(t, "NOT_FOUND", body["code"])
	assert.Equal(t, "error", body["state"].(map[string]any)["state"])

	rec = f.do(t, http.MethodGet, "/api/v1/tree/1/2/3/4", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCollapseAndInvalidate(t *testing.T) {
	f := newFixture(t, "", nil)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/v1/tree/1", nil, nil).Code)
	calls := f.provider.Calls(memory.OpListRegions)

	rec := f.do(t, http.MethodPost, "/api/v1/tree/collapse", map[string]string{"path": "/1"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	state := decode(t, rec)["state"].(map[string]any)
	assert.Equal(t, false, state["expanded"])
	assert.Equal(t, "loaded", state["state"])

	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/v1/tree/1", nil, nil).Code)
	assert.Equal(t, calls, f.provider.Calls(memory.OpListRegions))

	rec = f.do(t, http.MethodPost, "/api/v1/tree/invalidate", map[string]string{"path": "/1"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "unloaded", decode(t, rec)["state"].(map[string]any)["state"])

	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/v1/tree/1", nil, nil).Code)
	assert.Equal(t, calls+1, f.provider.Calls(memory.OpListRegions))

	assert.Equal(t, http.StatusMethodNotAllowed, f.do(t, http.MethodGet, "/api/v1/tree/collapse", nil, nil).Code)
}

func TestReleaseAndRollback(t *testing.T) {
	f := newFixture(t, "", nil)
	scope := map[string]any{"application_id": 1, "environment_id": 21, "region_id": 10}

	release := map[string]any{"version": "2.0.0", "actor": "cy"}
	for k, v := range scope {
		release[k] = v
	}
	rec := f.do(t, http.MethodPost, "/api/v1/release", release, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	data := decode(t, rec)["data"].(map[string]any)
	assert.Equal(t, "2.0.0", data["version"])
	assert.Equal(t, "active", data["status"])
	assert.Equal(t, "cy", data["deployed_by"])

	rec = f.do(t, http.MethodGet, "/api/v1/applications/1/environments/21/regions/10/versions", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	versions := decode(t, rec)["data"].([]any)
	require.Len(t, versions, 4)
	assert.Equal(t, data["id"], versions[0].(map[string]any)["id"])

	rollback := map[string]any{"target_version_id": "102"}
	for k, v := range scope {
		rollback[k] = v
	}
	rec = f.do(t, http.MethodPost, "/api/v1/rollback", rollback, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "INVALID_TARGET", decode(t, rec)["code"])

	delete(rollback, "target_version_id")
	rec = f.do(t, http.MethodPost, "/api/v1/rollback", rollback, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	data = decode(t, rec)["data"].(map[string]any)
	assert.Equal(t, "101", data["id"])
	assert.Equal(t, "active", data["status"])
	assert.Equal(t, "system", data["last_action"].(map[string]any)["actor"])
}

func TestReleaseValidation(t *testing.T) {
	f := newFixture(t, "", nil)

	rec := f.do(t, http.MethodPost, "/api/v1/release", map[string]any{"version": "1"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_INPUT", decode(t, rec)["code"])

	rec = f.do(t, http.MethodPost, "/api/v1/release", map[string]any{"application_id": 7, "environment_id": 8, "region_id": 9, "version": "1"}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "SCOPE_NOT_FOUND", decode(t, rec)["code"])

	req := httptest.NewRequest(http.MethodPost, "/api/v1/release", strings.NewReader("{"))
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	assert.Equal(t, http.StatusMethodNotAllowed, f.do(t, http.MethodGet, "/api/v1/release", nil, nil).Code)
}

func TestReleaseByNameCreatesScope(t *testing.T) {
	f := newFixture(t, "", nil)
	rec := f.do(t, http.MethodGet, "/api/v1/applications", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decode(t, rec)["data"], 2)

	rec = f.do(t, http.MethodPost, "/api/v1/release", map[string]any{
		"application": "billing",
		"region":      "eu-west-1",
		"environment": "production",
		"version":     "0.1.0",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	data := decode(t, rec)["data"].(map[string]any)
	scope := data["scope"].(map[string]any)
	assert.Equal(t, "10", scope["region_id"])
	assert.Equal(t, "21", scope["environment_id"])

	rec = f.do(t, http.MethodGet, "/api/v1/applications", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	apps := decode(t, rec)["data"].([]any)
	require.Len(t, apps, 3)
	assert.Equal(t, "api", apps[0].(map[string]any)["name"])
	assert.Equal(t, "billing", apps[1].(map[string]any)["name"])

	rec = f.do(t, http.MethodGet, "/api/v1/applications/"+scope["application_id"].(string), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "billing", decode(t, rec)["data"].(map[string]any)["name"])
}

func TestDeploymentsOverview(t *testing.T) {
	f := newFixture(t, "", nil)

	rec := f.do(t, http.MethodGet, "/api/v1/deployments", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rows := decode(t, rec)["data"].([]any)
	require.Len(t, rows, 2)
	first := rows[0].(map[string]any)
	assert.Equal(t, "api", first["application_name"])
	assert.Equal(t, "production", first["environment"])
	assert.Equal(t, "eu-west-1", first["region"])
	assert.Equal(t, "1.1.0", first["version"])
	assert.Equal(t, "active", first["status"])
	assert.Equal(t, "1.0.0", rows[1].(map[string]any)["version"])

	rec = f.do(t, http.MethodGet, "/api/v1/deployments?limit=1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["data"], 1)

	rec = f.do(t, http.MethodGet, "/api/v1/deployments?limit=zero", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_INPUT", decode(t, rec)["code"])

	// The overview loads the tree without expanding it.
	assert.False(t, f.router.loader.Expanded(domain.RootNode()))
	assert.False(t, f.router.loader.Expanded(domain.EnvNode("1", "10", "21")))
	assert.True(t, f.store.Loaded(domain.Scope{ApplicationID: "1", EnvironmentID: "21", RegionID: "10"}))
}

func TestHistoryByName(t *testing.T) {
	f := newFixture(t, "", nil)

	rec := f.do(t, http.MethodGet, "/api/v1/history?application=api&environment=production&region=eu-west-1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "1", body["scope"].(map[string]any)["application_id"])
	versions := body["data"].([]any)
	require.Len(t, versions, 3)
	assert.Equal(t, "102", versions[0].(map[string]any)["id"])

	rec = f.do(t, http.MethodGet, "/api/v1/history?application=api&region=eu-west-1", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/history?application=web&environment=production&region=eu-west-1", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "SCOPE_NOT_FOUND", decode(t, rec)["code"])

	rec = f.do(t, http.MethodPost, "/api/v1/release", map[string]any{
		"application": "billing",
		"region":      "eu-west-1",
		"environment": "production",
		"version":     "0.1.0",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/v1/history?application=billing&environment=production&region=eu-west-1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	versions = decode(t, rec)["data"].([]any)
	require.Len(t, versions, 1)
	assert.Equal(t, "0.1.0", versions[0].(map[string]any)["version"])
}

func TestMutationsRequireTokenWhenSecretConfigured(t *testing.T) {
	f := newFixture(t, "secret", nil)
	release := map[string]any{"application_id": 1, "environment_id": 21, "region_id": 10, "version": "2.0.0", "actor": "spoofed"}

	rec := f.do(t, http.MethodPost, "/api/v1/release", release, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/release", release, http.Header{"Authorization": {"Bearer nope"}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := jwt.GenerateToken("42", "dana", "secret", time.Hour)
	require.NoError(t, err)
	rec = f.do(t, http.MethodPost, "/api/v1/release", release, http.Header{"Authorization": {"Bearer " + token}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "dana", decode(t, rec)["data"].(map[string]any)["deployed_by"])
	assert.Equal(t, "30", rec.Header().Get("X-RateLimit-Limit"))

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/v1/tree", nil, nil).Code)
}

func TestHealthzReportsComponents(t *testing.T) {
	f := newFixture(t, "", map[string]HealthCheck{
		"provider": func(context.Context) error { return nil },
	})
	rec := f.do(t, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])

	down := newFixture(t, "", map[string]HealthCheck{
		"provider": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	})
	rec = down.do(t, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "degraded", body["status"])
	components := body["components"].(map[string]any)
	assert.Equal(t, "down", components["redis"].(map[string]any)["status"])
	assert.Equal(t, "up", components["provider"].(map[string]any)["status"])
}

func TestMemoryRateLimiterWindows(t *testing.T) {
	rl := NewMemoryRateLimiter().(*memoryLimiter)
	defer rl.Close()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	b := Budget{Limit: 2, Window: time.Minute}

	assert.True(t, rl.Charge("ip:1", b).Allowed)
	assert.True(t, rl.Charge("ip:1", b).Allowed)
	denied := rl.Charge("ip:1", b)
	assert.False(t, denied.Allowed)
	assert.Equal(t, now.Add(time.Minute), denied.Reset)
	assert.Zero(t, denied.remaining(b))
	assert.True(t, rl.Charge("ip:2", b).Allowed)

	now = now.Add(2 * time.Minute)
	assert.True(t, rl.Charge("ip:1", b).Allowed)
	rl.sweep(now.Add(2 * time.Minute))
	assert.Empty(t, rl.windows)
}

func TestScopeWriteBudgetIsSharedByCallers(t *testing.T) {
	f := newFixture(t, "", nil)
	release := func(scope map[string]any, actor string) *httptest.ResponseRecorder {
		body := map[string]any{"version": "9.9.9", "actor": actor}
		for k, v := range scope {
			body[k] = v
		}
		return f.do(t, http.MethodPost, "/api/v1/release", body, http.Header{"X-Forwarded-For": {actor}})
	}
	busy := map[string]any{"application_id": 1, "environment_id": 21, "region_id": 10}

	for i := 0; i < scopeBudget.Limit; i++ {
		actor := "10.0.0.1"
		if i%2 == 1 {
			actor = "10.0.0.2"
		}
		rec := release(busy, actor)
		require.Equal(t, http.StatusCreated, rec.Code, "release %d: %s", i, rec.Body.String())
	}
	calls := f.provider.Calls(memory.OpPersistRelease)

	rec := release(busy, "10.0.0.3")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "RATE_LIMITED", decode(t, rec)["code"])
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	rollback := map[string]any{"application_id": 1, "environment_id": 21, "region_id": 10}
	rec = f.do(t, http.MethodPost, "/api/v1/rollback", rollback, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, calls, f.provider.Calls(memory.OpPersistRelease))
	assert.Zero(t, f.provider.Calls(memory.OpPersistRollback))

	rec = f.do(t, http.MethodPost, "/api/v1/release", map[string]any{
		"application": "billing",
		"region":      "eu-west-1",
		"environment": "production",
		"version":     "0.1.0",
	}, nil)
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestServesAsUpstreamForHTTPProvider(t *testing.T) {
	f := newFixture(t, "", nil)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	client, err := httpapi.New(srv.URL)
	require.NoError(t, err)
	ctx := context.Background()

	apps, err := client.ListApplications(ctx)
	require.NoError(t, err)
	require.Len(t, apps, 2)

	regions, err := client.ListRegions(ctx, "1")
	require.NoError(t, err)
	require.Len(t, regions, 1)
	assert.Equal(t, "eu-west-1", regions[0].Code)

	envs, err := client.ListEnvironments(ctx, "1", "10")
	require.NoError(t, err)
	require.Len(t, envs, 1)

	scope := domain.Scope{ApplicationID: "1", EnvironmentID: "21", RegionID: "10"}
	released, err := client.PersistRelease(ctx, scope, "3.0.0", "eve")
	require.NoError(t, err)
	assert.True(t, released.Active())
	assert.Equal(t, "eve", released.DeployedBy)

	versions, err := client.ListVersions(ctx, scope)
	require.NoError(t, err)
	require.Len(t, versions, 4)
	assert.Equal(t, released.ID, versions[0].ID)

	_, err = client.PersistRollback(ctx, scope, "102", "eve")
	assert.ErrorIs(t, err, domain.ErrInvalidTarget)

	previous, err := client.RollbackToPrevious(ctx, scope, "eve")
	require.NoError(t, err)
	assert.Equal(t, domain.ID("101"), previous.ID)
	assert.True(t, previous.Active())

	rows, err := client.Deployments(ctx, 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, released.ID, rows[0].VersionID)
	assert.Equal(t, domain.StatusInactive, rows[0].Status)
	assert.Equal(t, domain.ID("101"), rows[1].VersionID)
	assert.Equal(t, scope, rows[1].Scope)

	named, history, err := client.History(ctx, provider.ScopeNames{Application: "api", Region: "eu-west-1", Environment: "production"})
	require.NoError(t, err)
	assert.Equal(t, scope, named)
	require.Len(t, history, 4)
	assert.Equal(t, released.ID, history[0].ID)

	_, _, err = client.History(ctx, provider.ScopeNames{Application: "nope", Region: "eu-west-1", Environment: "production"})
	assert.ErrorIs(t, err, domain.ErrScopeNotFound)

	_, err = client.ListRegions(ctx, "9")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestWebsocketStreamsScopeChanges(t *testing.T) {
	f := newFixture(t, "", nil)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/v1/tree/1/10/21", nil, nil).Code)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/changes?scope=/1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	time.Sleep(50 * time.Millisecond)

	rec := f.do(t, http.MethodPost, "/api/v1/release", map[string]any{"application_id": 1, "environment_id": 21, "region_id": 10, "version": "2.0.0"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev ws.Event
	require.NoError(t, json.Unmarshal(payload, &ev))
	assert.Equal(t, store.ChangeVersions, ev.Kind)
	assert.Equal(t, "/1/10/21", ev.Node)

	rec = f.do(t, http.MethodGet, "/ws/changes?scope=/1/2/3/4", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
