package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax/heirloom/internal/domain"
)

var scope = domain.Scope{ApplicationID: "1", EnvironmentID: "2", RegionID: "3"}

func newClient(t *testing.T, h http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL, opts...)
	require.NoError(t, err)
	return c
}

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := New("  ")
	require.Error(t, err)

	c, err := New("catalog.internal:4000/")
	require.NoError(t, err)
	assert.Equal(t, "http://catalog.internal:4000", c.baseURL)
}

func TestListApplicationsAcceptsArrayAndEnvelope(t *testing.T) {
	calls := 0
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, "/api/v1/applications", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		if calls == 1 {
			_, _ = w.Write([]byte(`[{"ID": 1, "Name": "api"}]`))
			return
		}
		_, _ = w.Write([]byte(`{"data": [{"id": "2", "name": "web"}]}`))
	}, WithToken(" secret "))

	apps, err := c.ListApplications(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []domain.Application{{ID: "1", Name: "api"}}, apps)

	apps, err = c.ListApplications(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []domain.Application{{ID: "2", Name: "web"}}, apps)
}

func TestListVersionsUsesScopePathAndFallback(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/applications/1/environments/2/regions/3/versions", r.URL.Path)
		_, _ = w.Write([]byte(`[{"id": 9007199254740993, "version": "1.0", "status": "Active", "CreatedAt": "2025-01-01T00:00:00Z"}]`))
	})
	versions, err := c.ListVersions(context.Background(), scope)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, domain.ID("9007199254740993"), versions[0].ID)
	assert.Equal(t, scope, versions[0].Scope)
	assert.Equal(t, domain.StatusActive, versions[0].Status)
}

func TestMalformedPayload(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"id": 1}]`))
	})
	_, err := c.ListApplications(context.Background())
	require.ErrorIs(t, err, domain.ErrMalformedRecord)
}

func TestPersistReleaseSendsBody(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/release", r.URL.Path)
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "v3", body["version"])
		assert.Equal(t, "ana", body["actor"])
		assert.Equal(t, "1", body["application_id"])
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"data": {"id": 44, "version": "v3", "status": "active", "deployed_by": "ana", "deployed_at": 1735689600}}`))
	})
	v, err := c.PersistRelease(context.Background(), scope, "v3", "ana")
	require.NoError(t, err)
	assert.Equal(t, domain.ID("44"), v.ID)
	assert.Equal(t, "v3", v.Label)
	assert.Equal(t, time.Unix(1735689600, 0).UTC(), v.DeployedAt)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"coded", http.StatusConflict, `{"error": "busy", "code": "CONFLICTING_WRITE"}`, domain.ErrConflictingWrite},
		{"conflict", http.StatusConflict, `{"error": "busy"}`, domain.ErrConflictingWrite},
		{"not found", http.StatusNotFound, ``, domain.ErrVersionNotFound},
		{"bad target", http.StatusBadRequest, `{"error": "failed version"}`, domain.ErrInvalidTarget},
		{"unavailable", http.StatusServiceUnavailable, `down`, domain.ErrProviderUnavailable},
		{"coded target", http.StatusUnprocessableEntity, `{"error": "x", "code": "INVALID_TARGET"}`, domain.ErrInvalidTarget},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})
			_, err := c.PersistRollback(context.Background(), scope, "7", "ana")
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestTransportFailureIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	c, err := New(base)
	require.NoError(t, err)
	_, err = c.ListRegions(context.Background(), "1")
	require.ErrorIs(t, err, domain.ErrProviderUnavailable)
}

func TestTimeoutIsUnavailable(t *testing.T) {
	release := make(chan struct{})
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.PersistRollback(ctx, scope, "7", "ana")
	require.ErrorIs(t, err, domain.ErrProviderUnavailable)
}
