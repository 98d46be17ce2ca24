// Package httpapi implements the catalog provider against a remote Heirloom
// API over HTTP.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/splax/heirloom/internal/domain"
	"github.com/splax/heirloom/internal/provider"
	"github.com/splax/heirloom/internal/provider/record"
)

// Client provides typed access to a remote catalog API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

var (
	_ provider.Provider      = (*Client)(nil)
	_ provider.HealthChecker = (*Client)(nil)
)

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithToken sends token as a bearer credential on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = strings.TrimSpace(token) }
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		return nil, fmt.Errorf("api base url is required")
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

// Ping checks that the remote API answers its health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

// ListApplications fetches every application.
func (c *Client) ListApplications(ctx context.Context) ([]domain.Application, error) {
	raws, err := c.list(ctx, "/api/v1/applications")
	if err != nil {
		return nil, mapError(err, domain.ErrNotFound)
	}
	return record.Decode(raws, record.Application)
}

// ListRegions fetches the regions an application is deployed to.
func (c *Client) ListRegions(ctx context.Context, appID domain.ID) ([]domain.Region, error) {
	raws, err := c.list(ctx, "/api/v1/applications/"+url.PathEscape(appID.String())+"/regions")
	if err != nil {
		return nil, mapError(err, domain.ErrNotFound)
	}
	return record.Decode(raws, record.Region)
}

// ListEnvironments fetches the environments of an application in a region.
func (c *Client) ListEnvironments(ctx context.Context, appID, regionID domain.ID) ([]domain.Environment, error) {
	path := fmt.Sprintf("/api/v1/applications/%s/regions/%s/environments",
		url.PathEscape(appID.String()), url.PathEscape(regionID.String()))
	raws, err := c.list(ctx, path)
	if err != nil {
		return nil, mapError(err, domain.ErrNotFound)
	}
	return record.Decode(raws, record.Environment)
}

// ListVersions fetches the deployment history of scope.
func (c *Client) ListVersions(ctx context.Context, scope domain.Scope) ([]domain.Version, error) {
	path := fmt.Sprintf("/api/v1/applications/%s/environments/%s/regions/%s/versions",
		url.PathEscape(scope.ApplicationID.String()),
		url.PathEscape(scope.EnvironmentID.String()),
		url.PathEscape(scope.RegionID.String()))
	raws, err := c.list(ctx, path)
	if err != nil {
		return nil, mapError(err, domain.ErrScopeNotFound)
	}
	return record.Decode(raws, func(r record.Raw) (domain.Version, error) {
		return record.Version(r, scope)
	})
}

type releaseRequest struct {
	ApplicationID domain.ID `json:"application_id"`
	EnvironmentID domain.ID `json:"environment_id"`
	RegionID      domain.ID `json:"region_id"`
	Version       string    `json:"version"`
	Actor         string    `json:"actor,omitempty"`
}

type rollbackRequest struct {
	ApplicationID   domain.ID `json:"application_id"`
	EnvironmentID   domain.ID `json:"environment_id"`
	RegionID        domain.ID `json:"region_id"`
	TargetVersionID domain.ID `json:"target_version_id,omitempty"`
	Actor           string    `json:"actor,omitempty"`
}

// PersistRelease asks the remote API to record a release.
func (c *Client) PersistRelease(ctx context.Context, scope domain.Scope, label, actor string) (domain.Version, error) {
	body := releaseRequest{
		ApplicationID: scope.ApplicationID,
		EnvironmentID: scope.EnvironmentID,
		RegionID:      scope.RegionID,
		Version:       label,
		Actor:         actor,
	}
	var raw record.Raw
	if err := c.do(ctx, http.MethodPost, "/api/v1/release", body, &raw); err != nil {
		return domain.Version{}, mapError(err, domain.ErrScopeNotFound)
	}
	return record.Version(unwrap(raw), scope)
}

// PersistRollback asks the remote API to reactivate targetID.
func (c *Client) PersistRollback(ctx context.Context, scope domain.Scope, targetID domain.ID, actor string) (domain.Version, error) {
	body := rollbackRequest{
		ApplicationID:   scope.ApplicationID,
		EnvironmentID:   scope.EnvironmentID,
		RegionID:        scope.RegionID,
		TargetVersionID: targetID,
		Actor:           actor,
	}
	var raw record.Raw
	if err := c.do(ctx, http.MethodPost, "/api/v1/rollback", body, &raw); err != nil {
		err = mapError(err, domain.ErrVersionNotFound)
		if errors.Is(err, domain.ErrInvalidInput) {
			err = fmt.Errorf("%w: %v", domain.ErrInvalidTarget, err)
		}
		return domain.Version{}, err
	}
	return record.Version(unwrap(raw), scope)
}

// RollbackToPrevious asks the remote API to reactivate the most recent
// version of scope that is neither active nor failed.
func (c *Client) RollbackToPrevious(ctx context.Context, scope domain.Scope, actor string) (domain.Version, error) {
	return c.PersistRollback(ctx, scope, "", actor)
}

// Deployments fetches the deployments overview, at most limit rows per
// scope. A non-positive limit leaves the choice to the server.
func (c *Client) Deployments(ctx context.Context, limit int) ([]domain.Deployment, error) {
	path := "/api/v1/deployments"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var payload struct {
		Data []domain.Deployment `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &payload); err != nil {
		return nil, mapError(err, domain.ErrNotFound)
	}
	return payload.Data, nil
}

// History fetches the versions of the scope named by names, newest first.
func (c *Client) History(ctx context.Context, names provider.ScopeNames) (domain.Scope, []domain.Version, error) {
	q := url.Values{}
	q.Set("application", names.Application)
	q.Set("region", names.Region)
	q.Set("environment", names.Environment)
	var payload struct {
		Scope domain.Scope `json:"scope"`
		Data  []record.Raw `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/history?"+q.Encode(), nil, &payload); err != nil {
		return domain.Scope{}, nil, mapError(err, domain.ErrScopeNotFound)
	}
	versions, err := record.Decode(payload.Data, func(r record.Raw) (domain.Version, error) {
		return record.Version(r, payload.Scope)
	})
	if err != nil {
		return domain.Scope{}, nil, err
	}
	return payload.Scope, versions, nil
}

// list fetches a collection that is either a bare JSON array or an object
// wrapping it under "data" or "items".
func (c *Client) list(ctx context.Context, path string) ([]record.Raw, error) {
	var payload json.RawMessage
	if err := c.do(ctx, http.MethodGet, path, nil, &payload); err != nil {
		return nil, err
	}
	payload = bytes.TrimSpace(payload)
	if len(payload) > 0 && payload[0] == '{' {
		var envelope map[string]json.RawMessage
		if err := decodeNumbers(payload, &envelope); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrMalformedRecord, err)
		}
		payload = envelope["data"]
		if payload == nil {
			payload = envelope["items"]
		}
	}
	if len(payload) == 0 || string(payload) == "null" {
		return nil, nil
	}
	var raws []record.Raw
	if err := decodeNumbers(payload, &raws); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedRecord, err)
	}
	return raws, nil
}

// unwrap returns the version object of a mutation response, which may be
// wrapped under "data" or "deployment".
func unwrap(raw record.Raw) record.Raw {
	for _, key := range []string{"data", "deployment"} {
		if inner, ok := raw[key].(map[string]any); ok {
			return record.Raw(inner)
		}
	}
	return raw
}

func decodeNumbers(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

func (c *Client) do(ctx context.Context, method, path string, body any, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := c.baseURL + path
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: perform request: %v", domain.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return extractError(resp.StatusCode, resp.Body)
	}

	if v == nil {
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %v", domain.ErrProviderUnavailable, err)
	}
	if err := decodeNumbers(data, v); err != nil {
		return fmt.Errorf("%w: decode response: %v", domain.ErrMalformedRecord, err)
	}
	return nil
}

func extractError(status int, body io.Reader) APIError {
	apiErr := APIError{Status: status}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return apiErr
	}
	var payload struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		apiErr.Message = strings.TrimSpace(string(data))
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(payload.Error)
	apiErr.Code = strings.TrimSpace(payload.Code)
	return apiErr
}

// mapError folds transport and status errors into the catalog taxonomy.
// notFound is used for 404 responses that carry no catalog code.
func mapError(err error, notFound error) error {
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	if kind := domain.ErrorForCode(apiErr.Code); kind != nil {
		return fmt.Errorf("%w: %s", kind, apiErr.Message)
	}
	switch {
	case apiErr.Status == http.StatusNotFound:
		return fmt.Errorf("%w: %v", notFound, apiErr)
	case apiErr.Status == http.StatusConflict:
		return fmt.Errorf("%w: %v", domain.ErrConflictingWrite, apiErr)
	case apiErr.Status == http.StatusBadRequest || apiErr.Status == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, apiErr)
	case apiErr.Status >= http.StatusInternalServerError || apiErr.Status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, apiErr)
	default:
		return err
	}
}
