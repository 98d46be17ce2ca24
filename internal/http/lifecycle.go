package httpx

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/splax/heirloom/internal/domain"
	"github.com/splax/heirloom/internal/provider"
)

type releaseRequest struct {
	ApplicationID domain.ID `json:"application_id"`
	EnvironmentID domain.ID `json:"environment_id"`
	RegionID      domain.ID `json:"region_id"`
	Application   string    `json:"application"`
	Region        string    `json:"region"`
	Environment   string    `json:"environment"`
	Version       string    `json:"version"`
	Actor         string    `json:"actor"`
}

type rollbackRequest struct {
	ApplicationID   domain.ID `json:"application_id"`
	EnvironmentID   domain.ID `json:"environment_id"`
	RegionID        domain.ID `json:"region_id"`
	TargetVersionID domain.ID `json:"target_version_id"`
	Actor           string    `json:"actor"`
}

func (p releaseRequest) scope() domain.Scope {
	return domain.Scope{ApplicationID: p.ApplicationID, EnvironmentID: p.EnvironmentID, RegionID: p.RegionID}
}

func (p releaseRequest) names() provider.ScopeNames {
	return provider.ScopeNames{
		Application: strings.TrimSpace(p.Application),
		Region:      strings.TrimSpace(p.Region),
		Environment: strings.TrimSpace(p.Environment),
	}
}

func (r *Router) handleRelease(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload releaseRequest
	if !decodeBody(w, req, &payload) {
		return
	}
	scope := payload.scope()
	if !scope.Valid() {
		resolved, err := r.resolveScope(req, payload.names())
		if err != nil {
			writeDomainError(w, err)
			return
		}
		scope = resolved
	}
	if scope.Valid() && !r.chargeScope(w, "release", scope) {
		return
	}
	version, err := r.engine.Release(req.Context(), scope, payload.Version, r.actor(req, payload.Actor))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"data": version})
}

// resolveScope maps names to a scope, creating missing catalog entities when
// the provider supports it. A new application is not yet visible under the
// root node, so the root is invalidated.
func (r *Router) resolveScope(req *http.Request, names provider.ScopeNames) (domain.Scope, error) {
	if names.Application == "" && names.Region == "" && names.Environment == "" {
		return domain.Scope{}, fmt.Errorf("%w: application_id, environment_id and region_id required", domain.ErrInvalidInput)
	}
	if r.resolver == nil {
		return domain.Scope{}, fmt.Errorf("%w: provider cannot resolve scopes by name", domain.ErrInvalidInput)
	}
	scope, err := r.resolver.EnsureScope(req.Context(), names)
	if err != nil {
		return domain.Scope{}, err
	}
	if _, ok := r.store.Application(scope.ApplicationID); !ok {
		r.engine.Invalidate(req.Context(), domain.RootNode())
	}
	return scope, nil
}

func (r *Router) handleRollback(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload rollbackRequest
	if !decodeBody(w, req, &payload) {
		return
	}
	scope := domain.Scope{ApplicationID: payload.ApplicationID, EnvironmentID: payload.EnvironmentID, RegionID: payload.RegionID}
	actor := r.actor(req, payload.Actor)
	if scope.Valid() && !r.chargeScope(w, "rollback", scope) {
		return
	}
	var (
		version domain.Version
		err     error
	)
	if payload.TargetVersionID.IsZero() {
		version, err = r.engine.RollbackToPrevious(req.Context(), scope, actor)
	} else {
		version, err = r.engine.Rollback(req.Context(), scope, payload.TargetVersionID, actor)
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": version})
}

// actor prefers the authenticated identity over the name given in the body.
func (r *Router) actor(req *http.Request, fromBody string) string {
	if info, ok := authInfoFromContext(req.Context()); ok && info.Actor != "" {
		return info.Actor
	}
	return strings.TrimSpace(fromBody)
}
