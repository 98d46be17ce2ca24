package httpx

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/splax/heirloom/internal/domain"
	"github.com/splax/heirloom/internal/provider"
)

// The flat catalog listings answer in the shape consumed by the HTTP
// provider, so one instance can act as another's upstream.

func (r *Router) handleApplications(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	children, err := r.loader.Expand(req.Context(), domain.RootNode())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": nonNil(children.Applications)})
}

func (r *Router) handleApplicationSubroutes(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	trimmed := strings.Trim(strings.TrimPrefix(req.URL.Path, "/api/v1/applications/"), "/")
	parts := strings.Split(trimmed, "/")
	ids, ok := parseIDs(parts)
	if !ok {
		writeDomainError(w, fmt.Errorf("%w: malformed identifier in %q", domain.ErrInvalidInput, req.URL.Path))
		return
	}
	switch {
	case len(parts) == 1:
		r.handleApplication(w, req, ids[0])
	case len(parts) == 2 && parts[1] == "regions":
		children, err := r.loader.Expand(req.Context(), domain.AppNode(ids[0]))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": nonNil(children.Regions)})
	case len(parts) == 4 && parts[1] == "regions" && parts[3] == "environments":
		children, err := r.loader.Expand(req.Context(), domain.RegionNode(ids[0], ids[2]))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": nonNil(children.Environments)})
	case len(parts) == 6 && parts[1] == "environments" && parts[3] == "regions" && parts[5] == "versions":
		scope := domain.Scope{ApplicationID: ids[0], EnvironmentID: ids[2], RegionID: ids[4]}
		versions, err := r.engine.History(req.Context(), scope)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": nonNil(versions)})
	default:
		r.notFound(w)
	}
}

func (r *Router) handleApplication(w http.ResponseWriter, req *http.Request, id domain.ID) {
	if _, err := r.loader.Expand(req.Context(), domain.RootNode()); err != nil {
		writeDomainError(w, err)
		return
	}
	app, ok := r.store.Application(id)
	if !ok {
		writeDomainError(w, fmt.Errorf("%w: application %s", domain.ErrNotFound, id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": app})
}

// handleDeployments lists the newest deployments of every scope.
func (r *Router) handleDeployments(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	limit := 0
	if raw := strings.TrimSpace(req.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeDomainError(w, fmt.Errorf("%w: limit must be a positive integer", domain.ErrInvalidInput))
			return
		}
		limit = n
	}
	rows, err := r.loader.Deployments(req.Context(), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": nonNil(rows)})
}

// handleHistory returns the versions of a scope named by application,
// region and environment.
func (r *Router) handleHistory(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	q := req.URL.Query()
	scope, err := r.loader.Resolve(req.Context(), provider.ScopeNames{
		Application: q.Get("application"),
		Region:      q.Get("region"),
		Environment: q.Get("environment"),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	versions, err := r.engine.History(req.Context(), scope)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scope": scope, "data": nonNil(versions)})
}

// parseIDs canonicalises the identifier segments of a catalog path, which
// sit at the even positions.
func parseIDs(parts []string) ([]domain.ID, bool) {
	ids := make([]domain.ID, len(parts))
	for i := 0; i < len(parts); i += 2 {
		id, err := domain.ParseID(parts[i])
		if err != nil {
			return nil, false
		}
		ids[i] = id
	}
	return ids, true
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
