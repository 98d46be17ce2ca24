package httpx

import (
	"net/http"
	"strings"

	"github.com/splax/heirloom/internal/domain"
	"github.com/splax/heirloom/internal/service/loader"
)

type treeResponse struct {
	Node     string           `json:"node"`
	Level    string           `json:"level"`
	State    loader.NodeState `json:"state"`
	Children loader.Children  `json:"children"`
}

type pathRequest struct {
	Path string `json:"path"`
}

func (r *Router) handleTree(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	r.expand(w, req, domain.RootNode())
}

func (r *Router) handleTreeSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(req.URL.Path, "/api/v1/tree/"), "/")
	switch trimmed {
	case "collapse":
		r.handleCollapse(w, req)
		return
	case "invalidate":
		r.requireAuth(r.handleInvalidate)(w, req)
		return
	}
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	path, err := domain.ParseNodePath(trimmed)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	r.expand(w, req, path)
}

func (r *Router) expand(w http.ResponseWriter, req *http.Request, path domain.NodePath) {
	children, err := r.loader.Expand(req.Context(), path)
	if err != nil {
		writeJSON(w, statusFor(err), map[string]any{
			"error": err.Error(),
			"code":  domain.ErrorCode(err),
			"node":  path.String(),
			"state": r.loader.State(path),
		})
		return
	}
	writeJSON(w, http.StatusOK, treeResponse{
		Node:     path.String(),
		Level:    path.Level.String(),
		State:    r.loader.State(path),
		Children: children,
	})
}

func (r *Router) handleCollapse(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	path, ok := r.decodePath(w, req)
	if !ok {
		return
	}
	r.loader.Collapse(path)
	writeJSON(w, http.StatusOK, map[string]any{
		"node":  path.String(),
		"state": r.loader.State(path),
	})
}

func (r *Router) handleInvalidate(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	path, ok := r.decodePath(w, req)
	if !ok {
		return
	}
	r.engine.Invalidate(req.Context(), path)
	writeJSON(w, http.StatusOK, map[string]any{
		"node":  path.String(),
		"state": r.loader.State(path),
	})
}

func (r *Router) decodePath(w http.ResponseWriter, req *http.Request) (domain.NodePath, bool) {
	var payload pathRequest
	if !decodeBody(w, req, &payload) {
		return domain.NodePath{}, false
	}
	path, err := domain.ParseNodePath(payload.Path)
	if err != nil {
		writeDomainError(w, err)
		return domain.NodePath{}, false
	}
	return path, true
}
