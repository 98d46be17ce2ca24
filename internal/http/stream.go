package httpx

import (
	"net/http"

	"github.com/splax/heirloom/internal/domain"
	"github.com/splax/heirloom/internal/ws"
)

// streamNode reads the subscribed subtree from the scope query parameter.
func streamNode(req *http.Request) (domain.NodePath, error) {
	return domain.ParseNodePath(req.URL.Query().Get("scope"))
}

func (r *Router) handleChangesWS(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	node, err := streamNode(req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(node, client)
	go func() {
		defer func() {
			r.hub.Unregister(node, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) handleChangesSSE(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	node, err := streamNode(req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	r.hub.Register(node, client)
	defer r.hub.Unregister(node, client)
	client.Serve(req.Context(), r.heartbeat)
}
