package httpx

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/heirloom/internal/provider"
	"github.com/splax/heirloom/internal/service/lifecycle"
	"github.com/splax/heirloom/internal/service/loader"
	"github.com/splax/heirloom/internal/store"
	"github.com/splax/heirloom/internal/ws"
)

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(context.Context) error

// Router wires HTTP endpoints to the catalog services.
type Router struct {
	mux       *http.ServeMux
	logger    *slog.Logger
	loader    *loader.Loader
	store     *store.Store
	engine    *lifecycle.Engine
	hub       *ws.Hub
	resolver  provider.ScopeResolver
	upgrader  websocket.Upgrader
	limiter   RateLimiter
	jwtSecret string
	checks    map[string]HealthCheck
	heartbeat time.Duration

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	healthCheckTimeout = 2 * time.Second
	sseHeartbeat       = 15 * time.Second
	maxBodyBytes       = 1 << 20
)

// NewRouter assembles routes with dependencies. resolver may be nil when the
// provider cannot create catalog entities; an empty jwtSecret disables
// authentication on mutating routes.
func NewRouter(logger *slog.Logger, l *loader.Loader, engine *lifecycle.Engine, hub *ws.Hub, resolver provider.ScopeResolver, limiter RateLimiter, jwtSecret string, checks map[string]HealthCheck) *Router {
	r := &Router{
		mux:      http.NewServeMux(),
		logger:   logger,
		loader:   l,
		store:    l.Store(),
		engine:   engine,
		hub:      hub,
		resolver: resolver,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:   limiter,
		jwtSecret: strings.TrimSpace(jwtSecret),
		checks:    checks,
		heartbeat: sseHeartbeat,
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/api/v1/tree", r.audit("tree", r.readLimited("tree", r.handleTree)))
	r.mux.HandleFunc("/api/v1/tree/", r.audit("tree", r.readLimited("tree", r.handleTreeSubroutes)))
	r.mux.HandleFunc("/api/v1/applications", r.audit("catalog", r.readLimited("catalog", r.handleApplications)))
	r.mux.HandleFunc("/api/v1/applications/", r.audit("catalog", r.readLimited("catalog", r.handleApplicationSubroutes)))
	r.mux.HandleFunc("/api/v1/deployments", r.audit("deployments", r.readLimited("deployments", r.handleDeployments)))
	r.mux.HandleFunc("/api/v1/history", r.audit("history", r.readLimited("history", r.handleHistory)))
	r.mux.HandleFunc("/api/v1/release", r.audit("release", r.writeLimited("release", r.handleRelease)))
	r.mux.HandleFunc("/api/v1/rollback", r.audit("rollback", r.writeLimited("rollback", r.handleRollback)))
	r.mux.HandleFunc("/api/v1/changes/stream", r.audit("changes_stream", r.streamLimited("changes_stream", r.handleChangesSSE)))
	r.mux.HandleFunc("/ws/changes", r.audit("changes_ws", r.streamLimited("changes_ws", r.handleChangesWS)))
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	for name, check := range r.checks {
		if check == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		err := check(ctx)
		cancel()
		if err != nil {
			status = "degraded"
			components[name] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
			continue
		}
		components[name] = map[string]any{"status": "up"}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		reqID := strings.TrimSpace(req.Header.Get("X-Request-ID"))
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, route, status, duration)
		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
			"request_id", reqID,
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			actor = info.Actor
			fields = append(fields, "user_id", info.UserID)
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		if ip := strings.TrimSpace(strings.Split(forwarded, ",")[0]); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
