package httpx

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/splax/heirloom/internal/domain"
)

// Budget is the number of requests a key may spend per fixed window.
type Budget struct {
	Limit  int
	Window time.Duration
}

var (
	readBudget   = Budget{Limit: 240, Window: time.Minute}
	streamBudget = Budget{Limit: 30, Window: 30 * time.Second}
	// writeBudget is spent by each caller across all scopes.
	writeBudget = Budget{Limit: 30, Window: time.Minute}
	// scopeBudget is shared by every caller writing to one scope.
	scopeBudget = Budget{Limit: 10, Window: time.Minute}
)

// Decision is the outcome of charging one request to a budget.
type Decision struct {
	Allowed bool
	Count   int
	Reset   time.Time
}

func (d Decision) remaining(b Budget) int {
	if n := b.Limit - d.Count; n > 0 {
		return n
	}
	return 0
}

// RateLimiter charges requests against per-key budgets.
type RateLimiter interface {
	Charge(key string, b Budget) Decision
	Close()
}

type window struct {
	count int
	reset time.Time
}

// memoryLimiter keeps fixed windows in process memory. Expired windows are
// swept periodically.
type memoryLimiter struct {
	mu      sync.Mutex
	windows map[string]window
	now     func() time.Time
	done    chan struct{}
	stop    sync.Once
}

const sweepEvery = 5 * time.Minute

// NewMemoryRateLimiter returns a process-local limiter.
func NewMemoryRateLimiter() RateLimiter {
	m := &memoryLimiter{
		windows: make(map[string]window),
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go func() {
		t := time.NewTicker(sweepEvery)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				m.sweep(m.now())
			case <-m.done:
				return
			}
		}
	}()
	return m
}

func (m *memoryLimiter) Charge(key string, b Budget) Decision {
	if b.Limit <= 0 {
		return Decision{Allowed: true}
	}
	if b.Window <= 0 {
		b.Window = time.Minute
	}
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	w := m.windows[key]
	if w.reset.IsZero() || !now.Before(w.reset) {
		w = window{reset: now.Add(b.Window)}
	}
	if w.count >= b.Limit {
		return Decision{Count: w.count, Reset: w.reset}
	}
	w.count++
	m.windows[key] = w
	return Decision{Allowed: true, Count: w.count, Reset: w.reset}
}

func (m *memoryLimiter) sweep(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, w := range m.windows {
		if !now.Before(w.reset) {
			delete(m.windows, key)
		}
	}
}

func (m *memoryLimiter) Close() {
	m.stop.Do(func() { close(m.done) })
}

// limited charges every request to route against b, keyed by subject.
func (r *Router) limited(route string, b Budget, subject func(*http.Request) string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.limiter == nil {
			next(w, req)
			return
		}
		who := subject(req)
		if who == "" {
			who = ipSubject(req)
		}
		d := r.limiter.Charge(route+"|"+who, b)
		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(b.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(d.remaining(b)))
		if !d.Reset.IsZero() {
			h.Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
		}
		if !d.Allowed {
			r.recordRateLimitHit(route, subjectKind(who))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, req)
	}
}

func (r *Router) readLimited(route string, next http.HandlerFunc) http.HandlerFunc {
	return r.limited(route, readBudget, ipSubject, next)
}

func (r *Router) streamLimited(route string, next http.HandlerFunc) http.HandlerFunc {
	return r.limited(route, streamBudget, ipSubject, next)
}

// writeLimited authenticates the caller and charges its write budget.
func (r *Router) writeLimited(route string, next http.HandlerFunc) http.HandlerFunc {
	return r.requireAuth(r.limited(route, writeBudget, userSubject, next))
}

// chargeScope spends one unit of the write budget of scope. It writes the
// 429 response itself and reports false when the scope is exhausted.
func (r *Router) chargeScope(w http.ResponseWriter, route string, scope domain.Scope) bool {
	if r.limiter == nil {
		return true
	}
	d := r.limiter.Charge("scope|"+scope.Node().String(), scopeBudget)
	if d.Allowed {
		return true
	}
	r.recordRateLimitHit(route, "scope")
	if !d.Reset.IsZero() {
		if secs := int(time.Until(d.Reset).Seconds()) + 1; secs > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
	}
	writeJSON(w, http.StatusTooManyRequests, map[string]string{
		"error": "too many releases and rollbacks on " + scope.String(),
		"code":  "RATE_LIMITED",
	})
	return false
}

func userSubject(req *http.Request) string {
	if info, ok := authInfoFromContext(req.Context()); ok && info.UserID != "" {
		return "user:" + info.UserID
	}
	return ""
}

func ipSubject(req *http.Request) string {
	if host := clientIP(req); host != "" {
		return "ip:" + host
	}
	return "ip:unknown"
}

// subjectKind keeps metric label cardinality bounded.
func subjectKind(who string) string {
	if kind, _, ok := strings.Cut(who, ":"); ok && kind != "" {
		return kind
	}
	return "unknown"
}
