// Package loader lazily fills the catalog store one tree level at a time.
//
// Every node of the Application -> Region -> Environment -> Version tree has
// its own load state. Concurrent expansions of the same node share a single
// provider call, and invalidation bumps a per-node generation so results of
// calls started before it are never recorded as loaded.
package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/splax/heirloom/internal/domain"
	"github.com/splax/heirloom/internal/provider"
	"github.com/splax/heirloom/internal/store"
)

// DefaultTimeout bounds a provider fetch when no timeout is configured.
const DefaultTimeout = 10 * time.Second

// State is the load state of a node.
type State int

// Node load states.
const (
	StateUnloaded State = iota
	StateLoading
	StateLoaded
	StateError
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateError:
		return "error"
	default:
		return "unloaded"
	}
}

// MarshalText renders the state name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// NodeState describes a node as seen by the presentation layer.
type NodeState struct {
	State    State     `json:"state"`
	Err      error     `json:"-"`
	Reason   string    `json:"reason,omitempty"`
	Expanded bool      `json:"expanded"`
	LoadedAt time.Time `json:"loaded_at,omitempty"`
}

// Children holds the children of an expanded node. Exactly one slice is
// populated, matching the node level.
type Children struct {
	Node         domain.NodePath      `json:"-"`
	Applications []domain.Application `json:"applications,omitempty"`
	Regions      []domain.Region      `json:"regions,omitempty"`
	Environments []domain.Environment `json:"environments,omitempty"`
	Versions     []domain.Version     `json:"versions,omitempty"`
}

// Len returns the number of children.
func (c Children) Len() int {
	return len(c.Applications) + len(c.Regions) + len(c.Environments) + len(c.Versions)
}

type node struct {
	state    State
	err      error
	gen      uint64
	expanded bool
	loadedAt time.Time
}

// Loader coordinates provider fetches with the store.
type Loader struct {
	provider provider.Catalog
	store    *store.Store
	log      *slog.Logger
	metrics  *Metrics
	timeout  time.Duration
	now      func() time.Time

	group singleflight.Group

	mu    sync.Mutex
	nodes map[domain.NodePath]*node
}

// Option customises a Loader.
type Option func(*Loader)

// WithTimeout bounds each provider fetch.
func WithTimeout(d time.Duration) Option {
	return func(l *Loader) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(l *Loader) {
		if log != nil {
			l.log = log
		}
	}
}

// WithMetrics records fetch outcomes in m.
func WithMetrics(m *Metrics) Option {
	return func(l *Loader) { l.metrics = m }
}

// New constructs a Loader filling st from p.
func New(p provider.Catalog, st *store.Store, opts ...Option) *Loader {
	l := &Loader{
		provider: p,
		store:    st,
		log:      slog.Default(),
		timeout:  DefaultTimeout,
		now:      time.Now,
		nodes:    make(map[domain.NodePath]*node),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Store returns the store the loader fills.
func (l *Loader) Store() *store.Store { return l.store }

func (l *Loader) nodeLocked(path domain.NodePath) *node {
	n, ok := l.nodes[path]
	if !ok {
		n = &node{}
		l.nodes[path] = n
	}
	return n
}

// Expand returns the children of path, fetching them from the provider
// unless the node is already loaded. Concurrent calls for the same node
// share one provider call. A caller whose ctx ends stops waiting; the shared
// fetch continues for the others.
func (l *Loader) Expand(ctx context.Context, path domain.NodePath) (Children, error) {
	return l.load(ctx, path, true)
}

// Load is Expand without marking the node expanded.
func (l *Loader) Load(ctx context.Context, path domain.NodePath) (Children, error) {
	return l.load(ctx, path, false)
}

func (l *Loader) load(ctx context.Context, path domain.NodePath, expand bool) (Children, error) {
	if err := path.Validate(); err != nil {
		return Children{}, err
	}
	level := path.Level.String()

	l.mu.Lock()
	n := l.nodeLocked(path)
	if expand {
		n.expanded = true
	}
	if n.state == StateLoaded {
		l.mu.Unlock()
		l.metrics.hit(level)
		return l.read(path), nil
	}
	if n.state == StateLoading {
		l.metrics.coalesced(level)
	}
	n.state = StateLoading
	n.err = nil
	gen := n.gen
	l.mu.Unlock()

	key := path.String() + "#" + strconv.FormatUint(gen, 10)
	fetchCtx := context.WithoutCancel(ctx)
	ch := l.group.DoChan(key, func() (any, error) {
		return l.fetch(fetchCtx, path, gen)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return Children{}, res.Err
		}
		return res.Val.(Children), nil
	case <-ctx.Done():
		return Children{}, fmt.Errorf("%w: %w", domain.ErrProviderUnavailable, ctx.Err())
	}
}

func (l *Loader) fetch(ctx context.Context, path domain.NodePath, gen uint64) (Children, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	level := path.Level.String()
	start := l.now()
	children, err := l.query(ctx, path)
	l.metrics.observe(level, l.now().Sub(start))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, domain.ErrProviderUnavailable) {
			err = fmt.Errorf("%w: %w", domain.ErrProviderUnavailable, err)
		}
		l.metrics.fetched(level, "error")
		// The error is recorded under a fresh generation so a retry starts
		// its own fetch instead of joining this one.
		l.mu.Lock()
		if n := l.nodeLocked(path); n.gen == gen {
			n.gen++
			n.state = StateError
			n.err = err
		}
		l.mu.Unlock()
		l.log.Warn("catalog fetch failed", "node", path.String(), "error", err)
		return Children{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	n := l.nodeLocked(path)
	if n.gen != gen {
		l.metrics.fetched(level, "stale")
		l.log.Debug("discarding stale catalog fetch", "node", path.String())
		return children, nil
	}
	l.merge(path, children)
	n.state = StateLoaded
	n.loadedAt = l.now()
	l.metrics.fetched(level, "ok")
	l.log.Debug("catalog node loaded", "node", path.String(), "children", children.Len())
	return l.read(path), nil
}

func (l *Loader) query(ctx context.Context, path domain.NodePath) (Children, error) {
	c := Children{Node: path}
	var err error
	switch path.Level {
	case domain.LevelRoot:
		c.Applications, err = l.provider.ListApplications(ctx)
		sortApplications(c.Applications)
	case domain.LevelApplication:
		c.Regions, err = l.provider.ListRegions(ctx, path.ApplicationID)
	case domain.LevelRegion:
		c.Environments, err = l.provider.ListEnvironments(ctx, path.ApplicationID, path.RegionID)
	case domain.LevelEnvironment:
		scope, _ := path.Scope()
		c.Versions, err = l.provider.ListVersions(ctx, scope)
		if err == nil {
			c.Versions = l.normalizeVersions(scope, c.Versions)
		}
	}
	return c, err
}

// normalizeVersions pins every version to scope, sorts newest first and
// keeps only the newest active version active.
func (l *Loader) normalizeVersions(scope domain.Scope, versions []domain.Version) []domain.Version {
	out := make([]domain.Version, 0, len(versions))
	for _, v := range versions {
		v.Scope = scope
		out = append(out, v)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].NewerThan(out[j]) })
	seenActive := false
	for i := range out {
		if !out[i].Active() {
			continue
		}
		if seenActive {
			l.log.Warn("provider reported several active versions", "scope", scope.String(), "version_id", out[i].ID.String())
			out[i].Status = domain.StatusInactive
		}
		seenActive = true
	}
	return out
}

func (l *Loader) merge(path domain.NodePath, c Children) {
	switch path.Level {
	case domain.LevelRoot:
		l.store.SetApplications(c.Applications)
	case domain.LevelApplication:
		l.store.SetRegions(path.ApplicationID, c.Regions)
	case domain.LevelRegion:
		l.store.SetEnvironments(path.ApplicationID, path.RegionID, c.Environments)
	case domain.LevelEnvironment:
		scope, _ := path.Scope()
		l.store.SetVersions(scope, c.Versions)
	}
}

func (l *Loader) read(path domain.NodePath) Children {
	c := Children{Node: path}
	switch path.Level {
	case domain.LevelRoot:
		c.Applications = l.store.Applications()
	case domain.LevelApplication:
		c.Regions = l.store.Regions(path.ApplicationID)
	case domain.LevelRegion:
		c.Environments = l.store.Environments(path.ApplicationID, path.RegionID)
	case domain.LevelEnvironment:
		scope, _ := path.Scope()
		c.Versions = l.store.Versions(scope)
	}
	return c
}

// Invalidate returns path and all of its descendants to the unloaded state.
// Fetches already in flight for those nodes will not mark them loaded.
func (l *Loader) Invalidate(path domain.NodePath) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nodeLocked(path)
	for p, n := range l.nodes {
		if !path.Contains(p) {
			continue
		}
		n.gen++
		n.state = StateUnloaded
		n.err = nil
	}
	l.metrics.invalidated(path.Level.String())
}

// Collapse hides path in the presentation layer. Cached data is kept.
func (l *Loader) Collapse(path domain.NodePath) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nodeLocked(path).expanded = false
}

// Expanded reports whether path is currently shown expanded.
func (l *Loader) Expanded(path domain.NodePath) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	n, ok := l.nodes[path]
	return ok && n.expanded
}

// State returns the load state of path.
func (l *Loader) State(path domain.NodePath) NodeState {
	l.mu.Lock()
	defer l.mu.Unlock()
	n, ok := l.nodes[path]
	if !ok {
		return NodeState{State: StateUnloaded}
	}
	st := NodeState{State: n.state, Err: n.err, Expanded: n.expanded, LoadedAt: n.loadedAt}
	if n.err != nil {
		st.Reason = n.err.Error()
	}
	return st
}

func sortApplications(apps []domain.Application) {
	sort.SliceStable(apps, func(i, j int) bool {
		if apps[i].Name != apps[j].Name {
			return apps[i].Name < apps[j].Name
		}
		return apps[i].ID.Compare(apps[j].ID) < 0
	})
}
