// Package lifecycle releases and rolls back versions while keeping at most
// one active version per scope.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/splax/heirloom/internal/domain"
	"github.com/splax/heirloom/internal/provider"
	"github.com/splax/heirloom/internal/service/loader"
	"github.com/splax/heirloom/internal/store"
)

// DefaultActor is recorded when a caller does not name one.
const DefaultActor = "system"

// DefaultTimeout bounds a provider persist call when none is configured.
const DefaultTimeout = 15 * time.Second

// Notifier fans invalidations out to other replicas sharing the provider.
type Notifier interface {
	Publish(ctx context.Context, path domain.NodePath) error
}

// Engine applies lifecycle transitions: the provider is written first and
// the store only after the provider confirmed the change.
type Engine struct {
	provider provider.Persister
	loader   *loader.Loader
	store    *store.Store
	notifier Notifier
	log      *slog.Logger
	timeout  time.Duration

	mu      sync.Mutex
	writers map[domain.Scope]*sync.Mutex
}

// Option customises an Engine.
type Option func(*Engine)

// WithTimeout bounds every provider persist call.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithNotifier publishes every invalidation through n.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// New returns an engine persisting through p and keeping l's store current.
func New(p provider.Persister, l *loader.Loader, opts ...Option) *Engine {
	e := &Engine{
		provider: p,
		loader:   l,
		store:    l.Store(),
		log:      slog.Default(),
		timeout:  DefaultTimeout,
		writers:  make(map[domain.Scope]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// acquire takes the single-writer slot of scope without waiting.
func (e *Engine) acquire(scope domain.Scope) (func(), error) {
	e.mu.Lock()
	m, ok := e.writers[scope]
	if !ok {
		m = &sync.Mutex{}
		e.writers[scope] = m
	}
	e.mu.Unlock()
	if !m.TryLock() {
		return nil, fmt.Errorf("%w: another release or rollback is running on %s", domain.ErrConflictingWrite, scope)
	}
	return m.Unlock, nil
}

func normalizeActor(actor string) string {
	if a := strings.TrimSpace(actor); a != "" {
		return a
	}
	return DefaultActor
}

func validScope(scope domain.Scope) error {
	if !scope.Valid() {
		return fmt.Errorf("%w: incomplete scope %s", domain.ErrInvalidInput, scope)
	}
	return nil
}

// Release records label as the new active version of scope.
func (e *Engine) Release(ctx context.Context, scope domain.Scope, label, actor string) (domain.Version, error) {
	if err := validScope(scope); err != nil {
		return domain.Version{}, err
	}
	label = strings.TrimSpace(label)
	if label == "" {
		return domain.Version{}, fmt.Errorf("%w: version label required", domain.ErrInvalidInput)
	}
	actor = normalizeActor(actor)

	unlock, err := e.acquire(scope)
	if err != nil {
		return domain.Version{}, err
	}
	defer unlock()

	if err := e.ensureLoaded(ctx, scope); err != nil {
		return domain.Version{}, err
	}
	wasEmpty := len(e.store.Versions(scope)) == 0
	revision := e.store.Revision(scope)

	pctx, cancel := context.WithTimeout(ctx, e.timeout)
	v, err := e.provider.PersistRelease(pctx, scope, label, actor)
	cancel()
	if err != nil {
		return domain.Version{}, e.providerFailure(ctx, "release", scope, err)
	}
	if v.ID.IsZero() {
		e.Invalidate(ctx, scope.Node())
		return domain.Version{}, fmt.Errorf("%w: provider returned a release without id", domain.ErrMalformedRecord)
	}
	v.Scope = scope

	result := v
	applied, err := e.store.ApplyRelease(scope, revision, v)
	if err != nil {
		e.log.Warn("release persisted but not applied locally", "scope", scope.String(), "version_id", v.ID.String(), "error", err)
	} else {
		result = applied
	}

	// A first deployment makes the region and environment visible under
	// the application, so the whole application subtree is stale.
	if wasEmpty {
		e.Invalidate(ctx, domain.AppNode(scope.ApplicationID))
	} else {
		e.Invalidate(ctx, scope.Node())
	}
	e.log.Info("version released", "scope", scope.String(), "version_id", result.ID.String(), "version", result.Label, "status", string(result.Status), "actor", actor)
	return result, nil
}

// Rollback makes targetID the active version of scope. Rolling back to the
// version that is already active succeeds without touching the provider.
func (e *Engine) Rollback(ctx context.Context, scope domain.Scope, targetID domain.ID, actor string) (domain.Version, error) {
	if err := validScope(scope); err != nil {
		return domain.Version{}, err
	}
	if targetID.IsZero() {
		return domain.Version{}, fmt.Errorf("%w: target version required", domain.ErrInvalidTarget)
	}
	actor = normalizeActor(actor)

	unlock, err := e.acquire(scope)
	if err != nil {
		return domain.Version{}, err
	}
	defer unlock()

	if err := e.ensureLoaded(ctx, scope); err != nil {
		return domain.Version{}, err
	}
	target, ok := e.store.Version(scope, targetID)
	switch {
	case !ok:
		return domain.Version{}, fmt.Errorf("%w: version %s not in %s", domain.ErrInvalidTarget, targetID, scope)
	case target.Failed():
		return domain.Version{}, fmt.Errorf("%w: version %s failed", domain.ErrInvalidTarget, targetID)
	case target.Active():
		return target, nil
	}
	revision := e.store.Revision(scope)

	pctx, cancel := context.WithTimeout(ctx, e.timeout)
	v, err := e.provider.PersistRollback(pctx, scope, targetID, actor)
	cancel()
	if err != nil {
		return domain.Version{}, e.providerFailure(ctx, "rollback", scope, err)
	}
	if v.ID.IsZero() {
		v.ID = targetID
	}
	v.Scope = scope

	result := v
	applied, err := e.store.ApplyRollback(scope, revision, v)
	if err != nil {
		e.log.Warn("rollback persisted but not applied locally", "scope", scope.String(), "version_id", targetID.String(), "error", err)
	} else {
		result = applied
	}
	e.Invalidate(ctx, scope.Node())
	e.log.Info("version rolled back", "scope", scope.String(), "version_id", result.ID.String(), "version", result.Label, "actor", actor)
	return result, nil
}

// RollbackToPrevious rolls scope back to its most recent version that is
// neither active nor failed.
func (e *Engine) RollbackToPrevious(ctx context.Context, scope domain.Scope, actor string) (domain.Version, error) {
	if err := validScope(scope); err != nil {
		return domain.Version{}, err
	}
	if err := e.ensureLoaded(ctx, scope); err != nil {
		return domain.Version{}, err
	}
	candidates := e.store.RollbackCandidates(scope)
	if len(candidates) == 0 {
		return domain.Version{}, fmt.Errorf("%w: %s has no previous version", domain.ErrInvalidTarget, scope)
	}
	return e.Rollback(ctx, scope, candidates[0].ID, actor)
}

// History returns the versions of scope, newest first, loading them if needed.
func (e *Engine) History(ctx context.Context, scope domain.Scope) ([]domain.Version, error) {
	if err := validScope(scope); err != nil {
		return nil, err
	}
	children, err := e.loader.Expand(ctx, scope.Node())
	if err != nil {
		return nil, err
	}
	return children.Versions, nil
}

func (e *Engine) ensureLoaded(ctx context.Context, scope domain.Scope) error {
	if e.loader.State(scope.Node()).State == loader.StateLoaded {
		return nil
	}
	_, err := e.loader.Load(ctx, scope.Node())
	return err
}

// providerFailure classifies a failed persist call. When the outcome is
// unknown the scope is invalidated so the next read asks the provider.
func (e *Engine) providerFailure(ctx context.Context, op string, scope domain.Scope, err error) error {
	if (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) && !errors.Is(err, domain.ErrProviderUnavailable) {
		err = fmt.Errorf("%w: %w", domain.ErrProviderUnavailable, err)
	}
	if errors.Is(err, domain.ErrProviderUnavailable) || errors.Is(err, domain.ErrConflictingWrite) {
		e.Invalidate(ctx, scope.Node())
	}
	e.log.Warn("persist failed", "operation", op, "scope", scope.String(), "error", err)
	return err
}

// Invalidate drops cached data for path in this process and publishes the
// invalidation to other replicas.
func (e *Engine) Invalidate(ctx context.Context, path domain.NodePath) {
	e.loader.Invalidate(path)
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Publish(context.WithoutCancel(ctx), path); err != nil {
		e.log.Warn("publish invalidation failed", "node", path.String(), "error", err)
	}
}
