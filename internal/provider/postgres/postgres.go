// Package postgres is the system-of-record catalog provider backed by
// PostgreSQL through pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/heirloom/internal/domain"
	"github.com/splax/heirloom/internal/provider"
)

// Provider implements the catalog provider on PostgreSQL.
type Provider struct {
	pool        *pgxpool.Pool
	maxVersions int
	log         *slog.Logger
}

// ensure Provider satisfies interfaces.
var (
	_ provider.Provider      = (*Provider)(nil)
	_ provider.ScopeResolver = (*Provider)(nil)
	_ provider.HealthChecker = (*Provider)(nil)
)

// Option customises a Provider.
type Option func(*Provider)

// WithMaxVersions keeps at most n deployments per scope. Active deployments
// are never pruned. Zero disables retention.
func WithMaxVersions(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.maxVersions = n
		}
	}
}

// WithLogger sets the logger used for retention reporting.
func WithLogger(log *slog.Logger) Option {
	return func(p *Provider) {
		if log != nil {
			p.log = log
		}
	}
}

// New constructs a Provider.
func New(pool *pgxpool.Pool, opts ...Option) *Provider {
	p := &Provider{pool: pool, log: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Ping checks database reachability.
func (p *Provider) Ping(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return unavailable(err)
	}
	return nil
}

// ListApplications returns every application ordered by name.
func (p *Provider) ListApplications(ctx context.Context) ([]domain.Application, error) {
	const query = `SELECT id, name, COALESCE(team, ''), COALESCE(description, '')
		FROM applications ORDER BY name, id`
	rows, err := p.pool.Query(ctx, query)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()
	var apps []domain.Application
	for rows.Next() {
		var (
			id  int64
			app domain.Application
		)
		if err := rows.Scan(&id, &app.Name, &app.Team, &app.Description); err != nil {
			return nil, err
		}
		app.ID = domain.NewID(id)
		apps = append(apps, app)
	}
	return apps, rows.Err()
}

// ListRegions returns the regions appID has at least one deployment in.
func (p *Provider) ListRegions(ctx context.Context, appID domain.ID) ([]domain.Region, error) {
	app, ok := appID.Int64()
	if !ok {
		return nil, fmt.Errorf("%w: application %s", domain.ErrNotFound, appID)
	}
	if err := p.requireApplication(ctx, app); err != nil {
		return nil, err
	}
	const query = `SELECT r.id, r.code, r.name FROM regions r
		WHERE EXISTS (SELECT 1 FROM deployments d WHERE d.region_id = r.id AND d.application_id = $1)
		ORDER BY r.code, r.id`
	rows, err := p.pool.Query(ctx, query, app)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()
	var regions []domain.Region
	for rows.Next() {
		var (
			id     int64
			region domain.Region
		)
		if err := rows.Scan(&id, &region.Code, &region.Name); err != nil {
			return nil, err
		}
		region.ID = domain.NewID(id)
		regions = append(regions, region)
	}
	return regions, rows.Err()
}

// ListEnvironments returns the environments appID is deployed to in regionID.
func (p *Provider) ListEnvironments(ctx context.Context, appID, regionID domain.ID) ([]domain.Environment, error) {
	app, okApp := appID.Int64()
	region, okRegion := regionID.Int64()
	if !okApp || !okRegion {
		return nil, fmt.Errorf("%w: application %s region %s", domain.ErrNotFound, appID, regionID)
	}
	const query = `SELECT e.id, e.name, e.priority FROM environments e
		WHERE EXISTS (SELECT 1 FROM deployments d
			WHERE d.environment_id = e.id AND d.application_id = $1 AND d.region_id = $2)
		ORDER BY e.priority, e.name, e.id`
	rows, err := p.pool.Query(ctx, query, app, region)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()
	var envs []domain.Environment
	for rows.Next() {
		var (
			id  int64
			env domain.Environment
		)
		if err := rows.Scan(&id, &env.Name, &env.Priority); err != nil {
			return nil, err
		}
		env.ID = domain.NewID(id)
		envs = append(envs, env)
	}
	return envs, rows.Err()
}

const versionColumns = `id, application_id, environment_id, region_id, version, status, deployed_by, deployed_at,
	build_id, commit_sha, duration_ms, rollback_of, last_action_kind, last_action_actor, last_action_at`

// ListVersions returns the deployment history of scope, newest first.
func (p *Provider) ListVersions(ctx context.Context, scope domain.Scope) ([]domain.Version, error) {
	ids, err := scopeIDs(scope)
	if err != nil {
		return nil, err
	}
	query := `SELECT ` + versionColumns + ` FROM deployments
		WHERE application_id = $1 AND environment_id = $2 AND region_id = $3
		ORDER BY deployed_at DESC, id DESC`
	rows, err := p.pool.Query(ctx, query, ids.app, ids.env, ids.region)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()
	var versions []domain.Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// PersistRelease inserts a new active deployment and demotes the previous one
// in a single transaction.
func (p *Provider) PersistRelease(ctx context.Context, scope domain.Scope, label, actor string) (domain.Version, error) {
	ids, err := scopeIDs(scope)
	if err != nil {
		return domain.Version{}, err
	}
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Version{}, unavailable(err)
	}
	defer tx.Rollback(ctx)

	// Locking the application row serialises writers on scopes that have no
	// deployment row to lock yet.
	if err := tx.QueryRow(ctx, `SELECT id FROM applications WHERE id = $1 FOR UPDATE`, ids.app).Scan(new(int64)); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Version{}, fmt.Errorf("%w: application %s", domain.ErrScopeNotFound, scope.ApplicationID)
		}
		return domain.Version{}, mapError(err)
	}

	var previous *int64
	const demote = `UPDATE deployments SET status = 'inactive'
		WHERE application_id = $1 AND environment_id = $2 AND region_id = $3 AND status = 'active'
		RETURNING id`
	if err := tx.QueryRow(ctx, demote, ids.app, ids.env, ids.region).Scan(&previous); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return domain.Version{}, mapError(err)
	}

	insert := `INSERT INTO deployments (application_id, environment_id, region_id, version, status, deployed_by,
			deployed_at, rollback_of, last_action_kind, last_action_actor, last_action_at)
		VALUES ($1, $2, $3, $4, 'active', $5, NOW(), $6, 'release', $5, NOW())
		RETURNING ` + versionColumns
	v, err := scanVersion(tx.QueryRow(ctx, insert, ids.app, ids.env, ids.region, label, actor, previous))
	if err != nil {
		return domain.Version{}, mapError(err)
	}

	if err := p.prune(ctx, tx, ids); err != nil {
		return domain.Version{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Version{}, mapError(err)
	}
	return v, nil
}

// PersistRollback reactivates targetID and demotes the rest of the scope.
// The target keeps its original deployed_by and deployed_at.
func (p *Provider) PersistRollback(ctx context.Context, scope domain.Scope, targetID domain.ID, actor string) (domain.Version, error) {
	ids, err := scopeIDs(scope)
	if err != nil {
		return domain.Version{}, err
	}
	target, ok := targetID.Int64()
	if !ok {
		return domain.Version{}, fmt.Errorf("%w: version %s not in %s", domain.ErrInvalidTarget, targetID, scope)
	}
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Version{}, unavailable(err)
	}
	defer tx.Rollback(ctx)

	lock := `SELECT ` + versionColumns + ` FROM deployments
		WHERE application_id = $1 AND environment_id = $2 AND region_id = $3
		ORDER BY id FOR UPDATE`
	rows, err := tx.Query(ctx, lock, ids.app, ids.env, ids.region)
	if err != nil {
		return domain.Version{}, mapError(err)
	}
	var current *domain.Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			rows.Close()
			return domain.Version{}, err
		}
		if v.ID == domain.NewID(target) {
			current = &v
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return domain.Version{}, mapError(err)
	}
	if current == nil {
		return domain.Version{}, fmt.Errorf("%w: version %s not in %s", domain.ErrInvalidTarget, targetID, scope)
	}
	if current.Failed() {
		return domain.Version{}, fmt.Errorf("%w: version %s failed", domain.ErrInvalidTarget, targetID)
	}
	if current.Active() {
		return *current, nil
	}

	const demote = `UPDATE deployments SET status = 'inactive'
		WHERE application_id = $1 AND environment_id = $2 AND region_id = $3 AND status = 'active'`
	if _, err := tx.Exec(ctx, demote, ids.app, ids.env, ids.region); err != nil {
		return domain.Version{}, mapError(err)
	}
	promote := `UPDATE deployments
		SET status = 'active', last_action_kind = 'rollback', last_action_actor = $2, last_action_at = NOW()
		WHERE id = $1 RETURNING ` + versionColumns
	v, err := scanVersion(tx.QueryRow(ctx, promote, target, actor))
	if err != nil {
		return domain.Version{}, mapError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Version{}, mapError(err)
	}
	return v, nil
}

// EnsureScope resolves names to identifiers, creating missing rows.
func (p *Provider) EnsureScope(ctx context.Context, names provider.ScopeNames) (domain.Scope, error) {
	if names.Application == "" || names.Region == "" || names.Environment == "" {
		return domain.Scope{}, fmt.Errorf("%w: application, region and environment names are required", domain.ErrInvalidInput)
	}
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Scope{}, unavailable(err)
	}
	defer tx.Rollback(ctx)

	var app, region, env int64
	const appUpsert = `INSERT INTO applications (name) VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name RETURNING id`
	if err := tx.QueryRow(ctx, appUpsert, names.Application).Scan(&app); err != nil {
		return domain.Scope{}, mapError(err)
	}
	const regionUpsert = `INSERT INTO regions (code, name) VALUES ($1, $1)
		ON CONFLICT (code) DO UPDATE SET code = EXCLUDED.code RETURNING id`
	if err := tx.QueryRow(ctx, regionUpsert, names.Region).Scan(&region); err != nil {
		return domain.Scope{}, mapError(err)
	}
	const envUpsert = `INSERT INTO environments (name) VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name RETURNING id`
	if err := tx.QueryRow(ctx, envUpsert, names.Environment).Scan(&env); err != nil {
		return domain.Scope{}, mapError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Scope{}, mapError(err)
	}
	return domain.Scope{
		ApplicationID: domain.NewID(app),
		EnvironmentID: domain.NewID(env),
		RegionID:      domain.NewID(region),
	}, nil
}

// prune deletes the oldest non-active deployments beyond the retention limit.
func (p *Provider) prune(ctx context.Context, tx pgx.Tx, ids scopeKey) error {
	if p.maxVersions <= 0 {
		return nil
	}
	const query = `DELETE FROM deployments WHERE id IN (
			SELECT id FROM deployments
			WHERE application_id = $1 AND environment_id = $2 AND region_id = $3 AND status <> 'active'
			ORDER BY deployed_at DESC, id DESC
			OFFSET GREATEST($4 - 1, 0)
		)`
	tag, err := tx.Exec(ctx, query, ids.app, ids.env, ids.region, p.maxVersions)
	if err != nil {
		return mapError(err)
	}
	if n := tag.RowsAffected(); n > 0 {
		p.log.Info("pruned deployment history", "application_id", ids.app, "environment_id", ids.env, "region_id", ids.region, "deleted", n)
	}
	return nil
}

func (p *Provider) requireApplication(ctx context.Context, id int64) error {
	var exists bool
	if err := p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM applications WHERE id = $1)`, id).Scan(&exists); err != nil {
		return unavailable(err)
	}
	if !exists {
		return fmt.Errorf("%w: application %d", domain.ErrNotFound, id)
	}
	return nil
}

type scopeKey struct {
	app, env, region int64
}

func scopeIDs(scope domain.Scope) (scopeKey, error) {
	app, okApp := scope.ApplicationID.Int64()
	env, okEnv := scope.EnvironmentID.Int64()
	region, okRegion := scope.RegionID.Int64()
	if !okApp || !okEnv || !okRegion {
		return scopeKey{}, fmt.Errorf("%w: %s", domain.ErrScopeNotFound, scope)
	}
	return scopeKey{app: app, env: env, region: region}, nil
}

func scanVersion(row pgx.Row) (domain.Version, error) {
	var (
		id, app, env, region    int64
		v                       domain.Version
		status                  string
		buildID, commitSHA      *string
		durationMS, rollbackOf  *int64
		actionKind, actionActor *string
		actionAt                *time.Time
	)
	if err := row.Scan(&id, &app, &env, &region, &v.Label, &status, &v.DeployedBy, &v.DeployedAt,
		&buildID, &commitSHA, &durationMS, &rollbackOf, &actionKind, &actionActor, &actionAt); err != nil {
		return domain.Version{}, err
	}
	v.ID = domain.NewID(id)
	v.Scope = domain.Scope{ApplicationID: domain.NewID(app), EnvironmentID: domain.NewID(env), RegionID: domain.NewID(region)}
	v.Status = domain.Status(status)
	v.DeployedAt = v.DeployedAt.UTC()
	if buildID != nil || commitSHA != nil || durationMS != nil {
		b := domain.BuildInfo{BuildID: deref(buildID), CommitSHA: deref(commitSHA)}
		if durationMS != nil {
			b.Duration = time.Duration(*durationMS) * time.Millisecond
		}
		v.Build = &b
	}
	if rollbackOf != nil {
		target := domain.NewID(*rollbackOf)
		v.RollbackOf = &target
	}
	if actionKind != nil && actionAt != nil {
		v.LastAction = &domain.Action{Kind: domain.ActionKind(*actionKind), Actor: deref(actionActor), At: actionAt.UTC()}
	}
	return v, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func unavailable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
}

// mapError translates driver errors into the catalog taxonomy.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "40001", "40P01", "55P03":
			return fmt.Errorf("%w: %s", domain.ErrConflictingWrite, pgErr.Message)
		case "23503":
			return fmt.Errorf("%w: %s", domain.ErrScopeNotFound, pgErr.Message)
		case "23514", "22P02":
			return fmt.Errorf("%w: %s", domain.ErrInvalidInput, pgErr.Message)
		}
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || pgconn.Timeout(err) {
		return unavailable(err)
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return unavailable(err)
	}
	return err
}
