// Package memory is an in-process catalog provider seeded from sample data.
// It backs the demo mode and the package tests of the core.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/splax/heirloom/internal/domain"
	"github.com/splax/heirloom/internal/provider"
	"github.com/splax/heirloom/internal/provider/record"
)

// Op names a provider operation, used for call accounting and fault injection.
type Op string

// Provider operations.
const (
	OpListApplications Op = "list_applications"
	OpListRegions      Op = "list_regions"
	OpListEnvironments Op = "list_environments"
	OpListVersions     Op = "list_versions"
	OpPersistRelease   Op = "persist_release"
	OpPersistRollback  Op = "persist_rollback"
)

// Provider keeps applications, regions, environments and deployments in
// memory and applies the same release and rollback rules as the database
// provider.
type Provider struct {
	mu          sync.Mutex
	apps        []domain.Application
	regions     []domain.Region
	envs        []domain.Environment
	deployments []domain.Version
	nextID      int64
	calls       map[Op]int
	fault       func(Op) error
	now         func() time.Time
}

var (
	_ provider.Provider      = (*Provider)(nil)
	_ provider.ScopeResolver = (*Provider)(nil)
)

// Option customises a Provider.
type Option func(*Provider)

// WithFault installs fn, which is consulted before every operation; a non-nil
// result is returned instead of performing the operation.
func WithFault(fn func(Op) error) Option {
	return func(p *Provider) { p.fault = fn }
}

// WithClock overrides the time source used for new deployments.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) {
		if now != nil {
			p.now = now
		}
	}
}

// Seed is the sample-data document accepted by Load.
type Seed struct {
	Applications []record.Raw `json:"applications"`
	Regions      []record.Raw `json:"regions"`
	Environments []record.Raw `json:"environments"`
	Deployments  []record.Raw `json:"deployments"`
}

// New returns an empty provider.
func New(opts ...Option) *Provider {
	p := &Provider{
		calls:  make(map[Op]int),
		now:    func() time.Time { return time.Now().UTC() },
		nextID: 1,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// LoadFile reads a JSON seed document from path into a new provider.
func LoadFile(path string, opts ...Option) (*Provider, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open seed file: %w", err)
	}
	defer f.Close()
	return Load(f, opts...)
}

// Load decodes a JSON seed document into a new provider.
func Load(r io.Reader, opts ...Option) (*Provider, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var seed Seed
	if err := dec.Decode(&seed); err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	p := New(opts...)
	apps, err := record.Decode(seed.Applications, record.Application)
	if err != nil {
		return nil, fmt.Errorf("seed applications: %w", err)
	}
	regions, err := record.Decode(seed.Regions, record.Region)
	if err != nil {
		return nil, fmt.Errorf("seed regions: %w", err)
	}
	envs, err := record.Decode(seed.Environments, record.Environment)
	if err != nil {
		return nil, fmt.Errorf("seed environments: %w", err)
	}
	deployments, err := record.Decode(seed.Deployments, func(r record.Raw) (domain.Version, error) {
		return record.Version(r, domain.Scope{})
	})
	if err != nil {
		return nil, fmt.Errorf("seed deployments: %w", err)
	}
	p.Add(apps, regions, envs, deployments...)
	return p, nil
}

// Add appends catalog entities. Entities created later are numbered after
// the largest numeric identifier seen.
func (p *Provider) Add(apps []domain.Application, regions []domain.Region, envs []domain.Environment, deployments ...domain.Version) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, a := range apps {
		p.apps = append(p.apps, a)
		p.reserve(a.ID)
	}
	for _, r := range regions {
		p.regions = append(p.regions, r)
		p.reserve(r.ID)
	}
	for _, e := range envs {
		p.envs = append(p.envs, e)
		p.reserve(e.ID)
	}
	for _, d := range deployments {
		p.deployments = append(p.deployments, d.Clone())
		p.reserve(d.ID)
	}
}

func (p *Provider) reserve(id domain.ID) {
	if n, ok := id.Int64(); ok && n >= p.nextID {
		p.nextID = n + 1
	}
}

// Calls returns how many times op was invoked, including faulted calls.
func (p *Provider) Calls(op Op) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

func (p *Provider) enter(ctx context.Context, op Op) error {
	p.calls[op]++
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}
	if p.fault != nil {
		if err := p.fault(op); err != nil {
			return err
		}
	}
	return nil
}

// Ping always succeeds.
func (p *Provider) Ping(context.Context) error { return nil }

// ListApplications returns every application.
func (p *Provider) ListApplications(ctx context.Context) ([]domain.Application, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(ctx, OpListApplications); err != nil {
		return nil, err
	}
	return append([]domain.Application(nil), p.apps...), nil
}

// ListRegions returns the regions with at least one deployment of appID.
func (p *Provider) ListRegions(ctx context.Context, appID domain.ID) ([]domain.Region, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(ctx, OpListRegions); err != nil {
		return nil, err
	}
	if !p.hasApp(appID) {
		return nil, fmt.Errorf("%w: application %s", domain.ErrNotFound, appID)
	}
	out := make([]domain.Region, 0)
	for _, r := range p.regions {
		if p.joined(func(s domain.Scope) bool { return s.ApplicationID == appID && s.RegionID == r.ID }) {
			out = append(out, r)
		}
	}
	return out, nil
}

// ListEnvironments returns the environments with at least one deployment of
// appID in regionID.
func (p *Provider) ListEnvironments(ctx context.Context, appID, regionID domain.ID) ([]domain.Environment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(ctx, OpListEnvironments); err != nil {
		return nil, err
	}
	out := make([]domain.Environment, 0)
	for _, e := range p.envs {
		if p.joined(func(s domain.Scope) bool {
			return s.ApplicationID == appID && s.RegionID == regionID && s.EnvironmentID == e.ID
		}) {
			out = append(out, e)
		}
	}
	return out, nil
}

// ListVersions returns the deployment history of scope in insertion order.
func (p *Provider) ListVersions(ctx context.Context, scope domain.Scope) ([]domain.Version, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(ctx, OpListVersions); err != nil {
		return nil, err
	}
	out := make([]domain.Version, 0)
	for _, d := range p.deployments {
		if d.Scope == scope {
			out = append(out, d.Clone())
		}
	}
	return out, nil
}

// PersistRelease records a new active deployment and demotes the previous one.
func (p *Provider) PersistRelease(ctx context.Context, scope domain.Scope, label, actor string) (domain.Version, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(ctx, OpPersistRelease); err != nil {
		return domain.Version{}, err
	}
	if err := p.checkScope(scope); err != nil {
		return domain.Version{}, err
	}
	now := p.now()
	v := domain.Version{
		ID:         p.allocate(),
		Scope:      scope,
		Label:      label,
		Status:     domain.StatusActive,
		DeployedBy: actor,
		DeployedAt: now,
		LastAction: &domain.Action{Kind: domain.ActionRelease, Actor: actor, At: now},
	}
	for i := range p.deployments {
		d := &p.deployments[i]
		if d.Scope == scope && d.Active() {
			d.Status = domain.StatusInactive
			prev := d.ID
			v.RollbackOf = &prev
		}
	}
	p.deployments = append(p.deployments, v)
	return v.Clone(), nil
}

// PersistRollback reactivates targetID and demotes every other active
// deployment of scope.
func (p *Provider) PersistRollback(ctx context.Context, scope domain.Scope, targetID domain.ID, actor string) (domain.Version, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(ctx, OpPersistRollback); err != nil {
		return domain.Version{}, err
	}
	idx := -1
	for i, d := range p.deployments {
		if d.Scope == scope && d.ID == targetID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return domain.Version{}, fmt.Errorf("%w: version %s not in %s", domain.ErrInvalidTarget, targetID, scope)
	}
	if p.deployments[idx].Failed() {
		return domain.Version{}, fmt.Errorf("%w: version %s failed", domain.ErrInvalidTarget, targetID)
	}
	if p.deployments[idx].Active() {
		return p.deployments[idx].Clone(), nil
	}
	for i := range p.deployments {
		d := &p.deployments[i]
		if d.Scope == scope && d.Active() {
			d.Status = domain.StatusInactive
		}
	}
	target := &p.deployments[idx]
	target.Status = domain.StatusActive
	target.LastAction = &domain.Action{Kind: domain.ActionRollback, Actor: actor, At: p.now()}
	return target.Clone(), nil
}

func (p *Provider) hasApp(id domain.ID) bool {
	for _, a := range p.apps {
		if a.ID == id {
			return true
		}
	}
	return false
}

func (p *Provider) checkScope(scope domain.Scope) error {
	if !p.hasApp(scope.ApplicationID) {
		return fmt.Errorf("%w: application %s", domain.ErrScopeNotFound, scope.ApplicationID)
	}
	found := false
	for _, r := range p.regions {
		found = found || r.ID == scope.RegionID
	}
	if !found {
		return fmt.Errorf("%w: region %s", domain.ErrScopeNotFound, scope.RegionID)
	}
	found = false
	for _, e := range p.envs {
		found = found || e.ID == scope.EnvironmentID
	}
	if !found {
		return fmt.Errorf("%w: environment %s", domain.ErrScopeNotFound, scope.EnvironmentID)
	}
	return nil
}

func (p *Provider) joined(match func(domain.Scope) bool) bool {
	for _, d := range p.deployments {
		if match(d.Scope) {
			return true
		}
	}
	return false
}

// EnsureScope resolves names to a scope, creating missing entities.
func (p *Provider) EnsureScope(ctx context.Context, names provider.ScopeNames) (domain.Scope, error) {
	if names.Application == "" || names.Region == "" || names.Environment == "" {
		return domain.Scope{}, fmt.Errorf("%w: application, region and environment names are required", domain.ErrInvalidInput)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return domain.Scope{}, fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}
	var scope domain.Scope
	for _, a := range p.apps {
		if a.Name == names.Application {
			scope.ApplicationID = a.ID
		}
	}
	if scope.ApplicationID.IsZero() {
		scope.ApplicationID = p.allocate()
		p.apps = append(p.apps, domain.Application{ID: scope.ApplicationID, Name: names.Application})
	}
	for _, r := range p.regions {
		if r.Code == names.Region {
			scope.RegionID = r.ID
		}
	}
	if scope.RegionID.IsZero() {
		scope.RegionID = p.allocate()
		p.regions = append(p.regions, domain.Region{ID: scope.RegionID, Code: names.Region, Name: names.Region})
	}
	for _, e := range p.envs {
		if e.Name == names.Environment {
			scope.EnvironmentID = e.ID
		}
	}
	if scope.EnvironmentID.IsZero() {
		scope.EnvironmentID = p.allocate()
		p.envs = append(p.envs, domain.Environment{ID: scope.EnvironmentID, Name: names.Environment})
	}
	return scope, nil
}

// allocate hands out entity identifiers from the same sequence as
// deployments, which keeps them unique without per-table counters.
func (p *Provider) allocate() domain.ID {
	id := domain.NewID(p.nextID)
	p.nextID++
	return id
}
