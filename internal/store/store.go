// Package store holds the normalized, in-memory catalog that the loader fills
// and the lifecycle engine mutates.
package store

import (
	"fmt"
	"sort"
	"sync"

	"github.com/splax/heirloom/internal/domain"
)

// ChangeKind names the part of the catalog a change touched.
type ChangeKind string

// Change kinds.
const (
	ChangeApplications ChangeKind = "applications"
	ChangeRegions      ChangeKind = "regions"
	ChangeEnvironments ChangeKind = "environments"
	ChangeVersions     ChangeKind = "versions"
	ChangeReset        ChangeKind = "reset"
)

// Change is delivered to subscribers after every mutation. Node is the tree
// node whose children changed; Revision is set for version changes.
type Change struct {
	Kind     ChangeKind
	Node     domain.NodePath
	Scope    domain.Scope
	Revision uint64
}

type regionKey struct {
	app    domain.ID
	region domain.ID
}

type scopeData struct {
	mu       sync.RWMutex
	versions map[domain.ID]domain.Version
	revision uint64
}

// Store is a normalized catalog keyed by identifier. The zero value is not
// usable; construct with New. Independent stores never share state.
type Store struct {
	mu           sync.RWMutex
	apps         map[domain.ID]domain.Application
	rootChildren []domain.ID
	regions      map[domain.ID]domain.Region
	appRegions   map[domain.ID][]domain.ID
	envs         map[domain.ID]domain.Environment
	regionEnvs   map[regionKey][]domain.ID
	scopes       map[domain.Scope]*scopeData

	subMu   sync.Mutex
	subs    map[int]func(Change)
	nextSub int
}

// New returns an empty store.
func New() *Store {
	s := &Store{subs: make(map[int]func(Change))}
	s.init()
	return s
}

func (s *Store) init() {
	s.apps = make(map[domain.ID]domain.Application)
	s.rootChildren = nil
	s.regions = make(map[domain.ID]domain.Region)
	s.appRegions = make(map[domain.ID][]domain.ID)
	s.envs = make(map[domain.ID]domain.Environment)
	s.regionEnvs = make(map[regionKey][]domain.ID)
	s.scopes = make(map[domain.Scope]*scopeData)
}

// Subscribe registers fn for change notifications and returns a function
// that removes the subscription. Callbacks run outside the store locks.
func (s *Store) Subscribe(fn func(Change)) func() {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) notify(c Change) {
	s.subMu.Lock()
	fns := make([]func(Change), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}

// Reset drops all cached entities. Subscriptions are kept.
func (s *Store) Reset() {
	s.mu.Lock()
	s.init()
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeReset, Node: domain.RootNode()})
}

// UpsertApplications merges applications by identifier. New identifiers are
// appended to the root's children.
func (s *Store) UpsertApplications(apps []domain.Application) {
	s.mu.Lock()
	for _, app := range apps {
		if _, ok := s.apps[app.ID]; !ok {
			s.rootChildren = appendUnique(s.rootChildren, app.ID)
		}
		s.apps[app.ID] = app
	}
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeApplications, Node: domain.RootNode()})
}

// SetApplications merges apps and makes them the complete list of root children.
func (s *Store) SetApplications(apps []domain.Application) {
	s.mu.Lock()
	children := make([]domain.ID, 0, len(apps))
	for _, app := range apps {
		s.apps[app.ID] = app
		children = appendUnique(children, app.ID)
	}
	s.rootChildren = children
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeApplications, Node: domain.RootNode()})
}

// UpsertRegions merges regions visible under appID.
func (s *Store) UpsertRegions(appID domain.ID, regions []domain.Region) {
	s.mu.Lock()
	children := s.appRegions[appID]
	for _, r := range regions {
		s.regions[r.ID] = r
		children = appendUnique(children, r.ID)
	}
	s.appRegions[appID] = children
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeRegions, Node: domain.AppNode(appID)})
}

// SetRegions merges regions and replaces the children of the application node.
func (s *Store) SetRegions(appID domain.ID, regions []domain.Region) {
	s.mu.Lock()
	children := make([]domain.ID, 0, len(regions))
	for _, r := range regions {
		s.regions[r.ID] = r
		children = appendUnique(children, r.ID)
	}
	s.appRegions[appID] = children
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeRegions, Node: domain.AppNode(appID)})
}

// UpsertEnvironments merges environments visible under (appID, regionID).
func (s *Store) UpsertEnvironments(appID, regionID domain.ID, envs []domain.Environment) {
	key := regionKey{app: appID, region: regionID}
	s.mu.Lock()
	children := s.regionEnvs[key]
	for _, e := range envs {
		s.envs[e.ID] = e
		children = appendUnique(children, e.ID)
	}
	s.regionEnvs[key] = children
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeEnvironments, Node: domain.RegionNode(appID, regionID)})
}

// SetEnvironments merges environments and replaces the children of the region node.
func (s *Store) SetEnvironments(appID, regionID domain.ID, envs []domain.Environment) {
	key := regionKey{app: appID, region: regionID}
	s.mu.Lock()
	children := make([]domain.ID, 0, len(envs))
	for _, e := range envs {
		s.envs[e.ID] = e
		children = appendUnique(children, e.ID)
	}
	s.regionEnvs[key] = children
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeEnvironments, Node: domain.RegionNode(appID, regionID)})
}

// Applications returns the root children ordered by name, then identifier.
func (s *Store) Applications() []domain.Application {
	s.mu.RLock()
	out := make([]domain.Application, 0, len(s.rootChildren))
	for _, id := range s.rootChildren {
		out = append(out, s.apps[id])
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID.Compare(out[j].ID) < 0
	})
	return out
}

// Application looks up an application by identifier.
func (s *Store) Application(id domain.ID) (domain.Application, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	app, ok := s.apps[id]
	return app, ok
}

// Regions returns the regions visible under appID in provider order.
func (s *Store) Regions(appID domain.ID) []domain.Region {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.appRegions[appID]
	out := make([]domain.Region, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.regions[id])
	}
	return out
}

// Region looks up a region by identifier.
func (s *Store) Region(id domain.ID) (domain.Region, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.regions[id]
	return r, ok
}

// Environments returns the environments visible under (appID, regionID) in
// provider order.
func (s *Store) Environments(appID, regionID domain.ID) []domain.Environment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.regionEnvs[regionKey{app: appID, region: regionID}]
	out := make([]domain.Environment, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.envs[id])
	}
	return out
}

// Environment looks up an environment by identifier.
func (s *Store) Environment(id domain.ID) (domain.Environment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.envs[id]
	return e, ok
}

func (s *Store) scope(scope domain.Scope) (*scopeData, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.scopes[scope]
	return d, ok
}

func (s *Store) scopeOrCreate(scope domain.Scope) *scopeData {
	if d, ok := s.scope(scope); ok {
		return d
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.scopes[scope]
	if !ok {
		d = &scopeData{versions: make(map[domain.ID]domain.Version)}
		s.scopes[scope] = d
	}
	return d
}

// Loaded reports whether versions for scope have been stored, even if the
// provider returned none.
func (s *Store) Loaded(scope domain.Scope) bool {
	_, ok := s.scope(scope)
	return ok
}

// Revision returns the mutation counter of scope. It is zero for scopes
// that were never stored.
func (s *Store) Revision(scope domain.Scope) uint64 {
	d, ok := s.scope(scope)
	if !ok {
		return 0
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.revision
}

// UpsertVersions merges versions into scope by identifier.
func (s *Store) UpsertVersions(scope domain.Scope, versions []domain.Version) {
	d := s.scopeOrCreate(scope)
	d.mu.Lock()
	for _, v := range versions {
		v = v.Clone()
		v.Scope = scope
		d.versions[v.ID] = v
	}
	d.revision++
	rev := d.revision
	d.mu.Unlock()
	s.notifyVersions(scope, rev)
}

// SetVersions replaces the versions held for scope with the given list.
func (s *Store) SetVersions(scope domain.Scope, versions []domain.Version) {
	d := s.scopeOrCreate(scope)
	d.mu.Lock()
	d.versions = make(map[domain.ID]domain.Version, len(versions))
	for _, v := range versions {
		v = v.Clone()
		v.Scope = scope
		d.versions[v.ID] = v
	}
	d.revision++
	rev := d.revision
	d.mu.Unlock()
	s.notifyVersions(scope, rev)
}

func (s *Store) notifyVersions(scope domain.Scope, rev uint64) {
	s.notify(Change{Kind: ChangeVersions, Node: scope.Node(), Scope: scope, Revision: rev})
}

// Versions returns a snapshot of scope ordered by deployment time, newest
// first, ties broken by identifier descending.
func (s *Store) Versions(scope domain.Scope) []domain.Version {
	d, ok := s.scope(scope)
	if !ok {
		return nil
	}
	d.mu.RLock()
	out := make([]domain.Version, 0, len(d.versions))
	for _, v := range d.versions {
		out = append(out, v.Clone())
	}
	d.mu.RUnlock()
	sortVersions(out)
	return out
}

// Version looks up a single version of scope.
func (s *Store) Version(scope domain.Scope, id domain.ID) (domain.Version, bool) {
	d, ok := s.scope(scope)
	if !ok {
		return domain.Version{}, false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.versions[id]
	if !ok {
		return domain.Version{}, false
	}
	return v.Clone(), true
}

// ActiveVersion returns the active version of scope, if any.
func (s *Store) ActiveVersion(scope domain.Scope) (domain.Version, bool) {
	for _, v := range s.Versions(scope) {
		if v.Active() {
			return v, true
		}
	}
	return domain.Version{}, false
}

// RollbackCandidates lists versions that may be rolled back to: neither
// active nor failed, newest first.
func (s *Store) RollbackCandidates(scope domain.Scope) []domain.Version {
	all := s.Versions(scope)
	out := all[:0]
	for _, v := range all {
		if v.Status == domain.StatusInactive {
			out = append(out, v)
		}
	}
	return out
}

// SetActive makes id the only active version of scope.
func (s *Store) SetActive(scope domain.Scope, id domain.ID) (domain.Version, error) {
	return s.activate(scope, nil, func(d *scopeData) (domain.Version, error) {
		target, ok := d.versions[id]
		if !ok {
			return domain.Version{}, fmt.Errorf("%w: %s in %s", domain.ErrVersionNotFound, id, scope)
		}
		return target, nil
	})
}

// ApplyRollback stores the provider's view of a rolled back target and
// demotes every other active version. It fails with ErrConflictingWrite when
// scope changed since expectedRevision was read.
func (s *Store) ApplyRollback(scope domain.Scope, expectedRevision uint64, target domain.Version) (domain.Version, error) {
	return s.activate(scope, &expectedRevision, func(d *scopeData) (domain.Version, error) {
		current, ok := d.versions[target.ID]
		if !ok {
			return domain.Version{}, fmt.Errorf("%w: %s in %s", domain.ErrVersionNotFound, target.ID, scope)
		}
		// A rollback never rewrites the target's provenance.
		merged := target.Clone()
		merged.Scope = scope
		merged.DeployedAt = current.DeployedAt
		merged.DeployedBy = current.DeployedBy
		return merged, nil
	})
}

func (s *Store) activate(scope domain.Scope, expected *uint64, pick func(*scopeData) (domain.Version, error)) (domain.Version, error) {
	d, ok := s.scope(scope)
	if !ok {
		return domain.Version{}, fmt.Errorf("%w: %s", domain.ErrScopeNotFound, scope)
	}
	d.mu.Lock()
	if len(d.versions) == 0 {
		d.mu.Unlock()
		return domain.Version{}, fmt.Errorf("%w: %s has no versions", domain.ErrScopeNotFound, scope)
	}
	if expected != nil && *expected != d.revision {
		d.mu.Unlock()
		return domain.Version{}, fmt.Errorf("%w: %s changed during update", domain.ErrConflictingWrite, scope)
	}
	target, err := pick(d)
	if err != nil {
		d.mu.Unlock()
		return domain.Version{}, err
	}
	if existing, ok := d.versions[target.ID]; ok && existing.Failed() {
		d.mu.Unlock()
		return domain.Version{}, fmt.Errorf("%w: version %s failed", domain.ErrInvalidTarget, target.ID)
	}
	for id, v := range d.versions {
		if v.Active() && id != target.ID {
			v.Status = domain.StatusInactive
			d.versions[id] = v
		}
	}
	target.Status = domain.StatusActive
	d.versions[target.ID] = target
	d.revision++
	rev := d.revision
	d.mu.Unlock()
	s.notifyVersions(scope, rev)
	return target.Clone(), nil
}

// ApplyRelease records a newly released version. An active release demotes
// the previous active version in the same step; a failed release is stored
// as-is and leaves the active version alone.
func (s *Store) ApplyRelease(scope domain.Scope, expectedRevision uint64, v domain.Version) (domain.Version, error) {
	d := s.scopeOrCreate(scope)
	d.mu.Lock()
	if d.revision != expectedRevision {
		d.mu.Unlock()
		return domain.Version{}, fmt.Errorf("%w: %s changed during release", domain.ErrConflictingWrite, scope)
	}
	v = v.Clone()
	v.Scope = scope
	if existing, ok := d.versions[v.ID]; ok && existing.Failed() {
		d.mu.Unlock()
		return domain.Version{}, fmt.Errorf("%w: version %s already recorded as failed", domain.ErrConflictingWrite, v.ID)
	}
	if v.Active() {
		for id, other := range d.versions {
			if other.Active() && id != v.ID {
				other.Status = domain.StatusInactive
				d.versions[id] = other
			}
		}
	}
	d.versions[v.ID] = v
	d.revision++
	rev := d.revision
	d.mu.Unlock()
	s.notifyVersions(scope, rev)
	return v.Clone(), nil
}

func sortVersions(vs []domain.Version) {
	sort.Slice(vs, func(i, j int) bool { return vs[i].NewerThan(vs[j]) })
}

func appendUnique(ids []domain.ID, id domain.ID) []domain.ID {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

// ScopeSnapshot is a point-in-time copy of one scope.
type ScopeSnapshot struct {
	Scope    domain.Scope     `json:"scope"`
	Revision uint64           `json:"revision"`
	Versions []domain.Version `json:"versions"`
}

// Snapshot copies scope's versions together with the revision they belong to.
func (s *Store) Snapshot(scope domain.Scope) ScopeSnapshot {
	snap := ScopeSnapshot{Scope: scope, Versions: []domain.Version{}}
	d, ok := s.scope(scope)
	if !ok {
		return snap
	}
	d.mu.RLock()
	snap.Revision = d.revision
	for _, v := range d.versions {
		snap.Versions = append(snap.Versions, v.Clone())
	}
	d.mu.RUnlock()
	sortVersions(snap.Versions)
	return snap
}
