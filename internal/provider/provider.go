// Package provider defines the seam between the catalog core and the system
// that actually stores deployments.
package provider

import (
	"context"

	"github.com/splax/heirloom/internal/domain"
)

// Catalog reads the catalog tree level by level.
type Catalog interface {
	ListApplications(ctx context.Context) ([]domain.Application, error)
	ListRegions(ctx context.Context, appID domain.ID) ([]domain.Region, error)
	ListEnvironments(ctx context.Context, appID, regionID domain.ID) ([]domain.Environment, error)
	ListVersions(ctx context.Context, scope domain.Scope) ([]domain.Version, error)
}

// Persister records lifecycle transitions in the system of record.
//
// PersistRelease returns the newly created version; a version with status
// failed means the provider recorded a failed deployment. PersistRollback
// returns the reactivated target.
type Persister interface {
	PersistRelease(ctx context.Context, scope domain.Scope, label, actor string) (domain.Version, error)
	PersistRollback(ctx context.Context, scope domain.Scope, targetID domain.ID, actor string) (domain.Version, error)
}

// Provider is the full contract consumed by the loader and the lifecycle engine.
type Provider interface {
	Catalog
	Persister
}

// HealthChecker is implemented by providers that can report reachability.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// ScopeNames identifies a scope by its human readable names.
type ScopeNames struct {
	Application string `json:"application"`
	Region      string `json:"region"`
	Environment string `json:"environment"`
}

// ScopeResolver is implemented by providers that can create catalog entities
// on demand, so a first release can name a scope that does not exist yet.
type ScopeResolver interface {
	EnsureScope(ctx context.Context, names ScopeNames) (domain.Scope, error)
}
