package loader

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/splax/heirloom/internal/domain"
	"github.com/splax/heirloom/internal/provider"
)

// DefaultOverviewLimit caps each scope of the deployments overview when the
// caller passes no limit.
const DefaultOverviewLimit = 10

// walkConcurrency bounds the provider fetches a tree walk runs at once.
const walkConcurrency = 8

// Resolve finds the scope named by names, loading the levels it walks
// through. Nothing is created; unknown names yield ErrScopeNotFound.
func (l *Loader) Resolve(ctx context.Context, names provider.ScopeNames) (domain.Scope, error) {
	names.Application = strings.TrimSpace(names.Application)
	names.Region = strings.TrimSpace(names.Region)
	names.Environment = strings.TrimSpace(names.Environment)
	if names.Application == "" || names.Region == "" || names.Environment == "" {
		return domain.Scope{}, fmt.Errorf("%w: application, region and environment are required", domain.ErrInvalidInput)
	}

	var scope domain.Scope
	root, err := l.Load(ctx, domain.RootNode())
	if err != nil {
		return domain.Scope{}, err
	}
	for _, a := range root.Applications {
		if a.Name == names.Application {
			scope.ApplicationID = a.ID
			break
		}
	}
	if scope.ApplicationID.IsZero() {
		return domain.Scope{}, fmt.Errorf("%w: application %q", domain.ErrScopeNotFound, names.Application)
	}

	regions, err := l.Load(ctx, domain.AppNode(scope.ApplicationID))
	if err != nil {
		return domain.Scope{}, err
	}
	for _, r := range regions.Regions {
		if r.Code == names.Region {
			scope.RegionID = r.ID
			break
		}
	}
	if scope.RegionID.IsZero() {
		return domain.Scope{}, fmt.Errorf("%w: region %q of %s", domain.ErrScopeNotFound, names.Region, names.Application)
	}

	envs, err := l.Load(ctx, domain.RegionNode(scope.ApplicationID, scope.RegionID))
	if err != nil {
		return domain.Scope{}, err
	}
	for _, e := range envs.Environments {
		if e.Name == names.Environment {
			scope.EnvironmentID = e.ID
			break
		}
	}
	if scope.EnvironmentID.IsZero() {
		return domain.Scope{}, fmt.Errorf("%w: environment %q of %s in %s", domain.ErrScopeNotFound, names.Environment, names.Application, names.Region)
	}
	return scope, nil
}

type overviewScope struct {
	app    domain.Application
	region domain.Region
	env    domain.Environment
}

// Deployments walks the whole catalog and returns, for every scope, its
// newest non-failed versions up to limit. Rows are ordered by application,
// environment and region names, newest first within a scope.
func (l *Loader) Deployments(ctx context.Context, limit int) ([]domain.Deployment, error) {
	if limit <= 0 {
		limit = DefaultOverviewLimit
	}
	root, err := l.Load(ctx, domain.RootNode())
	if err != nil {
		return nil, err
	}

	type appRegion struct {
		app    domain.Application
		region domain.Region
	}
	var (
		mu      sync.Mutex
		regions []appRegion
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(walkConcurrency)
	for _, app := range root.Applications {
		g.Go(func() error {
			c, err := l.Load(gctx, domain.AppNode(app.ID))
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			for _, r := range c.Regions {
				regions = append(regions, appRegion{app: app, region: r})
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var scopes []overviewScope
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(walkConcurrency)
	for _, ar := range regions {
		g.Go(func() error {
			c, err := l.Load(gctx, domain.RegionNode(ar.app.ID, ar.region.ID))
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			for _, e := range c.Environments {
				scopes = append(scopes, overviewScope{app: ar.app, region: ar.region, env: e})
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var rows []domain.Deployment
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(walkConcurrency)
	for _, s := range scopes {
		g.Go(func() error {
			scope := domain.Scope{ApplicationID: s.app.ID, EnvironmentID: s.env.ID, RegionID: s.region.ID}
			c, err := l.Load(gctx, scope.Node())
			if err != nil {
				return err
			}
			picked := make([]domain.Deployment, 0, limit)
			for _, v := range c.Versions {
				if len(picked) == limit {
					break
				}
				if v.Failed() {
					continue
				}
				picked = append(picked, domain.Deployment{
					Application: s.app.Name,
					Environment: s.env.Name,
					Region:      s.region.Code,
					Scope:       scope,
					VersionID:   v.ID,
					Version:     v.Label,
					Status:      v.Status,
					DeployedBy:  v.DeployedBy,
					DeployedAt:  v.DeployedAt,
				})
			}
			mu.Lock()
			rows = append(rows, picked...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		switch {
		case a.Application != b.Application:
			return a.Application < b.Application
		case a.Environment != b.Environment:
			return a.Environment < b.Environment
		case a.Region != b.Region:
			return a.Region < b.Region
		case !a.DeployedAt.Equal(b.DeployedAt):
			return a.DeployedAt.After(b.DeployedAt)
		}
		return a.VersionID.Compare(b.VersionID) > 0
	})
	return rows, nil
}
