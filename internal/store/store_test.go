package store

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax/heirloom/internal/domain"
)

var testScope = domain.Scope{ApplicationID: "1", EnvironmentID: "3", RegionID: "2"}

func version(id string, status domain.Status, at time.Time) domain.Version {
	return domain.Version{
		ID:         domain.ID(id),
		Label:      "v" + id,
		Status:     status,
		DeployedBy: "ci",
		DeployedAt: at,
	}
}

func TestVersionsOrderedNewestFirstWithIDTieBreak(t *testing.T) {
	s := New()
	base := time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)
	s.SetVersions(testScope, []domain.Version{
		version("1", domain.StatusInactive, base),
		version("3", domain.StatusInactive, base.Add(time.Hour)),
		version("2", domain.StatusActive, base.Add(time.Hour)),
		version("10", domain.StatusInactive, base),
	})

	got := s.Versions(testScope)
	ids := make([]domain.ID, len(got))
	for i, v := range got {
		ids[i] = v.ID
	}
	assert.Equal(t, []domain.ID{"3", "2", "10", "1"}, ids)
}

func TestApplicationsSortedByName(t *testing.T) {
	s := New()
	s.SetApplications([]domain.Application{
		{ID: "2", Name: "web"},
		{ID: "1", Name: "api"},
		{ID: "3", Name: "batch"},
	})
	apps := s.Applications()
	require.Len(t, apps, 3)
	assert.Equal(t, "api", apps[0].Name)
	assert.Equal(t, "batch", apps[1].Name)
	assert.Equal(t, "web", apps[2].Name)
}

func TestRegionsKeepProviderOrderAndMerge(t *testing.T) {
	s := New()
	s.UpsertRegions("1", []domain.Region{{ID: "9", Code: "us-east-1"}, {ID: "4", Code: "eu-west-1"}})
	s.UpsertRegions("1", []domain.Region{{ID: "4", Code: "eu-west-1", Name: "Ireland"}, {ID: "5", Code: "ap-south-1"}})

	regions := s.Regions("1")
	require.Len(t, regions, 3)
	assert.Equal(t, domain.ID("9"), regions[0].ID)
	assert.Equal(t, "Ireland", regions[1].Name)
	assert.Equal(t, domain.ID("5"), regions[2].ID)

	s.SetRegions("1", []domain.Region{{ID: "5", Code: "ap-south-1"}})
	regions = s.Regions("1")
	require.Len(t, regions, 1)
	assert.Equal(t, domain.ID("5"), regions[0].ID)
	_, ok := s.Region("9")
	assert.True(t, ok, "entity records survive a child list replacement")
}

func TestSetActiveDemotesOtherActiveVersions(t *testing.T) {
	s := New()
	base := time.Now().UTC()
	s.SetVersions(testScope, []domain.Version{
		version("1", domain.StatusActive, base),
		version("2", domain.StatusInactive, base.Add(-time.Hour)),
	})

	v, err := s.SetActive(testScope, "2")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, v.Status)

	active, ok := s.ActiveVersion(testScope)
	require.True(t, ok)
	assert.Equal(t, domain.ID("2"), active.ID)
	one, _ := s.Version(testScope, "1")
	assert.Equal(t, domain.StatusInactive, one.Status)
}

func TestSetActiveErrors(t *testing.T) {
	s := New()
	_, err := s.SetActive(testScope, "1")
	require.ErrorIs(t, err, domain.ErrScopeNotFound)

	s.SetVersions(testScope, nil)
	_, err = s.SetActive(testScope, "1")
	require.ErrorIs(t, err, domain.ErrScopeNotFound)

	s.SetVersions(testScope, []domain.Version{
		version("1", domain.StatusActive, time.Now()),
		version("2", domain.StatusFailed, time.Now()),
	})
	_, err = s.SetActive(testScope, "7")
	require.ErrorIs(t, err, domain.ErrVersionNotFound)

	_, err = s.SetActive(testScope, "2")
	require.ErrorIs(t, err, domain.ErrInvalidTarget)
}

func TestApplyReleaseDemotesPreviousActive(t *testing.T) {
	s := New()
	base := time.Now().UTC()
	s.SetVersions(testScope, []domain.Version{
		version("1", domain.StatusActive, base.Add(-time.Hour)),
		version("2", domain.StatusFailed, base.Add(-2*time.Hour)),
	})
	rev := s.Revision(testScope)

	_, err := s.ApplyRelease(testScope, rev, version("3", domain.StatusActive, base))
	require.NoError(t, err)

	got := s.Versions(testScope)
	require.Len(t, got, 3)
	assert.Equal(t, domain.ID("3"), got[0].ID)
	assert.Equal(t, domain.StatusActive, got[0].Status)
	assert.Equal(t, domain.StatusInactive, got[1].Status)
	assert.Equal(t, domain.StatusFailed, got[2].Status, "failed versions are left untouched")
}

func TestApplyReleaseFailedKeepsActive(t *testing.T) {
	s := New()
	base := time.Now().UTC()
	s.SetVersions(testScope, []domain.Version{version("1", domain.StatusActive, base.Add(-time.Hour))})

	_, err := s.ApplyRelease(testScope, s.Revision(testScope), version("2", domain.StatusFailed, base))
	require.NoError(t, err)

	active, ok := s.ActiveVersion(testScope)
	require.True(t, ok)
	assert.Equal(t, domain.ID("1"), active.ID)
}

func TestApplyReleaseDetectsConcurrentChange(t *testing.T) {
	s := New()
	s.SetVersions(testScope, []domain.Version{version("1", domain.StatusActive, time.Now())})
	stale := s.Revision(testScope)
	s.UpsertVersions(testScope, []domain.Version{version("2", domain.StatusInactive, time.Now())})

	before := snapshot(t, s)
	_, err := s.ApplyRelease(testScope, stale, version("3", domain.StatusActive, time.Now()))
	require.ErrorIs(t, err, domain.ErrConflictingWrite)
	assert.Equal(t, before, snapshot(t, s))
}

func TestApplyRollbackKeepsProvenance(t *testing.T) {
	s := New()
	t1 := time.Date(2025, time.May, 1, 10, 0, 0, 0, time.UTC)
	t0 := t1.Add(-time.Hour)
	s.SetVersions(testScope, []domain.Version{
		version("1", domain.StatusActive, t1),
		version("2", domain.StatusInactive, t0),
	})

	returned := version("2", domain.StatusActive, time.Now())
	returned.DeployedBy = "bob"
	returned.LastAction = &domain.Action{Kind: domain.ActionRollback, Actor: "bob", At: time.Now()}
	v, err := s.ApplyRollback(testScope, s.Revision(testScope), returned)
	require.NoError(t, err)
	assert.Equal(t, t0, v.DeployedAt)
	assert.Equal(t, "ci", v.DeployedBy)
	require.NotNil(t, v.LastAction)
	assert.Equal(t, "bob", v.LastAction.Actor)

	got := s.Versions(testScope)
	assert.Equal(t, domain.ID("1"), got[0].ID, "recency order is independent of status")
	assert.Equal(t, domain.StatusInactive, got[0].Status)
}

func TestRollbackCandidatesExcludeFailedAndActive(t *testing.T) {
	s := New()
	base := time.Now()
	s.SetVersions(testScope, []domain.Version{
		version("1", domain.StatusActive, base),
		version("2", domain.StatusFailed, base.Add(-time.Minute)),
		version("3", domain.StatusInactive, base.Add(-2*time.Minute)),
	})
	candidates := s.RollbackCandidates(testScope)
	require.Len(t, candidates, 1)
	assert.Equal(t, domain.ID("3"), candidates[0].ID)
}

func TestSubscribersReceiveScopeChanges(t *testing.T) {
	s := New()
	var mu sync.Mutex
	var changes []Change
	unsubscribe := s.Subscribe(func(c Change) {
		mu.Lock()
		changes = append(changes, c)
		mu.Unlock()
	})

	s.SetVersions(testScope, []domain.Version{version("1", domain.StatusActive, time.Now())})
	unsubscribe()
	s.SetVersions(testScope, nil)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, changes, 1)
	assert.Equal(t, ChangeVersions, changes[0].Kind)
	assert.Equal(t, testScope, changes[0].Scope)
	assert.Equal(t, testScope.Node(), changes[0].Node)
	assert.Equal(t, uint64(1), changes[0].Revision)
}

func TestStoresAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.SetApplications([]domain.Application{{ID: "1", Name: "api"}})
	assert.Len(t, a.Applications(), 1)
	assert.Empty(t, b.Applications())

	a.Reset()
	assert.Empty(t, a.Applications())
}

func TestReturnedVersionsAreCopies(t *testing.T) {
	s := New()
	v := version("1", domain.StatusActive, time.Now())
	v.Build = &domain.BuildInfo{BuildID: "b-1"}
	s.SetVersions(testScope, []domain.Version{v})

	got := s.Versions(testScope)
	got[0].Build.BuildID = "mutated"
	got[0].Status = domain.StatusFailed

	again, _ := s.Version(testScope, "1")
	assert.Equal(t, "b-1", again.Build.BuildID)
	assert.Equal(t, domain.StatusActive, again.Status)
}

func snapshot(t *testing.T, s *Store) string {
	t.Helper()
	data, err := json.Marshal(struct {
		Revision uint64
		Versions []domain.Version
	}{s.Revision(testScope), s.Versions(testScope)})
	require.NoError(t, err)
	return string(data)
}
