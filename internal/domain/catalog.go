package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status of a deployment record.
type Status string

// Version statuses.
const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusFailed   Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusFailed:
		return true
	}
	return false
}

// Application is a deployable service.
type Application struct {
	ID          ID     `json:"id"`
	Name        string `json:"name"`
	Team        string `json:"team,omitempty"`
	Description string `json:"description,omitempty"`
}

// Region is a deployment target location such as a cloud region.
type Region struct {
	ID   ID     `json:"id"`
	Code string `json:"code"`
	Name string `json:"name"`
}

// Environment is a deployment stage such as staging or production.
type Environment struct {
	ID       ID     `json:"id"`
	Name     string `json:"name"`
	Priority int    `json:"priority,omitempty"`
}

// Scope is the (application, environment, region) triple that owns versions.
type Scope struct {
	ApplicationID ID `json:"application_id"`
	EnvironmentID ID `json:"environment_id"`
	RegionID      ID `json:"region_id"`
}

// Valid reports whether every component of the scope is set.
func (s Scope) Valid() bool {
	return !s.ApplicationID.IsZero() && !s.EnvironmentID.IsZero() && !s.RegionID.IsZero()
}

func (s Scope) String() string {
	return fmt.Sprintf("app=%s/env=%s/region=%s", s.ApplicationID, s.EnvironmentID, s.RegionID)
}

// Node returns the tree node whose children are the versions of s.
func (s Scope) Node() NodePath {
	return EnvNode(s.ApplicationID, s.RegionID, s.EnvironmentID)
}

// BuildInfo carries optional build metadata of a version.
type BuildInfo struct {
	BuildID   string        `json:"build_id,omitempty"`
	CommitSHA string        `json:"commit_sha,omitempty"`
	Duration  time.Duration `json:"-"`
}

type buildInfoJSON struct {
	BuildID    string `json:"build_id,omitempty"`
	CommitSHA  string `json:"commit_sha,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

// MarshalJSON reports the duration in milliseconds.
func (b BuildInfo) MarshalJSON() ([]byte, error) {
	return json.Marshal(buildInfoJSON{BuildID: b.BuildID, CommitSHA: b.CommitSHA, DurationMS: b.Duration.Milliseconds()})
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (b *BuildInfo) UnmarshalJSON(data []byte) error {
	var raw buildInfoJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*b = BuildInfo{BuildID: raw.BuildID, CommitSHA: raw.CommitSHA, Duration: time.Duration(raw.DurationMS) * time.Millisecond}
	return nil
}

// ActionKind names the lifecycle operation that last activated a version.
type ActionKind string

// Lifecycle actions.
const (
	ActionRelease  ActionKind = "release"
	ActionRollback ActionKind = "rollback"
)

// Action records who activated a version and when, independent of the
// version's original provenance.
type Action struct {
	Kind  ActionKind `json:"kind"`
	Actor string     `json:"actor"`
	At    time.Time  `json:"at"`
}

// Version is a single deployment record within a scope.
type Version struct {
	ID         ID         `json:"id"`
	Scope      Scope      `json:"scope"`
	Label      string     `json:"version"`
	Status     Status     `json:"status"`
	DeployedBy string     `json:"deployed_by"`
	DeployedAt time.Time  `json:"deployed_at"`
	Build      *BuildInfo `json:"build,omitempty"`
	RollbackOf *ID        `json:"rollback_of,omitempty"`
	LastAction *Action    `json:"last_action,omitempty"`
}

// Active reports whether the version is the live one of its scope.
func (v Version) Active() bool { return v.Status == StatusActive }

// Failed reports whether the version is a failed deployment.
func (v Version) Failed() bool { return v.Status == StatusFailed }

// Clone returns a deep copy of v.
func (v Version) Clone() Version {
	out := v
	if v.Build != nil {
		b := *v.Build
		out.Build = &b
	}
	if v.RollbackOf != nil {
		id := *v.RollbackOf
		out.RollbackOf = &id
	}
	if v.LastAction != nil {
		a := *v.LastAction
		out.LastAction = &a
	}
	return out
}

// NewerThan orders versions by deployment time descending, ties broken by
// identifier descending.
func (v Version) NewerThan(other Version) bool {
	if !v.DeployedAt.Equal(other.DeployedAt) {
		return v.DeployedAt.After(other.DeployedAt)
	}
	return v.ID.Compare(other.ID) > 0
}

// Deployment is one row of the deployments overview: a version together with
// the names of the scope it belongs to.
type Deployment struct {
	Application string    `json:"application_name"`
	Environment string    `json:"environment"`
	Region      string    `json:"region"`
	Scope       Scope     `json:"scope"`
	VersionID   ID        `json:"version_id"`
	Version     string    `json:"version"`
	Status      Status    `json:"status"`
	DeployedBy  string    `json:"deployed_by"`
	DeployedAt  time.Time `json:"timestamp"`
}
