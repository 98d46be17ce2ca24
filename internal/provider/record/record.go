// Package record turns loosely typed provider payloads into canonical
// catalog records.
//
// Upstream APIs have shipped the same field under several spellings
// ("id", "ID", "Id"; "deployed_at", "deployedAt", "DeployedAt", "CreatedAt")
// and identifiers as both numbers and strings. Everything is folded here so
// the rest of the catalog never branches on field-name variants.
package record

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/splax/heirloom/internal/domain"
)

// Raw is a decoded JSON object. Decode with json.Decoder.UseNumber so large
// identifiers survive.
type Raw map[string]any

var (
	idKeys          = []string{"id", "ID", "Id"}
	nameKeys        = []string{"name", "Name"}
	teamKeys        = []string{"team", "Team"}
	descriptionKeys = []string{"description", "Description"}
	codeKeys        = []string{"code", "Code", "region_code", "regionCode"}
	priorityKeys    = []string{"priority", "Priority", "position", "Position"}
	labelKeys       = []string{"version", "Version", "label", "Label"}
	statusKeys      = []string{"status", "Status"}
	deployedByKeys  = []string{"deployed_by", "deployedBy", "DeployedBy"}
	deployedAtKeys  = []string{"deployed_at", "deployedAt", "DeployedAt", "timestamp", "Timestamp", "created_at", "createdAt", "CreatedAt"}
	appIDKeys       = []string{"application_id", "applicationId", "ApplicationID"}
	envIDKeys       = []string{"environment_id", "environmentId", "EnvironmentID"}
	regionIDKeys    = []string{"region_id", "regionId", "RegionID"}
	buildIDKeys     = []string{"build_id", "buildId", "BuildID"}
	commitKeys      = []string{"commit_hash", "commitHash", "commit_sha", "commitSha", "CommitSHA"}
	durationKeys    = []string{"duration_ms", "durationMs", "DurationMS", "duration"}
	rollbackOfKeys  = []string{"rollback_target_id", "rollbackTargetId", "RollbackTargetID", "rollback_of", "RollbackOf"}
)

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func (r Raw) lookup(keys []string) (any, bool) {
	for _, k := range keys {
		if v, ok := r[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func (r Raw) str(keys []string) string {
	v, ok := r.lookup(keys)
	if !ok {
		return ""
	}
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case json.Number:
		return x.String()
	default:
		return strings.TrimSpace(fmt.Sprint(x))
	}
}

func (r Raw) id(keys []string) (domain.ID, error) {
	v, ok := r.lookup(keys)
	if !ok {
		return "", fmt.Errorf("%w: missing %s", domain.ErrMalformedRecord, keys[0])
	}
	id, err := domain.ParseID(v)
	if err != nil {
		return "", fmt.Errorf("%s: %w", keys[0], err)
	}
	return id, nil
}

// Application normalises an application payload.
func Application(r Raw) (domain.Application, error) {
	id, err := r.id(idKeys)
	if err != nil {
		return domain.Application{}, err
	}
	name := r.str(nameKeys)
	if name == "" {
		return domain.Application{}, fmt.Errorf("%w: application %s has no name", domain.ErrMalformedRecord, id)
	}
	return domain.Application{
		ID:          id,
		Name:        name,
		Team:        r.str(teamKeys),
		Description: r.str(descriptionKeys),
	}, nil
}

// Region normalises a region payload. A missing display name falls back to the code.
func Region(r Raw) (domain.Region, error) {
	id, err := r.id(idKeys)
	if err != nil {
		return domain.Region{}, err
	}
	code := r.str(codeKeys)
	name := r.str(nameKeys)
	if code == "" {
		code = name
	}
	if code == "" {
		return domain.Region{}, fmt.Errorf("%w: region %s has no code", domain.ErrMalformedRecord, id)
	}
	if name == "" {
		name = code
	}
	return domain.Region{ID: id, Code: code, Name: name}, nil
}

// Environment normalises an environment payload.
func Environment(r Raw) (domain.Environment, error) {
	id, err := r.id(idKeys)
	if err != nil {
		return domain.Environment{}, err
	}
	name := r.str(nameKeys)
	if name == "" {
		return domain.Environment{}, fmt.Errorf("%w: environment %s has no name", domain.ErrMalformedRecord, id)
	}
	env := domain.Environment{ID: id, Name: name}
	if p := r.str(priorityKeys); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			env.Priority = n
		}
	}
	return env, nil
}

// Version normalises a deployment payload. Scope components present in the
// payload override fallback; missing ones are taken from it.
func Version(r Raw, fallback domain.Scope) (domain.Version, error) {
	id, err := r.id(idKeys)
	if err != nil {
		return domain.Version{}, err
	}
	label := r.str(labelKeys)
	if label == "" {
		return domain.Version{}, fmt.Errorf("%w: version %s has no label", domain.ErrMalformedRecord, id)
	}
	deployedAt, err := r.timestamp(deployedAtKeys)
	if err != nil {
		return domain.Version{}, fmt.Errorf("version %s: %w", id, err)
	}
	scope := fallback
	if v, err := r.id(appIDKeys); err == nil {
		scope.ApplicationID = v
	}
	if v, err := r.id(envIDKeys); err == nil {
		scope.EnvironmentID = v
	}
	if v, err := r.id(regionIDKeys); err == nil {
		scope.RegionID = v
	}
	v := domain.Version{
		ID:         id,
		Scope:      scope,
		Label:      label,
		Status:     ParseStatus(r.str(statusKeys)),
		DeployedBy: r.str(deployedByKeys),
		DeployedAt: deployedAt,
	}
	src := r
	if nested, ok := r.lookup([]string{"build", "Build"}); ok {
		if m, ok := nested.(map[string]any); ok {
			src = Raw(m)
		}
	}
	build := domain.BuildInfo{
		BuildID:   src.str(buildIDKeys),
		CommitSHA: src.str(commitKeys),
	}
	if d := src.str(durationKeys); d != "" {
		build.Duration = parseDuration(d)
	}
	if build != (domain.BuildInfo{}) {
		v.Build = &build
	}
	if target, err := r.id(rollbackOfKeys); err == nil {
		v.RollbackOf = &target
	}
	if action, ok := r.lookup([]string{"last_action", "lastAction", "LastAction"}); ok {
		if m, ok := action.(map[string]any); ok {
			v.LastAction = lastAction(Raw(m))
		}
	}
	return v, nil
}

func lastAction(r Raw) *domain.Action {
	kind := domain.ActionKind(strings.ToLower(r.str([]string{"kind", "Kind"})))
	if kind != domain.ActionRelease && kind != domain.ActionRollback {
		return nil
	}
	at, err := r.timestamp([]string{"at", "At"})
	if err != nil {
		return nil
	}
	return &domain.Action{Kind: kind, Actor: r.str([]string{"actor", "Actor"}), At: at}
}

// ParseStatus maps provider status spellings onto the catalog statuses.
// Unknown or empty values read as inactive.
func ParseStatus(raw string) domain.Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "active", "live", "current", "deployed":
		return domain.StatusActive
	case "failed", "failure", "error", "errored":
		return domain.StatusFailed
	default:
		return domain.StatusInactive
	}
}

func (r Raw) timestamp(keys []string) (time.Time, error) {
	v, ok := r.lookup(keys)
	if !ok {
		return time.Time{}, fmt.Errorf("%w: missing %s", domain.ErrMalformedRecord, keys[0])
	}
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return unixTime(n), nil
		}
	case float64:
		return unixTime(int64(x)), nil
	case string:
		s := strings.TrimSpace(x)
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), nil
			}
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return unixTime(n), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unparseable %s %v", domain.ErrMalformedRecord, keys[0], v)
}

// unixTime accepts seconds or milliseconds since the epoch.
func unixTime(n int64) time.Time {
	if n > 1e12 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}

func parseDuration(s string) time.Duration {
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	if ms, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(ms * float64(time.Millisecond))
	}
	return 0
}

// Decode converts a list of raw records with fn, failing on the first
// unrecoverable record.
func Decode[T any](raws []Raw, fn func(Raw) (T, error)) ([]T, error) {
	out := make([]T, 0, len(raws))
	for i, raw := range raws {
		v, err := fn(raw)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		out = append(out, v)
	}
	return out, nil
}
