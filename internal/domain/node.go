package domain

import (
	"fmt"
	"strings"
)

// Level identifies the depth of a node in the catalog tree.
type Level int

// Tree levels. The children of a node live one level below it.
const (
	LevelRoot Level = iota
	LevelApplication
	LevelRegion
	LevelEnvironment
)

func (l Level) String() string {
	switch l {
	case LevelRoot:
		return "root"
	case LevelApplication:
		return "application"
	case LevelRegion:
		return "region"
	case LevelEnvironment:
		return "environment"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// NodePath addresses a node of the Application -> Region -> Environment ->
// Version tree. Unused components are zero.
type NodePath struct {
	Level         Level
	ApplicationID ID
	RegionID      ID
	EnvironmentID ID
}

// RootNode is the tree root; its children are applications.
func RootNode() NodePath { return NodePath{Level: LevelRoot} }

// AppNode is an application node; its children are regions.
func AppNode(appID ID) NodePath {
	return NodePath{Level: LevelApplication, ApplicationID: appID}
}

// RegionNode is an (application, region) node; its children are environments.
func RegionNode(appID, regionID ID) NodePath {
	return NodePath{Level: LevelRegion, ApplicationID: appID, RegionID: regionID}
}

// EnvNode is an (application, region, environment) node; its children are versions.
func EnvNode(appID, regionID, envID ID) NodePath {
	return NodePath{Level: LevelEnvironment, ApplicationID: appID, RegionID: regionID, EnvironmentID: envID}
}

// Scope returns the version scope addressed by an environment node.
func (p NodePath) Scope() (Scope, bool) {
	if p.Level != LevelEnvironment {
		return Scope{}, false
	}
	return Scope{ApplicationID: p.ApplicationID, EnvironmentID: p.EnvironmentID, RegionID: p.RegionID}, true
}

// Parent returns the enclosing node. The root is its own parent.
func (p NodePath) Parent() NodePath {
	switch p.Level {
	case LevelEnvironment:
		return RegionNode(p.ApplicationID, p.RegionID)
	case LevelRegion:
		return AppNode(p.ApplicationID)
	default:
		return RootNode()
	}
}

// Contains reports whether other is p or one of its descendants.
func (p NodePath) Contains(other NodePath) bool {
	if other.Level < p.Level {
		return false
	}
	switch p.Level {
	case LevelRoot:
		return true
	case LevelApplication:
		return other.ApplicationID == p.ApplicationID
	case LevelRegion:
		return other.ApplicationID == p.ApplicationID && other.RegionID == p.RegionID
	default:
		return other == p
	}
}

// Validate checks that the components required by the level are present.
func (p NodePath) Validate() error {
	switch p.Level {
	case LevelRoot:
		return nil
	case LevelEnvironment:
		if p.EnvironmentID.IsZero() {
			return fmt.Errorf("%w: environment id required", ErrInvalidInput)
		}
		fallthrough
	case LevelRegion:
		if p.RegionID.IsZero() {
			return fmt.Errorf("%w: region id required", ErrInvalidInput)
		}
		fallthrough
	case LevelApplication:
		if p.ApplicationID.IsZero() {
			return fmt.Errorf("%w: application id required", ErrInvalidInput)
		}
		return nil
	}
	return fmt.Errorf("%w: unknown level %d", ErrInvalidInput, int(p.Level))
}

// String renders the path as "/", "/app", "/app/region" or "/app/region/env".
func (p NodePath) String() string {
	switch p.Level {
	case LevelApplication:
		return "/" + string(p.ApplicationID)
	case LevelRegion:
		return "/" + string(p.ApplicationID) + "/" + string(p.RegionID)
	case LevelEnvironment:
		return "/" + string(p.ApplicationID) + "/" + string(p.RegionID) + "/" + string(p.EnvironmentID)
	default:
		return "/"
	}
}

// ParseNodePath is the inverse of NodePath.String.
func ParseNodePath(raw string) (NodePath, error) {
	trimmed := strings.Trim(strings.TrimSpace(raw), "/")
	if trimmed == "" {
		return RootNode(), nil
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) > 3 {
		return NodePath{}, fmt.Errorf("%w: node path %q too deep", ErrInvalidInput, raw)
	}
	ids := make([]ID, len(parts))
	for i, part := range parts {
		id, err := ParseID(part)
		if err != nil {
			return NodePath{}, fmt.Errorf("%w: node path %q: %v", ErrInvalidInput, raw, err)
		}
		ids[i] = id
	}
	switch len(ids) {
	case 1:
		return AppNode(ids[0]), nil
	case 2:
		return RegionNode(ids[0], ids[1]), nil
	default:
		return EnvNode(ids[0], ids[1], ids[2]), nil
	}
}
