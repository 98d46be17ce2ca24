package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIDNormalisesNumericForms(t *testing.T) {
	cases := []struct {
		in   any
		want ID
	}{
		{42, "42"},
		{int64(7), "7"},
		{float64(12), "12"},
		{" 007 ", "7"},
		{json.Number("19"), "19"},
		{"eu-west-1", "eu-west-1"},
		{"  prod ", "prod"},
	}
	for _, tc := range cases {
		got, err := ParseID(tc.in)
		require.NoError(t, err, "input %v", tc.in)
		assert.Equal(t, tc.want, got, "input %v", tc.in)
	}
}

func TestParseIDRejectsUnusableValues(t *testing.T) {
	for _, in := range []any{nil, "", "   ", 1.5, true, []int{1}, "eu/west"} {
		_, err := ParseID(in)
		require.Error(t, err, "input %v", in)
		assert.True(t, errors.Is(err, ErrMalformedRecord), "input %v", in)
	}
}

func TestIdentifiersWithSlashNeverReachNodePaths(t *testing.T) {
	var id ID
	err := json.Unmarshal([]byte(`"team/api"`), &id)
	require.ErrorIs(t, err, ErrMalformedRecord)
	assert.True(t, id.IsZero())

	p, err := ParseNodePath("/team/api/2")
	require.NoError(t, err)
	assert.Equal(t, EnvNode("team", "api", "2"), p)
	assert.Equal(t, "/team/api/2", p.String())
}

func TestIDCompareNumericBeforeLexicographic(t *testing.T) {
	assert.Equal(t, -1, ID("9").Compare("10"))
	assert.Equal(t, 1, ID("10").Compare("9"))
	assert.Equal(t, 0, ID("3").Compare("3"))
	assert.Equal(t, -1, ID("99").Compare("abc"))
	assert.Equal(t, 1, ID("b").Compare("a"))
}

func TestIDUnmarshalAcceptsNumbersAndStrings(t *testing.T) {
	var payload struct {
		A ID `json:"a"`
		B ID `json:"b"`
		C ID `json:"c"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a": 5, "b": "0005", "c": null}`), &payload))
	assert.Equal(t, ID("5"), payload.A)
	assert.Equal(t, ID("5"), payload.B)
	assert.True(t, payload.C.IsZero())
}

func TestNodePathRoundTripAndContainment(t *testing.T) {
	env := EnvNode("1", "2", "3")
	parsed, err := ParseNodePath(env.String())
	require.NoError(t, err)
	assert.Equal(t, env, parsed)

	assert.True(t, RootNode().Contains(env))
	assert.True(t, AppNode("1").Contains(env))
	assert.True(t, RegionNode("1", "2").Contains(env))
	assert.False(t, RegionNode("1", "9").Contains(env))
	assert.False(t, env.Contains(AppNode("1")))
	assert.Equal(t, RegionNode("1", "2"), env.Parent())

	scope, ok := env.Scope()
	require.True(t, ok)
	assert.Equal(t, Scope{ApplicationID: "1", EnvironmentID: "3", RegionID: "2"}, scope)
	assert.Equal(t, env, scope.Node())
}

func TestParseNodePathRejectsDeepPaths(t *testing.T) {
	_, err := ParseNodePath("/1/2/3/4")
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestErrorCodesRoundTrip(t *testing.T) {
	for _, err := range []error{ErrScopeNotFound, ErrVersionNotFound, ErrInvalidTarget, ErrConflictingWrite, ErrProviderUnavailable, ErrMalformedRecord, ErrInvalidInput, ErrNotFound} {
		wrapped := fmt.Errorf("ctx: %w", err)
		assert.Equal(t, err, ErrorForCode(ErrorCode(wrapped)))
	}
	assert.Equal(t, CodeInternal, ErrorCode(errors.New("boom")))
	assert.Nil(t, ErrorForCode(CodeInternal))
	assert.Empty(t, ErrorCode(nil))
}
