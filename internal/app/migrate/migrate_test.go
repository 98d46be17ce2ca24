package migrate

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrationsAreAnnotated(t *testing.T) {
	entries, err := fs.ReadDir(migrationsFS, migrationsDir)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	for _, e := range entries {
		data, err := fs.ReadFile(migrationsFS, migrationsDir+"/"+e.Name())
		require.NoError(t, err)
		body := string(data)
		assert.True(t, strings.HasPrefix(body, "-- +goose Up"), e.Name())
		assert.Contains(t, body, "-- +goose Down", e.Name())
	}
}

func TestNewValidatesArguments(t *testing.T) {
	_, err := New(nil, "postgres://localhost/heirloom", nil)
	require.Error(t, err)
}
