package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetHelpersFallBackOnInvalidValues(t *testing.T) {
	t.Setenv("HEIRLOOM_INT", "nope")
	t.Setenv("HEIRLOOM_BOOL", "maybe")
	t.Setenv("HEIRLOOM_DURATION", "soon")

	assert.Equal(t, 3, GetInt("HEIRLOOM_INT", 3))
	assert.True(t, GetBool("HEIRLOOM_BOOL", true))
	assert.Equal(t, time.Minute, GetDuration("HEIRLOOM_DURATION", time.Minute, time.Second))
	assert.Equal(t, "x", GetString("HEIRLOOM_UNSET_KEY", "x"))
}

func TestGetDurationAcceptsBareIntegersAndUnits(t *testing.T) {
	t.Setenv("HEIRLOOM_DURATION", "15")
	assert.Equal(t, 15*time.Second, GetDuration("HEIRLOOM_DURATION", 0, time.Second))

	t.Setenv("HEIRLOOM_DURATION", "250ms")
	assert.Equal(t, 250*time.Millisecond, GetDuration("HEIRLOOM_DURATION", 0, time.Second))
}

func TestLoadCatalogConfig(t *testing.T) {
	t.Setenv("PROVIDER", " Memory ")
	t.Setenv("MAX_VERSIONS", "20")
	t.Setenv("PROVIDER_TIMEOUT_SECONDS", "3")
	t.Setenv("REDIS_DB", "2")

	cfg := LoadCatalogConfig()
	assert.Equal(t, ProviderMemory, cfg.Provider)
	assert.Equal(t, 20, cfg.MaxVersions)
	assert.Equal(t, 3*time.Second, cfg.ProviderTimeout)
	assert.Equal(t, 2, cfg.RedisDB)
	assert.Equal(t, "heirloom:invalidations", cfg.InvalidationChannel)
}
