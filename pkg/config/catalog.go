package config

import (
	"strings"
	"time"
)

// Provider kinds accepted in PROVIDER.
const (
	ProviderPostgres = "postgres"
	ProviderHTTP     = "http"
	ProviderMemory   = "memory"
)

// CatalogConfig holds runtime configuration for the catalog service.
type CatalogConfig struct {
	Environment         string
	Addr                string
	Provider            string
	DatabaseURL         string
	MaxVersions         int
	UpstreamURL         string
	UpstreamToken       string
	SeedFile            string
	ProviderTimeout     time.Duration
	JWTSecret           string
	RedisAddr           string
	RedisPassword       string
	RedisDB             int
	InvalidationChannel string
	LogLevel            string
	ShutdownTimeout     time.Duration
}

// LoadCatalogConfig constructs a CatalogConfig from environment variables.
func LoadCatalogConfig() CatalogConfig {
	return CatalogConfig{
		Environment:         GetString("APP_ENV", "development"),
		Addr:                GetString("API_ADDR", ":4000"),
		Provider:            strings.ToLower(strings.TrimSpace(GetString("PROVIDER", ProviderPostgres))),
		DatabaseURL:         GetString("DATABASE_URL", "postgres://heirloom:heirloom@db:5432/heirloom?sslmode=disable"),
		MaxVersions:         GetInt("MAX_VERSIONS", 0),
		UpstreamURL:         GetString("UPSTREAM_URL", ""),
		UpstreamToken:       GetString("UPSTREAM_TOKEN", ""),
		SeedFile:            GetString("SEED_FILE", ""),
		ProviderTimeout:     GetDuration("PROVIDER_TIMEOUT_SECONDS", 10*time.Second, time.Second),
		JWTSecret:           GetString("JWT_SECRET", ""),
		RedisAddr:           GetString("REDIS_ADDR", ""),
		RedisPassword:       GetString("REDIS_PASSWORD", ""),
		RedisDB:             GetInt("REDIS_DB", 0),
		InvalidationChannel: GetString("REDIS_INVALIDATION_CHANNEL", "heirloom:invalidations"),
		LogLevel:            GetString("LOG_LEVEL", "info"),
		ShutdownTimeout:     GetDuration("SHUTDOWN_TIMEOUT_SECONDS", 10*time.Second, time.Second),
	}
}
