package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"

	"github.com/splax/heirloom/internal/app/migrate"
	httpx "github.com/splax/heirloom/internal/http"
	"github.com/splax/heirloom/internal/provider"
	"github.com/splax/heirloom/internal/provider/httpapi"
	"github.com/splax/heirloom/internal/provider/memory"
	"github.com/splax/heirloom/internal/provider/postgres"
	"github.com/splax/heirloom/internal/service/lifecycle"
	"github.com/splax/heirloom/internal/service/loader"
	"github.com/splax/heirloom/internal/service/notify"
	"github.com/splax/heirloom/internal/store"
	"github.com/splax/heirloom/internal/ws"
	"github.com/splax/heirloom/pkg/config"
	"github.com/splax/heirloom/pkg/logger"
)

// notifier publishes invalidations and feeds those of other replicas back.
type notifier interface {
	lifecycle.Notifier
	notify.Listener
}

// backend is the configured system of record.
type backend struct {
	provider provider.Provider
	resolver provider.ScopeResolver
	health   httpx.HealthCheck
	close    func()
}

func main() {
	cfg := config.LoadCatalogConfig()
	log := logger.New("heirloom", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	be, err := openBackend(ctx, cfg, log)
	if err != nil {
		log.Error("failed to open provider", "provider", cfg.Provider, "error", err)
		os.Exit(1)
	}
	defer be.close()

	checks := map[string]httpx.HealthCheck{"provider": be.health}
	limiter := httpx.NewMemoryRateLimiter()
	var events notifier = notify.NewLocal()
	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer client.Close()
		redisLimiter, err := httpx.NewRedisRateLimiter(ctx, client, log)
		if err != nil {
			log.Warn("redis unavailable, invalidations stay local", "error", err)
		} else {
			limiter.Close()
			limiter = redisLimiter
			events = notify.NewRedis(client, cfg.InvalidationChannel, log)
			checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
		}
	}

	st := store.New()
	l := loader.New(be.provider, st,
		loader.WithTimeout(cfg.ProviderTimeout),
		loader.WithLogger(log),
		loader.WithMetrics(loader.NewMetrics(prometheus.DefaultRegisterer)),
	)
	engine := lifecycle.New(be.provider, l,
		lifecycle.WithTimeout(cfg.ProviderTimeout),
		lifecycle.WithNotifier(events),
		lifecycle.WithLogger(log),
	)
	listener := notify.NewSupervisor(events, log)
	go listener.Run(ctx, l.Invalidate)
	if _, shared := events.(*notify.Redis); shared {
		checks["invalidations"] = listener.Check
	}

	hub := ws.NewHub()
	defer hub.Close()
	detach := hub.Attach(st)
	defer detach()

	router := httpx.NewRouter(log, l, engine, hub, be.resolver, limiter, cfg.JWTSecret, checks)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("catalog server starting", "addr", cfg.Addr, "provider", cfg.Provider, "env", cfg.Environment)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("catalog server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

func openBackend(ctx context.Context, cfg config.CatalogConfig, log *slog.Logger) (backend, error) {
	switch cfg.Provider {
	case config.ProviderPostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return backend{}, fmt.Errorf("connect database: %w", err)
		}
		runner, err := migrate.New(pool, cfg.DatabaseURL, log)
		if err != nil {
			pool.Close()
			return backend{}, fmt.Errorf("configure migrations: %w", err)
		}
		if err := runner.Ping(ctx); err != nil {
			pool.Close()
			return backend{}, fmt.Errorf("database ping: %w", err)
		}
		if err := runner.Ensure(ctx); err != nil {
			pool.Close()
			return backend{}, fmt.Errorf("apply migrations: %w", err)
		}
		p := postgres.New(pool, postgres.WithMaxVersions(cfg.MaxVersions), postgres.WithLogger(log))
		return backend{provider: p, resolver: p, health: p.Ping, close: runner.Close}, nil
	case config.ProviderHTTP:
		client, err := httpapi.New(cfg.UpstreamURL,
			httpapi.WithToken(cfg.UpstreamToken),
			httpapi.WithHTTPClient(&http.Client{Timeout: cfg.ProviderTimeout}),
		)
		if err != nil {
			return backend{}, err
		}
		return backend{provider: client, health: client.Ping, close: func() {}}, nil
	case config.ProviderMemory:
		p := memory.New()
		if cfg.SeedFile != "" {
			seeded, err := memory.LoadFile(cfg.SeedFile)
			if err != nil {
				return backend{}, fmt.Errorf("load seed %s: %w", cfg.SeedFile, err)
			}
			p = seeded
		}
		log.Warn("using in-memory provider, changes are lost on restart")
		return backend{provider: p, resolver: p, health: p.Ping, close: func() {}}, nil
	default:
		return backend{}, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}
