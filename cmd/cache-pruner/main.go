package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/diwise/entity-session/pkg/cache"
	"github.com/diwise/entity-session/pkg/session"
	"github.com/diwise/service-chassis/pkg/infrastructure/buildinfo"
	"github.com/diwise/service-chassis/pkg/infrastructure/env"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
)

const (
	appName string = "cache-pruner"
)

func main() {
	appVersion := buildinfo.SourceVersion()

	ctx, log, cleanup := o11y.Init(context.Background(), appName, appVersion, "json")
	defer cleanup()

	cfg, err := loadCacheConfig(ctx, env.GetVariableOrDefault(ctx, "ENTITY_SESSION_CONFIG_PATH", "/opt/diwise/config/entity-session.yaml"))
	if err != nil {
		log.Error("failed to load configuration", "err", err.Error())
		os.Exit(1)
	}

	maxAge, err := time.ParseDuration(env.GetVariableOrDefault(ctx, "CACHE_MAX_AGE", "168h"))
	if err != nil {
		log.Error("invalid max age", "err", err.Error())
		os.Exit(1)
	}

	before := time.Now().Add(-maxAge)
	log.Debug("begin pruning cache", slog.Time("before", before))

	var totalCount int64 = 0

	if cfg.File != "" {
		store, err := cache.NewFileStore(ctx, cfg.File)
		if err != nil {
			log.Error("failed to open cache file", "path", cfg.File, "err", err.Error())
			os.Exit(1)
		}
		defer store.Close()

		n, err := store.Prune(ctx, before)
		if err != nil {
			log.Error("failed to prune cache file", "path", cfg.File, "err", err.Error())
			os.Exit(1)
		}
		totalCount += n
	}

	if cfg.Postgres {
		store, err := cache.NewPostgresStore(ctx, cache.LoadPostgresConfiguration(ctx).ConnStr())
		if err != nil {
			log.Error("failed to connect to database", "err", err.Error())
			os.Exit(1)
		}
		defer store.Close()

		n, err := store.Prune(ctx, before)
		if err != nil {
			log.Error("failed to prune cache table", "err", err.Error())
			os.Exit(1)
		}
		totalCount += n

		log.Debug("vacuum")

		if err = store.Vacuum(ctx); err != nil {
			log.Error("failed to vacuum table", "err", err.Error())
			os.Exit(1)
		}
	}

	log.Info("done pruning", slog.Int64("total", totalCount))
}

// loadCacheConfig reads the cache section of the session configuration.
// ENTITY_SESSION_CACHE_FILE and ENTITY_SESSION_CACHE_POSTGRES override it.
func loadCacheConfig(ctx context.Context, path string) (session.CacheConfig, error) {
	cfg := session.CacheConfig{}

	if f, err := os.Open(path); err == nil {
		defer f.Close()

		full, err := session.LoadConfiguration(ctx, f)
		if err != nil {
			return cfg, err
		}
		cfg = full.Cache
	}

	cfg.File = env.GetVariableOrDefault(ctx, "ENTITY_SESSION_CACHE_FILE", cfg.File)
	if env.GetVariableOrDefault(ctx, "ENTITY_SESSION_CACHE_POSTGRES", "") == "true" {
		cfg.Postgres = true
	}

	return cfg, nil
}
