package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/nexiloop/nexiloop/pkg/config"
	"github.com/nexiloop/nexiloop/pkg/quota"
	"github.com/nexiloop/nexiloop/pkg/store"
	"github.com/nexiloop/nexiloop/pkg/store/memory"
	"github.com/nexiloop/nexiloop/pkg/store/postgres"
	"github.com/nexiloop/nexiloop/pkg/store/redis"
	"github.com/nexiloop/nexiloop/pkg/store/sqlite"
)

const defaultConfigPath = "nexiloop.yaml"

// openStore connects the store selected by cfg.Store.Driver.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case config.DriverMemory:
		return memory.New(), nil
	case config.DriverSQLite:
		s, err := sqlite.New(cfg.Store.DBPath)
		if err != nil {
			return nil, fmt.Errorf("init sqlite store: %w", err)
		}
		return s, nil
	case config.DriverRedis:
		s, err := redis.Dial(ctx, cfg.Store.RedisAddr, redis.WithKeyPrefix(cfg.Store.RedisPrefix))
		if err != nil {
			return nil, fmt.Errorf("init redis store: %w", err)
		}
		return s, nil
	case config.DriverPostgres:
		s, err := postgres.Connect(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// setup loads the config and opens the ledger over the configured store.
// The returned close func releases the store.
func setup(ctx context.Context, configPath string, opts ...quota.Option) (*config.Config, *quota.Ledger, func(), error) {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger := cfg.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	opts = append([]quota.Option{
		quota.WithLogger(logger),
		quota.WithLimits(cfg.Limits.Quota()),
		quota.WithFreeModels(cfg.FreeModels),
	}, opts...)
	return cfg, quota.New(st, opts...), func() { _ = st.Close() }, nil
}
