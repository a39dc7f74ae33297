package server

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/proxbalance/proxbalance/internal/config"
	"github.com/proxbalance/proxbalance/internal/repository/bolt"
	"github.com/proxbalance/proxbalance/internal/repository/etcd"
	"github.com/proxbalance/proxbalance/internal/repository/postgres"
	"github.com/proxbalance/proxbalance/internal/repository/redis"
)

// Open connects the backends selected in cfg and builds the server. On failure
// every connection opened so far is closed.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger, extra ...ServerOption) (srv *Server, err error) {
	var opts []ServerOption
	var closers []func()
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				closers[i]()
			}
		}
	}()

	switch cfg.State.Backend {
	case "bolt":
		store, err := bolt.Open(cfg.State.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open state store: %w", err)
		}
		closers = append(closers, func() { store.Close() })
		opts = append(opts, WithBolt(store))
	case "redis":
		cache, err := redis.NewCache(cfg.Redis, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		closers = append(closers, func() { cache.Close() })
		opts = append(opts, WithRedis(cache))
	default:
		logger.Warn("Using in-memory state, nothing survives a restart")
	}

	if cfg.History.Backend == "postgres" {
		db, err := postgres.NewDB(ctx, cfg.Database, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		closers = append(closers, db.Close)
		opts = append(opts, WithPostgreSQL(db))
	}

	if cfg.Lock.Backend == "etcd" {
		client, err := etcd.NewClient(cfg.Etcd, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to etcd: %w", err)
		}
		closers = append(closers, func() { client.Close() })
		opts = append(opts, WithEtcd(client))
	}

	return New(cfg, logger, append(opts, extra...)...)
}
