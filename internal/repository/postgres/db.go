// Package postgres provides the PostgreSQL migration history store.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/proxbalance/proxbalance/internal/config"
)

const (
	applicationName = "proxbalance"
	pingTimeout     = 5 * time.Second
)

// DB is the history database pool.
type DB struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewDB opens a pool sized for a single writer: one automation run or
// evacuation session appends at a time, readers are CLI and status queries.
func NewDB(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL())
	if err != nil {
		return nil, fmt.Errorf("failed to parse PostgreSQL config: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = applicationName

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create PostgreSQL pool: %w", err)
	}

	db := &DB{pool: pool, logger: logger.With(zap.String("component", "postgres"))}
	if err := db.Health(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	db.logger.Info("Connected to history database",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("database", cfg.Name),
	)
	return db, nil
}

// NewDBFromPool wraps an existing pool.
func NewDBFromPool(pool *pgxpool.Pool, logger *zap.Logger) *DB {
	return &DB{pool: pool, logger: logger.With(zap.String("component", "postgres"))}
}

// Close closes the pool.
func (db *DB) Close() {
	db.pool.Close()
	db.logger.Info("History database closed")
}

// Health pings the database, bounded by pingTimeout.
func (db *DB) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return db.pool.Ping(ctx)
}
