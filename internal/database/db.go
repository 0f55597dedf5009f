// Package database persists protective order history in PostgreSQL and
// protective slot state in Redis.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// Config holds database configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int32
}

// NewDB creates a new database connection
func NewDB(ctx context.Context, cfg Config, logger zerolog.Logger) (*DB, error) {
	if cfg.SSLMode == "" {
		cfg.SSLMode = "disable"
	}
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 10
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	logger = logger.With().Str("component", "Database").Logger()
	logger.Info().Str("database", cfg.Database).Msg("Connected to PostgreSQL")

	return &DB{Pool: pool, logger: logger}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info().Msg("Database connection closed")
	}
}

// migrations are idempotent and run in order on every start.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS order_modification_events (
		id BIGSERIAL PRIMARY KEY,
		position_key VARCHAR(40) NOT NULL,
		symbol VARCHAR(20) NOT NULL,
		side VARCHAR(5) NOT NULL,
		kind VARCHAR(12) NOT NULL,
		order_id VARCHAR(64),
		event_type VARCHAR(20) NOT NULL,
		modification_source VARCHAR(20) NOT NULL,
		version INTEGER NOT NULL,
		old_price NUMERIC(30, 16),
		new_price NUMERIC(30, 16) NOT NULL,
		price_delta NUMERIC(30, 16),
		price_delta_percent NUMERIC(30, 16),
		position_quantity NUMERIC(30, 16) NOT NULL,
		position_entry_price NUMERIC(30, 16) NOT NULL,
		dollar_impact NUMERIC(30, 16) NOT NULL DEFAULT 0,
		impact_direction VARCHAR(10) NOT NULL,
		modification_reason TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ome_position_kind ON order_modification_events(position_key, kind, version)`,
	`CREATE INDEX IF NOT EXISTS idx_ome_created_at ON order_modification_events(created_at)`,
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	if db.Pool == nil {
		return nil
	}
	db.logger.Info().Int("count", len(migrations)).Msg("Running database migrations")
	for i, m := range migrations {
		if _, err := db.Pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}

// HealthCheck pings the database.
func (db *DB) HealthCheck(ctx context.Context) error {
	if db.Pool == nil {
		return fmt.Errorf("database not configured")
	}
	return db.Pool.Ping(ctx)
}
