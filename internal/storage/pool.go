package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB is the PostgreSQL Store. Queries go through a pgxpool.Pool; the
// optional notify connection is a single pgx.Conn held for LISTEN, which must
// reach Postgres directly rather than through a transaction-pooling proxy.
type DB struct {
	pool       *pgxpool.Pool
	notifyConn *pgx.Conn
	logger     *slog.Logger
}

var _ Store = (*DB)(nil)

// Option tunes the query pool.
type Option func(*pgxpool.Config)

// WithMaxConns caps the query pool. Every in-flight run holds at most one
// connection at a time, so the dispatcher cap plus headroom for API reads is
// enough.
func WithMaxConns(n int32) Option {
	return func(c *pgxpool.Config) {
		if n > 0 {
			c.MaxConns = n
		}
	}
}

// New connects the query pool (poolDSN) and, when notifyDSN is non-empty,
// the notify connection. Both report application_name so operators can tell
// Kobo's sessions apart in pg_stat_activity.
func New(ctx context.Context, poolDSN, notifyDSN string, logger *slog.Logger, opts ...Option) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(poolDSN)
	if err != nil {
		return nil, fmt.Errorf("storage: parse pool DSN: %w", err)
	}
	poolCfg.ConnConfig.RuntimeParams["application_name"] = "kobo"
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	for _, opt := range opts {
		opt(poolCfg)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	db := &DB{pool: pool, logger: logger}
	if notifyDSN == "" {
		return db, nil
	}

	notifyCfg, err := pgx.ParseConfig(notifyDSN)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: parse notify DSN: %w", err)
	}
	notifyCfg.RuntimeParams["application_name"] = "kobo-notify"
	if db.notifyConn, err = pgx.ConnectConfig(ctx, notifyCfg); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: connect notify: %w", err)
	}

	logger.Info("storage: connected",
		"max_conns", poolCfg.MaxConns,
		"notify", true,
	)
	return db, nil
}

// Ping checks the query pool.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close releases the pool and the notify connection.
func (db *DB) Close(ctx context.Context) {
	db.pool.Close()
	if db.notifyConn == nil {
		return
	}
	if err := db.notifyConn.Close(ctx); err != nil {
		db.logger.Warn("storage: close notify connection", "error", err)
	}
}
