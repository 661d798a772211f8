package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	txMaxRetries = 3
	txBaseDelay  = 10 * time.Millisecond
)

// isRetriable reports Postgres errors that indicate a transient conflict.
func isRetriable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", // serialization_failure
		"40P01": // deadlock_detected
		return true
	default:
		return false
	}
}

// WithRetry runs fn, retrying up to maxRetries times on serialization or
// deadlock errors with jittered exponential backoff from baseDelay.
func WithRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() error) error {
	var err error
	for attempt := range maxRetries + 1 {
		err = fn()
		if err == nil || !isRetriable(err) {
			return err
		}
		if attempt == maxRetries {
			break
		}
		jitter := time.Duration(rand.Int64N(int64(baseDelay))) //nolint:gosec // jitter doesn't need crypto-strength randomness
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(baseDelay + jitter):
		}
		baseDelay *= 2
	}
	return err
}

// inTx runs fn in a transaction, retrying the whole transaction on
// serialization failures and deadlocks.
func (db *DB) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return WithRetry(ctx, txMaxRetries, txBaseDelay, func() error {
		return pgx.BeginFunc(ctx, db.pool, fn)
	})
}
