package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// pgLockNotAvailable is SQLSTATE 55P03, raised when lock_timeout expires.
const pgLockNotAvailable = "55P03"

const DefaultLockStaleAfter = 5 * time.Minute

// LockManager admits at most one job per (scope, key). The lock row survives
// process restarts; rows older than the stale threshold are considered
// abandoned and can be reclaimed.
//
// Acquisition takes a transaction scoped advisory lock on the key before
// inserting the row, so concurrent callers never wait on each other's insert:
// whoever loses the advisory lock, or finds the row already present, gets
// false immediately.
type LockManager struct {
	db         *DB
	staleAfter time.Duration
	owner      string
	logger     *slog.Logger
}

func NewLockManager(db *DB, staleAfter time.Duration, logger *slog.Logger) *LockManager {
	if staleAfter <= 0 {
		staleAfter = DefaultLockStaleAfter
	}
	host, _ := os.Hostname()
	return &LockManager{
		db:         db,
		staleAfter: staleAfter,
		owner:      fmt.Sprintf("%s:%d", host, os.Getpid()),
		logger:     logger.With("component", "lock_manager"),
	}
}

func (m *LockManager) Acquire(ctx context.Context, scope, key string) (bool, error) {
	acquired := false

	err := m.db.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SET LOCAL lock_timeout = '2s'"); err != nil {
			return fmt.Errorf("failed to set lock timeout: %w", err)
		}

		var got bool
		err := tx.QueryRow(ctx,
			"SELECT pg_try_advisory_xact_lock(hashtext($1), hashtext($2))",
			scope, key).Scan(&got)
		if err != nil {
			return fmt.Errorf("failed to take advisory lock: %w", err)
		}
		if !got {
			return nil
		}

		tag, err := tx.Exec(ctx, `
			INSERT INTO scrape_lock (scope, lock_key, owner, locked_at)
			VALUES ($1, $2, $3, now())
			ON CONFLICT (scope, lock_key) DO NOTHING`,
			scope, key, m.owner)
		if err != nil {
			return fmt.Errorf("failed to insert lock: %w", err)
		}

		acquired = tag.RowsAffected() == 1
		return nil
	})
	if err != nil {
		if isLockNotAvailable(err) {
			m.logger.Debug("lock busy", "scope", scope, "key", key)
			return false, nil
		}
		return false, err
	}

	if acquired {
		m.logger.Info("lock acquired", "scope", scope, "key", key)
	} else {
		m.logger.Info("lock held elsewhere", "scope", scope, "key", key)
	}
	return acquired, nil
}

// Release deletes the lock row. Releasing an absent lock is not an error.
func (m *LockManager) Release(ctx context.Context, scope, key string) error {
	tag, err := m.db.Exec(ctx,
		"DELETE FROM scrape_lock WHERE scope = $1 AND lock_key = $2",
		scope, key)
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}

	m.logger.Info("lock released", "scope", scope, "key", key, "existed", tag.RowsAffected() == 1)
	return nil
}

// Touch restamps a held lock with the current time. A job calls it when a
// worker picks it up so queue wait does not count towards staleness.
func (m *LockManager) Touch(ctx context.Context, scope, key string) error {
	tag, err := m.db.Exec(ctx,
		"UPDATE scrape_lock SET locked_at = now() WHERE scope = $1 AND lock_key = $2",
		scope, key)
	if err != nil {
		return fmt.Errorf("failed to refresh lock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		m.logger.Warn("refreshed lock that is no longer held", "scope", scope, "key", key)
	}
	return nil
}

// ReclaimStale removes the lock if it is older than the stale threshold and
// reports whether it did.
func (m *LockManager) ReclaimStale(ctx context.Context, scope, key string) (bool, error) {
	tag, err := m.db.Exec(ctx, `
		DELETE FROM scrape_lock
		WHERE scope = $1 AND lock_key = $2
			AND locked_at < now() - make_interval(secs => $3)`,
		scope, key, m.staleAfter.Seconds())
	if err != nil {
		if isLockNotAvailable(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to reclaim stale lock: %w", err)
	}

	reclaimed := tag.RowsAffected() > 0
	if reclaimed {
		m.logger.Warn("reclaimed stale lock", "scope", scope, "key", key, "stale_after", m.staleAfter)
	}
	return reclaimed, nil
}

func isLockNotAvailable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgLockNotAvailable
}
