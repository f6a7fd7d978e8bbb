package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const maxWriteAttempts = 3

// PostgresStore keeps counters of authenticated users in usage_counters.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Get(ctx context.Context, key string, tier Tier) (Counters, error) {
	var c Counters
	err := s.pool.QueryRow(ctx,
		`SELECT calls_today, calls_lifetime, last_call_at
		 FROM usage_counters WHERE identity_key = $1 AND tier = $2`, key, string(tier),
	).Scan(&c.CallsToday, &c.CallsLifetime, &c.LastCallAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Counters{}, nil
		}
		return Counters{}, fmt.Errorf("fetching usage counters: %w", err)
	}
	return c, nil
}

// ResetIfStale only touches rows whose last call happened before dayStart.
// Returns true if a reset was performed.
func (s *PostgresStore) ResetIfStale(ctx context.Context, key string, tier Tier, dayStart time.Time) (bool, error) {
	var reset bool
	err := withConflictRetry(ctx, func() error {
		tag, err := s.pool.Exec(ctx,
			`UPDATE usage_counters
			 SET calls_today = 0,
			     updated_at = NOW()
			 WHERE identity_key = $1 AND tier = $2
			   AND calls_today <> 0
			   AND last_call_at < $3`, key, string(tier), dayStart)
		if err != nil {
			return err
		}
		reset = tag.RowsAffected() > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("resetting daily usage: %w", err)
	}
	return reset, nil
}

func (s *PostgresStore) Increment(ctx context.Context, key string, tier Tier, now time.Time) (Counters, error) {
	dayStart, _ := dayBounds(now)

	var c Counters
	err := withConflictRetry(ctx, func() error {
		return s.pool.QueryRow(ctx,
			`INSERT INTO usage_counters (identity_key, tier, calls_today, calls_lifetime, last_call_at)
			 VALUES ($1, $2, 1, 1, $3)
			 ON CONFLICT (identity_key, tier) DO UPDATE
			 SET calls_today = CASE
			         WHEN usage_counters.last_call_at >= $4 THEN usage_counters.calls_today + 1
			         ELSE 1
			     END,
			     calls_lifetime = usage_counters.calls_lifetime + 1,
			     last_call_at = EXCLUDED.last_call_at,
			     updated_at = NOW()
			 RETURNING calls_today, calls_lifetime, last_call_at`,
			key, string(tier), now, dayStart,
		).Scan(&c.CallsToday, &c.CallsLifetime, &c.LastCallAt)
	})
	if err != nil {
		return Counters{}, fmt.Errorf("incrementing usage counters: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) ResetToday(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE usage_counters
		 SET calls_today = 0,
		     updated_at = NOW()
		 WHERE identity_key = $1`, key)
	if err != nil {
		return fmt.Errorf("resetting usage counters: %w", err)
	}
	return nil
}

// withConflictRetry reruns fn on serialization failures and deadlocks.
func withConflictRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		if err = fn(); err == nil || !isWriteConflict(err) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return err
}

func isWriteConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}
