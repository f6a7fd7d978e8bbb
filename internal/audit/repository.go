package audit

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository handles usage_events PostgreSQL operations.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new audit Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert persists a single usage event. Redelivered events are ignored.
func (r *Repository) Insert(ctx context.Context, rec *UsageRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}

	_, err := r.pool.Exec(ctx,
		`INSERT INTO usage_events (id, identity_key, user_id, tier, event_type, scope, attempts, truncated, total_tokens, details, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.IdentityKey, rec.UserID, rec.Tier, rec.EventType, rec.Scope,
		rec.Attempts, rec.Truncated, rec.TotalTokens, rec.Details, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting usage event: %w", err)
	}
	return nil
}

// ListByUser returns paginated usage events of a user, newest first.
func (r *Repository) ListByUser(ctx context.Context, userID uuid.UUID, params ListParams) ([]UsageRecord, int64, error) {
	if params.Page < 1 {
		params.Page = 1
	}
	if params.PageSize < 1 || params.PageSize > 100 {
		params.PageSize = 20
	}

	conditions := []string{"user_id = $1"}
	args := []any{userID}
	add := func(cond string, v any) {
		args = append(args, v)
		conditions = append(conditions, fmt.Sprintf(cond, len(args)))
	}

	if params.Tier != "" {
		add("tier = $%d", params.Tier)
	}
	if params.EventType != "" {
		add("event_type = $%d", params.EventType)
	}
	if params.From != nil {
		add("created_at >= $%d", *params.From)
	}
	if params.To != nil {
		add("created_at <= $%d", *params.To)
	}

	where := strings.Join(conditions, " AND ")

	var total int64
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM usage_events WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting usage events: %w", err)
	}

	offset := (params.Page - 1) * params.PageSize
	query := fmt.Sprintf(
		`SELECT id, identity_key, user_id, tier, event_type, scope, attempts, truncated, total_tokens, details, created_at
		 FROM usage_events WHERE %s
		 ORDER BY created_at DESC
		 LIMIT $%d OFFSET $%d`, where, len(args)+1, len(args)+2)
	args = append(args, params.PageSize, offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("querying usage events: %w", err)
	}
	defer rows.Close()

	records := []UsageRecord{}
	for rows.Next() {
		var rec UsageRecord
		if err := rows.Scan(&rec.ID, &rec.IdentityKey, &rec.UserID, &rec.Tier, &rec.EventType, &rec.Scope,
			&rec.Attempts, &rec.Truncated, &rec.TotalTokens, &rec.Details, &rec.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scanning usage event: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating usage events: %w", err)
	}

	return records, total, nil
}
