package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/digkill/GenStudio/internal/models"
)

const (
	EventStatusProcessing = "processing"
	EventStatusProcessed  = "processed"
	EventStatusFailed     = "failed"
)

type StripeEventRepository struct {
	db *sql.DB
}

func NewStripeEventRepository(db *sql.DB) *StripeEventRepository {
	return &StripeEventRepository{db: db}
}

// Begin records a delivery and reports whether the event was already processed.
// Deliveries that previously failed are handed out again so Stripe retries work.
func (r *StripeEventRepository) Begin(ctx context.Context, id, eventType, payload string) (bool, error) {
	const query = `
INSERT INTO stripe_events (id, type, status, raw_payload)
VALUES (?, ?, ?, ?)
ON DUPLICATE KEY UPDATE raw_payload = VALUES(raw_payload)`
	if _, err := r.db.ExecContext(ctx, query, id, eventType, EventStatusProcessing, payload); err != nil {
		return false, fmt.Errorf("insert stripe event: %w", err)
	}
	evt, err := r.Find(ctx, id)
	if err != nil {
		return false, err
	}
	if evt == nil {
		return false, ErrNotFound
	}
	return evt.Status == EventStatusProcessed, nil
}

func (r *StripeEventRepository) Find(ctx context.Context, id string) (*models.StripeEvent, error) {
	const query = `
SELECT id, type, status, COALESCE(raw_payload, ''), created_at, COALESCE(updated_at, created_at) AS updated_at
FROM stripe_events WHERE id = ? LIMIT 1`
	row := r.db.QueryRowContext(ctx, query, id)
	var e models.StripeEvent
	if err := row.Scan(&e.ID, &e.Type, &e.Status, &e.RawPayload, &e.CreatedAt, &e.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan stripe event: %w", err)
	}
	return &e, nil
}

func (r *StripeEventRepository) MarkStatus(ctx context.Context, id, status string) error {
	const query = `UPDATE stripe_events SET status = ?, updated_at = NOW() WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, status, id); err != nil {
		return fmt.Errorf("update stripe event status: %w", err)
	}
	return nil
}
