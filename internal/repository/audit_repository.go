package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/digkill/GenStudio/internal/models"
)

// AuditRepository appends to and reads the credit audit log. Rows are never updated.
type AuditRepository struct {
	db *sql.DB
}

func NewAuditRepository(db *sql.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

func (r *AuditRepository) Append(ctx context.Context, entry *models.AuditEntry) error {
	const query = `
INSERT INTO credit_audit_log (account_id, action, amount, before_subscription, before_extra, after_subscription, after_extra, reason, generation_id)
VALUES (?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''))`
	res, err := r.db.ExecContext(ctx, query,
		entry.AccountID,
		entry.Action,
		entry.Amount,
		entry.BeforeSubscription,
		entry.BeforeExtra,
		entry.AfterSubscription,
		entry.AfterExtra,
		entry.Reason,
		entry.GenerationID,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("audit last insert id: %w", err)
	}
	entry.ID = id
	return nil
}

// ListByAccount returns the newest entries first.
func (r *AuditRepository) ListByAccount(ctx context.Context, accountID string, limit int) ([]models.AuditEntry, error) {
	const query = `
SELECT id, account_id, action, amount, before_subscription, before_extra, after_subscription, after_extra,
       COALESCE(reason, ''), COALESCE(generation_id, ''), created_at
FROM credit_audit_log
WHERE account_id = ?
ORDER BY id DESC
LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var action string
		if err := rows.Scan(&e.ID, &e.AccountID, &action, &e.Amount, &e.BeforeSubscription, &e.BeforeExtra, &e.AfterSubscription, &e.AfterExtra, &e.Reason, &e.GenerationID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Action = models.AuditAction(action)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
