package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/digkill/GenStudio/internal/models"
)

type GenerationRepository struct {
	db *sql.DB
}

func NewGenerationRepository(db *sql.DB) *GenerationRepository {
	return &GenerationRepository{db: db}
}

const generationColumns = `id, account_id, tool, status, credits_used, COALESCE(result_url, ''), metadata, created_at, updated_at`

func scanGeneration(row rowScanner) (*models.Generation, error) {
	var g models.Generation
	var tool, status string
	var meta []byte
	if err := row.Scan(&g.ID, &g.AccountID, &tool, &status, &g.CreditsUsed, &g.ResultURL, &meta, &g.CreatedAt, &g.UpdatedAt); err != nil {
		return nil, err
	}
	g.Tool = models.Tool(tool)
	g.Status = models.Status(status)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &g.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of %s: %w", g.ID, err)
		}
	}
	return &g, nil
}

func (r *GenerationRepository) Create(ctx context.Context, g *models.Generation) error {
	meta, err := json.Marshal(g.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	// JSON columns reject binary-charset parameters, so documents are sent as strings.
	const query = `
INSERT INTO generations (id, account_id, tool, status, credits_used, metadata, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := r.db.ExecContext(ctx, query, g.ID, g.AccountID, g.Tool, g.Status, g.CreditsUsed, string(meta), g.CreatedAt, g.UpdatedAt); err != nil {
		return fmt.Errorf("insert generation: %w", err)
	}
	return nil
}

// Get returns the generation only when it belongs to accountID.
func (r *GenerationRepository) Get(ctx context.Context, id, accountID string) (*models.Generation, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+generationColumns+` FROM generations WHERE id = ? AND account_id = ?`, id, accountID)
	g, err := scanGeneration(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get generation: %w", err)
	}
	return g, nil
}

// List returns the newest generations of one tool for an account.
func (r *GenerationRepository) List(ctx context.Context, accountID string, tool models.Tool, limit int) ([]models.Generation, error) {
	const query = `SELECT ` + generationColumns + ` FROM generations
WHERE account_id = ? AND tool = ?
ORDER BY created_at DESC
LIMIT ?`
	return r.query(ctx, "list generations", query, accountID, tool, limit)
}

// ListPending returns non-terminal generations oldest first.
func (r *GenerationRepository) ListPending(ctx context.Context, accountID string, tool models.Tool, limit int) ([]models.Generation, error) {
	const query = `SELECT ` + generationColumns + ` FROM generations
WHERE account_id = ? AND tool = ? AND status IN ('pending', 'processing')
ORDER BY created_at ASC
LIMIT ?`
	return r.query(ctx, "list pending generations", query, accountID, tool, limit)
}

// ListOrphans returns non-terminal generations created before cutoff that never
// received a provider task reference.
func (r *GenerationRepository) ListOrphans(ctx context.Context, accountID string, tool models.Tool, cutoff time.Time, limit int) ([]models.Generation, error) {
	const query = `SELECT ` + generationColumns + ` FROM generations
WHERE account_id = ? AND tool = ? AND status IN ('pending', 'processing')
  AND JSON_UNQUOTE(JSON_EXTRACT(metadata, '$.task_id')) IS NULL
  AND created_at < ?
ORDER BY created_at ASC
LIMIT ?`
	return r.query(ctx, "list orphaned generations", query, accountID, tool, cutoff, limit)
}

// PendingScopes lists every (account, tool) pair that has outstanding work.
func (r *GenerationRepository) PendingScopes(ctx context.Context, limit int) ([]models.PendingScope, error) {
	const query = `
SELECT account_id, tool, MIN(created_at) AS oldest FROM generations
WHERE status IN ('pending', 'processing')
GROUP BY account_id, tool
ORDER BY oldest ASC
LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending scopes: %w", err)
	}
	defer rows.Close()

	var scopes []models.PendingScope
	for rows.Next() {
		var s models.PendingScope
		var tool string
		var oldest time.Time
		if err := rows.Scan(&s.AccountID, &tool, &oldest); err != nil {
			return nil, fmt.Errorf("scan pending scope: %w", err)
		}
		s.Tool = models.Tool(tool)
		scopes = append(scopes, s)
	}
	return scopes, rows.Err()
}

// AttachTaskReference stores the provider task id and moves the record to processing.
func (r *GenerationRepository) AttachTaskReference(ctx context.Context, id, accountID, taskID string, at time.Time) (*models.Generation, error) {
	patch, err := json.Marshal(models.MetadataPatch{TaskID: &taskID, ProcessingAt: &at})
	if err != nil {
		return nil, fmt.Errorf("encode metadata patch: %w", err)
	}
	const query = `
UPDATE generations
SET status = 'processing', metadata = JSON_MERGE_PATCH(metadata, ?), updated_at = NOW(3)
WHERE id = ? AND account_id = ? AND status IN ('pending', 'processing')`
	res, err := r.db.ExecContext(ctx, query, string(patch), id, accountID)
	if err != nil {
		return nil, fmt.Errorf("attach task reference: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("attach rows affected: %w", err)
	}
	g, err := r.Get(ctx, id, accountID)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, ErrNotFound
	}
	if affected == 0 && g.Metadata.TaskID != taskID {
		return nil, ErrTransitionRejected
	}
	return g, nil
}

// UpdateStatus moves a generation to status, merging patch into its metadata.
// The WHERE clause only matches rows in a legal source state, which makes the
// write itself the arbiter when two workers race on the same record.
func (r *GenerationRepository) UpdateStatus(ctx context.Context, id string, status models.Status, resultURL *string, patch models.MetadataPatch) error {
	sources := models.TransitionSources(status)
	if len(sources) == 0 {
		return ErrTransitionRejected
	}
	encoded, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("encode metadata patch: %w", err)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(sources)), ", ")
	query := `
UPDATE generations
SET status = ?, result_url = COALESCE(?, result_url), metadata = JSON_MERGE_PATCH(metadata, ?), updated_at = NOW(3)
WHERE id = ? AND status IN (` + placeholders + `)`

	args := []any{status, resultURL, string(encoded), id}
	for _, s := range sources {
		args = append(args, s)
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update generation status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("status rows affected: %w", err)
	}
	if affected == 0 {
		return ErrTransitionRejected
	}
	return nil
}

// Delete removes a terminal generation owned by accountID.
func (r *GenerationRepository) Delete(ctx context.Context, id, accountID string) error {
	const query = `DELETE FROM generations WHERE id = ? AND account_id = ? AND status IN ('completed', 'failed')`
	res, err := r.db.ExecContext(ctx, query, id, accountID)
	if err != nil {
		return fmt.Errorf("delete generation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}
	g, err := r.Get(ctx, id, accountID)
	if err != nil {
		return err
	}
	if g == nil {
		return ErrNotFound
	}
	return ErrNotTerminal
}

func (r *GenerationRepository) query(ctx context.Context, op, query string, args ...any) ([]models.Generation, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []models.Generation
	for rows.Next() {
		g, err := scanGeneration(rows)
		if err != nil {
			return nil, fmt.Errorf("scan generation: %w", err)
		}
		out = append(out, *g)
	}
	return out, rows.Err()
}
