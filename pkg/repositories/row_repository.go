package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/assay-engine/pkg/apperrors"
	"github.com/ekaya-inc/assay-engine/pkg/database"
	"github.com/ekaya-inc/assay-engine/pkg/models"
)

// RowRepository is the row store adapter. Reads always return rows ordered
// by Position.
type RowRepository interface {
	GetRows(ctx context.Context, projectID uuid.UUID) ([]*models.Row, error)
	// WriteRows upserts rows by ID. Rows without an ID are assigned one.
	WriteRows(ctx context.Context, projectID uuid.UUID, rows []*models.Row) error
	DeleteRows(ctx context.Context, projectID uuid.UUID, ids []uuid.UUID) (int, error)
	// ReplaceRows makes rows the complete row set of the project.
	ReplaceRows(ctx context.Context, projectID uuid.UUID, rows []*models.Row) error
	// MaxPosition returns the highest position, or -1 for an empty project.
	MaxPosition(ctx context.Context, projectID uuid.UUID) (int, error)
}

type rowRepository struct {
	db *database.DB
}

// NewRowRepository creates a new RowRepository.
func NewRowRepository(db *database.DB) RowRepository {
	return &rowRepository{db: db}
}

var _ RowRepository = (*rowRepository)(nil)

func (r *rowRepository) GetRows(ctx context.Context, projectID uuid.UUID) ([]*models.Row, error) {
	query := `
		SELECT id, project_id, label, position, columns
		FROM assay_rows
		WHERE project_id = $1
		ORDER BY position, id`

	rows, err := r.db.QuerierFrom(ctx).Query(ctx, query, projectID)
	if err != nil {
		return nil, apperrors.Persistence("get rows", err)
	}
	return collectRows(rows)
}

func (r *rowRepository) WriteRows(ctx context.Context, projectID uuid.UUID, rows []*models.Row) error {
	if len(rows) == 0 {
		return nil
	}

	query := `
		INSERT INTO assay_rows (id, project_id, label, position, columns)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET label = EXCLUDED.label,
		    position = EXCLUDED.position,
		    columns = EXCLUDED.columns`

	batch := &pgx.Batch{}
	for _, row := range rows {
		if row.ID == uuid.Nil {
			row.ID = uuid.New()
		}
		row.ProjectID = projectID
		cols, err := json.Marshal(row.Columns)
		if err != nil {
			return fmt.Errorf("failed to marshal columns for row %s: %w", row.Label, err)
		}
		batch.Queue(query, row.ID, projectID, row.Label, row.Position, string(cols))
	}

	if err := r.sendBatch(ctx, batch); err != nil {
		return apperrors.Persistence("write rows", err)
	}
	return nil
}

func (r *rowRepository) DeleteRows(ctx context.Context, projectID uuid.UUID, ids []uuid.UUID) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result, err := r.db.QuerierFrom(ctx).Exec(ctx,
		`DELETE FROM assay_rows WHERE project_id = $1 AND id = ANY($2)`, projectID, ids)
	if err != nil {
		return 0, apperrors.Persistence("delete rows", err)
	}
	return int(result.RowsAffected()), nil
}

func (r *rowRepository) ReplaceRows(ctx context.Context, projectID uuid.UUID, rows []*models.Row) error {
	if _, err := r.db.QuerierFrom(ctx).Exec(ctx, `DELETE FROM assay_rows WHERE project_id = $1`, projectID); err != nil {
		return apperrors.Persistence("clear rows", err)
	}
	return r.WriteRows(ctx, projectID, rows)
}

func (r *rowRepository) MaxPosition(ctx context.Context, projectID uuid.UUID) (int, error) {
	var maxPos int
	err := r.db.QuerierFrom(ctx).QueryRow(ctx,
		`SELECT COALESCE(MAX(position), -1) FROM assay_rows WHERE project_id = $1`, projectID).Scan(&maxPos)
	if err != nil {
		return 0, apperrors.Persistence("max position", err)
	}
	return maxPos, nil
}

// sendBatch runs a pgx batch on the transaction or connection in ctx.
func (r *rowRepository) sendBatch(ctx context.Context, batch *pgx.Batch) error {
	type batchSender interface {
		SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	}
	sender, ok := r.db.QuerierFrom(ctx).(batchSender)
	if !ok {
		return errors.New("querier does not support batches")
	}
	results := sender.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return err
		}
	}
	return results.Close()
}

func collectRows(rows pgx.Rows) ([]*models.Row, error) {
	defer rows.Close()
	var out []*models.Row
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

func scanRow(row pgx.Row) (*models.Row, error) {
	var r models.Row
	var cols []byte
	if err := row.Scan(&r.ID, &r.ProjectID, &r.Label, &r.Position, &cols); err != nil {
		return nil, fmt.Errorf("failed to scan row: %w", err)
	}
	if err := json.Unmarshal(cols, &r.Columns); err != nil {
		return nil, fmt.Errorf("failed to unmarshal columns for row %s: %w", r.ID, err)
	}
	return &r, nil
}
