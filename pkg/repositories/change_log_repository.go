package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/assay-engine/pkg/apperrors"
	"github.com/ekaya-inc/assay-engine/pkg/database"
	"github.com/ekaya-inc/assay-engine/pkg/models"
)

// ChangeLogRepository stores the append-only change log.
type ChangeLogRepository interface {
	// AppendBatch inserts the batch and all of its entries.
	AppendBatch(ctx context.Context, batch *models.ChangeBatch) error
	// GetBatch returns a batch with its entries.
	GetBatch(ctx context.Context, projectID, batchID uuid.UUID) (*models.ChangeBatch, error)
	// ListBatches returns batches newest first, without entries.
	ListBatches(ctx context.Context, projectID uuid.UUID, limit int) ([]*models.ChangeBatch, error)
	// LatestRevertible returns the newest batch that is not an undo and has
	// not been reverted, with entries. ErrNotFound when there is none.
	LatestRevertible(ctx context.Context, projectID uuid.UUID) (*models.ChangeBatch, error)
}

type changeLogRepository struct {
	db *database.DB
}

// NewChangeLogRepository creates a new ChangeLogRepository.
func NewChangeLogRepository(db *database.DB) ChangeLogRepository {
	return &changeLogRepository{db: db}
}

var _ ChangeLogRepository = (*changeLogRepository)(nil)

func (r *changeLogRepository) AppendBatch(ctx context.Context, batch *models.ChangeBatch) error {
	PrepareBatch(batch, time.Now())
	q := r.db.QuerierFrom(ctx)

	_, err := q.Exec(ctx, `
		INSERT INTO assay_change_batches
			(id, project_id, kind, actor, source, version_id, previous_version_id, reverts_batch_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		batch.ID, batch.ProjectID, batch.Kind, batch.Actor, batch.Source,
		batch.VersionID, batch.PreviousVersionID, batch.RevertsBatchID, batch.CreatedAt)
	if err != nil {
		return apperrors.Persistence("append change batch", err)
	}

	if len(batch.Entries) == 0 {
		return nil
	}

	rows := make([][]any, len(batch.Entries))
	for i, e := range batch.Entries {
		rows[i] = []any{
			e.ID, e.ProjectID, e.BatchID, i, e.RowID, e.Label, e.Position, e.Column,
			jsonOrNil(e.OldValue), jsonOrNil(e.NewValue), e.CreatedAt,
		}
	}

	type copier interface {
		CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
	}
	c, ok := q.(copier)
	if !ok {
		return apperrors.Persistence("append change entries", errors.New("querier does not support COPY"))
	}
	_, err = c.CopyFrom(ctx,
		pgx.Identifier{"assay_change_log"},
		[]string{"id", "project_id", "batch_id", "seq", "row_id", "label", "position", "column_name", "old_value", "new_value", "created_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return apperrors.Persistence("append change entries", err)
	}
	return nil
}

func (r *changeLogRepository) GetBatch(ctx context.Context, projectID, batchID uuid.UUID) (*models.ChangeBatch, error) {
	batch, err := scanBatch(r.db.QuerierFrom(ctx).QueryRow(ctx, batchSelect+`
		WHERE project_id = $1 AND id = $2`, projectID, batchID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, apperrors.Persistence("get change batch", err)
	}
	if err := r.loadEntries(ctx, batch); err != nil {
		return nil, err
	}
	return batch, nil
}

func (r *changeLogRepository) ListBatches(ctx context.Context, projectID uuid.UUID, limit int) ([]*models.ChangeBatch, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QuerierFrom(ctx).Query(ctx, batchSelect+`
		WHERE project_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, projectID, limit)
	if err != nil {
		return nil, apperrors.Persistence("list change batches", err)
	}
	defer rows.Close()

	var batches []*models.ChangeBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating change batches: %w", err)
	}
	return batches, nil
}

func (r *changeLogRepository) LatestRevertible(ctx context.Context, projectID uuid.UUID) (*models.ChangeBatch, error) {
	batch, err := scanBatch(r.db.QuerierFrom(ctx).QueryRow(ctx, batchSelect+`
		WHERE project_id = $1
		  AND kind <> 'undo'
		  AND NOT EXISTS (
		      SELECT 1 FROM assay_change_batches u
		      WHERE u.project_id = $1 AND u.reverts_batch_id = assay_change_batches.id)
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, projectID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, apperrors.Persistence("latest revertible batch", err)
	}
	if err := r.loadEntries(ctx, batch); err != nil {
		return nil, err
	}
	return batch, nil
}

func (r *changeLogRepository) loadEntries(ctx context.Context, batch *models.ChangeBatch) error {
	rows, err := r.db.QuerierFrom(ctx).Query(ctx, `
		SELECT id, project_id, batch_id, row_id, label, position, column_name, old_value, new_value, created_at
		FROM assay_change_log
		WHERE batch_id = $1
		ORDER BY seq`, batch.ID)
	if err != nil {
		return apperrors.Persistence("load change entries", err)
	}
	defer rows.Close()

	batch.Entries = nil
	for rows.Next() {
		var e models.ChangeLogEntry
		var oldVal, newVal []byte
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.BatchID, &e.RowID, &e.Label, &e.Position,
			&e.Column, &oldVal, &newVal, &e.CreatedAt); err != nil {
			return fmt.Errorf("failed to scan change entry: %w", err)
		}
		e.OldValue = rawOrNull(oldVal)
		e.NewValue = rawOrNull(newVal)
		batch.Entries = append(batch.Entries, &e)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating change entries: %w", err)
	}
	return nil
}

const batchSelect = `
		SELECT id, project_id, kind, actor, source, version_id, previous_version_id, reverts_batch_id, created_at
		FROM assay_change_batches`

func scanBatch(row pgx.Row) (*models.ChangeBatch, error) {
	var b models.ChangeBatch
	err := row.Scan(&b.ID, &b.ProjectID, &b.Kind, &b.Actor, &b.Source,
		&b.VersionID, &b.PreviousVersionID, &b.RevertsBatchID, &b.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan change batch: %w", err)
	}
	return &b, nil
}

// PrepareBatch assigns ids and timestamps to a batch and its entries.
// Shared by every ChangeLogRepository implementation.
func PrepareBatch(batch *models.ChangeBatch, now time.Time) {
	if batch.ID == uuid.Nil {
		batch.ID = uuid.New()
	}
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = now
	}
	if batch.Source == "" {
		batch.Source = models.SourceManual
	}
	for _, e := range batch.Entries {
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		e.BatchID = batch.ID
		e.ProjectID = batch.ProjectID
		if e.CreatedAt.IsZero() {
			e.CreatedAt = batch.CreatedAt
		}
	}
}

func jsonOrNil(raw []byte) any {
	if models.IsNullJSON(raw) {
		return nil
	}
	return string(raw)
}

func rawOrNull(raw []byte) []byte {
	if len(raw) == 0 {
		return models.NullJSON
	}
	return raw
}
