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

// CrmSelectionRepository stores operator-pinned reference records per row.
type CrmSelectionRepository interface {
	Get(ctx context.Context, projectID uuid.UUID, label string, position int) (*models.CrmSelection, error)
	Save(ctx context.Context, selection *models.CrmSelection) error
	List(ctx context.Context, projectID uuid.UUID) ([]*models.CrmSelection, error)
	Delete(ctx context.Context, projectID uuid.UUID, label string, position int) error
}

type crmSelectionRepository struct {
	db *database.DB
}

// NewCrmSelectionRepository creates a new CrmSelectionRepository.
func NewCrmSelectionRepository(db *database.DB) CrmSelectionRepository {
	return &crmSelectionRepository{db: db}
}

var _ CrmSelectionRepository = (*crmSelectionRepository)(nil)

func (r *crmSelectionRepository) Get(ctx context.Context, projectID uuid.UUID, label string, position int) (*models.CrmSelection, error) {
	var s models.CrmSelection
	err := r.db.QuerierFrom(ctx).QueryRow(ctx, `
		SELECT project_id, label, position, record_key, updated_at
		FROM assay_crm_selections
		WHERE project_id = $1 AND label = $2 AND position = $3`,
		projectID, label, position).Scan(&s.ProjectID, &s.Label, &s.Position, &s.RecordKey, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, apperrors.Persistence("get crm selection", err)
	}
	return &s, nil
}

func (r *crmSelectionRepository) Save(ctx context.Context, selection *models.CrmSelection) error {
	selection.UpdatedAt = time.Now()
	_, err := r.db.QuerierFrom(ctx).Exec(ctx, `
		INSERT INTO assay_crm_selections (project_id, label, position, record_key, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (project_id, label, position) DO UPDATE
		SET record_key = EXCLUDED.record_key,
		    updated_at = EXCLUDED.updated_at`,
		selection.ProjectID, selection.Label, selection.Position, selection.RecordKey, selection.UpdatedAt)
	if err != nil {
		return apperrors.Persistence("save crm selection", err)
	}
	return nil
}

func (r *crmSelectionRepository) List(ctx context.Context, projectID uuid.UUID) ([]*models.CrmSelection, error) {
	rows, err := r.db.QuerierFrom(ctx).Query(ctx, `
		SELECT project_id, label, position, record_key, updated_at
		FROM assay_crm_selections
		WHERE project_id = $1
		ORDER BY position, label`, projectID)
	if err != nil {
		return nil, apperrors.Persistence("list crm selections", err)
	}
	defer rows.Close()

	var out []*models.CrmSelection
	for rows.Next() {
		var s models.CrmSelection
		if err := rows.Scan(&s.ProjectID, &s.Label, &s.Position, &s.RecordKey, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan crm selection: %w", err)
		}
		out = append(out, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating crm selections: %w", err)
	}
	return out, nil
}

func (r *crmSelectionRepository) Delete(ctx context.Context, projectID uuid.UUID, label string, position int) error {
	result, err := r.db.QuerierFrom(ctx).Exec(ctx,
		`DELETE FROM assay_crm_selections WHERE project_id = $1 AND label = $2 AND position = $3`,
		projectID, label, position)
	if err != nil {
		return apperrors.Persistence("delete crm selection", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}
