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

// VersionRepository stores the version snapshot tree.
type VersionRepository interface {
	// Create inserts a snapshot. A zero Version is assigned max+1 for the project.
	// The new snapshot is inactive until SetActive is called.
	Create(ctx context.Context, snapshot *models.VersionSnapshot) error
	// SetActive deactivates the project's current snapshot and activates versionID.
	SetActive(ctx context.Context, projectID, versionID uuid.UUID) error
	GetActive(ctx context.Context, projectID uuid.UUID) (*models.VersionSnapshot, error)
	Get(ctx context.Context, projectID, versionID uuid.UUID) (*models.VersionSnapshot, error)
	// List returns snapshots ordered by version, without row data.
	List(ctx context.Context, projectID uuid.UUID) ([]*models.VersionSnapshot, error)
}

type versionRepository struct {
	db *database.DB
}

// NewVersionRepository creates a new VersionRepository.
func NewVersionRepository(db *database.DB) VersionRepository {
	return &versionRepository{db: db}
}

var _ VersionRepository = (*versionRepository)(nil)

func (r *versionRepository) Create(ctx context.Context, snapshot *models.VersionSnapshot) error {
	if snapshot.ID == uuid.Nil {
		snapshot.ID = uuid.New()
	}
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = time.Now()
	}
	snapshot.Active = false
	data := snapshot.Data
	if models.IsNullJSON(data) {
		data = []byte("[]")
	}

	q := r.db.QuerierFrom(ctx)
	if snapshot.Version == 0 {
		if err := q.QueryRow(ctx,
			`SELECT COALESCE(MAX(version), 0) + 1 FROM assay_version_snapshots WHERE project_id = $1`,
			snapshot.ProjectID).Scan(&snapshot.Version); err != nil {
			return apperrors.Persistence("next version number", err)
		}
	}

	_, err := q.Exec(ctx, `
		INSERT INTO assay_version_snapshots
			(id, project_id, parent_id, version, tag, is_active, batch_id, row_count, data, created_at)
		VALUES ($1, $2, $3, $4, $5, false, $6, $7, $8, $9)`,
		snapshot.ID, snapshot.ProjectID, snapshot.ParentID, snapshot.Version, snapshot.Tag,
		snapshot.BatchID, snapshot.RowCount, string(data), snapshot.CreatedAt)
	if err != nil {
		return apperrors.Persistence("create version snapshot", err)
	}
	return nil
}

func (r *versionRepository) SetActive(ctx context.Context, projectID, versionID uuid.UUID) error {
	q := r.db.QuerierFrom(ctx)
	if _, err := q.Exec(ctx,
		`UPDATE assay_version_snapshots SET is_active = false WHERE project_id = $1 AND is_active = true`,
		projectID); err != nil {
		return apperrors.Persistence("deactivate version", err)
	}
	result, err := q.Exec(ctx,
		`UPDATE assay_version_snapshots SET is_active = true WHERE project_id = $1 AND id = $2`,
		projectID, versionID)
	if err != nil {
		return apperrors.Persistence("activate version", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *versionRepository) GetActive(ctx context.Context, projectID uuid.UUID) (*models.VersionSnapshot, error) {
	return r.getOne(ctx, `WHERE project_id = $1 AND is_active = true`, projectID)
}

func (r *versionRepository) Get(ctx context.Context, projectID, versionID uuid.UUID) (*models.VersionSnapshot, error) {
	return r.getOne(ctx, `WHERE project_id = $1 AND id = $2`, projectID, versionID)
}

func (r *versionRepository) getOne(ctx context.Context, where string, args ...any) (*models.VersionSnapshot, error) {
	query := `
		SELECT id, project_id, parent_id, version, tag, is_active, batch_id, row_count, data, created_at
		FROM assay_version_snapshots ` + where

	var s models.VersionSnapshot
	var data []byte
	err := r.db.QuerierFrom(ctx).QueryRow(ctx, query, args...).Scan(
		&s.ID, &s.ProjectID, &s.ParentID, &s.Version, &s.Tag, &s.Active,
		&s.BatchID, &s.RowCount, &data, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, apperrors.Persistence("get version snapshot", err)
	}
	s.Data = data
	return &s, nil
}

func (r *versionRepository) List(ctx context.Context, projectID uuid.UUID) ([]*models.VersionSnapshot, error) {
	rows, err := r.db.QuerierFrom(ctx).Query(ctx, `
		SELECT id, project_id, parent_id, version, tag, is_active, batch_id, row_count, created_at
		FROM assay_version_snapshots
		WHERE project_id = $1
		ORDER BY version`, projectID)
	if err != nil {
		return nil, apperrors.Persistence("list version snapshots", err)
	}
	defer rows.Close()

	var out []*models.VersionSnapshot
	for rows.Next() {
		var s models.VersionSnapshot
		if err := rows.Scan(&s.ID, &s.ProjectID, &s.ParentID, &s.Version, &s.Tag, &s.Active,
			&s.BatchID, &s.RowCount, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan version snapshot: %w", err)
		}
		out = append(out, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating version snapshots: %w", err)
	}
	return out, nil
}
