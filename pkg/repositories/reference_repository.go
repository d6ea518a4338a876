package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ekaya-inc/assay-engine/pkg/apperrors"
	"github.com/ekaya-inc/assay-engine/pkg/database"
	"github.com/ekaya-inc/assay-engine/pkg/models"
)

// ReferenceRepository is the certified reference material library.
type ReferenceRepository interface {
	Upsert(ctx context.Context, material *models.ReferenceMaterial) error
	// FindByCrmID returns all records whose normalized id matches. An empty
	// method matches every method.
	FindByCrmID(ctx context.Context, crmID, method string) ([]*models.ReferenceMaterial, error)
	ListAnalysisMethods(ctx context.Context) ([]string, error)
	List(ctx context.Context) ([]*models.ReferenceMaterial, error)
}

type referenceRepository struct {
	db *database.DB
}

// NewReferenceRepository creates a new ReferenceRepository.
func NewReferenceRepository(db *database.DB) ReferenceRepository {
	return &referenceRepository{db: db}
}

var _ ReferenceRepository = (*referenceRepository)(nil)

func (r *referenceRepository) Upsert(ctx context.Context, material *models.ReferenceMaterial) error {
	values, err := json.Marshal(material.Values)
	if err != nil {
		return fmt.Errorf("failed to marshal certified values: %w", err)
	}

	_, err = r.db.QuerierFrom(ctx).Exec(ctx, `
		INSERT INTO assay_reference_materials (crm_id, normalized_id, method, type, certified, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (normalized_id, method) DO UPDATE
		SET crm_id = EXCLUDED.crm_id,
		    type = EXCLUDED.type,
		    certified = EXCLUDED.certified,
		    updated_at = EXCLUDED.updated_at`,
		material.ID, models.NormalizeReferenceID(material.ID), material.Method, material.Type,
		string(values), time.Now())
	if err != nil {
		return apperrors.Persistence("upsert reference material", err)
	}
	return nil
}

func (r *referenceRepository) FindByCrmID(ctx context.Context, crmID, method string) ([]*models.ReferenceMaterial, error) {
	query := `
		SELECT crm_id, method, type, certified
		FROM assay_reference_materials
		WHERE normalized_id = $1 AND ($2 = '' OR method = $2)
		ORDER BY method`
	return r.query(ctx, "find reference material", query, models.NormalizeReferenceID(crmID), method)
}

func (r *referenceRepository) List(ctx context.Context) ([]*models.ReferenceMaterial, error) {
	return r.query(ctx, "list reference materials", `
		SELECT crm_id, method, type, certified
		FROM assay_reference_materials
		ORDER BY normalized_id, method`)
}

func (r *referenceRepository) ListAnalysisMethods(ctx context.Context) ([]string, error) {
	rows, err := r.db.QuerierFrom(ctx).Query(ctx, `
		SELECT DISTINCT method FROM assay_reference_materials
		WHERE method <> ''
		ORDER BY method`)
	if err != nil {
		return nil, apperrors.Persistence("list analysis methods", err)
	}
	defer rows.Close()

	var methods []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, fmt.Errorf("failed to scan method: %w", err)
		}
		methods = append(methods, m)
	}
	return methods, rows.Err()
}

func (r *referenceRepository) query(ctx context.Context, op, query string, args ...any) ([]*models.ReferenceMaterial, error) {
	rows, err := r.db.QuerierFrom(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Persistence(op, err)
	}
	defer rows.Close()

	var out []*models.ReferenceMaterial
	for rows.Next() {
		var m models.ReferenceMaterial
		var certified []byte
		if err := rows.Scan(&m.ID, &m.Method, &m.Type, &certified); err != nil {
			return nil, fmt.Errorf("failed to scan reference material: %w", err)
		}
		if err := json.Unmarshal(certified, &m.Values); err != nil {
			return nil, fmt.Errorf("failed to unmarshal certified values for %s: %w", m.Key(), err)
		}
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating reference materials: %w", err)
	}
	return out, nil
}
