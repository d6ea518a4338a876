package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ekaya-inc/assay-engine/pkg/apperrors"
	"github.com/ekaya-inc/assay-engine/pkg/database"
	"github.com/ekaya-inc/assay-engine/pkg/models"
)

// JobRepository persists background job records.
type JobRepository interface {
	// Create inserts a job. Returns ErrConflict when the project already has
	// a job with the same OperationID.
	Create(ctx context.Context, job *models.Job) error
	Get(ctx context.Context, id uuid.UUID) (*models.Job, error)
	GetByOperation(ctx context.Context, projectID uuid.UUID, operationID string) (*models.Job, error)
	// Update writes job. A job that reached a terminal state keeps it:
	// writing a different state over it returns ErrConflict.
	Update(ctx context.Context, job *models.Job) error
	ListByProject(ctx context.Context, projectID uuid.UUID, limit int) ([]*models.Job, error)
	// ListUnfinished returns pending and running jobs, oldest first.
	ListUnfinished(ctx context.Context) ([]*models.Job, error)
}

type jobRepository struct {
	db *database.DB
}

// NewJobRepository creates a new JobRepository.
func NewJobRepository(db *database.DB) JobRepository {
	return &jobRepository{db: db}
}

var _ JobRepository = (*jobRepository)(nil)

const jobColumns = `id, project_id, kind, operation_id, state, processed_rows, total_rows, percent,
	attempts, max_attempts, last_error, next_attempt_at, payload, result, created_at, updated_at, finished_at`

func (r *jobRepository) Create(ctx context.Context, job *models.Job) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.State == "" {
		job.State = models.JobStatePending
	}

	_, err := r.db.QuerierFrom(ctx).Exec(ctx, `
		INSERT INTO assay_jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		job.ID, job.ProjectID, job.Kind, job.OperationID, job.State, job.ProcessedRows, job.TotalRows,
		job.Percent, job.Attempts, job.MaxAttempts, job.LastError, job.NextAttemptAt,
		jsonOrNil(job.Payload), jsonOrNil(job.Result), job.CreatedAt, job.UpdatedAt, job.FinishedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("job for operation %q: %w", job.OperationID, apperrors.ErrConflict)
		}
		return apperrors.Persistence("create job", err)
	}
	return nil
}

func (r *jobRepository) Get(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return r.getOne(ctx, `WHERE id = $1`, id)
}

func (r *jobRepository) GetByOperation(ctx context.Context, projectID uuid.UUID, operationID string) (*models.Job, error) {
	return r.getOne(ctx, `WHERE project_id = $1 AND operation_id = $2`, projectID, operationID)
}

func (r *jobRepository) Update(ctx context.Context, job *models.Job) error {
	job.UpdatedAt = time.Now()
	result, err := r.db.QuerierFrom(ctx).Exec(ctx, `
		UPDATE assay_jobs
		SET state = $2, processed_rows = $3, total_rows = $4, percent = $5, attempts = $6,
		    max_attempts = $7, last_error = $8, next_attempt_at = $9, result = $10,
		    updated_at = $11, finished_at = $12
		WHERE id = $1 AND (state IN ('pending', 'running') OR state = $2)`,
		job.ID, job.State, job.ProcessedRows, job.TotalRows, job.Percent, job.Attempts,
		job.MaxAttempts, job.LastError, job.NextAttemptAt, jsonOrNil(job.Result),
		job.UpdatedAt, job.FinishedAt)
	if err != nil {
		return apperrors.Persistence("update job", err)
	}
	if result.RowsAffected() == 0 {
		current, err := r.Get(ctx, job.ID)
		if err != nil {
			return err
		}
		return fmt.Errorf("job %s is already %s: %w", job.ID, current.State, apperrors.ErrConflict)
	}
	return nil
}

func (r *jobRepository) ListByProject(ctx context.Context, projectID uuid.UUID, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.list(ctx, `WHERE project_id = $1 ORDER BY created_at DESC LIMIT $2`, projectID, limit)
}

func (r *jobRepository) ListUnfinished(ctx context.Context) ([]*models.Job, error) {
	return r.list(ctx, `WHERE state IN ('pending', 'running') ORDER BY created_at`)
}

func (r *jobRepository) getOne(ctx context.Context, where string, args ...any) (*models.Job, error) {
	job, err := scanJob(r.db.QuerierFrom(ctx).QueryRow(ctx, `SELECT `+jobColumns+` FROM assay_jobs `+where, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, apperrors.Persistence("get job", err)
	}
	return job, nil
}

func (r *jobRepository) list(ctx context.Context, where string, args ...any) ([]*models.Job, error) {
	rows, err := r.db.QuerierFrom(ctx).Query(ctx, `SELECT `+jobColumns+` FROM assay_jobs `+where, args...)
	if err != nil {
		return nil, apperrors.Persistence("list jobs", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}
	return jobs, nil
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	var payload, result []byte
	err := row.Scan(&j.ID, &j.ProjectID, &j.Kind, &j.OperationID, &j.State, &j.ProcessedRows,
		&j.TotalRows, &j.Percent, &j.Attempts, &j.MaxAttempts, &j.LastError, &j.NextAttemptAt,
		&payload, &result, &j.CreatedAt, &j.UpdatedAt, &j.FinishedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}
	if len(payload) > 0 {
		j.Payload = payload
	}
	if len(result) > 0 {
		j.Result = result
	}
	return &j, nil
}
