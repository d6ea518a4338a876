package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/assay-engine/pkg/analysis/drift"
	"github.com/ekaya-inc/assay-engine/pkg/apperrors"
	"github.com/ekaya-inc/assay-engine/pkg/config"
	"github.com/ekaya-inc/assay-engine/pkg/metrics"
	"github.com/ekaya-inc/assay-engine/pkg/models"
	"github.com/ekaya-inc/assay-engine/pkg/repositories"
	"github.com/ekaya-inc/assay-engine/pkg/retry"
	"github.com/ekaya-inc/assay-engine/pkg/services/workqueue"
)

// ImportJobPayload is the payload of an import job.
type ImportJobPayload struct {
	Rows []ImportRow `json:"rows"`
	Tag  string      `json:"tag,omitempty"`
}

// OptimizeJobPayload is the payload of an optimize job. Without Apply the
// job only records the search result.
type OptimizeJobPayload struct {
	Request OptimizeRequest `json:"request"`
	Apply   bool            `json:"apply"`
	Tag     string          `json:"tag,omitempty"`
}

// DriftApplyJobPayload is the payload of a drift_apply job.
type DriftApplyJobPayload struct {
	Config drift.Config `json:"config"`
	Tag    string       `json:"tag,omitempty"`
}

// errJobCancelled stops an attempt whose job was cancelled between batches.
var errJobCancelled = errors.New("job cancelled")

// JobResult is stored on the job once it succeeds. Import results accumulate
// across resumed attempts.
type JobResult struct {
	RowsChanged  int              `json:"rows_changed"`
	BatchIDs     []uuid.UUID      `json:"batch_ids,omitempty"`
	VersionID    *uuid.UUID       `json:"version_id,omitempty"`
	Messages     []string         `json:"messages,omitempty"`
	Optimization *OptimizationRun `json:"optimization,omitempty"`
}

// JobService runs long operations in the background and records their
// progress on persisted job records.
type JobService interface {
	// Submit creates and schedules a job. Submitting an operation id that the
	// project has already used returns the existing job unchanged.
	Submit(ctx context.Context, projectID uuid.UUID, kind models.JobKind, operationID string, payload json.RawMessage) (*models.Job, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Job, error)
	List(ctx context.Context, projectID uuid.UUID, limit int) ([]*models.Job, error)
	// Cancel marks the job cancelled and stops it at the next row batch.
	Cancel(ctx context.Context, id uuid.UUID) (*models.Job, error)
	// ResumeUnfinished schedules pending and running jobs left by a previous
	// process. Imports continue after their last committed batch.
	ResumeUnfinished(ctx context.Context) (int, error)
	// Wait blocks until every scheduled job has stopped.
	Wait(ctx context.Context) error
	// Prune drops finished tasks from the in-memory queue.
	Prune() int
	Shutdown(ctx context.Context) error
}

type jobService struct {
	jobRepo       repositories.JobRepository
	projectRepo   repositories.ProjectRepository
	corrections   CorrectionService
	optimizations OptimizationService
	drifts        DriftService
	cfg           config.JobsConfig
	queue         *workqueue.Queue
	logger        *zap.Logger

	mu        sync.Mutex
	scheduled map[uuid.UUID]bool
}

// NewJobService creates a job service and its work queue.
func NewJobService(
	jobRepo repositories.JobRepository,
	projectRepo repositories.ProjectRepository,
	corrections CorrectionService,
	optimizations OptimizationService,
	drifts DriftService,
	cfg config.JobsConfig,
	logger *zap.Logger,
) JobService {
	logger = logger.Named("job-service")
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 500
	}
	queue := workqueue.New(logger,
		workqueue.WithLaneLimit(workqueue.LaneCompute, cfg.MaxComputeTasks),
		workqueue.WithRetry(&retry.Config{
			MaxRetries:   cfg.MaxRetries,
			InitialDelay: cfg.InitialBackoff,
			MaxDelay:     cfg.MaxBackoff,
			Multiplier:   2.0,
			JitterFactor: 0.1,
		}))
	return &jobService{
		jobRepo:       jobRepo,
		projectRepo:   projectRepo,
		corrections:   corrections,
		optimizations: optimizations,
		drifts:        drifts,
		cfg:           cfg,
		queue:         queue,
		logger:        logger,
		scheduled:     make(map[uuid.UUID]bool),
	}
}

var _ JobService = (*jobService)(nil)

// totalRows validates the payload for kind and returns the number of rows the
// job will process.
func totalRows(kind models.JobKind, payload json.RawMessage) (int, error) {
	switch kind {
	case models.JobKindImport:
		var p ImportJobPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return 0, apperrors.Validation("invalid import payload: %v", err)
		}
		if len(p.Rows) == 0 {
			return 0, apperrors.Validation("import payload has no rows")
		}
		return len(p.Rows), nil
	case models.JobKindOptimize:
		var p OptimizeJobPayload
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &p); err != nil {
				return 0, apperrors.Validation("invalid optimize payload: %v", err)
			}
		}
		return 1, nil
	case models.JobKindDriftApply:
		var p DriftApplyJobPayload
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &p); err != nil {
				return 0, apperrors.Validation("invalid drift payload: %v", err)
			}
		}
		return 1, nil
	default:
		return 0, apperrors.Validation("unknown job kind %q", kind)
	}
}

func (s *jobService) Submit(ctx context.Context, projectID uuid.UUID, kind models.JobKind, operationID string, payload json.RawMessage) (*models.Job, error) {
	operationID = strings.TrimSpace(operationID)
	if operationID == "" {
		operationID = uuid.NewString()
	}

	existing, err := s.jobRepo.GetByOperation(ctx, projectID, operationID)
	switch {
	case err == nil:
		s.logger.Info("Operation already submitted",
			zap.String("project_id", projectID.String()),
			zap.String("job_id", existing.ID.String()),
			zap.String("operation_id", operationID))
		return existing, nil
	case !errors.Is(err, apperrors.ErrNotFound):
		return nil, fmt.Errorf("failed to look up operation: %w", err)
	}

	if _, err := s.projectRepo.Get(ctx, projectID); err != nil {
		return nil, fmt.Errorf("failed to get project %s: %w", projectID, err)
	}
	total, err := totalRows(kind, payload)
	if err != nil {
		return nil, err
	}

	job := &models.Job{
		ProjectID:   projectID,
		Kind:        kind,
		OperationID: operationID,
		State:       models.JobStatePending,
		MaxAttempts: s.cfg.MaxRetries + 1,
		Payload:     payload,
	}
	job.SetProgress(0, total)
	if err := s.jobRepo.Create(ctx, job); err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			// Lost a race with a concurrent submit of the same operation.
			return s.jobRepo.GetByOperation(ctx, projectID, operationID)
		}
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	s.logger.Info("Submitted job",
		zap.String("project_id", projectID.String()),
		zap.String("job_id", job.ID.String()),
		zap.String("kind", string(kind)),
		zap.String("operation_id", operationID))
	s.schedule(job)
	return job, nil
}

func (s *jobService) schedule(job *models.Job) bool {
	s.mu.Lock()
	if s.scheduled[job.ID] {
		s.mu.Unlock()
		return false
	}
	s.scheduled[job.ID] = true
	s.mu.Unlock()

	if !s.queue.Enqueue(&jobTask{svc: s, jobID: job.ID, kind: job.Kind}) {
		s.unschedule(job.ID)
		return false
	}
	return true
}

func (s *jobService) unschedule(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.scheduled, id)
}

func (s *jobService) Get(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job, err := s.jobRepo.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	return job, nil
}

func (s *jobService) List(ctx context.Context, projectID uuid.UUID, limit int) ([]*models.Job, error) {
	jobs, err := s.jobRepo.ListByProject(ctx, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

func (s *jobService) Cancel(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.State.IsTerminal() {
		return job, nil
	}

	now := time.Now().UTC()
	job.State = models.JobStateCancelled
	job.FinishedAt = &now
	job.NextAttemptAt = nil
	if err := s.jobRepo.Update(ctx, job); err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			// The attempt finished first.
			return s.Get(ctx, id)
		}
		return nil, fmt.Errorf("failed to cancel job: %w", err)
	}
	s.queue.Cancel(id.String())

	s.logger.Info("Cancelled job",
		zap.String("project_id", job.ProjectID.String()),
		zap.String("job_id", id.String()))
	return job, nil
}

func (s *jobService) ResumeUnfinished(ctx context.Context) (int, error) {
	jobs, err := s.jobRepo.ListUnfinished(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list unfinished jobs: %w", err)
	}
	resumed := 0
	for _, job := range jobs {
		if s.schedule(job) {
			resumed++
		}
	}
	if resumed > 0 {
		s.logger.Info("Resumed unfinished jobs", zap.Int("count", resumed))
	}
	return resumed, nil
}

func (s *jobService) Wait(ctx context.Context) error {
	// Job failures are recorded on the job; only the context ends Wait early.
	if err := s.queue.Wait(ctx); err != nil && ctx.Err() != nil {
		return err
	}
	return nil
}

func (s *jobService) Prune() int {
	removed := s.queue.Prune()
	if removed > 0 {
		counts := s.queue.Counts()
		s.logger.Debug("Pruned finished tasks",
			zap.Int("removed", removed),
			zap.Int("queued", counts[workqueue.StatusQueued]),
			zap.Int("running", counts[workqueue.StatusRunning]))
	}
	return removed
}

// Shutdown stops running jobs without marking them; they stay pending or
// running and are picked up by ResumeUnfinished.
func (s *jobService) Shutdown(ctx context.Context) error {
	return s.queue.Shutdown(ctx)
}

// jobTask adapts a persisted job to the work queue.
type jobTask struct {
	svc     *jobService
	jobID   uuid.UUID
	kind    models.JobKind
	attempt int
}

var (
	_ workqueue.Task          = (*jobTask)(nil)
	_ workqueue.RetryObserver = (*jobTask)(nil)
)

func (t *jobTask) ID() string   { return t.jobID.String() }
func (t *jobTask) Kind() string { return string(t.kind) }

func (t *jobTask) Lane() workqueue.Lane {
	if t.kind == models.JobKindOptimize {
		return workqueue.LaneCompute
	}
	return workqueue.LaneData
}

func (t *jobTask) Run(ctx context.Context) error {
	s := t.svc
	t.attempt++

	job, err := s.jobRepo.Get(ctx, t.jobID)
	if err != nil {
		return fmt.Errorf("failed to load job %s: %w", t.jobID, err)
	}
	if job.State.IsTerminal() {
		s.unschedule(job.ID)
		return nil
	}

	job.State = models.JobStateRunning
	job.Attempts++
	job.NextAttemptAt = nil
	if err := s.jobRepo.Update(ctx, job); err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			s.unschedule(job.ID)
			return nil
		}
		return fmt.Errorf("failed to mark job running: %w", err)
	}
	metrics.JobStarted()

	logger := s.logger.With(
		zap.String("project_id", job.ProjectID.String()),
		zap.String("job_id", job.ID.String()),
		zap.String("kind", string(job.Kind)))
	logger.Info("Job attempt started", zap.Int("attempt", job.Attempts))

	ctx = models.WithJobProvenance(ctx, "job:"+job.OperationID)
	runErr := t.run(ctx, job)
	state := t.finish(job, runErr, logger)
	metrics.JobFinished(string(job.Kind), string(state))
	if state == models.JobStateCancelled {
		return nil
	}
	return runErr
}

func (t *jobTask) run(ctx context.Context, job *models.Job) error {
	switch job.Kind {
	case models.JobKindImport:
		return t.svc.runImport(ctx, job)
	case models.JobKindOptimize:
		return t.svc.runOptimize(ctx, job)
	case models.JobKindDriftApply:
		return t.svc.runDriftApply(ctx, job)
	default:
		return apperrors.Validation("unknown job kind %q", job.Kind)
	}
}

// finish records the outcome of one attempt and returns the job state it
// left behind.
func (t *jobTask) finish(job *models.Job, runErr error, logger *zap.Logger) models.JobState {
	s := t.svc
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Cancel may have written the record while the attempt ran.
	if latest, err := s.jobRepo.Get(ctx, job.ID); err == nil && latest.State == models.JobStateCancelled {
		s.unschedule(job.ID)
		logger.Info("Job cancelled", zap.Int("processed_rows", latest.ProcessedRows))
		return latest.State
	}

	now := time.Now().UTC()
	switch {
	case runErr == nil:
		job.State = models.JobStateSucceeded
		job.FinishedAt = &now
		job.LastError = ""
		job.SetProgress(job.TotalRows, job.TotalRows)
		logger.Info("Job succeeded")
	case errors.Is(runErr, context.Canceled):
		// Shutdown interrupted the attempt; keep the job resumable.
		logger.Info("Job interrupted")
		return job.State
	case retry.IsRetryable(runErr) && t.attempt <= s.cfg.MaxRetries:
		job.State = models.JobStatePending
		job.LastError = runErr.Error()
		logger.Warn("Job attempt failed, will retry", zap.Error(runErr))
	default:
		job.State = models.JobStateFailed
		job.FinishedAt = &now
		job.LastError = runErr.Error()
		logger.Error("Job failed", zap.Error(runErr))
	}

	if err := s.jobRepo.Update(ctx, job); err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			if latest, getErr := s.jobRepo.Get(ctx, job.ID); getErr == nil {
				s.unschedule(job.ID)
				return latest.State
			}
		}
		logger.Error("Failed to record job outcome", zap.Error(err))
	}
	if job.State.IsTerminal() {
		s.unschedule(job.ID)
	}
	return job.State
}

// OnRetry records when the queue will try again.
func (t *jobTask) OnRetry(attempt int, err error, next time.Time) {
	s := t.svc
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	job, getErr := s.jobRepo.Get(ctx, t.jobID)
	if getErr != nil || job.State.IsTerminal() {
		return
	}
	next = next.UTC()
	job.NextAttemptAt = &next
	job.LastError = err.Error()
	if updErr := s.jobRepo.Update(ctx, job); updErr != nil && !errors.Is(updErr, apperrors.ErrConflict) {
		s.logger.Error("Failed to record job retry",
			zap.String("job_id", t.jobID.String()),
			zap.Int("attempt", attempt),
			zap.Error(updErr))
	}
}

func decodeJobResult(job *models.Job) *JobResult {
	res := &JobResult{}
	if len(job.Result) > 0 {
		_ = json.Unmarshal(job.Result, res)
	}
	return res
}

func storeJobResult(job *models.Job, res *JobResult) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to encode job result: %w", err)
	}
	job.Result = data
	return nil
}

// runImport imports the payload in batches of cfg.BatchSize, one orchestrated
// operation per batch, and checks for cancellation between batches. Rows of
// a batch committed before a cancel stay imported and are counted.
func (s *jobService) runImport(ctx context.Context, job *models.Job) error {
	var p ImportJobPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return apperrors.Validation("invalid import payload: %v", err)
	}
	res := decodeJobResult(job)
	total := len(p.Rows)

	for done := job.ProcessedRows; done < total; {
		if err := ctx.Err(); err != nil {
			return err
		}
		latest, err := s.jobRepo.Get(ctx, job.ID)
		if err != nil {
			return fmt.Errorf("failed to reload job: %w", err)
		}
		if latest.State == models.JobStateCancelled {
			return errJobCancelled
		}
		end := min(done+s.cfg.BatchSize, total)

		op, err := s.corrections.ImportRows(ctx, job.ProjectID, p.Rows[done:end], WriteOptions{Tag: p.Tag})
		if err != nil {
			return err
		}
		if op.BatchID != nil {
			res.BatchIDs = append(res.BatchIDs, *op.BatchID)
		}
		res.VersionID = op.VersionID
		res.RowsChanged += op.RowsChanged

		done = end
		job.SetProgress(done, total)
		if err := storeJobResult(job, res); err != nil {
			return err
		}
		if err := s.recordProgress(ctx, job); err != nil {
			return err
		}
	}
	return nil
}

// recordProgress stores the progress of a committed batch. The batch is
// committed even when the task context was cancelled meanwhile, so the write
// ignores cancellation. If the job was cancelled, the progress goes onto the
// cancelled record and errJobCancelled is returned.
func (s *jobService) recordProgress(ctx context.Context, job *models.Job) error {
	ctx = context.WithoutCancel(ctx)
	err := s.jobRepo.Update(ctx, job)
	if err == nil {
		return nil
	}
	if !errors.Is(err, apperrors.ErrConflict) {
		return fmt.Errorf("failed to record import progress: %w", err)
	}

	latest, getErr := s.jobRepo.Get(ctx, job.ID)
	if getErr != nil {
		return fmt.Errorf("failed to reload job: %w", getErr)
	}
	if latest.State != models.JobStateCancelled {
		return fmt.Errorf("failed to record import progress: %w", err)
	}
	latest.ProcessedRows = job.ProcessedRows
	latest.TotalRows = job.TotalRows
	latest.Percent = job.Percent
	latest.Result = job.Result
	if err := s.jobRepo.Update(ctx, latest); err != nil {
		return fmt.Errorf("failed to record import progress: %w", err)
	}
	return errJobCancelled
}

func (s *jobService) runOptimize(ctx context.Context, job *models.Job) error {
	var p OptimizeJobPayload
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return apperrors.Validation("invalid optimize payload: %v", err)
		}
	}

	res := &JobResult{}
	if p.Apply {
		op, run, err := s.optimizations.Apply(ctx, job.ProjectID, p.Request, WriteOptions{Tag: p.Tag})
		if err != nil {
			return err
		}
		res.Optimization = run
		res.RowsChanged = op.RowsChanged
		res.VersionID = op.VersionID
		res.Messages = op.Messages
		if op.BatchID != nil {
			res.BatchIDs = []uuid.UUID{*op.BatchID}
		}
	} else {
		run, err := s.optimizations.Run(ctx, job.ProjectID, p.Request)
		if err != nil {
			return err
		}
		res.Optimization = run
		res.Messages = run.Messages
	}
	return storeJobResult(job, res)
}

func (s *jobService) runDriftApply(ctx context.Context, job *models.Job) error {
	var p DriftApplyJobPayload
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return apperrors.Validation("invalid drift payload: %v", err)
		}
	}
	op, err := s.drifts.Apply(ctx, job.ProjectID, p.Config, WriteOptions{Tag: p.Tag})
	if err != nil {
		return err
	}
	res := &JobResult{RowsChanged: op.RowsChanged, VersionID: op.VersionID, Messages: op.Messages}
	if op.BatchID != nil {
		res.BatchIDs = []uuid.UUID{*op.BatchID}
	}
	return storeJobResult(job, res)
}
