package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/assay-engine/pkg/analysis/optimizer"
	"github.com/ekaya-inc/assay-engine/pkg/apperrors"
	"github.com/ekaya-inc/assay-engine/pkg/database"
	"github.com/ekaya-inc/assay-engine/pkg/metrics"
	"github.com/ekaya-inc/assay-engine/pkg/models"
	"github.com/ekaya-inc/assay-engine/pkg/projectlock"
	"github.com/ekaya-inc/assay-engine/pkg/repositories"
)

// OperationResult summarizes one orchestrated mutation.
type OperationResult struct {
	Kind           models.ChangeKind `json:"kind"`
	Success        bool              `json:"success"`
	Messages       []string          `json:"messages,omitempty"`
	BatchID        *uuid.UUID        `json:"batch_id,omitempty"`
	VersionID      *uuid.UUID        `json:"version_id,omitempty"`
	RowsConsidered int               `json:"rows_considered"`
	RowsChanged    int               `json:"rows_changed"`
	Details        []RowChange       `json:"details,omitempty"`
}

// WriteOptions apply to every mutating operation.
type WriteOptions struct {
	// ExpectedVersionID fails the operation with ErrConflict unless it names
	// the active snapshot.
	ExpectedVersionID *uuid.UUID
	// Tag labels the snapshot the operation creates.
	Tag string
}

// ImportRow is one row to ingest.
type ImportRow struct {
	Label   string         `json:"label"`
	Columns models.Columns `json:"columns"`
}

// FieldCorrection sets a metadata value on one row. The row is addressed by
// RowID, or by Label with Position to disambiguate repeated labels.
type FieldCorrection struct {
	RowID    *uuid.UUID `json:"row_id,omitempty"`
	Label    string     `json:"label,omitempty"`
	Position *int       `json:"position,omitempty"`
	Value    float64    `json:"value"`
}

// FieldCorrectionRequest corrects Weight, Volume or DF on a set of rows.
type FieldCorrectionRequest struct {
	Column string            `json:"column"`
	Items  []FieldCorrection `json:"items"`
}

// CorrectionService is the single write path for project rows. Every
// mutation runs under the project lock in one transaction that writes the
// rows, appends a change batch and activates a snapshot.
type CorrectionService interface {
	// Apply runs mutate against the project's working rows and persists the
	// difference as one batch of the given kind.
	Apply(ctx context.Context, projectID uuid.UUID, kind models.ChangeKind, opts WriteOptions, mutate func(*ChangeSet) error) (*OperationResult, error)

	ImportRows(ctx context.Context, projectID uuid.UUID, rows []ImportRow, opts WriteOptions) (*OperationResult, error)
	ApplyFieldCorrection(ctx context.Context, projectID uuid.UUID, req FieldCorrectionRequest, opts WriteOptions) (*OperationResult, error)
	DeleteRows(ctx context.Context, projectID uuid.UUID, rowIDs []uuid.UUID, opts WriteOptions) (*OperationResult, error)
	// ApplyBlankScale rewrites element values as (raw - blank) * scale. kind
	// is blank_scale for operator parameters or optimization for searched ones.
	ApplyBlankScale(ctx context.Context, projectID uuid.UUID, kind models.ChangeKind, params map[string]optimizer.Params, opts WriteOptions) (*OperationResult, error)

	// Undo reverts the most recent batch that is neither an undo nor already
	// reverted, and re-activates the snapshot that preceded it.
	Undo(ctx context.Context, projectID uuid.UUID, opts WriteOptions) (*OperationResult, error)
	// Checkout restores rows from any snapshot and activates it.
	Checkout(ctx context.Context, projectID, versionID uuid.UUID, opts WriteOptions) (*OperationResult, error)

	ListVersions(ctx context.Context, projectID uuid.UUID) ([]*models.VersionSnapshot, error)
	GetVersion(ctx context.Context, projectID, versionID uuid.UUID) (*models.VersionSnapshot, error)
	ListBatches(ctx context.Context, projectID uuid.UUID, limit int) ([]*models.ChangeBatch, error)
	GetBatch(ctx context.Context, projectID, batchID uuid.UUID) (*models.ChangeBatch, error)

	FindEmptyRows(ctx context.Context, projectID uuid.UUID, cfg EmptyRowConfig) (*EmptyRowReport, error)
}

type correctionService struct {
	projectRepo   repositories.ProjectRepository
	rowRepo       repositories.RowRepository
	versionRepo   repositories.VersionRepository
	changeLogRepo repositories.ChangeLogRepository
	tx            database.TxRunner
	locker        projectlock.Locker
	logger        *zap.Logger
}

// NewCorrectionService creates the orchestrator.
func NewCorrectionService(
	projectRepo repositories.ProjectRepository,
	rowRepo repositories.RowRepository,
	versionRepo repositories.VersionRepository,
	changeLogRepo repositories.ChangeLogRepository,
	tx database.TxRunner,
	locker projectlock.Locker,
	logger *zap.Logger,
) CorrectionService {
	return &correctionService{
		projectRepo:   projectRepo,
		rowRepo:       rowRepo,
		versionRepo:   versionRepo,
		changeLogRepo: changeLogRepo,
		tx:            tx,
		locker:        locker,
		logger:        logger.Named("correction-service"),
	}
}

var _ CorrectionService = (*correctionService)(nil)

// opState is what a step sees inside the transaction.
type opState struct {
	active  *models.VersionSnapshot
	changes *ChangeSet
	// activate re-activates an existing snapshot instead of creating one.
	activate       *models.VersionSnapshot
	revertsBatchID *uuid.UUID
}

type step func(ctx context.Context, op *opState) error

func (s *correctionService) Apply(ctx context.Context, projectID uuid.UUID, kind models.ChangeKind, opts WriteOptions, mutate func(*ChangeSet) error) (*OperationResult, error) {
	if !kind.IsValid() {
		return &OperationResult{Kind: kind}, apperrors.Validation("unknown change kind %q", kind)
	}
	return s.execute(ctx, projectID, kind, opts, func(_ context.Context, op *opState) error {
		return mutate(op.changes)
	})
}

// execute is the orchestration pipeline shared by every mutation.
func (s *correctionService) execute(ctx context.Context, projectID uuid.UUID, kind models.ChangeKind, opts WriteOptions, fn step) (*OperationResult, error) {
	start := time.Now()
	result := &OperationResult{Kind: kind}

	fail := func(err error) (*OperationResult, error) {
		s.logger.Error("Operation failed",
			zap.String("project_id", projectID.String()),
			zap.String("kind", string(kind)),
			zap.Error(err))
		metrics.ObserveOperation(string(kind), start, 0, err)
		result.Success = false
		result.Messages = append(result.Messages, err.Error())
		return result, err
	}

	if _, err := s.projectRepo.Get(ctx, projectID); err != nil {
		return fail(fmt.Errorf("failed to get project %s: %w", projectID, err))
	}

	lockStart := time.Now()
	release, err := s.locker.Lock(ctx, projectID)
	if err != nil {
		return fail(fmt.Errorf("failed to lock project: %w", err))
	}
	defer release()
	metrics.ObserveLockWait(time.Since(lockStart))

	var committed OperationResult
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		committed = OperationResult{Kind: kind}

		active, err := s.versionRepo.GetActive(ctx, projectID)
		if err != nil {
			if !errors.Is(err, apperrors.ErrNotFound) {
				return fmt.Errorf("failed to get active version: %w", err)
			}
			active = nil
		}
		if opts.ExpectedVersionID != nil && (active == nil || active.ID != *opts.ExpectedVersionID) {
			return fmt.Errorf("expected active version %s, found %s: %w",
				*opts.ExpectedVersionID, versionName(active), apperrors.ErrConflict)
		}

		rows, err := s.rowRepo.GetRows(ctx, projectID)
		if err != nil {
			return fmt.Errorf("failed to load rows: %w", err)
		}
		op := &opState{active: active, changes: newChangeSet(projectID, rows)}
		if err := fn(ctx, op); err != nil {
			return err
		}
		committed.RowsConsidered = len(rows)
		committed.Messages = op.changes.messages

		activating := op.activate != nil && (active == nil || op.activate.ID != active.ID)
		if op.changes.Empty() && !activating {
			committed.Messages = append(committed.Messages, "no changes")
			return nil
		}

		ch, err := op.changes.collect()
		if err != nil {
			return err
		}
		if op.activate != nil {
			// Undo and checkout restore a whole snapshot.
			if err := s.rowRepo.ReplaceRows(ctx, projectID, ch.rows); err != nil {
				return fmt.Errorf("failed to restore rows: %w", err)
			}
		} else {
			if err := s.rowRepo.WriteRows(ctx, projectID, ch.write); err != nil {
				return fmt.Errorf("failed to write rows: %w", err)
			}
			if len(ch.remove) > 0 {
				if _, err := s.rowRepo.DeleteRows(ctx, projectID, ch.remove); err != nil {
					return fmt.Errorf("failed to delete rows: %w", err)
				}
			}
		}

		batchID := uuid.New()
		var previousID *uuid.UUID
		if active != nil {
			id := active.ID
			previousID = &id
		}

		version := op.activate
		if version == nil {
			data, err := models.EncodeSnapshotRows(ch.rows)
			if err != nil {
				return err
			}
			version = &models.VersionSnapshot{
				ProjectID: projectID,
				ParentID:  previousID,
				Tag:       snapshotTag(kind, opts.Tag),
				BatchID:   &batchID,
				RowCount:  len(ch.rows),
				Data:      data,
				CreatedAt: time.Now().UTC(),
			}
			if err := s.versionRepo.Create(ctx, version); err != nil {
				return fmt.Errorf("failed to create version: %w", err)
			}
		}
		if err := s.versionRepo.SetActive(ctx, projectID, version.ID); err != nil {
			return fmt.Errorf("failed to activate version %s: %w", version.ID, err)
		}

		prov := models.ProvenanceOrDefault(ctx)
		batch := &models.ChangeBatch{
			ID:                batchID,
			ProjectID:         projectID,
			Kind:              kind,
			Actor:             prov.Actor,
			Source:            prov.Source,
			VersionID:         version.ID,
			PreviousVersionID: previousID,
			RevertsBatchID:    op.revertsBatchID,
			Entries:           ch.entries,
		}
		if err := s.changeLogRepo.AppendBatch(ctx, batch); err != nil {
			return fmt.Errorf("failed to append change batch: %w", err)
		}

		versionID := version.ID
		committed.BatchID = &batchID
		committed.VersionID = &versionID
		committed.RowsChanged = len(ch.details)
		committed.Details = ch.details
		return nil
	})
	if err != nil {
		return fail(err)
	}

	*result = committed
	result.Success = true
	metrics.ObserveOperation(string(kind), start, result.RowsChanged, nil)

	fields := []zap.Field{
		zap.String("project_id", projectID.String()),
		zap.String("kind", string(kind)),
		zap.Int("rows_considered", result.RowsConsidered),
		zap.Int("rows_changed", result.RowsChanged),
	}
	if result.BatchID != nil {
		fields = append(fields,
			zap.String("batch_id", result.BatchID.String()),
			zap.String("version_id", result.VersionID.String()))
	}
	s.logger.Info("Operation committed", fields...)
	return result, nil
}

func versionName(v *models.VersionSnapshot) string {
	if v == nil {
		return "none"
	}
	return v.ID.String()
}

func snapshotTag(kind models.ChangeKind, tag string) string {
	if tag = strings.TrimSpace(tag); tag != "" {
		return tag
	}
	return string(kind)
}

func (s *correctionService) ImportRows(ctx context.Context, projectID uuid.UUID, rows []ImportRow, opts WriteOptions) (*OperationResult, error) {
	if len(rows) == 0 {
		return &OperationResult{Kind: models.ChangeKindImport}, apperrors.Validation("no rows to import")
	}
	for i, r := range rows {
		if strings.TrimSpace(r.Label) == "" {
			return &OperationResult{Kind: models.ChangeKindImport}, apperrors.Validation("row %d has no label", i)
		}
	}

	return s.execute(ctx, projectID, models.ChangeKindImport, opts, func(ctx context.Context, op *opState) error {
		next, err := s.rowRepo.MaxPosition(ctx, projectID)
		if err != nil {
			return fmt.Errorf("failed to read max position: %w", err)
		}
		for _, in := range rows {
			next++
			cols := in.Columns.Clone()
			if _, err := op.changes.Insert(&models.Row{
				Label:    strings.TrimSpace(in.Label),
				Position: next,
				Columns:  cols,
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// correctionKinds maps the correctable metadata columns to their change kind.
var correctionKinds = map[string]models.ChangeKind{
	strings.ToLower(models.ColumnWeight): models.ChangeKindWeight,
	strings.ToLower(models.ColumnVolume): models.ChangeKindVolume,
	strings.ToLower(models.ColumnDF):     models.ChangeKindDF,
}

var canonicalColumns = map[string]string{
	strings.ToLower(models.ColumnWeight): models.ColumnWeight,
	strings.ToLower(models.ColumnVolume): models.ColumnVolume,
	strings.ToLower(models.ColumnDF):     models.ColumnDF,
}

// ApplyFieldCorrection sets Weight, Volume or DF and rescales every element
// column of the row by new/old, so the concentration stays consistent with
// its denominator.
func (s *correctionService) ApplyFieldCorrection(ctx context.Context, projectID uuid.UUID, req FieldCorrectionRequest, opts WriteOptions) (*OperationResult, error) {
	key := strings.ToLower(strings.TrimSpace(req.Column))
	kind, ok := correctionKinds[key]
	if !ok {
		return &OperationResult{}, apperrors.Validation("column %q is not correctable; use Weight, Volume or DF", req.Column)
	}
	column := canonicalColumns[key]
	if len(req.Items) == 0 {
		return &OperationResult{Kind: kind}, apperrors.Validation("no corrections given")
	}
	for _, item := range req.Items {
		if item.Value <= 0 {
			return &OperationResult{Kind: kind}, apperrors.Validation("%s must be positive, got %v", column, item.Value)
		}
	}

	return s.execute(ctx, projectID, kind, opts, func(_ context.Context, op *opState) error {
		for _, item := range req.Items {
			row, err := findRow(op.changes, item)
			if err != nil {
				return err
			}
			old, hasOld := row.Number(column)
			if hasOld && old == item.Value {
				continue
			}
			if !hasOld || old == 0 {
				op.changes.Note("%s @%d had no previous %s; element values left unchanged", row.Label, row.Position, column)
			} else {
				ratio := item.Value / old
				for _, el := range row.ElementColumns() {
					v, _ := row.Number(el)
					row.Columns.Set(el, models.Number(v*ratio))
				}
			}
			row.Columns.Set(column, models.Number(item.Value))
		}
		return nil
	})
}

// findRow resolves a correction target in the working set.
func findRow(cs *ChangeSet, item FieldCorrection) (*models.Row, error) {
	if item.RowID != nil {
		row := cs.Row(*item.RowID)
		if row == nil {
			return nil, fmt.Errorf("row %s: %w", *item.RowID, apperrors.ErrNotFound)
		}
		return row, nil
	}

	label := strings.TrimSpace(item.Label)
	if label == "" {
		return nil, apperrors.Validation("correction needs a row id or a label")
	}
	var matches []*models.Row
	for _, r := range cs.Rows() {
		if !strings.EqualFold(r.Label, label) {
			continue
		}
		if item.Position != nil && r.Position != *item.Position {
			continue
		}
		matches = append(matches, r)
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("row %q: %w", label, apperrors.ErrNotFound)
	case 1:
		return matches[0], nil
	}
	return nil, apperrors.Validation("label %q matches %d rows; give a position or row id", label, len(matches))
}

func (s *correctionService) DeleteRows(ctx context.Context, projectID uuid.UUID, rowIDs []uuid.UUID, opts WriteOptions) (*OperationResult, error) {
	if len(rowIDs) == 0 {
		return &OperationResult{Kind: models.ChangeKindDeleteRows}, apperrors.Validation("no rows to delete")
	}
	return s.execute(ctx, projectID, models.ChangeKindDeleteRows, opts, func(_ context.Context, op *opState) error {
		for _, id := range rowIDs {
			if !op.changes.Delete(id) {
				op.changes.Note("row %s not found", id)
			}
		}
		return nil
	})
}

func (s *correctionService) ApplyBlankScale(ctx context.Context, projectID uuid.UUID, kind models.ChangeKind, params map[string]optimizer.Params, opts WriteOptions) (*OperationResult, error) {
	if kind != models.ChangeKindBlankScale && kind != models.ChangeKindOptimization {
		return &OperationResult{Kind: kind}, apperrors.Validation("kind %q is not a blank/scale kind", kind)
	}
	if len(params) == 0 {
		return &OperationResult{Kind: kind}, apperrors.Validation("no element parameters given")
	}
	return s.execute(ctx, projectID, kind, opts, func(_ context.Context, op *opState) error {
		adjustments, err := optimizer.Plan(op.changes.Rows(), params)
		if err != nil {
			return err
		}
		for _, a := range adjustments {
			if err := op.changes.Set(a.RowID, a.Element, models.Number(a.After)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *correctionService) Undo(ctx context.Context, projectID uuid.UUID, opts WriteOptions) (*OperationResult, error) {
	return s.execute(ctx, projectID, models.ChangeKindUndo, opts, func(ctx context.Context, op *opState) error {
		batch, err := s.changeLogRepo.LatestRevertible(ctx, projectID)
		if err != nil {
			if errors.Is(err, apperrors.ErrNotFound) {
				return fmt.Errorf("nothing to undo: %w", apperrors.ErrNotFound)
			}
			return fmt.Errorf("failed to find batch to undo: %w", err)
		}
		if batch.PreviousVersionID == nil {
			return fmt.Errorf("%s batch %s created the first version and cannot be undone: %w",
				batch.Kind, batch.ID, apperrors.ErrConflict)
		}
		if op.active == nil || op.active.ID != batch.VersionID {
			return fmt.Errorf("%s batch %s produced version %s but %s is active: %w",
				batch.Kind, batch.ID, batch.VersionID, versionName(op.active), apperrors.ErrConflict)
		}
		parent, err := s.versionRepo.Get(ctx, projectID, *batch.PreviousVersionID)
		if err != nil {
			return fmt.Errorf("failed to get version %s: %w", *batch.PreviousVersionID, err)
		}

		for i := len(batch.Entries) - 1; i >= 0; i-- {
			if err := op.changes.revert(batch.Entries[i]); err != nil {
				return err
			}
		}
		op.activate = parent
		op.revertsBatchID = &batch.ID
		op.changes.Note("reverted %s batch %s", batch.Kind, batch.ID)
		return nil
	})
}

func (s *correctionService) Checkout(ctx context.Context, projectID, versionID uuid.UUID, opts WriteOptions) (*OperationResult, error) {
	return s.execute(ctx, projectID, models.ChangeKindCheckout, opts, func(ctx context.Context, op *opState) error {
		target, err := s.versionRepo.Get(ctx, projectID, versionID)
		if err != nil {
			return fmt.Errorf("failed to get version %s: %w", versionID, err)
		}
		if op.active != nil && op.active.ID == target.ID {
			op.changes.Note("version %d is already active", target.Version)
			return nil
		}
		rows, err := models.DecodeSnapshotRows(target.Data)
		if err != nil {
			return err
		}

		keep := make(map[uuid.UUID]bool, len(rows))
		for _, r := range rows {
			keep[r.ID] = true
		}
		for _, r := range op.changes.Rows() {
			if !keep[r.ID] {
				op.changes.Delete(r.ID)
			}
		}
		for _, r := range rows {
			op.changes.Replace(r)
		}
		op.activate = target
		return nil
	})
}

func (s *correctionService) ListVersions(ctx context.Context, projectID uuid.UUID) ([]*models.VersionSnapshot, error) {
	versions, err := s.versionRepo.List(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}
	return versions, nil
}

func (s *correctionService) GetVersion(ctx context.Context, projectID, versionID uuid.UUID) (*models.VersionSnapshot, error) {
	v, err := s.versionRepo.Get(ctx, projectID, versionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get version %s: %w", versionID, err)
	}
	return v, nil
}

func (s *correctionService) ListBatches(ctx context.Context, projectID uuid.UUID, limit int) ([]*models.ChangeBatch, error) {
	batches, err := s.changeLogRepo.ListBatches(ctx, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list change batches: %w", err)
	}
	return batches, nil
}

func (s *correctionService) GetBatch(ctx context.Context, projectID, batchID uuid.UUID) (*models.ChangeBatch, error) {
	b, err := s.changeLogRepo.GetBatch(ctx, projectID, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to get change batch %s: %w", batchID, err)
	}
	return b, nil
}
