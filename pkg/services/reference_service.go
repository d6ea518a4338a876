package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/assay-engine/pkg/analysis/crm"
	"github.com/ekaya-inc/assay-engine/pkg/apperrors"
	"github.com/ekaya-inc/assay-engine/pkg/config"
	"github.com/ekaya-inc/assay-engine/pkg/models"
	"github.com/ekaya-inc/assay-engine/pkg/repositories"
)

// ReferenceService compares reference rows against the certified library
// and manages operator pins for ambiguous matches.
type ReferenceService interface {
	Compare(ctx context.Context, projectID uuid.UUID, cfg crm.CompareConfig) (*crm.Report, error)
	CheckWeights(ctx context.Context, projectID uuid.UUID, cfg crm.WeightConfig) ([]crm.WeightResult, error)
	FindBadWeights(ctx context.Context, projectID uuid.UUID, cfg crm.WeightConfig) ([]crm.WeightResult, error)

	// PinSelection makes the row (label, position) compare against the
	// record with recordKey (ID|Method).
	PinSelection(ctx context.Context, projectID uuid.UUID, label string, position int, recordKey string) (*models.CrmSelection, error)
	UnpinSelection(ctx context.Context, projectID uuid.UUID, label string, position int) error
	ListSelections(ctx context.Context, projectID uuid.UUID) ([]*models.CrmSelection, error)

	ListAnalysisMethods(ctx context.Context) ([]string, error)
	UpsertReference(ctx context.Context, material *models.ReferenceMaterial) error
	ListReferences(ctx context.Context) ([]*models.ReferenceMaterial, error)

	// Matcher exposes the configured label matcher to other services.
	Matcher() *crm.Matcher
}

type referenceService struct {
	projectRepo   repositories.ProjectRepository
	rowRepo       repositories.RowRepository
	referenceRepo repositories.ReferenceRepository
	selectionRepo repositories.CrmSelectionRepository
	matcher       *crm.Matcher
	defaults      config.CRMConfig
	logger        *zap.Logger
}

// NewReferenceService creates a reference service. The configured label
// patterns are compiled once here.
func NewReferenceService(
	projectRepo repositories.ProjectRepository,
	rowRepo repositories.RowRepository,
	referenceRepo repositories.ReferenceRepository,
	selectionRepo repositories.CrmSelectionRepository,
	defaults config.CRMConfig,
	logger *zap.Logger,
) (ReferenceService, error) {
	matcher, err := crm.NewMatcher(config.SplitList(defaults.Patterns, ";"))
	if err != nil {
		return nil, fmt.Errorf("failed to compile reference patterns: %w", err)
	}
	return &referenceService{
		projectRepo:   projectRepo,
		rowRepo:       rowRepo,
		referenceRepo: referenceRepo,
		selectionRepo: selectionRepo,
		matcher:       matcher,
		defaults:      defaults,
		logger:        logger.Named("reference-service"),
	}, nil
}

var _ ReferenceService = (*referenceService)(nil)

func (s *referenceService) Matcher() *crm.Matcher {
	return s.matcher
}

// defaultBand is the configured band, used when a request leaves it unset.
func (s *referenceService) defaultBand(b crm.Band) crm.Band {
	if b.Min == 0 && b.Max == 0 {
		return crm.Band{
			Min:           s.defaults.MinDiffPercent,
			Max:           s.defaults.MaxDiffPercent,
			WarningMargin: s.defaults.WarningMarginPercent,
		}
	}
	return b
}

func (s *referenceService) Compare(ctx context.Context, projectID uuid.UUID, cfg crm.CompareConfig) (*crm.Report, error) {
	cfg.Band = s.defaultBand(cfg.Band)
	if len(cfg.PreferredMethods) == 0 {
		cfg.PreferredMethods = config.SplitList(s.defaults.PreferredMethods, ",")
	}

	rows, err := loadProjectRows(ctx, s.projectRepo, s.rowRepo, projectID)
	if err != nil {
		return nil, err
	}
	selections, err := s.selectionRepo.List(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list reference selections: %w", err)
	}

	report, err := s.matcher.Compare(ctx, rows, s.referenceRepo, crm.PinsFrom(selections), cfg)
	if err != nil {
		s.logger.Error("Reference comparison failed",
			zap.String("project_id", projectID.String()),
			zap.Error(err))
		return nil, fmt.Errorf("failed to compare references: %w", err)
	}

	s.logger.Debug("Compared reference rows",
		zap.String("project_id", projectID.String()),
		zap.Int("candidates", report.Summary.Candidates),
		zap.Int("ambiguous", report.Summary.Ambiguous))
	return report, nil
}

func (s *referenceService) weightDefaults(cfg crm.WeightConfig) crm.WeightConfig {
	if cfg.TolerancePercent == 0 && (cfg.Min == nil || cfg.Max == nil) {
		cfg.TolerancePercent = s.defaults.WeightTolerance
	}
	return cfg
}

func (s *referenceService) CheckWeights(ctx context.Context, projectID uuid.UUID, cfg crm.WeightConfig) ([]crm.WeightResult, error) {
	rows, err := loadProjectRows(ctx, s.projectRepo, s.rowRepo, projectID)
	if err != nil {
		return nil, err
	}
	results, err := s.matcher.CheckWeights(rows, s.weightDefaults(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to check weights: %w", err)
	}
	return results, nil
}

func (s *referenceService) FindBadWeights(ctx context.Context, projectID uuid.UUID, cfg crm.WeightConfig) ([]crm.WeightResult, error) {
	rows, err := loadProjectRows(ctx, s.projectRepo, s.rowRepo, projectID)
	if err != nil {
		return nil, err
	}
	results, err := s.matcher.FindBadWeights(rows, s.weightDefaults(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to find bad weights: %w", err)
	}
	return results, nil
}

func (s *referenceService) PinSelection(ctx context.Context, projectID uuid.UUID, label string, position int, recordKey string) (*models.CrmSelection, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return nil, apperrors.Validation("label is required")
	}

	rows, err := loadProjectRows(ctx, s.projectRepo, s.rowRepo, projectID)
	if err != nil {
		return nil, err
	}
	found := false
	for _, r := range rows {
		if r.Label == label && r.Position == position {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("row %q at position %d: %w", label, position, apperrors.ErrNotFound)
	}

	records, err := s.referenceRepo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list references: %w", err)
	}
	known := false
	for _, rec := range records {
		if rec.Key() == recordKey {
			known = true
			break
		}
	}
	if !known {
		return nil, fmt.Errorf("reference record %q: %w", recordKey, apperrors.ErrNotFound)
	}

	sel := &models.CrmSelection{
		ProjectID: projectID,
		Label:     label,
		Position:  position,
		RecordKey: recordKey,
		UpdatedAt: time.Now().UTC(),
	}
	if err := s.selectionRepo.Save(ctx, sel); err != nil {
		return nil, fmt.Errorf("failed to save reference selection: %w", err)
	}

	s.logger.Info("Pinned reference record",
		zap.String("project_id", projectID.String()),
		zap.String("label", label),
		zap.Int("position", position),
		zap.String("record_key", recordKey))
	return sel, nil
}

func (s *referenceService) UnpinSelection(ctx context.Context, projectID uuid.UUID, label string, position int) error {
	if err := s.selectionRepo.Delete(ctx, projectID, label, position); err != nil {
		return fmt.Errorf("failed to delete reference selection: %w", err)
	}
	return nil
}

func (s *referenceService) ListSelections(ctx context.Context, projectID uuid.UUID) ([]*models.CrmSelection, error) {
	sels, err := s.selectionRepo.List(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list reference selections: %w", err)
	}
	return sels, nil
}

func (s *referenceService) ListAnalysisMethods(ctx context.Context) ([]string, error) {
	methods, err := s.referenceRepo.ListAnalysisMethods(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list analysis methods: %w", err)
	}
	return methods, nil
}

func (s *referenceService) UpsertReference(ctx context.Context, material *models.ReferenceMaterial) error {
	material.ID = strings.TrimSpace(material.ID)
	if material.ID == "" {
		return apperrors.Validation("reference id is required")
	}
	if len(material.Values) == 0 {
		return apperrors.Validation("reference %s has no certified values", material.ID)
	}
	if err := s.referenceRepo.Upsert(ctx, material); err != nil {
		return fmt.Errorf("failed to save reference %s: %w", material.Key(), err)
	}
	return nil
}

func (s *referenceService) ListReferences(ctx context.Context) ([]*models.ReferenceMaterial, error) {
	records, err := s.referenceRepo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list references: %w", err)
	}
	return records, nil
}
