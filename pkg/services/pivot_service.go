package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/assay-engine/pkg/analysis/pivot"
	"github.com/ekaya-inc/assay-engine/pkg/config"
	"github.com/ekaya-inc/assay-engine/pkg/models"
	"github.com/ekaya-inc/assay-engine/pkg/repositories"
)

// PivotService builds read-only pivot views over a project's rows.
type PivotService interface {
	Pivot(ctx context.Context, projectID uuid.UUID, cfg pivot.Config) (*pivot.Page, error)
	FindDuplicates(ctx context.Context, projectID uuid.UUID, cfg pivot.DuplicateConfig) (*pivot.DuplicateReport, error)
}

type pivotService struct {
	projectRepo repositories.ProjectRepository
	rowRepo     repositories.RowRepository
	defaults    config.PivotConfig
	logger      *zap.Logger
}

// NewPivotService creates a pivot service. defaults fill request fields
// left at their zero value.
func NewPivotService(projectRepo repositories.ProjectRepository, rowRepo repositories.RowRepository, defaults config.PivotConfig, logger *zap.Logger) PivotService {
	return &pivotService{
		projectRepo: projectRepo,
		rowRepo:     rowRepo,
		defaults:    defaults,
		logger:      logger.Named("pivot-service"),
	}
}

var _ PivotService = (*pivotService)(nil)

func (s *pivotService) Pivot(ctx context.Context, projectID uuid.UUID, cfg pivot.Config) (*pivot.Page, error) {
	if cfg.PageSize == 0 {
		cfg.PageSize = s.defaults.PageSize
	}
	if cfg.Precision == nil && s.defaults.Precision >= 0 {
		p := s.defaults.Precision
		cfg.Precision = &p
	}
	if cfg.RepeatPattern == "" {
		cfg.RepeatPattern = s.defaults.RepeatPattern
	}

	rows, err := loadProjectRows(ctx, s.projectRepo, s.rowRepo, projectID)
	if err != nil {
		return nil, err
	}
	page, err := pivot.Build(rows, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build pivot: %w", err)
	}

	s.logger.Debug("Built pivot",
		zap.String("project_id", projectID.String()),
		zap.Int("total", page.Total),
		zap.Int("page", page.Page))
	return page, nil
}

func (s *pivotService) FindDuplicates(ctx context.Context, projectID uuid.UUID, cfg pivot.DuplicateConfig) (*pivot.DuplicateReport, error) {
	if cfg.ThresholdPercent == 0 {
		cfg.ThresholdPercent = s.defaults.DuplicateThreshold
	}
	if len(cfg.Patterns) == 0 {
		cfg.Patterns = config.SplitList(s.defaults.DuplicatePatterns, ";")
	}

	rows, err := loadProjectRows(ctx, s.projectRepo, s.rowRepo, projectID)
	if err != nil {
		return nil, err
	}
	report, err := pivot.FindDuplicates(rows, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to find duplicates: %w", err)
	}
	return report, nil
}

// loadProjectRows returns a project's rows, ErrNotFound for an unknown project.
func loadProjectRows(ctx context.Context, projectRepo repositories.ProjectRepository, rowRepo repositories.RowRepository, projectID uuid.UUID) ([]*models.Row, error) {
	if _, err := projectRepo.Get(ctx, projectID); err != nil {
		return nil, fmt.Errorf("failed to get project %s: %w", projectID, err)
	}
	rows, err := rowRepo.GetRows(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load rows: %w", err)
	}
	return rows, nil
}
