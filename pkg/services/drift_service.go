package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/assay-engine/pkg/analysis/drift"
	"github.com/ekaya-inc/assay-engine/pkg/config"
	"github.com/ekaya-inc/assay-engine/pkg/models"
	"github.com/ekaya-inc/assay-engine/pkg/repositories"
)

// DriftService analyzes instrument drift and persists corrections through
// the correction service.
type DriftService interface {
	Analyze(ctx context.Context, projectID uuid.UUID, cfg drift.Config) (*drift.Analysis, error)
	Apply(ctx context.Context, projectID uuid.UUID, cfg drift.Config, opts WriteOptions) (*OperationResult, error)
	AdjustSlope(ctx context.Context, projectID uuid.UUID, cfg drift.Config, req drift.SlopeRequest) (*drift.SlopeAdjustment, error)
	ApplySlope(ctx context.Context, projectID uuid.UUID, cfg drift.Config, req drift.SlopeRequest, opts WriteOptions) (*OperationResult, error)
}

type driftService struct {
	projectRepo repositories.ProjectRepository
	rowRepo     repositories.RowRepository
	corrections CorrectionService
	defaults    config.DriftConfig
	logger      *zap.Logger
}

// NewDriftService creates a drift service.
func NewDriftService(
	projectRepo repositories.ProjectRepository,
	rowRepo repositories.RowRepository,
	corrections CorrectionService,
	defaults config.DriftConfig,
	logger *zap.Logger,
) DriftService {
	return &driftService{
		projectRepo: projectRepo,
		rowRepo:     rowRepo,
		corrections: corrections,
		defaults:    defaults,
		logger:      logger.Named("drift-service"),
	}
}

var _ DriftService = (*driftService)(nil)

func (s *driftService) withDefaults(cfg drift.Config) drift.Config {
	if cfg.BasePattern == "" && cfg.ConePattern == "" {
		cfg.BasePattern = s.defaults.BasePattern
		cfg.ConePattern = s.defaults.ConePattern
	}
	if cfg.Method == "" {
		cfg.Method = drift.Method(s.defaults.Method)
	}
	if cfg.PolynomialDegree == 0 {
		cfg.PolynomialDegree = s.defaults.PolynomialDegree
	}
	return cfg
}

func (s *driftService) slopeDefaults(req drift.SlopeRequest) drift.SlopeRequest {
	if req.Step == 0 {
		req.Step = s.defaults.SlopeStep
	}
	return req
}

func (s *driftService) Analyze(ctx context.Context, projectID uuid.UUID, cfg drift.Config) (*drift.Analysis, error) {
	rows, err := loadProjectRows(ctx, s.projectRepo, s.rowRepo, projectID)
	if err != nil {
		return nil, err
	}
	analysis, err := drift.Analyze(rows, s.withDefaults(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to analyze drift: %w", err)
	}
	return analysis, nil
}

// Apply re-runs the analysis on the locked working rows, so the corrections
// match exactly what is persisted.
func (s *driftService) Apply(ctx context.Context, projectID uuid.UUID, cfg drift.Config, opts WriteOptions) (*OperationResult, error) {
	cfg = s.withDefaults(cfg)
	result, err := s.corrections.Apply(ctx, projectID, models.ChangeKindDrift, opts, func(cs *ChangeSet) error {
		analysis, err := drift.Analyze(cs.Rows(), cfg)
		if err != nil {
			return err
		}
		for _, m := range analysis.Messages {
			cs.Note("%s", m)
		}
		for _, c := range analysis.Corrections {
			if c.After == c.Before {
				continue
			}
			if err := cs.Set(c.RowID, c.Element, models.Number(c.After)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return result, err
	}

	s.logger.Info("Applied drift correction",
		zap.String("project_id", projectID.String()),
		zap.String("method", string(cfg.Method)),
		zap.Int("rows_changed", result.RowsChanged))
	return result, nil
}

func (s *driftService) AdjustSlope(ctx context.Context, projectID uuid.UUID, cfg drift.Config, req drift.SlopeRequest) (*drift.SlopeAdjustment, error) {
	rows, err := loadProjectRows(ctx, s.projectRepo, s.rowRepo, projectID)
	if err != nil {
		return nil, err
	}
	adj, err := drift.AdjustSlope(rows, s.withDefaults(cfg), s.slopeDefaults(req))
	if err != nil {
		return nil, fmt.Errorf("failed to adjust slope: %w", err)
	}
	return adj, nil
}

// ApplySlope persists the preview of a slope edit.
func (s *driftService) ApplySlope(ctx context.Context, projectID uuid.UUID, cfg drift.Config, req drift.SlopeRequest, opts WriteOptions) (*OperationResult, error) {
	cfg = s.withDefaults(cfg)
	req = s.slopeDefaults(req)
	result, err := s.corrections.Apply(ctx, projectID, models.ChangeKindDrift, opts, func(cs *ChangeSet) error {
		adj, err := drift.AdjustSlope(cs.Rows(), cfg, req)
		if err != nil {
			return err
		}
		for _, m := range adj.Messages {
			cs.Note("%s", m)
		}
		cs.Note("%s slope %g -> %g", adj.Element, adj.PreviousSlope, adj.NewSlope)
		for _, p := range adj.Preview {
			if err := cs.Set(p.RowID, p.Element, models.Number(p.After)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return result, err
	}

	s.logger.Info("Applied slope adjustment",
		zap.String("project_id", projectID.String()),
		zap.String("element", req.Element),
		zap.String("action", string(req.Action)))
	return result, nil
}
