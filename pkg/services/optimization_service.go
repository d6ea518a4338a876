package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/assay-engine/pkg/analysis/crm"
	"github.com/ekaya-inc/assay-engine/pkg/analysis/optimizer"
	"github.com/ekaya-inc/assay-engine/pkg/apperrors"
	"github.com/ekaya-inc/assay-engine/pkg/config"
	"github.com/ekaya-inc/assay-engine/pkg/metrics"
	"github.com/ekaya-inc/assay-engine/pkg/models"
	"github.com/ekaya-inc/assay-engine/pkg/repositories"
)

// OptimizeRequest configures a blank/scale search. Zero search settings take
// the configured defaults; a zero band takes the comparison band.
type OptimizeRequest struct {
	Compare crm.CompareConfig `json:"compare"`
	Search  optimizer.Config  `json:"search"`
	// Elements limits the search; empty searches every referenced element.
	Elements []string `json:"elements,omitempty"`
}

// OptimizationRun is a search result and the version it was computed on.
type OptimizationRun struct {
	BaseVersionID *uuid.UUID        `json:"base_version_id,omitempty"`
	Result        *optimizer.Result `json:"result"`
	Messages      []string          `json:"messages,omitempty"`
}

// ElementPreview compares reference agreement before and after parameters.
type ElementPreview struct {
	Element string               `json:"element"`
	Params  optimizer.Params     `json:"params"`
	Before  optimizer.Evaluation `json:"before"`
	After   optimizer.Evaluation `json:"after"`
}

// ManualPreview is the unpersisted outcome of operator parameters.
type ManualPreview struct {
	Elements    []ElementPreview       `json:"elements"`
	Adjustments []optimizer.Adjustment `json:"adjustments"`
	Messages    []string               `json:"messages,omitempty"`
}

// OptimizationService searches and applies blank/scale parameters.
type OptimizationService interface {
	Run(ctx context.Context, projectID uuid.UUID, req OptimizeRequest) (*OptimizationRun, error)
	// Apply runs the search and persists the winners. The write fails with
	// ErrConflict if the project changed while the search ran.
	Apply(ctx context.Context, projectID uuid.UUID, req OptimizeRequest, opts WriteOptions) (*OperationResult, *OptimizationRun, error)
	PreviewManual(ctx context.Context, projectID uuid.UUID, params map[string]optimizer.Params, cmp crm.CompareConfig) (*ManualPreview, error)
	ApplyManual(ctx context.Context, projectID uuid.UUID, params map[string]optimizer.Params, opts WriteOptions) (*OperationResult, error)
}

type optimizationService struct {
	rowRepo     repositories.RowRepository
	versionRepo repositories.VersionRepository
	references  ReferenceService
	corrections CorrectionService
	defaults    config.OptimizerConfig
	logger      *zap.Logger
}

// NewOptimizationService creates an optimization service.
func NewOptimizationService(
	rowRepo repositories.RowRepository,
	versionRepo repositories.VersionRepository,
	references ReferenceService,
	corrections CorrectionService,
	defaults config.OptimizerConfig,
	logger *zap.Logger,
) OptimizationService {
	return &optimizationService{
		rowRepo:     rowRepo,
		versionRepo: versionRepo,
		references:  references,
		corrections: corrections,
		defaults:    defaults,
		logger:      logger.Named("optimization-service"),
	}
}

var _ OptimizationService = (*optimizationService)(nil)

func (s *optimizationService) searchConfig(c optimizer.Config, band crm.Band) optimizer.Config {
	if c.Band == (crm.Band{}) {
		c.Band = band
	}
	if c.Bounds == (optimizer.Bounds{}) {
		c.Bounds = optimizer.Bounds{
			BlankMin: s.defaults.BlankMin,
			BlankMax: s.defaults.BlankMax,
			ScaleMin: s.defaults.ScaleMin,
			ScaleMax: s.defaults.ScaleMax,
		}
	}
	if c.Population == 0 {
		c.Population = s.defaults.Population
	}
	if c.Generations == 0 {
		c.Generations = s.defaults.Generations
	}
	if c.Seed == 0 {
		c.Seed = s.defaults.Seed
	}
	if c.Workers == 0 {
		c.Workers = s.defaults.Workers
	}
	return c
}

// observations compares the project's reference rows and turns the
// resolved ones into search inputs.
func (s *optimizationService) observations(ctx context.Context, projectID uuid.UUID, cmp crm.CompareConfig) ([]optimizer.ElementInput, *crm.Report, []*models.Row, error) {
	report, err := s.references.Compare(ctx, projectID, cmp)
	if err != nil {
		return nil, nil, nil, err
	}
	rows, err := s.rowRepo.GetRows(ctx, projectID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load rows: %w", err)
	}
	return optimizer.ObservationsFromReport(rows, report), report, rows, nil
}

func (s *optimizationService) Run(ctx context.Context, projectID uuid.UUID, req OptimizeRequest) (*OptimizationRun, error) {
	run := &OptimizationRun{}
	active, err := s.versionRepo.GetActive(ctx, projectID)
	switch {
	case err == nil:
		id := active.ID
		run.BaseVersionID = &id
	case !errors.Is(err, apperrors.ErrNotFound):
		return nil, fmt.Errorf("failed to get active version: %w", err)
	}

	inputs, report, _, err := s.observations(ctx, projectID, req.Compare)
	if err != nil {
		return nil, err
	}
	run.Messages = append(run.Messages, report.Messages...)
	inputs = filterInputs(inputs, req.Elements)
	if len(inputs) == 0 {
		return nil, fmt.Errorf("no resolved reference rows with certified values: %w", apperrors.ErrInsufficientData)
	}

	cfg := s.searchConfig(req.Search, report.Band)
	result, err := optimizer.Optimize(ctx, inputs, cfg, s.logger)
	if err != nil {
		s.logger.Error("Optimization failed",
			zap.String("project_id", projectID.String()),
			zap.Error(err))
		return nil, fmt.Errorf("failed to optimize: %w", err)
	}
	run.Result = result
	run.Messages = append(run.Messages, result.Messages...)

	s.logger.Info("Optimization finished",
		zap.String("project_id", projectID.String()),
		zap.Int("elements", len(result.Elements)),
		zap.String("most_used_model", string(result.MostUsedModel)))
	return run, nil
}

func filterInputs(inputs []optimizer.ElementInput, elements []string) []optimizer.ElementInput {
	if len(elements) == 0 {
		return inputs
	}
	want := make(map[string]bool, len(elements))
	for _, e := range elements {
		want[strings.ToLower(e)] = true
	}
	var out []optimizer.ElementInput
	for _, in := range inputs {
		if want[strings.ToLower(in.Element)] {
			out = append(out, in)
		}
	}
	return out
}

func (s *optimizationService) Apply(ctx context.Context, projectID uuid.UUID, req OptimizeRequest, opts WriteOptions) (*OperationResult, *OptimizationRun, error) {
	run, err := s.Run(ctx, projectID, req)
	if err != nil {
		return nil, nil, err
	}
	params := run.Result.Params()
	if len(params) == 0 {
		return &OperationResult{Kind: models.ChangeKindOptimization, Success: true, Messages: run.Messages}, run, nil
	}

	if opts.ExpectedVersionID == nil {
		opts.ExpectedVersionID = run.BaseVersionID
	}
	prov := models.ProvenanceOrDefault(ctx)
	ctx = models.WithProvenance(ctx, models.ProvenanceContext{Source: models.SourceOptimizer, Actor: prov.Actor})

	result, err := s.corrections.ApplyBlankScale(ctx, projectID, models.ChangeKindOptimization, params, opts)
	if err != nil {
		return result, run, err
	}
	for _, e := range run.Result.Elements {
		if e.Best != nil {
			metrics.ObserveOptimizerWinner(string(e.Best.Model))
		}
	}
	result.Messages = append(result.Messages, run.Messages...)
	return result, run, nil
}

func (s *optimizationService) PreviewManual(ctx context.Context, projectID uuid.UUID, params map[string]optimizer.Params, cmp crm.CompareConfig) (*ManualPreview, error) {
	if len(params) == 0 {
		return nil, apperrors.Validation("no element parameters given")
	}
	inputs, report, rows, err := s.observations(ctx, projectID, cmp)
	if err != nil {
		return nil, err
	}
	adjustments, err := optimizer.Plan(rows, params)
	if err != nil {
		return nil, err
	}

	preview := &ManualPreview{
		Elements:    []ElementPreview{},
		Adjustments: adjustments,
		Messages:    report.Messages,
	}
	byElement := make(map[string][]optimizer.Observation, len(inputs))
	for _, in := range inputs {
		byElement[in.Element] = in.Observations
	}
	for _, el := range slices.Sorted(maps.Keys(params)) {
		obs := byElement[el]
		if len(obs) == 0 {
			preview.Messages = append(preview.Messages, fmt.Sprintf("%s: no reference observations", el))
		}
		preview.Elements = append(preview.Elements, ElementPreview{
			Element: el,
			Params:  params[el],
			Before:  optimizer.Evaluate(optimizer.Identity, obs, report.Band),
			After:   optimizer.Evaluate(params[el], obs, report.Band),
		})
	}
	return preview, nil
}

func (s *optimizationService) ApplyManual(ctx context.Context, projectID uuid.UUID, params map[string]optimizer.Params, opts WriteOptions) (*OperationResult, error) {
	return s.corrections.ApplyBlankScale(ctx, projectID, models.ChangeKindBlankScale, params, opts)
}
