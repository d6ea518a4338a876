package services

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/assay-engine/pkg/apperrors"
	"github.com/ekaya-inc/assay-engine/pkg/models"
)

// EmptyRowPolicy decides how many checked elements must fall below the
// threshold for a row to be flagged.
type EmptyRowPolicy string

const (
	EmptyRowPolicyAny EmptyRowPolicy = "any"
	EmptyRowPolicyAll EmptyRowPolicy = "all"
)

// DefaultEmptyRowThreshold is the percent of the column average below which
// a value counts as empty.
const DefaultEmptyRowThreshold = 10.0

// EmptyRowConfig configures empty-row detection.
type EmptyRowConfig struct {
	// Elements to check; all element columns when empty.
	Elements         []string       `json:"elements,omitempty"`
	ThresholdPercent float64        `json:"threshold_percent"`
	Policy           EmptyRowPolicy `json:"policy"`
}

// EmptyRow is a flagged row. Percents holds each checked element's value as
// a percentage of its column average; a missing value counts as 0.
type EmptyRow struct {
	RowID    uuid.UUID          `json:"row_id"`
	Label    string             `json:"label"`
	Position int                `json:"position"`
	Below    []string           `json:"below"`
	Percents map[string]float64 `json:"percents"`
	// Severity is the mean shortfall below the threshold across checked elements.
	Severity float64 `json:"severity"`
}

// EmptyRowReport lists flagged rows, most severe first.
type EmptyRowReport struct {
	ThresholdPercent float64            `json:"threshold_percent"`
	Policy           EmptyRowPolicy     `json:"policy"`
	Averages         map[string]float64 `json:"averages"`
	Rows             []EmptyRow         `json:"rows"`
	Messages         []string           `json:"messages,omitempty"`
}

func (c EmptyRowConfig) withDefaults() (EmptyRowConfig, error) {
	if c.ThresholdPercent < 0 {
		return c, apperrors.Validation("threshold must not be negative, got %v", c.ThresholdPercent)
	}
	if c.ThresholdPercent == 0 {
		c.ThresholdPercent = DefaultEmptyRowThreshold
	}
	switch EmptyRowPolicy(strings.ToLower(string(c.Policy))) {
	case "", EmptyRowPolicyAll:
		c.Policy = EmptyRowPolicyAll
	case EmptyRowPolicyAny:
		c.Policy = EmptyRowPolicyAny
	default:
		return c, apperrors.Validation("unknown empty-row policy %q", c.Policy)
	}
	return c, nil
}

func (s *correctionService) FindEmptyRows(ctx context.Context, projectID uuid.UUID, cfg EmptyRowConfig) (*EmptyRowReport, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	if _, err := s.projectRepo.Get(ctx, projectID); err != nil {
		return nil, fmt.Errorf("failed to get project %s: %w", projectID, err)
	}
	rows, err := s.rowRepo.GetRows(ctx, projectID)
	if err != nil {
		s.logger.Error("Failed to load rows",
			zap.String("project_id", projectID.String()),
			zap.Error(err))
		return nil, fmt.Errorf("failed to load rows: %w", err)
	}
	return FindEmptyRows(rows, cfg), nil
}

// FindEmptyRows flags rows whose element values are small relative to the
// column averages. cfg must already carry defaults.
func FindEmptyRows(rows []*models.Row, cfg EmptyRowConfig) *EmptyRowReport {
	report := &EmptyRowReport{
		ThresholdPercent: cfg.ThresholdPercent,
		Policy:           cfg.Policy,
		Averages:         make(map[string]float64),
		Rows:             []EmptyRow{},
	}

	elements := cfg.Elements
	if len(elements) == 0 {
		elements = models.ElementColumns(rows)
	}

	var checked []string
	for _, el := range elements {
		sum, n := 0.0, 0
		for _, r := range rows {
			if v, ok := r.Number(el); ok {
				sum += v
				n++
			}
		}
		if n == 0 {
			report.Messages = append(report.Messages, fmt.Sprintf("%s: no numeric values", el))
			continue
		}
		avg := sum / float64(n)
		if avg <= 0 {
			report.Messages = append(report.Messages, fmt.Sprintf("%s: column average %v is not positive", el, avg))
			continue
		}
		report.Averages[el] = avg
		checked = append(checked, el)
	}
	if len(checked) == 0 {
		return report
	}

	for _, r := range rows {
		flag := EmptyRow{
			RowID:    r.ID,
			Label:    r.Label,
			Position: r.Position,
			Percents: make(map[string]float64, len(checked)),
		}
		shortfall := 0.0
		for _, el := range checked {
			v, _ := r.Number(el)
			pct := v / report.Averages[el] * 100
			flag.Percents[el] = pct
			if pct < cfg.ThresholdPercent {
				flag.Below = append(flag.Below, el)
			}
			shortfall += math.Max(0, cfg.ThresholdPercent-pct)
		}

		hit := len(flag.Below) == len(checked)
		if cfg.Policy == EmptyRowPolicyAny {
			hit = len(flag.Below) > 0
		}
		if !hit {
			continue
		}
		flag.Severity = shortfall / float64(len(checked))
		report.Rows = append(report.Rows, flag)
	}

	sort.SliceStable(report.Rows, func(i, j int) bool {
		a, b := report.Rows[i], report.Rows[j]
		if a.Severity != b.Severity {
			return a.Severity > b.Severity
		}
		return a.Position < b.Position
	})
	return report
}
