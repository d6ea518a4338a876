package crm

import (
	"github.com/google/uuid"

	"github.com/ekaya-inc/assay-engine/pkg/apperrors"
	"github.com/ekaya-inc/assay-engine/pkg/models"
)

// WeightStatus classifies a recorded weight or volume.
type WeightStatus string

const (
	WeightOk      WeightStatus = "ok"
	WeightTooLow  WeightStatus = "too_low"
	WeightTooHigh WeightStatus = "too_high"
	WeightMissing WeightStatus = "missing"
	WeightSkipped WeightStatus = "skipped"
)

// WeightConfig sets the accepted range: explicit Min/Max when both are
// given, otherwise Expected ± TolerancePercent.
type WeightConfig struct {
	Column           string   `json:"column"`
	Expected         float64  `json:"expected,omitempty"`
	TolerancePercent float64  `json:"tolerance_percent,omitempty"`
	Min              *float64 `json:"min,omitempty"`
	Max              *float64 `json:"max,omitempty"`
}

// Range returns the inclusive bounds.
func (c WeightConfig) Range() (float64, float64, error) {
	if c.Min != nil && c.Max != nil {
		if *c.Min > *c.Max {
			return 0, 0, apperrors.Validation("weight range min %g exceeds max %g", *c.Min, *c.Max)
		}
		return *c.Min, *c.Max, nil
	}
	if c.Expected <= 0 {
		return 0, 0, apperrors.Validation("expected %s must be positive, got %g", c.column(), c.Expected)
	}
	if c.TolerancePercent < 0 {
		return 0, 0, apperrors.Validation("tolerance must not be negative, got %g", c.TolerancePercent)
	}
	delta := c.Expected * c.TolerancePercent / 100
	return c.Expected - delta, c.Expected + delta, nil
}

func (c WeightConfig) column() string {
	if c.Column == "" {
		return models.ColumnWeight
	}
	return c.Column
}

// WeightResult is the check of one row.
type WeightResult struct {
	RowID    uuid.UUID    `json:"row_id"`
	Label    string       `json:"label"`
	Position int          `json:"position"`
	Value    *float64     `json:"value,omitempty"`
	Min      float64      `json:"min"`
	Max      float64      `json:"max"`
	Status   WeightStatus `json:"status"`
}

// CheckWeights classifies every row in run order. Standards and rows whose
// label names a reference material are skipped.
func (m *Matcher) CheckWeights(rows []*models.Row, cfg WeightConfig) ([]WeightResult, error) {
	lo, hi, err := cfg.Range()
	if err != nil {
		return nil, err
	}
	column := cfg.column()
	if column != models.ColumnWeight && column != models.ColumnVolume {
		return nil, apperrors.Validation("weight check column must be %s or %s, got %q",
			models.ColumnWeight, models.ColumnVolume, column)
	}

	ordered := append([]*models.Row(nil), rows...)
	models.SortByPosition(ordered)

	out := make([]WeightResult, 0, len(ordered))
	for _, r := range ordered {
		res := WeightResult{RowID: r.ID, Label: r.Label, Position: r.Position, Min: lo, Max: hi}
		_, isRef := m.Identify(r.Label)
		v, ok := r.Number(column)
		switch {
		case r.IsStandard() || isRef:
			res.Status = WeightSkipped
		case !ok:
			res.Status = WeightMissing
		case v < lo:
			res.Status = WeightTooLow
		case v > hi:
			res.Status = WeightTooHigh
		default:
			res.Status = WeightOk
		}
		if ok {
			res.Value = &v
		}
		out = append(out, res)
	}
	return out, nil
}

// FindBadWeights returns only the TooLow and TooHigh rows.
func (m *Matcher) FindBadWeights(rows []*models.Row, cfg WeightConfig) ([]WeightResult, error) {
	all, err := m.CheckWeights(rows, cfg)
	if err != nil {
		return nil, err
	}
	var bad []WeightResult
	for _, r := range all {
		if r.Status == WeightTooLow || r.Status == WeightTooHigh {
			bad = append(bad, r)
		}
	}
	return bad, nil
}
