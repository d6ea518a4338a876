package drift

import (
	"fmt"
	"math"
	"strings"

	"github.com/ekaya-inc/assay-engine/pkg/apperrors"
	"github.com/ekaya-inc/assay-engine/pkg/models"
)

// SlopeAction edits the overall trend of one element.
type SlopeAction string

const (
	SlopeZero       SlopeAction = "zero"
	SlopeRotateUp   SlopeAction = "rotate_up"
	SlopeRotateDown SlopeAction = "rotate_down"
	SlopeSetCustom  SlopeAction = "set_custom"
)

// ParseSlopeAction accepts action names case-insensitively, with "-" or "_".
func ParseSlopeAction(s string) (SlopeAction, error) {
	a := SlopeAction(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	switch a {
	case SlopeZero, SlopeRotateUp, SlopeRotateDown, SlopeSetCustom:
		return a, nil
	}
	return "", apperrors.Validation("unknown slope action %q", s)
}

// minSlopeStep is the rotation step used for a flat trend.
const minSlopeStep = 1e-4

// SlopeRequest asks for one slope edit. Step defaults to 10% of |slope|.
// Slope is required for SetCustom.
type SlopeRequest struct {
	Element string      `json:"element"`
	Action  SlopeAction `json:"action"`
	Step    float64     `json:"step,omitempty"`
	Slope   *float64    `json:"slope,omitempty"`
}

// PreviewRow is one sample value divided by the edited trend.
type PreviewRow = Correction

// SlopeAdjustment is the outcome of a slope edit.
type SlopeAdjustment struct {
	Element           string       `json:"element"`
	Action            SlopeAction  `json:"action"`
	PreviousSlope     float64      `json:"previous_slope"`
	PreviousIntercept float64      `json:"previous_intercept"`
	NewSlope          float64      `json:"new_slope"`
	NewIntercept      float64      `json:"new_intercept"`
	Pivot             float64      `json:"pivot"`
	Preview           []PreviewRow `json:"preview"`
	Messages          []string     `json:"messages,omitempty"`
}

// Rotate returns the trend with a new slope. The value at the pivot is
// preserved.
func (t Trend) Rotate(slope float64) Trend {
	out := t
	out.Intercept = t.Intercept + (t.Slope-slope)*t.Pivot
	out.Slope = slope
	return out
}

// Edit applies action to the trend. ZeroSlope keeps the intercept.
func (t Trend) Edit(req SlopeRequest) (Trend, error) {
	step := req.Step
	if step < 0 {
		return Trend{}, apperrors.Validation("slope step must not be negative, got %g", step)
	}
	if step == 0 {
		step = math.Abs(t.Slope) * 0.1
		if step == 0 {
			step = minSlopeStep
		}
	}
	switch req.Action {
	case SlopeZero:
		out := t
		out.Slope = 0
		return out, nil
	case SlopeRotateUp:
		return t.Rotate(t.Slope + step), nil
	case SlopeRotateDown:
		return t.Rotate(t.Slope - step), nil
	case SlopeSetCustom:
		if req.Slope == nil {
			return Trend{}, apperrors.Validation("set_custom requires a slope")
		}
		return t.Rotate(*req.Slope), nil
	}
	return Trend{}, apperrors.Validation("unknown slope action %q", req.Action)
}

// AdjustSlope fits the element's trend, applies the edit and previews every
// non-standard value divided by the edited trend at its position.
func AdjustSlope(rows []*models.Row, cfg Config, req SlopeRequest) (*SlopeAdjustment, error) {
	if req.Element == "" {
		return nil, apperrors.Validation("element is required")
	}
	matcher, err := NewStandardMatcher(cfg.BasePattern, cfg.ConePattern)
	if err != nil {
		return nil, err
	}
	ordered := append([]*models.Row(nil), rows...)
	models.SortByPosition(ordered)
	standards, segments := matcher.Segment(ordered)

	trend, err := FitTrend(Points(req.Element, standards))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", req.Element, err)
	}
	edited, err := trend.Edit(req)
	if err != nil {
		return nil, err
	}

	adj := &SlopeAdjustment{
		Element:           req.Element,
		Action:            req.Action,
		PreviousSlope:     trend.Slope,
		PreviousIntercept: trend.Intercept,
		NewSlope:          edited.Slope,
		NewIntercept:      edited.Intercept,
		Pivot:             trend.Pivot,
		Preview:           []PreviewRow{},
	}
	for _, seg := range segments {
		for _, r := range seg.rows {
			v, ok := r.Number(req.Element)
			if !ok {
				continue
			}
			at := edited.At(float64(r.Position))
			if at <= 0 {
				adj.Messages = append(adj.Messages,
					fmt.Sprintf("%s (position %d): trend is not positive, value kept", r.Label, r.Position))
				continue
			}
			adj.Preview = append(adj.Preview, PreviewRow{
				RowID:    r.ID,
				Label:    r.Label,
				Position: r.Position,
				Element:  req.Element,
				Before:   v,
				After:    v / at,
				Factor:   1 / at,
			})
		}
	}
	return adj, nil
}
