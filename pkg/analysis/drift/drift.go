// Package drift estimates and corrects instrument drift across a run using
// calibration standards measured between samples.
package drift

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/ekaya-inc/assay-engine/pkg/apperrors"
	"github.com/ekaya-inc/assay-engine/pkg/models"
)

// Method selects how factors are spread over a segment.
type Method string

const (
	MethodNone       Method = "none"
	MethodStepwise   Method = "stepwise"
	MethodLinear     Method = "linear"
	MethodPolynomial Method = "polynomial"
)

// ParseMethod accepts method names case-insensitively; empty means linear.
func ParseMethod(s string) (Method, error) {
	switch m := Method(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return MethodLinear, nil
	case MethodNone, MethodStepwise, MethodLinear, MethodPolynomial:
		return m, nil
	}
	return "", apperrors.Validation("unknown drift method %q", s)
}

// DefaultPolynomialDegree is used when Config.PolynomialDegree is zero.
const DefaultPolynomialDegree = 2

// Config drives Analyze.
type Config struct {
	BasePattern      string   `json:"base_pattern,omitempty"`
	ConePattern      string   `json:"cone_pattern,omitempty"`
	Method           Method   `json:"method"`
	PolynomialDegree int      `json:"polynomial_degree,omitempty"`
	Elements         []string `json:"elements,omitempty"`
}

// StandardPoint is one element's signal at one standard.
type StandardPoint struct {
	Standard int     `json:"standard"`
	Label    string  `json:"label"`
	Position int     `json:"position"`
	Value    float64 `json:"value"`
	// Factor is v0 / v at this standard.
	Factor float64 `json:"factor"`
}

// Trend is the least-squares line of v/v0 against position.
type Trend struct {
	Slope        float64 `json:"slope"`
	Intercept    float64 `json:"intercept"`
	DriftPercent float64 `json:"drift_percent"`
	// Pivot is the mean standard position, the rotation centre for slope edits.
	Pivot float64 `json:"pivot"`
}

// At evaluates the trend at position.
func (t Trend) At(position float64) float64 {
	return t.Intercept + t.Slope*position
}

// SegmentFactors describes one segment for one element.
type SegmentFactors struct {
	Segment     int      `json:"segment"`
	StartFactor *float64 `json:"start_factor,omitempty"`
	EndFactor   *float64 `json:"end_factor,omitempty"`
	SignalRatio *float64 `json:"signal_ratio,omitempty"`
	Skipped     bool     `json:"skipped,omitempty"`
	Reason      string   `json:"reason,omitempty"`
}

// ElementAnalysis is the drift picture for one element.
type ElementAnalysis struct {
	Element      string           `json:"element"`
	Points       []StandardPoint  `json:"points"`
	Trend        *Trend           `json:"trend,omitempty"`
	Segments     []SegmentFactors `json:"segments,omitempty"`
	Coefficients []float64        `json:"coefficients,omitempty"`
	Skipped      bool             `json:"skipped,omitempty"`
	Reason       string           `json:"reason,omitempty"`
}

// Correction is a corrected element value of one sample row.
type Correction struct {
	RowID    uuid.UUID `json:"row_id"`
	Label    string    `json:"label"`
	Position int       `json:"position"`
	Element  string    `json:"element"`
	Before   float64   `json:"before"`
	After    float64   `json:"after"`
	Factor   float64   `json:"factor"`
}

// Analysis is the result of Analyze. Nothing is persisted.
type Analysis struct {
	Method      Method            `json:"method"`
	Standards   []StandardRef     `json:"standards"`
	Segments    []Segment         `json:"segments"`
	Elements    []ElementAnalysis `json:"elements"`
	Corrections []Correction      `json:"corrections"`
	Messages    []string          `json:"messages,omitempty"`
}

// Analyze computes per-element factors, trends and corrected sample values.
// Elements with fewer than two valid standards are skipped and reported in
// Messages. So are segments without a valid standard at both bounds, except
// under the polynomial method, which corrects them from the whole-run fit
// held at the outermost standards.
func Analyze(rows []*models.Row, cfg Config) (*Analysis, error) {
	method, err := ParseMethod(string(cfg.Method))
	if err != nil {
		return nil, err
	}
	degree := cfg.PolynomialDegree
	if degree == 0 {
		degree = DefaultPolynomialDegree
	}
	if degree < 0 {
		return nil, apperrors.Validation("polynomial degree must be positive, got %d", degree)
	}
	matcher, err := NewStandardMatcher(cfg.BasePattern, cfg.ConePattern)
	if err != nil {
		return nil, err
	}

	ordered := append([]*models.Row(nil), rows...)
	models.SortByPosition(ordered)
	standards, segments := matcher.Segment(ordered)

	a := &Analysis{
		Method:      method,
		Standards:   standards,
		Segments:    segments,
		Elements:    []ElementAnalysis{},
		Corrections: []Correction{},
	}
	if a.Standards == nil {
		a.Standards = []StandardRef{}
	}
	if a.Segments == nil {
		a.Segments = []Segment{}
	}
	if len(standards) == 0 {
		a.Messages = append(a.Messages, "no standards found; nothing to correct")
		return a, nil
	}

	elements := cfg.Elements
	if len(elements) == 0 {
		elements = models.ElementColumns(ordered)
	}
	for _, el := range elements {
		ea, corrections := analyzeElement(el, standards, segments, method, degree)
		if ea.Skipped {
			a.Messages = append(a.Messages, fmt.Sprintf("%s: %s", el, ea.Reason))
		}
		for _, sf := range ea.Segments {
			if sf.Skipped {
				a.Messages = append(a.Messages, fmt.Sprintf("%s segment %d: %s", el, sf.Segment, sf.Reason))
			}
		}
		a.Elements = append(a.Elements, ea)
		a.Corrections = append(a.Corrections, corrections...)
	}
	return a, nil
}

// Points returns the valid standard signals of element and their factors
// relative to the first valid one.
func Points(element string, standards []StandardRef) []StandardPoint {
	var pts []StandardPoint
	var v0 float64
	for _, s := range standards {
		v, ok := s.row.Number(element)
		if !ok || v == 0 {
			continue
		}
		if len(pts) == 0 {
			v0 = v
		}
		pts = append(pts, StandardPoint{
			Standard: s.Index,
			Label:    s.Label,
			Position: s.Position,
			Value:    v,
			Factor:   v0 / v,
		})
	}
	return pts
}

// FitTrend fits v/v0 against position. It needs at least two points.
func FitTrend(pts []StandardPoint) (Trend, error) {
	if len(pts) < 2 {
		return Trend{}, fmt.Errorf("%w: need at least two valid standards, have %d", apperrors.ErrInsufficientData, len(pts))
	}
	xs := make([]float64, len(pts))
	ys := make([]float64, len(pts))
	v0 := pts[0].Value
	for i, p := range pts {
		xs[i] = float64(p.Position)
		ys[i] = p.Value / v0
	}
	var t Trend
	t.Intercept, t.Slope = stat.LinearRegression(xs, ys, nil, false)
	t.DriftPercent = (pts[len(pts)-1].Value/v0 - 1) * 100
	t.Pivot = stat.Mean(xs, nil)
	return t, nil
}

func analyzeElement(el string, standards []StandardRef, segments []Segment, method Method, degree int) (ElementAnalysis, []Correction) {
	ea := ElementAnalysis{Element: el, Points: Points(el, standards)}
	if ea.Points == nil {
		ea.Points = []StandardPoint{}
	}
	trend, err := FitTrend(ea.Points)
	if err != nil {
		ea.Skipped = true
		ea.Reason = fmt.Sprintf("fewer than two valid standards (%d)", len(ea.Points))
		return ea, nil
	}
	ea.Trend = &trend

	byStandard := make(map[int]StandardPoint, len(ea.Points))
	for _, p := range ea.Points {
		byStandard[p.Standard] = p
	}

	var poly []float64
	var center, scale float64
	if method == MethodPolynomial {
		d := degree
		if d > len(ea.Points)-1 {
			d = len(ea.Points) - 1
		}
		poly, center, scale, err = fitPolynomial(ea.Points, d)
		if err != nil {
			ea.Skipped = true
			ea.Reason = fmt.Sprintf("polynomial fit failed: %v", err)
			return ea, nil
		}
		ea.Coefficients = poly
	}

	// The whole-run fit is not evaluated beyond the outermost standards.
	first, last := ea.Points[0].Position, ea.Points[len(ea.Points)-1].Position

	var out []Correction
	for _, seg := range segments {
		sf := SegmentFactors{Segment: seg.Index}
		start, okStart := byStandard[seg.StartStandard]
		end, okEnd := byStandard[seg.EndStandard]
		if okStart {
			sf.StartFactor = ptr(start.Factor)
		}
		if okEnd {
			sf.EndFactor = ptr(end.Factor)
		}
		bounded := okStart && okEnd
		switch {
		case bounded:
			sf.SignalRatio = ptr(end.Value / start.Value)
		case method == MethodPolynomial:
			sf.Reason = "no valid standard at both bounds; factor held at the nearest standard"
		default:
			sf.Skipped = true
			sf.Reason = "no valid standard at both bounds"
		}
		ea.Segments = append(ea.Segments, sf)

		if method == MethodNone || sf.Skipped {
			continue
		}
		span := float64(end.Position - start.Position)
		for _, r := range seg.rows {
			v, ok := r.Number(el)
			if !ok {
				continue
			}
			var f float64
			switch method {
			case MethodStepwise:
				f = (start.Factor + end.Factor) / 2
			case MethodLinear:
				frac := 0.0
				if span > 0 {
					frac = float64(r.Position-start.Position) / span
				}
				f = start.Factor + (end.Factor-start.Factor)*frac
			case MethodPolynomial:
				pos := min(max(r.Position, first), last)
				f = evalPolynomial(poly, (float64(pos)-center)/scale)
			}
			out = append(out, Correction{
				RowID:    r.ID,
				Label:    r.Label,
				Position: r.Position,
				Element:  el,
				Before:   v,
				After:    v * f,
				Factor:   f,
			})
		}
	}
	return ea, out
}

// fitPolynomial fits factor(position) by least squares on centred and
// scaled positions. Coefficients are in ascending power order.
func fitPolynomial(pts []StandardPoint, degree int) ([]float64, float64, float64, error) {
	xs := make([]float64, len(pts))
	for i, p := range pts {
		xs[i] = float64(p.Position)
	}
	center := stat.Mean(xs, nil)
	scale := stat.PopStdDev(xs, nil)
	if scale == 0 {
		scale = 1
	}

	a := mat.NewDense(len(pts), degree+1, nil)
	b := mat.NewVecDense(len(pts), nil)
	for i, p := range pts {
		x := (xs[i] - center) / scale
		pow := 1.0
		for j := 0; j <= degree; j++ {
			a.Set(i, j, pow)
			pow *= x
		}
		b.SetVec(i, p.Factor)
	}
	var coef mat.VecDense
	if err := coef.SolveVec(a, b); err != nil {
		return nil, 0, 0, err
	}
	out := make([]float64, degree+1)
	for j := range out {
		out[j] = coef.AtVec(j)
	}
	return out, center, scale, nil
}

func evalPolynomial(coef []float64, x float64) float64 {
	var y float64
	for j := len(coef) - 1; j >= 0; j-- {
		y = y*x + coef[j]
	}
	return y
}

func ptr(f float64) *float64 { return &f }
