package optimizer

import (
	"math"
	"sort"
	"strings"

	"github.com/ekaya-inc/assay-engine/pkg/analysis/crm"
	"github.com/ekaya-inc/assay-engine/pkg/apperrors"
)

// Model is a cost function over the percent differences of one element.
type Model string

const (
	ModelRobust       Model = "robust"
	ModelLeastSquares Model = "least_squares"
	ModelPassCount    Model = "pass_count"
)

// AllModels is the default model set, in tie-break order.
var AllModels = []Model{ModelPassCount, ModelRobust, ModelLeastSquares}

// ParseModel accepts model names case-insensitively.
func ParseModel(s string) (Model, error) {
	switch m := Model(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")); m {
	case ModelRobust, ModelLeastSquares, ModelPassCount:
		return m, nil
	}
	return "", apperrors.Validation("unknown optimizer model %q", s)
}

// Params are the correction parameters: corrected = (raw − Blank) × Scale.
type Params struct {
	Blank float64 `json:"blank"`
	Scale float64 `json:"scale"`
}

// Identity leaves values unchanged.
var Identity = Params{Blank: 0, Scale: 1}

// Correct applies p to raw.
func (p Params) Correct(raw float64) float64 {
	return (raw - p.Blank) * p.Scale
}

// Evaluation scores a parameter set against the reference observations.
type Evaluation struct {
	Pass        int     `json:"pass"`
	Total       int     `json:"total"`
	MeanAbsDiff float64 `json:"mean_abs_diff"`
}

// Evaluate corrects every observation with p and counts band passes.
func Evaluate(p Params, obs []Observation, band crm.Band) Evaluation {
	ev, _ := evaluate(p, obs, band, nil)
	return ev
}

func evaluate(p Params, obs []Observation, band crm.Band, diffs []float64) (Evaluation, []float64) {
	diffs = diffs[:0]
	ev := Evaluation{Total: len(obs)}
	var sumAbs float64
	for _, o := range obs {
		d, _ := crm.PercentDiff(p.Correct(o.Raw), o.Certified)
		diffs = append(diffs, d)
		sumAbs += math.Abs(d)
		if band.Contains(d) {
			ev.Pass++
		}
	}
	if len(obs) > 0 {
		ev.MeanAbsDiff = sumAbs / float64(len(obs))
	}
	return ev, diffs
}

// cost returns the model's objective for p; lower is better.
func (m Model) cost(ev Evaluation, diffs []float64) float64 {
	switch m {
	case ModelRobust:
		return medianAbs(diffs)
	case ModelLeastSquares:
		var s float64
		for _, d := range diffs {
			s += d * d
		}
		return s
	default:
		return float64(ev.Total-ev.Pass) + ev.MeanAbsDiff/(1+ev.MeanAbsDiff)
	}
}

func medianAbs(diffs []float64) float64 {
	if len(diffs) == 0 {
		return 0
	}
	abs := make([]float64, len(diffs))
	for i, d := range diffs {
		abs[i] = math.Abs(d)
	}
	sort.Float64s(abs)
	n := len(abs)
	if n%2 == 1 {
		return abs[n/2]
	}
	return (abs[n/2-1] + abs[n/2]) / 2
}
