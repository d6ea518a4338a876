package pivot

import (
	"math"
	"strings"

	"github.com/ekaya-inc/assay-engine/pkg/apperrors"
	"github.com/ekaya-inc/assay-engine/pkg/models"
)

// Aggregation selects how a repeat set collapses into one value.
type Aggregation string

const (
	AggFirst Aggregation = "first"
	AggLast  Aggregation = "last"
	AggMean  Aggregation = "mean"
	AggSum   Aggregation = "sum"
	AggMin   Aggregation = "min"
	AggMax   Aggregation = "max"
	AggCount Aggregation = "count"
)

// ParseAggregation accepts the strategy names case-insensitively; empty
// means mean. "avg" and "average" are accepted aliases.
func ParseAggregation(s string) (Aggregation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "mean", "avg", "average":
		return AggMean, nil
	case "first":
		return AggFirst, nil
	case "last":
		return AggLast, nil
	case "sum":
		return AggSum, nil
	case "min":
		return AggMin, nil
	case "max":
		return AggMax, nil
	case "count":
		return AggCount, nil
	}
	return "", apperrors.Validation("unknown aggregation %q", s)
}

// Aggregate collapses values taken from the rows of one repeat set, in run
// order. Missing and text values are ignored by every strategy except first
// and last, which return the boundary row's value as-is.
func Aggregate(agg Aggregation, values []models.Value) models.Value {
	if len(values) == 0 {
		return models.Missing()
	}
	switch agg {
	case AggFirst:
		return values[0]
	case AggLast:
		return values[len(values)-1]
	}

	nums := make([]float64, 0, len(values))
	for _, v := range values {
		if f, ok := v.Float(); ok {
			nums = append(nums, f)
		}
	}
	if agg == AggCount {
		return models.Number(float64(len(nums)))
	}
	if len(nums) == 0 {
		return models.Missing()
	}

	switch agg {
	case AggSum:
		return models.Number(sum(nums))
	case AggMin:
		m := math.Inf(1)
		for _, f := range nums {
			m = math.Min(m, f)
		}
		return models.Number(m)
	case AggMax:
		m := math.Inf(-1)
		for _, f := range nums {
			m = math.Max(m, f)
		}
		return models.Number(m)
	default:
		return models.Number(sum(nums) / float64(len(nums)))
	}
}

func sum(nums []float64) float64 {
	var s float64
	for _, f := range nums {
		s += f
	}
	return s
}
