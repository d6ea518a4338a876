package pivot

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// ColumnStats summarizes the non-missing numeric values of one column.
// StdDev is the population standard deviation.
type ColumnStats struct {
	Column string  `json:"column"`
	Count  int     `json:"count"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
}

// ComputeStats returns one entry per column, in column order.
func ComputeStats(rows []Row, columns []string) []ColumnStats {
	out := make([]ColumnStats, len(columns))
	for c, name := range columns {
		vals := make([]float64, 0, len(rows))
		for _, r := range rows {
			if f, ok := r.Values[c].Float(); ok {
				vals = append(vals, f)
			}
		}
		out[c] = Summarize(name, vals)
	}
	return out
}

// Summarize computes statistics over vals; an empty slice yields Count 0
// and zero statistics.
func Summarize(column string, vals []float64) ColumnStats {
	s := ColumnStats{Column: column, Count: len(vals)}
	if len(vals) == 0 {
		return s
	}
	s.Min = floats.Min(vals)
	s.Max = floats.Max(vals)
	s.Mean, s.StdDev = stat.PopMeanStdDev(vals, nil)
	return s
}

func (s *ColumnStats) round(places int32) {
	s.Min = Round(s.Min, places)
	s.Max = Round(s.Max, places)
	s.Mean = Round(s.Mean, places)
	s.StdDev = Round(s.StdDev, places)
}
