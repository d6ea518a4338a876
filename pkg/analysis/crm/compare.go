package crm

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"

	"github.com/ekaya-inc/assay-engine/pkg/apperrors"
	"github.com/ekaya-inc/assay-engine/pkg/models"
)

// Status classifies one element comparison.
type Status string

const (
	StatusPass        Status = "pass"
	StatusWarning     Status = "warning"
	StatusFail        Status = "fail"
	StatusNoReference Status = "no_reference"
	StatusSkipped     Status = "skipped"
)

// Band is the accepted percent-difference window. A difference within
// WarningMargin of either bound is a warning.
type Band struct {
	Min           float64 `json:"min"`
	Max           float64 `json:"max"`
	WarningMargin float64 `json:"warning_margin"`
}

// Validate checks Min < Max and a non-negative margin.
func (b Band) Validate() error {
	if b.Min >= b.Max {
		return apperrors.Validation("band min %g must be below max %g", b.Min, b.Max)
	}
	if b.WarningMargin < 0 {
		return apperrors.Validation("warning margin must not be negative")
	}
	return nil
}

// Contains reports whether diff lies inside the band, bounds included.
func (b Band) Contains(diff float64) bool {
	return diff >= b.Min && diff <= b.Max
}

// Classify returns Pass, Warning or Fail for a percent difference.
func (b Band) Classify(diff float64) Status {
	if !b.Contains(diff) {
		return StatusFail
	}
	if b.WarningMargin > 0 && (diff-b.Min < b.WarningMargin || b.Max-diff < b.WarningMargin) {
		return StatusWarning
	}
	return StatusPass
}

// PercentDiff returns (measured − certified) / certified × 100.
func PercentDiff(measured, certified float64) (float64, bool) {
	if certified == 0 {
		return 0, false
	}
	return (measured - certified) / certified * 100, true
}

// CompareConfig drives Compare.
type CompareConfig struct {
	Band Band `json:"band"`
	// Method restricts lookups to one analysis method when set.
	Method           string   `json:"method,omitempty"`
	PreferredMethods []string `json:"preferred_methods,omitempty"`
	// Elements limits the comparison; empty compares every element column.
	Elements         []string `json:"elements,omitempty"`
	ExcludedElements []string `json:"excluded_elements,omitempty"`
}

// ElementResult is one element of one reference row.
type ElementResult struct {
	Element     string   `json:"element"`
	Measured    float64  `json:"measured"`
	Certified   *float64 `json:"certified,omitempty"`
	DiffPercent *float64 `json:"diff_percent,omitempty"`
	Status      Status   `json:"status"`
}

// RowResult is the comparison of one reference row.
type RowResult struct {
	RowID       uuid.UUID       `json:"row_id"`
	Label       string          `json:"label"`
	Position    int             `json:"position"`
	ReferenceID string          `json:"reference_id"`
	Match       MatchStatus     `json:"match"`
	ResolvedBy  ResolvedBy      `json:"resolved_by,omitempty"`
	RecordKey   string          `json:"record_key,omitempty"`
	Method      string          `json:"method,omitempty"`
	Options     []Option        `json:"options,omitempty"`
	Elements    []ElementResult `json:"elements,omitempty"`
	Pass        int             `json:"pass"`
	Warning     int             `json:"warning"`
	Fail        int             `json:"fail"`
	Total       int             `json:"total"`
}

// Summary totals a report.
type Summary struct {
	Candidates int `json:"candidates"`
	Resolved   int `json:"resolved"`
	Ambiguous  int `json:"ambiguous"`
	Unknown    int `json:"unknown"`
	Pass       int `json:"pass"`
	Warning    int `json:"warning"`
	Fail       int `json:"fail"`
	Total      int `json:"total"`
}

// ElementSummary aggregates one element across all reference rows.
type ElementSummary struct {
	Element string  `json:"element"`
	Count   int     `json:"count"`
	Pass    int     `json:"pass"`
	Warning int     `json:"warning"`
	Fail    int     `json:"fail"`
	AvgDiff float64 `json:"avg_diff"`
	MinDiff float64 `json:"min_diff"`
	MaxDiff float64 `json:"max_diff"`
}

// Report is the result of Compare.
type Report struct {
	Band     Band             `json:"band"`
	Rows     []RowResult      `json:"rows"`
	Summary  Summary          `json:"summary"`
	Elements []ElementSummary `json:"elements"`
	Messages []string         `json:"messages,omitempty"`
}

// Compare resolves every reference row against lib and classifies its
// element differences. Ambiguous and unknown references are reported as
// data; only library failures are returned as errors.
func (m *Matcher) Compare(ctx context.Context, rows []*models.Row, lib Library, pins Pins, cfg CompareConfig) (*Report, error) {
	if err := cfg.Band.Validate(); err != nil {
		return nil, err
	}
	excluded := make(map[string]bool, len(cfg.ExcludedElements))
	for _, e := range cfg.ExcludedElements {
		excluded[strings.ToLower(e)] = true
	}

	report := &Report{Band: cfg.Band, Rows: []RowResult{}}
	cache := make(map[string][]*models.ReferenceMaterial)
	for _, cand := range m.Candidates(rows) {
		key := models.NormalizeReferenceID(cand.ReferenceID)
		records, ok := cache[key]
		if !ok {
			var err error
			records, err = lib.FindByCrmID(ctx, cand.ReferenceID, cfg.Method)
			if err != nil {
				return nil, fmt.Errorf("find reference %s: %w", cand.ReferenceID, err)
			}
			cache[key] = records
		}

		res := Resolve(records, pins[PinKey{Label: cand.Row.Label, Position: cand.Row.Position}], cfg.PreferredMethods)
		rr := RowResult{
			RowID:       cand.Row.ID,
			Label:       cand.Row.Label,
			Position:    cand.Row.Position,
			ReferenceID: cand.ReferenceID,
			Match:       res.Status,
			ResolvedBy:  res.By,
			Options:     res.Options,
		}
		switch res.Status {
		case MatchUnknown:
			report.Messages = append(report.Messages,
				fmt.Sprintf("%s (position %d): no reference record for %s", cand.Row.Label, cand.Row.Position, cand.ReferenceID))
		case MatchAmbiguous:
			report.Messages = append(report.Messages,
				fmt.Sprintf("%s (position %d): %d records match %s; pin one", cand.Row.Label, cand.Row.Position, len(res.Options), cand.ReferenceID))
		case MatchResolved:
			rr.RecordKey = res.Record.Key()
			rr.Method = res.Record.Method
			rr.Elements = CompareRow(cand.Row, res.Record, cfg.Band, cfg.Elements, excluded)
			for _, e := range rr.Elements {
				switch e.Status {
				case StatusPass:
					rr.Pass++
				case StatusWarning:
					rr.Warning++
				case StatusFail:
					rr.Fail++
				}
			}
			rr.Total = rr.Pass + rr.Warning + rr.Fail
		}
		report.Rows = append(report.Rows, rr)
	}

	report.Summary, report.Elements = Summarize(report.Rows)
	return report, nil
}

// CompareRow classifies each element of row against record. excluded keys
// are lower-cased element names.
func CompareRow(row *models.Row, record *models.ReferenceMaterial, band Band, elements []string, excluded map[string]bool) []ElementResult {
	if len(elements) == 0 {
		elements = row.ElementColumns()
	}
	var out []ElementResult
	for _, el := range elements {
		measured, ok := row.Number(el)
		if !ok {
			continue
		}
		er := ElementResult{Element: el, Measured: measured}
		if excluded[strings.ToLower(el)] {
			er.Status = StatusSkipped
			out = append(out, er)
			continue
		}
		certified, ok := certifiedValue(record, el)
		if !ok || certified == 0 {
			er.Status = StatusNoReference
			out = append(out, er)
			continue
		}
		diff, _ := PercentDiff(measured, certified)
		er.Certified = &certified
		er.DiffPercent = &diff
		er.Status = band.Classify(diff)
		out = append(out, er)
	}
	return out
}

// certifiedValue matches element names case-insensitively.
func certifiedValue(record *models.ReferenceMaterial, element string) (float64, bool) {
	if v, ok := record.Values[element]; ok {
		return v, true
	}
	for k, v := range record.Values {
		if strings.EqualFold(k, element) {
			return v, true
		}
	}
	return 0, false
}

// Summarize totals row results and aggregates per element, in first-seen
// element order.
func Summarize(rows []RowResult) (Summary, []ElementSummary) {
	var s Summary
	index := make(map[string]int)
	var elements []ElementSummary
	sums := make([]float64, 0)

	for _, r := range rows {
		s.Candidates++
		switch r.Match {
		case MatchResolved:
			s.Resolved++
		case MatchAmbiguous:
			s.Ambiguous++
		default:
			s.Unknown++
		}
		s.Pass += r.Pass
		s.Warning += r.Warning
		s.Fail += r.Fail
		s.Total += r.Total

		for _, e := range r.Elements {
			if e.DiffPercent == nil {
				continue
			}
			i, ok := index[e.Element]
			if !ok {
				i = len(elements)
				index[e.Element] = i
				elements = append(elements, ElementSummary{
					Element: e.Element,
					MinDiff: math.Inf(1),
					MaxDiff: math.Inf(-1),
				})
				sums = append(sums, 0)
			}
			es := &elements[i]
			d := *e.DiffPercent
			es.Count++
			sums[i] += d
			es.MinDiff = math.Min(es.MinDiff, d)
			es.MaxDiff = math.Max(es.MaxDiff, d)
			switch e.Status {
			case StatusPass:
				es.Pass++
			case StatusWarning:
				es.Warning++
			case StatusFail:
				es.Fail++
			}
		}
	}
	for i := range elements {
		elements[i].AvgDiff = sums[i] / float64(elements[i].Count)
	}
	if elements == nil {
		elements = []ElementSummary{}
	}
	return s, elements
}
