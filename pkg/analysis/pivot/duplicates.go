package pivot

import (
	"math"
	"regexp"
	"strings"

	"github.com/ekaya-inc/assay-engine/pkg/apperrors"
	"github.com/ekaya-inc/assay-engine/pkg/models"
)

// DefaultDuplicatePatterns recognize field-duplicate naming such as
// "S1 DUP", "S1-D2" or "S1DUP". The first capture group is the original label.
var DefaultDuplicatePatterns = []string{
	`(?i)^(.+?)[\s_-]*dup\s*\d*$`,
	`(?i)^(.+?)[\s_-]+d\d*$`,
}

// DefaultDuplicateThreshold is the relative difference, in percent, above
// which a duplicate pair is flagged.
const DefaultDuplicateThreshold = 10.0

// DuplicateConfig configures FindDuplicates.
type DuplicateConfig struct {
	ThresholdPercent float64  `json:"threshold_percent"`
	Patterns         []string `json:"patterns,omitempty"`
	Elements         []string `json:"elements,omitempty"`
}

// DuplicateElement compares one element of a pair.
type DuplicateElement struct {
	Element     string  `json:"element"`
	Original    float64 `json:"original"`
	Duplicate   float64 `json:"duplicate"`
	DiffPercent float64 `json:"diff_percent"`
	Exceeds     bool    `json:"exceeds"`
}

// DuplicatePair is an original sample and its duplicate.
type DuplicatePair struct {
	OriginalLabel     string             `json:"original_label"`
	OriginalPosition  int                `json:"original_position"`
	DuplicateLabel    string             `json:"duplicate_label"`
	DuplicatePosition int                `json:"duplicate_position"`
	Elements          []DuplicateElement `json:"elements"`
	ExceedCount       int                `json:"exceed_count"`
}

// DuplicateReport lists every recognized pair.
type DuplicateReport struct {
	ThresholdPercent float64         `json:"threshold_percent"`
	Pairs            []DuplicatePair `json:"pairs"`
	PairsExceeding   int             `json:"pairs_exceeding"`
}

// FindDuplicates pairs every row whose label matches a duplicate pattern
// with the earliest row carrying the captured original label, and compares
// their shared element values by relative percent difference
// |a−b| / mean(a, b) × 100.
func FindDuplicates(rows []*models.Row, cfg DuplicateConfig) (*DuplicateReport, error) {
	if cfg.ThresholdPercent < 0 {
		return nil, apperrors.Validation("duplicate threshold must be non-negative, got %g", cfg.ThresholdPercent)
	}
	if cfg.ThresholdPercent == 0 {
		cfg.ThresholdPercent = DefaultDuplicateThreshold
	}
	patterns := cfg.Patterns
	if len(patterns) == 0 {
		patterns = DefaultDuplicatePatterns
	}
	res := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, apperrors.Validation("invalid duplicate pattern %q: %v", p, err)
		}
		if re.NumSubexp() < 1 {
			return nil, apperrors.Validation("duplicate pattern %q needs a capture group", p)
		}
		res = append(res, re)
	}

	ordered := append([]*models.Row(nil), rows...)
	models.SortByPosition(ordered)

	byLabel := make(map[string]*models.Row)
	for _, r := range ordered {
		key := strings.ToLower(strings.TrimSpace(r.Label))
		if _, ok := byLabel[key]; !ok {
			byLabel[key] = r
		}
	}

	elements := cfg.Elements
	if len(elements) == 0 {
		elements = models.ElementColumns(ordered)
	}

	report := &DuplicateReport{ThresholdPercent: cfg.ThresholdPercent, Pairs: []DuplicatePair{}}
	for _, dup := range ordered {
		original := matchOriginal(dup, res, byLabel)
		if original == nil {
			continue
		}
		pair := DuplicatePair{
			OriginalLabel:     original.Label,
			OriginalPosition:  original.Position,
			DuplicateLabel:    dup.Label,
			DuplicatePosition: dup.Position,
		}
		for _, el := range elements {
			a, okA := original.Number(el)
			b, okB := dup.Number(el)
			if !okA || !okB {
				continue
			}
			diff, ok := RelativeDiffPercent(a, b)
			if !ok {
				continue
			}
			e := DuplicateElement{Element: el, Original: a, Duplicate: b, DiffPercent: diff, Exceeds: diff > cfg.ThresholdPercent}
			if e.Exceeds {
				pair.ExceedCount++
			}
			pair.Elements = append(pair.Elements, e)
		}
		if pair.ExceedCount > 0 {
			report.PairsExceeding++
		}
		report.Pairs = append(report.Pairs, pair)
	}
	return report, nil
}

func matchOriginal(r *models.Row, res []*regexp.Regexp, byLabel map[string]*models.Row) *models.Row {
	for _, re := range res {
		m := re.FindStringSubmatch(strings.TrimSpace(r.Label))
		if m == nil {
			continue
		}
		base := strings.ToLower(strings.TrimSpace(m[1]))
		if original, ok := byLabel[base]; ok && original != r {
			return original
		}
	}
	return nil
}

// RelativeDiffPercent returns |a−b| / mean(a, b) × 100. It is undefined when
// the mean is zero and the values differ.
func RelativeDiffPercent(a, b float64) (float64, bool) {
	if a == b {
		return 0, true
	}
	mean := (a + b) / 2
	if mean == 0 {
		return 0, false
	}
	return math.Abs(a-b) / math.Abs(mean) * 100, true
}
