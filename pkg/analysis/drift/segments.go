package drift

import (
	"regexp"

	"github.com/ekaya-inc/assay-engine/pkg/apperrors"
	"github.com/ekaya-inc/assay-engine/pkg/models"
)

// StandardRef is a standard row in run order.
type StandardRef struct {
	Index    int    `json:"index"`
	Label    string `json:"label"`
	Position int    `json:"position"`
	row      *models.Row
}

// Segment is a maximal run of non-standard rows. StartStandard and
// EndStandard index into the standards list and are -1 at the start or end
// of the run.
type Segment struct {
	Index         int    `json:"index"`
	StartPosition int    `json:"start_position"`
	EndPosition   int    `json:"end_position"`
	StartStandard int    `json:"start_standard"`
	EndStandard   int    `json:"end_standard"`
	StartLabel    string `json:"start_label,omitempty"`
	EndLabel      string `json:"end_label,omitempty"`
	SampleCount   int    `json:"sample_count"`
	rows          []*models.Row
}

// StandardMatcher decides which rows are drift standards.
type StandardMatcher struct {
	base *regexp.Regexp
	cone *regexp.Regexp
}

// NewStandardMatcher compiles the label patterns. With neither pattern set,
// rows typed "Standard" are standards.
func NewStandardMatcher(basePattern, conePattern string) (*StandardMatcher, error) {
	m := &StandardMatcher{}
	var err error
	if basePattern != "" {
		if m.base, err = regexp.Compile(basePattern); err != nil {
			return nil, apperrors.Validation("invalid base pattern %q: %v", basePattern, err)
		}
	}
	if conePattern != "" {
		if m.cone, err = regexp.Compile(conePattern); err != nil {
			return nil, apperrors.Validation("invalid cone pattern %q: %v", conePattern, err)
		}
	}
	return m, nil
}

// IsStandard reports whether r is a drift standard.
func (m *StandardMatcher) IsStandard(r *models.Row) bool {
	if m.base == nil && m.cone == nil {
		return r.IsStandard()
	}
	return (m.base != nil && m.base.MatchString(r.Label)) ||
		(m.cone != nil && m.cone.MatchString(r.Label))
}

// Segment splits position-ordered rows into standards and segments.
func (m *StandardMatcher) Segment(rows []*models.Row) ([]StandardRef, []Segment) {
	var standards []StandardRef
	var segments []Segment
	var current *Segment

	closeSegment := func(endStandard int) {
		if current == nil {
			return
		}
		current.EndStandard = endStandard
		if endStandard >= 0 {
			current.EndLabel = standards[endStandard].Label
		}
		segments = append(segments, *current)
		current = nil
	}

	for _, r := range rows {
		if m.IsStandard(r) {
			standards = append(standards, StandardRef{
				Index:    len(standards),
				Label:    r.Label,
				Position: r.Position,
				row:      r,
			})
			closeSegment(len(standards) - 1)
			continue
		}
		if current == nil {
			current = &Segment{
				Index:         len(segments),
				StartPosition: r.Position,
				StartStandard: len(standards) - 1,
			}
			if current.StartStandard >= 0 {
				current.StartLabel = standards[current.StartStandard].Label
			}
		}
		current.EndPosition = r.Position
		current.SampleCount++
		current.rows = append(current.rows, r)
	}
	closeSegment(-1)
	return standards, segments
}
