// Package crm compares measured rows against certified reference materials
// and checks recorded sample weights and volumes.
package crm

import (
	"context"
	"regexp"
	"strings"

	"github.com/ekaya-inc/assay-engine/pkg/apperrors"
	"github.com/ekaya-inc/assay-engine/pkg/models"
)

// DefaultPatterns identify reference rows by label. The first capture group
// is the reference material id.
var DefaultPatterns = []string{
	`(?i)\b(OREAS[\s_-]*\d+[a-z]?)\b`,
	`(?i)\b((?:NIST|SRM)[\s_-]*\d+[a-z]?)\b`,
	`(?i)\b(GBW[\s_-]*\d+[a-z]?)\b`,
	`(?i)\b((?:CRM|RM|REF)-[a-z0-9.]+)`,
}

// Library looks up certified records. repositories.ReferenceRepository
// satisfies it.
type Library interface {
	FindByCrmID(ctx context.Context, crmID, method string) ([]*models.ReferenceMaterial, error)
}

// Candidate is a row whose label names a reference material.
type Candidate struct {
	Row         *models.Row
	ReferenceID string
}

// Matcher identifies reference rows.
type Matcher struct {
	patterns []*regexp.Regexp
}

// NewMatcher compiles patterns; an empty list uses DefaultPatterns.
func NewMatcher(patterns []string) (*Matcher, error) {
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}
	m := &Matcher{}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, apperrors.Validation("invalid reference pattern %q: %v", p, err)
		}
		if re.NumSubexp() < 1 {
			return nil, apperrors.Validation("reference pattern %q needs a capture group", p)
		}
		m.patterns = append(m.patterns, re)
	}
	return m, nil
}

// Identify returns the reference id named by label.
func (m *Matcher) Identify(label string) (string, bool) {
	for _, re := range m.patterns {
		if sub := re.FindStringSubmatch(label); sub != nil {
			if id := strings.TrimSpace(sub[1]); id != "" {
				return id, true
			}
		}
	}
	return "", false
}

// Candidates returns the reference rows in run order.
func (m *Matcher) Candidates(rows []*models.Row) []Candidate {
	ordered := append([]*models.Row(nil), rows...)
	models.SortByPosition(ordered)
	var out []Candidate
	for _, r := range ordered {
		if id, ok := m.Identify(r.Label); ok {
			out = append(out, Candidate{Row: r, ReferenceID: id})
		}
	}
	return out
}
