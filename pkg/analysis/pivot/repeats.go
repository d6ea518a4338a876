package pivot

import (
	"regexp"
	"strings"

	"github.com/ekaya-inc/assay-engine/pkg/apperrors"
	"github.com/ekaya-inc/assay-engine/pkg/models"
)

// DefaultRepeatPattern matches repeat suffixes such as "S1 rep", "S1_R2" or "S1-rpt3".
const DefaultRepeatPattern = `(?i)[\s_-]+(rep|rpt|r)\s*\d*$`

// RepeatInfo tags a row with its place in a repeat set.
type RepeatInfo struct {
	Key   string `json:"key"`
	Index int    `json:"index"`
	Count int    `json:"count"`
}

// RepeatSet is the rows of one physical sample in run order.
type RepeatSet struct {
	Key  string
	Rows []*models.Row
}

// CompileRepeatPattern compiles pattern, falling back to the default when empty.
func CompileRepeatPattern(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		pattern = DefaultRepeatPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, apperrors.Validation("invalid repeat pattern %q: %v", pattern, err)
	}
	return re, nil
}

// BaseLabel strips a repeat suffix from label.
func BaseLabel(label string, re *regexp.Regexp) string {
	base := strings.TrimSpace(label)
	if re != nil {
		if stripped := strings.TrimSpace(re.ReplaceAllString(base, "")); stripped != "" {
			base = stripped
		}
	}
	return base
}

// DetectRepeats groups rows (already ordered by position) by base label.
// Sets are returned in order of first occurrence; info is aligned with rows.
func DetectRepeats(rows []*models.Row, re *regexp.Regexp) ([]*RepeatSet, []RepeatInfo) {
	byKey := make(map[string]*RepeatSet)
	var sets []*RepeatSet
	members := make(map[string][]int)
	for i, r := range rows {
		key := BaseLabel(r.Label, re)
		set, ok := byKey[key]
		if !ok {
			set = &RepeatSet{Key: key}
			byKey[key] = set
			sets = append(sets, set)
		}
		set.Rows = append(set.Rows, r)
		members[key] = append(members[key], i)
	}

	info := make([]RepeatInfo, len(rows))
	for key, idx := range members {
		for n, i := range idx {
			info[i] = RepeatInfo{Key: key, Index: n, Count: len(idx)}
		}
	}
	return sets, info
}
