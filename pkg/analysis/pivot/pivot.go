// Package pivot reshapes project rows into a wide, filterable table with
// repeat-set handling, oxide conversion and column statistics.
package pivot

import (
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ekaya-inc/assay-engine/pkg/apperrors"
	"github.com/ekaya-inc/assay-engine/pkg/models"
)

// DefaultPageSize is used when a request leaves PageSize at zero.
const DefaultPageSize = 100

// NumericFilter keeps rows whose value in Column lies in [Min, Max]. A nil
// bound is open.
type NumericFilter struct {
	Column string   `json:"column"`
	Min    *float64 `json:"min,omitempty"`
	Max    *float64 `json:"max,omitempty"`
}

// Config describes one pivot request.
type Config struct {
	Search        string          `json:"search,omitempty"`
	Labels        []string        `json:"labels,omitempty"`
	Elements      []string        `json:"elements,omitempty"`
	Filters       []NumericFilter `json:"filters,omitempty"`
	Oxide         bool            `json:"oxide,omitempty"`
	Precision     *int            `json:"precision,omitempty"`
	Page          int             `json:"page"`
	PageSize      int             `json:"page_size"`
	Aggregation   Aggregation     `json:"aggregation,omitempty"`
	MergeRepeats  bool            `json:"merge_repeats,omitempty"`
	RepeatPattern string          `json:"repeat_pattern,omitempty"`
}

// Row is one output row. Merged rows list every source row id.
type Row struct {
	RowIDs      []uuid.UUID    `json:"row_ids"`
	Label       string         `json:"label"`
	Position    int            `json:"position"`
	Type        string         `json:"type,omitempty"`
	RepeatIndex int            `json:"repeat_index"`
	RepeatCount int            `json:"repeat_count"`
	Values      []models.Value `json:"values"`
}

// Value returns the cell for column.
func (r *Row) Value(columns []string, column string) models.Value {
	for i, c := range columns {
		if c == column {
			return r.Values[i]
		}
	}
	return models.Missing()
}

// Page is the result of Build. Stats cover every filtered row, not just
// the rows of this page.
type Page struct {
	Columns           []string          `json:"columns"`
	Oxides            map[string]string `json:"oxides,omitempty"`
	OxideTableVersion int               `json:"oxide_table_version,omitempty"`
	Rows              []Row             `json:"rows"`
	Stats             []ColumnStats     `json:"stats"`
	Total             int               `json:"total"`
	Page              int               `json:"page"`
	PageSize          int               `json:"page_size"`
	TotalPages        int               `json:"total_pages"`
	Aggregation       Aggregation       `json:"aggregation,omitempty"`
}

// Build runs the pivot pipeline: repeat detection → label filters → oxide
// conversion → merge → numeric filters → statistics → rounding → paging.
func Build(rows []*models.Row, cfg Config) (*Page, error) {
	if err := normalize(&cfg); err != nil {
		return nil, err
	}
	re, err := CompileRepeatPattern(cfg.RepeatPattern)
	if err != nil {
		return nil, err
	}

	ordered := append([]*models.Row(nil), rows...)
	models.SortByPosition(ordered)
	_, info := DetectRepeats(ordered, re)

	columns := selectColumns(ordered, cfg.Elements)
	oxides := DefaultOxides()

	page := &Page{
		Columns:  columns,
		Page:     cfg.Page,
		PageSize: cfg.PageSize,
		Rows:     []Row{},
	}
	if cfg.MergeRepeats {
		page.Aggregation = cfg.Aggregation
	}
	if cfg.Oxide {
		page.OxideTableVersion = oxides.Version
		page.Oxides = make(map[string]string)
		for _, c := range columns {
			if o, ok := oxides.Lookup(c); ok {
				page.Oxides[c] = o.Formula
			}
		}
	}

	var out []Row
	groupIndex := make(map[string]int)
	var groups [][]int
	for i, r := range ordered {
		if !matchesLabel(r, info[i].Key, cfg) {
			continue
		}
		if cfg.MergeRepeats {
			g, ok := groupIndex[info[i].Key]
			if !ok {
				g = len(groups)
				groupIndex[info[i].Key] = g
				groups = append(groups, nil)
			}
			groups[g] = append(groups[g], i)
			continue
		}
		out = append(out, Row{
			RowIDs:      []uuid.UUID{r.ID},
			Label:       r.Label,
			Position:    r.Position,
			Type:        r.Type(),
			RepeatIndex: info[i].Index,
			RepeatCount: info[i].Count,
			Values:      displayValues(r, columns, cfg.Oxide, oxides),
		})
	}

	for _, members := range groups {
		first := ordered[members[0]]
		merged := Row{
			Label:       info[members[0]].Key,
			Position:    first.Position,
			Type:        first.Type(),
			RepeatCount: info[members[0]].Count,
			Values:      make([]models.Value, len(columns)),
		}
		perRow := make([][]models.Value, len(members))
		for k, idx := range members {
			merged.RowIDs = append(merged.RowIDs, ordered[idx].ID)
			perRow[k] = displayValues(ordered[idx], columns, cfg.Oxide, oxides)
		}
		for c := range columns {
			vals := make([]models.Value, len(members))
			for k := range members {
				vals[k] = perRow[k][c]
			}
			merged.Values[c] = Aggregate(cfg.Aggregation, vals)
		}
		out = append(out, merged)
	}

	out, err = applyFilters(out, columns, cfg.Filters)
	if err != nil {
		return nil, err
	}

	page.Stats = ComputeStats(out, columns)
	page.Total = len(out)
	page.TotalPages = (page.Total + cfg.PageSize - 1) / cfg.PageSize

	start := (cfg.Page - 1) * cfg.PageSize
	if start < len(out) {
		end := start + cfg.PageSize
		if end > len(out) {
			end = len(out)
		}
		page.Rows = out[start:end]
	}

	if cfg.Precision != nil {
		places := int32(*cfg.Precision)
		for i := range page.Rows {
			for c, v := range page.Rows[i].Values {
				if f, ok := v.Float(); ok {
					page.Rows[i].Values[c] = models.Number(Round(f, places))
				}
			}
		}
		for i := range page.Stats {
			page.Stats[i].round(places)
		}
	}
	return page, nil
}

func normalize(cfg *Config) error {
	if cfg.Page < 0 {
		return apperrors.Validation("page must be >= 1, got %d", cfg.Page)
	}
	if cfg.Page == 0 {
		cfg.Page = 1
	}
	if cfg.PageSize < 0 {
		return apperrors.Validation("page size must be positive, got %d", cfg.PageSize)
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.Precision != nil && *cfg.Precision < 0 {
		cfg.Precision = nil
	}
	agg, err := ParseAggregation(string(cfg.Aggregation))
	if err != nil {
		return err
	}
	cfg.Aggregation = agg
	for _, f := range cfg.Filters {
		if f.Min != nil && f.Max != nil && *f.Min > *f.Max {
			return apperrors.Validation("filter on %s: min %g exceeds max %g", f.Column, *f.Min, *f.Max)
		}
	}
	return nil
}

// selectColumns returns the element columns in first-seen order, or the
// requested subset in request order.
func selectColumns(rows []*models.Row, requested []string) []string {
	all := models.ElementColumns(rows)
	if len(requested) == 0 {
		return all
	}
	present := make(map[string]bool, len(all))
	for _, c := range all {
		present[c] = true
	}
	var out []string
	seen := make(map[string]bool)
	for _, c := range requested {
		if present[c] && !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}

func matchesLabel(r *models.Row, key string, cfg Config) bool {
	if cfg.Search != "" && !strings.Contains(strings.ToLower(r.Label), strings.ToLower(cfg.Search)) {
		return false
	}
	if len(cfg.Labels) == 0 {
		return true
	}
	for _, l := range cfg.Labels {
		if strings.EqualFold(l, r.Label) || strings.EqualFold(l, key) {
			return true
		}
	}
	return false
}

func displayValues(r *models.Row, columns []string, oxide bool, table *OxideTable) []models.Value {
	vals := make([]models.Value, len(columns))
	for i, c := range columns {
		v, ok := r.Columns.Get(c)
		if !ok {
			vals[i] = models.Missing()
			continue
		}
		if f, isNum := v.Float(); isNum && oxide {
			v = models.Number(table.Convert(c, f))
		}
		vals[i] = v
	}
	return vals
}

func applyFilters(rows []Row, columns []string, filters []NumericFilter) ([]Row, error) {
	if len(filters) == 0 {
		return rows, nil
	}
	idx := make([]int, len(filters))
	for i, f := range filters {
		idx[i] = -1
		for c, name := range columns {
			if name == f.Column {
				idx[i] = c
			}
		}
		if idx[i] < 0 {
			return nil, apperrors.Validation("filter column %q is not an output column", f.Column)
		}
	}

	out := rows[:0:0]
	for _, r := range rows {
		keep := true
		for i, f := range filters {
			v, ok := r.Values[idx[i]].Float()
			if !ok || (f.Min != nil && v < *f.Min) || (f.Max != nil && v > *f.Max) {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, r)
		}
	}
	return out, nil
}

// Round rounds half away from zero to places decimals.
func Round(v float64, places int32) float64 {
	f, _ := decimal.NewFromFloat(v).Round(places).Float64()
	return f
}
