package models

import (
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Reserved metadata columns. Every other numeric column is an element column.
const (
	ColumnType   = "Type"
	ColumnWeight = "Weight"
	ColumnVolume = "Volume"
	ColumnDF     = "DF"

	// RawSuffix marks the raw intensity column of an element ("Fe_raw").
	RawSuffix = "_raw"
)

// Row types stored in the Type column.
const (
	RowTypeStandard = "Standard"
	RowTypeSample   = "Sample"
)

var reservedColumns = map[string]bool{
	strings.ToLower(ColumnType):   true,
	strings.ToLower(ColumnWeight): true,
	strings.ToLower(ColumnVolume): true,
	strings.ToLower(ColumnDF):     true,
}

// IsReservedColumn reports whether name is a metadata column (case-insensitive).
func IsReservedColumn(name string) bool {
	return reservedColumns[strings.ToLower(name)]
}

// IsRawColumn reports whether name holds raw intensity for an element.
func IsRawColumn(name string) bool {
	return len(name) > len(RawSuffix) && strings.HasSuffix(name, RawSuffix)
}

// RawColumn returns the raw intensity column name for an element.
func RawColumn(element string) string {
	return element + RawSuffix
}

// Row is one physical sample measurement.
type Row struct {
	ID        uuid.UUID `json:"id"`
	ProjectID uuid.UUID `json:"project_id"`
	Label     string    `json:"label"`
	// Position is the original ordinal and defines run order.
	Position int     `json:"position"`
	Columns  Columns `json:"columns"`
}

// Clone returns a deep copy.
func (r *Row) Clone() *Row {
	out := *r
	out.Columns = r.Columns.Clone()
	return &out
}

// Number returns the numeric value of a column.
func (r *Row) Number(column string) (float64, bool) {
	return r.Columns.Number(column)
}

// Type returns the Type column as text.
func (r *Row) Type() string {
	v, ok := r.Columns.Get(ColumnType)
	if !ok {
		return ""
	}
	return v.String()
}

// IsStandard reports whether the row is typed as a calibration standard.
func (r *Row) IsStandard() bool {
	return strings.EqualFold(r.Type(), RowTypeStandard)
}

// IsElementColumn reports whether column holds a corrected element value on this row.
func (r *Row) IsElementColumn(column string) bool {
	if IsReservedColumn(column) || IsRawColumn(column) {
		return false
	}
	_, ok := r.Columns.Number(column)
	return ok
}

// ElementColumns returns the row's numeric non-reserved columns in order.
func (r *Row) ElementColumns() []string {
	var out []string
	for _, k := range r.Columns.keys {
		if r.IsElementColumn(k) {
			out = append(out, k)
		}
	}
	return out
}

// ElementColumns returns the union of element columns across rows, in order
// of first appearance.
func ElementColumns(rows []*Row) []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range rows {
		for _, k := range r.ElementColumns() {
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	return out
}

// SortByPosition orders rows by Position, keeping input order for ties.
func SortByPosition(rows []*Row) {
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].Position < rows[j].Position
	})
}

// CloneRows deep-copies a row slice.
func CloneRows(rows []*Row) []*Row {
	out := make([]*Row, len(rows))
	for i, r := range rows {
		out[i] = r.Clone()
	}
	return out
}
