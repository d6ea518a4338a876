package pivot

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/assay-engine/pkg/apperrors"
	"github.com/ekaya-inc/assay-engine/pkg/models"
)

func row(label string, pos int, kv ...any) *models.Row {
	cols := models.NewColumns()
	for i := 0; i+1 < len(kv); i += 2 {
		switch v := kv[i+1].(type) {
		case float64:
			cols.Set(kv[i].(string), models.Number(v))
		case string:
			cols.Set(kv[i].(string), models.Text(v))
		}
	}
	return &models.Row{ID: uuid.New(), Label: label, Position: pos, Columns: cols}
}

func labels(p *Page) []string {
	out := make([]string, len(p.Rows))
	for i, r := range p.Rows {
		out[i] = r.Label
	}
	return out
}

func sampleRows() []*models.Row {
	return []*models.Row{
		row("S3", 2, "Type", "Sample", "Fe", 30.0, "Si", 3.0),
		row("S1", 0, "Type", "Sample", "Fe", 10.0, "Si", 1.0),
		row("S2", 1, "Type", "Sample", "Fe", 20.0, "Si", 2.0),
		row("S1 rep", 3, "Type", "Sample", "Fe", 14.0),
		row("OREAS 24b", 4, "Type", "Sample", "Fe", 5.0, "Si", 5.0),
	}
}

func TestBuild_OrderAndRepeatTags(t *testing.T) {
	page, err := Build(sampleRows(), Config{})
	require.NoError(t, err)

	assert.Equal(t, []string{"Fe", "Si"}, page.Columns)
	assert.Equal(t, []string{"S1", "S2", "S3", "S1 rep", "OREAS 24b"}, labels(page))
	assert.Equal(t, 5, page.Total)
	assert.Equal(t, 1, page.TotalPages)

	first, rep := page.Rows[0], page.Rows[3]
	assert.Equal(t, 0, first.RepeatIndex)
	assert.Equal(t, 2, first.RepeatCount)
	assert.Equal(t, 1, rep.RepeatIndex)
	assert.Equal(t, 2, rep.RepeatCount)
	assert.True(t, rep.Value(page.Columns, "Si").IsMissing())
}

func TestBuild_SearchAndFilters(t *testing.T) {
	min, max := 10.0, 20.0
	page, err := Build(sampleRows(), Config{
		Search:  "s",
		Filters: []NumericFilter{{Column: "Fe", Min: &min, Max: &max}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"S1", "S2", "S1 rep"}, labels(page))

	page, err = Build(sampleRows(), Config{Labels: []string{"s1"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"S1", "S1 rep"}, labels(page), "allow-list matches repeats by base label")

	_, err = Build(sampleRows(), Config{Filters: []NumericFilter{{Column: "Au"}}})
	require.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestBuild_StatsIndependentOfPaging(t *testing.T) {
	var rows []*models.Row
	for i := 0; i < 23; i++ {
		rows = append(rows, row("S", i, "Fe", float64(i)))
	}
	// give every row a distinct label so nothing merges
	for i, r := range rows {
		r.Label = r.Label + string(rune('A'+i))
	}

	var first []ColumnStats
	for _, size := range []int{1, 5, 7, 23, 50} {
		for page := 1; page <= 4; page++ {
			p, err := Build(rows, Config{Page: page, PageSize: size})
			require.NoError(t, err)
			if first == nil {
				first = p.Stats
				continue
			}
			if diff := cmp.Diff(first, p.Stats); diff != "" {
				t.Errorf("stats changed with page=%d size=%d (-want +got):\n%s", page, size, diff)
			}
		}
	}

	require.Len(t, first, 1)
	assert.Equal(t, 23, first[0].Count)
	assert.Equal(t, 0.0, first[0].Min)
	assert.Equal(t, 22.0, first[0].Max)
	assert.InDelta(t, 11.0, first[0].Mean, 1e-9)
	// population stddev of 0..22 = sqrt((n^2-1)/12)
	assert.InDelta(t, math.Sqrt((23*23-1)/12.0), first[0].StdDev, 1e-9)
}

func TestBuild_Pagination(t *testing.T) {
	var rows []*models.Row
	for i := 0; i < 5; i++ {
		rows = append(rows, row(string(rune('A'+i)), i, "Fe", float64(i)))
	}

	p, err := Build(rows, Config{Page: 2, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"C", "D"}, labels(p))
	assert.Equal(t, 3, p.TotalPages)

	p, err = Build(rows, Config{Page: 9, PageSize: 2})
	require.NoError(t, err)
	assert.Empty(t, p.Rows)
	assert.Equal(t, 5, p.Total)

	_, err = Build(rows, Config{Page: -1})
	require.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestBuild_MergeRepeats(t *testing.T) {
	rows := []*models.Row{
		row("S1", 0, "Fe", 10.0, "Cu", 1.0),
		row("S1_R2", 1, "Fe", 14.0),
		row("S2", 2, "Fe", 7.0, "Cu", 2.0),
	}

	tests := []struct {
		agg    Aggregation
		wantFe float64
		wantCu float64
	}{
		{AggSum, 24, 1},
		{AggCount, 2, 1},
		{AggMean, 12, 1},
		{AggMin, 10, 1},
		{AggMax, 14, 1},
		{AggFirst, 10, 1},
	}
	for _, tt := range tests {
		t.Run(string(tt.agg), func(t *testing.T) {
			p, err := Build(rows, Config{MergeRepeats: true, Aggregation: tt.agg})
			require.NoError(t, err)
			require.Len(t, p.Rows, 2)
			merged := p.Rows[0]
			assert.Equal(t, "S1", merged.Label)
			assert.Len(t, merged.RowIDs, 2)
			assert.Equal(t, 2, merged.RepeatCount)

			fe, ok := merged.Value(p.Columns, "Fe").Float()
			require.True(t, ok)
			assert.Equal(t, tt.wantFe, fe)
			cu, ok := merged.Value(p.Columns, "Cu").Float()
			require.True(t, ok)
			assert.Equal(t, tt.wantCu, cu)
		})
	}

	p, err := Build(rows, Config{MergeRepeats: true, Aggregation: AggLast})
	require.NoError(t, err)
	assert.True(t, p.Rows[0].Value(p.Columns, "Cu").IsMissing(), "last takes the last row's cell as-is")
}

func TestBuild_OxideAndPrecision(t *testing.T) {
	rows := []*models.Row{row("S1", 0, "Fe", 10.0, "Au", 1.23456)}
	prec := 2
	p, err := Build(rows, Config{Oxide: true, Precision: &prec})
	require.NoError(t, err)

	fe, _ := p.Rows[0].Value(p.Columns, "Fe").Float()
	au, _ := p.Rows[0].Value(p.Columns, "Au").Float()
	assert.Equal(t, 14.3, fe)
	assert.Equal(t, 1.23, au, "unknown elements pass through unconverted")
	assert.Equal(t, map[string]string{"Fe": "Fe2O3"}, p.Oxides)
	assert.Equal(t, 1, p.OxideTableVersion)
}

func TestParseAggregation(t *testing.T) {
	agg, err := ParseAggregation("AVG")
	require.NoError(t, err)
	assert.Equal(t, AggMean, agg)

	_, err = ParseAggregation("median")
	assert.True(t, errors.Is(err, apperrors.ErrValidation))
}

func TestOxideLookup(t *testing.T) {
	tests := []struct {
		column  string
		formula string
		ok      bool
	}{
		{"Si", "SiO2", true},
		{"S", "SO3", true},
		{"Fe_ppm", "Fe2O3", true},
		{"Au", "", false},
		{"weight", "", false},
	}
	for _, tt := range tests {
		o, ok := DefaultOxides().Lookup(tt.column)
		if ok != tt.ok || o.Formula != tt.formula {
			t.Errorf("Lookup(%q) = %q, %v; want %q, %v", tt.column, o.Formula, ok, tt.formula, tt.ok)
		}
	}
}

func TestFindDuplicates(t *testing.T) {
	rows := []*models.Row{
		row("S1", 0, "Fe", 10.0, "Cu", 1.0),
		row("S2", 1, "Fe", 20.0),
		row("S1 DUP", 2, "Fe", 10.5, "Cu", 1.5),
		row("S2-D", 3, "Fe", 20.0),
		row("S9 DUP", 4, "Fe", 1.0),
	}

	report, err := FindDuplicates(rows, DuplicateConfig{ThresholdPercent: 10})
	require.NoError(t, err)
	require.Len(t, report.Pairs, 2)

	p := report.Pairs[0]
	assert.Equal(t, "S1", p.OriginalLabel)
	assert.Equal(t, "S1 DUP", p.DuplicateLabel)
	require.Len(t, p.Elements, 2)
	assert.InDelta(t, 0.5/10.25*100, p.Elements[0].DiffPercent, 1e-9)
	assert.False(t, p.Elements[0].Exceeds)
	assert.InDelta(t, 40.0, p.Elements[1].DiffPercent, 1e-9)
	assert.True(t, p.Elements[1].Exceeds)
	assert.Equal(t, 1, report.PairsExceeding)

	assert.Equal(t, "S2-D", report.Pairs[1].DuplicateLabel)
	assert.Equal(t, 0, report.Pairs[1].ExceedCount)

	_, err = FindDuplicates(rows, DuplicateConfig{Patterns: []string{"DUP"}})
	require.ErrorIs(t, err, apperrors.ErrValidation)
}
