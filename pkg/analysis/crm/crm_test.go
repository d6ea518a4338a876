package crm

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/assay-engine/pkg/apperrors"
	"github.com/ekaya-inc/assay-engine/pkg/models"
)

type fakeLibrary struct {
	records []*models.ReferenceMaterial
	calls   int
	err     error
}

func (f *fakeLibrary) FindByCrmID(_ context.Context, crmID, method string) ([]*models.ReferenceMaterial, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	var out []*models.ReferenceMaterial
	for _, r := range f.records {
		if models.NormalizeReferenceID(r.ID) == models.NormalizeReferenceID(crmID) && (method == "" || r.Method == method) {
			out = append(out, r)
		}
	}
	return out, nil
}

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

func mustMatcher(t *testing.T) *Matcher {
	t.Helper()
	m, err := NewMatcher(nil)
	require.NoError(t, err)
	return m
}

func TestMatcher_Identify(t *testing.T) {
	m := mustMatcher(t)
	tests := []struct {
		label string
		want  string
		ok    bool
	}{
		{"OREAS 24b", "OREAS 24b", true},
		{"oreas-45e rep", "oreas-45e", true},
		{"NIST 2709a", "NIST 2709a", true},
		{"SRM1646", "SRM1646", true},
		{"GBW07405", "GBW07405", true},
		{"REF-A", "REF-A", true},
		{"CRM-12", "CRM-12", true},
		{"S1", "", false},
		{"Blank", "", false},
	}
	for _, tt := range tests {
		got, ok := m.Identify(tt.label)
		if got != tt.want || ok != tt.ok {
			t.Errorf("Identify(%q) = %q, %v; want %q, %v", tt.label, got, ok, tt.want, tt.ok)
		}
	}

	_, err := NewMatcher([]string{"(unclosed"})
	require.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestCompare_BandDecidesPassOrFail(t *testing.T) {
	lib := &fakeLibrary{records: []*models.ReferenceMaterial{
		{ID: "REF-A", Values: map[string]float64{"Fe": 10.0}},
	}}
	rows := []*models.Row{row("REF-A", 0, "Fe", 11.0)}
	m := mustMatcher(t)

	wide, err := m.Compare(context.Background(), rows, lib, nil, CompareConfig{Band: Band{Min: -12, Max: 12}})
	require.NoError(t, err)
	require.Len(t, wide.Rows, 1)
	require.Len(t, wide.Rows[0].Elements, 1)
	fe := wide.Rows[0].Elements[0]
	assert.InDelta(t, 10.0, *fe.DiffPercent, 1e-9)
	assert.Equal(t, StatusPass, fe.Status)

	narrow, err := m.Compare(context.Background(), rows, lib, nil, CompareConfig{Band: Band{Min: -5, Max: 5}})
	require.NoError(t, err)
	assert.Equal(t, StatusFail, narrow.Rows[0].Elements[0].Status)
	assert.Equal(t, 1, narrow.Summary.Fail)
}

func TestBand_Classify(t *testing.T) {
	b := Band{Min: -10, Max: 10, WarningMargin: 2}
	tests := []struct {
		diff float64
		want Status
	}{
		{0, StatusPass},
		{9, StatusWarning},
		{-9.5, StatusWarning},
		{10, StatusWarning},
		{10.1, StatusFail},
		{-20, StatusFail},
	}
	for _, tt := range tests {
		if got := b.Classify(tt.diff); got != tt.want {
			t.Errorf("Classify(%v) = %s, want %s", tt.diff, got, tt.want)
		}
	}

	require.ErrorIs(t, Band{Min: 5, Max: 5}.Validate(), apperrors.ErrValidation)
}

func TestCompare_ResolutionOrder(t *testing.T) {
	lib := &fakeLibrary{records: []*models.ReferenceMaterial{
		{ID: "OREAS 24b", Method: "4A", Values: map[string]float64{"Fe": 5}},
		{ID: "OREAS-24B", Method: "FA", Values: map[string]float64{"Fe": 6}},
	}}
	rows := []*models.Row{
		row("OREAS 24b", 0, "Fe", 5.0),
		row("OREAS 24b", 1, "Fe", 6.0),
	}
	m := mustMatcher(t)
	ctx := context.Background()
	band := Band{Min: -10, Max: 10}

	report, err := m.Compare(ctx, rows, lib, nil, CompareConfig{Band: band})
	require.NoError(t, err)
	assert.Equal(t, MatchAmbiguous, report.Rows[0].Match)
	assert.Equal(t, []Option{
		{RecordKey: "OREAS 24b|4A", ID: "OREAS 24b", Method: "4A"},
		{RecordKey: "OREAS-24B|FA", ID: "OREAS-24B", Method: "FA"},
	}, report.Rows[0].Options)
	assert.Equal(t, 2, report.Summary.Ambiguous)
	assert.Len(t, report.Messages, 2)
	assert.Equal(t, 1, lib.calls, "lookups are cached per normalized id")

	pins := Pins{{Label: "OREAS 24b", Position: 1}: "OREAS-24B|FA"}
	report, err = m.Compare(ctx, rows, lib, pins, CompareConfig{Band: band, PreferredMethods: []string{"4a"}})
	require.NoError(t, err)
	assert.Equal(t, ResolvedPreferred, report.Rows[0].ResolvedBy)
	assert.Equal(t, "4A", report.Rows[0].Method)
	assert.Equal(t, ResolvedPin, report.Rows[1].ResolvedBy)
	assert.Equal(t, "FA", report.Rows[1].Method)
	assert.Equal(t, 2, report.Summary.Pass)
}

func TestCompare_NoReferenceAndSkipped(t *testing.T) {
	lib := &fakeLibrary{records: []*models.ReferenceMaterial{
		{ID: "GBW07405", Values: map[string]float64{"Fe": 4, "Cu": 0}},
	}}
	rows := []*models.Row{
		row("GBW07405", 0, "Fe", 4.2, "Cu", 1.0, "Zn", 3.0, "S", 0.1),
		row("CRM-X", 1, "Fe", 1.0),
	}
	report, err := mustMatcher(t).Compare(context.Background(), rows, lib, nil, CompareConfig{
		Band:             Band{Min: -10, Max: 10},
		ExcludedElements: []string{"s"},
	})
	require.NoError(t, err)

	statuses := map[string]Status{}
	for _, e := range report.Rows[0].Elements {
		statuses[e.Element] = e.Status
	}
	assert.Equal(t, map[string]Status{
		"Fe": StatusPass,
		"Cu": StatusNoReference,
		"Zn": StatusNoReference,
		"S":  StatusSkipped,
	}, statuses)
	assert.Equal(t, 1, report.Rows[0].Total)
	assert.Equal(t, MatchUnknown, report.Rows[1].Match)

	require.Len(t, report.Elements, 1)
	assert.Equal(t, "Fe", report.Elements[0].Element)
	assert.InDelta(t, 5.0, report.Elements[0].AvgDiff, 1e-9)
}

func TestCompare_LibraryError(t *testing.T) {
	boom := errors.New("connection refused")
	_, err := mustMatcher(t).Compare(context.Background(), []*models.Row{row("REF-A", 0, "Fe", 1.0)},
		&fakeLibrary{err: boom}, nil, CompareConfig{Band: Band{Min: -1, Max: 1}})
	require.ErrorIs(t, err, boom)
}

func TestFindBadWeights(t *testing.T) {
	rows := []*models.Row{
		row("S1", 0, "Weight", 0.48, "Fe", 10.0),
		row("S2", 1, "Weight", 0.52, "Fe", 11.0),
		row("S3", 2, "Weight", 0.30, "Fe", 12.0),
		row("OREAS 24b", 3, "Weight", 0.10),
		row("STD-1", 4, "Type", "Standard", "Weight", 2.0),
		row("S4", 5, "Fe", 1.0),
	}
	lo, hi := 0.45, 0.55
	m := mustMatcher(t)

	bad, err := m.FindBadWeights(rows, WeightConfig{Min: &lo, Max: &hi})
	require.NoError(t, err)
	require.Len(t, bad, 1)
	assert.Equal(t, "S3", bad[0].Label)
	assert.Equal(t, WeightTooLow, bad[0].Status)

	all, err := m.CheckWeights(rows, WeightConfig{Min: &lo, Max: &hi})
	require.NoError(t, err)
	got := make([]WeightStatus, len(all))
	for i, r := range all {
		got[i] = r.Status
	}
	assert.Equal(t, []WeightStatus{WeightOk, WeightOk, WeightTooLow, WeightSkipped, WeightSkipped, WeightMissing}, got)

	_, err = m.CheckWeights(rows, WeightConfig{Expected: 0})
	require.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestWeightConfig_ToleranceRange(t *testing.T) {
	lo, hi, err := WeightConfig{Expected: 0.5, TolerancePercent: 10}.Range()
	require.NoError(t, err)
	assert.InDelta(t, 0.45, lo, 1e-12)
	assert.InDelta(t, 0.55, hi, 1e-12)
}
