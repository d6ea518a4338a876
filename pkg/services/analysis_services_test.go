package services

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/assay-engine/pkg/analysis/crm"
	"github.com/ekaya-inc/assay-engine/pkg/analysis/drift"
	"github.com/ekaya-inc/assay-engine/pkg/analysis/optimizer"
	"github.com/ekaya-inc/assay-engine/pkg/analysis/pivot"
	"github.com/ekaya-inc/assay-engine/pkg/apperrors"
	"github.com/ekaya-inc/assay-engine/pkg/models"
)

func TestPivotService_PagesAndStats(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	importRows(t, env,
		ImportRow{Label: "A", Columns: cols("Fe", 1.0)},
		ImportRow{Label: "B", Columns: cols("Fe", 2.0, "Cu", 5.0)},
		ImportRow{Label: "C", Columns: cols("Fe", 3.0)},
	)

	page, err := env.pivots.Pivot(ctx, env.project.ID, pivot.Config{Page: 1, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"Fe", "Cu"}, page.Columns)
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, 2, page.TotalPages)
	require.Len(t, page.Rows, 2)
	assert.Equal(t, "A", page.Rows[0].Label)

	require.Len(t, page.Stats, 2)
	assert.Equal(t, 3, page.Stats[0].Count, "stats cover every row, not just the page")
	assert.InDelta(t, 2.0, page.Stats[0].Mean, 1e-12)

	_, err = env.pivots.Pivot(ctx, uuid.New(), pivot.Config{})
	require.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestPivotService_FindDuplicatesUsesDefaultThreshold(t *testing.T) {
	env := newTestEnv(t)
	importRows(t, env,
		ImportRow{Label: "S1", Columns: cols("Fe", 10.0, "Cu", 1.0)},
		ImportRow{Label: "S1 DUP", Columns: cols("Fe", 10.5, "Cu", 1.5)},
	)

	report, err := env.pivots.FindDuplicates(context.Background(), env.project.ID, pivot.DuplicateConfig{})
	require.NoError(t, err)
	assert.Equal(t, 10.0, report.ThresholdPercent)
	require.Len(t, report.Pairs, 1)
	assert.Equal(t, 1, report.Pairs[0].ExceedCount)
	assert.Equal(t, 1, report.PairsExceeding)
}

func seedReferences(t *testing.T, env *testEnv, certified map[string]float64) {
	t.Helper()
	for id, fe := range certified {
		require.NoError(t, env.references.UpsertReference(context.Background(), &models.ReferenceMaterial{
			ID:     id,
			Method: "4A",
			Type:   "ore",
			Values: map[string]float64{"Fe": fe},
		}))
	}
}

func TestReferenceService_CompareBand(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedReferences(t, env, map[string]float64{"REF-A": 10})
	importRows(t, env,
		ImportRow{Label: "REF-A", Columns: cols("Fe", 11.0)},
		ImportRow{Label: "S1", Columns: cols("Fe", 3.0)},
	)

	wide, err := env.references.Compare(ctx, env.project.ID, crm.CompareConfig{Band: crm.Band{Min: -12, Max: 12}})
	require.NoError(t, err)
	require.Len(t, wide.Rows, 1, "only reference rows are compared")
	require.Len(t, wide.Rows[0].Elements, 1)
	assert.Equal(t, crm.StatusPass, wide.Rows[0].Elements[0].Status)

	narrow, err := env.references.Compare(ctx, env.project.ID, crm.CompareConfig{Band: crm.Band{Min: -5, Max: 5}})
	require.NoError(t, err)
	assert.Equal(t, crm.StatusFail, narrow.Rows[0].Elements[0].Status)

	configured, err := env.references.Compare(ctx, env.project.ID, crm.CompareConfig{})
	require.NoError(t, err)
	assert.Equal(t, -10.0, configured.Band.Min)
	assert.Equal(t, 10.0, configured.Band.Max)

	methods, err := env.references.ListAnalysisMethods(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"4A"}, methods)
}

func TestReferenceService_Selections(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedReferences(t, env, map[string]float64{"REF-A": 10})
	importRows(t, env, ImportRow{Label: "REF-A", Columns: cols("Fe", 10.0)})

	sel, err := env.references.PinSelection(ctx, env.project.ID, "REF-A", 0, "REF-A|4A")
	require.NoError(t, err)
	assert.Equal(t, "REF-A|4A", sel.RecordKey)

	sels, err := env.references.ListSelections(ctx, env.project.ID)
	require.NoError(t, err)
	require.Len(t, sels, 1)

	_, err = env.references.PinSelection(ctx, env.project.ID, "REF-A", 0, "REF-A|FA")
	require.ErrorIs(t, err, apperrors.ErrNotFound, "unknown record key")
	_, err = env.references.PinSelection(ctx, env.project.ID, "REF-A", 3, "REF-A|4A")
	require.ErrorIs(t, err, apperrors.ErrNotFound, "unknown row")
	_, err = env.references.PinSelection(ctx, env.project.ID, " ", 0, "REF-A|4A")
	require.ErrorIs(t, err, apperrors.ErrValidation)

	require.NoError(t, env.references.UnpinSelection(ctx, env.project.ID, "REF-A", 0))
	sels, err = env.references.ListSelections(ctx, env.project.ID)
	require.NoError(t, err)
	assert.Empty(t, sels)
}

func TestReferenceService_UpsertValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	err := env.references.UpsertReference(ctx, &models.ReferenceMaterial{ID: " "})
	require.ErrorIs(t, err, apperrors.ErrValidation)
	err = env.references.UpsertReference(ctx, &models.ReferenceMaterial{ID: "REF-B"})
	require.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestReferenceService_CheckWeightsTolerance(t *testing.T) {
	env := newTestEnv(t)
	weightRun(t, env)

	results, err := env.references.CheckWeights(context.Background(), env.project.ID, crm.WeightConfig{Expected: 0.5})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, crm.WeightOk, results[0].Status)
	assert.Equal(t, crm.WeightOk, results[1].Status)
	assert.Equal(t, crm.WeightTooLow, results[2].Status)
	assert.InDelta(t, 0.475, results[0].Min, 1e-12, "configured tolerance applies")
}

// driftRows is STD(10) A B C STD(8) D E STD(5) F.
func driftRows() []ImportRow {
	std := func(fe float64) ImportRow {
		return ImportRow{Label: "STD", Columns: cols("Type", models.RowTypeStandard, "Fe", fe)}
	}
	smp := func(label string) ImportRow {
		return ImportRow{Label: label, Columns: cols("Type", models.RowTypeSample, "Fe", 4.0)}
	}
	return []ImportRow{
		std(10), smp("A"), smp("B"), smp("C"),
		std(8), smp("D"), smp("E"),
		std(5), smp("F"),
	}
}

func TestDriftService_AnalyzeApplyUndo(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	importRows(t, env, driftRows()...)

	analysis, err := env.drifts.Analyze(ctx, env.project.ID, drift.Config{Method: drift.MethodStepwise})
	require.NoError(t, err)
	assert.Equal(t, drift.MethodStepwise, analysis.Method)
	assert.Len(t, analysis.Corrections, 5)

	res, err := env.drifts.Apply(ctx, env.project.ID, drift.Config{Method: drift.MethodStepwise}, WriteOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.ChangeKindDrift, res.Kind)
	assert.Equal(t, 5, res.RowsChanged)
	assert.NotEmpty(t, res.Messages, "skipped trailing segment is reported")

	for _, label := range []string{"A", "B", "C"} {
		assert.InDelta(t, 4.5, number(t, rowByLabel(t, env, label), "Fe"), 1e-12, label)
	}
	assert.Equal(t, 4.0, number(t, rowByLabel(t, env, "F"), "Fe"))
	stds := 0
	for _, r := range loadRows(t, env) {
		if r.IsStandard() {
			stds++
			assert.NotEqual(t, 4.5, number(t, r, "Fe"), "standards are not corrected")
		}
	}
	assert.Equal(t, 3, stds)

	_, err = env.corrections.Undo(ctx, env.project.ID, WriteOptions{})
	require.NoError(t, err)
	for _, label := range []string{"A", "B", "C", "D", "E"} {
		assert.Equal(t, 4.0, number(t, rowByLabel(t, env, label), "Fe"), label)
	}
}

func TestDriftService_ConfiguredMethod(t *testing.T) {
	env := newTestEnv(t)
	importRows(t, env, driftRows()...)

	analysis, err := env.drifts.Analyze(context.Background(), env.project.ID, drift.Config{})
	require.NoError(t, err)
	assert.Equal(t, drift.MethodLinear, analysis.Method)
}

// referenceRun measures four references through blank 2 and scale 1.25.
func referenceRun(t *testing.T, env *testEnv) {
	t.Helper()
	certified := map[string]float64{"REF-A": 10, "REF-B": 20, "REF-C": 40, "REF-D": 80}
	seedReferences(t, env, certified)
	var rows []ImportRow
	for _, id := range []string{"REF-A", "REF-B", "REF-C", "REF-D"} {
		rows = append(rows, ImportRow{Label: id, Columns: cols("Fe", certified[id]/1.25+2)})
	}
	rows = append(rows, ImportRow{Label: "S1", Columns: cols("Fe", 30.0)})
	importRows(t, env, rows...)
}

func TestOptimizationService_RunAndApply(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	referenceRun(t, env)
	base := activeVersion(t, env)

	run, err := env.optimizations.Run(ctx, env.project.ID, OptimizeRequest{})
	require.NoError(t, err)
	require.NotNil(t, run.BaseVersionID)
	assert.Equal(t, base.ID, *run.BaseVersionID)
	require.Len(t, run.Result.Elements, 1)
	fe := run.Result.Elements[0]
	assert.Equal(t, 4, fe.Observations)
	require.NotNil(t, fe.Best)
	assert.GreaterOrEqual(t, fe.Best.Evaluation.Pass, fe.Baseline.Pass)

	res, applied, err := env.optimizations.Apply(ctx, env.project.ID, OptimizeRequest{}, WriteOptions{})
	require.NoError(t, err)
	require.NotNil(t, applied)
	assert.Equal(t, models.ChangeKindOptimization, res.Kind)
	assert.True(t, res.Success)
	if res.BatchID != nil {
		batch, err := env.corrections.GetBatch(ctx, env.project.ID, *res.BatchID)
		require.NoError(t, err)
		assert.Equal(t, models.SourceOptimizer, batch.Source)
	}
}

func TestOptimizationService_ApplyConflictsWithStaleVersion(t *testing.T) {
	env := newTestEnv(t)
	referenceRun(t, env)

	_, _, err := env.optimizations.Apply(context.Background(), env.project.ID,
		OptimizeRequest{}, WriteOptions{ExpectedVersionID: idPtr(uuid.New())})
	require.ErrorIs(t, err, apperrors.ErrConflict)
}

func TestOptimizationService_InsufficientData(t *testing.T) {
	env := newTestEnv(t)
	importRows(t, env, ImportRow{Label: "S1", Columns: cols("Fe", 1.0)})

	_, err := env.optimizations.Run(context.Background(), env.project.ID, OptimizeRequest{})
	require.ErrorIs(t, err, apperrors.ErrInsufficientData)
}

func TestOptimizationService_ManualPreviewAndApply(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	referenceRun(t, env)
	params := map[string]optimizer.Params{"Fe": {Blank: 2, Scale: 1.25}}

	preview, err := env.optimizations.PreviewManual(ctx, env.project.ID, params, crm.CompareConfig{Band: crm.Band{Min: -1, Max: 1}})
	require.NoError(t, err)
	require.Len(t, preview.Elements, 1)
	assert.Equal(t, 4, preview.Elements[0].After.Pass)
	assert.Less(t, preview.Elements[0].Before.Pass, 4)
	assert.Len(t, preview.Adjustments, 4, "REF-A is already exact")
	assert.Equal(t, 30.0, number(t, rowByLabel(t, env, "S1"), "Fe"), "preview persists nothing")

	_, err = env.optimizations.PreviewManual(ctx, env.project.ID, nil, crm.CompareConfig{})
	require.ErrorIs(t, err, apperrors.ErrValidation)

	res, err := env.optimizations.ApplyManual(ctx, env.project.ID, params, WriteOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.ChangeKindBlankScale, res.Kind)
	assert.InDelta(t, 35.0, number(t, rowByLabel(t, env, "S1"), "Fe"), 1e-9, "(30-2)*1.25")
	assert.InDelta(t, 10.0, number(t, rowByLabel(t, env, "REF-A"), "Fe"), 1e-9)
}
