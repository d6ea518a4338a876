package services

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/assay-engine/pkg/analysis/crm"
	"github.com/ekaya-inc/assay-engine/pkg/analysis/optimizer"
	"github.com/ekaya-inc/assay-engine/pkg/apperrors"
	"github.com/ekaya-inc/assay-engine/pkg/models"
	"github.com/ekaya-inc/assay-engine/pkg/projectlock"
	"github.com/ekaya-inc/assay-engine/pkg/repositories"
)

func weightRun(t *testing.T, env *testEnv) *OperationResult {
	t.Helper()
	return importRows(t, env,
		ImportRow{Label: "S1", Columns: cols("Weight", 0.48, "Fe", 10.0)},
		ImportRow{Label: "S2", Columns: cols("Weight", 0.52, "Fe", 11.0)},
		ImportRow{Label: "S3", Columns: cols("Weight", 0.30, "Fe", 12.0, "Cu", 3.0, "Fe_raw", 900.0)},
	)
}

func TestCorrectionService_ImportAssignsPositions(t *testing.T) {
	env := newTestEnv(t)

	first := importRows(t, env,
		ImportRow{Label: "A", Columns: cols("Fe", 1.0)},
		ImportRow{Label: " B ", Columns: cols("Fe", 2.0)},
	)
	assert.Equal(t, models.ChangeKindImport, first.Kind)
	assert.Equal(t, 2, first.RowsChanged)
	require.NotNil(t, first.VersionID)

	second := importRows(t, env, ImportRow{Label: "C", Columns: cols("Fe", 3.0)})

	rows := loadRows(t, env)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"A", "B", "C"}, []string{rows[0].Label, rows[1].Label, rows[2].Label})
	assert.Equal(t, []int{0, 1, 2}, []int{rows[0].Position, rows[1].Position, rows[2].Position})

	root, err := env.corrections.GetVersion(context.Background(), env.project.ID, *first.VersionID)
	require.NoError(t, err)
	assert.Nil(t, root.ParentID, "first import creates the root snapshot")

	v2 := activeVersion(t, env)
	assert.Equal(t, *second.VersionID, v2.ID)
	require.NotNil(t, v2.ParentID)
	assert.Equal(t, root.ID, *v2.ParentID)
	assert.Equal(t, 3, v2.RowCount)
}

func TestCorrectionService_ImportValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.corrections.ImportRows(ctx, env.project.ID, nil, WriteOptions{})
	require.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = env.corrections.ImportRows(ctx, env.project.ID, []ImportRow{{Label: "  "}}, WriteOptions{})
	require.ErrorIs(t, err, apperrors.ErrValidation)

	res, err := env.corrections.ImportRows(ctx, uuid.New(), []ImportRow{{Label: "A"}}, WriteOptions{})
	require.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.False(t, res.Success)
}

func TestCorrectionService_WeightCorrectionAndUndo(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	weightRun(t, env)

	lo, hi := 0.45, 0.55
	bad, err := env.references.FindBadWeights(ctx, env.project.ID, crm.WeightConfig{Min: &lo, Max: &hi})
	require.NoError(t, err)
	require.Len(t, bad, 1)
	assert.Equal(t, "S3", bad[0].Label)

	before := activeVersion(t, env)
	res, err := env.corrections.ApplyFieldCorrection(ctx, env.project.ID, FieldCorrectionRequest{
		Column: "weight",
		Items:  []FieldCorrection{{Label: "s3", Value: 0.50}},
	}, WriteOptions{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, models.ChangeKindWeight, res.Kind)
	assert.Equal(t, 3, res.RowsConsidered)
	assert.Equal(t, 1, res.RowsChanged)

	s3 := rowByLabel(t, env, "S3")
	assert.InDelta(t, 0.50, number(t, s3, "Weight"), 1e-12)
	assert.InDelta(t, 20.0, number(t, s3, "Fe"), 1e-9)
	assert.InDelta(t, 5.0, number(t, s3, "Cu"), 1e-9)
	assert.Equal(t, 900.0, number(t, s3, "Fe_raw"), "raw columns are not rescaled")
	assert.InDelta(t, 10.0, number(t, rowByLabel(t, env, "S1"), "Fe"), 0, "other rows untouched")

	batch, err := env.corrections.GetBatch(ctx, env.project.ID, *res.BatchID)
	require.NoError(t, err)
	assert.Len(t, batch.Entries, 3, "Weight, Fe and Cu entries")

	undo, err := env.corrections.Undo(ctx, env.project.ID, WriteOptions{})
	require.NoError(t, err)
	assert.True(t, undo.Success)

	s3 = rowByLabel(t, env, "S3")
	assert.Equal(t, 0.30, number(t, s3, "Weight"))
	assert.Equal(t, 12.0, number(t, s3, "Fe"))
	assert.Equal(t, 3.0, number(t, s3, "Cu"))
	assert.Equal(t, before.ID, activeVersion(t, env).ID, "undo re-activates the parent snapshot")

	batches, err := env.corrections.ListBatches(ctx, env.project.ID, 10)
	require.NoError(t, err)
	var undoBatch *models.ChangeBatch
	for _, b := range batches {
		if b.Kind == models.ChangeKindUndo {
			undoBatch = b
		}
	}
	require.NotNil(t, undoBatch)
	require.NotNil(t, undoBatch.RevertsBatchID)
	assert.Equal(t, *res.BatchID, *undoBatch.RevertsBatchID)
}

func TestCorrectionService_RatioLawAcrossMetadataColumns(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	importRows(t, env, ImportRow{Label: "S1", Columns: cols(
		"Type", "Sample", "Weight", 1.0, "Volume", 50.0, "DF", 10.0, "Fe", 100.0, "Cu", 5.0, "Fe_raw", 1000.0)})

	steps := []struct {
		column string
		value  float64
		fe, cu float64
	}{
		{"Weight", 2, 200, 10},
		{"Volume", 25, 100, 5},
		{"DF", 20, 200, 10},
	}
	for _, st := range steps {
		_, err := env.corrections.ApplyFieldCorrection(ctx, env.project.ID, FieldCorrectionRequest{
			Column: st.column,
			Items:  []FieldCorrection{{Label: "S1", Value: st.value}},
		}, WriteOptions{})
		require.NoError(t, err, st.column)

		row := rowByLabel(t, env, "S1")
		assert.InDelta(t, st.value, number(t, row, st.column), 1e-12, st.column)
		assert.InDelta(t, st.fe, number(t, row, "Fe"), 1e-9, st.column)
		assert.InDelta(t, st.cu, number(t, row, "Cu"), 1e-9, st.column)
		assert.Equal(t, 1000.0, number(t, row, "Fe_raw"), st.column)
	}
}

func TestCorrectionService_FieldCorrectionWithoutPreviousValue(t *testing.T) {
	env := newTestEnv(t)
	importRows(t, env, ImportRow{Label: "S1", Columns: cols("Fe", 7.0)})

	res, err := env.corrections.ApplyFieldCorrection(context.Background(), env.project.ID, FieldCorrectionRequest{
		Column: "DF",
		Items:  []FieldCorrection{{Label: "S1", Value: 5}},
	}, WriteOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, res.Messages)
	assert.Contains(t, res.Messages[0], "no previous DF")

	row := rowByLabel(t, env, "S1")
	assert.Equal(t, 5.0, number(t, row, "DF"))
	assert.Equal(t, 7.0, number(t, row, "Fe"))
}

func TestCorrectionService_FieldCorrectionErrors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	importRows(t, env,
		ImportRow{Label: "S1", Columns: cols("Weight", 0.5, "Fe", 1.0)},
		ImportRow{Label: "S1", Columns: cols("Weight", 0.5, "Fe", 2.0)},
	)
	active := activeVersion(t, env)

	tests := []struct {
		name string
		req  FieldCorrectionRequest
		want error
	}{
		{"element column", FieldCorrectionRequest{Column: "Fe", Items: []FieldCorrection{{Label: "S1", Value: 1}}}, apperrors.ErrValidation},
		{"non-positive value", FieldCorrectionRequest{Column: "Weight", Items: []FieldCorrection{{Label: "S1", Value: 0}}}, apperrors.ErrValidation},
		{"no items", FieldCorrectionRequest{Column: "Weight"}, apperrors.ErrValidation},
		{"ambiguous label", FieldCorrectionRequest{Column: "Weight", Items: []FieldCorrection{{Label: "S1", Value: 1}}}, apperrors.ErrValidation},
		{"unknown label", FieldCorrectionRequest{Column: "Weight", Items: []FieldCorrection{{Label: "S9", Value: 1}}}, apperrors.ErrNotFound},
		{"unknown row id", FieldCorrectionRequest{Column: "Weight", Items: []FieldCorrection{{RowID: idPtr(uuid.New()), Value: 1}}}, apperrors.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := env.corrections.ApplyFieldCorrection(ctx, env.project.ID, tt.req, WriteOptions{})
			require.ErrorIs(t, err, tt.want)
			assert.False(t, res.Success)
		})
	}
	assert.Equal(t, active.ID, activeVersion(t, env).ID, "failed operations leave no snapshot")

	pos := 1
	res, err := env.corrections.ApplyFieldCorrection(ctx, env.project.ID, FieldCorrectionRequest{
		Column: "Weight",
		Items:  []FieldCorrection{{Label: "S1", Position: &pos, Value: 1.0}},
	}, WriteOptions{})
	require.NoError(t, err, "position disambiguates repeated labels")
	assert.Equal(t, 1, res.RowsChanged)
	rows := loadRows(t, env)
	assert.Equal(t, 1.0, number(t, rows[0], "Fe"))
	assert.InDelta(t, 4.0, number(t, rows[1], "Fe"), 1e-12)
}

func TestCorrectionService_ExpectedVersionConflict(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	weightRun(t, env)
	active := activeVersion(t, env)

	res, err := env.corrections.ApplyFieldCorrection(ctx, env.project.ID, FieldCorrectionRequest{
		Column: "Weight",
		Items:  []FieldCorrection{{Label: "S3", Value: 0.5}},
	}, WriteOptions{ExpectedVersionID: idPtr(uuid.New())})
	require.ErrorIs(t, err, apperrors.ErrConflict)
	assert.False(t, res.Success)
	assert.Equal(t, 0.30, number(t, rowByLabel(t, env, "S3"), "Weight"))

	res, err = env.corrections.ApplyFieldCorrection(ctx, env.project.ID, FieldCorrectionRequest{
		Column: "Weight",
		Items:  []FieldCorrection{{Label: "S3", Value: 0.5}},
	}, WriteOptions{ExpectedVersionID: idPtr(active.ID), Tag: "fix S3"})
	require.NoError(t, err)
	v, err := env.corrections.GetVersion(ctx, env.project.ID, *res.VersionID)
	require.NoError(t, err)
	assert.Equal(t, "fix S3", v.Tag)
}

func TestCorrectionService_NoChangesCreatesNoVersion(t *testing.T) {
	env := newTestEnv(t)
	weightRun(t, env)
	active := activeVersion(t, env)

	res, err := env.corrections.ApplyFieldCorrection(context.Background(), env.project.ID, FieldCorrectionRequest{
		Column: "Weight",
		Items:  []FieldCorrection{{Label: "S1", Value: 0.48}},
	}, WriteOptions{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Nil(t, res.BatchID)
	assert.Contains(t, res.Messages, "no changes")
	assert.Equal(t, active.ID, activeVersion(t, env).ID)
}

func TestCorrectionService_UndoRules(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.corrections.Undo(ctx, env.project.ID, WriteOptions{})
	require.ErrorIs(t, err, apperrors.ErrNotFound, "nothing to undo")

	weightRun(t, env)
	_, err = env.corrections.Undo(ctx, env.project.ID, WriteOptions{})
	require.ErrorIs(t, err, apperrors.ErrConflict, "the first import cannot be undone")

	root := activeVersion(t, env)
	_, err = env.corrections.ApplyFieldCorrection(ctx, env.project.ID, FieldCorrectionRequest{
		Column: "Weight",
		Items:  []FieldCorrection{{Label: "S3", Value: 0.5}},
	}, WriteOptions{})
	require.NoError(t, err)

	// Activate another snapshot behind the orchestrator's back.
	require.NoError(t, env.store.Versions().SetActive(ctx, env.project.ID, root.ID))
	_, err = env.corrections.Undo(ctx, env.project.ID, WriteOptions{})
	require.ErrorIs(t, err, apperrors.ErrConflict)
}

func TestCorrectionService_UndoSequence(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	weightRun(t, env)
	original := loadRows(t, env)

	_, err := env.corrections.ApplyFieldCorrection(ctx, env.project.ID, FieldCorrectionRequest{
		Column: "Weight",
		Items:  []FieldCorrection{{Label: "S3", Value: 0.5}},
	}, WriteOptions{})
	require.NoError(t, err)
	_, err = env.corrections.ApplyBlankScale(ctx, env.project.ID, models.ChangeKindBlankScale,
		map[string]optimizer.Params{"Cu": {Blank: 1, Scale: 2}}, WriteOptions{})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := env.corrections.Undo(ctx, env.project.ID, WriteOptions{})
		require.NoError(t, err, "undo %d", i)
	}
	assert.Equal(t, original, loadRows(t, env))

	_, err = env.corrections.Undo(ctx, env.project.ID, WriteOptions{})
	require.ErrorIs(t, err, apperrors.ErrConflict)
}

func TestCorrectionService_DeleteAndUndoReinserts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	weightRun(t, env)
	s2 := rowByLabel(t, env, "S2")

	res, err := env.corrections.DeleteRows(ctx, env.project.ID, []uuid.UUID{s2.ID, uuid.New()}, WriteOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.RowsChanged)
	assert.Len(t, res.Messages, 1, "unknown id is reported")
	assert.Len(t, loadRows(t, env), 2)

	_, err = env.corrections.Undo(ctx, env.project.ID, WriteOptions{})
	require.NoError(t, err)
	restored := rowByLabel(t, env, "S2")
	assert.Equal(t, s2, restored)
}

func TestCorrectionService_UndoRemovesImportedRows(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	weightRun(t, env)
	importRows(t, env, ImportRow{Label: "S4", Columns: cols("Fe", 1.0)})
	require.Len(t, loadRows(t, env), 4)

	_, err := env.corrections.Undo(ctx, env.project.ID, WriteOptions{})
	require.NoError(t, err)
	assert.Len(t, loadRows(t, env), 3)
}

func TestCorrectionService_BlankScaleUsesRawColumn(t *testing.T) {
	env := newTestEnv(t)
	weightRun(t, env)

	res, err := env.corrections.ApplyBlankScale(context.Background(), env.project.ID, models.ChangeKindBlankScale,
		map[string]optimizer.Params{"Fe": {Blank: 100, Scale: 0.02}}, WriteOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, res.RowsChanged)

	assert.InDelta(t, 16.0, number(t, rowByLabel(t, env, "S3"), "Fe"), 1e-9, "(900-100)*0.02")
	assert.InDelta(t, (10.0-100)*0.02, number(t, rowByLabel(t, env, "S1"), "Fe"), 1e-9)

	_, err = env.corrections.ApplyBlankScale(context.Background(), env.project.ID, models.ChangeKindDrift,
		map[string]optimizer.Params{"Fe": optimizer.Identity}, WriteOptions{})
	require.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestCorrectionService_CheckoutBranches(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	weightRun(t, env)
	root := activeVersion(t, env)

	_, err := env.corrections.ApplyFieldCorrection(ctx, env.project.ID, FieldCorrectionRequest{
		Column: "Weight",
		Items:  []FieldCorrection{{Label: "S3", Value: 0.5}},
	}, WriteOptions{})
	require.NoError(t, err)
	corrected := activeVersion(t, env)

	res, err := env.corrections.Checkout(ctx, env.project.ID, root.ID, WriteOptions{})
	require.NoError(t, err)
	require.NotNil(t, res.VersionID)
	assert.Equal(t, root.ID, *res.VersionID)
	assert.Equal(t, root.ID, activeVersion(t, env).ID)
	assert.Equal(t, 12.0, number(t, rowByLabel(t, env, "S3"), "Fe"))

	again, err := env.corrections.Checkout(ctx, env.project.ID, root.ID, WriteOptions{})
	require.NoError(t, err)
	assert.Nil(t, again.BatchID)
	assert.Contains(t, again.Messages[0], "already active")

	branch, err := env.corrections.DeleteRows(ctx, env.project.ID, []uuid.UUID{rowByLabel(t, env, "S1").ID}, WriteOptions{})
	require.NoError(t, err)
	v, err := env.corrections.GetVersion(ctx, env.project.ID, *branch.VersionID)
	require.NoError(t, err)
	require.NotNil(t, v.ParentID)
	assert.Equal(t, root.ID, *v.ParentID, "a mutation after checkout branches from the checked out snapshot")

	versions, err := env.corrections.ListVersions(ctx, env.project.ID)
	require.NoError(t, err)
	assert.Len(t, versions, 3, "checkout re-activates instead of creating")

	_, err = env.corrections.Checkout(ctx, env.project.ID, uuid.New(), WriteOptions{})
	require.ErrorIs(t, err, apperrors.ErrNotFound)

	// Undo the branch delete, then undo the checkout.
	_, err = env.corrections.Undo(ctx, env.project.ID, WriteOptions{})
	require.NoError(t, err)
	_, err = env.corrections.Undo(ctx, env.project.ID, WriteOptions{})
	require.NoError(t, err)
	assert.Equal(t, corrected.ID, activeVersion(t, env).ID)
	assert.InDelta(t, 20.0, number(t, rowByLabel(t, env, "S3"), "Fe"), 1e-9)
}

func TestCorrectionService_Apply(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	weightRun(t, env)

	boom := errors.New("boom")
	res, err := env.corrections.Apply(ctx, env.project.ID, models.ChangeKindDrift, WriteOptions{}, func(cs *ChangeSet) error {
		require.NoError(t, cs.Set(cs.Rows()[0].ID, "Fe", models.Number(99)))
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.False(t, res.Success)
	assert.Equal(t, 10.0, number(t, rowByLabel(t, env, "S1"), "Fe"), "a failed mutation is rolled back")

	_, err = env.corrections.Apply(ctx, env.project.ID, models.ChangeKind("bogus"), WriteOptions{}, func(*ChangeSet) error { return nil })
	require.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestCorrectionService_FindEmptyRows(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	importRows(t, env,
		ImportRow{Label: "A", Columns: cols("Fe", 10.0, "Cu", 10.0)},
		ImportRow{Label: "B", Columns: cols("Fe", 10.0, "Cu", 10.0)},
		ImportRow{Label: "C", Columns: cols("Fe", 0.1, "Cu", 0.1)},
		ImportRow{Label: "D", Columns: cols("Fe", 0.1, "Cu", 10.0)},
	)

	all, err := env.corrections.FindEmptyRows(ctx, env.project.ID, EmptyRowConfig{})
	require.NoError(t, err)
	assert.Equal(t, EmptyRowPolicyAll, all.Policy)
	assert.Equal(t, DefaultEmptyRowThreshold, all.ThresholdPercent)
	require.Len(t, all.Rows, 1)
	assert.Equal(t, "C", all.Rows[0].Label)

	anyReport, err := env.corrections.FindEmptyRows(ctx, env.project.ID, EmptyRowConfig{Policy: EmptyRowPolicyAny})
	require.NoError(t, err)
	require.Len(t, anyReport.Rows, 2)
	assert.Equal(t, "C", anyReport.Rows[0].Label, "most severe first")
	assert.Equal(t, "D", anyReport.Rows[1].Label)
	assert.Equal(t, []string{"Fe"}, anyReport.Rows[1].Below)
	assert.Greater(t, anyReport.Rows[0].Severity, anyReport.Rows[1].Severity)

	_, err = env.corrections.FindEmptyRows(ctx, env.project.ID, EmptyRowConfig{Policy: "some"})
	require.ErrorIs(t, err, apperrors.ErrValidation)

	ids := []uuid.UUID{anyReport.Rows[0].RowID, anyReport.Rows[1].RowID}
	_, err = env.corrections.DeleteRows(ctx, env.project.ID, ids, WriteOptions{})
	require.NoError(t, err)
	assert.Len(t, loadRows(t, env), 2)
}

// countingRows counts how rows reach the store.
type countingRows struct {
	repositories.RowRepository
	written, replaced int
}

func (r *countingRows) WriteRows(ctx context.Context, projectID uuid.UUID, rows []*models.Row) error {
	r.written++
	return r.RowRepository.WriteRows(ctx, projectID, rows)
}

func (r *countingRows) ReplaceRows(ctx context.Context, projectID uuid.UUID, rows []*models.Row) error {
	r.replaced++
	return r.RowRepository.ReplaceRows(ctx, projectID, rows)
}

func TestCorrectionService_RestoresSnapshotsWholesale(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	rows := &countingRows{RowRepository: env.store.Rows()}
	corrections := NewCorrectionService(env.store.Projects(), rows, env.store.Versions(), env.store.ChangeLog(),
		env.store, projectlock.NewLocal(), zap.NewNop())
	pid := env.project.ID

	first, err := corrections.ImportRows(ctx, pid, []ImportRow{
		{Label: "S1", Columns: cols("Fe", 1.0)},
		{Label: "S2", Columns: cols("Fe", 2.0)},
	}, WriteOptions{})
	require.NoError(t, err)
	_, err = corrections.ImportRows(ctx, pid, []ImportRow{{Label: "S3", Columns: cols("Fe", 3.0)}}, WriteOptions{})
	require.NoError(t, err)
	_, err = corrections.DeleteRows(ctx, pid, []uuid.UUID{rowByLabel(t, env, "S1").ID}, WriteOptions{})
	require.NoError(t, err)
	assert.Zero(t, rows.replaced, "ordinary edits are written as a diff")
	written := rows.written

	labels := func() []string {
		var out []string
		for _, r := range loadRows(t, env) {
			out = append(out, r.Label)
		}
		return out
	}

	_, err = corrections.Checkout(ctx, pid, *first.VersionID, WriteOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, rows.replaced)
	assert.Equal(t, []string{"S1", "S2"}, labels())

	_, err = corrections.Undo(ctx, pid, WriteOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, rows.replaced)
	assert.Equal(t, []string{"S2", "S3"}, labels())
	assert.Equal(t, written, rows.written, "restores do not upsert row by row")
}
