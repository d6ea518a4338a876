package memory

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/assay-engine/pkg/apperrors"
	"github.com/ekaya-inc/assay-engine/pkg/models"
)

func newRow(label string, pos int, kv ...any) *models.Row {
	cols := models.NewColumns()
	for i := 0; i+1 < len(kv); i += 2 {
		switch v := kv[i+1].(type) {
		case float64:
			cols.Set(kv[i].(string), models.Number(v))
		case string:
			cols.Set(kv[i].(string), models.Text(v))
		}
	}
	return &models.Row{Label: label, Position: pos, Columns: cols}
}

func seedProject(t *testing.T, s *Store) uuid.UUID {
	t.Helper()
	p := &models.Project{Name: "batch-7"}
	require.NoError(t, s.Projects().Create(context.Background(), p))
	return p.ID
}

func TestRunInTx_RollbackOnError(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	pid := seedProject(t, s)

	boom := errors.New("boom")
	err := s.RunInTx(ctx, func(ctx context.Context) error {
		require.NoError(t, s.Rows().WriteRows(ctx, pid, []*models.Row{newRow("S1", 0, "Fe", 1.0)}))
		rows, err := s.Rows().GetRows(ctx, pid)
		require.NoError(t, err)
		assert.Len(t, rows, 1, "writes are visible inside the transaction")
		return boom
	})
	require.ErrorIs(t, err, boom)

	rows, err := s.Rows().GetRows(ctx, pid)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestRunInTx_CommitHookFailureDiscardsState(t *testing.T) {
	fail := true
	s := NewStore(WithCommitHook(func(Snapshot) error {
		if fail {
			return errors.New("disk full")
		}
		return nil
	}))
	ctx := context.Background()

	err := s.Projects().Create(ctx, &models.Project{Name: "p"})
	require.ErrorIs(t, err, apperrors.ErrPersistence)

	list, err := s.Projects().List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	fail = false
	require.NoError(t, s.Projects().Create(ctx, &models.Project{Name: "p"}))
	list, err = s.Projects().List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestRunInTx_SharesVersionPayloads(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	pid := seedProject(t, s)

	v1 := &models.VersionSnapshot{ProjectID: pid, Data: json.RawMessage(`[{"label":"S1"}]`)}
	require.NoError(t, s.Versions().Create(ctx, v1))
	require.NoError(t, s.Versions().SetActive(ctx, pid, v1.ID))
	stored := s.state.versions[pid][0]

	err := s.RunInTx(ctx, func(ctx context.Context) error {
		inTx := s.txFrom(ctx).state.versions[pid][0]
		assert.NotSame(t, stored, inTx, "version headers are copied")
		assert.Same(t, &stored.Data[0], &inTx.Data[0], "version payloads are shared")

		v2 := &models.VersionSnapshot{ProjectID: pid, Data: json.RawMessage(`[]`)}
		require.NoError(t, s.Versions().Create(ctx, v2))
		require.NoError(t, s.Versions().SetActive(ctx, pid, v2.ID))
		return errors.New("abort")
	})
	require.Error(t, err)

	active, err := s.Versions().GetActive(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, v1.ID, active.ID, "rolled back activation does not leak through the shared payload")
	assert.True(t, stored.Active)

	// Callers get their own copy of the payload.
	active.Data[2] = 'X'
	again, err := s.Versions().Get(ctx, pid, v1.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"label":"S1"}]`, string(again.Data))

	snap := s.ExportState()
	snap.Versions[0].Data[2] = 'X'
	assert.JSONEq(t, `[{"label":"S1"}]`, string(s.state.versions[pid][0].Data), "exported state is deep")
}

// fakeBacking stands in for a file another process also writes.
type fakeBacking struct {
	pending  *Snapshot
	began    int
	commits  []Snapshot
	rollback int
}

func (b *fakeBacking) Begin(context.Context) (*Snapshot, error) {
	b.began++
	latest := b.pending
	b.pending = nil
	return latest, nil
}

func (b *fakeBacking) Commit(snap Snapshot) error {
	b.commits = append(b.commits, snap)
	return nil
}

func (b *fakeBacking) Rollback() { b.rollback++ }

func (b *fakeBacking) Fresh(context.Context) (*Snapshot, error) {
	latest := b.pending
	b.pending = nil
	return latest, nil
}

func TestRunInTx_ReloadsChangedBacking(t *testing.T) {
	b := &fakeBacking{}
	s := NewStore(WithBacking(b))
	ctx := context.Background()
	pid := seedProject(t, s)

	// Another writer adds a project and a job.
	other := NewStore()
	other.ImportState(s.ExportState())
	require.NoError(t, other.Projects().Create(ctx, &models.Project{Name: "from-cli"}))
	job := &models.Job{ProjectID: pid, Kind: models.JobKindImport, OperationID: "op-1", State: models.JobStateCancelled}
	require.NoError(t, other.Jobs().Create(ctx, job))
	latest := other.ExportState()
	b.pending = &latest

	// Plain reads pick up the other writer's commit.
	list, err := s.Projects().List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	// Writes reload before they start, so a stale running copy does not
	// overwrite the cancellation.
	b.pending = &latest
	stale := *job
	stale.State = models.JobStateRunning
	err = s.Jobs().Update(ctx, &stale)
	require.ErrorIs(t, err, apperrors.ErrConflict)
	assert.Equal(t, 1, b.rollback)

	require.NoError(t, s.Projects().Create(ctx, &models.Project{Name: "from-serve"}))
	last := b.commits[len(b.commits)-1]
	assert.Len(t, last.Projects, 3, "the commit carries the other writer's project")
	assert.Len(t, last.Jobs, 1)
	assert.Equal(t, 3, b.began, "every write locks the backing")
}

func TestRunInTx_Nested(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	pid := seedProject(t, s)

	err := s.RunInTx(ctx, func(ctx context.Context) error {
		return s.RunInTx(ctx, func(ctx context.Context) error {
			return s.Rows().WriteRows(ctx, pid, []*models.Row{newRow("S1", 0)})
		})
	})
	require.NoError(t, err)

	maxPos, err := s.Rows().MaxPosition(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, 0, maxPos)
}

func TestRows_OrderAndIsolation(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	pid := seedProject(t, s)

	in := []*models.Row{newRow("B", 2, "Fe", 3.0), newRow("A", 0, "Fe", 1.0), newRow("C", 1, "Fe", 2.0)}
	require.NoError(t, s.Rows().WriteRows(ctx, pid, in))
	for _, r := range in {
		assert.NotEqual(t, uuid.Nil, r.ID)
		assert.Equal(t, pid, r.ProjectID)
	}

	rows, err := s.Rows().GetRows(ctx, pid)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"A", "C", "B"}, []string{rows[0].Label, rows[1].Label, rows[2].Label})

	// Mutating a returned row must not leak into the store.
	rows[0].Columns.Set("Fe", models.Number(99))
	again, err := s.Rows().GetRows(ctx, pid)
	require.NoError(t, err)
	fe, _ := again[0].Number("Fe")
	assert.Equal(t, 1.0, fe)

	n, err := s.Rows().DeleteRows(ctx, pid, []uuid.UUID{in[0].ID, uuid.New()})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.Rows().ReplaceRows(ctx, pid, []*models.Row{newRow("D", 0, "Fe", 4.0)}))
	rows, err = s.Rows().GetRows(ctx, pid)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "D", rows[0].Label)
	assert.Equal(t, pid, rows[0].ProjectID)
}

func TestVersions_SingleActive(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	pid := seedProject(t, s)

	v1 := &models.VersionSnapshot{ProjectID: pid}
	v2 := &models.VersionSnapshot{ProjectID: pid}
	require.NoError(t, s.Versions().Create(ctx, v1))
	v2.ParentID = &v1.ID
	require.NoError(t, s.Versions().Create(ctx, v2))
	assert.Equal(t, 1, v1.Version)
	assert.Equal(t, 2, v2.Version)

	_, err := s.Versions().GetActive(ctx, pid)
	require.ErrorIs(t, err, apperrors.ErrNotFound)

	require.NoError(t, s.Versions().SetActive(ctx, pid, v1.ID))
	require.NoError(t, s.Versions().SetActive(ctx, pid, v2.ID))

	active, err := s.Versions().GetActive(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, v2.ID, active.ID)

	list, err := s.Versions().List(ctx, pid)
	require.NoError(t, err)
	activeCount := 0
	for _, v := range list {
		if v.Active {
			activeCount++
		}
	}
	assert.Equal(t, 1, activeCount)

	err = s.Versions().SetActive(ctx, pid, uuid.New())
	require.ErrorIs(t, err, apperrors.ErrNotFound)
	active, err = s.Versions().GetActive(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, v2.ID, active.ID, "failed activation leaves the previous version active")
}

func TestChangeLog_LatestRevertible(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	pid := seedProject(t, s)
	log := s.ChangeLog()

	first := &models.ChangeBatch{ProjectID: pid, Kind: models.ChangeKindWeight, Entries: []*models.ChangeLogEntry{
		{RowID: uuid.New(), Label: "S1", Column: "Fe", OldValue: []byte("1"), NewValue: []byte("2")},
	}}
	second := &models.ChangeBatch{ProjectID: pid, Kind: models.ChangeKindDF}
	require.NoError(t, log.AppendBatch(ctx, first))
	require.NoError(t, log.AppendBatch(ctx, second))
	assert.Equal(t, first.ID, first.Entries[0].BatchID)
	assert.Equal(t, models.SourceManual, first.Source)

	latest, err := log.LatestRevertible(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)

	require.NoError(t, log.AppendBatch(ctx, &models.ChangeBatch{
		ProjectID: pid, Kind: models.ChangeKindUndo, RevertsBatchID: &second.ID,
	}))
	latest, err = log.LatestRevertible(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, first.ID, latest.ID)
	require.Len(t, latest.Entries, 1)

	require.NoError(t, log.AppendBatch(ctx, &models.ChangeBatch{
		ProjectID: pid, Kind: models.ChangeKindUndo, RevertsBatchID: &first.ID,
	}))
	_, err = log.LatestRevertible(ctx, pid)
	require.ErrorIs(t, err, apperrors.ErrNotFound)

	batches, err := log.ListBatches(ctx, pid, 2)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.Equal(t, models.ChangeKindUndo, batches[0].Kind)
	assert.Nil(t, batches[0].Entries)
}

func TestReferences_NormalizedLookup(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	refs := s.References()

	require.NoError(t, refs.Upsert(ctx, &models.ReferenceMaterial{ID: "OREAS 24b", Method: "4A", Values: map[string]float64{"Fe": 10}}))
	require.NoError(t, refs.Upsert(ctx, &models.ReferenceMaterial{ID: "OREAS-24B", Method: "FA", Values: map[string]float64{"Au": 1}}))

	all, err := refs.FindByCrmID(ctx, "oreas24b", "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "4A", all[0].Method)

	one, err := refs.FindByCrmID(ctx, "OREAS 24B", "FA")
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, 1.0, one[0].Values["Au"])

	methods, err := refs.ListAnalysisMethods(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"4A", "FA"}, methods)
}

func TestJobs_OperationConflict(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	pid := seedProject(t, s)

	job := &models.Job{ProjectID: pid, Kind: models.JobKindImport, OperationID: "op-1"}
	require.NoError(t, s.Jobs().Create(ctx, job))
	assert.Equal(t, models.JobStatePending, job.State)

	err := s.Jobs().Create(ctx, &models.Job{ProjectID: pid, Kind: models.JobKindImport, OperationID: "op-1"})
	require.ErrorIs(t, err, apperrors.ErrConflict)

	job.State = models.JobStateSucceeded
	require.NoError(t, s.Jobs().Update(ctx, job))
	unfinished, err := s.Jobs().ListUnfinished(ctx)
	require.NoError(t, err)
	assert.Empty(t, unfinished)

	got, err := s.Jobs().GetByOperation(ctx, pid, "op-1")
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
}

func TestJobs_TerminalStateIsKept(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	pid := seedProject(t, s)

	job := &models.Job{ProjectID: pid, Kind: models.JobKindImport, OperationID: "op-1", TotalRows: 6}
	require.NoError(t, s.Jobs().Create(ctx, job))

	cancelled := *job
	cancelled.State = models.JobStateCancelled
	require.NoError(t, s.Jobs().Update(ctx, &cancelled))

	// A stale runner copy still says running.
	job.State = models.JobStateRunning
	job.SetProgress(2, 6)
	require.ErrorIs(t, s.Jobs().Update(ctx, job), apperrors.ErrConflict)

	// Progress may still be recorded on the cancelled job.
	cancelled.SetProgress(2, 6)
	require.NoError(t, s.Jobs().Update(ctx, &cancelled))

	got, err := s.Jobs().Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateCancelled, got.State)
	assert.Equal(t, 2, got.ProcessedRows)

	require.ErrorIs(t, s.Jobs().Update(ctx, &models.Job{ID: uuid.New()}), apperrors.ErrNotFound)
}

func TestProjectDeleteCascades(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	pid := seedProject(t, s)
	require.NoError(t, s.Rows().WriteRows(ctx, pid, []*models.Row{newRow("S1", 0)}))
	require.NoError(t, s.Jobs().Create(ctx, &models.Job{ProjectID: pid, OperationID: "x"}))

	require.NoError(t, s.Projects().Delete(ctx, pid))
	rows, err := s.Rows().GetRows(ctx, pid)
	require.NoError(t, err)
	assert.Empty(t, rows)
	jobs, err := s.Jobs().ListByProject(ctx, pid, 0)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	require.ErrorIs(t, s.Projects().Delete(ctx, pid), apperrors.ErrNotFound)
}

func TestExportImportState(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	pid := seedProject(t, s)
	require.NoError(t, s.Rows().WriteRows(ctx, pid, []*models.Row{newRow("S1", 0, "Type", "Sample", "Fe", 1.5)}))
	require.NoError(t, s.CrmSelections().Save(ctx, &models.CrmSelection{ProjectID: pid, Label: "OREAS 24b", Position: 0, RecordKey: "OREAS 24b|4A"}))

	restored := NewStore()
	restored.ImportState(s.ExportState())

	rows, err := restored.Rows().GetRows(ctx, pid)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, []string{"Type", "Fe"}, rows[0].Columns.Keys())

	sel, err := restored.CrmSelections().Get(ctx, pid, "OREAS 24b", 0)
	require.NoError(t, err)
	assert.Equal(t, "OREAS 24b|4A", sel.RecordKey)
}
