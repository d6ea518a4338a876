package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/assay-engine/pkg/apperrors"
	"github.com/ekaya-inc/assay-engine/pkg/models"
)

func openStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := Open(context.Background(), path, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func projectNames(t *testing.T, s *Store) []string {
	t.Helper()
	list, err := s.Projects().List(context.Background())
	require.NoError(t, err)
	names := make([]string, 0, len(list))
	for _, p := range list {
		names = append(names, p.Name)
	}
	return names
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "assay.db")

	s, err := Open(ctx, path, zap.NewNop())
	require.NoError(t, err)

	project := &models.Project{Name: "drill-core"}
	require.NoError(t, s.Projects().Create(ctx, project))

	cols := models.NewColumns()
	cols.Set("Type", models.Text("Sample"))
	cols.Set("Fe", models.Number(12.5))
	require.NoError(t, s.Rows().WriteRows(ctx, project.ID, []*models.Row{{Label: "DH-1", Position: 0, Columns: cols}}))
	require.NoError(t, s.References().Upsert(ctx, &models.ReferenceMaterial{
		ID: "OREAS 24b", Method: "4A", Values: map[string]float64{"Fe": 10},
	}))
	require.NoError(t, s.Close())

	reopened, err := Open(ctx, path, zap.NewNop())
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	got, err := reopened.Projects().Get(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, "drill-core", got.Name)

	rows, err := reopened.Rows().GetRows(ctx, project.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, []string{"Type", "Fe"}, rows[0].Columns.Keys())
	fe, ok := rows[0].Number("Fe")
	require.True(t, ok)
	assert.Equal(t, 12.5, fe)

	refs, err := reopened.References().FindByCrmID(ctx, "oreas-24b", "")
	require.NoError(t, err)
	require.Len(t, refs, 1)
}

func TestStore_RolledBackTxNotPersisted(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "assay.db")

	s, err := Open(ctx, path, zap.NewNop())
	require.NoError(t, err)

	err = s.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.Projects().Create(ctx, &models.Project{Name: "discarded"}); err != nil {
			return err
		}
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)
	require.NoError(t, s.Close())

	reopened, err := Open(ctx, path, zap.NewNop())
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	list, err := reopened.Projects().List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestStore_TwoProcessesKeepEachOthersWrites(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "assay.db")

	serve := openStore(t, path)
	cli := openStore(t, path)

	require.NoError(t, cli.Projects().Create(ctx, &models.Project{Name: "from-cli"}))
	assert.ElementsMatch(t, []string{"from-cli"}, projectNames(t, serve), "reads pick up other writers")

	require.NoError(t, cli.Projects().Create(ctx, &models.Project{Name: "late-cli"}))
	require.NoError(t, serve.Projects().Create(ctx, &models.Project{Name: "from-serve"}))

	reopened := openStore(t, path)
	assert.ElementsMatch(t, []string{"from-cli", "late-cli", "from-serve"}, projectNames(t, reopened))
}

func TestStore_StaleJobUpdateFromOtherProcessRejected(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "assay.db")

	serve := openStore(t, path)
	project := &models.Project{Name: "run-42"}
	require.NoError(t, serve.Projects().Create(ctx, project))
	job := &models.Job{ProjectID: project.ID, Kind: models.JobKindImport, OperationID: "op-1",
		State: models.JobStateRunning, TotalRows: 6}
	require.NoError(t, serve.Jobs().Create(ctx, job))

	cli := openStore(t, path)
	cancelled, err := cli.Jobs().Get(ctx, job.ID)
	require.NoError(t, err)
	cancelled.State = models.JobStateCancelled
	require.NoError(t, cli.Jobs().Update(ctx, cancelled))

	job.SetProgress(2, 6)
	require.ErrorIs(t, serve.Jobs().Update(ctx, job), apperrors.ErrConflict)

	got, err := openStore(t, path).Jobs().Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateCancelled, got.State)
}

func TestStore_WriterWaitsForOtherProcess(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "assay.db")

	first := openStore(t, path)
	second := openStore(t, path)

	inTx := make(chan struct{})
	release := make(chan struct{})
	firstDone := make(chan error, 1)
	go func() {
		firstDone <- first.RunInTx(ctx, func(ctx context.Context) error {
			if err := first.Projects().Create(ctx, &models.Project{Name: "first"}); err != nil {
				return err
			}
			close(inTx)
			<-release
			return nil
		})
	}()
	<-inTx

	secondDone := make(chan error, 1)
	go func() {
		secondDone <- second.Projects().Create(ctx, &models.Project{Name: "second"})
	}()

	select {
	case err := <-secondDone:
		t.Fatalf("second writer finished while the first held the lock: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-firstDone)
	require.NoError(t, <-secondDone)

	assert.ElementsMatch(t, []string{"first", "second"}, projectNames(t, openStore(t, path)))
}
