package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/assay-engine/pkg/config"
	"github.com/ekaya-inc/assay-engine/pkg/models"
	"github.com/ekaya-inc/assay-engine/pkg/projectlock"
	"github.com/ekaya-inc/assay-engine/pkg/repositories/memory"
)

// testEnv wires every service over one in-memory store.
type testEnv struct {
	store         *memory.Store
	projects      ProjectService
	corrections   CorrectionService
	pivots        PivotService
	references    ReferenceService
	drifts        DriftService
	optimizations OptimizationService
	jobs          JobService
	project       *models.Project
}

func testJobsConfig() config.JobsConfig {
	return config.JobsConfig{
		MaxRetries:      2,
		InitialBackoff:  time.Millisecond,
		MaxBackoff:      5 * time.Millisecond,
		BatchSize:       2,
		MaxComputeTasks: 1,
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zap.NewNop()
	store := memory.NewStore()

	env := &testEnv{store: store}
	env.projects = NewProjectService(store.Projects(), logger)
	env.corrections = NewCorrectionService(store.Projects(), store.Rows(), store.Versions(), store.ChangeLog(),
		store, projectlock.NewLocal(), logger)
	env.pivots = NewPivotService(store.Projects(), store.Rows(), config.PivotConfig{
		PageSize:           100,
		Precision:          -1,
		DuplicateThreshold: 10,
	}, logger)

	refs, err := NewReferenceService(store.Projects(), store.Rows(), store.References(), store.CrmSelections(),
		config.CRMConfig{MinDiffPercent: -10, MaxDiffPercent: 10, WeightTolerance: 5}, logger)
	require.NoError(t, err)
	env.references = refs

	env.drifts = NewDriftService(store.Projects(), store.Rows(), env.corrections,
		config.DriftConfig{Method: "linear", PolynomialDegree: 2}, logger)
	env.optimizations = NewOptimizationService(store.Rows(), store.Versions(), env.references, env.corrections,
		config.OptimizerConfig{
			Population:  20,
			Generations: 60,
			Seed:        3,
			BlankMin:    -10,
			BlankMax:    10,
			ScaleMin:    0.5,
			ScaleMax:    2,
			Workers:     2,
		}, logger)
	env.jobs = NewJobService(store.Jobs(), store.Projects(), env.corrections, env.optimizations, env.drifts,
		testJobsConfig(), logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = env.jobs.Shutdown(ctx)
	})

	env.project, err = env.projects.Create(context.Background(), "Run 42", "lab")
	require.NoError(t, err)
	return env
}

// cols builds ordered columns from name/value pairs; float64 values become
// numbers and strings become text.
func cols(kv ...any) models.Columns {
	c := models.NewColumns()
	for i := 0; i+1 < len(kv); i += 2 {
		switch v := kv[i+1].(type) {
		case float64:
			c.Set(kv[i].(string), models.Number(v))
		case int:
			c.Set(kv[i].(string), models.Number(float64(v)))
		case string:
			c.Set(kv[i].(string), models.Text(v))
		}
	}
	return c
}

func importRows(t *testing.T, env *testEnv, rows ...ImportRow) *OperationResult {
	t.Helper()
	res, err := env.corrections.ImportRows(context.Background(), env.project.ID, rows, WriteOptions{})
	require.NoError(t, err)
	require.True(t, res.Success)
	return res
}

func loadRows(t *testing.T, env *testEnv) []*models.Row {
	t.Helper()
	rows, err := env.store.Rows().GetRows(context.Background(), env.project.ID)
	require.NoError(t, err)
	models.SortByPosition(rows)
	return rows
}

func rowByLabel(t *testing.T, env *testEnv, label string) *models.Row {
	t.Helper()
	for _, r := range loadRows(t, env) {
		if r.Label == label {
			return r
		}
	}
	t.Fatalf("row %q not found", label)
	return nil
}

func number(t *testing.T, r *models.Row, column string) float64 {
	t.Helper()
	v, ok := r.Number(column)
	require.True(t, ok, "%s has no numeric %s", r.Label, column)
	return v
}

func activeVersion(t *testing.T, env *testEnv) *models.VersionSnapshot {
	t.Helper()
	v, err := env.store.Versions().GetActive(context.Background(), env.project.ID)
	require.NoError(t, err)
	return v
}

func idPtr(id uuid.UUID) *uuid.UUID { return &id }
