package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ekaya-inc/assay-engine/pkg/config"
	"github.com/ekaya-inc/assay-engine/pkg/database"
	"github.com/ekaya-inc/assay-engine/pkg/handlers"
	"github.com/ekaya-inc/assay-engine/pkg/projectlock"
	"github.com/ekaya-inc/assay-engine/pkg/services"
	"github.com/ekaya-inc/assay-engine/pkg/storage"
)

// app holds the wired services for one CLI invocation.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	repos  *storage.Repositories
	redis  *redis.Client

	projects      services.ProjectService
	corrections   services.CorrectionService
	pivots        services.PivotService
	references    services.ReferenceService
	drifts        services.DriftService
	optimizations services.OptimizationService
	jobs          services.JobService
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	repos, err := storage.Open(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, repos: repos}

	var locker projectlock.Locker = projectlock.NewLocal()
	if cfg.Locking.Backend == config.LockBackendRedis {
		client, err := database.NewRedisClient(ctx, &cfg.Redis)
		if err != nil {
			_ = repos.Close()
			return nil, err
		}
		a.redis = client
		locker = projectlock.NewRedis(client, cfg.Locking.TTL, cfg.Locking.RetryInterval, logger)
	}

	a.projects = services.NewProjectService(repos.Projects, logger)
	a.corrections = services.NewCorrectionService(repos.Projects, repos.Rows, repos.Versions,
		repos.ChangeLog, repos.Tx, locker, logger)
	a.pivots = services.NewPivotService(repos.Projects, repos.Rows, cfg.Pivot, logger)
	a.references, err = services.NewReferenceService(repos.Projects, repos.Rows, repos.References,
		repos.CrmSelections, cfg.CRM, logger)
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	a.drifts = services.NewDriftService(repos.Projects, repos.Rows, a.corrections, cfg.Drift, logger)
	a.optimizations = services.NewOptimizationService(repos.Rows, repos.Versions, a.references,
		a.corrections, cfg.Optimizer, logger)
	a.jobs = services.NewJobService(repos.Jobs, repos.Projects, a.corrections, a.optimizations,
		a.drifts, cfg.Jobs, logger)
	return a, nil
}

// healthChecks are the dependencies reported by /health.
func (a *app) healthChecks() map[string]handlers.CheckFunc {
	checks := map[string]handlers.CheckFunc{
		"storage": a.repos.Ping,
	}
	if a.redis != nil {
		checks["redis"] = func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		}
	}
	return checks
}

// close stops the job queue, leaving unfinished jobs resumable, then
// releases the backends.
func (a *app) close(ctx context.Context) {
	if a.jobs != nil {
		if err := a.jobs.Shutdown(ctx); err != nil {
			a.logger.Warn("Job queue did not stop cleanly", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("Failed to close redis client", zap.Error(err))
		}
	}
	if err := a.repos.Close(); err != nil {
		a.logger.Warn("Failed to close storage", zap.Error(fmt.Errorf("close %s: %w", a.repos.Driver, err)))
	}
}
