// Package storage selects and opens the configured repository backend.
package storage

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ekaya-inc/assay-engine/pkg/config"
	"github.com/ekaya-inc/assay-engine/pkg/database"
	"github.com/ekaya-inc/assay-engine/pkg/logging"
	"github.com/ekaya-inc/assay-engine/pkg/repositories"
	"github.com/ekaya-inc/assay-engine/pkg/repositories/memory"
	"github.com/ekaya-inc/assay-engine/pkg/repositories/sqlite"
)

// Repositories bundles every repository of one backend with its transaction runner.
type Repositories struct {
	Projects      repositories.ProjectRepository
	Rows          repositories.RowRepository
	Versions      repositories.VersionRepository
	ChangeLog     repositories.ChangeLogRepository
	References    repositories.ReferenceRepository
	CrmSelections repositories.CrmSelectionRepository
	Jobs          repositories.JobRepository
	Tx            database.TxRunner

	// Driver is the backend name (postgres, sqlite or memory).
	Driver string
	// DB is set for the postgres driver only.
	DB *database.DB

	closeFn func() error
}

// Close releases the backend.
func (r *Repositories) Close() error {
	if r.closeFn == nil {
		return nil
	}
	return r.closeFn()
}

// Ping reports whether the backend is reachable. The in-process backends
// answer with a project listing.
func (r *Repositories) Ping(ctx context.Context) error {
	if r.DB != nil {
		return r.DB.Ping(ctx)
	}
	_, err := r.Projects.List(ctx)
	return err
}

// Open connects to the backend named by cfg.Storage.Driver. The postgres
// driver applies pending migrations before returning.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Repositories, error) {
	logger = logger.Named("storage")

	switch cfg.Storage.Driver {
	case config.StorageDriverMemory:
		logger.Info("Using in-memory storage; state is lost on exit")
		return NewMemory(memory.NewStore()), nil

	case config.StorageDriverSQLite:
		store, err := sqlite.Open(ctx, cfg.Storage.SQLitePath, logger)
		if err != nil {
			return nil, fmt.Errorf("open sqlite storage: %w", err)
		}
		repos := NewMemory(store.Store)
		repos.Driver = config.StorageDriverSQLite
		repos.closeFn = store.Close
		logger.Info("Using sqlite storage", zap.String("path", store.Path()))
		return repos, nil

	case config.StorageDriverPostgres:
		return openPostgres(ctx, cfg, logger)
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
}

func openPostgres(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Repositories, error) {
	connStr := cfg.Database.ConnectionString()

	if _, err := database.Migrate(connStr, cfg.Storage.MigrationsPath, logger); err != nil {
		return nil, fmt.Errorf("migrate %s: %w", logging.SanitizeConnectionString(connStr), err)
	}

	db, err := database.Open(ctx, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", logging.SanitizeConnectionString(connStr), err)
	}
	logger.Info("Using postgres storage",
		zap.String("host", cfg.Database.Host),
		zap.String("database", cfg.Database.Database))

	repos := NewPostgres(db, logger)
	repos.closeFn = func() error {
		db.Close()
		return nil
	}
	return repos, nil
}

// NewPostgres builds the pgx-backed repositories on an open pool.
func NewPostgres(db *database.DB, logger *zap.Logger) *Repositories {
	return &Repositories{
		Projects:      repositories.NewProjectRepository(db),
		Rows:          repositories.NewRowRepository(db),
		Versions:      repositories.NewVersionRepository(db),
		ChangeLog:     repositories.NewChangeLogRepository(db),
		References:    repositories.NewReferenceRepository(db),
		CrmSelections: repositories.NewCrmSelectionRepository(db),
		Jobs:          repositories.NewJobRepository(db),
		Tx:            database.NewTxRunner(db, logger),
		Driver:        config.StorageDriverPostgres,
		DB:            db,
	}
}

// NewMemory exposes a memory store as a repository bundle.
func NewMemory(store *memory.Store) *Repositories {
	return &Repositories{
		Projects:      store.Projects(),
		Rows:          store.Rows(),
		Versions:      store.Versions(),
		ChangeLog:     store.ChangeLog(),
		References:    store.References(),
		CrmSelections: store.CrmSelections(),
		Jobs:          store.Jobs(),
		Tx:            store,
		Driver:        config.StorageDriverMemory,
	}
}
