// Package testhelpers starts the PostgreSQL container used by integration
// tests and applies the repository migrations to it.
package testhelpers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/ekaya-inc/assay-engine/pkg/database"
)

const postgresImage = "postgres:16-alpine"

// assayTables lists every table created by the migrations, children first.
var assayTables = []string{
	"assay_change_log",
	"assay_change_batches",
	"assay_version_snapshots",
	"assay_crm_selections",
	"assay_jobs",
	"assay_rows",
	"assay_reference_materials",
	"assay_projects",
}

// Postgres is a migrated database shared by every integration test of one
// package run.
type Postgres struct {
	Container testcontainers.Container
	DB        *database.DB
	DSN       string
}

var (
	shared     *Postgres
	sharedErr  error
	sharedOnce sync.Once
)

// SharedPostgres returns the package-wide database, starting it on first use.
// Tests are skipped under -short since they need Docker.
func SharedPostgres(t *testing.T) *Postgres {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test needs Docker")
	}
	sharedOnce.Do(func() {
		shared, sharedErr = startPostgres(context.Background())
	})
	if sharedErr != nil {
		t.Fatalf("start postgres: %v", sharedErr)
	}
	return shared
}

func startPostgres(ctx context.Context) (*Postgres, error) {
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        postgresImage,
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_DB":       "assay_test",
				"POSTGRES_USER":     "assay",
				"POSTGRES_PASSWORD": "assay",
			},
			// The entrypoint restarts the server once after init.
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	if err != nil {
		return nil, fmt.Errorf("start container: %w", err)
	}

	endpoint, err := container.PortEndpoint(ctx, "5432/tcp", "")
	if err != nil {
		return nil, fmt.Errorf("container endpoint: %w", err)
	}
	dsn := fmt.Sprintf("postgres://assay:assay@%s/assay_test?sslmode=disable", endpoint)

	dir, err := migrationsDir()
	if err != nil {
		return nil, err
	}
	if _, err := database.Migrate(dsn, dir, zap.NewNop()); err != nil {
		return nil, err
	}

	db, err := database.Connect(ctx, dsn, database.PoolOptions{MaxConns: 5})
	if err != nil {
		return nil, err
	}
	return &Postgres{Container: container, DB: db, DSN: dsn}, nil
}

// migrationsDir finds migrations/ next to go.mod, walking up from the test's
// working directory.
func migrationsDir() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return filepath.Join(dir, "migrations"), nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.New("go.mod not found above working directory")
		}
		dir = parent
	}
}

// Reset empties every assay table.
func (p *Postgres) Reset(t *testing.T) {
	t.Helper()
	stmt := "TRUNCATE " + strings.Join(assayTables, ", ") + " CASCADE"
	if _, err := p.DB.Exec(context.Background(), stmt); err != nil {
		t.Fatalf("reset tables: %v", err)
	}
}
