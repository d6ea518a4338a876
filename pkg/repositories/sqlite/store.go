// Package sqlite persists the in-memory store to a single-file SQLite
// database as JSON buckets. Several processes may share one file: every
// write transaction holds the SQLite write lock from begin to commit and
// first reloads the buckets when another process committed since.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/ekaya-inc/assay-engine/pkg/repositories/memory"
	"github.com/ekaya-inc/assay-engine/pkg/retry"
)

const (
	bucketProjects      = "projects"
	bucketRows          = "rows"
	bucketVersions      = "versions"
	bucketChangeBatches = "change_batches"
	bucketReferences    = "references"
	bucketCrmSelections = "crm_selections"
	bucketJobs          = "jobs"
)

var buckets = []string{
	bucketProjects, bucketRows, bucketVersions, bucketChangeBatches,
	bucketReferences, bucketCrmSelections, bucketJobs,
}

// busyTimeout is how long a writer waits for another process's write lock.
const busyTimeout = 5 * time.Second

// Store is a memory.Store whose commits are mirrored to SQLite.
type Store struct {
	*memory.Store
	db     *sql.DB
	path   string
	logger *zap.Logger

	// Guarded by the memory store's writer lock.
	generation int64
	conn       *sql.Conn
}

var _ memory.Backing = (*Store)(nil)

// querier is satisfied by *sql.DB and *sql.Conn.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open creates or loads the database at path.
func Open(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	if path == "" {
		path = "assay.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serializes writers and keeps ":memory:" databases alive.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		fmt.Sprintf(`PRAGMA busy_timeout = %d`, busyTimeout.Milliseconds()),
		`CREATE TABLE IF NOT EXISTS state (
			bucket TEXT PRIMARY KEY,
			payload BLOB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value INTEGER NOT NULL
		)`,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("prepare sqlite: %w", err)
		}
	}

	s := &Store{db: db, path: path, logger: logger.Named("sqlite")}
	s.Store = memory.NewStore(memory.WithBacking(s))

	generation, err := readGeneration(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	snap, err := s.load(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.generation = generation
	if snap != nil {
		s.Store.ImportState(*snap)
		s.logger.Info("Loaded state",
			zap.String("path", s.path),
			zap.Int64("generation", generation),
			zap.Int("projects", len(snap.Projects)),
			zap.Int("rows", len(snap.Rows)))
	}
	return s, nil
}

func readGeneration(ctx context.Context, q querier) (int64, error) {
	var generation int64
	err := q.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'generation'`).Scan(&generation)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("read generation: %w", err)
	}
	return generation, nil
}

// load decodes every bucket. It returns nil for an empty database.
func (s *Store) load(ctx context.Context, q querier) (*memory.Snapshot, error) {
	rows, err := q.QueryContext(ctx, `SELECT bucket, payload FROM state`)
	if err != nil {
		return nil, fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var snap memory.Snapshot
	found := 0
	for rows.Next() {
		var bucket string
		var payload []byte
		if err := rows.Scan(&bucket, &payload); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		target := bucketTarget(&snap, bucket)
		if target == nil {
			s.logger.Warn("Ignoring unknown state bucket", zap.String("bucket", bucket))
			continue
		}
		if err := json.Unmarshal(payload, target); err != nil {
			return nil, fmt.Errorf("decode %s: %w", bucket, err)
		}
		found++
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate state: %w", err)
	}
	if found == 0 {
		return nil, nil
	}
	return &snap, nil
}

// beginRetry covers "database is locked" past the busy timeout.
var beginRetry = &retry.Config{
	MaxRetries:   5,
	InitialDelay: 20 * time.Millisecond,
	MaxDelay:     500 * time.Millisecond,
	Multiplier:   2.0,
	JitterFactor: 0.2,
}

// Begin takes the SQLite write lock and returns the stored state when
// another process committed since this store last loaded or wrote it.
func (s *Store) Begin(ctx context.Context) (*memory.Snapshot, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	if _, err := conn.ExecContext(ctx, fmt.Sprintf(`PRAGMA busy_timeout = %d`, busyTimeout.Milliseconds())); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	attempt := 0
	err = retry.DoIfRetryable(ctx, beginRetry, func() error {
		attempt++
		_, err := conn.ExecContext(ctx, `BEGIN IMMEDIATE`)
		if err != nil {
			s.logger.Debug("Waiting for write lock", zap.Int("attempt", attempt), zap.Error(err))
		}
		return err
	})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("begin immediate: %w", err)
	}
	s.conn = conn

	generation, err := readGeneration(ctx, conn)
	if err != nil {
		s.Rollback()
		return nil, err
	}
	if generation == s.generation {
		return nil, nil
	}
	snap, err := s.load(ctx, conn)
	if err != nil {
		s.Rollback()
		return nil, err
	}
	s.logger.Debug("Reloaded state written by another process",
		zap.Int64("from", s.generation), zap.Int64("to", generation))
	s.generation = generation
	if snap == nil {
		snap = &memory.Snapshot{}
	}
	return snap, nil
}

// Commit writes every bucket, bumps the generation and releases the lock.
func (s *Store) Commit(snap memory.Snapshot) (retErr error) {
	conn := s.conn
	if conn == nil {
		return errors.New("commit without begin")
	}
	defer func() {
		if retErr != nil {
			s.Rollback()
		}
	}()

	ctx := context.Background()
	for _, bucket := range buckets {
		data, err := json.Marshal(bucketTarget(&snap, bucket))
		if err != nil {
			return fmt.Errorf("encode %s: %w", bucket, err)
		}
		if _, err := conn.ExecContext(ctx, `INSERT INTO state(bucket, payload) VALUES(?, ?)
			ON CONFLICT(bucket) DO UPDATE SET payload = excluded.payload`, bucket, data); err != nil {
			return fmt.Errorf("upsert %s: %w", bucket, err)
		}
	}
	next := s.generation + 1
	if _, err := conn.ExecContext(ctx, `INSERT INTO meta(key, value) VALUES('generation', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, next); err != nil {
		return fmt.Errorf("bump generation: %w", err)
	}
	if _, err := conn.ExecContext(ctx, `COMMIT`); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.generation = next
	s.conn = nil
	_ = conn.Close()
	return nil
}

// Rollback releases the write lock.
func (s *Store) Rollback() {
	conn := s.conn
	if conn == nil {
		return
	}
	s.conn = nil
	if _, err := conn.ExecContext(context.Background(), `ROLLBACK`); err != nil {
		s.logger.Warn("Rollback failed", zap.Error(err))
	}
	_ = conn.Close()
}

// Fresh returns the stored state when another process committed since this
// store last loaded or wrote it.
func (s *Store) Fresh(ctx context.Context) (*memory.Snapshot, error) {
	generation, err := readGeneration(ctx, s.db)
	if err != nil {
		return nil, err
	}
	if generation == s.generation {
		return nil, nil
	}
	snap, err := s.load(ctx, s.db)
	if err != nil {
		return nil, err
	}
	s.generation = generation
	if snap == nil {
		snap = &memory.Snapshot{}
	}
	return snap, nil
}

// bucketTarget returns a pointer to the snapshot field stored in bucket.
func bucketTarget(snap *memory.Snapshot, bucket string) any {
	switch bucket {
	case bucketProjects:
		return &snap.Projects
	case bucketRows:
		return &snap.Rows
	case bucketVersions:
		return &snap.Versions
	case bucketChangeBatches:
		return &snap.ChangeBatches
	case bucketReferences:
		return &snap.References
	case bucketCrmSelections:
		return &snap.CrmSelections
	case bucketJobs:
		return &snap.Jobs
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }
