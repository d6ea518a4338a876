// Package memory provides an in-memory implementation of the repositories
// used for tests, the memory storage driver and as the working set of the
// SQLite driver.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/ekaya-inc/assay-engine/pkg/apperrors"
	"github.com/ekaya-inc/assay-engine/pkg/database"
	"github.com/ekaya-inc/assay-engine/pkg/models"
)

// Backing mirrors the store to durable storage that other processes may
// write too. Its methods are called with the store's writer lock held.
type Backing interface {
	// Begin locks the backing for one write transaction. It returns the
	// backing's state when another writer changed it since this store last
	// saw it, and nil otherwise.
	Begin(ctx context.Context) (*Snapshot, error)
	// Commit stores the post-commit state and releases the lock. The state
	// becomes visible only when Commit succeeds.
	Commit(Snapshot) error
	// Rollback releases the lock without storing anything.
	Rollback()
	// Fresh returns the backing's state when it changed since this store
	// last saw it, and nil otherwise. It does not lock.
	Fresh(ctx context.Context) (*Snapshot, error)
}

// CommitHook is called with the post-commit state before it becomes visible.
// Returning an error aborts the commit.
type CommitHook func(Snapshot) error

func (h CommitHook) Begin(context.Context) (*Snapshot, error) { return nil, nil }
func (h CommitHook) Commit(snap Snapshot) error { return h(snap) }
func (h CommitHook) Rollback() {}
func (h CommitHook) Fresh(context.Context) (*Snapshot, error) { return nil, nil }

// Option configures a Store.
type Option func(*Store)

// WithCommitHook registers a hook run on every successful write.
func WithCommitHook(hook CommitHook) Option {
	return WithBacking(hook)
}

// WithBacking mirrors every transaction to b and reloads the state from b
// when another writer changed it.
func WithBacking(b Backing) Option {
	return func(s *Store) { s.backing = b }
}

// Store holds all project state in maps. Transactions copy the state on
// begin and swap it in on commit under a single writer lock. Version
// payloads and change entries are immutable once stored and are shared
// between copies.
type Store struct {
	mu      sync.RWMutex
	state   *state
	backing Backing
}

// NewStore creates an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{state: newState()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ database.TxRunner = (*Store)(nil)

type txKey struct{}

type memTx struct {
	store *Store
	state *state
}

func (s *Store) txFrom(ctx context.Context) *memTx {
	tx, ok := ctx.Value(txKey{}).(*memTx)
	if !ok || tx.store != s {
		return nil
	}
	return tx
}

// RunInTx runs fn against a private copy of the state. The copy replaces the
// live state only when fn and the backing commit succeed. Nested calls join
// the outer transaction.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.txFrom(ctx) != nil {
		return fn(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.backing == nil {
		tx := &memTx{store: s, state: s.state.clone()}
		if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
			return err
		}
		s.state = tx.state
		return nil
	}

	latest, err := s.backing.Begin(ctx)
	if err != nil {
		return apperrors.Persistence("begin memory state", err)
	}
	if latest != nil {
		s.state = stateFromSnapshot(*latest)
	}
	tx := &memTx{store: s, state: s.state.clone()}
	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		s.backing.Rollback()
		return err
	}
	if err := s.backing.Commit(tx.state.snapshot(false)); err != nil {
		return apperrors.Persistence("commit memory state", err)
	}
	s.state = tx.state
	return nil
}

func (s *Store) read(ctx context.Context, fn func(st *state) error) error {
	if tx := s.txFrom(ctx); tx != nil {
		return fn(tx.state)
	}
	if s.backing != nil {
		if err := s.refresh(ctx); err != nil {
			return err
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.state)
}

// refresh picks up commits made by other writers of the backing.
func (s *Store) refresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	latest, err := s.backing.Fresh(ctx)
	if err != nil {
		return apperrors.Persistence("refresh memory state", err)
	}
	if latest != nil {
		s.state = stateFromSnapshot(*latest)
	}
	return nil
}

func (s *Store) write(ctx context.Context, fn func(st *state) error) error {
	if tx := s.txFrom(ctx); tx != nil {
		return fn(tx.state)
	}
	return s.RunInTx(ctx, func(ctx context.Context) error {
		return fn(s.txFrom(ctx).state)
	})
}

// ExportState returns a deep copy of the committed state.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.snapshot(true)
}

// ImportState replaces the committed state without running the commit hook.
func (s *Store) ImportState(snap Snapshot) {
	st := stateFromSnapshot(snap)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

// Projects returns the project repository view.
func (s *Store) Projects() *ProjectRepository { return &ProjectRepository{s: s} }

// Rows returns the row repository view.
func (s *Store) Rows() *RowRepository { return &RowRepository{s: s} }

// Versions returns the version repository view.
func (s *Store) Versions() *VersionRepository { return &VersionRepository{s: s} }

// ChangeLog returns the change log repository view.
func (s *Store) ChangeLog() *ChangeLogRepository { return &ChangeLogRepository{s: s} }

// References returns the reference material repository view.
func (s *Store) References() *ReferenceRepository { return &ReferenceRepository{s: s} }

// CrmSelections returns the CRM selection repository view.
func (s *Store) CrmSelections() *CrmSelectionRepository { return &CrmSelectionRepository{s: s} }

// Jobs returns the job repository view.
func (s *Store) Jobs() *JobRepository { return &JobRepository{s: s} }

type state struct {
	projects   map[uuid.UUID]*models.Project
	rows       map[uuid.UUID]map[uuid.UUID]*models.Row
	versions   map[uuid.UUID][]*models.VersionSnapshot
	batches    map[uuid.UUID][]*models.ChangeBatch
	references map[string]*models.ReferenceMaterial
	selections map[uuid.UUID]map[selectionKey]*models.CrmSelection
	jobs       map[uuid.UUID]*models.Job
}

type selectionKey struct {
	label    string
	position int
}

func newState() *state {
	return &state{
		projects:   make(map[uuid.UUID]*models.Project),
		rows:       make(map[uuid.UUID]map[uuid.UUID]*models.Row),
		versions:   make(map[uuid.UUID][]*models.VersionSnapshot),
		batches:    make(map[uuid.UUID][]*models.ChangeBatch),
		references: make(map[string]*models.ReferenceMaterial),
		selections: make(map[uuid.UUID]map[selectionKey]*models.CrmSelection),
		jobs:       make(map[uuid.UUID]*models.Job),
	}
}

// clone copies st for a transaction. Rows, projects, selections, jobs and
// version headers are copied because repositories update them in place;
// version payloads and change batches are shared.
func (st *state) clone() *state {
	out := newState()
	for id, p := range st.projects {
		cp := *p
		out.projects[id] = &cp
	}
	for pid, rows := range st.rows {
		m := make(map[uuid.UUID]*models.Row, len(rows))
		for id, r := range rows {
			m[id] = r.Clone()
		}
		out.rows[pid] = m
	}
	for pid, vs := range st.versions {
		list := make([]*models.VersionSnapshot, len(vs))
		for i, v := range vs {
			hdr := *v
			list[i] = &hdr
		}
		out.versions[pid] = list
	}
	for pid, bs := range st.batches {
		out.batches[pid] = slices.Clone(bs)
	}
	for k, m := range st.references {
		out.references[k] = cloneReference(m)
	}
	for pid, sels := range st.selections {
		m := make(map[selectionKey]*models.CrmSelection, len(sels))
		for k, sel := range sels {
			cp := *sel
			m[k] = &cp
		}
		out.selections[pid] = m
	}
	for id, j := range st.jobs {
		out.jobs[id] = cloneJob(j)
	}
	return out
}

func (st *state) sortedRows(projectID uuid.UUID) []*models.Row {
	rows := make([]*models.Row, 0, len(st.rows[projectID]))
	for _, r := range st.rows[projectID] {
		rows = append(rows, r)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Position != rows[j].Position {
			return rows[i].Position < rows[j].Position
		}
		return rows[i].ID.String() < rows[j].ID.String()
	})
	return rows
}

func cloneVersion(v *models.VersionSnapshot) *models.VersionSnapshot {
	cp := *v
	cp.Data = append([]byte(nil), v.Data...)
	return &cp
}

func cloneBatch(b *models.ChangeBatch, withEntries bool) *models.ChangeBatch {
	cp := *b
	cp.Entries = nil
	if withEntries {
		cp.Entries = make([]*models.ChangeLogEntry, len(b.Entries))
		for i, e := range b.Entries {
			ec := *e
			ec.OldValue = append([]byte(nil), e.OldValue...)
			ec.NewValue = append([]byte(nil), e.NewValue...)
			cp.Entries[i] = &ec
		}
	}
	return &cp
}

func cloneReference(m *models.ReferenceMaterial) *models.ReferenceMaterial {
	cp := *m
	cp.Values = make(map[string]float64, len(m.Values))
	for k, v := range m.Values {
		cp.Values[k] = v
	}
	return &cp
}

func cloneJob(j *models.Job) *models.Job {
	cp := *j
	cp.Payload = append([]byte(nil), j.Payload...)
	cp.Result = append([]byte(nil), j.Result...)
	if len(j.Payload) == 0 {
		cp.Payload = nil
	}
	if len(j.Result) == 0 {
		cp.Result = nil
	}
	return &cp
}
