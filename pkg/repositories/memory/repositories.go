package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/assay-engine/pkg/apperrors"
	"github.com/ekaya-inc/assay-engine/pkg/models"
	"github.com/ekaya-inc/assay-engine/pkg/repositories"
)

var (
	_ repositories.ProjectRepository      = (*ProjectRepository)(nil)
	_ repositories.RowRepository          = (*RowRepository)(nil)
	_ repositories.VersionRepository      = (*VersionRepository)(nil)
	_ repositories.ChangeLogRepository    = (*ChangeLogRepository)(nil)
	_ repositories.ReferenceRepository    = (*ReferenceRepository)(nil)
	_ repositories.CrmSelectionRepository = (*CrmSelectionRepository)(nil)
	_ repositories.JobRepository          = (*JobRepository)(nil)
)

// ProjectRepository is the in-memory repositories.ProjectRepository.
type ProjectRepository struct{ s *Store }

func (r *ProjectRepository) Create(ctx context.Context, project *models.Project) error {
	if project.ID == uuid.Nil {
		project.ID = uuid.New()
	}
	now := time.Now()
	project.UpdatedAt = now
	return r.s.write(ctx, func(st *state) error {
		if existing, ok := st.projects[project.ID]; ok {
			project.CreatedAt = existing.CreatedAt
		} else {
			project.CreatedAt = now
		}
		cp := *project
		st.projects[project.ID] = &cp
		return nil
	})
}

func (r *ProjectRepository) Get(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	var out *models.Project
	err := r.s.read(ctx, func(st *state) error {
		p, ok := st.projects[id]
		if !ok {
			return apperrors.ErrNotFound
		}
		cp := *p
		out = &cp
		return nil
	})
	return out, err
}

func (r *ProjectRepository) List(ctx context.Context) ([]*models.Project, error) {
	var out []*models.Project
	err := r.s.read(ctx, func(st *state) error {
		for _, p := range st.projects {
			cp := *p
			out = append(out, &cp)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, err
}

func (r *ProjectRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return r.s.write(ctx, func(st *state) error {
		if _, ok := st.projects[id]; !ok {
			return apperrors.ErrNotFound
		}
		delete(st.projects, id)
		delete(st.rows, id)
		delete(st.versions, id)
		delete(st.batches, id)
		delete(st.selections, id)
		for jid, j := range st.jobs {
			if j.ProjectID == id {
				delete(st.jobs, jid)
			}
		}
		return nil
	})
}

// RowRepository is the in-memory repositories.RowRepository.
type RowRepository struct{ s *Store }

func (r *RowRepository) GetRows(ctx context.Context, projectID uuid.UUID) ([]*models.Row, error) {
	var out []*models.Row
	err := r.s.read(ctx, func(st *state) error {
		for _, row := range st.sortedRows(projectID) {
			out = append(out, row.Clone())
		}
		return nil
	})
	return out, err
}

func (r *RowRepository) WriteRows(ctx context.Context, projectID uuid.UUID, rows []*models.Row) error {
	if len(rows) == 0 {
		return nil
	}
	for _, row := range rows {
		if row.ID == uuid.Nil {
			row.ID = uuid.New()
		}
		row.ProjectID = projectID
	}
	return r.s.write(ctx, func(st *state) error {
		putRows(st, projectID, rows)
		return nil
	})
}

func (r *RowRepository) DeleteRows(ctx context.Context, projectID uuid.UUID, ids []uuid.UUID) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	deleted := 0
	err := r.s.write(ctx, func(st *state) error {
		deleted = 0
		for _, id := range ids {
			if _, ok := st.rows[projectID][id]; ok {
				delete(st.rows[projectID], id)
				deleted++
			}
		}
		return nil
	})
	return deleted, err
}

func (r *RowRepository) ReplaceRows(ctx context.Context, projectID uuid.UUID, rows []*models.Row) error {
	for _, row := range rows {
		if row.ID == uuid.Nil {
			row.ID = uuid.New()
		}
		row.ProjectID = projectID
	}
	return r.s.write(ctx, func(st *state) error {
		delete(st.rows, projectID)
		putRows(st, projectID, rows)
		return nil
	})
}

func (r *RowRepository) MaxPosition(ctx context.Context, projectID uuid.UUID) (int, error) {
	maxPos := -1
	err := r.s.read(ctx, func(st *state) error {
		for _, row := range st.rows[projectID] {
			if row.Position > maxPos {
				maxPos = row.Position
			}
		}
		return nil
	})
	return maxPos, err
}

func putRows(st *state, projectID uuid.UUID, rows []*models.Row) {
	m := st.rows[projectID]
	if m == nil {
		m = make(map[uuid.UUID]*models.Row, len(rows))
		st.rows[projectID] = m
	}
	for _, row := range rows {
		m[row.ID] = row.Clone()
	}
}

// VersionRepository is the in-memory repositories.VersionRepository.
type VersionRepository struct{ s *Store }

func (r *VersionRepository) Create(ctx context.Context, snapshot *models.VersionSnapshot) error {
	if snapshot.ID == uuid.Nil {
		snapshot.ID = uuid.New()
	}
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = time.Now()
	}
	snapshot.Active = false
	return r.s.write(ctx, func(st *state) error {
		existing := st.versions[snapshot.ProjectID]
		if snapshot.Version == 0 {
			snapshot.Version = 1
			if n := len(existing); n > 0 {
				snapshot.Version = existing[n-1].Version + 1
			}
		}
		for _, v := range existing {
			if v.Version == snapshot.Version {
				return fmt.Errorf("version %d: %w", snapshot.Version, apperrors.ErrConflict)
			}
		}
		st.versions[snapshot.ProjectID] = append(existing, cloneVersion(snapshot))
		sort.SliceStable(st.versions[snapshot.ProjectID], func(i, j int) bool {
			return st.versions[snapshot.ProjectID][i].Version < st.versions[snapshot.ProjectID][j].Version
		})
		return nil
	})
}

func (r *VersionRepository) SetActive(ctx context.Context, projectID, versionID uuid.UUID) error {
	return r.s.write(ctx, func(st *state) error {
		found := false
		for _, v := range st.versions[projectID] {
			if v.ID == versionID {
				found = true
			}
		}
		if !found {
			return apperrors.ErrNotFound
		}
		for _, v := range st.versions[projectID] {
			v.Active = v.ID == versionID
		}
		return nil
	})
}

func (r *VersionRepository) GetActive(ctx context.Context, projectID uuid.UUID) (*models.VersionSnapshot, error) {
	return r.find(ctx, projectID, func(v *models.VersionSnapshot) bool { return v.Active })
}

func (r *VersionRepository) Get(ctx context.Context, projectID, versionID uuid.UUID) (*models.VersionSnapshot, error) {
	return r.find(ctx, projectID, func(v *models.VersionSnapshot) bool { return v.ID == versionID })
}

func (r *VersionRepository) find(ctx context.Context, projectID uuid.UUID, match func(*models.VersionSnapshot) bool) (*models.VersionSnapshot, error) {
	var out *models.VersionSnapshot
	err := r.s.read(ctx, func(st *state) error {
		for _, v := range st.versions[projectID] {
			if match(v) {
				out = cloneVersion(v)
				return nil
			}
		}
		return apperrors.ErrNotFound
	})
	return out, err
}

func (r *VersionRepository) List(ctx context.Context, projectID uuid.UUID) ([]*models.VersionSnapshot, error) {
	var out []*models.VersionSnapshot
	err := r.s.read(ctx, func(st *state) error {
		for _, v := range st.versions[projectID] {
			cp := *v
			cp.Data = nil
			out = append(out, &cp)
		}
		return nil
	})
	return out, err
}

// ChangeLogRepository is the in-memory repositories.ChangeLogRepository.
type ChangeLogRepository struct{ s *Store }

func (r *ChangeLogRepository) AppendBatch(ctx context.Context, batch *models.ChangeBatch) error {
	repositories.PrepareBatch(batch, time.Now())
	return r.s.write(ctx, func(st *state) error {
		st.batches[batch.ProjectID] = append(st.batches[batch.ProjectID], cloneBatch(batch, true))
		return nil
	})
}

func (r *ChangeLogRepository) GetBatch(ctx context.Context, projectID, batchID uuid.UUID) (*models.ChangeBatch, error) {
	var out *models.ChangeBatch
	err := r.s.read(ctx, func(st *state) error {
		for _, b := range st.batches[projectID] {
			if b.ID == batchID {
				out = cloneBatch(b, true)
				return nil
			}
		}
		return apperrors.ErrNotFound
	})
	return out, err
}

func (r *ChangeLogRepository) ListBatches(ctx context.Context, projectID uuid.UUID, limit int) ([]*models.ChangeBatch, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []*models.ChangeBatch
	err := r.s.read(ctx, func(st *state) error {
		bs := st.batches[projectID]
		for i := len(bs) - 1; i >= 0 && len(out) < limit; i-- {
			out = append(out, cloneBatch(bs[i], false))
		}
		return nil
	})
	return out, err
}

func (r *ChangeLogRepository) LatestRevertible(ctx context.Context, projectID uuid.UUID) (*models.ChangeBatch, error) {
	var out *models.ChangeBatch
	err := r.s.read(ctx, func(st *state) error {
		bs := st.batches[projectID]
		reverted := make(map[uuid.UUID]bool)
		for _, b := range bs {
			if b.RevertsBatchID != nil {
				reverted[*b.RevertsBatchID] = true
			}
		}
		for i := len(bs) - 1; i >= 0; i-- {
			b := bs[i]
			if b.Kind == models.ChangeKindUndo || reverted[b.ID] {
				continue
			}
			out = cloneBatch(b, true)
			return nil
		}
		return apperrors.ErrNotFound
	})
	return out, err
}

// ReferenceRepository is the in-memory repositories.ReferenceRepository.
type ReferenceRepository struct{ s *Store }

func (r *ReferenceRepository) Upsert(ctx context.Context, material *models.ReferenceMaterial) error {
	return r.s.write(ctx, func(st *state) error {
		st.references[referenceKey(material.ID, material.Method)] = cloneReference(material)
		return nil
	})
}

func (r *ReferenceRepository) FindByCrmID(ctx context.Context, crmID, method string) ([]*models.ReferenceMaterial, error) {
	norm := models.NormalizeReferenceID(crmID)
	var out []*models.ReferenceMaterial
	err := r.s.read(ctx, func(st *state) error {
		for _, m := range st.references {
			if models.NormalizeReferenceID(m.ID) != norm {
				continue
			}
			if method != "" && m.Method != method {
				continue
			}
			out = append(out, cloneReference(m))
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Method < out[j].Method })
	return out, err
}

func (r *ReferenceRepository) ListAnalysisMethods(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	err := r.s.read(ctx, func(st *state) error {
		for _, m := range st.references {
			if m.Method != "" && !seen[m.Method] {
				seen[m.Method] = true
				out = append(out, m.Method)
			}
		}
		return nil
	})
	sort.Strings(out)
	return out, err
}

func (r *ReferenceRepository) List(ctx context.Context) ([]*models.ReferenceMaterial, error) {
	var out []*models.ReferenceMaterial
	err := r.s.read(ctx, func(st *state) error {
		for _, m := range st.references {
			out = append(out, cloneReference(m))
		}
		return nil
	})
	sortReferences(out)
	return out, err
}

// CrmSelectionRepository is the in-memory repositories.CrmSelectionRepository.
type CrmSelectionRepository struct{ s *Store }

func (r *CrmSelectionRepository) Get(ctx context.Context, projectID uuid.UUID, label string, position int) (*models.CrmSelection, error) {
	var out *models.CrmSelection
	err := r.s.read(ctx, func(st *state) error {
		sel, ok := st.selections[projectID][selectionKey{label: label, position: position}]
		if !ok {
			return apperrors.ErrNotFound
		}
		cp := *sel
		out = &cp
		return nil
	})
	return out, err
}

func (r *CrmSelectionRepository) Save(ctx context.Context, selection *models.CrmSelection) error {
	selection.UpdatedAt = time.Now()
	return r.s.write(ctx, func(st *state) error {
		m := st.selections[selection.ProjectID]
		if m == nil {
			m = make(map[selectionKey]*models.CrmSelection)
			st.selections[selection.ProjectID] = m
		}
		cp := *selection
		m[selectionKey{label: selection.Label, position: selection.Position}] = &cp
		return nil
	})
}

func (r *CrmSelectionRepository) List(ctx context.Context, projectID uuid.UUID) ([]*models.CrmSelection, error) {
	var out []*models.CrmSelection
	err := r.s.read(ctx, func(st *state) error {
		for _, sel := range st.selections[projectID] {
			cp := *sel
			out = append(out, &cp)
		}
		return nil
	})
	sortSelections(out)
	return out, err
}

func (r *CrmSelectionRepository) Delete(ctx context.Context, projectID uuid.UUID, label string, position int) error {
	return r.s.write(ctx, func(st *state) error {
		key := selectionKey{label: label, position: position}
		if _, ok := st.selections[projectID][key]; !ok {
			return apperrors.ErrNotFound
		}
		delete(st.selections[projectID], key)
		return nil
	})
}

// JobRepository is the in-memory repositories.JobRepository.
type JobRepository struct{ s *Store }

func (r *JobRepository) Create(ctx context.Context, job *models.Job) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.State == "" {
		job.State = models.JobStatePending
	}
	return r.s.write(ctx, func(st *state) error {
		for _, j := range st.jobs {
			if j.ProjectID == job.ProjectID && j.OperationID == job.OperationID {
				return fmt.Errorf("job for operation %q: %w", job.OperationID, apperrors.ErrConflict)
			}
		}
		st.jobs[job.ID] = cloneJob(job)
		return nil
	})
}

func (r *JobRepository) Get(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	var out *models.Job
	err := r.s.read(ctx, func(st *state) error {
		j, ok := st.jobs[id]
		if !ok {
			return apperrors.ErrNotFound
		}
		out = cloneJob(j)
		return nil
	})
	return out, err
}

func (r *JobRepository) GetByOperation(ctx context.Context, projectID uuid.UUID, operationID string) (*models.Job, error) {
	var out *models.Job
	err := r.s.read(ctx, func(st *state) error {
		for _, j := range st.jobs {
			if j.ProjectID == projectID && j.OperationID == operationID {
				out = cloneJob(j)
				return nil
			}
		}
		return apperrors.ErrNotFound
	})
	return out, err
}

func (r *JobRepository) Update(ctx context.Context, job *models.Job) error {
	job.UpdatedAt = time.Now()
	return r.s.write(ctx, func(st *state) error {
		existing, ok := st.jobs[job.ID]
		if !ok {
			return apperrors.ErrNotFound
		}
		if existing.State.IsTerminal() && existing.State != job.State {
			return fmt.Errorf("job %s is already %s: %w", job.ID, existing.State, apperrors.ErrConflict)
		}
		updated := cloneJob(job)
		updated.CreatedAt = existing.CreatedAt
		updated.Payload = existing.Payload
		st.jobs[job.ID] = updated
		return nil
	})
}

func (r *JobRepository) ListByProject(ctx context.Context, projectID uuid.UUID, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	out, err := r.filter(ctx, func(j *models.Job) bool { return j.ProjectID == projectID })
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, err
}

func (r *JobRepository) ListUnfinished(ctx context.Context) ([]*models.Job, error) {
	out, err := r.filter(ctx, func(j *models.Job) bool { return !j.State.IsTerminal() })
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, err
}

func (r *JobRepository) filter(ctx context.Context, keep func(*models.Job) bool) ([]*models.Job, error) {
	var out []*models.Job
	err := r.s.read(ctx, func(st *state) error {
		for _, j := range st.jobs {
			if keep(j) {
				out = append(out, cloneJob(j))
			}
		}
		return nil
	})
	return out, err
}
