package memory

import (
	"sort"

	"github.com/google/uuid"

	"github.com/ekaya-inc/assay-engine/pkg/models"
)

// Snapshot is a serializable point-in-time copy of the store, grouped into
// the buckets the SQLite driver persists.
type Snapshot struct {
	Projects      []*models.Project           `json:"projects"`
	Rows          []*models.Row               `json:"rows"`
	Versions      []*models.VersionSnapshot   `json:"versions"`
	ChangeBatches []*models.ChangeBatch       `json:"change_batches"`
	References    []*models.ReferenceMaterial `json:"references"`
	CrmSelections []*models.CrmSelection      `json:"crm_selections"`
	Jobs          []*models.Job               `json:"jobs"`
}

// snapshot copies st into sorted slices so the encoding is stable. Unless
// deep is set, version payloads and change batches are shared with st and
// must not be modified.
func (st *state) snapshot(deep bool) Snapshot {
	var snap Snapshot
	for _, p := range st.projects {
		cp := *p
		snap.Projects = append(snap.Projects, &cp)
	}
	sort.Slice(snap.Projects, func(i, j int) bool {
		return snap.Projects[i].ID.String() < snap.Projects[j].ID.String()
	})

	for _, p := range snap.Projects {
		for _, r := range st.sortedRows(p.ID) {
			snap.Rows = append(snap.Rows, r.Clone())
		}
		for _, v := range st.versions[p.ID] {
			if deep {
				v = cloneVersion(v)
			} else {
				hdr := *v
				v = &hdr
			}
			snap.Versions = append(snap.Versions, v)
		}
		for _, b := range st.batches[p.ID] {
			if deep {
				b = cloneBatch(b, true)
			}
			snap.ChangeBatches = append(snap.ChangeBatches, b)
		}
		sels := make([]*models.CrmSelection, 0, len(st.selections[p.ID]))
		for _, sel := range st.selections[p.ID] {
			cp := *sel
			sels = append(sels, &cp)
		}
		sortSelections(sels)
		snap.CrmSelections = append(snap.CrmSelections, sels...)
	}

	for _, m := range st.references {
		snap.References = append(snap.References, cloneReference(m))
	}
	sortReferences(snap.References)

	for _, j := range st.jobs {
		snap.Jobs = append(snap.Jobs, cloneJob(j))
	}
	sort.Slice(snap.Jobs, func(i, j int) bool {
		return snap.Jobs[i].CreatedAt.Before(snap.Jobs[j].CreatedAt)
	})
	return snap
}

func stateFromSnapshot(snap Snapshot) *state {
	st := newState()
	for _, p := range snap.Projects {
		cp := *p
		st.projects[p.ID] = &cp
	}
	for _, r := range snap.Rows {
		if st.rows[r.ProjectID] == nil {
			st.rows[r.ProjectID] = make(map[uuid.UUID]*models.Row)
		}
		st.rows[r.ProjectID][r.ID] = r.Clone()
	}
	for _, v := range snap.Versions {
		st.versions[v.ProjectID] = append(st.versions[v.ProjectID], cloneVersion(v))
	}
	for pid := range st.versions {
		vs := st.versions[pid]
		sort.SliceStable(vs, func(i, j int) bool { return vs[i].Version < vs[j].Version })
	}
	for _, b := range snap.ChangeBatches {
		st.batches[b.ProjectID] = append(st.batches[b.ProjectID], cloneBatch(b, true))
	}
	for _, m := range snap.References {
		st.references[referenceKey(m.ID, m.Method)] = cloneReference(m)
	}
	for _, sel := range snap.CrmSelections {
		if st.selections[sel.ProjectID] == nil {
			st.selections[sel.ProjectID] = make(map[selectionKey]*models.CrmSelection)
		}
		cp := *sel
		st.selections[sel.ProjectID][selectionKey{label: sel.Label, position: sel.Position}] = &cp
	}
	for _, j := range snap.Jobs {
		st.jobs[j.ID] = cloneJob(j)
	}
	return st
}

func sortSelections(sels []*models.CrmSelection) {
	sort.Slice(sels, func(i, j int) bool {
		if sels[i].Position != sels[j].Position {
			return sels[i].Position < sels[j].Position
		}
		return sels[i].Label < sels[j].Label
	})
}

func sortReferences(refs []*models.ReferenceMaterial) {
	sort.Slice(refs, func(i, j int) bool {
		ki := referenceKey(refs[i].ID, refs[i].Method)
		kj := referenceKey(refs[j].ID, refs[j].Method)
		return ki < kj
	})
}

func referenceKey(id, method string) string {
	return models.NormalizeReferenceID(id) + "|" + method
}
