package services

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/ekaya-inc/assay-engine/pkg/apperrors"
	"github.com/ekaya-inc/assay-engine/pkg/models"
)

// Row change actions reported in OperationResult details.
const (
	RowActionUpdate  = "update"
	RowActionInsert  = "insert"
	RowActionDelete  = "delete"
	RowActionReplace = "replace"
)

// FieldChange is the before/after value of one column.
type FieldChange struct {
	Column string       `json:"column"`
	Before models.Value `json:"before"`
	After  models.Value `json:"after"`
}

// RowChange describes what an operation did to one row.
type RowChange struct {
	RowID    uuid.UUID     `json:"row_id"`
	Label    string        `json:"label"`
	Position int           `json:"position"`
	Action   string        `json:"action"`
	Changes  []FieldChange `json:"changes,omitempty"`
}

// ChangeSet is the working copy of a project's rows during one orchestrated
// operation. Mutations are applied to clones; the orchestrator diffs the
// working copy against the loaded rows to produce the change log entries.
type ChangeSet struct {
	projectID uuid.UUID
	// original holds the rows as loaded; nil for rows inserted by the operation.
	original map[uuid.UUID]*models.Row
	// current is nil for rows deleted by the operation.
	current  map[uuid.UUID]*models.Row
	ids      []uuid.UUID
	messages []string
}

func newChangeSet(projectID uuid.UUID, rows []*models.Row) *ChangeSet {
	cs := &ChangeSet{
		projectID: projectID,
		original:  make(map[uuid.UUID]*models.Row, len(rows)),
		current:   make(map[uuid.UUID]*models.Row, len(rows)),
		ids:       make([]uuid.UUID, 0, len(rows)),
	}
	for _, r := range rows {
		cs.original[r.ID] = r.Clone()
		cs.current[r.ID] = r.Clone()
		cs.ids = append(cs.ids, r.ID)
	}
	return cs
}

// Rows returns the working rows in position order, deleted rows excluded.
// The returned rows are the working copies; mutate them through Set.
func (cs *ChangeSet) Rows() []*models.Row {
	out := make([]*models.Row, 0, len(cs.ids))
	for _, id := range cs.ids {
		if r := cs.current[id]; r != nil {
			out = append(out, r)
		}
	}
	models.SortByPosition(out)
	return out
}

// Row returns the working row with id, or nil.
func (cs *ChangeSet) Row(id uuid.UUID) *models.Row {
	return cs.current[id]
}

// Set stores a value on a working row.
func (cs *ChangeSet) Set(id uuid.UUID, column string, v models.Value) error {
	r := cs.current[id]
	if r == nil {
		return fmt.Errorf("row %s: %w", id, apperrors.ErrNotFound)
	}
	r.Columns.Set(column, v)
	return nil
}

// DeleteColumn removes a column from a working row.
func (cs *ChangeSet) DeleteColumn(id uuid.UUID, column string) error {
	r := cs.current[id]
	if r == nil {
		return fmt.Errorf("row %s: %w", id, apperrors.ErrNotFound)
	}
	r.Columns.Delete(column)
	return nil
}

// Delete removes a row. Deleting an absent row is a no-op.
func (cs *ChangeSet) Delete(id uuid.UUID) bool {
	if cs.current[id] == nil {
		return false
	}
	cs.current[id] = nil
	return true
}

// Insert adds a row. A row without an ID is assigned one.
func (cs *ChangeSet) Insert(row *models.Row) (*models.Row, error) {
	r := row.Clone()
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if cs.current[r.ID] != nil {
		return nil, fmt.Errorf("row %s already exists: %w", r.ID, apperrors.ErrConflict)
	}
	r.ProjectID = cs.projectID
	if _, known := cs.current[r.ID]; !known {
		cs.ids = append(cs.ids, r.ID)
	}
	cs.current[r.ID] = r
	return r, nil
}

// Replace overwrites a row with the given content, inserting it when absent.
func (cs *ChangeSet) Replace(row *models.Row) {
	r := row.Clone()
	r.ProjectID = cs.projectID
	if _, known := cs.current[r.ID]; !known {
		cs.ids = append(cs.ids, r.ID)
	}
	cs.current[r.ID] = r
}

// Note adds a message to the operation result.
func (cs *ChangeSet) Note(format string, args ...any) {
	cs.messages = append(cs.messages, fmt.Sprintf(format, args...))
}

// Empty reports whether the working copy equals the loaded rows.
func (cs *ChangeSet) Empty() bool {
	for _, id := range cs.ids {
		if rowChanged(cs.original[id], cs.current[id]) {
			return false
		}
	}
	return true
}

func rowChanged(before, after *models.Row) bool {
	switch {
	case before == nil && after == nil:
		return false
	case before == nil || after == nil:
		return true
	case before.Label != after.Label || before.Position != after.Position:
		return true
	}
	return len(columnDiff(before, after)) > 0
}

// columnDiff lists changed columns. An absent column and a Missing value are
// the same.
func columnDiff(before, after *models.Row) []FieldChange {
	var out []FieldChange
	seen := make(map[string]bool)
	check := func(col string) {
		if seen[col] {
			return
		}
		seen[col] = true
		b, _ := before.Columns.Get(col)
		a, _ := after.Columns.Get(col)
		if b != a {
			out = append(out, FieldChange{Column: col, Before: b, After: a})
		}
	}
	for _, col := range before.Columns.Keys() {
		check(col)
	}
	for _, col := range after.Columns.Keys() {
		check(col)
	}
	return out
}

// changes is the persisted outcome of a ChangeSet.
type changes struct {
	write   []*models.Row
	remove  []uuid.UUID
	entries []*models.ChangeLogEntry
	details []RowChange
	rows    []*models.Row
}

// collect diffs the working copy into rows to write, rows to delete, change
// log entries and result details, all in position order.
func (cs *ChangeSet) collect() (*changes, error) {
	type pair struct {
		id       uuid.UUID
		position int
	}
	order := make([]pair, 0, len(cs.ids))
	for _, id := range cs.ids {
		pos := 0
		if r := cs.current[id]; r != nil {
			pos = r.Position
		} else if r := cs.original[id]; r != nil {
			pos = r.Position
		}
		order = append(order, pair{id: id, position: pos})
	}
	sort.SliceStable(order, func(i, j int) bool { return order[i].position < order[j].position })

	out := &changes{rows: cs.Rows()}
	for _, p := range order {
		before, after := cs.original[p.id], cs.current[p.id]
		if !rowChanged(before, after) {
			continue
		}

		switch {
		case before == nil:
			e, err := wholeRowEntry(after, nil, after)
			if err != nil {
				return nil, err
			}
			out.entries = append(out.entries, e)
			out.write = append(out.write, after)
			out.details = append(out.details, rowChangeFor(after, RowActionInsert, nil))

		case after == nil:
			e, err := wholeRowEntry(before, before, nil)
			if err != nil {
				return nil, err
			}
			out.entries = append(out.entries, e)
			out.remove = append(out.remove, before.ID)
			out.details = append(out.details, rowChangeFor(before, RowActionDelete, nil))

		case before.Label != after.Label || before.Position != after.Position:
			e, err := wholeRowEntry(after, before, after)
			if err != nil {
				return nil, err
			}
			out.entries = append(out.entries, e)
			out.write = append(out.write, after)
			out.details = append(out.details, rowChangeFor(after, RowActionReplace, columnDiff(before, after)))

		default:
			diff := columnDiff(before, after)
			for _, fc := range diff {
				e, err := columnEntry(after, fc)
				if err != nil {
					return nil, err
				}
				out.entries = append(out.entries, e)
			}
			out.write = append(out.write, after)
			out.details = append(out.details, rowChangeFor(after, RowActionUpdate, diff))
		}
	}
	return out, nil
}

func rowChangeFor(r *models.Row, action string, diff []FieldChange) RowChange {
	return RowChange{
		RowID:    r.ID,
		Label:    r.Label,
		Position: r.Position,
		Action:   action,
		Changes:  diff,
	}
}

func wholeRowEntry(ref, before, after *models.Row) (*models.ChangeLogEntry, error) {
	oldRaw, err := encodeRow(before)
	if err != nil {
		return nil, err
	}
	newRaw, err := encodeRow(after)
	if err != nil {
		return nil, err
	}
	return &models.ChangeLogEntry{
		RowID:    ref.ID,
		Label:    ref.Label,
		Position: ref.Position,
		OldValue: oldRaw,
		NewValue: newRaw,
	}, nil
}

func columnEntry(r *models.Row, fc FieldChange) (*models.ChangeLogEntry, error) {
	oldRaw, err := json.Marshal(fc.Before)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", fc.Column, err)
	}
	newRaw, err := json.Marshal(fc.After)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", fc.Column, err)
	}
	return &models.ChangeLogEntry{
		RowID:    r.ID,
		Label:    r.Label,
		Position: r.Position,
		Column:   fc.Column,
		OldValue: oldRaw,
		NewValue: newRaw,
	}, nil
}

func encodeRow(r *models.Row) (json.RawMessage, error) {
	if r == nil {
		return models.NullJSON, nil
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode row %s: %w", r.ID, err)
	}
	return raw, nil
}

// revert applies the inverse of one change log entry to the working copy.
func (cs *ChangeSet) revert(e *models.ChangeLogEntry) error {
	if e.IsWholeRow() {
		switch {
		case models.IsNullJSON(e.OldValue):
			cs.Delete(e.RowID)
			return nil
		default:
			var old models.Row
			if err := json.Unmarshal(e.OldValue, &old); err != nil {
				return fmt.Errorf("decode row %s: %w", e.RowID, err)
			}
			cs.Replace(&old)
			return nil
		}
	}

	if cs.current[e.RowID] == nil {
		return fmt.Errorf("row %s (%s @%d) no longer exists: %w", e.RowID, e.Label, e.Position, apperrors.ErrConflict)
	}
	if models.IsNullJSON(e.OldValue) {
		return cs.DeleteColumn(e.RowID, e.Column)
	}
	var old models.Value
	if err := json.Unmarshal(e.OldValue, &old); err != nil {
		return fmt.Errorf("decode %s on row %s: %w", e.Column, e.RowID, err)
	}
	return cs.Set(e.RowID, e.Column, old)
}
