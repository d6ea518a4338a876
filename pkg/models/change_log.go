package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ChangeKind identifies the operation that produced a change batch.
type ChangeKind string

const (
	ChangeKindWeight       ChangeKind = "weight"
	ChangeKindVolume       ChangeKind = "volume"
	ChangeKindDF           ChangeKind = "df"
	ChangeKindDeleteRows   ChangeKind = "delete_rows"
	ChangeKindBlankScale   ChangeKind = "blank_scale"
	ChangeKindOptimization ChangeKind = "optimization"
	ChangeKindDrift        ChangeKind = "drift"
	ChangeKindImport       ChangeKind = "import"
	ChangeKindCheckout     ChangeKind = "checkout"
	ChangeKindUndo         ChangeKind = "undo"
)

// IsValid returns true for known kinds.
func (k ChangeKind) IsValid() bool {
	switch k {
	case ChangeKindWeight, ChangeKindVolume, ChangeKindDF, ChangeKindDeleteRows,
		ChangeKindBlankScale, ChangeKindOptimization, ChangeKindDrift,
		ChangeKindImport, ChangeKindCheckout, ChangeKindUndo:
		return true
	}
	return false
}

// ChangeLogEntry records one field change. Column is empty for whole-row
// entries, where OldValue/NewValue hold the serialized row and a null side
// means the row did not exist (insert or delete).
type ChangeLogEntry struct {
	ID        uuid.UUID       `json:"id"`
	ProjectID uuid.UUID       `json:"project_id"`
	BatchID   uuid.UUID       `json:"batch_id"`
	RowID     uuid.UUID       `json:"row_id"`
	Label     string          `json:"label"`
	Position  int             `json:"position"`
	Column    string          `json:"column,omitempty"`
	OldValue  json.RawMessage `json:"old_value"`
	NewValue  json.RawMessage `json:"new_value"`
	CreatedAt time.Time       `json:"created_at"`
}

// IsWholeRow reports whether the entry captures an entire row.
func (e *ChangeLogEntry) IsWholeRow() bool {
	return e.Column == ""
}

// ChangeBatch groups the entries of one mutating operation.
type ChangeBatch struct {
	ID        uuid.UUID        `json:"id"`
	ProjectID uuid.UUID        `json:"project_id"`
	Kind      ChangeKind       `json:"kind"`
	Actor     string           `json:"actor"`
	Source    ProvenanceSource `json:"source"`
	// VersionID is the snapshot active after the batch committed.
	VersionID uuid.UUID `json:"version_id"`
	// PreviousVersionID is the snapshot that was active before the batch.
	PreviousVersionID *uuid.UUID `json:"previous_version_id,omitempty"`
	// RevertsBatchID is set on undo batches.
	RevertsBatchID *uuid.UUID        `json:"reverts_batch_id,omitempty"`
	Entries        []*ChangeLogEntry `json:"entries,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// NullJSON is the encoding of an absent value.
var NullJSON = json.RawMessage("null")

// IsNullJSON reports whether raw encodes null or nothing.
func IsNullJSON(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
