package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// VersionSnapshot is a node in a project's version tree. Exactly one snapshot
// per project is active once any exists.
type VersionSnapshot struct {
	ID        uuid.UUID  `json:"id"`
	ProjectID uuid.UUID  `json:"project_id"`
	ParentID  *uuid.UUID `json:"parent_id,omitempty"`
	Version   int        `json:"version"`
	Tag       string     `json:"tag,omitempty"`
	Active    bool       `json:"active"`
	// BatchID is the change batch that produced the snapshot.
	BatchID   *uuid.UUID      `json:"batch_id,omitempty"`
	RowCount  int             `json:"row_count"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// EncodeSnapshotRows serializes rows for VersionSnapshot.Data.
func EncodeSnapshotRows(rows []*Row) (json.RawMessage, error) {
	if rows == nil {
		rows = []*Row{}
	}
	data, err := json.Marshal(rows)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot rows: %w", err)
	}
	return data, nil
}

// DecodeSnapshotRows restores rows from VersionSnapshot.Data.
func DecodeSnapshotRows(data json.RawMessage) ([]*Row, error) {
	if IsNullJSON(data) {
		return nil, nil
	}
	var rows []*Row
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decode snapshot rows: %w", err)
	}
	return rows, nil
}
