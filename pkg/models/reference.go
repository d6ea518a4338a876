package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// ReferenceMaterial is a certified reference material record. Several records
// may share an ID and differ by analysis Method.
type ReferenceMaterial struct {
	ID     string             `json:"id"`
	Method string             `json:"method,omitempty"`
	Type   string             `json:"type,omitempty"`
	Values map[string]float64 `json:"values"`
}

// Key uniquely identifies the record across methods.
func (m *ReferenceMaterial) Key() string {
	return m.ID + "|" + m.Method
}

// NormalizeReferenceID canonicalizes a material id for lookup: upper case
// with spaces, dashes and underscores removed ("oreas-24b" == "OREAS 24B").
func NormalizeReferenceID(id string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(strings.TrimSpace(id)) {
		switch r {
		case ' ', '-', '_':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// CrmSelection pins which reference record a specific row is compared against.
type CrmSelection struct {
	ProjectID uuid.UUID `json:"project_id"`
	Label     string    `json:"label"`
	Position  int       `json:"position"`
	RecordKey string    `json:"record_key"`
	UpdatedAt time.Time `json:"updated_at"`
}
