package models

import (
	"time"

	"github.com/google/uuid"
)

// Project owns rows, versions, the change log, reference selections and jobs.
type Project struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Owner     string    `json:"owner,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
