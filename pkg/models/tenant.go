package models

import (
	"time"

	"github.com/google/uuid"
)

// Tenant owns files and API keys. A tenant's ID is the owner_id of its files.
type Tenant struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	Name      string    `db:"name"       json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
