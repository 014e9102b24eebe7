package models

import (
	"time"

	"github.com/google/uuid"
)

type ProjectStatusType string

const (
	ProjectStatusPlanned   ProjectStatusType = "PLANNED"
	ProjectStatusActive    ProjectStatusType = "ACTIVE"
	ProjectStatusOnHold    ProjectStatusType = "ON_HOLD"
	ProjectStatusCompleted ProjectStatusType = "COMPLETED"
)

// Project groups tasks for one client.
//
// OpenTaskCount is denormalised and only rewritten under a row lock.
type Project struct {
	Versioned
	ID            uuid.UUID         `json:"id"`
	ClientID      uuid.UUID         `json:"client_id"`
	Name          string            `json:"name"`
	Status        ProjectStatusType `json:"status"`
	OpenTaskCount int               `json:"open_task_count"`
	DueDate       *time.Time        `json:"due_date,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

func (p *Project) GetID() uuid.UUID { return p.ID }
