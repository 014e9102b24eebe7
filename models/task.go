package models

import (
	"time"

	"github.com/google/uuid"
)

type TaskStatusType string

const (
	TaskStatusTodo       TaskStatusType = "TODO"
	TaskStatusInProgress TaskStatusType = "IN_PROGRESS"
	TaskStatusDone       TaskStatusType = "DONE"
	TaskStatusArchived   TaskStatusType = "ARCHIVED"
)

// IsOpen reports whether the task still counts toward its project's workload.
func (s TaskStatusType) IsOpen() bool {
	return s == TaskStatusTodo || s == TaskStatusInProgress
}

type Task struct {
	Versioned
	ID          uuid.UUID      `json:"id"`
	ProjectID   uuid.UUID      `json:"project_id"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Status      TaskStatusType `json:"status"`
	AssigneeID  *uuid.UUID     `json:"assignee_id,omitempty"`
	Priority    int            `json:"priority"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

func (t *Task) GetID() uuid.UUID { return t.ID }
