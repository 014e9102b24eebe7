package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/poofware/worktrack/models"
	"github.com/poofware/worktrack/txengine"
)

/* ───────────── public interface ───────────── */

type TaskRepository interface {
	CreateSafely(ctx context.Context, t *models.Task, by *uuid.UUID) error
	CreateSafelyTx(ctx context.Context, tx pgx.Tx, t *models.Task, by *uuid.UUID) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error)
	LockByID(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Task, error)

	UpdateSafely(ctx context.Context, t *models.Task, by *uuid.UUID, expectedVersion *int64) error
	UpdateSafelyTx(ctx context.Context, tx pgx.Tx, t *models.Task, by *uuid.UUID, expectedVersion *int64) error
	DeleteSafely(ctx context.Context, t *models.Task, expectedVersion *int64) error

	GetVersionInfo(t *models.Task) models.VersionInfo
	IsModifiedSince(t *models.Task, version int64) bool
	IsStillCurrent(ctx context.Context, t *models.Task, expectedVersion int64) (bool, error)

	// DONE tasks completed before the cutoff, in id order.
	CompletedBefore(cutoff time.Time) txengine.ChunkQuery[*models.Task]
	CountOpenByProject(ctx context.Context, tx pgx.Tx, projectID uuid.UUID) (int, error)
}

/* ───────────── implementation ───────────── */

type taskRepo struct {
	*VersionedRepo[*models.Task]
}

func NewTaskRepository(db DB, engine *txengine.Engine) TaskRepository {
	return &taskRepo{VersionedRepo: NewVersionedRepo(db, engine, taskTable)}
}

var taskTable = Table[*models.Task]{
	Name: "tasks",
	Columns: []string{
		"project_id", "title", "description", "status",
		"assignee_id", "priority", "completed_at",
	},
	Values: func(t *models.Task) []any {
		return []any{
			t.ProjectID, t.Title, t.Description, t.Status,
			t.AssigneeID, t.Priority, t.CompletedAt,
		}
	},
	InsertColumns: []string{"created_at"},
	InsertValues: func(t *models.Task) []any {
		return []any{t.CreatedAt}
	},
	Scan: scanTask,
	OnCreate: func(t *models.Task, now time.Time) {
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		if t.Status == "" {
			t.Status = models.TaskStatusTodo
		}
	},
}

func (r *taskRepo) CompletedBefore(cutoff time.Time) txengine.ChunkQuery[*models.Task] {
	return r.Chunks("status = $1 AND completed_at < $2", models.TaskStatusDone, cutoff)
}

func (r *taskRepo) CountOpenByProject(ctx context.Context, tx pgx.Tx, projectID uuid.UUID) (int, error) {
	var n int
	err := tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM tasks
		WHERE project_id=$1 AND status = ANY($2)
	`, projectID, []string{string(models.TaskStatusTodo), string(models.TaskStatusInProgress)}).Scan(&n)
	return n, err
}

func scanTask(row pgx.Row) (*models.Task, error) {
	var t models.Task
	if err := row.Scan(
		&t.ID, &t.ProjectID, &t.Title, &t.Description, &t.Status,
		&t.AssigneeID, &t.Priority, &t.CompletedAt,
		&t.CreatedAt,
		&t.RowVersion, &t.LastModifiedAt, &t.LastModifiedBy,
	); err != nil {
		return nil, err
	}
	return &t, nil
}
