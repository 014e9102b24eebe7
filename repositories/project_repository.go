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

type ProjectRepository interface {
	CreateSafely(ctx context.Context, p *models.Project, by *uuid.UUID) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Project, error)
	LockByID(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Project, error)

	UpdateSafely(ctx context.Context, p *models.Project, by *uuid.UUID, expectedVersion *int64) error
	UpdateSafelyTx(ctx context.Context, tx pgx.Tx, p *models.Project, by *uuid.UUID, expectedVersion *int64) error
	DeleteSafely(ctx context.Context, p *models.Project, expectedVersion *int64) error

	GetVersionInfo(p *models.Project) models.VersionInfo
	IsModifiedSince(p *models.Project, version int64) bool
	IsStillCurrent(ctx context.Context, p *models.Project, expectedVersion int64) (bool, error)

	// Projects whose status is not COMPLETED, in id order.
	Unfinished() txengine.ChunkQuery[*models.Project]
}

/* ───────────── implementation ───────────── */

type projectRepo struct {
	*VersionedRepo[*models.Project]
}

func NewProjectRepository(db DB, engine *txengine.Engine) ProjectRepository {
	return &projectRepo{VersionedRepo: NewVersionedRepo(db, engine, projectTable)}
}

var projectTable = Table[*models.Project]{
	Name:    "projects",
	Columns: []string{"name", "status", "open_task_count", "due_date"},
	Values: func(p *models.Project) []any {
		return []any{p.Name, p.Status, p.OpenTaskCount, p.DueDate}
	},
	InsertColumns: []string{"client_id", "created_at"},
	InsertValues: func(p *models.Project) []any {
		return []any{p.ClientID, p.CreatedAt}
	},
	Scan: scanProject,
	OnCreate: func(p *models.Project, now time.Time) {
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		if p.Status == "" {
			p.Status = models.ProjectStatusPlanned
		}
	},
}

func (r *projectRepo) Unfinished() txengine.ChunkQuery[*models.Project] {
	return r.Chunks("status <> $1", models.ProjectStatusCompleted)
}

func scanProject(row pgx.Row) (*models.Project, error) {
	var p models.Project
	if err := row.Scan(
		&p.ID, &p.Name, &p.Status, &p.OpenTaskCount, &p.DueDate,
		&p.ClientID, &p.CreatedAt,
		&p.RowVersion, &p.LastModifiedAt, &p.LastModifiedBy,
	); err != nil {
		return nil, err
	}
	return &p, nil
}
