package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/poofware/worktrack/models"
	"github.com/poofware/worktrack/repositories"
	"github.com/poofware/worktrack/txengine"
	"github.com/poofware/worktrack/utils"
	"github.com/sirupsen/logrus"
)

// ArchiveLockName keeps archive runs from overlapping across processes.
const ArchiveLockName = "worktrack:archive-tasks"

// ImportLockName is the per-client lock held for the duration of a bulk
// import. One import per client at a time.
func ImportLockName(clientID uuid.UUID) string {
	return "client-import:" + clientID.String()
}

var ErrProjectNotOwned = errors.New("project_not_owned_by_client")

// TaskDraft is one row of a bulk task import.
type TaskDraft struct {
	Title       string     `validate:"required,max=200"`
	Description string     `validate:"max=4000"`
	Priority    int        `validate:"gte=0,lte=5"`
	AssigneeID  *uuid.UUID `validate:"omitempty"`
}

type ArchiveResult struct {
	Archived int
	// Skipped counts tasks modified by someone else while the run was in
	// progress. They are picked up again by the next run if still eligible.
	Skipped int
}

type MaintenanceService interface {
	ArchiveCompletedTasks(ctx context.Context, before time.Time, actor *uuid.UUID) (ArchiveResult, error)
	RecountProject(ctx context.Context, projectID uuid.UUID, actor *uuid.UUID) (*models.Project, error)
	RecountUnfinishedProjects(ctx context.Context, actor *uuid.UUID) (int, error)
	ImportTasks(ctx context.Context, clientID, projectID uuid.UUID, drafts []TaskDraft, actor *uuid.UUID) ([]*models.Task, error)
}

type maintenanceService struct {
	engine   *txengine.Engine
	projects repositories.ProjectRepository
	tasks    repositories.TaskRepository
	validate *validator.Validate
}

func NewMaintenanceService(
	engine *txengine.Engine,
	projects repositories.ProjectRepository,
	tasks repositories.TaskRepository,
) MaintenanceService {
	return &maintenanceService{
		engine:   engine,
		projects: projects,
		tasks:    tasks,
		validate: validator.New(),
	}
}

// ArchiveCompletedTasks moves DONE tasks completed before the cutoff to
// ARCHIVED, one chunk per transaction.
func (s *maintenanceService) ArchiveCompletedTasks(ctx context.Context, before time.Time, actor *uuid.UUID) (ArchiveResult, error) {
	return txengine.Timed(ctx, s.engine, "archive_completed_tasks", func(ctx context.Context) (ArchiveResult, error) {
		return txengine.Locked(ctx, s.engine, ArchiveLockName, func(ctx context.Context) (ArchiveResult, error) {
			chunks, err := txengine.BulkWithChunking(ctx, s.engine, s.tasks.CompletedBefore(before), s.archiveChunk(actor))

			var total ArchiveResult
			for _, r := range chunks {
				total.Archived += r.Archived
				total.Skipped += r.Skipped
			}
			utils.Logger.WithFields(logrus.Fields{
				"archived": total.Archived,
				"skipped":  total.Skipped,
				"cutoff":   before.Format(time.RFC3339),
			}).Info("Archive run finished")
			return total, err
		})
	})
}

func (s *maintenanceService) archiveChunk(actor *uuid.UUID) func(context.Context, pgx.Tx, []*models.Task) (ArchiveResult, error) {
	return func(ctx context.Context, tx pgx.Tx, chunk []*models.Task) (ArchiveResult, error) {
		var res ArchiveResult
		for _, loaded := range chunk {
			// Work on a copy: a retried chunk must start from the loaded versions.
			t := *loaded
			t.Status = models.TaskStatusArchived

			err := s.tasks.UpdateSafelyTx(ctx, tx, &t, actor, nil)
			switch {
			case err == nil:
				res.Archived++
			case errors.Is(err, utils.ErrConcurrentModification):
				utils.Logger.WithField("task_id", t.ID).Debug("Task changed during archive, skipping")
				res.Skipped++
			default:
				return ArchiveResult{}, fmt.Errorf("archiving task %s: %w", t.ID, err)
			}
		}
		return res, nil
	}
}

// RecountProject recomputes open_task_count under the project's row lock.
// The stored row is only rewritten when the count actually changed.
func (s *maintenanceService) RecountProject(ctx context.Context, projectID uuid.UUID, actor *uuid.UUID) (*models.Project, error) {
	return txengine.Timed(ctx, s.engine, "recount_project", func(ctx context.Context) (*models.Project, error) {
		return txengine.WithRowLock[*models.Project, *models.Project](ctx, s.engine, s.projects, projectID,
			func(ctx context.Context, tx pgx.Tx, p *models.Project) (*models.Project, error) {
				n, err := s.tasks.CountOpenByProject(ctx, tx, p.ID)
				if err != nil {
					return nil, err
				}
				if n == p.OpenTaskCount {
					return p, nil
				}
				p.OpenTaskCount = n
				if err := s.projects.UpdateSafelyTx(ctx, tx, p, actor, nil); err != nil {
					return nil, err
				}
				return p, nil
			})
	})
}

// RecountUnfinishedProjects recounts every project that is not COMPLETED,
// each under its own row lock, and reports how many counts changed. A
// project deleted mid-run is skipped.
func (s *maintenanceService) RecountUnfinishedProjects(ctx context.Context, actor *uuid.UUID) (int, error) {
	return txengine.Timed(ctx, s.engine, "recount_unfinished_projects", func(ctx context.Context) (int, error) {
		chunkSize := s.engine.Options().ChunkSize
		q := s.projects.Unfinished()
		changed := 0
		for {
			chunk, err := q.Next(ctx, chunkSize)
			if err != nil {
				return changed, err
			}
			for _, p := range chunk {
				updated, err := s.RecountProject(ctx, p.ID, actor)
				if errors.Is(err, utils.ErrNotFound) {
					continue
				}
				if err != nil {
					return changed, err
				}
				if updated.RowVersion != p.RowVersion {
					changed++
				}
			}
			if len(chunk) < chunkSize {
				return changed, nil
			}
		}
	})
}

// ImportTasks creates one task per draft under projectID, chunked, while
// holding the client's import lock. Drafts are validated up front; nothing
// is written when any is invalid. A failing chunk stops the import and the
// tasks of the chunks already committed are returned with the error.
func (s *maintenanceService) ImportTasks(
	ctx context.Context,
	clientID, projectID uuid.UUID,
	drafts []TaskDraft,
	actor *uuid.UUID,
) ([]*models.Task, error) {
	for i := range drafts {
		if err := s.validate.Struct(drafts[i]); err != nil {
			return nil, fmt.Errorf("draft %d: %w", i, err)
		}
	}

	return txengine.Timed(ctx, s.engine, "import_tasks", func(ctx context.Context) ([]*models.Task, error) {
		return txengine.Locked(ctx, s.engine, ImportLockName(clientID), func(ctx context.Context) ([]*models.Task, error) {
			project, err := s.projects.GetByID(ctx, projectID)
			if err != nil {
				return nil, err
			}
			if project.ClientID != clientID {
				return nil, fmt.Errorf("%w: project %s", ErrProjectNotOwned, projectID)
			}

			chunks, err := txengine.BulkWithChunking(ctx, s.engine, txengine.SliceQuery(drafts),
				func(ctx context.Context, tx pgx.Tx, chunk []TaskDraft) ([]*models.Task, error) {
					created := make([]*models.Task, 0, len(chunk))
					for _, d := range chunk {
						t := &models.Task{
							ID:          uuid.New(),
							ProjectID:   projectID,
							Title:       d.Title,
							Description: d.Description,
							Priority:    d.Priority,
							AssigneeID:  d.AssigneeID,
							Status:      models.TaskStatusTodo,
						}
						if err := s.tasks.CreateSafelyTx(ctx, tx, t, actor); err != nil {
							return nil, err
						}
						created = append(created, t)
					}
					return created, nil
				})

			var imported []*models.Task
			for _, c := range chunks {
				imported = append(imported, c...)
			}
			if err != nil {
				return imported, err
			}

			if _, err := s.RecountProject(ctx, projectID, actor); err != nil {
				return imported, fmt.Errorf("recount after import: %w", err)
			}
			utils.Logger.WithFields(logrus.Fields{
				"client_id":  clientID,
				"project_id": projectID,
				"tasks":      len(imported),
			}).Info("Task import finished")
			return imported, nil
		})
	})
}
