package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/poofware/worktrack/models"
	"github.com/poofware/worktrack/repositories"
	"github.com/poofware/worktrack/testhelpers"
	"github.com/poofware/worktrack/txengine"
	"github.com/poofware/worktrack/utils"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	db       *testhelpers.FakeDB
	store    *testhelpers.MemStore
	engine   *txengine.Engine
	clients  repositories.ClientRepository
	projects repositories.ProjectRepository
	tasks    repositories.TaskRepository
	svc      MaintenanceService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := testhelpers.NewFakeDB()
	store := testhelpers.NewWorktrackStore(db)

	logger, _ := test.NewNullLogger()
	opts := txengine.DefaultOptions()
	opts.RetryDelay = time.Millisecond
	opts.ChunkSize = 2
	opts.AdvisoryLockTimeout = 50 * time.Millisecond
	engine, err := txengine.New(db, opts, txengine.WithLogger(logger))
	require.NoError(t, err)

	f := &fixture{
		db:       db,
		store:    store,
		engine:   engine,
		clients:  repositories.NewClientRepository(db, engine),
		projects: repositories.NewProjectRepository(db, engine),
		tasks:    repositories.NewTaskRepository(db, engine),
	}
	f.svc = NewMaintenanceService(engine, f.projects, f.tasks)
	return f
}

func (f *fixture) project(t *testing.T) *models.Project {
	t.Helper()
	c := &models.Client{ID: uuid.New(), Name: "acme", Active: true}
	require.NoError(t, f.clients.CreateSafely(context.Background(), c, nil))
	p := &models.Project{ID: uuid.New(), ClientID: c.ID, Name: "launch", Status: models.ProjectStatusActive}
	require.NoError(t, f.projects.CreateSafely(context.Background(), p, nil))
	return p
}

func (f *fixture) task(t *testing.T, projectID uuid.UUID, status models.TaskStatusType, completedAt *time.Time) *models.Task {
	t.Helper()
	task := &models.Task{ID: uuid.New(), ProjectID: projectID, Title: "t", Status: status, CompletedAt: completedAt}
	require.NoError(t, f.tasks.CreateSafely(context.Background(), task, nil))
	return task
}

func TestArchiveCompletedTasks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.project(t)

	cutoff := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	old := cutoff.Add(-time.Hour)
	recent := cutoff.Add(time.Hour)

	var eligible []*models.Task
	for i := 0; i < 5; i++ {
		eligible = append(eligible, f.task(t, p.ID, models.TaskStatusDone, &old))
	}
	keepRecent := f.task(t, p.ID, models.TaskStatusDone, &recent)
	keepOpen := f.task(t, p.ID, models.TaskStatusInProgress, nil)

	actor := uuid.New()
	res, err := f.svc.ArchiveCompletedTasks(ctx, cutoff, &actor)
	require.NoError(t, err)
	require.Equal(t, ArchiveResult{Archived: 5}, res)

	for _, task := range eligible {
		got, err := f.tasks.GetByID(ctx, task.ID)
		require.NoError(t, err)
		require.Equal(t, models.TaskStatusArchived, got.Status)
		require.Equal(t, int64(1), got.RowVersion)
		require.Equal(t, &actor, got.LastModifiedBy)
	}
	for _, task := range []*models.Task{keepRecent, keepOpen} {
		require.Equal(t, int64(0), f.store.Version("tasks", task.ID))
	}

	// Nothing left to do on a second run.
	res, err = f.svc.ArchiveCompletedTasks(ctx, cutoff, &actor)
	require.NoError(t, err)
	require.Equal(t, ArchiveResult{}, res)
}

func TestArchiveCompletedTasks_SkipsConcurrentEdits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.project(t)

	cutoff := time.Now().UTC()
	old := cutoff.Add(-24 * time.Hour)
	for i := 0; i < 3; i++ {
		f.task(t, p.ID, models.TaskStatusDone, &old)
	}

	// Another user edits the first task of the first chunk right after the
	// chunk was read.
	inner := f.db.OnQuery
	var once sync.Once
	var victim uuid.UUID
	f.db.OnQuery = func(ctx context.Context, tx *testhelpers.FakeTx, sql string, args []any) (pgx.Rows, error) {
		rows, err := inner(ctx, tx, sql, args)
		once.Do(func() {
			first := f.store.Rows("tasks")[0]
			victim = first[0].(uuid.UUID)
			task, gerr := f.tasks.GetByID(ctx, victim)
			require.NoError(t, gerr)
			task.Title = "edited meanwhile"
			require.NoError(t, f.tasks.UpdateSafely(ctx, task, nil, nil))
		})
		return rows, err
	}

	res, err := f.svc.ArchiveCompletedTasks(ctx, cutoff, nil)
	require.NoError(t, err)
	require.Equal(t, ArchiveResult{Archived: 2, Skipped: 1}, res)

	got, err := f.tasks.GetByID(ctx, victim)
	require.NoError(t, err)
	require.Equal(t, models.TaskStatusDone, got.Status)
	require.Equal(t, "edited meanwhile", got.Title)
}

func TestArchiveCompletedTasks_OneRunAtATime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = f.engine.WithAdvisoryLock(ctx, ArchiveLockName, func(context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	_, err := f.svc.ArchiveCompletedTasks(ctx, time.Now(), nil)
	require.ErrorIs(t, err, utils.ErrLockTimeout)
}

func TestRecountProject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.project(t)

	done := time.Now().UTC()
	f.task(t, p.ID, models.TaskStatusTodo, nil)
	f.task(t, p.ID, models.TaskStatusTodo, nil)
	f.task(t, p.ID, models.TaskStatusInProgress, nil)
	f.task(t, p.ID, models.TaskStatusDone, &done)
	f.task(t, uuid.New(), models.TaskStatusTodo, nil)

	got, err := f.svc.RecountProject(ctx, p.ID, nil)
	require.NoError(t, err)
	require.Equal(t, 3, got.OpenTaskCount)
	require.Equal(t, int64(1), got.RowVersion)

	// Unchanged count leaves the row alone.
	got, err = f.svc.RecountProject(ctx, p.ID, nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), got.RowVersion)
	require.Equal(t, int64(1), f.store.Version("projects", p.ID))
}

func TestRecountProject_Missing(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.RecountProject(context.Background(), uuid.New(), nil)
	require.ErrorIs(t, err, utils.ErrNotFound)
}

func TestImportTasks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.project(t)
	actor := uuid.New()

	drafts := []TaskDraft{
		{Title: "design"}, {Title: "build", Priority: 2}, {Title: "test"},
		{Title: "ship", Priority: 5}, {Title: "celebrate"},
	}
	created, err := f.svc.ImportTasks(ctx, p.ClientID, p.ID, drafts, &actor)
	require.NoError(t, err)
	require.Len(t, created, 5)
	for i, task := range created {
		require.Equal(t, drafts[i].Title, task.Title)
		require.Equal(t, int64(0), task.RowVersion)
		require.Equal(t, p.ID, task.ProjectID)
	}
	require.Len(t, f.store.Rows("tasks"), 5)

	refreshed, err := f.projects.GetByID(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, 5, refreshed.OpenTaskCount)
}

func TestImportTasks_InvalidDraftWritesNothing(t *testing.T) {
	f := newFixture(t)
	p := f.project(t)

	_, err := f.svc.ImportTasks(context.Background(), p.ClientID, p.ID,
		[]TaskDraft{{Title: "ok"}, {Title: ""}}, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "draft 1")
	require.Empty(t, f.store.Rows("tasks"))
}

func TestImportTasks_ProjectOfAnotherClient(t *testing.T) {
	f := newFixture(t)
	p := f.project(t)

	_, err := f.svc.ImportTasks(context.Background(), uuid.New(), p.ID, []TaskDraft{{Title: "x"}}, nil)
	require.ErrorIs(t, err, ErrProjectNotOwned)
	require.Empty(t, f.store.Rows("tasks"))
}

func TestImportTasks_OnePerClient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.project(t)

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = f.engine.WithAdvisoryLock(ctx, ImportLockName(p.ClientID), func(context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	_, err := f.svc.ImportTasks(ctx, p.ClientID, p.ID, []TaskDraft{{Title: "x"}}, nil)
	require.ErrorIs(t, err, utils.ErrLockTimeout)
}

func TestRecountUnfinishedProjects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var active []*models.Project
	for i := 0; i < 3; i++ {
		p := f.project(t)
		f.task(t, p.ID, models.TaskStatusTodo, nil)
		active = append(active, p)
	}
	// Already accurate: no open tasks, count 0.
	f.project(t)

	completed := f.project(t)
	f.task(t, completed.ID, models.TaskStatusTodo, nil)
	completed.Status = models.ProjectStatusCompleted
	require.NoError(t, f.projects.UpdateSafely(ctx, completed, nil, nil))

	changed, err := f.svc.RecountUnfinishedProjects(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, 3, changed)

	for _, p := range active {
		got, err := f.projects.GetByID(ctx, p.ID)
		require.NoError(t, err)
		require.Equal(t, 1, got.OpenTaskCount)
	}
	got, err := f.projects.GetByID(ctx, completed.ID)
	require.NoError(t, err)
	require.Equal(t, 0, got.OpenTaskCount)
}
