package repositories

import (
	"context"

	"github.com/jackc/pgx/v4"
	"github.com/poofware/worktrack/txengine"
	"github.com/poofware/worktrack/utils"
)

// SchemaLockName serialises schema changes across every running process.
const SchemaLockName = "worktrack:schema"

// Schema is idempotent DDL for the versioned tables.
const Schema = `
CREATE TABLE IF NOT EXISTS clients (
	id               UUID PRIMARY KEY,
	name             TEXT NOT NULL,
	contact_email    TEXT NOT NULL DEFAULT '',
	active           BOOLEAN NOT NULL DEFAULT TRUE,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	row_version      BIGINT NOT NULL DEFAULT 0 CHECK (row_version >= 0),
	last_modified_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	last_modified_by UUID
);

CREATE TABLE IF NOT EXISTS projects (
	id               UUID PRIMARY KEY,
	client_id        UUID NOT NULL REFERENCES clients(id) ON DELETE CASCADE,
	name             TEXT NOT NULL,
	status           TEXT NOT NULL DEFAULT 'PLANNED',
	open_task_count  INTEGER NOT NULL DEFAULT 0,
	due_date         TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	row_version      BIGINT NOT NULL DEFAULT 0 CHECK (row_version >= 0),
	last_modified_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	last_modified_by UUID
);
CREATE INDEX IF NOT EXISTS projects_client_id_idx ON projects (client_id);

CREATE TABLE IF NOT EXISTS tasks (
	id               UUID PRIMARY KEY,
	project_id       UUID NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	title            TEXT NOT NULL,
	description      TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL DEFAULT 'TODO',
	assignee_id      UUID,
	priority         INTEGER NOT NULL DEFAULT 0,
	completed_at     TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	row_version      BIGINT NOT NULL DEFAULT 0 CHECK (row_version >= 0),
	last_modified_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	last_modified_by UUID
);
CREATE INDEX IF NOT EXISTS tasks_project_status_idx ON tasks (project_id, status);
CREATE INDEX IF NOT EXISTS tasks_status_completed_idx ON tasks (status, completed_at);
`

// EnsureSchema applies Schema. Concurrent callers queue on SchemaLockName
// so CREATE ... IF NOT EXISTS never races with itself.
func EnsureSchema(ctx context.Context, engine *txengine.Engine) error {
	return engine.WithAdvisoryLock(ctx, SchemaLockName, func(ctx context.Context) error {
		return engine.ExecuteWithRetry(ctx, func(ctx context.Context, tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, Schema); err != nil {
				return err
			}
			utils.Logger.Info("Schema is up to date")
			return nil
		})
	})
}
