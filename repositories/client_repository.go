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

type ClientRepository interface {
	CreateSafely(ctx context.Context, c *models.Client, by *uuid.UUID) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Client, error)
	LockByID(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Client, error)

	UpdateSafely(ctx context.Context, c *models.Client, by *uuid.UUID, expectedVersion *int64) error
	DeleteSafely(ctx context.Context, c *models.Client, expectedVersion *int64) error

	GetVersionInfo(c *models.Client) models.VersionInfo
	IsModifiedSince(c *models.Client, version int64) bool
	IsStillCurrent(ctx context.Context, c *models.Client, expectedVersion int64) (bool, error)

	ActiveClients() txengine.ChunkQuery[*models.Client]
}

/* ───────────── implementation ───────────── */

type clientRepo struct {
	*VersionedRepo[*models.Client]
}

func NewClientRepository(db DB, engine *txengine.Engine) ClientRepository {
	return &clientRepo{VersionedRepo: NewVersionedRepo(db, engine, clientTable)}
}

var clientTable = Table[*models.Client]{
	Name:    "clients",
	Columns: []string{"name", "contact_email", "active"},
	Values: func(c *models.Client) []any {
		return []any{c.Name, c.ContactEmail, c.Active}
	},
	InsertColumns: []string{"created_at"},
	InsertValues: func(c *models.Client) []any {
		return []any{c.CreatedAt}
	},
	Scan: scanClient,
	OnCreate: func(c *models.Client, now time.Time) {
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
	},
}

func (r *clientRepo) ActiveClients() txengine.ChunkQuery[*models.Client] {
	return r.Chunks("active")
}

func scanClient(row pgx.Row) (*models.Client, error) {
	var c models.Client
	if err := row.Scan(
		&c.ID, &c.Name, &c.ContactEmail, &c.Active,
		&c.CreatedAt,
		&c.RowVersion, &c.LastModifiedAt, &c.LastModifiedBy,
	); err != nil {
		return nil, err
	}
	return &c, nil
}
