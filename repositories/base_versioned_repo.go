package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/poofware/worktrack/models"
	"github.com/poofware/worktrack/txengine"
	"github.com/poofware/worktrack/utils"
)

// Table describes how an entity maps onto its table. Every versioned table
// carries id, row_version, last_modified_at and last_modified_by in addition
// to the columns listed here.
type Table[T EntityWithVersion] struct {
	Name string

	// Columns are written on insert and on every guarded update.
	Columns []string
	Values  func(T) []any

	// InsertColumns are written on insert only.
	InsertColumns []string
	InsertValues  func(T) []any

	// Scan reads a row selected with SelectList: id, Columns,
	// InsertColumns, row_version, last_modified_at, last_modified_by.
	Scan func(row pgx.Row) (T, error)

	// OnCreate runs before the insert, e.g. to fill in CreatedAt.
	OnCreate func(rec T, now time.Time)
}

// SelectList is the column list Scan expects.
func (t *Table[T]) SelectList() string {
	cols := append([]string{"id"}, t.Columns...)
	cols = append(cols, t.InsertColumns...)
	cols = append(cols, "row_version", "last_modified_at", "last_modified_by")
	return strings.Join(cols, ", ")
}

/*
VersionedRepo implements the guarded write protocol for one table:

	• CreateSafely   – insert at row_version 0
	• UpdateSafely   – lock the row at the expected version, write, bump
	• DeleteSafely   – lock the row at the expected version, delete
	• IsStillCurrent – cheap staleness poll

Writes go through the engine so lock contention is retried.
*/
type VersionedRepo[T EntityWithVersion] struct {
	db     DB
	engine *txengine.Engine
	table  Table[T]
	now    func() time.Time

	insertSQL      string
	lockVersionSQL string
	updateSQL      string
	deleteSQL      string
	selectSQL      string
	versionSQL     string
}

// NewVersionedRepo is called by concrete repositories.
func NewVersionedRepo[T EntityWithVersion](db DB, engine *txengine.Engine, table Table[T]) *VersionedRepo[T] {
	b := &VersionedRepo[T]{
		db:     db,
		engine: engine,
		table:  table,
		now:    time.Now,
	}
	b.buildSQL()
	return b
}

// SetClock replaces time.Now for metadata stamps.
func (b *VersionedRepo[T]) SetClock(now func() time.Time) {
	b.now = now
}

func (b *VersionedRepo[T]) buildSQL() {
	t := &b.table

	insertCols := append([]string{"id"}, t.Columns...)
	insertCols = append(insertCols, t.InsertColumns...)
	insertCols = append(insertCols, "row_version", "last_modified_at", "last_modified_by")
	b.insertSQL = fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		t.Name, strings.Join(insertCols, ", "), placeholders(1, len(insertCols)),
	)

	b.lockVersionSQL = fmt.Sprintf(
		"SELECT row_version FROM %s WHERE id=$1 AND row_version=$2 FOR UPDATE", t.Name,
	)

	sets := make([]string, 0, len(t.Columns)+3)
	for i, c := range t.Columns {
		sets = append(sets, fmt.Sprintf("%s=$%d", c, i+1))
	}
	n := len(t.Columns)
	sets = append(sets,
		fmt.Sprintf("row_version=$%d", n+1),
		fmt.Sprintf("last_modified_at=$%d", n+2),
		fmt.Sprintf("last_modified_by=$%d", n+3),
	)
	b.updateSQL = fmt.Sprintf("UPDATE %s SET %s WHERE id=$%d", t.Name, strings.Join(sets, ", "), n+4)

	b.deleteSQL = fmt.Sprintf("DELETE FROM %s WHERE id=$1", t.Name)
	b.selectSQL = fmt.Sprintf("SELECT %s FROM %s WHERE id=$1", t.SelectList(), t.Name)
	b.versionSQL = fmt.Sprintf("SELECT row_version FROM %s WHERE id=$1", t.Name)
}

func placeholders(from, n int) string {
	ps := make([]string, n)
	for i := range ps {
		ps[i] = fmt.Sprintf("$%d", from+i)
	}
	return strings.Join(ps, ",")
}

// stampTime matches the microsecond precision PostgreSQL stores.
func (b *VersionedRepo[T]) stampTime() time.Time {
	return b.now().UTC().Truncate(time.Microsecond)
}

// -------------------------- create --------------------------

// CreateSafely inserts rec at row_version 0 and stamps its metadata. Store
// errors such as unique violations are returned unchanged.
func (b *VersionedRepo[T]) CreateSafely(ctx context.Context, rec T, by *uuid.UUID) error {
	return b.engine.ExecuteWithRetry(ctx, func(ctx context.Context, tx pgx.Tx) error {
		return b.CreateSafelyTx(ctx, tx, rec, by)
	})
}

// CreateSafelyTx is CreateSafely inside a caller-owned transaction.
func (b *VersionedRepo[T]) CreateSafelyTx(ctx context.Context, tx pgx.Tx, rec T, by *uuid.UUID) error {
	now := b.stampTime()
	if b.table.OnCreate != nil {
		b.table.OnCreate(rec, now)
	}

	args := []any{rec.GetID()}
	args = append(args, b.table.Values(rec)...)
	if b.table.InsertValues != nil {
		args = append(args, b.table.InsertValues(rec)...)
	}
	args = append(args, int64(0), now, by)

	if _, err := tx.Exec(ctx, b.insertSQL, args...); err != nil {
		return err
	}
	rec.Stamp(0, now, by)
	return nil
}

// -------------------------- update --------------------------

// UpdateSafely writes rec's data columns if, and only if, the stored row is
// still at expectedVersion. A nil expectedVersion means the version rec was
// loaded at. On success rec carries the new version and metadata; on
// mismatch the result is utils.ErrConcurrentModification and rec is left
// untouched.
func (b *VersionedRepo[T]) UpdateSafely(ctx context.Context, rec T, by *uuid.UUID, expectedVersion *int64) error {
	expected := rec.GetRowVersion()
	if expectedVersion != nil {
		expected = *expectedVersion
	}

	var at time.Time
	err := b.engine.ExecuteWithRetry(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		at, err = b.update(ctx, tx, rec, by, expected)
		return err
	})
	if err != nil {
		return err
	}
	rec.Stamp(expected+1, at, by)
	return nil
}

// UpdateSafelyTx is UpdateSafely inside a caller-owned transaction. rec is
// stamped as soon as the statement succeeds, so callers whose transaction
// later rolls back must reload it.
func (b *VersionedRepo[T]) UpdateSafelyTx(ctx context.Context, tx pgx.Tx, rec T, by *uuid.UUID, expectedVersion *int64) error {
	expected := rec.GetRowVersion()
	if expectedVersion != nil {
		expected = *expectedVersion
	}

	at, err := b.update(ctx, tx, rec, by, expected)
	if err != nil {
		return err
	}
	rec.Stamp(expected+1, at, by)
	return nil
}

func (b *VersionedRepo[T]) update(ctx context.Context, tx pgx.Tx, rec T, by *uuid.UUID, expected int64) (time.Time, error) {
	if err := b.lockAtVersion(ctx, tx, rec.GetID(), expected); err != nil {
		return time.Time{}, err
	}

	at := b.stampTime()
	args := b.table.Values(rec)
	args = append(args, expected+1, at, by, rec.GetID())
	if _, err := tx.Exec(ctx, b.updateSQL, args...); err != nil {
		return time.Time{}, err
	}
	return at, nil
}

// lockAtVersion takes the row lock only if the row is still at expected.
func (b *VersionedRepo[T]) lockAtVersion(ctx context.Context, tx pgx.Tx, id uuid.UUID, expected int64) error {
	var v int64
	err := tx.QueryRow(ctx, b.lockVersionSQL, id, expected).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s %s at version %d", utils.ErrConcurrentModification, b.table.Name, id, expected)
	}
	return err
}

// -------------------------- delete --------------------------

// DeleteSafely removes rec if the stored row is still at expectedVersion (or
// rec's own version when nil).
func (b *VersionedRepo[T]) DeleteSafely(ctx context.Context, rec T, expectedVersion *int64) error {
	return b.engine.ExecuteWithRetry(ctx, func(ctx context.Context, tx pgx.Tx) error {
		return b.DeleteSafelyTx(ctx, tx, rec, expectedVersion)
	})
}

// DeleteSafelyTx is DeleteSafely inside a caller-owned transaction.
func (b *VersionedRepo[T]) DeleteSafelyTx(ctx context.Context, tx pgx.Tx, rec T, expectedVersion *int64) error {
	expected := rec.GetRowVersion()
	if expectedVersion != nil {
		expected = *expectedVersion
	}
	if err := b.lockAtVersion(ctx, tx, rec.GetID(), expected); err != nil {
		return err
	}
	_, err := tx.Exec(ctx, b.deleteSQL, rec.GetID())
	return err
}

// -------------------------- reads --------------------------

func (b *VersionedRepo[T]) GetByID(ctx context.Context, id uuid.UUID) (T, error) {
	return b.scanOne(b.db.QueryRow(ctx, b.selectSQL, id), id)
}

// LockByID reads the row under an exclusive lock held until tx ends.
func (b *VersionedRepo[T]) LockByID(ctx context.Context, tx pgx.Tx, id uuid.UUID) (T, error) {
	return b.scanOne(tx.QueryRow(ctx, b.selectSQL+" FOR UPDATE", id), id)
}

func (b *VersionedRepo[T]) scanOne(row pgx.Row, id uuid.UUID) (T, error) {
	rec, err := b.table.Scan(row)
	if errors.Is(err, pgx.ErrNoRows) {
		var zero T
		return zero, fmt.Errorf("%w: %s %s", utils.ErrNotFound, b.table.Name, id)
	}
	return rec, err
}

// GetVersionInfo is the read-only projection used to explain a conflict.
func (b *VersionedRepo[T]) GetVersionInfo(rec T) models.VersionInfo {
	return rec.VersionInfo()
}

// IsModifiedSince reports whether rec has moved past version.
func (b *VersionedRepo[T]) IsModifiedSince(rec T, version int64) bool {
	return IsModifiedSince(rec, version)
}

// IsStillCurrent re-reads the stored version. A vanished row is not current.
func (b *VersionedRepo[T]) IsStillCurrent(ctx context.Context, rec T, expectedVersion int64) (bool, error) {
	var v int64
	err := b.db.QueryRow(ctx, b.versionSQL, rec.GetID()).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v == expectedVersion, nil
}

// -------------------------- chunking --------------------------

// Chunks pages through the rows matching where (placeholders from $1, bound
// to args) in id order. Paging is keyset based, so rows rewritten by
// earlier chunks neither shift nor repeat later ones.
func (b *VersionedRepo[T]) Chunks(where string, args ...any) txengine.ChunkQuery[T] {
	if strings.TrimSpace(where) == "" {
		where = "TRUE"
	}
	return &keysetQuery[T]{repo: b, where: where, args: args}
}

type keysetQuery[T EntityWithVersion] struct {
	repo  *VersionedRepo[T]
	where string
	args  []any
	after *uuid.UUID
}

func (q *keysetQuery[T]) Next(ctx context.Context, limit int) ([]T, error) {
	args := append([]any(nil), q.args...)
	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT %s FROM %s WHERE (%s)", q.repo.table.SelectList(), q.repo.table.Name, q.where)
	if q.after != nil {
		args = append(args, *q.after)
		fmt.Fprintf(&sb, " AND id > $%d", len(args))
	}
	args = append(args, limit)
	fmt.Fprintf(&sb, " ORDER BY id LIMIT $%d", len(args))

	rows, err := q.repo.db.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		rec, err := q.repo.table.Scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(out) > 0 {
		last := out[len(out)-1].GetID()
		q.after = &last
	}
	return out, nil
}
