package testhelpers

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
)

var tableRe = regexp.MustCompile(`(?i)\b(?:INTO|FROM|UPDATE)\s+(\w+)`)

// WhereFunc stands in for a chunk query's WHERE clause. args are the
// clause's own bind values.
type WhereFunc func(row []any, args []any) bool

// MemStore keeps versioned tables in memory and answers the statements the
// versioned repositories generate. Each row is held in select-list order:
// id, data columns, insert-only columns, row_version, last_modified_at,
// last_modified_by.
//
// Writes apply immediately and are not undone by a rollback. Row locks are
// taken through the FakeTx, so FOR UPDATE readers queue the way they would
// against PostgreSQL.
type MemStore struct {
	mu     sync.Mutex
	tables map[string]map[uuid.UUID][]any
	where  map[string]WhereFunc

	// Fallback answers QueryRow statements MemStore does not recognise.
	Fallback QueryRowFunc
}

// NewMemStore installs the store's handlers on db.
func NewMemStore(db *FakeDB) *MemStore {
	s := &MemStore{
		tables: make(map[string]map[uuid.UUID][]any),
		where:  make(map[string]WhereFunc),
	}
	db.OnExec = s.exec
	db.OnQueryRow = s.queryRow
	db.OnQuery = s.query
	return s
}

// SetWhere filters the rows chunk queries on table return.
func (s *MemStore) SetWhere(table string, fn WhereFunc) {
	s.mu.Lock()
	s.where[table] = fn
	s.mu.Unlock()
}

// Row returns a copy of the stored row.
func (s *MemStore) Row(table string, id uuid.UUID) ([]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.tables[table][id]
	if !ok {
		return nil, false
	}
	return append([]any(nil), row...), true
}

// Version returns the stored row_version of a row, or -1 when it is absent.
func (s *MemStore) Version(table string, id uuid.UUID) int64 {
	row, ok := s.Row(table, id)
	if !ok {
		return -1
	}
	return row[len(row)-3].(int64)
}

// Rows returns a snapshot of every row in table, in id order.
func (s *MemStore) Rows(table string) [][]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sorted(table)
}

func (s *MemStore) sorted(table string) [][]any {
	out := make([][]any, 0, len(s.tables[table]))
	for _, row := range s.tables[table] {
		out = append(out, append([]any(nil), row...))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i][0].(uuid.UUID).String() < out[j][0].(uuid.UUID).String()
	})
	return out
}

func tableOf(sql string) string {
	m := tableRe.FindStringSubmatch(sql)
	if m == nil {
		return ""
	}
	return m[1]
}

func idArg(v any) (uuid.UUID, error) {
	switch id := v.(type) {
	case uuid.UUID:
		return id, nil
	case *uuid.UUID:
		return *id, nil
	}
	return uuid.Nil, fmt.Errorf("MemStore: id must be uuid.UUID, got %T", v)
}

func lockRow(ctx context.Context, tx *FakeTx, table string, id uuid.UUID) error {
	if tx == nil {
		return nil
	}
	return tx.LockRow(ctx, table+":"+id.String())
}

func (s *MemStore) exec(_ context.Context, _ *FakeTx, sql string, args []any) (pgconn.CommandTag, error) {
	sql = strings.TrimSpace(sql)
	table := tableOf(sql)

	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.tables[table]
	if rows == nil {
		rows = make(map[uuid.UUID][]any)
		s.tables[table] = rows
	}

	switch {
	case strings.HasPrefix(sql, "INSERT INTO"):
		id, err := idArg(args[0])
		if err != nil {
			return nil, err
		}
		if _, dup := rows[id]; dup {
			return nil, &pgconn.PgError{
				Severity: "ERROR",
				Code:     "23505",
				Message:  fmt.Sprintf("duplicate key value violates unique constraint %q", table+"_pkey"),
			}
		}
		rows[id] = append([]any(nil), args...)
		return pgconn.CommandTag("INSERT 0 1"), nil

	case strings.HasPrefix(sql, "UPDATE"):
		// data columns..., row_version, last_modified_at, last_modified_by, id
		id, err := idArg(args[len(args)-1])
		if err != nil {
			return nil, err
		}
		row, ok := rows[id]
		if !ok {
			return pgconn.CommandTag("UPDATE 0"), nil
		}
		n := len(args) - 4
		copy(row[1:1+n], args[:n])
		copy(row[len(row)-3:], args[n:n+3])
		return pgconn.CommandTag("UPDATE 1"), nil

	case strings.HasPrefix(sql, "DELETE FROM"):
		id, err := idArg(args[0])
		if err != nil {
			return nil, err
		}
		if _, ok := rows[id]; !ok {
			return pgconn.CommandTag("DELETE 0"), nil
		}
		delete(rows, id)
		return pgconn.CommandTag("DELETE 1"), nil
	}
	return nil, fmt.Errorf("MemStore: unsupported statement: %s", sql)
}

func (s *MemStore) queryRow(ctx context.Context, tx *FakeTx, sql string, args []any) pgx.Row {
	sql = strings.TrimSpace(sql)
	if !strings.HasPrefix(sql, "SELECT") || !strings.Contains(sql, "WHERE id=$1") {
		if s.Fallback != nil {
			return s.Fallback(ctx, tx, sql, args)
		}
		return FakeRow{Err: fmt.Errorf("MemStore: unsupported query: %s", sql)}
	}

	table := tableOf(sql)
	id, err := idArg(args[0])
	if err != nil {
		return FakeRow{Err: err}
	}
	if strings.HasSuffix(sql, "FOR UPDATE") {
		if err := lockRow(ctx, tx, table, id); err != nil {
			return FakeRow{Err: err}
		}
	}

	row, ok := s.Row(table, id)
	if !ok {
		return FakeRow{Err: pgx.ErrNoRows}
	}
	version := row[len(row)-3].(int64)

	switch {
	case strings.Contains(sql, "AND row_version=$2"):
		if version != args[1].(int64) {
			return FakeRow{Err: pgx.ErrNoRows}
		}
		return FakeRow{Values: []any{version}}
	case strings.HasPrefix(sql, "SELECT row_version FROM"):
		return FakeRow{Values: []any{version}}
	}
	return FakeRow{Values: row}
}

// query answers keyset chunk reads:
// SELECT ... WHERE (clause) [AND id > $k] ORDER BY id LIMIT $m
func (s *MemStore) query(_ context.Context, _ *FakeTx, sql string, args []any) (pgx.Rows, error) {
	if !strings.Contains(sql, "ORDER BY id LIMIT") {
		return nil, fmt.Errorf("MemStore: unsupported query: %s", sql)
	}
	table := tableOf(sql)

	limit, ok := args[len(args)-1].(int)
	if !ok {
		return nil, fmt.Errorf("MemStore: LIMIT must be int, got %T", args[len(args)-1])
	}
	clauseArgs := args[:len(args)-1]
	var after string
	if strings.Contains(sql, "AND id >") {
		id, err := idArg(clauseArgs[len(clauseArgs)-1])
		if err != nil {
			return nil, err
		}
		after = id.String()
		clauseArgs = clauseArgs[:len(clauseArgs)-1]
	}

	s.mu.Lock()
	where := s.where[table]
	all := s.sorted(table)
	s.mu.Unlock()

	var out [][]any
	for _, row := range all {
		if len(out) == limit {
			break
		}
		if after != "" && row[0].(uuid.UUID).String() <= after {
			continue
		}
		if where != nil && !where(row, clauseArgs) {
			continue
		}
		out = append(out, row)
	}
	return &FakeRows{Data: out}, nil
}
