package testhelpers

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/poofware/worktrack/models"
)

// Column positions in select-list order, see repositories.Table.SelectList.
const (
	clientActiveCol    = 3
	projectStatusCol   = 2
	taskProjectCol     = 1
	taskStatusCol      = 4
	taskCompletedAtCol = 7
)

// NewWorktrackStore is a MemStore that also understands the filtered reads
// of the client, project and task repositories.
func NewWorktrackStore(db *FakeDB) *MemStore {
	s := NewMemStore(db)

	// ActiveClients: "active"
	s.SetWhere("clients", func(row []any, _ []any) bool {
		return row[clientActiveCol].(bool)
	})
	// Unfinished: "status <> $1"
	s.SetWhere("projects", func(row []any, args []any) bool {
		return row[projectStatusCol] != args[0]
	})
	// CompletedBefore: "status = $1 AND completed_at < $2"
	s.SetWhere("tasks", func(row []any, args []any) bool {
		at, _ := row[taskCompletedAtCol].(*time.Time)
		return row[taskStatusCol] == args[0] && at != nil && at.Before(args[1].(time.Time))
	})

	// CountOpenByProject: "project_id=$1 AND status = ANY($2)"
	s.Fallback = func(_ context.Context, _ *FakeTx, sql string, args []any) pgx.Row {
		if !strings.Contains(sql, "COUNT(*) FROM tasks") {
			return FakeRow{Err: pgx.ErrNoRows}
		}
		open := make(map[string]bool)
		for _, st := range args[1].([]string) {
			open[st] = true
		}
		n := 0
		for _, row := range s.Rows("tasks") {
			status := string(row[taskStatusCol].(models.TaskStatusType))
			if row[taskProjectCol] == args[0] && open[status] {
				n++
			}
		}
		return FakeRow{Values: []any{n}}
	}
	return s
}
