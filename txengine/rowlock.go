package txengine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/poofware/worktrack/utils"
)

// RowLocker fetches one row under an exclusive lock (SELECT ... FOR UPDATE).
// A missing row is reported as pgx.ErrNoRows or utils.ErrNotFound.
type RowLocker[T any] interface {
	LockByID(ctx context.Context, tx pgx.Tx, id uuid.UUID) (T, error)
}

// WithRowLock opens a transaction, locks the row identified by id and hands
// it to work. The lock is held until the transaction ends, whatever work
// returns. There is no retry: a lock wait that runs past LockWait surfaces
// as the database error.
func WithRowLock[T, R any](
	ctx context.Context,
	e *Engine,
	locker RowLocker[T],
	id uuid.UUID,
	work func(ctx context.Context, tx pgx.Tx, row T) (R, error),
	opts ...CallOption,
) (R, error) {
	o := e.resolve(opts).Options
	return runInTx(ctx, e, o.LockWait, func(ctx context.Context, tx pgx.Tx) (R, error) {
		var zero R
		row, err := locker.LockByID(ctx, tx, id)
		if errors.Is(err, pgx.ErrNoRows) {
			return zero, fmt.Errorf("%w: row %s", utils.ErrNotFound, id)
		}
		if err != nil {
			return zero, err
		}
		return work(ctx, tx, row)
	})
}
