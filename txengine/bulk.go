package txengine

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v4"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// ChunkQuery yields the target row set in sequential chunks. Next returns at
// most limit rows; an empty or short chunk ends the run.
type ChunkQuery[T any] interface {
	Next(ctx context.Context, limit int) ([]T, error)
}

type sliceQuery[T any] struct {
	items []T
	pos   int
}

// SliceQuery chunks an in-memory slice.
func SliceQuery[T any](items []T) ChunkQuery[T] {
	return &sliceQuery[T]{items: items}
}

func (q *sliceQuery[T]) Next(_ context.Context, limit int) ([]T, error) {
	end := min(q.pos+limit, len(q.items))
	chunk := q.items[q.pos:end]
	q.pos = end
	return chunk, nil
}

// BulkWithChunking runs work once per chunk, each in its own retried
// transaction, and returns the per-chunk results in order.
//
// By default the first failing chunk stops the run: later chunks are never
// loaded and the results of the chunks already committed are returned with
// the error. With ContinueOnError every chunk runs, failed chunks contribute
// a zero result and the failures are combined into the returned error.
func BulkWithChunking[T, R any](
	ctx context.Context,
	e *Engine,
	query ChunkQuery[T],
	work func(ctx context.Context, tx pgx.Tx, chunk []T) (R, error),
	opts ...CallOption,
) ([]R, error) {
	cfg := e.resolve(opts)

	var (
		results []R
		errs    error
	)
	for n := 1; ; n++ {
		chunk, err := query.Next(ctx, cfg.ChunkSize)
		if err != nil {
			return results, multierr.Append(errs, fmt.Errorf("loading chunk %d: %w", n, err))
		}
		if len(chunk) == 0 {
			break
		}

		r, err := execute(ctx, e, cfg.Options, func(ctx context.Context, tx pgx.Tx) (R, error) {
			return work(ctx, tx, chunk)
		})
		if err != nil {
			err = fmt.Errorf("chunk %d: %w", n, err)
			if !cfg.continueOnError {
				return results, err
			}
			e.log.WithError(err).WithFields(logrus.Fields{
				"chunk": n,
				"rows":  len(chunk),
			}).Error("Bulk chunk failed, continuing")
			errs = multierr.Append(errs, err)
		}
		results = append(results, r)

		if len(chunk) < cfg.ChunkSize {
			break
		}
	}
	return results, errs
}
