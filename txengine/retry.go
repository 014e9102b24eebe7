package txengine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dogmatiq/linger"
	"github.com/jackc/pgx/v4"
	"github.com/poofware/worktrack/utils"
	"github.com/sirupsen/logrus"
)

// TxFunc is a unit of work run inside a transaction.
type TxFunc func(ctx context.Context, tx pgx.Tx) error

// Attempt describes the current pass of a retry loop.
type Attempt struct {
	Number    int
	Max       int
	BaseDelay time.Duration
}

type attemptKey struct{}

// AttemptFromContext returns the retry attempt a unit of work is running in.
func AttemptFromContext(ctx context.Context) (Attempt, bool) {
	a, ok := ctx.Value(attemptKey{}).(Attempt)
	return a, ok
}

// ExecuteWithRetry runs work in a transaction, retrying on lock contention.
//
// Non-contention failures are returned as-is after the first attempt. When
// every attempt fails with contention the result wraps both
// utils.ErrTransactionExhausted and the last database error.
func (e *Engine) ExecuteWithRetry(ctx context.Context, work TxFunc, opts ...CallOption) error {
	_, err := Execute(ctx, e, func(ctx context.Context, tx pgx.Tx) (struct{}, error) {
		return struct{}{}, work(ctx, tx)
	}, opts...)
	return err
}

// Execute is ExecuteWithRetry for work that produces a value.
func Execute[T any](ctx context.Context, e *Engine, work func(ctx context.Context, tx pgx.Tx) (T, error), opts ...CallOption) (T, error) {
	return execute(ctx, e, e.resolve(opts).Options, work)
}

// backoffDelay scales linearly: base, 2*base, 3*base ...
func backoffDelay(base time.Duration, attempt int) time.Duration {
	return base * time.Duration(attempt)
}

func execute[T any](ctx context.Context, e *Engine, o Options, work func(ctx context.Context, tx pgx.Tx) (T, error)) (T, error) {
	var (
		zero    T
		lastErr error
	)

	for attempt := 1; attempt <= o.MaxRetries; attempt++ {
		actx := context.WithValue(ctx, attemptKey{}, Attempt{
			Number:    attempt,
			Max:       o.MaxRetries,
			BaseDelay: o.RetryDelay,
		})

		result, err := runInTx(actx, e, o.LockWait, work)
		if err == nil {
			if attempt > 1 {
				e.log.WithField("attempt", attempt).Info("Transaction committed after retry")
			}
			return result, nil
		}
		if ctx.Err() != nil || !e.classifier.IsRetryable(err) {
			return zero, err
		}

		lastErr = err
		if attempt == o.MaxRetries {
			break
		}

		delay := backoffDelay(o.RetryDelay, attempt)
		e.log.WithError(err).WithFields(logrus.Fields{
			"attempt":      attempt,
			"max_attempts": o.MaxRetries,
			"delay_ms":     delay.Milliseconds(),
		}).Warn("Lock contention detected, retrying transaction")

		if serr := linger.Sleep(ctx, delay); serr != nil {
			return zero, fmt.Errorf("retry abandoned: %w: %w", serr, err)
		}
	}

	e.log.WithError(lastErr).WithField("attempts", o.MaxRetries).Error("Transaction retries exhausted")
	return zero, fmt.Errorf("%w after %d attempts: %w", utils.ErrTransactionExhausted, o.MaxRetries, lastErr)
}

// runInTx makes exactly one attempt. The transaction is rolled back on error
// or panic and committed otherwise.
func runInTx[T any](ctx context.Context, e *Engine, lockWait time.Duration, work func(ctx context.Context, tx pgx.Tx) (T, error)) (_ T, err error) {
	var zero T

	tx, err := e.db.Begin(ctx)
	if err != nil {
		return zero, err
	}
	defer func() {
		if p := recover(); p != nil {
			e.rollback(ctx, tx)
			panic(p)
		}
		if err != nil {
			e.rollback(ctx, tx)
		}
	}()

	if err = setLockTimeout(ctx, tx, lockWait); err != nil {
		return zero, err
	}

	result, err := work(ctx, tx)
	if err != nil {
		return zero, err
	}
	if err = tx.Commit(ctx); err != nil {
		return zero, err
	}
	return result, nil
}

// setLockTimeout scopes lock_timeout to the current transaction.
func setLockTimeout(ctx context.Context, tx pgx.Tx, d time.Duration) error {
	_, err := tx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`, fmt.Sprintf("%dms", d.Milliseconds()))
	return err
}

func (e *Engine) rollback(ctx context.Context, tx pgx.Tx) {
	if err := tx.Rollback(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		e.log.WithError(err).Warn("Transaction rollback failed")
	}
}
