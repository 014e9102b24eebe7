package txengine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jackc/pgx/v4"
	"github.com/poofware/worktrack/utils"
	"github.com/sirupsen/logrus"
)

// LockKey maps a lock name onto the non-negative bigint key space of
// PostgreSQL advisory locks. The mapping is stable across processes and
// releases.
func LockKey(name string) int64 {
	return int64(xxhash.Sum64String(name) &^ (1 << 63))
}

// advisoryLock is held for as long as its transaction stays open.
type advisoryLock struct {
	name string
	key  int64
	tx   pgx.Tx
	log  logrus.FieldLogger
}

func (e *Engine) acquireAdvisory(ctx context.Context, name string, timeout time.Duration) (*advisoryLock, error) {
	key := LockKey(name)

	tx, err := e.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	if err := setLockTimeout(ctx, tx, timeout); err != nil {
		e.rollback(ctx, tx)
		return nil, err
	}
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, key); err != nil {
		e.rollback(ctx, tx)
		if e.classifier.IsLockTimeout(err) {
			return nil, fmt.Errorf("%w: %q not acquired within %v", utils.ErrLockTimeout, name, timeout)
		}
		return nil, err
	}

	return &advisoryLock{
		name: name,
		key:  key,
		tx:   tx,
		log:  e.log.WithFields(logrus.Fields{"lock": name, "lock_key": key}),
	}, nil
}

// release ends the lock transaction. A failure here is logged only; the
// database drops the lock with the session in any case.
func (l *advisoryLock) release(ctx context.Context) {
	err := l.tx.Rollback(context.WithoutCancel(ctx))
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		l.log.WithError(err).Error("Failed to release advisory lock")
	}
}

// WithAdvisoryLock runs work while holding the named lock. Every caller using
// the same name, in any process, is excluded for the duration of work.
//
// utils.ErrLockTimeout is returned when the lock is not granted within
// AdvisoryLockTimeout. Work does not run inside the lock's transaction; it
// is free to open its own.
//
// The lock transaction pins one connection for as long as the caller waits
// and then for the whole of work, which needs further connections for its
// own transactions. Size the pool for every same-process waiter plus the
// holder's work, or waiters can starve the holder until they time out.
func (e *Engine) WithAdvisoryLock(ctx context.Context, name string, work func(ctx context.Context) error, opts ...CallOption) error {
	_, err := Locked(ctx, e, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, work(ctx)
	}, opts...)
	return err
}

// Locked is WithAdvisoryLock for work that produces a value.
func Locked[T any](ctx context.Context, e *Engine, name string, work func(ctx context.Context) (T, error), opts ...CallOption) (T, error) {
	var zero T
	o := e.resolve(opts).Options

	lock, err := e.acquireAdvisory(ctx, name, o.AdvisoryLockTimeout)
	if err != nil {
		return zero, err
	}
	defer lock.release(ctx)

	return work(ctx)
}
