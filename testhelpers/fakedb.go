package testhelpers

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
)

// ExecFunc answers an Exec the fake does not handle itself. tx is nil for
// statements issued outside a transaction.
type ExecFunc func(ctx context.Context, tx *FakeTx, sql string, args []any) (pgconn.CommandTag, error)

// QueryRowFunc answers a QueryRow. tx is nil outside a transaction.
type QueryRowFunc func(ctx context.Context, tx *FakeTx, sql string, args []any) pgx.Row

// QueryFunc answers a Query. tx is nil outside a transaction.
type QueryFunc func(ctx context.Context, tx *FakeTx, sql string, args []any) (pgx.Rows, error)

// FakeDB is an in-process stand-in for a pgx pool. It understands the two
// statements the engine issues on its own (set_config('lock_timeout') and
// pg_advisory_xact_lock) and hands everything else to OnExec / OnQueryRow.
//
// Locks behave like PostgreSQL's: they belong to a transaction, wait at most
// the transaction's lock_timeout (zero waits forever) and are released on
// commit or rollback.
type FakeDB struct {
	OnExec     ExecFunc
	OnQueryRow QueryRowFunc
	OnQuery    QueryFunc

	BeginErr    error
	CommitErr   error
	RollbackErr error

	mu         sync.Mutex
	locks      map[string]chan struct{}
	begins     int
	commits    int
	rollbacks  int
	statements []string
}

func NewFakeDB() *FakeDB {
	return &FakeDB{locks: make(map[string]chan struct{})}
}

// ------------------------- pool surface -------------------------

func (db *FakeDB) Begin(ctx context.Context) (pgx.Tx, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.BeginErr != nil {
		return nil, db.BeginErr
	}
	db.begins++
	return &FakeTx{db: db}, nil
}

func (db *FakeDB) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	db.record(sql)
	if db.OnExec == nil {
		return pgconn.CommandTag(""), nil
	}
	return db.OnExec(ctx, nil, sql, args)
}

func (db *FakeDB) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	db.record(sql)
	if db.OnQueryRow == nil {
		return FakeRow{Err: pgx.ErrNoRows}
	}
	return db.OnQueryRow(ctx, nil, sql, args)
}

func (db *FakeDB) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	db.record(sql)
	if db.OnQuery == nil {
		return nil, errors.New("FakeDB: no OnQuery handler")
	}
	return db.OnQuery(ctx, nil, sql, args)
}

// ------------------------- inspection -------------------------

func (db *FakeDB) Begins() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.begins
}

func (db *FakeDB) Commits() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.commits
}

func (db *FakeDB) Rollbacks() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.rollbacks
}

// Statements returns every SQL text seen so far, in order.
func (db *FakeDB) Statements() []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	return append([]string(nil), db.statements...)
}

func (db *FakeDB) record(sql string) {
	db.mu.Lock()
	db.statements = append(db.statements, strings.TrimSpace(sql))
	db.mu.Unlock()
}

// ------------------------- locks -------------------------

func (db *FakeDB) lockChan(key string) chan struct{} {
	db.mu.Lock()
	defer db.mu.Unlock()
	ch, ok := db.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		db.locks[key] = ch
	}
	return ch
}

// LockTimeoutError is what PostgreSQL reports when lock_timeout expires.
func LockTimeoutError() error {
	return &pgconn.PgError{
		Severity: "ERROR",
		Code:     "55P03",
		Message:  "canceling statement due to lock timeout",
	}
}

// DeadlockError is what PostgreSQL reports to the aborted deadlock victim.
func DeadlockError() error {
	return &pgconn.PgError{
		Severity: "ERROR",
		Code:     "40P01",
		Message:  "deadlock detected",
	}
}

func (db *FakeDB) acquire(ctx context.Context, key string, wait time.Duration) error {
	ch := db.lockChan(key)
	if wait <= 0 {
		select {
		case ch <- struct{}{}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case ch <- struct{}{}:
		return nil
	case <-timer.C:
		return LockTimeoutError()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (db *FakeDB) release(key string) {
	<-db.lockChan(key)
}

// ------------------------- transaction -------------------------

// FakeTx implements the parts of pgx.Tx the repository code touches. Calling
// anything else panics on the nil embedded interface.
type FakeTx struct {
	pgx.Tx

	db       *FakeDB
	mu       sync.Mutex
	lockWait time.Duration
	held     []string
	closed   bool
}

// LockRow takes the row lock for key on behalf of this transaction, the way
// SELECT ... FOR UPDATE would. Taking a lock the transaction already holds is
// a no-op.
func (tx *FakeTx) LockRow(ctx context.Context, key string) error {
	return tx.lock(ctx, "row:"+key)
}

func (tx *FakeTx) lock(ctx context.Context, key string) error {
	tx.mu.Lock()
	for _, h := range tx.held {
		if h == key {
			tx.mu.Unlock()
			return nil
		}
	}
	wait := tx.lockWait
	tx.mu.Unlock()

	if err := tx.db.acquire(ctx, key, wait); err != nil {
		return err
	}

	tx.mu.Lock()
	tx.held = append(tx.held, key)
	tx.mu.Unlock()
	return nil
}

func (tx *FakeTx) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	tx.db.record(sql)

	switch {
	case strings.Contains(sql, "set_config('lock_timeout'"):
		d, err := time.ParseDuration(fmt.Sprint(args[0]))
		if err != nil {
			return nil, err
		}
		tx.mu.Lock()
		tx.lockWait = d
		tx.mu.Unlock()
		return pgconn.CommandTag("SELECT 1"), nil

	case strings.Contains(sql, "pg_advisory_xact_lock"):
		key, ok := args[0].(int64)
		if !ok {
			return nil, fmt.Errorf("advisory lock key must be int64, got %T", args[0])
		}
		if err := tx.lock(ctx, fmt.Sprintf("advisory:%d", key)); err != nil {
			return nil, err
		}
		return pgconn.CommandTag("SELECT 1"), nil
	}

	if tx.db.OnExec == nil {
		return pgconn.CommandTag(""), nil
	}
	return tx.db.OnExec(ctx, tx, sql, args)
}

func (tx *FakeTx) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	tx.db.record(sql)
	if tx.db.OnQueryRow == nil {
		return FakeRow{Err: pgx.ErrNoRows}
	}
	return tx.db.OnQueryRow(ctx, tx, sql, args)
}

func (tx *FakeTx) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	tx.db.record(sql)
	if tx.db.OnQuery == nil {
		return nil, errors.New("FakeTx: no OnQuery handler")
	}
	return tx.db.OnQuery(ctx, tx, sql, args)
}

func (tx *FakeTx) Commit(ctx context.Context) error {
	if !tx.close() {
		return pgx.ErrTxClosed
	}
	tx.db.mu.Lock()
	tx.db.commits++
	err := tx.db.CommitErr
	tx.db.mu.Unlock()
	return err
}

func (tx *FakeTx) Rollback(ctx context.Context) error {
	if !tx.close() {
		return pgx.ErrTxClosed
	}
	tx.db.mu.Lock()
	tx.db.rollbacks++
	err := tx.db.RollbackErr
	tx.db.mu.Unlock()
	return err
}

// close marks the transaction finished and drops its locks. It reports false
// if the transaction was already closed.
func (tx *FakeTx) close() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return false
	}
	tx.closed = true
	for _, key := range tx.held {
		tx.db.release(key)
	}
	tx.held = nil
	return true
}

// ------------------------- rows -------------------------

// FakeRow scans Values positionally into the destinations. Values are
// assigned directly or converted when the types are convertible.
type FakeRow struct {
	Values []any
	Err    error
}

func (r FakeRow) Scan(dest ...interface{}) error {
	if r.Err != nil {
		return r.Err
	}
	return scanValues(r.Values, dest)
}

func scanValues(values []any, dest []any) error {
	if len(dest) != len(values) {
		return fmt.Errorf("fake scan: %d destinations for %d values", len(dest), len(values))
	}
	for i, d := range dest {
		dv := reflect.ValueOf(d).Elem()
		if values[i] == nil {
			dv.Set(reflect.Zero(dv.Type()))
			continue
		}
		v := reflect.ValueOf(values[i])
		switch {
		case v.Type().AssignableTo(dv.Type()):
		case v.Type().ConvertibleTo(dv.Type()):
			v = v.Convert(dv.Type())
		default:
			return fmt.Errorf("fake scan: column %d: cannot scan %s into %s", i, v.Type(), dv.Type())
		}
		dv.Set(v)
	}
	return nil
}

// FakeRows iterates over Data. Only the methods row-scanning loops use are
// implemented.
type FakeRows struct {
	pgx.Rows

	Data [][]any
	pos  int
	err  error
}

func (r *FakeRows) Next() bool {
	if r.err != nil || r.pos >= len(r.Data) {
		return false
	}
	r.pos++
	return true
}

func (r *FakeRows) Scan(dest ...interface{}) error {
	if r.pos == 0 {
		return errors.New("fake scan: Scan called before Next")
	}
	if err := scanValues(r.Data[r.pos-1], dest); err != nil {
		r.err = err
		return err
	}
	return nil
}

func (r *FakeRows) Err() error { return r.err }
func (r *FakeRows) Close()     {}
