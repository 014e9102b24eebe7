// Package txengine runs units of work inside PostgreSQL transactions and
// layers the concurrency primitives the rest of worktrack relies on: retry on
// lock contention, row locks, named advisory locks, chunked bulk work and slow
// work diagnostics.
//
// The engine keeps no coordination state of its own. Every exclusion it
// provides is delegated to the database, so it is safe to run from any number
// of processes against the same store.
package txengine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v4"
	"github.com/poofware/worktrack/utils"
	"github.com/sirupsen/logrus"
)

// Beginner starts top-level transactions, e.g. *pgxpool.Pool or *pgx.Conn.
// A pgx.Tx is refused by New: its Begin opens savepoints, and an advisory
// lock held in a savepoint would roll back the work done under it.
type Beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

var ErrNestedBeginner = errors.New("txengine: a pgx.Tx cannot back an engine")

// Options holds the tuning knobs. Zero values are not defaults, start from
// DefaultOptions.
type Options struct {
	// MaxRetries is the total number of attempts ExecuteWithRetry makes.
	MaxRetries int `validate:"gte=1"`

	// RetryDelay is scaled by the attempt number before each retry.
	RetryDelay time.Duration `validate:"gte=0"`

	// LockWait is the server-side lock_timeout set on every transaction.
	// Zero disables the budget.
	LockWait time.Duration `validate:"gte=0"`

	// AdvisoryLockTimeout bounds the wait for a named lock.
	AdvisoryLockTimeout time.Duration `validate:"gt=0"`

	ChunkSize int `validate:"gte=1"`

	// SlowThreshold is the duration above which timed work is reported.
	SlowThreshold time.Duration `validate:"gt=0"`
}

// DefaultOptions returns the stock tuning.
func DefaultOptions() Options {
	return Options{
		MaxRetries:          utils.DefaultTxMaxRetries,
		RetryDelay:          utils.DefaultTxRetryDelay,
		LockWait:            utils.DefaultTxLockWait,
		AdvisoryLockTimeout: utils.DefaultAdvisoryLockTimeout,
		ChunkSize:           utils.DefaultBulkChunkSize,
		SlowThreshold:       utils.DefaultSlowThreshold,
	}
}

var validate = validator.New()

// Validate reports the first out-of-range knob.
func (o Options) Validate() error {
	if err := validate.Struct(o); err != nil {
		return fmt.Errorf("invalid engine options: %w", err)
	}
	return nil
}

// Engine is safe for concurrent use.
type Engine struct {
	db         Beginner
	opts       Options
	classifier *Classifier
	log        logrus.FieldLogger
	now        func() time.Time
}

// EngineOption customises collaborators of an Engine.
type EngineOption func(*Engine)

// WithLogger replaces utils.Logger as the diagnostics sink.
func WithLogger(l logrus.FieldLogger) EngineOption {
	return func(e *Engine) { e.log = l }
}

// WithClassifier replaces DefaultClassifier.
func WithClassifier(c *Classifier) EngineOption {
	return func(e *Engine) { e.classifier = c }
}

// WithClock replaces time.Now for duration measurements.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// New returns an engine over db.
func New(db Beginner, opts Options, eopts ...EngineOption) (*Engine, error) {
	if _, ok := db.(pgx.Tx); ok {
		return nil, ErrNestedBeginner
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		db:         db,
		opts:       opts,
		classifier: DefaultClassifier(),
		log:        utils.ForComponent("txengine"),
		now:        time.Now,
	}
	for _, opt := range eopts {
		opt(e)
	}
	return e, nil
}

// Options returns the engine-wide tuning.
func (e *Engine) Options() Options {
	return e.opts
}

// Classifier returns the contention classifier in use.
func (e *Engine) Classifier() *Classifier {
	return e.classifier
}

// ------------------------- per-call options -------------------------

type callConfig struct {
	Options
	continueOnError bool
}

// CallOption overrides engine tuning for a single call.
type CallOption func(*callConfig)

// WithMaxRetries sets the total number of attempts. Values below 1 mean 1.
func WithMaxRetries(n int) CallOption {
	return func(c *callConfig) { c.MaxRetries = max(n, 1) }
}

// WithRetryDelay sets the base delay between attempts.
func WithRetryDelay(d time.Duration) CallOption {
	return func(c *callConfig) { c.RetryDelay = max(d, 0) }
}

// WithLockWait sets the transaction lock_timeout.
func WithLockWait(d time.Duration) CallOption {
	return func(c *callConfig) { c.LockWait = max(d, 0) }
}

// WithLockTimeout sets how long WithAdvisoryLock waits for the named lock.
func WithLockTimeout(d time.Duration) CallOption {
	return func(c *callConfig) {
		if d > 0 {
			c.AdvisoryLockTimeout = d
		}
	}
}

// WithChunkSize sets the bulk chunk size. Values below 1 mean 1.
func WithChunkSize(n int) CallOption {
	return func(c *callConfig) { c.ChunkSize = max(n, 1) }
}

// ContinueOnError makes BulkWithChunking run every chunk and report the
// combined failures instead of stopping at the first one.
func ContinueOnError() CallOption {
	return func(c *callConfig) { c.continueOnError = true }
}

func (e *Engine) resolve(opts []CallOption) callConfig {
	cfg := callConfig{Options: e.opts}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
