package txengine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/poofware/worktrack/testhelpers"
	"github.com/poofware/worktrack/txengine"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

// newTestEngine returns an engine with a millisecond retry delay and a
// captured logger.
func newTestEngine(t *testing.T, db *testhelpers.FakeDB, eopts ...txengine.EngineOption) (*txengine.Engine, *test.Hook) {
	t.Helper()

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	opts := txengine.DefaultOptions()
	opts.RetryDelay = time.Millisecond

	e, err := txengine.New(db, opts, append([]txengine.EngineOption{txengine.WithLogger(logger)}, eopts...)...)
	require.NoError(t, err)
	return e, hook
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func entriesAt(hook *test.Hook, level logrus.Level) []logrus.Entry {
	var out []logrus.Entry
	for _, e := range hook.AllEntries() {
		if e.Level == level {
			out = append(out, *e)
		}
	}
	return out
}

func ctx() context.Context {
	return context.Background()
}

func noop(context.Context, pgx.Tx) error {
	return nil
}
