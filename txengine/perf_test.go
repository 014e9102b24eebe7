package txengine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/poofware/worktrack/testhelpers"
	"github.com/poofware/worktrack/txengine"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestWithPerformanceLogging_SlowRunWarns(t *testing.T) {
	clock := newFakeClock()
	e, hook := newTestEngine(t, testhelpers.NewFakeDB(), txengine.WithClock(clock.Now))

	err := e.WithPerformanceLogging(ctx(), "archive", func(context.Context) error {
		clock.Advance(1500 * time.Millisecond)
		return nil
	})
	require.NoError(t, err)

	warns := entriesAt(hook, logrus.WarnLevel)
	require.Len(t, warns, 1)
	require.Equal(t, "Slow operation", warns[0].Message)
	require.Equal(t, "archive", warns[0].Data["label"])
	require.EqualValues(t, 1500, warns[0].Data["duration_ms"])
}

func TestWithPerformanceLogging_FastRunIsQuiet(t *testing.T) {
	clock := newFakeClock()
	e, hook := newTestEngine(t, testhelpers.NewFakeDB(), txengine.WithClock(clock.Now))

	n, err := txengine.Timed(ctx(), e, "recount", func(context.Context) (int, error) {
		clock.Advance(10 * time.Millisecond)
		return 3, nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Empty(t, hook.AllEntries())
}

func TestWithPerformanceLogging_FailureLoggedAndReturned(t *testing.T) {
	clock := newFakeClock()
	e, hook := newTestEngine(t, testhelpers.NewFakeDB(), txengine.WithClock(clock.Now))
	boom := errors.New("boom")

	err := e.WithPerformanceLogging(ctx(), "import", func(context.Context) error {
		clock.Advance(40 * time.Millisecond)
		return boom
	})
	require.Same(t, boom, err)

	errs := entriesAt(hook, logrus.ErrorLevel)
	require.Len(t, errs, 1)
	require.Equal(t, "Operation failed", errs[0].Message)
	require.EqualValues(t, 40, errs[0].Data["duration_ms"])
	require.Empty(t, entriesAt(hook, logrus.WarnLevel))
}

func TestWithPerformanceLogging_PanicLoggedAndPropagated(t *testing.T) {
	e, hook := newTestEngine(t, testhelpers.NewFakeDB())

	require.PanicsWithValue(t, "kaboom", func() {
		_ = e.WithPerformanceLogging(ctx(), "seed", func(context.Context) error { panic("kaboom") })
	})
	require.Len(t, entriesAt(hook, logrus.ErrorLevel), 1)
}
