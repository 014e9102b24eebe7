package repositories_test

import (
	"context"
	"testing"
	"time"

	"github.com/poofware/worktrack/testhelpers"
	"github.com/poofware/worktrack/txengine"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	db     *testhelpers.FakeDB
	store  *testhelpers.MemStore
	engine *txengine.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := testhelpers.NewFakeDB()
	store := testhelpers.NewMemStore(db)

	logger, _ := test.NewNullLogger()
	opts := txengine.DefaultOptions()
	opts.RetryDelay = time.Millisecond
	engine, err := txengine.New(db, opts, txengine.WithLogger(logger))
	require.NoError(t, err)

	return &fixture{db: db, store: store, engine: engine}
}

func ctx() context.Context {
	return context.Background()
}
