package repositories_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/poofware/worktrack/models"
	"github.com/poofware/worktrack/repositories"
	"github.com/poofware/worktrack/txengine"
	"github.com/poofware/worktrack/utils"
	"github.com/stretchr/testify/require"
)

func newClient(name string) *models.Client {
	return &models.Client{
		ID:           uuid.New(),
		Name:         name,
		ContactEmail: name + "@example.com",
		Active:       true,
	}
}

func TestClientRepo_CreateStartsAtVersionZero(t *testing.T) {
	f := newFixture(t)
	repo := repositories.NewClientRepository(f.db, f.engine)
	actor := uuid.New()

	c := newClient("acme")
	require.NoError(t, repo.CreateSafely(ctx(), c, &actor))

	require.Equal(t, int64(0), c.RowVersion)
	require.False(t, c.CreatedAt.IsZero())
	require.False(t, c.LastModifiedAt.IsZero())
	require.Equal(t, &actor, c.LastModifiedBy)
	require.Equal(t, int64(0), f.store.Version("clients", c.ID))

	got, err := repo.GetByID(ctx(), c.ID)
	require.NoError(t, err)
	require.Equal(t, c.Name, got.Name)
	require.Equal(t, c.CreatedAt, got.CreatedAt)
	require.Equal(t, int64(0), got.RowVersion)
}

func TestClientRepo_DuplicateInsertPropagates(t *testing.T) {
	f := newFixture(t)
	repo := repositories.NewClientRepository(f.db, f.engine)

	c := newClient("acme")
	require.NoError(t, repo.CreateSafely(ctx(), c, nil))

	dup := *c
	err := repo.CreateSafely(ctx(), &dup, nil)
	var pgErr *pgconn.PgError
	require.ErrorAs(t, err, &pgErr)
	require.Equal(t, "23505", pgErr.Code)
	require.NotErrorIs(t, err, utils.ErrConcurrentModification)
}

func TestClientRepo_UpdateBumpsVersionByOne(t *testing.T) {
	f := newFixture(t)
	repo := repositories.NewClientRepository(f.db, f.engine)
	actor := uuid.New()

	c := newClient("acme")
	require.NoError(t, repo.CreateSafely(ctx(), c, nil))

	c.Name = "acme ltd"
	require.NoError(t, repo.UpdateSafely(ctx(), c, &actor, nil))
	require.Equal(t, int64(1), c.RowVersion)
	require.Equal(t, &actor, c.LastModifiedBy)

	got, err := repo.GetByID(ctx(), c.ID)
	require.NoError(t, err)
	require.Equal(t, "acme ltd", got.Name)
	require.Equal(t, int64(1), got.RowVersion)
	require.Equal(t, actor.String(), repo.GetVersionInfo(got).LastModifiedBy)
}

// Two editors load the same version; the second write is rejected until
// the second editor reloads.
func TestClientRepo_StaleWriteRejected(t *testing.T) {
	f := newFixture(t)
	repo := repositories.NewClientRepository(f.db, f.engine)

	c := newClient("acme")
	require.NoError(t, repo.CreateSafely(ctx(), c, nil))

	a, err := repo.GetByID(ctx(), c.ID)
	require.NoError(t, err)
	b, err := repo.GetByID(ctx(), c.ID)
	require.NoError(t, err)

	a.Name = "from A"
	require.NoError(t, repo.UpdateSafely(ctx(), a, nil, nil))
	require.Equal(t, int64(1), a.RowVersion)

	b.Name = "from B"
	err = repo.UpdateSafely(ctx(), b, nil, nil)
	require.ErrorIs(t, err, utils.ErrConcurrentModification)
	require.Equal(t, int64(0), b.RowVersion)

	stored, err := repo.GetByID(ctx(), c.ID)
	require.NoError(t, err)
	require.Equal(t, "from A", stored.Name)

	// B refreshes and retries.
	b, err = repo.GetByID(ctx(), c.ID)
	require.NoError(t, err)
	b.Name = "from B"
	require.NoError(t, repo.UpdateSafely(ctx(), b, nil, nil))
	require.Equal(t, int64(2), b.RowVersion)
	require.Equal(t, int64(2), f.store.Version("clients", c.ID))
}

func TestClientRepo_ExplicitExpectedVersion(t *testing.T) {
	f := newFixture(t)
	repo := repositories.NewClientRepository(f.db, f.engine)

	c := newClient("acme")
	require.NoError(t, repo.CreateSafely(ctx(), c, nil))

	err := repo.UpdateSafely(ctx(), c, nil, utils.Ptr(int64(5)))
	require.ErrorIs(t, err, utils.ErrConcurrentModification)

	require.NoError(t, repo.UpdateSafely(ctx(), c, nil, utils.Ptr(int64(0))))
	require.Equal(t, int64(1), c.RowVersion)
}

func TestClientRepo_ConcurrentUpdatesOneWinner(t *testing.T) {
	f := newFixture(t)
	repo := repositories.NewClientRepository(f.db, f.engine)

	c := newClient("acme")
	require.NoError(t, repo.CreateSafely(ctx(), c, nil))

	const writers = 8
	var wins, conflicts int32
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			mine := *c
			mine.Name = "writer"
			err := repo.UpdateSafely(ctx(), &mine, nil, nil)
			switch {
			case err == nil:
				atomic.AddInt32(&wins, 1)
			case errors.Is(err, utils.ErrConcurrentModification):
				atomic.AddInt32(&conflicts, 1)
			default:
				t.Errorf("writer %d: unexpected error: %v", n, err)
			}
		}(i)
	}
	wg.Wait()

	require.EqualValues(t, 1, wins)
	require.EqualValues(t, writers-1, conflicts)
	require.Equal(t, int64(1), f.store.Version("clients", c.ID))
}

func TestClientRepo_DeleteGuardedByVersion(t *testing.T) {
	f := newFixture(t)
	repo := repositories.NewClientRepository(f.db, f.engine)

	c := newClient("acme")
	require.NoError(t, repo.CreateSafely(ctx(), c, nil))

	stale := *c
	c.Name = "renamed"
	require.NoError(t, repo.UpdateSafely(ctx(), c, nil, nil))

	err := repo.DeleteSafely(ctx(), &stale, nil)
	require.ErrorIs(t, err, utils.ErrConcurrentModification)
	_, ok := f.store.Row("clients", c.ID)
	require.True(t, ok)

	require.NoError(t, repo.DeleteSafely(ctx(), c, nil))
	_, err = repo.GetByID(ctx(), c.ID)
	require.ErrorIs(t, err, utils.ErrNotFound)

	// A write against the deleted row is a conflict, not a silent no-op.
	err = repo.UpdateSafely(ctx(), c, nil, nil)
	require.ErrorIs(t, err, utils.ErrConcurrentModification)
}

func TestClientRepo_DeleteRacesUpdate(t *testing.T) {
	f := newFixture(t)
	repo := repositories.NewClientRepository(f.db, f.engine)

	c := newClient("acme")
	require.NoError(t, repo.CreateSafely(ctx(), c, nil))

	upd, del := *c, *c
	upd.Name = "renamed"

	var updErr, delErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); updErr = repo.UpdateSafely(ctx(), &upd, nil, nil) }()
	go func() { defer wg.Done(); delErr = repo.DeleteSafely(ctx(), &del, nil) }()
	wg.Wait()

	// Exactly one of the two wins.
	require.True(t, (updErr == nil) != (delErr == nil), "update=%v delete=%v", updErr, delErr)
	if updErr == nil {
		require.ErrorIs(t, delErr, utils.ErrConcurrentModification)
		require.Equal(t, int64(1), f.store.Version("clients", c.ID))
	} else {
		require.ErrorIs(t, updErr, utils.ErrConcurrentModification)
		require.Equal(t, int64(-1), f.store.Version("clients", c.ID))
	}
}

func TestClientRepo_VersionInfoAndStaleness(t *testing.T) {
	f := newFixture(t)
	repo := repositories.NewClientRepository(f.db, f.engine)

	c := newClient("acme")
	require.NoError(t, repo.CreateSafely(ctx(), c, nil))

	info := repo.GetVersionInfo(c)
	require.Equal(t, models.VersionInfo{Version: 0, LastModifiedAt: c.LastModifiedAt, LastModifiedBy: "system"}, info)
	require.Equal(t, info, repo.GetVersionInfo(c))

	current, err := repo.IsStillCurrent(ctx(), c, 0)
	require.NoError(t, err)
	require.True(t, current)

	snapshot := *c
	require.NoError(t, repo.UpdateSafely(ctx(), c, nil, nil))
	require.True(t, repo.IsModifiedSince(c, snapshot.RowVersion))
	require.False(t, repo.IsModifiedSince(&snapshot, snapshot.RowVersion))

	current, err = repo.IsStillCurrent(ctx(), &snapshot, snapshot.RowVersion)
	require.NoError(t, err)
	require.False(t, current)

	require.NoError(t, repo.DeleteSafely(ctx(), c, nil))
	current, err = repo.IsStillCurrent(ctx(), c, c.RowVersion)
	require.NoError(t, err)
	require.False(t, current)
}

func TestClientRepo_ActiveClientsChunks(t *testing.T) {
	f := newFixture(t)
	repo := repositories.NewClientRepository(f.db, f.engine)
	f.store.SetWhere("clients", func(row []any, _ []any) bool { return row[3].(bool) })

	for i := 0; i < 7; i++ {
		c := newClient(uuid.NewString()[:8])
		c.Active = i%3 != 0
		require.NoError(t, repo.CreateSafely(ctx(), c, nil))
	}

	var seen []string
	sizes, err := txengine.BulkWithChunking(ctx(), f.engine, repo.ActiveClients(),
		func(_ context.Context, _ pgx.Tx, chunk []*models.Client) (int, error) {
			for _, c := range chunk {
				require.True(t, c.Active)
				seen = append(seen, c.ID.String())
			}
			return len(chunk), nil
		}, txengine.WithChunkSize(2))
	require.NoError(t, err)

	// Clients 1, 2, 4 and 5 are active.
	require.Equal(t, []int{2, 2}, sizes)
	require.Len(t, seen, 4)
	require.IsIncreasing(t, seen)
}
