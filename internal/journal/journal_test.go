package journal

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T, opts ...Option) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store := NewRedisStoreFromClient(backend.NewClient(&backend.Options{Addr: mr.Addr()}), opts...)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

// runStoreContract exercises the behaviour every Store shares.
func runStoreContract(t *testing.T, store Store) {
	ctx := context.Background()

	_, err := store.Load(ctx, 1)
	assert.ErrorIs(t, err, ErrNotFound)

	for _, id := range []int{3, 1, 2} {
		require.NoError(t, store.Save(ctx, Record{ID: id, Command: "a = 1"}))
	}

	records, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{records[0].ID, records[1].ID, records[2].ID})

	require.NoError(t, Update(ctx, store, 2, func(rec *Record) {
		rec.Closed = true
		rec.Status = "Ok"
	}))
	rec, err := store.Load(ctx, 2)
	require.NoError(t, err)
	assert.True(t, rec.Closed)
	assert.Equal(t, "Ok", rec.Status)
	assert.Equal(t, "a = 1", rec.Command)
	assert.False(t, rec.UpdatedAt.IsZero())

	require.NoError(t, store.Truncate(ctx, 2))
	records, err = store.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 1, records[0].ID)

	_, err = store.Load(ctx, 3)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, Update(ctx, store, 9, func(rec *Record) { rec.Command = "b = 2" }))
	rec, err = store.Load(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, 9, rec.ID)
	assert.False(t, rec.CreatedAt.IsZero())

	require.NoError(t, store.Truncate(ctx, 0))
	records, err = store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, NewMemoryStore())
}

func TestRedisStore(t *testing.T) {
	store, _ := newRedisStore(t)
	require.NoError(t, store.Ping(context.Background()))
	runStoreContract(t, store)
}

func TestRedisStoreKeys(t *testing.T) {
	store, mr := newRedisStore(t, WithPrefix("test:"), WithTTL(time.Minute))
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, Record{ID: 4, Command: "x = 1"}))

	assert.True(t, mr.Exists("test:4"))
	assert.True(t, mr.Exists("test:index"))
	assert.Equal(t, time.Minute, mr.TTL("test:4"))
}

func TestRedisStoreListPrunesExpired(t *testing.T) {
	store, mr := newRedisStore(t, WithTTL(time.Second))
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, Record{ID: 1, Command: "a = 1"}))
	mr.FastForward(2 * time.Second)

	records, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)

	members, err := mr.ZMembers("rbc:journal:index")
	if err == nil {
		assert.Empty(t, members)
	}
}

func TestRedisStoreUnavailable(t *testing.T) {
	store, mr := newRedisStore(t)
	mr.Close()

	assert.Error(t, store.Save(context.Background(), Record{ID: 1}))
	_, err := store.List(context.Background())
	assert.Error(t, err)
}
