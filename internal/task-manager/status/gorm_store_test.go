package status

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestGormStore(t *testing.T) *GormStore {
	t.Helper()
	gormDB, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "status.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	store, err := NewGormStore(gormDB)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestGormStore_Lifecycle(t *testing.T) {
	store := newTestGormStore(t)
	ctx := context.Background()

	rec := &Record{TaskID: "task-1", Executor: "ffdl", Priority: 3, State: StatePending}
	require.NoError(t, store.Create(ctx, rec))
	assert.False(t, rec.CreatedAt.IsZero())

	require.NoError(t, store.Transition(ctx, "task-1", StateRunning, "", ""))
	got, err := store.Get(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, got.State)
	assert.NotNil(t, got.StartedAt)
	assert.Nil(t, got.FinishedAt)

	require.NoError(t, store.Transition(ctx, "task-1", StateSucceeded, "", "http://ffdl:32263/#/trainings/m-1/show"))
	got, err = store.Get(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, got.State)
	assert.Equal(t, "http://ffdl:32263/#/trainings/m-1/show", got.Result)
	assert.NotNil(t, got.FinishedAt)
}

func TestGormStore_NotFound(t *testing.T) {
	store := newTestGormStore(t)
	ctx := context.Background()

	_, err := store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	err = store.Transition(ctx, "missing", StateFailed, "boom", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGormStore_ListFiltersAndOrders(t *testing.T) {
	store := newTestGormStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.Create(ctx, &Record{TaskID: id, Executor: "jupyter", State: StatePending}))
	}
	require.NoError(t, store.Transition(ctx, "b", StateFailed, "kernel start failed", ""))

	all, err := store.List(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].TaskID, "newest first")

	failed, err := store.List(ctx, StateFailed, 0)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "kernel start failed", failed[0].Detail)

	limited, err := store.List(ctx, "", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestParseState(t *testing.T) {
	st, err := ParseState("FAILED")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, st)
	assert.True(t, st.Terminal())

	st, err = ParseState("")
	require.NoError(t, err)
	assert.Equal(t, State(""), st)

	_, err = ParseState("failed")
	assert.Error(t, err)
}
