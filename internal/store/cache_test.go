package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/deckeval/internal/model"
)

func newTestCachedStore(t *testing.T, capacity int) (*CachedStore, *SQLiteStore) {
	t.Helper()
	inner := newTestSQLiteStore(t)
	return NewCachedStore(inner, capacity), inner
}

func TestCachedStore_ReadThrough(t *testing.T) {
	ctx := context.Background()
	cached, inner := newTestCachedStore(t, 4)

	// Write directly to the inner store so the first read must fall through.
	require.NoError(t, inner.PutReport(ctx, pendingReport("run-1")))
	assert.Equal(t, 0, cached.Len())

	got, err := cached.GetReport(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", got.ID)
	assert.Equal(t, 1, cached.Len())

	// Second read is served from cache even after the row disappears.
	_, err = inner.db.Exec(`DELETE FROM reports WHERE id = 'run-1'`)
	require.NoError(t, err)

	got, err = cached.GetReport(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", got.ID)
}

func TestCachedStore_PutPopulatesCache(t *testing.T) {
	ctx := context.Background()
	cached, _ := newTestCachedStore(t, 4)

	require.NoError(t, cached.PutReport(ctx, pendingReport("run-1")))
	assert.Equal(t, 1, cached.Len())

	ok, err := cached.ExistsReport(ctx, "run-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCachedStore_Eviction(t *testing.T) {
	ctx := context.Background()
	cached, _ := newTestCachedStore(t, 2)

	require.NoError(t, cached.PutReport(ctx, pendingReport("run-1")))
	require.NoError(t, cached.PutReport(ctx, pendingReport("run-2")))

	// Touch run-1 so run-2 becomes the least recently used entry.
	_, err := cached.GetReport(ctx, "run-1")
	require.NoError(t, err)

	require.NoError(t, cached.PutReport(ctx, pendingReport("run-3")))
	assert.Equal(t, 2, cached.Len())

	_, hit1 := cached.lookup("run-1")
	_, hit2 := cached.lookup("run-2")
	_, hit3 := cached.lookup("run-3")
	assert.True(t, hit1)
	assert.False(t, hit2)
	assert.True(t, hit3)
}

func TestCachedStore_RejectedWriteInvalidates(t *testing.T) {
	ctx := context.Background()
	cached, _ := newTestCachedStore(t, 4)

	final := finalizedReport(t, "run-1", 7, 8, 6, 9)
	require.NoError(t, cached.PutReport(ctx, final))

	// A second finalization attempt loses the race and must not replace the
	// cached copy with the rejected report.
	dupe := finalizedReport(t, "run-1", 1, 1, 1, 1)
	err := cached.PutReport(ctx, dupe)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAlreadyFinalized)

	got, err := cached.GetReport(ctx, "run-1")
	require.NoError(t, err)
	require.NotNil(t, got.OverallScore)
	assert.Equal(t, 7.5, *got.OverallScore)
}

func TestCachedStore_ReopenInvalidates(t *testing.T) {
	ctx := context.Background()
	cached, _ := newTestCachedStore(t, 4)

	require.NoError(t, cached.PutReport(ctx, failedReport(t, "run-1")))

	got, err := cached.GetReport(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)

	// The cached failed copy must not survive a reopen.
	require.NoError(t, cached.ReopenReport(ctx, "run-1"))
	assert.Equal(t, 0, cached.Len())

	got, err = cached.GetReport(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
}

func TestCachedStore_CloneIsolation(t *testing.T) {
	ctx := context.Background()
	cached, _ := newTestCachedStore(t, 4)

	require.NoError(t, cached.PutReport(ctx, pendingReport("run-1")))

	got, err := cached.GetReport(ctx, "run-1")
	require.NoError(t, err)
	got.CompanyName = "mutated"
	got.Status = model.StatusFailed

	fresh, err := cached.GetReport(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "Acme Robotics", fresh.CompanyName)
	assert.Equal(t, model.StatusPending, fresh.Status)
}
