package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/deckeval/internal/model"
	"github.com/sells-group/deckeval/internal/resilience"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func pendingReport(id string) *model.Report {
	return model.NewReport(model.DeckSubmission{
		ID:          id,
		CompanyName: "Acme Robotics",
		Sector:      "robotics",
		RawText:     "deck",
	})
}

func finalizedReport(t *testing.T, id string, scores ...int) *model.Report {
	t.Helper()
	r := pendingReport(id)
	for i, score := range scores {
		require.NoError(t, r.AddResult(model.CategoryResult{
			Category: model.AllCategories()[i],
			Score:    score,
			Notes:    "notes",
		}))
	}
	require.NoError(t, r.Finalize())
	return r
}

// --- Reports ---

func TestSQLite_PutAndGetReport(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	report := finalizedReport(t, "rep-1", 7, 8, 6, 9)
	require.NoError(t, st.PutReport(ctx, report))

	got, err := st.GetReport(ctx, "rep-1")
	require.NoError(t, err)
	assert.Equal(t, "rep-1", got.ID)
	assert.Equal(t, "Acme Robotics", got.CompanyName)
	assert.Equal(t, model.StatusComplete, got.Status)
	require.NotNil(t, got.OverallScore)
	assert.Equal(t, 7.5, *got.OverallScore)
	assert.Len(t, got.CategoryResults, 4)
}

func TestSQLite_GetReport_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.GetReport(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLite_ExistsReport(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	ok, err := st.ExistsReport(ctx, "rep-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, st.PutReport(ctx, pendingReport("rep-1")))

	ok, err = st.ExistsReport(ctx, "rep-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSQLite_PutReport_PendingOverwrite(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.PutReport(ctx, pendingReport("rep-1")))

	// A pending row can be replaced, including by its finalized form.
	require.NoError(t, st.PutReport(ctx, finalizedReport(t, "rep-1", 5, 5, 5, 5)))

	got, err := st.GetReport(ctx, "rep-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusComplete, got.Status)
}

func TestSQLite_PutReport_AlreadyFinalized(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.PutReport(ctx, finalizedReport(t, "rep-1", 5, 5, 5, 5)))

	err := st.PutReport(ctx, finalizedReport(t, "rep-1", 9, 9, 9, 9))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAlreadyFinalized))

	// First write wins.
	got, err := st.GetReport(ctx, "rep-1")
	require.NoError(t, err)
	require.NotNil(t, got.OverallScore)
	assert.Equal(t, 5.0, *got.OverallScore)
}

func failedReport(t *testing.T, id string) *model.Report {
	t.Helper()
	r := pendingReport(id)
	require.NoError(t, r.Fail("upstream unavailable"))
	return r
}

func TestSQLite_ReopenReport(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.PutReport(ctx, failedReport(t, "rep-1")))

	// Reopening lifts the finalize guard so a replay can write again.
	require.NoError(t, st.ReopenReport(ctx, "rep-1"))
	require.NoError(t, st.PutReport(ctx, finalizedReport(t, "rep-1", 6, 6, 6, 6)))

	got, err := st.GetReport(ctx, "rep-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusComplete, got.Status)
}

func TestSQLite_ReopenReport_Complete(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.PutReport(ctx, finalizedReport(t, "rep-1", 5, 5, 5, 5)))

	err := st.ReopenReport(ctx, "rep-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAlreadyFinalized))
}

func TestSQLite_ReopenReport_Missing(t *testing.T) {
	st := newTestSQLiteStore(t)

	err := st.ReopenReport(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLite_ReopenReport_PendingNoop(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.PutReport(ctx, pendingReport("rep-1")))
	require.NoError(t, st.ReopenReport(ctx, "rep-1"))
}

func TestSQLite_PutReport_ConcurrentFinalize(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.PutReport(ctx, pendingReport("rep-1")))

	const writers = 8
	candidates := make([]*model.Report, writers)
	for i := range candidates {
		score := i + 1
		candidates[i] = finalizedReport(t, "rep-1", score, score, score, score)
	}

	var wg sync.WaitGroup
	errCh := make(chan error, writers)
	for _, candidate := range candidates {
		wg.Add(1)
		go func(r *model.Report) {
			defer wg.Done()
			errCh <- st.PutReport(ctx, r)
		}(candidate)
	}
	wg.Wait()
	close(errCh)

	var succeeded, alreadyFinalized int
	for err := range errCh {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrAlreadyFinalized):
			alreadyFinalized++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, writers-1, alreadyFinalized)
}

func TestSQLite_ListReports(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.PutReport(ctx, pendingReport("rep-1")))
	require.NoError(t, st.PutReport(ctx, finalizedReport(t, "rep-2", 7, 7, 7, 7)))
	require.NoError(t, st.PutReport(ctx, finalizedReport(t, "rep-3", 8, 8, 8, 8)))

	all, err := st.ListReports(ctx, ReportFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	complete, err := st.ListReports(ctx, ReportFilter{Status: model.StatusComplete})
	require.NoError(t, err)
	assert.Len(t, complete, 2)

	limited, err := st.ListReports(ctx, ReportFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

// --- Dead letter queue ---

func TestSQLite_DLQ_EnqueueDequeue(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	entry := resilience.DLQEntry{
		ID:           "dlq-1",
		Submission:   model.DeckSubmission{ID: "sub-1", CompanyName: "Acme", RawText: "deck"},
		Error:        "scoring service unavailable",
		ErrorType:    "transient",
		FailedStage:  "market",
		RetryCount:   0,
		MaxRetries:   3,
		NextRetryAt:  time.Now().UTC().Add(-time.Minute),
		CreatedAt:    time.Now().UTC(),
		LastFailedAt: time.Now().UTC(),
	}
	require.NoError(t, st.EnqueueDLQ(ctx, entry))

	entries, err := st.DequeueDLQ(ctx, resilience.DLQFilter{Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "dlq-1", entries[0].ID)
	assert.Equal(t, "sub-1", entries[0].Submission.ID)
	assert.Equal(t, "market", entries[0].FailedStage)
}

func TestSQLite_DLQ_FilterByErrorType(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	base := resilience.DLQEntry{
		Submission:   model.DeckSubmission{ID: "sub-1", RawText: "deck"},
		MaxRetries:   3,
		NextRetryAt:  time.Now().UTC().Add(-time.Minute),
		CreatedAt:    time.Now().UTC(),
		LastFailedAt: time.Now().UTC(),
	}

	transient := base
	transient.ID = "dlq-t"
	transient.Error = "timeout"
	transient.ErrorType = "transient"
	require.NoError(t, st.EnqueueDLQ(ctx, transient))

	permanent := base
	permanent.ID = "dlq-p"
	permanent.Error = "malformed response"
	permanent.ErrorType = "permanent"
	require.NoError(t, st.EnqueueDLQ(ctx, permanent))

	entries, err := st.DequeueDLQ(ctx, resilience.DLQFilter{ErrorType: "transient"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "dlq-t", entries[0].ID)
}

func TestSQLite_DLQ_SkipsNotYetDue(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	entry := resilience.DLQEntry{
		ID:           "dlq-future",
		Submission:   model.DeckSubmission{ID: "sub-1", RawText: "deck"},
		Error:        "timeout",
		ErrorType:    "transient",
		MaxRetries:   3,
		NextRetryAt:  time.Now().UTC().Add(time.Hour),
		CreatedAt:    time.Now().UTC(),
		LastFailedAt: time.Now().UTC(),
	}
	require.NoError(t, st.EnqueueDLQ(ctx, entry))

	entries, err := st.DequeueDLQ(ctx, resilience.DLQFilter{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSQLite_DLQ_IncrementRetry(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	entry := resilience.DLQEntry{
		ID:           "dlq-1",
		Submission:   model.DeckSubmission{ID: "sub-1", RawText: "deck"},
		Error:        "timeout",
		ErrorType:    "transient",
		RetryCount:   0,
		MaxRetries:   2,
		NextRetryAt:  time.Now().UTC().Add(-time.Minute),
		CreatedAt:    time.Now().UTC(),
		LastFailedAt: time.Now().UTC(),
	}
	require.NoError(t, st.EnqueueDLQ(ctx, entry))

	require.NoError(t, st.IncrementDLQRetry(ctx, "dlq-1", time.Now().UTC().Add(-time.Second), "still failing"))

	entries, err := st.DequeueDLQ(ctx, resilience.DLQFilter{Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].RetryCount)
	assert.Equal(t, "still failing", entries[0].Error)

	// Second increment exhausts the budget; the entry is no longer dequeued.
	require.NoError(t, st.IncrementDLQRetry(ctx, "dlq-1", time.Now().UTC().Add(-time.Second), "again"))
	entries, err = st.DequeueDLQ(ctx, resilience.DLQFilter{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSQLite_DLQ_IncrementMissing(t *testing.T) {
	st := newTestSQLiteStore(t)
	err := st.IncrementDLQRetry(context.Background(), "nope", time.Now(), "x")
	assert.Error(t, err)
}
