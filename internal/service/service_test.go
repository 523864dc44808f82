package service

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/deckeval/internal/model"
	"github.com/sells-group/deckeval/internal/store"
)

// stubRunner finalizes each submission with a fixed score set. A non-nil
// block channel makes Run wait until the channel closes or the run context
// is canceled.
type stubRunner struct {
	store store.Store
	block chan struct{}

	mu   sync.Mutex
	runs []string
}

func (r *stubRunner) Run(ctx context.Context, sub model.DeckSubmission) (*model.Report, error) {
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	r.mu.Lock()
	r.runs = append(r.runs, sub.ID)
	r.mu.Unlock()

	report := model.NewReport(sub)
	for _, cat := range model.AllCategories() {
		if err := report.AddResult(model.CategoryResult{Category: cat, Score: 8, Notes: "ok"}); err != nil {
			return nil, err
		}
	}
	if err := report.Finalize(); err != nil {
		return nil, err
	}
	if err := r.store.PutReport(ctx, report); err != nil {
		return nil, err
	}
	return report, nil
}

func (r *stubRunner) ranCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

func newTestService(t *testing.T, block chan struct{}, opts Options) (*Service, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	runner := &stubRunner{store: st, block: block}
	return New(runner, st, opts), st
}

func validSubmission() model.DeckSubmission {
	return model.DeckSubmission{
		CompanyName: "Acme Robotics",
		Sector:      "robotics",
		RawText:     "We build robots.",
	}
}

func waitForStatus(t *testing.T, svc *Service, id string, want model.ReportStatus) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		status, err := svc.GetStatus(context.Background(), id)
		if err == nil && status == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("report %s never reached status %s (last: %s, err: %v)", id, want, status, err)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestService_SubmitReturnsIDImmediately(t *testing.T) {
	block := make(chan struct{})
	svc, _ := newTestService(t, block, Options{})

	id, err := svc.Submit(context.Background(), validSubmission())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	// Evaluation has not finished, but the id already resolves.
	status, err := svc.GetStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, status)

	_, err = svc.GetReport(context.Background(), id)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotReady)

	close(block)
	waitForStatus(t, svc, id, model.StatusComplete)

	report, err := svc.GetReport(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, report.OverallScore)
	assert.Equal(t, 8.0, *report.OverallScore)
}

func TestService_SubmitValidation(t *testing.T) {
	svc, _ := newTestService(t, nil, Options{MaxDeckBytes: 32})

	tests := []struct {
		name    string
		mutate  func(*model.DeckSubmission)
		problem string
	}{
		{"missing company", func(s *model.DeckSubmission) { s.CompanyName = " " }, "company name"},
		{"missing deck text", func(s *model.DeckSubmission) { s.RawText = "" }, "deck text is required"},
		{"oversized deck", func(s *model.DeckSubmission) { s.RawText = "this deck is much longer than the limit" }, "size limit"},
		{"negative pages", func(s *model.DeckSubmission) { s.PageCount = -1 }, "page count"},
		{"bad notify url", func(s *model.DeckSubmission) { s.NotifyURL = "ftp://hooks.example.com" }, "notify url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := validSubmission()
			tt.mutate(&sub)

			_, err := svc.Submit(context.Background(), sub)
			require.Error(t, err)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, verr.Error(), tt.problem)
		})
	}
}

func TestService_GetReport_NotFound(t *testing.T) {
	svc, _ := newTestService(t, nil, Options{})

	_, err := svc.GetReport(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = svc.GetStatus(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestService_ConcurrencyBound(t *testing.T) {
	block := make(chan struct{})
	svc, _ := newTestService(t, block, Options{MaxConcurrent: 2})

	var ids []string
	for range 5 {
		id, err := svc.Submit(context.Background(), validSubmission())
		require.NoError(t, err)
		ids = append(ids, id)
	}
	assert.Equal(t, 5, svc.InFlight())

	close(block)
	for _, id := range ids {
		waitForStatus(t, svc, id, model.StatusComplete)
	}

	require.NoError(t, svc.Shutdown(context.Background()))
	assert.Equal(t, 0, svc.InFlight())
}

func TestService_Cancel(t *testing.T) {
	block := make(chan struct{})
	svc, _ := newTestService(t, block, Options{})

	id, err := svc.Submit(context.Background(), validSubmission())
	require.NoError(t, err)

	assert.True(t, svc.Cancel(id))
	assert.False(t, svc.Cancel(id), "second cancel finds nothing running")

	require.NoError(t, svc.Shutdown(context.Background()))

	// A canceled evaluation finalizes failed with a cancellation reason.
	report, err := svc.GetReport(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, report.Status)
	assert.Contains(t, report.Errors[model.CategoryMarket], "canceled")
}

func TestService_CancelWhileQueued(t *testing.T) {
	block := make(chan struct{})
	svc, _ := newTestService(t, block, Options{MaxConcurrent: 1})

	// The first submission holds the only slot; the second waits in line.
	first, err := svc.Submit(context.Background(), validSubmission())
	require.NoError(t, err)
	queued, err := svc.Submit(context.Background(), validSubmission())
	require.NoError(t, err)

	assert.True(t, svc.Cancel(queued))
	waitForStatus(t, svc, queued, model.StatusFailed)

	report, err := svc.GetReport(context.Background(), queued)
	require.NoError(t, err)
	assert.Contains(t, report.Errors[model.CategoryTraction], "canceled")

	close(block)
	waitForStatus(t, svc, first, model.StatusComplete)
	require.NoError(t, svc.Shutdown(context.Background()))
}

func TestValidateSubmission(t *testing.T) {
	require.NoError(t, ValidateSubmission(validSubmission(), 0))

	empty := validSubmission()
	empty.RawText = "   "
	err := ValidateSubmission(empty, 0)
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Problems, "deck text is required")

	big := validSubmission()
	big.RawText = strings.Repeat("x", 100)
	err = ValidateSubmission(big, 10)
	require.Error(t, err)
}

func TestService_ShutdownTimeout(t *testing.T) {
	block := make(chan struct{})
	svc, _ := newTestService(t, block, Options{})

	_, err := svc.Submit(context.Background(), validSubmission())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = svc.Shutdown(ctx)
	require.Error(t, err)

	close(block)
	require.NoError(t, svc.Shutdown(context.Background()))
}
