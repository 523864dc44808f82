// Package store persists evaluation reports and the dead letter queue of
// failed submissions, behind sqlite and postgres backends.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/deckeval/internal/model"
	"github.com/sells-group/deckeval/internal/resilience"
)

// ErrNotFound is returned when no report exists for the requested ID.
var ErrNotFound = eris.New("report not found")

// ErrAlreadyFinalized is returned when a write targets a report that has
// already left the pending state. Finalized reports are immutable.
var ErrAlreadyFinalized = eris.New("report already finalized")

// ReportFilter specifies criteria for listing reports.
type ReportFilter struct {
	Status       model.ReportStatus `json:"status,omitempty"`
	CreatedAfter time.Time          `json:"created_after,omitempty"`
	Limit        int                `json:"limit,omitempty"`
	Offset       int                `json:"offset,omitempty"`
}

// Store defines the persistence interface for evaluation reports.
type Store interface {
	// Reports. PutReport inserts a new report or replaces a pending one;
	// it returns ErrAlreadyFinalized when the stored report has been
	// finalized, regardless of the incoming status.
	PutReport(ctx context.Context, report *model.Report) error
	// ReopenReport resets a failed report to pending so its submission can
	// be evaluated again. Complete reports cannot be reopened.
	ReopenReport(ctx context.Context, id string) error
	GetReport(ctx context.Context, id string) (*model.Report, error)
	ExistsReport(ctx context.Context, id string) (bool, error)
	ListReports(ctx context.Context, filter ReportFilter) ([]model.Report, error)

	// Dead letter queue
	EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error
	DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
	IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error
	DeleteDLQ(ctx context.Context, id string) error
	CountDLQ(ctx context.Context) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
