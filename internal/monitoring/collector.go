package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/deckeval/internal/model"
	"github.com/sells-group/deckeval/internal/store"
)

// MetricsSnapshot holds a point-in-time view of evaluation health.
type MetricsSnapshot struct {
	// Evaluation metrics (within lookback window).
	EvalTotal    int     `json:"eval_total"`
	EvalComplete int     `json:"eval_complete"`
	EvalFailed   int     `json:"eval_failed"`
	EvalPending  int     `json:"eval_pending"`
	EvalFailRate float64 `json:"eval_fail_rate"`
	AvgScore     float64 `json:"avg_score"`

	// FailedCategories tallies which categories exhausted their retries.
	FailedCategories map[string]int `json:"failed_categories,omitempty"`

	// DLQ depth.
	DLQDepth int `json:"dlq_depth"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Collector gathers metrics from the report store.
type Collector struct {
	store store.Store
}

// NewCollector creates a new metrics collector.
func NewCollector(st store.Store) *Collector {
	return &Collector{store: st}
}

// Collect gathers a snapshot of evaluation metrics over the given lookback
// window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{
		FailedCategories: make(map[string]int),
		LookbackHours:    lookbackHours,
		CollectedAt:      time.Now().UTC(),
	}

	cutoff := time.Now().UTC().Add(-time.Duration(lookbackHours) * time.Hour)

	reports, err := c.store.ListReports(ctx, store.ReportFilter{
		CreatedAfter: cutoff,
		Limit:        10000,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list reports")
	}

	snap.EvalTotal = len(reports)
	var totalScore float64
	var scoredReports int

	for _, r := range reports {
		switch r.Status {
		case model.StatusComplete:
			snap.EvalComplete++
		case model.StatusFailed:
			snap.EvalFailed++
		case model.StatusPending:
			snap.EvalPending++
		}
		if r.OverallScore != nil {
			totalScore += *r.OverallScore
			scoredReports++
		}
		for cat := range r.Errors {
			snap.FailedCategories[string(cat)]++
		}
	}

	finished := snap.EvalComplete + snap.EvalFailed
	if finished > 0 {
		snap.EvalFailRate = float64(snap.EvalFailed) / float64(finished)
	}
	if scoredReports > 0 {
		snap.AvgScore = totalScore / float64(scoredReports)
	}

	dlqCount, err := c.store.CountDLQ(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count dlq")
	}
	snap.DLQDepth = dlqCount

	return snap, nil
}
