package model

import (
	"math"
	"time"

	"github.com/rotisserie/eris"
)

// Category is one evaluation dimension of a pitch deck.
type Category string

const (
	CategoryMarket   Category = "market"
	CategoryTeam     Category = "team"
	CategoryProduct  Category = "product"
	CategoryTraction Category = "traction"
)

// AllCategories returns the known categories in their fixed evaluation order.
func AllCategories() []Category {
	return []Category{CategoryMarket, CategoryTeam, CategoryProduct, CategoryTraction}
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryMarket, CategoryTeam, CategoryProduct, CategoryTraction:
		return true
	}
	return false
}

// Score bounds for a category result.
const (
	MinScore = 1
	MaxScore = 10
)

// ClampScore forces a raw score into the [MinScore, MaxScore] range.
func ClampScore(n int) int {
	if n < MinScore {
		return MinScore
	}
	if n > MaxScore {
		return MaxScore
	}
	return n
}

// CategoryResult is the outcome of a single category evaluation.
type CategoryResult struct {
	Category Category `json:"category"`
	Score    int      `json:"score"`
	Notes    string   `json:"notes"`
}

// ReportStatus represents the lifecycle state of a report.
type ReportStatus string

const (
	StatusPending  ReportStatus = "pending"
	StatusComplete ReportStatus = "complete"
	StatusFailed   ReportStatus = "failed"
)

// InvestmentDecision is the synthesized go/no-go assessment produced after
// category aggregation. It is advisory: a report is valid without one.
type InvestmentDecision struct {
	Investible   bool     `json:"investible"`
	Summary      string   `json:"summary"`
	KeyStrengths []string `json:"key_strengths,omitempty"`
	KeyConcerns  []string `json:"key_concerns,omitempty"`
}

// Report is the aggregated outcome of evaluating one submission across all
// categories. It is created pending when a submission is accepted, mutated
// only by the owning coordinator, and immutable once finalized.
type Report struct {
	ID              string              `json:"id"`
	CompanyName     string              `json:"company_name"`
	Sector          string              `json:"sector,omitempty"`
	Stage           string              `json:"stage,omitempty"`
	FundingAsk      string              `json:"funding_ask,omitempty"`
	CategoryResults []CategoryResult    `json:"category_results"`
	OverallScore    *float64            `json:"overall_score,omitempty"`
	Status          ReportStatus        `json:"status"`
	Errors          map[Category]string `json:"errors,omitempty"`
	Decision        *InvestmentDecision `json:"decision,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	FinalizedAt     *time.Time          `json:"finalized_at,omitempty"`
}

// NewReport creates a pending report for a submission.
func NewReport(sub DeckSubmission) *Report {
	return &Report{
		ID:          sub.ID,
		CompanyName: sub.CompanyName,
		Sector:      sub.Sector,
		Stage:       sub.Stage,
		FundingAsk:  sub.FundingAsk,
		Status:      StatusPending,
		Errors:      make(map[Category]string),
		CreatedAt:   time.Now().UTC(),
	}
}

// Finalized reports whether the report has left the pending state.
func (r *Report) Finalized() bool {
	return r.Status != StatusPending
}

// AddResult appends a category result. Exactly one result per category is
// permitted; duplicates and post-finalization writes are rejected.
func (r *Report) AddResult(res CategoryResult) error {
	if r.Finalized() {
		return eris.Errorf("report %s: already finalized", r.ID)
	}
	if !res.Category.Valid() {
		return eris.Errorf("report %s: unknown category %q", r.ID, res.Category)
	}
	for _, existing := range r.CategoryResults {
		if existing.Category == res.Category {
			return eris.Errorf("report %s: duplicate result for category %q", r.ID, res.Category)
		}
	}
	res.Score = ClampScore(res.Score)
	r.CategoryResults = append(r.CategoryResults, res)
	return nil
}

// RecordError records a category-level failure reason. Allowed only before
// finalization.
func (r *Report) RecordError(cat Category, reason string) error {
	if r.Finalized() {
		return eris.Errorf("report %s: already finalized", r.ID)
	}
	if r.Errors == nil {
		r.Errors = make(map[Category]string)
	}
	r.Errors[cat] = reason
	return nil
}

// Result returns the recorded result for a category, if any.
func (r *Report) Result(cat Category) (CategoryResult, bool) {
	for _, res := range r.CategoryResults {
		if res.Category == cat {
			return res, true
		}
	}
	return CategoryResult{}, false
}

// Finalize transitions the report out of pending exactly once. Status becomes
// complete only when every known category has a result; otherwise failed.
// The overall score is the mean of the successful category scores rounded to
// one decimal, absent when no category succeeded.
func (r *Report) Finalize() error {
	if r.Finalized() {
		return eris.Errorf("report %s: already finalized", r.ID)
	}

	if score, ok := OverallScore(r.CategoryResults); ok {
		r.OverallScore = &score
	}

	if len(r.CategoryResults) == len(AllCategories()) && len(r.Errors) == 0 {
		r.Status = StatusComplete
	} else {
		r.Status = StatusFailed
	}

	now := time.Now().UTC()
	r.FinalizedAt = &now
	return nil
}

// Fail transitions the report to failed exactly once, discarding any
// collected results. Used for cancellation.
func (r *Report) Fail(reason string) error {
	if r.Finalized() {
		return eris.Errorf("report %s: already finalized", r.ID)
	}
	r.CategoryResults = nil
	r.OverallScore = nil
	if r.Errors == nil {
		r.Errors = make(map[Category]string)
	}
	for _, cat := range AllCategories() {
		r.Errors[cat] = reason
	}
	r.Status = StatusFailed
	now := time.Now().UTC()
	r.FinalizedAt = &now
	return nil
}

// Reopen returns a pending copy of a failed report, stripped of the prior
// run's results, so its submission can be evaluated again. Callers guard
// against reopening complete reports.
func (r *Report) Reopen() *Report {
	fresh := r.Clone()
	fresh.Status = StatusPending
	fresh.CategoryResults = nil
	fresh.OverallScore = nil
	fresh.Errors = nil
	fresh.Decision = nil
	fresh.FinalizedAt = nil
	return fresh
}

// Clone returns a deep copy of the report.
func (r *Report) Clone() *Report {
	cp := *r
	if r.CategoryResults != nil {
		cp.CategoryResults = append([]CategoryResult(nil), r.CategoryResults...)
	}
	if r.Errors != nil {
		cp.Errors = make(map[Category]string, len(r.Errors))
		for k, v := range r.Errors {
			cp.Errors[k] = v
		}
	}
	if r.OverallScore != nil {
		score := *r.OverallScore
		cp.OverallScore = &score
	}
	if r.FinalizedAt != nil {
		ts := *r.FinalizedAt
		cp.FinalizedAt = &ts
	}
	if r.Decision != nil {
		dec := *r.Decision
		dec.KeyStrengths = append([]string(nil), r.Decision.KeyStrengths...)
		dec.KeyConcerns = append([]string(nil), r.Decision.KeyConcerns...)
		cp.Decision = &dec
	}
	return &cp
}

// OverallScore computes the arithmetic mean of the given category scores
// rounded to one decimal place. ok is false when results is empty.
func OverallScore(results []CategoryResult) (score float64, ok bool) {
	if len(results) == 0 {
		return 0, false
	}
	sum := 0
	for _, res := range results {
		sum += res.Score
	}
	mean := float64(sum) / float64(len(results))
	return math.Round(mean*10) / 10, true
}
