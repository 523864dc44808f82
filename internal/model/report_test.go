package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSubmission() DeckSubmission {
	return DeckSubmission{
		ID:          "sub-1",
		CompanyName: "Acme Robotics",
		Sector:      "robotics",
		Stage:       "seed",
		RawText:     "Acme builds warehouse robots.",
		SubmittedAt: time.Now().UTC(),
	}
}

func TestNewReportPending(t *testing.T) {
	r := NewReport(testSubmission())
	assert.Equal(t, StatusPending, r.Status)
	assert.Equal(t, "sub-1", r.ID)
	assert.False(t, r.Finalized())
	assert.Nil(t, r.FinalizedAt)
}

func TestAddResultClampsScore(t *testing.T) {
	r := NewReport(testSubmission())
	require.NoError(t, r.AddResult(CategoryResult{Category: CategoryMarket, Score: 14, Notes: "huge market"}))
	require.NoError(t, r.AddResult(CategoryResult{Category: CategoryTeam, Score: -3, Notes: "solo founder"}))

	market, ok := r.Result(CategoryMarket)
	require.True(t, ok)
	assert.Equal(t, 10, market.Score)

	team, ok := r.Result(CategoryTeam)
	require.True(t, ok)
	assert.Equal(t, 1, team.Score)
}

func TestAddResultRejectsDuplicateCategory(t *testing.T) {
	r := NewReport(testSubmission())
	require.NoError(t, r.AddResult(CategoryResult{Category: CategoryProduct, Score: 7}))
	err := r.AddResult(CategoryResult{Category: CategoryProduct, Score: 9})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
	assert.Len(t, r.CategoryResults, 1)
}

func TestAddResultRejectsUnknownCategory(t *testing.T) {
	r := NewReport(testSubmission())
	err := r.AddResult(CategoryResult{Category: "vibes", Score: 8})
	require.Error(t, err)
}

func TestFinalizeComplete(t *testing.T) {
	r := NewReport(testSubmission())
	scores := map[Category]int{
		CategoryMarket:   7,
		CategoryTeam:     8,
		CategoryProduct:  6,
		CategoryTraction: 9,
	}
	for cat, score := range scores {
		require.NoError(t, r.AddResult(CategoryResult{Category: cat, Score: score}))
	}
	require.NoError(t, r.Finalize())

	assert.Equal(t, StatusComplete, r.Status)
	require.NotNil(t, r.OverallScore)
	assert.Equal(t, 7.5, *r.OverallScore)
	require.NotNil(t, r.FinalizedAt)
}

func TestFinalizePartialFailure(t *testing.T) {
	r := NewReport(testSubmission())
	require.NoError(t, r.AddResult(CategoryResult{Category: CategoryMarket, Score: 8}))
	require.NoError(t, r.AddResult(CategoryResult{Category: CategoryTeam, Score: 8}))
	require.NoError(t, r.AddResult(CategoryResult{Category: CategoryProduct, Score: 8}))
	require.NoError(t, r.RecordError(CategoryTraction, "scoring service unavailable"))
	require.NoError(t, r.Finalize())

	assert.Equal(t, StatusFailed, r.Status)
	assert.Len(t, r.CategoryResults, 3)
	require.NotNil(t, r.OverallScore)
	assert.Equal(t, 8.0, *r.OverallScore)
	assert.Equal(t, "scoring service unavailable", r.Errors[CategoryTraction])
}

func TestFinalizeNoResults(t *testing.T) {
	r := NewReport(testSubmission())
	for _, cat := range AllCategories() {
		require.NoError(t, r.RecordError(cat, "timeout"))
	}
	require.NoError(t, r.Finalize())

	assert.Equal(t, StatusFailed, r.Status)
	assert.Nil(t, r.OverallScore)
}

func TestFinalizeIdempotenceGuard(t *testing.T) {
	r := NewReport(testSubmission())
	require.NoError(t, r.AddResult(CategoryResult{Category: CategoryMarket, Score: 5}))
	require.NoError(t, r.Finalize())

	assert.Error(t, r.Finalize())
	assert.Error(t, r.AddResult(CategoryResult{Category: CategoryTeam, Score: 5}))
	assert.Error(t, r.RecordError(CategoryTeam, "late"))
}

func TestFailDiscardsResults(t *testing.T) {
	r := NewReport(testSubmission())
	require.NoError(t, r.AddResult(CategoryResult{Category: CategoryMarket, Score: 9}))
	require.NoError(t, r.Fail("canceled by caller"))

	assert.Equal(t, StatusFailed, r.Status)
	assert.Empty(t, r.CategoryResults)
	assert.Nil(t, r.OverallScore)
	for _, cat := range AllCategories() {
		assert.Equal(t, "canceled by caller", r.Errors[cat])
	}
	assert.Error(t, r.Fail("again"))
}

func TestReopenResetsFailedReport(t *testing.T) {
	r := NewReport(testSubmission())
	require.NoError(t, r.AddResult(CategoryResult{Category: CategoryMarket, Score: 9}))
	require.NoError(t, r.RecordError(CategoryTraction, "scoring service unavailable"))
	require.NoError(t, r.Finalize())
	require.Equal(t, StatusFailed, r.Status)

	fresh := r.Reopen()
	assert.Equal(t, StatusPending, fresh.Status)
	assert.Empty(t, fresh.CategoryResults)
	assert.Empty(t, fresh.Errors)
	assert.Nil(t, fresh.OverallScore)
	assert.Nil(t, fresh.FinalizedAt)
	assert.Equal(t, r.ID, fresh.ID)
	assert.Equal(t, r.CreatedAt, fresh.CreatedAt)

	// The accepting report can go through the lifecycle again.
	for _, cat := range AllCategories() {
		require.NoError(t, fresh.AddResult(CategoryResult{Category: cat, Score: 6}))
	}
	require.NoError(t, fresh.Finalize())
	assert.Equal(t, StatusComplete, fresh.Status)

	// The original is untouched.
	assert.Equal(t, StatusFailed, r.Status)
}

func TestOverallScoreRounding(t *testing.T) {
	cases := []struct {
		name   string
		scores []int
		want   float64
	}{
		{"half up", []int{7, 8, 6, 9}, 7.5},
		{"thirds", []int{7, 7, 8}, 7.3},
		{"two thirds", []int{7, 8, 8}, 7.7},
		{"single", []int{6}, 6.0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			results := make([]CategoryResult, len(tc.scores))
			for i, s := range tc.scores {
				results[i] = CategoryResult{Category: AllCategories()[i%4], Score: s}
			}
			got, ok := OverallScore(results)
			require.True(t, ok)
			assert.Equal(t, tc.want, got)
		})
	}

	_, ok := OverallScore(nil)
	assert.False(t, ok)
}

func TestSubmissionMetadata(t *testing.T) {
	sub := testSubmission()
	sub.FundingAsk = "$2M"
	meta := sub.Metadata()
	assert.Equal(t, "Acme Robotics", meta["company"])
	assert.Equal(t, "$2M", meta["funding_ask"])
	_, ok := meta["fund_thesis"]
	assert.False(t, ok)
}
