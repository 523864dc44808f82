package model

import "time"

// DeckSubmission is a single pitch deck handed to the evaluation pipeline.
// RawText is the parsed, slide/page-annotated deck content; the binary deck
// formats themselves are handled upstream. A submission is immutable once
// created.
type DeckSubmission struct {
	ID          string    `json:"id"`
	CompanyName string    `json:"company_name"`
	Sector      string    `json:"sector,omitempty"`
	Stage       string    `json:"stage,omitempty"`
	FundingAsk  string    `json:"funding_ask,omitempty"`
	FundThesis  string    `json:"fund_thesis,omitempty"`
	RawText     string    `json:"raw_text"`
	PageCount   int       `json:"page_count,omitempty"`
	Filename    string    `json:"filename,omitempty"`
	NotifyURL   string    `json:"notify_url,omitempty"` // webhook for the finished report
	SubmittedAt time.Time `json:"submitted_at"`
}

// Metadata returns the submission fields that are passed through verbatim
// into scoring requests.
func (s DeckSubmission) Metadata() map[string]string {
	md := make(map[string]string, 5)
	if s.CompanyName != "" {
		md["company"] = s.CompanyName
	}
	if s.Sector != "" {
		md["sector"] = s.Sector
	}
	if s.Stage != "" {
		md["stage"] = s.Stage
	}
	if s.FundingAsk != "" {
		md["funding_ask"] = s.FundingAsk
	}
	if s.FundThesis != "" {
		md["fund_thesis"] = s.FundThesis
	}
	return md
}
