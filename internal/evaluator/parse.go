package evaluator

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/deckeval/internal/model"
	"github.com/sells-group/deckeval/pkg/anthropic"
)

// extractText concatenates all text content blocks from a message response.
func extractText(resp *anthropic.MessageResponse) string {
	if resp == nil {
		return ""
	}
	var parts []string
	for _, block := range resp.Content {
		if block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// cleanJSON attempts to extract a JSON object from text that may contain
// markdown code fences or other wrapping.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	// Strip markdown code fences.
	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	// Find first { and last }.
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}

// scorePattern matches loose score statements like "score: 7", "Score = 8.5"
// or "7/10" in free-form text.
var scorePattern = regexp.MustCompile(`(?i)score\s*[:=]?\s*(\d+(?:\.\d+)?)|(\d+(?:\.\d+)?)\s*/\s*10`)

// parseScorePayload extracts a score and notes from the scoring service's
// textual payload. Structured extraction runs first: the payload is treated
// as a JSON object with "score" and "notes" fields. When that fails, a
// pattern fallback scans the raw text for a score statement and uses the full
// text as notes. If neither yields a numeric score the payload is malformed.
func parseScorePayload(cat model.Category, text string) (model.CategoryResult, error) {
	if strings.TrimSpace(text) == "" {
		return model.CategoryResult{}, eris.Wrapf(ErrMalformedResponse, "evaluator: %s: empty payload", cat)
	}

	if res, ok := parseStructured(cat, text); ok {
		return res, nil
	}

	if res, ok := parseFallback(cat, text); ok {
		return res, nil
	}

	return model.CategoryResult{}, eris.Wrapf(ErrMalformedResponse, "evaluator: %s: no score found in payload", cat)
}

func parseStructured(cat model.Category, text string) (model.CategoryResult, bool) {
	var payload map[string]any
	if err := json.Unmarshal([]byte(cleanJSON(text)), &payload); err != nil {
		return model.CategoryResult{}, false
	}

	score, ok := toFloat64(payload["score"])
	if !ok {
		return model.CategoryResult{}, false
	}

	notes, _ := payload["notes"].(string)
	if notes == "" {
		// Some responses label the field differently.
		for _, key := range []string{"explanation", "reasoning", "analysis"} {
			if v, ok := payload[key].(string); ok && v != "" {
				notes = v
				break
			}
		}
	}

	return model.CategoryResult{
		Category: cat,
		Score:    model.ClampScore(int(math.Round(score))),
		Notes:    notes,
	}, true
}

func parseFallback(cat model.Category, text string) (model.CategoryResult, bool) {
	m := scorePattern.FindStringSubmatch(text)
	if m == nil {
		return model.CategoryResult{}, false
	}

	raw := m[1]
	if raw == "" {
		raw = m[2]
	}
	score, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return model.CategoryResult{}, false
	}

	return model.CategoryResult{
		Category: cat,
		Score:    model.ClampScore(int(math.Round(score))),
		Notes:    strings.TrimSpace(text),
	}, true
}

// toFloat64 converts JSON number representations (float64, int, numeric
// string) to float64.
func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// parseDecisionPayload extracts an investment decision from a response
// payload. Unlike category scoring there is no pattern fallback: a decision
// either parses as JSON or is malformed.
func parseDecisionPayload(text string) (*model.InvestmentDecision, error) {
	var payload struct {
		Investible   bool     `json:"investible"`
		Summary      string   `json:"summary"`
		KeyStrengths []string `json:"key_strengths"`
		KeyConcerns  []string `json:"key_concerns"`
	}
	if err := json.Unmarshal([]byte(cleanJSON(text)), &payload); err != nil {
		return nil, eris.Wrap(ErrMalformedResponse, "evaluator: decision payload")
	}
	if payload.Summary == "" {
		return nil, eris.Wrap(ErrMalformedResponse, "evaluator: decision missing summary")
	}

	return &model.InvestmentDecision{
		Investible:   payload.Investible,
		Summary:      payload.Summary,
		KeyStrengths: payload.KeyStrengths,
		KeyConcerns:  payload.KeyConcerns,
	}, nil
}
