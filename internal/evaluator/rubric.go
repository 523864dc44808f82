package evaluator

import (
	"fmt"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/deckeval/internal/model"
)

// Rubric describes how one category should be judged.
type Rubric struct {
	Focus    string   `yaml:"focus"`
	Criteria []string `yaml:"criteria"`
}

// defaultRubrics are used when no rubric file is configured.
var defaultRubrics = map[model.Category]Rubric{
	model.CategoryMarket: {
		Focus: "market opportunity and competitive landscape",
		Criteria: []string{
			"total addressable market size and credibility of sizing",
			"market timing and growth trajectory",
			"competitive differentiation and defensibility",
			"go-to-market strategy realism",
		},
	},
	model.CategoryTeam: {
		Focus: "founding team strength and execution capability",
		Criteria: []string{
			"relevant domain expertise and prior startup experience",
			"completeness of the team for the current stage",
			"evidence of execution velocity",
			"advisory board and key hires",
		},
	},
	model.CategoryProduct: {
		Focus: "product maturity and technical differentiation",
		Criteria: []string{
			"problem-solution fit and clarity of value proposition",
			"stage of product development and demo evidence",
			"technical moat or proprietary advantage",
			"scalability of the architecture or delivery model",
		},
	},
	model.CategoryTraction: {
		Focus: "commercial traction and momentum",
		Criteria: []string{
			"revenue, users, or pilot customers and their growth rate",
			"retention and engagement signals",
			"quality of logos or partnerships",
			"capital efficiency relative to progress",
		},
	},
}

// LoadRubrics reads per-category rubric overrides from a YAML file. Categories
// absent from the file keep their defaults. An empty path returns the
// defaults unchanged.
func LoadRubrics(path string) (map[model.Category]Rubric, error) {
	rubrics := make(map[model.Category]Rubric, len(defaultRubrics))
	for cat, r := range defaultRubrics {
		rubrics[cat] = r
	}
	if path == "" {
		return rubrics, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "evaluator: read rubric file %s", path)
	}

	var parsed map[string]Rubric
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, eris.Wrapf(err, "evaluator: parse rubric file %s", path)
	}

	for name, r := range parsed {
		cat := model.Category(strings.ToLower(name))
		if !cat.Valid() {
			return nil, eris.Errorf("evaluator: rubric file %s: unknown category %q", path, name)
		}
		if r.Focus == "" || len(r.Criteria) == 0 {
			return nil, eris.Errorf("evaluator: rubric file %s: category %q needs focus and criteria", path, name)
		}
		rubrics[cat] = r
	}

	return rubrics, nil
}

var titleCaser = cases.Title(language.English)

const scoringSystemPrompt = `You are a venture capital analyst evaluating startup pitch decks. You respond only with a single JSON object and no surrounding prose.`

// buildScorePrompt renders the user prompt for one category evaluation.
func buildScorePrompt(cat model.Category, rubric Rubric, sub model.DeckSubmission) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Evaluate the %s dimension of the following pitch deck, focusing on %s.\n\n", titleCaser.String(string(cat)), rubric.Focus)

	b.WriteString("Judge against these criteria:\n")
	for _, c := range rubric.Criteria {
		fmt.Fprintf(&b, "- %s\n", c)
	}

	if meta := sub.Metadata(); len(meta) > 0 {
		b.WriteString("\nSubmission metadata:\n")
		for _, key := range []string{"company", "sector", "stage", "funding_ask", "fund_thesis"} {
			if v, ok := meta[key]; ok {
				fmt.Fprintf(&b, "- %s: %s\n", key, v)
			}
		}
	}

	b.WriteString("\nRespond with exactly this JSON shape:\n")
	b.WriteString(`{"score": <integer 1-10>, "notes": "<2-4 sentences of analysis>"}`)
	b.WriteString("\n")

	return b.String()
}

const decisionSystemPrompt = `You are a venture capital partner making a preliminary investment call from completed category analyses. You respond only with a single JSON object and no surrounding prose.`

// buildDecisionPrompt renders the prompt for the investment decision call.
func buildDecisionPrompt(sub model.DeckSubmission, report *model.Report) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Company: %s\n", sub.CompanyName)
	if sub.Sector != "" {
		fmt.Fprintf(&b, "Sector: %s\n", sub.Sector)
	}
	if sub.Stage != "" {
		fmt.Fprintf(&b, "Stage: %s\n", sub.Stage)
	}
	if sub.FundThesis != "" {
		fmt.Fprintf(&b, "Fund thesis: %s\n", sub.FundThesis)
	}

	b.WriteString("\nCategory analyses:\n")
	for _, res := range report.CategoryResults {
		fmt.Fprintf(&b, "- %s: %d/10. %s\n", titleCaser.String(string(res.Category)), res.Score, res.Notes)
	}

	b.WriteString("\nDecide whether this company merits further diligence. Respond with exactly this JSON shape:\n")
	b.WriteString(`{"investible": <bool>, "summary": "<2-3 sentences>", "key_strengths": ["..."], "key_concerns": ["..."]}`)
	b.WriteString("\n")

	return b.String()
}
