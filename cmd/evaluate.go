package main

import (
	"encoding/json"
	"os"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/deckeval/internal/ingest"
	"github.com/sells-group/deckeval/internal/model"
	"github.com/sells-group/deckeval/internal/service"
)

var (
	evalFile       string
	evalCompany    string
	evalSector     string
	evalStage      string
	evalFundingAsk string
	evalThesis     string
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Evaluate a single pitch deck from a text file",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "evaluate")
		if err != nil {
			return err
		}
		defer env.Close()

		extractor, err := ingest.NewExtractor(cfg.Ingest)
		if err != nil {
			return err
		}

		deck, err := ingest.Load(ctx, extractor, evalFile)
		if err != nil {
			return eris.Wrapf(err, "load deck %s", evalFile)
		}

		sub := model.DeckSubmission{
			ID:          uuid.New().String(),
			CompanyName: evalCompany,
			Sector:      evalSector,
			Stage:       evalStage,
			FundingAsk:  evalFundingAsk,
			FundThesis:  evalThesis,
			RawText:     deck.Text,
			Filename:    evalFile,
			PageCount:   deck.PageCount,
		}

		if err := service.ValidateSubmission(sub, cfg.Service.MaxDeckBytes); err != nil {
			return err
		}

		report, err := env.Coordinator.Run(ctx, sub)
		if err != nil {
			return eris.Wrap(err, "evaluate deck")
		}

		overall := 0.0
		if report.OverallScore != nil {
			overall = *report.OverallScore
		}
		zap.L().Info("evaluation finished",
			zap.String("report_id", report.ID),
			zap.String("status", string(report.Status)),
			zap.Float64("overall_score", overall),
		)

		// Print the report JSON to stdout.
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

func init() {
	evaluateCmd.Flags().StringVar(&evalFile, "file", "", "path to deck text file (required)")
	evaluateCmd.Flags().StringVar(&evalCompany, "company", "", "company name (required)")
	evaluateCmd.Flags().StringVar(&evalSector, "sector", "", "company sector")
	evaluateCmd.Flags().StringVar(&evalStage, "stage", "", "funding stage, e.g. seed")
	evaluateCmd.Flags().StringVar(&evalFundingAsk, "funding-ask", "", "amount being raised")
	evaluateCmd.Flags().StringVar(&evalThesis, "thesis", "", "fund thesis to evaluate against")
	_ = evaluateCmd.MarkFlagRequired("file")
	_ = evaluateCmd.MarkFlagRequired("company")
	rootCmd.AddCommand(evaluateCmd)
}
