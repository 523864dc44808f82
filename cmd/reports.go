package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/deckeval/internal/model"
	"github.com/sells-group/deckeval/internal/store"
)

var reportsCmd = &cobra.Command{
	Use:   "reports",
	Short: "Inspect evaluation reports",
	Long:  "Commands for listing, viewing, and summarizing evaluation reports.",
}

// -- reports list --

var reportsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List evaluation reports",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		reports, err := st.ListReports(ctx, store.ReportFilter{
			Status: model.ReportStatus(status),
			Limit:  limit,
		})
		if err != nil {
			return eris.Wrap(err, "reports list")
		}

		if len(reports) == 0 {
			fmt.Fprintln(os.Stderr, "No reports found.")
			return nil
		}

		formatReportsList(os.Stdout, reports)
		return nil
	},
}

// -- reports show --

var reportsShowCmd = &cobra.Command{
	Use:   "show <report-id>",
	Short: "Show full details of a report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		report, err := st.GetReport(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "reports show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

// -- reports stats --

var reportsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate report statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		since, _ := cmd.Flags().GetDuration("since")
		filter := store.ReportFilter{Limit: 10000}
		if since > 0 {
			filter.CreatedAfter = time.Now().Add(-since)
		}

		reports, err := st.ListReports(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "reports stats")
		}

		formatReportStats(os.Stdout, computeReportStats(reports))
		return nil
	},
}

func init() {
	reportsListCmd.Flags().String("status", "", "filter by status (pending, complete, failed)")
	reportsListCmd.Flags().Int("limit", 50, "max number of reports to display")

	reportsStatsCmd.Flags().Duration("since", 24*time.Hour, "time window for stats (e.g. 24h, 72h, 168h)")

	reportsCmd.AddCommand(reportsListCmd)
	reportsCmd.AddCommand(reportsShowCmd)
	reportsCmd.AddCommand(reportsStatsCmd)
	rootCmd.AddCommand(reportsCmd)
}

// reportStats holds aggregate statistics computed from a set of reports.
type reportStats struct {
	Total          int
	Complete       int
	Failed         int
	Pending        int
	AvgScore       float64
	FailedCategory map[string]int
}

func computeReportStats(reports []model.Report) reportStats {
	s := reportStats{FailedCategory: make(map[string]int)}
	s.Total = len(reports)

	var totalScore float64
	var scored int

	for _, r := range reports {
		switch r.Status {
		case model.StatusComplete:
			s.Complete++
		case model.StatusFailed:
			s.Failed++
		case model.StatusPending:
			s.Pending++
		}
		if r.OverallScore != nil {
			totalScore += *r.OverallScore
			scored++
		}
		for cat := range r.Errors {
			s.FailedCategory[string(cat)]++
		}
	}

	if scored > 0 {
		s.AvgScore = totalScore / float64(scored)
	}
	return s
}

// formatReportsList writes a tabular list of reports to w.
func formatReportsList(out io.Writer, reports []model.Report) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tCOMPANY\tSTATUS\tSCORE\tCATEGORIES\tCREATED")
	_, _ = fmt.Fprintln(w, "--\t-------\t------\t-----\t----------\t-------")

	for _, r := range reports {
		score := "-"
		if r.OverallScore != nil {
			score = fmt.Sprintf("%.1f", *r.OverallScore)
		}

		company := r.CompanyName
		if len(company) > 30 {
			company = company[:27] + "..."
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			truncateID(r.ID),
			company,
			r.Status,
			score,
			len(r.CategoryResults),
			len(model.AllCategories()),
			r.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

// formatReportStats writes aggregate stats to w.
func formatReportStats(out io.Writer, s reportStats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Total reports:\t%d\n", s.Total)
	_, _ = fmt.Fprintf(w, "Complete:\t%d\n", s.Complete)
	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", s.Failed)
	_, _ = fmt.Fprintf(w, "Pending:\t%d\n", s.Pending)
	if s.AvgScore > 0 {
		_, _ = fmt.Fprintf(w, "Avg score:\t%.1f\n", s.AvgScore)
	}
	for cat, n := range s.FailedCategory {
		_, _ = fmt.Fprintf(w, "  failed %s:\t%d\n", cat, n)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
