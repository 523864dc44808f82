package main

import (
	"fmt"
	"io"
	"math"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/deckeval/internal/model"
	"github.com/sells-group/deckeval/internal/resilience"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and replay the dead letter queue",
}

// -- dlq list --

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead letter entries eligible for retry",
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

		errType, _ := cmd.Flags().GetString("error-type")
		limit, _ := cmd.Flags().GetInt("limit")

		entries, err := st.DequeueDLQ(ctx, resilience.DLQFilter{
			ErrorType: errType,
			Limit:     limit,
		})
		if err != nil {
			return eris.Wrap(err, "dlq list")
		}

		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "Dead letter queue is empty.")
			return nil
		}

		formatDLQList(os.Stdout, entries)
		return nil
	},
}

// -- dlq retry --

var dlqRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Re-run evaluations for due dead letter entries",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "evaluate")
		if err != nil {
			return err
		}
		defer env.Close()

		limit, _ := cmd.Flags().GetInt("limit")

		entries, err := env.Store.DequeueDLQ(ctx, resilience.DLQFilter{Limit: limit})
		if err != nil {
			return eris.Wrap(err, "dlq retry")
		}
		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "Nothing to retry.")
			return nil
		}

		var replayed, failed int
		for _, entry := range entries {
			report, runErr := env.Coordinator.Replay(ctx, entry.Submission)
			if runErr == nil && report.Status == model.StatusComplete {
				if delErr := env.Store.DeleteDLQ(ctx, entry.ID); delErr != nil {
					zap.L().Warn("dlq: delete after replay", zap.String("entry_id", entry.ID), zap.Error(delErr))
				}
				replayed++
				continue
			}

			failed++
			reason := "evaluation still failing"
			if runErr != nil {
				reason = runErr.Error()
			}
			next := time.Now().UTC().Add(dlqBackoff(entry.RetryCount + 1))
			if incErr := env.Store.IncrementDLQRetry(ctx, entry.ID, next, reason); incErr != nil {
				zap.L().Warn("dlq: increment retry", zap.String("entry_id", entry.ID), zap.Error(incErr))
			}
		}

		zap.L().Info("dlq replay finished",
			zap.Int("replayed", replayed),
			zap.Int("still_failing", failed),
		)
		return nil
	},
}

// dlqBackoff doubles the redelivery delay with each failed replay.
func dlqBackoff(retryCount int) time.Duration {
	delay := 5 * time.Minute * time.Duration(math.Pow(2, float64(retryCount)))
	if delay > 4*time.Hour {
		delay = 4 * time.Hour
	}
	return delay
}

func formatDLQList(out io.Writer, entries []resilience.DLQEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tCOMPANY\tSTAGE\tTYPE\tRETRIES\tNEXT_RETRY\tERROR")
	_, _ = fmt.Fprintln(w, "--\t-------\t-----\t----\t-------\t----------\t-----")

	for _, e := range entries {
		errMsg := e.Error
		if len(errMsg) > 40 {
			errMsg = errMsg[:37] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			truncateID(e.ID),
			e.Submission.CompanyName,
			e.FailedStage,
			e.ErrorType,
			e.RetryCount,
			e.MaxRetries,
			e.NextRetryAt.Format("2006-01-02 15:04"),
			errMsg,
		)
	}
	_ = w.Flush()
}

func init() {
	dlqListCmd.Flags().String("error-type", "", "filter by error type (transient, permanent)")
	dlqListCmd.Flags().Int("limit", 50, "max entries to display")

	dlqRetryCmd.Flags().Int("limit", 20, "max entries to replay")

	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqRetryCmd)
	rootCmd.AddCommand(dlqCmd)
}
