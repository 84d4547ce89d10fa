package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/crm-import/internal/model"
	"github.com/sells-group/crm-import/internal/monitoring"
	"github.com/sells-group/crm-import/internal/queue"
	"github.com/sells-group/crm-import/internal/report"
	"github.com/sells-group/crm-import/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect migration runs and their errors",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List migration runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "inspect")
		if err != nil {
			return err
		}
		defer env.Close()

		integration, _ := cmd.Flags().GetString("integration")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		runs, err := env.runs.ListRuns(ctx, store.RunFilter{
			IntegrationID: integration,
			Status:        model.RunStatus(status),
			Limit:         limit,
		})
		if err != nil {
			return eris.Wrap(err, "runs list")
		}
		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, runs)
		return nil
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show full details of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "inspect")
		if err != nil {
			return err
		}
		defer env.Close()

		run, err := env.runs.GetRun(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}

		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close() //nolint:errcheck
		return enc.Encode(run)
	},
}

// -- runs errors --

var runsErrorsCmd = &cobra.Command{
	Use:   "errors <run-id>",
	Short: "List the errors recorded for a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "inspect")
		if err != nil {
			return err
		}
		defer env.Close()

		phase, _ := cmd.Flags().GetString("phase")
		all, _ := cmd.Flags().GetBool("all")
		limit, _ := cmd.Flags().GetInt("limit")
		xlsxPath, _ := cmd.Flags().GetString("xlsx")

		run, err := env.runs.GetRun(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs errors")
		}
		errs, err := env.runs.ListErrors(ctx, run.ID, store.ErrorFilter{
			Phase:           model.Phase(phase),
			IncludeResolved: all,
			Limit:           limit,
		})
		if err != nil {
			return eris.Wrap(err, "runs errors")
		}

		if xlsxPath != "" {
			if err := report.SaveErrors(xlsxPath, *run, errs); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "Wrote %d error(s) to %s.\n", len(errs), xlsxPath)
			return nil
		}
		if len(errs) == 0 {
			fmt.Fprintln(os.Stderr, "No errors recorded.")
			return nil
		}
		formatErrorsList(os.Stdout, errs)
		return nil
	},
}

// -- runs resolve --

var runsResolveCmd = &cobra.Command{
	Use:   "resolve [error-id...]",
	Short: "Mark run errors as resolved",
	Long:  "Marks the given error ids resolved. With --from-xlsx, resolves every row marked in the Resolved column of a report written by 'runs errors --xlsx'.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		fromXLSX, _ := cmd.Flags().GetString("from-xlsx")
		ids := args
		if fromXLSX != "" {
			marked, err := report.ReadResolved(fromXLSX)
			if err != nil {
				return err
			}
			ids = append(ids, marked...)
		}
		if len(ids) == 0 {
			return eris.New("no error ids given")
		}

		env, err := initEnv(ctx, "inspect")
		if err != nil {
			return err
		}
		defer env.Close()

		for _, id := range ids {
			if err := env.runs.ResolveError(ctx, id); err != nil {
				return eris.Wrapf(err, "resolve %s", id)
			}
		}
		fmt.Fprintf(os.Stderr, "Resolved %d error(s).\n", len(ids))
		return nil
	},
}

// -- runs health --

var runsHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Summarize recent run health and the alerts it would raise",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "inspect")
		if err != nil {
			return err
		}
		defer env.Close()

		hours, _ := cmd.Flags().GetInt("hours")
		if hours <= 0 {
			hours = env.cfg.Monitoring.LookbackWindowHours
		}

		var stats monitoring.QueueStats
		if env.cfg.Queue.Driver == "postgres" && env.pool != nil {
			stats = queue.NewPostgres(env.pool, queue.PostgresOptions{})
		}
		collector := monitoring.NewCollector(env.runs, stats, time.Duration(env.cfg.Monitoring.StallMinutes)*time.Minute)
		snap, err := collector.Collect(ctx, hours)
		if err != nil {
			return err
		}

		formatHealth(os.Stdout, snap, monitoring.NewAlerter(env.cfg.Monitoring).Evaluate(snap))
		return nil
	},
}

func init() {
	runsListCmd.Flags().String("integration", "", "filter by integration id")
	runsListCmd.Flags().String("status", "", "filter by run status (pending, running, paused, failed, completed)")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")

	runsErrorsCmd.Flags().String("phase", "", "filter by phase")
	runsErrorsCmd.Flags().Bool("all", false, "include resolved errors")
	runsErrorsCmd.Flags().Int("limit", 500, "max number of errors to display")
	runsErrorsCmd.Flags().String("xlsx", "", "write the errors to this spreadsheet instead of stdout")

	runsResolveCmd.Flags().String("from-xlsx", "", "resolve rows marked in this error report")

	runsHealthCmd.Flags().Int("hours", 0, "lookback window in hours (default monitoring.lookback_window_hours)")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsErrorsCmd)
	runsCmd.AddCommand(runsResolveCmd)
	runsCmd.AddCommand(runsHealthCmd)
	rootCmd.AddCommand(runsCmd)
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []model.MigrationRun) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tINTEGRATION\tTYPE\tSTATUS\tCHECKPOINT\tPROCESSED\tERRORED\tCREATED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t-----------\t----\t------\t----------\t---------\t-------\t-------\t--------")

	for _, r := range runs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			truncateID(r.ID),
			r.IntegrationID,
			r.RunType,
			r.Status,
			checkpointLabel(r.Checkpoint),
			r.Counters.Processed,
			r.Counters.Errored,
			r.CreatedAt.Format("2006-01-02 15:04"),
			runDuration(r),
		)
	}
	_ = w.Flush()
}

// formatErrorsList writes a tabular list of run errors to w.
func formatErrorsList(out io.Writer, errs []model.MigrationError) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tPHASE\tEXTERNAL_ID\tKIND\tRETRIES\tRESOLVED\tMESSAGE")
	_, _ = fmt.Fprintln(w, "--\t-----\t-----------\t----\t-------\t--------\t-------")

	for _, e := range errs {
		msg := strings.ReplaceAll(e.Message, "\n", " ")
		if len(msg) > 80 {
			msg = msg[:77] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%t\t%s\n",
			e.ID, e.Phase, e.ExternalID, e.Kind, e.RetryCount, e.Resolved, msg)
	}
	_ = w.Flush()
}

// formatHealth writes a health snapshot and its alerts to w.
func formatHealth(out io.Writer, snap *monitoring.MetricsSnapshot, alerts []monitoring.Alert) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Window\tlast %dh\n", snap.LookbackHours)
	_, _ = fmt.Fprintf(w, "Runs\t%d\n", snap.RunsTotal)
	_, _ = fmt.Fprintf(w, "Completed\t%d\n", snap.RunsCompleted)
	_, _ = fmt.Fprintf(w, "Failed\t%d (%.1f%%)\n", snap.RunsFailed, snap.FailRate*100)
	_, _ = fmt.Fprintf(w, "Active\t%d\n", snap.RunsActive)
	_, _ = fmt.Fprintf(w, "Paused\t%d\n", snap.RunsPaused)
	_, _ = fmt.Fprintf(w, "Record errors\t%d\n", snap.RecordErrors)
	if snap.QueueDead >= 0 {
		_, _ = fmt.Fprintf(w, "Dead letters\t%d\n", snap.QueueDead)
	}
	_ = w.Flush()

	if len(alerts) == 0 {
		_, _ = fmt.Fprintln(out, "\nNo alerts.")
		return
	}
	_, _ = fmt.Fprintln(out, "\nAlerts:")
	for _, a := range alerts {
		_, _ = fmt.Fprintf(out, "  [%s] %s\n", a.Severity, a.Message)
	}
}

func checkpointLabel(cp *model.Checkpoint) string {
	if cp == nil {
		return "-"
	}
	label := fmt.Sprintf("%s/%d", cp.Phase, cp.Page)
	if cp.Error != nil {
		label += " (error)"
	}
	return label
}

func runDuration(r model.MigrationRun) string {
	if r.StartedAt == nil {
		return "-"
	}
	end := r.UpdatedAt
	if r.CompletedAt != nil {
		end = *r.CompletedAt
	}
	return end.Sub(*r.StartedAt).Round(time.Second).String()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
